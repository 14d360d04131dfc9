package rhi_test

import (
	"testing"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/backend/soft"
)

// newManager returns a resource manager over a fresh software backend.
func newManager(t *testing.T) (*soft.Backend, *rhi.ResourceManager) {
	t.Helper()
	return newManagerWith(t, soft.Options{})
}

func newManagerWith(t *testing.T, opts soft.Options) (*soft.Backend, *rhi.ResourceManager) {
	t.Helper()
	b := soft.New(opts)
	m := rhi.NewResourceManager(b, nil)
	t.Cleanup(func() {
		b.Resume()
		m.Close()
		b.Close()
	})
	return b, m
}

func newQueue(t *testing.T, b rhi.Backend, typ rhi.QueueType) *rhi.CommandQueue {
	t.Helper()
	q, err := rhi.NewCommandQueue(b, typ, nil)
	if err != nil {
		t.Fatalf("NewCommandQueue(%s) error = %v", typ, err)
	}
	t.Cleanup(q.Release)
	return q
}

func newDevice(t *testing.T, cfg rhi.Config, surface *rhi.SurfaceInfo) (*soft.Backend, *rhi.Device) {
	t.Helper()
	b := soft.New(soft.Options{})
	dev, err := rhi.NewDevice(cfg, surface, rhi.WithBackend(b))
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	t.Cleanup(func() {
		b.Resume()
		_ = dev.Shutdown()
	})
	return b, dev
}

func mustBuffer(t *testing.T, m *rhi.ResourceManager, desc rhi.BufferDesc) *rhi.Buffer {
	t.Helper()
	h, err := m.CreateBuffer(desc)
	if err != nil {
		t.Fatalf("CreateBuffer(%+v) error = %v", desc, err)
	}
	return m.GetBuffer(h)
}

func mustTexture(t *testing.T, m *rhi.ResourceManager, desc rhi.TextureDesc) *rhi.Texture {
	t.Helper()
	h, err := m.CreateTexture(desc)
	if err != nil {
		t.Fatalf("CreateTexture(%+v) error = %v", desc, err)
	}
	return m.GetTexture(h)
}

// executeAndWait closes l, executes it on q and waits for completion.
func executeAndWait(t *testing.T, q *rhi.CommandQueue, l *rhi.CommandList) uint64 {
	t.Helper()
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	v, err := q.ExecuteCommandLists(l)
	if err != nil {
		t.Fatalf("ExecuteCommandLists() error = %v", err)
	}
	if err := q.WaitForFence(v); err != nil {
		t.Fatalf("WaitForFence(%d) error = %v", v, err)
	}
	return v
}
