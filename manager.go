package rhi

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rhi/internal/handle"
)

// ResourceManager owns every buffer, texture and pipeline of a device and
// hands out generation-stamped handles to them.
//
// Creation and destruction serialize on one mutex per resource category;
// the native allocation happens while that mutex is held. Handle lookups
// and validity checks are lock-free.
//
// Destroy releases the native object immediately. Callers that may still
// have GPU work referencing a resource return it through a BufferPool or
// TexturePool, or wait on the relevant fence first.
type ResourceManager struct {
	backend Backend
	logger  *slog.Logger
	views   *viewHeaps

	bufMu   sync.Mutex
	buffers *handle.Table[Buffer]

	texMu    sync.Mutex
	textures *handle.Table[Texture]

	pipeMu    sync.Mutex
	pipelines *handle.Table[Pipeline]

	stats  managerCounters
	closed atomic.Bool
}

type managerCounters struct {
	buffersCreated     atomic.Uint64
	buffersDestroyed   atomic.Uint64
	texturesCreated    atomic.Uint64
	texturesDestroyed  atomic.Uint64
	pipelinesCreated   atomic.Uint64
	pipelinesDestroyed atomic.Uint64
	failures           atomic.Uint64
	bufferBytes        atomic.Int64
	textureBytes       atomic.Int64
}

// ManagerStats is a snapshot of advisory counters. Values are read
// independently and may be mutually inconsistent under concurrent use.
type ManagerStats struct {
	Buffers            int
	Textures           int
	Pipelines          int
	BuffersCreated     uint64
	BuffersDestroyed   uint64
	TexturesCreated    uint64
	TexturesDestroyed  uint64
	PipelinesCreated   uint64
	PipelinesDestroyed uint64
	CreateFailures     uint64
	BufferBytes        uint64
	TextureBytes       uint64
}

// NewResourceManager creates a manager allocating from backend.
func NewResourceManager(backend Backend, logger *slog.Logger) *ResourceManager {
	return &ResourceManager{
		backend:   backend,
		logger:    orNop(logger),
		buffers:   handle.New[Buffer](),
		textures:  handle.New[Texture](),
		pipelines: handle.New[Pipeline](),
	}
}

// AttachDescriptorHeaps makes the manager allocate descriptor view slots
// for new resources from heaps (at most one heap per type). Call it before
// creating resources.
func (m *ResourceManager) AttachDescriptorHeaps(heaps ...*DescriptorHeap) {
	var hs viewHeaps
	for _, h := range heaps {
		if h != nil {
			hs[h.Type()] = h
		}
	}
	m.views = &hs
}

// CreateBuffer validates desc and allocates a buffer. On failure it returns
// the zero handle and an error matching ErrValidation or ErrAllocation.
func (m *ResourceManager) CreateBuffer(desc BufferDesc) (BufferHandle, error) {
	if m.closed.Load() {
		return BufferHandle{}, ErrDeviceClosed
	}
	m.bufMu.Lock()
	defer m.bufMu.Unlock()

	b := &Buffer{}
	h := m.buffers.Allocate(b)
	if err := m.initBuffer(b, &desc); err != nil {
		m.buffers.Release(h)
		m.stats.failures.Add(1)
		m.logger.Warn("rhi: create buffer failed", "name", desc.DebugName, "size", desc.Size, "err", err)
		return BufferHandle{}, err
	}
	b.markValid()
	m.stats.buffersCreated.Add(1)
	m.stats.bufferBytes.Add(int64(b.allocSize))
	return BufferHandle{h}, nil
}

func (m *ResourceManager) initBuffer(b *Buffer, desc *BufferDesc) error {
	if err := b.initialize(m.backend, desc, m.logger); err != nil {
		return err
	}
	if m.views != nil {
		if err := m.views.allocate(&b.views, bufferViewKinds(desc.Usage)...); err != nil {
			b.native.Release()
			return fmt.Errorf("rhi: views for buffer %q: %w", desc.DebugName, err)
		}
	}
	return nil
}

// DestroyBuffer releases the buffer. Stale handles are ignored.
func (m *ResourceManager) DestroyBuffer(h BufferHandle) {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()

	b, ok := m.buffers.Release(h.h)
	if !ok {
		m.logger.Debug("rhi: destroy stale buffer handle", "handle", h)
		return
	}
	if m.views != nil {
		m.views.free(&b.views)
	}
	b.release()
	m.stats.buffersDestroyed.Add(1)
	m.stats.bufferBytes.Add(-int64(b.allocSize))
}

// GetBuffer returns the buffer of h, or nil when h is stale.
func (m *ResourceManager) GetBuffer(h BufferHandle) *Buffer {
	b, ok := m.buffers.Get(h.h)
	if !ok || !b.IsValid() {
		return nil
	}
	return b
}

// IsValidBuffer reports whether h references a live buffer.
func (m *ResourceManager) IsValidBuffer(h BufferHandle) bool {
	return m.GetBuffer(h) != nil
}

// CreateTexture validates desc and allocates a texture.
func (m *ResourceManager) CreateTexture(desc TextureDesc) (TextureHandle, error) {
	if m.closed.Load() {
		return TextureHandle{}, ErrDeviceClosed
	}
	m.texMu.Lock()
	defer m.texMu.Unlock()

	t := &Texture{}
	h := m.textures.Allocate(t)
	if err := m.initTexture(t, &desc); err != nil {
		m.textures.Release(h)
		m.stats.failures.Add(1)
		m.logger.Warn("rhi: create texture failed", "name", desc.DebugName,
			"width", desc.Width, "height", desc.Height, "format", desc.Format, "err", err)
		return TextureHandle{}, err
	}
	t.markValid()
	m.stats.texturesCreated.Add(1)
	m.stats.textureBytes.Add(int64(t.SizeInBytes()))
	return TextureHandle{h}, nil
}

func (m *ResourceManager) initTexture(t *Texture, desc *TextureDesc) error {
	if err := t.initialize(m.backend, desc, m.logger); err != nil {
		return err
	}
	if m.views != nil {
		if err := m.views.allocate(&t.views, textureViewKinds(t.desc.Usage)...); err != nil {
			t.native.Release()
			return fmt.Errorf("rhi: views for texture %q: %w", desc.DebugName, err)
		}
	}
	return nil
}

// DestroyTexture releases the texture. Stale handles are ignored.
func (m *ResourceManager) DestroyTexture(h TextureHandle) {
	m.texMu.Lock()
	defer m.texMu.Unlock()

	t, ok := m.textures.Release(h.h)
	if !ok {
		m.logger.Debug("rhi: destroy stale texture handle", "handle", h)
		return
	}
	if m.views != nil {
		m.views.free(&t.views)
	}
	t.release()
	m.stats.texturesDestroyed.Add(1)
	m.stats.textureBytes.Add(-int64(t.SizeInBytes()))
}

// GetTexture returns the texture of h, or nil when h is stale.
func (m *ResourceManager) GetTexture(h TextureHandle) *Texture {
	t, ok := m.textures.Get(h.h)
	if !ok || !t.IsValid() {
		return nil
	}
	return t
}

// IsValidTexture reports whether h references a live texture.
func (m *ResourceManager) IsValidTexture(h TextureHandle) bool {
	return m.GetTexture(h) != nil
}

// CreatePipeline compiles and creates a pipeline.
func (m *ResourceManager) CreatePipeline(desc PipelineDesc) (PipelineHandle, error) {
	if m.closed.Load() {
		return PipelineHandle{}, ErrDeviceClosed
	}
	m.pipeMu.Lock()
	defer m.pipeMu.Unlock()

	p := &Pipeline{}
	h := m.pipelines.Allocate(p)
	if err := p.initialize(m.backend, &desc, m.logger); err != nil {
		m.pipelines.Release(h)
		m.stats.failures.Add(1)
		m.logger.Warn("rhi: create pipeline failed", "name", desc.DebugName, "kind", desc.Kind, "err", err)
		return PipelineHandle{}, err
	}
	p.markValid()
	m.stats.pipelinesCreated.Add(1)
	return PipelineHandle{h}, nil
}

// DestroyPipeline releases the pipeline. Stale handles are ignored.
func (m *ResourceManager) DestroyPipeline(h PipelineHandle) {
	m.pipeMu.Lock()
	defer m.pipeMu.Unlock()

	p, ok := m.pipelines.Release(h.h)
	if !ok {
		m.logger.Debug("rhi: destroy stale pipeline handle", "handle", h)
		return
	}
	p.release()
	m.stats.pipelinesDestroyed.Add(1)
}

// GetPipeline returns the pipeline of h, or nil when h is stale.
func (m *ResourceManager) GetPipeline(h PipelineHandle) *Pipeline {
	p, ok := m.pipelines.Get(h.h)
	if !ok || !p.IsValid() {
		return nil
	}
	return p
}

// IsValidPipeline reports whether h references a live pipeline.
func (m *ResourceManager) IsValidPipeline(h PipelineHandle) bool {
	return m.GetPipeline(h) != nil
}

// GetUsedMemory returns the device memory in use as reported by the backend.
func (m *ResourceManager) GetUsedMemory() uint64 {
	return m.backend.MemoryBudget().Used
}

// GetTotalMemory returns the device memory budget as reported by the backend.
func (m *ResourceManager) GetTotalMemory() uint64 {
	return m.backend.MemoryBudget().Total
}

// Stats returns advisory counters.
func (m *ResourceManager) Stats() ManagerStats {
	return ManagerStats{
		Buffers:            m.buffers.Len(),
		Textures:           m.textures.Len(),
		Pipelines:          m.pipelines.Len(),
		BuffersCreated:     m.stats.buffersCreated.Load(),
		BuffersDestroyed:   m.stats.buffersDestroyed.Load(),
		TexturesCreated:    m.stats.texturesCreated.Load(),
		TexturesDestroyed:  m.stats.texturesDestroyed.Load(),
		PipelinesCreated:   m.stats.pipelinesCreated.Load(),
		PipelinesDestroyed: m.stats.pipelinesDestroyed.Load(),
		CreateFailures:     m.stats.failures.Load(),
		BufferBytes:        uint64(max(m.stats.bufferBytes.Load(), 0)),
		TextureBytes:       uint64(max(m.stats.textureBytes.Load(), 0)),
	}
}

// MemoryStats combines the backend budget with the manager's own
// accounting.
func (m *ResourceManager) MemoryStats() MemoryStats {
	budget := m.backend.MemoryBudget()
	s := m.Stats()
	return MemoryStats{
		UsedBytes:    budget.Used,
		TotalBytes:   budget.Total,
		BufferBytes:  s.BufferBytes,
		TextureBytes: s.TextureBytes,
		Buffers:      s.Buffers,
		Textures:     s.Textures,
	}
}

// Close destroys every live resource. Later Create calls fail with
// ErrDeviceClosed. The GPU must be idle.
func (m *ResourceManager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	var bufs []BufferHandle
	m.buffers.Range(func(h handle.Handle, _ *Buffer) bool {
		bufs = append(bufs, BufferHandle{h})
		return true
	})
	for _, h := range bufs {
		m.DestroyBuffer(h)
	}

	var texs []TextureHandle
	m.textures.Range(func(h handle.Handle, _ *Texture) bool {
		texs = append(texs, TextureHandle{h})
		return true
	})
	for _, h := range texs {
		m.DestroyTexture(h)
	}

	var pipes []PipelineHandle
	m.pipelines.Range(func(h handle.Handle, _ *Pipeline) bool {
		pipes = append(pipes, PipelineHandle{h})
		return true
	})
	for _, h := range pipes {
		m.DestroyPipeline(h)
	}

	if n := len(bufs) + len(texs) + len(pipes); n > 0 {
		m.logger.Info("rhi: resource manager closed", "released", n)
	}
}
