package rhi_test

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/backend/soft"
)

func TestDeviceComponents(t *testing.T) {
	_, dev := newDevice(t, rhi.Config{}, nil)

	for _, typ := range []rhi.QueueType{rhi.QueueGraphics, rhi.QueueCompute, rhi.QueueCopy} {
		q := dev.Queue(typ)
		if q == nil || q.Type() != typ {
			t.Errorf("Queue(%s) = %v", typ, q)
		}
	}
	heaps := []struct {
		typ      rhi.DescriptorHeapType
		capacity uint32
		visible  bool
	}{
		{rhi.DescriptorHeapCBVSRVUAV, rhi.DefaultCBVSRVUAVDescriptors, true},
		{rhi.DescriptorHeapSampler, rhi.DefaultSamplerDescriptors, true},
		{rhi.DescriptorHeapRTV, rhi.DefaultRTVDescriptors, false},
		{rhi.DescriptorHeapDSV, rhi.DefaultDSVDescriptors, false},
	}
	for _, tt := range heaps {
		h := dev.Heap(tt.typ)
		if h == nil {
			t.Errorf("Heap(%s) = nil", tt.typ)
			continue
		}
		if h.Capacity() != tt.capacity || h.IsShaderVisible() != tt.visible {
			t.Errorf("Heap(%s) capacity = %d visible = %v, want %d %v",
				tt.typ, h.Capacity(), h.IsShaderVisible(), tt.capacity, tt.visible)
		}
	}
	if dev.BufferPool() == nil || dev.TexturePool() == nil {
		t.Error("device pools not created")
	}
	if dev.Config().FramesInFlight != rhi.DefaultFramesInFlight {
		t.Errorf("Config().FramesInFlight = %d", dev.Config().FramesInFlight)
	}
}

func TestNewDeviceInvalidConfig(t *testing.T) {
	b := soft.New(soft.Options{})
	defer b.Close()
	if _, err := rhi.NewDevice(rhi.Config{FramesInFlight: rhi.MaxFramesInFlight + 1}, nil, rhi.WithBackend(b)); !errors.Is(err, rhi.ErrInvalidConfig) {
		t.Errorf("NewDevice() error = %v, want ErrInvalidConfig", err)
	}
}

// countingBackend counts Init calls on a software backend.
type countingBackend struct {
	*soft.Backend
	inits atomic.Int32
	err   error
}

func (b *countingBackend) Init() error {
	b.inits.Add(1)
	return b.err
}

func TestInjectedBackendIsInitialized(t *testing.T) {
	b := &countingBackend{Backend: soft.New(soft.Options{})}
	dev, err := rhi.NewDevice(rhi.Config{}, nil, rhi.WithBackend(b))
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	defer func() { _ = dev.Shutdown() }()
	if n := b.inits.Load(); n != 1 {
		t.Errorf("Init() called %d times, want 1", n)
	}

	errInit := errors.New("no adapter")
	bad := &countingBackend{Backend: soft.New(soft.Options{}), err: errInit}
	defer bad.Close()
	if _, err := rhi.NewDevice(rhi.Config{}, nil, rhi.WithBackend(bad)); !errors.Is(err, errInit) {
		t.Errorf("NewDevice() error = %v, want the Init error", err)
	}
}

func TestInitializeTwice(t *testing.T) {
	_, dev := newDevice(t, rhi.Config{}, nil)
	if err := dev.Initialize(rhi.Config{}, nil); !errors.Is(err, rhi.ErrValidation) {
		t.Errorf("second Initialize() error = %v, want ErrValidation", err)
	}
}

func TestFrameLoop(t *testing.T) {
	b, dev := newDevice(t, rhi.Config{FramesInFlight: 2}, &rhi.SurfaceInfo{Width: 64, Height: 32, BufferCount: 3})
	m := dev.Resources()

	seen := make(map[rhi.TextureHandle]bool)
	const frames = 5
	for i := 0; i < frames; i++ {
		h, ok := dev.BackBuffer()
		if !ok {
			t.Fatal("BackBuffer() ok = false on a windowed device")
		}
		seen[h] = true
		bb := m.GetTexture(h)
		if bb.Width() != 64 || bb.Height() != 32 || bb.Format() != rhi.FormatBGRA8Unorm {
			t.Fatalf("back buffer = %dx%d %s", bb.Width(), bb.Height(), bb.Format())
		}

		list, err := dev.BeginFrame()
		if err != nil {
			t.Fatalf("frame %d: BeginFrame() error = %v", i, err)
		}
		if bb.CurrentState() != rhi.StateRenderTarget {
			t.Errorf("frame %d: back buffer state = %s after BeginFrame, want RenderTarget", i, bb.CurrentState())
		}
		list.ClearRenderTarget(bb, [4]float32{0, 0, 1, 1})

		v, err := dev.EndFrame()
		if err != nil {
			t.Fatalf("frame %d: EndFrame() error = %v", i, err)
		}
		if v == 0 {
			t.Errorf("frame %d: EndFrame() fence = 0", i)
		}
		if bb.CurrentState() != rhi.StatePresent {
			t.Errorf("frame %d: back buffer state = %s after EndFrame, want Present", i, bb.CurrentState())
		}
		if err := dev.Present(); err != nil {
			t.Fatalf("frame %d: Present() error = %v", i, err)
		}
	}
	if err := dev.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}

	if len(seen) != 3 {
		t.Errorf("rotated through %d back buffers, want 3", len(seen))
	}
	if dev.FrameIndex() != frames {
		t.Errorf("FrameIndex() = %d, want %d", dev.FrameIndex(), frames)
	}
	st := b.Stats()
	if st.Presents != frames || st.Clears != frames {
		t.Errorf("Stats() presents = %d clears = %d, want %d", st.Presents, st.Clears, frames)
	}
	if st.ValidationErrors != 0 {
		t.Errorf("ValidationErrors = %d, last: %v", st.ValidationErrors, b.LastValidationError())
	}
}

func TestDevicePoolWaitsOnCopyQueue(t *testing.T) {
	b, dev := newDevice(t, rhi.Config{}, nil)
	m := dev.Resources()
	pool := dev.BufferPool()
	copyQ := dev.Queue(rhi.QueueCopy)

	upH, err := pool.Acquire(rhi.BufferDesc{Size: 256, Usage: rhi.UsageCopySource, CPUAccessible: true})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	dst := mustBuffer(t, m, rhi.BufferDesc{Size: 256, Usage: rhi.UsageCopyDest})

	b.Pause()
	l := copyQ.BeginCommandList("upload")
	l.CopyBuffer(dst, 0, m.GetBuffer(upH), 0, 256)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := copyQ.ExecuteCommandLists(l); err != nil {
		t.Fatalf("ExecuteCommandLists() error = %v", err)
	}
	pool.ReturnBuffer(upH)

	if _, ok := pool.GetFromPool(rhi.UsageCopySource, true, 256); ok {
		t.Fatal("GetFromPool() returned a buffer the copy queue is still reading")
	}

	b.Resume()
	if err := dev.WaitForIdle(); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	if got, ok := pool.GetFromPool(rhi.UsageCopySource, true, 256); !ok || got != upH {
		t.Errorf("GetFromPool() = %v, %v; want %v, true", got, ok, upH)
	}
}

func TestFrameStateErrors(t *testing.T) {
	_, dev := newDevice(t, rhi.Config{}, nil)

	if _, err := dev.EndFrame(); !errors.Is(err, rhi.ErrFrameState) {
		t.Errorf("EndFrame() without BeginFrame error = %v, want ErrFrameState", err)
	}
	if _, err := dev.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame() error = %v", err)
	}
	if _, err := dev.BeginFrame(); !errors.Is(err, rhi.ErrFrameState) {
		t.Errorf("second BeginFrame() error = %v, want ErrFrameState", err)
	}
	if _, err := dev.EndFrame(); err != nil {
		t.Errorf("EndFrame() error = %v", err)
	}
}

func TestHeadlessDevice(t *testing.T) {
	_, dev := newDevice(t, rhi.Config{}, nil)

	if _, ok := dev.BackBuffer(); ok {
		t.Error("BackBuffer() ok = true on a headless device")
	}
	list, err := dev.BeginFrame()
	if err != nil {
		t.Fatalf("BeginFrame() error = %v", err)
	}
	if n := len(list.Commands()); n != 0 {
		t.Errorf("headless frame list starts with %d commands, want 0", n)
	}
	if _, err := dev.EndFrame(); err != nil {
		t.Fatalf("EndFrame() error = %v", err)
	}
	if err := dev.Present(); err != nil {
		t.Errorf("Present() error = %v, want nil", err)
	}
}

func TestShutdown(t *testing.T) {
	b, dev := newDevice(t, rhi.Config{}, &rhi.SurfaceInfo{Width: 8, Height: 8})
	m := dev.Resources()
	buf := mustBuffer(t, m, rhi.BufferDesc{Size: 1024, Usage: rhi.UsageVertexBuffer})

	if err := dev.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := dev.Shutdown(); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	if buf.IsValid() {
		t.Error("buffer still valid after Shutdown")
	}
	if used := b.MemoryBudget().Used; used != 0 {
		t.Errorf("backend memory in use after Shutdown = %d, want 0", used)
	}

	if _, err := dev.BeginFrame(); !errors.Is(err, rhi.ErrDeviceClosed) {
		t.Errorf("BeginFrame() error = %v, want ErrDeviceClosed", err)
	}
	if _, err := dev.EndFrame(); !errors.Is(err, rhi.ErrDeviceClosed) {
		t.Errorf("EndFrame() error = %v, want ErrDeviceClosed", err)
	}
	if err := dev.Present(); !errors.Is(err, rhi.ErrDeviceClosed) {
		t.Errorf("Present() error = %v, want ErrDeviceClosed", err)
	}
	if err := dev.Initialize(rhi.Config{}, nil); !errors.Is(err, rhi.ErrDeviceClosed) {
		t.Errorf("Initialize() error = %v, want ErrDeviceClosed", err)
	}
}

func TestDeviceLostDuringFrame(t *testing.T) {
	b, dev := newDevice(t, rhi.Config{}, nil)

	if dev.IsLost() {
		t.Fatal("IsLost() = true on a fresh device")
	}
	b.LoseDevice()

	if _, err := dev.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame() error = %v", err)
	}
	if _, err := dev.EndFrame(); !errors.Is(err, rhi.ErrDeviceLost) {
		t.Errorf("EndFrame() error = %v, want ErrDeviceLost", err)
	}
	if !dev.IsLost() {
		t.Error("IsLost() = false after a failed submission")
	}
	if err := dev.Shutdown(); !errors.Is(err, rhi.ErrDeviceLost) {
		t.Errorf("Shutdown() error = %v, want ErrDeviceLost", err)
	}
}

func TestDeviceLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dev, err := rhi.NewDevice(rhi.Config{}, nil, rhi.WithBackend(soft.New(soft.Options{})), rhi.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	if err := dev.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"rhi: device initialized", "backend=software", "rhi: device shut down"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
