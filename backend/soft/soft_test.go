package soft

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/rhi"
)

func newTestManager(t *testing.T, opts Options) (*Backend, *rhi.ResourceManager) {
	t.Helper()
	b := New(opts)
	m := rhi.NewResourceManager(b, nil)
	t.Cleanup(func() {
		b.Resume()
		m.Close()
		b.Close()
	})
	return b, m
}

func newTestQueue(t *testing.T, b *Backend, typ rhi.QueueType) *rhi.CommandQueue {
	t.Helper()
	q, err := rhi.NewCommandQueue(b, typ, nil)
	if err != nil {
		t.Fatalf("NewCommandQueue(%s) error = %v", typ, err)
	}
	t.Cleanup(q.Release)
	return q
}

func mustBuffer(t *testing.T, m *rhi.ResourceManager, desc rhi.BufferDesc) *rhi.Buffer {
	t.Helper()
	h, err := m.CreateBuffer(desc)
	if err != nil {
		t.Fatalf("CreateBuffer(%+v) error = %v", desc, err)
	}
	return m.GetBuffer(h)
}

func TestRegistered(t *testing.T) {
	b, err := rhi.OpenBackend(rhi.BackendSoftware)
	if err != nil {
		t.Fatalf("OpenBackend(software) error = %v", err)
	}
	defer b.Close()
	if b.Name() != rhi.BackendSoftware {
		t.Errorf("Name() = %q, want %q", b.Name(), rhi.BackendSoftware)
	}
}

func TestCopyRoundTrip(t *testing.T) {
	b, m := newTestManager(t, Options{})
	q := newTestQueue(t, b, rhi.QueueCopy)

	data := []byte("the quick brown fox jumps over the lazy dog")
	size := uint64(len(data))
	upload := mustBuffer(t, m, rhi.BufferDesc{Size: size, Usage: rhi.UsageCopySource, CPUAccessible: true, DebugName: "upload"})
	gpu := mustBuffer(t, m, rhi.BufferDesc{Size: size, Usage: rhi.UsageCopySource | rhi.UsageCopyDest, DebugName: "gpu"})
	readback := mustBuffer(t, m, rhi.BufferDesc{Size: size, Usage: rhi.UsageCopyDest, CPUAccessible: true, DebugName: "readback"})

	if upload.Heap() != rhi.HeapUpload || readback.Heap() != rhi.HeapReadback {
		t.Fatalf("heaps = %s, %s; want Upload, Readback", upload.Heap(), readback.Heap())
	}
	if err := upload.UpdateData(data, 0); err != nil {
		t.Fatalf("UpdateData() error = %v", err)
	}

	l := q.BeginCommandList("copy")
	l.CopyBuffer(gpu, 0, upload, 0, size)
	l.CopyBuffer(readback, 0, gpu, 0, size)
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

	got, err := readback.ReadData(0, 0)
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("readback = %q, want %q", got, data)
	}
	st := b.Stats()
	if st.Copies != 2 {
		t.Errorf("Copies = %d, want 2", st.Copies)
	}
	if st.ValidationErrors != 0 {
		t.Errorf("ValidationErrors = %d, last: %v", st.ValidationErrors, b.LastValidationError())
	}
}

func TestDefaultHeapWrite(t *testing.T) {
	b, m := newTestManager(t, Options{})
	q := newTestQueue(t, b, rhi.QueueCopy)

	gpu := mustBuffer(t, m, rhi.BufferDesc{Size: 8, Usage: rhi.UsageCopySource})
	readback := mustBuffer(t, m, rhi.BufferDesc{Size: 8, Usage: rhi.UsageCopyDest, CPUAccessible: true})

	if err := gpu.UpdateData([]byte{1, 2, 3, 4}, 4); err != nil {
		t.Fatalf("UpdateData() error = %v", err)
	}
	l := q.BeginCommandList("readback")
	l.CopyBuffer(readback, 0, gpu, 0, 8)
	_ = l.Close()
	v, err := q.ExecuteCommandLists(l)
	if err != nil {
		t.Fatal(err)
	}
	_ = q.WaitForFence(v)

	got, _ := readback.ReadData(0, 0)
	if want := []byte{0, 0, 0, 0, 1, 2, 3, 4}; !bytes.Equal(got, want) {
		t.Errorf("readback = %v, want %v", got, want)
	}
}

func TestClearRenderTarget(t *testing.T) {
	tests := []struct {
		format rhi.Format
		color  [4]float32
		texel  []byte
	}{
		{rhi.FormatRGBA8Unorm, [4]float32{1, 0, 0, 1}, []byte{255, 0, 0, 255}},
		{rhi.FormatBGRA8Unorm, [4]float32{1, 0, 0, 1}, []byte{0, 0, 255, 255}},
		{rhi.FormatR8Unorm, [4]float32{0.5, 0, 0, 0}, []byte{128}},
		{rhi.FormatR16Float, [4]float32{1, 0, 0, 0}, []byte{0x00, 0x3C}},
	}
	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			b, m := newTestManager(t, Options{})
			q := newTestQueue(t, b, rhi.QueueGraphics)

			h, err := m.CreateTexture(rhi.TextureDesc{Width: 4, Height: 2, Format: tt.format, Usage: rhi.UsageRenderTarget})
			if err != nil {
				t.Fatalf("CreateTexture() error = %v", err)
			}
			tex := m.GetTexture(h)

			l := q.BeginCommandList("clear")
			l.ClearRenderTarget(tex, tt.color)
			if err := l.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			v, err := q.ExecuteCommandLists(l)
			if err != nil {
				t.Fatal(err)
			}
			if err := q.WaitForFence(v); err != nil {
				t.Fatal(err)
			}

			got, err := TextureData(tex, 0, 0)
			if err != nil {
				t.Fatalf("TextureData() error = %v", err)
			}
			want := bytes.Repeat(tt.texel, 8)
			if !bytes.Equal(got, want) {
				t.Errorf("texels = %v, want %v", got, want)
			}
		})
	}
}

func TestCopyBufferToTexture(t *testing.T) {
	b, m := newTestManager(t, Options{})
	q := newTestQueue(t, b, rhi.QueueCopy)

	th, err := m.CreateTexture(rhi.TextureDesc{Width: 2, Height: 2, MipLevels: 2, Format: rhi.FormatRGBA8Unorm, Usage: rhi.UsageShaderResource})
	if err != nil {
		t.Fatal(err)
	}
	tex := m.GetTexture(th)
	texels := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	upload := mustBuffer(t, m, rhi.BufferDesc{Size: 32, Usage: rhi.UsageCopySource, CPUAccessible: true})
	if err := upload.UpdateData(texels, 16); err != nil {
		t.Fatal(err)
	}

	l := q.BeginCommandList("upload")
	l.CopyBufferToTexture(tex, 0, 0, upload, 16)
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	v, _ := q.ExecuteCommandLists(l)
	_ = q.WaitForFence(v)

	got, _ := TextureData(tex, 0, 0)
	if !bytes.Equal(got, texels) {
		t.Errorf("mip 0 = %v, want %v", got, texels)
	}
	if s, _ := tex.SubresourceState(tex.SubresourceIndex(0, 0)); s != rhi.StateCopyDest {
		t.Errorf("mip 0 state = %s, want CopyDest", s)
	}
	if s, _ := tex.SubresourceState(tex.SubresourceIndex(1, 0)); s != rhi.StateCommon {
		t.Errorf("mip 1 state = %s, want Common", s)
	}
	if n := b.Stats().ValidationErrors; n != 0 {
		t.Errorf("ValidationErrors = %d, last: %v", n, b.LastValidationError())
	}
}

func TestBarrierMismatchIsCounted(t *testing.T) {
	b, m := newTestManager(t, Options{})
	q := newTestQueue(t, b, rhi.QueueGraphics)

	buf := mustBuffer(t, m, rhi.BufferDesc{Size: 16, Usage: rhi.UsageCopyDest | rhi.UsageCopySource})
	// Lie about the tracked state; the GPU timeline still has Common.
	if err := buf.SetCurrentState(rhi.StateCopySource); err != nil {
		t.Fatal(err)
	}
	l := q.BeginCommandList("mismatch")
	l.Transition(buf, rhi.StateCopyDest)
	_ = l.Close()
	v, _ := q.ExecuteCommandLists(l)
	_ = q.WaitForFence(v)

	if n := b.Stats().ValidationErrors; n != 1 {
		t.Errorf("ValidationErrors = %d, want 1", n)
	}
	if b.LastValidationError() == nil {
		t.Error("LastValidationError() = nil")
	}
}

func TestPauseHoldsFence(t *testing.T) {
	b, _ := newTestManager(t, Options{})
	q := newTestQueue(t, b, rhi.QueueGraphics)

	b.Pause()
	v, err := q.Signal()
	if err != nil {
		t.Fatal(err)
	}
	if q.IsFenceComplete(v) {
		t.Fatal("fence completed while paused")
	}

	done := make(chan error, 1)
	go func() { done <- q.WaitForFence(v) }()
	select {
	case err := <-done:
		t.Fatalf("WaitForFence returned %v while paused", err)
	case <-time.After(20 * time.Millisecond):
	}

	b.Resume()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitForFence() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForFence did not return after Resume")
	}
	if !q.IsFenceComplete(v) {
		t.Error("fence not complete after wait")
	}
}

func TestLoseDevice(t *testing.T) {
	b, _ := newTestManager(t, Options{})
	q := newTestQueue(t, b, rhi.QueueGraphics)

	b.Pause()
	v, _ := q.Signal()
	b.LoseDevice()

	if err := q.WaitForFence(v); !errors.Is(err, rhi.ErrDeviceLost) {
		t.Errorf("WaitForFence() error = %v, want ErrDeviceLost", err)
	}
	if !q.IsLost() {
		t.Error("IsLost() = false after device loss")
	}
	if _, err := q.Signal(); !errors.Is(err, rhi.ErrDeviceLost) {
		t.Errorf("Signal() error = %v, want ErrDeviceLost", err)
	}
	if _, err := b.CreateQueue(rhi.QueueCopy); !errors.Is(err, rhi.ErrDeviceLost) {
		t.Errorf("CreateQueue() error = %v, want ErrDeviceLost", err)
	}
}

func TestMemoryBudget(t *testing.T) {
	b, m := newTestManager(t, Options{MemoryBytes: 1024})

	h, err := m.CreateBuffer(rhi.BufferDesc{Size: 1000, Usage: rhi.UsageCopyDest})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	if used := b.MemoryBudget().Used; used != 1000 {
		t.Errorf("Used = %d, want 1000", used)
	}

	_, err = m.CreateBuffer(rhi.BufferDesc{Size: 100, Usage: rhi.UsageCopyDest})
	if !errors.Is(err, rhi.ErrOutOfMemory) || !errors.Is(err, rhi.ErrAllocation) {
		t.Errorf("CreateBuffer() over budget error = %v, want ErrOutOfMemory", err)
	}

	m.DestroyBuffer(h)
	if used := b.MemoryBudget().Used; used != 0 {
		t.Errorf("Used after destroy = %d, want 0", used)
	}
}

func TestDescriptorHeapRanges(t *testing.T) {
	b := New(Options{})
	a, err := b.CreateDescriptorHeap(&rhi.DescriptorHeapDesc{Type: rhi.DescriptorHeapCBVSRVUAV, Capacity: 4, ShaderVisible: true})
	if err != nil {
		t.Fatal(err)
	}
	c, err := b.CreateDescriptorHeap(&rhi.DescriptorHeapDesc{Type: rhi.DescriptorHeapRTV, Capacity: 4})
	if err != nil {
		t.Fatal(err)
	}
	if a.GPUStart() == 0 {
		t.Error("shader-visible heap has no GPU start")
	}
	if c.GPUStart() != 0 {
		t.Errorf("GPUStart() = %#x for a CPU-only heap, want 0", c.GPUStart())
	}
	end := a.CPUStart() + 4*uint64(a.Increment())
	if c.CPUStart() < end && a.CPUStart() < c.CPUStart()+4*uint64(c.Increment()) {
		t.Errorf("heap ranges overlap: %#x and %#x", a.CPUStart(), c.CPUStart())
	}
	if _, err := b.CreateDescriptorHeap(&rhi.DescriptorHeapDesc{Capacity: 0}); !errors.Is(err, rhi.ErrInvalidDescriptorHeap) {
		t.Errorf("zero capacity error = %v", err)
	}
}

func TestEncodeHalfFloat(t *testing.T) {
	tests := []struct {
		in   [4]float32
		want []byte
	}{
		{[4]float32{0, 1, -2, 0.5}, []byte{0x00, 0x00, 0x00, 0x3C, 0x00, 0xC0, 0x00, 0x38}},
		{[4]float32{65504, 1e6, 0, 0}, []byte{0xFF, 0x7B, 0x00, 0x7C, 0x00, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		if got := encodeColor(rhi.FormatRGBA16Float, tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("encodeColor(RGBA16Float, %v) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestEncodeDepth(t *testing.T) {
	if got := encodeDepth(rhi.FormatD24UnormS8Uint, 1, 7); !bytes.Equal(got, []byte{0xFF, 0xFF, 0xFF, 7}) {
		t.Errorf("D24S8 texel = %v", got)
	}
	if got := encodeDepth(rhi.FormatD16Unorm, 0, 0); !bytes.Equal(got, []byte{0, 0}) {
		t.Errorf("D16 texel = %v", got)
	}
	if got := encodeDepth(rhi.FormatRGBA8Unorm, 1, 0); got != nil {
		t.Errorf("color format depth texel = %v, want nil", got)
	}
}
