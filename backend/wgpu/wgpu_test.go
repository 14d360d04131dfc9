//go:build !nogpu

package wgpu

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rhi"
	"github.com/gogpu/wgpu/hal/noop"
)

// newNoopBackend wraps a noop HAL device.
func newNoopBackend(t *testing.T) *Backend {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	b := NewWithDevice(openDev.Device, openDev.Queue, Options{})
	t.Cleanup(func() {
		b.Close()
		openDev.Device.Destroy()
		instance.Destroy()
	})
	return b
}

func TestFormatMapping(t *testing.T) {
	for f := range formats {
		gf, err := formatToGPU(f)
		if err != nil {
			t.Errorf("formatToGPU(%s) error = %v", f, err)
			continue
		}
		if back := formatFromGPU(gf); back != f {
			t.Errorf("formatFromGPU(formatToGPU(%s)) = %s", f, back)
		}
	}
	if _, err := formatToGPU(rhi.FormatBC7Unorm); !errors.Is(err, rhi.ErrInvalidFormat) {
		t.Errorf("formatToGPU(BC7) error = %v, want ErrInvalidFormat", err)
	}
}

func TestBufferUsage(t *testing.T) {
	tests := []struct {
		usage rhi.Usage
		heap  rhi.HeapType
		want  gputypes.BufferUsage
	}{
		{rhi.UsageCopySource, rhi.HeapUpload, gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc},
		{rhi.UsageCopyDest, rhi.HeapReadback, gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst},
		{rhi.UsageVertexBuffer, rhi.HeapDefault, gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst},
		{rhi.UsageUnorderedAccess | rhi.UsageCopySource, rhi.HeapDefault,
			gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst},
	}
	for _, tt := range tests {
		if got := bufferUsage(tt.usage, tt.heap); got != tt.want {
			t.Errorf("bufferUsage(%s, %s) = %v, want %v", tt.usage, tt.heap, got, tt.want)
		}
	}
}

func TestSubmitAndWait(t *testing.T) {
	b := newNoopBackend(t)
	m := rhi.NewResourceManager(b, nil)
	defer m.Close()

	q, err := rhi.NewCommandQueue(b, rhi.QueueGraphics, nil)
	if err != nil {
		t.Fatalf("NewCommandQueue() error = %v", err)
	}
	defer q.Release()

	uh, err := m.CreateBuffer(rhi.BufferDesc{Size: 256, Usage: rhi.UsageCopySource, CPUAccessible: true})
	if err != nil {
		t.Fatalf("CreateBuffer(upload) error = %v", err)
	}
	gh, err := m.CreateBuffer(rhi.BufferDesc{Size: 256, Usage: rhi.UsageVertexBuffer | rhi.UsageCopyDest, Stride: 16})
	if err != nil {
		t.Fatalf("CreateBuffer(vertex) error = %v", err)
	}
	th, err := m.CreateTexture(rhi.TextureDesc{Width: 64, Height: 64, Format: rhi.FormatRGBA8Unorm, Usage: rhi.UsageRenderTarget})
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}
	upload, vb, rt := m.GetBuffer(uh), m.GetBuffer(gh), m.GetTexture(th)
	if err := upload.UpdateData(make([]byte, 256), 0); err != nil {
		t.Fatalf("UpdateData() error = %v", err)
	}

	l := q.BeginCommandList("noop")
	l.CopyBuffer(vb, 0, upload, 0, 256)
	l.ClearRenderTarget(rt, [4]float32{0, 0, 0, 1})
	l.SetVertexBuffer(0, vb)
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
	if !q.IsFenceComplete(v) {
		t.Errorf("fence %d not complete after wait", v)
	}
	if err := q.WaitForIdle(); err != nil {
		t.Errorf("WaitForIdle() error = %v", err)
	}
}

func TestComputePipeline(t *testing.T) {
	b := newNoopBackend(t)
	m := rhi.NewResourceManager(b, nil)
	defer m.Close()

	h, err := m.CreatePipeline(rhi.PipelineDesc{
		Kind:         rhi.PipelineCompute,
		Shader:       "@compute @workgroup_size(64)\nfn main() {}\n",
		ComputeEntry: "main",
		DebugName:    "empty",
	})
	if err != nil {
		t.Fatalf("CreatePipeline() error = %v", err)
	}
	if _, ok := m.GetPipeline(h).Native().(*pipeline); !ok {
		t.Fatal("native pipeline is not a wgpu pipeline")
	}
	m.DestroyPipeline(h)
	if m.IsValidPipeline(h) {
		t.Error("pipeline still valid after destroy")
	}
}

func TestMemoryAccounting(t *testing.T) {
	b := newNoopBackend(t)
	nb, err := b.CreateBuffer(&rhi.NativeBufferDesc{Size: 1024, Usage: rhi.UsageCopyDest})
	if err != nil {
		t.Fatal(err)
	}
	if used := b.MemoryBudget().Used; used != 1024 {
		t.Errorf("Used = %d, want 1024", used)
	}
	nb.Release()
	nb.Release()
	if used := b.MemoryBudget().Used; used != 0 {
		t.Errorf("Used after release = %d, want 0", used)
	}
}

func TestBufferTextureCopies(t *testing.T) {
	tests := []struct {
		name    string
		desc    rhi.TextureDesc
		mip     uint32
		regions int
		pitch   uint32
	}{
		{"aligned", rhi.TextureDesc{Width: 64, Height: 8, MipLevels: 1, Format: rhi.FormatRGBA8Unorm}, 0, 1, 256},
		{"single row", rhi.TextureDesc{Width: 3, Height: 1, MipLevels: 1, Format: rhi.FormatRGBA8Unorm}, 0, 1, 12},
		{"unaligned rows", rhi.TextureDesc{Width: 10, Height: 6, MipLevels: 1, Format: rhi.FormatRGBA8Unorm}, 0, 6, 0},
		{"unaligned mip", rhi.TextureDesc{Width: 64, Height: 8, MipLevels: 2, Format: rhi.FormatRGBA8Unorm}, 1, 4, 0},
		{"block rows", rhi.TextureDesc{Width: 16, Height: 16, MipLevels: 1, Format: rhi.FormatBC1Unorm}, 0, 4, 0},
		{"volume", rhi.TextureDesc{Type: rhi.Texture3D, Width: 4, Height: 2, DepthOrArraySize: 3, MipLevels: 1, Format: rhi.FormatR8Unorm}, 0, 6, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tex := &texture{desc: tt.desc}
			cmd := &rhi.Command{Op: rhi.OpCopyBufferToTexture, SrcOffset: 512, MipLevel: tt.mip}
			copies := bufferTextureCopies(tex, cmd)
			if len(copies) != tt.regions {
				t.Fatalf("bufferTextureCopies() = %d regions, want %d", len(copies), tt.regions)
			}
			if tt.regions == 1 {
				if got := copies[0].BufferLayout.BytesPerRow; got != tt.pitch {
					t.Errorf("BytesPerRow = %d, want %d", got, tt.pitch)
				}
				return
			}
			pitch := uint64(tt.desc.RowPitch(tt.mip))
			for i, c := range copies {
				if want := 512 + uint64(i)*pitch; c.BufferLayout.Offset != want {
					t.Errorf("region %d offset = %d, want %d", i, c.BufferLayout.Offset, want)
				}
				if c.BufferLayout.BytesPerRow != 0 || c.Size.DepthOrArrayLayers != 1 {
					t.Errorf("region %d = %+v, want a single row", i, c)
				}
			}
		})
	}
}
