//go:build !nogpu

package wgpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rhi"
	"github.com/gogpu/wgpu/hal"
)

var formats = map[rhi.Format]gputypes.TextureFormat{
	rhi.FormatR8Unorm:        gputypes.TextureFormatR8Unorm,
	rhi.FormatRG8Unorm:       gputypes.TextureFormatRG8Unorm,
	rhi.FormatRGBA8Unorm:     gputypes.TextureFormatRGBA8Unorm,
	rhi.FormatRGBA8UnormSRGB: gputypes.TextureFormatRGBA8UnormSrgb,
	rhi.FormatBGRA8Unorm:     gputypes.TextureFormatBGRA8Unorm,
	rhi.FormatBGRA8UnormSRGB: gputypes.TextureFormatBGRA8UnormSrgb,
	rhi.FormatR16Float:       gputypes.TextureFormatR16Float,
	rhi.FormatRG16Float:      gputypes.TextureFormatRG16Float,
	rhi.FormatRGBA16Float:    gputypes.TextureFormatRGBA16Float,
	rhi.FormatR32Uint:        gputypes.TextureFormatR32Uint,
	rhi.FormatR32Float:       gputypes.TextureFormatR32Float,
	rhi.FormatRG32Float:      gputypes.TextureFormatRG32Float,
	rhi.FormatRGBA32Float:    gputypes.TextureFormatRGBA32Float,
	rhi.FormatD16Unorm:       gputypes.TextureFormatDepth16Unorm,
	rhi.FormatD24UnormS8Uint: gputypes.TextureFormatDepth24PlusStencil8,
	rhi.FormatD32Float:       gputypes.TextureFormatDepth32Float,
}

func formatToGPU(f rhi.Format) (gputypes.TextureFormat, error) {
	if gf, ok := formats[f]; ok {
		return gf, nil
	}
	return gputypes.TextureFormatUndefined, fmt.Errorf("wgpu: %w: %s has no WebGPU equivalent", rhi.ErrInvalidFormat, f)
}

func formatFromGPU(gf gputypes.TextureFormat) rhi.Format {
	for f, g := range formats {
		if g == gf {
			return f
		}
	}
	return rhi.FormatUnknown
}

func bufferUsage(u rhi.Usage, heap rhi.HeapType) gputypes.BufferUsage {
	switch heap {
	case rhi.HeapUpload:
		return gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	case rhi.HeapReadback:
		return gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	}
	// Default-heap buffers are written through the queue.
	out := gputypes.BufferUsageCopyDst
	if u.Has(rhi.UsageVertexBuffer) {
		out |= gputypes.BufferUsageVertex
	}
	if u.Has(rhi.UsageIndexBuffer) {
		out |= gputypes.BufferUsageIndex
	}
	if u.Has(rhi.UsageConstantBuffer) {
		out |= gputypes.BufferUsageUniform
	}
	if u.Any(rhi.UsageShaderResource | rhi.UsageUnorderedAccess) {
		out |= gputypes.BufferUsageStorage
	}
	if u.Has(rhi.UsageIndirectArgument) {
		out |= gputypes.BufferUsageIndirect
	}
	if u.Has(rhi.UsageCopySource) {
		out |= gputypes.BufferUsageCopySrc
	}
	return out
}

func textureUsage(u rhi.Usage) gputypes.TextureUsage {
	out := gputypes.TextureUsageCopyDst
	if u.Has(rhi.UsageShaderResource) {
		out |= gputypes.TextureUsageTextureBinding
	}
	if u.Has(rhi.UsageUnorderedAccess) {
		out |= gputypes.TextureUsageStorageBinding
	}
	if u.Any(rhi.UsageRenderTarget | rhi.UsageDepthStencil) {
		out |= gputypes.TextureUsageRenderAttachment
	}
	if u.Has(rhi.UsageCopySource) {
		out |= gputypes.TextureUsageCopySrc
	}
	return out
}

// stateBufferUsage maps an access state to the WebGPU usage it implies.
func stateBufferUsage(s rhi.ResourceState) gputypes.BufferUsage {
	switch s {
	case rhi.StateVertexAndConstantBuffer:
		return gputypes.BufferUsageVertex | gputypes.BufferUsageUniform
	case rhi.StateIndexBuffer:
		return gputypes.BufferUsageIndex
	case rhi.StateUnorderedAccess, rhi.StateShaderResource:
		return gputypes.BufferUsageStorage
	case rhi.StateIndirectArgument:
		return gputypes.BufferUsageIndirect
	case rhi.StateCopySource:
		return gputypes.BufferUsageCopySrc
	case rhi.StateCopyDest:
		return gputypes.BufferUsageCopyDst
	}
	return 0
}

func stateTextureUsage(s rhi.ResourceState) gputypes.TextureUsage {
	switch s {
	case rhi.StateRenderTarget, rhi.StateDepthWrite, rhi.StateDepthRead, rhi.StatePresent:
		return gputypes.TextureUsageRenderAttachment
	case rhi.StateShaderResource:
		return gputypes.TextureUsageTextureBinding
	case rhi.StateUnorderedAccess:
		return gputypes.TextureUsageStorageBinding
	case rhi.StateCopySource:
		return gputypes.TextureUsageCopySrc
	case rhi.StateCopyDest:
		return gputypes.TextureUsageCopyDst
	}
	return 0
}

// buffer is a hal buffer. Upload and readback buffers keep a host shadow
// that Map hands out: Unmap pushes written bytes with WriteBuffer and Map of
// a readback buffer refreshes the shadow with ReadBuffer.
type buffer struct {
	b      *Backend
	hb     hal.Buffer
	heap   rhi.HeapType
	size   uint64
	addr   uint64
	label  atomic.Pointer[string]
	mu     sync.Mutex
	shadow []byte
	once   sync.Once
}

// CreateBuffer creates a hal buffer for desc.
func (b *Backend) CreateBuffer(desc *rhi.NativeBufferDesc) (rhi.NativeBuffer, error) {
	if err := b.reserve(desc.Size); err != nil {
		return nil, err
	}
	hb, err := b.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: bufferUsage(desc.Usage, desc.Heap),
	})
	if err != nil {
		b.unreserve(desc.Size)
		return nil, fmt.Errorf("wgpu: create buffer %q: %w", desc.Label, err)
	}
	span := (desc.Size + 0xFFFF) &^ 0xFFFF
	buf := &buffer{b: b, hb: hb, heap: desc.Heap, size: desc.Size, addr: b.nextAddr.Add(span) - span}
	buf.label.Store(&desc.Label)
	if desc.Heap != rhi.HeapDefault {
		buf.shadow = make([]byte, desc.Size)
	}
	return buf, nil
}

func (buf *buffer) Map() ([]byte, error) {
	if buf.heap == rhi.HeapDefault {
		return nil, rhi.ErrBufferNotCPUAccessible
	}
	if buf.heap == rhi.HeapReadback {
		buf.mu.Lock()
		defer buf.mu.Unlock()
		if err := buf.b.queue.ReadBuffer(buf.hb, 0, buf.shadow); err != nil {
			return nil, fmt.Errorf("wgpu: read buffer %q: %w", *buf.label.Load(), err)
		}
	}
	return buf.shadow, nil
}

func (buf *buffer) Unmap(offset, size uint64) {
	if buf.heap != rhi.HeapUpload || size == 0 {
		return
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	buf.b.queue.WriteBuffer(buf.hb, offset, buf.shadow[offset:offset+size])
}

func (buf *buffer) Write(offset uint64, data []byte) error {
	if offset > buf.size || uint64(len(data)) > buf.size-offset {
		return fmt.Errorf("wgpu: %w: write [%d, %d) of %d", rhi.ErrOutOfBounds, offset, offset+uint64(len(data)), buf.size)
	}
	buf.b.queue.WriteBuffer(buf.hb, offset, data)
	return nil
}

func (buf *buffer) GPUAddress() uint64  { return buf.addr }
func (buf *buffer) SetName(name string) { buf.label.Store(&name) }

func (buf *buffer) Release() {
	buf.once.Do(func() {
		buf.b.device.DestroyBuffer(buf.hb)
		buf.b.unreserve(buf.size)
	})
}

// texture is a hal texture plus a lazily created attachment view.
type texture struct {
	b      *Backend
	ht     hal.Texture
	desc   rhi.TextureDesc
	format gputypes.TextureFormat
	size   uint64
	label  atomic.Pointer[string]

	viewOnce sync.Once
	view     hal.TextureView
	viewErr  error
	once     sync.Once
}

// CreateTexture creates a hal texture for a normalized desc.
func (b *Backend) CreateTexture(desc *rhi.TextureDesc) (rhi.NativeTexture, error) {
	gf, err := formatToGPU(desc.Format)
	if err != nil {
		return nil, err
	}
	size := desc.SizeInBytes()
	if err := b.reserve(size); err != nil {
		return nil, err
	}
	dim := gputypes.TextureDimension2D
	switch desc.Type {
	case rhi.Texture1D:
		dim = gputypes.TextureDimension1D
	case rhi.Texture3D:
		dim = gputypes.TextureDimension3D
	}
	ht, err := b.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.DebugName,
		Size:          hal.Extent3D{Width: desc.Width, Height: desc.Height, DepthOrArrayLayers: desc.DepthOrArraySize},
		MipLevelCount: desc.MipLevels,
		SampleCount:   desc.SampleCount,
		Dimension:     dim,
		Format:        gf,
		Usage:         textureUsage(desc.Usage),
	})
	if err != nil {
		b.unreserve(size)
		return nil, fmt.Errorf("wgpu: create texture %q: %w", desc.DebugName, err)
	}
	tex := &texture{b: b, ht: ht, desc: *desc, format: gf, size: size}
	tex.label.Store(&desc.DebugName)
	return tex, nil
}

// attachment returns the view used for render pass attachments.
func (tex *texture) attachment() (hal.TextureView, error) {
	tex.viewOnce.Do(func() {
		tex.view, tex.viewErr = tex.b.device.CreateTextureView(tex.ht, &hal.TextureViewDescriptor{
			Label: *tex.label.Load() + "_view",
		})
	})
	return tex.view, tex.viewErr
}

func (tex *texture) WriteSubresource(mip, slice uint32, data []byte, rowPitch uint32) error {
	w, h, d := tex.desc.MipExtent(mip)
	z := slice
	if tex.desc.Type == rhi.Texture3D {
		z = 0
	}
	tex.b.queue.WriteTexture(
		&hal.ImageCopyTexture{
			Texture:  tex.ht,
			MipLevel: mip,
			Origin:   hal.Origin3D{X: 0, Y: 0, Z: z},
		},
		data,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  rowPitch,
			RowsPerImage: tex.desc.Format.RowCount(h),
		},
		&hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: d},
	)
	return nil
}

func (tex *texture) SetName(name string) { tex.label.Store(&name) }

func (tex *texture) Release() {
	tex.once.Do(func() {
		if tex.view != nil {
			tex.b.device.DestroyTextureView(tex.view)
		}
		tex.b.device.DestroyTexture(tex.ht)
		tex.b.unreserve(tex.size)
	})
}

// pipeline owns the shader module, layout and hal pipeline object.
type pipeline struct {
	b        *Backend
	kind     rhi.PipelineKind
	module   hal.ShaderModule
	layout   hal.PipelineLayout
	render   hal.RenderPipeline
	compute  hal.ComputePipeline
	topology rhi.Topology
	once     sync.Once
}

var vertexFormats = [...]gputypes.VertexFormat{
	rhi.VertexFloat32:   gputypes.VertexFormatFloat32,
	rhi.VertexFloat32x2: gputypes.VertexFormatFloat32x2,
	rhi.VertexFloat32x3: gputypes.VertexFormatFloat32x3,
	rhi.VertexFloat32x4: gputypes.VertexFormatFloat32x4,
	rhi.VertexUint32:    gputypes.VertexFormatUint32,
	rhi.VertexUnorm8x4:  gputypes.VertexFormatUnorm8x4,
}

var topologies = [...]gputypes.PrimitiveTopology{
	rhi.TopologyTriangleList:  gputypes.PrimitiveTopologyTriangleList,
	rhi.TopologyTriangleStrip: gputypes.PrimitiveTopologyTriangleStrip,
	rhi.TopologyLineList:      gputypes.PrimitiveTopologyLineList,
	rhi.TopologyLineStrip:     gputypes.PrimitiveTopologyLineStrip,
	rhi.TopologyPointList:     gputypes.PrimitiveTopologyPointList,
}

// CreatePipeline builds a render or compute pipeline from SPIR-V.
func (b *Backend) CreatePipeline(desc *rhi.NativePipelineDesc) (rhi.NativePipeline, error) {
	module, err := b.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.DebugName,
		Source: hal.ShaderSource{SPIRV: desc.SPIRV},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: %w: %w", rhi.ErrInvalidShader, err)
	}
	p := &pipeline{b: b, kind: desc.Kind, module: module, topology: desc.Topology}

	p.layout, err = b.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{Label: desc.DebugName + "_layout"})
	if err != nil {
		p.Release()
		return nil, fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}

	if desc.Kind == rhi.PipelineCompute {
		p.compute, err = b.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
			Label:   desc.DebugName,
			Layout:  p.layout,
			Compute: hal.ComputeState{Module: module, EntryPoint: desc.ComputeEntry},
		})
		if err != nil {
			p.Release()
			return nil, fmt.Errorf("wgpu: create compute pipeline %q: %w", desc.DebugName, err)
		}
		return p, nil
	}

	layouts := make([]gputypes.VertexBufferLayout, len(desc.VertexLayouts))
	for i, vl := range desc.VertexLayouts {
		attrs := make([]gputypes.VertexAttribute, len(vl.Attributes))
		for j, a := range vl.Attributes {
			attrs[j] = gputypes.VertexAttribute{Format: vertexFormats[a.Format], Offset: uint64(a.Offset), ShaderLocation: a.Location}
		}
		step := gputypes.VertexStepModeVertex
		if vl.PerInstance {
			step = gputypes.VertexStepModeInstance
		}
		layouts[i] = gputypes.VertexBufferLayout{ArrayStride: uint64(vl.Stride), StepMode: step, Attributes: attrs}
	}
	targets := make([]gputypes.ColorTargetState, len(desc.ColorFormats))
	for i, f := range desc.ColorFormats {
		gf, err := formatToGPU(f)
		if err != nil {
			p.Release()
			return nil, err
		}
		targets[i] = gputypes.ColorTargetState{Format: gf, WriteMask: gputypes.ColorWriteMaskAll}
	}
	rd := &hal.RenderPipelineDescriptor{
		Label:  desc.DebugName,
		Layout: p.layout,
		Vertex: hal.VertexState{Module: module, EntryPoint: desc.VertexEntry, Buffers: layouts},
		Primitive: gputypes.PrimitiveState{
			Topology: topologies[desc.Topology],
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{Count: desc.SampleCount, Mask: 0xFFFFFFFF},
	}
	if desc.FragmentEntry != "" {
		rd.Fragment = &hal.FragmentState{Module: module, EntryPoint: desc.FragmentEntry, Targets: targets}
	}
	if desc.DepthFormat != rhi.FormatUnknown {
		gf, err := formatToGPU(desc.DepthFormat)
		if err != nil {
			p.Release()
			return nil, err
		}
		rd.DepthStencil = &hal.DepthStencilState{
			Format:            gf,
			DepthWriteEnabled: true,
			DepthCompare:      gputypes.CompareFunctionLess,
			StencilReadMask:   0xFF,
			StencilWriteMask:  0xFF,
		}
	}
	p.render, err = b.device.CreateRenderPipeline(rd)
	if err != nil {
		p.Release()
		return nil, fmt.Errorf("wgpu: create render pipeline %q: %w", desc.DebugName, err)
	}
	return p, nil
}

func (p *pipeline) Release() {
	p.once.Do(func() {
		d := p.b.device
		if p.render != nil {
			d.DestroyRenderPipeline(p.render)
		}
		if p.compute != nil {
			d.DestroyComputePipeline(p.compute)
		}
		if p.layout != nil {
			d.DestroyPipelineLayout(p.layout)
		}
		d.DestroyShaderModule(p.module)
	})
}

// descriptorIncrement is the size of one emulated descriptor. WebGPU binds
// resources through bind groups, so heaps are address ranges only.
const descriptorIncrement = 64

type descriptorHeap struct {
	cpu, gpu uint64
}

func (b *Backend) CreateDescriptorHeap(desc *rhi.DescriptorHeapDesc) (rhi.NativeDescriptorHeap, error) {
	if desc.Capacity == 0 {
		return nil, fmt.Errorf("wgpu: %w: zero capacity", rhi.ErrInvalidDescriptorHeap)
	}
	span := uint64(desc.Capacity) * descriptorIncrement
	h := &descriptorHeap{cpu: b.descBase.Add(span) - span}
	if desc.ShaderVisible {
		h.gpu = b.descBase.Add(span) - span
	}
	return h, nil
}

func (h *descriptorHeap) CPUStart() uint64  { return h.cpu }
func (h *descriptorHeap) GPUStart() uint64  { return h.gpu }
func (h *descriptorHeap) Increment() uint32 { return descriptorIncrement }
func (h *descriptorHeap) Release()          {}
