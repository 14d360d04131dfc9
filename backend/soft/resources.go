package soft

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/gogpu/rhi"
	"github.com/x448/float16"
)

// buffer is a byte slice plus the state the GPU timeline last left it in.
type buffer struct {
	b     *Backend
	label atomic.Pointer[string]
	heap  rhi.HeapType
	mem   []byte
	addr  uint64

	// state is only touched by queue workers.
	state    rhi.ResourceState
	mapped   atomic.Int32
	released atomic.Bool
}

// CreateBuffer allocates desc.Size bytes of host memory.
func (b *Backend) CreateBuffer(desc *rhi.NativeBufferDesc) (rhi.NativeBuffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("soft: %w: zero-sized buffer", rhi.ErrInvalidBufferSize)
	}
	if err := b.reserve(desc.Size); err != nil {
		return nil, err
	}
	buf := &buffer{
		b:     b,
		heap:  desc.Heap,
		mem:   make([]byte, desc.Size),
		addr:  b.gpuAddress(desc.Size),
		state: desc.InitialState,
	}
	buf.SetName(desc.Label)
	return buf, nil
}

func (buf *buffer) name() string { return *buf.label.Load() }

func (buf *buffer) SetName(name string) { buf.label.Store(&name) }

func (buf *buffer) GPUAddress() uint64 { return buf.addr }

// Map returns the backing memory directly; host memory is always coherent.
func (buf *buffer) Map() ([]byte, error) {
	if buf.released.Load() {
		return nil, rhi.ErrResourceInvalid
	}
	if buf.heap == rhi.HeapDefault {
		return nil, rhi.ErrBufferNotCPUAccessible
	}
	buf.mapped.Add(1)
	return buf.mem, nil
}

func (buf *buffer) Unmap(offset, size uint64) {
	if buf.mapped.Load() > 0 {
		buf.mapped.Add(-1)
	}
}

// Write stores data under the memory lock so it is ordered against copies
// executing on queue workers.
func (buf *buffer) Write(offset uint64, data []byte) error {
	if buf.released.Load() {
		return rhi.ErrResourceInvalid
	}
	if offset > uint64(len(buf.mem)) || uint64(len(data)) > uint64(len(buf.mem))-offset {
		return fmt.Errorf("soft: %w: write [%d, %d) of %d", rhi.ErrOutOfBounds, offset, offset+uint64(len(data)), len(buf.mem))
	}
	buf.b.memMu.Lock()
	copy(buf.mem[offset:], data)
	buf.b.memMu.Unlock()
	return nil
}

func (buf *buffer) Release() {
	if !buf.released.CompareAndSwap(false, true) {
		return
	}
	buf.b.unreserve(uint64(len(buf.mem)))
}

// texture keeps one byte slice per (mip, slice) and one state per
// subresource, planes included.
type texture struct {
	b     *Backend
	label atomic.Pointer[string]
	desc  rhi.TextureDesc
	// data is indexed by mip + slice*mips.
	data     [][]byte
	size     uint64
	states   []rhi.ResourceState
	released atomic.Bool
}

// CreateTexture allocates host memory for every subresource.
func (b *Backend) CreateTexture(desc *rhi.TextureDesc) (rhi.NativeTexture, error) {
	size := desc.SizeInBytes()
	if err := b.reserve(size); err != nil {
		return nil, err
	}
	tex := &texture{b: b, desc: *desc, size: size}
	samples := uint64(max(desc.SampleCount, 1))
	arraySize := desc.ArraySize()
	tex.data = make([][]byte, desc.MipLevels*arraySize)
	for slice := uint32(0); slice < arraySize; slice++ {
		for mip := uint32(0); mip < desc.MipLevels; mip++ {
			tex.data[mip+slice*desc.MipLevels] = make([]byte, desc.SubresourceSize(mip)*samples)
		}
	}
	tex.states = make([]rhi.ResourceState, desc.SubresourceCount())
	for i := range tex.states {
		tex.states[i] = desc.InitialState
	}
	tex.SetName(desc.DebugName)
	return tex, nil
}

func (tex *texture) name() string { return *tex.label.Load() }

func (tex *texture) SetName(name string) { tex.label.Store(&name) }

func (tex *texture) subresource(mip, slice uint32) []byte {
	return tex.data[mip+slice*tex.desc.MipLevels]
}

// WriteSubresource copies tightly packed rows into one subresource.
func (tex *texture) WriteSubresource(mip, slice uint32, data []byte, rowPitch uint32) error {
	if tex.released.Load() {
		return rhi.ErrResourceInvalid
	}
	if mip >= tex.desc.MipLevels || slice >= tex.desc.ArraySize() {
		return fmt.Errorf("soft: %w: subresource mip %d slice %d", rhi.ErrOutOfBounds, mip, slice)
	}
	if rowPitch != tex.desc.RowPitch(mip) {
		return fmt.Errorf("soft: %w: row pitch %d, want %d", rhi.ErrInvalidDataSize, rowPitch, tex.desc.RowPitch(mip))
	}
	dst := tex.subresource(mip, slice)
	if len(data) != len(dst) {
		return fmt.Errorf("soft: %w: got %d bytes, want %d", rhi.ErrInvalidDataSize, len(data), len(dst))
	}
	tex.b.memMu.Lock()
	copy(dst, data)
	tex.b.memMu.Unlock()
	return nil
}

func (tex *texture) Release() {
	if !tex.released.CompareAndSwap(false, true) {
		return
	}
	tex.b.unreserve(tex.size)
}

// TextureData returns a copy of one subresource of t as the GPU timeline
// currently sees it. Wait for the relevant fence before calling.
func TextureData(t *rhi.Texture, mip, slice uint32) ([]byte, error) {
	tex, ok := t.Native().(*texture)
	if !ok {
		return nil, fmt.Errorf("soft: %w: texture %q is not a software texture", rhi.ErrResourceInvalid, t.Name())
	}
	if mip >= tex.desc.MipLevels || slice >= tex.desc.ArraySize() {
		return nil, fmt.Errorf("soft: %w: subresource mip %d slice %d", rhi.ErrOutOfBounds, mip, slice)
	}
	tex.b.memMu.Lock()
	defer tex.b.memMu.Unlock()
	return append([]byte(nil), tex.subresource(mip, slice)...), nil
}

// encodeColor packs color into one texel of f. Formats that cannot be render
// targets return nil.
func encodeColor(f rhi.Format, c [4]float32) []byte {
	unorm8 := func(v float32) byte {
		return byte(math.Round(float64(min(max(v, 0), 1)) * 255))
	}
	switch f {
	case rhi.FormatR8Unorm:
		return []byte{unorm8(c[0])}
	case rhi.FormatRG8Unorm:
		return []byte{unorm8(c[0]), unorm8(c[1])}
	case rhi.FormatRGBA8Unorm, rhi.FormatRGBA8UnormSRGB:
		return []byte{unorm8(c[0]), unorm8(c[1]), unorm8(c[2]), unorm8(c[3])}
	case rhi.FormatBGRA8Unorm, rhi.FormatBGRA8UnormSRGB:
		return []byte{unorm8(c[2]), unorm8(c[1]), unorm8(c[0]), unorm8(c[3])}
	case rhi.FormatR16Float, rhi.FormatRG16Float, rhi.FormatRGBA16Float:
		n := f.BlockBytes() / 2
		out := make([]byte, 0, f.BlockBytes())
		for i := uint32(0); i < n; i++ {
			out = binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(c[i]).Bits())
		}
		return out
	case rhi.FormatR32Uint:
		return binary.LittleEndian.AppendUint32(nil, uint32(max(c[0], 0)))
	case rhi.FormatR32Float, rhi.FormatRG32Float, rhi.FormatRGBA32Float:
		n := f.BlockBytes() / 4
		out := make([]byte, 0, f.BlockBytes())
		for i := uint32(0); i < n; i++ {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(c[i]))
		}
		return out
	case rhi.FormatRGB10A2Unorm:
		unorm10 := func(v float32) uint32 {
			return uint32(math.Round(float64(min(max(v, 0), 1)) * 1023))
		}
		a := uint32(math.Round(float64(min(max(c[3], 0), 1)) * 3))
		return binary.LittleEndian.AppendUint32(nil, unorm10(c[0])|unorm10(c[1])<<10|unorm10(c[2])<<20|a<<30)
	}
	return nil
}

// encodeDepth packs a depth-stencil value into one texel of f.
func encodeDepth(f rhi.Format, depth float32, stencil uint8) []byte {
	d := min(max(depth, 0), 1)
	switch f {
	case rhi.FormatD16Unorm:
		return binary.LittleEndian.AppendUint16(nil, uint16(math.Round(float64(d)*0xFFFF)))
	case rhi.FormatD24UnormS8Uint:
		return binary.LittleEndian.AppendUint32(nil, uint32(math.Round(float64(d)*0xFFFFFF))|uint32(stencil)<<24)
	case rhi.FormatD32Float:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(d))
	case rhi.FormatD32FloatS8Uint:
		out := binary.LittleEndian.AppendUint32(nil, math.Float32bits(d))
		return append(out, stencil, 0, 0, 0)
	}
	return nil
}

// fill repeats texel across dst.
func fill(dst, texel []byte) {
	if len(texel) == 0 || len(dst) == 0 {
		return
	}
	n := copy(dst, texel)
	for n < len(dst) {
		n += copy(dst[n:], dst[:n])
	}
}

type pipeline struct {
	kind     rhi.PipelineKind
	words    int
	released atomic.Bool
}

// CreatePipeline accepts any non-empty SPIR-V module. Shaders are not
// executed; draws and dispatches are only counted.
func (b *Backend) CreatePipeline(desc *rhi.NativePipelineDesc) (rhi.NativePipeline, error) {
	if len(desc.SPIRV) == 0 {
		return nil, fmt.Errorf("soft: %w: empty shader module", rhi.ErrInvalidShader)
	}
	return &pipeline{kind: desc.Kind, words: len(desc.SPIRV)}, nil
}

func (p *pipeline) Release() { p.released.Store(true) }

// descriptorIncrement is the fake size of one descriptor.
const descriptorIncrement = 32

var descriptorBase atomic.Uint64

func init() { descriptorBase.Store(1 << 40) }

type descriptorHeap struct {
	cpu, gpu uint64
	released atomic.Bool
}

// CreateDescriptorHeap reserves a disjoint range of fake descriptor
// addresses.
func (b *Backend) CreateDescriptorHeap(desc *rhi.DescriptorHeapDesc) (rhi.NativeDescriptorHeap, error) {
	if desc.Capacity == 0 {
		return nil, fmt.Errorf("soft: %w: zero capacity", rhi.ErrInvalidDescriptorHeap)
	}
	span := uint64(desc.Capacity) * descriptorIncrement
	h := &descriptorHeap{cpu: descriptorBase.Add(span) - span}
	if desc.ShaderVisible {
		h.gpu = descriptorBase.Add(span) - span
	}
	return h, nil
}

func (h *descriptorHeap) CPUStart() uint64  { return h.cpu }
func (h *descriptorHeap) GPUStart() uint64  { return h.gpu }
func (h *descriptorHeap) Increment() uint32 { return descriptorIncrement }
func (h *descriptorHeap) Release()          { h.released.Store(true) }
