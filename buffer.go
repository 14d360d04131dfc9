package rhi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ConstantBufferAlignment is the allocation granularity of constant buffers.
const ConstantBufferAlignment = 256

// BufferDesc describes a buffer.
type BufferDesc struct {
	Size uint64
	// Stride is the element size of vertex and index buffers.
	Stride        uint32
	Usage         Usage
	CPUAccessible bool
	// InitialState overrides the state a default-heap buffer starts in.
	// The zero value is StateCommon.
	InitialState ResourceState
	DebugName    string
}

// MapState is the CPU mapping state of a buffer.
type MapState uint32

const (
	MapStateUnmapped MapState = iota
	MapStateMapped
)

func (s MapState) String() string {
	switch s {
	case MapStateUnmapped:
		return "Unmapped"
	case MapStateMapped:
		return "Mapped"
	default:
		return fmt.Sprintf("MapState(%d)", uint32(s))
	}
}

type lifecycle uint32

const (
	lifecycleInvalid lifecycle = iota
	lifecycleValid
)

// VertexBufferView binds a buffer as a vertex stream.
type VertexBufferView struct {
	BufferLocation uint64
	SizeInBytes    uint32
	StrideInBytes  uint32
}

// IndexBufferView binds a buffer as the index stream.
type IndexBufferView struct {
	BufferLocation uint64
	SizeInBytes    uint32
	Format         IndexFormat
}

// ConstantBufferView binds a buffer as shader constants.
type ConstantBufferView struct {
	BufferLocation uint64
	SizeInBytes    uint32
}

// Buffer is a linear GPU allocation owned by a ResourceManager.
//
// Buffer is safe for concurrent use. Map, Unmap and UpdateData serialize on
// a per-buffer mutex; state queries are atomic.
type Buffer struct {
	desc      BufferDesc
	heap      HeapType
	allocSize uint64
	native    NativeBuffer
	gpuAddr   uint64
	logger    *slog.Logger

	lifecycle atomic.Uint32
	state     atomic.Uint32
	name      atomic.Pointer[string]

	mu        sync.Mutex
	mapState  atomic.Uint32
	mapped    []byte
	mapOffset uint64

	views resourceViews
}

// SelectHeap returns the heap a buffer with desc is placed in.
func SelectHeap(desc *BufferDesc) HeapType {
	if !desc.CPUAccessible {
		return HeapDefault
	}
	if desc.Usage != 0 && desc.Usage&^UsageCopyDest == 0 {
		return HeapReadback
	}
	return HeapUpload
}

func validateBufferDesc(desc *BufferDesc, limits Limits) error {
	if desc.Size == 0 {
		return fmt.Errorf("%w: size is zero", ErrInvalidBufferSize)
	}
	if limits.MaxBufferSize != 0 && desc.Size > limits.MaxBufferSize {
		return fmt.Errorf("%w: %d exceeds limit %d", ErrInvalidBufferSize, desc.Size, limits.MaxBufferSize)
	}
	if desc.Usage&^usageAll != 0 {
		return fmt.Errorf("%w: unknown flags in %s", ErrInvalidUsage, desc.Usage)
	}
	if desc.Usage.Any(UsageRenderTarget | UsageDepthStencil) {
		return fmt.Errorf("%w: buffers cannot be %s", ErrInvalidUsage, desc.Usage&(UsageRenderTarget|UsageDepthStencil))
	}
	if desc.CPUAccessible && desc.Usage.Any(UsageUnorderedAccess) {
		return fmt.Errorf("%w: CPU-accessible buffers cannot be UnorderedAccess", ErrInvalidUsage)
	}
	if desc.Usage.Any(UsageVertexBuffer) && desc.Stride == 0 {
		return fmt.Errorf("%w: vertex buffer needs a stride", ErrInvalidStride)
	}
	if desc.Usage.Any(UsageIndexBuffer) && desc.Stride != 2 && desc.Stride != 4 {
		return fmt.Errorf("%w: index stride %d, want 2 or 4", ErrInvalidStride, desc.Stride)
	}
	if desc.InitialState != StateCommon {
		if desc.CPUAccessible {
			return fmt.Errorf("%w: CPU-accessible buffers have a fixed state", ErrInvalidState)
		}
		if err := checkBufferState(desc.Usage, HeapDefault, desc.InitialState); err != nil {
			return err
		}
	}
	return nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// initialize validates desc and allocates the native buffer.
func (b *Buffer) initialize(backend Backend, desc *BufferDesc, logger *slog.Logger) error {
	if err := validateBufferDesc(desc, backend.Limits()); err != nil {
		return err
	}

	b.desc = *desc
	b.logger = orNop(logger)
	b.heap = SelectHeap(desc)
	b.allocSize = desc.Size
	if desc.Usage.Any(UsageConstantBuffer) {
		b.allocSize = alignUp(desc.Size, ConstantBufferAlignment)
	}

	state := desc.InitialState
	switch b.heap {
	case HeapUpload:
		state = StateGenericRead
	case HeapReadback:
		state = StateCopyDest
	}

	native, err := backend.CreateBuffer(&NativeBufferDesc{
		Label:        desc.DebugName,
		Size:         b.allocSize,
		Usage:        desc.Usage,
		Heap:         b.heap,
		InitialState: state,
	})
	if err != nil {
		return allocationFailure(fmt.Sprintf("create buffer %q", desc.DebugName), err)
	}

	b.native = native
	b.gpuAddr = native.GPUAddress()
	b.state.Store(uint32(state))
	name := desc.DebugName
	b.name.Store(&name)

	b.logger.Debug("rhi: buffer created",
		"name", name, "size", desc.Size, "allocated", b.allocSize, "heap", b.heap, "usage", desc.Usage)
	return nil
}

// markValid publishes a fully initialized buffer to concurrent readers.
func (b *Buffer) markValid() {
	b.lifecycle.Store(uint32(lifecycleValid))
}

// allocationFailure wraps a backend error so that it matches ErrAllocation
// unless it already carries a category.
func allocationFailure(op string, err error) error {
	if errors.Is(err, ErrAllocation) || errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrValidation) {
		return fmt.Errorf("rhi: %s: %w", op, err)
	}
	return fmt.Errorf("rhi: %s: %w: %w", op, ErrAllocation, err)
}

// release unmaps and frees the native buffer. Safe to call more than once.
func (b *Buffer) release() {
	if !b.lifecycle.CompareAndSwap(uint32(lifecycleValid), uint32(lifecycleInvalid)) {
		return
	}
	b.Unmap()
	b.native.Release()
	b.logger.Debug("rhi: buffer released", "name", b.Name(), "allocated", b.allocSize)
}

// IsValid reports whether the buffer still owns its native allocation.
func (b *Buffer) IsValid() bool {
	return lifecycle(b.lifecycle.Load()) == lifecycleValid
}

// Desc returns the description the buffer was created with.
func (b *Buffer) Desc() BufferDesc { return b.desc }

// Size returns the requested size in bytes.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// AllocatedSize returns the size of the native allocation, which is larger
// than Size for constant buffers.
func (b *Buffer) AllocatedSize() uint64 { return b.allocSize }

// Usage returns the usage flags.
func (b *Buffer) Usage() Usage { return b.desc.Usage }

// Stride returns the element stride.
func (b *Buffer) Stride() uint32 { return b.desc.Stride }

// Heap returns the heap the buffer was placed in.
func (b *Buffer) Heap() HeapType { return b.heap }

// IsCPUAccessible reports whether the buffer can be mapped.
func (b *Buffer) IsCPUAccessible() bool { return b.heap != HeapDefault }

// IsConstantBuffer reports whether the buffer can be bound as constants.
func (b *Buffer) IsConstantBuffer() bool { return b.desc.Usage.Any(UsageConstantBuffer) }

// IsUploadBuffer reports whether the buffer lives in the upload heap.
func (b *Buffer) IsUploadBuffer() bool { return b.heap == HeapUpload }

// GPUAddress returns the GPU virtual address of the first byte.
func (b *Buffer) GPUAddress() uint64 { return b.gpuAddr }

// Native returns the backend allocation. Backends use this to translate
// recorded commands.
func (b *Buffer) Native() NativeBuffer { return b.native }

// Name returns the debug name.
func (b *Buffer) Name() string {
	if p := b.name.Load(); p != nil {
		return *p
	}
	return ""
}

// SetName changes the debug name and forwards it to the native object.
func (b *Buffer) SetName(name string) {
	b.name.Store(&name)
	if b.IsValid() {
		b.native.SetName(name)
	}
}

// CurrentState returns the tracked access state.
func (b *Buffer) CurrentState() ResourceState {
	return ResourceState(b.state.Load())
}

// SetCurrentState overrides the tracked state without recording a barrier.
// Use it after work the core did not record moved the buffer.
func (b *Buffer) SetCurrentState(s ResourceState) error {
	if err := checkBufferState(b.desc.Usage, b.heap, s); err != nil {
		return err
	}
	b.state.Store(uint32(s))
	return nil
}

// MapState returns the current mapping state.
func (b *Buffer) MapState() MapState {
	return MapState(b.mapState.Load())
}

// Map returns CPU memory for [offset, offset+size) of an upload or readback
// buffer. A size of 0 maps from offset to the end of the buffer. Mapping an
// already mapped buffer fails with ErrBufferAlreadyMapped and leaves the
// existing mapping untouched.
func (b *Buffer) Map(offset, size uint64) ([]byte, error) {
	if !b.IsValid() {
		return nil, ErrResourceInvalid
	}
	if b.heap == HeapDefault {
		return nil, ErrBufferNotCPUAccessible
	}
	if offset > b.desc.Size {
		return nil, fmt.Errorf("%w: offset %d beyond size %d", ErrOutOfBounds, offset, b.desc.Size)
	}
	if size == 0 {
		size = b.desc.Size - offset
	}
	if size > b.desc.Size-offset {
		return nil, fmt.Errorf("%w: map [%d, %d) beyond size %d", ErrOutOfBounds, offset, offset+size, b.desc.Size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if MapState(b.mapState.Load()) != MapStateUnmapped {
		return nil, ErrBufferAlreadyMapped
	}
	mem, err := b.native.Map()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMappingFailed, err)
	}
	if uint64(len(mem)) < offset+size {
		b.native.Unmap(0, 0)
		return nil, fmt.Errorf("%w: native mapping is %d bytes", ErrMappingFailed, len(mem))
	}

	b.mapped = mem[offset : offset+size : offset+size]
	b.mapOffset = offset
	b.mapState.Store(uint32(MapStateMapped))
	return b.mapped, nil
}

// Unmap ends CPU access. Calling Unmap on an unmapped buffer does nothing.
// The slice returned by Map must not be used afterwards.
func (b *Buffer) Unmap() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if MapState(b.mapState.Load()) != MapStateMapped {
		return
	}
	written := uint64(len(b.mapped))
	if b.heap == HeapReadback {
		written = 0
	}
	b.native.Unmap(b.mapOffset, written)
	b.mapped = nil
	b.mapOffset = 0
	b.mapState.Store(uint32(MapStateUnmapped))
}

// UpdateData writes data at offset. Upload buffers are written through a
// temporary mapping; default-heap buffers go through the backend upload
// path. Nothing is written when the range does not fit.
func (b *Buffer) UpdateData(data []byte, offset uint64) error {
	if !b.IsValid() {
		return ErrResourceInvalid
	}
	n := uint64(len(data))
	if offset > b.desc.Size || n > b.desc.Size-offset {
		return fmt.Errorf("%w: write [%d, %d) beyond size %d", ErrOutOfBounds, offset, offset+n, b.desc.Size)
	}
	if n == 0 {
		return nil
	}

	switch b.heap {
	case HeapReadback:
		return ErrBufferNotWritable
	case HeapUpload:
		mem, err := b.Map(offset, n)
		if err != nil {
			return err
		}
		copy(mem, data)
		b.Unmap()
		return nil
	default:
		if err := b.native.Write(offset, data); err != nil {
			return fmt.Errorf("rhi: write buffer %q: %w", b.Name(), err)
		}
		return nil
	}
}

// ReadData copies size bytes at offset out of a CPU-accessible buffer.
// A size of 0 reads to the end.
func (b *Buffer) ReadData(offset, size uint64) ([]byte, error) {
	mem, err := b.Map(offset, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(mem))
	copy(out, mem)
	b.Unmap()
	return out, nil
}

// VertexBufferView returns the vertex view of a vertex buffer.
func (b *Buffer) VertexBufferView() (VertexBufferView, bool) {
	if !b.desc.Usage.Any(UsageVertexBuffer) {
		return VertexBufferView{}, false
	}
	return VertexBufferView{
		BufferLocation: b.gpuAddr,
		SizeInBytes:    uint32(b.desc.Size),
		StrideInBytes:  b.desc.Stride,
	}, true
}

// IndexBufferView returns the index view of an index buffer. The format
// follows the stride.
func (b *Buffer) IndexBufferView() (IndexBufferView, bool) {
	if !b.desc.Usage.Any(UsageIndexBuffer) {
		return IndexBufferView{}, false
	}
	format := IndexFormatUint16
	if b.desc.Stride == 4 {
		format = IndexFormatUint32
	}
	return IndexBufferView{
		BufferLocation: b.gpuAddr,
		SizeInBytes:    uint32(b.desc.Size),
		Format:         format,
	}, true
}

// ConstantBufferView returns the constant view of a constant buffer. Its
// size is the aligned allocation size.
func (b *Buffer) ConstantBufferView() (ConstantBufferView, bool) {
	if !b.desc.Usage.Any(UsageConstantBuffer) {
		return ConstantBufferView{}, false
	}
	return ConstantBufferView{
		BufferLocation: b.gpuAddr,
		SizeInBytes:    uint32(b.allocSize),
	}, true
}

// CBV returns the descriptor slot of the constant buffer view, when the
// owning manager has descriptor heaps attached.
func (b *Buffer) CBV() (DescriptorSlot, bool) { return b.views.get(viewCBV) }

// SRV returns the shader resource view slot.
func (b *Buffer) SRV() (DescriptorSlot, bool) { return b.views.get(viewSRV) }

// UAV returns the unordered access view slot.
func (b *Buffer) UAV() (DescriptorSlot, bool) { return b.views.get(viewUAV) }

// transition moves the buffer to s, appending the barrier it needs to out.
func (b *Buffer) transition(s ResourceState, out []Barrier) []Barrier {
	before := ResourceState(b.state.Swap(uint32(s)))
	return appendBarrier(out, Barrier{Buffer: b, Subresource: AllSubresources, Before: before, After: s})
}

// revert undoes a transition recorded as barrier br, unless the buffer has
// moved on since.
func (b *Buffer) revert(br Barrier) {
	b.state.CompareAndSwap(uint32(br.After), uint32(br.Before))
}
