package rhi

// Backend abstracts over native graphics APIs.
//
// A Backend creates native objects and executes recorded command lists. The
// rhi core owns lifetime, state tracking and synchronization; a backend only
// translates. Implementations must be safe for concurrent use.
//
// Resource lifecycle:
//   - Objects are created via Create* methods and owned by the caller.
//   - The core calls Release exactly once per object, when the owning rhi
//     object is destroyed. DestroyBuffer and DestroyTexture release at once;
//     the caller must make sure the GPU no longer uses the resource, for
//     example by waiting on a fence or returning it to a pool.
type Backend interface {
	// Name returns the registry name of the backend (for example "software").
	Name() string

	// Init prepares the backend for use. It is called before any Create*,
	// including for backends passed to WithBackend, and must be idempotent:
	// a second call on an initialized backend returns nil.
	Init() error

	// Limits returns the resource limits the core validates against.
	Limits() Limits

	// CreateBuffer allocates a native buffer of desc.Size bytes in desc.Heap.
	CreateBuffer(desc *NativeBufferDesc) (NativeBuffer, error)

	// CreateTexture allocates a native texture. desc is already validated
	// and normalized: MipLevels and SampleCount are concrete, InitialState
	// and ClearValue are resolved.
	CreateTexture(desc *TextureDesc) (NativeTexture, error)

	// CreatePipeline builds a native pipeline from compiled shader code.
	CreatePipeline(desc *NativePipelineDesc) (NativePipeline, error)

	// CreateQueue creates a native queue with its own fence starting at 0.
	CreateQueue(typ QueueType) (NativeQueue, error)

	// CreateDescriptorHeap reserves native descriptor memory.
	CreateDescriptorHeap(desc *DescriptorHeapDesc) (NativeDescriptorHeap, error)

	// MemoryBudget reports current device memory use. Must not block on
	// GPU work; the core calls it without holding any lock.
	MemoryBudget() MemoryBudget

	// Close releases the native device. Every object created by the
	// backend has been released before Close is called.
	Close()
}

// Presenter is implemented by backends that own a swap chain.
type Presenter interface {
	Present(backBuffer *Texture) error
}

// Limits are the backend resource limits.
type Limits struct {
	MaxBufferSize         uint64
	MaxTextureDimension1D uint32
	MaxTextureDimension2D uint32
	MaxTextureDimension3D uint32
	MaxTextureArrayLayers uint32
}

// DefaultLimits returns limits every backend is expected to support.
func DefaultLimits() Limits {
	return Limits{
		MaxBufferSize:         1 << 30,
		MaxTextureDimension1D: 16384,
		MaxTextureDimension2D: 16384,
		MaxTextureDimension3D: 2048,
		MaxTextureArrayLayers: 2048,
	}
}

// MemoryBudget is a snapshot of device memory use in bytes.
type MemoryBudget struct {
	Used  uint64
	Total uint64
}

// NativeBufferDesc describes a native buffer allocation.
type NativeBufferDesc struct {
	Label string
	// Size is the allocated size, already aligned.
	Size         uint64
	Usage        Usage
	Heap         HeapType
	InitialState ResourceState
}

// NativePipelineDesc is a validated pipeline description plus compiled code.
type NativePipelineDesc struct {
	PipelineDesc
	// SPIRV is the shader compiled for every entry point of the module.
	SPIRV []uint32
}

// NativeBuffer is a backend buffer allocation.
type NativeBuffer interface {
	// Map returns the CPU-visible memory of an upload or readback buffer.
	// Repeated calls return the same memory.
	Map() ([]byte, error)

	// Unmap ends CPU access; [offset, offset+size) may have been written.
	Unmap(offset, size uint64)

	// Write copies data into a default-heap buffer through the backend's
	// upload path. The write is visible to work submitted afterwards.
	Write(offset uint64, data []byte) error

	// GPUAddress returns the virtual address used by buffer views.
	GPUAddress() uint64

	SetName(name string)
	Release()
}

// NativeTexture is a backend texture allocation.
type NativeTexture interface {
	// WriteSubresource uploads tightly packed rows of one subresource.
	// The write is visible to work submitted afterwards.
	WriteSubresource(mip, slice uint32, data []byte, rowPitch uint32) error

	SetName(name string)
	Release()
}

// NativePipeline is a backend pipeline state object.
type NativePipeline interface {
	Release()
}

// NativeQueue is a backend queue with a monotonic fence.
type NativeQueue interface {
	// Submit executes lists in order and signals the fence to value when
	// all of them complete. Lists are closed and their commands stay
	// untouched until the fence reaches value.
	Submit(lists []*CommandList, value uint64) error

	// Signal signals value after all previously submitted work.
	Signal(value uint64) error

	// CompletedValue queries the last value the GPU reached.
	CompletedValue() uint64

	// Wait blocks until the fence reaches value. It must not spin.
	Wait(value uint64) error

	Release()
}

// NativeDescriptorHeap is backend descriptor memory. Slot i lives at
// CPUStart()+i*Increment() (and GPUStart() for shader-visible heaps).
type NativeDescriptorHeap interface {
	CPUStart() uint64
	// GPUStart returns 0 for heaps that are not shader visible.
	GPUStart() uint64
	Increment() uint32
	Release()
}
