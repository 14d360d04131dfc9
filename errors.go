package rhi

import "errors"

// Error categories. Every specific error below wraps exactly one of them,
// so callers can branch with errors.Is(err, ErrValidation) without knowing
// the precise failure.
var (
	// ErrValidation reports a request that was rejected before any native
	// call was made. Nothing was allocated and no state changed.
	ErrValidation = errors.New("rhi: validation failed")

	// ErrAllocation reports that the backend could not provide memory or a
	// native object. Recoverable: callers may free resources and retry.
	ErrAllocation = errors.New("rhi: allocation failed")

	// ErrDeviceLost reports that the native device is gone. Fatal for the
	// Device that returned it.
	ErrDeviceLost = errors.New("rhi: device lost")
)

// kindError is a sentinel that unwraps to its category.
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

func validationError(msg string) error { return &kindError{msg: "rhi: " + msg, kind: ErrValidation} }
func allocationError(msg string) error { return &kindError{msg: "rhi: " + msg, kind: ErrAllocation} }

// Validation errors.
var (
	// ErrInvalidBufferSize is returned for zero-sized or oversized buffers.
	ErrInvalidBufferSize = validationError("invalid buffer size")

	// ErrInvalidUsage is returned when usage flags are empty or contradict
	// the resource kind, heap or format.
	ErrInvalidUsage = validationError("invalid usage flags")

	// ErrInvalidStride is returned for vertex buffers without a stride and
	// index buffers whose stride is not 2 or 4.
	ErrInvalidStride = validationError("invalid buffer stride")

	// ErrBufferAlreadyMapped is returned when mapping a buffer that is already mapped.
	ErrBufferAlreadyMapped = validationError("buffer is already mapped")

	// ErrBufferNotCPUAccessible is returned when mapping a default-heap buffer.
	ErrBufferNotCPUAccessible = validationError("buffer is not CPU accessible")

	// ErrBufferNotWritable is returned when the CPU writes to a readback buffer.
	ErrBufferNotWritable = validationError("buffer is not CPU writable")

	// ErrOutOfBounds is returned when an offset and size exceed a resource.
	ErrOutOfBounds = validationError("range out of bounds")

	// ErrInvalidDimensions is returned for zero or oversized texture extents.
	ErrInvalidDimensions = validationError("invalid texture dimensions")

	// ErrInvalidMipLevel is returned for mip counts above the full chain and
	// for mip indices beyond the texture.
	ErrInvalidMipLevel = validationError("invalid mip level")

	// ErrInvalidArraySlice is returned for array indices beyond the texture.
	ErrInvalidArraySlice = validationError("invalid array slice")

	// ErrInvalidFormat is returned when a format cannot serve the requested usage.
	ErrInvalidFormat = validationError("invalid format")

	// ErrInvalidSampleCount is returned for unsupported MSAA configurations.
	ErrInvalidSampleCount = validationError("invalid sample count")

	// ErrInvalidDataSize is returned when upload data does not match the
	// target subresource.
	ErrInvalidDataSize = validationError("invalid data size")

	// ErrInvalidState is returned when a resource cannot enter a state.
	ErrInvalidState = validationError("invalid resource state")

	// ErrInvalidShader is returned for empty shader code or missing entry points.
	ErrInvalidShader = validationError("invalid shader")

	// ErrInvalidDescriptorHeap is returned for zero-capacity heaps and
	// shader-visible RTV or DSV heaps.
	ErrInvalidDescriptorHeap = validationError("invalid descriptor heap")

	// ErrCommandListState is returned when a command list is used in the
	// wrong recording state.
	ErrCommandListState = validationError("command list in wrong state")

	// ErrQueueTypeMismatch is returned when a command is not supported by
	// the list's queue type or a list is submitted to the wrong queue.
	ErrQueueTypeMismatch = validationError("command not supported on this queue type")

	// ErrFenceNotSignaled is returned when waiting on a fence value that was
	// never signaled.
	ErrFenceNotSignaled = validationError("fence value was never signaled")

	// ErrInvalidConfig is returned for configuration values out of range.
	ErrInvalidConfig = validationError("invalid configuration")

	// ErrResourceInvalid is returned when operating on a destroyed resource.
	ErrResourceInvalid = validationError("resource is not valid")

	// ErrFrameState is returned when BeginFrame and EndFrame are not paired.
	ErrFrameState = validationError("frame begin/end mismatch")
)

// Allocation errors.
var (
	// ErrOutOfMemory is returned by backends when a memory budget is exhausted.
	ErrOutOfMemory = allocationError("out of device memory")

	// ErrDescriptorHeapFull is returned when every slot of a descriptor heap
	// is allocated. Heaps never grow.
	ErrDescriptorHeapFull = allocationError("descriptor heap is full")

	// ErrMappingFailed is returned when the backend cannot map a buffer.
	ErrMappingFailed = allocationError("buffer mapping failed")
)

// Device errors.
var (
	// ErrNoBackend is returned when no registered backend could be opened.
	ErrNoBackend = errors.New("rhi: no backend available")

	// ErrDeviceClosed is returned by a Device after Shutdown.
	ErrDeviceClosed = errors.New("rhi: device is shut down")
)
