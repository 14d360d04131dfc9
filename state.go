package rhi

import "fmt"

// ResourceState is the GPU access state of a resource or texture subresource.
// A resource is in exactly one state at a time on the CPU timeline of the
// command lists that record it.
type ResourceState uint8

const (
	StateCommon ResourceState = iota
	StateVertexAndConstantBuffer
	StateIndexBuffer
	StateRenderTarget
	StateUnorderedAccess
	StateDepthWrite
	StateDepthRead
	StateShaderResource
	StateCopyDest
	StateCopySource
	StateResolveDest
	StateResolveSource
	StateIndirectArgument
	StateGenericRead
	StatePresent

	stateCount
)

var stateNames = [stateCount]string{
	"Common",
	"VertexAndConstantBuffer",
	"IndexBuffer",
	"RenderTarget",
	"UnorderedAccess",
	"DepthWrite",
	"DepthRead",
	"ShaderResource",
	"CopyDest",
	"CopySource",
	"ResolveDest",
	"ResolveSource",
	"IndirectArgument",
	"GenericRead",
	"Present",
}

func (s ResourceState) String() string {
	if s >= stateCount {
		return fmt.Sprintf("ResourceState(%d)", uint8(s))
	}
	return stateNames[s]
}

// IsValid reports whether s is a known state.
func (s ResourceState) IsValid() bool { return s < stateCount }

// IsWrite reports whether the GPU writes to a resource in state s.
func (s ResourceState) IsWrite() bool {
	switch s {
	case StateRenderTarget, StateUnorderedAccess, StateDepthWrite, StateCopyDest, StateResolveDest:
		return true
	}
	return false
}

// requiredUsage returns the usage flag a resource needs to enter s.
// Zero means every resource may enter the state.
func (s ResourceState) requiredUsage() Usage {
	switch s {
	case StateVertexAndConstantBuffer:
		return UsageVertexBuffer | UsageConstantBuffer
	case StateIndexBuffer:
		return UsageIndexBuffer
	case StateRenderTarget:
		return UsageRenderTarget
	case StateUnorderedAccess:
		return UsageUnorderedAccess
	case StateDepthWrite, StateDepthRead:
		return UsageDepthStencil
	case StateShaderResource:
		return UsageShaderResource
	case StateIndirectArgument:
		return UsageIndirectArgument
	}
	return 0
}

// BarrierKind is the kind of a resource barrier.
type BarrierKind uint8

const (
	// BarrierNone means no barrier is needed.
	BarrierNone BarrierKind = iota
	// BarrierTransition changes the access state of a resource.
	BarrierTransition
	// BarrierUAV orders unordered-access writes against later accesses
	// without changing state.
	BarrierUAV
)

func (k BarrierKind) String() string {
	switch k {
	case BarrierNone:
		return "None"
	case BarrierTransition:
		return "Transition"
	case BarrierUAV:
		return "UAV"
	default:
		return fmt.Sprintf("BarrierKind(%d)", uint8(k))
	}
}

// RequiredBarrier returns the barrier needed to move a resource from before
// to after. Equal states need nothing, except that two consecutive
// unordered-access uses need a UAV barrier between them.
func RequiredBarrier(before, after ResourceState) BarrierKind {
	if before != after {
		return BarrierTransition
	}
	if after == StateUnorderedAccess {
		return BarrierUAV
	}
	return BarrierNone
}

// AllSubresources selects every subresource of a texture in a Barrier.
const AllSubresources = ^uint32(0)

// Barrier is one recorded resource barrier. Exactly one of Buffer and
// Texture is set.
type Barrier struct {
	Kind        BarrierKind
	Buffer      *Buffer
	Texture     *Texture
	Subresource uint32
	Before      ResourceState
	After       ResourceState
}

func (b Barrier) String() string {
	target := "<nil>"
	switch {
	case b.Buffer != nil:
		target = b.Buffer.Name()
	case b.Texture != nil:
		target = b.Texture.Name()
		if b.Subresource != AllSubresources {
			target = fmt.Sprintf("%s[%d]", target, b.Subresource)
		}
	}
	if b.Kind == BarrierUAV {
		return "UAV(" + target + ")"
	}
	return fmt.Sprintf("%s: %s -> %s", target, b.Before, b.After)
}

// checkBufferState validates that a buffer created with usage in heap may
// enter state s. Upload buffers stay in GenericRead and readback buffers in
// CopyDest for their whole life.
func checkBufferState(usage Usage, heap HeapType, s ResourceState) error {
	if !s.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidState, uint8(s))
	}
	switch heap {
	case HeapUpload:
		if s != StateGenericRead {
			return fmt.Errorf("%w: upload buffers stay in %s, not %s", ErrInvalidState, StateGenericRead, s)
		}
		return nil
	case HeapReadback:
		if s != StateCopyDest {
			return fmt.Errorf("%w: readback buffers stay in %s, not %s", ErrInvalidState, StateCopyDest, s)
		}
		return nil
	}
	switch s {
	case StateRenderTarget, StateDepthWrite, StateDepthRead, StatePresent, StateResolveDest, StateResolveSource:
		return fmt.Errorf("%w: %s is not a buffer state", ErrInvalidState, s)
	}
	if req := s.requiredUsage(); req != 0 && !usage.Any(req) {
		return fmt.Errorf("%w: %s requires %s usage, buffer has %s", ErrInvalidState, s, req, usage)
	}
	return nil
}

// checkTextureState validates that a texture created with usage may enter s.
func checkTextureState(usage Usage, s ResourceState) error {
	if !s.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidState, uint8(s))
	}
	switch s {
	case StateVertexAndConstantBuffer, StateIndexBuffer, StateIndirectArgument:
		return fmt.Errorf("%w: %s is not a texture state", ErrInvalidState, s)
	}
	if req := s.requiredUsage(); req != 0 && !usage.Any(req) {
		return fmt.Errorf("%w: %s requires %s usage, texture has %s", ErrInvalidState, s, req, usage)
	}
	return nil
}
