package rhi

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// DescriptorHeapType is the kind of descriptors a heap stores.
type DescriptorHeapType uint8

const (
	DescriptorHeapCBVSRVUAV DescriptorHeapType = iota
	DescriptorHeapSampler
	DescriptorHeapRTV
	DescriptorHeapDSV

	descriptorHeapTypeCount
)

func (t DescriptorHeapType) String() string {
	switch t {
	case DescriptorHeapCBVSRVUAV:
		return "CBV_SRV_UAV"
	case DescriptorHeapSampler:
		return "Sampler"
	case DescriptorHeapRTV:
		return "RTV"
	case DescriptorHeapDSV:
		return "DSV"
	default:
		return fmt.Sprintf("DescriptorHeapType(%d)", uint8(t))
	}
}

// DescriptorHeapDesc describes a descriptor heap.
type DescriptorHeapDesc struct {
	Type          DescriptorHeapType
	Capacity      uint32
	ShaderVisible bool
	DebugName     string
}

// DescriptorSlot is one allocated descriptor. GPU is 0 in heaps that are
// not shader visible.
type DescriptorSlot struct {
	Index uint32
	CPU   uint64
	GPU   uint64
}

// DescriptorHeap hands out slots of a fixed-capacity native descriptor
// heap. Freed slots are reused immediately; slots carry no generation, so
// their lifetime must be bounded by the resource that owns them.
//
// DescriptorHeap is safe for concurrent use.
type DescriptorHeap struct {
	desc   DescriptorHeapDesc
	native NativeDescriptorHeap
	logger *slog.Logger

	cpuStart  uint64
	gpuStart  uint64
	increment uint64

	mu   sync.Mutex
	next uint32
	free []uint32
	live *roaring.Bitmap
}

// NewDescriptorHeap validates desc and reserves native descriptor memory.
func NewDescriptorHeap(backend Backend, desc DescriptorHeapDesc, logger *slog.Logger) (*DescriptorHeap, error) {
	if desc.Type >= descriptorHeapTypeCount {
		return nil, fmt.Errorf("%w: unknown type %s", ErrInvalidDescriptorHeap, desc.Type)
	}
	if desc.Capacity == 0 {
		return nil, fmt.Errorf("%w: zero capacity", ErrInvalidDescriptorHeap)
	}
	if desc.ShaderVisible && desc.Type != DescriptorHeapCBVSRVUAV && desc.Type != DescriptorHeapSampler {
		return nil, fmt.Errorf("%w: %s heaps cannot be shader visible", ErrInvalidDescriptorHeap, desc.Type)
	}

	native, err := backend.CreateDescriptorHeap(&desc)
	if err != nil {
		return nil, allocationFailure(fmt.Sprintf("create %s descriptor heap", desc.Type), err)
	}

	h := &DescriptorHeap{
		desc:      desc,
		native:    native,
		logger:    orNop(logger),
		cpuStart:  native.CPUStart(),
		increment: uint64(native.Increment()),
		live:      roaring.New(),
	}
	if desc.ShaderVisible {
		h.gpuStart = native.GPUStart()
	}
	h.logger.Debug("rhi: descriptor heap created",
		"type", desc.Type, "capacity", desc.Capacity, "shaderVisible", desc.ShaderVisible)
	return h, nil
}

// Type returns the heap type.
func (h *DescriptorHeap) Type() DescriptorHeapType { return h.desc.Type }

// Capacity returns the fixed number of slots.
func (h *DescriptorHeap) Capacity() uint32 { return h.desc.Capacity }

// IsShaderVisible reports whether slots have GPU addresses.
func (h *DescriptorHeap) IsShaderVisible() bool { return h.desc.ShaderVisible }

// Allocate reserves a slot. Returns ErrDescriptorHeapFull when every slot
// is live.
func (h *DescriptorHeap) Allocate() (DescriptorSlot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var index uint32
	switch {
	case len(h.free) > 0:
		index = h.free[len(h.free)-1]
		h.free = h.free[:len(h.free)-1]
	case h.next < h.desc.Capacity:
		index = h.next
		h.next++
	default:
		h.logger.Warn("rhi: descriptor heap full", "type", h.desc.Type, "capacity", h.desc.Capacity)
		return DescriptorSlot{}, fmt.Errorf("%w: %s capacity %d", ErrDescriptorHeapFull, h.desc.Type, h.desc.Capacity)
	}
	h.live.Add(index)
	return h.slot(index), nil
}

// Free returns a slot to the heap. Slots that are not live are ignored.
func (h *DescriptorHeap) Free(slot DescriptorSlot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if slot.Index >= h.desc.Capacity || !h.live.Contains(slot.Index) {
		return
	}
	h.live.Remove(slot.Index)
	h.free = append(h.free, slot.Index)
}

// Slot returns the addresses of index without allocating it.
func (h *DescriptorHeap) Slot(index uint32) DescriptorSlot {
	return h.slot(index)
}

func (h *DescriptorHeap) slot(index uint32) DescriptorSlot {
	s := DescriptorSlot{
		Index: index,
		CPU:   h.cpuStart + uint64(index)*h.increment,
	}
	if h.desc.ShaderVisible {
		s.GPU = h.gpuStart + uint64(index)*h.increment
	}
	return s
}

// IsAllocated reports whether index is live.
func (h *DescriptorHeap) IsAllocated(index uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live.Contains(index)
}

// Allocated returns the number of live slots.
func (h *DescriptorHeap) Allocated() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint32(h.live.GetCardinality())
}

// Release frees the native heap.
func (h *DescriptorHeap) Release() {
	h.native.Release()
}

type viewKind uint8

const (
	viewCBV viewKind = iota
	viewSRV
	viewUAV
	viewRTV
	viewDSV

	viewKindCount
)

func (k viewKind) heapType() DescriptorHeapType {
	switch k {
	case viewRTV:
		return DescriptorHeapRTV
	case viewDSV:
		return DescriptorHeapDSV
	default:
		return DescriptorHeapCBVSRVUAV
	}
}

// resourceViews records the descriptor slots of one resource. Written once
// before the resource is published, then read-only until release.
type resourceViews struct {
	slots [viewKindCount]DescriptorSlot
	has   [viewKindCount]bool
}

func (v *resourceViews) get(k viewKind) (DescriptorSlot, bool) {
	return v.slots[k], v.has[k]
}

// viewHeaps allocates view slots for resources from the heaps of a Device.
type viewHeaps [descriptorHeapTypeCount]*DescriptorHeap

// allocate reserves one slot per kind. On failure every slot allocated so
// far is freed again.
func (hs *viewHeaps) allocate(v *resourceViews, kinds ...viewKind) error {
	for _, k := range kinds {
		heap := hs[k.heapType()]
		if heap == nil {
			continue
		}
		slot, err := heap.Allocate()
		if err != nil {
			hs.free(v)
			return err
		}
		v.slots[k] = slot
		v.has[k] = true
	}
	return nil
}

func (hs *viewHeaps) free(v *resourceViews) {
	for k := viewKind(0); k < viewKindCount; k++ {
		if !v.has[k] {
			continue
		}
		if heap := hs[k.heapType()]; heap != nil {
			heap.Free(v.slots[k])
		}
		v.has[k] = false
	}
}

func bufferViewKinds(u Usage) []viewKind {
	var kinds []viewKind
	if u.Any(UsageConstantBuffer) {
		kinds = append(kinds, viewCBV)
	}
	if u.Any(UsageShaderResource) {
		kinds = append(kinds, viewSRV)
	}
	if u.Any(UsageUnorderedAccess) {
		kinds = append(kinds, viewUAV)
	}
	return kinds
}

func textureViewKinds(u Usage) []viewKind {
	var kinds []viewKind
	if u.Any(UsageShaderResource) {
		kinds = append(kinds, viewSRV)
	}
	if u.Any(UsageUnorderedAccess) {
		kinds = append(kinds, viewUAV)
	}
	if u.Any(UsageRenderTarget) {
		kinds = append(kinds, viewRTV)
	}
	if u.Any(UsageDepthStencil) {
		kinds = append(kinds, viewDSV)
	}
	return kinds
}
