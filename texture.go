package rhi

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
)

// TextureDesc describes a texture.
type TextureDesc struct {
	Type   TextureType
	Width  uint32
	Height uint32
	// DepthOrArraySize is the depth of 3D textures and the array size of
	// every other type. Cube arrays count faces, so it is a multiple of 6.
	DepthOrArraySize uint32
	// MipLevels of 0 selects the full chain.
	MipLevels     uint32
	Format        Format
	SampleCount   uint32
	SampleQuality uint32
	Usage         Usage
	// InitialState overrides the derived initial state (RenderTarget for
	// render targets, DepthWrite for depth-stencil, Common otherwise).
	InitialState ResourceState
	// ClearValue overrides the derived optimized clear value.
	ClearValue *ClearValue
	DebugName  string
}

// MaxMipLevels returns the length of the full mip chain of an extent.
func MaxMipLevels(width, height, depth uint32) uint32 {
	return uint32(bits.Len32(max(width, height, depth, 1)))
}

// ArraySize returns the number of array slices (1 for 3D textures).
func (d *TextureDesc) ArraySize() uint32 {
	if d.Type == Texture3D {
		return 1
	}
	return max(d.DepthOrArraySize, 1)
}

// Depth returns the depth of mip 0 (1 unless the texture is 3D).
func (d *TextureDesc) Depth() uint32 {
	if d.Type != Texture3D {
		return 1
	}
	return max(d.DepthOrArraySize, 1)
}

// PlaneCount returns the number of format planes.
func (d *TextureDesc) PlaneCount() uint32 { return d.Format.PlaneCount() }

// SubresourceCount returns mipLevels * arraySize * planeCount.
func (d *TextureDesc) SubresourceCount() uint32 {
	return d.MipLevels * d.ArraySize() * d.PlaneCount()
}

// MipExtent returns the texel extent of one mip level.
func (d *TextureDesc) MipExtent(mip uint32) (width, height, depth uint32) {
	return max(d.Width>>mip, 1), max(d.Height>>mip, 1), max(d.Depth()>>mip, 1)
}

// RowPitch returns the tightly packed row size of one mip level.
func (d *TextureDesc) RowPitch(mip uint32) uint32 {
	w, _, _ := d.MipExtent(mip)
	return d.Format.RowPitch(w)
}

// SubresourceSize returns the tightly packed byte size of one array slice
// of one mip level.
func (d *TextureDesc) SubresourceSize(mip uint32) uint64 {
	w, h, depth := d.MipExtent(mip)
	return uint64(d.Format.RowPitch(w)) * uint64(d.Format.RowCount(h)) * uint64(depth)
}

// SizeInBytes returns the memory footprint of every subresource.
func (d *TextureDesc) SizeInBytes() uint64 {
	var total uint64
	for mip := uint32(0); mip < d.MipLevels; mip++ {
		total += d.SubresourceSize(mip)
	}
	return total * uint64(d.ArraySize()) * uint64(max(d.SampleCount, 1))
}

// normalizeTextureDesc validates desc and returns a copy with every default
// resolved.
func normalizeTextureDesc(desc *TextureDesc, limits Limits) (TextureDesc, error) {
	d := *desc
	if d.DepthOrArraySize == 0 {
		d.DepthOrArraySize = 1
	}
	if d.SampleCount == 0 {
		d.SampleCount = 1
	}
	if d.Type == Texture1D && d.Height == 0 {
		d.Height = 1
	}

	if d.Width == 0 || d.Height == 0 {
		return d, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, d.Width, d.Height)
	}
	if !d.Format.IsValid() {
		return d, fmt.Errorf("%w: %s", ErrInvalidFormat, d.Format)
	}
	if d.Usage&^usageAll != 0 {
		return d, fmt.Errorf("%w: unknown flags in %s", ErrInvalidUsage, d.Usage)
	}
	if bad := d.Usage & (UsageVertexBuffer | UsageIndexBuffer | UsageConstantBuffer | UsageIndirectArgument); bad != 0 {
		return d, fmt.Errorf("%w: textures cannot be %s", ErrInvalidUsage, bad)
	}

	switch d.Type {
	case Texture1D:
		if d.Height != 1 {
			return d, fmt.Errorf("%w: 1D texture height %d", ErrInvalidDimensions, d.Height)
		}
		if lim := limits.MaxTextureDimension1D; lim != 0 && d.Width > lim {
			return d, fmt.Errorf("%w: width %d exceeds %d", ErrInvalidDimensions, d.Width, lim)
		}
	case Texture2D, TextureCube:
		if lim := limits.MaxTextureDimension2D; lim != 0 && (d.Width > lim || d.Height > lim) {
			return d, fmt.Errorf("%w: %dx%d exceeds %d", ErrInvalidDimensions, d.Width, d.Height, lim)
		}
		if d.Type == TextureCube {
			if d.Width != d.Height {
				return d, fmt.Errorf("%w: cube faces must be square, got %dx%d", ErrInvalidDimensions, d.Width, d.Height)
			}
			if d.DepthOrArraySize%6 != 0 {
				return d, fmt.Errorf("%w: cube array size %d is not a multiple of 6", ErrInvalidDimensions, d.DepthOrArraySize)
			}
		}
	case Texture3D:
		if lim := limits.MaxTextureDimension3D; lim != 0 && (d.Width > lim || d.Height > lim || d.DepthOrArraySize > lim) {
			return d, fmt.Errorf("%w: %dx%dx%d exceeds %d", ErrInvalidDimensions, d.Width, d.Height, d.DepthOrArraySize, lim)
		}
	default:
		return d, fmt.Errorf("%w: unknown texture type %s", ErrInvalidDimensions, d.Type)
	}
	if lim := limits.MaxTextureArrayLayers; lim != 0 && d.Type != Texture3D && d.DepthOrArraySize > lim {
		return d, fmt.Errorf("%w: array size %d exceeds %d", ErrInvalidDimensions, d.DepthOrArraySize, lim)
	}
	if d.Format.IsCompressed() {
		bd := d.Format.BlockDim()
		if d.Width%bd != 0 || d.Height%bd != 0 {
			return d, fmt.Errorf("%w: %s needs %d-aligned extents, got %dx%d", ErrInvalidDimensions, d.Format, bd, d.Width, d.Height)
		}
	}

	full := MaxMipLevels(d.Width, d.Height, d.Depth())
	if d.MipLevels == 0 {
		d.MipLevels = full
	}
	if d.MipLevels > full {
		return d, fmt.Errorf("%w: %d levels, %dx%dx%d supports %d", ErrInvalidMipLevel, d.MipLevels, d.Width, d.Height, d.Depth(), full)
	}

	switch d.SampleCount {
	case 1:
		if d.SampleQuality != 0 {
			return d, fmt.Errorf("%w: quality %d without multisampling", ErrInvalidSampleCount, d.SampleQuality)
		}
	case 2, 4, 8, 16:
		if d.Type != Texture2D {
			return d, fmt.Errorf("%w: multisampled textures must be 2D", ErrInvalidSampleCount)
		}
		if d.MipLevels != 1 {
			return d, fmt.Errorf("%w: multisampled textures have one mip level", ErrInvalidSampleCount)
		}
		if d.Usage.Any(UsageUnorderedAccess) {
			return d, fmt.Errorf("%w: multisampled textures cannot be UnorderedAccess", ErrInvalidSampleCount)
		}
	default:
		return d, fmt.Errorf("%w: %d", ErrInvalidSampleCount, d.SampleCount)
	}

	if d.Usage.Has(UsageRenderTarget | UsageDepthStencil) {
		return d, fmt.Errorf("%w: RenderTarget and DepthStencil are exclusive", ErrInvalidUsage)
	}
	if d.Usage.Any(UsageDepthStencil) {
		if !d.Format.IsDepth() {
			return d, fmt.Errorf("%w: DepthStencil usage needs a depth format, got %s", ErrInvalidFormat, d.Format)
		}
		if d.Type == Texture3D {
			return d, fmt.Errorf("%w: 3D textures cannot be DepthStencil", ErrInvalidUsage)
		}
	}
	if d.Usage.Any(UsageRenderTarget) && (!d.Format.IsColor() || d.Format.IsCompressed()) {
		return d, fmt.Errorf("%w: RenderTarget usage needs a renderable color format, got %s", ErrInvalidFormat, d.Format)
	}
	if d.Format.IsDepth() && d.Usage.Any(UsageUnorderedAccess) {
		return d, fmt.Errorf("%w: depth formats cannot be UnorderedAccess", ErrInvalidFormat)
	}

	if d.InitialState == StateCommon {
		switch {
		case d.Usage.Any(UsageRenderTarget):
			d.InitialState = StateRenderTarget
		case d.Usage.Any(UsageDepthStencil):
			d.InitialState = StateDepthWrite
		}
	} else if err := checkTextureState(d.Usage, d.InitialState); err != nil {
		return d, err
	}

	if d.ClearValue == nil {
		switch {
		case d.Usage.Any(UsageRenderTarget):
			d.ClearValue = &ClearValue{Color: [4]float32{0, 0, 0, 1}}
		case d.Usage.Any(UsageDepthStencil):
			d.ClearValue = &ClearValue{Depth: 1}
		}
	} else {
		cv := *d.ClearValue
		d.ClearValue = &cv
	}
	return d, nil
}

// Texture is an image resource owned by a ResourceManager. Every
// subresource (mip level, array slice, plane) tracks its own access state.
type Texture struct {
	desc   TextureDesc
	native NativeTexture
	logger *slog.Logger

	lifecycle atomic.Uint32
	name      atomic.Pointer[string]

	mu     sync.Mutex
	states []ResourceState

	views resourceViews
}

func (t *Texture) initialize(backend Backend, desc *TextureDesc, logger *slog.Logger) error {
	d, err := normalizeTextureDesc(desc, backend.Limits())
	if err != nil {
		return err
	}
	t.desc = d
	t.logger = orNop(logger)

	native, err := backend.CreateTexture(&t.desc)
	if err != nil {
		return allocationFailure(fmt.Sprintf("create texture %q", d.DebugName), err)
	}
	t.native = native
	t.states = make([]ResourceState, d.SubresourceCount())
	for i := range t.states {
		t.states[i] = d.InitialState
	}
	name := d.DebugName
	t.name.Store(&name)

	t.logger.Debug("rhi: texture created",
		"name", name, "type", d.Type, "width", d.Width, "height", d.Height,
		"depthOrArraySize", d.DepthOrArraySize, "mips", d.MipLevels, "format", d.Format,
		"subresources", len(t.states))
	return nil
}

func (t *Texture) markValid() {
	t.lifecycle.Store(uint32(lifecycleValid))
}

func (t *Texture) release() {
	if !t.lifecycle.CompareAndSwap(uint32(lifecycleValid), uint32(lifecycleInvalid)) {
		return
	}
	t.native.Release()
	t.logger.Debug("rhi: texture released", "name", t.Name())
}

// IsValid reports whether the texture still owns its native allocation.
func (t *Texture) IsValid() bool {
	return lifecycle(t.lifecycle.Load()) == lifecycleValid
}

// Desc returns the normalized description.
func (t *Texture) Desc() TextureDesc { return t.desc }

func (t *Texture) Width() uint32       { return t.desc.Width }
func (t *Texture) Height() uint32      { return t.desc.Height }
func (t *Texture) MipLevels() uint32   { return t.desc.MipLevels }
func (t *Texture) ArraySize() uint32   { return t.desc.ArraySize() }
func (t *Texture) Format() Format      { return t.desc.Format }
func (t *Texture) Usage() Usage        { return t.desc.Usage }
func (t *Texture) Type() TextureType   { return t.desc.Type }
func (t *Texture) SizeInBytes() uint64 { return t.desc.SizeInBytes() }

// ClearValue returns the optimized clear value, if the texture has one.
func (t *Texture) ClearValue() (ClearValue, bool) {
	if t.desc.ClearValue == nil {
		return ClearValue{}, false
	}
	return *t.desc.ClearValue, true
}

// Native returns the backend allocation.
func (t *Texture) Native() NativeTexture { return t.native }

// Name returns the debug name.
func (t *Texture) Name() string {
	if p := t.name.Load(); p != nil {
		return *p
	}
	return ""
}

// SetName changes the debug name and forwards it to the native object.
func (t *Texture) SetName(name string) {
	t.name.Store(&name)
	if t.IsValid() {
		t.native.SetName(name)
	}
}

// SubresourceCount returns mipLevels * arraySize * planeCount.
func (t *Texture) SubresourceCount() uint32 { return uint32(len(t.states)) }

// SubresourceIndex returns the index of (mip, slice) in plane 0.
func (t *Texture) SubresourceIndex(mip, slice uint32) uint32 {
	return t.SubresourceIndexPlane(mip, slice, 0)
}

// SubresourceIndexPlane returns mip + slice*mips + plane*mips*arraySize.
func (t *Texture) SubresourceIndexPlane(mip, slice, plane uint32) uint32 {
	mips := t.desc.MipLevels
	return mip + slice*mips + plane*mips*t.desc.ArraySize()
}

// CurrentState returns the state of subresource 0. Use IsUniformState to
// know whether it describes the whole texture.
func (t *Texture) CurrentState() ResourceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[0]
}

// IsUniformState reports whether every subresource is in the same state.
func (t *Texture) IsUniformState() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.uniformLocked()
	return ok
}

func (t *Texture) uniformLocked() (ResourceState, bool) {
	first := t.states[0]
	for _, s := range t.states[1:] {
		if s != first {
			return first, false
		}
	}
	return first, true
}

// SubresourceState returns the state of one subresource.
func (t *Texture) SubresourceState(index uint32) (ResourceState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= uint32(len(t.states)) {
		return StateCommon, false
	}
	return t.states[index], true
}

// SetCurrentState overrides the tracked state of every subresource without
// recording a barrier.
func (t *Texture) SetCurrentState(s ResourceState) error {
	if err := checkTextureState(t.desc.Usage, s); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.states {
		t.states[i] = s
	}
	return nil
}

// SetSubresourceState overrides the tracked state of one subresource.
func (t *Texture) SetSubresourceState(index uint32, s ResourceState) error {
	if err := checkTextureState(t.desc.Usage, s); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= uint32(len(t.states)) {
		return fmt.Errorf("%w: subresource %d of %d", ErrOutOfBounds, index, len(t.states))
	}
	t.states[index] = s
	return nil
}

// transition moves the selected subresources to s, appending the barriers
// it needs to out. index is a subresource index or AllSubresources.
func (t *Texture) transition(index uint32, s ResourceState, out []Barrier) []Barrier {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index != AllSubresources {
		before := t.states[index]
		out = appendBarrier(out, Barrier{Texture: t, Subresource: index, Before: before, After: s})
		t.states[index] = s
		return out
	}

	if before, ok := t.uniformLocked(); ok {
		out = appendBarrier(out, Barrier{Texture: t, Subresource: AllSubresources, Before: before, After: s})
	} else {
		for i, before := range t.states {
			out = appendBarrier(out, Barrier{Texture: t, Subresource: uint32(i), Before: before, After: s})
		}
	}
	for i := range t.states {
		t.states[i] = s
	}
	return out
}

// revert undoes a transition recorded as barrier b. Subresources another
// list has moved on since are left alone.
func (t *Texture) revert(b Barrier) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b.Subresource != AllSubresources {
		if b.Subresource < uint32(len(t.states)) && t.states[b.Subresource] == b.After {
			t.states[b.Subresource] = b.Before
		}
		return
	}
	for i := range t.states {
		if t.states[i] == b.After {
			t.states[i] = b.Before
		}
	}
}

// appendBarrier appends b when its states require a barrier.
func appendBarrier(out []Barrier, b Barrier) []Barrier {
	b.Kind = RequiredBarrier(b.Before, b.After)
	if b.Kind == BarrierNone {
		return out
	}
	return append(out, b)
}

// UpdateData uploads tightly packed texels into one mip level of one array
// slice. Validation happens before any native call.
func (t *Texture) UpdateData(data []byte, mip, slice uint32) error {
	if !t.IsValid() {
		return ErrResourceInvalid
	}
	if mip >= t.desc.MipLevels {
		return fmt.Errorf("%w: mip %d of %d", ErrInvalidMipLevel, mip, t.desc.MipLevels)
	}
	if slice >= t.desc.ArraySize() {
		return fmt.Errorf("%w: slice %d of %d", ErrInvalidArraySlice, slice, t.desc.ArraySize())
	}
	if t.desc.SampleCount > 1 {
		return fmt.Errorf("%w: multisampled textures cannot be written from the CPU", ErrInvalidSampleCount)
	}
	if want := t.desc.SubresourceSize(mip); uint64(len(data)) != want {
		return fmt.Errorf("%w: got %d bytes, mip %d needs %d", ErrInvalidDataSize, len(data), mip, want)
	}
	if err := t.native.WriteSubresource(mip, slice, data, t.desc.RowPitch(mip)); err != nil {
		return fmt.Errorf("rhi: write texture %q mip %d slice %d: %w", t.Name(), mip, slice, err)
	}
	return nil
}

// SRV returns the shader resource view slot.
func (t *Texture) SRV() (DescriptorSlot, bool) { return t.views.get(viewSRV) }

// UAV returns the unordered access view slot.
func (t *Texture) UAV() (DescriptorSlot, bool) { return t.views.get(viewUAV) }

// RTV returns the render target view slot.
func (t *Texture) RTV() (DescriptorSlot, bool) { return t.views.get(viewRTV) }

// DSV returns the depth-stencil view slot.
func (t *Texture) DSV() (DescriptorSlot, bool) { return t.views.get(viewDSV) }
