package rhi

import "fmt"

// Format is a texel format.
type Format uint8

const (
	FormatUnknown Format = iota

	FormatR8Unorm
	FormatRG8Unorm
	FormatRGBA8Unorm
	FormatRGBA8UnormSRGB
	FormatBGRA8Unorm
	FormatBGRA8UnormSRGB
	FormatR16Float
	FormatRG16Float
	FormatRGBA16Float
	FormatR32Uint
	FormatR32Float
	FormatRG32Float
	FormatRGBA32Float
	FormatRGB10A2Unorm

	FormatD16Unorm
	FormatD24UnormS8Uint
	FormatD32Float
	FormatD32FloatS8Uint

	FormatBC1Unorm
	FormatBC3Unorm
	FormatBC7Unorm

	formatCount
)

type formatInfo struct {
	name string
	// bytes per block; a block is 1x1 texels for uncompressed formats.
	blockBytes uint32
	blockDim   uint32
	depth      bool
	stencil    bool
	srgb       bool
}

var formatTable = [formatCount]formatInfo{
	FormatUnknown:        {name: "Unknown"},
	FormatR8Unorm:        {name: "R8Unorm", blockBytes: 1, blockDim: 1},
	FormatRG8Unorm:       {name: "RG8Unorm", blockBytes: 2, blockDim: 1},
	FormatRGBA8Unorm:     {name: "RGBA8Unorm", blockBytes: 4, blockDim: 1},
	FormatRGBA8UnormSRGB: {name: "RGBA8UnormSRGB", blockBytes: 4, blockDim: 1, srgb: true},
	FormatBGRA8Unorm:     {name: "BGRA8Unorm", blockBytes: 4, blockDim: 1},
	FormatBGRA8UnormSRGB: {name: "BGRA8UnormSRGB", blockBytes: 4, blockDim: 1, srgb: true},
	FormatR16Float:       {name: "R16Float", blockBytes: 2, blockDim: 1},
	FormatRG16Float:      {name: "RG16Float", blockBytes: 4, blockDim: 1},
	FormatRGBA16Float:    {name: "RGBA16Float", blockBytes: 8, blockDim: 1},
	FormatR32Uint:        {name: "R32Uint", blockBytes: 4, blockDim: 1},
	FormatR32Float:       {name: "R32Float", blockBytes: 4, blockDim: 1},
	FormatRG32Float:      {name: "RG32Float", blockBytes: 8, blockDim: 1},
	FormatRGBA32Float:    {name: "RGBA32Float", blockBytes: 16, blockDim: 1},
	FormatRGB10A2Unorm:   {name: "RGB10A2Unorm", blockBytes: 4, blockDim: 1},
	FormatD16Unorm:       {name: "D16Unorm", blockBytes: 2, blockDim: 1, depth: true},
	FormatD24UnormS8Uint: {name: "D24UnormS8Uint", blockBytes: 4, blockDim: 1, depth: true, stencil: true},
	FormatD32Float:       {name: "D32Float", blockBytes: 4, blockDim: 1, depth: true},
	FormatD32FloatS8Uint: {name: "D32FloatS8Uint", blockBytes: 8, blockDim: 1, depth: true, stencil: true},
	FormatBC1Unorm:       {name: "BC1Unorm", blockBytes: 8, blockDim: 4},
	FormatBC3Unorm:       {name: "BC3Unorm", blockBytes: 16, blockDim: 4},
	FormatBC7Unorm:       {name: "BC7Unorm", blockBytes: 16, blockDim: 4},
}

func (f Format) info() formatInfo {
	if f >= formatCount {
		return formatInfo{}
	}
	return formatTable[f]
}

// IsValid reports whether f is a known, concrete format.
func (f Format) IsValid() bool { return f != FormatUnknown && f < formatCount }

func (f Format) String() string {
	if f >= formatCount {
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
	return formatTable[f].name
}

// IsDepth reports whether f has a depth component.
func (f Format) IsDepth() bool { return f.info().depth }

// HasStencil reports whether f has a stencil component.
func (f Format) HasStencil() bool { return f.info().stencil }

// IsSRGB reports whether f stores sRGB-encoded color.
func (f Format) IsSRGB() bool { return f.info().srgb }

// IsCompressed reports whether f is block compressed.
func (f Format) IsCompressed() bool { return f.info().blockDim > 1 }

// IsColor reports whether f is a valid non-depth format.
func (f Format) IsColor() bool { return f.IsValid() && !f.IsDepth() }

// PlaneCount returns the number of planes; depth-stencil formats keep depth
// and stencil in separate planes.
func (f Format) PlaneCount() uint32 {
	if f.HasStencil() {
		return 2
	}
	return 1
}

// BlockBytes returns the size in bytes of one texel block.
func (f Format) BlockBytes() uint32 { return f.info().blockBytes }

// BlockDim returns the width and height of one texel block.
func (f Format) BlockDim() uint32 {
	if d := f.info().blockDim; d > 0 {
		return d
	}
	return 1
}

// RowPitch returns the tightly packed size of one row of blocks.
func (f Format) RowPitch(width uint32) uint32 {
	d := f.BlockDim()
	return (width + d - 1) / d * f.BlockBytes()
}

// RowCount returns the number of block rows covering height texels.
func (f Format) RowCount(height uint32) uint32 {
	d := f.BlockDim()
	return (height + d - 1) / d
}
