package rhi

import (
	"fmt"
	"strings"

	"github.com/gogpu/rhi/internal/handle"
)

// Usage is a bitmask of the ways a resource will be used by the GPU.
type Usage uint32

const (
	UsageVertexBuffer Usage = 1 << iota
	UsageIndexBuffer
	UsageConstantBuffer
	UsageShaderResource
	UsageUnorderedAccess
	UsageRenderTarget
	UsageDepthStencil
	UsageCopySource
	UsageCopyDest
	UsageIndirectArgument

	usageAll = UsageIndirectArgument<<1 - 1
)

var usageNames = [...]string{
	"VertexBuffer",
	"IndexBuffer",
	"ConstantBuffer",
	"ShaderResource",
	"UnorderedAccess",
	"RenderTarget",
	"DepthStencil",
	"CopySource",
	"CopyDest",
	"IndirectArgument",
}

// Has reports whether every flag in f is set in u.
func (u Usage) Has(f Usage) bool { return u&f == f }

// Any reports whether at least one flag in f is set in u.
func (u Usage) Any(f Usage) bool { return u&f != 0 }

// String returns the flags joined by '|'.
func (u Usage) String() string {
	if u == 0 {
		return "None"
	}
	var b strings.Builder
	for i, name := range usageNames {
		if u&(1<<i) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
	}
	if rest := u &^ usageAll; rest != 0 {
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "0x%x", uint32(rest))
	}
	return b.String()
}

// HeapType is the memory pool a buffer lives in.
type HeapType uint8

const (
	// HeapDefault is GPU-local memory, not CPU accessible.
	HeapDefault HeapType = iota
	// HeapUpload is CPU-writable memory the GPU reads from.
	HeapUpload
	// HeapReadback is CPU-readable memory the GPU copies into.
	HeapReadback
)

func (h HeapType) String() string {
	switch h {
	case HeapDefault:
		return "Default"
	case HeapUpload:
		return "Upload"
	case HeapReadback:
		return "Readback"
	default:
		return fmt.Sprintf("HeapType(%d)", uint8(h))
	}
}

// QueueType selects the kind of work a command queue accepts.
type QueueType uint8

const (
	QueueGraphics QueueType = iota
	QueueCompute
	QueueCopy

	queueTypeCount
)

func (q QueueType) String() string {
	switch q {
	case QueueGraphics:
		return "Graphics"
	case QueueCompute:
		return "Compute"
	case QueueCopy:
		return "Copy"
	default:
		return fmt.Sprintf("QueueType(%d)", uint8(q))
	}
}

// TextureType is the dimensionality of a texture. The zero value is 2D.
type TextureType uint8

const (
	Texture2D TextureType = iota
	Texture1D
	Texture3D
	TextureCube
)

func (t TextureType) String() string {
	switch t {
	case Texture1D:
		return "1D"
	case Texture2D:
		return "2D"
	case Texture3D:
		return "3D"
	case TextureCube:
		return "Cube"
	default:
		return fmt.Sprintf("TextureType(%d)", uint8(t))
	}
}

// IndexFormat is the element type of an index buffer.
type IndexFormat uint8

const (
	IndexFormatUint16 IndexFormat = iota
	IndexFormatUint32
)

// Size returns the byte size of one index.
func (f IndexFormat) Size() uint32 {
	if f == IndexFormatUint32 {
		return 4
	}
	return 2
}

// ClearValue is the optimized clear value of a render target or
// depth-stencil texture.
type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint8
}

// Viewport is the rasterizer viewport in pixels.
type Viewport struct {
	X, Y          float32
	Width, Height float32
	MinDepth      float32
	MaxDepth      float32
}

// BufferHandle references a buffer owned by a ResourceManager.
// The zero value is always invalid.
type BufferHandle struct{ h handle.Handle }

// TextureHandle references a texture owned by a ResourceManager.
// The zero value is always invalid.
type TextureHandle struct{ h handle.Handle }

// PipelineHandle references a pipeline owned by a ResourceManager.
// The zero value is always invalid.
type PipelineHandle struct{ h handle.Handle }

func (h BufferHandle) Index() uint32      { return h.h.Index }
func (h BufferHandle) Generation() uint32 { return h.h.Generation }
func (h BufferHandle) IsZero() bool       { return h.h.IsZero() }
func (h BufferHandle) String() string     { return "buffer:" + h.h.String() }

func (h TextureHandle) Index() uint32      { return h.h.Index }
func (h TextureHandle) Generation() uint32 { return h.h.Generation }
func (h TextureHandle) IsZero() bool       { return h.h.IsZero() }
func (h TextureHandle) String() string     { return "texture:" + h.h.String() }

func (h PipelineHandle) Index() uint32      { return h.h.Index }
func (h PipelineHandle) Generation() uint32 { return h.h.Generation }
func (h PipelineHandle) IsZero() bool       { return h.h.IsZero() }
func (h PipelineHandle) String() string     { return "pipeline:" + h.h.String() }
