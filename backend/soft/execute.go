package soft

import (
	"errors"
	"fmt"

	"github.com/gogpu/rhi"
)

// execute runs one command list. The caller holds memMu.
func (b *Backend) execute(typ rhi.QueueType, cmds []rhi.Command) {
	for i := range cmds {
		cmd := &cmds[i]
		b.stats.commands.Add(1)
		switch cmd.Op {
		case rhi.OpBarrier:
			for _, br := range cmd.Barriers {
				b.barrier(br)
			}
		case rhi.OpCopyBuffer:
			src, dst := b.nativeBuffer(cmd.Src), b.nativeBuffer(cmd.Dst)
			if src == nil || dst == nil {
				continue
			}
			b.expectBuffer(cmd.Op, src, rhi.StateCopySource)
			b.expectBuffer(cmd.Op, dst, rhi.StateCopyDest)
			copy(dst.mem[cmd.DstOffset:cmd.DstOffset+cmd.Size], src.mem[cmd.SrcOffset:cmd.SrcOffset+cmd.Size])
			b.stats.copies.Add(1)
		case rhi.OpCopyBufferToTexture:
			src, dst := b.nativeBuffer(cmd.Src), b.nativeTexture(cmd.Texture)
			if src == nil || dst == nil {
				continue
			}
			b.expectBuffer(cmd.Op, src, rhi.StateCopySource)
			b.expectSubresource(cmd.Op, dst, cmd.Texture.SubresourceIndex(cmd.MipLevel, cmd.ArraySlice), rhi.StateCopyDest)
			copy(dst.subresource(cmd.MipLevel, cmd.ArraySlice), src.mem[cmd.SrcOffset:cmd.SrcOffset+cmd.Size])
			b.stats.copies.Add(1)
		case rhi.OpClearRenderTarget:
			tex := b.nativeTexture(cmd.Texture)
			if tex == nil {
				continue
			}
			b.expectTexture(cmd.Op, tex, rhi.StateRenderTarget)
			texel := encodeColor(tex.desc.Format, cmd.ClearColor)
			for _, sub := range tex.data {
				fill(sub, texel)
			}
			b.stats.clears.Add(1)
		case rhi.OpClearDepthStencil:
			tex := b.nativeTexture(cmd.Texture)
			if tex == nil {
				continue
			}
			b.expectTexture(cmd.Op, tex, rhi.StateDepthWrite)
			texel := encodeDepth(tex.desc.Format, cmd.ClearDepth, cmd.ClearStencil)
			for _, sub := range tex.data {
				fill(sub, texel)
			}
			b.stats.clears.Add(1)
		case rhi.OpSetVertexBuffer:
			if buf := b.nativeBuffer(cmd.Src); buf != nil {
				b.expectBuffer(cmd.Op, buf, rhi.StateVertexAndConstantBuffer)
			}
		case rhi.OpSetIndexBuffer:
			if buf := b.nativeBuffer(cmd.Src); buf != nil {
				b.expectBuffer(cmd.Op, buf, rhi.StateIndexBuffer)
			}
		case rhi.OpSetRenderTargets:
			for _, t := range cmd.ColorTargets {
				if tex := b.nativeTexture(t); tex != nil {
					b.expectTexture(cmd.Op, tex, rhi.StateRenderTarget)
				}
			}
			if cmd.DepthTarget != nil {
				if tex := b.nativeTexture(cmd.DepthTarget); tex != nil {
					b.expectTexture(cmd.Op, tex, rhi.StateDepthWrite)
				}
			}
		case rhi.OpSetPipeline:
			if p, ok := cmd.Pipeline.Native().(*pipeline); !ok || p.released.Load() {
				b.validationError(fmt.Errorf("%s on %s queue: pipeline %q is not live", cmd.Op, typ, cmd.Pipeline.Name()))
			}
		case rhi.OpDraw, rhi.OpDrawIndexed:
			b.stats.draws.Add(1)
		case rhi.OpDispatch:
			b.stats.dispatches.Add(1)
		case rhi.OpSetViewport:
		default:
			b.validationError(fmt.Errorf("unknown command %s on %s queue", cmd.Op, typ))
		}
	}
}

func (b *Backend) nativeBuffer(buf *rhi.Buffer) *buffer {
	nb, ok := buf.Native().(*buffer)
	if !ok || nb.released.Load() {
		b.validationError(fmt.Errorf("buffer %q is not live", buf.Name()))
		return nil
	}
	return nb
}

func (b *Backend) nativeTexture(t *rhi.Texture) *texture {
	nt, ok := t.Native().(*texture)
	if !ok || nt.released.Load() {
		b.validationError(fmt.Errorf("texture %q is not live", t.Name()))
		return nil
	}
	return nt
}

func (b *Backend) barrier(br rhi.Barrier) {
	b.stats.barriers.Add(1)
	switch {
	case br.Buffer != nil:
		buf := b.nativeBuffer(br.Buffer)
		if buf == nil {
			return
		}
		if buf.state != br.Before {
			b.validationError(fmt.Errorf("%s: buffer %q is in %s", br, buf.name(), buf.state))
		}
		if br.Kind == rhi.BarrierUAV && br.After != rhi.StateUnorderedAccess {
			b.validationError(fmt.Errorf("%s: UAV barrier outside UnorderedAccess", br))
		}
		buf.state = br.After
	case br.Texture != nil:
		tex := b.nativeTexture(br.Texture)
		if tex == nil {
			return
		}
		if br.Subresource == rhi.AllSubresources {
			for i, s := range tex.states {
				if s != br.Before {
					b.validationError(fmt.Errorf("%s: texture %q subresource %d is in %s", br, tex.name(), i, s))
					break
				}
			}
			for i := range tex.states {
				tex.states[i] = br.After
			}
			return
		}
		if br.Subresource >= uint32(len(tex.states)) {
			b.validationError(fmt.Errorf("%s: subresource out of range", br))
			return
		}
		if s := tex.states[br.Subresource]; s != br.Before {
			b.validationError(fmt.Errorf("%s: texture %q is in %s", br, tex.name(), s))
		}
		tex.states[br.Subresource] = br.After
	default:
		b.validationError(errors.New("barrier without a resource"))
	}
}

// expectBuffer checks the state a command needs. Upload and readback
// buffers stay in their heap state.
func (b *Backend) expectBuffer(op rhi.CommandOp, buf *buffer, want rhi.ResourceState) {
	switch buf.heap {
	case rhi.HeapUpload:
		want = rhi.StateGenericRead
	case rhi.HeapReadback:
		want = rhi.StateCopyDest
	}
	if buf.state != want {
		b.validationError(fmt.Errorf("%s: buffer %q is in %s, want %s", op, buf.name(), buf.state, want))
	}
}

func (b *Backend) expectTexture(op rhi.CommandOp, tex *texture, want rhi.ResourceState) {
	for i := range tex.states {
		if tex.states[i] != want {
			b.validationError(fmt.Errorf("%s: texture %q subresource %d is in %s, want %s",
				op, tex.name(), i, tex.states[i], want))
			return
		}
	}
}

func (b *Backend) expectSubresource(op rhi.CommandOp, tex *texture, index uint32, want rhi.ResourceState) {
	if index >= uint32(len(tex.states)) || tex.states[index] != want {
		b.validationError(fmt.Errorf("%s: texture %q subresource %d not in %s", op, tex.name(), index, want))
	}
}
