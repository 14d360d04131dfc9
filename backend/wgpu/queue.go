//go:build !nogpu

package wgpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/rhi"
	"github.com/gogpu/wgpu/hal"
)

type inFlight struct {
	bufs  []hal.CommandBuffer
	value uint64
}

// queue is one rhi queue: a hal fence plus the command buffers waiting on
// it. Work goes to the device's single hal queue.
type queue struct {
	b     *Backend
	typ   rhi.QueueType
	fence hal.Fence

	mu        sync.Mutex
	signaled  uint64
	completed uint64
	pending   []inFlight
	released  bool
}

// Submit encodes every list and submits them with one fence signal.
func (q *queue) Submit(lists []*rhi.CommandList, value uint64) error {
	bufs := make([]hal.CommandBuffer, 0, len(lists))
	for _, l := range lists {
		cb, err := q.b.encode(l)
		if err != nil {
			q.free(bufs)
			return err
		}
		bufs = append(bufs, cb)
	}
	if err := q.submit(bufs, value); err != nil {
		q.free(bufs)
		return err
	}
	q.mu.Lock()
	q.pending = append(q.pending, inFlight{bufs: bufs, value: value})
	q.mu.Unlock()
	return nil
}

func (q *queue) Signal(value uint64) error {
	return q.submit(nil, value)
}

func (q *queue) submit(bufs []hal.CommandBuffer, value uint64) error {
	q.b.submitMu.Lock()
	defer q.b.submitMu.Unlock()

	q.mu.Lock()
	released := q.released
	q.mu.Unlock()
	if released {
		return fmt.Errorf("wgpu: %s queue released", q.typ)
	}
	if err := q.b.queue.Submit(bufs, q.fence, value); err != nil {
		return fmt.Errorf("wgpu: submit to %s queue: %w", q.typ, err)
	}
	q.mu.Lock()
	q.signaled = value
	q.mu.Unlock()
	return nil
}

// CompletedValue polls the fence with a zero timeout.
func (q *queue) CompletedValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pollLocked()
	return q.completed
}

func (q *queue) pollLocked() {
	if q.released || q.completed >= q.signaled {
		return
	}
	if ok, err := q.b.device.Wait(q.fence, q.signaled, 0); err == nil && ok {
		q.completed = q.signaled
	} else {
		for v := q.completed + 1; v < q.signaled; v++ {
			ok, err := q.b.device.Wait(q.fence, v, 0)
			if err != nil || !ok {
				break
			}
			q.completed = v
		}
	}
	q.retireLocked()
}

func (q *queue) retireLocked() {
	kept := q.pending[:0]
	for _, f := range q.pending {
		if f.value <= q.completed {
			q.free(f.bufs)
			continue
		}
		kept = append(kept, f)
	}
	clear(q.pending[len(kept):])
	q.pending = kept
}

func (q *queue) free(bufs []hal.CommandBuffer) {
	for _, cb := range bufs {
		q.b.device.FreeCommandBuffer(cb)
	}
}

// Wait blocks in the hal fence wait. A timeout means the GPU stopped
// making progress.
func (q *queue) Wait(value uint64) error {
	ok, err := q.b.device.Wait(q.fence, value, q.b.opts.FenceTimeout)
	if err != nil {
		return fmt.Errorf("wgpu: wait for %d on %s queue: %w", value, q.typ, err)
	}
	if !ok {
		return fmt.Errorf("wgpu: %w: fence %d not reached after %v", rhi.ErrDeviceLost, value, q.b.opts.FenceTimeout)
	}
	q.mu.Lock()
	if value > q.completed {
		q.completed = value
	}
	q.retireLocked()
	q.mu.Unlock()
	return nil
}

// Release frees retired command buffers and destroys the fence. The core
// drains the queue before releasing it.
func (q *queue) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return
	}
	q.released = true
	for _, f := range q.pending {
		q.free(f.bufs)
	}
	q.pending = nil
	q.b.device.DestroyFence(q.fence)
}

// encoderState tracks bindings while a list is translated. Bindings
// outlive render passes and are re-applied when a new pass begins.
type encoderState struct {
	enc      hal.CommandEncoder
	rp       hal.RenderPassEncoder
	pipeline *pipeline
	vertex   map[uint32]*buffer
	index    *buffer
	indexFmt gputypes.IndexFormat
	viewport *rhi.Viewport
	colors   []*texture
	depth    *texture
}

// encode translates one closed command list into a hal command buffer.
func (b *Backend) encode(l *rhi.CommandList) (hal.CommandBuffer, error) {
	enc, err := b.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: l.Name()})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(l.Name()); err != nil {
		return nil, fmt.Errorf("wgpu: begin encoding %q: %w", l.Name(), err)
	}
	st := &encoderState{enc: enc, vertex: make(map[uint32]*buffer)}

	cmds := l.Commands()
	for i := range cmds {
		if err := st.apply(&cmds[i]); err != nil {
			st.endPass()
			enc.DiscardEncoding()
			return nil, fmt.Errorf("wgpu: encode %q command %d (%s): %w", l.Name(), i, cmds[i].Op, err)
		}
	}
	st.endPass()

	cb, err := enc.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("wgpu: end encoding %q: %w", l.Name(), err)
	}
	return cb, nil
}

func (st *encoderState) endPass() {
	if st.rp != nil {
		st.rp.End()
		st.rp = nil
	}
}

func (st *encoderState) apply(cmd *rhi.Command) error {
	switch cmd.Op {
	case rhi.OpBarrier:
		st.endPass()
		st.barriers(cmd.Barriers)
	case rhi.OpCopyBuffer:
		st.endPass()
		src, dst := cmd.Src.Native().(*buffer), cmd.Dst.Native().(*buffer)
		st.enc.CopyBufferToBuffer(src.hb, dst.hb, []hal.BufferCopy{
			{SrcOffset: cmd.SrcOffset, DstOffset: cmd.DstOffset, Size: cmd.Size},
		})
	case rhi.OpCopyBufferToTexture:
		st.endPass()
		src, dst := cmd.Src.Native().(*buffer), cmd.Texture.Native().(*texture)
		st.enc.CopyBufferToTexture(src.hb, dst.ht, bufferTextureCopies(dst, cmd))
	case rhi.OpClearRenderTarget:
		st.endPass()
		tex := cmd.Texture.Native().(*texture)
		view, err := tex.attachment()
		if err != nil {
			return err
		}
		c := cmd.ClearColor
		st.enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: "clear_" + *tex.label.Load(),
			ColorAttachments: []hal.RenderPassColorAttachment{{
				View:       view,
				LoadOp:     gputypes.LoadOpClear,
				StoreOp:    gputypes.StoreOpStore,
				ClearValue: gputypes.Color{R: float64(c[0]), G: float64(c[1]), B: float64(c[2]), A: float64(c[3])},
			}},
		}).End()
	case rhi.OpClearDepthStencil:
		st.endPass()
		tex := cmd.Texture.Native().(*texture)
		view, err := tex.attachment()
		if err != nil {
			return err
		}
		ds := &hal.RenderPassDepthStencilAttachment{
			View:            view,
			DepthLoadOp:     gputypes.LoadOpClear,
			DepthStoreOp:    gputypes.StoreOpStore,
			DepthClearValue: cmd.ClearDepth,
		}
		if tex.desc.Format.HasStencil() {
			ds.StencilLoadOp = gputypes.LoadOpClear
			ds.StencilStoreOp = gputypes.StoreOpStore
			ds.StencilClearValue = uint32(cmd.ClearStencil)
		}
		st.enc.BeginRenderPass(&hal.RenderPassDescriptor{
			Label:                  "clear_" + *tex.label.Load(),
			DepthStencilAttachment: ds,
		}).End()
	case rhi.OpSetRenderTargets:
		st.endPass()
		st.colors = st.colors[:0]
		for _, t := range cmd.ColorTargets {
			st.colors = append(st.colors, t.Native().(*texture))
		}
		st.depth = nil
		if cmd.DepthTarget != nil {
			st.depth = cmd.DepthTarget.Native().(*texture)
		}
	case rhi.OpSetPipeline:
		st.pipeline = cmd.Pipeline.Native().(*pipeline)
		if st.rp != nil && st.pipeline.render != nil {
			st.rp.SetPipeline(st.pipeline.render)
		}
	case rhi.OpSetVertexBuffer:
		buf := cmd.Src.Native().(*buffer)
		st.vertex[cmd.Slot] = buf
		if st.rp != nil {
			st.rp.SetVertexBuffer(cmd.Slot, buf.hb, 0)
		}
	case rhi.OpSetIndexBuffer:
		st.index = cmd.Src.Native().(*buffer)
		st.indexFmt = gputypes.IndexFormatUint16
		if cmd.Src.Stride() == 4 {
			st.indexFmt = gputypes.IndexFormatUint32
		}
		if st.rp != nil {
			st.rp.SetIndexBuffer(st.index.hb, st.indexFmt, 0)
		}
	case rhi.OpSetViewport:
		v := cmd.Viewport
		st.viewport = &v
		if st.rp != nil {
			st.rp.SetViewport(v.X, v.Y, v.Width, v.Height, v.MinDepth, v.MaxDepth)
		}
	case rhi.OpDraw, rhi.OpDrawIndexed:
		if err := st.beginPass(); err != nil {
			return err
		}
		if cmd.Op == rhi.OpDraw {
			st.rp.Draw(cmd.Count, cmd.InstanceCount, cmd.First, cmd.FirstInstance)
		} else {
			st.rp.DrawIndexed(cmd.Count, cmd.InstanceCount, cmd.First, cmd.BaseVertex, cmd.FirstInstance)
		}
	case rhi.OpDispatch:
		st.endPass()
		if st.pipeline == nil || st.pipeline.compute == nil {
			return fmt.Errorf("%w: no compute pipeline", rhi.ErrValidation)
		}
		pass := st.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "dispatch"})
		pass.SetPipeline(st.pipeline.compute)
		pass.Dispatch(cmd.Groups[0], cmd.Groups[1], cmd.Groups[2])
		pass.End()
	default:
		return fmt.Errorf("%w: unsupported command", rhi.ErrValidation)
	}
	return nil
}

// beginPass opens a render pass over the bound targets, loading their
// contents, and re-applies every binding.
func (st *encoderState) beginPass() error {
	if st.rp != nil {
		return nil
	}
	desc := &hal.RenderPassDescriptor{Label: "draw"}
	for _, t := range st.colors {
		view, err := t.attachment()
		if err != nil {
			return err
		}
		desc.ColorAttachments = append(desc.ColorAttachments, hal.RenderPassColorAttachment{
			View:    view,
			LoadOp:  gputypes.LoadOpLoad,
			StoreOp: gputypes.StoreOpStore,
		})
	}
	if st.depth != nil {
		view, err := st.depth.attachment()
		if err != nil {
			return err
		}
		ds := &hal.RenderPassDepthStencilAttachment{
			View:         view,
			DepthLoadOp:  gputypes.LoadOpLoad,
			DepthStoreOp: gputypes.StoreOpStore,
		}
		if st.depth.desc.Format.HasStencil() {
			ds.StencilLoadOp = gputypes.LoadOpLoad
			ds.StencilStoreOp = gputypes.StoreOpStore
		}
		desc.DepthStencilAttachment = ds
	}
	st.rp = st.enc.BeginRenderPass(desc)

	if st.pipeline != nil && st.pipeline.render != nil {
		st.rp.SetPipeline(st.pipeline.render)
	}
	for slot, buf := range st.vertex {
		st.rp.SetVertexBuffer(slot, buf.hb, 0)
	}
	if st.index != nil {
		st.rp.SetIndexBuffer(st.index.hb, st.indexFmt, 0)
	}
	if v := st.viewport; v != nil {
		st.rp.SetViewport(v.X, v.Y, v.Width, v.Height, v.MinDepth, v.MaxDepth)
	}
	return nil
}

// barriers translates one barrier batch. UAV barriers have no WebGPU
// equivalent; the HAL orders storage writes itself.
func (st *encoderState) barriers(batch []rhi.Barrier) {
	var bufs []hal.BufferBarrier
	var texs []hal.TextureBarrier
	for _, br := range batch {
		if br.Kind != rhi.BarrierTransition {
			continue
		}
		switch {
		case br.Buffer != nil:
			bufs = append(bufs, hal.BufferBarrier{
				Buffer: br.Buffer.Native().(*buffer).hb,
				Usage: hal.BufferUsageTransition{
					OldUsage: stateBufferUsage(br.Before),
					NewUsage: stateBufferUsage(br.After),
				},
			})
		case br.Texture != nil:
			texs = append(texs, hal.TextureBarrier{
				Texture: br.Texture.Native().(*texture).ht,
				Usage: hal.TextureUsageTransition{
					OldUsage: stateTextureUsage(br.Before),
					NewUsage: stateTextureUsage(br.After),
				},
			})
		}
	}
	if len(bufs) > 0 {
		st.enc.TransitionBuffers(bufs)
	}
	if len(texs) > 0 {
		st.enc.TransitionTextures(texs)
	}
}

// copyPitchAlignment is the WebGPU alignment of BytesPerRow in buffer to
// texture copies.
const copyPitchAlignment = 256

// bufferTextureCopies describes a copy of tightly packed rows from a buffer
// into one texture subresource. Rows that are not aligned to
// copyPitchAlignment are copied one block row per region, since single-row
// regions carry no row pitch.
func bufferTextureCopies(dst *texture, cmd *rhi.Command) []hal.BufferTextureCopy {
	desc := &dst.desc
	w, h, d := desc.MipExtent(cmd.MipLevel)
	z := cmd.ArraySlice
	if desc.Type == rhi.Texture3D {
		z = 0
	}
	pitch := desc.RowPitch(cmd.MipLevel)
	rows := desc.Format.RowCount(h)

	if pitch%copyPitchAlignment == 0 || rows == 1 && d == 1 {
		return []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{Offset: cmd.SrcOffset, BytesPerRow: pitch, RowsPerImage: rows},
			TextureBase:  hal.ImageCopyTexture{Texture: dst.ht, MipLevel: cmd.MipLevel, Origin: hal.Origin3D{Z: z}},
			Size:         hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: d},
		}}
	}

	block := desc.Format.BlockDim()
	copies := make([]hal.BufferTextureCopy, 0, rows*d)
	offset := cmd.SrcOffset
	for layer := uint32(0); layer < d; layer++ {
		for row := uint32(0); row < rows; row++ {
			y := row * block
			copies = append(copies, hal.BufferTextureCopy{
				BufferLayout: hal.ImageDataLayout{Offset: offset},
				TextureBase: hal.ImageCopyTexture{
					Texture:  dst.ht,
					MipLevel: cmd.MipLevel,
					Origin:   hal.Origin3D{Y: y, Z: z + layer},
				},
				Size: hal.Extent3D{Width: w, Height: min(block, h-y), DepthOrArrayLayers: 1},
			})
			offset += uint64(pitch)
		}
	}
	return copies
}
