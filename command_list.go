package rhi

import (
	"fmt"
	"log/slog"
)

// CommandListState is the recording state of a command list.
type CommandListState uint8

const (
	CommandListInitial CommandListState = iota
	CommandListRecording
	CommandListClosed
	CommandListSubmitted
)

func (s CommandListState) String() string {
	switch s {
	case CommandListInitial:
		return "Initial"
	case CommandListRecording:
		return "Recording"
	case CommandListClosed:
		return "Closed"
	case CommandListSubmitted:
		return "Submitted"
	default:
		return fmt.Sprintf("CommandListState(%d)", uint8(s))
	}
}

// CommandList records commands for one queue.
//
// State machine:
//
//	Initial   -> Reset()               -> Recording
//	Recording -> Close()               -> Closed
//	Closed    -> ExecuteCommandLists() -> Submitted
//	Closed    -> Reset()               -> Recording (allocator recycled)
//	Submitted -> Reset()               -> Recording (new allocator)
//
// Recording methods do not return errors. The first failure puts the list
// in a failed state: later commands are ignored, Close returns the error
// and queues refuse to execute the list.
//
// Resource operands are transitioned automatically into the state each
// command needs. Barriers accumulate and are emitted as one batch before
// the next non-barrier command or at Close.
//
// Tracked resource states change at record time. A list that fails, or is
// reset without being executed, reverts the transitions it recorded.
//
// CommandList is NOT safe for concurrent use.
type CommandList struct {
	queue  *CommandQueue
	typ    QueueType
	name   string
	logger *slog.Logger

	state   CommandListState
	alloc   *CommandAllocator
	pending []Barrier
	undo    []Barrier
	err     error

	pipeline    *Pipeline
	targets     int
	indexBuffer *Buffer
}

// Type returns the queue type the list records for.
func (l *CommandList) Type() QueueType { return l.typ }

// Name returns the debug name.
func (l *CommandList) Name() string { return l.name }

// State returns the recording state.
func (l *CommandList) State() CommandListState { return l.state }

// Err returns the first recording error, if any.
func (l *CommandList) Err() error { return l.err }

// Commands returns the recorded commands. The slice lives in allocator
// memory and stays valid until the fence value the list was executed with
// completes.
func (l *CommandList) Commands() []Command {
	if l.alloc == nil {
		return nil
	}
	return l.alloc.commands
}

// Reset starts a new recording with a fresh allocator from the owning
// queue. A closed list that was never executed gives its allocator back
// first.
func (l *CommandList) Reset() error {
	if l.state == CommandListRecording {
		return fmt.Errorf("%w: reset while recording %q", ErrCommandListState, l.name)
	}
	if l.alloc != nil {
		l.rollback()
		l.queue.DiscardAllocator(l.alloc, 0)
		l.alloc = nil
	}
	l.alloc = l.queue.RequestAllocator()
	l.pending = l.pending[:0]
	l.err = nil
	l.pipeline = nil
	l.targets = 0
	l.indexBuffer = nil
	l.state = CommandListRecording
	return nil
}

// Close ends recording, flushing pending barriers.
func (l *CommandList) Close() error {
	if l.state != CommandListRecording {
		return fmt.Errorf("%w: close in state %s", ErrCommandListState, l.state)
	}
	l.flushBarriers()
	l.state = CommandListClosed
	return l.err
}

// detach hands the allocator to the queue after submission.
func (l *CommandList) detach() *CommandAllocator {
	a := l.alloc
	l.alloc = nil
	clear(l.undo)
	l.undo = l.undo[:0]
	l.state = CommandListSubmitted
	return a
}

// rollback reverts the recorded transitions, newest first.
func (l *CommandList) rollback() {
	for i := len(l.undo) - 1; i >= 0; i-- {
		b := l.undo[i]
		if b.Buffer != nil {
			b.Buffer.revert(b)
		} else {
			b.Texture.revert(b)
		}
	}
	clear(l.undo)
	l.undo = l.undo[:0]
}

// track remembers the transitions appended to pending since index from.
func (l *CommandList) track(from int) {
	for _, b := range l.pending[from:] {
		if b.Kind == BarrierTransition {
			l.undo = append(l.undo, b)
		}
	}
}

func (l *CommandList) fail(op CommandOp, err error) {
	if l.err != nil {
		return
	}
	l.rollback()
	l.err = fmt.Errorf("rhi: %s on %q: %w", op, l.name, err)
	l.logger.Warn("rhi: command recording failed", "list", l.name, "op", op, "err", err)
}

// begin checks that op may be recorded now.
func (l *CommandList) begin(op CommandOp) bool {
	if l.err != nil {
		return false
	}
	if l.state != CommandListRecording {
		l.fail(op, fmt.Errorf("%w: %s", ErrCommandListState, l.state))
		return false
	}
	if !op.allowedOn(l.typ) {
		l.fail(op, fmt.Errorf("%w: %s list", ErrQueueTypeMismatch, l.typ))
		return false
	}
	return true
}

func (l *CommandList) record(cmd Command) {
	l.flushBarriers()
	l.alloc.commands = append(l.alloc.commands, cmd)
}

func (l *CommandList) flushBarriers() {
	if len(l.pending) == 0 {
		return
	}
	a := l.alloc
	start := len(a.barriers)
	a.barriers = append(a.barriers, l.pending...)
	batch := a.barriers[start:len(a.barriers):len(a.barriers)]
	a.commands = append(a.commands, Command{Op: OpBarrier, Barriers: batch})
	l.pending = l.pending[:0]
	l.logger.Debug("rhi: barrier batch", "list", l.name, "count", len(batch))
}

// stateAllowedOn reports whether a list of type q may move resources into s.
func stateAllowedOn(q QueueType, s ResourceState) bool {
	switch q {
	case QueueCopy:
		switch s {
		case StateCommon, StateCopyDest, StateCopySource, StateGenericRead:
			return true
		}
		return false
	case QueueCompute:
		switch s {
		case StateRenderTarget, StateDepthWrite, StateDepthRead, StateVertexAndConstantBuffer,
			StateIndexBuffer, StateResolveDest, StateResolveSource, StatePresent:
			return false
		}
	}
	return true
}

func (l *CommandList) transitionBuffer(op CommandOp, b *Buffer, s ResourceState) bool {
	if b.heap != HeapDefault {
		// Upload and readback buffers never leave their heap state.
		return true
	}
	if err := checkBufferState(b.desc.Usage, b.heap, s); err != nil {
		l.fail(op, err)
		return false
	}
	if !stateAllowedOn(l.typ, s) {
		l.fail(op, fmt.Errorf("%w: %s state on %s list", ErrQueueTypeMismatch, s, l.typ))
		return false
	}
	n := len(l.pending)
	l.pending = b.transition(s, l.pending)
	l.track(n)
	return true
}

func (l *CommandList) transitionTexture(op CommandOp, t *Texture, index uint32, s ResourceState) bool {
	if err := checkTextureState(t.desc.Usage, s); err != nil {
		l.fail(op, err)
		return false
	}
	if !stateAllowedOn(l.typ, s) {
		l.fail(op, fmt.Errorf("%w: %s state on %s list", ErrQueueTypeMismatch, s, l.typ))
		return false
	}
	n := len(l.pending)
	l.pending = t.transition(index, s, l.pending)
	l.track(n)
	return true
}

func (l *CommandList) validBuffer(op CommandOp, b *Buffer) bool {
	if b == nil || !b.IsValid() {
		l.fail(op, ErrResourceInvalid)
		return false
	}
	return true
}

func (l *CommandList) validTexture(op CommandOp, t *Texture) bool {
	if t == nil || !t.IsValid() {
		l.fail(op, ErrResourceInvalid)
		return false
	}
	return true
}

// Transition moves a buffer into state s. Upload and readback buffers have
// a fixed state, so transitioning them to anything else fails.
func (l *CommandList) Transition(b *Buffer, s ResourceState) {
	if !l.begin(OpBarrier) || !l.validBuffer(OpBarrier, b) {
		return
	}
	if b.heap != HeapDefault {
		if err := checkBufferState(b.desc.Usage, b.heap, s); err != nil {
			l.fail(OpBarrier, err)
		}
		return
	}
	l.transitionBuffer(OpBarrier, b, s)
}

// TransitionTexture moves every subresource of t into state s.
func (l *CommandList) TransitionTexture(t *Texture, s ResourceState) {
	if !l.begin(OpBarrier) || !l.validTexture(OpBarrier, t) {
		return
	}
	l.transitionTexture(OpBarrier, t, AllSubresources, s)
}

// TransitionSubresource moves one subresource of t into state s.
func (l *CommandList) TransitionSubresource(t *Texture, index uint32, s ResourceState) {
	if !l.begin(OpBarrier) || !l.validTexture(OpBarrier, t) {
		return
	}
	if index >= t.SubresourceCount() {
		l.fail(OpBarrier, fmt.Errorf("%w: subresource %d of %d", ErrOutOfBounds, index, t.SubresourceCount()))
		return
	}
	l.transitionTexture(OpBarrier, t, index, s)
}

// UAVBarrier orders unordered-access writes to b against later accesses.
func (l *CommandList) UAVBarrier(b *Buffer) {
	if !l.begin(OpBarrier) || !l.validBuffer(OpBarrier, b) {
		return
	}
	l.pending = append(l.pending, Barrier{Kind: BarrierUAV, Buffer: b, Subresource: AllSubresources,
		Before: b.CurrentState(), After: b.CurrentState()})
}

// UAVBarrierTexture orders unordered-access writes to t against later accesses.
func (l *CommandList) UAVBarrierTexture(t *Texture) {
	if !l.begin(OpBarrier) || !l.validTexture(OpBarrier, t) {
		return
	}
	s := t.CurrentState()
	l.pending = append(l.pending, Barrier{Kind: BarrierUAV, Texture: t, Subresource: AllSubresources, Before: s, After: s})
}

// CopyBuffer copies size bytes from src at srcOffset to dst at dstOffset.
func (l *CommandList) CopyBuffer(dst *Buffer, dstOffset uint64, src *Buffer, srcOffset, size uint64) {
	const op = OpCopyBuffer
	if !l.begin(op) || !l.validBuffer(op, dst) || !l.validBuffer(op, src) {
		return
	}
	switch {
	case size == 0:
		l.fail(op, fmt.Errorf("%w: zero-sized copy", ErrOutOfBounds))
		return
	case srcOffset > src.Size() || size > src.Size()-srcOffset:
		l.fail(op, fmt.Errorf("%w: source [%d, %d) of %d", ErrOutOfBounds, srcOffset, srcOffset+size, src.Size()))
		return
	case dstOffset > dst.Size() || size > dst.Size()-dstOffset:
		l.fail(op, fmt.Errorf("%w: destination [%d, %d) of %d", ErrOutOfBounds, dstOffset, dstOffset+size, dst.Size()))
		return
	case dst == src && srcOffset < dstOffset+size && dstOffset < srcOffset+size:
		l.fail(op, fmt.Errorf("%w: overlapping copy within %q", ErrOutOfBounds, src.Name()))
		return
	case dst.heap == HeapUpload:
		l.fail(op, fmt.Errorf("%w: upload buffers cannot be copy destinations", ErrInvalidUsage))
		return
	case src.heap == HeapReadback:
		l.fail(op, fmt.Errorf("%w: readback buffers cannot be copy sources", ErrInvalidUsage))
		return
	}
	if !l.transitionBuffer(op, src, StateCopySource) || !l.transitionBuffer(op, dst, StateCopyDest) {
		return
	}
	l.record(Command{Op: op, Src: src, Dst: dst, SrcOffset: srcOffset, DstOffset: dstOffset, Size: size})
}

// CopyBufferToTexture copies one tightly packed subresource from src at
// srcOffset into mip level mip of array slice slice of dst.
func (l *CommandList) CopyBufferToTexture(dst *Texture, mip, slice uint32, src *Buffer, srcOffset uint64) {
	const op = OpCopyBufferToTexture
	if !l.begin(op) || !l.validTexture(op, dst) || !l.validBuffer(op, src) {
		return
	}
	if mip >= dst.desc.MipLevels {
		l.fail(op, fmt.Errorf("%w: mip %d of %d", ErrInvalidMipLevel, mip, dst.desc.MipLevels))
		return
	}
	if slice >= dst.desc.ArraySize() {
		l.fail(op, fmt.Errorf("%w: slice %d of %d", ErrInvalidArraySlice, slice, dst.desc.ArraySize()))
		return
	}
	if dst.desc.SampleCount > 1 {
		l.fail(op, fmt.Errorf("%w: cannot copy into multisampled textures", ErrInvalidSampleCount))
		return
	}
	need := dst.desc.SubresourceSize(mip)
	if srcOffset > src.Size() || need > src.Size()-srcOffset {
		l.fail(op, fmt.Errorf("%w: source needs %d bytes at %d, buffer has %d", ErrOutOfBounds, need, srcOffset, src.Size()))
		return
	}
	if src.heap == HeapReadback {
		l.fail(op, fmt.Errorf("%w: readback buffers cannot be copy sources", ErrInvalidUsage))
		return
	}
	if !l.transitionBuffer(op, src, StateCopySource) ||
		!l.transitionTexture(op, dst, dst.SubresourceIndex(mip, slice), StateCopyDest) {
		return
	}
	l.record(Command{Op: op, Src: src, SrcOffset: srcOffset, Size: need, Texture: dst, MipLevel: mip, ArraySlice: slice})
}

// ClearRenderTarget fills every subresource of a render target with color.
func (l *CommandList) ClearRenderTarget(t *Texture, color [4]float32) {
	const op = OpClearRenderTarget
	if !l.begin(op) || !l.validTexture(op, t) {
		return
	}
	if !l.transitionTexture(op, t, AllSubresources, StateRenderTarget) {
		return
	}
	l.record(Command{Op: op, Texture: t, ClearColor: color})
}

// ClearDepthStencil clears a depth-stencil texture.
func (l *CommandList) ClearDepthStencil(t *Texture, depth float32, stencil uint8) {
	const op = OpClearDepthStencil
	if !l.begin(op) || !l.validTexture(op, t) {
		return
	}
	if !l.transitionTexture(op, t, AllSubresources, StateDepthWrite) {
		return
	}
	l.record(Command{Op: op, Texture: t, ClearDepth: depth, ClearStencil: stencil})
}

// SetPipeline binds a pipeline. Compute lists accept compute pipelines only.
func (l *CommandList) SetPipeline(p *Pipeline) {
	const op = OpSetPipeline
	if !l.begin(op) {
		return
	}
	if p == nil || !p.IsValid() {
		l.fail(op, ErrResourceInvalid)
		return
	}
	if l.typ == QueueCompute && p.Kind() != PipelineCompute {
		l.fail(op, fmt.Errorf("%w: graphics pipeline on compute list", ErrQueueTypeMismatch))
		return
	}
	l.pipeline = p
	l.record(Command{Op: op, Pipeline: p})
}

// SetVertexBuffer binds b to vertex buffer slot.
func (l *CommandList) SetVertexBuffer(slot uint32, b *Buffer) {
	const op = OpSetVertexBuffer
	if !l.begin(op) || !l.validBuffer(op, b) {
		return
	}
	if !b.Usage().Any(UsageVertexBuffer) {
		l.fail(op, fmt.Errorf("%w: %q is not a vertex buffer", ErrInvalidUsage, b.Name()))
		return
	}
	if !l.transitionBuffer(op, b, StateVertexAndConstantBuffer) {
		return
	}
	l.record(Command{Op: op, Slot: slot, Src: b})
}

// SetIndexBuffer binds b as the index buffer.
func (l *CommandList) SetIndexBuffer(b *Buffer) {
	const op = OpSetIndexBuffer
	if !l.begin(op) || !l.validBuffer(op, b) {
		return
	}
	if !b.Usage().Any(UsageIndexBuffer) {
		l.fail(op, fmt.Errorf("%w: %q is not an index buffer", ErrInvalidUsage, b.Name()))
		return
	}
	if !l.transitionBuffer(op, b, StateIndexBuffer) {
		return
	}
	l.indexBuffer = b
	l.record(Command{Op: op, Src: b})
}

// SetRenderTargets binds color targets and an optional depth target.
func (l *CommandList) SetRenderTargets(colors []*Texture, depth *Texture) {
	const op = OpSetRenderTargets
	if !l.begin(op) {
		return
	}
	if len(colors) == 0 && depth == nil {
		l.fail(op, fmt.Errorf("%w: no render targets", ErrValidation))
		return
	}
	for _, t := range colors {
		if !l.validTexture(op, t) || !l.transitionTexture(op, t, AllSubresources, StateRenderTarget) {
			return
		}
	}
	if depth != nil {
		if !l.validTexture(op, depth) || !l.transitionTexture(op, depth, AllSubresources, StateDepthWrite) {
			return
		}
	}
	l.targets = len(colors)
	if depth != nil {
		l.targets++
	}
	l.record(Command{Op: op, ColorTargets: append([]*Texture(nil), colors...), DepthTarget: depth})
}

// SetViewport sets the rasterizer viewport.
func (l *CommandList) SetViewport(v Viewport) {
	const op = OpSetViewport
	if !l.begin(op) {
		return
	}
	if v.Width <= 0 || v.Height <= 0 || v.MinDepth > v.MaxDepth {
		l.fail(op, fmt.Errorf("%w: viewport %+v", ErrValidation, v))
		return
	}
	l.record(Command{Op: op, Viewport: v})
}

func (l *CommandList) checkDraw(op CommandOp) bool {
	if l.pipeline == nil || l.pipeline.Kind() != PipelineGraphics {
		l.fail(op, fmt.Errorf("%w: no graphics pipeline bound", ErrValidation))
		return false
	}
	if l.targets == 0 {
		l.fail(op, fmt.Errorf("%w: no render targets bound", ErrValidation))
		return false
	}
	return true
}

// Draw records a non-indexed draw.
func (l *CommandList) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	const op = OpDraw
	if !l.begin(op) || !l.checkDraw(op) {
		return
	}
	l.record(Command{Op: op, Count: vertexCount, InstanceCount: instanceCount, First: firstVertex, FirstInstance: firstInstance})
}

// DrawIndexed records an indexed draw.
func (l *CommandList) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	const op = OpDrawIndexed
	if !l.begin(op) || !l.checkDraw(op) {
		return
	}
	if l.indexBuffer == nil {
		l.fail(op, fmt.Errorf("%w: no index buffer bound", ErrValidation))
		return
	}
	l.record(Command{Op: op, Count: indexCount, InstanceCount: instanceCount, First: firstIndex,
		BaseVertex: baseVertex, FirstInstance: firstInstance})
}

// Dispatch records a compute dispatch of x*y*z workgroups.
func (l *CommandList) Dispatch(x, y, z uint32) {
	const op = OpDispatch
	if !l.begin(op) {
		return
	}
	if l.pipeline == nil || l.pipeline.Kind() != PipelineCompute {
		l.fail(op, fmt.Errorf("%w: no compute pipeline bound", ErrValidation))
		return
	}
	if x == 0 || y == 0 || z == 0 {
		l.fail(op, fmt.Errorf("%w: empty dispatch %dx%dx%d", ErrValidation, x, y, z))
		return
	}
	l.record(Command{Op: op, Groups: [3]uint32{x, y, z}})
}
