package rhi

import "fmt"

// CommandOp identifies a recorded command.
type CommandOp uint8

const (
	OpBarrier CommandOp = iota + 1
	OpCopyBuffer
	OpCopyBufferToTexture
	OpClearRenderTarget
	OpClearDepthStencil
	OpSetPipeline
	OpSetVertexBuffer
	OpSetIndexBuffer
	OpSetRenderTargets
	OpSetViewport
	OpDraw
	OpDrawIndexed
	OpDispatch
)

var opNames = [...]string{
	OpBarrier:             "Barrier",
	OpCopyBuffer:          "CopyBuffer",
	OpCopyBufferToTexture: "CopyBufferToTexture",
	OpClearRenderTarget:   "ClearRenderTarget",
	OpClearDepthStencil:   "ClearDepthStencil",
	OpSetPipeline:         "SetPipeline",
	OpSetVertexBuffer:     "SetVertexBuffer",
	OpSetIndexBuffer:      "SetIndexBuffer",
	OpSetRenderTargets:    "SetRenderTargets",
	OpSetViewport:         "SetViewport",
	OpDraw:                "Draw",
	OpDrawIndexed:         "DrawIndexed",
	OpDispatch:            "Dispatch",
}

func (op CommandOp) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("CommandOp(%d)", uint8(op))
}

// allowedOn reports whether op may be recorded on a list of type q.
func (op CommandOp) allowedOn(q QueueType) bool {
	switch q {
	case QueueCopy:
		return op == OpBarrier || op == OpCopyBuffer || op == OpCopyBufferToTexture
	case QueueCompute:
		switch op {
		case OpClearRenderTarget, OpClearDepthStencil, OpSetVertexBuffer, OpSetIndexBuffer,
			OpSetRenderTargets, OpSetViewport, OpDraw, OpDrawIndexed:
			return false
		}
	}
	return true
}

// Command is one recorded operation in API-neutral form. Backends translate
// commands at submit time. Which fields are set depends on Op.
type Command struct {
	Op CommandOp

	// OpBarrier
	Barriers []Barrier

	// Copies
	Src       *Buffer
	Dst       *Buffer
	SrcOffset uint64
	DstOffset uint64
	Size      uint64

	// CopyBufferToTexture and clears
	Texture    *Texture
	MipLevel   uint32
	ArraySlice uint32

	ClearColor   [4]float32
	ClearDepth   float32
	ClearStencil uint8

	Pipeline *Pipeline

	// SetVertexBuffer slot; SetIndexBuffer uses Src.
	Slot uint32

	ColorTargets []*Texture
	DepthTarget  *Texture
	Viewport     Viewport

	// Draw: Count vertices. DrawIndexed: Count indices.
	Count         uint32
	InstanceCount uint32
	First         uint32
	FirstInstance uint32
	BaseVertex    int32

	Groups [3]uint32
}

// CommandAllocator is the backing memory of recorded commands. It is owned
// by a queue and may be reset only after the fence value it was retired
// with has completed.
type CommandAllocator struct {
	queueType QueueType
	id        uint64
	commands  []Command
	barriers  []Barrier
}

// ID returns the allocator's identity within its queue.
func (a *CommandAllocator) ID() uint64 { return a.id }

// reset drops recorded commands, keeping capacity.
func (a *CommandAllocator) reset() {
	clear(a.commands)
	clear(a.barriers)
	a.commands = a.commands[:0]
	a.barriers = a.barriers[:0]
}
