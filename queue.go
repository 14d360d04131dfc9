package rhi

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

type retiredAllocator struct {
	alloc *CommandAllocator
	fence uint64
}

// CommandQueue submits command lists to one native queue and owns its fence.
//
// Fence values are strictly increasing. Submissions are serialized so that
// values reach the native fence in order; CompletedValue is re-queried from
// the native fence on every call and never exceeds LastSignaledValue.
//
// CommandQueue is safe for concurrent use.
type CommandQueue struct {
	typ    QueueType
	native NativeQueue
	logger *slog.Logger

	submitMu sync.Mutex
	signaled atomic.Uint64

	// mu guards the allocator queues.
	mu        sync.Mutex
	available []*CommandAllocator
	inFlight  []retiredAllocator

	nextAllocID atomic.Uint64
	submissions atomic.Uint64
	lost        atomic.Bool
	released    atomic.Bool
}

// NewCommandQueue creates a queue of type typ on backend.
func NewCommandQueue(backend Backend, typ QueueType, logger *slog.Logger) (*CommandQueue, error) {
	if typ >= queueTypeCount {
		return nil, fmt.Errorf("%w: unknown queue type %s", ErrValidation, typ)
	}
	native, err := backend.CreateQueue(typ)
	if err != nil {
		return nil, allocationFailure(fmt.Sprintf("create %s queue", typ), err)
	}
	return &CommandQueue{typ: typ, native: native, logger: orNop(logger)}, nil
}

// Type returns the queue type.
func (q *CommandQueue) Type() QueueType { return q.typ }

// LastSignaledValue returns the highest fence value submitted to the
// native queue.
func (q *CommandQueue) LastSignaledValue() uint64 { return q.signaled.Load() }

// CompletedValue queries the native fence.
func (q *CommandQueue) CompletedValue() uint64 {
	v := q.native.CompletedValue()
	if last := q.signaled.Load(); v > last {
		// A fence never reports values the queue has not signaled.
		v = last
	}
	return v
}

// IsFenceComplete reports whether the GPU reached v.
func (q *CommandQueue) IsFenceComplete(v uint64) bool {
	return q.CompletedValue() >= v
}

// NewCommandList creates a list for this queue in the Initial state. Call
// Reset to start recording.
func (q *CommandQueue) NewCommandList(name string) *CommandList {
	return &CommandList{queue: q, typ: q.typ, name: name, logger: q.logger}
}

// BeginCommandList creates a list that is already recording.
func (q *CommandQueue) BeginCommandList(name string) *CommandList {
	l := q.NewCommandList(name)
	_ = l.Reset() // A fresh list is never recording.
	return l
}

// ExecuteCommandLists submits lists in order and returns the fence value
// that signals their completion. Executing no lists submits nothing and
// returns CompletedValue.
func (q *CommandQueue) ExecuteCommandLists(lists ...*CommandList) (uint64, error) {
	if len(lists) == 0 {
		return q.CompletedValue(), nil
	}
	for i, l := range lists {
		switch {
		case l == nil:
			return 0, fmt.Errorf("%w: list %d is nil", ErrCommandListState, i)
		case l.err != nil:
			return 0, fmt.Errorf("rhi: execute failed list %q: %w", l.name, l.err)
		case l.state != CommandListClosed:
			return 0, fmt.Errorf("%w: list %q is %s", ErrCommandListState, l.name, l.state)
		case l.typ != q.typ:
			return 0, fmt.Errorf("%w: %s list on %s queue", ErrQueueTypeMismatch, l.typ, q.typ)
		case l.queue != q:
			return 0, fmt.Errorf("%w: list %q belongs to another queue", ErrCommandListState, l.name)
		case slices.Contains(lists[:i], l):
			return 0, fmt.Errorf("%w: list %q appears twice", ErrCommandListState, l.name)
		}
	}
	if q.lost.Load() {
		return 0, ErrDeviceLost
	}

	q.submitMu.Lock()
	v := q.signaled.Load() + 1
	if err := q.native.Submit(lists, v); err != nil {
		q.submitMu.Unlock()
		return 0, q.nativeFailure("submit", err)
	}
	q.signaled.Store(v)
	q.submitMu.Unlock()

	q.submissions.Add(1)
	for _, l := range lists {
		q.DiscardAllocator(l.detach(), v)
	}
	q.logger.Debug("rhi: command lists executed", "queue", q.typ, "lists", len(lists), "fence", v)
	return v, nil
}

// Signal signals a fresh fence value after all submitted work and returns it.
func (q *CommandQueue) Signal() (uint64, error) {
	if q.lost.Load() {
		return 0, ErrDeviceLost
	}
	q.submitMu.Lock()
	defer q.submitMu.Unlock()

	v := q.signaled.Load() + 1
	if err := q.native.Signal(v); err != nil {
		return 0, q.nativeFailure("signal", err)
	}
	q.signaled.Store(v)
	return v, nil
}

// WaitForFence blocks until the fence reaches v. It returns immediately
// when v has already completed and fails with ErrFenceNotSignaled for
// values never signaled.
func (q *CommandQueue) WaitForFence(v uint64) error {
	if q.CompletedValue() >= v {
		return nil
	}
	if v > q.signaled.Load() {
		return fmt.Errorf("%w: %d > last signaled %d on %s queue", ErrFenceNotSignaled, v, q.signaled.Load(), q.typ)
	}
	if q.lost.Load() {
		return ErrDeviceLost
	}
	if err := q.native.Wait(v); err != nil {
		return q.nativeFailure("wait", err)
	}
	return nil
}

// WaitForIdle signals a fresh value and waits for it, draining the queue.
func (q *CommandQueue) WaitForIdle() error {
	v, err := q.Signal()
	if err != nil {
		return err
	}
	return q.WaitForFence(v)
}

// nativeFailure records a native queue failure. Queue failures are not
// recoverable, so every one of them marks the device lost.
func (q *CommandQueue) nativeFailure(op string, err error) error {
	if q.lost.CompareAndSwap(false, true) {
		q.logger.Error("rhi: device lost", "queue", q.typ, "op", op, "err", err)
	}
	if errors.Is(err, ErrDeviceLost) {
		return fmt.Errorf("rhi: %s queue %s: %w", q.typ, op, err)
	}
	return fmt.Errorf("rhi: %s queue %s: %w: %w", q.typ, op, ErrDeviceLost, err)
}

// IsLost reports whether a native failure marked the device lost.
func (q *CommandQueue) IsLost() bool { return q.lost.Load() }

// RequestAllocator returns an allocator ready for recording. In-flight
// allocators whose fence has completed are recycled first.
func (q *CommandQueue) RequestAllocator() *CommandAllocator {
	completed := q.CompletedValue()

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.inFlight[:0]
	for _, r := range q.inFlight {
		if r.fence <= completed {
			r.alloc.reset()
			q.available = append(q.available, r.alloc)
			continue
		}
		kept = append(kept, r)
	}
	clear(q.inFlight[len(kept):])
	q.inFlight = kept

	if n := len(q.available); n > 0 {
		a := q.available[n-1]
		q.available[n-1] = nil
		q.available = q.available[:n-1]
		return a
	}
	return &CommandAllocator{queueType: q.typ, id: q.nextAllocID.Add(1)}
}

// DiscardAllocator hands a back to the queue. It is reused only after the
// fence reaches v.
func (q *CommandQueue) DiscardAllocator(a *CommandAllocator, v uint64) {
	if a == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight = append(q.inFlight, retiredAllocator{alloc: a, fence: v})
}

// QueueStats is a snapshot of queue counters.
type QueueStats struct {
	Type               QueueType
	LastSignaled       uint64
	Completed          uint64
	Submissions        uint64
	AllocatorsCreated  uint64
	AllocatorsFree     int
	AllocatorsInFlight int
}

// Stats returns advisory counters.
func (q *CommandQueue) Stats() QueueStats {
	q.mu.Lock()
	free, inFlight := len(q.available), len(q.inFlight)
	q.mu.Unlock()
	return QueueStats{
		Type:               q.typ,
		LastSignaled:       q.signaled.Load(),
		Completed:          q.CompletedValue(),
		Submissions:        q.submissions.Load(),
		AllocatorsCreated:  q.nextAllocID.Load(),
		AllocatorsFree:     free,
		AllocatorsInFlight: inFlight,
	}
}

// Release frees the native queue. Callers drain it with WaitForIdle first.
func (q *CommandQueue) Release() {
	if !q.released.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	q.available = nil
	q.inFlight = nil
	q.mu.Unlock()
	q.native.Release()
}
