package soft

import (
	"fmt"
	"sync"

	"github.com/gogpu/rhi"
)

type batch struct {
	lists [][]rhi.Command
	value uint64
}

// queue executes batches in submission order on its own goroutine.
type queue struct {
	b   *Backend
	typ rhi.QueueType

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []batch
	completed uint64
	paused    bool
	lost      bool
	closed    bool

	done chan struct{}
}

func newQueue(b *Backend, typ rhi.QueueType, paused bool) *queue {
	q := &queue{b: b, typ: typ, paused: paused, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit snapshots the command slices; the core keeps them intact until
// the fence reaches value.
func (q *queue) Submit(lists []*rhi.CommandList, value uint64) error {
	cmds := make([][]rhi.Command, len(lists))
	for i, l := range lists {
		cmds[i] = l.Commands()
	}
	return q.enqueue(batch{lists: cmds, value: value})
}

func (q *queue) Signal(value uint64) error {
	return q.enqueue(batch{value: value})
}

func (q *queue) enqueue(bt batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case q.lost:
		return rhi.ErrDeviceLost
	case q.closed:
		return fmt.Errorf("soft: %s queue released", q.typ)
	}
	q.pending = append(q.pending, bt)
	q.cond.Broadcast()
	return nil
}

func (q *queue) CompletedValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Wait blocks on the queue condition until the worker reaches value.
func (q *queue) Wait(value uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.completed < value {
		switch {
		case q.lost:
			return rhi.ErrDeviceLost
		case q.closed:
			return fmt.Errorf("soft: %s queue released while waiting for %d", q.typ, value)
		}
		q.cond.Wait()
	}
	return nil
}

func (q *queue) setPaused(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) lose() {
	q.mu.Lock()
	q.lost = true
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Release stops the worker. Pending work is dropped.
func (q *queue) Release() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done
	q.b.removeQueue(q)
}

func (q *queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.closed && !q.lost && (q.paused || len(q.pending) == 0) {
			q.cond.Wait()
		}
		if q.closed || q.lost {
			q.mu.Unlock()
			return
		}
		bt := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.b.memMu.Lock()
		for _, cmds := range bt.lists {
			q.b.execute(q.typ, cmds)
		}
		q.b.memMu.Unlock()

		q.mu.Lock()
		if !q.lost && bt.value > q.completed {
			q.completed = bt.value
		}
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}
