// Package handle implements the slot-indexed, generation-stamped registry
// that backs every resource handle in rhi.
//
// A Table stores values in fixed-size pages that are never relocated, so
// lookups and validity checks are lock-free: they read the page directory
// through an atomic pointer and compare the slot generation. Only Allocate
// and Release take the table mutex.
//
// Released indices go to a FIFO free queue and are handed out again with a
// fresh generation, so a handle never matches a slot after it was released.
package handle

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	pageBits = 8
	pageSize = 1 << pageBits
	pageMask = pageSize - 1
)

// Handle is an opaque {index, generation} reference into a Table.
// The zero value is never issued and is always invalid.
type Handle struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.Index == 0 && h.Generation == 0
}

// String renders the handle for diagnostics.
func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.Index, h.Generation)
}

type slot[T any] struct {
	generation atomic.Uint32
	live       atomic.Bool
	value      atomic.Pointer[T]
}

type page[T any] [pageSize]slot[T]

// Table maps handles to *T values.
//
// Table is safe for concurrent use. Get and IsValid never block.
type Table[T any] struct {
	mu sync.Mutex

	// pages is replaced (never mutated in place) when the table grows.
	pages atomic.Pointer[[]*page[T]]

	// size is the number of slots ever used (high-water mark).
	size atomic.Uint32
	live atomic.Int64

	free []uint32
}

// New creates an empty table.
func New[T any]() *Table[T] {
	t := &Table[T]{}
	empty := make([]*page[T], 0)
	t.pages.Store(&empty)
	return t
}

// Allocate stores v in a free slot (reusing released indices first) and
// returns its handle. The slot generation is bumped on every allocation.
func (t *Table[T]) Allocate(v *T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	if len(t.free) > 0 {
		index = t.free[0]
		t.free = t.free[1:]
	} else {
		index = t.size.Load()
		t.growLocked(index)
		t.size.Store(index + 1)
	}

	s := t.slotAt(index)
	gen := s.generation.Load() + 1
	if gen == 0 {
		gen = 1
	}
	s.value.Store(v)
	s.generation.Store(gen)
	s.live.Store(true)
	t.live.Add(1)

	return Handle{Index: index, Generation: gen}
}

// Release invalidates h and returns the value it referenced.
// Releasing a stale or unknown handle returns (nil, false) and changes nothing.
func (t *Table[T]) Release(h Handle) (*T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookup(h)
	if s == nil {
		return nil, false
	}
	v := s.value.Load()
	s.live.Store(false)
	s.value.Store(nil)
	t.free = append(t.free, h.Index)
	t.live.Add(-1)
	return v, true
}

// Get returns the value referenced by h, or (nil, false) when h is stale.
func (t *Table[T]) Get(h Handle) (*T, bool) {
	s := t.lookup(h)
	if s == nil {
		return nil, false
	}
	v := s.value.Load()
	// The slot may have been released and reused between the checks above.
	if v == nil || !s.live.Load() || s.generation.Load() != h.Generation {
		return nil, false
	}
	return v, true
}

// IsValid reports whether h references a live slot.
func (t *Table[T]) IsValid(h Handle) bool {
	return t.lookup(h) != nil
}

// Len returns the number of live slots.
func (t *Table[T]) Len() int {
	return int(t.live.Load())
}

// Cap returns the number of slots the table has ever used.
func (t *Table[T]) Cap() int {
	return int(t.size.Load())
}

// Range calls fn for every live slot until fn returns false.
// The table mutex is held for the duration; fn must not call back into t.
func (t *Table[T]) Range(fn func(Handle, *T) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.size.Load()
	for i := uint32(0); i < n; i++ {
		s := t.slotAt(i)
		if !s.live.Load() {
			continue
		}
		if !fn(Handle{Index: i, Generation: s.generation.Load()}, s.value.Load()) {
			return
		}
	}
}

// lookup returns the live slot matching h, or nil.
func (t *Table[T]) lookup(h Handle) *slot[T] {
	if h.Generation == 0 || h.Index >= t.size.Load() {
		return nil
	}
	pages := *t.pages.Load()
	p := int(h.Index >> pageBits)
	if p >= len(pages) {
		return nil
	}
	s := &pages[p][h.Index&pageMask]
	if !s.live.Load() || s.generation.Load() != h.Generation {
		return nil
	}
	return s
}

// slotAt returns the slot for index. Caller must hold mu or know the page exists.
func (t *Table[T]) slotAt(index uint32) *slot[T] {
	pages := *t.pages.Load()
	return &pages[index>>pageBits][index&pageMask]
}

// growLocked makes sure a page exists for index. Caller must hold mu.
func (t *Table[T]) growLocked(index uint32) {
	pages := *t.pages.Load()
	if int(index>>pageBits) < len(pages) {
		return
	}
	grown := make([]*page[T], len(pages)+1)
	copy(grown, pages)
	grown[len(pages)] = new(page[T])
	t.pages.Store(&grown)
}
