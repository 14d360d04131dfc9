package rhi

import (
	"sync"
	"sync/atomic"
)

// FenceSource reports fence progress. CommandQueue implements it.
// Implementations are used as map keys and must be comparable.
type FenceSource interface {
	CompletedValue() uint64
	LastSignaledValue() uint64
}

// PoolConfig bounds a pool. Zero means unlimited.
type PoolConfig struct {
	MaxEntries int    `toml:"max_entries"`
	MaxBytes   uint64 `toml:"max_bytes"`
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Pending   int
	Available int
	Bytes     uint64
	Hits      uint64
	Misses    uint64
	Returned  uint64
	Destroyed uint64
}

// fenceWait is one fence value a pooled resource waits for.
type fenceWait struct {
	src   FenceSource
	value uint64
}

// fenceProgress caches CompletedValue per source for one pool operation.
type fenceProgress map[FenceSource]uint64

func (fp fenceProgress) done(waits []fenceWait) bool {
	for _, w := range waits {
		c, ok := fp[w.src]
		if !ok {
			c = w.src.CompletedValue()
			fp[w.src] = c
		}
		if c < w.value {
			return false
		}
	}
	return true
}

type poolEntry[H comparable, K any] struct {
	h     H
	class K
	bytes uint64
	waits []fenceWait
}

// fencedPool keeps returned resources until the GPU is done with them.
// An entry may wait on several queues; it moves from pending to available
// once every one of its fence values completes. Only available entries are
// handed out or trimmed. Resources returned over the limits are never
// pooled: they are destroyed as soon as their fences complete.
type fencedPool[H comparable, K any] struct {
	fences  []FenceSource
	cfg     PoolConfig
	destroy func(H)

	mu        sync.Mutex
	pending   []poolEntry[H, K]
	available []poolEntry[H, K]
	doomed    []poolEntry[H, K]
	members   map[H]struct{}
	bytes     uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	returned  atomic.Uint64
	destroyed atomic.Uint64
}

func newFencedPool[H comparable, K any](fences []FenceSource, cfg PoolConfig, destroy func(H)) *fencedPool[H, K] {
	return &fencedPool[H, K]{
		fences:  fences,
		cfg:     cfg,
		destroy: destroy,
		members: make(map[H]struct{}),
	}
}

// lastSignaled returns waits on the last value signaled on every fence
// source of the pool.
func (p *fencedPool[H, K]) lastSignaled() []fenceWait {
	waits := make([]fenceWait, 0, len(p.fences))
	for _, f := range p.fences {
		if v := f.LastSignaledValue(); v > 0 {
			waits = append(waits, fenceWait{src: f, value: v})
		}
	}
	return waits
}

// put adds a returned resource. Returns false for duplicates.
func (p *fencedPool[H, K]) put(e poolEntry[H, K]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.members[e.h]; dup {
		return false
	}
	progress := make(fenceProgress)
	p.promoteLocked(progress)
	p.returned.Add(1)

	complete := progress.done(e.waits)
	count := len(p.pending) + len(p.available)
	over := (p.cfg.MaxEntries > 0 && count+1 > p.cfg.MaxEntries) ||
		(p.cfg.MaxBytes > 0 && p.bytes+e.bytes > p.cfg.MaxBytes)
	switch {
	case over && complete:
		p.destroyLocked(e)
		return true
	case over:
		p.doomed = append(p.doomed, e)
	case complete:
		p.available = append(p.available, e)
		p.bytes += e.bytes
	default:
		p.pending = append(p.pending, e)
		p.bytes += e.bytes
	}
	p.members[e.h] = struct{}{}
	return true
}

// take removes the first available entry accepted by match.
func (p *fencedPool[H, K]) take(match func(class K, bytes uint64) bool, valid func(H) bool) (H, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.promoteLocked(make(fenceProgress))
	for i := 0; i < len(p.available); i++ {
		e := p.available[i]
		if !match(e.class, e.bytes) {
			continue
		}
		p.removeAvailableLocked(i)
		if !valid(e.h) {
			// Destroyed behind the pool's back.
			i--
			continue
		}
		p.hits.Add(1)
		return e.h, true
	}
	p.misses.Add(1)
	var zero H
	return zero, false
}

func (p *fencedPool[H, K]) removeAvailableLocked(i int) {
	e := p.available[i]
	p.available = append(p.available[:i], p.available[i+1:]...)
	p.bytes -= e.bytes
	delete(p.members, e.h)
}

// promoteLocked moves completed pending entries to available and destroys
// completed doomed entries. Caller holds mu.
func (p *fencedPool[H, K]) promoteLocked(progress fenceProgress) {
	kept := p.pending[:0]
	for _, e := range p.pending {
		if progress.done(e.waits) {
			p.available = append(p.available, e)
			continue
		}
		kept = append(kept, e)
	}
	clear(p.pending[len(kept):])
	p.pending = kept

	keptDoomed := p.doomed[:0]
	for _, e := range p.doomed {
		if progress.done(e.waits) {
			delete(p.members, e.h)
			p.destroyLocked(e)
			continue
		}
		keptDoomed = append(keptDoomed, e)
	}
	clear(p.doomed[len(keptDoomed):])
	p.doomed = keptDoomed
}

func (p *fencedPool[H, K]) destroyLocked(e poolEntry[H, K]) {
	p.destroy(e.h)
	p.destroyed.Add(1)
}

// trim destroys the oldest available entries until the pool fits within
// maxEntries and maxBytes (zero means no bound). Pending entries are never
// touched. Returns the number destroyed.
func (p *fencedPool[H, K]) trim(maxEntries int, maxBytes uint64) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.promoteLocked(make(fenceProgress))
	n := 0
	for len(p.available) > 0 {
		count := len(p.pending) + len(p.available)
		if (maxEntries <= 0 || count <= maxEntries) && (maxBytes == 0 || p.bytes <= maxBytes) {
			break
		}
		e := p.available[0]
		p.removeAvailableLocked(0)
		p.destroyLocked(e)
		n++
	}
	return n
}

// flush destroys every available entry. Returns the number of entries
// still pending on the GPU.
func (p *fencedPool[H, K]) flush() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.promoteLocked(make(fenceProgress))
	for _, e := range p.available {
		delete(p.members, e.h)
		p.bytes -= e.bytes
		p.destroyLocked(e)
	}
	clear(p.available)
	p.available = p.available[:0]
	return len(p.pending) + len(p.doomed)
}

// clearAll destroys every entry regardless of fences. The GPU must be idle.
func (p *fencedPool[H, K]) clearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, list := range [][]poolEntry[H, K]{p.pending, p.available, p.doomed} {
		for _, e := range list {
			p.destroyLocked(e)
		}
	}
	p.pending, p.available, p.doomed = nil, nil, nil
	p.members = make(map[H]struct{})
	p.bytes = 0
}

func (p *fencedPool[H, K]) stats() PoolStats {
	p.mu.Lock()
	p.promoteLocked(make(fenceProgress))
	s := PoolStats{
		Pending:   len(p.pending),
		Available: len(p.available),
		Bytes:     p.bytes,
	}
	p.mu.Unlock()

	s.Hits = p.hits.Load()
	s.Misses = p.misses.Load()
	s.Returned = p.returned.Load()
	s.Destroyed = p.destroyed.Load()
	return s
}
