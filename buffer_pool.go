package rhi

// BufferClass is the reuse class of a pooled buffer.
type BufferClass struct {
	Usage         Usage
	CPUAccessible bool
	Stride        uint32
}

// BufferPool recycles buffers once the GPU has finished with them.
//
// A returned buffer is tagged with the (queue, fence value) pairs it waits
// on and becomes reusable only after all of them complete. Lookups are first-fit by class and capacity.
// Trimming and flushing happen only when asked for.
//
// BufferPool is safe for concurrent use.
type BufferPool struct {
	manager *ResourceManager
	pool    *fencedPool[BufferHandle, BufferClass]
}

// NewBufferPool creates a pool over buffers of manager. fences are the
// queues ReturnBuffer waits on; a device passes all of its queues.
func NewBufferPool(manager *ResourceManager, cfg PoolConfig, fences ...FenceSource) *BufferPool {
	return &BufferPool{
		manager: manager,
		pool:    newFencedPool[BufferHandle, BufferClass](fences, cfg, manager.DestroyBuffer),
	}
}

// ReturnBuffer pools h until the last value signaled on every fence source
// of the pool completes. Stale handles are ignored.
func (p *BufferPool) ReturnBuffer(h BufferHandle) {
	p.returnBuffer(h, p.pool.lastSignaled())
}

// ReturnBufferAt pools h until value v completes on queue q.
func (p *BufferPool) ReturnBufferAt(h BufferHandle, q FenceSource, v uint64) {
	p.returnBuffer(h, []fenceWait{{src: q, value: v}})
}

func (p *BufferPool) returnBuffer(h BufferHandle, waits []fenceWait) {
	b := p.manager.GetBuffer(h)
	if b == nil {
		return
	}
	b.Unmap()
	p.pool.put(poolEntry[BufferHandle, BufferClass]{
		h:     h,
		class: BufferClass{Usage: b.Usage(), CPUAccessible: b.IsCPUAccessible(), Stride: b.Stride()},
		bytes: b.AllocatedSize(),
		waits: waits,
	})
}

// GetFromPool returns the first available buffer with exactly this usage
// and CPU accessibility whose size is at least size.
func (p *BufferPool) GetFromPool(usage Usage, cpuAccessible bool, size uint64) (BufferHandle, bool) {
	return p.pool.take(func(c BufferClass, bytes uint64) bool {
		return c.Usage == usage && c.CPUAccessible == cpuAccessible && bytes >= size
	}, p.manager.IsValidBuffer)
}

// Acquire returns a pooled buffer matching desc (including stride) or
// creates a new one.
func (p *BufferPool) Acquire(desc BufferDesc) (BufferHandle, error) {
	want := BufferClass{Usage: desc.Usage, CPUAccessible: desc.CPUAccessible, Stride: desc.Stride}
	h, ok := p.pool.take(func(c BufferClass, bytes uint64) bool {
		return c == want && bytes >= desc.Size
	}, p.manager.IsValidBuffer)
	if ok {
		if desc.DebugName != "" {
			if b := p.manager.GetBuffer(h); b != nil {
				b.SetName(desc.DebugName)
			}
		}
		return h, nil
	}
	return p.manager.CreateBuffer(desc)
}

// TrimPools destroys the oldest available buffers until the pool holds at
// most maxEntries buffers and maxBytes bytes. Returns the number destroyed.
func (p *BufferPool) TrimPools(maxEntries int, maxBytes uint64) int {
	return p.pool.trim(maxEntries, maxBytes)
}

// FlushPools destroys every available buffer and returns the number still
// waiting on the GPU.
func (p *BufferPool) FlushPools() int { return p.pool.flush() }

// Clear destroys every pooled buffer, pending or not. The GPU must be idle.
func (p *BufferPool) Clear() { p.pool.clearAll() }

// Stats returns pool counters.
func (p *BufferPool) Stats() PoolStats { return p.pool.stats() }
