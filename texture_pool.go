package rhi

// TextureKey is the exact shape a pooled texture must match to be reused.
type TextureKey struct {
	Type             TextureType
	Width            uint32
	Height           uint32
	DepthOrArraySize uint32
	MipLevels        uint32
	Format           Format
	SampleCount      uint32
	Usage            Usage
}

func textureKey(d *TextureDesc) TextureKey {
	return TextureKey{
		Type:             d.Type,
		Width:            d.Width,
		Height:           d.Height,
		DepthOrArraySize: d.DepthOrArraySize,
		MipLevels:        d.MipLevels,
		Format:           d.Format,
		SampleCount:      d.SampleCount,
		Usage:            d.Usage,
	}
}

// TexturePool recycles textures once the GPU has finished with them.
// Reuse requires an exact TextureKey match.
//
// TexturePool is safe for concurrent use.
type TexturePool struct {
	manager *ResourceManager
	pool    *fencedPool[TextureHandle, TextureKey]
}

// NewTexturePool creates a pool over textures of manager. fences are the
// queues ReturnTexture waits on.
func NewTexturePool(manager *ResourceManager, cfg PoolConfig, fences ...FenceSource) *TexturePool {
	return &TexturePool{
		manager: manager,
		pool:    newFencedPool[TextureHandle, TextureKey](fences, cfg, manager.DestroyTexture),
	}
}

// ReturnTexture pools h until the last signaled value of every fence
// source of the pool completes.
func (p *TexturePool) ReturnTexture(h TextureHandle) {
	p.returnTexture(h, p.pool.lastSignaled())
}

// ReturnTextureAt pools h until value v completes on queue q.
func (p *TexturePool) ReturnTextureAt(h TextureHandle, q FenceSource, v uint64) {
	p.returnTexture(h, []fenceWait{{src: q, value: v}})
}

func (p *TexturePool) returnTexture(h TextureHandle, waits []fenceWait) {
	t := p.manager.GetTexture(h)
	if t == nil {
		return
	}
	d := t.Desc()
	p.pool.put(poolEntry[TextureHandle, TextureKey]{
		h:     h,
		class: textureKey(&d),
		bytes: t.SizeInBytes(),
		waits: waits,
	})
}

// GetFromPool returns an available texture with exactly the shape of desc.
func (p *TexturePool) GetFromPool(desc TextureDesc) (TextureHandle, bool) {
	d, err := normalizeTextureDesc(&desc, p.manager.backend.Limits())
	if err != nil {
		return TextureHandle{}, false
	}
	want := textureKey(&d)
	return p.pool.take(func(k TextureKey, _ uint64) bool { return k == want }, p.manager.IsValidTexture)
}

// Acquire returns a pooled texture matching desc or creates a new one.
func (p *TexturePool) Acquire(desc TextureDesc) (TextureHandle, error) {
	if h, ok := p.GetFromPool(desc); ok {
		if desc.DebugName != "" {
			if t := p.manager.GetTexture(h); t != nil {
				t.SetName(desc.DebugName)
			}
		}
		return h, nil
	}
	return p.manager.CreateTexture(desc)
}

// TrimPools destroys the oldest available textures until the pool fits.
func (p *TexturePool) TrimPools(maxEntries int, maxBytes uint64) int {
	return p.pool.trim(maxEntries, maxBytes)
}

// FlushPools destroys every available texture and returns the number still
// waiting on the GPU.
func (p *TexturePool) FlushPools() int { return p.pool.flush() }

// Clear destroys every pooled texture. The GPU must be idle.
func (p *TexturePool) Clear() { p.pool.clearAll() }

// Stats returns pool counters.
func (p *TexturePool) Stats() PoolStats { return p.pool.stats() }
