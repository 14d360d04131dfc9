package rhi

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SurfaceInfo describes the swap chain of a windowed device.
type SurfaceInfo struct {
	Width  uint32 `toml:"width"`
	Height uint32 `toml:"height"`
	Format Format `toml:"-"`
	// BufferCount is the number of back buffers (default 2).
	BufferCount uint32 `toml:"buffer_count"`
}

// Device is the root object: it owns the backend, the resource manager,
// one queue per QueueType, the descriptor heaps, the pools and, for
// windowed devices, the back buffers.
//
// Frame methods (BeginFrame, EndFrame, Present) are meant for one render
// goroutine. Everything reachable through the accessors is safe for
// concurrent use.
type Device struct {
	mu     sync.Mutex
	cfg    Config
	logger *slog.Logger

	backend   Backend
	resources *ResourceManager
	queues    [queueTypeCount]*CommandQueue
	heaps     [descriptorHeapTypeCount]*DescriptorHeap

	bufferPool  *BufferPool
	texturePool *TexturePool

	surface         *SurfaceInfo
	backBuffers     []TextureHandle
	backBufferIndex int

	frameLists  []*CommandList
	frameFences []uint64
	frameCount  uint64
	inFrame     bool

	initialized bool
	shutdown    bool
}

// NewDevice creates and initializes a device. surface may be nil for a
// headless device.
func NewDevice(cfg Config, surface *SurfaceInfo, opts ...DeviceOption) (*Device, error) {
	var o deviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	d := &Device{backend: o.backend, logger: o.logger}
	if err := d.Initialize(cfg, surface); err != nil {
		return nil, err
	}
	return d, nil
}

// Initialize brings the device up. It is called by NewDevice; call it
// directly only on a zero Device.
func (d *Device) Initialize(cfg Config, surface *SurfaceInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.shutdown:
		return ErrDeviceClosed
	case d.initialized:
		return fmt.Errorf("%w: device already initialized", ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.cfg = cfg.withDefaults()
	d.logger = orNop(d.logger)

	if d.backend == nil {
		b, err := OpenBackend(d.cfg.Backend)
		if err != nil {
			return err
		}
		d.backend = b
	} else if err := d.backend.Init(); err != nil {
		return fmt.Errorf("rhi: init backend %q: %w", d.backend.Name(), err)
	}

	if err := d.createComponentsLocked(surface); err != nil {
		d.releaseLocked()
		d.backend = nil
		return err
	}

	d.initialized = true
	d.logger.Info("rhi: device initialized",
		"backend", d.backend.Name(),
		"framesInFlight", d.cfg.FramesInFlight,
		"backBuffers", len(d.backBuffers))
	return nil
}

func (d *Device) createComponentsLocked(surface *SurfaceInfo) error {
	d.resources = NewResourceManager(d.backend, d.logger)

	for t := QueueType(0); t < queueTypeCount; t++ {
		q, err := NewCommandQueue(d.backend, t, d.logger)
		if err != nil {
			return err
		}
		d.queues[t] = q
	}

	heapDescs := [descriptorHeapTypeCount]DescriptorHeapDesc{
		DescriptorHeapCBVSRVUAV: {Type: DescriptorHeapCBVSRVUAV, Capacity: d.cfg.Heaps.CBVSRVUAV, ShaderVisible: true, DebugName: "cbv_srv_uav"},
		DescriptorHeapSampler:   {Type: DescriptorHeapSampler, Capacity: d.cfg.Heaps.Samplers, ShaderVisible: true, DebugName: "samplers"},
		DescriptorHeapRTV:       {Type: DescriptorHeapRTV, Capacity: d.cfg.Heaps.RTV, DebugName: "rtv"},
		DescriptorHeapDSV:       {Type: DescriptorHeapDSV, Capacity: d.cfg.Heaps.DSV, DebugName: "dsv"},
	}
	for i, desc := range heapDescs {
		h, err := NewDescriptorHeap(d.backend, desc, d.logger)
		if err != nil {
			return err
		}
		d.heaps[i] = h
	}
	d.resources.AttachDescriptorHeaps(d.heaps[:]...)

	graphics := d.queues[QueueGraphics]
	fences := []FenceSource{graphics, d.queues[QueueCompute], d.queues[QueueCopy]}
	d.bufferPool = NewBufferPool(d.resources, d.cfg.BufferPool, fences...)
	d.texturePool = NewTexturePool(d.resources, d.cfg.TexturePool, fences...)

	d.frameLists = make([]*CommandList, d.cfg.FramesInFlight)
	d.frameFences = make([]uint64, d.cfg.FramesInFlight)
	for i := range d.frameLists {
		d.frameLists[i] = graphics.NewCommandList(fmt.Sprintf("frame%d", i))
	}

	if surface == nil {
		return nil
	}
	s := *surface
	if s.BufferCount == 0 {
		s.BufferCount = 2
	}
	if s.Format == FormatUnknown {
		s.Format = FormatBGRA8Unorm
	}
	d.surface = &s
	for i := uint32(0); i < s.BufferCount; i++ {
		h, err := d.resources.CreateTexture(TextureDesc{
			Width:        s.Width,
			Height:       s.Height,
			MipLevels:    1,
			Format:       s.Format,
			Usage:        UsageRenderTarget | UsageCopyDest,
			InitialState: StatePresent,
			DebugName:    fmt.Sprintf("backbuffer%d", i),
		})
		if err != nil {
			return fmt.Errorf("rhi: create back buffer %d: %w", i, err)
		}
		d.backBuffers = append(d.backBuffers, h)
	}
	return nil
}

// BeginFrame waits until the frame slot is free on the GPU and returns a
// recording graphics list. The back buffer, if any, is already transitioned
// to RenderTarget.
func (d *Device) BeginFrame() (*CommandList, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	if d.inFrame {
		return nil, fmt.Errorf("%w: BeginFrame called twice", ErrFrameState)
	}

	slot := int(d.frameCount % uint64(len(d.frameLists)))
	if err := d.queues[QueueGraphics].WaitForFence(d.frameFences[slot]); err != nil {
		return nil, err
	}
	list := d.frameLists[slot]
	if err := list.Reset(); err != nil {
		return nil, err
	}
	if bb := d.backBufferLocked(); bb != nil {
		list.TransitionTexture(bb, StateRenderTarget)
	}
	d.inFrame = true
	return list, nil
}

// EndFrame transitions the back buffer to Present, closes and executes the
// frame list. Returns the fence value of the frame.
func (d *Device) EndFrame() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return 0, err
	}
	if !d.inFrame {
		return 0, fmt.Errorf("%w: EndFrame without BeginFrame", ErrFrameState)
	}
	d.inFrame = false

	slot := int(d.frameCount % uint64(len(d.frameLists)))
	list := d.frameLists[slot]
	if bb := d.backBufferLocked(); bb != nil {
		list.TransitionTexture(bb, StatePresent)
	}
	if err := list.Close(); err != nil {
		return 0, err
	}
	v, err := d.queues[QueueGraphics].ExecuteCommandLists(list)
	if err != nil {
		return 0, err
	}
	d.frameFences[slot] = v
	d.frameCount++
	return v, nil
}

// Present hands the current back buffer to the backend's presenter, when
// it has one, and advances to the next back buffer. Headless devices
// return nil.
func (d *Device) Present() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return err
	}
	bb := d.backBufferLocked()
	if bb == nil {
		return nil
	}
	if p, ok := d.backend.(Presenter); ok {
		if err := p.Present(bb); err != nil {
			return fmt.Errorf("rhi: present: %w", err)
		}
	}
	d.backBufferIndex = (d.backBufferIndex + 1) % len(d.backBuffers)
	return nil
}

func (d *Device) checkLocked() error {
	switch {
	case d.shutdown:
		return ErrDeviceClosed
	case !d.initialized:
		return fmt.Errorf("%w: device not initialized", ErrValidation)
	}
	return nil
}

func (d *Device) backBufferLocked() *Texture {
	if len(d.backBuffers) == 0 {
		return nil
	}
	return d.resources.GetTexture(d.backBuffers[d.backBufferIndex])
}

// WaitForIdle drains every queue in parallel.
func (d *Device) WaitForIdle() error {
	var g errgroup.Group
	for _, q := range d.queues {
		if q == nil {
			continue
		}
		g.Go(q.WaitForIdle)
	}
	return g.Wait()
}

// Shutdown waits for the GPU to go idle and releases everything the device
// owns. Resources are released even when waiting fails (device loss).
// Calling Shutdown more than once is a no-op.
func (d *Device) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shutdown {
		return nil
	}
	d.shutdown = true
	if !d.initialized {
		return nil
	}

	err := d.WaitForIdle()
	if err != nil {
		d.logger.Error("rhi: wait for idle during shutdown", "err", err)
	}
	d.releaseLocked()
	d.logger.Info("rhi: device shut down")
	return err
}

// releaseLocked releases every component that exists, in reverse order of
// creation.
func (d *Device) releaseLocked() {
	if d.bufferPool != nil {
		d.bufferPool.Clear()
	}
	if d.texturePool != nil {
		d.texturePool.Clear()
	}
	if d.resources != nil {
		for _, h := range d.backBuffers {
			d.resources.DestroyTexture(h)
		}
		d.resources.Close()
	}
	d.backBuffers = nil
	for i, h := range d.heaps {
		if h != nil {
			h.Release()
			d.heaps[i] = nil
		}
	}
	for i, q := range d.queues {
		if q != nil {
			q.Release()
			d.queues[i] = nil
		}
	}
	if d.backend != nil {
		d.backend.Close()
	}
}

// Resources returns the resource manager.
func (d *Device) Resources() *ResourceManager { return d.resources }

// Queue returns the queue of type t.
func (d *Device) Queue(t QueueType) *CommandQueue {
	if t >= queueTypeCount {
		return nil
	}
	return d.queues[t]
}

// Heap returns the descriptor heap of type t.
func (d *Device) Heap(t DescriptorHeapType) *DescriptorHeap {
	if t >= descriptorHeapTypeCount {
		return nil
	}
	return d.heaps[t]
}

// BufferPool returns the buffer pool gated on the graphics queue.
func (d *Device) BufferPool() *BufferPool { return d.bufferPool }

// TexturePool returns the texture pool gated on the graphics queue.
func (d *Device) TexturePool() *TexturePool { return d.texturePool }

// Backend returns the native backend.
func (d *Device) Backend() Backend { return d.backend }

// Config returns the configuration with defaults resolved.
func (d *Device) Config() Config { return d.cfg }

// FrameIndex returns the number of frames ended so far.
func (d *Device) FrameIndex() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameCount
}

// BackBuffer returns the current back buffer of a windowed device.
func (d *Device) BackBuffer() (TextureHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.backBuffers) == 0 {
		return TextureHandle{}, false
	}
	return d.backBuffers[d.backBufferIndex], true
}

// MemoryStats returns device memory statistics.
func (d *Device) MemoryStats() MemoryStats { return d.resources.MemoryStats() }

// IsLost reports whether any queue observed a device loss.
func (d *Device) IsLost() bool {
	for _, q := range d.queues {
		if q != nil && q.IsLost() {
			return true
		}
	}
	return false
}
