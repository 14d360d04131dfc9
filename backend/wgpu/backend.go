//go:build !nogpu

package wgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/rhi"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

func init() {
	rhi.RegisterBackend(rhi.BackendWGPU, func() (rhi.Backend, error) {
		return New(Options{}), nil
	})
}

// DefaultFenceTimeout bounds every fence wait. A GPU that does not reach a
// fence within it is treated as lost.
const DefaultFenceTimeout = 10 * time.Second

// ErrNoAdapter is returned by Init when the HAL finds no usable GPU.
var ErrNoAdapter = errors.New("wgpu: no GPU adapter found")

// Options configures a wgpu backend.
type Options struct {
	// API selects the HAL backend. Defaults to Vulkan.
	API gputypes.Backend
	// FenceTimeout defaults to DefaultFenceTimeout.
	FenceTimeout time.Duration
	// MemoryBytes is the budget reported by MemoryBudget. The HAL does
	// not expose device memory, so allocations are only accounted.
	MemoryBytes uint64
	Logger      *slog.Logger
}

// Backend is the wgpu rhi.Backend.
type Backend struct {
	opts   Options
	logger *slog.Logger

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue
	external bool
	surface  rhi.Format

	// submitMu serializes access to the shared hal queue.
	submitMu sync.Mutex
	used     atomic.Uint64
	nextAddr atomic.Uint64
	descBase atomic.Uint64

	mu     sync.Mutex
	queues []*queue
	closed bool
}

var _ rhi.Backend = (*Backend)(nil)

// New creates a backend that opens its own device in Init.
func New(opts Options) *Backend {
	if opts.API == 0 {
		opts.API = gputypes.BackendVulkan
	}
	if opts.FenceTimeout <= 0 {
		opts.FenceTimeout = DefaultFenceTimeout
	}
	if opts.MemoryBytes == 0 {
		opts.MemoryBytes = 4 << 30
	}
	b := &Backend{opts: opts, logger: opts.Logger}
	if b.logger == nil {
		b.logger = rhi.Logger()
	}
	b.nextAddr.Store(1 << 32)
	b.descBase.Store(1 << 40)
	return b
}

// NewWithDevice wraps a device and queue owned by the caller. Close does
// not destroy them.
func NewWithDevice(device hal.Device, queue hal.Queue, opts Options) *Backend {
	b := New(opts)
	b.device = device
	b.queue = queue
	b.external = true
	return b
}

// halProvider is implemented by providers that expose their HAL objects.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider shares the device of a host application. The provider
// must also expose HalDevice and HalQueue.
func NewFromProvider(provider gpucontext.DeviceProvider, opts Options) (*Backend, error) {
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("wgpu: provider does not expose HAL types")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("wgpu: provider HalQueue is not hal.Queue")
	}
	b := NewWithDevice(device, queue, opts)
	b.surface = formatFromGPU(provider.SurfaceFormat())
	return b, nil
}

// Name returns "wgpu".
func (b *Backend) Name() string { return rhi.BackendWGPU }

// SurfaceFormat returns the swap chain format of the host provider, or
// rhi.FormatUnknown.
func (b *Backend) SurfaceFormat() rhi.Format { return b.surface }

// Init opens a device unless one was supplied.
func (b *Backend) Init() error {
	if b.device != nil {
		return nil
	}
	api, ok := hal.GetBackend(b.opts.API)
	if !ok {
		return fmt.Errorf("wgpu: HAL backend %v not available", b.opts.API)
	}
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("wgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return ErrNoAdapter
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("wgpu: open device: %w", err)
	}
	b.instance = instance
	b.device = openDev.Device
	b.queue = openDev.Queue
	b.logger.Info("wgpu: device opened", "adapter", selected.Info.Name)
	return nil
}

// Limits returns rhi.DefaultLimits; they are a subset of the WebGPU
// defaults the device is opened with.
func (b *Backend) Limits() rhi.Limits { return rhi.DefaultLimits() }

// MemoryBudget reports accounted allocations.
func (b *Backend) MemoryBudget() rhi.MemoryBudget {
	return rhi.MemoryBudget{Used: b.used.Load(), Total: b.opts.MemoryBytes}
}

func (b *Backend) reserve(size uint64) error {
	for {
		used := b.used.Load()
		if used+size > b.opts.MemoryBytes {
			return fmt.Errorf("wgpu: %w: %d bytes requested, %d of %d in use",
				rhi.ErrOutOfMemory, size, used, b.opts.MemoryBytes)
		}
		if b.used.CompareAndSwap(used, used+size) {
			return nil
		}
	}
}

func (b *Backend) unreserve(size uint64) { b.used.Add(^(size - 1)) }

// CreateQueue creates an rhi queue with its own hal fence.
func (b *Backend) CreateQueue(typ rhi.QueueType) (rhi.NativeQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, rhi.ErrDeviceClosed
	}
	fence, err := b.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("wgpu: create fence: %w", err)
	}
	q := &queue{b: b, typ: typ, fence: fence}
	b.queues = append(b.queues, q)
	return q, nil
}

// Close destroys the device when the backend opened it.
func (b *Backend) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	qs := b.queues
	b.queues = nil
	b.mu.Unlock()

	for _, q := range qs {
		q.Release()
	}
	if b.external || b.device == nil {
		return
	}
	b.device.Destroy()
	if b.instance != nil {
		b.instance.Destroy()
	}
	b.device, b.queue, b.instance = nil, nil, nil
}
