package soft

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/rhi"
)

func init() {
	rhi.RegisterBackend(rhi.BackendSoftware, func() (rhi.Backend, error) {
		return New(Options{}), nil
	})
}

// DefaultMemoryBytes is the default memory budget.
const DefaultMemoryBytes = 1 << 30

// Options configures a software backend.
type Options struct {
	// MemoryBytes is the device memory budget. Allocations beyond it fail
	// with rhi.ErrOutOfMemory.
	MemoryBytes uint64
	// Limits overrides rhi.DefaultLimits.
	Limits *rhi.Limits
	Logger *slog.Logger
}

// Backend is the software rhi.Backend.
type Backend struct {
	opts   Options
	limits rhi.Limits
	logger *slog.Logger

	used     atomic.Uint64
	nextAddr atomic.Uint64

	// memMu orders GPU-timeline memory access against CPU uploads.
	memMu sync.Mutex

	mu     sync.Mutex
	queues []*queue
	paused bool
	lost   bool

	stats counters
}

type counters struct {
	commands         atomic.Uint64
	barriers         atomic.Uint64
	copies           atomic.Uint64
	clears           atomic.Uint64
	draws            atomic.Uint64
	dispatches       atomic.Uint64
	presents         atomic.Uint64
	validationErrors atomic.Uint64
	lastValidation   atomic.Pointer[error]
}

// Stats is a snapshot of execution counters.
type Stats struct {
	Commands         uint64
	Barriers         uint64
	Copies           uint64
	Clears           uint64
	Draws            uint64
	Dispatches       uint64
	Presents         uint64
	ValidationErrors uint64
}

var (
	_ rhi.Backend   = (*Backend)(nil)
	_ rhi.Presenter = (*Backend)(nil)
)

// New creates a software backend.
func New(opts Options) *Backend {
	if opts.MemoryBytes == 0 {
		opts.MemoryBytes = DefaultMemoryBytes
	}
	b := &Backend{opts: opts, limits: rhi.DefaultLimits()}
	if opts.Limits != nil {
		b.limits = *opts.Limits
	}
	b.logger = opts.Logger
	if b.logger == nil {
		b.logger = rhi.Logger()
	}
	b.nextAddr.Store(1 << 32)
	return b
}

// Name returns "software".
func (b *Backend) Name() string { return rhi.BackendSoftware }

// Init does nothing; the software device is always available.
func (b *Backend) Init() error { return nil }

// Limits returns the configured limits.
func (b *Backend) Limits() rhi.Limits { return b.limits }

// MemoryBudget returns the allocated bytes and the configured budget.
func (b *Backend) MemoryBudget() rhi.MemoryBudget {
	return rhi.MemoryBudget{Used: b.used.Load(), Total: b.opts.MemoryBytes}
}

func (b *Backend) reserve(size uint64) error {
	for {
		used := b.used.Load()
		if used+size > b.opts.MemoryBytes {
			return fmt.Errorf("soft: %w: %d bytes requested, %d of %d in use",
				rhi.ErrOutOfMemory, size, used, b.opts.MemoryBytes)
		}
		if b.used.CompareAndSwap(used, used+size) {
			return nil
		}
	}
}

func (b *Backend) unreserve(size uint64) { b.used.Add(^(size - 1)) }

// gpuAddress hands out 64 KiB aligned virtual addresses.
func (b *Backend) gpuAddress(size uint64) uint64 {
	span := (size + 0xFFFF) &^ 0xFFFF
	return b.nextAddr.Add(span) - span
}

// CreateQueue starts a worker goroutine for a new queue.
func (b *Backend) CreateQueue(typ rhi.QueueType) (rhi.NativeQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lost {
		return nil, rhi.ErrDeviceLost
	}
	q := newQueue(b, typ, b.paused)
	b.queues = append(b.queues, q)
	return q, nil
}

// Pause stops every queue from starting new work until Resume. Work
// already executing finishes.
func (b *Backend) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
	for _, q := range b.queues {
		q.setPaused(true)
	}
}

// Resume lets paused queues continue.
func (b *Backend) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	for _, q := range b.queues {
		q.setPaused(false)
	}
}

// LoseDevice simulates a device removal: pending work is dropped and every
// wait or submit fails with rhi.ErrDeviceLost.
func (b *Backend) LoseDevice() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lost = true
	for _, q := range b.queues {
		q.lose()
	}
	b.logger.Error("soft: device lost")
}

// Present counts presented frames.
func (b *Backend) Present(backBuffer *rhi.Texture) error {
	if backBuffer == nil {
		return fmt.Errorf("soft: present: %w", rhi.ErrResourceInvalid)
	}
	if s := backBuffer.CurrentState(); s != rhi.StatePresent {
		b.validationError(fmt.Errorf("present %q in state %s", backBuffer.Name(), s))
	}
	b.stats.presents.Add(1)
	return nil
}

func (b *Backend) validationError(err error) {
	b.stats.validationErrors.Add(1)
	b.stats.lastValidation.Store(&err)
	b.logger.Warn("soft: GPU validation error", "err", err)
}

// Stats returns execution counters.
func (b *Backend) Stats() Stats {
	return Stats{
		Commands:         b.stats.commands.Load(),
		Barriers:         b.stats.barriers.Load(),
		Copies:           b.stats.copies.Load(),
		Clears:           b.stats.clears.Load(),
		Draws:            b.stats.draws.Load(),
		Dispatches:       b.stats.dispatches.Load(),
		Presents:         b.stats.presents.Load(),
		ValidationErrors: b.stats.validationErrors.Load(),
	}
}

// LastValidationError returns the most recent GPU-timeline validation
// error, or nil.
func (b *Backend) LastValidationError() error {
	if p := b.stats.lastValidation.Load(); p != nil {
		return *p
	}
	return nil
}

// Close stops every queue worker.
func (b *Backend) Close() {
	b.mu.Lock()
	qs := b.queues
	b.queues = nil
	b.mu.Unlock()
	for _, q := range qs {
		q.Release()
	}
}

func (b *Backend) removeQueue(q *queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, other := range b.queues {
		if other == q {
			b.queues = append(b.queues[:i], b.queues[i+1:]...)
			return
		}
	}
}
