package rhi

import (
	"fmt"
	"slices"
	"sync"
)

// Well-known backend names.
const (
	BackendWGPU     = "wgpu"
	BackendSoftware = "software"
	BackendAuto     = "auto"
)

// BackendFactory creates a new, uninitialized backend instance.
type BackendFactory func() (Backend, error)

var (
	registryMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
	// Priority order for automatic selection (first that opens wins).
	backendPriority = []string{BackendWGPU, BackendSoftware}
)

// RegisterBackend registers a backend factory under name. Backend packages
// call it from init(). Registering an existing name replaces it.
func RegisterBackend(name string, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// UnregisterBackend removes a backend from the registry. Useful in tests.
func UnregisterBackend(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// AvailableBackends returns the registered backend names, sorted.
func AvailableBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OpenBackend creates and initializes the named backend. An empty name or
// "auto" tries the registered backends in priority order, then the rest.
func OpenBackend(name string) (Backend, error) {
	if name != "" && name != BackendAuto {
		registryMu.RLock()
		factory, ok := backends[name]
		registryMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q is not registered", ErrNoBackend, name)
		}
		return openWith(name, factory)
	}

	candidates := append([]string(nil), backendPriority...)
	for _, n := range AvailableBackends() {
		if !slices.Contains(candidates, n) {
			candidates = append(candidates, n)
		}
	}

	var lastErr error
	for _, n := range candidates {
		registryMu.RLock()
		factory, ok := backends[n]
		registryMu.RUnlock()
		if !ok {
			continue
		}
		b, err := openWith(n, factory)
		if err == nil {
			return b, nil
		}
		Logger().Info("rhi: backend unavailable", "backend", n, "err", err)
		lastErr = err
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoBackend, lastErr)
	}
	return nil, ErrNoBackend
}

func openWith(name string, factory BackendFactory) (Backend, error) {
	b, err := factory()
	if err != nil {
		return nil, fmt.Errorf("rhi: create backend %q: %w", name, err)
	}
	if err := b.Init(); err != nil {
		b.Close()
		return nil, fmt.Errorf("rhi: init backend %q: %w", name, err)
	}
	return b, nil
}
