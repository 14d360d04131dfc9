package rhi_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/backend/soft"
)

var errUnavailable = errors.New("adapter unavailable")

func failingFactory() (rhi.Backend, error) { return nil, errUnavailable }

func TestSoftwareBackendRegistered(t *testing.T) {
	if !slices.Contains(rhi.AvailableBackends(), rhi.BackendSoftware) {
		t.Fatalf("AvailableBackends() = %v, want %q", rhi.AvailableBackends(), rhi.BackendSoftware)
	}
	b, err := rhi.OpenBackend(rhi.BackendSoftware)
	if err != nil {
		t.Fatalf("OpenBackend() error = %v", err)
	}
	defer b.Close()
	if b.Name() != rhi.BackendSoftware {
		t.Errorf("Name() = %q, want %q", b.Name(), rhi.BackendSoftware)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := rhi.OpenBackend("metal"); !errors.Is(err, rhi.ErrNoBackend) {
		t.Errorf("OpenBackend(metal) error = %v, want ErrNoBackend", err)
	}
}

func TestOpenBackendFactoryError(t *testing.T) {
	rhi.RegisterBackend("broken", failingFactory)
	defer rhi.UnregisterBackend("broken")

	if _, err := rhi.OpenBackend("broken"); !errors.Is(err, errUnavailable) {
		t.Errorf("OpenBackend(broken) error = %v, want %v", err, errUnavailable)
	}
}

func TestAutoSelectionFallsBack(t *testing.T) {
	// A failing preferred backend is skipped.
	rhi.RegisterBackend(rhi.BackendWGPU, failingFactory)
	defer rhi.UnregisterBackend(rhi.BackendWGPU)

	for _, name := range []string{"", rhi.BackendAuto} {
		b, err := rhi.OpenBackend(name)
		if err != nil {
			t.Fatalf("OpenBackend(%q) error = %v", name, err)
		}
		if b.Name() != rhi.BackendSoftware {
			t.Errorf("OpenBackend(%q) = %q, want %q", name, b.Name(), rhi.BackendSoftware)
		}
		b.Close()
	}

	rhi.RegisterBackend(rhi.BackendSoftware, failingFactory)
	defer rhi.RegisterBackend(rhi.BackendSoftware, func() (rhi.Backend, error) {
		return soft.New(soft.Options{}), nil
	})
	_, err := rhi.OpenBackend(rhi.BackendAuto)
	if !errors.Is(err, rhi.ErrNoBackend) || !errors.Is(err, errUnavailable) {
		t.Errorf("OpenBackend(auto) with every backend failing error = %v, want ErrNoBackend wrapping the last failure", err)
	}
}

func TestNewDeviceFromRegistry(t *testing.T) {
	dev, err := rhi.NewDevice(rhi.Config{Backend: rhi.BackendSoftware}, nil)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	defer dev.Shutdown()
	if dev.Backend().Name() != rhi.BackendSoftware {
		t.Errorf("Backend().Name() = %q", dev.Backend().Name())
	}

	if _, err := rhi.NewDevice(rhi.Config{Backend: "metal"}, nil); !errors.Is(err, rhi.ErrNoBackend) {
		t.Errorf("NewDevice(metal) error = %v, want ErrNoBackend", err)
	}
}
