package rhi

import "log/slog"

// DeviceOption configures a Device during creation.
//
// Example:
//
//	// Best available backend
//	dev, err := rhi.NewDevice(rhi.DefaultConfig(), nil)
//
//	// Injected backend and logger
//	dev, err := rhi.NewDevice(cfg, nil, rhi.WithBackend(b), rhi.WithLogger(l))
type DeviceOption func(*deviceOptions)

type deviceOptions struct {
	backend Backend
	logger  *slog.Logger
}

// WithBackend makes the device use b instead of opening one from the
// registry. The device calls b.Init and takes ownership: Shutdown closes b.
func WithBackend(b Backend) DeviceOption {
	return func(o *deviceOptions) {
		o.backend = b
	}
}

// WithLogger sets the logger handed to every component of the device.
// Defaults to the package logger at construction time.
func WithLogger(l *slog.Logger) DeviceOption {
	return func(o *deviceOptions) {
		o.logger = l
	}
}
