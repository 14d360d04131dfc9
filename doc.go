// Package rhi is the resource and command-submission core of a render
// hardware interface.
//
// It turns engine-level requests (a buffer, a texture, a pipeline, a list
// of commands to run) into native GPU objects with correct lifetime,
// synchronization and state tracking:
//
//   - Resources are referenced by generation-stamped handles. A handle to a
//     destroyed resource stays invalid forever, even after its slot is
//     reused.
//   - Every buffer, and every texture subresource, tracks its GPU access
//     state. Command lists transition operands automatically and batch the
//     resulting barriers.
//   - Each CommandQueue owns a monotonic fence. Command allocators and
//     pooled resources are reused only after the fence value they were
//     retired with has completed.
//
// Native APIs are reached through the Backend interface. Backends live in
// sub-packages and register themselves by name:
//
//	import (
//	    "github.com/gogpu/rhi"
//	    _ "github.com/gogpu/rhi/backend/soft"
//	)
//
//	dev, err := rhi.NewDevice(rhi.DefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Shutdown()
//
//	vb, err := dev.Resources().CreateBuffer(rhi.BufferDesc{
//	    Size:   1024,
//	    Stride: 16,
//	    Usage:  rhi.UsageVertexBuffer | rhi.UsageCopyDest,
//	})
//
// # Logging
//
// rhi is silent by default. Call SetLogger, or pass WithLogger to NewDevice,
// to receive structured log records through log/slog.
package rhi
