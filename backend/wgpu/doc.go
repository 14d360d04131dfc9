//go:build !nogpu

// Package wgpu implements rhi.Backend on top of the gogpu/wgpu HAL.
//
// Resources map onto hal buffers and textures. Recorded rhi command lists
// are translated at submit time into one hal command buffer each: barrier
// batches become TransitionBuffers/TransitionTextures calls, clears and
// render target bindings open render passes, dispatches run in compute
// passes. Every rhi queue owns a hal fence; all of them feed the single
// hal queue of the device.
//
// The backend registers itself as "wgpu" and opens a Vulkan device in Init.
// Hosts that already own a device (for example a gogpu window) pass it in
// through NewFromProvider.
//
// Build with -tags nogpu to exclude this package.
package wgpu
