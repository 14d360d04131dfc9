// Command rhidemo drives an rhi device through a few frames: it clears the
// back buffer, streams uploads through the pools and prints memory
// statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/rhi"
	_ "github.com/gogpu/rhi/backend/soft"
	_ "github.com/gogpu/rhi/backend/wgpu"
)

func main() {
	var (
		configPath = flag.String("config", "", "TOML device configuration")
		backend    = flag.String("backend", "", "backend name (overrides config)")
		width      = flag.Uint("width", 800, "back buffer width")
		height     = flag.Uint("height", 600, "back buffer height")
		frames     = flag.Int("frames", 60, "frames to render")
		verbose    = flag.Bool("v", false, "debug logging")
		dumpConfig = flag.Bool("dump-config", false, "print the resolved configuration and exit")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	rhi.SetLogger(logger)

	cfg := rhi.DefaultConfig()
	if *configPath != "" {
		c, err := rhi.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = c
	}
	if *backend != "" {
		cfg.Backend = *backend
	}

	if *dumpConfig {
		out, err := cfg.Encode()
		if err != nil {
			log.Fatalf("Failed to encode config: %v", err)
		}
		os.Stdout.Write(out)
		return
	}

	dev, err := rhi.NewDevice(cfg, &rhi.SurfaceInfo{Width: uint32(*width), Height: uint32(*height)}, rhi.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to create device (backends: %v): %v", rhi.AvailableBackends(), err)
	}
	defer func() {
		if err := dev.Shutdown(); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}()

	log.Printf("Using backend %q", dev.Backend().Name())
	for i := 0; i < *frames; i++ {
		if err := renderFrame(dev, i); err != nil {
			log.Printf("Frame %d: %v", i, err)
			return
		}
	}
	if err := dev.WaitForIdle(); err != nil {
		log.Printf("WaitForIdle: %v", err)
		return
	}

	bs := dev.BufferPool().Stats()
	log.Printf("Rendered %d frames", dev.FrameIndex())
	log.Printf("Buffer pool: %d hits, %d misses, %d available", bs.Hits, bs.Misses, bs.Available)
	fmt.Println(dev.MemoryStats())
}

// renderFrame clears the back buffer with a color that cycles over time and
// copies a small per-frame constant block through a pooled upload buffer.
func renderFrame(dev *rhi.Device, frame int) error {
	list, err := dev.BeginFrame()
	if err != nil {
		return err
	}

	t := float32(frame%120) / 120
	if h, ok := dev.BackBuffer(); ok {
		if bb := dev.Resources().GetTexture(h); bb != nil {
			list.ClearRenderTarget(bb, [4]float32{0.1 + 0.4*t, 0.2 + 0.3*t, 0.4 + 0.2*t, 1})
		}
	}

	pool := dev.BufferPool()
	uploadH, err := pool.Acquire(rhi.BufferDesc{
		Size: 256, Usage: rhi.UsageCopySource, CPUAccessible: true, DebugName: "frame-upload",
	})
	if err != nil {
		return err
	}
	constH, err := pool.Acquire(rhi.BufferDesc{
		Size: 256, Usage: rhi.UsageConstantBuffer | rhi.UsageCopyDest, DebugName: "frame-constants",
	})
	if err != nil {
		return err
	}
	upload := dev.Resources().GetBuffer(uploadH)
	constants := dev.Resources().GetBuffer(constH)

	block := make([]byte, 256)
	for i := range block {
		block[i] = byte(frame + i)
	}
	if err := upload.UpdateData(block, 0); err != nil {
		return err
	}
	list.CopyBuffer(constants, 0, upload, 0, uint64(len(block)))
	list.Transition(constants, rhi.StateVertexAndConstantBuffer)

	v, err := dev.EndFrame()
	if err != nil {
		return err
	}
	graphics := dev.Queue(rhi.QueueGraphics)
	pool.ReturnBufferAt(uploadH, graphics, v)
	pool.ReturnBufferAt(constH, graphics, v)
	return dev.Present()
}
