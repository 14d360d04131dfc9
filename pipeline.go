package rhi

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/gogpu/naga/ir"
)

// PipelineKind selects graphics or compute pipelines.
type PipelineKind uint8

const (
	PipelineGraphics PipelineKind = iota
	PipelineCompute
)

func (k PipelineKind) String() string {
	if k == PipelineCompute {
		return "Compute"
	}
	return "Graphics"
}

// Topology is the primitive topology of a graphics pipeline.
type Topology uint8

const (
	TopologyTriangleList Topology = iota
	TopologyTriangleStrip
	TopologyLineList
	TopologyLineStrip
	TopologyPointList
)

// VertexFormat is the type of one vertex attribute.
type VertexFormat uint8

const (
	VertexFloat32 VertexFormat = iota
	VertexFloat32x2
	VertexFloat32x3
	VertexFloat32x4
	VertexUint32
	VertexUnorm8x4
)

// Size returns the byte size of one attribute.
func (f VertexFormat) Size() uint32 {
	switch f {
	case VertexFloat32x2:
		return 8
	case VertexFloat32x3:
		return 12
	case VertexFloat32x4:
		return 16
	default:
		return 4
	}
}

// VertexAttribute binds a shader location to bytes of a vertex.
type VertexAttribute struct {
	Location uint32
	Offset   uint32
	Format   VertexFormat
}

// VertexLayout describes one vertex buffer slot.
type VertexLayout struct {
	Stride      uint32
	PerInstance bool
	Attributes  []VertexAttribute
}

// PipelineDesc describes a pipeline. Shader is WGSL; the core compiles and
// validates it and forwards the compiled code to the backend.
type PipelineDesc struct {
	Kind   PipelineKind
	Shader string

	VertexEntry   string
	FragmentEntry string
	ComputeEntry  string

	VertexLayouts []VertexLayout
	ColorFormats  []Format
	DepthFormat   Format
	Topology      Topology
	SampleCount   uint32

	DebugName string
}

func validatePipelineDesc(desc *PipelineDesc) (PipelineDesc, error) {
	d := *desc
	if strings.TrimSpace(d.Shader) == "" {
		return d, fmt.Errorf("%w: empty shader source", ErrInvalidShader)
	}
	entries, err := entryPoints(d.Shader)
	if err != nil {
		return d, err
	}
	need := func(name string, stage ir.ShaderStage) error {
		if name == "" {
			return fmt.Errorf("%w: missing %s entry point", ErrInvalidShader, stageName(stage))
		}
		if got, ok := entries[name]; !ok || got != stage {
			return fmt.Errorf("%w: no @%s fn %s in shader", ErrInvalidShader, stageName(stage), name)
		}
		return nil
	}

	switch d.Kind {
	case PipelineCompute:
		if err := need(d.ComputeEntry, ir.StageCompute); err != nil {
			return d, err
		}
		if len(d.VertexLayouts) > 0 || len(d.ColorFormats) > 0 || d.DepthFormat != FormatUnknown {
			return d, fmt.Errorf("%w: compute pipelines take no vertex or target state", ErrValidation)
		}
		return d, nil
	case PipelineGraphics:
	default:
		return d, fmt.Errorf("%w: unknown pipeline kind %d", ErrValidation, d.Kind)
	}

	if err := need(d.VertexEntry, ir.StageVertex); err != nil {
		return d, err
	}
	if d.FragmentEntry != "" {
		if err := need(d.FragmentEntry, ir.StageFragment); err != nil {
			return d, err
		}
	}
	for i, f := range d.ColorFormats {
		if !f.IsColor() || f.IsCompressed() {
			return d, fmt.Errorf("%w: color target %d has format %s", ErrInvalidFormat, i, f)
		}
	}
	if d.DepthFormat != FormatUnknown && !d.DepthFormat.IsDepth() {
		return d, fmt.Errorf("%w: depth target has format %s", ErrInvalidFormat, d.DepthFormat)
	}
	for i, l := range d.VertexLayouts {
		for _, a := range l.Attributes {
			if a.Offset+a.Format.Size() > l.Stride {
				return d, fmt.Errorf("%w: vertex layout %d attribute %d overruns stride %d", ErrInvalidStride, i, a.Location, l.Stride)
			}
		}
	}
	if d.SampleCount == 0 {
		d.SampleCount = 1
	}
	switch d.SampleCount {
	case 1, 2, 4, 8, 16:
	default:
		return d, fmt.Errorf("%w: %d", ErrInvalidSampleCount, d.SampleCount)
	}
	return d, nil
}

// Pipeline is a compiled pipeline state object owned by a ResourceManager.
type Pipeline struct {
	desc      PipelineDesc
	native    NativePipeline
	codeWords int
	logger    *slog.Logger
	lifecycle atomic.Uint32
}

func (p *Pipeline) initialize(backend Backend, desc *PipelineDesc, logger *slog.Logger) error {
	d, err := validatePipelineDesc(desc)
	if err != nil {
		return err
	}
	spirv, err := CompileWGSL(d.Shader)
	if err != nil {
		return err
	}

	native, err := backend.CreatePipeline(&NativePipelineDesc{PipelineDesc: d, SPIRV: spirv})
	if err != nil {
		return allocationFailure(fmt.Sprintf("create pipeline %q", d.DebugName), err)
	}
	p.desc = d
	p.native = native
	p.codeWords = len(spirv)
	p.logger = orNop(logger)
	p.logger.Debug("rhi: pipeline created", "name", d.DebugName, "kind", d.Kind, "spirvWords", len(spirv))
	return nil
}

func (p *Pipeline) markValid() { p.lifecycle.Store(uint32(lifecycleValid)) }

func (p *Pipeline) release() {
	if !p.lifecycle.CompareAndSwap(uint32(lifecycleValid), uint32(lifecycleInvalid)) {
		return
	}
	p.native.Release()
	p.logger.Debug("rhi: pipeline released", "name", p.desc.DebugName)
}

// IsValid reports whether the pipeline still owns its native object.
func (p *Pipeline) IsValid() bool { return lifecycle(p.lifecycle.Load()) == lifecycleValid }

// Kind returns graphics or compute.
func (p *Pipeline) Kind() PipelineKind { return p.desc.Kind }

// Desc returns the validated description.
func (p *Pipeline) Desc() PipelineDesc { return p.desc }

// Name returns the debug name.
func (p *Pipeline) Name() string { return p.desc.DebugName }

// Native returns the backend pipeline.
func (p *Pipeline) Native() NativePipeline { return p.native }
