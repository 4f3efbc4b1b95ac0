//go:build !nogpu

package correction

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/pgaskin/chromabridge/noise"
	"github.com/pgaskin/chromabridge/spectrum"

	_ "github.com/gogpu/wgpu/hal/vulkan"
)

//go:embed kernel.wgsl
var kernelWGSL string

// KernelWGSL returns the compute shader source used by the GPU processor.
func KernelWGSL() string {
	return kernelWGSL
}

const (
	workgroupSize = 16
	paramsSize    = 32
	waitTimeout   = 5 * time.Second
)

const (
	flagSecondary = 1 << iota
	flagNoise
)

// GPU runs the kernel as a compute pass. Lookup tables and the noise mask are
// only uploaded when they change. It is safe for concurrent usage, but
// frames are processed one at a time.
type GPU struct {
	mu     sync.Mutex
	logger *slog.Logger
	name   string

	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline

	params    hal.Buffer
	primary   gpuBuffer
	secondary gpuBuffer
	mask      gpuBuffer
	pixels    gpuBuffer
	staging   gpuBuffer
	bindGroup hal.BindGroup

	// last uploaded inputs, compared by identity
	curPrimary   *spectrum.Table
	curSecondary *spectrum.Table
	curMask      *noise.Mask

	lost bool
}

type gpuBuffer struct {
	buf  hal.Buffer
	size uint64
}

var _ Processor = (*GPU)(nil)

// NewGPU opens the first suitable Vulkan adapter and builds the pipeline.
func NewGPU(logger *slog.Logger) (*GPU, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &GPU{logger: logger}
	if err := g.init(); err != nil {
		g.destroy()
		return nil, err
	}
	return g, nil
}

func (g *GPU) init() error {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return fmt.Errorf("%w: vulkan backend not registered", ErrNoGPU)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("%w: create instance: %v", ErrNoGPU, err)
	}
	g.instance = instance

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return fmt.Errorf("%w: no adapters", ErrNoGPU)
	}
	selected := &adapters[0]
	for i := range adapters {
		if t := adapters[i].Info.DeviceType; t == gputypes.DeviceTypeDiscreteGPU || t == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return fmt.Errorf("%w: open device: %v", ErrNoGPU, err)
	}
	g.device = openDev.Device
	g.queue = openDev.Queue
	g.name = "gpu (" + selected.Info.Name + ")"

	if g.shader, err = g.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "correction_kernel",
		Source: hal.ShaderSource{WGSL: kernelWGSL},
	}); err != nil {
		return fmt.Errorf("create shader module: %w", err)
	}
	if g.bindLayout, err = g.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "correction_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 3, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 4, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	}); err != nil {
		return fmt.Errorf("create bind group layout: %w", err)
	}
	if g.pipeLayout, err = g.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "correction_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{g.bindLayout},
	}); err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}
	if g.pipeline, err = g.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "correction_pipeline",
		Layout:  g.pipeLayout,
		Compute: hal.ComputeState{Module: g.shader, EntryPoint: "main"},
	}); err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	if g.params, err = g.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "correction_params",
		Size:  paramsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	}); err != nil {
		return fmt.Errorf("create params buffer: %w", err)
	}

	g.logger.Info("gpu correction initialized", "adapter", selected.Info.Name)
	return nil
}

func (g *GPU) Name() string {
	return g.name
}

// Process implements [Processor]. Submission or synchronization failures
// wrap [ErrDeviceLost], after which the processor must be closed.
func (g *GPU) Process(dst, src *image.RGBA, p *Params) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lost {
		return ErrDeviceLost
	}
	sz := src.Rect.Size()
	if dst.Rect.Size() != sz {
		return fmt.Errorf("%w: src %s, dst %s", ErrSizeMismatch, src.Rect, dst.Rect)
	}
	if !p.Active() {
		copyFrame(dst, src)
		return nil
	}
	if sz.X == 0 || sz.Y == 0 {
		return nil
	}

	if err := g.upload(sz, p); err != nil {
		return err
	}
	g.queue.WriteBuffer(g.pixels.buf, 0, packFrame(src))

	if err := g.dispatch(sz); err != nil {
		g.lost = true
		return fmt.Errorf("%w: %v", ErrDeviceLost, err)
	}

	out := make([]byte, g.pixels.size)
	if err := g.queue.ReadBuffer(g.staging.buf, 0, out); err != nil {
		g.lost = true
		return fmt.Errorf("%w: readback: %v", ErrDeviceLost, err)
	}
	unpackFrame(dst, out)
	return nil
}

// upload writes the parameters and any changed inputs, recreating buffers and
// the bind group as required.
func (g *GPU) upload(sz image.Point, p *Params) error {
	var (
		pixelSize = uint64(sz.X) * uint64(sz.Y) * 4
		maskSize  = uint64(max(1, (sz.X*sz.Y+31)/32)) * 4
		tableSize = func(t *spectrum.Table) uint64 {
			if t == nil {
				return spectrum.TableStride
			}
			return uint64(t.Len()) * spectrum.TableStride
		}
		rebind bool
		err    error
	)

	var (
		storage = gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
		sized   = []struct {
			b     *gpuBuffer
			label string
			size  uint64
			usage gputypes.BufferUsage
		}{
			{&g.primary, "correction_primary", tableSize(p.Primary), storage},
			{&g.secondary, "correction_secondary", tableSize(p.Secondary), storage},
			{&g.mask, "correction_mask", maskSize, storage},
			{&g.pixels, "correction_pixels", pixelSize, storage | gputypes.BufferUsageCopySrc},
			{&g.staging, "correction_staging", pixelSize, gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst},
		}
	)
	for _, s := range sized {
		if s.b.buf != nil && s.b.size == s.size {
			continue
		}
		if s.b.buf != nil {
			g.device.DestroyBuffer(s.b.buf)
			s.b.buf = nil
		}
		if s.b.buf, err = g.device.CreateBuffer(&hal.BufferDescriptor{
			Label: s.label,
			Size:  s.size,
			Usage: s.usage,
		}); err != nil {
			return fmt.Errorf("create %s buffer (%s): %w", s.label, humanize.IBytes(s.size), err)
		}
		s.b.size = s.size
		rebind = true
		switch s.b {
		case &g.primary:
			g.curPrimary = nil
		case &g.secondary:
			g.curSecondary = nil
		case &g.mask:
			g.curMask = nil
		}
	}

	if rebind || g.bindGroup == nil {
		if g.bindGroup != nil {
			g.device.DestroyBindGroup(g.bindGroup)
			g.bindGroup = nil
		}
		if g.bindGroup, err = g.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:  "correction_bind_group",
			Layout: g.bindLayout,
			Entries: []gputypes.BindGroupEntry{
				{Binding: 0, Resource: gputypes.BufferBinding{Buffer: g.params.NativeHandle(), Offset: 0, Size: paramsSize}},
				{Binding: 1, Resource: gputypes.BufferBinding{Buffer: g.primary.buf.NativeHandle(), Offset: 0, Size: g.primary.size}},
				{Binding: 2, Resource: gputypes.BufferBinding{Buffer: g.secondary.buf.NativeHandle(), Offset: 0, Size: g.secondary.size}},
				{Binding: 3, Resource: gputypes.BufferBinding{Buffer: g.mask.buf.NativeHandle(), Offset: 0, Size: g.mask.size}},
				{Binding: 4, Resource: gputypes.BufferBinding{Buffer: g.pixels.buf.NativeHandle(), Offset: 0, Size: g.pixels.size}},
			},
		}); err != nil {
			return fmt.Errorf("create bind group: %w", err)
		}
	}

	if p.Primary != g.curPrimary {
		g.queue.WriteBuffer(g.primary.buf, 0, p.Primary.AppendFloat32(make([]byte, 0, g.primary.size)))
		g.curPrimary = p.Primary
		g.logger.Debug("uploaded primary table", "size", humanize.IBytes(g.primary.size))
	}
	if p.Secondary != nil && p.Secondary != g.curSecondary {
		g.queue.WriteBuffer(g.secondary.buf, 0, p.Secondary.AppendFloat32(make([]byte, 0, g.secondary.size)))
		g.curSecondary = p.Secondary
		g.logger.Debug("uploaded secondary table", "size", humanize.IBytes(g.secondary.size))
	}
	if p.Noise() && p.Mask != g.curMask {
		if p.Mask.Bounds().Size() != sz {
			return fmt.Errorf("%w: mask %s, frame %s", ErrSizeMismatch, p.Mask.Bounds(), image.Rectangle{Max: sz})
		}
		g.queue.WriteBuffer(g.mask.buf, 0, p.Mask.AppendUint32(make([]byte, 0, g.mask.size)))
		g.curMask = p.Mask
		g.logger.Debug("uploaded noise mask", "size", humanize.IBytes(g.mask.size))
	}

	var flags uint32
	if p.Secondary != nil {
		flags |= flagSecondary
	}
	if p.Noise() {
		flags |= flagNoise
	}
	var secondaryLen int
	if p.Secondary != nil {
		secondaryLen = p.Secondary.Len()
	}
	b := make([]byte, 0, paramsSize)
	b = binary.LittleEndian.AppendUint32(b, uint32(sz.X))
	b = binary.LittleEndian.AppendUint32(b, uint32(sz.Y))
	b = binary.LittleEndian.AppendUint32(b, uint32(p.Primary.Len()))
	b = binary.LittleEndian.AppendUint32(b, uint32(secondaryLen))
	b = binary.LittleEndian.AppendUint32(b, flags)
	b = binary.LittleEndian.AppendUint32(b, math.Float32bits(float32(min(max(p.Strength, 0), 1))))
	b = append(b, make([]byte, paramsSize-len(b))...)
	g.queue.WriteBuffer(g.params, 0, b)
	return nil
}

func (g *GPU) dispatch(sz image.Point) error {
	encoder, err := g.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "correction_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("correction"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "correction_pass"})
	pass.SetPipeline(g.pipeline)
	pass.SetBindGroup(0, g.bindGroup, nil)
	pass.Dispatch(
		uint32((sz.X+workgroupSize-1)/workgroupSize),
		uint32((sz.Y+workgroupSize-1)/workgroupSize),
		1,
	)
	pass.End()

	encoder.CopyBufferToBuffer(g.pixels.buf, g.staging.buf, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: g.pixels.size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer g.device.FreeCommandBuffer(cmdBuf)

	fence, err := g.device.CreateFence()
	if err != nil {
		return fmt.Errorf("create fence: %w", err)
	}
	defer g.device.DestroyFence(fence)

	if err := g.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	ok, err := g.device.Wait(fence, 1, waitTimeout)
	if err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	if !ok {
		return errors.New("wait: timed out")
	}
	return nil
}

func (g *GPU) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroy()
	return nil
}

func (g *GPU) destroy() {
	if g.device != nil {
		if g.bindGroup != nil {
			g.device.DestroyBindGroup(g.bindGroup)
			g.bindGroup = nil
		}
		for _, b := range []*gpuBuffer{&g.primary, &g.secondary, &g.mask, &g.pixels, &g.staging} {
			if b.buf != nil {
				g.device.DestroyBuffer(b.buf)
				*b = gpuBuffer{}
			}
		}
		if g.params != nil {
			g.device.DestroyBuffer(g.params)
			g.params = nil
		}
		if g.pipeline != nil {
			g.device.DestroyComputePipeline(g.pipeline)
			g.pipeline = nil
		}
		if g.pipeLayout != nil {
			g.device.DestroyPipelineLayout(g.pipeLayout)
			g.pipeLayout = nil
		}
		if g.bindLayout != nil {
			g.device.DestroyBindGroupLayout(g.bindLayout)
			g.bindLayout = nil
		}
		if g.shader != nil {
			g.device.DestroyShaderModule(g.shader)
			g.shader = nil
		}
		g.device.Destroy()
		g.device = nil
		g.queue = nil
	}
	if g.instance != nil {
		g.instance.Destroy()
		g.instance = nil
	}
	g.curPrimary, g.curSecondary, g.curMask = nil, nil, nil
	g.lost = true
}

// packFrame returns the frame as tightly packed RGBA8 words.
func packFrame(src *image.RGBA) []byte {
	sz := src.Rect.Size()
	if src.Stride == sz.X*4 {
		return src.Pix[:sz.X*sz.Y*4]
	}
	b := make([]byte, 0, sz.X*sz.Y*4)
	for y := range sz.Y {
		b = append(b, src.Pix[y*src.Stride:y*src.Stride+sz.X*4]...)
	}
	return b
}

func unpackFrame(dst *image.RGBA, b []byte) {
	sz := dst.Rect.Size()
	for y := range sz.Y {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+sz.X*4], b[y*sz.X*4:])
	}
}
