package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// LayerNormSpec describes a layer norm over Rows contiguous vectors of
// NormSize values each.
type LayerNormSpec struct {
	NormSize int
	Rows     int
	Epsilon  float32
	Gamma    []float32 // [NormSize]
	Beta     []float32 // [NormSize]
}

// LayerNormLayer holds the forward resources for one layer norm at a fixed
// row count.
type LayerNormLayer struct {
	Spec LayerNormSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer   *wgpu.Buffer
	OutputBuffer  *wgpu.Buffer
	StagingBuffer *wgpu.Buffer
	GammaBuffer   *wgpu.Buffer
	BetaBuffer    *wgpu.Buffer

	WorkgroupsX uint32
}

func (l *LayerNormLayer) rows() int {
	if l.Spec.Rows < 1 {
		return 1
	}
	return l.Spec.Rows
}

// Build allocates buffers, compiles the shader and creates the bind group.
func (l *LayerNormLayer) Build(label string) error {
	if l.Spec.NormSize < 1 || len(l.Spec.Gamma) != l.Spec.NormSize || len(l.Spec.Beta) != l.Spec.NormSize {
		return fmt.Errorf("layer norm %d needs gamma and beta of the same size", l.Spec.NormSize)
	}
	c, err := GetContext()
	if err != nil {
		return err
	}
	total := l.rows() * l.Spec.NormSize

	if l.InputBuffer, err = newStorageBuffer(c, label+"_In", total); err != nil {
		return err
	}
	if l.OutputBuffer, err = newStorageBuffer(c, label+"_Out", total); err != nil {
		return err
	}
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	if l.GammaBuffer, err = NewFloatBuffer(l.Spec.Gamma, usage); err != nil {
		return fmt.Errorf("gamma buf: %v", err)
	}
	if l.BetaBuffer, err = NewFloatBuffer(l.Spec.Beta, usage); err != nil {
		return fmt.Errorf("beta buf: %v", err)
	}
	if l.StagingBuffer, err = newStagingBuffer(c, label+"_Staging", total); err != nil {
		return err
	}

	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.GenerateShader()},
	})
	if err != nil {
		return fmt.Errorf("shader compile: %v", err)
	}
	defer mod.Release()

	l.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("pipeline create: %v", err)
	}

	l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  label + "_Bind",
		Layout: l.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
			{Binding: 2, Buffer: l.GammaBuffer, Size: l.GammaBuffer.GetSize()},
			{Binding: 3, Buffer: l.BetaBuffer, Size: l.BetaBuffer.GetSize()},
		},
	})
	l.WorkgroupsX = uint32((l.rows() + 63) / 64)
	return err
}

// GenerateShader emits WGSL with one invocation per normalized row.
func (l *LayerNormLayer) GenerateShader() string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read_write> output : array<f32>;
		@group(0) @binding(2) var<storage, read> gamma : array<f32>;
		@group(0) @binding(3) var<storage, read> beta : array<f32>;

		const N: u32 = %du;
		const ROWS: u32 = %du;
		const EPS: f32 = %e;

		@compute @workgroup_size(64)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let row = gid.x;
			if (row >= ROWS) {
				return;
			}
			let offset = row * N;

			var sum: f32 = 0.0;
			for (var i: u32 = 0u; i < N; i++) {
				sum += input[offset + i];
			}
			let mean = sum / f32(N);

			var sumSq: f32 = 0.0;
			for (var i: u32 = 0u; i < N; i++) {
				let diff = input[offset + i] - mean;
				sumSq += diff * diff;
			}
			let invStd = inverseSqrt(sumSq / f32(N) + EPS);

			for (var i: u32 = 0u; i < N; i++) {
				output[offset + i] = (input[offset + i] - mean) * invStd * gamma[i] + beta[i];
			}
		}
	`, l.Spec.NormSize, l.rows(), l.Spec.Epsilon)
}

// Forward uploads gamma, beta and input and returns the normalized rows.
func (l *LayerNormLayer) Forward(input []float32) ([]float32, error) {
	total := l.rows() * l.Spec.NormSize
	if len(input) != total {
		return nil, fmt.Errorf("layer norm input has %d values, expected %d", len(input), total)
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	l.UploadWeights(c)
	Log("dispatching layer norm %d x %d w/ %d workgroups", l.rows(), l.Spec.NormSize, l.WorkgroupsX)
	return runPass(c, input, l.InputBuffer, l.OutputBuffer, l.StagingBuffer,
		l.pipeline, l.bindGroup, l.WorkgroupsX, total)
}

// UploadWeights writes the current gamma and beta.
func (l *LayerNormLayer) UploadWeights(c *Context) {
	if l.GammaBuffer != nil {
		c.Queue.WriteBuffer(l.GammaBuffer, 0, wgpu.ToBytes(l.Spec.Gamma))
	}
	if l.BetaBuffer != nil {
		c.Queue.WriteBuffer(l.BetaBuffer, 0, wgpu.ToBytes(l.Spec.Beta))
	}
}

// Cleanup releases resources
func (l *LayerNormLayer) Cleanup() {
	for _, b := range []*wgpu.Buffer{l.InputBuffer, l.OutputBuffer, l.StagingBuffer, l.GammaBuffer, l.BetaBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
	if l.bindGroup != nil {
		l.bindGroup.Release()
	}
}
