package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// Activation codes understood by the generated shaders
const (
	ActNone      = 0
	ActReLU      = 1
	ActLeakyReLU = 2
	ActSigmoid   = 3
	ActTanh      = 4
)

// DenseLayerSpec defines the configuration for a single dense layer
type DenseLayerSpec struct {
	InputSize  int
	OutputSize int
	Activation int       // ActXXX constant
	Weights    []float32 // Flattened [InputSize * OutputSize], CPU layout
	Biases     []float32 // [OutputSize]
}

// DenseLayer holds the forward resources for one dense layer at a fixed
// batch size.
type DenseLayer struct {
	Spec      DenseLayerSpec
	BatchSize int

	pipeline        *wgpu.ComputePipeline
	bindGroupLayout *wgpu.BindGroupLayout
	bindGroup       *wgpu.BindGroup

	InputBuffer   *wgpu.Buffer
	OutputBuffer  *wgpu.Buffer
	StagingBuffer *wgpu.Buffer
	WeightBuffer  *wgpu.Buffer
	BiasBuffer    *wgpu.Buffer

	WorkgroupsX uint32
}

func (l *DenseLayer) batch() int {
	if l.BatchSize <= 0 {
		return 1
	}
	return l.BatchSize
}

// Build allocates buffers, compiles the shader and creates the bind group.
func (l *DenseLayer) Build(label string) error {
	c, err := GetContext()
	if err != nil {
		return err
	}
	if err := l.allocateBuffers(c, label); err != nil {
		return err
	}
	if err := l.compile(c, label); err != nil {
		return err
	}
	return l.createBindGroup(c, label)
}

// Forward uploads the current weights and input and returns the layer output
// for BatchSize rows.
func (l *DenseLayer) Forward(input []float32) ([]float32, error) {
	if want := l.Spec.InputSize * l.batch(); len(input) != want {
		return nil, fmt.Errorf("dense input has %d values, expected %d", len(input), want)
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	l.UploadWeights(c)
	Log("dispatching dense %dx%d w/ %d workgroups", l.Spec.InputSize, l.Spec.OutputSize, l.WorkgroupsX)
	return runPass(c, input, l.InputBuffer, l.OutputBuffer, l.StagingBuffer,
		l.pipeline, l.bindGroup, l.WorkgroupsX, l.Spec.OutputSize*l.batch())
}

// UploadWeights writes Spec weights (transposed to [Output, Input]) and biases.
func (l *DenseLayer) UploadWeights(c *Context) {
	if l.WeightBuffer != nil {
		transposed := transposeWeights(l.Spec.Weights, l.Spec.InputSize, l.Spec.OutputSize)
		c.Queue.WriteBuffer(l.WeightBuffer, 0, wgpu.ToBytes(transposed))
	}
	if l.BiasBuffer != nil {
		c.Queue.WriteBuffer(l.BiasBuffer, 0, wgpu.ToBytes(l.Spec.Biases))
	}
}

func transposeWeights(in []float32, rows, cols int) []float32 {
	out := make([]float32, len(in))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = in[r*cols+c]
		}
	}
	return out
}

func (l *DenseLayer) allocateBuffers(c *Context, label string) error {
	Log("allocating buffers for %s (batch: %d)", label, l.batch())
	var err error
	if l.InputBuffer, err = newStorageBuffer(c, label+"_In", l.Spec.InputSize*l.batch()); err != nil {
		return err
	}
	if l.OutputBuffer, err = newStorageBuffer(c, label+"_Out", l.Spec.OutputSize*l.batch()); err != nil {
		return err
	}
	usage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc
	if l.WeightBuffer, err = NewFloatBuffer(transposeWeights(l.Spec.Weights, l.Spec.InputSize, l.Spec.OutputSize), usage); err != nil {
		return fmt.Errorf("weight buf: %v", err)
	}
	if l.BiasBuffer, err = NewFloatBuffer(l.Spec.Biases, usage); err != nil {
		return fmt.Errorf("bias buf: %v", err)
	}
	l.StagingBuffer, err = newStagingBuffer(c, label+"_Staging", l.Spec.OutputSize*l.batch())
	return err
}

// GenerateShader creates WGSL for this layer configuration
func (l *DenseLayer) GenerateShader() string {
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read_write> output : array<f32>;
		@group(0) @binding(2) var<storage, read> weights : array<f32>;
		@group(0) @binding(3) var<storage, read> biases : array<f32>;

		fn activate(x: f32) -> f32 {
			%s
		}

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let n_out = %du;
			let n_in = %du;

			if (idx >= arrayLength(&output)) {
				return;
			}

			// idx = sample_idx * n_out + out_idx
			let sample_idx = idx / n_out;
			let out_idx = idx %% n_out;

			var sum: f32 = biases[out_idx];
			let weight_offset = out_idx * n_in;
			let input_offset = sample_idx * n_in;

			for (var i: u32 = 0u; i < n_in; i++) {
				sum += weights[weight_offset + i] * input[input_offset + i];
			}

			output[idx] = activate(sum);
		}
	`, activationWGSL(l.Spec.Activation), l.Spec.OutputSize, l.Spec.InputSize)
}

func activationWGSL(act int) string {
	switch act {
	case ActReLU:
		return "return max(x, 0.0);"
	case ActLeakyReLU:
		return "return select(0.01 * x, x, x > 0.0);"
	case ActSigmoid:
		return "return 1.0 / (1.0 + exp(-x));"
	case ActTanh:
		return "return tanh(x);"
	}
	return "return x;"
}

func (l *DenseLayer) compile(c *Context, label string) error {
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.GenerateShader()},
	})
	if err != nil {
		return fmt.Errorf("shader compile: %v", err)
	}
	defer module.Release()

	// Explicit bind group layout; "auto" layouts misbehave under WASM.
	l.bindGroupLayout, err = c.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: label + "_BGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{Binding: 0, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 1, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeStorage}},
			{Binding: 2, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
			{Binding: 3, Visibility: wgpu.ShaderStageCompute, Buffer: wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bgl: %v", err)
	}

	pipelineLayout, err := c.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            label + "_Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{l.bindGroupLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %v", err)
	}

	l.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label + "_Pipe",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fmt.Errorf("pipeline create: %v", err)
	}

	total := uint32(l.Spec.OutputSize * l.batch())
	l.WorkgroupsX = (total + 255) / 256
	return nil
}

func (l *DenseLayer) createBindGroup(c *Context, label string) error {
	var err error
	l.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  label + "_Bind",
		Layout: l.bindGroupLayout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
			{Binding: 2, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 3, Buffer: l.BiasBuffer, Size: l.BiasBuffer.GetSize()},
		},
	})
	return err
}

// Cleanup releases resources
func (l *DenseLayer) Cleanup() {
	for _, b := range []*wgpu.Buffer{l.InputBuffer, l.OutputBuffer, l.StagingBuffer, l.WeightBuffer, l.BiasBuffer} {
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
