package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// Conv2DSpec defines configuration for a batched NCHW 2D convolution
type Conv2DSpec struct {
	Batch       int
	InChannels  int
	OutChannels int
	KernelH     int
	KernelW     int
	Stride      int
	Padding     int
	InputHeight int
	InputWidth  int
	Weights     []float32 // [OutChannels * InChannels * KernelH * KernelW]
	Bias        []float32 // [OutChannels]
}

// OutputSize returns the spatial output dimensions.
func (s Conv2DSpec) OutputSize() (int, int) {
	stride := s.Stride
	if stride < 1 {
		stride = 1
	}
	h := (s.InputHeight+2*s.Padding-s.KernelH)/stride + 1
	w := (s.InputWidth+2*s.Padding-s.KernelW)/stride + 1
	return h, w
}

// Conv2DLayer holds GPU resources for one convolution at a fixed input size
type Conv2DLayer struct {
	Spec Conv2DSpec

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	InputBuffer   *wgpu.Buffer
	OutputBuffer  *wgpu.Buffer
	StagingBuffer *wgpu.Buffer
	WeightBuffer  *wgpu.Buffer
	BiasBuffer    *wgpu.Buffer

	outputH, outputW int
}

func (l *Conv2DLayer) inputSize() int {
	return l.Spec.Batch * l.Spec.InChannels * l.Spec.InputHeight * l.Spec.InputWidth
}

func (l *Conv2DLayer) outputSize() int {
	return l.Spec.Batch * l.Spec.OutChannels * l.outputH * l.outputW
}

// Build allocates buffers, compiles the shader and binds resources.
func (l *Conv2DLayer) Build(label string) error {
	c, err := GetContext()
	if err != nil {
		return err
	}
	l.outputH, l.outputW = l.Spec.OutputSize()
	if l.outputH <= 0 || l.outputW <= 0 {
		return fmt.Errorf("conv2d output %dx%d is empty", l.outputH, l.outputW)
	}

	if l.InputBuffer, err = newStorageBuffer(c, label+"_In", l.inputSize()); err != nil {
		return err
	}
	if l.OutputBuffer, err = newStorageBuffer(c, label+"_Out", l.outputSize()); err != nil {
		return err
	}
	if l.WeightBuffer, err = NewFloatBuffer(l.Spec.Weights, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	if l.BiasBuffer, err = NewFloatBuffer(l.Spec.Bias, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst); err != nil {
		return err
	}
	if l.StagingBuffer, err = newStagingBuffer(c, label+"_Staging", l.outputSize()); err != nil {
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
			{Binding: 1, Buffer: l.WeightBuffer, Size: l.WeightBuffer.GetSize()},
			{Binding: 2, Buffer: l.BiasBuffer, Size: l.BiasBuffer.GetSize()},
			{Binding: 3, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
		},
	})
	return err
}

// GenerateShader emits WGSL for an NCHW convolution with one invocation per
// output element.
func (l *Conv2DLayer) GenerateShader() string {
	stride := l.Spec.Stride
	if stride < 1 {
		stride = 1
	}
	return fmt.Sprintf(`
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> weights : array<f32>;
		@group(0) @binding(2) var<storage, read> bias : array<f32>;
		@group(0) @binding(3) var<storage, read_write> output : array<f32>;

		const BATCH: u32 = %du;
		const IN_H: u32 = %du;
		const IN_W: u32 = %du;
		const IN_CH: u32 = %du;
		const OUT_CH: u32 = %du;
		const KH: u32 = %du;
		const KW: u32 = %du;
		const STRIDE: u32 = %du;
		const PADDING: u32 = %du;
		const OUT_H: u32 = %du;
		const OUT_W: u32 = %du;

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			let total = BATCH * OUT_CH * OUT_H * OUT_W;
			if (idx >= total) { return; }

			// Output layout: [B, C, H, W]
			let out_w = idx %% OUT_W;
			let out_h = (idx / OUT_W) %% OUT_H;
			let out_c = (idx / (OUT_W * OUT_H)) %% OUT_CH;
			let b = idx / (OUT_W * OUT_H * OUT_CH);

			var sum: f32 = bias[out_c];

			for (var in_c: u32 = 0u; in_c < IN_CH; in_c++) {
				for (var kh: u32 = 0u; kh < KH; kh++) {
					let ih = i32(out_h * STRIDE + kh) - i32(PADDING);
					if (ih < 0 || u32(ih) >= IN_H) { continue; }
					for (var kw: u32 = 0u; kw < KW; kw++) {
						let iw = i32(out_w * STRIDE + kw) - i32(PADDING);
						if (iw < 0 || u32(iw) >= IN_W) { continue; }
						let i_idx = ((b * IN_CH + in_c) * IN_H + u32(ih)) * IN_W + u32(iw);
						let w_idx = ((out_c * IN_CH + in_c) * KH + kh) * KW + kw;
						sum += input[i_idx] * weights[w_idx];
					}
				}
			}

			output[idx] = sum;
		}
	`, l.Spec.Batch, l.Spec.InputHeight, l.Spec.InputWidth, l.Spec.InChannels, l.Spec.OutChannels,
		l.Spec.KernelH, l.Spec.KernelW, stride, l.Spec.Padding, l.outputH, l.outputW)
}

// Forward uploads weights and input and returns the (B, OutC, OutH, OutW)
// output, flattened.
func (l *Conv2DLayer) Forward(input []float32) ([]float32, error) {
	if len(input) != l.inputSize() {
		return nil, fmt.Errorf("conv2d input has %d values, expected %d", len(input), l.inputSize())
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	l.UploadWeights(c)
	groups := uint32((l.outputSize() + 255) / 256)
	Log("dispatching conv2d %d->%d (%dx%d) w/ %d workgroups",
		l.Spec.InChannels, l.Spec.OutChannels, l.outputH, l.outputW, groups)
	return runPass(c, input, l.InputBuffer, l.OutputBuffer, l.StagingBuffer,
		l.pipeline, l.bindGroup, groups, l.outputSize())
}

// UploadWeights writes the current Spec weights and bias to the device.
func (l *Conv2DLayer) UploadWeights(c *Context) {
	if len(l.Spec.Weights) > 0 {
		c.Queue.WriteBuffer(l.WeightBuffer, 0, wgpu.ToBytes(l.Spec.Weights))
	}
	if len(l.Spec.Bias) > 0 {
		c.Queue.WriteBuffer(l.BiasBuffer, 0, wgpu.ToBytes(l.Spec.Bias))
	}
}

// Cleanup releases resources
func (l *Conv2DLayer) Cleanup() {
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
