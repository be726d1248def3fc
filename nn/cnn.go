package nn

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/openfluke/locgame/gpu"
)

// Conv2D is a 2D convolution over (B, InC, H, W) inputs.
// Kernel is stored [OutC][InC][KernelH][KernelW].
type Conv2D struct {
	InC     int
	OutC    int
	KernelH int
	KernelW int
	Stride  int
	Padding int
	Kernel  *Tensor[float32]
	Bias    *Tensor[float32]

	useGPU    bool
	gpuMu     sync.Mutex
	gpuLayers map[[3]int]*gpu.Conv2DLayer // keyed by (batch, h, w)
	Observer  LayerObserver
}

// NewConv2D initializes a convolution with the PyTorch default uniform init.
func NewConv2D(inC, outC, kernelH, kernelW, stride, padding int, rng *rand.Rand) *Conv2D {
	rng = orDefault(rng)
	if stride < 1 {
		stride = 1
	}
	c := &Conv2D{
		InC:     inC,
		OutC:    outC,
		KernelH: kernelH,
		KernelW: kernelW,
		Stride:  stride,
		Padding: padding,
		Kernel:  NewTensor[float32](outC, inC, kernelH, kernelW),
		Bias:    NewTensor[float32](outC),
	}
	fanIn := inC * kernelH * kernelW
	uniformInit(rng, c.Kernel, fanIn)
	uniformInit(rng, c.Bias, fanIn)
	return c
}

// Parameters implements Module.
func (c *Conv2D) Parameters() []*Param {
	return []*Param{{Name: "weight", Value: c.Kernel}, {Name: "bias", Value: c.Bias}}
}

// Device implements the DeviceOf probe.
func (c *Conv2D) Device() Device {
	c.gpuMu.Lock()
	defer c.gpuMu.Unlock()
	if c.useGPU {
		return DeviceGPU
	}
	return DeviceCPU
}

// SetObserver attaches a forward observer.
func (c *Conv2D) SetObserver(o LayerObserver) { c.Observer = o }

// OutputShape returns the spatial output for a given input.
func (c *Conv2D) OutputShape(in Shape2D) Shape2D {
	return UpdateShapeHW(in, c.KernelH, c.KernelW, c.Stride, c.Padding, ShapeConv)
}

// Forward computes the convolution. Input (B, InC, H, W), output
// (B, OutC, OutH, OutW).
func (c *Conv2D) Forward(x *Tensor[float32]) *Tensor[float32] {
	requireRank(x, 4, "(B,C,H,W)")
	if x.Shape[1] != c.InC {
		panic(fmt.Errorf("%w: conv2d expects %d channels, got shape %v", ErrShape, c.InC, x.Shape))
	}
	batch, inH, inW := x.Shape[0], x.Shape[2], x.Shape[3]
	osz := c.OutputShape(Shape2D{H: inH, W: inW})
	if osz.H <= 0 || osz.W <= 0 {
		panic(fmt.Errorf("%w: conv2d kernel %dx%d larger than input %v", ErrShape, c.KernelH, c.KernelW, x.Shape))
	}

	data, err := c.forwardGPU(x.Data, batch, inH, inW)
	if err == nil {
		out := NewTensorFromSlice(data, batch, c.OutC, osz.H, osz.W)
		notifyObserver(c.Observer, "conv2d", x, out)
		return out
	}
	if !errors.Is(err, errGPUDisabled) {
		gpu.Log("conv2d %d->%d falling back to CPU: %v", c.InC, c.OutC, err)
	}

	out := NewTensor[float32](batch, c.OutC, osz.H, osz.W)
	conv2DForwardCPU(x.Data, out.Data, c, batch, inH, inW, osz.H, osz.W)
	notifyObserver(c.Observer, "conv2d", x, out)
	return out
}

// conv2DForwardCPU performs 2D convolution on CPU
// input: [batch][inC][inH][inW], output: [batch][outC][outH][outW]
// Work is split across output filters.
func conv2DForwardCPU(input, output []float32, c *Conv2D, batch, inH, inW, outH, outW int) {
	inC, kH, kW := c.InC, c.KernelH, c.KernelW
	stride, padding := c.Stride, c.Padding
	kernel := c.Kernel.Data
	bias := c.Bias.Data

	ParallelFor(c.OutC, func(lo, hi int) {
		for b := 0; b < batch; b++ {
			for f := lo; f < hi; f++ {
				plane := output[(b*c.OutC+f)*outH*outW : (b*c.OutC+f+1)*outH*outW]
				for i := range plane {
					plane[i] = bias[f]
				}
				for ic := 0; ic < inC; ic++ {
					src := input[(b*inC+ic)*inH*inW : (b*inC+ic+1)*inH*inW]
					for kh := 0; kh < kH; kh++ {
						for kw := 0; kw < kW; kw++ {
							w := kernel[((f*inC+ic)*kH+kh)*kW+kw]
							if w == 0 {
								continue
							}
							for oh := 0; oh < outH; oh++ {
								ih := oh*stride + kh - padding
								if ih < 0 || ih >= inH {
									continue
								}
								row := src[ih*inW : (ih+1)*inW]
								dst := plane[oh*outW : (oh+1)*outW]
								for ow := range dst {
									iw := ow*stride + kw - padding
									if iw >= 0 && iw < inW {
										dst[ow] += w * row[iw]
									}
								}
							}
						}
					}
				}
			}
		}
	})
}

// EnableGPU routes Forward through a WebGPU compute shader.
func (c *Conv2D) EnableGPU() error {
	if err := gpu.EnsureGPU(); err != nil {
		return fmt.Errorf("conv2d enable gpu: %w", err)
	}
	c.gpuMu.Lock()
	c.useGPU = true
	c.gpuMu.Unlock()
	return nil
}

// ReleaseGPU frees GPU resources and returns the layer to CPU execution.
func (c *Conv2D) ReleaseGPU() {
	c.gpuMu.Lock()
	defer c.gpuMu.Unlock()
	for _, l := range c.gpuLayers {
		l.Cleanup()
	}
	c.gpuLayers = nil
	c.useGPU = false
}

func (c *Conv2D) forwardGPU(input []float32, batch, inH, inW int) ([]float32, error) {
	c.gpuMu.Lock()
	defer c.gpuMu.Unlock()
	if !c.useGPU {
		return nil, errGPUDisabled
	}

	if c.gpuLayers == nil {
		c.gpuLayers = make(map[[3]int]*gpu.Conv2DLayer)
	}
	key := [3]int{batch, inH, inW}
	l, ok := c.gpuLayers[key]
	if !ok {
		l = &gpu.Conv2DLayer{Spec: gpu.Conv2DSpec{
			Batch:       batch,
			InChannels:  c.InC,
			OutChannels: c.OutC,
			KernelH:     c.KernelH,
			KernelW:     c.KernelW,
			Stride:      c.Stride,
			Padding:     c.Padding,
			InputHeight: inH,
			InputWidth:  inW,
			Weights:     c.Kernel.Data,
			Bias:        c.Bias.Data,
		}}
		if err := l.Build(fmt.Sprintf("conv_%d_%d_b%d_%dx%d", c.InC, c.OutC, batch, inH, inW)); err != nil {
			l.Cleanup()
			return nil, err
		}
		c.gpuLayers[key] = l
	}
	l.Spec.Weights, l.Spec.Bias = c.Kernel.Data, c.Bias.Data
	return l.Forward(input)
}

// ConvTranspose2D is a transposed convolution over (B, InC, H, W) inputs.
// Kernel is stored [InC][OutC][KernelH][KernelW], matching PyTorch.
type ConvTranspose2D struct {
	InC     int
	OutC    int
	KernelH int
	KernelW int
	Stride  int
	Padding int
	Kernel  *Tensor[float32]
	Bias    *Tensor[float32]

	Observer LayerObserver
}

// NewConvTranspose2D initializes a transposed convolution.
func NewConvTranspose2D(inC, outC, kernelH, kernelW, stride, padding int, rng *rand.Rand) *ConvTranspose2D {
	rng = orDefault(rng)
	if stride < 1 {
		stride = 1
	}
	c := &ConvTranspose2D{
		InC:     inC,
		OutC:    outC,
		KernelH: kernelH,
		KernelW: kernelW,
		Stride:  stride,
		Padding: padding,
		Kernel:  NewTensor[float32](inC, outC, kernelH, kernelW),
		Bias:    NewTensor[float32](outC),
	}
	// PyTorch computes fan-in from weight.size(1) for transposed convs.
	fanIn := outC * kernelH * kernelW
	uniformInit(rng, c.Kernel, fanIn)
	uniformInit(rng, c.Bias, fanIn)
	return c
}

// Parameters implements Module.
func (c *ConvTranspose2D) Parameters() []*Param {
	return []*Param{{Name: "weight", Value: c.Kernel}, {Name: "bias", Value: c.Bias}}
}

// SetObserver attaches a forward observer.
func (c *ConvTranspose2D) SetObserver(o LayerObserver) { c.Observer = o }

// OutputShape returns the spatial output for a given input.
func (c *ConvTranspose2D) OutputShape(in Shape2D) Shape2D {
	return UpdateShapeHW(in, c.KernelH, c.KernelW, c.Stride, c.Padding, ShapeDeconv)
}

// Forward computes the transposed convolution by scattering every input
// element through the kernel. Input (B, InC, H, W), output
// (B, OutC, (H-1)*s-2p+kH, (W-1)*s-2p+kW).
func (c *ConvTranspose2D) Forward(x *Tensor[float32]) *Tensor[float32] {
	requireRank(x, 4, "(B,C,H,W)")
	if x.Shape[1] != c.InC {
		panic(fmt.Errorf("%w: conv_transpose2d expects %d channels, got shape %v", ErrShape, c.InC, x.Shape))
	}
	batch, inH, inW := x.Shape[0], x.Shape[2], x.Shape[3]
	osz := c.OutputShape(Shape2D{H: inH, W: inW})
	out := NewTensor[float32](batch, c.OutC, osz.H, osz.W)

	inC, kH, kW := c.InC, c.KernelH, c.KernelW
	stride, padding := c.Stride, c.Padding
	kernel := c.Kernel.Data
	outH, outW := osz.H, osz.W

	// Each worker owns a disjoint range of output channels.
	ParallelFor(c.OutC, func(lo, hi int) {
		for b := 0; b < batch; b++ {
			for o := lo; o < hi; o++ {
				plane := out.Data[(b*c.OutC+o)*outH*outW : (b*c.OutC+o+1)*outH*outW]
				for i := range plane {
					plane[i] = c.Bias.Data[o]
				}
				for ic := 0; ic < inC; ic++ {
					src := x.Data[(b*inC+ic)*inH*inW : (b*inC+ic+1)*inH*inW]
					for kh := 0; kh < kH; kh++ {
						for kw := 0; kw < kW; kw++ {
							w := kernel[((ic*c.OutC+o)*kH+kh)*kW+kw]
							if w == 0 {
								continue
							}
							for ih := 0; ih < inH; ih++ {
								oh := ih*stride + kh - padding
								if oh < 0 || oh >= outH {
									continue
								}
								row := src[ih*inW : (ih+1)*inW]
								dst := plane[oh*outW : (oh+1)*outW]
								for iw, v := range row {
									ow := iw*stride + kw - padding
									if ow >= 0 && ow < outW {
										dst[ow] += w * v
									}
								}
							}
						}
					}
				}
			}
		}
	})

	notifyObserver(c.Observer, "conv_transpose2d", x, out)
	return out
}

// CenterCrop takes the centre (height, width) window of the last two axes.
// Axes already no larger than the target are left unchanged.
func CenterCrop(x *Tensor[float32], height, width int) *Tensor[float32] {
	if len(x.Shape) < 2 {
		panic(fmt.Errorf("%w: center crop needs (...,H,W), got %v", ErrShape, x.Shape))
	}
	inH, inW := x.Dim(-2), x.Dim(-1)
	top, left := 0, 0
	outH, outW := inH, inW
	if inH > height {
		top = (inH - height) / 2
		outH = height
	}
	if inW > width {
		left = (inW - width) / 2
		outW = width
	}
	lead := len(x.Data) / (inH * inW)
	shape := append(append([]int(nil), x.Shape[:len(x.Shape)-2]...), outH, outW)
	out := NewTensor[float32](shape...)
	for p := 0; p < lead; p++ {
		for h := 0; h < outH; h++ {
			src := x.Data[p*inH*inW+(top+h)*inW+left : p*inH*inW+(top+h)*inW+left+outW]
			copy(out.Data[p*outH*outW+h*outW:], src)
		}
	}
	return out
}
