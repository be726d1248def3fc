package nn

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/openfluke/locgame/gpu"
)

// errGPUDisabled is returned by a layer's GPU path when the layer runs on the CPU.
var errGPUDisabled = errors.New("gpu disabled")

// Dense is a fully-connected layer applied over the last axis.
// Weight is stored [In][Out] so that out[o] = sum_i x[i]*W[i*Out+o] + b[o].
type Dense struct {
	In         int
	Out        int
	Weight     *Tensor[float32]
	Bias       *Tensor[float32]
	Activation ActivationType

	useGPU    bool
	gpuMu     sync.Mutex
	gpuLayers map[int]*gpu.DenseLayer // keyed by row count
	Observer  LayerObserver
}

// NewDense initializes a dense layer with the PyTorch default uniform init.
func NewDense(in, out int, activation ActivationType, rng *rand.Rand) *Dense {
	rng = orDefault(rng)
	d := &Dense{
		In:         in,
		Out:        out,
		Weight:     NewTensor[float32](in, out),
		Bias:       NewTensor[float32](out),
		Activation: activation,
	}
	uniformInit(rng, d.Weight, in)
	uniformInit(rng, d.Bias, in)
	return d
}

// Parameters implements Module.
func (d *Dense) Parameters() []*Param {
	return []*Param{{Name: "weight", Value: d.Weight}, {Name: "bias", Value: d.Bias}}
}

// Device implements the DeviceOf probe.
func (d *Dense) Device() Device {
	d.gpuMu.Lock()
	defer d.gpuMu.Unlock()
	if d.useGPU {
		return DeviceGPU
	}
	return DeviceCPU
}

// SetObserver attaches a forward observer.
func (d *Dense) SetObserver(o LayerObserver) { d.Observer = o }

// Forward maps (..., In) to (..., Out).
func (d *Dense) Forward(x *Tensor[float32]) *Tensor[float32] {
	rows := leadingRows(x, "in", d.In)
	outShape := append(append([]int(nil), x.Shape[:len(x.Shape)-1]...), d.Out)

	data, err := d.forwardGPU(x.Data, rows)
	if err == nil {
		out := NewTensorFromSlice(data, outShape...)
		notifyObserver(d.Observer, "dense", x, out)
		return out
	}
	if !errors.Is(err, errGPUDisabled) {
		gpu.Log("dense %dx%d falling back to CPU: %v", d.In, d.Out, err)
	}

	out := NewTensor[float32](outShape...)
	denseForwardCPU(x.Data, out.Data, d.Weight.Data, d.Bias.Data, rows, d.In, d.Out, d.Activation)
	notifyObserver(d.Observer, "dense", x, out)
	return out
}

// denseForwardCPU performs output = act(input @ weights + bias)
// input: [rows * in], weights: [in * out], output: [rows * out]
func denseForwardCPU(input, output, weights, bias []float32, rows, in, out int, act ActivationType) {
	ParallelFor(rows, func(lo, hi int) {
		for b := lo; b < hi; b++ {
			row := input[b*in : (b+1)*in]
			dst := output[b*out : (b+1)*out]
			copy(dst, bias)
			for i, xv := range row {
				if xv == 0 {
					continue
				}
				w := weights[i*out : (i+1)*out]
				for o := range dst {
					dst[o] += xv * w[o]
				}
			}
			if act != ActivationLinear {
				for o, v := range dst {
					dst[o] = float32(activateCPU(float64(v), act))
				}
			}
		}
	})
}

// EnableGPU routes Forward through a WebGPU compute shader. Buffers are built
// lazily per batch size on first use.
func (d *Dense) EnableGPU() error {
	if err := gpu.EnsureGPU(); err != nil {
		return fmt.Errorf("dense enable gpu: %w", err)
	}
	d.gpuMu.Lock()
	d.useGPU = true
	d.gpuMu.Unlock()
	return nil
}

// ReleaseGPU frees GPU resources and returns the layer to CPU execution. It
// waits for an in-flight GPU forward to finish.
func (d *Dense) ReleaseGPU() {
	d.gpuMu.Lock()
	defer d.gpuMu.Unlock()
	for _, l := range d.gpuLayers {
		l.Cleanup()
	}
	d.gpuLayers = nil
	d.useGPU = false
}

func (d *Dense) forwardGPU(input []float32, rows int) ([]float32, error) {
	d.gpuMu.Lock()
	defer d.gpuMu.Unlock()
	if !d.useGPU {
		return nil, errGPUDisabled
	}

	if d.gpuLayers == nil {
		d.gpuLayers = make(map[int]*gpu.DenseLayer)
	}
	act, onDevice := gpuActivation(d.Activation)
	l, ok := d.gpuLayers[rows]
	if !ok {
		l = &gpu.DenseLayer{
			Spec: gpu.DenseLayerSpec{
				InputSize:  d.In,
				OutputSize: d.Out,
				Activation: act,
				Weights:    d.Weight.Data,
				Biases:     d.Bias.Data,
			},
			BatchSize: rows,
		}
		if err := l.Build(fmt.Sprintf("dense_%dx%d_b%d", d.In, d.Out, rows)); err != nil {
			l.Cleanup()
			return nil, err
		}
		d.gpuLayers[rows] = l
	}
	// Parameters may have been replaced by a state dict load since the last call.
	l.Spec.Weights, l.Spec.Biases = d.Weight.Data, d.Bias.Data
	out, err := l.Forward(input)
	if err != nil {
		return nil, err
	}
	if !onDevice {
		for i, v := range out {
			out[i] = float32(activateCPU(float64(v), d.Activation))
		}
	}
	return out, nil
}

// gpuActivation maps an activation onto the shader's activation codes.
// The bool is false when the activation must be applied on the CPU.
func gpuActivation(a ActivationType) (int, bool) {
	switch a {
	case ActivationLinear:
		return gpu.ActNone, true
	case ActivationReLU:
		return gpu.ActReLU, true
	case ActivationLeakyReLU:
		return gpu.ActLeakyReLU, true
	case ActivationSigmoid:
		return gpu.ActSigmoid, true
	case ActivationTanh:
		return gpu.ActTanh, true
	}
	return gpu.ActNone, false
}
