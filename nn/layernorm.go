package nn

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/openfluke/locgame/gpu"
)

// LayerNorm normalizes over the trailing NormShape axes with a learned
// elementwise affine transform.
type LayerNorm struct {
	NormShape []int
	Epsilon   float64
	Gamma     *Tensor[float32]
	Beta      *Tensor[float32]

	useGPU    bool
	gpuMu     sync.Mutex
	gpuLayers map[int]*gpu.LayerNormLayer // keyed by row count
	Observer  LayerObserver
}

// NewLayerNorm creates a layer norm over the trailing normShape axes.
func NewLayerNorm(normShape ...int) *LayerNorm {
	return &LayerNorm{
		NormShape: append([]int(nil), normShape...),
		Epsilon:   1e-5,
		Gamma:     Full[float32](1, normShape...),
		Beta:      NewTensor[float32](normShape...),
	}
}

// Parameters implements Module.
func (ln *LayerNorm) Parameters() []*Param {
	return []*Param{{Name: "weight", Value: ln.Gamma}, {Name: "bias", Value: ln.Beta}}
}

// Device implements the DeviceOf probe.
func (ln *LayerNorm) Device() Device {
	ln.gpuMu.Lock()
	defer ln.gpuMu.Unlock()
	if ln.useGPU {
		return DeviceGPU
	}
	return DeviceCPU
}

// SetObserver attaches a forward observer.
func (ln *LayerNorm) SetObserver(o LayerObserver) { ln.Observer = o }

// Forward normalizes x, whose trailing axes must equal NormShape.
func (ln *LayerNorm) Forward(x *Tensor[float32]) *Tensor[float32] {
	k := len(ln.NormShape)
	if len(x.Shape) < k {
		panic(fmt.Errorf("%w: layer norm %v on shape %v", ErrShape, ln.NormShape, x.Shape))
	}
	for i, d := range ln.NormShape {
		if x.Shape[len(x.Shape)-k+i] != d {
			panic(fmt.Errorf("%w: layer norm %v on shape %v", ErrShape, ln.NormShape, x.Shape))
		}
	}
	normSize := shapeSize(ln.NormShape)

	data, err := ln.forwardGPU(x.Data, len(x.Data)/normSize, normSize)
	if err == nil {
		out := NewTensorFromSlice(data, x.Shape...)
		notifyObserver(ln.Observer, "layer_norm", x, out)
		return out
	}
	if !errors.Is(err, errGPUDisabled) {
		gpu.Log("layer norm %v falling back to CPU: %v", ln.NormShape, err)
	}

	out := NewTensor[float32](x.Shape...)
	layerNormForwardCPU(x.Data, out.Data, ln.Gamma.Data, ln.Beta.Data, normSize, ln.Epsilon)
	notifyObserver(ln.Observer, "layer_norm", x, out)
	return out
}

// EnableGPU routes Forward through a WebGPU compute shader.
func (ln *LayerNorm) EnableGPU() error {
	if err := gpu.EnsureGPU(); err != nil {
		return fmt.Errorf("layer norm enable gpu: %w", err)
	}
	ln.gpuMu.Lock()
	ln.useGPU = true
	ln.gpuMu.Unlock()
	return nil
}

// ReleaseGPU frees GPU resources and returns the layer to CPU execution.
func (ln *LayerNorm) ReleaseGPU() {
	ln.gpuMu.Lock()
	defer ln.gpuMu.Unlock()
	for _, l := range ln.gpuLayers {
		l.Cleanup()
	}
	ln.gpuLayers = nil
	ln.useGPU = false
}

func (ln *LayerNorm) forwardGPU(input []float32, rows, normSize int) ([]float32, error) {
	ln.gpuMu.Lock()
	defer ln.gpuMu.Unlock()
	if !ln.useGPU {
		return nil, errGPUDisabled
	}

	if ln.gpuLayers == nil {
		ln.gpuLayers = make(map[int]*gpu.LayerNormLayer)
	}
	l, ok := ln.gpuLayers[rows]
	if !ok {
		l = &gpu.LayerNormLayer{Spec: gpu.LayerNormSpec{
			NormSize: normSize,
			Rows:     rows,
			Epsilon:  float32(ln.Epsilon),
			Gamma:    ln.Gamma.Data,
			Beta:     ln.Beta.Data,
		}}
		if err := l.Build(fmt.Sprintf("layernorm_%d_r%d", normSize, rows)); err != nil {
			l.Cleanup()
			return nil, err
		}
		ln.gpuLayers[rows] = l
	}
	l.Spec.Gamma, l.Spec.Beta = ln.Gamma.Data, ln.Beta.Data
	return l.Forward(input)
}

// layerNormForwardCPU normalizes consecutive groups of normSize values.
func layerNormForwardCPU(input, output, gamma, beta []float32, normSize int, epsilon float64) {
	if epsilon == 0 {
		epsilon = 1e-5
	}
	rows := len(input) / normSize
	for b := 0; b < rows; b++ {
		src := input[b*normSize : (b+1)*normSize]
		dst := output[b*normSize : (b+1)*normSize]

		var sum float64
		for _, v := range src {
			sum += float64(v)
		}
		mean := sum / float64(normSize)

		var variance float64
		for _, v := range src {
			diff := float64(v) - mean
			variance += diff * diff
		}
		variance /= float64(normSize)
		invStd := 1 / math.Sqrt(variance+epsilon)

		for i, v := range src {
			dst[i] = float32((float64(v)-mean)*invStd)*gamma[i] + beta[i]
		}
	}
}

// BatchNorm normalizes per channel over (B, C, ...) inputs. With Training set
// the batch statistics are used; otherwise the running statistics. Running
// statistics are buffers owned by the external training loop and are never
// updated by Forward.
type BatchNorm struct {
	Features    int
	Epsilon     float64
	Training    bool
	Gamma       *Tensor[float32]
	Beta        *Tensor[float32]
	RunningMean *Tensor[float32]
	RunningVar  *Tensor[float32]
}

// NewBatchNorm creates a batch norm over features channels.
func NewBatchNorm(features int, training bool) *BatchNorm {
	return &BatchNorm{
		Features:    features,
		Epsilon:     1e-5,
		Training:    training,
		Gamma:       Full[float32](1, features),
		Beta:        NewTensor[float32](features),
		RunningMean: NewTensor[float32](features),
		RunningVar:  Full[float32](1, features),
	}
}

// Parameters implements Module. Running statistics are included so state
// dicts round-trip them.
func (bn *BatchNorm) Parameters() []*Param {
	return []*Param{
		{Name: "weight", Value: bn.Gamma},
		{Name: "bias", Value: bn.Beta},
		{Name: "running_mean", Value: bn.RunningMean},
		{Name: "running_var", Value: bn.RunningVar},
	}
}

// Forward normalizes (B, C) or (B, C, H, W) inputs.
func (bn *BatchNorm) Forward(x *Tensor[float32]) *Tensor[float32] {
	if len(x.Shape) < 2 || x.Shape[1] != bn.Features {
		panic(fmt.Errorf("%w: batch norm over %d features on shape %v", ErrShape, bn.Features, x.Shape))
	}
	batch := x.Shape[0]
	spatial := len(x.Data) / (batch * bn.Features)
	out := NewTensor[float32](x.Shape...)

	for c := 0; c < bn.Features; c++ {
		mean, variance := float64(bn.RunningMean.Data[c]), float64(bn.RunningVar.Data[c])
		if bn.Training {
			mean, variance = channelStats(x.Data, batch, bn.Features, spatial, c)
		}
		invStd := 1 / math.Sqrt(variance+bn.Epsilon)
		g, b := float64(bn.Gamma.Data[c]), float64(bn.Beta.Data[c])
		for n := 0; n < batch; n++ {
			off := (n*bn.Features + c) * spatial
			for i := off; i < off+spatial; i++ {
				out.Data[i] = float32((float64(x.Data[i])-mean)*invStd*g + b)
			}
		}
	}
	return out
}

// channelStats returns the biased mean and variance of channel c.
func channelStats(data []float32, batch, channels, spatial, c int) (float64, float64) {
	var sum float64
	for n := 0; n < batch; n++ {
		off := (n*channels + c) * spatial
		for _, v := range data[off : off+spatial] {
			sum += float64(v)
		}
	}
	count := float64(batch * spatial)
	mean := sum / count
	var variance float64
	for n := 0; n < batch; n++ {
		off := (n*channels + c) * spatial
		for _, v := range data[off : off+spatial] {
			d := float64(v) - mean
			variance += d * d
		}
	}
	return mean, variance / count
}
