package models

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/locgame/nn"
)

// gpuLayer is implemented by the nn layers with a WebGPU forward path.
type gpuLayer interface {
	EnableGPU() error
	ReleaseGPU()
}

// builder threads the shared config, random source and diagnostics through
// a model's constructors and remembers every GPU-capable layer it creates.
type builder struct {
	cfg Config
	rng *rand.Rand
	obs nn.BuildObserver
	gpu []gpuLayer
}

func newBuilder(cfg Config) *builder {
	return &builder{cfg: cfg, rng: cfg.rng(), obs: cfg.Observer}
}

func (b *builder) report(component, stage string, shape []int, format string, args ...any) {
	nn.ReportBuild(b.obs, component, stage, shape, fmt.Sprintf(format, args...))
}

// watch attaches the configured forward observer to l.
func (b *builder) watch(l nn.Observable) {
	if b.cfg.LayerObserver != nil {
		l.SetObserver(b.cfg.LayerObserver)
	}
}

func (b *builder) dense(in, out int, act nn.ActivationType) *nn.Dense {
	d := nn.NewDense(in, out, act, b.rng)
	b.gpu = append(b.gpu, d)
	b.watch(d)
	return d
}

func (b *builder) conv(inC, outC, kH, kW, stride, padding int) *nn.Conv2D {
	c := nn.NewConv2D(inC, outC, kH, kW, stride, padding, b.rng)
	b.gpu = append(b.gpu, c)
	b.watch(c)
	return c
}

func (b *builder) layerNorm(normShape ...int) *nn.LayerNorm {
	ln := nn.NewLayerNorm(normShape...)
	b.gpu = append(b.gpu, ln)
	b.watch(ln)
	return ln
}

// attention registers the projections for GPU placement and observes the
// attention output as a whole.
func (b *builder) attention(emb int) *nn.MultiHeadAttention {
	mha := nn.NewMultiHeadAttention(emb, b.cfg.NHeads, b.cfg.AttnSize, b.rng)
	b.gpu = append(b.gpu, mha.Q, mha.K, mha.V, mha.Out)
	b.watch(mha)
	return mha
}

func (b *builder) dropout(p float64) *nn.Dropout {
	return nn.NewDropout(p, b.cfg.Training, b.rng)
}

func (b *builder) batchNorm(features int) *nn.BatchNorm {
	return nn.NewBatchNorm(features, b.cfg.Training)
}

// mlp builds [LN] Linear(in,hidden) act [LN] Linear(hidden,out) [final].
func (b *builder) mlp(in, hidden, out int, norms bool, final nn.ActivationType) *nn.Sequential {
	s := nn.NewSequential()
	if norms {
		s.Append(b.layerNorm(in))
	}
	s.Append(b.dense(in, hidden, nn.ActivationLinear))
	s.Append(&nn.Activation{Type: b.cfg.ActFxn})
	if norms {
		s.Append(b.layerNorm(hidden))
	}
	s.Append(b.dense(hidden, out, nn.ActivationLinear))
	if final != nn.ActivationLinear {
		s.Append(&nn.Activation{Type: final})
	}
	return s
}

// placement records where a built model runs and which layers to release.
type placement struct {
	device nn.Device
	layers []gpuLayer
}

// place moves the builder's layers to the configured device. When no GPU
// adapter is available the model stays on the CPU and a warning is reported.
func (b *builder) place(component string) placement {
	dev, _ := nn.ParseDevice(b.cfg.Device)
	p := placement{device: nn.DeviceCPU, layers: b.gpu}
	if dev != nn.DeviceGPU {
		return p
	}
	for _, l := range b.gpu {
		if err := l.EnableGPU(); err != nil {
			b.report(component, "device", nil, "warning: gpu unavailable, staying on cpu: %v", err)
			for _, done := range b.gpu {
				done.ReleaseGPU()
			}
			return p
		}
	}
	p.device = nn.DeviceGPU
	b.report(component, "device", nil, "%d layers on gpu", len(b.gpu))
	return p
}

// Device implements the nn.DeviceOf probe.
func (p placement) Device() nn.Device { return p.device }

// ReleaseGPU frees GPU resources and returns the model to the CPU.
func (p *placement) ReleaseGPU() {
	for _, l := range p.layers {
		l.ReleaseGPU()
	}
	p.device = nn.DeviceCPU
}
