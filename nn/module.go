package nn

import (
	"fmt"
	"math"
	"math/rand"
	"reflect"
)

// Param is a named learnable tensor. Names are dotted paths such as
// "rssm.rnn.weight_ih" once collected into a model.
type Param struct {
	Name  string
	Value *Tensor[float32]
}

// Module is implemented by every layer and model that owns parameters.
type Module interface {
	Parameters() []*Param
}

// Layer is a Module with a single-tensor forward pass.
type Layer interface {
	Module
	Forward(x *Tensor[float32]) *Tensor[float32]
}

// ParamList adapts a slice of params to the Module interface.
type ParamList []*Param

// Parameters implements Module.
func (p ParamList) Parameters() []*Param { return p }

// PrefixParams returns params renamed with prefix. The values are shared.
func PrefixParams(prefix string, params []*Param) []*Param {
	out := make([]*Param, len(params))
	for i, p := range params {
		out[i] = &Param{Name: prefix + p.Name, Value: p.Value}
	}
	return out
}

// CollectParams gathers the parameters of named sub-modules. Nil modules are
// skipped so optional heads can be passed unconditionally.
func CollectParams(children ...NamedModule) []*Param {
	var out []*Param
	for _, c := range children {
		if c.Module == nil || isNilModule(c.Module) {
			continue
		}
		out = append(out, PrefixParams(c.Name+".", c.Module.Parameters())...)
	}
	return out
}

// NamedModule pairs a sub-module with its state-dict prefix.
type NamedModule struct {
	Name   string
	Module Module
}

// Named is shorthand for constructing a NamedModule.
func Named(name string, m Module) NamedModule { return NamedModule{Name: name, Module: m} }

func isNilModule(m Module) bool {
	v := reflect.ValueOf(m)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// CountParameters returns the total number of scalar parameters in m.
func CountParameters(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Value.Size()
	}
	return total
}

// Device identifies where a module's forward pass runs.
type Device int

const (
	DeviceCPU Device = iota
	DeviceGPU
)

func (d Device) String() string {
	if d == DeviceGPU {
		return "gpu"
	}
	return "cpu"
}

// ParseDevice resolves "cpu" or "gpu".
func ParseDevice(s string) (Device, error) {
	switch s {
	case "", "cpu":
		return DeviceCPU, nil
	case "gpu", "webgpu":
		return DeviceGPU, nil
	}
	return DeviceCPU, fmt.Errorf("nn: unknown device %q", s)
}

// DeviceOf reports the device a module dispatches to. Modules that never
// touch the GPU report DeviceCPU.
func DeviceOf(m Module) Device {
	if d, ok := m.(interface{ Device() Device }); ok {
		return d.Device()
	}
	return DeviceCPU
}

// ScaledNormal returns a tensor of N(0,1) samples divided by divisor. Used for
// learned initial hidden vectors.
func ScaledNormal(rng *rand.Rand, divisor float64, shape ...int) *Tensor[float32] {
	rng = orDefault(rng)
	t := NewTensor[float32](shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() / divisor)
	}
	return t
}

// uniformInit fills t with U(-bound, bound), the PyTorch default for linear,
// convolution and recurrent weights.
func uniformInit(rng *rand.Rand, t *Tensor[float32], fanIn int) {
	if fanIn <= 0 {
		return
	}
	bound := 1 / math.Sqrt(float64(fanIn))
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}
