package nn

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ActivationType defines the activation function used after a layer
type ActivationType int

const (
	ActivationLinear    ActivationType = 0 // identity
	ActivationReLU      ActivationType = 1 // max(0, v)
	ActivationSigmoid   ActivationType = 2 // 1 / (1 + exp(-v))
	ActivationTanh      ActivationType = 3 // tanh(v)
	ActivationSoftplus  ActivationType = 4 // log(1 + exp(v))
	ActivationLeakyReLU ActivationType = 5 // v if v >= 0, else v * 0.01
	ActivationGELU      ActivationType = 6 // v * Phi(v), tanh approximation
	ActivationELU       ActivationType = 7 // v if v > 0, else exp(v) - 1
)

// ErrUnknownActivation is returned by ParseActivation for unrecognized names.
var ErrUnknownActivation = errors.New("nn: unknown activation")

// ParseActivation resolves an activation by name. Both the PyTorch class names
// ("ReLU", "Tanh") and lowercase forms ("relu", "leaky_relu") are accepted.
func ParseActivation(name string) (ActivationType, error) {
	switch strings.ToLower(strings.ReplaceAll(name, "_", "")) {
	case "", "linear", "identity", "none":
		return ActivationLinear, nil
	case "relu":
		return ActivationReLU, nil
	case "sigmoid":
		return ActivationSigmoid, nil
	case "tanh":
		return ActivationTanh, nil
	case "softplus":
		return ActivationSoftplus, nil
	case "leakyrelu":
		return ActivationLeakyReLU, nil
	case "gelu":
		return ActivationGELU, nil
	case "elu":
		return ActivationELU, nil
	}
	return ActivationLinear, fmt.Errorf("%w: %q", ErrUnknownActivation, name)
}

func (a ActivationType) String() string {
	switch a {
	case ActivationLinear:
		return "linear"
	case ActivationReLU:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationSoftplus:
		return "softplus"
	case ActivationLeakyReLU:
		return "leaky_relu"
	case ActivationGELU:
		return "gelu"
	case ActivationELU:
		return "elu"
	default:
		return fmt.Sprintf("activation(%d)", int(a))
	}
}

// MarshalText implements encoding.TextMarshaler so configs store names.
func (a ActivationType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *ActivationType) UnmarshalText(b []byte) error {
	v, err := ParseActivation(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Activate applies the activation function to a single value.
func Activate[T Numeric](v T, activation ActivationType) T {
	return T(activateCPU(float64(v), activation))
}

func activateCPU(v float64, activation ActivationType) float64 {
	switch activation {
	case ActivationReLU:
		if v < 0 {
			return 0
		}
		return v
	case ActivationSigmoid:
		return Sigmoid(v)
	case ActivationTanh:
		return math.Tanh(v)
	case ActivationSoftplus:
		return Softplus(v)
	case ActivationLeakyReLU:
		if v < 0 {
			return v * 0.01
		}
		return v
	case ActivationGELU:
		return 0.5 * v * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(v+0.044715*v*v*v)))
	case ActivationELU:
		if v > 0 {
			return v
		}
		return math.Expm1(v)
	default:
		return v
	}
}

// Softplus computes log(1 + exp(v)) without overflowing for large |v|.
func Softplus(v float64) float64 {
	if v > 0 {
		return v + math.Log1p(math.Exp(-v))
	}
	return math.Log1p(math.Exp(v))
}

// Sigmoid computes 1 / (1 + exp(-v)) without overflowing for large |v|.
func Sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// ApplyActivation applies activation in place and returns t.
func ApplyActivation(t *Tensor[float32], activation ActivationType) *Tensor[float32] {
	if activation == ActivationLinear {
		return t
	}
	for i, v := range t.Data {
		t.Data[i] = float32(activateCPU(float64(v), activation))
	}
	return t
}

// Activation is a parameter-free layer wrapping an ActivationType.
type Activation struct {
	Type ActivationType
}

// Forward returns a new tensor with the activation applied.
func (a *Activation) Forward(x *Tensor[float32]) *Tensor[float32] {
	return ApplyActivation(x.Clone(), a.Type)
}

// Parameters implements Module.
func (a *Activation) Parameters() []*Param { return nil }
