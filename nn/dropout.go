package nn

import "math/rand"

// Dropout zeroes activations with probability P while Training is set and
// rescales the survivors by 1/(1-P). Outside training it is the identity.
type Dropout struct {
	P        float64
	Training bool
	rng      *rand.Rand
}

// NewDropout creates a dropout layer. A nil rng uses the package generator.
func NewDropout(p float64, training bool, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, Training: training, rng: orDefault(rng)}
}

// Parameters implements Module.
func (d *Dropout) Parameters() []*Param { return nil }

// Forward applies dropout to a copy of x.
func (d *Dropout) Forward(x *Tensor[float32]) *Tensor[float32] {
	out := x.Clone()
	if !d.Training || d.P <= 0 {
		return out
	}
	if d.P >= 1 {
		for i := range out.Data {
			out.Data[i] = 0
		}
		return out
	}
	scale := float32(1 / (1 - d.P))
	for i := range out.Data {
		if d.rng.Float64() < d.P {
			out.Data[i] = 0
		} else {
			out.Data[i] *= scale
		}
	}
	return out
}
