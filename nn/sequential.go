package nn

import (
	"fmt"
	"strconv"
)

// Sequential runs layers in order. Parameter names are prefixed with the
// layer index ("0.weight", "3.bias") like torch.nn.Sequential.
type Sequential struct {
	Layers []Layer
}

// NewSequential groups layers into one.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

// Append adds a layer and returns its index.
func (s *Sequential) Append(l Layer) int {
	s.Layers = append(s.Layers, l)
	return len(s.Layers) - 1
}

// Parameters implements Module.
func (s *Sequential) Parameters() []*Param {
	var out []*Param
	for i, l := range s.Layers {
		out = append(out, PrefixParams(strconv.Itoa(i)+".", l.Parameters())...)
	}
	return out
}

// Forward executes sub-layers in sequence.
func (s *Sequential) Forward(x *Tensor[float32]) *Tensor[float32] {
	for _, l := range s.Layers {
		x = l.Forward(x)
	}
	return x
}

// Reshape reshapes (B, ...) activations to (B, Shape...).
type Reshape struct {
	Shape []int
}

// Parameters implements Module.
func (r *Reshape) Parameters() []*Param { return nil }

// Forward returns a view with the new trailing shape.
func (r *Reshape) Forward(x *Tensor[float32]) *Tensor[float32] {
	shape := append([]int{-1}, r.Shape...)
	out := x.Reshape(shape...)
	if out == nil {
		panic(fmt.Errorf("%w: cannot reshape %v to (B,%v)", ErrShape, x.Shape, r.Shape))
	}
	return out
}

// Cutout takes the centre Height x Width window of the last two axes.
type Cutout struct {
	Height int
	Width  int
}

// Parameters implements Module.
func (c *Cutout) Parameters() []*Param { return nil }

// Forward crops x.
func (c *Cutout) Forward(x *Tensor[float32]) *Tensor[float32] {
	return CenterCrop(x, c.Height, c.Width)
}
