package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// GRUCell is a single-step gated recurrent unit with the PyTorch gate
// layout: rows [0,H) reset, [H,2H) update, [2H,3H) candidate.
//
//	r  = sigmoid(W_ir x + b_ir + W_hr h + b_hr)
//	z  = sigmoid(W_iz x + b_iz + W_hz h + b_hz)
//	n  = tanh(W_in x + b_in + r*(W_hn h + b_hn))
//	h' = (1-z)*n + z*h
type GRUCell struct {
	InputSize  int
	HiddenSize int
	WeightIH   *Tensor[float32] // [3H][In]
	WeightHH   *Tensor[float32] // [3H][H]
	BiasIH     *Tensor[float32] // [3H]
	BiasHH     *Tensor[float32] // [3H]
}

// NewGRUCell initializes every tensor with U(-1/sqrt(H), 1/sqrt(H)).
func NewGRUCell(inputSize, hiddenSize int, rng *rand.Rand) *GRUCell {
	rng = orDefault(rng)
	g := &GRUCell{
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		WeightIH:   NewTensor[float32](3*hiddenSize, inputSize),
		WeightHH:   NewTensor[float32](3*hiddenSize, hiddenSize),
		BiasIH:     NewTensor[float32](3 * hiddenSize),
		BiasHH:     NewTensor[float32](3 * hiddenSize),
	}
	for _, t := range []*Tensor[float32]{g.WeightIH, g.WeightHH, g.BiasIH, g.BiasHH} {
		uniformInit(rng, t, hiddenSize)
	}
	return g
}

// Parameters implements Module.
func (g *GRUCell) Parameters() []*Param {
	return []*Param{
		{Name: "weight_ih", Value: g.WeightIH},
		{Name: "weight_hh", Value: g.WeightHH},
		{Name: "bias_ih", Value: g.BiasIH},
		{Name: "bias_hh", Value: g.BiasHH},
	}
}

// Step advances the hidden state one step. x is (B, In), h is (B, H); the
// result is a new (B, H) tensor.
func (g *GRUCell) Step(x, h *Tensor[float32]) *Tensor[float32] {
	batch := leadingRows(x, "input", g.InputSize)
	if hb := leadingRows(h, "hidden", g.HiddenSize); hb != batch {
		panic(fmt.Errorf("%w: gru input batch %d, hidden batch %d", ErrShape, batch, hb))
	}
	H, In := g.HiddenSize, g.InputSize
	out := NewTensor[float32](batch, H)

	ParallelFor(batch, func(lo, hi int) {
		gi := make([]float64, 3*H)
		gh := make([]float64, 3*H)
		for b := lo; b < hi; b++ {
			xb := x.Data[b*In : (b+1)*In]
			hb := h.Data[b*H : (b+1)*H]
			matVec(gi, g.WeightIH.Data, g.BiasIH.Data, xb)
			matVec(gh, g.WeightHH.Data, g.BiasHH.Data, hb)
			dst := out.Data[b*H : (b+1)*H]
			for j := 0; j < H; j++ {
				r := Sigmoid(gi[j] + gh[j])
				z := Sigmoid(gi[H+j] + gh[H+j])
				n := math.Tanh(gi[2*H+j] + r*gh[2*H+j])
				dst[j] = float32((1-z)*n + z*float64(hb[j]))
			}
		}
	})
	return out
}

// matVec computes dst = W v + bias for a row-major W of len(dst) rows.
func matVec(dst []float64, w, bias, v []float32) {
	cols := len(v)
	for r := range dst {
		sum := float64(bias[r])
		row := w[r*cols : (r+1)*cols]
		for c, x := range v {
			sum += float64(row[c]) * float64(x)
		}
		dst[r] = sum
	}
}
