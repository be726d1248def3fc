package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// MultiHeadAttention projects queries, keys and values into NumHeads heads of
// HeadDim features each, applies scaled dot-product attention per head and
// projects the concatenated heads back to DModel.
type MultiHeadAttention struct {
	DModel   int
	NumHeads int
	HeadDim  int
	UseMask  bool // causal mask over key positions

	Q   *Dense
	K   *Dense
	V   *Dense
	Out *Dense

	Observer LayerObserver
}

// NewMultiHeadAttention creates an attention layer over dModel features.
func NewMultiHeadAttention(dModel, numHeads, headDim int, rng *rand.Rand) *MultiHeadAttention {
	inner := numHeads * headDim
	return &MultiHeadAttention{
		DModel:   dModel,
		NumHeads: numHeads,
		HeadDim:  headDim,
		Q:        NewDense(dModel, inner, ActivationLinear, rng),
		K:        NewDense(dModel, inner, ActivationLinear, rng),
		V:        NewDense(dModel, inner, ActivationLinear, rng),
		Out:      NewDense(inner, dModel, ActivationLinear, rng),
	}
}

// Parameters implements Module.
func (m *MultiHeadAttention) Parameters() []*Param {
	return CollectParams(Named("q", m.Q), Named("k", m.K), Named("v", m.V), Named("out", m.Out))
}

// SetObserver attaches a forward observer to the attention output.
func (m *MultiHeadAttention) SetObserver(o LayerObserver) { m.Observer = o }

// Forward attends query (B, Q, D) over memory (B, S, D) and returns (B, Q, D).
// Passing the same tensor twice gives self-attention.
func (m *MultiHeadAttention) Forward(query, memory *Tensor[float32]) *Tensor[float32] {
	requireRank(query, 3, "(B,Q,D)")
	requireRank(memory, 3, "(B,S,D)")
	if query.Shape[0] != memory.Shape[0] {
		panic(fmt.Errorf("%w: attention batch mismatch %v vs %v", ErrShape, query.Shape, memory.Shape))
	}
	batch, qLen, sLen := query.Shape[0], query.Shape[1], memory.Shape[1]

	q := m.Q.Forward(query)
	k := m.K.Forward(memory)
	v := m.V.Forward(memory)

	inner := m.NumHeads * m.HeadDim
	ctx := NewTensor[float32](batch, qLen, inner)
	scale := 1 / math.Sqrt(float64(m.HeadDim))

	// One unit of work per (batch, head) pair.
	ParallelFor(batch*m.NumHeads, func(lo, hi int) {
		scores := make([]float64, sLen)
		for unit := lo; unit < hi; unit++ {
			b, h := unit/m.NumHeads, unit%m.NumHeads
			for i := 0; i < qLen; i++ {
				qi := q.Data[(b*qLen+i)*inner+h*m.HeadDim:]
				limit := sLen
				if m.UseMask && i+1 < sLen {
					limit = i + 1
				}
				maxScore := math.Inf(-1)
				for j := 0; j < limit; j++ {
					kj := k.Data[(b*sLen+j)*inner+h*m.HeadDim:]
					var dot float64
					for d := 0; d < m.HeadDim; d++ {
						dot += float64(qi[d]) * float64(kj[d])
					}
					scores[j] = dot * scale
					if scores[j] > maxScore {
						maxScore = scores[j]
					}
				}
				var sum float64
				for j := 0; j < limit; j++ {
					scores[j] = math.Exp(scores[j] - maxScore)
					sum += scores[j]
				}
				dst := ctx.Data[(b*qLen+i)*inner+h*m.HeadDim : (b*qLen+i)*inner+(h+1)*m.HeadDim]
				for j := 0; j < limit; j++ {
					w := float32(scores[j] / sum)
					vj := v.Data[(b*sLen+j)*inner+h*m.HeadDim:]
					for d := range dst {
						dst[d] += w * vj[d]
					}
				}
			}
		}
	})

	out := m.Out.Forward(ctx)
	notifyObserver(m.Observer, "attention", query, out)
	return out
}
