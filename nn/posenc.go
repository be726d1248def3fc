package nn

import (
	"fmt"
	"math"
)

// PositionalEncoder adds a fixed sinusoidal encoding to (B, S, E) sequences:
//
//	pe[pos, 2i]   = sin(pos / 10000^(2i/E))
//	pe[pos, 2i+1] = cos(pos / 10000^(2i/E))
type PositionalEncoder struct {
	MaxLen  int
	EmbSize int
	table   []float32 // [MaxLen][EmbSize]
}

// NewPositionalEncoder precomputes encodings for up to maxLen positions.
func NewPositionalEncoder(maxLen, embSize int) *PositionalEncoder {
	pe := &PositionalEncoder{MaxLen: maxLen, EmbSize: embSize, table: make([]float32, maxLen*embSize)}
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < embSize; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(embSize))
			pe.table[pos*embSize+i] = float32(math.Sin(angle))
			if i+1 < embSize {
				pe.table[pos*embSize+i+1] = float32(math.Cos(angle))
			}
		}
	}
	return pe
}

// Parameters implements Module. The table is fixed.
func (pe *PositionalEncoder) Parameters() []*Param { return nil }

// Forward returns x + pe[:S].
func (pe *PositionalEncoder) Forward(x *Tensor[float32]) *Tensor[float32] {
	requireRank(x, 3, "(B,S,E)")
	seq, emb := x.Shape[1], x.Shape[2]
	if emb != pe.EmbSize || seq > pe.MaxLen {
		panic(fmt.Errorf("%w: positional encoder (%d,%d) on shape %v", ErrShape, pe.MaxLen, pe.EmbSize, x.Shape))
	}
	out := x.Clone()
	span := seq * emb
	for b := 0; b < x.Shape[0]; b++ {
		dst := out.Data[b*span : (b+1)*span]
		for i := range dst {
			dst[i] += pe.table[i]
		}
	}
	return out
}

// Identity returns its input unchanged.
type Identity struct{}

// Parameters implements Module.
func (Identity) Parameters() []*Param { return nil }

// Forward returns x.
func (Identity) Forward(x *Tensor[float32]) *Tensor[float32] { return x }
