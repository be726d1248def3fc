package nn

import (
	"fmt"
	"math/rand"
)

// Embedding maps integer indices to learned vectors.
type Embedding struct {
	VocabSize    int
	EmbeddingDim int
	Weight       *Tensor[float32] // [VocabSize][EmbeddingDim]
}

// NewEmbedding initializes the table with N(0,1) entries like PyTorch.
func NewEmbedding(vocabSize, embeddingDim int, rng *rand.Rand) *Embedding {
	return &Embedding{
		VocabSize:    vocabSize,
		EmbeddingDim: embeddingDim,
		Weight:       ScaledNormal(rng, 1, vocabSize, embeddingDim),
	}
}

// Parameters implements Module.
func (e *Embedding) Parameters() []*Param {
	return []*Param{{Name: "weight", Value: e.Weight}}
}

// Valid reports whether every index is inside the table.
func (e *Embedding) Valid(ids []int) bool {
	for _, id := range ids {
		if id < 0 || id >= e.VocabSize {
			return false
		}
	}
	return true
}

// Lookup returns a (len(ids), EmbeddingDim) tensor. Out-of-range indices
// panic with ErrIndex; callers validate with Valid first.
func (e *Embedding) Lookup(ids []int) *Tensor[float32] {
	out := NewTensor[float32](len(ids), e.EmbeddingDim)
	for i, id := range ids {
		if id < 0 || id >= e.VocabSize {
			panic(fmt.Errorf("%w: embedding index %d not in [0,%d)", ErrIndex, id, e.VocabSize))
		}
		copy(out.Data[i*e.EmbeddingDim:(i+1)*e.EmbeddingDim],
			e.Weight.Data[id*e.EmbeddingDim:(id+1)*e.EmbeddingDim])
	}
	return out
}
