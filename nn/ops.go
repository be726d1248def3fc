package nn

import (
	"fmt"
	"math"
)

// Concat joins tensors along the last axis. All leading axes must agree.
func Concat(ts ...*Tensor[float32]) *Tensor[float32] {
	if len(ts) == 0 {
		panic(fmt.Errorf("%w: concat of nothing", ErrShape))
	}
	lead := ts[0].Shape[:len(ts[0].Shape)-1]
	rows := shapeSize(lead)
	widths := make([]int, len(ts))
	total := 0
	for i, t := range ts {
		if len(t.Shape) != len(ts[0].Shape) || shapeSize(t.Shape[:len(t.Shape)-1]) != rows {
			panic(fmt.Errorf("%w: concat %v with %v", ErrShape, ts[0].Shape, t.Shape))
		}
		widths[i] = t.Dim(-1)
		total += widths[i]
	}
	out := NewTensor[float32](append(append([]int(nil), lead...), total)...)
	for r := 0; r < rows; r++ {
		off := r * total
		for i, t := range ts {
			copy(out.Data[off:off+widths[i]], t.Data[r*widths[i]:(r+1)*widths[i]])
			off += widths[i]
		}
	}
	return out
}

// Chunk2 splits the last axis into two equal halves.
func Chunk2(x *Tensor[float32]) (*Tensor[float32], *Tensor[float32]) {
	width := x.Dim(-1)
	if width%2 != 0 {
		panic(fmt.Errorf("%w: cannot chunk odd last axis of %v", ErrShape, x.Shape))
	}
	half := width / 2
	shape := append(append([]int(nil), x.Shape[:len(x.Shape)-1]...), half)
	a, b := NewTensor[float32](shape...), NewTensor[float32](shape...)
	rows := len(x.Data) / width
	for r := 0; r < rows; r++ {
		copy(a.Data[r*half:(r+1)*half], x.Data[r*width:r*width+half])
		copy(b.Data[r*half:(r+1)*half], x.Data[r*width+half:(r+1)*width])
	}
	return a, b
}

// MeanAxis1 averages (B, S, E) over S, returning (B, E).
func MeanAxis1(x *Tensor[float32]) *Tensor[float32] {
	requireRank(x, 3, "(B,S,E)")
	batch, seq, emb := x.Shape[0], x.Shape[1], x.Shape[2]
	out := NewTensor[float32](batch, emb)
	for b := 0; b < batch; b++ {
		dst := out.Data[b*emb : (b+1)*emb]
		for s := 0; s < seq; s++ {
			for e, v := range x.Data[(b*seq+s)*emb : (b*seq+s+1)*emb] {
				dst[e] += v
			}
		}
		for e := range dst {
			dst[e] /= float32(seq)
		}
	}
	return out
}

// SwapLast2 transposes the last two axes of a rank-3 tensor:
// (B, C, S) <-> (B, S, C).
func SwapLast2(x *Tensor[float32]) *Tensor[float32] {
	requireRank(x, 3, "(B,M,N)")
	batch, m, n := x.Shape[0], x.Shape[1], x.Shape[2]
	out := NewTensor[float32](batch, n, m)
	for b := 0; b < batch; b++ {
		src := x.Data[b*m*n : (b+1)*m*n]
		dst := out.Data[b*m*n : (b+1)*m*n]
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				dst[j*m+i] = src[i*n+j]
			}
		}
	}
	return out
}

// Unsqueeze1 turns (B, E) into (B, 1, E) sharing data.
func Unsqueeze1(x *Tensor[float32]) *Tensor[float32] {
	requireRank(x, 2, "(B,E)")
	return &Tensor[float32]{Data: x.Data, Shape: []int{x.Shape[0], 1, x.Shape[1]}}
}

// SelectAxis1 returns x[:, i] of a (B, T, E) tensor as (B, E).
func SelectAxis1(x *Tensor[float32], i int) *Tensor[float32] {
	requireRank(x, 3, "(B,T,E)")
	batch, steps, emb := x.Shape[0], x.Shape[1], x.Shape[2]
	if i < 0 || i >= steps {
		panic(fmt.Errorf("%w: step %d of %v", ErrIndex, i, x.Shape))
	}
	out := NewTensor[float32](batch, emb)
	for b := 0; b < batch; b++ {
		copy(out.Data[b*emb:(b+1)*emb], x.Data[(b*steps+i)*emb:(b*steps+i+1)*emb])
	}
	return out
}

// ConcatAxis1 joins (B, T1, E) and (B, T2, E) into (B, T1+T2, E).
func ConcatAxis1(a, b *Tensor[float32]) *Tensor[float32] {
	requireRank(a, 3, "(B,T,E)")
	requireRank(b, 3, "(B,T,E)")
	if a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[2] {
		panic(fmt.Errorf("%w: concat steps %v with %v", ErrShape, a.Shape, b.Shape))
	}
	batch, ta, tb, emb := a.Shape[0], a.Shape[1], b.Shape[1], a.Shape[2]
	out := NewTensor[float32](batch, ta+tb, emb)
	for n := 0; n < batch; n++ {
		dst := out.Data[n*(ta+tb)*emb:]
		copy(dst[:ta*emb], a.Data[n*ta*emb:(n+1)*ta*emb])
		copy(dst[ta*emb:(ta+tb)*emb], b.Data[n*tb*emb:(n+1)*tb*emb])
	}
	return out
}

// Add returns a + b elementwise.
func Add(a, b *Tensor[float32]) *Tensor[float32] {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Errorf("%w: add %v and %v", ErrShape, a.Shape, b.Shape))
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] += v
	}
	return out
}

// Repeat tiles a (1, ...) tensor n times along the first axis.
func Repeat(x *Tensor[float32], n int) *Tensor[float32] {
	if len(x.Shape) == 0 || x.Shape[0] != 1 {
		panic(fmt.Errorf("%w: repeat expects leading axis 1, got %v", ErrShape, x.Shape))
	}
	shape := append([]int{n}, x.Shape[1:]...)
	out := NewTensor[float32](shape...)
	for i := 0; i < n; i++ {
		copy(out.Data[i*len(x.Data):], x.Data)
	}
	return out
}

// AllFinite reports whether every element is neither NaN nor infinite.
func AllFinite(x *Tensor[float32]) bool {
	for _, v := range x.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
