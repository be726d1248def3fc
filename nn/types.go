package nn

import (
	"errors"
	"fmt"
)

// ErrShape is the panic value (wrapped) raised when a layer receives a tensor
// whose shape does not match its construction.
var ErrShape = errors.New("nn: shape mismatch")

// ErrIndex is raised when an embedding lookup is out of range.
var ErrIndex = errors.New("nn: index out of range")

// Numeric is the set of element types a Tensor can hold.
type Numeric interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Tensor is an n-dimensional row-major array.
type Tensor[T Numeric] struct {
	Data  []T
	Shape []int
}

// NewTensor allocates a zero tensor with the given shape.
func NewTensor[T Numeric](shape ...int) *Tensor[T] {
	return &Tensor[T]{
		Data:  make([]T, shapeSize(shape)),
		Shape: append([]int(nil), shape...),
	}
}

// NewTensorFromSlice wraps data with the given shape. The data is not copied.
func NewTensorFromSlice[T Numeric](data []T, shape ...int) *Tensor[T] {
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	if shapeSize(shape) != len(data) {
		panic(fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape))
	}
	return &Tensor[T]{Data: data, Shape: append([]int(nil), shape...)}
}

// Full returns a tensor with every element set to v.
func Full[T Numeric](v T, shape ...int) *Tensor[T] {
	t := NewTensor[T](shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Size returns the number of elements.
func (t *Tensor[T]) Size() int {
	return len(t.Data)
}

// Dim returns the size of axis i. Negative indices count from the end.
func (t *Tensor[T]) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor[T]) Clone() *Tensor[T] {
	return &Tensor[T]{
		Data:  append([]T(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
}

// Reshape returns a view with a new shape sharing the same data. One axis may
// be -1 and is inferred. Returns nil if the sizes are incompatible.
func (t *Tensor[T]) Reshape(shape ...int) *Tensor[T] {
	shape = append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			return nil
		}
		shape[infer] = len(t.Data) / known
	}
	if shapeSize(shape) != len(t.Data) {
		return nil
	}
	return &Tensor[T]{Data: t.Data, Shape: shape}
}

// MustReshape is Reshape that panics with ErrShape on failure.
func (t *Tensor[T]) MustReshape(shape ...int) *Tensor[T] {
	r := t.Reshape(shape...)
	if r == nil {
		panic(fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.Shape, shape))
	}
	return r
}

// SameShape reports whether a and b have identical shapes.
func SameShape[T Numeric](a, b *Tensor[T]) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// leadingRows splits a tensor into rows of the given trailing width, panicking
// if the last axis does not match.
func leadingRows[T Numeric](t *Tensor[T], width string, want int) int {
	if len(t.Shape) == 0 || t.Shape[len(t.Shape)-1] != want {
		panic(fmt.Errorf("%w: expected last axis %s=%d, got shape %v", ErrShape, width, want, t.Shape))
	}
	return len(t.Data) / want
}

func requireRank[T Numeric](t *Tensor[T], rank int, layout string) {
	if len(t.Shape) != rank {
		panic(fmt.Errorf("%w: expected %s, got shape %v", ErrShape, layout, t.Shape))
	}
}
