package nn

import (
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"
)

// ShapeOp selects the output-size formula used by UpdateShape.
type ShapeOp int

const (
	ShapeConv   ShapeOp = iota // ordinary convolution
	ShapeDeconv                // transposed convolution
)

// Shape2D is a spatial (height, width) pair.
type Shape2D struct {
	H int `json:"h"`
	W int `json:"w"`
}

func (s Shape2D) String() string { return fmt.Sprintf("(%d,%d)", s.H, s.W) }

// Area returns H*W.
func (s Shape2D) Area() int { return s.H * s.W }

// UpdateShape returns the spatial output shape of a convolution (floor
// division) or transposed convolution with a square kernel.
func UpdateShape(shape Shape2D, kernel, stride, padding int, op ShapeOp) Shape2D {
	return UpdateShapeHW(shape, kernel, kernel, stride, padding, op)
}

// UpdateShapeHW is UpdateShape with separate kernel height and width.
func UpdateShapeHW(shape Shape2D, kernelH, kernelW, stride, padding int, op ShapeOp) Shape2D {
	if stride < 1 {
		stride = 1
	}
	if op == ShapeDeconv {
		return Shape2D{
			H: (shape.H-1)*stride - 2*padding + kernelH,
			W: (shape.W-1)*stride - 2*padding + kernelW,
		}
	}
	return Shape2D{
		H: floorDiv(shape.H+2*padding-kernelH, stride) + 1,
		W: floorDiv(shape.W+2*padding-kernelW, stride) + 1,
	}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// ParallelFor splits [0, n) into contiguous chunks and runs fn on each chunk
// in its own goroutine, bounded by GOMAXPROCS. Small workloads run inline.
func ParallelFor(n int, fn func(lo, hi int)) {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		if n > 0 {
			fn(0, n)
		}
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// lockedSource serializes access to a rand.Source shared across goroutines.
type lockedSource struct {
	mu  sync.Mutex
	src rand.Source64
}

func (s *lockedSource) Int63() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Int63()
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Uint64()
}

func (s *lockedSource) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src.Seed(seed)
}

var defaultRand = rand.New(&lockedSource{src: rand.NewSource(time.Now().UnixNano()).(rand.Source64)})

// NewRand returns a goroutine-safe generator seeded with seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(&lockedSource{src: rand.NewSource(seed).(rand.Source64)})
}

func orDefault(rng *rand.Rand) *rand.Rand {
	if rng == nil {
		return defaultRand
	}
	return rng
}
