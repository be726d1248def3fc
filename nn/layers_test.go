package nn

import (
	"errors"
	"math"
	"sync"
	"testing"
)

func approxSlice(t *testing.T, label string, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: expected %d values, got %d", label, len(want), len(got))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Errorf("%s[%d]: expected %f, got %f", label, i, want[i], got[i])
		}
	}
}

func onesConv(c *Conv2D) {
	for i := range c.Kernel.Data {
		c.Kernel.Data[i] = 1
	}
	for i := range c.Bias.Data {
		c.Bias.Data[i] = 0
	}
}

func TestConv2DKnownValues(t *testing.T) {
	c := NewConv2D(1, 1, 2, 2, 1, 0, NewRand(1))
	onesConv(c)
	x := NewTensorFromSlice([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, 1, 1, 3, 3)

	out := c.Forward(x)
	if out.Shape[2] != 2 || out.Shape[3] != 2 {
		t.Fatalf("Expected 2x2 output, got %v", out.Shape)
	}
	approxSlice(t, "conv", out.Data, []float32{12, 16, 24, 28}, 1e-5)
}

func TestConv2DStridedShape(t *testing.T) {
	c := NewConv2D(3, 8, 4, 4, 2, 0, nil)
	out := c.Forward(NewTensor[float32](2, 3, 82, 82))
	want := []int{2, 8, 40, 40}
	for i, d := range want {
		if out.Shape[i] != d {
			t.Fatalf("Expected shape %v, got %v", want, out.Shape)
		}
	}
}

func TestConvTranspose2DKnownValues(t *testing.T) {
	c := NewConvTranspose2D(1, 1, 2, 2, 1, 0, NewRand(1))
	for i := range c.Kernel.Data {
		c.Kernel.Data[i] = 1
	}
	c.Bias.Data[0] = 0

	out := c.Forward(NewTensorFromSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2))
	approxSlice(t, "deconv", out.Data, []float32{
		1, 3, 2,
		4, 10, 6,
		3, 7, 4,
	}, 1e-5)
}

func TestConvTranspose2DStrideTwo(t *testing.T) {
	c := NewConvTranspose2D(1, 1, 2, 2, 2, 0, NewRand(1))
	for i := range c.Kernel.Data {
		c.Kernel.Data[i] = 1
	}
	c.Bias.Data[0] = 0.5

	out := c.Forward(NewTensorFromSlice([]float32{1, 2, 3, 4}, 1, 1, 2, 2))
	if out.Shape[2] != 4 || out.Shape[3] != 4 {
		t.Fatalf("Expected 4x4 output, got %v", out.Shape)
	}
	approxSlice(t, "deconv", out.Data, []float32{
		1.5, 1.5, 2.5, 2.5,
		1.5, 1.5, 2.5, 2.5,
		3.5, 3.5, 4.5, 4.5,
		3.5, 3.5, 4.5, 4.5,
	}, 1e-5)
}

func TestCenterCrop(t *testing.T) {
	x := NewTensor[float32](1, 1, 4, 4)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	out := CenterCrop(x, 2, 2)
	approxSlice(t, "crop", out.Data, []float32{5, 6, 9, 10}, 0)

	same := CenterCrop(x, 8, 8)
	if same.Dim(-1) != 4 || same.Dim(-2) != 4 {
		t.Errorf("Crop larger than input should keep shape, got %v", same.Shape)
	}
}

func TestLayerNormNormalizes(t *testing.T) {
	ln := NewLayerNorm(4)
	out := ln.Forward(NewTensorFromSlice([]float32{1, 2, 3, 4, 10, 10, 10, 10}, 2, 4))

	for r := 0; r < 2; r++ {
		var sum float64
		for _, v := range out.Data[r*4 : (r+1)*4] {
			sum += float64(v)
		}
		if math.Abs(sum) > 1e-5 {
			t.Errorf("row %d: expected zero mean, got sum %f", r, sum)
		}
	}
	// constant row collapses to beta
	approxSlice(t, "constant row", out.Data[4:], []float32{0, 0, 0, 0}, 1e-6)
}

func TestLayerNormMultiAxis(t *testing.T) {
	ln := NewLayerNorm(2, 3, 3)
	if ln.Gamma.Size() != 18 {
		t.Fatalf("Expected 18 affine weights, got %d", ln.Gamma.Size())
	}
	out := ln.Forward(NewTensor[float32](4, 2, 3, 3))
	if !SameShape(out, NewTensor[float32](4, 2, 3, 3)) {
		t.Errorf("Expected shape preserved, got %v", out.Shape)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for mismatched trailing axes")
		}
	}()
	ln.Forward(NewTensor[float32](4, 3, 3, 3))
}

func TestBatchNormTrainingUsesBatchStats(t *testing.T) {
	bn := NewBatchNorm(2, true)
	x := NewTensorFromSlice([]float32{
		1, 10,
		3, 30,
	}, 2, 2)
	out := bn.Forward(x)
	// each channel has values mean±d, so outputs are ∓1 (up to epsilon)
	approxSlice(t, "bn", out.Data, []float32{-1, -1, 1, 1}, 1e-3)

	eval := NewBatchNorm(2, false)
	approxSlice(t, "bn eval", eval.Forward(x).Data, []float32{1, 10, 3, 30}, 1e-3)
}

func TestDropout(t *testing.T) {
	x := Full[float32](1, 1000)

	eval := NewDropout(0.5, false, NewRand(1))
	approxSlice(t, "eval", eval.Forward(x).Data[:3], []float32{1, 1, 1}, 0)

	train := NewDropout(0.5, true, NewRand(1))
	out := train.Forward(x)
	zeros := 0
	for _, v := range out.Data {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("Expected 0 or 2 after dropout, got %f", v)
		}
	}
	if zeros < 350 || zeros > 650 {
		t.Errorf("Expected roughly half dropped, got %d/1000", zeros)
	}
	if x.Data[0] != 1 {
		t.Error("Dropout modified its input")
	}
}

func TestEmbeddingLookup(t *testing.T) {
	e := NewEmbedding(3, 2, NewRand(1))
	copy(e.Weight.Data, []float32{0, 1, 10, 11, 20, 21})

	out := e.Lookup([]int{2, 0})
	approxSlice(t, "lookup", out.Data, []float32{20, 21, 0, 1}, 0)
	if e.Valid([]int{0, 3}) {
		t.Error("Index 3 should be invalid for vocab 3")
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrIndex) {
			t.Errorf("Expected ErrIndex panic, got %v", r)
		}
	}()
	e.Lookup([]int{-1})
}

func TestGRUCellZeroWeightsHalvesState(t *testing.T) {
	g := NewGRUCell(3, 2, NewRand(1))
	for _, p := range g.Parameters() {
		for i := range p.Value.Data {
			p.Value.Data[i] = 0
		}
	}
	h := NewTensorFromSlice([]float32{1, -2, 4, 0.5}, 2, 2)
	// r = z = 0.5 and n = 0, so h' = 0.5*h
	out := g.Step(NewTensor[float32](2, 3), h)
	approxSlice(t, "gru", out.Data, []float32{0.5, -1, 2, 0.25}, 1e-6)
}

func TestGRUCellBounded(t *testing.T) {
	g := NewGRUCell(4, 5, NewRand(3))
	x := Full[float32](100, 3, 4)
	h := NewTensor[float32](3, 5)
	for step := 0; step < 5; step++ {
		h = g.Step(x, h)
	}
	for _, v := range h.Data {
		if v < -1 || v > 1 {
			t.Fatalf("GRU state escaped [-1,1]: %f", v)
		}
	}
}

func TestMultiHeadAttentionShape(t *testing.T) {
	m := NewMultiHeadAttention(8, 2, 4, NewRand(1))
	out := m.Forward(NewTensor[float32](3, 1, 8), Full[float32](0.1, 3, 5, 8))
	want := []int{3, 1, 8}
	for i, d := range want {
		if out.Shape[i] != d {
			t.Fatalf("Expected shape %v, got %v", want, out.Shape)
		}
	}
	if !AllFinite(out) {
		t.Error("Attention output not finite")
	}
	if len(m.Parameters()) != 8 {
		t.Errorf("Expected 8 tensors (q,k,v,out weight+bias), got %d", len(m.Parameters()))
	}
}

func TestPositionalEncoder(t *testing.T) {
	pe := NewPositionalEncoder(10, 4)
	out := pe.Forward(NewTensor[float32](2, 3, 4))
	// position 0: sin(0)=0, cos(0)=1
	approxSlice(t, "pos0", out.Data[:4], []float32{0, 1, 0, 1}, 1e-6)
	// batches receive the same encoding
	approxSlice(t, "batch1", out.Data[12:24], out.Data[:12], 0)

	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for sequences longer than MaxLen")
		}
	}()
	pe.Forward(NewTensor[float32](1, 11, 4))
}

func TestOps(t *testing.T) {
	a := NewTensorFromSlice([]float32{1, 2, 3, 4}, 2, 2)
	b := NewTensorFromSlice([]float32{5, 6}, 2, 1)
	c := Concat(a, b)
	approxSlice(t, "concat", c.Data, []float32{1, 2, 5, 3, 4, 6}, 0)

	lo, hi := Chunk2(NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 4))
	approxSlice(t, "chunk lo", lo.Data, []float32{1, 2, 5, 6}, 0)
	approxSlice(t, "chunk hi", hi.Data, []float32{3, 4, 7, 8}, 0)

	x := NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3)
	sw := SwapLast2(x)
	if sw.Shape[1] != 3 || sw.Shape[2] != 2 {
		t.Fatalf("Expected (1,3,2), got %v", sw.Shape)
	}
	approxSlice(t, "swap", sw.Data, []float32{1, 4, 2, 5, 3, 6}, 0)

	approxSlice(t, "mean", MeanAxis1(x).Data, []float32{2.5, 3.5, 4.5}, 1e-6)
	approxSlice(t, "select", SelectAxis1(x, 1).Data, []float32{4, 5, 6}, 0)

	r := Repeat(NewTensorFromSlice([]float32{7, 8}, 1, 2), 3)
	approxSlice(t, "repeat", r.Data, []float32{7, 8, 7, 8, 7, 8}, 0)

	steps := ConcatAxis1(NewTensor[float32](2, 1, 3), Full[float32](1, 2, 2, 3))
	if steps.Shape[1] != 3 {
		t.Errorf("Expected 3 steps, got %v", steps.Shape)
	}
	if AllFinite(NewTensorFromSlice([]float32{1, float32(math.NaN())}, 2)) {
		t.Error("AllFinite should reject NaN")
	}
}

func TestSequentialParamNames(t *testing.T) {
	s := NewSequential(
		NewDense(4, 3, ActivationLinear, nil),
		&Activation{Type: ActivationReLU},
		NewLayerNorm(3),
	)
	names := []string{}
	for _, p := range s.Parameters() {
		names = append(names, p.Name)
	}
	want := []string{"0.weight", "0.bias", "2.weight", "2.bias"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %s, got %s", want[i], names[i])
		}
	}

	r := (&Reshape{Shape: []int{2, 3, 3}}).Forward(NewTensor[float32](4, 18))
	if r.Shape[0] != 4 || r.Shape[3] != 3 {
		t.Errorf("Expected (4,2,3,3), got %v", r.Shape)
	}
}

func TestCollectParamsSkipsNil(t *testing.T) {
	var missing *Dense
	params := CollectParams(Named("a", NewLayerNorm(2)), Named("b", missing), Named("c", nil))
	if len(params) != 2 || params[0].Name != "a.weight" {
		t.Errorf("Expected only a.weight and a.bias, got %d params", len(params))
	}
}

func TestReleaseGPUConcurrentWithForward(t *testing.T) {
	d := NewDense(4, 3, ActivationLinear, NewRand(1))
	c := NewConv2D(1, 2, 3, 3, 1, 0, NewRand(1))
	ln := NewLayerNorm(4)
	x := Full[float32](1, 2, 4)
	img := Full[float32](1, 1, 1, 5, 5)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.Forward(x)
				c.Forward(img)
				ln.Forward(x)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.ReleaseGPU()
				c.ReleaseGPU()
				ln.ReleaseGPU()
				_ = DeviceOf(d)
			}
		}()
	}
	wg.Wait()
	if DeviceOf(d) != DeviceCPU || DeviceOf(c) != DeviceCPU || DeviceOf(ln) != DeviceCPU {
		t.Error("Expected every layer back on the cpu")
	}
}

func TestLayerNormReportsToObserver(t *testing.T) {
	obs := NewChannelObserver(4)
	ln := NewLayerNorm(4)
	ln.SetObserver(obs)
	ln.Forward(NewTensorFromSlice([]float32{1, 2, 3, 4, 4, 3, 2, 1}, 2, 4))
	close(obs.Events)

	ev, ok := <-obs.Events
	if !ok {
		t.Fatal("Expected a forward event")
	}
	if ev.LayerType != "layer_norm" || ev.Stats.TotalNeurons != 8 {
		t.Errorf("Unexpected event %s with %d values", ev.LayerType, ev.Stats.TotalNeurons)
	}
	if math.Abs(float64(ev.Stats.AvgActivation)) > 1e-6 {
		t.Errorf("Expected zero mean after normalization, got %f", ev.Stats.AvgActivation)
	}
}
