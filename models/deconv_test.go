package models

import (
	"errors"
	"testing"

	"github.com/openfluke/locgame/nn"
)

func sizesEqual(got []nn.Shape2D, want ...int) bool {
	if len(got) != len(want) {
		return false
	}
	for i, s := range got {
		if s.H != want[i] || s.W != want[i] {
			return false
		}
	}
	return true
}

func TestSimpleDeconvExactSchedule(t *testing.T) {
	cfg := smallConfig(ModelRNNFwdDynamics)
	d, err := NewSimpleDeconv(cfg, 16)
	if err != nil {
		t.Fatalf("NewSimpleDeconv failed: %v", err)
	}
	if !sizesEqual(d.Sizes, 15, 32) {
		t.Errorf("Expected sizes 15, 32, got %v", d.Sizes)
	}

	out := d.Forward(nn.Full[float32](0.3, 2, 16))
	want := []int{2, 3, 32, 32}
	for i, v := range want {
		if out.Shape[i] != v {
			t.Fatalf("Expected %v, got %v", want, out.Shape)
		}
	}
	if !nn.AllFinite(out) {
		t.Error("Decoded image contains non-finite values")
	}
}

func TestSimpleDeconvEndSigmoid(t *testing.T) {
	cfg := smallConfig(ModelRNNFwdDynamics)
	cfg.EndSigmoid = true
	cfg.FwdBnorm = true
	d, err := NewSimpleDeconv(cfg, 16)
	if err != nil {
		t.Fatal(err)
	}
	out := d.Forward(nn.Full[float32](1, 3, 16))
	for _, v := range out.Data {
		if v < 0 || v > 1 {
			t.Fatalf("Sigmoid output escaped [0,1]: %f", v)
		}
	}
}

func TestSimpleDeconvOvershootCorrection(t *testing.T) {
	cfg := smallConfig(ModelRNNFwdDynamics)
	cfg.ImgShape = ImageShape{C: 3, H: 30, W: 30}

	d, err := NewSimpleDeconv(cfg, 16)
	if err != nil {
		t.Fatalf("NewSimpleDeconv failed: %v", err)
	}
	// 7 -> 15 -> 32 overshoots by 2, corrected with a 3x3 conv
	if !sizesEqual(d.Sizes, 15, 32, 30) {
		t.Errorf("Expected sizes 15, 32, 30, got %v", d.Sizes)
	}
	last := d.Sequential.Layers[len(d.Sequential.Layers)-1]
	conv, ok := last.(*nn.Conv2D)
	if !ok || conv.KernelH != 3 || conv.OutC != 3 {
		t.Fatalf("Expected a 3x3 corrective conv to 3 channels, got %T", last)
	}
	out := d.Forward(nn.NewTensor[float32](1, 16))
	if out.Dim(1) != 3 || out.Dim(2) != 30 || out.Dim(3) != 30 {
		t.Errorf("Expected (1,3,30,30), got %v", out.Shape)
	}
}

func TestSimpleDeconvCutout(t *testing.T) {
	cfg := smallConfig(ModelRNNFwdDynamics)
	cfg.ImgShape = ImageShape{C: 3, H: 30, W: 30}
	cfg.DeconvCutout = true

	d, err := NewSimpleDeconv(cfg, 16)
	if err != nil {
		t.Fatal(err)
	}
	out := d.Forward(nn.NewTensor[float32](2, 16))
	if out.Dim(1) != 3 || out.Dim(2) != 30 || out.Dim(3) != 30 {
		t.Errorf("Expected (2,3,30,30), got %v", out.Shape)
	}
}

func TestSimpleDeconvScheduleErrors(t *testing.T) {
	cases := []struct {
		name    string
		img     ImageShape
		ksizes  []int
		strides []int
	}{
		{"exhausted", ImageShape{C: 3, H: 84, W: 84}, []int{3, 4}, []int{2, 2}},
		{"undershoot", ImageShape{C: 3, H: 20, W: 84}, []int{14}, []int{1}},
		{"zero kernel", ImageShape{C: 3, H: 32, W: 32}, []int{3, 0}, []int{2, 2}},
		{"empty", ImageShape{C: 3, H: 32, W: 32}, []int{}, []int{2}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := smallConfig(ModelRNNFwdDynamics)
			cfg.ImgShape = c.img
			cfg.DeconvKsizes, cfg.DeconvStrides = c.ksizes, c.strides
			if _, err := NewSimpleDeconv(cfg, 16); !errors.Is(err, ErrDeconvSchedule) {
				t.Errorf("Expected ErrDeconvSchedule, got %v", err)
			}
		})
	}
}

func TestSimpleDeconvDefaultSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("default 512x7x7 decoder allocates large kernels")
	}
	cfg := DefaultConfig()
	cfg.ModelType = ModelRNNFwdDynamics
	d, err := NewSimpleDeconv(cfg, 64)
	if err != nil {
		t.Fatalf("NewSimpleDeconv failed: %v", err)
	}
	// 7 -> 21 -> 25 -> 29 -> 32 -> 66 -> 134, then a 51x51 conv down to 84
	if !sizesEqual(d.Sizes, 21, 25, 29, 32, 66, 134, 84) {
		t.Errorf("Unexpected schedule %v", d.Sizes)
	}
	out := d.Forward(nn.NewTensor[float32](2, 64))
	if out.Dim(0) != 2 || out.Dim(1) != 3 || out.Dim(2) != 84 || out.Dim(3) != 84 {
		t.Errorf("Expected (2,3,84,84), got %v", out.Shape)
	}
}

func TestSimpleDeconvDefaultKernelsBatchOfTwo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelType = ModelRNNFwdDynamics
	cfg.DeconvStartShape = ImageShape{C: 16, H: 7, W: 7}
	d, err := NewSimpleDeconv(cfg, 8)
	if err != nil {
		t.Fatalf("NewSimpleDeconv failed: %v", err)
	}
	if !sizesEqual(d.Sizes, 21, 25, 29, 32, 66, 134, 84) {
		t.Errorf("Unexpected schedule %v", d.Sizes)
	}
	x := nn.NewTensor[float32](2, 8)
	for i := range x.Data {
		x.Data[i] = float32(i%5) - 2
	}
	out := d.Forward(x)
	want := []int{2, 3, 84, 84}
	for i, v := range want {
		if out.Shape[i] != v {
			t.Fatalf("Expected %v, got %v", want, out.Shape)
		}
	}
	if !nn.AllFinite(out) {
		t.Error("Decoded image contains non-finite values")
	}
}

func TestSimpleDeconvParamNames(t *testing.T) {
	d, err := NewSimpleDeconv(smallConfig(ModelRNNFwdDynamics), 16)
	if err != nil {
		t.Fatal(err)
	}
	params := d.Parameters()
	// deconv_lnorm puts a layer norm first
	if params[0].Name != "sequential.0.weight" || params[0].Value.Size() != 16 {
		t.Errorf("Expected sequential.0.weight of size 16, got %s %v", params[0].Name, params[0].Value.Shape)
	}
}
