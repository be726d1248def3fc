package nn

import (
	"errors"
	"math"
	"testing"
)

// TestTensorCreation verifies basic tensor operations
func TestTensorCreation(t *testing.T) {
	tensor := NewTensor[float32](3, 4)
	if tensor.Size() != 12 {
		t.Errorf("Expected size 12, got %d", tensor.Size())
	}
	if len(tensor.Shape) != 2 || tensor.Shape[0] != 3 || tensor.Shape[1] != 4 {
		t.Errorf("Expected shape [3, 4], got %v", tensor.Shape)
	}

	tensor2 := NewTensorFromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	if tensor2.Size() != 6 {
		t.Errorf("Expected size 6, got %d", tensor2.Size())
	}
	if tensor2.Data[0] != 1 || tensor2.Data[5] != 6 {
		t.Errorf("Data not correctly initialized")
	}
	if tensor2.Dim(-1) != 3 {
		t.Errorf("Expected last dim 3, got %d", tensor2.Dim(-1))
	}
}

// TestTensorClone verifies tensor cloning
func TestTensorClone(t *testing.T) {
	original := NewTensorFromSlice([]int32{1, 2, 3, 4}, 4)
	clone := original.Clone()

	original.Data[0] = 100
	if clone.Data[0] != 1 {
		t.Errorf("Clone was modified when original changed")
	}
}

// TestTensorReshape verifies tensor reshaping
func TestTensorReshape(t *testing.T) {
	tensor := NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6}, 6)
	reshaped := tensor.Reshape(2, 3)
	if reshaped == nil {
		t.Fatal("Reshape returned nil")
	}
	if len(reshaped.Shape) != 2 || reshaped.Shape[0] != 2 || reshaped.Shape[1] != 3 {
		t.Errorf("Expected shape [2, 3], got %v", reshaped.Shape)
	}

	inferred := tensor.Reshape(-1, 2)
	if inferred == nil || inferred.Shape[0] != 3 {
		t.Errorf("Expected inferred shape [3, 2], got %v", inferred)
	}

	if invalid := tensor.Reshape(2, 2); invalid != nil {
		t.Error("Invalid reshape should return nil")
	}
}

func TestMustReshapePanicsWithErrShape(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrShape) {
			t.Errorf("Expected ErrShape panic, got %v", r)
		}
	}()
	NewTensor[float32](5).MustReshape(2, 3)
}

func TestUpdateShape(t *testing.T) {
	cases := []struct {
		name                    string
		in                      Shape2D
		kernel, stride, padding int
		op                      ShapeOp
		want                    Shape2D
	}{
		{"conv k3", Shape2D{84, 84}, 3, 1, 0, ShapeConv, Shape2D{82, 82}},
		{"conv stride2", Shape2D{82, 82}, 4, 2, 0, ShapeConv, Shape2D{40, 40}},
		{"conv padded", Shape2D{10, 10}, 3, 1, 1, ShapeConv, Shape2D{10, 10}},
		{"deconv", Shape2D{7, 7}, 9, 2, 0, ShapeDeconv, Shape2D{21, 21}},
		{"deconv stride1", Shape2D{21, 21}, 5, 1, 0, ShapeDeconv, Shape2D{25, 25}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := UpdateShape(c.in, c.kernel, c.stride, c.padding, c.op)
			if got != c.want {
				t.Errorf("Expected %v, got %v", c.want, got)
			}
		})
	}
}

// TestActivateGeneric verifies generic activation functions
func TestActivateGeneric(t *testing.T) {
	resultF32 := Activate[float32](0.5, ActivationSigmoid)
	expectedF32 := float32(1.0 / (1.0 + math.Exp(-0.5)))
	if math.Abs(float64(resultF32-expectedF32)) > 1e-6 {
		t.Errorf("Sigmoid float32: expected %f, got %f", expectedF32, resultF32)
	}

	resultF64 := Activate[float64](0.5, ActivationSigmoid)
	expectedF64 := 1.0 / (1.0 + math.Exp(-0.5))
	if math.Abs(resultF64-expectedF64) > 1e-10 {
		t.Errorf("Sigmoid float64: expected %f, got %f", expectedF64, resultF64)
	}

	if r := Activate[float32](-1.0, ActivationReLU); r != 0 {
		t.Errorf("ReLU of negative should be 0, got %f", r)
	}
	if r := Activate[float32](-1.0, ActivationLeakyReLU); math.Abs(float64(r+0.01)) > 1e-6 {
		t.Errorf("LeakyReLU of -1 should be -0.01, got %f", r)
	}
}

func TestSoftplusLargeMagnitudes(t *testing.T) {
	if v := Softplus(1000); math.IsInf(v, 0) || math.Abs(v-1000) > 1e-9 {
		t.Errorf("Softplus(1000): expected 1000, got %v", v)
	}
	if v := Softplus(-1000); v < 0 || v > 1e-300 {
		t.Errorf("Softplus(-1000): expected ~0, got %v", v)
	}
	if v := Softplus(0); math.Abs(v-math.Ln2) > 1e-12 {
		t.Errorf("Softplus(0): expected ln2, got %v", v)
	}
	if v := Sigmoid(-1000); math.IsNaN(v) || v != 0 {
		t.Errorf("Sigmoid(-1000): expected 0, got %v", v)
	}
}

func TestParseActivation(t *testing.T) {
	for name, want := range map[string]ActivationType{
		"ReLU":       ActivationReLU,
		"relu":       ActivationReLU,
		"Tanh":       ActivationTanh,
		"leaky_relu": ActivationLeakyReLU,
		"LeakyReLU":  ActivationLeakyReLU,
		"":           ActivationLinear,
	} {
		got, err := ParseActivation(name)
		if err != nil || got != want {
			t.Errorf("ParseActivation(%q): expected %v, got %v (%v)", name, want, got, err)
		}
	}
	if _, err := ParseActivation("swishy"); !errors.Is(err, ErrUnknownActivation) {
		t.Errorf("Expected ErrUnknownActivation, got %v", err)
	}
}

// TestDenseForward verifies the [In][Out] weight layout
func TestDenseForward(t *testing.T) {
	d := NewDense(2, 3, ActivationLeakyReLU, NewRand(1))
	copy(d.Weight.Data, []float32{
		1, 0, 0,
		0, 1, 0,
	})
	copy(d.Bias.Data, []float32{0.1, 0.2, -0.3})

	out := d.Forward(NewTensorFromSlice([]float32{1, 2}, 1, 2))
	if out.Shape[0] != 1 || out.Shape[1] != 3 {
		t.Fatalf("Expected shape [1, 3], got %v", out.Shape)
	}
	// [1.1, 2.2, -0.3] then LeakyReLU
	want := []float32{1.1, 2.2, -0.003}
	for i, w := range want {
		if math.Abs(float64(out.Data[i]-w)) > 1e-5 {
			t.Errorf("out[%d]: expected %f, got %f", i, w, out.Data[i])
		}
	}
}

func TestDenseRejectsWrongWidth(t *testing.T) {
	d := NewDense(4, 2, ActivationLinear, nil)
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic on width mismatch")
		}
	}()
	d.Forward(NewTensor[float32](1, 3))
}

func TestDenseDeviceDefaultsToCPU(t *testing.T) {
	d := NewDense(2, 2, ActivationLinear, nil)
	if DeviceOf(d) != DeviceCPU {
		t.Errorf("Expected cpu, got %v", DeviceOf(d))
	}
	if DeviceOf(&Activation{}) != DeviceCPU {
		t.Error("Parameter-free layers should report cpu")
	}
}
