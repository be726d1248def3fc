package nn

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

type tinyModel struct {
	Proj *Dense
	Norm *LayerNorm
}

func (m *tinyModel) Parameters() []*Param {
	return CollectParams(Named("proj", m.Proj), Named("norm", m.Norm))
}

func newTinyModel(seed int64) *tinyModel {
	return &tinyModel{Proj: NewDense(3, 2, ActivationLinear, NewRand(seed)), Norm: NewLayerNorm(2)}
}

func TestStateDictRoundTrip(t *testing.T) {
	src := newTinyModel(1)
	src.Norm.Gamma.Data[1] = 3

	path := filepath.Join(t.TempDir(), "tiny.safetensors")
	if err := SaveStateDict(path, src); err != nil {
		t.Fatalf("SaveStateDict failed: %v", err)
	}

	dst := newTinyModel(2)
	if err := LoadStateDict(path, dst); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	approxSlice(t, "proj.weight", dst.Proj.Weight.Data, src.Proj.Weight.Data, 0)
	approxSlice(t, "norm.weight", dst.Norm.Gamma.Data, []float32{1, 3}, 0)
}

func TestApplyStateDictMismatch(t *testing.T) {
	m := newTinyModel(1)

	err := ApplyStateDict(m, map[string]*Tensor[float32]{})
	if !errors.Is(err, ErrStateDict) || !strings.Contains(err.Error(), "proj.weight") {
		t.Errorf("Expected missing proj.weight error, got %v", err)
	}

	tensors := map[string]*Tensor[float32]{}
	for _, p := range m.Parameters() {
		tensors[p.Name] = p.Value.Clone()
	}
	tensors["norm.bias"] = NewTensor[float32](5)
	if err := ApplyStateDict(m, tensors); !errors.Is(err, ErrStateDict) {
		t.Errorf("Expected size mismatch error, got %v", err)
	}
}

func TestApplyStateDictIsAllOrNothing(t *testing.T) {
	m := newTinyModel(1)
	before := m.Proj.Weight.Clone()

	tensors := map[string]*Tensor[float32]{
		"proj.weight": Full[float32](9, 3, 2),
		"proj.bias":   Full[float32](9, 2),
		"norm.weight": Full[float32](9, 2),
	}
	if err := ApplyStateDict(m, tensors); !errors.Is(err, ErrStateDict) {
		t.Fatalf("Expected missing norm.bias error, got %v", err)
	}
	approxSlice(t, "proj.weight after failed load", m.Proj.Weight.Data, before.Data, 0)
}

func TestApplyStateDictRejectsTransposedWeight(t *testing.T) {
	m := newTinyModel(1)
	tensors := map[string]*Tensor[float32]{}
	for _, p := range m.Parameters() {
		tensors[p.Name] = p.Value.Clone()
	}
	// (Out, In) layout with the right element count
	tensors["proj.weight"] = Full[float32](9, 2, 3)

	err := ApplyStateDict(m, tensors)
	if !errors.Is(err, ErrStateDict) || !strings.Contains(err.Error(), "proj.weight") {
		t.Fatalf("Expected shape mismatch on proj.weight, got %v", err)
	}
	if m.Proj.Weight.Data[0] == 9 {
		t.Error("Transposed weight was copied into the model")
	}
}

// rawSafetensors assembles a file from a literal header and data section.
func rawSafetensors(header string, data int) []byte {
	out := make([]byte, 8, 8+len(header)+data)
	binary.LittleEndian.PutUint64(out, uint64(len(header)))
	out = append(out, header...)
	return append(out, make([]byte, data)...)
}

func TestLoadSafetensorsRejectsMalformedHeader(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"reversed offsets", `{"x":{"dtype":"F32","shape":[-2],"data_offsets":[8,0]}}`},
		{"negative dim", `{"x":{"dtype":"F32","shape":[-2],"data_offsets":[0,8]}}`},
		{"negative dim after zero", `{"x":{"dtype":"F32","shape":[0,-1],"data_offsets":[0,0]}}`},
		{"negative start", `{"x":{"dtype":"F32","shape":[2],"data_offsets":[-4,4]}}`},
		{"end past data", `{"x":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`},
		{"shape larger than bytes", `{"x":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`},
		{"shape smaller than bytes", `{"x":{"dtype":"F32","shape":[1],"data_offsets":[0,8]}}`},
		{"overflowing shape", `{"x":{"dtype":"F32","shape":[1099511627776,1099511627776],"data_offsets":[0,8]}}`},
		{"half precision mismatch", `{"x":{"dtype":"F16","shape":[2],"data_offsets":[0,8]}}`},
		{"one offset", `{"x":{"dtype":"F32","shape":[2],"data_offsets":[8]}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := LoadSafetensorsFromBytes(rawSafetensors(c.header, 8)); err == nil {
				t.Error("Expected an error, got nil")
			}
		})
	}

	good, err := LoadSafetensorsFromBytes(rawSafetensors(`{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, 8))
	if err != nil {
		t.Fatalf("Expected well-formed header to load, got %v", err)
	}
	if len(good["x"].Data) != 2 {
		t.Errorf("Expected 2 values, got %d", len(good["x"].Data))
	}
}

func TestSerializeHalfPrecision(t *testing.T) {
	values := []float32{0, 1, -2, 0.5, 1024}
	tensors := map[string]*Tensor[float32]{"x": NewTensorFromSlice(values, 5)}

	for _, dtype := range []string{"F16", "BF16"} {
		data, err := SerializeSafetensors(tensors, dtype)
		if err != nil {
			t.Fatalf("%s: serialize failed: %v", dtype, err)
		}
		back, err := LoadSafetensorsFromBytes(data)
		if err != nil {
			t.Fatalf("%s: load failed: %v", dtype, err)
		}
		approxSlice(t, dtype, back["x"].Data, values, 0)
	}

	if _, err := SerializeSafetensors(tensors, "I8"); err == nil {
		t.Error("Expected error for unsupported dtype")
	}
}

func TestLoadSafetensorsRejectsTruncated(t *testing.T) {
	data, err := SerializeSafetensors(map[string]*Tensor[float32]{"x": Full[float32](1, 4)}, "F32")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSafetensorsFromBytes(data[:len(data)-4]); err == nil {
		t.Error("Expected out of bounds error for truncated data")
	}
	if _, err := LoadSafetensorsFromBytes(data[:4]); err == nil {
		t.Error("Expected error for missing header")
	}
}

func TestSerializeStateDictDuplicateNames(t *testing.T) {
	dup := ParamList{
		{Name: "w", Value: NewTensor[float32](1)},
		{Name: "w", Value: NewTensor[float32](1)},
	}
	if _, err := SerializeStateDict(dup, "F32"); !errors.Is(err, ErrStateDict) {
		t.Errorf("Expected duplicate name error, got %v", err)
	}
}
