package nn

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrStateDict is returned when a state dict does not fit a model.
var ErrStateDict = errors.New("state dict mismatch")

// TensorInfo describes a tensor's properties in a safetensors header
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file and returns tensors by name
func LoadSafetensors(path string) (map[string]*Tensor[float32], error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes decodes safetensors bytes. F32, F16 and BF16
// tensors are widened to float32; other dtypes are skipped.
func LoadSafetensorsFromBytes(data []byte) (map[string]*Tensor[float32], error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	allData := data[8+headerSize:]
	tensors := make(map[string]*Tensor[float32], len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if len(info.Offset) != 2 {
			return nil, fmt.Errorf("tensor %s: malformed data_offsets %v", name, info.Offset)
		}

		width := 0
		switch info.DType {
		case "F32":
			width = 4
		case "F16", "BF16":
			width = 2
		default:
			continue
		}

		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || start > end || end > len(allData) {
			return nil, fmt.Errorf("tensor %s: data_offsets [%d,%d] outside %d data bytes", name, start, end, len(allData))
		}
		numElements, err := headerElements(info.Shape, (end-start)/width)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if numElements*width != end-start {
			return nil, fmt.Errorf("tensor %s: shape %v needs %d bytes, data_offsets cover %d",
				name, info.Shape, numElements*width, end-start)
		}
		raw := allData[start:end]

		values := make([]float32, numElements)
		for i := range values {
			switch info.DType {
			case "F32":
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			case "F16":
				values[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
			case "BF16":
				values[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
			}
		}
		shape := info.Shape
		if len(shape) == 0 {
			shape = []int{1}
		}
		tensors[name] = &Tensor[float32]{Data: values, Shape: shape}
	}

	return tensors, nil
}

// headerElements multiplies out a header shape, rejecting negative dims and
// products larger than limit.
func headerElements(shape []int, limit int) (int, error) {
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
	}
	n := 1
	for _, d := range shape {
		if d == 0 {
			return 0, nil
		}
		if n > limit/d {
			return 0, fmt.Errorf("shape %v larger than its data", shape)
		}
		n *= d
	}
	return n, nil
}

// LoadStateDict copies the tensors stored at path into m's parameters.
// Every parameter must be present with exactly its shape.
func LoadStateDict(path string, m Module) error {
	tensors, err := LoadSafetensors(path)
	if err != nil {
		return err
	}
	return ApplyStateDict(m, tensors)
}

// ApplyStateDict copies named tensors into m's parameters in place. Nothing
// is copied unless every parameter is present with its exact shape.
func ApplyStateDict(m Module, tensors map[string]*Tensor[float32]) error {
	params := m.Parameters()
	for _, p := range params {
		t, ok := tensors[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing tensor %q", ErrStateDict, p.Name)
		}
		if !sameShape(t.Shape, p.Value.Shape) || len(t.Data) != len(p.Value.Data) {
			return fmt.Errorf("%w: tensor %q has shape %v, parameter needs %v",
				ErrStateDict, p.Name, t.Shape, p.Value.Shape)
		}
	}
	for _, p := range params {
		copy(p.Value.Data, tensors[p.Name].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	if exponent == 0 {
		if mantissa == 0 {
			// Zero
			f32bits = sign << 31
		} else {
			// Subnormal
			exponent = 1
			for (mantissa & 0x400) == 0 {
				mantissa <<= 1
				exponent--
			}
			mantissa &= 0x3FF
			f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
		}
	} else if exponent == 0x1F {
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	} else {
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}

	return math.Float32frombits(f32bits)
}

// bfloat16ToFloat32 converts a bfloat16 to float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	return math.Float32frombits(uint32(bf16) << 16)
}
