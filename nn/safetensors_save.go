package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// SaveStateDict writes m's parameters to a safetensors file as F32.
func SaveStateDict(path string, m Module) error {
	data, err := SerializeStateDict(m, "F32")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SerializeStateDict converts m's parameters to safetensors bytes in the
// given dtype (F32, F16 or BF16).
func SerializeStateDict(m Module, dtype string) ([]byte, error) {
	tensors := make(map[string]*Tensor[float32])
	for _, p := range m.Parameters() {
		if _, dup := tensors[p.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter name %q", ErrStateDict, p.Name)
		}
		tensors[p.Name] = p.Value
	}
	return SerializeSafetensors(tensors, dtype)
}

// SerializeSafetensors converts tensors to safetensors format bytes
func SerializeSafetensors(tensors map[string]*Tensor[float32], dtype string) ([]byte, error) {
	width := getBytesPerElement(dtype)
	if width == 0 {
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}

	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	currentOffset := 0
	for _, name := range names {
		dataSize := len(tensors[name].Data) * width
		header[name] = TensorInfo{
			DType:  dtype,
			Shape:  tensors[name].Shape,
			Offset: []int{currentOffset, currentOffset + dataSize},
		}
		currentOffset += dataSize
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+int(headerSize)+currentOffset)
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:8+headerSize], headerJSON)

	offset := 8 + int(headerSize)
	for _, name := range names {
		offset += writeTensorData(result[offset:], tensors[name].Data, dtype)
	}
	return result, nil
}

// getBytesPerElement returns bytes per element for a writable dtype
func getBytesPerElement(dtype string) int {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// writeTensorData encodes values into dest and returns the bytes written.
func writeTensorData(dest []byte, values []float32, dtype string) int {
	switch dtype {
	case "F16":
		for i, val := range values {
			binary.LittleEndian.PutUint16(dest[i*2:], float32ToFloat16(val))
		}
		return len(values) * 2
	case "BF16":
		for i, val := range values {
			binary.LittleEndian.PutUint16(dest[i*2:], uint16(math.Float32bits(val)>>16))
		}
		return len(values) * 2
	default:
		for i, val := range values {
			binary.LittleEndian.PutUint32(dest[i*4:], math.Float32bits(val))
		}
		return len(values) * 4
	}
}

// float32ToFloat16 converts to IEEE half precision, truncating the mantissa.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exponent := int((bits>>23)&0xFF) - 127 + 15
	mantissa := bits & 0x7FFFFF

	switch {
	case (bits>>23)&0xFF == 0xFF:
		// Inf or NaN
		if mantissa != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exponent >= 0x1F:
		return sign | 0x7C00
	case exponent <= 0:
		if exponent < -10 {
			return sign
		}
		mantissa |= 0x800000
		return sign | uint16(mantissa>>uint(14-exponent))
	default:
		return sign | uint16(exponent)<<10 | uint16(mantissa>>13)
	}
}
