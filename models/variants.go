package models

import (
	"fmt"
	"strings"
)

// ModelType selects the top-level architecture.
type ModelType int

const (
	ModelTransformerLocator ModelType = iota
	ModelRNNLocator
	ModelPooledRNNLocator
	ModelConcatRNNLocator
	ModelRNNFwdDynamics
	ModelPooledRNNFwdDynamics
	ModelConcatRNNFwdDynamics
)

var modelTypeNames = map[ModelType]string{
	ModelTransformerLocator:   "TransformerLocator",
	ModelRNNLocator:           "RNNLocator",
	ModelPooledRNNLocator:     "PooledRNNLocator",
	ModelConcatRNNLocator:     "ConcatRNNLocator",
	ModelRNNFwdDynamics:       "RNNFwdDynamics",
	ModelPooledRNNFwdDynamics: "PooledRNNFwdDynamics",
	ModelConcatRNNFwdDynamics: "ConcatRNNFwdDynamics",
}

func (m ModelType) String() string {
	if s, ok := modelTypeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("ModelType(%d)", int(m))
}

// IsDynamics reports whether m is a forward-dynamics model.
func (m ModelType) IsDynamics() bool {
	return m == ModelRNNFwdDynamics || m == ModelPooledRNNFwdDynamics || m == ModelConcatRNNFwdDynamics
}

// ParseModelType resolves a model name.
func ParseModelType(s string) (ModelType, error) {
	for k, v := range modelTypeNames {
		if strings.EqualFold(v, s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: model_type %q", ErrUnknownVariant, s)
}

func (m ModelType) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ModelType) UnmarshalText(b []byte) error {
	v, err := ParseModelType(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// extractorKind is the sequence extractor a locator or dynamics model uses.
type extractorKind int

const (
	extractAttention extractorKind = iota
	extractPooled
	extractConcat
)

func (m ModelType) extractor() extractorKind {
	switch m {
	case ModelPooledRNNLocator, ModelPooledRNNFwdDynamics:
		return extractPooled
	case ModelConcatRNNLocator, ModelConcatRNNFwdDynamics:
		return extractConcat
	}
	return extractAttention
}

// CNNType selects the convolutional encoder.
type CNNType int

const (
	CNNSimple CNNType = iota
	CNNMedium
)

func (c CNNType) String() string {
	switch c {
	case CNNSimple:
		return "SimpleCNN"
	case CNNMedium:
		return "MediumCNN"
	}
	return fmt.Sprintf("CNNType(%d)", int(c))
}

// ParseCNNType resolves "SimpleCNN" or "MediumCNN".
func ParseCNNType(s string) (CNNType, error) {
	switch strings.ToLower(s) {
	case "simplecnn", "simple":
		return CNNSimple, nil
	case "mediumcnn", "medium":
		return CNNMedium, nil
	}
	return 0, fmt.Errorf("%w: cnn_type %q", ErrUnknownVariant, s)
}

func (c CNNType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CNNType) UnmarshalText(b []byte) error {
	v, err := ParseCNNType(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// DeconvType selects the pixel decoder.
type DeconvType int

const (
	DeconvSimple DeconvType = iota
)

func (d DeconvType) String() string {
	if d == DeconvSimple {
		return "SimpleDeconv"
	}
	return fmt.Sprintf("DeconvType(%d)", int(d))
}

// ParseDeconvType resolves "SimpleDeconv".
func ParseDeconvType(s string) (DeconvType, error) {
	if strings.EqualFold(s, "SimpleDeconv") {
		return DeconvSimple, nil
	}
	return 0, fmt.Errorf("%w: deconv_type %q", ErrUnknownVariant, s)
}

func (d DeconvType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DeconvType) UnmarshalText(b []byte) error {
	v, err := ParseDeconvType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// RNNType selects the recurrent cell. Only the GRU cell exists; "GRU" is
// accepted as an alias.
type RNNType int

const (
	RNNGRUCell RNNType = iota
)

func (r RNNType) String() string {
	if r == RNNGRUCell {
		return "GRUCell"
	}
	return fmt.Sprintf("RNNType(%d)", int(r))
}

// ParseRNNType normalizes "GRU" to "GRUCell" and rejects everything else
// with ErrUnsupportedRNN.
func ParseRNNType(s string) (RNNType, error) {
	switch s {
	case "GRU", "GRUCell":
		return RNNGRUCell, nil
	}
	return 0, fmt.Errorf("%w: %q (only GRU/GRUCell)", ErrUnsupportedRNN, s)
}

func (r RNNType) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RNNType) UnmarshalText(b []byte) error {
	v, err := ParseRNNType(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
