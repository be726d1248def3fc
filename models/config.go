package models

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"

	"github.com/openfluke/locgame/nn"
)

// ImageShape is a (C, H, W) image descriptor.
type ImageShape struct {
	C, H, W int
}

func (s ImageShape) String() string { return fmt.Sprintf("(%d,%d,%d)", s.C, s.H, s.W) }

// HW returns the spatial part of the shape.
func (s ImageShape) HW() nn.Shape2D { return nn.Shape2D{H: s.H, W: s.W} }

// Size returns C*H*W.
func (s ImageShape) Size() int { return s.C * s.H * s.W }

func (s ImageShape) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]int{s.C, s.H, s.W})
}

func (s *ImageShape) UnmarshalJSON(b []byte) error {
	var v [3]int
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("image shape must be [C,H,W]: %w", err)
	}
	s.C, s.H, s.W = v[0], v[1], v[2]
	return nil
}

// MaxNumSteps bounds the step embeddings of the transformer decoder.
const MaxNumSteps = 20

// Config holds every field shared by the CNN, extractor, locator, dynamics
// and deconv constructors. JSON keys mirror the constructor keyword names.
type Config struct {
	ModelType  ModelType  `json:"model_type"`
	CNNType    CNNType    `json:"cnn_type"`
	DeconvType DeconvType `json:"deconv_type"`
	RNNType    RNNType    `json:"rnn_type"`

	ImgShape   ImageShape        `json:"img_shape"`
	EmbSize    int               `json:"emb_size"`
	AttnSize   int               `json:"attn_size"`
	NHeads     int               `json:"n_heads"`
	DecLayers  int               `json:"dec_layers"`
	ActFxn     nn.ActivationType `json:"act_fxn"`
	ClassHSize int               `json:"class_h_size"`
	ProbEmbs   bool              `json:"prob_embs"`
	ProbAttn   bool              `json:"prob_attn"`

	FeatBnorm bool `json:"feat_bnorm"`
	IntmAttn  int  `json:"intm_attn"`

	ObjRecog bool `json:"obj_recog"`
	RewRecog bool `json:"rew_recog"`
	NNumbers int  `json:"n_numbers"`
	NColors  int  `json:"n_colors"`
	NShapes  int  `json:"n_shapes"`
	AudTargs bool `json:"aud_targs"`
	FixedH   bool `json:"fixed_h"`
	CountOut int  `json:"count_out"`

	DeconvEmbSize    *int       `json:"deconv_emb_size,omitempty"`
	DeconvStartShape ImageShape `json:"deconv_start_shape"`
	DeconvKsizes     []int      `json:"deconv_ksizes,omitempty"`
	DeconvStrides    []int      `json:"deconv_strides,omitempty"`
	DeconvLnorm      bool       `json:"deconv_lnorm"`
	DeconvCutout     bool       `json:"deconv_cutout"`
	FwdBnorm         bool       `json:"fwd_bnorm"`
	DropP            float64    `json:"drop_p"`
	EndSigmoid       bool       `json:"end_sigmoid"`
	MinSigma         float64    `json:"min_sigma"`

	Device   string `json:"device"`
	Training bool   `json:"training"`
	Seed     int64  `json:"seed"`

	// Observer receives construction diagnostics. Nil discards them.
	Observer nn.BuildObserver `json:"-"`

	// LayerObserver is attached to every dense, conv, conv-transpose, layer
	// norm and attention layer the model builds.
	LayerObserver nn.LayerObserver `json:"-"`
}

// DefaultConfig returns the defaults of the original keyword arguments.
func DefaultConfig() Config {
	return Config{
		ModelType:        ModelRNNLocator,
		CNNType:          CNNSimple,
		DeconvType:       DeconvSimple,
		RNNType:          RNNGRUCell,
		ImgShape:         ImageShape{C: 3, H: 84, W: 84},
		EmbSize:          512,
		AttnSize:         64,
		NHeads:           6,
		DecLayers:        3,
		ActFxn:           nn.ActivationReLU,
		ClassHSize:       512,
		FeatBnorm:        true,
		NNumbers:         7,
		NColors:          7,
		NShapes:          7,
		DeconvStartShape: ImageShape{C: 512, H: 7, W: 7},
		DeconvLnorm:      true,
		MinSigma:         DefaultMinSigma,
		Device:           "cpu",
	}
}

// ParseConfig decodes JSON over DefaultConfig and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a JSON config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseConfig(data)
}

// Validate checks ranges that would otherwise surface as shape panics.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"emb_size", c.EmbSize},
		{"attn_size", c.AttnSize},
		{"n_heads", c.NHeads},
		{"class_h_size", c.ClassHSize},
		{"n_numbers", c.NNumbers},
		{"n_colors", c.NColors},
		{"n_shapes", c.NShapes},
		{"img_shape C", c.ImgShape.C},
		{"img_shape H", c.ImgShape.H},
		{"img_shape W", c.ImgShape.W},
		{"deconv_start_shape C", c.DeconvStartShape.C},
		{"deconv_start_shape H", c.DeconvStartShape.H},
		{"deconv_start_shape W", c.DeconvStartShape.W},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, p.name, p.v)
		}
	}
	if c.DecLayers < 0 || c.IntmAttn < 0 || c.CountOut < 0 {
		return fmt.Errorf("%w: dec_layers, intm_attn and count_out must not be negative", ErrInvalidConfig)
	}
	if c.DeconvEmbSize != nil && *c.DeconvEmbSize <= 0 {
		return fmt.Errorf("%w: deconv_emb_size must be positive, got %d", ErrInvalidConfig, *c.DeconvEmbSize)
	}
	if c.DropP < 0 || c.DropP >= 1 {
		return fmt.Errorf("%w: drop_p must be in [0,1), got %g", ErrInvalidConfig, c.DropP)
	}
	if c.MinSigma < 0 {
		return fmt.Errorf("%w: min_sigma must not be negative, got %g", ErrInvalidConfig, c.MinSigma)
	}
	if _, err := nn.ParseDevice(c.Device); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// dynamicsEmbSize returns deconv_emb_size when set, else emb_size.
func (c Config) dynamicsEmbSize() int {
	if c.DeconvEmbSize != nil {
		return *c.DeconvEmbSize
	}
	return c.EmbSize
}

// Settings lists the architecture-defining fields for blueprints.
func (c Config) Settings() map[string]any {
	s := map[string]any{
		"model_type": c.ModelType.String(),
		"cnn_type":   c.CNNType.String(),
		"rnn_type":   c.RNNType.String(),
		"img_shape":  c.ImgShape.String(),
		"emb_size":   c.EmbSize,
		"attn_size":  c.AttnSize,
		"n_heads":    c.NHeads,
		"dec_layers": c.DecLayers,
		"act_fxn":    c.ActFxn.String(),
		"prob_embs":  c.ProbEmbs,
		"prob_attn":  c.ProbAttn,
		"training":   c.Training,
	}
	if c.ModelType.IsDynamics() {
		s["deconv_type"] = c.DeconvType.String()
		s["deconv_start"] = c.DeconvStartShape.String()
		s["min_sigma"] = c.MinSigma
	}
	return s
}

func (c Config) rng() *rand.Rand {
	if c.Seed == 0 {
		return nil
	}
	return nn.NewRand(c.Seed)
}
