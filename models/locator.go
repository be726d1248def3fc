package models

import (
	"fmt"
	"math"

	"github.com/openfluke/locgame/nn"
)

// LocatorState is the hidden state a caller threads between steps. For the
// transformer locator H is (B, T, E); for recurrent locators it is (B, E).
type LocatorState struct {
	H *nn.Tensor[float32]
}

// Batch returns the leading dimension of H.
func (s *LocatorState) Batch() int { return s.H.Dim(0) }

// Conditions carries the optional per-example indices, each of length B.
type Conditions struct {
	Count []int
	Color []int
	Shape []int
}

// LocatorOutput holds the head predictions. Heads that are disabled by the
// configuration are nil.
type LocatorOutput struct {
	Loc    *nn.Tensor[float32] // (B, 2) in [-1, 1]
	Color  *nn.Tensor[float32] // (B, n_colors) logits
	Shape  *nn.Tensor[float32] // (B, n_shapes) logits
	Reward *nn.Tensor[float32] // (B, 1)
}

// Locator is the contract shared by the transformer and recurrent locators.
type Locator interface {
	nn.Module
	FreshState(batch int) *LocatorState
	Forward(st *LocatorState, x *nn.Tensor[float32], cond Conditions) (*LocatorState, *LocatorOutput, error)
}

// checkImage validates a (B, C, H, W) observation against the configured
// image shape.
func checkImage(x *nn.Tensor[float32], img ImageShape) error {
	if x == nil || len(x.Shape) != 4 || x.Shape[1] != img.C || x.Shape[2] != img.H || x.Shape[3] != img.W {
		var shape []int
		if x != nil {
			shape = x.Shape
		}
		return fmt.Errorf("%w: observation %v, want (B,%d,%d,%d)", nn.ErrShape, shape, img.C, img.H, img.W)
	}
	return nil
}

// TransformerLocator decodes over the full history of hidden vectors: each
// step prepends a fresh h_init to the decoder output, so the state grows by
// one step per call.
type TransformerLocator struct {
	placement
	cfg Config

	CNN        CNN
	PosEncoder nn.Layer
	Extractor  *Decoder
	HInit      *nn.Tensor[float32] // (1, 1, E)
	LocHead    *nn.Sequential
	ColorHead  *nn.Sequential
	ShapeHead  *nn.Sequential
}

// NewTransformerLocator builds the locator described by cfg.
func NewTransformerLocator(cfg Config) (*TransformerLocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := newBuilder(cfg)
	emb := cfg.EmbSize
	cnn, err := b.cnn(emb)
	if err != nil {
		return nil, err
	}
	m := &TransformerLocator{
		cfg:        cfg,
		CNN:        cnn,
		PosEncoder: nn.NewPositionalEncoder(cnn.SeqLen(), emb),
		Extractor:  b.decoder(emb, MaxNumSteps),
		HInit:      nn.ScaledNormal(b.rng, math.Sqrt(float64(emb)), 1, 1, emb),
		LocHead:    b.mlp(emb, cfg.ClassHSize, 2, true, nn.ActivationTanh),
	}
	if cfg.ObjRecog {
		m.ColorHead = b.mlp(emb, cfg.ClassHSize, cfg.NColors, true, nn.ActivationLinear)
		m.ShapeHead = b.mlp(emb, cfg.ClassHSize, cfg.NShapes, true, nn.ActivationLinear)
	}
	m.placement = b.place("TransformerLocator")
	b.report("TransformerLocator", "heads", []int{2}, "obj_recog=%v", cfg.ObjRecog)
	return m, nil
}

// Config returns the configuration the model was built from.
func (m *TransformerLocator) Config() Config { return m.cfg }

// Parameters implements nn.Module.
func (m *TransformerLocator) Parameters() []*nn.Param {
	return append(
		[]*nn.Param{{Name: "h_init", Value: m.HInit}},
		nn.CollectParams(
			nn.Named("cnn", m.CNN),
			nn.Named("extractor", m.Extractor),
			nn.Named("locator", m.LocHead),
			nn.Named("color", m.ColorHead),
			nn.Named("shape", m.ShapeHead),
		)...)
}

// FreshState returns h_init repeated to (batch, 1, E).
func (m *TransformerLocator) FreshState(batch int) *LocatorState {
	return &LocatorState{H: nn.Repeat(m.HInit, batch)}
}

// Forward runs one step. A nil state starts from FreshState. Conditions are
// not used by this variant.
func (m *TransformerLocator) Forward(st *LocatorState, x *nn.Tensor[float32], _ Conditions) (*LocatorState, *LocatorOutput, error) {
	if err := checkImage(x, m.cfg.ImgShape); err != nil {
		return nil, nil, err
	}
	batch := x.Dim(0)
	if st == nil {
		st = m.FreshState(batch)
	}
	if len(st.H.Shape) != 3 || st.Batch() != batch || st.H.Dim(2) != m.cfg.EmbSize {
		return nil, nil, fmt.Errorf("%w: state %v for batch %d", ErrStateMismatch, st.H.Shape, batch)
	}

	feats := m.PosEncoder.Forward(m.CNN.Forward(x))
	h := m.Extractor.Extract(st.H, feats)
	h0 := nn.SelectAxis1(h, 0)

	out := &LocatorOutput{Loc: m.LocHead.Forward(h0)}
	if m.ColorHead != nil {
		out.Color = m.ColorHead.Forward(h0)
		out.Shape = m.ShapeHead.Forward(h0)
	}
	next := &LocatorState{H: nn.ConcatAxis1(m.FreshState(batch).H, h)}
	return next, out, nil
}
