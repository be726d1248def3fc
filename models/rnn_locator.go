package models

import (
	"fmt"
	"math"

	"github.com/openfluke/locgame/nn"
)

// RNNLocator updates a (B, E) belief with a GRU cell once per observation.
// With count_out or aud_targs set, the belief is concatenated with the
// condition embeddings and projected back to E before it is used.
// The pooled and concat model types swap the attention extractor for a
// Pooler or Concatenater and drop the positional encoding.
type RNNLocator struct {
	placement
	cfg Config

	CNN        CNN
	PosEncoder nn.Layer
	Extractor  Extractor
	HInit      *nn.Tensor[float32] // (1, E)

	CountEmbs     *nn.Embedding
	ColorEmbs     *nn.Embedding
	ShapeEmbs     *nn.Embedding
	AudProjection *nn.Dense

	RNN        *nn.GRUCell
	LocHead    *nn.Sequential
	RewardHead *nn.Sequential
	ColorHead  *nn.Sequential
	ShapeHead  *nn.Sequential
}

// NewRNNLocator builds an RNNLocator, PooledRNNLocator or ConcatRNNLocator
// depending on cfg.ModelType.
func NewRNNLocator(cfg Config) (*RNNLocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := newBuilder(cfg)
	name := cfg.ModelType.String()
	emb := cfg.EmbSize

	cnn, err := b.cnn(emb)
	if err != nil {
		return nil, err
	}
	posEnc, extractor, err := b.sequenceStage(cfg.ModelType.extractor(), cnn, emb)
	if err != nil {
		return nil, err
	}
	if cfg.FixedH {
		b.report(name, "config", nil, "using fixed h vector")
	}

	m := &RNNLocator{
		cfg:        cfg,
		CNN:        cnn,
		PosEncoder: posEnc,
		Extractor:  extractor,
		HInit:      nn.ScaledNormal(b.rng, math.Sqrt(float64(emb)), 1, emb),
		RNN:        nn.NewGRUCell(emb, emb, b.rng),
		LocHead:    b.mlp(emb, cfg.ClassHSize, 2, false, nn.ActivationTanh),
	}

	embCount := 1
	if cfg.CountOut > 0 {
		embCount++
		m.CountEmbs = nn.NewEmbedding(cfg.NNumbers, emb, b.rng)
	}
	if cfg.AudTargs {
		embCount += 2
		m.ColorEmbs = nn.NewEmbedding(cfg.NColors, emb, b.rng)
		m.ShapeEmbs = nn.NewEmbedding(cfg.NShapes, emb, b.rng)
	}
	if embCount > 1 {
		m.AudProjection = b.dense(embCount*emb, emb, nn.ActivationLinear)
	}
	if cfg.RewRecog {
		m.RewardHead = b.mlp(emb, cfg.ClassHSize, 1, false, nn.ActivationLinear)
	}
	if cfg.ObjRecog && !cfg.AudTargs {
		m.ColorHead = b.mlp(emb, cfg.ClassHSize, cfg.NColors, true, nn.ActivationLinear)
		m.ShapeHead = b.mlp(emb, cfg.ClassHSize, cfg.NShapes, true, nn.ActivationLinear)
	}

	m.placement = b.place(name)
	b.report(name, "heads", []int{2}, "conditions=%d reward=%v obj_recog=%v", embCount-1, cfg.RewRecog, m.ColorHead != nil)
	return m, nil
}

// Config returns the configuration the model was built from.
func (m *RNNLocator) Config() Config { return m.cfg }

// Parameters implements nn.Module.
func (m *RNNLocator) Parameters() []*nn.Param {
	return append(
		[]*nn.Param{{Name: "h_init", Value: m.HInit}},
		nn.CollectParams(
			nn.Named("cnn", m.CNN),
			nn.Named("extractor", m.Extractor),
			nn.Named("count_embs", m.CountEmbs),
			nn.Named("color_embs", m.ColorEmbs),
			nn.Named("shape_embs", m.ShapeEmbs),
			nn.Named("aud_projection", m.AudProjection),
			nn.Named("rnn", m.RNN),
			nn.Named("locator", m.LocHead),
			nn.Named("pavlov", m.RewardHead),
			nn.Named("color", m.ColorHead),
			nn.Named("shape", m.ShapeHead),
		)...)
}

// FreshState returns h_init repeated to (batch, E).
func (m *RNNLocator) FreshState(batch int) *LocatorState {
	return &LocatorState{H: nn.Repeat(m.HInit, batch)}
}

// Forward runs one step. A nil state starts from FreshState; with fixed_h
// the state is ignored and h_init is used every step.
func (m *RNNLocator) Forward(st *LocatorState, x *nn.Tensor[float32], cond Conditions) (*LocatorState, *LocatorOutput, error) {
	if err := checkImage(x, m.cfg.ImgShape); err != nil {
		return nil, nil, err
	}
	batch := x.Dim(0)
	if st == nil || m.cfg.FixedH {
		st = m.FreshState(batch)
	}
	if len(st.H.Shape) != 2 || st.Batch() != batch || st.H.Dim(1) != m.cfg.EmbSize {
		return nil, nil, fmt.Errorf("%w: state %v for batch %d", ErrStateMismatch, st.H.Shape, batch)
	}

	h := st.H
	parts := []*nn.Tensor[float32]{h}
	if m.CountEmbs != nil {
		e, err := lookupCondition(m.CountEmbs, "count", cond.Count, batch)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, e)
	}
	if m.ColorEmbs != nil {
		color, err := lookupCondition(m.ColorEmbs, "color", cond.Color, batch)
		if err != nil {
			return nil, nil, err
		}
		shape, err := lookupCondition(m.ShapeEmbs, "shape", cond.Shape, batch)
		if err != nil {
			return nil, nil, err
		}
		parts = append(parts, color, shape)
	}
	if m.AudProjection != nil {
		h = m.AudProjection.Forward(nn.Concat(parts...))
	}

	feats := m.PosEncoder.Forward(m.CNN.Forward(x))
	feat := m.Extractor.Extract(nn.Unsqueeze1(h), feats)
	h = m.RNN.Step(nn.MeanAxis1(feat), h)

	out := &LocatorOutput{Loc: m.LocHead.Forward(h)}
	if m.ColorHead != nil {
		out.Color = m.ColorHead.Forward(h)
		out.Shape = m.ShapeHead.Forward(h)
	}
	if m.RewardHead != nil {
		out.Reward = m.RewardHead.Forward(h)
	}
	return &LocatorState{H: h}, out, nil
}

// lookupCondition embeds one condition index per batch element.
func lookupCondition(table *nn.Embedding, name string, ids []int, batch int) (*nn.Tensor[float32], error) {
	if ids == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingCondition, name)
	}
	if len(ids) != batch {
		return nil, fmt.Errorf("%w: %d %s indices for batch %d", ErrConditionIndex, len(ids), name, batch)
	}
	if !table.Valid(ids) {
		return nil, fmt.Errorf("%w: %s indices %v not in [0,%d)", ErrConditionIndex, name, ids, table.VocabSize)
	}
	return table.Lookup(ids), nil
}
