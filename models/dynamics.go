package models

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/openfluke/locgame/nn"
)

// DynamicsState is the belief h (B, E) threaded between dynamics steps.
type DynamicsState struct {
	H *nn.Tensor[float32]
}

// Batch returns the leading dimension of H.
func (s *DynamicsState) Batch() int { return s.H.Dim(0) }

// DynamicsInput is one step of conditioning. Exactly one of Obs or the
// (Mu, Sigma) pair must be set; Count is always required.
type DynamicsInput struct {
	Obs   *nn.Tensor[float32] // (B, C, H, W)
	Mu    *nn.Tensor[float32] // (B, E)
	Sigma *nn.Tensor[float32] // (B, E)
	Count []int
	Color []int
	Shape []int
}

// DynamicsOutput holds the posterior used this step, the sampled latent and
// the RSSM prediction for the next step.
type DynamicsOutput struct {
	H         *nn.Tensor[float32]
	Mu        *nn.Tensor[float32]
	Sigma     *nn.Tensor[float32]
	PredMu    *nn.Tensor[float32]
	PredSigma *nn.Tensor[float32]
	S         *nn.Tensor[float32]
}

// RNNFwdDynamics encodes observations into a latent posterior and predicts
// the next latent state with an RSSM conditioned on count (and, with
// aud_targs, color and shape) embeddings. A SimpleDeconv grounds latents in
// pixel space through Decode.
type RNNFwdDynamics struct {
	placement
	cfg     Config
	EmbSize int

	Deconv     *SimpleDeconv
	CNN        CNN
	PosEncoder nn.Layer
	Extractor  Extractor
	Encoder    *MuSig
	HInit      *nn.Tensor[float32] // (1, E)

	CountEmbs *nn.Embedding
	ColorEmbs *nn.Embedding
	ShapeEmbs *nn.Embedding
	RSSM      *RSSM
}

// NewRNNFwdDynamics builds RNNFwdDynamics, PooledRNNFwdDynamics or
// ConcatRNNFwdDynamics depending on cfg.ModelType. deconv_emb_size, when
// set, replaces emb_size for every component.
func NewRNNFwdDynamics(cfg Config) (*RNNFwdDynamics, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := newBuilder(cfg)
	name := cfg.ModelType.String()
	emb := cfg.dynamicsEmbSize()

	deconv, err := b.simpleDeconv(emb)
	if err != nil {
		return nil, err
	}
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

	m := &RNNFwdDynamics{
		cfg:        cfg,
		EmbSize:    emb,
		Deconv:     deconv,
		CNN:        cnn,
		PosEncoder: posEnc,
		Extractor:  extractor,
		Encoder:    NewMuSig(emb, emb, emb, cfg.MinSigma, b.rng),
		HInit:      nn.ScaledNormal(b.rng, math.Sqrt(float64(emb)), 1, emb),
		CountEmbs:  nn.NewEmbedding(cfg.NNumbers, emb, b.rng),
	}
	aSize := emb
	if cfg.AudTargs {
		m.ColorEmbs = nn.NewEmbedding(cfg.NColors, emb, b.rng)
		m.ShapeEmbs = nn.NewEmbedding(cfg.NShapes, emb, b.rng)
		aSize = 3 * emb
	}
	m.RSSM, err = NewRSSM(emb, emb, aSize, cfg.RNNType.String(), cfg.MinSigma, b.rng)
	if err != nil {
		return nil, err
	}
	b.gpu = append(b.gpu, m.Encoder.Projection, m.RSSM.StateLayer)
	b.watch(m.Encoder.Projection)
	b.watch(m.RSSM.StateLayer)

	m.placement = b.place(name)
	b.report(name, "rssm", []int{emb}, "a_size=%d min_sigma=%g", aSize, cfg.MinSigma)
	return m, nil
}

// Config returns the configuration the model was built from.
func (m *RNNFwdDynamics) Config() Config { return m.cfg }

// Parameters implements nn.Module.
func (m *RNNFwdDynamics) Parameters() []*nn.Param {
	return append(
		[]*nn.Param{{Name: "h_init", Value: m.HInit}},
		nn.CollectParams(
			nn.Named("deconv", m.Deconv),
			nn.Named("cnn", m.CNN),
			nn.Named("extractor", m.Extractor),
			nn.Named("encoder", m.Encoder),
			nn.Named("count_embs", m.CountEmbs),
			nn.Named("color_embs", m.ColorEmbs),
			nn.Named("shape_embs", m.ShapeEmbs),
			nn.Named("rssm", m.RSSM),
		)...)
}

// FreshState returns h_init repeated to (batch, E).
func (m *RNNFwdDynamics) FreshState(batch int) *DynamicsState {
	return &DynamicsState{H: nn.Repeat(m.HInit, batch)}
}

// Forward runs one dynamics step. A nil state starts from FreshState; with
// fixed_h the state is ignored. A nil rng samples from the package source.
func (m *RNNFwdDynamics) Forward(st *DynamicsState, in DynamicsInput, rng *rand.Rand) (*DynamicsState, *DynamicsOutput, error) {
	if in.Count == nil {
		return nil, nil, ErrMissingCount
	}
	hasDist := in.Mu != nil || in.Sigma != nil
	if in.Obs != nil && hasDist {
		return nil, nil, ErrConflictingInputs
	}
	if in.Obs == nil && (in.Mu == nil || in.Sigma == nil) {
		return nil, nil, ErrMissingDistribution
	}

	batch := len(in.Count)
	switch {
	case in.Obs != nil:
		if err := checkImage(in.Obs, m.cfg.ImgShape); err != nil {
			return nil, nil, err
		}
		batch = in.Obs.Dim(0)
	default:
		if !sameBatchEmb(in.Mu, batch, m.EmbSize) || !sameBatchEmb(in.Sigma, batch, m.EmbSize) {
			return nil, nil, fmt.Errorf("%w: mu %v sigma %v, want (%d,%d)",
				ErrStateMismatch, in.Mu.Shape, in.Sigma.Shape, batch, m.EmbSize)
		}
	}
	if st == nil || m.cfg.FixedH {
		st = m.FreshState(batch)
	}
	if !sameBatchEmb(st.H, batch, m.EmbSize) {
		return nil, nil, fmt.Errorf("%w: state %v for batch %d", ErrStateMismatch, st.H.Shape, batch)
	}
	h := st.H

	action, err := lookupCondition(m.CountEmbs, "count", in.Count, batch)
	if err != nil {
		return nil, nil, err
	}
	if m.ColorEmbs != nil {
		color, err := lookupCondition(m.ColorEmbs, "color", in.Color, batch)
		if err != nil {
			return nil, nil, err
		}
		shape, err := lookupCondition(m.ShapeEmbs, "shape", in.Shape, batch)
		if err != nil {
			return nil, nil, err
		}
		action = nn.Concat(action, color, shape)
	}

	mu, sigma := in.Mu, in.Sigma
	if in.Obs != nil {
		feats := m.PosEncoder.Forward(m.CNN.Forward(in.Obs))
		feat := nn.MeanAxis1(m.Extractor.Extract(nn.Unsqueeze1(h), feats))
		mu, sigma = m.Encoder.Forward(h, feat)
	}

	s := SampleLatent(mu, sigma, rng)
	hNew, predMu, predSigma := m.RSSM.Step(h, s, action)
	out := &DynamicsOutput{H: hNew, Mu: mu, Sigma: sigma, PredMu: predMu, PredSigma: predSigma, S: s}
	return &DynamicsState{H: hNew}, out, nil
}

// Decode maps a latent (B, E) to an image (B, C, H, W).
func (m *RNNFwdDynamics) Decode(latent *nn.Tensor[float32]) *nn.Tensor[float32] {
	return m.Deconv.Forward(latent)
}

func sameBatchEmb(t *nn.Tensor[float32], batch, emb int) bool {
	return t != nil && len(t.Shape) == 2 && t.Shape[0] == batch && t.Shape[1] == emb
}
