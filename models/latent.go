package models

import (
	"math"
	"math/rand"
	"time"

	"github.com/openfluke/locgame/nn"
)

// DefaultMinSigma is the floor added to every predicted standard deviation.
const DefaultMinSigma = 1e-4

// splitGaussian chunks (B, 2S) into mu and sigma = softplus(raw) + minSigma.
// Sigma is kept strictly above minSigma even where softplus underflows.
func splitGaussian(musigma *nn.Tensor[float32], minSigma float64) (*nn.Tensor[float32], *nn.Tensor[float32]) {
	mu, sigma := nn.Chunk2(musigma)
	floor := float32(minSigma)
	for i, raw := range sigma.Data {
		s := float32(nn.Softplus(float64(raw)) + minSigma)
		if s <= floor {
			s = math.Nextafter32(floor, float32(math.Inf(1)))
		}
		sigma.Data[i] = s
	}
	return mu, sigma
}

// MuSig encodes a belief and an observation feature into a Gaussian
// posterior over the latent state.
type MuSig struct {
	HSize      int
	FeatSize   int
	SSize      int
	MinSigma   float64
	Projection *nn.Dense
}

// NewMuSig creates a Linear(h_size+feat_size, 2*s_size) encoder.
func NewMuSig(hSize, featSize, sSize int, minSigma float64, rng *rand.Rand) *MuSig {
	return &MuSig{
		HSize:      hSize,
		FeatSize:   featSize,
		SSize:      sSize,
		MinSigma:   minSigma,
		Projection: nn.NewDense(hSize+featSize, 2*sSize, nn.ActivationLinear, rng),
	}
}

// Parameters implements nn.Module.
func (m *MuSig) Parameters() []*nn.Param {
	return nn.CollectParams(nn.Named("projection", m.Projection))
}

// Forward maps h (B, H) and feat (B, F) to mu, sigma (B, S).
func (m *MuSig) Forward(h, feat *nn.Tensor[float32]) (*nn.Tensor[float32], *nn.Tensor[float32]) {
	return splitGaussian(m.Projection.Forward(nn.Concat(h, feat)), m.MinSigma)
}

// RSSM advances a deterministic belief with a GRU cell and predicts a
// Gaussian prior over the next latent state.
type RSSM struct {
	HSize      int
	SSize      int
	ASize      int
	RNNType    RNNType
	MinSigma   float64
	RNN        *nn.GRUCell
	StateLayer *nn.Dense
}

// NewRSSM builds an RSSM. rnnType must be "GRU" or "GRUCell".
func NewRSSM(hSize, sSize, aSize int, rnnType string, minSigma float64, rng *rand.Rand) (*RSSM, error) {
	rt, err := ParseRNNType(rnnType)
	if err != nil {
		return nil, err
	}
	return &RSSM{
		HSize:      hSize,
		SSize:      sSize,
		ASize:      aSize,
		RNNType:    rt,
		MinSigma:   minSigma,
		RNN:        nn.NewGRUCell(sSize+aSize, hSize, rng),
		StateLayer: nn.NewDense(hSize, 2*sSize, nn.ActivationLinear, rng),
	}, nil
}

// Parameters implements nn.Module.
func (r *RSSM) Parameters() []*nn.Param {
	return nn.CollectParams(nn.Named("rnn", r.RNN), nn.Named("state_layer", r.StateLayer))
}

// Step computes h' = GRU(concat(s, a), h) and (mu, sigma) from h'.
func (r *RSSM) Step(h, s, a *nn.Tensor[float32]) (hNew, mu, sigma *nn.Tensor[float32]) {
	hNew = r.RNN.Step(nn.Concat(s, a), h)
	mu, sigma = splitGaussian(r.StateLayer.Forward(hNew), r.MinSigma)
	return hNew, mu, sigma
}

// SampleLatent draws mu + sigma * N(0, 1). A nil rng uses the package source.
func SampleLatent(mu, sigma *nn.Tensor[float32], rng *rand.Rand) *nn.Tensor[float32] {
	if rng == nil {
		rng = defaultRand
	}
	out := mu.Clone()
	for i, s := range sigma.Data {
		out.Data[i] += s * float32(rng.NormFloat64())
	}
	return out
}

var defaultRand = nn.NewRand(time.Now().UnixNano())
