package models

import (
	"errors"
	"testing"

	"github.com/openfluke/locgame/nn"
)

func newSmallDynamics(t *testing.T, mt ModelType, edit func(*Config)) (*RNNFwdDynamics, Config) {
	t.Helper()
	cfg := smallConfig(mt)
	if edit != nil {
		edit(&cfg)
	}
	m, err := NewRNNFwdDynamics(cfg)
	if err != nil {
		t.Fatalf("NewRNNFwdDynamics failed: %v", err)
	}
	return m, cfg
}

func TestDynamicsObserveImagineDecode(t *testing.T) {
	for _, mt := range []ModelType{ModelRNNFwdDynamics, ModelPooledRNNFwdDynamics, ModelConcatRNNFwdDynamics} {
		t.Run(mt.String(), func(t *testing.T) {
			m, cfg := newSmallDynamics(t, mt, nil)
			rng := nn.NewRand(11)

			st, out, err := m.Forward(nil, DynamicsInput{Obs: images(2, cfg.ImgShape, 0.5), Count: []int{1, 2}}, rng)
			if err != nil {
				t.Fatalf("observe step failed: %v", err)
			}
			if st.H.Dim(0) != 2 || st.H.Dim(1) != 16 || out.S.Dim(1) != 16 {
				t.Fatalf("Unexpected shapes h=%v s=%v", st.H.Shape, out.S.Shape)
			}
			for _, s := range append(out.Sigma.Data, out.PredSigma.Data...) {
				if !(s > float32(cfg.MinSigma)) {
					t.Fatalf("sigma %g not above min_sigma", s)
				}
			}

			// imagine from the predicted prior
			st, out, err = m.Forward(st, DynamicsInput{Mu: out.PredMu, Sigma: out.PredSigma, Count: []int{3, 4}}, rng)
			if err != nil {
				t.Fatalf("imagine step failed: %v", err)
			}

			img := m.Decode(out.S)
			if img.Dim(0) != 2 || img.Dim(1) != 3 || img.Dim(2) != 32 || img.Dim(3) != 32 {
				t.Errorf("Expected (2,3,32,32), got %v", img.Shape)
			}
			if !nn.AllFinite(img) {
				t.Error("Decoded image not finite")
			}
		})
	}
}

func TestDynamicsInputErrors(t *testing.T) {
	m, cfg := newSmallDynamics(t, ModelRNNFwdDynamics, nil)
	obs := images(2, cfg.ImgShape, 0)
	mu, sigma := nn.NewTensor[float32](2, 16), nn.Full[float32](1, 2, 16)

	cases := []struct {
		name string
		in   DynamicsInput
		want error
	}{
		{"no count", DynamicsInput{Obs: obs}, ErrMissingCount},
		{"both", DynamicsInput{Obs: obs, Mu: mu, Sigma: sigma, Count: []int{0, 0}}, ErrConflictingInputs},
		{"obs and sigma", DynamicsInput{Obs: obs, Sigma: sigma, Count: []int{0, 0}}, ErrConflictingInputs},
		{"neither", DynamicsInput{Count: []int{0, 0}}, ErrMissingDistribution},
		{"mu only", DynamicsInput{Mu: mu, Count: []int{0, 0}}, ErrMissingDistribution},
		{"bad count", DynamicsInput{Obs: obs, Count: []int{0, 9}}, ErrConditionIndex},
		{"short mu", DynamicsInput{Mu: nn.NewTensor[float32](2, 8), Sigma: sigma, Count: []int{0, 0}}, ErrStateMismatch},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, _, err := m.Forward(nil, c.in, nil); !errors.Is(err, c.want) {
				t.Errorf("Expected %v, got %v", c.want, err)
			}
		})
	}

	wrongState := &DynamicsState{H: nn.NewTensor[float32](3, 16)}
	if _, _, err := m.Forward(wrongState, DynamicsInput{Obs: obs, Count: []int{0, 0}}, nil); !errors.Is(err, ErrStateMismatch) {
		t.Errorf("Expected ErrStateMismatch, got %v", err)
	}
}

func TestDynamicsAudioTargets(t *testing.T) {
	m, cfg := newSmallDynamics(t, ModelRNNFwdDynamics, func(c *Config) { c.AudTargs = true })
	if m.RSSM.ASize != 48 {
		t.Errorf("Expected a_size 3*E=48, got %d", m.RSSM.ASize)
	}
	in := DynamicsInput{Obs: images(1, cfg.ImgShape, 0.2), Count: []int{0}}
	if _, _, err := m.Forward(nil, in, nil); !errors.Is(err, ErrMissingCondition) {
		t.Errorf("Expected ErrMissingCondition without color/shape, got %v", err)
	}
	in.Color, in.Shape = []int{2}, []int{5}
	if _, _, err := m.Forward(nil, in, nil); err != nil {
		t.Errorf("Forward with all conditions failed: %v", err)
	}
}

func TestDynamicsDeconvEmbSize(t *testing.T) {
	m, _ := newSmallDynamics(t, ModelRNNFwdDynamics, func(c *Config) {
		e := 8
		c.DeconvEmbSize = &e
		c.EmbSize = 64
	})
	if m.EmbSize != 8 || m.HInit.Dim(1) != 8 || m.Deconv.EmbSize != 8 {
		t.Errorf("deconv_emb_size should set every component to 8, got %d", m.EmbSize)
	}
}

func TestDynamicsRoundTrip84(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size convolutions")
	}
	m, cfg := newSmallDynamics(t, ModelRNNFwdDynamics, func(c *Config) {
		c.ImgShape = ImageShape{C: 3, H: 84, W: 84}
		c.DeconvKsizes = []int{6, 4, 10}
		c.DeconvStrides = []int{2, 2, 2}
	})
	if !sizesEqual(m.Deconv.Sizes, 18, 38, 84) {
		t.Fatalf("Expected sizes 18, 38, 84, got %v", m.Deconv.Sizes)
	}
	_, out, err := m.Forward(nil, DynamicsInput{Obs: images(1, cfg.ImgShape, 0), Count: []int{0}}, nn.NewRand(5))
	if err != nil {
		t.Fatal(err)
	}
	img := m.Decode(out.S)
	if img.Dim(1) != 3 || img.Dim(2) != 84 || img.Dim(3) != 84 || !nn.AllFinite(img) {
		t.Errorf("Expected finite (1,3,84,84), got %v", img.Shape)
	}
}
