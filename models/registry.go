package models

import (
	"fmt"

	"github.com/openfluke/locgame/nn"
)

// Model is what Build returns: a Locator or an *RNNFwdDynamics.
type Model interface {
	nn.Module
	Config() Config
	Device() nn.Device
	ReleaseGPU()
}

var modelBuilders = map[ModelType]func(Config) (Model, error){
	ModelTransformerLocator:   func(c Config) (Model, error) { return wrap(NewTransformerLocator(c)) },
	ModelRNNLocator:           func(c Config) (Model, error) { return wrap(NewRNNLocator(c)) },
	ModelPooledRNNLocator:     func(c Config) (Model, error) { return wrap(NewRNNLocator(c)) },
	ModelConcatRNNLocator:     func(c Config) (Model, error) { return wrap(NewRNNLocator(c)) },
	ModelRNNFwdDynamics:       func(c Config) (Model, error) { return wrap(NewRNNFwdDynamics(c)) },
	ModelPooledRNNFwdDynamics: func(c Config) (Model, error) { return wrap(NewRNNFwdDynamics(c)) },
	ModelConcatRNNFwdDynamics: func(c Config) (Model, error) { return wrap(NewRNNFwdDynamics(c)) },
}

// wrap converts a typed constructor result, keeping a nil interface on error.
func wrap[M Model](m M, err error) (Model, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Build constructs the model selected by cfg.ModelType.
func Build(cfg Config) (Model, error) {
	build, ok := modelBuilders[cfg.ModelType]
	if !ok {
		return nil, fmt.Errorf("%w: model_type %v", ErrUnknownVariant, cfg.ModelType)
	}
	m, err := build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build %v: %w", cfg.ModelType, err)
	}
	return m, nil
}

// BuildLocator constructs a locator model.
func BuildLocator(cfg Config) (Locator, error) {
	m, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	loc, ok := m.(Locator)
	if !ok {
		m.ReleaseGPU()
		return nil, fmt.Errorf("%w: %v is not a locator", ErrUnknownVariant, cfg.ModelType)
	}
	return loc, nil
}

// BuildDynamics constructs a forward-dynamics model.
func BuildDynamics(cfg Config) (*RNNFwdDynamics, error) {
	if !cfg.ModelType.IsDynamics() {
		return nil, fmt.Errorf("%w: %v is not a dynamics model", ErrUnknownVariant, cfg.ModelType)
	}
	m, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	return m.(*RNNFwdDynamics), nil
}
