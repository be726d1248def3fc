// Package models composes the nn layers into the locgame architectures:
// convolutional encoders, sequence extractors, locator heads, the RSSM
// forward-dynamics model and the deconvolutional pixel decoder.
//
// Every model is built from a Config and holds only parameters. Hidden state
// is an explicit value: FreshState creates one and Forward returns the next,
// so a single model can serve many episodes concurrently.
//
//	cfg := models.DefaultConfig()
//	cfg.ModelType = models.ModelRNNFwdDynamics
//	dyn, err := models.BuildDynamics(cfg)
//	if err != nil {
//		return err
//	}
//	st := dyn.FreshState(batch)
//	st, out, err := dyn.Forward(st, models.DynamicsInput{Obs: img, Count: counts}, nil)
//	recon := dyn.Decode(out.S)
package models
