package models

import (
	"fmt"

	"github.com/openfluke/locgame/nn"
)

// Extractor collapses a feature sequence (B, S, E), guided by a query
// (B, Q, E), into context vectors (B, Q or 1, E).
type Extractor interface {
	nn.Module
	Extract(query, feats *nn.Tensor[float32]) *nn.Tensor[float32]
}

// NullOp is the identity; it stands in for the positional encoder when the
// extractor does not use positions.
type NullOp = nn.Identity

// spatial turns (B, S, E) back into (B, E, H, W).
func spatial(x *nn.Tensor[float32], shape nn.Shape2D) *nn.Tensor[float32] {
	batch, emb := x.Dim(0), x.Dim(2)
	if x.Dim(1) != shape.Area() {
		panic(fmt.Errorf("%w: sequence of %d cannot be laid out as %v", nn.ErrShape, x.Dim(1), shape))
	}
	return nn.SwapLast2(x).MustReshape(batch, emb, shape.H, shape.W)
}

// Pooler applies one more conv + ReLU to the spatial features and global
// average pools them. The query is ignored.
type Pooler struct {
	Shape   nn.Shape2D
	EmbSize int
	Conv    *nn.Conv2D
}

func (b *builder) pooler(shape nn.Shape2D, emb, ksize int) (*Pooler, error) {
	out := nn.UpdateShape(shape, ksize, 1, 0, nn.ShapeConv)
	if out.H <= 0 || out.W <= 0 {
		return nil, fmt.Errorf("%w: pooler kernel %d larger than features %v", ErrInvalidConfig, ksize, shape)
	}
	b.report("Pooler", "conv", []int{emb, out.H, out.W}, "k=%d", ksize)
	return &Pooler{Shape: shape, EmbSize: emb, Conv: b.conv(emb, emb, ksize, ksize, 1, 0)}, nil
}

// Parameters implements nn.Module.
func (p *Pooler) Parameters() []*nn.Param {
	return nn.CollectParams(nn.Named("conv", p.Conv))
}

// Extract returns (B, 1, E).
func (p *Pooler) Extract(_, feats *nn.Tensor[float32]) *nn.Tensor[float32] {
	fx := nn.ApplyActivation(p.Conv.Forward(spatial(feats, p.Shape)), nn.ActivationReLU)
	batch := fx.Dim(0)
	pooled := nn.MeanAxis1(nn.SwapLast2(fx.MustReshape(batch, p.EmbSize, -1)))
	return nn.Unsqueeze1(pooled)
}

// Concatenater applies conv + ReLU, flattens every position and projects
// through a two-layer perceptron. The query is ignored.
type Concatenater struct {
	Shape     nn.Shape2D
	EmbSize   int
	HSize     int
	Conv      *nn.Conv2D
	Collapser *nn.Sequential
}

func (b *builder) concatenater(shape nn.Shape2D, emb, ksize, hSize int) (*Concatenater, error) {
	out := nn.UpdateShape(shape, ksize, 1, 0, nn.ShapeConv)
	if out.H <= 0 || out.W <= 0 {
		return nil, fmt.Errorf("%w: concatenater kernel %d larger than features %v", ErrInvalidConfig, ksize, shape)
	}
	flat := out.Area() * emb
	b.report("Concatenater", "collapser", []int{flat, hSize, emb}, "k=%d", ksize)
	return &Concatenater{
		Shape:   shape,
		EmbSize: emb,
		HSize:   hSize,
		Conv:    b.conv(emb, emb, ksize, ksize, 1, 0),
		Collapser: nn.NewSequential(
			b.dense(flat, hSize, nn.ActivationLinear),
			&nn.Activation{Type: nn.ActivationReLU},
			b.dense(hSize, emb, nn.ActivationLinear),
		),
	}, nil
}

// Parameters implements nn.Module.
func (c *Concatenater) Parameters() []*nn.Param {
	return nn.CollectParams(nn.Named("conv", c.Conv), nn.Named("collapser", c.Collapser))
}

// Extract returns (B, 1, E).
func (c *Concatenater) Extract(_, feats *nn.Tensor[float32]) *nn.Tensor[float32] {
	fx := nn.ApplyActivation(c.Conv.Forward(spatial(feats, c.Shape)), nn.ActivationReLU)
	batch := fx.Dim(0)
	out := c.Collapser.Forward(fx.MustReshape(batch, -1))
	return out.MustReshape(batch, 1, c.EmbSize)
}

// sequenceStage builds the positional encoder and extractor for the
// attention, pooled or concat variants.
func (b *builder) sequenceStage(kind extractorKind, cnn CNN, emb int) (nn.Layer, Extractor, error) {
	shapes := cnn.Shapes()
	last := shapes[len(shapes)-1]
	switch kind {
	case extractPooled:
		p, err := b.pooler(last, emb, 5)
		return NullOp{}, p, err
	case extractConcat:
		c, err := b.concatenater(last, emb, 5, 1000)
		return NullOp{}, c, err
	}
	return nn.NewPositionalEncoder(cnn.SeqLen(), emb), b.attncoder(emb), nil
}
