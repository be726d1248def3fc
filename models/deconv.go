package models

import (
	"fmt"

	"github.com/openfluke/locgame/nn"
)

// Default deconv schedule for a 7x7 start. Strides switch to
// defaultStridesOther for any other start width.
var (
	defaultKsizes       = []int{9, 5, 5, 4, 4, 4, 4, 4, 4, 4}
	defaultStrides7     = []int{2, 1, 1, 1, 2, 2, 2, 1, 1}
	defaultStridesOther = []int{2, 1, 1, 1, 2, 2, 1, 1, 1}
)

// deconvBlock is conv-transpose -> [batch norm] -> dropout -> ReLU.
type deconvBlock struct {
	deconv *nn.ConvTranspose2D
	bn     *nn.BatchNorm
	drop   *nn.Dropout
}

func (b *builder) deconvBlock(inDepth, outDepth, ksize, stride int) *deconvBlock {
	blk := &deconvBlock{
		deconv: nn.NewConvTranspose2D(inDepth, outDepth, ksize, ksize, stride, 0, b.rng),
		drop:   b.dropout(b.cfg.DropP),
	}
	b.watch(blk.deconv)
	if b.cfg.FwdBnorm {
		blk.bn = b.batchNorm(outDepth)
	}
	return blk
}

func (d *deconvBlock) Parameters() []*nn.Param {
	return nn.CollectParams(nn.Named("0", d.deconv), nn.Named("1", d.bn))
}

func (d *deconvBlock) Forward(x *nn.Tensor[float32]) *nn.Tensor[float32] {
	fx := d.deconv.Forward(x)
	if d.bn != nil {
		fx = d.bn.Forward(fx)
	}
	return nn.ApplyActivation(d.drop.Forward(fx), nn.ActivationReLU)
}

// SimpleDeconv maps a latent vector (B, E) to an image (B, C, H, W) by
// projecting to the start shape and growing it with transposed convolutions
// until it reaches the image size.
type SimpleDeconv struct {
	EmbSize    int
	StartShape ImageShape
	ImgShape   ImageShape
	Ksizes     []int
	Strides    []int
	// Sizes records the spatial size after every resizing stage.
	Sizes      []nn.Shape2D
	Sequential *nn.Sequential
}

// NewSimpleDeconv builds the decoder for emb-sized latents.
func NewSimpleDeconv(cfg Config, emb int) (*SimpleDeconv, error) {
	return newBuilder(cfg).simpleDeconv(emb)
}

func (b *builder) simpleDeconv(emb int) (*SimpleDeconv, error) {
	cfg := b.cfg
	start, img := cfg.DeconvStartShape, cfg.ImgShape
	d := &SimpleDeconv{
		EmbSize:    emb,
		StartShape: start,
		ImgShape:   img,
		Ksizes:     cfg.DeconvKsizes,
		Strides:    cfg.DeconvStrides,
		Sequential: nn.NewSequential(),
	}
	if d.Ksizes == nil {
		d.Ksizes = defaultKsizes
	}
	if d.Strides == nil {
		d.Strides = defaultStridesOther
		if start.W == 7 {
			d.Strides = defaultStrides7
		}
	}
	if len(d.Ksizes) == 0 || len(d.Strides) == 0 {
		return nil, fmt.Errorf("%w: empty kernel or stride list", ErrDeconvSchedule)
	}
	for i, k := range d.Ksizes {
		if k < 1 || (i < len(d.Strides) && d.Strides[i] < 1) {
			return nil, fmt.Errorf("%w: non-positive kernel or stride at layer %d", ErrDeconvSchedule, i)
		}
	}
	b.report("SimpleDeconv", "config", []int{img.C, img.H, img.W}, "start=%v bnorm=%v", start, cfg.FwdBnorm)

	seq := d.Sequential
	flat := start.Size()
	if cfg.DeconvLnorm {
		seq.Append(b.layerNorm(emb))
	}
	seq.Append(b.dense(emb, flat, nn.ActivationLinear))
	if cfg.FwdBnorm {
		seq.Append(b.batchNorm(flat))
	}
	seq.Append(&nn.Reshape{Shape: []int{start.C, start.H, start.W}})

	depth := start.C
	size := nn.UpdateShape(start.HW(), d.Ksizes[0], d.Strides[0], 0, nn.ShapeDeconv)
	seq.Append(b.deconvBlock(depth, depth, d.Ksizes[0], d.Strides[0]))
	d.Sizes = append(d.Sizes, size)
	b.report("SimpleDeconv", "deconv0", []int{depth, size.H, size.W}, "k=%d s=%d", d.Ksizes[0], d.Strides[0])

	for i := 1; size.H < img.H && size.W < img.W; i++ {
		if i >= len(d.Ksizes) || i >= len(d.Strides) {
			return nil, fmt.Errorf("%w: schedule exhausted at %v after %d layers, target %v",
				ErrDeconvSchedule, size, i, img)
		}
		k, s := d.Ksizes[i], d.Strides[i]
		if cfg.DeconvLnorm {
			seq.Append(b.layerNorm(depth, size.H, size.W))
		}
		size = nn.UpdateShape(size, k, s, 0, nn.ShapeDeconv)
		endDepth := max(depth/2, 16)
		if size.H == img.H && size.W == img.W {
			endDepth = img.C
		}
		seq.Append(b.deconvBlock(depth, endDepth, k, s))
		depth = endDepth
		d.Sizes = append(d.Sizes, size)
		b.report("SimpleDeconv", fmt.Sprintf("deconv%d", i), []int{depth, size.H, size.W}, "k=%d s=%d", k, s)
	}

	dH, dW := size.H-img.H, size.W-img.W
	switch {
	case dH < 0 || dW < 0:
		return nil, fmt.Errorf("%w: stopped at %v, target %v", ErrDeconvSchedule, size, img)
	case (dH > 0 || dW > 0) && cfg.DeconvCutout:
		seq.Append(&nn.Cutout{Height: img.H, Width: img.W})
		size = nn.Shape2D{H: img.H, W: img.W}
		d.Sizes = append(d.Sizes, size)
		b.report("SimpleDeconv", "cutout", []int{depth, size.H, size.W}, "cropped %dx%d", dH, dW)
		if depth != img.C {
			seq.Append(b.conv(depth, img.C, 1, 1, 1, 0))
			depth = img.C
		}
	case dH > 0 || dW > 0:
		seq.Append(b.conv(depth, img.C, dH+1, dW+1, 1, 0))
		size = nn.UpdateShapeHW(size, dH+1, dW+1, 1, 0, nn.ShapeConv)
		depth = img.C
		d.Sizes = append(d.Sizes, size)
		b.report("SimpleDeconv", "correction", []int{depth, size.H, size.W}, "k=%dx%d", dH+1, dW+1)
	case depth != img.C:
		seq.Append(b.conv(depth, img.C, 1, 1, 1, 0))
		depth = img.C
	}

	if cfg.EndSigmoid {
		seq.Append(&nn.Activation{Type: nn.ActivationSigmoid})
	}
	b.report("SimpleDeconv", "output", []int{depth, size.H, size.W}, "")
	return d, nil
}

// Parameters implements nn.Module.
func (d *SimpleDeconv) Parameters() []*nn.Param {
	return nn.PrefixParams("sequential.", d.Sequential.Parameters())
}

// Forward maps (B, E) to (B, C, H, W).
func (d *SimpleDeconv) Forward(x *nn.Tensor[float32]) *nn.Tensor[float32] {
	return d.Sequential.Forward(x)
}
