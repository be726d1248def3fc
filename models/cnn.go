package models

import (
	"fmt"

	"github.com/openfluke/locgame/nn"
)

// CNN turns a (B, C, H, W) image into a (B, S, E) feature sequence.
type CNN interface {
	nn.Module
	Forward(x *nn.Tensor[float32]) *nn.Tensor[float32]
	// Shapes lists the spatial shape before the first block and after each.
	Shapes() []nn.Shape2D
	// SeqLen is S = H_final * W_final.
	SeqLen() int
}

// convBlock is conv -> [batch norm] -> activation -> [dropout].
type convBlock struct {
	conv *nn.Conv2D
	bn   *nn.BatchNorm
	act  nn.ActivationType
	drop *nn.Dropout
}

func (b *builder) convBlock(inC, outC, ksize, stride, padding int, bnorm bool, dropP float64) *convBlock {
	blk := &convBlock{conv: b.conv(inC, outC, ksize, ksize, stride, padding), act: b.cfg.ActFxn}
	if bnorm {
		blk.bn = b.batchNorm(outC)
	}
	if dropP > 0 {
		blk.drop = b.dropout(dropP)
	}
	return blk
}

func (c *convBlock) Parameters() []*nn.Param {
	// Indices follow the torch Sequential the block was modelled on.
	return nn.CollectParams(nn.Named("0", c.conv), nn.Named("1", c.bn))
}

func (c *convBlock) Forward(x *nn.Tensor[float32]) *nn.Tensor[float32] {
	fx := c.conv.Forward(x)
	if c.bn != nil {
		fx = c.bn.Forward(fx)
	}
	fx = nn.ApplyActivation(fx, c.act)
	if c.drop != nil {
		fx = c.drop.Forward(fx)
	}
	return fx
}

// ConvNet is the shared implementation of SimpleCNN and MediumCNN: a first
// block with its own kernel and stride followed by blocks that use stride 2
// at loop indices 1 and 3.
type ConvNet struct {
	Kind   CNNType
	Chans  []int
	blocks []*convBlock
	attns  []*ConvAttention
	shapes []nn.Shape2D
}

// NewCNN builds the encoder selected by cfg.CNNType for an emb-channel output.
func NewCNN(cfg Config, emb int) (*ConvNet, error) {
	return newBuilder(cfg).cnn(emb)
}

func (b *builder) cnn(emb int) (*ConvNet, error) {
	img := b.cfg.ImgShape
	net := &ConvNet{Kind: b.cfg.CNNType}

	var firstK, firstStride, ksize int
	switch b.cfg.CNNType {
	case CNNSimple:
		if img.H <= 84 {
			net.Chans = []int{32, 64, 128, 256, emb}
			firstK, firstStride, ksize = 3, 1, 3
		} else {
			net.Chans = []int{3, 32, 64, 128, 256, emb}
			firstK, firstStride, ksize = 5, 2, 5
			b.report("SimpleCNN", "config", nil, "using extra layer for larger image size")
		}
	case CNNMedium:
		net.Chans = []int{8, 32, 64, 128, 256, emb}
		firstK, firstStride, ksize = 7, 2, 3
	default:
		return nil, fmt.Errorf("%w: cnn_type %v", ErrUnknownVariant, b.cfg.CNNType)
	}

	const padding = 0
	name := net.Kind.String()
	shape := img.HW()
	net.shapes = append(net.shapes, shape)

	add := func(inC, outC, k, stride int) error {
		shape = nn.UpdateShape(shape, k, stride, padding, nn.ShapeConv)
		if shape.H <= 0 || shape.W <= 0 {
			return fmt.Errorf("%w: image %v too small for %s (block %d reaches %v)",
				ErrInvalidConfig, img, name, len(net.blocks), shape)
		}
		net.blocks = append(net.blocks, b.convBlock(inC, outC, k, stride, padding, b.cfg.FeatBnorm, 0))
		net.shapes = append(net.shapes, shape)
		b.report(name, fmt.Sprintf("block%d", len(net.blocks)-1), []int{outC, shape.H, shape.W}, "k=%d s=%d", k, stride)
		if b.cfg.IntmAttn > 0 {
			net.attns = append(net.attns, b.convAttention(outC, shape, b.cfg.IntmAttn))
		}
		return nil
	}

	if err := add(img.C, net.Chans[0], firstK, firstStride); err != nil {
		return nil, err
	}
	for i := 0; i < len(net.Chans)-1; i++ {
		stride := 1
		if i == 1 || i == 3 {
			stride = 2
		}
		if err := add(net.Chans[i], net.Chans[i+1], ksize, stride); err != nil {
			return nil, err
		}
	}
	b.report(name, "output", []int{net.SeqLen(), emb}, "seq_len=%d", net.SeqLen())
	return net, nil
}

// Parameters implements nn.Module.
func (n *ConvNet) Parameters() []*nn.Param {
	var out []*nn.Param
	for i, blk := range n.blocks {
		out = append(out, nn.PrefixParams(fmt.Sprintf("conv_blocks.%d.", i), blk.Parameters())...)
	}
	for i, a := range n.attns {
		out = append(out, nn.PrefixParams(fmt.Sprintf("intm_attns.%d.", i), a.Parameters())...)
	}
	return out
}

// Shapes implements CNN.
func (n *ConvNet) Shapes() []nn.Shape2D { return n.shapes }

// SeqLen implements CNN.
func (n *ConvNet) SeqLen() int { return n.shapes[len(n.shapes)-1].Area() }

// Forward maps (B, C, H, W) to (B, S, E).
func (n *ConvNet) Forward(x *nn.Tensor[float32]) *nn.Tensor[float32] {
	fx := x
	for i, blk := range n.blocks {
		fx = blk.Forward(fx)
		if i < len(n.attns) {
			fx = n.attns[i].Forward(fx)
		}
	}
	batch, c := fx.Dim(0), fx.Dim(1)
	return nn.SwapLast2(fx.MustReshape(batch, c, -1))
}
