package models

import (
	"fmt"

	"github.com/openfluke/locgame/nn"
)

// attnLayer is one post-norm transformer layer:
//
//	q = LN(q + MHA(q, mem))
//	q = LN(q + FFN(q))
//
// With self set the memory is q itself.
type attnLayer struct {
	attn  *nn.MultiHeadAttention
	norm1 *nn.LayerNorm
	ffn   *nn.Sequential
	norm2 *nn.LayerNorm
}

func (b *builder) attnLayer(emb int) *attnLayer {
	return &attnLayer{
		attn:  b.attention(emb),
		norm1: b.layerNorm(emb),
		ffn: nn.NewSequential(
			b.dense(emb, 4*emb, nn.ActivationLinear),
			&nn.Activation{Type: b.cfg.ActFxn},
			b.dense(4*emb, emb, nn.ActivationLinear),
		),
		norm2: b.layerNorm(emb),
	}
}

func (l *attnLayer) Parameters() []*nn.Param {
	return nn.CollectParams(
		nn.Named("attn", l.attn),
		nn.Named("norm1", l.norm1),
		nn.Named("ffn", l.ffn),
		nn.Named("norm2", l.norm2),
	)
}

func (l *attnLayer) forward(q, mem *nn.Tensor[float32]) *nn.Tensor[float32] {
	q = l.norm1.Forward(nn.Add(q, l.attn.Forward(q, mem)))
	return l.norm2.Forward(nn.Add(q, l.ffn.Forward(q)))
}

// Attncoder is a stack of cross-attention layers: the query (B, Q, E)
// attends to the feature sequence (B, S, E). Returns (B, Q, E).
type Attncoder struct {
	EmbSize int
	Layers  []*attnLayer
}

// NewAttncoder builds dec_layers cross-attention layers over emb features.
func NewAttncoder(cfg Config, emb int) *Attncoder {
	return newBuilder(cfg).attncoder(emb)
}

func (b *builder) attncoder(emb int) *Attncoder {
	a := &Attncoder{EmbSize: emb}
	for i := 0; i < b.cfg.DecLayers; i++ {
		a.Layers = append(a.Layers, b.attnLayer(emb))
	}
	b.report("Attncoder", "layers", []int{-1, -1, emb}, "%d layers, %d heads x %d", b.cfg.DecLayers, b.cfg.NHeads, b.cfg.AttnSize)
	return a
}

// Parameters implements nn.Module.
func (a *Attncoder) Parameters() []*nn.Param {
	var out []*nn.Param
	for i, l := range a.Layers {
		out = append(out, nn.PrefixParams(fmt.Sprintf("layers.%d.", i), l.Parameters())...)
	}
	return out
}

// Extract implements Extractor.
func (a *Attncoder) Extract(query, feats *nn.Tensor[float32]) *nn.Tensor[float32] {
	for _, l := range a.Layers {
		query = l.forward(query, feats)
	}
	return query
}

// decLayer adds a self-attention sublayer over the query steps in front of
// the cross-attention layer.
type decLayer struct {
	self     *nn.MultiHeadAttention
	selfNorm *nn.LayerNorm
	cross    *attnLayer
}

// Decoder is a transformer decoder over a time sequence of hidden vectors.
// Step i of the query receives a learned embedding before the first layer.
type Decoder struct {
	EmbSize  int
	MaxSteps int
	StepEmbs *nn.Embedding
	Layers   []*decLayer
}

// NewDecoder builds a decoder with maxSteps step embeddings.
func NewDecoder(cfg Config, emb, maxSteps int) *Decoder {
	return newBuilder(cfg).decoder(emb, maxSteps)
}

func (b *builder) decoder(emb, maxSteps int) *Decoder {
	d := &Decoder{EmbSize: emb, MaxSteps: maxSteps, StepEmbs: nn.NewEmbedding(maxSteps, emb, b.rng)}
	for i := 0; i < b.cfg.DecLayers; i++ {
		d.Layers = append(d.Layers, &decLayer{self: b.attention(emb), selfNorm: b.layerNorm(emb), cross: b.attnLayer(emb)})
	}
	b.report("Decoder", "layers", []int{-1, -1, emb}, "%d layers, %d step embeddings", b.cfg.DecLayers, maxSteps)
	return d
}

// Parameters implements nn.Module.
func (d *Decoder) Parameters() []*nn.Param {
	out := nn.PrefixParams("step_embs.", d.StepEmbs.Parameters())
	for i, l := range d.Layers {
		out = append(out, nn.CollectParams(
			nn.Named(fmt.Sprintf("layers.%d.self_attn", i), l.self),
			nn.Named(fmt.Sprintf("layers.%d.self_norm", i), l.selfNorm),
			nn.Named(fmt.Sprintf("layers.%d.cross", i), l.cross),
		)...)
	}
	return out
}

// Extract implements Extractor. query is (B, T, E); steps past MaxSteps
// reuse the last step embedding.
func (d *Decoder) Extract(query, feats *nn.Tensor[float32]) *nn.Tensor[float32] {
	batch, steps := query.Dim(0), query.Dim(1)
	ids := make([]int, steps)
	for i := range ids {
		ids[i] = min(i, d.MaxSteps-1)
	}
	pos := d.StepEmbs.Lookup(ids) // (T, E)
	x := query.Clone()
	span := steps * d.EmbSize
	for b := 0; b < batch; b++ {
		for i, v := range pos.Data {
			x.Data[b*span+i] += v
		}
	}
	for _, l := range d.Layers {
		x = l.selfNorm.Forward(nn.Add(x, l.self.Forward(x, x)))
		x = l.cross.forward(x, feats)
	}
	return x
}

// ConvAttention runs layers of spatial self-attention over a (B, C, H, W)
// feature map, treating the H*W positions as a sequence of C-dim vectors.
type ConvAttention struct {
	Channels int
	Shape    nn.Shape2D
	Layers   []*attnLayer
}

func (b *builder) convAttention(channels int, shape nn.Shape2D, layers int) *ConvAttention {
	ca := &ConvAttention{Channels: channels, Shape: shape}
	for i := 0; i < layers; i++ {
		ca.Layers = append(ca.Layers, b.attnLayer(channels))
	}
	return ca
}

// Parameters implements nn.Module.
func (ca *ConvAttention) Parameters() []*nn.Param {
	var out []*nn.Param
	for i, l := range ca.Layers {
		out = append(out, nn.PrefixParams(fmt.Sprintf("layers.%d.", i), l.Parameters())...)
	}
	return out
}

// Forward maps (B, C, H, W) to (B, C, H, W).
func (ca *ConvAttention) Forward(x *nn.Tensor[float32]) *nn.Tensor[float32] {
	batch, c, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	seq := nn.SwapLast2(x.MustReshape(batch, c, h*w)) // (B, HW, C)
	for _, l := range ca.Layers {
		seq = l.forward(seq, seq)
	}
	return nn.SwapLast2(seq).MustReshape(batch, c, h, w)
}
