// Package nn provides the tensor type and layer primitives the locgame models
// are composed from.
//
// Tensors are flat row-major slices with an explicit shape. Image tensors use
// the (B, C, H, W) layout and sequence tensors use (B, S, E). Every layer owns
// its parameters and exposes them through the Module interface so that state
// dicts can be saved and restored by name:
//
//	conv := nn.NewConv2D(3, 32, 3, 3, 1, 0, nil)
//	feats := conv.Forward(img) // (B, 32, H-2, W-2)
//
//	params := nn.PrefixParams("cnn.0.", conv.Parameters())
//	_ = nn.SaveStateDict("weights.safetensors", nn.ParamList(params))
//
// Supported layers:
//   - Dense: affine projection over the last axis with optional activation
//   - Conv2D / ConvTranspose2D: NCHW convolutions with rectangular kernels
//   - BatchNorm / LayerNorm: channel and trailing-axis normalization
//   - Dropout, Embedding, GRUCell
//   - MultiHeadAttention and PositionalEncoder for sequence features
//
// Dense, Conv2D and LayerNorm can dispatch their forward pass to WebGPU via
// EnableGPU.
// Layers never mutate their parameters during Forward, so a built model can be
// shared between goroutines.
package nn
