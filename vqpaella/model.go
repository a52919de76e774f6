// Package vqpaella implements the Paella VQ autoencoder (stage A of Würstchen) for GoMLX.
//
// It is based on https://github.com/huggingface/diffusers (PaellaVQModel), with the same parameter names,
// so diffusers and converted Paella checkpoints load as they are.
//
// Encode maps images [batch, in_channels, H, W] to continuous latents [batch, c_latent, H/D, W/D],
// where D is Config.DownscaleFactor(). Decode maps latents back, optionally snapping them to the codebook first.
package vqpaella

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model holds the structure, the parameters and the compiled executors of the autoencoder.
//
// Its methods are safe for concurrent use: the parameters are only read.
type Model struct {
	Config Config

	// Quantizer used by Decode(latents, true) and by Quantize.
	Quantizer Quantizer

	backend backends.Backend
	ctx     *context.Context

	encoder, decoder []Stage

	mu                          sync.Mutex
	encodeExec, quantizeExec    *context.Exec
	decodeExec, decodeQuantExec *context.Exec
}

// New creates the Model for the configuration, with the parameters already in ctx (see LoadWeights).
//
// It returns an error if the configuration is invalid, or if any parameter is missing or has the wrong shape.
func New(backend backends.Backend, ctx *context.Context, config Config) (*Model, error) {
	encoder, decoder, err := BuildStages(config)
	if err != nil {
		return nil, err
	}
	if err = CheckParameters(ctx, config); err != nil {
		return nil, err
	}
	m := &Model{
		Config:    config,
		Quantizer: NewCodebookQuantizer(config),
		backend:   backend,
		ctx:       ctx.Reuse(),
		encoder:   encoder,
		decoder:   decoder,
	}
	return m, nil
}

// Stages returns a copy of the encoder and decoder cascades.
func (m *Model) Stages() (encoder, decoder []Stage) {
	return append([]Stage(nil), m.encoder...), append([]Stage(nil), m.decoder...)
}

// Context returns the context holding the model parameters.
func (m *Model) Context() *context.Context { return m.ctx }

// NormalizeLatents divides the raw encoder output by the scale factor, to bring the latents to their canonical range.
func NormalizeLatents(x *Node, scaleFactor float64) *Node {
	return DivScalar(x, scaleFactor)
}

// DenormalizeLatents is the inverse of NormalizeLatents.
func DenormalizeLatents(x *Node, scaleFactor float64) *Node {
	return MulScalar(x, scaleFactor)
}

// EncodeGraph builds the encoder: images to the (continuous) latents.
func (m *Model) EncodeGraph(ctx *context.Context, images *Node) *Node {
	x := images
	for _, stage := range m.encoder {
		x = ApplyStage(ctx, stage, x)
	}
	return NormalizeLatents(x, m.Config.ScaleFactor)
}

// DecodeGraph builds the decoder: latents to images. If quantize is set the denormalized latents are replaced by
// their nearest codebook entries first.
func (m *Model) DecodeGraph(ctx *context.Context, latents *Node, quantize bool) *Node {
	x := DenormalizeLatents(latents, m.Config.ScaleFactor)
	if quantize {
		x, _, _ = m.Quantizer.Quantize(ctx, x)
	}
	for _, stage := range m.decoder {
		x = ApplyStage(ctx, stage, x)
	}
	return x
}

func (m *Model) exec(target **context.Exec, name string, fn func(ctx *context.Context, x *Node) []*Node) *context.Exec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *target == nil {
		klog.V(1).Infof("vqpaella: creating %s executor", name)
		*target = context.NewExec(m.backend, m.ctx, fn)
	}
	return *target
}

func (m *Model) call(target **context.Exec, name string, fn func(ctx *context.Context, x *Node) []*Node, input *tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = m.exec(target, name, fn).Call(input)
	})
	if err != nil {
		err = errors.WithMessagef(err, "vqpaella: %s failed", name)
	}
	return
}

// Encode images shaped [batch, in_channels, height, width] into latents shaped [batch, c_latent, height/D, width/D],
// with D = Config.DownscaleFactor().
//
// The latents are not quantized.
func (m *Model) Encode(images *tensors.Tensor) (*tensors.Tensor, error) {
	if err := m.Config.checkImageDims(images.Shape().Dimensions); err != nil {
		return nil, err
	}
	outputs, err := m.call(&m.encodeExec, "encode", func(ctx *context.Context, x *Node) []*Node {
		return []*Node{m.EncodeGraph(ctx, x)}
	}, images)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// Decode latents shaped [batch, c_latent, h, w] into images shaped [batch, out_channels, h*D, w*D].
//
// If quantize is set, the latents are snapped to the codebook first and the loss terms are discarded.
// The usual inference path is quantize=false.
func (m *Model) Decode(latents *tensors.Tensor, quantize bool) (*tensors.Tensor, error) {
	if err := m.Config.checkLatentDims(latents.Shape().Dimensions); err != nil {
		return nil, err
	}
	target, name := &m.decodeExec, "decode"
	if quantize {
		target, name = &m.decodeQuantExec, "decode (quantized)"
	}
	outputs, err := m.call(target, name, func(ctx *context.Context, x *Node) []*Node {
		return []*Node{m.DecodeGraph(ctx, x, quantize)}
	}, latents)
	if err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// Forward reconstructs the images: Decode(Encode(images), false).
func (m *Model) Forward(images *tensors.Tensor) (*tensors.Tensor, error) {
	latents, err := m.Encode(images)
	if err != nil {
		return nil, err
	}
	return m.Decode(latents, false)
}

// Quantized holds the results of quantizing latents.
type Quantized struct {
	// Codes are the selected codebook vectors, in the denormalized (codebook) space, shaped like the latents.
	Codes *tensors.Tensor

	// Indices of the codebook entries, int32 shaped [batch, h, w].
	Indices *tensors.Tensor

	// Loss is the commitment loss, a float32 scalar.
	Loss *tensors.Tensor
}

// Quantize the latents (as returned by Encode) against the codebook.
func (m *Model) Quantize(latents *tensors.Tensor) (*Quantized, error) {
	if err := m.Config.checkLatentDims(latents.Shape().Dimensions); err != nil {
		return nil, err
	}
	outputs, err := m.call(&m.quantizeExec, "quantize", func(ctx *context.Context, x *Node) []*Node {
		codes, loss, indices := m.Quantizer.Quantize(ctx, DenormalizeLatents(x, m.Config.ScaleFactor))
		return []*Node{codes, indices, loss}
	}, latents)
	if err != nil {
		return nil, err
	}
	return &Quantized{Codes: outputs[0], Indices: outputs[1], Loss: outputs[2]}, nil
}
