package kernels

import (
	"slices"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/pkg/errors"
)

// Model runs the autoencoder cascades of vqpaella.BuildStages on the CPU.
type Model struct {
	Config vqpaella.Config

	// Beta of the commitment loss, see vqpaella.CodebookQuantizer.
	Beta float64

	encoder, decoder []vqpaella.Stage
	params           map[string]*Tensor
}

// NewModel creates a reference Model with the given weights, keyed by the diffusers parameter names.
func NewModel(config vqpaella.Config, weights *trees.Tree[*tensors.Tensor]) (*Model, error) {
	encoder, decoder, err := vqpaella.BuildStages(config)
	if err != nil {
		return nil, err
	}
	manifest, _ := vqpaella.Manifest(config)
	m := &Model{
		Config:  config,
		Beta:    vqpaella.NewCodebookQuantizer(config).Beta,
		encoder: encoder,
		decoder: decoder,
		params:  make(map[string]*Tensor, len(manifest)),
	}
	for _, p := range manifest {
		t, found := weights.GetKey(p.Key)
		if !found {
			return nil, errors.Errorf("kernels: parameter %q is missing", p.Key)
		}
		if !slices.Equal(t.Shape().Dimensions, p.Dims) {
			return nil, errors.Errorf("kernels: parameter %q is shaped %s, expected dimensions %v", p.Key, t.Shape(), p.Dims)
		}
		if m.params[p.Key], err = FromTensor(t); err != nil {
			return nil, errors.WithMessagef(err, "parameter %q", p.Key)
		}
	}
	return m, nil
}

func (m *Model) param(stage vqpaella.Stage, name string) *Tensor {
	return m.params[stage.Key+"."+name]
}

// ApplyStage runs one stage of the cascade.
func (m *Model) ApplyStage(stage vqpaella.Stage, x *Tensor) (*Tensor, error) {
	switch stage.Kind {
	case vqpaella.StagePixelUnshuffle:
		return PixelUnshuffle(x, stage.Factor)
	case vqpaella.StagePixelShuffle:
		return PixelShuffle(x, stage.Factor)
	case vqpaella.StageConv:
		var bias *Tensor
		if stage.Bias {
			bias = m.param(stage, "bias")
		}
		return Conv2D(x, m.param(stage, "weight"), bias, stage.Stride, stage.Padding), nil
	case vqpaella.StageConvTranspose:
		var bias *Tensor
		if stage.Bias {
			bias = m.param(stage, "bias")
		}
		return ConvTranspose2D(x, m.param(stage, "weight"), bias, stage.Stride, stage.Padding), nil
	case vqpaella.StageMixingBlock:
		return m.mixingBlock(stage, x), nil
	case vqpaella.StageBatchNorm:
		return BatchNorm(x, m.param(stage, "weight"), m.param(stage, "bias"),
			m.param(stage, "running_mean"), m.param(stage, "running_var"), vqpaella.BatchNormEpsilon), nil
	}
	return nil, errors.Errorf("kernels: unknown stage kind %s", stage.Kind)
}

func (m *Model) mixingBlock(stage vqpaella.Stage, x *Tensor) *Tensor {
	gammas := m.param(stage, "gammas").Data
	modulate := func(x *Tensor, scale, shift float32) *Tensor {
		out := LayerNormChannels(x, vqpaella.LayerNormEpsilon)
		for i, v := range out.Data {
			out.Data[i] = v*(1+scale) + shift
		}
		return out
	}
	residual := func(x, branch *Tensor, gamma float32) *Tensor {
		out := x.Clone()
		for i, v := range branch.Data {
			out.Data[i] += v * gamma
		}
		return out
	}

	spatial := DepthwiseConv3x3(modulate(x, gammas[0], gammas[1]),
		m.param(stage, "depthwise.1.weight"), m.param(stage, "depthwise.1.bias"))
	x = residual(x, spatial, gammas[2])

	hidden := GELU(Linear(modulate(x, gammas[3], gammas[4]),
		m.param(stage, "channelwise.0.weight"), m.param(stage, "channelwise.0.bias")))
	mixed := Linear(hidden, m.param(stage, "channelwise.2.weight"), m.param(stage, "channelwise.2.bias"))
	return residual(x, mixed, gammas[5])
}

func (m *Model) run(stages []vqpaella.Stage, x *Tensor) (*Tensor, error) {
	var err error
	for _, stage := range stages {
		if x, err = m.ApplyStage(stage, x); err != nil {
			return nil, errors.WithMessagef(err, "stage %s", stage)
		}
	}
	return x, nil
}

func scale(x *Tensor, factor float64) *Tensor {
	out := New(x.Dims...)
	for i, v := range x.Data {
		out.Data[i] = float32(float64(v) * factor)
	}
	return out
}

// Encode images [B, in_channels, H, W] into latents [B, c_latent, H/D, W/D].
func (m *Model) Encode(images *Tensor) (*Tensor, error) {
	if _, err := m.Config.LatentDims(images.Dims); err != nil {
		return nil, err
	}
	x, err := m.run(m.encoder, images)
	if err != nil {
		return nil, err
	}
	return scale(x, 1/m.Config.ScaleFactor), nil
}

// Decode latents [B, c_latent, h, w] into images, optionally quantizing them first.
func (m *Model) Decode(latents *Tensor, quantize bool) (*Tensor, error) {
	if err := m.checkLatents(latents); err != nil {
		return nil, err
	}
	x := scale(latents, m.Config.ScaleFactor)
	if quantize {
		x, _, _ = NearestCodebook(x, m.params[vqpaella.CodebookKey], m.Beta)
	}
	return m.run(m.decoder, x)
}

// Forward is Decode(Encode(images), false).
func (m *Model) Forward(images *Tensor) (*Tensor, error) {
	latents, err := m.Encode(images)
	if err != nil {
		return nil, err
	}
	return m.Decode(latents, false)
}

func (m *Model) checkLatents(latents *Tensor) error {
	if len(latents.Dims) != 4 || latents.Dims[1] != m.Config.CLatent {
		return errors.Wrapf(vqpaella.ErrInvalidShape, "latents must be shaped [batch, %d, height, width], got %v",
			m.Config.CLatent, latents.Dims)
	}
	return nil
}

// Quantize the latents (as returned by Encode) against the codebook, see NearestCodebook.
func (m *Model) Quantize(latents *Tensor) (codes *Tensor, indices []int32, loss float64, err error) {
	if err = m.checkLatents(latents); err != nil {
		return
	}
	codes, indices, loss = NearestCodebook(scale(latents, m.Config.ScaleFactor), m.params[vqpaella.CodebookKey], m.Beta)
	return
}
