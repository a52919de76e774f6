package vqpaella

import (
	"fmt"
	"strconv"
)

// StageKind enumerates the building blocks of the autoencoder cascades.
type StageKind int

const (
	StagePixelUnshuffle StageKind = iota
	StagePixelShuffle
	StageConv
	StageConvTranspose
	StageMixingBlock
	StageBatchNorm
)

var stageKindNames = []string{"PixelUnshuffle", "PixelShuffle", "Conv", "ConvTranspose", "MixingBlock", "BatchNorm"}

func (k StageKind) String() string {
	if k < 0 || int(k) >= len(stageKindNames) {
		return "StageKind(" + strconv.Itoa(int(k)) + ")"
	}
	return stageKindNames[k]
}

const (
	// LayerNormEpsilon used by the normalizations inside the residual mixing blocks.
	LayerNormEpsilon = 1e-6

	// BatchNormEpsilon used by the latent normalization.
	BatchNormEpsilon = 1e-5

	// MixingExpansion is the ratio between the hidden width of the channel-wise MLP and the block width.
	MixingExpansion = 4

	// CodebookKey is the parameter holding the codebook, shaped [codebook_size, c_latent].
	CodebookKey = "vquantizer.embedding.weight"
)

// Stage describes one step of the encoder or decoder cascades.
//
// Stages are plain values: the cascade is a []Stage built once by BuildStages.
type Stage struct {
	Kind StageKind

	// Key is the prefix of the stage parameters in the state dictionary (e.g. "down_blocks.1").
	// Empty for stages without parameters.
	Key string

	// InChannels and OutChannels of the stage. For StageMixingBlock and StageBatchNorm they are equal.
	InChannels, OutChannels int

	// KernelSize, Stride and Padding of StageConv and StageConvTranspose.
	KernelSize, Stride, Padding int

	// Bias is true if the convolution has a bias term.
	Bias bool

	// Factor of StagePixelShuffle and StagePixelUnshuffle.
	Factor int

	// HiddenChannels is the width of the channel-wise MLP of a StageMixingBlock.
	HiddenChannels int
}

// Param is the description of one parameter (weight) of the model.
type Param struct {
	// Key in the state dictionary, e.g.: "down_blocks.3.1.running_mean".
	Key string

	// Dims of the parameter.
	Dims []int
}

// Params returns the parameters of the stage, in PyTorch layout.
func (s Stage) Params() []Param {
	key := func(name string) string { return s.Key + "." + name }
	switch s.Kind {
	case StageConv:
		params := []Param{{key("weight"), []int{s.OutChannels, s.InChannels, s.KernelSize, s.KernelSize}}}
		if s.Bias {
			params = append(params, Param{key("bias"), []int{s.OutChannels}})
		}
		return params
	case StageConvTranspose:
		params := []Param{{key("weight"), []int{s.InChannels, s.OutChannels, s.KernelSize, s.KernelSize}}}
		if s.Bias {
			params = append(params, Param{key("bias"), []int{s.OutChannels}})
		}
		return params
	case StageMixingBlock:
		c, e := s.InChannels, s.HiddenChannels
		return []Param{
			{key("gammas"), []int{6}},
			{key("depthwise.1.weight"), []int{c, 1, 3, 3}},
			{key("depthwise.1.bias"), []int{c}},
			{key("channelwise.0.weight"), []int{e, c}},
			{key("channelwise.0.bias"), []int{e}},
			{key("channelwise.2.weight"), []int{c, e}},
			{key("channelwise.2.bias"), []int{c}},
		}
	case StageBatchNorm:
		c := s.InChannels
		return []Param{
			{key("weight"), []int{c}},
			{key("bias"), []int{c}},
			{key("running_mean"), []int{c}},
			{key("running_var"), []int{c}},
		}
	default:
		return nil
	}
}

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s.Kind {
	case StagePixelShuffle, StagePixelUnshuffle:
		return fmt.Sprintf("%s(factor=%d)", s.Kind, s.Factor)
	case StageConv, StageConvTranspose:
		return fmt.Sprintf("%s[%s](%d->%d, kernel=%d, stride=%d, padding=%d, bias=%v)",
			s.Kind, s.Key, s.InChannels, s.OutChannels, s.KernelSize, s.Stride, s.Padding, s.Bias)
	case StageMixingBlock:
		return fmt.Sprintf("%s[%s](%d, hidden=%d)", s.Kind, s.Key, s.InChannels, s.HiddenChannels)
	default:
		return fmt.Sprintf("%s[%s](%d)", s.Kind, s.Key, s.InChannels)
	}
}

// OutputDims returns the dimensions of the stage output for an input of the given dimensions [batch, channels, height, width].
func (s Stage) OutputDims(dims []int) []int {
	b, h, w := dims[0], dims[2], dims[3]
	switch s.Kind {
	case StagePixelUnshuffle:
		return []int{b, dims[1] * s.Factor * s.Factor, h / s.Factor, w / s.Factor}
	case StagePixelShuffle:
		return []int{b, dims[1] / (s.Factor * s.Factor), h * s.Factor, w * s.Factor}
	case StageConv:
		return []int{b, s.OutChannels, (h+2*s.Padding-s.KernelSize)/s.Stride + 1, (w+2*s.Padding-s.KernelSize)/s.Stride + 1}
	case StageConvTranspose:
		return []int{b, s.OutChannels, (h-1)*s.Stride - 2*s.Padding + s.KernelSize, (w-1)*s.Stride - 2*s.Padding + s.KernelSize}
	default:
		return []int{b, dims[1], h, w}
	}
}

func pointwiseConv(key string, in, out int, bias bool) Stage {
	return Stage{Kind: StageConv, Key: key, InChannels: in, OutChannels: out, KernelSize: 1, Stride: 1, Bias: bias}
}

func mixingBlock(key string, channels int) Stage {
	return Stage{Kind: StageMixingBlock, Key: key, InChannels: channels, OutChannels: channels,
		HiddenChannels: channels * MixingExpansion}
}

// BuildStages assembles the encoder and decoder cascades for the configuration.
//
// The encoder goes from images to the (pre-scaling) latents, and the decoder from the (scaled) latents back to images.
// Both walk the same ChannelLevels, in opposite directions.
func BuildStages(c Config) (encoder, decoder []Stage, err error) {
	if err = c.Validate(); err != nil {
		return
	}
	levels := c.ChannelLevels()
	scale := c.UpDownScaleFactor

	// Input block: PixelUnshuffle + Conv2d(kernel=1), the convolution is entry 1 of the PyTorch sequential module.
	encoder = append(encoder,
		Stage{Kind: StagePixelUnshuffle, Factor: scale, InChannels: c.InChannels, OutChannels: c.InChannels * scale * scale},
		pointwiseConv("in_block.1", c.InChannels*scale*scale, levels[0], true))

	idx := 0
	downKey := func() string {
		key := "down_blocks." + strconv.Itoa(idx)
		idx++
		return key
	}
	for i := range c.Levels {
		if i > 0 {
			encoder = append(encoder, Stage{Kind: StageConv, Key: downKey(), InChannels: levels[i-1], OutChannels: levels[i],
				KernelSize: 4, Stride: 2, Padding: 1, Bias: true})
		}
		encoder = append(encoder, mixingBlock(downKey(), levels[i]))
	}
	latentKey := downKey()
	encoder = append(encoder,
		pointwiseConv(latentKey+".0", levels[c.Levels-1], c.CLatent, false),
		Stage{Kind: StageBatchNorm, Key: latentKey + ".1", InChannels: c.CLatent, OutChannels: c.CLatent})

	decoder = append(decoder, pointwiseConv("up_blocks.0.0", c.CLatent, levels[c.Levels-1], true))
	idx = 1
	upKey := func() string {
		key := "up_blocks." + strconv.Itoa(idx)
		idx++
		return key
	}
	for i := range c.Levels {
		numBlocks := 1
		if i == 0 {
			numBlocks = c.BottleneckBlocks
		}
		width := levels[c.Levels-1-i]
		for range numBlocks {
			decoder = append(decoder, mixingBlock(upKey(), width))
		}
		if i < c.Levels-1 {
			decoder = append(decoder, Stage{Kind: StageConvTranspose, Key: upKey(), InChannels: width, OutChannels: levels[c.Levels-2-i],
				KernelSize: 4, Stride: 2, Padding: 1, Bias: true})
		}
	}
	decoder = append(decoder,
		pointwiseConv("out_block.0", levels[0], c.OutChannels*scale*scale, true),
		Stage{Kind: StagePixelShuffle, Factor: scale, InChannels: c.OutChannels * scale * scale, OutChannels: c.OutChannels})
	return
}

// Manifest lists all the parameters of the model for the configuration: encoder, codebook and decoder, in this order.
func Manifest(c Config) ([]Param, error) {
	encoder, decoder, err := BuildStages(c)
	if err != nil {
		return nil, err
	}
	var params []Param
	for _, stage := range encoder {
		params = append(params, stage.Params()...)
	}
	params = append(params, Param{CodebookKey, []int{c.CodebookSize, c.CLatent}})
	for _, stage := range decoder {
		params = append(params, stage.Params()...)
	}
	return params, nil
}
