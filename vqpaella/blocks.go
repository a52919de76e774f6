package vqpaella

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
)

// MixingResidualBlock mixes spatially (depthwise 3x3 convolution) and then across channels (2 layers MLP),
// each one as a residual branch modulated by learned "gammas":
//
//	x = x + depthwise(norm1(x) * (1 + gammas[0]) + gammas[1]) * gammas[2]
//	x = x + channelwise(norm2(x) * (1 + gammas[3]) + gammas[4]) * gammas[5]
func MixingResidualBlock(ctx *context.Context, stage Stage, x *Node) *Node {
	g := x.Graph()
	c, e := stage.InChannels, stage.HiddenChannels
	key := func(name string) string { return stage.Key + "." + name }
	gammas := param(ctx, g, key("gammas"), 6)
	gamma := func(i int) *Node { return Reshape(Slice(gammas, AxisElem(i)), 1, 1, 1, 1) }

	modulated := Add(Mul(LayerNormChannels(x, LayerNormEpsilon), OnePlus(gamma(0))), gamma(1))
	spatial := DepthwiseConv3x3(modulated,
		param(ctx, g, key("depthwise.1.weight"), c, 1, 3, 3),
		param(ctx, g, key("depthwise.1.bias"), c))
	x = Add(x, Mul(spatial, gamma(2)))

	modulated = Add(Mul(LayerNormChannels(x, LayerNormEpsilon), OnePlus(gamma(3))), gamma(4))
	hidden := Einsum("bchw,ec->behw", modulated, param(ctx, g, key("channelwise.0.weight"), e, c))
	hidden = activations.Gelu(Add(hidden, channelBias(param(ctx, g, key("channelwise.0.bias"), e))))
	mixed := Einsum("behw,ce->bchw", hidden, param(ctx, g, key("channelwise.2.weight"), c, e))
	mixed = Add(mixed, channelBias(param(ctx, g, key("channelwise.2.bias"), c)))
	return Add(x, Mul(mixed, gamma(5)))
}

// ApplyStage builds the graph of one stage of the cascade.
func ApplyStage(ctx *context.Context, stage Stage, x *Node) *Node {
	g := x.Graph()
	key := func(name string) string { return stage.Key + "." + name }
	switch stage.Kind {
	case StagePixelUnshuffle:
		return PixelUnshuffle(x, stage.Factor)
	case StagePixelShuffle:
		return PixelShuffle(x, stage.Factor)
	case StageConv, StageConvTranspose:
		var bias *Node
		if stage.Bias {
			bias = param(ctx, g, key("bias"), stage.OutChannels)
		}
		if stage.Kind == StageConv {
			kernel := param(ctx, g, key("weight"), stage.OutChannels, stage.InChannels, stage.KernelSize, stage.KernelSize)
			return Conv2D(x, kernel, bias, stage.Stride, stage.Padding)
		}
		kernel := param(ctx, g, key("weight"), stage.InChannels, stage.OutChannels, stage.KernelSize, stage.KernelSize)
		return ConvTranspose2D(x, kernel, bias, stage.Stride, stage.Padding)
	case StageMixingBlock:
		return MixingResidualBlock(ctx, stage, x)
	case StageBatchNorm:
		c := stage.InChannels
		return BatchNormInference(x,
			param(ctx, g, key("weight"), c),
			param(ctx, g, key("bias"), c),
			param(ctx, g, key("running_mean"), c),
			param(ctx, g, key("running_var"), c),
			BatchNormEpsilon)
	}
	exceptions.Panicf("vqpaella: unknown stage kind %s", stage.Kind)
	return nil
}
