package vqpaella

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Kernels are used in the PyTorch layout ([out, in, kh, kw], or [in, out, kh, kw] for transposed convolutions),
// so ported weights need no repacking.

// param returns the graph node of the parameter under the dotted key, relative to ctx.
// The variable must already exist (ctx is expected to be in reuse mode) with the given dimensions.
func param(ctx *context.Context, g *Graph, key string, dims ...int) *Node {
	scoped, name := variableContext(ctx, key)
	return scoped.VariableWithShape(name, shapes.Make(dtypes.Float32, dims...)).ValueGraph(g)
}

// PixelUnshuffle moves factor x factor spatial blocks into channels: [B, C, H, W] -> [B, C*f*f, H/f, W/f].
// Output channel c*f*f + i*f + j holds the input pixel (h*f+i, w*f+j) of channel c.
func PixelUnshuffle(x *Node, factor int) *Node {
	dims := x.Shape().Dimensions
	b, c, h, w := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, b, c, h/factor, factor, w/factor, factor)
	x = TransposeAllDims(x, 0, 1, 3, 5, 2, 4)
	return Reshape(x, b, c*factor*factor, h/factor, w/factor)
}

// PixelShuffle is the inverse of PixelUnshuffle: [B, C*f*f, H, W] -> [B, C, H*f, W*f].
func PixelShuffle(x *Node, factor int) *Node {
	dims := x.Shape().Dimensions
	b, c, h, w := dims[0], dims[1]/(factor*factor), dims[2], dims[3]
	x = Reshape(x, b, c, factor, factor, h, w)
	x = TransposeAllDims(x, 0, 1, 4, 2, 5, 3)
	return Reshape(x, b, c, h*factor, w*factor)
}

// replicatePad pads the spatial axes (2 and 3) by one, repeating the border values.
func replicatePad(x *Node) *Node {
	dims := x.Shape().Dimensions
	h, w := dims[2], dims[3]
	x = Concatenate([]*Node{
		Slice(x, AxisRange(), AxisRange(), AxisRange(0, 1)),
		x,
		Slice(x, AxisRange(), AxisRange(), AxisRange(h-1, h)),
	}, 2)
	return Concatenate([]*Node{
		Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, 1)),
		x,
		Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(w-1, w)),
	}, 3)
}

// channelBias reshapes a bias [C] to broadcast over [B, C, H, W].
func channelBias(bias *Node) *Node {
	return Reshape(bias, 1, bias.Shape().Dim(0), 1, 1)
}

// torchAxes is the layout of PyTorch convolutions: images [B, C, H, W] and kernels [out, in, kh, kw].
var torchAxes = ConvolveAxesConfig{
	InputBatch:          0,
	InputChannel:        1,
	InputSpatial:        []int{2, 3},
	KernelOutputChannel: 0,
	KernelInputChannel:  1,
	KernelSpatial:       []int{2, 3},
	OutputBatch:         0,
	OutputChannel:       1,
	OutputSpatial:       []int{2, 3},
}

// Conv2D with a square kernel shaped [out, in, k, k], zero padding and stride, for x shaped [B, in, H, W].
// The bias can be nil.
func Conv2D(x, kernel, bias *Node, stride, padding int) *Node {
	output := Convolve(x, kernel).
		AxesConfig(torchAxes).
		StridePerDim(stride, stride).
		PaddingPerDim([][2]int{{padding, padding}, {padding, padding}}).
		Done()
	if bias != nil {
		output = Add(output, channelBias(bias))
	}
	return output
}

// ConvTranspose2D with a square kernel shaped [in, out, k, k], for x shaped [B, in, H, W].
// The output spatial size is (H-1)*stride - 2*padding + k, as in PyTorch's ConvTranspose2d.
//
// It's the gradient of Conv2D: the input is dilated by the stride, padded by k-1-padding and convolved
// with the spatially flipped kernel.
func ConvTranspose2D(x, kernel, bias *Node, stride, padding int) *Node {
	k := kernel.Shape().Dim(-1)
	edge := k - 1 - padding
	axes := torchAxes
	axes.KernelInputChannel, axes.KernelOutputChannel = 0, 1
	output := Convolve(x, Reverse(kernel, 2, 3)).
		AxesConfig(axes).
		InputDilationPerDim(stride, stride).
		PaddingPerDim([][2]int{{edge, edge}, {edge, edge}}).
		Done()
	if bias != nil {
		output = Add(output, channelBias(bias))
	}
	return output
}

// DepthwiseConv3x3 convolves each channel with its own 3x3 kernel ([C, 1, 3, 3]) after a replication
// padding of 1, so the spatial dimensions are preserved.
func DepthwiseConv3x3(x, kernel, bias *Node) *Node {
	dims := x.Shape().Dimensions
	c, h, w := dims[1], dims[2], dims[3]
	padded := replicatePad(x)
	var output *Node
	for kh := range 3 {
		for kw := range 3 {
			tap := Reshape(Slice(kernel, AxisRange(), AxisRange(), AxisElem(kh), AxisElem(kw)), 1, c, 1, 1)
			term := Mul(Slice(padded, AxisRange(), AxisRange(), AxisRange(kh, kh+h), AxisRange(kw, kw+w)), tap)
			if output == nil {
				output = term
			} else {
				output = Add(output, term)
			}
		}
	}
	return Add(output, channelBias(bias))
}

// LayerNormChannels normalizes each pixel over the channels axis (1), without learned parameters.
func LayerNormChannels(x *Node, epsilon float64) *Node {
	mean := ReduceAndKeep(x, ReduceMean, 1)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, 1)
	return Mul(centered, Rsqrt(AddScalar(variance, epsilon)))
}

// BatchNormInference normalizes the channels with the running statistics, and applies the learned affine transformation.
func BatchNormInference(x, weight, bias, mean, variance *Node, epsilon float64) *Node {
	normalized := Mul(Sub(x, channelBias(mean)), channelBias(Rsqrt(AddScalar(variance, epsilon))))
	return Add(Mul(normalized, channelBias(weight)), channelBias(bias))
}
