package vqpaella_test

import (
	"os"
	"testing"

	"github.com/goccy/go-json"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/wuerstchen/kernels"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/stretchr/testify/require"
)

// layerCase is one entry of testdata/layers_golden.json: values computed from the definitions of the PyTorch
// operators (Conv2d, ConvTranspose2d, depthwise Conv2d with "replicate" padding, PixelUnshuffle, PixelShuffle
// and GELU).
type layerCase struct {
	Name    string         `json:"name"`
	Op      string         `json:"op"`
	Stride  int            `json:"stride"`
	Padding int            `json:"padding"`
	Factor  int            `json:"factor"`
	Input   kernels.Tensor `json:"input"`
	Kernel  kernels.Tensor `json:"kernel"`
	Bias    []float32      `json:"bias"`
	Want    kernels.Tensor `json:"want"`
}

func loadLayerCases(t *testing.T) []layerCase {
	contents, err := os.ReadFile("testdata/layers_golden.json")
	require.NoError(t, err)
	var golden struct {
		Cases []layerCase `json:"cases"`
	}
	require.NoError(t, json.Unmarshal(contents, &golden))
	require.NotEmpty(t, golden.Cases)
	return golden.Cases
}

func TestLayersGolden(t *testing.T) {
	for _, c := range loadLayerCases(t) {
		t.Run(c.Name, func(t *testing.T) {
			x := c.Input.ToTensor()
			var kernel, bias *tensors.Tensor
			if c.Kernel.Size() > 0 {
				kernel = c.Kernel.ToTensor()
			}
			if c.Bias != nil {
				bias = tensors.FromFlatDataAndDimensions(c.Bias, len(c.Bias))
			}
			var got *tensors.Tensor
			switch c.Op {
			case "conv2d", "conv_transpose2d":
				conv := vqpaella.Conv2D
				if c.Op == "conv_transpose2d" {
					conv = vqpaella.ConvTranspose2D
				}
				if bias == nil {
					got = NewExec(backend, func(x, kernel *Node) *Node {
						return conv(x, kernel, nil, c.Stride, c.Padding)
					}).Call(x, kernel)[0]
				} else {
					got = NewExec(backend, func(x, kernel, bias *Node) *Node {
						return conv(x, kernel, bias, c.Stride, c.Padding)
					}).Call(x, kernel, bias)[0]
				}
			case "depthwise3x3":
				got = NewExec(backend, vqpaella.DepthwiseConv3x3).Call(x, kernel, bias)[0]
			case "pixel_unshuffle":
				got = NewExec(backend, func(x *Node) *Node { return vqpaella.PixelUnshuffle(x, c.Factor) }).Call(x)[0]
			case "pixel_shuffle":
				got = NewExec(backend, func(x *Node) *Node { return vqpaella.PixelShuffle(x, c.Factor) }).Call(x)[0]
			case "gelu":
				got = NewExec(backend, activations.Gelu).Call(x)[0]
			default:
				t.Fatalf("unknown op %q", c.Op)
			}
			gotKernels := toKernels(t, got)
			require.Equal(t, c.Want.Dims, gotKernels.Dims)
			requireClose(t, &c.Want, gotKernels, 1e-5)
		})
	}
}
