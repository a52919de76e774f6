package kernels

import (
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goldenCase is one entry of the layers fixture shared with package vqpaella: values computed from the
// definitions of the PyTorch operators.
type goldenCase struct {
	Name    string    `json:"name"`
	Op      string    `json:"op"`
	Stride  int       `json:"stride"`
	Padding int       `json:"padding"`
	Factor  int       `json:"factor"`
	Input   Tensor    `json:"input"`
	Kernel  Tensor    `json:"kernel"`
	Bias    []float32 `json:"bias"`
	Want    Tensor    `json:"want"`
}

func TestGolden(t *testing.T) {
	contents, err := os.ReadFile("../vqpaella/testdata/layers_golden.json")
	require.NoError(t, err)
	var golden struct {
		Cases []goldenCase `json:"cases"`
	}
	require.NoError(t, json.Unmarshal(contents, &golden))
	require.NotEmpty(t, golden.Cases)

	for _, c := range golden.Cases {
		t.Run(c.Name, func(t *testing.T) {
			var bias *Tensor
			if c.Bias != nil {
				bias = FromData(c.Bias, len(c.Bias))
			}
			var got *Tensor
			switch c.Op {
			case "conv2d":
				got = Conv2D(&c.Input, &c.Kernel, bias, c.Stride, c.Padding)
			case "conv_transpose2d":
				got = ConvTranspose2D(&c.Input, &c.Kernel, bias, c.Stride, c.Padding)
			case "depthwise3x3":
				got = DepthwiseConv3x3(&c.Input, &c.Kernel, bias)
			case "pixel_unshuffle":
				got, err = PixelUnshuffle(&c.Input, c.Factor)
				require.NoError(t, err)
			case "pixel_shuffle":
				got, err = PixelShuffle(&c.Input, c.Factor)
				require.NoError(t, err)
			case "gelu":
				got = GELU(&c.Input)
			default:
				t.Fatalf("unknown op %q", c.Op)
			}
			require.Equal(t, c.Want.Dims, got.Dims)
			assert.InDeltaSlice(t, c.Want.Data, got.Data, 1e-4)
		})
	}
}
