package vqpaella_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/wuerstchen/kernels"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var backend = backends.New()

func smallConfig() vqpaella.Config {
	c := vqpaella.DefaultConfig()
	c.CHidden = 32
	c.BottleneckBlocks = 2
	c.CodebookSize = 64
	return c
}

func newModel(t *testing.T, config vqpaella.Config, seed uint64) (*vqpaella.Model, *trees.Tree[*tensors.Tensor]) {
	weights, err := vqpaella.RandomWeights(config, seed)
	require.NoError(t, err)
	ctx := context.New()
	require.NoError(t, vqpaella.LoadWeights(ctx, weights))
	model, err := vqpaella.New(backend, ctx, config)
	require.NoError(t, err)
	return model, weights
}

func randomImages(seed uint64, dims ...int) *kernels.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0))
	images := kernels.New(dims...)
	for i := range images.Data {
		images.Data[i] = float32(rng.Float64())
	}
	return images
}

func toKernels(t *testing.T, tensor *tensors.Tensor) *kernels.Tensor {
	k, err := kernels.FromTensor(tensor)
	require.NoError(t, err)
	return k
}

// requireClose checks that the values agree up to a tolerance relative to the largest magnitude.
func requireClose(t *testing.T, want, got *kernels.Tensor, tolerance float64) {
	diff, err := kernels.MaxAbsDiff(want, got)
	require.NoError(t, err)
	var magnitude float64
	for _, v := range want.Data {
		magnitude = max(magnitude, math.Abs(float64(v)))
	}
	require.LessOrEqual(t, diff, tolerance*(1+magnitude), "max difference %g, magnitude %g", diff, magnitude)
}

func TestShapes(t *testing.T) {
	for _, tc := range []struct {
		name                string
		levels, hidden      int
		height, width, want int
	}{
		{"single level", 1, 64, 32, 32, 16},
		{"default", 2, 384, 64, 64, 16},
	} {
		t.Run(tc.name, func(t *testing.T) {
			config := vqpaella.DefaultConfig()
			config.Levels, config.CHidden = tc.levels, tc.hidden
			config.BottleneckBlocks = 2
			config.CodebookSize = 128
			model, _ := newModel(t, config, 1)

			images := randomImages(1, 1, 3, tc.height, tc.width).ToTensor()
			latents, err := model.Encode(images)
			require.NoError(t, err)
			assert.Equal(t, []int{1, config.CLatent, tc.want, tc.want}, latents.Shape().Dimensions)
			assert.Equal(t, dtypes.Float32, latents.DType())

			decoded, err := model.Decode(latents, false)
			require.NoError(t, err)
			assert.Equal(t, images.Shape().Dimensions, decoded.Shape().Dimensions)
		})
	}
}

func TestForwardIsDecodeOfEncode(t *testing.T) {
	model, _ := newModel(t, smallConfig(), 2)
	images := randomImages(2, 2, 3, 16, 24).ToTensor()

	reconstructed, err := model.Forward(images)
	require.NoError(t, err)
	latents, err := model.Encode(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4, 6}, latents.Shape().Dimensions)
	decoded, err := model.Decode(latents, false)
	require.NoError(t, err)
	assert.Equal(t, toKernels(t, decoded).Data, toKernels(t, reconstructed).Data)
}

func TestLatentScaling(t *testing.T) {
	latents := randomImages(3, 1, 4, 3, 5)
	const scaleFactor = 0.3764
	got := NewExec(backend, func(x *Node) *Node {
		return vqpaella.DenormalizeLatents(vqpaella.NormalizeLatents(x, scaleFactor), scaleFactor)
	}).Call(latents.ToTensor())[0]
	requireClose(t, latents, toKernels(t, got), 1e-6)

	scaled := NewExec(backend, func(x *Node) *Node {
		return vqpaella.NormalizeLatents(x, scaleFactor)
	}).Call(latents.ToTensor())[0]
	assert.InDelta(t, float64(latents.Data[7])/scaleFactor, float64(toKernels(t, scaled).Data[7]), 1e-5)
}

func TestMatchesKernels(t *testing.T) {
	config := smallConfig()
	model, weights := newModel(t, config, 3)
	reference, err := kernels.NewModel(config, weights)
	require.NoError(t, err)
	images := randomImages(4, 2, 3, 16, 8)

	latents, err := model.Encode(images.ToTensor())
	require.NoError(t, err)
	wantLatents, err := reference.Encode(images)
	require.NoError(t, err)
	requireClose(t, wantLatents, toKernels(t, latents), 1e-3)

	// Decode from the same latents, so the differences don't accumulate.
	decoded, err := model.Decode(wantLatents.ToTensor(), false)
	require.NoError(t, err)
	wantDecoded, err := reference.Decode(wantLatents, false)
	require.NoError(t, err)
	requireClose(t, wantDecoded, toKernels(t, decoded), 1e-3)

	quantized, err := model.Quantize(wantLatents.ToTensor())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 2}, quantized.Indices.Shape().Dimensions)
	assert.Equal(t, dtypes.Int32, quantized.Indices.DType())
	assert.Equal(t, 0, quantized.Loss.Shape().Rank())
	_, wantIndices, wantLoss, err := reference.Quantize(wantLatents)
	require.NoError(t, err)
	var matches int
	tensors.ConstFlatData(quantized.Indices, func(indices []int32) {
		for i, idx := range indices {
			if idx == wantIndices[i] {
				matches++
			}
		}
	})
	assert.GreaterOrEqual(t, matches, len(wantIndices)*9/10)
	tensors.ConstFlatData(quantized.Loss, func(loss []float32) {
		assert.InDelta(t, wantLoss, float64(loss[0]), 1e-3*(1+wantLoss))
	})
}

func TestDecodeQuantized(t *testing.T) {
	config := smallConfig()
	model, _ := newModel(t, config, 5)
	latents, err := model.Encode(randomImages(5, 1, 3, 8, 8).ToTensor())
	require.NoError(t, err)

	quantized, err := model.Quantize(latents)
	require.NoError(t, err)
	// Codes are in the codebook space: bring them back to the latent scale to decode them.
	codes := toKernels(t, quantized.Codes)
	for i := range codes.Data {
		codes.Data[i] = float32(float64(codes.Data[i]) / config.ScaleFactor)
	}
	fromCodes, err := model.Decode(codes.ToTensor(), false)
	require.NoError(t, err)
	decoded, err := model.Decode(latents, true)
	require.NoError(t, err)
	requireClose(t, toKernels(t, fromCodes), toKernels(t, decoded), 1e-4)
}

func TestInvalidInputs(t *testing.T) {
	model, _ := newModel(t, smallConfig(), 6)
	for _, dims := range [][]int{{1, 3, 6, 8}, {1, 1, 8, 8}, {3, 8, 8}} {
		_, err := model.Encode(kernels.New(dims...).ToTensor())
		require.ErrorIs(t, err, vqpaella.ErrInvalidShape, "dimensions %v", dims)
		_, err = model.Forward(kernels.New(dims...).ToTensor())
		require.ErrorIs(t, err, vqpaella.ErrInvalidShape, "dimensions %v", dims)
	}
	_, err := model.Decode(kernels.New(1, 3, 2, 2).ToTensor(), false)
	require.ErrorIs(t, err, vqpaella.ErrInvalidShape)
	_, err = model.Quantize(kernels.New(1, 4, 2).ToTensor())
	require.ErrorIs(t, err, vqpaella.ErrInvalidShape)
}

func TestNewErrors(t *testing.T) {
	config := smallConfig()
	invalid := config
	invalid.Levels = 0
	_, err := vqpaella.New(backend, context.New(), invalid)
	require.ErrorIs(t, err, vqpaella.ErrInvalidConfig)

	weights, err := vqpaella.RandomWeights(config, 7)
	require.NoError(t, err)
	require.True(t, weights.Delete(trees.ParseKey("up_blocks.1.gammas")))
	ctx := context.New()
	require.NoError(t, vqpaella.LoadWeights(ctx, weights))
	_, err = vqpaella.New(backend, ctx, config)
	require.ErrorContains(t, err, "up_blocks.1.gammas")

	// A model with a different width doesn't fit the same weights.
	wider := config
	wider.CHidden = 64
	_, err = vqpaella.New(backend, ctx, wider)
	require.Error(t, err)
}

func TestWeightsRoundTrip(t *testing.T) {
	config := smallConfig()
	model, weights := newModel(t, config, 8)
	extracted, err := vqpaella.Weights(model.Context(), config)
	require.NoError(t, err)
	assert.Equal(t, weights.Keys(), extracted.Keys())
	want, _ := weights.GetKey("down_blocks.1.weight")
	got, _ := extracted.GetKey("down_blocks.1.weight")
	assert.Equal(t, toKernels(t, want).Data, toKernels(t, got).Data)
}

func TestConcurrentForward(t *testing.T) {
	model, _ := newModel(t, smallConfig(), 9)
	want, err := model.Forward(randomImages(9, 1, 3, 8, 16).ToTensor())
	require.NoError(t, err)
	wantData := toKernels(t, want).Data

	results := make([]*tensors.Tensor, 8)
	var group errgroup.Group
	for i := range results {
		group.Go(func() error {
			var err error
			results[i], err = model.Forward(randomImages(9, 1, 3, 8, 16).ToTensor())
			return err
		})
	}
	require.NoError(t, group.Wait())
	for _, result := range results {
		assert.Equal(t, wantData, toKernels(t, result).Data)
	}
}
