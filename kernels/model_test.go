package kernels

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/wuerstchen/trees"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() vqpaella.Config {
	c := vqpaella.DefaultConfig()
	c.Levels = 2
	c.CHidden = 16
	c.BottleneckBlocks = 2
	c.CodebookSize = 32
	return c
}

func TestModel(t *testing.T) {
	config := smallConfig()
	weights, err := vqpaella.RandomWeights(config, 42)
	require.NoError(t, err)
	model, err := NewModel(config, weights)
	require.NoError(t, err)

	images := randomTensor(rand.New(rand.NewPCG(7, 8)), 2, 3, 16, 8)
	latents, err := model.Encode(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 4, 2}, latents.Dims)

	reconstructed, err := model.Forward(images)
	require.NoError(t, err)
	assert.Equal(t, images.Dims, reconstructed.Dims)
	decoded, err := model.Decode(latents, false)
	require.NoError(t, err)
	assert.Equal(t, decoded.Data, reconstructed.Data)

	// Quantized decoding goes through the codebook entries.
	codes, indices, loss, err := model.Quantize(latents)
	require.NoError(t, err)
	require.Len(t, indices, 2*4*2)
	assert.GreaterOrEqual(t, loss, 0.0)
	fromCodes, err := model.Decode(scale(codes, 1/config.ScaleFactor), false)
	require.NoError(t, err)
	quantized, err := model.Decode(latents, true)
	require.NoError(t, err)
	diff, err := MaxAbsDiff(fromCodes, quantized)
	require.NoError(t, err)
	assert.Less(t, diff, 1e-4)

	_, err = model.Encode(New(1, 3, 6, 8))
	require.ErrorIs(t, err, vqpaella.ErrInvalidShape)
	_, err = model.Decode(New(1, 3, 2, 2), false)
	require.ErrorIs(t, err, vqpaella.ErrInvalidShape)
	for _, dims := range [][]int{{1, 3, 2, 2}, {1, 4, 2}, {4}} {
		_, _, _, err = model.Quantize(New(dims...))
		require.ErrorIs(t, err, vqpaella.ErrInvalidShape, "latents dimensions %v", dims)
	}
}

func TestNewModelMissingParameter(t *testing.T) {
	config := smallConfig()
	weights, err := vqpaella.RandomWeights(config, 1)
	require.NoError(t, err)
	require.True(t, weights.Delete(trees.ParseKey("out_block.0.bias")))
	_, err = NewModel(config, weights)
	require.ErrorContains(t, err, "out_block.0.bias")
}
