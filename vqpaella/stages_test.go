package vqpaella

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStages(t *testing.T) {
	c := DefaultConfig()
	encoder, decoder, err := BuildStages(c)
	require.NoError(t, err)

	encoderKeys := make([]string, 0, len(encoder))
	for _, s := range encoder {
		encoderKeys = append(encoderKeys, s.Kind.String()+":"+s.Key)
	}
	assert.Equal(t, []string{
		"PixelUnshuffle:", "Conv:in_block.1",
		"MixingBlock:down_blocks.0", "Conv:down_blocks.1", "MixingBlock:down_blocks.2",
		"Conv:down_blocks.3.0", "BatchNorm:down_blocks.3.1",
	}, encoderKeys)
	assert.False(t, encoder[5].Bias)

	// 1 input projection, 12 bottleneck blocks, 1 upsampling, 1 block, 1 output projection and the shuffle.
	require.Len(t, decoder, 17)
	assert.Equal(t, "up_blocks.0.0", decoder[0].Key)
	assert.Equal(t, "up_blocks.12", decoder[12].Key)
	assert.Equal(t, StageConvTranspose, decoder[13].Kind)
	assert.Equal(t, "up_blocks.13", decoder[13].Key)
	assert.Equal(t, 384, decoder[13].InChannels)
	assert.Equal(t, 192, decoder[13].OutChannels)
	assert.Equal(t, "up_blocks.14", decoder[14].Key)
	assert.Equal(t, "out_block.0", decoder[15].Key)
	assert.Equal(t, 12, decoder[15].OutChannels)
	assert.Equal(t, StagePixelShuffle, decoder[16].Kind)

	// Shapes through the cascades.
	dims := []int{1, 3, 64, 32}
	for _, s := range encoder {
		dims = s.OutputDims(dims)
	}
	assert.Equal(t, []int{1, 4, 16, 8}, dims)
	for _, s := range decoder {
		dims = s.OutputDims(dims)
	}
	assert.Equal(t, []int{1, 3, 64, 32}, dims)

	_, _, err = BuildStages(Config{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuildStagesSingleLevel(t *testing.T) {
	c := DefaultConfig()
	c.Levels, c.CHidden, c.BottleneckBlocks = 1, 64, 2
	encoder, decoder, err := BuildStages(c)
	require.NoError(t, err)
	require.Len(t, encoder, 5)
	assert.Equal(t, "down_blocks.1.0", encoder[3].Key)
	require.Len(t, decoder, 5)
	for _, s := range append(encoder, decoder...) {
		assert.NotEqual(t, StageConvTranspose, s.Kind)
		if s.Kind == StageMixingBlock {
			assert.Equal(t, 64, s.InChannels)
			assert.Equal(t, 256, s.HiddenChannels)
		}
	}
	dims := []int{2, 3, 32, 32}
	for _, s := range encoder {
		dims = s.OutputDims(dims)
	}
	assert.Equal(t, []int{2, 4, 16, 16}, dims)
}

func TestManifest(t *testing.T) {
	params, err := Manifest(DefaultConfig())
	require.NoError(t, err)
	byKey := make(map[string][]int, len(params))
	for _, p := range params {
		_, duplicate := byKey[p.Key]
		require.False(t, duplicate, "duplicate parameter %q", p.Key)
		byKey[p.Key] = p.Dims
	}
	assert.Equal(t, []int{192, 12, 1, 1}, byKey["in_block.1.weight"])
	assert.Equal(t, []int{384, 192, 4, 4}, byKey["down_blocks.1.weight"])
	assert.Equal(t, []int{4, 384, 1, 1}, byKey["down_blocks.3.0.weight"])
	assert.NotContains(t, byKey, "down_blocks.3.0.bias")
	assert.Equal(t, []int{4}, byKey["down_blocks.3.1.running_var"])
	assert.Equal(t, []int{8192, 4}, byKey[CodebookKey])
	assert.Equal(t, []int{384, 1, 3, 3}, byKey["up_blocks.5.depthwise.1.weight"])
	assert.Equal(t, []int{1536, 384}, byKey["up_blocks.5.channelwise.0.weight"])
	assert.Equal(t, []int{384, 192, 4, 4}, byKey["up_blocks.13.weight"])
	assert.Equal(t, []int{6}, byKey["up_blocks.14.gammas"])
	assert.Equal(t, []int{12, 192, 1, 1}, byKey["out_block.0.weight"])
}
