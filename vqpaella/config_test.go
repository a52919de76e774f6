package vqpaella

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/wuerstchen/trees"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	assert.Equal(t, []int{192, 384}, c.ChannelLevels())
	assert.Equal(t, 4, c.DownscaleFactor())

	dims, err := c.LatentDims([]int{2, 3, 64, 96})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 16, 24}, dims)

	c.Levels, c.CHidden = 1, 64
	require.NoError(t, c.Validate())
	assert.Equal(t, []int{64}, c.ChannelLevels())
	assert.Equal(t, 2, c.DownscaleFactor())
}

func TestConfigValidate(t *testing.T) {
	for name, update := range map[string]func(c *Config){
		"levels":       func(c *Config) { c.Levels = 0 },
		"c_hidden":     func(c *Config) { c.CHidden = 0 },
		"divisibility": func(c *Config) { c.Levels, c.CHidden = 3, 6 },
		"codebook":     func(c *Config) { c.CodebookSize = -1 },
		"bottleneck":   func(c *Config) { c.BottleneckBlocks = -1 },
		"scale_factor": func(c *Config) { c.ScaleFactor = 0 },
		"in_channels":  func(c *Config) { c.InChannels = 0 },
	} {
		c := DefaultConfig()
		update(&c)
		require.ErrorIs(t, c.Validate(), ErrInvalidConfig, "case %q", name)
	}
}

func TestLatentDimsErrors(t *testing.T) {
	c := DefaultConfig()
	for _, dims := range [][]int{
		{3, 64, 64},
		{1, 4, 64, 64},
		{1, 3, 62, 64},
		{1, 3, 64, 0},
		{0, 3, 64, 64},
	} {
		_, err := c.LatentDims(dims)
		require.ErrorIs(t, err, ErrInvalidShape, "dimensions %v", dims)
	}
	require.ErrorIs(t, c.checkLatentDims([]int{1, 3, 4, 4}), ErrInvalidShape)
	require.NoError(t, c.checkLatentDims([]int{1, 4, 1, 7}))
}

func TestConfigSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	c := DefaultConfig()
	c.BottleneckBlocks = 3
	c.ScaleFactor = 0.5
	require.NoError(t, c.Save(configPath))

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)

	// Missing fields take the defaults.
	partialPath := filepath.Join(dir, "partial.json")
	require.NoError(t, os.WriteFile(partialPath, []byte(`{"_class_name": "PaellaVQModel", "levels": 1, "c_hidden": 96}`), 0o644))
	loaded, err = LoadConfig(partialPath)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Levels)
	assert.Equal(t, 96, loaded.CHidden)
	assert.Equal(t, 8192, loaded.CodebookSize)

	wrongPath := filepath.Join(dir, "wrong.json")
	require.NoError(t, os.WriteFile(wrongPath, []byte(`{"_class_name": "AutoencoderKL"}`), 0o644))
	_, err = LoadConfig(wrongPath)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewConfigFromWeights(t *testing.T) {
	want := DefaultConfig()
	want.Levels = 3
	want.CHidden = 64
	want.BottleneckBlocks = 2
	want.CLatent = 6
	want.CodebookSize = 16
	want.UpDownScaleFactor = 3
	want.OutChannels = 1
	weights, err := RandomWeights(want, 1)
	require.NoError(t, err)

	base := DefaultConfig()
	got, err := NewConfigFromWeights(base, weights)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.True(t, weights.Delete(trees.ParseKey(CodebookKey)))
	_, err = NewConfigFromWeights(base, weights)
	require.Error(t, err)
}

func TestNewConfigFromWeightsInvalidBase(t *testing.T) {
	weights, err := RandomWeights(DefaultConfig(), 1)
	require.NoError(t, err)
	_, err = NewConfigFromWeights(Config{}, weights)
	require.ErrorIs(t, err, ErrInvalidConfig)

	base := DefaultConfig()
	base.InChannels = -3
	_, err = NewConfigFromWeights(base, weights)
	require.ErrorIs(t, err, ErrInvalidConfig)

	// More image channels than folded channels in the input projection.
	base.InChannels = 64
	_, err = NewConfigFromWeights(base, weights)
	require.Error(t, err)
}
