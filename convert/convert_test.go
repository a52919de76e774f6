package convert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/gomlx/wuerstchen/weights"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() vqpaella.Config {
	c := vqpaella.DefaultConfig()
	c.CHidden = 16
	c.BottleneckBlocks = 1
	c.CodebookSize = 8
	return c
}

// legacyCheckpoint returns random weights named as in the original Paella training checkpoints.
func legacyCheckpoint(t *testing.T, config vqpaella.Config) *trees.Tree[*tensors.Tensor] {
	tree, err := vqpaella.RandomWeights(config, 1)
	require.NoError(t, err)
	require.NoError(t, tree.Move(trees.ParseKey(vqpaella.CodebookKey), trees.ParseKey("vquantizer.codebook.weight")))
	require.NoError(t, tree.Set(trees.ParseKey("down_blocks.3.1.num_batches_tracked"), tensors.FromFlatDataAndDimensions([]int64{500000})))
	return tree
}

func TestRenameTable(t *testing.T) {
	table, err := ParseRenameTable([]byte(`
renames:
  encoder.proj.weight: in_block.1.weight
patterns:
  - match: '^blocks\.(\d+)\.'
    replace: 'down_blocks.$1.'
drop:
  - '^ema\.'
`))
	require.NoError(t, err)
	for key, want := range map[string]string{
		"encoder.proj.weight":   "in_block.1.weight",
		"blocks.2.gammas":       "down_blocks.2.gammas",
		"out_block.0.bias":      "out_block.0.bias",
		"blocks.10.depthwise.1": "down_blocks.10.depthwise.1",
	} {
		got, drop := table.Apply(key)
		assert.False(t, drop)
		assert.Equal(t, want, got)
	}
	_, drop := table.Apply("ema.in_block.1.weight")
	assert.True(t, drop)

	_, err = ParseRenameTable([]byte("drop: ['(']"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "table.yaml")
	require.NoError(t, os.WriteFile(path, []byte("renames: {a: b}\n"), 0o644))
	loaded, err := LoadRenameTable(path)
	require.NoError(t, err)
	got, _ := loaded.Apply("a")
	assert.Equal(t, "b", got)
}

func TestIngestAndValidate(t *testing.T) {
	config := smallConfig()
	manifest, err := vqpaella.Manifest(config)
	require.NoError(t, err)

	legacy := legacyCheckpoint(t, config)
	invalid := Validate(legacy, manifest)
	require.ErrorIs(t, invalid, ErrMissingParameter)
	require.ErrorIs(t, invalid, ErrUnexpectedParameter)
	var validationErr *ValidationError
	require.True(t, errors.As(invalid, &validationErr))
	assert.Len(t, validationErr.Problems, 3)

	tree, report, err := Ingest(legacy, DefaultRenameTable())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"vquantizer.codebook.weight": vqpaella.CodebookKey}, report.Renamed)
	assert.Equal(t, []string{"down_blocks.3.1.num_batches_tracked"}, report.Dropped)
	assert.Equal(t, len(manifest), report.Kept)
	require.NoError(t, Validate(tree, manifest))

	// Ingestion doesn't change the input.
	_, found := legacy.GetKey("vquantizer.codebook.weight")
	assert.True(t, found)

	require.NoError(t, tree.Set(trees.ParseKey("in_block.1.bias"), tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)))
	require.ErrorIs(t, Validate(tree, manifest), ErrShapeMismatch)
}

func TestIngestCollision(t *testing.T) {
	tree, err := trees.FromKeys(map[string]*tensors.Tensor{
		"a.weight": tensors.FromFlatDataAndDimensions([]float32{1}, 1),
		"b.weight": tensors.FromFlatDataAndDimensions([]float32{2}, 1),
	})
	require.NoError(t, err)
	table := &RenameTable{Patterns: []PatternRule{{Match: `^[ab]\.`, Replace: "c."}}}
	_, _, err = Ingest(tree, table)
	require.ErrorContains(t, err, "c.weight")
}

func TestPipelineRoundTrip(t *testing.T) {
	config := smallConfig()
	tree, _, err := Ingest(legacyCheckpoint(t, config), DefaultRenameTable())
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, SavePipeline(dir, config, tree))
	for _, name := range []string{ModelIndexFile, filepath.Join(VQGANDir, ConfigFile), filepath.Join(VQGANDir, WeightsFile)} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	index, err := os.ReadFile(filepath.Join(dir, ModelIndexFile))
	require.NoError(t, err)
	assert.Contains(t, string(index), `"PaellaVQModel"`)

	// The saved weights keep the PyTorch batch normalization counters.
	info, err := weights.LoadMetadata(filepath.Join(dir, VQGANDir, WeightsFile))
	require.NoError(t, err)
	_, found := info.Tree.GetKey("down_blocks.3.1.num_batches_tracked")
	assert.True(t, found)

	loadedConfig, loaded, err := LoadPipeline(dir)
	require.NoError(t, err)
	assert.Equal(t, config, loadedConfig)
	assert.Equal(t, tree.Keys(), loaded.Keys())
	want, _ := tree.GetKey("up_blocks.1.channelwise.0.weight")
	got, _ := loaded.GetKey("up_blocks.1.channelwise.0.weight")
	assert.Equal(t, want.Value(), got.Value())

	// The component directory can be given directly.
	_, _, err = LoadPipeline(filepath.Join(dir, VQGANDir))
	require.NoError(t, err)

	ctx := context.New()
	require.NoError(t, LoadIntoContext(ctx, loadedConfig, loaded))
	require.NoError(t, vqpaella.CheckParameters(ctx, loadedConfig))
}

func TestSavePipelineRejectsInvalidWeights(t *testing.T) {
	config := smallConfig()
	legacy := legacyCheckpoint(t, config)
	dir := filepath.Join(t.TempDir(), "pipeline")
	require.ErrorIs(t, SavePipeline(dir, config, legacy), ErrMissingParameter)
	assert.NoDirExists(t, dir)
}

func TestConvert(t *testing.T) {
	config := smallConfig()
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "vqgan.msgpack")
	require.NoError(t, weights.WriteArchive(checkpoint, legacyCheckpoint(t, config), nil))

	options := DefaultOptions()
	got, report, err := Convert(checkpoint, filepath.Join(dir, "out"), options)
	require.NoError(t, err)
	assert.Equal(t, config, got)
	assert.Len(t, report.Renamed, 1)
	assert.Contains(t, report.String(), "vquantizer.codebook.weight")

	loadedConfig, _, err := LoadPipeline(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, config, loadedConfig)
}

func TestWithBatchNormCounters(t *testing.T) {
	config := smallConfig()
	encoder, _, err := vqpaella.BuildStages(config)
	require.NoError(t, err)
	tree, err := vqpaella.RandomWeights(config, 2)
	require.NoError(t, err)

	withCounters, err := withBatchNormCounters(tree, encoder)
	require.NoError(t, err)
	assert.Equal(t, tree.NumLeaves()+1, withCounters.NumLeaves())
	counter, found := withCounters.GetKey("down_blocks.3.1.num_batches_tracked")
	require.True(t, found)
	assert.Equal(t, int64(0), counter.Value())
	_, found = tree.GetKey("down_blocks.3.1.num_batches_tracked")
	assert.False(t, found)

	// The counter can't be set where the tree already has a sub-tree.
	require.NoError(t, tree.Set(trees.ParseKey("down_blocks.3.1.num_batches_tracked.step"), tensors.FromFlatDataAndDimensions([]int64{1})))
	_, err = withBatchNormCounters(tree, encoder)
	require.ErrorContains(t, err, "down_blocks.3.1.num_batches_tracked")
}

func TestConvertDefaultsBase(t *testing.T) {
	config := smallConfig()
	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "vqgan.msgpack")
	require.NoError(t, weights.WriteArchive(checkpoint, legacyCheckpoint(t, config), nil))

	got, _, err := Convert(checkpoint, filepath.Join(dir, "out"), Options{})
	require.NoError(t, err)
	assert.Equal(t, config, got)
}
