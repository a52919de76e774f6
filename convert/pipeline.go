package convert

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/gomlx/wuerstchen/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// PipelineClassName of the diffusers pipeline holding the Paella VQ autoencoder as its "vqgan" component.
	PipelineClassName = "WuerstchenGeneratorPipeline"

	// ModelIndexFile lists the components of a diffusers pipeline.
	ModelIndexFile = "model_index.json"

	// VQGANDir is the sub-directory of the autoencoder component.
	VQGANDir = "vqgan"

	// ConfigFile of a diffusers component.
	ConfigFile = "config.json"

	// WeightsFile of a diffusers component.
	WeightsFile = "diffusion_pytorch_model.safetensors"
)

// SavePipeline writes a diffusers style pipeline directory with the autoencoder:
//
//	dir/model_index.json
//	dir/vqgan/config.json
//	dir/vqgan/diffusion_pytorch_model.safetensors
//
// Existing files are overwritten. The weights are validated before anything is written.
func SavePipeline(dir string, config vqpaella.Config, tree *trees.Tree[*tensors.Tensor]) error {
	manifest, err := vqpaella.Manifest(config)
	if err != nil {
		return err
	}
	if err = Validate(tree, manifest); err != nil {
		return err
	}
	dir = data.ReplaceTildeInDir(dir)
	componentDir := filepath.Join(dir, VQGANDir)
	if err = os.MkdirAll(componentDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create pipeline directory %q", componentDir)
	}

	index := map[string]any{
		"_class_name":        PipelineClassName,
		"_diffusers_version": vqpaella.DiffusersVersion,
		VQGANDir:             []string{"diffusers", vqpaella.ClassName},
	}
	contents, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize model index")
	}
	if err = os.WriteFile(filepath.Join(dir, ModelIndexFile), append(contents, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", ModelIndexFile)
	}
	if err = config.Save(filepath.Join(componentDir, ConfigFile)); err != nil {
		return err
	}

	// PyTorch batch normalization modules also hold a counter of the training steps.
	encoder, _, _ := vqpaella.BuildStages(config)
	if tree, err = withBatchNormCounters(tree, encoder); err != nil {
		return err
	}
	weightsPath := filepath.Join(componentDir, WeightsFile)
	klog.V(1).Infof("convert: writing %d tensors to %q", tree.NumLeaves(), weightsPath)
	return weights.WriteSafetensors(weightsPath, tree, map[string]string{"format": "pt"}, weights.DTypeF32)
}

// withBatchNormCounters returns a copy of tree (sharing the tensors) with a zero num_batches_tracked counter for each
// batch normalization stage.
func withBatchNormCounters(tree *trees.Tree[*tensors.Tensor], stages []vqpaella.Stage) (*trees.Tree[*tensors.Tensor], error) {
	out := trees.New[*tensors.Tensor]()
	for treePath, t := range tree.Leaves() {
		if err := out.Set(treePath, t); err != nil {
			return nil, errors.WithMessagef(err, "copying %q", treePath.Key())
		}
	}
	for _, stage := range stages {
		if stage.Kind != vqpaella.StageBatchNorm {
			continue
		}
		key := stage.Key + ".num_batches_tracked"
		if err := out.Set(trees.ParseKey(key), tensors.FromFlatDataAndDimensions([]int64{0})); err != nil {
			return nil, errors.WithMessagef(err, "adding %q", key)
		}
	}
	return out, nil
}

// ModelDir returns the directory of the autoencoder component: dir itself if it holds a PaellaVQModel config.json,
// or the "vqgan" sub-directory of a pipeline.
func ModelDir(dir string) string {
	dir = data.ReplaceTildeInDir(dir)
	if c, err := vqpaella.LoadConfig(filepath.Join(dir, ConfigFile)); err == nil && c.ClassName == vqpaella.ClassName {
		return dir
	}
	return filepath.Join(dir, VQGANDir)
}

// LoadPipeline reads the autoencoder configuration and weights from a pipeline directory (see SavePipeline) or
// directly from the component directory. The weights are ingested with the DefaultRenameTable and validated.
func LoadPipeline(dir string) (vqpaella.Config, *trees.Tree[*tensors.Tensor], error) {
	modelDir := ModelDir(dir)
	config, err := vqpaella.LoadConfig(filepath.Join(modelDir, ConfigFile))
	if err != nil {
		return config, nil, err
	}
	raw, _, err := weights.ReadSafetensors(filepath.Join(modelDir, WeightsFile))
	if err != nil {
		return config, nil, err
	}
	tree, _, err := Ingest(raw, DefaultRenameTable())
	if err != nil {
		return config, nil, err
	}
	manifest, _ := vqpaella.Manifest(config)
	if err = Validate(tree, manifest); err != nil {
		return config, nil, errors.WithMessagef(err, "pipeline %q", dir)
	}
	return config, tree, nil
}

// Options for Convert.
type Options struct {
	// Table applied to the checkpoint names. Defaults to DefaultRenameTable.
	Table *RenameTable

	// StateDictKey of torch checkpoints. Defaults to weights.DefaultStateDictKey.
	StateDictKey string

	// Base configuration: the architecture is inferred from the weights (see vqpaella.NewConfigFromWeights),
	// the image channels and the latent scale factor are taken from here. Defaults to vqpaella.DefaultConfig.
	Base vqpaella.Config
}

// DefaultOptions returns the Options to convert the original Paella checkpoints.
func DefaultOptions() Options {
	return Options{Table: DefaultRenameTable(), StateDictKey: weights.DefaultStateDictKey, Base: vqpaella.DefaultConfig()}
}

// Convert reads a checkpoint (torch, safetensors or archive), ingests and validates it and writes it as a
// pipeline directory to outputDir.
func Convert(checkpointPath, outputDir string, options Options) (vqpaella.Config, *Report, error) {
	if options.Table == nil {
		options.Table = DefaultRenameTable()
	}
	if options.StateDictKey == "" {
		options.StateDictKey = weights.DefaultStateDictKey
	}
	if options.Base == (vqpaella.Config{}) {
		options.Base = vqpaella.DefaultConfig()
	}
	checkpointPath = data.ReplaceTildeInDir(checkpointPath)
	var raw *trees.Tree[*tensors.Tensor]
	var err error
	if weights.DetectFormat(checkpointPath) == weights.FormatTorch {
		raw, err = weights.ReadTorch(checkpointPath, options.StateDictKey)
	} else {
		raw, err = weights.Read(checkpointPath)
	}
	if err != nil {
		return options.Base, nil, err
	}
	tree, report, err := Ingest(raw, options.Table)
	if err != nil {
		return options.Base, nil, err
	}
	config, err := vqpaella.NewConfigFromWeights(options.Base, tree)
	if err != nil {
		return config, report, err
	}
	klog.V(1).Infof("convert: inferred configuration %+v", config)
	if err = SavePipeline(outputDir, config, tree); err != nil {
		return config, report, err
	}
	return config, report, nil
}
