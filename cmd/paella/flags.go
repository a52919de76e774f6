package main

import (
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/wuerstchen/convert"
	"github.com/gomlx/wuerstchen/pipelines"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	flagDataDir     string
	flagWeights     string
	flagBatchSize   int
	flagParallelism int
)

func addCommonFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringVar(&flagDataDir, "data", "~/work/wuerstchen", "Directory to cache downloaded and converted files.")
	flags.StringVar(&flagWeights, "weights", "weights/wuerstchen", "Pipeline directory with the converted autoencoder. Relative to --data directory.")
	flags.IntVar(&flagBatchSize, "batch", 4, "Maximum number of images processed per call to the model.")
	flags.IntVar(&flagParallelism, "parallelism", 2, "Maximum number of batches executed concurrently.")
	flags.BoolVar(&flagProgress, "progress", true, "Show a progress bar of the batches when stderr is a terminal.")
}

// dataPath returns path relative to the --data directory, if it is not absolute.
func dataPath(path string) string {
	path = data.ReplaceTildeInDir(path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(data.ReplaceTildeInDir(flagDataDir), path)
	}
	return path
}

// weightsDir returns the configured pipeline directory.
func weightsDir() string {
	return dataPath(flagWeights)
}

// BuildModel loads the pipeline from --weights. Panics in case of error.
func BuildModel() *vqpaella.Model {
	config, weights := must.M2(convert.LoadPipeline(weightsDir()))
	ctx := context.New()
	must.M(convert.LoadIntoContext(ctx, config, weights))
	backend := backends.New()
	klog.Infof("loaded %q, backend %s", weightsDir(), backend.Name())
	return must.M1(vqpaella.New(backend, ctx, config))
}

// BuildReconstructor for the model, configured with the flags.
func BuildReconstructor(model *vqpaella.Model) *pipelines.Reconstructor {
	r := pipelines.New(model, model.Config, flagBatchSize)
	r.Parallelism = flagParallelism
	return r
}

// runE adapts fn to cobra, converting the panics of the Build* functions to errors.
func runE(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		var err error
		if panicErr := exceptions.TryCatch[error](func() { err = fn(cmd, args) }); panicErr != nil {
			return panicErr
		}
		return err
	}
}
