package main

import (
	"os"

	"github.com/gomlx/wuerstchen/convert"
	"github.com/gomlx/wuerstchen/download/huggingface"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newDownloadCmd() *cobra.Command {
	var hfID, cacheDir string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the autoencoder from HuggingFace and save it to --weights",
		Long: `Download the autoencoder from a HuggingFace Würstchen pipeline and save it to --weights.

Only "model_index.json" and the files of the "vqgan" component are fetched (the priors, the decoder and the text
encoder are skipped) into the --cache directory, where they are reused by later calls.`,
		Args: cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, args []string) error {
			config, weights, err := huggingface.Download(hfID, os.Getenv("HF_TOKEN"), dataPath(cacheDir))
			if err != nil {
				return err
			}
			if err = convert.SavePipeline(weightsDir(), config, weights); err != nil {
				return err
			}
			klog.Infof("saved %q from %q (%d tensors)", weightsDir(), hfID, weights.NumLeaves())
			return nil
		}),
	}
	cmd.Flags().StringVar(&hfID, "hf-id", huggingface.DefaultID, "HuggingFace id of the Würstchen pipeline. The token is read from $HF_TOKEN.")
	cmd.Flags().StringVar(&cacheDir, "cache", "hf_cache", "HuggingFace download cache. Relative to --data directory.")
	return cmd
}
