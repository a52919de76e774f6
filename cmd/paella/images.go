package main

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/wuerstchen/imageio"
	"github.com/gomlx/wuerstchen/weights"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func loadImages(paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := imageio.Load(path)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

// outputNames returns one distinct file name (without extension) per image: the base name of its source, or its
// index if there is no source. Base names shared by more than one source get the index of the image as a suffix.
func outputNames(n int, sources []string) []string {
	names := make([]string, n)
	counts := make(map[string]int, n)
	for ii := range names {
		names[ii] = fmt.Sprintf("%04d", ii)
		if ii < len(sources) && sources[ii] != "" {
			base := filepath.Base(sources[ii])
			names[ii] = strings.TrimSuffix(base, filepath.Ext(base))
		}
		counts[names[ii]]++
	}
	used := make(map[string]bool, n)
	for ii, name := range names {
		candidate := name
		for suffix := ii; counts[name] > 1 && (candidate == name || used[candidate]); suffix++ {
			candidate = fmt.Sprintf("%s_%d", name, suffix)
		}
		for used[candidate] {
			candidate += "_"
		}
		used[candidate] = true
		names[ii] = candidate
	}
	return names
}

// saveImages to outputDir, as PNG files named after the sources (see outputNames).
func saveImages(outputDir string, images []image.Image, sources []string) error {
	outputDir = data.ReplaceTildeInDir(outputDir)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %q", outputDir)
	}
	names := outputNames(len(images), sources)
	for ii, img := range images {
		path := filepath.Join(outputDir, names[ii]+".png")
		if err := imageio.Save(path, img); err != nil {
			return err
		}
		klog.Infof("saved %q (%dx%d)", path, img.Bounds().Dx(), img.Bounds().Dy())
	}
	return nil
}

func newEncodeCmd() *cobra.Command {
	var output string
	var withIndices bool
	cmd := &cobra.Command{
		Use:   "encode <image>...",
		Short: "Encode images to a latents file",
		Args:  cobra.MinimumNArgs(1),
		RunE: runE(func(cmd *cobra.Command, args []string) error {
			images, err := loadImages(args)
			if err != nil {
				return err
			}
			model := BuildModel()
			r := BuildReconstructor(model)
			stop := showProgress(r, "encoding")
			latents, err := r.Encode(images)
			stop()
			if err != nil {
				return err
			}
			saved := &weights.Latents{Latents: latents, ScaleFactor: model.Config.ScaleFactor, Sources: args}
			if withIndices {
				quantized, err := model.Quantize(latents)
				if err != nil {
					return err
				}
				saved.Indices = quantized.Indices
				klog.Infof("commitment loss: %v", quantized.Loss.Value())
			}
			if err = weights.SaveLatents(output, saved); err != nil {
				return err
			}
			klog.Infof("saved latents %s to %q", latents.Shape(), output)
			return nil
		}),
	}
	cmd.Flags().StringVar(&output, "out", "latents.msgpack", "Output latents file.")
	cmd.Flags().BoolVar(&withIndices, "indices", false, "Also save the indices of the nearest codebook entries.")
	return cmd
}

func newDecodeCmd() *cobra.Command {
	var output string
	var quantize bool
	cmd := &cobra.Command{
		Use:   "decode <latents file>",
		Short: "Decode a latents file (see encode) to images",
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(cmd *cobra.Command, args []string) error {
			latents, err := weights.LoadLatents(args[0])
			if err != nil {
				return err
			}
			model := BuildModel()
			if latents.ScaleFactor != 0 && latents.ScaleFactor != model.Config.ScaleFactor {
				klog.Warningf("latents were encoded with scale factor %g, but the model uses %g",
					latents.ScaleFactor, model.Config.ScaleFactor)
			}
			r := BuildReconstructor(model)
			stop := showProgress(r, "decoding")
			images, err := r.Decode(latents.Latents, quantize)
			stop()
			if err != nil {
				return err
			}
			return saveImages(output, images, latents.Sources)
		}),
	}
	cmd.Flags().StringVar(&output, "out", "decoded", "Output directory for the images.")
	cmd.Flags().BoolVar(&quantize, "quantize", false, "Snap the latents to the codebook before decoding.")
	return cmd
}

func newReconstructCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "reconstruct <image>...",
		Short: "Encode and decode images",
		Args:  cobra.MinimumNArgs(1),
		RunE: runE(func(cmd *cobra.Command, args []string) error {
			images, err := loadImages(args)
			if err != nil {
				return err
			}
			r := BuildReconstructor(BuildModel())
			stop := showProgress(r, "reconstructing")
			reconstructed, err := r.Reconstruct(images)
			stop()
			if err != nil {
				return err
			}
			return saveImages(output, reconstructed, args)
		}),
	}
	cmd.Flags().StringVar(&output, "out", "reconstructed", "Output directory for the images.")
	return cmd
}
