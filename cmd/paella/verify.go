package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/wuerstchen/convert"
	"github.com/gomlx/wuerstchen/kernels"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newVerifyCmd() *cobra.Command {
	var random bool
	var size int
	var seed uint64
	var tolerance float64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare the GoMLX model with the pure Go reference implementation on random images",
		Args:  cobra.NoArgs,
		RunE: runE(func(cmd *cobra.Command, args []string) error {
			var config vqpaella.Config
			var tree *trees.Tree[*tensors.Tensor]
			var err error
			if random {
				config = vqpaella.DefaultConfig()
				tree, err = vqpaella.RandomWeights(config, seed)
			} else {
				config, tree, err = convert.LoadPipeline(weightsDir())
			}
			if err != nil {
				return err
			}
			return verify(config, tree, size, seed, tolerance)
		}),
	}
	cmd.Flags().BoolVar(&random, "random", false, "Use random weights instead of the ones in --weights.")
	cmd.Flags().IntVar(&size, "size", 64, "Height and width of the random images.")
	cmd.Flags().Uint64Var(&seed, "seed", 42, "Seed for the random images and weights.")
	cmd.Flags().Float64Var(&tolerance, "tolerance", 1e-3, "Maximum difference, relative to the magnitude of the values.")
	return cmd
}

func verify(config vqpaella.Config, tree *trees.Tree[*tensors.Tensor], size int, seed uint64, tolerance float64) error {
	ctx := context.New()
	if err := convert.LoadIntoContext(ctx, config, tree); err != nil {
		return err
	}
	model, err := vqpaella.New(backends.New(), ctx, config)
	if err != nil {
		return err
	}
	reference, err := kernels.NewModel(config, tree)
	if err != nil {
		return err
	}

	images := kernels.New(1, config.InChannels, size, size)
	rng := rand.New(rand.NewPCG(seed, seed+1))
	for ii := range images.Data {
		images.Data[ii] = rng.Float32()
	}

	latents, err := model.Encode(images.ToTensor())
	if err != nil {
		return err
	}
	wantLatents, err := reference.Encode(images)
	if err != nil {
		return err
	}
	decoded, err := model.Decode(latents, false)
	if err != nil {
		return err
	}
	wantDecoded, err := reference.Decode(wantLatents, false)
	if err != nil {
		return err
	}

	failed := false
	for _, c := range []struct {
		name string
		got  *tensors.Tensor
		want *kernels.Tensor
	}{
		{"latents", latents, wantLatents},
		{"images", decoded, wantDecoded},
	} {
		got, err := kernels.FromTensor(c.got)
		if err != nil {
			return err
		}
		diff, err := kernels.MaxAbsDiff(got, c.want)
		if err != nil {
			return err
		}
		limit := tolerance * (1 + maxAbs(c.want))
		status := titleStyle.Render("ok")
		if diff > limit {
			status = labelStyle.Render("FAILED")
			failed = true
		}
		fmt.Printf("%-8s %s max abs diff %.3g (limit %.3g) %s\n", c.name, fmt.Sprint(got.Dims), diff, limit, status)
	}
	klog.V(1).Infof("verified on %dx%d images", size, size)
	if failed {
		return errors.Errorf("the GoMLX model differs from the reference implementation by more than %g", tolerance)
	}
	return nil
}

func maxAbs(t *kernels.Tensor) float64 {
	var m float64
	for _, v := range t.Data {
		m = max(m, float64(max(v, -v)))
	}
	return m
}
