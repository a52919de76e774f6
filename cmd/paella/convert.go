package main

import (
	"fmt"

	"github.com/gomlx/wuerstchen/convert"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newConvertCmd() *cobra.Command {
	var tablePath, stateDictKey string
	var scaleFactor float64
	cmd := &cobra.Command{
		Use:   "convert <checkpoint>",
		Short: "Convert a Paella checkpoint (.pt, .safetensors or .msgpack) to a pipeline directory in --weights",
		Args:  cobra.ExactArgs(1),
		RunE: runE(func(cmd *cobra.Command, args []string) error {
			options := convert.DefaultOptions()
			if tablePath != "" {
				table, err := convert.LoadRenameTable(tablePath)
				if err != nil {
					return err
				}
				options.Table = table
			}
			options.StateDictKey = stateDictKey
			if cmd.Flags().Changed("scale-factor") {
				options.Base.ScaleFactor = scaleFactor
			}
			config, report, err := convert.Convert(args[0], weightsDir(), options)
			if report != nil {
				fmt.Println(report)
			}
			if err != nil {
				return err
			}
			klog.Infof("saved %q: %d levels, c_hidden=%d, codebook %dx%d", weightsDir(), config.Levels, config.CHidden,
				config.CodebookSize, config.CLatent)
			return nil
		}),
	}
	cmd.Flags().StringVar(&tablePath, "table", "", "YAML rename table. Defaults to the built-in table for the original Paella checkpoints.")
	cmd.Flags().StringVar(&stateDictKey, "state-dict", "state_dict", "Key of the state dict in torch checkpoints. The top level is used if the key is missing.")
	cmd.Flags().Float64Var(&scaleFactor, "scale-factor", 0.3764, "Scale factor of the latents.")
	return cmd
}
