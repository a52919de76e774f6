package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/wuerstchen/convert"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/gomlx/wuerstchen/weights"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [weights file or pipeline directory]",
		Short: "List the tensors of a weights file, or of a pipeline directory (defaults to --weights)",
		Args:  cobra.MaximumNArgs(1),
		RunE: runE(func(cmd *cobra.Command, args []string) error {
			path := weightsDir()
			if len(args) > 0 {
				path = data.ReplaceTildeInDir(args[0])
			}
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				modelDir := convert.ModelDir(path)
				config, err := vqpaella.LoadConfig(filepath.Join(modelDir, convert.ConfigFile))
				if err != nil {
					return err
				}
				printConfig(config)
				path = filepath.Join(modelDir, convert.WeightsFile)
			}
			metadata, err := weights.LoadMetadata(path)
			if err != nil {
				return err
			}
			printMetadata(metadata)
			return nil
		}),
	}
}

func printConfig(config vqpaella.Config) {
	fmt.Println(titleStyle.Render(config.ClassName))
	rows := [][2]any{
		{"channels (in/out)", fmt.Sprintf("%d/%d", config.InChannels, config.OutChannels)},
		{"levels", config.Levels},
		{"channel levels", config.ChannelLevels()},
		{"bottleneck blocks", config.BottleneckBlocks},
		{"latent channels", config.CLatent},
		{"codebook size", config.CodebookSize},
		{"downscale factor", config.DownscaleFactor()},
		{"scale factor", config.ScaleFactor},
	}
	for _, row := range rows {
		fmt.Printf("  %s %v\n", labelStyle.Render(fmt.Sprintf("%-18s", row[0])), row[1])
	}
	fmt.Println()
}

func printMetadata(metadata *weights.Metadata) {
	fmt.Printf("%s %s (%s)\n", titleStyle.Render(filepath.Base(metadata.Path)), labelStyle.Render(metadata.Format.String()),
		humanize.Bytes(uint64(metadata.TotalBytes())))
	var rows [][]string
	for _, entry := range metadata.Entries() {
		rows = append(rows, []string{entry.Key, entry.DType, fmt.Sprint(entry.Shape.Dimensions), humanize.Bytes(uint64(entry.Bytes))})
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "DTYPE", "SHAPE", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()

	keys := make([]string, 0, len(metadata.Extra))
	for key := range metadata.Extra {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		fmt.Printf("  %s %s\n", labelStyle.Render(key+":"), metadata.Extra[key])
	}
	fmt.Printf("%s parameters in %d tensors\n", humanize.Comma(metadata.TotalParameters()), len(rows))
}
