// paella converts, inspects and runs the Paella VQ autoencoder (Würstchen stage A) with GoMLX.
//
// Examples:
//
//	paella download
//	paella convert vqgan_f4_v1_500k.pt
//	paella reconstruct --out /tmp/out image1.png image2.jpg
//	paella verify --random
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "paella",
		Short:         "Paella VQ autoencoder (Würstchen stage A) for GoMLX",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	goFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goFlags)
	root.PersistentFlags().AddGoFlagSet(goFlags)
	addCommonFlags(root)

	root.AddCommand(
		newConvertCmd(),
		newDownloadCmd(),
		newInspectCmd(),
		newEncodeCmd(),
		newDecodeCmd(),
		newReconstructCmd(),
		newVerifyCmd(),
	)
	return root
}
