// Package huggingface handles downloading the Paella VQ autoencoder weights from HuggingFace.
//
// The Würstchen pipelines published in HuggingFace (e.g.: "warp-ai/wuerstchen") hold the autoencoder as their
// "vqgan" component, in the ".safetensors" format, so no conversion is needed and there is no Python dependency.
// Only the files of that component are downloaded.
//
// Example:
//
//	config, weights, err := huggingface.Download(huggingface.DefaultID, hfToken, "~/.cache/wuerstchen")
package huggingface

import (
	stdcontext "context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/data/downloader"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/wuerstchen/convert"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultID is the HuggingFace id of the Würstchen v2 pipeline.
const DefaultID = "warp-ai/wuerstchen"

// Endpoint of the HuggingFace hub.
var Endpoint = "https://huggingface.co"

// wantFile returns whether the pipeline file is needed by the autoencoder: the model index and the "vqgan" component.
// The other components (text encoder, priors, decoder) are skipped.
func wantFile(name string) bool {
	return name == convert.ModelIndexFile || strings.HasPrefix(name, convert.VQGANDir+"/")
}

// fileURL of a file of the main revision of the repository hfID.
func fileURL(hfID, name string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", Endpoint, hfID, name)
}

// Download will download (if needed) the autoencoder files of the pipeline identified by hfID (it's a HuggingFace
// model id, e.g.: DefaultID), and save them under the cacheDir (for future reuse). Only "model_index.json" and the
// "vqgan/" files are fetched, files already in the cache are not downloaded again.
//
// The hfAuthToken is a HuggingFace token -- read-only access -- it can be left empty for public models.
//
// It returns the configuration and the validated weights of the "vqgan" component.
func Download(hfID, hfAuthToken, cacheDir string) (config vqpaella.Config, weights *trees.Tree[*tensors.Tensor], err error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	var hfm *gomlxhf.Model
	hfm, err = gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		err = errors.WithMessagef(err, "huggingface: model %q", hfID)
		return
	}
	manager := downloader.New().WithAuthToken(hfAuthToken)
	var found int
	for name, enumErr := range hfm.EnumerateFileNames() {
		if enumErr != nil {
			err = errors.WithMessagef(enumErr, "huggingface: listing files of %q", hfID)
			return
		}
		if !wantFile(name) {
			continue
		}
		found++
		filePath := filepath.Join(hfm.BaseDir, filepath.FromSlash(name))
		if _, statErr := os.Stat(filePath); statErr == nil {
			klog.V(2).Infof("huggingface: %q already in cache", name)
			continue
		}
		if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			err = errors.Wrapf(err, "huggingface: creating directory for %q", name)
			return
		}
		klog.V(1).Infof("huggingface: downloading %q", name)
		err = manager.Download(stdcontext.Background(), fileURL(hfID, name), filePath,
			func(downloaded, total int64) {
				klog.V(2).Infof("huggingface: %q %d/%d bytes", name, downloaded, total)
			})
		if err != nil {
			_ = os.Remove(filePath)
			err = errors.WithMessagef(err, "huggingface: downloading %q from %q", name, hfID)
			return
		}
	}
	if found == 0 {
		err = errors.Errorf("huggingface: %q has no %q component", hfID, convert.VQGANDir)
		return
	}
	klog.V(1).Infof("huggingface: %q available in %q", hfID, hfm.BaseDir)
	config, weights, err = convert.LoadPipeline(hfm.BaseDir)
	return
}

// DownloadIntoContext downloads the pipeline (see Download) and loads the autoencoder weights into ctx.
func DownloadIntoContext(ctx *context.Context, hfID, hfAuthToken, cacheDir string) (config vqpaella.Config, err error) {
	var weights *trees.Tree[*tensors.Tensor]
	config, weights, err = Download(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return
	}
	err = convert.LoadIntoContext(ctx, config, weights)
	return
}
