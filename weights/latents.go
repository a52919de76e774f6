package weights

import (
	"strconv"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/pkg/errors"
)

// Keys of the latents files archives.
const (
	latentsKey     = "latents"
	indicesKey     = "indices"
	scaleFactorKey = "scale_factor"
)

// Latents as saved by the encode command and read by the decode command.
type Latents struct {
	// Latents shaped [batch, c_latent, height, width], float32.
	Latents *tensors.Tensor

	// Indices of the codebook entries, int32 shaped [batch, height, width]. Optional.
	Indices *tensors.Tensor

	// ScaleFactor of the model that generated the latents.
	ScaleFactor float64

	// Sources are the names of the encoded images, one per example. Optional.
	Sources []string
}

// SaveLatents writes the latents as a msgpack archive.
func SaveLatents(path string, latents *Latents) error {
	if latents.Latents == nil || latents.Latents.DType() != dtypes.Float32 || latents.Latents.Shape().Rank() != 4 {
		return errors.New("latents must be a rank-4 float32 tensor")
	}
	tree := trees.New[*tensors.Tensor]()
	if err := tree.Set(trees.Path{latentsKey}, latents.Latents); err != nil {
		return err
	}
	if latents.Indices != nil {
		if err := tree.Set(trees.Path{indicesKey}, latents.Indices); err != nil {
			return err
		}
	}
	metadata := map[string]string{scaleFactorKey: strconv.FormatFloat(latents.ScaleFactor, 'g', -1, 64)}
	for i, source := range latents.Sources {
		metadata["source."+strconv.Itoa(i)] = source
	}
	return WriteArchive(path, tree, metadata)
}

// LoadLatents reads latents written by SaveLatents.
func LoadLatents(path string) (*Latents, error) {
	tree, metadata, err := ReadArchive(path)
	if err != nil {
		return nil, err
	}
	latents := &Latents{}
	var found bool
	if latents.Latents, found = tree.GetKey(latentsKey); !found {
		return nil, errors.Errorf("%q is not a latents file: %q is missing", path, latentsKey)
	}
	latents.Indices, _ = tree.GetKey(indicesKey)
	if value, ok := metadata[scaleFactorKey]; ok {
		if latents.ScaleFactor, err = strconv.ParseFloat(value, 64); err != nil {
			return nil, errors.Wrapf(err, "invalid %s in %q", scaleFactorKey, path)
		}
	}
	for i := 0; ; i++ {
		source, ok := metadata["source."+strconv.Itoa(i)]
		if !ok {
			break
		}
		latents.Sources = append(latents.Sources, source)
	}
	return latents, nil
}
