// Package weights reads and writes model weights as trees of tensors, keyed by their dotted (PyTorch) names.
//
// Supported formats:
//
//   - ".safetensors": read and write, with F32, F16 and BF16 (converted to float32) and I64 tensors.
//   - ".pt", ".pth", ".bin", ".ckpt": PyTorch pickled checkpoints, read only.
//   - ".msgpack": the native archive format, read and write. Also used for latents files.
package weights

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/pkg/errors"
)

// Format of a weights file.
type Format int

const (
	FormatUnknown Format = iota
	FormatSafetensors
	FormatTorch
	FormatArchive
)

var formatNames = []string{"unknown", "safetensors", "torch", "archive"}

func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return "unknown"
	}
	return formatNames[f]
}

// DetectFormat returns the Format of the file, based on its extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return FormatSafetensors
	case ".pt", ".pth", ".bin", ".ckpt":
		return FormatTorch
	case ".msgpack":
		return FormatArchive
	}
	return FormatUnknown
}

// Read the weights from path, in any of the supported formats. "~" in the path is expanded to the home directory.
//
// Torch checkpoints holding a "state_dict" entry are read from it (see ReadTorch to use another key).
func Read(path string) (*trees.Tree[*tensors.Tensor], error) {
	path = data.ReplaceTildeInDir(path)
	switch DetectFormat(path) {
	case FormatSafetensors:
		tree, _, err := ReadSafetensors(path)
		return tree, err
	case FormatTorch:
		return ReadTorch(path, DefaultStateDictKey)
	case FormatArchive:
		tree, _, err := ReadArchive(path)
		return tree, err
	}
	return nil, errors.Errorf("unknown weights format for %q", path)
}

// Write the weights to path, as safetensors (float32) or as an archive, depending on the extension.
func Write(path string, tree *trees.Tree[*tensors.Tensor], metadata map[string]string) error {
	path = data.ReplaceTildeInDir(path)
	switch DetectFormat(path) {
	case FormatSafetensors:
		return WriteSafetensors(path, tree, metadata, DTypeF32)
	case FormatArchive:
		return WriteArchive(path, tree, metadata)
	}
	return errors.Errorf("can't write weights to %q: only .safetensors and .msgpack are supported", path)
}

// float32Data returns a copy of the tensor values, which must be float32.
func float32Data(t *tensors.Tensor) ([]float32, error) {
	if t.DType() != dtypes.Float32 {
		return nil, errors.Errorf("expected a float32 tensor, got %s", t.Shape())
	}
	var values []float32
	tensors.ConstFlatData(t, func(flat []float32) {
		values = slices.Clone(flat)
	})
	return values, nil
}

// int64Data returns a copy of the tensor values, which must be int64.
func int64Data(t *tensors.Tensor) ([]int64, error) {
	if t.DType() != dtypes.Int64 {
		return nil, errors.Errorf("expected an int64 tensor, got %s", t.Shape())
	}
	var values []int64
	tensors.ConstFlatData(t, func(flat []int64) {
		values = slices.Clone(flat)
	})
	return values, nil
}
