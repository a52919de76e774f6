package weights

import (
	"bufio"
	"encoding/binary"
	"os"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

const (
	// ArchiveFormat identifies the native msgpack archives.
	ArchiveFormat = "wuerstchen-archive"

	// ArchiveVersion of the archive layout written.
	ArchiveVersion = 1

	// DTypeI32 is used by archives for int32 tensors, e.g. the codebook indices of latents files.
	DTypeI32 = "I32"
)

// archive is the msgpack layout of the native archive.
type archive struct {
	Format   string            `msgpack:"format"`
	Version  int               `msgpack:"version"`
	Metadata map[string]string `msgpack:"metadata"`
	Tensors  []archiveTensor   `msgpack:"tensors"`
}

// archiveTensor holds the values little-endian encoded, with DType one of F32, I64 or I32.
type archiveTensor struct {
	Key   string `msgpack:"key"`
	DType string `msgpack:"dtype"`
	Dims  []int  `msgpack:"dims"`
	Data  []byte `msgpack:"data"`
}

// WriteArchive writes all tensors of the tree, and the metadata, as a msgpack archive.
func WriteArchive(path string, tree *trees.Tree[*tensors.Tensor], metadata map[string]string) error {
	a := archive{Format: ArchiveFormat, Version: ArchiveVersion, Metadata: metadata}
	for _, key := range tree.Keys() {
		t, _ := tree.GetKey(key)
		dtype, blob, err := encodeArchiveTensor(t)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", key)
		}
		a.Tensors = append(a.Tensors, archiveTensor{Key: key, DType: dtype, Dims: t.Shape().Dimensions, Data: blob})
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create archive %q", path)
	}
	w := bufio.NewWriter(f)
	err = msgpack.NewEncoder(w).Encode(&a)
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write archive %q", path)
	}
	return nil
}

// ReadArchive reads a msgpack archive written by WriteArchive.
func ReadArchive(path string) (tree *trees.Tree[*tensors.Tensor], metadata map[string]string, err error) {
	var f *os.File
	f, err = os.Open(path)
	if err != nil {
		err = errors.Wrapf(err, "failed to read archive from %q", path)
		return
	}
	defer func() { _ = f.Close() }()

	var a archive
	if err = msgpack.NewDecoder(bufio.NewReader(f)).Decode(&a); err != nil {
		err = errors.Wrapf(err, "failed to decode archive %q", path)
		return
	}
	if a.Format != ArchiveFormat {
		err = errors.Errorf("%q is not an archive (format %q)", path, a.Format)
		return
	}
	if a.Version > ArchiveVersion {
		err = errors.Errorf("archive %q has version %d, only up to %d is supported", path, a.Version, ArchiveVersion)
		return
	}
	tree = trees.New[*tensors.Tensor]()
	for _, at := range a.Tensors {
		var t *tensors.Tensor
		t, err = decodeArchiveTensor(at)
		if err == nil {
			err = tree.Set(trees.ParseKey(at.Key), t)
		}
		if err != nil {
			err = errors.WithMessagef(err, "tensor %q of archive %q", at.Key, path)
			return
		}
	}
	metadata = a.Metadata
	return
}

func decodeArchiveTensor(at archiveTensor) (*tensors.Tensor, error) {
	switch at.DType {
	case DTypeF32, DTypeI64:
		// Same encoding as safetensors.
	case DTypeI32:
		size := 1
		for _, d := range at.Dims {
			size *= d
		}
		if len(at.Data) != 4*size {
			return nil, errors.Errorf("I32 tensor shaped %v should have %d bytes, got %d", at.Dims, 4*size, len(at.Data))
		}
		values := make([]int32, size)
		for i := range values {
			values[i] = int32(binary.LittleEndian.Uint32(at.Data[4*i:]))
		}
		return tensors.FromFlatDataAndDimensions(values, at.Dims...), nil
	default:
		return nil, errors.Errorf("unsupported archive data type %q", at.DType)
	}
	return decodeSafetensor(safetensorsEntry{DType: at.DType, Shape: at.Dims}, at.Data)
}

// encodeArchiveTensor is like encodeSafetensor, but also supports int32 tensors.
func encodeArchiveTensor(t *tensors.Tensor) (string, []byte, error) {
	if t.DType() != dtypes.Int32 {
		return encodeSafetensor(t, DTypeF32)
	}
	blob := make([]byte, 4*t.Shape().Size())
	tensors.ConstFlatData(t, func(flat []int32) {
		for i, v := range flat {
			binary.LittleEndian.PutUint32(blob[4*i:], uint32(v))
		}
	})
	return DTypeI32, blob, nil
}
