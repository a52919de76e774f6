package weights

import (
	"bufio"
	"os"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/pkg/errors"
)

// MetadataEntry holds information about one tensor.
type MetadataEntry struct {
	Key string

	// DType as stored in the file (e.g. "F16"), and Shape as loaded (floats are loaded as float32).
	DType string
	Shape shapes.Shape

	// Bytes used by the tensor in the file.
	Bytes int64
}

// Metadata of a weights file, in the form of a tree.
type Metadata struct {
	Tree *trees.Tree[*MetadataEntry]

	// Path of the file, and its Format.
	Path   string
	Format Format

	// Extra holds the free-form metadata of the file, if any.
	Extra map[string]string
}

// LoadMetadata returns the metadata of the weights file. For safetensors only the header is read.
func LoadMetadata(path string) (metadata *Metadata, err error) {
	path = data.ReplaceTildeInDir(path)
	metadata = &Metadata{Tree: trees.New[*MetadataEntry](), Path: path, Format: DetectFormat(path)}
	if metadata.Format != FormatSafetensors {
		var tree *trees.Tree[*tensors.Tensor]
		if metadata.Format == FormatArchive {
			tree, metadata.Extra, err = ReadArchive(path)
		} else {
			tree, err = Read(path)
		}
		if err != nil {
			return nil, err
		}
		for treePath, t := range tree.OrderedLeaves() {
			entry := &MetadataEntry{Key: treePath.Key(), DType: dtypeName(t.DType()), Shape: t.Shape(), Bytes: int64(t.Shape().Memory())}
			if err = metadata.Tree.Set(treePath, entry); err != nil {
				return nil, err
			}
		}
		return metadata, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open safetensors file %q", path)
	}
	defer func() { _ = f.Close() }()
	entries, extra, dataOffset, err := readSafetensorsHeader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat safetensors file %q", path)
	}
	if err = checkOffsets(entries, info.Size()-dataOffset); err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	metadata.Extra = extra
	for key, e := range entries {
		loaded := dtypes.Float32
		if e.DType == DTypeI64 {
			loaded = dtypes.Int64
		}
		entry := &MetadataEntry{Key: key, DType: e.DType, Shape: shapes.Make(loaded, e.Shape...), Bytes: e.Offsets[1] - e.Offsets[0]}
		if err = metadata.Tree.Set(trees.ParseKey(key), entry); err != nil {
			return nil, err
		}
	}
	return metadata, nil
}

// Entries returns all entries, ordered by path.
func (m *Metadata) Entries() []*MetadataEntry {
	return trees.ValuesAsList(m.Tree)
}

// TotalBytes used by the tensors in the file.
func (m *Metadata) TotalBytes() int64 {
	var total int64
	for _, e := range m.Tree.Leaves() {
		total += e.Bytes
	}
	return total
}

// TotalParameters is the number of scalar values of all tensors.
func (m *Metadata) TotalParameters() int64 {
	var total int64
	for _, e := range m.Tree.Leaves() {
		total += int64(e.Shape.Size())
	}
	return total
}

func dtypeName(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float32:
		return DTypeF32
	case dtypes.Int64:
		return DTypeI64
	case dtypes.Int32:
		return DTypeI32
	}
	return dtype.String()
}
