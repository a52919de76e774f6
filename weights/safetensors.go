package weights

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"io"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Safetensors data types supported.
const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeF64  = "F64"
	DTypeI64  = "I64"
)

// metadataKey is the special header entry with the free-form string metadata.
const metadataKey = "__metadata__"

// maxHeaderSize of the safetensors JSON header, to reject corrupted files early.
const maxHeaderSize = 100 << 20

type safetensorsEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// readSafetensorsHeader returns the header entries, the free-form metadata and the offset of the data section.
func readSafetensorsHeader(r io.Reader) (entries map[string]safetensorsEntry, metadata map[string]string, dataOffset int64, err error) {
	var n int64
	if err = binary.Read(r, binary.LittleEndian, &n); err != nil {
		err = errors.Wrap(err, "failed to read safetensors header size")
		return
	}
	if n <= 0 || n > maxHeaderSize {
		err = errors.Errorf("invalid safetensors header size %d", n)
		return
	}
	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, r, n); err != nil {
		err = errors.Wrap(err, "failed to read safetensors header")
		return
	}
	var raw map[string]json.RawMessage
	if err = json.NewDecoder(b).Decode(&raw); err != nil {
		err = errors.Wrap(err, "failed to parse safetensors header")
		return
	}
	entries = make(map[string]safetensorsEntry, len(raw))
	for key, value := range raw {
		if key == metadataKey {
			if err = json.Unmarshal(value, &metadata); err != nil {
				err = errors.Wrap(err, "failed to parse safetensors metadata")
				return
			}
			continue
		}
		var entry safetensorsEntry
		if err = json.Unmarshal(value, &entry); err != nil {
			err = errors.Wrapf(err, "failed to parse safetensors header for %q", key)
			return
		}
		entries[key] = entry
	}
	dataOffset = 8 + n
	return
}

// checkOffsets verifies that the data offsets of all entries are ordered and within a data section of dataSize bytes.
func checkOffsets(entries map[string]safetensorsEntry, dataSize int64) error {
	for key, entry := range entries {
		start, end := entry.Offsets[0], entry.Offsets[1]
		if start < 0 || start > end {
			return errors.Errorf("invalid data offsets [%d, %d] for tensor %q", start, end, key)
		}
		if end > dataSize {
			return errors.Errorf("data offsets [%d, %d] for tensor %q are beyond the data section of %d bytes", start, end, key, dataSize)
		}
	}
	return nil
}

func bytesPerElement(dtype string) (int, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	case DTypeF64, DTypeI64:
		return 8, nil
	}
	return 0, errors.Errorf("unsupported safetensors data type %q", dtype)
}

// decodeSafetensor converts the raw little-endian bytes to a tensor: floats become float32, I64 stays int64.
func decodeSafetensor(entry safetensorsEntry, raw []byte) (*tensors.Tensor, error) {
	size := 1
	for _, d := range entry.Shape {
		size *= d
	}
	elementSize, err := bytesPerElement(entry.DType)
	if err != nil {
		return nil, err
	}
	if len(raw) != size*elementSize {
		return nil, errors.Errorf("%s tensor shaped %v should have %d bytes, got %d", entry.DType, entry.Shape, size*elementSize, len(raw))
	}
	var values []float32
	switch entry.DType {
	case DTypeF32:
		values = make([]float32, size)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case DTypeF16:
		values = make([]float32, size)
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	case DTypeBF16:
		values = bfloat16.DecodeFloat32(raw)
	case DTypeF64:
		values = make([]float32, size)
		for i := range values {
			values[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	case DTypeI64:
		ints := make([]int64, size)
		for i := range ints {
			ints[i] = int64(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		return tensors.FromFlatDataAndDimensions(ints, entry.Shape...), nil
	}
	return tensors.FromFlatDataAndDimensions(values, entry.Shape...), nil
}

// ReadSafetensors reads all tensors of a safetensors file, and its free-form metadata.
func ReadSafetensors(path string) (tree *trees.Tree[*tensors.Tensor], metadata map[string]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open safetensors file %q", path)
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)
	entries, metadata, dataOffset, err := readSafetensorsHeader(r)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "reading %q", path)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to stat safetensors file %q", path)
	}
	if err = checkOffsets(entries, info.Size()-dataOffset); err != nil {
		return nil, nil, errors.WithMessagef(err, "reading %q", path)
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b string) int { return cmp.Compare(entries[a].Offsets[0], entries[b].Offsets[0]) })

	tree = trees.New[*tensors.Tensor]()
	position := dataOffset
	for _, key := range keys {
		entry := entries[key]
		start := dataOffset + entry.Offsets[0]
		if start < position {
			return nil, nil, errors.Errorf("safetensors file %q has overlapping tensors at %q", path, key)
		}
		if _, err = r.Discard(int(start - position)); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to seek tensor %q in %q", key, path)
		}
		raw := make([]byte, entry.Offsets[1]-entry.Offsets[0])
		if _, err = io.ReadFull(r, raw); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to read tensor %q from %q", key, path)
		}
		position = dataOffset + entry.Offsets[1]
		t, err := decodeSafetensor(entry, raw)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "tensor %q of %q", key, path)
		}
		if err = tree.Set(trees.ParseKey(key), t); err != nil {
			return nil, nil, errors.WithMessagef(err, "tensor %q of %q", key, path)
		}
	}
	return tree, metadata, nil
}

// WriteSafetensors writes all tensors of the tree to path, sorted by key.
//
// Float32 tensors are stored with dtype (DTypeF32, DTypeF16 or DTypeBF16) and int64 tensors as DTypeI64.
func WriteSafetensors(path string, tree *trees.Tree[*tensors.Tensor], metadata map[string]string, dtype string) error {
	if dtype != DTypeF32 && dtype != DTypeF16 && dtype != DTypeBF16 {
		return errors.Errorf("can't write safetensors with data type %q", dtype)
	}
	header := make(map[string]any)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var blobs [][]byte
	var offset int64
	for _, key := range tree.Keys() {
		t, _ := tree.GetKey(key)
		entryDType, blob, err := encodeSafetensor(t, dtype)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", key)
		}
		header[key] = safetensorsEntry{
			DType:   entryDType,
			Shape:   append([]int{}, t.Shape().Dimensions...),
			Offsets: [2]int64{offset, offset + int64(len(blob))},
		}
		offset += int64(len(blob))
		blobs = append(blobs, blob)
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to serialize safetensors header")
	}
	// The data section is aligned to 8 bytes, padding the header with spaces.
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create safetensors file %q", path)
	}
	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, int64(len(headerJSON)))
	if err == nil {
		_, err = w.Write(headerJSON)
	}
	for _, blob := range blobs {
		if err != nil {
			break
		}
		_, err = w.Write(blob)
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write safetensors file %q", path)
	}
	return nil
}

func encodeSafetensor(t *tensors.Tensor, dtype string) (string, []byte, error) {
	if t.DType() == dtypes.Int64 {
		ints, err := int64Data(t)
		if err != nil {
			return "", nil, err
		}
		blob := make([]byte, 8*len(ints))
		for i, v := range ints {
			binary.LittleEndian.PutUint64(blob[8*i:], uint64(v))
		}
		return DTypeI64, blob, nil
	}
	values, err := float32Data(t)
	if err != nil {
		return "", nil, err
	}
	switch dtype {
	case DTypeF16:
		blob := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(blob[2*i:], float16.Fromfloat32(v).Bits())
		}
		return dtype, blob, nil
	case DTypeBF16:
		return dtype, bfloat16.EncodeFloat32(values), nil
	}
	blob := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(blob[4*i:], math.Float32bits(v))
	}
	return DTypeF32, blob, nil
}
