package vqpaella

import (
	"math"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ClassName is the name of the model class in the diffusers config.json.
const ClassName = "PaellaVQModel"

// DiffusersVersion written to the saved config.json files.
const DiffusersVersion = "0.19.0.dev0"

var (
	// ErrInvalidConfig is returned (wrapped) for configurations that can't be assembled.
	ErrInvalidConfig = errors.New("invalid PaellaVQModel configuration")

	// ErrInvalidShape is returned (wrapped) when an image or latent tensor has the wrong shape for the model.
	ErrInvalidShape = errors.New("invalid tensor shape")
)

// Config of the Paella VQ autoencoder. The JSON field names match the diffusers config.json.
//
// It is fixed at construction of the Model.
type Config struct {
	ClassName        string `json:"_class_name,omitempty"`
	DiffusersVersion string `json:"_diffusers_version,omitempty"`

	// InChannels is the number of channels of the input images, OutChannels of the decoded images.
	InChannels  int `json:"in_channels"`
	OutChannels int `json:"out_channels"`

	// UpDownScaleFactor of the pixel (un)shuffle of the input and output stages.
	UpDownScaleFactor int `json:"up_down_scale_factor"`

	// Levels is the number of resolutions: each level after the first halves the resolution.
	Levels int `json:"levels"`

	// BottleneckBlocks is the number of residual blocks at the deepest level of the decoder.
	BottleneckBlocks int `json:"bottleneck_blocks"`

	// CHidden is the number of channels of the deepest level. Each shallower level halves it.
	CHidden int `json:"c_hidden"`

	// CLatent is the number of channels of the latent, and the dimension of the codebook vectors.
	CLatent int `json:"c_latent"`

	// CodebookSize is the number of vectors in the codebook.
	CodebookSize int `json:"codebook_size"`

	// ScaleFactor of the latent space: encode divides by it, decode multiplies by it.
	ScaleFactor float64 `json:"scale_factor"`
}

// DefaultConfig returns the configuration of the Würstchen v2 stage A.
func DefaultConfig() Config {
	return Config{
		ClassName:         ClassName,
		DiffusersVersion:  DiffusersVersion,
		InChannels:        3,
		OutChannels:       3,
		UpDownScaleFactor: 2,
		Levels:            2,
		BottleneckBlocks:  12,
		CHidden:           384,
		CLatent:           4,
		CodebookSize:      8192,
		ScaleFactor:       0.3764,
	}
}

// Validate checks that the configuration can be assembled into a model.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"in_channels", c.InChannels},
		{"out_channels", c.OutChannels},
		{"up_down_scale_factor", c.UpDownScaleFactor},
		{"levels", c.Levels},
		{"c_hidden", c.CHidden},
		{"c_latent", c.CLatent},
		{"codebook_size", c.CodebookSize},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s must be > 0, got %d", field.name, field.value)
		}
	}
	if c.BottleneckBlocks < 0 {
		return errors.Wrapf(ErrInvalidConfig, "bottleneck_blocks must be >= 0, got %d", c.BottleneckBlocks)
	}
	if c.Levels > 30 {
		return errors.Wrapf(ErrInvalidConfig, "levels=%d is too large", c.Levels)
	}
	if divisor := 1 << (c.Levels - 1); c.CHidden%divisor != 0 {
		return errors.Wrapf(ErrInvalidConfig, "c_hidden=%d must be divisible by 2^(levels-1)=%d", c.CHidden, divisor)
	}
	if c.ScaleFactor == 0 || math.IsNaN(c.ScaleFactor) || math.IsInf(c.ScaleFactor, 0) {
		return errors.Wrapf(ErrInvalidConfig, "scale_factor must be a finite non-zero value, got %g", c.ScaleFactor)
	}
	return nil
}

// ChannelLevels returns the number of channels for each level, the widest (deepest) last.
//
// It assumes the Config is valid.
func (c Config) ChannelLevels() []int {
	levels := make([]int, c.Levels)
	for i := range c.Levels {
		levels[i] = c.CHidden >> (c.Levels - 1 - i)
	}
	return levels
}

// DownscaleFactor is the ratio between the image and latent spatial dimensions: the pixel unshuffle
// factor times 2 for each level after the first. Image heights and widths must be divisible by it.
func (c Config) DownscaleFactor() int {
	return c.UpDownScaleFactor << (c.Levels - 1)
}

// LatentDims returns the latent dimensions for an image of the given dimensions [batch, channels, height, width].
func (c Config) LatentDims(imageDims []int) ([]int, error) {
	if err := c.checkImageDims(imageDims); err != nil {
		return nil, err
	}
	factor := c.DownscaleFactor()
	return []int{imageDims[0], c.CLatent, imageDims[2] / factor, imageDims[3] / factor}, nil
}

func (c Config) checkImageDims(dims []int) error {
	if len(dims) != 4 {
		return errors.Wrapf(ErrInvalidShape, "images must be shaped [batch, channels, height, width], got dimensions %v", dims)
	}
	if dims[1] != c.InChannels {
		return errors.Wrapf(ErrInvalidShape, "images must have %d channels, got dimensions %v", c.InChannels, dims)
	}
	factor := c.DownscaleFactor()
	if dims[0] <= 0 || dims[2] <= 0 || dims[3] <= 0 || dims[2]%factor != 0 || dims[3]%factor != 0 {
		return errors.Wrapf(ErrInvalidShape, "images height and width must be positive multiples of %d, got dimensions %v", factor, dims)
	}
	return nil
}

func (c Config) checkLatentDims(dims []int) error {
	if len(dims) != 4 {
		return errors.Wrapf(ErrInvalidShape, "latents must be shaped [batch, c_latent, height, width], got dimensions %v", dims)
	}
	if dims[1] != c.CLatent {
		return errors.Wrapf(ErrInvalidShape, "latents must have %d channels, got dimensions %v", c.CLatent, dims)
	}
	if dims[0] <= 0 || dims[2] <= 0 || dims[3] <= 0 {
		return errors.Wrapf(ErrInvalidShape, "latents have empty dimensions %v", dims)
	}
	return nil
}

// LoadConfig reads a diffusers config.json. Missing fields take the DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	contents, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "failed to read PaellaVQModel config from %q", path)
	}
	if err = json.Unmarshal(contents, &c); err != nil {
		return c, errors.Wrapf(err, "failed to parse PaellaVQModel config from %q", path)
	}
	if c.ClassName != "" && c.ClassName != ClassName {
		return c, errors.Wrapf(ErrInvalidConfig, "config %q is for class %q, expected %q", path, c.ClassName, ClassName)
	}
	return c, c.Validate()
}

// Save config as a diffusers config.json.
func (c Config) Save(path string) error {
	c.ClassName = ClassName
	if c.DiffusersVersion == "" {
		c.DiffusersVersion = DiffusersVersion
	}
	contents, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize PaellaVQModel config")
	}
	if err = os.WriteFile(path, append(contents, '\n'), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write PaellaVQModel config to %q", path)
	}
	return nil
}

// NewConfigFromWeights infers the configuration from the structure of the model weights, in the
// diffusers naming (see Manifest).
//
// The number of image channels is not recoverable from the weights (it's folded with the pixel
// shuffle factor): it's taken from base, which also provides the ScaleFactor.
func NewConfigFromWeights(base Config, weights *trees.Tree[*tensors.Tensor]) (Config, error) {
	c := base
	if base.InChannels <= 0 {
		return c, errors.Wrapf(ErrInvalidConfig, "can't infer PaellaVQModel config: base in_channels must be positive, got %d", base.InChannels)
	}
	dimsOf := func(key string, rank int) ([]int, error) {
		t, found := weights.GetKey(key)
		if !found {
			return nil, errors.Errorf("can't infer PaellaVQModel config: weights are missing %q", key)
		}
		dims := t.Shape().Dimensions
		if len(dims) != rank {
			return nil, errors.Errorf("can't infer PaellaVQModel config: %q should be rank %d, got dimensions %v", key, rank, dims)
		}
		return dims, nil
	}

	codebook, err := dimsOf(CodebookKey, 2)
	if err != nil {
		return c, err
	}
	c.CodebookSize, c.CLatent = codebook[0], codebook[1]

	downBlocks := mixingBlocksIndices(weights, "down_blocks")
	if len(downBlocks) == 0 {
		return c, errors.New("can't infer PaellaVQModel config: no residual blocks found in \"down_blocks\"")
	}
	c.Levels = len(downBlocks)
	deepest, err := dimsOf("down_blocks."+strconv.Itoa(downBlocks[len(downBlocks)-1])+".depthwise.1.weight", 4)
	if err != nil {
		return c, err
	}
	c.CHidden = deepest[0]
	c.BottleneckBlocks = len(mixingBlocksIndices(weights, "up_blocks")) - (c.Levels - 1)

	inProjection, err := dimsOf("in_block.1.weight", 4)
	if err != nil {
		return c, err
	}
	scale, err := pixelShuffleFactor(inProjection[1], c.InChannels)
	if err != nil {
		return c, errors.WithMessage(err, "can't infer PaellaVQModel config from \"in_block.1.weight\"")
	}
	c.UpDownScaleFactor = scale
	outProjection, err := dimsOf("out_block.0.weight", 4)
	if err != nil {
		return c, err
	}
	if outProjection[0]%(scale*scale) != 0 {
		return c, errors.Errorf("can't infer PaellaVQModel config: \"out_block.0.weight\" has %d output channels, not divisible by %d",
			outProjection[0], scale*scale)
	}
	c.OutChannels = outProjection[0] / (scale * scale)
	return c, c.Validate()
}

// mixingBlocksIndices returns the sorted indices of the sub-modules of the given sequential module that are
// residual mixing blocks (they are the ones with "gammas").
func mixingBlocksIndices(weights *trees.Tree[*tensors.Tensor], sequential string) []int {
	node := weights.Root.Map[sequential]
	if node == nil || node.IsLeaf() {
		return nil
	}
	var indices []int
	for key, child := range node.Map {
		idx, err := strconv.Atoi(key)
		if err != nil || child.IsLeaf() {
			continue
		}
		if _, found := child.Map["gammas"]; found {
			indices = append(indices, idx)
		}
	}
	slices.Sort(indices)
	return indices
}

func pixelShuffleFactor(foldedChannels, channels int) (int, error) {
	if foldedChannels%channels != 0 {
		return 0, errors.Errorf("%d channels is not a multiple of %d image channels", foldedChannels, channels)
	}
	square := foldedChannels / channels
	factor := int(math.Round(math.Sqrt(float64(square))))
	if factor < 1 || factor*factor != square {
		return 0, errors.Errorf("%d channels is not %d image channels times a square factor", foldedChannels, channels)
	}
	return factor, nil
}
