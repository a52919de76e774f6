// Package pipelines runs batches of images through the autoencoder: images are resized to valid sizes, converted to
// tensors, split in batches that are executed in parallel, and converted back to images.
package pipelines

import (
	"image"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/wuerstchen/imageio"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Autoencoder is implemented by vqpaella.Model. Images are float32 [batch, channels, height, width] in [0, 1].
type Autoencoder interface {
	Encode(images *tensors.Tensor) (*tensors.Tensor, error)
	Decode(latents *tensors.Tensor, quantize bool) (*tensors.Tensor, error)
	Forward(images *tensors.Tensor) (*tensors.Tensor, error)
}

// Reconstructor has an autoencoder configured and encodes, decodes or reconstructs lists of images.
type Reconstructor struct {
	Model Autoencoder

	// Channels of the images: 3 (RGB) or 1 (grayscale).
	Channels int

	// Multiple that the image sides must be: images are resized (down) to fit.
	Multiple int

	// BatchSize is the maximum number of images per call to the model.
	BatchSize int

	// Parallelism is the maximum number of batches executed concurrently.
	Parallelism int

	// Progress, if set, is called after each batch completes with the number of batches done so far and
	// the total. Calls are serialized and done increases by one on each call.
	Progress func(done, total int)
}

// New creates a Reconstructor for a model built with config, with batches of up to batchSize images.
func New(model Autoencoder, config vqpaella.Config, batchSize int) *Reconstructor {
	return &Reconstructor{
		Model:       model,
		Channels:    config.InChannels,
		Multiple:    config.DownscaleFactor(),
		BatchSize:   batchSize,
		Parallelism: 2,
	}
}

// Prepare resizes the images to valid sizes. All images must end up with the same size.
func (r *Reconstructor) Prepare(images []image.Image) ([]image.Image, error) {
	if len(images) == 0 {
		return nil, errors.New("pipelines: no images given")
	}
	fitted := xslices.Map(images, func(img image.Image) image.Image { return imageio.FitToMultiple(img, r.Multiple) })
	size := fitted[0].Bounds().Size()
	for ii, img := range fitted {
		if img.Bounds().Size() != size {
			return nil, errors.Errorf("pipelines: image #%d is %v (resized from %v), but image #0 is %v",
				ii, img.Bounds().Size(), images[ii].Bounds().Size(), size)
		}
	}
	return fitted, nil
}

// batches splits n items in ranges of up to BatchSize.
func (r *Reconstructor) batches(n int) [][2]int {
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = n
	}
	var ranges [][2]int
	for start := 0; start < n; start += batchSize {
		ranges = append(ranges, [2]int{start, min(start+batchSize, n)})
	}
	return ranges
}

// run calls fn for each batch, with at most Parallelism concurrent calls.
func (r *Reconstructor) run(n int, fn func(batchIdx, start, end int) error) error {
	var g errgroup.Group
	g.SetLimit(max(r.Parallelism, 1))
	batches := r.batches(n)
	var mu sync.Mutex
	done := 0
	for batchIdx, batch := range batches {
		g.Go(func() error {
			klog.V(2).Infof("pipelines: batch #%d with items [%d, %d)", batchIdx, batch[0], batch[1])
			if err := fn(batchIdx, batch[0], batch[1]); err != nil {
				return err
			}
			if r.Progress != nil {
				mu.Lock()
				defer mu.Unlock()
				done++
				r.Progress(done, len(batches))
			}
			return nil
		})
	}
	return g.Wait()
}

// Encode the images to latents: the result is shaped [len(images), c_latent, height/f, width/f], where f is the
// downscale factor.
func (r *Reconstructor) Encode(images []image.Image) (*tensors.Tensor, error) {
	images, err := r.Prepare(images)
	if err != nil {
		return nil, err
	}
	results := make([]*tensors.Tensor, len(r.batches(len(images))))
	err = r.run(len(images), func(batchIdx, start, end int) error {
		x, err := imageio.ToTensor(images[start:end], r.Channels)
		if err != nil {
			return err
		}
		results[batchIdx], err = r.Model.Encode(x)
		return err
	})
	if err != nil {
		return nil, err
	}
	return Concatenate(results)
}

// Decode latents shaped [batch, c_latent, h, w] to images, optionally quantizing them first.
func (r *Reconstructor) Decode(latents *tensors.Tensor, quantize bool) ([]image.Image, error) {
	if latents.Rank() != 4 {
		return nil, errors.Errorf("pipelines: latents must be shaped [batch, channels, height, width], got %s", latents.Shape())
	}
	n := latents.Shape().Dimensions[0]
	images := make([]image.Image, n)
	err := r.run(n, func(_, start, end int) error {
		batch, err := SliceBatch(latents, start, end)
		if err != nil {
			return err
		}
		decoded, err := r.Model.Decode(batch, quantize)
		if err != nil {
			return err
		}
		return r.collect(images[start:end], decoded)
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

// Reconstruct runs the images through the full autoencoder, returning the reconstructed images.
func (r *Reconstructor) Reconstruct(images []image.Image) ([]image.Image, error) {
	images, err := r.Prepare(images)
	if err != nil {
		return nil, err
	}
	reconstructed := make([]image.Image, len(images))
	err = r.run(len(images), func(_, start, end int) error {
		x, err := imageio.ToTensor(images[start:end], r.Channels)
		if err != nil {
			return err
		}
		y, err := r.Model.Forward(x)
		if err != nil {
			return err
		}
		return r.collect(reconstructed[start:end], y)
	})
	if err != nil {
		return nil, err
	}
	return reconstructed, nil
}

func (r *Reconstructor) collect(to []image.Image, decoded *tensors.Tensor) error {
	images, err := imageio.FromTensor(decoded)
	if err != nil {
		return err
	}
	if len(images) != len(to) {
		return errors.Errorf("pipelines: model returned %d images, expected %d", len(images), len(to))
	}
	copy(to, images)
	return nil
}

// SliceBatch returns a copy of the examples [start, end) of a float32 tensor, along its first axis.
func SliceBatch(t *tensors.Tensor, start, end int) (*tensors.Tensor, error) {
	if t.DType() != dtypes.Float32 || t.Rank() == 0 {
		return nil, errors.Errorf("pipelines: can only slice float32 tensors with a batch axis, got %s", t.Shape())
	}
	dims := t.Shape().Dimensions
	if start < 0 || end > dims[0] || start >= end {
		return nil, errors.Errorf("pipelines: invalid batch range [%d, %d) for shape %s", start, end, t.Shape())
	}
	exampleSize := t.Size() / dims[0]
	flat := make([]float32, (end-start)*exampleSize)
	tensors.ConstFlatData(t, func(src []float32) {
		copy(flat, src[start*exampleSize:end*exampleSize])
	})
	newDims := append([]int{end - start}, dims[1:]...)
	return tensors.FromFlatDataAndDimensions(flat, newDims...), nil
}

// Concatenate float32 tensors along their first axis. The other axes must match.
func Concatenate(parts []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("pipelines: nothing to concatenate")
	}
	inner := parts[0].Shape().Dimensions[1:]
	var flat []float32
	batch := 0
	for ii, part := range parts {
		dims := part.Shape().Dimensions
		if part.DType() != dtypes.Float32 || len(dims) != len(inner)+1 || !slices.Equal(dims[1:], inner) {
			return nil, errors.Errorf("pipelines: can't concatenate part #%d shaped %s with part #0 shaped %s",
				ii, part.Shape(), parts[0].Shape())
		}
		batch += dims[0]
		tensors.ConstFlatData(part, func(src []float32) {
			flat = append(flat, src...)
		})
	}
	return tensors.FromFlatDataAndDimensions(flat, append([]int{batch}, inner...)...), nil
}
