// Package imageio loads and saves images and converts them from/to float32 tensors shaped [batch, channels, height, width]
// with values in the [0, 1] range, as consumed by the autoencoder.
package imageio

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// JPEGQuality used by Save.
var JPEGQuality = 95

// Load reads a PNG, JPEG or WebP image. Transparent pixels are composited over white.
func Load(path string) (image.Image, error) {
	path = data.ReplaceTildeInDir(path)
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", path)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	return Composite(img), nil
}

// Save writes img as PNG or JPEG, according to the extension of path.
func Save(path string, img image.Image) (err error) {
	path = data.ReplaceTildeInDir(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
		return errors.Errorf("can't save image %q: unsupported extension %q, use .png, .jpg or .jpeg", path, ext)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create image %q", path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrapf(closeErr, "failed to write image %q", path)
		}
	}()
	if ext == ".png" {
		err = png.Encode(f, img)
	} else {
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: JPEGQuality})
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to encode image %q", path)
	}
	return
}

// Composite returns an opaque version of img, drawn over a white background.
func Composite(img image.Image) image.Image {
	if opaque, ok := img.(interface{ Opaque() bool }); ok && opaque.Opaque() {
		return img
	}
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// FitToMultiple resizes img so that both sides are a multiple of multiple, rounding down (but never below multiple),
// using the Catmull-Rom interpolation. Images that already fit are returned unchanged.
//
// The autoencoder requires images whose sides are multiples of its downscale factor.
func FitToMultiple(img image.Image, multiple int) image.Image {
	if multiple <= 1 {
		return img
	}
	bounds := img.Bounds()
	w, h := roundDown(bounds.Dx(), multiple), roundDown(bounds.Dy(), multiple)
	if w == bounds.Dx() && h == bounds.Dy() {
		return img
	}
	return Resize(img, w, h)
}

func roundDown(value, multiple int) int {
	return max(multiple, (value/multiple)*multiple)
}

// Resize img to width x height with the Catmull-Rom interpolation.
func Resize(img image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// ToTensor converts images to a float32 tensor shaped [len(images), channels, height, width], with values in [0, 1].
// Channels can be 3 (RGB) or 1 (luminance). All images must have the same size.
func ToTensor(images []image.Image, channels int) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("imageio.ToTensor: no images given")
	}
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("imageio.ToTensor: channels must be 1 or 3, got %d", channels)
	}
	size := images[0].Bounds().Size()
	planeSize := size.X * size.Y
	flat := make([]float32, len(images)*channels*planeSize)
	for imageIdx, img := range images {
		bounds := img.Bounds()
		if bounds.Size() != size {
			return nil, errors.Errorf("imageio.ToTensor: image #%d is %v, but image #0 is %v", imageIdx, bounds.Size(), size)
		}
		offset := imageIdx * channels * planeSize
		for y := range size.Y {
			for x := range size.X {
				pos := offset + y*size.X + x
				c := img.At(bounds.Min.X+x, bounds.Min.Y+y)
				if channels == 1 {
					flat[pos] = float32(color.Gray16Model.Convert(c).(color.Gray16).Y) / 0xffff
					continue
				}
				r, g, b, _ := c.RGBA()
				flat[pos] = float32(r) / 0xffff
				flat[pos+planeSize] = float32(g) / 0xffff
				flat[pos+2*planeSize] = float32(b) / 0xffff
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(images), channels, size.Y, size.X), nil
}

// FromTensor converts a float32 tensor shaped [batch, channels, height, width] back to images. Values are clipped
// to [0, 1], NaNs are mapped to 0. Channels can be 3 (RGB images) or 1 (grayscale images).
func FromTensor(t *tensors.Tensor) ([]image.Image, error) {
	if t.DType() != dtypes.Float32 || t.Rank() != 4 {
		return nil, errors.Errorf("imageio.FromTensor: expected a float32 tensor of rank 4, got %s", t.Shape())
	}
	dims := t.Shape().Dimensions
	batch, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("imageio.FromTensor: channels must be 1 or 3, got shape %s", t.Shape())
	}
	planeSize := height * width
	images := make([]image.Image, batch)
	tensors.ConstFlatData(t, func(flat []float32) {
		for imageIdx := range batch {
			offset := imageIdx * channels * planeSize
			if channels == 1 {
				img := image.NewGray(image.Rect(0, 0, width, height))
				for i := range planeSize {
					img.Pix[i] = toByte(flat[offset+i])
				}
				images[imageIdx] = img
				continue
			}
			img := image.NewRGBA(image.Rect(0, 0, width, height))
			for i := range planeSize {
				img.Pix[4*i] = toByte(flat[offset+i])
				img.Pix[4*i+1] = toByte(flat[offset+planeSize+i])
				img.Pix[4*i+2] = toByte(flat[offset+2*planeSize+i])
				img.Pix[4*i+3] = 0xff
			}
			images[imageIdx] = img
		}
	})
	return images, nil
}

func toByte(v float32) uint8 {
	if v != v {
		// NaN.
		return 0
	}
	v = min(max(v, 0), 1)
	return uint8(v*255 + 0.5)
}
