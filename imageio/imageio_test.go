package imageio

import (
	"image"
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / width), G: uint8(y * 255 / height), B: 128, A: 255})
		}
	}
	return img
}

func TestTensorConversion(t *testing.T) {
	images := []image.Image{gradient(8, 4), gradient(8, 4)}
	x, err := ToTensor(images, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 8}, x.Shape().Dimensions)
	tensors.ConstFlatData(x, func(flat []float32) {
		for _, v := range flat {
			require.True(t, v >= 0 && v <= 1)
		}
		// Blue channel of the first pixel.
		assert.InDelta(t, 128.0/255, flat[2*32], 1e-6)
	})

	back, err := FromTensor(x)
	require.NoError(t, err)
	require.Len(t, back, 2)
	for y := range 4 {
		for x := range 8 {
			assert.Equal(t, images[1].At(x, y), back[1].At(x, y))
		}
	}

	gray, err := ToTensor(images[:1], 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 4, 8}, gray.Shape().Dimensions)
	grayImages, err := FromTensor(gray)
	require.NoError(t, err)
	assert.IsType(t, &image.Gray{}, grayImages[0])

	_, err = ToTensor([]image.Image{gradient(8, 4), gradient(4, 4)}, 3)
	require.Error(t, err)
	_, err = ToTensor(images, 2)
	require.Error(t, err)
	_, err = ToTensor(nil, 3)
	require.Error(t, err)
	_, err = FromTensor(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))
	require.Error(t, err)
}

func TestFromTensorClips(t *testing.T) {
	nan := float32(math.NaN())
	x := tensors.FromFlatDataAndDimensions([]float32{-0.5, 0.5, 2, nan, float32(math.Inf(1))}, 1, 1, 1, 5)
	images, err := FromTensor(x)
	require.NoError(t, err)
	gray := images[0].(*image.Gray)
	assert.Equal(t, []uint8{0, 128, 255, 0, 255}, gray.Pix)
}

func TestFitToMultiple(t *testing.T) {
	img := gradient(67, 33)
	fitted := FitToMultiple(img, 16)
	assert.Equal(t, image.Pt(64, 32), fitted.Bounds().Size())

	small := FitToMultiple(gradient(10, 40), 16)
	assert.Equal(t, image.Pt(16, 32), small.Bounds().Size())

	exact := gradient(32, 16)
	assert.Same(t, exact, FitToMultiple(exact, 16))
}

func TestLoadAndSave(t *testing.T) {
	dir := t.TempDir()
	img := gradient(16, 8)
	pngPath := filepath.Join(dir, "image.png")
	require.NoError(t, Save(pngPath, img))
	loaded, err := Load(pngPath)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), loaded.Bounds())
	assert.Equal(t, img.At(3, 5), color.RGBAModel.Convert(loaded.At(3, 5)))

	jpegPath := filepath.Join(dir, "image.jpg")
	require.NoError(t, Save(jpegPath, img))
	loaded, err = Load(jpegPath)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), loaded.Bounds())

	require.Error(t, Save(filepath.Join(dir, "image.gif"), img))
	_, err = Load(filepath.Join(dir, "missing.png"))
	require.Error(t, err)
}

func TestComposite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.NRGBA{R: 0, G: 0, B: 0, A: 0})
	got := Composite(img)
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, got.At(0, 0))
}
