package kernels

import (
	"math"

	"github.com/pdevine/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv2D of x [B, in, H, W] with a square kernel [out, in, k, k], zero padding and stride.
// bias [out] can be nil.
//
// It's computed per example as a matrix product of the kernel with the unfolded input patches (im2col).
func Conv2D(x, kernel, bias *Tensor, stride, padding int) *Tensor {
	batch, in, h, w := x.dims4()
	out, _, k, _ := kernel.dims4()
	outH := (h+2*padding-k)/stride + 1
	outW := (w+2*padding-k)/stride + 1
	spatial := outH * outW
	output := New(batch, out, outH, outW)

	cols := make([]float32, in*k*k*spatial)
	for b := range batch {
		input := x.Data[b*in*h*w : (b+1)*in*h*w]
		for ci := range in {
			for kh := range k {
				for kw := range k {
					row := cols[((ci*k+kh)*k+kw)*spatial:][:spatial]
					for oh := range outH {
						ih := oh*stride + kh - padding
						for ow := range outW {
							iw := ow*stride + kw - padding
							if ih < 0 || ih >= h || iw < 0 || iw >= w {
								row[oh*outW+ow] = 0
							} else {
								row[oh*outW+ow] = input[(ci*h+ih)*w+iw]
							}
						}
					}
				}
			}
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas32.General{Rows: out, Cols: in * k * k, Stride: in * k * k, Data: kernel.Data},
			blas32.General{Rows: in * k * k, Cols: spatial, Stride: spatial, Data: cols},
			0,
			blas32.General{Rows: out, Cols: spatial, Stride: spatial, Data: output.Data[b*out*spatial : (b+1)*out*spatial]})
	}
	addChannelBias(output, bias)
	return output
}

// ConvTranspose2D of x [B, in, H, W] with a square kernel [in, out, k, k].
// The output spatial size is (H-1)*stride - 2*padding + k. bias [out] can be nil.
//
// Each input pixel is scattered (col2im) from the product of the transposed kernel with the input.
func ConvTranspose2D(x, kernel, bias *Tensor, stride, padding int) *Tensor {
	batch, in, h, w := x.dims4()
	_, out, k, _ := kernel.dims4()
	outH := (h-1)*stride - 2*padding + k
	outW := (w-1)*stride - 2*padding + k
	output := New(batch, out, outH, outW)

	spatial := h * w
	cols := make([]float32, out*k*k*spatial)
	for b := range batch {
		blas32.Gemm(blas.Trans, blas.NoTrans, 1,
			blas32.General{Rows: in, Cols: out * k * k, Stride: out * k * k, Data: kernel.Data},
			blas32.General{Rows: in, Cols: spatial, Stride: spatial, Data: x.Data[b*in*spatial : (b+1)*in*spatial]},
			0,
			blas32.General{Rows: out * k * k, Cols: spatial, Stride: spatial, Data: cols})
		result := output.Data[b*out*outH*outW : (b+1)*out*outH*outW]
		for co := range out {
			for kh := range k {
				for kw := range k {
					row := cols[((co*k+kh)*k+kw)*spatial:][:spatial]
					for ih := range h {
						oh := ih*stride + kh - padding
						if oh < 0 || oh >= outH {
							continue
						}
						for iw := range w {
							ow := iw*stride + kw - padding
							if ow < 0 || ow >= outW {
								continue
							}
							result[(co*outH+oh)*outW+ow] += row[ih*w+iw]
						}
					}
				}
			}
		}
	}
	addChannelBias(output, bias)
	return output
}

func addChannelBias(x, bias *Tensor) {
	if bias == nil {
		return
	}
	batch, c, h, w := x.dims4()
	for b := range batch {
		for ci := range c {
			plane := x.Data[((b*c)+ci)*h*w:][:h*w]
			for i := range plane {
				plane[i] += bias.Data[ci]
			}
		}
	}
}

// DepthwiseConv3x3 convolves each channel of x [B, C, H, W] with its own 3x3 kernel [C, 1, 3, 3],
// after a replication padding of 1.
func DepthwiseConv3x3(x, kernel, bias *Tensor) *Tensor {
	batch, c, h, w := x.dims4()
	output := New(batch, c, h, w)
	clamp := func(v, n int) int { return min(max(v, 0), n-1) }
	for b := range batch {
		for ci := range c {
			plane := x.Data[((b*c)+ci)*h*w:][:h*w]
			result := output.Data[((b*c)+ci)*h*w:][:h*w]
			taps := kernel.Data[ci*9 : (ci+1)*9]
			for y := range h {
				for xx := range w {
					sum := bias.Data[ci]
					for kh := range 3 {
						row := clamp(y+kh-1, h) * w
						for kw := range 3 {
							sum += plane[row+clamp(xx+kw-1, w)] * taps[kh*3+kw]
						}
					}
					result[y*w+xx] = sum
				}
			}
		}
	}
	return output
}

// LayerNormChannels normalizes each pixel of x [B, C, H, W] over its channels, without affine parameters.
func LayerNormChannels(x *Tensor, epsilon float64) *Tensor {
	batch, c, h, w := x.dims4()
	output := New(batch, c, h, w)
	spatial := h * w
	for b := range batch {
		base := b * c * spatial
		for p := range spatial {
			var mean float64
			for ci := range c {
				mean += float64(x.Data[base+ci*spatial+p])
			}
			mean /= float64(c)
			var variance float64
			for ci := range c {
				d := float64(x.Data[base+ci*spatial+p]) - mean
				variance += d * d
			}
			variance /= float64(c)
			scale := 1 / math.Sqrt(variance+epsilon)
			for ci := range c {
				idx := base + ci*spatial + p
				output.Data[idx] = float32((float64(x.Data[idx]) - mean) * scale)
			}
		}
	}
	return output
}

// BatchNorm applies the inference batch normalization with the running statistics, per channel.
func BatchNorm(x, weight, bias, mean, variance *Tensor, epsilon float64) *Tensor {
	batch, c, h, w := x.dims4()
	output := New(batch, c, h, w)
	for b := range batch {
		for ci := range c {
			scale := float64(weight.Data[ci]) / math.Sqrt(float64(variance.Data[ci])+epsilon)
			offset := float64(bias.Data[ci]) - float64(mean.Data[ci])*scale
			off := ((b * c) + ci) * h * w
			for i := range h * w {
				output.Data[off+i] = float32(float64(x.Data[off+i])*scale + offset)
			}
		}
	}
	return output
}

// GELU is the exact (erf) Gaussian Error Linear Unit, element-wise.
func GELU(x *Tensor) *Tensor {
	output := New(x.Dims...)
	for i, v := range x.Data {
		output.Data[i] = float32(0.5 * float64(v) * (1 + math.Erf(float64(v)/math.Sqrt2)))
	}
	return output
}

// Linear applies a pointwise (per pixel) linear layer to x [B, in, H, W], with weight [out, in] and bias [out].
func Linear(x, weight, bias *Tensor) *Tensor {
	_, in, _, _ := x.dims4()
	out := weight.Dims[0]
	return Conv2D(x, FromData(weight.Data, out, in, 1, 1), bias, 1, 0)
}

// permute transposes x by the permutation of axes, and reshapes the result to dims.
func permute(x *Tensor, perm []int, intermediate, dims []int) (*Tensor, error) {
	dense := tensor.New(tensor.WithShape(intermediate...), tensor.WithBacking(append([]float32(nil), x.Data...)))
	transposed, err := tensor.Transpose(dense, perm...)
	if err != nil {
		return nil, errors.Wrapf(err, "kernels: failed to transpose %v by %v", intermediate, perm)
	}
	transposed = tensor.Materialize(transposed)
	if err = transposed.Reshape(dims...); err != nil {
		return nil, errors.Wrapf(err, "kernels: failed to reshape to %v", dims)
	}
	data, ok := transposed.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("kernels: unexpected data type %T after transpose", transposed.Data())
	}
	return FromData(data, dims...), nil
}

// PixelUnshuffle moves factor x factor spatial blocks into channels: [B, C, H, W] -> [B, C*f*f, H/f, W/f].
func PixelUnshuffle(x *Tensor, factor int) (*Tensor, error) {
	b, c, h, w := x.dims4()
	if h%factor != 0 || w%factor != 0 {
		return nil, errors.Errorf("kernels: spatial dimensions %v not divisible by %d", x.Dims, factor)
	}
	return permute(x, []int{0, 1, 3, 5, 2, 4},
		[]int{b, c, h / factor, factor, w / factor, factor},
		[]int{b, c * factor * factor, h / factor, w / factor})
}

// PixelShuffle is the inverse of PixelUnshuffle: [B, C*f*f, H, W] -> [B, C, H*f, W*f].
func PixelShuffle(x *Tensor, factor int) (*Tensor, error) {
	b, c, h, w := x.dims4()
	if c%(factor*factor) != 0 {
		return nil, errors.Errorf("kernels: channels of %v not divisible by %d", x.Dims, factor*factor)
	}
	c /= factor * factor
	return permute(x, []int{0, 1, 4, 2, 5, 3},
		[]int{b, c, factor, factor, h, w},
		[]int{b, c, h * factor, w * factor})
}

// NearestCodebook replaces each latent vector (x [B, C, H, W], over the channels) with its nearest
// (squared L2) entry of the codebook [K, C]. Ties go to the lowest index.
//
// It returns the quantized tensor, the indices [B*H*W] in row-major (b, h, w) order, and the commitment
// loss (1+beta) * mean squared error.
func NearestCodebook(x, codebook *Tensor, beta float64) (quantized *Tensor, indices []int32, loss float64) {
	batch, c, h, w := x.dims4()
	numCodes := codebook.Dims[0]
	spatial := h * w
	quantized = New(x.Dims...)
	indices = make([]int32, batch*spatial)
	vector := make([]float64, c)
	var sumSquares float64
	for b := range batch {
		base := b * c * spatial
		for p := range spatial {
			for ci := range c {
				vector[ci] = float64(x.Data[base+ci*spatial+p])
			}
			best, bestDistance := 0, math.Inf(1)
			for code := range numCodes {
				entry := codebook.Data[code*c : (code+1)*c]
				var distance float64
				for ci, v := range vector {
					d := v - float64(entry[ci])
					distance += d * d
				}
				if distance < bestDistance {
					best, bestDistance = code, distance
				}
			}
			indices[b*spatial+p] = int32(best)
			sumSquares += bestDistance
			entry := codebook.Data[best*c : (best+1)*c]
			for ci := range c {
				quantized.Data[base+ci*spatial+p] = entry[ci]
			}
		}
	}
	loss = (1 + beta) * sumSquares / float64(x.Size())
	return
}
