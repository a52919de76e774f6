package vqpaella

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// Quantizer maps continuous latents to the nearest entries of a codebook.
//
// latent is shaped [batch, c_latent, height, width]. It returns the quantized latent (same shape),
// the commitment loss (a scalar) and the indices of the selected codebook entries, int32 shaped [batch, height, width].
type Quantizer interface {
	Quantize(ctx *context.Context, latent *Node) (quantized, loss, indices *Node)
}

// CodebookQuantizer is the default Quantizer: nearest codebook entry by the squared L2 distance.
type CodebookQuantizer struct {
	// Key of the codebook parameter, shaped [CodebookSize, Dim].
	Key string

	CodebookSize, Dim int

	// Beta weights the codebook term of the commitment loss.
	Beta float64
}

// NewCodebookQuantizer returns the quantizer over the model's codebook.
func NewCodebookQuantizer(c Config) *CodebookQuantizer {
	return &CodebookQuantizer{Key: CodebookKey, CodebookSize: c.CodebookSize, Dim: c.CLatent, Beta: 0.25}
}

// Quantize implements Quantizer.
//
// Ties are broken towards the lowest codebook index.
func (q *CodebookQuantizer) Quantize(ctx *context.Context, latent *Node) (quantized, loss, indices *Node) {
	g := latent.Graph()
	codebook := param(ctx, g, q.Key, q.CodebookSize, q.Dim)

	// |z - e|^2 = |z|^2 - 2 z.e + |e|^2, shaped [batch, codebook_size, height, width].
	latentNorms := ReduceAndKeep(Square(latent), ReduceSum, 1)
	codebookNorms := Reshape(ReduceSum(Square(codebook), 1), 1, q.CodebookSize, 1, 1)
	dots := Einsum("bchw,kc->bkhw", latent, codebook)
	distances := Add(Sub(latentNorms, MulScalar(dots, 2)), codebookNorms)

	indices = ArgMax(Neg(distances), 1, dtypes.Int32)
	oneHot := OneHot(indices, q.CodebookSize, latent.DType())
	quantized = Einsum("bhwk,kc->bchw", oneHot, codebook)

	// During inference the stop-gradients of the two terms make no difference: both are the mean squared error.
	mse := ReduceAllMean(Square(Sub(quantized, latent)))
	loss = MulScalar(mse, 1+q.Beta)
	return
}
