package vqpaella

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/pkg/errors"
)

// variableContext returns ctx moved into the scope of the dotted parameter key, and the variable name.
func variableContext(ctx *context.Context, key string) (*context.Context, string) {
	scope, name := trees.ParseKey(key).Parent()
	for _, p := range scope {
		ctx = ctx.In(p)
	}
	return ctx, name
}

// inspect returns the variable of the parameter key, or nil if it doesn't exist.
func inspect(ctx *context.Context, key string) *context.Variable {
	scoped, name := variableContext(ctx, key)
	return scoped.InspectVariable(scoped.Scope(), name)
}

// CheckParameters verifies that every parameter of the model for the configuration is present in ctx
// (relative to its current scope), as float32 and with the expected dimensions.
func CheckParameters(ctx *context.Context, config Config) error {
	manifest, err := Manifest(config)
	if err != nil {
		return err
	}
	for _, p := range manifest {
		v := inspect(ctx, p.Key)
		if v == nil {
			return errors.Errorf("vqpaella: parameter %q is missing", p.Key)
		}
		want := shapes.Make(dtypes.Float32, p.Dims...)
		if !v.Shape().Equal(want) {
			return errors.Errorf("vqpaella: parameter %q is shaped %s, expected %s", p.Key, v.Shape(), want)
		}
	}
	return nil
}

// LoadWeights sets the variables in ctx (relative to its current scope) from the weights tree,
// keyed by the diffusers parameter names.
//
// Existing variables are overwritten. Weights not used by the model are loaded as well:
// use convert.Validate to check the weights before loading.
func LoadWeights(ctx *context.Context, weights *trees.Tree[*tensors.Tensor]) error {
	for _, key := range weights.Keys() {
		t, _ := weights.GetKey(key)
		err := exceptions.TryCatch[error](func() {
			if v := inspect(ctx, key); v != nil {
				v.SetValue(t)
				return
			}
			scoped, name := variableContext(ctx, key)
			scoped.VariableWithValue(name, t)
		})
		if err != nil {
			return errors.WithMessagef(err, "vqpaella: failed to load parameter %q", key)
		}
	}
	return nil
}

// Weights returns the model parameters stored in ctx as a tree keyed by the diffusers parameter names.
func Weights(ctx *context.Context, config Config) (*trees.Tree[*tensors.Tensor], error) {
	if err := CheckParameters(ctx, config); err != nil {
		return nil, err
	}
	manifest, _ := Manifest(config)
	tree := trees.New[*tensors.Tensor]()
	for _, p := range manifest {
		if err := tree.Set(trees.ParseKey(p.Key), inspect(ctx, p.Key).Value()); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// RandomWeights returns a full set of random parameters for the configuration, deterministic on the seed.
//
// Kernels use a scaled normal initialization (fan-in), the batch normalization statistics are kept in a
// well-conditioned range and the codebook entries are standard normal. Mostly useful for tests and benchmarks.
func RandomWeights(config Config, seed uint64) (*trees.Tree[*tensors.Tensor], error) {
	manifest, err := Manifest(config)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	tree := trees.New[*tensors.Tensor]()
	for _, p := range manifest {
		size := 1
		for _, d := range p.Dims {
			size *= d
		}
		values := make([]float32, size)
		_, name := trees.ParseKey(p.Key).Parent()
		switch {
		case p.Key == CodebookKey:
			for i := range values {
				values[i] = float32(rng.NormFloat64())
			}
		case name == "gammas":
			for i := range values {
				values[i] = float32(0.1 * rng.NormFloat64())
			}
		case name == "running_var":
			for i := range values {
				values[i] = float32(0.5 + rng.Float64())
			}
		case name == "running_mean" || name == "bias":
			for i := range values {
				values[i] = float32(0.1 * rng.NormFloat64())
			}
		case name == "weight" && len(p.Dims) == 1:
			// Batch normalization scale.
			for i := range values {
				values[i] = float32(1 + 0.1*rng.NormFloat64())
			}
		default:
			std := 1 / math.Sqrt(float64(fanIn(p)))
			for i := range values {
				values[i] = float32(std * rng.NormFloat64())
			}
		}
		if err = tree.Set(trees.ParseKey(p.Key), tensors.FromFlatDataAndDimensions(values, p.Dims...)); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// fanIn of a kernel in the PyTorch layout.
func fanIn(p Param) int {
	switch len(p.Dims) {
	case 2:
		return p.Dims[1]
	case 4:
		if strings.HasPrefix(p.Key, "up_blocks.") && !strings.HasPrefix(p.Key, "up_blocks.0.") && p.Dims[1] != 1 {
			// Transposed convolutions are laid out [in, out, k, k].
			return p.Dims[0] * p.Dims[2] * p.Dims[3]
		}
		return p.Dims[1] * p.Dims[2] * p.Dims[3]
	}
	return 1
}
