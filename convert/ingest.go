package convert

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/wuerstchen/trees"
	"github.com/gomlx/wuerstchen/vqpaella"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrMissingParameter is returned (wrapped) when a model parameter is not in the weights.
	ErrMissingParameter = errors.New("missing parameter")

	// ErrUnexpectedParameter is returned (wrapped) for weights that are not parameters of the model.
	ErrUnexpectedParameter = errors.New("unexpected parameter")

	// ErrShapeMismatch is returned (wrapped) when a weight doesn't have the shape of the model parameter.
	ErrShapeMismatch = errors.New("parameter shape mismatch")
)

// Report of the changes made by Ingest.
type Report struct {
	// Renamed maps the original keys to their new names.
	Renamed map[string]string

	// Dropped keys (original names).
	Dropped []string

	// Kept is the number of weights in the ingested tree.
	Kept int
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%d weights kept, %d renamed, %d dropped", r.Kept, len(r.Renamed), len(r.Dropped)))
	for _, from := range sortedKeys(r.Renamed) {
		parts = append(parts, fmt.Sprintf("  renamed %q -> %q", from, r.Renamed[from]))
	}
	for _, key := range r.Dropped {
		parts = append(parts, fmt.Sprintf("  dropped %q", key))
	}
	return strings.Join(parts, "\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Ingest applies the rename table to all the weights, once, returning a new tree with the renamed weights.
// The tensors are not copied.
//
// It fails if two weights end up with the same name.
func Ingest(weights *trees.Tree[*tensors.Tensor], table *RenameTable) (*trees.Tree[*tensors.Tensor], *Report, error) {
	if !table.compiled() {
		if err := table.Compile(); err != nil {
			return nil, nil, err
		}
	}
	report := &Report{Renamed: make(map[string]string)}
	ingested := trees.New[*tensors.Tensor]()
	origins := make(map[string]string)
	for _, key := range weights.Keys() {
		renamed, drop := table.Apply(key)
		if drop {
			klog.V(2).Infof("convert: dropping %q", key)
			report.Dropped = append(report.Dropped, key)
			continue
		}
		if previous, found := origins[renamed]; found {
			return nil, nil, errors.Errorf("convert: both %q and %q are renamed to %q", previous, key, renamed)
		}
		origins[renamed] = key
		if renamed != key {
			klog.V(1).Infof("convert: renaming %q -> %q", key, renamed)
			report.Renamed[key] = renamed
		}
		value, _ := weights.GetKey(key)
		if err := ingested.Set(trees.ParseKey(renamed), value); err != nil {
			return nil, nil, errors.WithMessagef(err, "convert: renaming %q to %q", key, renamed)
		}
		report.Kept++
	}
	return ingested, report, nil
}

// ValidationError holds all the problems found by Validate.
type ValidationError struct {
	Problems []error
}

// Error implements error.
func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems)+1)
	parts = append(parts, fmt.Sprintf("%d problem(s) validating weights:", len(e.Problems)))
	for _, p := range e.Problems {
		parts = append(parts, "  "+p.Error())
	}
	return strings.Join(parts, "\n")
}

// Unwrap allows errors.Is to match any of the problems.
func (e *ValidationError) Unwrap() []error { return e.Problems }

// Validate checks that the weights hold exactly the parameters of the manifest (see vqpaella.Manifest),
// with the right shapes and as float32.
//
// All problems are collected and returned in a *ValidationError, wrapping ErrMissingParameter,
// ErrUnexpectedParameter or ErrShapeMismatch.
func Validate(weights *trees.Tree[*tensors.Tensor], manifest []vqpaella.Param) error {
	var problems []error
	expected := make(map[string]bool, len(manifest))
	for _, p := range manifest {
		expected[p.Key] = true
		t, found := weights.GetKey(p.Key)
		if !found {
			problems = append(problems, errors.Wrapf(ErrMissingParameter, "%q", p.Key))
			continue
		}
		if !slices.Equal(t.Shape().Dimensions, p.Dims) || t.DType() != dtypes.Float32 {
			problems = append(problems, errors.Wrapf(ErrShapeMismatch, "%q is %s, expected float32%v", p.Key, t.Shape(), p.Dims))
		}
	}
	for _, key := range weights.Keys() {
		if !expected[key] {
			problems = append(problems, errors.Wrapf(ErrUnexpectedParameter, "%q", key))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// LoadIntoContext validates the weights for the configuration and sets them as variables of ctx,
// under the scopes given by their dotted names.
func LoadIntoContext(ctx *context.Context, config vqpaella.Config, weights *trees.Tree[*tensors.Tensor]) error {
	manifest, err := vqpaella.Manifest(config)
	if err != nil {
		return err
	}
	if err = Validate(weights, manifest); err != nil {
		return err
	}
	return vqpaella.LoadWeights(ctx, weights)
}
