// Package convert ingests Paella VQ checkpoints (original training checkpoints or diffusers pipelines),
// renames their parameters to the diffusers names, validates them against the model structure and writes
// diffusers style pipeline directories.
package convert

import (
	"os"
	"regexp"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RenameTable maps checkpoint parameter names to the names used by the model.
//
// Rules are applied in order: exact Renames first, then the first matching of the Patterns. A key
// matching any of the Drop expressions is ignored, tested on the name after renaming.
type RenameTable struct {
	Renames  map[string]string `yaml:"renames,omitempty"`
	Patterns []PatternRule     `yaml:"patterns,omitempty"`
	Drop     []string          `yaml:"drop,omitempty"`

	patterns []*regexp.Regexp
	drop     []*regexp.Regexp
}

// PatternRule renames keys matching the regular expression Match to Replace, which can refer to
// the sub-matches as in regexp.Regexp.ReplaceAllString (e.g. "$1").
type PatternRule struct {
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
}

// defaultTable converts the original Paella training checkpoints (vqgan_f4_v1_500k.pt) to the diffusers names.
const defaultTable = `
renames:
  vquantizer.codebook.weight: vquantizer.embedding.weight
drop:
  - '\.num_batches_tracked$'
`

// DefaultRenameTable returns the table for the original Paella checkpoints. It's a no-op for diffusers checkpoints,
// except for dropping the batch normalization counters.
func DefaultRenameTable() *RenameTable {
	table, err := ParseRenameTable([]byte(defaultTable))
	if err != nil {
		panic(err)
	}
	return table
}

// ParseRenameTable parses a YAML rename table.
func ParseRenameTable(contents []byte) (*RenameTable, error) {
	table := &RenameTable{}
	if err := yaml.Unmarshal(contents, table); err != nil {
		return nil, errors.Wrap(err, "failed to parse rename table")
	}
	if err := table.Compile(); err != nil {
		return nil, err
	}
	return table, nil
}

// LoadRenameTable reads a YAML rename table from path.
func LoadRenameTable(path string) (*RenameTable, error) {
	path = data.ReplaceTildeInDir(path)
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read rename table %q", path)
	}
	table, err := ParseRenameTable(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "rename table %q", path)
	}
	return table, nil
}

// Compile the regular expressions of the table. Tables returned by ParseRenameTable are already compiled,
// tables built as literals must be compiled before use.
func (t *RenameTable) Compile() error {
	t.patterns = make([]*regexp.Regexp, len(t.Patterns))
	for i, rule := range t.Patterns {
		re, err := regexp.Compile(rule.Match)
		if err != nil {
			return errors.Wrapf(err, "invalid pattern %q", rule.Match)
		}
		t.patterns[i] = re
	}
	t.drop = make([]*regexp.Regexp, len(t.Drop))
	for i, expr := range t.Drop {
		re, err := regexp.Compile(expr)
		if err != nil {
			return errors.Wrapf(err, "invalid drop expression %q", expr)
		}
		t.drop[i] = re
	}
	return nil
}

func (t *RenameTable) compiled() bool {
	return len(t.patterns) == len(t.Patterns) && len(t.drop) == len(t.Drop)
}

// Apply returns the new name for key, and whether it should be dropped. The table must be compiled.
func (t *RenameTable) Apply(key string) (renamed string, drop bool) {
	renamed = key
	if newKey, found := t.Renames[key]; found {
		renamed = newKey
	} else {
		for i, re := range t.patterns {
			if re.MatchString(key) {
				renamed = re.ReplaceAllString(key, t.Patterns[i].Replace)
				break
			}
		}
	}
	for _, re := range t.drop {
		if re.MatchString(renamed) {
			return renamed, true
		}
	}
	return renamed, false
}
