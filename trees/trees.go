// Package trees holds model weights (or anything else) organized by path, as parallel to the
// nested module structure of a PyTorch state dictionary.
//
// A PyTorch key like "down_blocks.3.1.running_mean" is the path {"down_blocks", "3", "1", "running_mean"}.
package trees

import (
	"fmt"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"iter"
	"strings"
)

// Node is either a Value or a Map of its children -- but not both.
type Node[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*Node[T]
}

func (n *Node[T]) IsLeaf() bool { return n.Map == nil }

// Tree holds the root node of the structure and provides the methods of access.
//
// T is the type of the leaf nodes.
type Tree[T any] struct {
	Root *Node[T] // The root node is always a map.
}

// Path from the root node to a node.
type Path []string

// KeySeparator separates the path elements in a PyTorch style key.
const KeySeparator = "."

// ParseKey splits a dotted key ("up_blocks.0.0.weight") into a Path. Empty elements are dropped.
func ParseKey(key string) Path {
	return slices.DeleteFunc(strings.Split(key, KeySeparator), func(s string) bool { return s == "" })
}

// Key returns the path joined with KeySeparator, the PyTorch state dictionary form.
func (p Path) Key() string { return strings.Join(p, KeySeparator) }

// Parent returns the path without its last element, and the last element.
func (p Path) Parent() (Path, string) {
	if len(p) == 0 {
		return nil, ""
	}
	return p[:len(p)-1], p[len(p)-1]
}

// New creates a new empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{
		Root: NewMapNode[T](),
	}
}

// NewMapNode creates a new node that is Map, empty.
func NewMapNode[T any]() *Node[T] {
	return &Node[T]{Map: make(map[string]*Node[T])}
}

// NewLeafNode creates a new leaf node with the given value.
func NewLeafNode[T any](value T) *Node[T] {
	return &Node[T]{Value: value}
}

// FromKeys creates a tree from a map of dotted keys to values.
func FromKeys[T any](values map[string]T) (*Tree[T], error) {
	tree := New[T]()
	for _, key := range xslices.SortedKeys(values) {
		if err := tree.Set(ParseKey(key), values[key]); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// Set value in treePath, populating intermediary nodes where needed.
//
// It returns an error if the path is empty, or if one is trying to set the value to an existing non-leaf node:
// nodes can either be a leaf or a Map (non-leaf), but not both.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	if len(treePath) == 0 {
		var t T
		return errors.Errorf("trees.Tree[%T].Set() with empty path", t)
	}
	node := tree.Root
	for ii, pathElement := range treePath {
		if node.IsLeaf() {
			var t T
			return errors.Errorf("trees.Tree[%T].Set(%q) trying to create a path using an existing leaf node (%q) as a non-leaf node",
				t, treePath, treePath[:ii])
		}
		next := node.Map[pathElement]
		if next == nil {
			if ii == len(treePath)-1 {
				next = NewLeafNode[T](value)
			} else {
				next = NewMapNode[T]()
			}
			node.Map[pathElement] = next
		}
		node = next
	}
	if !node.IsLeaf() {
		var t T
		return errors.Errorf("trees.Tree[%T].Set(%q) trying to set the value to a non-leaf node -- each node can either be a leaf node, or be a structural map of the tree",
			t, treePath)
	}
	node.Value = value
	return nil
}

// Get returns the leaf value at treePath, and whether it was found.
func (tree *Tree[T]) Get(treePath Path) (value T, found bool) {
	node := tree.node(treePath)
	if node == nil || !node.IsLeaf() {
		return
	}
	return node.Value, true
}

// GetKey is like Get, but takes a dotted key.
func (tree *Tree[T]) GetKey(key string) (value T, found bool) {
	return tree.Get(ParseKey(key))
}

func (tree *Tree[T]) node(treePath Path) *Node[T] {
	node := tree.Root
	for _, pathElement := range treePath {
		if node.IsLeaf() {
			return nil
		}
		node = node.Map[pathElement]
		if node == nil {
			return nil
		}
	}
	return node
}

// Delete removes the leaf at treePath, pruning intermediary nodes left empty.
// It returns whether a leaf was removed.
func (tree *Tree[T]) Delete(treePath Path) bool {
	if len(treePath) == 0 {
		return false
	}
	parentPath, name := treePath.Parent()
	parent := tree.node(parentPath)
	if parent == nil || parent.IsLeaf() {
		return false
	}
	child, found := parent.Map[name]
	if !found || !child.IsLeaf() {
		return false
	}
	delete(parent.Map, name)
	for len(parent.Map) == 0 && len(parentPath) > 0 {
		parentPath, name = parentPath.Parent()
		parent = tree.node(parentPath)
		delete(parent.Map, name)
	}
	return true
}

// Move the leaf at from to the path to. It fails if from is not a leaf or if to already exists.
func (tree *Tree[T]) Move(from, to Path) error {
	value, found := tree.Get(from)
	if !found {
		return errors.Errorf("trees.Tree.Move(%q, %q): source is not a leaf of the tree", from.Key(), to.Key())
	}
	if tree.node(to) != nil {
		return errors.Errorf("trees.Tree.Move(%q, %q): destination already exists", from.Key(), to.Key())
	}
	if err := tree.Set(to, value); err != nil {
		return errors.WithMessagef(err, "trees.Tree.Move(%q, %q)", from.Key(), to.Key())
	}
	tree.Delete(from)
	return nil
}

// String implements fmt.String
func (tree *Tree[T]) String() string {
	var parts []string
	parts = nodeToString(parts, "/", tree.Root, 0)
	return strings.Join(parts, "\n") + "\n"
}

func nodeToString[T any](parts []string, name string, subTree *Node[T], indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	indent++
	if subTree.IsLeaf() {
		var valueAny any = subTree.Value
		if valueStr, ok := valueAny.(fmt.Stringer); ok {
			return append(parts, fmt.Sprintf("%s%q: %s", indentSpaces, name, valueStr))
		}
		return append(parts, fmt.Sprintf("%s%q: %v", indentSpaces, name, subTree.Value))
	}
	parts = append(parts, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for _, key := range xslices.SortedKeys(subTree.Map) {
		parts = nodeToString(parts, key, subTree.Map[key], indent)
	}
	parts = append(parts, fmt.Sprintf("%s}", indentSpaces))
	return parts
}

// Map converts a Tree[T1] to a Tree[T2] by calling mapFn at every element.
func Map[T1, T2 any](tree1 *Tree[T1], mapFn func(Path, T1) T2) *Tree[T2] {
	tree2 := New[T2]()
	for p, t1 := range tree1.Leaves() {
		err := tree2.Set(p, mapFn(p, t1))
		if err != nil {
			// Should never happen, since there can be no errors duplicating the structure of an existing valid tree.
			panic(err)
		}
	}
	return tree2
}

// Leaves returns an iterator that goes over all the leaf nodes of the Tree, in no particular order.
func (tree *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, false, yield)
	}
}

// OrderedLeaves is like Leaves, but in alphabetical order of the tree nodes (depth-first).
//
// Notice the order is lexicographic per path element, so "10" comes before "2".
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, true, yield)
	}
}

// NumLeaves traverses the trees and returns the number of leaf nodes.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.Leaves() {
		count++
	}
	return count
}

// Keys returns the sorted dotted keys of all leaves.
func (tree *Tree[T]) Keys() []string {
	keys := make([]string, 0, tree.NumLeaves())
	for p := range tree.Leaves() {
		keys = append(keys, p.Key())
	}
	slices.Sort(keys)
	return keys
}

func recursiveLeaves[T any](treePath Path, node *Node[T], ordered bool, yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		if len(treePath) == 0 {
			// Empty tree: the root is a map with no children.
			return true
		}
		return yield(slices.Clone(treePath), node.Value)
	}
	if ordered {
		for _, key := range xslices.SortedKeys(node.Map) {
			if !recursiveLeaves(append(treePath, key), node.Map[key], ordered, yield) {
				return false
			}
		}
		return true
	}
	// Usual range over map, non-deterministic.
	for key, subNode := range node.Map {
		if !recursiveLeaves(append(treePath, key), subNode, ordered, yield) {
			return false
		}
	}
	return true
}

// ValuesAsList extracts the leaf values of Tree into a list, in the order of OrderedLeaves.
func ValuesAsList[T any](tree *Tree[T]) []T {
	results := make([]T, 0, tree.NumLeaves())
	for _, value := range tree.OrderedLeaves() {
		results = append(results, value)
	}
	return results
}
