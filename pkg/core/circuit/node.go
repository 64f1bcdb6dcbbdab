// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package circuit defines the immutable, content-addressed tensor expression DAG ("circuit").
//
// A circuit is built bottom-up with the constructor functions (ArrayConstant, ScalarConstant, Symbol,
// Add, Einsum, Rearrange, Index, Scatter, Concat and GeneralFunction). Construction is the single
// validation point: constructors return a *ConstructionError if shapes, indices or specs are
// inconsistent, and once built a node never changes.
//
// Each node carries a content Hash, a pure function of its kind, its (canonicalized) parameters and
// its children's hashes. Structurally equal nodes hash equally regardless of how they were built,
// and equality is always defined by the hash. On top of that, equal nodes are interned: building a
// node equal to one that is still alive returns the existing *Node, so shared subgraphs share memory.
//
// Names (Node.Named) and named axes (Node.WithNamedAxes) are metadata: they are kept on the node for
// diagnostics but never participate in hashing or equality.
package circuit

import (
	"fmt"
	"maps"
	"math/big"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/circuitopt/pkg/core/shapes"
	"github.com/gomlx/exceptions"
)

// Params holds the kind-specific parameters of a Node. The concrete type depends on the Kind,
// e.g. *EinsumParams for KindEinsum. Use the Node.AsXXX accessors to get the typed version.
type Params interface {
	// Kind of node these parameters belong to.
	Kind() Kind

	// String prints a compact description of the parameters, used in tree dumps.
	String() string

	// inferShape validates the parameters against the children and returns the output shape.
	inferShape(children []*Node) (shapes.Shape, error)

	// writeHash feeds the parameters to the content hasher.
	writeHash(hs *hasher)
}

// Node is one immutable operation of a circuit.
//
// Nodes must only be created with the constructor functions of this package, and they are safe
// for concurrent use.
type Node struct {
	id        uint64
	params    Params
	children  []*Node
	shape     shapes.Shape
	hash      Hash
	name      string
	namedAxes map[int]string

	infoOnce sync.Once
	info     Info
}

// Info holds derived statistics of a node, computed lazily and cached.
type Info struct {
	// Numel is the number of elements: the product of the dimensions.
	Numel *big.Int

	// Rank of the node's shape.
	Rank int
}

// newNode validates params against children, and returns the interned node.
func newNode(params Params, children []*Node, name string, namedAxes map[int]string) (*Node, error) {
	for ii, child := range children {
		if child == nil {
			return nil, constructionErrorf(params.Kind(), "child #%d is nil", ii)
		}
	}
	shape, err := params.inferShape(children)
	if err != nil {
		return nil, err
	}
	n := &Node{
		params:    params,
		children:  children,
		shape:     shape,
		name:      name,
		namedAxes: namedAxes,
	}
	n.hash = hashOf(params, children)
	return intern(n), nil
}

func hashOf(params Params, children []*Node) Hash {
	hs := newHasher(params.Kind())
	params.writeHash(hs)
	hs.int(len(children))
	for _, child := range children {
		hs.hash(child.hash)
	}
	return hs.sum()
}

// Kind of the node.
func (n *Node) Kind() Kind { return n.params.Kind() }

// Params returns the kind-specific parameters. It should be treated as read-only.
func (n *Node) Params() Params { return n.params }

// Children of the node. The returned slice must not be modified.
func (n *Node) Children() []*Node { return n.children }

// NumChildren returns the number of children.
func (n *Node) NumChildren() int { return len(n.children) }

// Shape of the value computed by the node.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Rank of the node's shape.
func (n *Node) Rank() int { return n.shape.Rank() }

// Hash returns the content hash of the node.
func (n *Node) Hash() Hash { return n.hash }

// Name returns the name of the node, or "" if it has none.
func (n *Node) Name() string { return n.name }

// NamedAxes returns a copy of the names given to axes of the node, if any.
func (n *Node) NamedAxes() map[int]string { return maps.Clone(n.namedAxes) }

// Equal returns whether both nodes have the same content hash. Names are not considered.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	return n.hash == other.hash
}

// Info returns the lazily computed statistics of the node.
func (n *Node) Info() *Info {
	n.infoOnce.Do(func() {
		n.info = Info{Numel: n.shape.BigSize(), Rank: n.shape.Rank()}
	})
	return &n.info
}

// Numel returns a copy of the number of elements of the node.
func (n *Node) Numel() *big.Int {
	return new(big.Int).Set(n.Info().Numel)
}

// Named returns the node with the given name. Names are metadata and don't change the hash.
func (n *Node) Named(name string) *Node {
	if name == n.name {
		return n
	}
	return intern(n.copyWith(name, n.namedAxes))
}

// WithNamedAxes returns the node with the given axes names. Like names, they don't change the hash.
//
// It panics if an axis is out of range.
func (n *Node) WithNamedAxes(namedAxes map[int]string) *Node {
	for axis := range namedAxes {
		if axis < 0 || axis >= n.Rank() {
			exceptions.Panicf("WithNamedAxes: axis %d out of range for node %s of rank %d", axis, n, n.Rank())
		}
	}
	if len(namedAxes) == 0 {
		namedAxes = nil
	}
	return intern(n.copyWith(n.name, maps.Clone(namedAxes)))
}

func (n *Node) copyWith(name string, namedAxes map[int]string) *Node {
	return &Node{
		params:    n.params,
		children:  n.children,
		shape:     n.shape,
		hash:      n.hash,
		name:      name,
		namedAxes: namedAxes,
	}
}

// WithChildren reconstructs the node with the same parameters (and name) but new children,
// re-deriving shape and hash. It fails if the new children violate the parameters' constraints.
//
// If the new children are the same as the current ones, the node itself is returned.
func (n *Node) WithChildren(children []*Node) (*Node, error) {
	if len(children) != len(n.children) {
		return nil, constructionErrorf(n.Kind(), "WithChildren given %d children, node has %d", len(children), len(n.children))
	}
	same := true
	for ii, child := range children {
		if child != n.children[ii] {
			same = false
			break
		}
	}
	if same {
		return n, nil
	}
	return newNode(n.params, slices.Clone(children), n.name, n.namedAxes)
}

// MapChildren applies fn to each child and reconstructs the node with the results.
// See WithChildren.
func (n *Node) MapChildren(fn func(child *Node) (*Node, error)) (*Node, error) {
	if len(n.children) == 0 {
		return n, nil
	}
	newChildren := make([]*Node, len(n.children))
	for ii, child := range n.children {
		var err error
		newChildren[ii], err = fn(child)
		if err != nil {
			return nil, err
		}
	}
	return n.WithChildren(newChildren)
}

// String returns a one-line description of the node: kind, name, shape and parameters.
func (n *Node) String() string {
	var sb strings.Builder
	sb.WriteString(n.Kind().String())
	if n.name != "" {
		fmt.Fprintf(&sb, " %q", n.name)
	}
	sb.WriteString(" ")
	sb.WriteString(n.shape.String())
	if p := n.params.String(); p != "" {
		sb.WriteString(" ")
		sb.WriteString(p)
	}
	return sb.String()
}

// namedAxesString encodes the named axes deterministically, "" if there are none.
func namedAxesString(namedAxes map[int]string) string {
	if len(namedAxes) == 0 {
		return ""
	}
	axes := slices.Collect(maps.Keys(namedAxes))
	sort.Ints(axes)
	parts := make([]string, len(axes))
	for ii, axis := range axes {
		parts[ii] = fmt.Sprintf("%d:%s", axis, namedAxes[axis])
	}
	return strings.Join(parts, ",")
}
