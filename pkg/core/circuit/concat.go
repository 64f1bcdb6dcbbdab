// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"fmt"
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/shapes"
)

// ConcatParams of a Concat node.
type ConcatParams struct {
	Axis int
}

func (p *ConcatParams) Kind() Kind           { return KindConcat }
func (p *ConcatParams) String() string       { return fmt.Sprintf("%d", p.Axis) }
func (p *ConcatParams) writeHash(hs *hasher) { hs.int(p.Axis) }

func (p *ConcatParams) inferShape(children []*Node) (shapes.Shape, error) {
	if len(children) == 0 {
		return shapes.Shape{}, constructionErrorf(KindConcat, "requires at least one child")
	}
	first := children[0].Shape()
	if p.Axis < 0 || p.Axis >= first.Rank() {
		return shapes.Shape{}, constructionErrorf(KindConcat, "axis %d out of range for rank %d", p.Axis, first.Rank())
	}
	dims := slices.Clone(first.Dimensions)
	dims[p.Axis] = 0
	for ii, child := range children {
		shape := child.Shape()
		if shape.Rank() != first.Rank() {
			return shapes.Shape{}, constructionErrorf(KindConcat, "child #%d has shape %s, incompatible rank with %s", ii, shape, first)
		}
		for axis, dim := range shape.Dimensions {
			if axis != p.Axis && dim != first.Dimensions[axis] {
				return shapes.Shape{}, constructionErrorf(KindConcat, "child #%d has shape %s, incompatible with %s on axis %d",
					ii, shape, first, axis)
			}
		}
		dims[p.Axis] += shape.Dimensions[p.Axis]
	}
	return shapes.Make(dims...), nil
}

// Concat creates the concatenation of the nodes along axis. Negative axes count from the end.
func Concat(axis int, nodes ...*Node) (*Node, error) {
	if len(nodes) == 0 {
		return nil, constructionErrorf(KindConcat, "requires at least one child")
	}
	if nodes[0] == nil {
		return nil, constructionErrorf(KindConcat, "child #0 is nil")
	}
	if axis < 0 {
		axis += nodes[0].Rank()
	}
	return newNode(&ConcatParams{Axis: axis}, slices.Clone(nodes), "", nil)
}

// AsConcat returns the parameters if n is a Concat, nil otherwise.
func (n *Node) AsConcat() *ConcatParams {
	p, _ := n.params.(*ConcatParams)
	return p
}

// ConcatStarts returns the start position, along the concat axis, of each child, plus the total
// size as the last element.
func (n *Node) ConcatStarts() []int {
	p := n.AsConcat()
	if p == nil {
		return nil
	}
	starts := make([]int, len(n.children)+1)
	for ii, child := range n.children {
		starts[ii+1] = starts[ii] + child.Shape().Dimensions[p.Axis]
	}
	return starts
}
