// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
)

// ConcatElimIdentity replaces a Concat of a single operand by the operand.
func ConcatElimIdentity(n *circuit.Node) *circuit.Node {
	if n.NumChildren() != 1 {
		return nil
	}
	return n.Children()[0]
}

// ConcatMergeUniform replaces a Concat of ScalarConstants that all have the same value by one
// ScalarConstant.
func ConcatMergeUniform(n *circuit.Node) *circuit.Node {
	first := n.Children()[0].AsScalarConstant()
	if first == nil {
		return nil
	}
	for _, child := range n.Children()[1:] {
		if !child.IsScalarConstantValue(first.Value) {
			return nil
		}
	}
	return scalar(first.Value, n.Shape().Dimensions)
}

// ConcatDropSizeZero removes operands that are empty along the concatenated axis.
func ConcatDropSizeZero(n *circuit.Node) *circuit.Node {
	axis := n.AsConcat().Axis
	kept := slices.DeleteFunc(slices.Clone(n.Children()), func(c *circuit.Node) bool {
		return c.Shape().Dimensions[axis] == 0
	})
	if len(kept) == n.NumChildren() {
		return nil
	}
	if len(kept) == 0 {
		if n.NumChildren() == 1 {
			return nil
		}
		kept = n.Children()[:1]
	}
	return build(circuit.Concat(axis, kept...))
}

// ConcatFuse inlines operands that are Concats along the same axis. It returns nil if n is not a Concat.
func ConcatFuse(n *circuit.Node) *circuit.Node {
	p := n.AsConcat()
	if p == nil {
		return nil
	}
	axis := p.Axis
	sameAxis := func(c *circuit.Node) bool {
		cp := c.AsConcat()
		return cp != nil && cp.Axis == axis
	}
	if !slices.ContainsFunc(n.Children(), sameAxis) {
		return nil
	}
	var operands []*circuit.Node
	for _, child := range n.Children() {
		if sameAxis(child) {
			operands = append(operands, child.Children()...)
		} else {
			operands = append(operands, child)
		}
	}
	return build(circuit.Concat(axis, operands...))
}

// ConcatRepeatToRearrange replaces the Concat of several copies of the same node by a Rearrange that
// repeats it.
func ConcatRepeatToRearrange(n *circuit.Node) *circuit.Node {
	if n.NumChildren() < 2 {
		return nil
	}
	first := n.Children()[0]
	for _, child := range n.Children()[1:] {
		if child.Hash() != first.Hash() {
			return nil
		}
	}
	axis := n.AsConcat().Axis
	rank := first.Rank()
	repeatID := rank
	spec := circuit.RearrangeSpec{
		Input:  make([][]int, rank),
		Output: make([][]int, rank),
		Sizes:  map[int]int{repeatID: n.NumChildren()},
	}
	for ii := range rank {
		spec.Input[ii] = []int{ii}
		spec.Output[ii] = []int{ii}
	}
	// The copy number is the major part of the concatenated axis.
	spec.Output[axis] = []int{repeatID, axis}
	return build(circuit.Rearrange(first, spec))
}
