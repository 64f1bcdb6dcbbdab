// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
)

// RearrangeElimIdentity replaces a Rearrange that doesn't change its input by the input.
func RearrangeElimIdentity(n *circuit.Node) *circuit.Node {
	child := n.Children()[0]
	if !n.AsRearrange().IsIdentity(child.Shape()) {
		return nil
	}
	return child
}

// RearrangeFusePermutes fuses a Rearrange of a Rearrange into one, when the outer one doesn't split
// axes (each of its input groups has at most one id). The outer ids are replaced by the inner output
// groups they stand for.
func RearrangeFusePermutes(n *circuit.Node) *circuit.Node {
	child := n.Children()[0]
	inner := child.AsRearrange()
	if inner == nil {
		return nil
	}
	outer := n.AsRearrange()
	for _, group := range outer.Input {
		if len(group) > 1 {
			return nil
		}
	}

	// Sizes of the fused spec: the inner ids keep their ids, the outer repeated ids get new ones.
	spec := circuit.RearrangeSpec{Input: inner.Spec().Input, Sizes: make(map[int]int)}
	for id, size := range inner.Sizes {
		spec.Sizes[id] = size
	}
	outerToInner := make(map[int][]int)
	for axis, group := range outer.Input {
		if len(group) == 1 {
			outerToInner[group[0]] = inner.Output[axis]
		}
	}
	nextID := len(inner.Sizes)
	for _, group := range outer.Output {
		var fused []int
		for _, id := range group {
			if innerIDs, found := outerToInner[id]; found {
				fused = append(fused, innerIDs...)
				continue
			}
			spec.Sizes[nextID] = outer.Sizes[id]
			fused = append(fused, nextID)
			nextID++
		}
		spec.Output = append(spec.Output, fused)
	}
	// Inner ids that are dropped (they all have size 1) are simply not in the output.
	return build(circuit.Rearrange(child.Children()[0], spec))
}

// RearrangeMergeScalar replaces a Rearrange of a ScalarConstant by a ScalarConstant of the output shape.
func RearrangeMergeScalar(n *circuit.Node) *circuit.Node {
	c := n.Children()[0].AsScalarConstant()
	if c == nil {
		return nil
	}
	return scalar(c.Value, n.Shape().Dimensions)
}

// PermuteOfEinsumMerge merges an axes permutation of an Einsum into the Einsum's output labels.
func PermuteOfEinsumMerge(n *circuit.Node) *circuit.Node {
	child := n.Children()[0]
	ep := child.AsEinsum()
	if ep == nil {
		return nil
	}
	perm, ok := n.AsRearrange().Permutation()
	if !ok {
		return nil
	}
	outputAxes := make([]int, len(perm))
	for j, from := range perm {
		outputAxes[j] = ep.OutputAxes[from]
	}
	if slices.Equal(outputAxes, ep.OutputAxes) {
		return nil
	}
	return build(circuit.Einsum(child.EinsumArgs(), outputAxes))
}
