// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
)

// ScatterElimIdentity replaces a Scatter that covers its whole output by its child.
func ScatterElimIdentity(n *circuit.Node) *circuit.Node {
	if !n.AsScatter().Index.IsIdentity(n.Shape()) {
		return nil
	}
	return n.Children()[0]
}

// ScatterFuse merges a Scatter of a Scatter into a single Scatter: the offsets add up.
func ScatterFuse(n *circuit.Node) *circuit.Node {
	child := n.Children()[0]
	inner := child.AsScatter()
	if inner == nil {
		return nil
	}
	outer := n.AsScatter()
	index := make(circuit.TensorIndex, len(outer.Index))
	for axis, ai := range outer.Index {
		index[axis] = circuit.Slice(ai.Start+inner.Index[axis].Start, ai.Start+inner.Index[axis].Stop)
	}
	return build(circuit.Scatter(child.Children()[0], index, outer.Dimensions...))
}

// ScatterMergeZero replaces the Scatter of a zero constant by a zero constant of the output shape.
func ScatterMergeZero(n *circuit.Node) *circuit.Node {
	if !n.Children()[0].IsScalarConstantValue(0) {
		return nil
	}
	return scalar(0, n.Shape().Dimensions)
}

// EinsumPullScatter pulls a Scatter operand out of an Einsum: the product is zero outside the scattered
// region, so the other operands are sliced to it, and the result is scattered along the output labels
// the region restricts.
func EinsumPullScatter(n *circuit.Node) *circuit.Node {
	args := n.EinsumArgs()
	pos := slices.IndexFunc(args, func(arg circuit.EinsumArg) bool {
		return arg.Node.Kind() == circuit.KindScatter && !hasRepeatedLabels(arg.Axes)
	})
	if pos < 0 {
		return nil
	}
	scattered := args[pos].Node
	p := scattered.AsScatter()
	ranges := make(map[int]circuit.AxisIndex)
	for axis, label := range args[pos].Axes {
		if ai := p.Index[axis]; !ai.IsFull(p.Dimensions[axis]) {
			ranges[label] = circuit.Slice(ai.Start, ai.Stop)
		}
	}
	if len(ranges) == 0 {
		return nil
	}
	for ii, arg := range args {
		if ii == pos {
			args[ii] = circuit.EinsumArg{Node: scattered.Children()[0], Axes: arg.Axes}
			continue
		}
		index := make(circuit.TensorIndex, len(arg.Axes))
		sliced := false
		for axis, label := range arg.Axes {
			index[axis] = circuit.Slice(0, arg.Node.Shape().Dimensions[axis])
			if r, found := ranges[label]; found {
				index[axis] = r
				sliced = true
			}
		}
		if sliced {
			args[ii] = circuit.EinsumArg{Node: build(circuit.Index(arg.Node, index)), Axes: arg.Axes}
		}
	}
	outputAxes := n.AsEinsum().OutputAxes
	product := build(circuit.Einsum(args, outputAxes))
	dims := n.Shape().Dimensions
	index := make(circuit.TensorIndex, len(dims))
	restricted := false
	for axis, label := range outputAxes {
		index[axis] = circuit.Slice(0, dims[axis])
		if r, found := ranges[label]; found {
			index[axis] = r
			restricted = true
		}
	}
	if !restricted {
		return product
	}
	return build(circuit.Scatter(product, index, dims...))
}

// hasRepeatedLabels returns whether some label appears more than once.
func hasRepeatedLabels(labels []int) bool {
	for ii, label := range labels {
		if slices.Contains(labels[:ii], label) {
			return true
		}
	}
	return false
}
