// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/shapes"
	"github.com/gomlx/circuitopt/pkg/support/xslices"
)

// broadcastShape returns the broadcast shape of the nodes, and false if they are not compatible.
func broadcastShape(nodes []*circuit.Node) (shapes.Shape, bool) {
	shape, err := shapes.Broadcast(xslices.Map(nodes, (*circuit.Node).Shape)...)
	return shape, err == nil
}

// AddElimFewInput replaces an Add of no operands by a zero, and an Add of a single operand of the same
// shape by the operand.
func AddElimFewInput(n *circuit.Node) *circuit.Node {
	switch n.NumChildren() {
	case 0:
		return scalar(0, n.Shape().Dimensions)
	case 1:
		return n.Children()[0]
	}
	return nil
}

// AddFlattenOnce inlines the operands of Add operands: Add(Add(a, b), c) -> Add(a, b, c).
func AddFlattenOnce(n *circuit.Node) *circuit.Node {
	if !slices.ContainsFunc(n.Children(), func(c *circuit.Node) bool { return c.Kind() == circuit.KindAdd }) {
		return nil
	}
	var operands []*circuit.Node
	for _, child := range n.Children() {
		if child.Kind() == circuit.KindAdd {
			operands = append(operands, child.Children()...)
		} else {
			operands = append(operands, child)
		}
	}
	return build(circuit.Add(operands...))
}

// AddElimZeros removes zero ScalarConstant operands. If they are needed to keep the broadcast shape,
// a single zero of the full shape is kept.
func AddElimZeros(n *circuit.Node) *circuit.Node {
	var (
		remaining []*circuit.Node
		numZeros  int
	)
	for _, child := range n.Children() {
		if child.IsScalarConstantValue(0) {
			numZeros++
		} else {
			remaining = append(remaining, child)
		}
	}
	if numZeros == 0 {
		return nil
	}
	if len(remaining) == 0 {
		return scalar(0, n.Shape().Dimensions)
	}
	if shape, _ := broadcastShape(remaining); shape.Equal(n.Shape()) {
		return build(circuit.Add(remaining...))
	}
	if numZeros == 1 {
		return nil
	}
	return build(circuit.Add(append(remaining, scalar(0, n.Shape().Dimensions))...))
}

// AddCollapseScalarInputs merges all ScalarConstant operands into one, placed where the first was.
func AddCollapseScalarInputs(n *circuit.Node) *circuit.Node {
	var (
		constants []*circuit.Node
		first     = -1
	)
	for ii, child := range n.Children() {
		if child.Kind() == circuit.KindScalarConstant {
			if first < 0 {
				first = ii
			}
			constants = append(constants, child)
		}
	}
	if len(constants) < 2 {
		return nil
	}
	shape, ok := broadcastShape(constants)
	if !ok {
		return nil
	}
	var sum float64
	for _, c := range constants {
		sum += c.AsScalarConstant().Value
	}
	merged := scalar(sum, shape.Dimensions)
	var operands []*circuit.Node
	for ii, child := range n.Children() {
		if ii == first {
			operands = append(operands, merged)
		} else if child.Kind() != circuit.KindScalarConstant {
			operands = append(operands, child)
		}
	}
	return build(circuit.Add(operands...))
}

// AddDeduplicate replaces repeated operands by a single scaled reference:
// Add(x, y, x) -> Add(Einsum(x, 2), y).
func AddDeduplicate(n *circuit.Node) *circuit.Node {
	counts := make(map[circuit.Hash]int, n.NumChildren())
	hasRepeats := false
	for _, child := range n.Children() {
		counts[child.Hash()]++
		if counts[child.Hash()] > 1 {
			hasRepeats = true
		}
	}
	if !hasRepeats {
		return nil
	}
	var operands []*circuit.Node
	done := make(map[circuit.Hash]bool, len(counts))
	for _, child := range n.Children() {
		h := child.Hash()
		if done[h] {
			continue
		}
		done[h] = true
		if counts[h] == 1 {
			operands = append(operands, child)
			continue
		}
		labels := xslices.Iota(0, child.Rank())
		factor := scalar(float64(counts[h]), nil)
		operands = append(operands, build(circuit.Einsum(
			[]circuit.EinsumArg{{Node: child, Axes: labels}, {Node: factor}}, labels)))
	}
	return build(circuit.Add(operands...))
}

// AddPullRemovableAxes pulls out the axes along which every operand is constant (see removableAxes):
// Add(x[3], 2[4,3]) -> repeat(Add(x, 2[3]), 4). If there are none, it turns ScalarConstant operands
// into rank-0 scalars, when the broadcast shape of the Add is not affected.
func AddPullRemovableAxes(n *circuit.Node) *circuit.Node {
	if pulled := addPullCommonAxes(n); pulled != nil {
		return pulled
	}
	operands := slices.Clone(n.Children())
	changed := false
	for ii, child := range operands {
		if child.Kind() != circuit.KindScalarConstant || child.Rank() == 0 {
			continue
		}
		operands[ii] = scalar(child.AsScalarConstant().Value, nil)
		if shape, _ := broadcastShape(operands); !shape.Equal(n.Shape()) {
			operands[ii] = child
			continue
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return build(circuit.Add(operands...))
}

// AddPullScatter pulls Scatter operands out of an Add: if every operand is a Scatter into the full
// shape of the Add, and together they only cover a strict sub-box of it, the Add is computed only on
// the bounding box and then scattered.
func AddPullScatter(n *circuit.Node) *circuit.Node {
	if n.NumChildren() < 2 {
		return nil
	}
	dims := n.Shape().Dimensions
	for _, child := range n.Children() {
		if child.Kind() != circuit.KindScatter || !slices.Equal(child.Shape().Dimensions, dims) {
			return nil
		}
	}
	// Bounding box.
	starts := slices.Clone(dims)
	stops := make([]int, len(dims))
	for _, child := range n.Children() {
		for axis, ai := range child.AsScatter().Index {
			starts[axis] = min(starts[axis], ai.Start)
			stops[axis] = max(stops[axis], ai.Stop)
		}
	}
	smaller := false
	for axis := range dims {
		if stops[axis] < starts[axis] {
			stops[axis] = starts[axis]
		}
		if starts[axis] > 0 || stops[axis] < dims[axis] {
			smaller = true
		}
	}
	if !smaller {
		return nil
	}
	boxDims := make([]int, len(dims))
	boxIndex := make(circuit.TensorIndex, len(dims))
	for axis := range dims {
		boxDims[axis] = stops[axis] - starts[axis]
		boxIndex[axis] = circuit.Slice(starts[axis], stops[axis])
	}
	operands := make([]*circuit.Node, n.NumChildren())
	for ii, child := range n.Children() {
		p := child.AsScatter()
		relative := make(circuit.TensorIndex, len(dims))
		for axis, ai := range p.Index {
			relative[axis] = circuit.Slice(ai.Start-starts[axis], ai.Stop-starts[axis])
		}
		operands[ii] = build(circuit.Scatter(child.Children()[0], relative, boxDims...))
	}
	return build(circuit.Scatter(build(circuit.Add(operands...)), boxIndex, dims...))
}
