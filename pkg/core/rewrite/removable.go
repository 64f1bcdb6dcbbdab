// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/support/sets"
	"github.com/gomlx/circuitopt/pkg/support/xslices"
)

// removableAxes returns the axes along which n is constant, and that removeAxes can drop without
// computing anything: all the axes of a ScalarConstant, and the purely repeated output axes (of
// dimension > 1) of a Rearrange.
func removableAxes(n *circuit.Node) []int {
	if n.Kind() == circuit.KindScalarConstant {
		return xslices.Iota(0, n.Rank())
	}
	r := n.AsRearrange()
	if r == nil {
		return nil
	}
	inputIDs := sets.MakeWith(r.InputIDs()...)
	var axes []int
	for axis, group := range r.Output {
		if n.Shape().Dimensions[axis] > 1 && !slices.ContainsFunc(group, inputIDs.Has) {
			axes = append(axes, axis)
		}
	}
	return axes
}

// removeAxes returns n without the given axes, which must be removable (see removableAxes).
func removeAxes(n *circuit.Node, axes []int) *circuit.Node {
	if len(axes) == 0 {
		return n
	}
	if p := n.AsScalarConstant(); p != nil {
		return scalar(p.Value, withoutAxes(n.Shape().Dimensions, axes))
	}
	r := n.AsRearrange()
	spec := r.Spec()
	for _, axis := range axes {
		for _, id := range spec.Output[axis] {
			delete(spec.Sizes, id)
		}
	}
	spec.Output = withoutAxes(spec.Output, axes)
	child := n.Children()[0]
	result := build(circuit.Rearrange(child, spec))
	if result.AsRearrange().IsIdentity(child.Shape()) {
		return child
	}
	return result
}

// withoutAxes returns a copy of values without the elements at the given (sorted) positions.
func withoutAxes[T any](values []T, axes []int) []T {
	result := make([]T, 0, len(values))
	for ii, v := range values {
		if !slices.Contains(axes, ii) {
			result = append(result, v)
		}
	}
	return result
}

// restoreAxes inserts repeated axes into n at the given (sorted) positions of the output, whose
// dimensions are given by dims.
func restoreAxes(n *circuit.Node, axes []int, dims []int) *circuit.Node {
	if len(axes) == 0 {
		return n
	}
	spec := circuit.RearrangeSpec{
		Input:  make([][]int, n.Rank()),
		Output: make([][]int, len(dims)),
		Sizes:  make(map[int]int, len(axes)),
	}
	for axis := range n.Rank() {
		spec.Input[axis] = []int{axis}
	}
	inputAxis, nextID := 0, n.Rank()
	for axis, dim := range dims {
		if slices.Contains(axes, axis) {
			spec.Output[axis] = []int{nextID}
			spec.Sizes[nextID] = dim
			nextID++
			continue
		}
		spec.Output[axis] = []int{inputAxis}
		inputAxis++
	}
	return build(circuit.Rearrange(n, spec))
}

// addPullCommonAxes pulls out of the Add the axes that are removable in every operand that has them:
// the sum is computed without them, and then repeated.
func addPullCommonAxes(n *circuit.Node) *circuit.Node {
	dims := n.Shape().Dimensions
	rank := len(dims)
	removable := xslices.Map(n.Children(), func(c *circuit.Node) sets.Set[int] {
		return sets.MakeWith(removableAxes(c)...)
	})
	var pulled []int
	for axis, dim := range dims {
		if dim <= 1 {
			continue
		}
		common := true
		for ii, child := range n.Children() {
			offset := rank - child.Rank()
			if axis >= offset && !removable[ii].Has(axis-offset) {
				common = false
				break
			}
		}
		if common {
			pulled = append(pulled, axis)
		}
	}
	if len(pulled) == 0 {
		return nil
	}
	operands := make([]*circuit.Node, n.NumChildren())
	for ii, child := range n.Children() {
		offset := rank - child.Rank()
		var local []int
		for _, axis := range pulled {
			if axis >= offset {
				local = append(local, axis-offset)
			}
		}
		operands[ii] = removeAxes(child, local)
	}
	return restoreAxes(build(circuit.Add(operands...)), pulled, dims)
}

// EinsumPullRemovableAxes removes the removable axes of the operands. Labels left without any operand
// are either repeated in the output, or, if contracted, become a constant factor of their size.
func EinsumPullRemovableAxes(n *circuit.Node) *circuit.Node {
	p := n.AsEinsum()
	args := n.EinsumArgs()
	changed := false
	for ii, arg := range args {
		axes := removableAxes(arg.Node)
		if len(axes) == 0 {
			continue
		}
		args[ii] = circuit.EinsumArg{Node: removeAxes(arg.Node, axes), Axes: withoutAxes(arg.Axes, axes)}
		changed = true
	}
	if !changed {
		return nil
	}
	labelSizes := make(map[int]int)
	for _, arg := range n.EinsumArgs() {
		for axis, label := range arg.Axes {
			labelSizes[label] = arg.Node.Shape().Dimensions[axis]
		}
	}
	present := sets.Make[int]()
	for _, arg := range args {
		present.Insert(arg.Axes...)
	}
	var (
		outputAxes, restored []int
		factor               = 1.0
	)
	for axis, label := range p.OutputAxes {
		if present.Has(label) {
			outputAxes = append(outputAxes, label)
		} else {
			restored = append(restored, axis)
		}
	}
	for _, label := range xslices.SortedKeys(labelSizes) {
		if !present.Has(label) && !slices.Contains(p.OutputAxes, label) {
			factor *= float64(labelSizes[label])
		}
	}
	if factor != 1 {
		args = append(args, circuit.EinsumArg{Node: scalar(factor, nil)})
	}
	return restoreAxes(build(circuit.Einsum(args, outputAxes)), restored, n.Shape().Dimensions)
}

// ConcatPullRemovableAxes pulls out of the Concat the axes (other than the concatenated one) that are
// removable in every operand.
func ConcatPullRemovableAxes(n *circuit.Node) *circuit.Node {
	concatAxis := n.AsConcat().Axis
	dims := n.Shape().Dimensions
	removable := xslices.Map(n.Children(), func(c *circuit.Node) sets.Set[int] {
		return sets.MakeWith(removableAxes(c)...)
	})
	var pulled []int
	for axis, dim := range dims {
		if axis == concatAxis || dim <= 1 {
			continue
		}
		if !slices.ContainsFunc(removable, func(s sets.Set[int]) bool { return !s.Has(axis) }) {
			pulled = append(pulled, axis)
		}
	}
	if len(pulled) == 0 {
		return nil
	}
	operands := xslices.Map(n.Children(), func(c *circuit.Node) *circuit.Node { return removeAxes(c, pulled) })
	return restoreAxes(build(circuit.Concat(concatAxis-countBelow(pulled, concatAxis), operands...)), pulled, dims)
}

// countBelow returns how many of the axes are smaller than axis.
func countBelow(axes []int, axis int) int {
	count := 0
	for _, a := range axes {
		if a < axis {
			count++
		}
	}
	return count
}

// GeneralFunctionPullRemovableAxes pulls the removable batch axes of the operand out of a
// single-operand GeneralFunction that preserves the shape: the function is applied once and the
// result repeated.
func GeneralFunctionPullRemovableAxes(n *circuit.Node) *circuit.Node {
	spec := n.AsGeneralFunction().Spec
	if n.NumChildren() != 1 || spec.InferShape != nil {
		return nil
	}
	child := n.Children()[0]
	numBatch := child.Rank() - spec.NumNonBatchable
	axes := slices.DeleteFunc(removableAxes(child), func(axis int) bool {
		return axis >= numBatch || child.Shape().Dimensions[axis] <= 1
	})
	if len(axes) == 0 {
		return nil
	}
	return restoreAxes(build(circuit.GeneralFunction(spec, removeAxes(child, axes))), axes, n.Shape().Dimensions)
}

// ScatterPullRemovableAxes pulls out of the Scatter the removable axes of its operand along which the
// Scatter covers the whole output.
func ScatterPullRemovableAxes(n *circuit.Node) *circuit.Node {
	p := n.AsScatter()
	child := n.Children()[0]
	axes := slices.DeleteFunc(removableAxes(child), func(axis int) bool {
		return p.Dimensions[axis] <= 1 || !p.Index[axis].IsFull(p.Dimensions[axis])
	})
	if len(axes) == 0 {
		return nil
	}
	scattered := build(circuit.Scatter(removeAxes(child, axes), withoutAxes(p.Index, axes), withoutAxes(p.Dimensions, axes)...))
	return restoreAxes(scattered, axes, p.Dimensions)
}
