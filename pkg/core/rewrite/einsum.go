// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
)

// EinsumElimZero replaces an Einsum with a zero operand by a zero constant.
func EinsumElimZero(n *circuit.Node) *circuit.Node {
	if !slices.ContainsFunc(n.Children(), func(c *circuit.Node) bool { return c.IsScalarConstantValue(0) }) {
		return nil
	}
	return scalar(0, n.Shape().Dimensions)
}

// EinsumElimIdentity replaces an Einsum of a single operand that is returned unchanged
// (e.g. "abc->abc") by the operand.
func EinsumElimIdentity(n *circuit.Node) *circuit.Node {
	if n.NumChildren() != 1 {
		return nil
	}
	p := n.AsEinsum()
	if !slices.Equal(p.InputAxes[0], p.OutputAxes) {
		return nil
	}
	return n.Children()[0]
}

// EinsumFlattenOnce inlines the operands of Einsum operands, renaming the labels of the inner Einsums:
// its output labels become the labels the outer Einsum uses for it, and its contracted labels get
// fresh labels.
func EinsumFlattenOnce(n *circuit.Node) *circuit.Node {
	if !slices.ContainsFunc(n.Children(), func(c *circuit.Node) bool { return c.Kind() == circuit.KindEinsum }) {
		return nil
	}
	p := n.AsEinsum()
	outerArgs := n.EinsumArgs()
	next := circuit.NextLabel(outerArgs, p.OutputAxes)
	var args []circuit.EinsumArg
	for _, arg := range outerArgs {
		if arg.Node.Kind() != circuit.KindEinsum {
			args = append(args, arg)
			continue
		}
		inner := arg.Node.AsEinsum()
		mapping := make(map[int]int)
		for axis, label := range inner.OutputAxes {
			mapping[label] = arg.Axes[axis]
		}
		for _, innerArg := range arg.Node.EinsumArgs() {
			axes := make([]int, len(innerArg.Axes))
			for axis, label := range innerArg.Axes {
				mapped, found := mapping[label]
				if !found {
					mapped = next
					next++
					mapping[label] = mapped
				}
				axes[axis] = mapped
			}
			args = append(args, circuit.EinsumArg{Node: innerArg.Node, Axes: axes})
		}
	}
	return build(circuit.Einsum(args, p.OutputAxes))
}

// EinsumOfPermuteMerge absorbs operands that are pure axes permutations into the Einsum labels.
func EinsumOfPermuteMerge(n *circuit.Node) *circuit.Node {
	args := n.EinsumArgs()
	changed := false
	for ii, arg := range args {
		r := arg.Node.AsRearrange()
		if r == nil {
			continue
		}
		perm, ok := r.Permutation()
		if !ok {
			continue
		}
		// Output axis j of the permute is input axis perm[j].
		axes := make([]int, len(arg.Axes))
		for j, label := range arg.Axes {
			axes[perm[j]] = label
		}
		args[ii] = circuit.EinsumArg{Node: arg.Node.Children()[0], Axes: axes}
		changed = true
	}
	if !changed {
		return nil
	}
	return build(circuit.Einsum(args, n.AsEinsum().OutputAxes))
}

// EinsumMergeScalars multiplies together the rank-0 ScalarConstant operands, and drops the product if
// it is 1 and there are other operands.
func EinsumMergeScalars(n *circuit.Node) *circuit.Node {
	var (
		others  []circuit.EinsumArg
		product = 1.0
		count   int
	)
	for _, arg := range n.EinsumArgs() {
		if arg.Node.Kind() == circuit.KindScalarConstant && arg.Node.Rank() == 0 {
			product *= arg.Node.AsScalarConstant().Value
			count++
			continue
		}
		others = append(others, arg)
	}
	if count == 0 || (count == 1 && (product != 1 || len(others) == 0)) {
		return nil
	}
	args := others
	if product != 1 || len(others) == 0 {
		args = append(args, circuit.EinsumArg{Node: scalar(product, nil)})
	}
	return build(circuit.Einsum(args, n.AsEinsum().OutputAxes))
}

// EinsumPushDownTrace pushes the trace of an Add operand (an operand with repeated labels) down into
// the addends, so the full Add is never computed: Einsum(Add(x, y) "aa" -> "a") ->
// Einsum(Add(Einsum(x "aa" -> "a"), Einsum(y "aa" -> "a")) "a" -> "a"). All addends must have the shape
// of the Add. Traces of Einsum and permuted operands are already handled by EinsumFlattenOnce and
// EinsumOfPermuteMerge.
func EinsumPushDownTrace(n *circuit.Node) *circuit.Node {
	args := n.EinsumArgs()
	for ii, arg := range args {
		if arg.Node.Kind() != circuit.KindAdd || !hasRepeatedLabels(arg.Axes) {
			continue
		}
		dims := arg.Node.Shape().Dimensions
		if slices.ContainsFunc(arg.Node.Children(), func(c *circuit.Node) bool {
			return !slices.Equal(c.Shape().Dimensions, dims)
		}) {
			continue
		}
		var labels []int
		for _, label := range arg.Axes {
			if !slices.Contains(labels, label) {
				labels = append(labels, label)
			}
		}
		addends := make([]*circuit.Node, arg.Node.NumChildren())
		for jj, child := range arg.Node.Children() {
			addends[jj] = build(circuit.Einsum([]circuit.EinsumArg{{Node: child, Axes: arg.Axes}}, labels))
		}
		args[ii] = circuit.EinsumArg{Node: build(circuit.Add(addends...)), Axes: labels}
		return build(circuit.Einsum(args, n.AsEinsum().OutputAxes))
	}
	return nil
}
