// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"math/big"
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/support/sets"
)

// Distribute rewrites each Einsum with an Add operand of at least minSize elements into an Add of
// Einsums, one per operand of the Add: sum(a+b) * c = sum(a*c) + sum(b*c). Only the first such operand
// of each Einsum is distributed.
//
// This avoids materializing the large Add, at the cost of repeating the contraction. Whether it's a
// good idea depends on the circuit: callers should check the result with the cost model.
func Distribute(root *circuit.Node, minSize *big.Int) *circuit.Node {
	return build(circuit.DeepMap(root, func(n *circuit.Node) (*circuit.Node, error) {
		if n.Kind() != circuit.KindEinsum {
			return n, nil
		}
		args := n.EinsumArgs()
		addIdx := slices.IndexFunc(args, func(arg circuit.EinsumArg) bool {
			return arg.Node.Kind() == circuit.KindAdd && arg.Node.Info().Numel.Cmp(minSize) >= 0
		})
		if addIdx < 0 {
			return n, nil
		}
		return withMetadataOf(distributeOperand(n, addIdx), n), nil
	}))
}

// distributeOperand distributes the Einsum over its Add operand #addIdx.
//
// Add operands are right-aligned and broadcast: a broadcast axis gets a fresh (size 1) label, and a
// label no longer present in any operand gets a ones vector, so its contribution to the sum is kept.
func distributeOperand(einsum *circuit.Node, addIdx int) *circuit.Node {
	args := einsum.EinsumArgs()
	outputAxes := einsum.AsEinsum().OutputAxes
	add := args[addIdx].Node
	addAxes := args[addIdx].Axes
	addDims := add.Shape().Dimensions
	rank := add.Rank()

	otherLabels := sets.Make[int]()
	for ii, arg := range args {
		if ii != addIdx {
			otherLabels.Insert(arg.Axes...)
		}
	}

	terms := make([]*circuit.Node, add.NumChildren())
	for ii, operand := range add.Children() {
		nextLabel := circuit.NextLabel(args, outputAxes)
		offset := rank - operand.Rank()
		covered := sets.Make[int]()
		axes := make([]int, operand.Rank())
		for axis, dim := range operand.Shape().Dimensions {
			label := addAxes[axis+offset]
			if dim == 1 && addDims[axis+offset] != 1 {
				axes[axis] = nextLabel
				nextLabel++
				continue
			}
			axes[axis] = label
			covered.Insert(label)
		}
		termArgs := slices.Clone(args)
		termArgs[addIdx] = circuit.EinsumArg{Node: operand, Axes: axes}
		seen := sets.Make[int]()
		for axis, label := range addAxes {
			if covered.Has(label) || otherLabels.Has(label) || !seen.Visit(label) {
				continue
			}
			termArgs = append(termArgs, circuit.EinsumArg{Node: scalar(1, []int{addDims[axis]}), Axes: []int{label}})
		}
		terms[ii] = build(circuit.Einsum(termArgs, outputAxes))
	}
	return build(circuit.Add(terms...))
}
