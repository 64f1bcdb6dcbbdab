// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"math/big"
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/support/sets"
	"k8s.io/klog/v2"
)

// isLarge returns whether n or any of its children has at least minSize elements.
func isLarge(n *circuit.Node, minSize *big.Int) bool {
	if n.Info().Numel.Cmp(minSize) >= 0 {
		return true
	}
	for _, child := range n.Children() {
		if child.Info().Numel.Cmp(minSize) >= 0 {
			return true
		}
	}
	return false
}

// indexOrSame returns node indexed by index, or node itself if the index selects everything.
func indexOrSame(node *circuit.Node, index circuit.TensorIndex) *circuit.Node {
	indexed := build(circuit.Index(node, index))
	if indexed.AsIndex().Index.IsIdentity(node.Shape()) {
		return node
	}
	return indexed
}

// PushDownIndex moves Index nodes toward the leaves, through Add, Einsum, Concat and batch-only
// GeneralFunction nodes, so that only the selected part of large intermediate values is computed.
//
// Only Index nodes where the node or its child have at least minSize elements are moved.
func PushDownIndex(root *circuit.Node, minSize *big.Int) *circuit.Node {
	return build(circuit.DeepMapPreorder(root, func(n *circuit.Node) (*circuit.Node, error) {
		for n.Kind() == circuit.KindIndex && isLarge(n, minSize) {
			if fused := IndexFuse(n); fused != nil {
				n = withMetadataOf(fused, n)
				continue
			}
			pushed := pushIndexOnce(n)
			if pushed == nil {
				break
			}
			n = withMetadataOf(pushed, n)
		}
		return n, nil
	}))
}

// pushIndexOnce moves the Index n one level down, or returns nil if it can't.
func pushIndexOnce(n *circuit.Node) *circuit.Node {
	index := n.AsIndex().Index
	child := n.Children()[0]
	switch child.Kind() {
	case circuit.KindAdd:
		return pushIndexThroughAdd(index, child)
	case circuit.KindEinsum:
		return pushIndexThroughEinsum(index, child)
	case circuit.KindConcat:
		return pushIndexThroughConcat(index, child)
	case circuit.KindGeneralFunction:
		return pushIndexThroughGeneralFunction(index, child)
	case circuit.KindScalarConstant:
		return IndexMergeScalar(n)
	}
	return nil
}

// pushIndexThroughAdd indexes each operand of the Add. Operands are right-aligned with the Add, and
// broadcast axes (dimension 1) select their only position.
func pushIndexThroughAdd(index circuit.TensorIndex, add *circuit.Node) *circuit.Node {
	rank := add.Rank()
	dims := add.Shape().Dimensions
	operands := make([]*circuit.Node, add.NumChildren())
	for ii, operand := range add.Children() {
		offset := rank - operand.Rank()
		operandIndex := make(circuit.TensorIndex, operand.Rank())
		for axis, dim := range operand.Shape().Dimensions {
			ai := index[axis+offset]
			if dim == 1 && dims[axis+offset] != 1 {
				if ai.Kind == circuit.IndexSingle {
					ai = circuit.Single(0)
				} else {
					ai = circuit.Slice(0, 1)
				}
			}
			operandIndex[axis] = ai
		}
		operands[ii] = indexOrSame(operand, operandIndex)
	}
	return build(circuit.Add(operands...))
}

// pushIndexThroughEinsum applies the index of each output label to every occurrence of the label in the
// operands. Labels selected with Single disappear.
func pushIndexThroughEinsum(index circuit.TensorIndex, einsum *circuit.Node) *circuit.Node {
	outputAxes := einsum.AsEinsum().OutputAxes
	byLabel := make(map[int]circuit.AxisIndex, len(outputAxes))
	removed := sets.Make[int]()
	for ii, label := range outputAxes {
		byLabel[label] = index[ii]
		if index[ii].Kind == circuit.IndexSingle {
			removed.Insert(label)
		}
	}
	args := einsum.EinsumArgs()
	for ii, arg := range args {
		argIndex := make(circuit.TensorIndex, len(arg.Axes))
		var axes []int
		for axis, label := range arg.Axes {
			argIndex[axis] = circuit.FullSlice()
			if ai, found := byLabel[label]; found {
				argIndex[axis] = ai
			}
			if !removed.Has(label) {
				axes = append(axes, label)
			}
		}
		args[ii] = circuit.EinsumArg{Node: indexOrSame(arg.Node, argIndex), Axes: axes}
	}
	newOutput := slices.DeleteFunc(slices.Clone(outputAxes), removed.Has)
	return build(circuit.Einsum(args, newOutput))
}

// pushIndexThroughConcat selects the operand(s) reached by the index along the concatenation axis.
// Gathers along that axis are not pushed.
func pushIndexThroughConcat(index circuit.TensorIndex, concat *circuit.Node) *circuit.Node {
	axis := concat.AsConcat().Axis
	starts := concat.ConcatStarts()
	operands := concat.Children()
	withAxis := func(operand *circuit.Node, ai circuit.AxisIndex) *circuit.Node {
		operandIndex := index.Clone()
		operandIndex[axis] = ai
		return indexOrSame(operand, operandIndex)
	}
	ai := index[axis]
	switch ai.Kind {
	case circuit.IndexSingle:
		for ii, operand := range operands {
			if ai.Position >= starts[ii] && ai.Position < starts[ii+1] {
				return withAxis(operand, circuit.Single(ai.Position-starts[ii]))
			}
		}
		return nil

	case circuit.IndexSlice:
		var pieces []*circuit.Node
		for ii, operand := range operands {
			lo, hi := max(ai.Start, starts[ii]), min(ai.Stop, starts[ii+1])
			if lo < hi {
				pieces = append(pieces, withAxis(operand, circuit.Slice(lo-starts[ii], hi-starts[ii])))
			}
		}
		switch len(pieces) {
		case 0:
			return nil
		case 1:
			return pieces[0]
		}
		newAxis := axis
		for _, prev := range index[:axis] {
			if prev.Kind == circuit.IndexSingle {
				newAxis--
			}
		}
		return build(circuit.Concat(newAxis, pieces...))
	}
	return nil
}

// isBatchOnly returns whether the index leaves the non-batch axes of the single-input GeneralFunction
// untouched, in which case it can be applied to the input instead.
func isBatchOnly(index circuit.TensorIndex, gf *circuit.Node) bool {
	spec := gf.AsGeneralFunction().Spec
	if gf.NumChildren() != 1 || spec.InferShape != nil {
		return false
	}
	dims := gf.Shape().Dimensions
	for axis := len(dims) - spec.NumNonBatchable; axis < len(dims); axis++ {
		if !index[axis].IsFull(dims[axis]) {
			return false
		}
	}
	return true
}

func pushIndexThroughGeneralFunction(index circuit.TensorIndex, gf *circuit.Node) *circuit.Node {
	if !isBatchOnly(index, gf) {
		return nil
	}
	input := indexOrSame(gf.Children()[0], index)
	return build(circuit.GeneralFunction(gf.AsGeneralFunction().Spec, input))
}

// PullConcat moves Concat nodes with at least minSize elements toward the root, through Add,
// batch-only GeneralFunction and Einsum nodes. A Concat along a contracted Einsum label becomes an Add
// of the partial contractions.
//
// The result is then alternately simplified and passed through PushDownIndex until it no longer
// changes, so the pieces that are not needed get dropped.
func PullConcat(root *circuit.Node, minSize *big.Int, simplifier *Simplifier) *circuit.Node {
	n := build(circuit.DeepMap(root, func(n *circuit.Node) (*circuit.Node, error) {
		if n.Info().Numel.Cmp(minSize) < 0 {
			return n, nil
		}
		pulled := pullConcatOnce(n)
		if pulled == nil {
			return n, nil
		}
		if pulled.Kind() == circuit.KindConcat {
			if fused := ConcatFuse(pulled); fused != nil {
				pulled = fused
			}
		}
		return withMetadataOf(pulled, n), nil
	}))
	for round := 0; ; round++ {
		next := PushDownIndex(simplifier.Simplify(n), minSize)
		if next.Hash() == n.Hash() {
			return next
		}
		if round >= simplifier.maxIterations {
			klog.Warningf("rewrite: PullConcat still changing after %d rounds of simplify and push-down-index", round)
			return next
		}
		n = next
	}
}

// pullConcatOnce moves a Concat operand of n above it, or returns nil if n has none that can be moved.
func pullConcatOnce(n *circuit.Node) *circuit.Node {
	switch n.Kind() {
	case circuit.KindAdd:
		return pullConcatThroughAdd(n)
	case circuit.KindGeneralFunction:
		children := n.Children()
		if len(children) != 1 || children[0].Kind() != circuit.KindConcat {
			return nil
		}
		concat := children[0]
		axis := concat.AsConcat().Axis
		spec := n.AsGeneralFunction().Spec
		if spec.InferShape != nil || axis >= concat.Rank()-spec.NumNonBatchable {
			return nil
		}
		pieces := make([]*circuit.Node, concat.NumChildren())
		for ii, operand := range concat.Children() {
			pieces[ii] = build(circuit.GeneralFunction(spec, operand))
		}
		return build(circuit.Concat(axis, pieces...))
	case circuit.KindEinsum:
		return pullConcatThroughEinsum(n)
	}
	return nil
}

func pullConcatThroughAdd(add *circuit.Node) *circuit.Node {
	rank := add.Rank()
	dims := add.Shape().Dimensions
	concatIdx := slices.IndexFunc(add.Children(), func(operand *circuit.Node) bool {
		if operand.Kind() != circuit.KindConcat || operand.Rank() != rank {
			return false
		}
		axis := operand.AsConcat().Axis
		return operand.Shape().Dimensions[axis] == dims[axis]
	})
	if concatIdx < 0 {
		return nil
	}
	concat := add.Children()[concatIdx]
	axis := concat.AsConcat().Axis
	starts := concat.ConcatStarts()
	sums := make([]*circuit.Node, concat.NumChildren())
	for piece, pieceNode := range concat.Children() {
		operands := make([]*circuit.Node, add.NumChildren())
		for ii, operand := range add.Children() {
			alignedAxis := axis - (rank - operand.Rank())
			switch {
			case ii == concatIdx:
				operands[ii] = pieceNode
			case alignedAxis < 0 || operand.Shape().Dimensions[alignedAxis] != dims[axis]:
				// Broadcast along the concatenation axis.
				operands[ii] = operand
			default:
				index := make(circuit.TensorIndex, operand.Rank())
				for jj := range index {
					index[jj] = circuit.FullSlice()
				}
				index[alignedAxis] = circuit.Slice(starts[piece], starts[piece+1])
				operands[ii] = indexOrSame(operand, index)
			}
		}
		sums[piece] = build(circuit.Add(operands...))
	}
	return build(circuit.Concat(axis, sums...))
}

func pullConcatThroughEinsum(einsum *circuit.Node) *circuit.Node {
	args := einsum.EinsumArgs()
	concatIdx := slices.IndexFunc(args, func(arg circuit.EinsumArg) bool {
		if arg.Node.Kind() != circuit.KindConcat {
			return false
		}
		label := arg.Axes[arg.Node.AsConcat().Axis]
		// A diagonal along the concatenation axis can't be split.
		return countOf(arg.Axes, label) == 1
	})
	if concatIdx < 0 {
		return nil
	}
	concat := args[concatIdx].Node
	label := args[concatIdx].Axes[concat.AsConcat().Axis]
	starts := concat.ConcatStarts()
	outputAxes := einsum.AsEinsum().OutputAxes
	parts := make([]*circuit.Node, concat.NumChildren())
	for piece, pieceNode := range concat.Children() {
		pieceArgs := slices.Clone(args)
		for ii, arg := range args {
			if ii == concatIdx {
				pieceArgs[ii] = circuit.EinsumArg{Node: pieceNode, Axes: arg.Axes}
				continue
			}
			if !slices.Contains(arg.Axes, label) {
				continue
			}
			index := make(circuit.TensorIndex, len(arg.Axes))
			for axis, l := range arg.Axes {
				index[axis] = circuit.FullSlice()
				if l == label {
					index[axis] = circuit.Slice(starts[piece], starts[piece+1])
				}
			}
			pieceArgs[ii] = circuit.EinsumArg{Node: indexOrSame(arg.Node, index), Axes: arg.Axes}
		}
		parts[piece] = build(circuit.Einsum(pieceArgs, outputAxes))
	}
	if outputAxis := slices.Index(outputAxes, label); outputAxis >= 0 {
		return build(circuit.Concat(outputAxis, parts...))
	}
	return build(circuit.Add(parts...))
}

func countOf[T comparable](values []T, value T) (count int) {
	for _, v := range values {
		if v == value {
			count++
		}
	}
	return
}
