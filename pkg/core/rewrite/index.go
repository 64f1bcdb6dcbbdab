// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"github.com/gomlx/circuitopt/pkg/core/circuit"
)

// IndexElimIdentity replaces an Index that selects everything by its child.
func IndexElimIdentity(n *circuit.Node) *circuit.Node {
	child := n.Children()[0]
	if !n.AsIndex().Index.IsIdentity(child.Shape()) {
		return nil
	}
	return child
}

// composeAxisIndex returns the index equivalent to applying inner and then outer on the same axis.
// inner must not be a Single (which removes the axis).
func composeAxisIndex(inner, outer circuit.AxisIndex) circuit.AxisIndex {
	switch inner.Kind {
	case circuit.IndexSlice:
		switch outer.Kind {
		case circuit.IndexSingle:
			return circuit.Single(inner.Start + outer.Position)
		case circuit.IndexSlice:
			return circuit.Slice(inner.Start+outer.Start, inner.Start+outer.Stop)
		default:
			positions := make([]int, len(outer.Positions))
			for ii, pos := range outer.Positions {
				positions[ii] = inner.Start + pos
			}
			return circuit.Gather(positions...)
		}
	default:
		switch outer.Kind {
		case circuit.IndexSingle:
			return circuit.Single(inner.Positions[outer.Position])
		case circuit.IndexSlice:
			return circuit.Gather(inner.Positions[outer.Start:outer.Stop]...)
		default:
			positions := make([]int, len(outer.Positions))
			for ii, pos := range outer.Positions {
				positions[ii] = inner.Positions[pos]
			}
			return circuit.Gather(positions...)
		}
	}
}

// composeIndex returns the index equivalent to applying inner and then outer.
// outer has one entry per output axis of inner.
func composeIndex(inner, outer circuit.TensorIndex) circuit.TensorIndex {
	result := make(circuit.TensorIndex, len(inner))
	outerAxis := 0
	for axis, ai := range inner {
		if ai.Kind == circuit.IndexSingle {
			result[axis] = ai
			continue
		}
		result[axis] = composeAxisIndex(ai, outer[outerAxis])
		outerAxis++
	}
	return result
}

// IndexFuse merges an Index of an Index into a single Index.
func IndexFuse(n *circuit.Node) *circuit.Node {
	child := n.Children()[0]
	inner := child.AsIndex()
	if inner == nil {
		return nil
	}
	return build(circuit.Index(child.Children()[0], composeIndex(inner.Index, n.AsIndex().Index)))
}

// IndexMergeScalar replaces an Index of a ScalarConstant by a ScalarConstant of the indexed shape.
func IndexMergeScalar(n *circuit.Node) *circuit.Node {
	c := n.Children()[0].AsScalarConstant()
	if c == nil {
		return nil
	}
	return scalar(c.Value, n.Shape().Dimensions)
}

// IndexConcatDropUnreached removes from an indexed Concat the operands the index never reaches along
// the concatenated axis, shifting the index accordingly.
func IndexConcatDropUnreached(n *circuit.Node) *circuit.Node {
	concat := n.Children()[0]
	cp := concat.AsConcat()
	if cp == nil {
		return nil
	}
	index := n.AsIndex().Index
	ai := index[cp.Axis]
	starts := concat.ConcatStarts()
	operands := concat.Children()

	// reached[ii] is whether any selected position falls in operand ii.
	reached := make([]bool, len(operands))
	numReached := 0
	operandOf := func(pos int) int {
		for ii := range operands {
			if pos >= starts[ii] && pos < starts[ii+1] {
				return ii
			}
		}
		return -1
	}
	mark := func(pos int) {
		if ii := operandOf(pos); ii >= 0 && !reached[ii] {
			reached[ii] = true
			numReached++
		}
	}
	switch ai.Kind {
	case circuit.IndexSingle:
		mark(ai.Position)
	case circuit.IndexSlice:
		for ii := range operands {
			if starts[ii] < starts[ii+1] && starts[ii] < ai.Stop && starts[ii+1] > ai.Start {
				reached[ii] = true
				numReached++
			}
		}
	default:
		for _, pos := range ai.Positions {
			mark(pos)
		}
	}
	if numReached == 0 || numReached == len(operands) {
		return nil
	}

	// Position shift: sizes of unreached operands before each position.
	shift := func(pos int) int {
		removed := 0
		for ii := range operandOf(pos) {
			if !reached[ii] {
				removed += starts[ii+1] - starts[ii]
			}
		}
		return pos - removed
	}
	var kept []*circuit.Node
	for ii, operand := range operands {
		if reached[ii] {
			kept = append(kept, operand)
		}
	}
	newIndex := index.Clone()
	switch ai.Kind {
	case circuit.IndexSingle:
		newIndex[cp.Axis] = circuit.Single(shift(ai.Position))
	case circuit.IndexSlice:
		// The reached operands are contiguous, and all operands before the first reached are dropped.
		first := 0
		for !reached[first] {
			first++
		}
		offset := starts[first]
		newIndex[cp.Axis] = circuit.Slice(ai.Start-offset, ai.Stop-offset)
	default:
		positions := make([]int, len(ai.Positions))
		for ii, pos := range ai.Positions {
			positions[ii] = shift(pos)
		}
		newIndex[cp.Axis] = circuit.Gather(positions...)
	}
	var newChild *circuit.Node
	if len(kept) == 1 {
		newChild = kept[0]
	} else {
		newChild = build(circuit.Concat(cp.Axis, kept...))
	}
	return build(circuit.Index(newChild, newIndex))
}
