// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

// ExpressionNotation returns Go source that rebuilds the circuit with this package's constructors,
// one "nodeN := ..." statement per distinct node in topological order. The last statement builds root.
//
// Scalar values are written exactly, with math.NaN() and math.Inf(±1) for the non-finite ones.
// ArrayConstant values are written only if they have at most MaxExpressionValues elements. Larger ones
// are replaced by tensors.Randn of the same shape: the rebuilt circuit has the same structure, but not
// the same values nor the same hashes.
func ExpressionNotation(root *Node) string {
	var sb strings.Builder
	varNames := make(map[Hash]string)
	for ii, n := range Toposort(root) {
		varName := fmt.Sprintf("node%d", ii)
		fmt.Fprintf(&sb, "%s := must.M1(%s)", varName, constructorExpression(n, varNames))
		if n.name != "" {
			fmt.Fprintf(&sb, ".Named(%q)", n.name)
		}
		if len(n.namedAxes) > 0 {
			axes := slices.Sorted(maps.Keys(n.namedAxes))
			parts := make([]string, len(axes))
			for jj, axis := range axes {
				parts[jj] = fmt.Sprintf("%d: %q", axis, n.namedAxes[axis])
			}
			fmt.Fprintf(&sb, ".WithNamedAxes(map[int]string{%s})", strings.Join(parts, ", "))
		}
		sb.WriteString("\n")
		varNames[n.hash] = varName
	}
	return sb.String()
}

// MaxExpressionValues is the largest ArrayConstant whose values ExpressionNotation writes out.
const MaxExpressionValues = 64

func floatExpression(v float64) string {
	switch {
	case math.IsNaN(v):
		return "math.NaN()"
	case math.IsInf(v, 1):
		return "math.Inf(1)"
	case math.IsInf(v, -1):
		return "math.Inf(-1)"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func arrayExpression(p *ArrayConstantParams) string {
	dims := p.Value.Shape().Dimensions
	dimsArgs := ""
	if len(dims) > 0 {
		dimsArgs = ", " + intsExpression(dims)
	}
	if p.Value.Size() > MaxExpressionValues {
		return fmt.Sprintf("tensors.Randn(0%s)", dimsArgs)
	}
	values := make([]string, p.Value.Size())
	for ii, v := range p.Value.Flat() {
		values[ii] = floatExpression(v)
	}
	return fmt.Sprintf("tensors.FromFlat([]float64{%s}%s)", strings.Join(values, ", "), dimsArgs)
}

func intsExpression(values []int) string {
	parts := make([]string, len(values))
	for ii, v := range values {
		parts[ii] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ", ")
}

func groupsExpression(groups [][]int) string {
	parts := make([]string, len(groups))
	for ii, group := range groups {
		parts[ii] = "{" + intsExpression(group) + "}"
	}
	return "[][]int{" + strings.Join(parts, ", ") + "}"
}

func indexExpression(index TensorIndex) string {
	parts := make([]string, len(index))
	for ii, ai := range index {
		switch ai.Kind {
		case IndexSingle:
			parts[ii] = fmt.Sprintf("circuit.Single(%d)", ai.Position)
		case IndexSlice:
			parts[ii] = fmt.Sprintf("circuit.Slice(%d, %d)", ai.Start, ai.Stop)
		default:
			parts[ii] = fmt.Sprintf("circuit.Gather(%s)", intsExpression(ai.Positions))
		}
	}
	return "circuit.TensorIndex{" + strings.Join(parts, ", ") + "}"
}

func constructorExpression(n *Node, varNames map[Hash]string) string {
	children := make([]string, len(n.children))
	for ii, child := range n.children {
		children[ii] = varNames[child.hash]
	}
	dimsArgs := func(dims []int) string {
		if len(dims) == 0 {
			return ""
		}
		return ", " + intsExpression(dims)
	}
	switch p := n.params.(type) {
	case *ArrayConstantParams:
		return fmt.Sprintf("circuit.ArrayConstant(%s)", arrayExpression(p))
	case *ScalarConstantParams:
		return fmt.Sprintf("circuit.ScalarConstant(%s%s)", floatExpression(p.Value), dimsArgs(p.Dimensions))
	case *SymbolParams:
		return fmt.Sprintf("circuit.Symbol(uuid.MustParse(%q)%s)", p.ID.String(), dimsArgs(p.Dimensions))
	case *AddParams:
		return fmt.Sprintf("circuit.Add(%s)", strings.Join(children, ", "))
	case *EinsumParams:
		args := make([]string, len(children))
		for ii, child := range children {
			args[ii] = fmt.Sprintf("{Node: %s, Axes: []int{%s}}", child, intsExpression(p.InputAxes[ii]))
		}
		return fmt.Sprintf("circuit.Einsum([]circuit.EinsumArg{%s}, []int{%s})",
			strings.Join(args, ", "), intsExpression(p.OutputAxes))
	case *RearrangeParams:
		sizes := make([]string, len(p.Sizes))
		for id, size := range p.Sizes {
			sizes[id] = fmt.Sprintf("%d: %d", id, size)
		}
		return fmt.Sprintf("circuit.Rearrange(%s, circuit.RearrangeSpec{Input: %s, Output: %s, Sizes: map[int]int{%s}})",
			children[0], groupsExpression(p.Input), groupsExpression(p.Output), strings.Join(sizes, ", "))
	case *IndexParams:
		return fmt.Sprintf("circuit.Index(%s, %s)", children[0], indexExpression(p.Index))
	case *ScatterParams:
		return fmt.Sprintf("circuit.Scatter(%s, %s%s)", children[0], indexExpression(p.Index), dimsArgs(p.Dimensions))
	case *ConcatParams:
		return fmt.Sprintf("circuit.Concat(%d, %s)", p.Axis, strings.Join(children, ", "))
	case *GeneralFunctionParams:
		if len(children) == 0 {
			return fmt.Sprintf("circuit.GeneralFunctionByName(%q)", p.Spec.Name)
		}
		return fmt.Sprintf("circuit.GeneralFunctionByName(%q, %s)", p.Spec.Name, strings.Join(children, ", "))
	default:
		return fmt.Sprintf("nil /* unknown kind %s */", n.Kind())
	}
}
