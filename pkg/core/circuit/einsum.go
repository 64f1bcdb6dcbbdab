// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/circuitopt/pkg/core/shapes"
)

// EinsumArg is one operand of an Einsum: a node and one integer label per axis of the node.
//
// Repeating a label within one operand takes the diagonal, sharing a label across operands multiplies
// elementwise along it, and labels absent from the output are summed over.
type EinsumArg struct {
	Node *Node
	Axes []int
}

// EinsumParams of an Einsum node. Labels are canonical: numbered in order of first appearance,
// scanning the operands' axes in order.
type EinsumParams struct {
	InputAxes  [][]int
	OutputAxes []int
}

func (p *EinsumParams) Kind() Kind { return KindEinsum }

// String returns the einsum in the usual letter notation, e.g. "ab,bc->ac".
func (p *EinsumParams) String() string {
	parts := make([]string, len(p.InputAxes))
	for ii, axes := range p.InputAxes {
		parts[ii] = einsumLabelsString(axes)
	}
	return strings.Join(parts, ",") + "->" + einsumLabelsString(p.OutputAxes)
}

func einsumLabelsString(labels []int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	var sb strings.Builder
	for _, label := range labels {
		if label < len(letters) {
			sb.WriteByte(letters[label])
		} else {
			fmt.Fprintf(&sb, "(%d)", label)
		}
	}
	return sb.String()
}

func (p *EinsumParams) writeHash(hs *hasher) {
	hs.int(len(p.InputAxes))
	for _, axes := range p.InputAxes {
		hs.ints(axes)
	}
	hs.ints(p.OutputAxes)
}

// LabelSizes returns the size of each label used, given the operands.
func (p *EinsumParams) LabelSizes(children []*Node) (map[int]int, error) {
	if len(children) != len(p.InputAxes) {
		return nil, constructionErrorf(KindEinsum, "%d operands for %d input axes specs", len(children), len(p.InputAxes))
	}
	sizes := make(map[int]int)
	for ii, axes := range p.InputAxes {
		shape := children[ii].Shape()
		if len(axes) != shape.Rank() {
			return nil, constructionErrorf(KindEinsum, "operand #%d has shape %s but %d labels %v", ii, shape, len(axes), axes)
		}
		for axis, label := range axes {
			if label < 0 {
				return nil, constructionErrorf(KindEinsum, "negative label %d in operand #%d", label, ii)
			}
			dim := shape.Dimensions[axis]
			if prev, found := sizes[label]; found && prev != dim {
				return nil, constructionErrorf(KindEinsum, "label %d has incompatible sizes %d and %d (operand #%d, axis %d)",
					label, prev, dim, ii, axis)
			}
			sizes[label] = dim
		}
	}
	return sizes, nil
}

func (p *EinsumParams) inferShape(children []*Node) (shapes.Shape, error) {
	sizes, err := p.LabelSizes(children)
	if err != nil {
		return shapes.Shape{}, err
	}
	dims := make([]int, len(p.OutputAxes))
	for ii, label := range p.OutputAxes {
		if slices.Contains(p.OutputAxes[:ii], label) {
			return shapes.Shape{}, constructionErrorf(KindEinsum, "output label %d repeated in %v", label, p.OutputAxes)
		}
		dim, found := sizes[label]
		if !found {
			return shapes.Shape{}, constructionErrorf(KindEinsum, "output label %d not present in any operand", label)
		}
		dims[ii] = dim
	}
	return shapes.Make(dims...), nil
}

// Einsum creates a generalized contraction of the given operands (see EinsumArg).
//
// Output labels must be distinct and present in some operand. Labels are renumbered canonically,
// so Einsum(ab,bc->ac) and Einsum(xy,yz->xz) are the same node.
func Einsum(args []EinsumArg, outputAxes []int) (*Node, error) {
	renumber := make(map[int]int)
	canonical := func(label int) int {
		if c, found := renumber[label]; found {
			return c
		}
		c := len(renumber)
		renumber[label] = c
		return c
	}
	params := &EinsumParams{
		InputAxes:  make([][]int, len(args)),
		OutputAxes: make([]int, len(outputAxes)),
	}
	children := make([]*Node, len(args))
	for ii, arg := range args {
		children[ii] = arg.Node
		params.InputAxes[ii] = make([]int, len(arg.Axes))
		for axis, label := range arg.Axes {
			if label < 0 {
				return nil, constructionErrorf(KindEinsum, "negative label %d in operand #%d", label, ii)
			}
			params.InputAxes[ii][axis] = canonical(label)
		}
	}
	for ii, label := range outputAxes {
		if _, found := renumber[label]; !found {
			return nil, constructionErrorf(KindEinsum, "output label %d not present in any operand", label)
		}
		params.OutputAxes[ii] = canonical(label)
	}
	return newNode(params, children, "", nil)
}

// EinsumSimple is a convenience to create an Einsum with the usual letter notation, e.g.
// EinsumSimple("ab,bc->ac", x, y).
func EinsumSimple(equation string, nodes ...*Node) (*Node, error) {
	lhs, rhs, found := strings.Cut(strings.ReplaceAll(equation, " ", ""), "->")
	if !found {
		return nil, constructionErrorf(KindEinsum, "equation %q missing \"->\"", equation)
	}
	operands := strings.Split(lhs, ",")
	if lhs == "" {
		operands = nil
	}
	if len(operands) != len(nodes) {
		return nil, constructionErrorf(KindEinsum, "equation %q has %d operands, got %d nodes", equation, len(operands), len(nodes))
	}
	args := make([]EinsumArg, len(nodes))
	for ii, operand := range operands {
		args[ii] = EinsumArg{Node: nodes[ii], Axes: runesToLabels(operand)}
	}
	return Einsum(args, runesToLabels(rhs))
}

func runesToLabels(s string) []int {
	labels := make([]int, 0, len(s))
	for _, r := range s {
		labels = append(labels, int(r))
	}
	return labels
}

// AsEinsum returns the parameters if n is an Einsum, nil otherwise.
func (n *Node) AsEinsum() *EinsumParams {
	p, _ := n.params.(*EinsumParams)
	return p
}

// EinsumArgs returns the operands of an Einsum node as EinsumArg, or nil if n is not an Einsum.
func (n *Node) EinsumArgs() []EinsumArg {
	p := n.AsEinsum()
	if p == nil {
		return nil
	}
	args := make([]EinsumArg, len(n.children))
	for ii, child := range n.children {
		args[ii] = EinsumArg{Node: child, Axes: slices.Clone(p.InputAxes[ii])}
	}
	return args
}

// NextLabel returns a label not used by any of the args or output axes.
func NextLabel(args []EinsumArg, outputAxes []int) int {
	next := 0
	for _, arg := range args {
		for _, label := range arg.Axes {
			next = max(next, label+1)
		}
	}
	for _, label := range outputAxes {
		next = max(next, label+1)
	}
	return next
}
