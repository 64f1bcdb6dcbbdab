// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"cmp"
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
)

// canonicalRulesByKind holds the cheap rules used by Canonicalize: only identity eliminations.
//
// Add flattening is deliberately absent, since it would undo NestAdds and AddNestLTR.
var canonicalRulesByKind = map[circuit.Kind][]namedRule{
	circuit.KindAdd:       {{"AddElimFewInput", AddElimFewInput}},
	circuit.KindEinsum:    {{"EinsumElimIdentity", EinsumElimIdentity}},
	circuit.KindIndex:     {{"IndexElimIdentity", IndexElimIdentity}},
	circuit.KindRearrange: {{"RearrangeElimIdentity", RearrangeElimIdentity}},
	circuit.KindConcat:    {{"ConcatElimIdentity", ConcatElimIdentity}},
	circuit.KindScatter:   {{"ScatterElimIdentity", ScatterElimIdentity}},
}

// Canonicalize removes identity nodes and sorts the operands of the commutative nodes (Add and
// Einsum) by hash, so that equivalent circuits built in different orders end up with the same hash.
func Canonicalize(root *circuit.Node) *circuit.Node {
	return build(circuit.DeepMap(root, func(n *circuit.Node) (*circuit.Node, error) {
		for {
			next := applyFirst(n, canonicalRulesByKind[n.Kind()])
			if next == nil {
				break
			}
			n = next
		}
		return sortOperands(n), nil
	}))
}

// sortOperands returns n with its operands sorted, if it is an Add or an Einsum.
func sortOperands(n *circuit.Node) *circuit.Node {
	switch n.Kind() {
	case circuit.KindAdd:
		children := n.Children()
		sorted := slices.SortedStableFunc(slices.Values(children), func(a, b *circuit.Node) int {
			return a.Hash().Compare(b.Hash())
		})
		if slices.Equal(sorted, children) {
			return n
		}
		return withMetadataOf(build(circuit.Add(sorted...)), n)

	case circuit.KindEinsum:
		args := n.EinsumArgs()
		sorted := slices.Clone(args)
		slices.SortStableFunc(sorted, func(a, b circuit.EinsumArg) int {
			return cmp.Or(a.Node.Hash().Compare(b.Node.Hash()), slices.Compare(a.Axes, b.Axes))
		})
		if slices.EqualFunc(sorted, args, func(a, b circuit.EinsumArg) bool {
			return a.Node == b.Node && slices.Equal(a.Axes, b.Axes)
		}) {
			return n
		}
		result := build(circuit.Einsum(sorted, n.AsEinsum().OutputAxes))
		if result.Hash() == n.Hash() {
			return n
		}
		return withMetadataOf(result, n)
	}
	return n
}

// withMetadataOf copies the name and named axes of from to n, if n doesn't have its own.
func withMetadataOf(n, from *circuit.Node) *circuit.Node {
	if from.Name() != "" && n.Name() == "" {
		n = n.Named(from.Name())
	}
	if namedAxes := from.NamedAxes(); len(namedAxes) > 0 && len(n.NamedAxes()) == 0 && n.Rank() == from.Rank() {
		n = n.WithNamedAxes(namedAxes)
	}
	return n
}
