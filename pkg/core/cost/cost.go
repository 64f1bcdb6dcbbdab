// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cost computes the size and operation counts of circuits.
//
// All counts are *big.Int: the number of elements of large intermediate tensors, and specially the
// number of elementary operations of an Einsum, easily overflow 64 bits.
//
// Every aggregate is computed by a single visit of the DAG: shared children are counted only once,
// no matter how many parents reference them.
package cost

import (
	"fmt"
	"math/big"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/support/xslices"
	"github.com/gomlx/circuitopt/pkg/support/xsync"
)

// selfFlopsCache memoizes SelfFlops by content hash. Entries are never invalidated: the value is a
// pure function of the node's content.
var selfFlopsCache xsync.SyncMap[circuit.Hash, *big.Int]

// Numel returns the number of elements of the node's value.
func Numel(n *circuit.Node) *big.Int {
	return n.Numel()
}

// IsInput returns whether the node is a raw input (ArrayConstant, ScalarConstant or Symbol), which is
// never materialized by the computation itself.
func IsInput(n *circuit.Node) bool {
	return n.Kind().IsLeaf()
}

// SelfFlops returns the number of elementary operations to compute the node, given its children.
//
//   - Constants and Symbols: 0.
//   - Einsum: product of the sizes of all labels, times the number of operands minus one (at least 1).
//   - Add: number of elements times the number of operands minus one (at least the number of elements).
//   - Anything else (copies, gathers, GeneralFunction): number of elements.
//
// The result must not be modified.
func SelfFlops(n *circuit.Node) *big.Int {
	if flops, found := selfFlopsCache.Load(n.Hash()); found {
		return flops
	}
	flops := computeSelfFlops(n)
	flops, _ = selfFlopsCache.LoadOrStore(n.Hash(), flops)
	return flops
}

func computeSelfFlops(n *circuit.Node) *big.Int {
	switch n.Kind() {
	case circuit.KindArrayConstant, circuit.KindScalarConstant, circuit.KindSymbol:
		return new(big.Int)
	case circuit.KindEinsum:
		p := n.AsEinsum()
		sizes, err := p.LabelSizes(n.Children())
		if err != nil {
			// Sizes were validated at construction.
			panic(err)
		}
		dims := make([]int, 0, len(sizes))
		for _, label := range xslices.SortedKeys(sizes) {
			dims = append(dims, sizes[label])
		}
		flops := xslices.BigProduct(dims)
		return flops.Mul(flops, big.NewInt(int64(max(1, n.NumChildren()-1))))
	case circuit.KindAdd:
		flops := n.Numel()
		return flops.Mul(flops, big.NewInt(int64(max(1, n.NumChildren()-1))))
	default:
		return n.Numel()
	}
}

// Report aggregates the cost statistics of a circuit.
type Report struct {
	// NumNodes is the number of distinct nodes.
	NumNodes int

	// MaxSize is the number of elements of the largest non-input node.
	MaxSize *big.Int

	// Flops is the total number of elementary operations.
	Flops *big.Int

	// TotalSize is the sum of the number of elements of all non-input nodes.
	TotalSize *big.Int
}

// Compute returns the cost report of the circuits rooted at roots.
func Compute(roots ...*circuit.Node) Report {
	r := Report{MaxSize: new(big.Int), Flops: new(big.Int), TotalSize: new(big.Int)}
	circuit.Visit(func(n *circuit.Node) {
		r.NumNodes++
		r.Flops.Add(r.Flops, SelfFlops(n))
		if IsInput(n) {
			return
		}
		numel := n.Info().Numel
		r.TotalSize.Add(r.TotalSize, numel)
		if numel.Cmp(r.MaxSize) > 0 {
			r.MaxSize.Set(numel)
		}
	}, roots...)
	return r
}

// TotalFlops returns the total number of elementary operations of the circuit.
func TotalFlops(root *circuit.Node) *big.Int {
	return Compute(root).Flops
}

// MaxNonInputSize returns the number of elements of the largest node that is not an input.
// It's the trigger used to decide whether to try the distribute heuristic.
func MaxNonInputSize(root *circuit.Node) *big.Int {
	return Compute(root).MaxSize
}

// TotalNonInputSize returns the total number of elements of all nodes that are not inputs.
func TotalNonInputSize(root *circuit.Node) *big.Int {
	return Compute(root).TotalSize
}

// Improves returns whether r is strictly better than other in at least one of the three metrics:
// max size, flops or total size.
//
// This is a heuristic acceptance test: it says nothing about whether the resulting schedule is better.
func (r Report) Improves(other Report) bool {
	return r.MaxSize.Cmp(other.MaxSize) < 0 ||
		r.Flops.Cmp(other.Flops) < 0 ||
		r.TotalSize.Cmp(other.TotalSize) < 0
}

// String implements fmt.Stringer.
func (r Report) String() string {
	return fmt.Sprintf("nodes=%s, max size=%s, flops=%s, total size=%s",
		humanize.Comma(int64(r.NumNodes)), circuit.OOMFormat(r.MaxSize),
		circuit.OOMFormat(r.Flops), circuit.OOMFormat(r.TotalSize))
}
