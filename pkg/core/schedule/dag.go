// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule compiles circuits into schedules: linear streams of Compute and Drop instructions
// that evaluate the circuit while keeping the memory of live values under a ceiling.
//
// The compilation works on a Dag (the non-constant nodes of the circuit with their costs), asks an
// Oracle for a visiting order that fits in memory, and then inserts a Drop after the last use of each
// value. See FromCircuit for the whole pipeline.
package schedule

import (
	"math"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/support/sets"
)

// Dag is the scheduling view of a circuit: one entry per distinct non-constant node, indexed in
// topological order (children before parents).
//
// Constants are not part of the Dag: they are pre-loaded before the schedule starts and stay resident,
// so they never need to be ordered nor dropped. Symbols are computed like any other node, since their
// values are bound at evaluation time and count towards the memory limit.
type Dag struct {
	// Children and Parents of each entry, by index. Constant children are omitted.
	Children, Parents [][]int

	// NodeCosts is the number of elements of each entry. Costs that don't fit an int64 saturate.
	NodeCosts []int64

	// NodeHashes of each entry.
	NodeHashes []circuit.Hash

	// HashToNode maps the hash of every node of the circuit (constants included) to the node.
	HashToNode map[circuit.Hash]*circuit.Node

	// Constants are the array and scalar constants of the circuit.
	Constants map[circuit.Hash]*circuit.Node

	indexOf map[circuit.Hash]int
}

// FromCircuits builds the Dag of all the nodes reachable from the roots.
func FromCircuits(roots ...*circuit.Node) *Dag {
	dag := &Dag{
		HashToNode: make(map[circuit.Hash]*circuit.Node),
		Constants:  make(map[circuit.Hash]*circuit.Node),
		indexOf:    make(map[circuit.Hash]int),
	}
	for n := range circuit.All(roots...) {
		dag.HashToNode[n.Hash()] = n
		if n.Kind().IsConstant() {
			dag.Constants[n.Hash()] = n
			continue
		}
		idx := len(dag.NodeHashes)
		dag.indexOf[n.Hash()] = idx
		dag.NodeHashes = append(dag.NodeHashes, n.Hash())
		dag.NodeCosts = append(dag.NodeCosts, nodeCost(n))
		dag.Parents = append(dag.Parents, nil)
		var children []int
		seen := sets.Make[int]()
		for _, child := range n.Children() {
			childIdx, found := dag.indexOf[child.Hash()]
			if !found || !seen.Visit(childIdx) {
				continue
			}
			children = append(children, childIdx)
			dag.Parents[childIdx] = append(dag.Parents[childIdx], idx)
		}
		dag.Children = append(dag.Children, children)
	}
	return dag
}

func nodeCost(n *circuit.Node) int64 {
	numel := n.Info().Numel
	if !numel.IsInt64() {
		return math.MaxInt64
	}
	return numel.Int64()
}

// NumNodes returns the number of entries in the Dag.
func (dag *Dag) NumNodes() int {
	return len(dag.NodeHashes)
}

// Node returns the circuit node of entry idx.
func (dag *Dag) Node(idx int) *circuit.Node {
	return dag.HashToNode[dag.NodeHashes[idx]]
}

// IndexOf returns the index of the node with the given hash, and false if it is not in the Dag.
func (dag *Dag) IndexOf(hash circuit.Hash) (int, bool) {
	idx, found := dag.indexOf[hash]
	return idx, found
}

// Outputs returns the entries without parents (the sinks), in increasing index order.
func (dag *Dag) Outputs() []int {
	var outputs []int
	for idx, parents := range dag.Parents {
		if len(parents) == 0 {
			outputs = append(outputs, idx)
		}
	}
	return outputs
}

// TotalCost returns the sum of the costs of all entries, saturating at math.MaxInt64.
func (dag *Dag) TotalCost() int64 {
	var total int64
	for _, c := range dag.NodeCosts {
		total = saturatingAdd(total, c)
	}
	return total
}

func saturatingAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
