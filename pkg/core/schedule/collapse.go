// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/support/sets"
	"k8s.io/klog/v2"
)

// SimplifyForScheduling returns a smaller Dag for the Oracle, where the entries cheaper than chunkSize
// elements are removed, and their parents depend directly on their (transitive) children instead.
// Outputs are always kept.
//
// It also returns, for each entry of the collapsed Dag, its index in the original one. Use
// SubsetOrderToFull to convert an order of the collapsed Dag to an order of the original.
func SimplifyForScheduling(dag *Dag, chunkSize int64) (collapsed *Dag, original []int) {
	numNodes := dag.NumNodes()
	kept := make([]bool, numNodes)
	for idx := range numNodes {
		kept[idx] = dag.NodeCosts[idx] >= chunkSize || len(dag.Parents[idx]) == 0
		if kept[idx] {
			original = append(original, idx)
		}
	}
	newIndex := make([]int, numNodes)
	for newIdx, idx := range original {
		newIndex[idx] = newIdx
	}

	// keptDeps[idx] are the kept entries idx depends on, looking through removed entries.
	// Indices are in topological order, so children are always resolved first.
	keptDeps := make([][]int, numNodes)
	for idx := range numNodes {
		deps := sets.Make[int]()
		for _, child := range dag.Children[idx] {
			if kept[child] {
				deps.Insert(child)
			} else {
				deps.Insert(keptDeps[child]...)
			}
		}
		keptDeps[idx] = sets.Sorted(deps)
	}

	collapsed = &Dag{
		Children:   make([][]int, len(original)),
		Parents:    make([][]int, len(original)),
		NodeCosts:  make([]int64, len(original)),
		NodeHashes: make([]circuit.Hash, len(original)),
		HashToNode: dag.HashToNode,
		Constants:  dag.Constants,
		indexOf:    make(map[circuit.Hash]int, len(original)),
	}
	for newIdx, idx := range original {
		collapsed.NodeCosts[newIdx] = dag.NodeCosts[idx]
		collapsed.NodeHashes[newIdx] = dag.NodeHashes[idx]
		collapsed.indexOf[dag.NodeHashes[idx]] = newIdx
		for _, dep := range keptDeps[idx] {
			collapsed.Children[newIdx] = append(collapsed.Children[newIdx], newIndex[dep])
			collapsed.Parents[newIndex[dep]] = append(collapsed.Parents[newIndex[dep]], newIdx)
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("schedule: collapsed %d nodes into %d for chunks of %d elements", numNodes, len(original), chunkSize)
	}
	return collapsed, original
}

// SubsetOrderToFull converts an order over a subset of the entries of dag (given as indices of dag)
// into a full topological order, by visiting the children not yet visited (recursively) before each
// entry of the subset. Entries not needed by the subset are appended at the end, in topological order.
func SubsetOrderToFull(dag *Dag, subsetOrder []int) []int {
	visited := make([]bool, dag.NumNodes())
	order := make([]int, 0, dag.NumNodes())
	var visit func(idx int)
	visit = func(idx int) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		for _, child := range dag.Children[idx] {
			visit(child)
		}
		order = append(order, idx)
	}
	for _, idx := range subsetOrder {
		visit(idx)
	}
	for idx := range dag.NumNodes() {
		visit(idx)
	}
	return order
}
