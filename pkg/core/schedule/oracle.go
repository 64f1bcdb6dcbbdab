// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Oracle chooses the order in which the entries of a Dag are computed.
type Oracle interface {
	// Order returns a topological order of all the entries of dag (children before parents) such that
	// the live values never take more than maxElements, reasoning in units of maxElements/numChunks
	// elements. If it can't find one, it returns a *CannotFitInMemoryError.
	Order(dag *Dag, numChunks int, maxElements int64) ([]int, error)
}

// CannotFitInMemoryError is returned when no order satisfying the memory ceiling was found.
type CannotFitInMemoryError struct {
	MaxElements int64
	NumChunks   int
	NodeCosts   []int64
}

// Error implements error.
func (e *CannotFitInMemoryError) Error() string {
	var largest int64
	for _, c := range e.NodeCosts {
		largest = max(largest, c)
	}
	return fmt.Sprintf("cannot fit schedule of %d nodes (largest %s elements) in %s elements using %d chunks",
		len(e.NodeCosts), humanize.Comma(largest), humanize.Comma(e.MaxElements), e.NumChunks)
}

// GreedyOracle is a memory-aware list scheduler: among the entries whose children are already
// computed, it picks the one that grows the live memory the least (its cost minus the cost of the
// children it is the last user of), as long as it fits. Ties go to the lowest index.
//
// Outputs are kept live until the end. Costs are rounded up to whole chunks, so the schedule respects
// maxElements exactly. The order is not guaranteed to be optimal: it may fail on Dags that some other
// order would fit.
type GreedyOracle struct{}

// Order implements Oracle.
func (GreedyOracle) Order(dag *Dag, numChunks int, maxElements int64) ([]int, error) {
	if numChunks <= 0 || maxElements <= 0 {
		return nil, errors.Errorf("invalid memory settings: %d chunks of a total of %d elements", numChunks, maxElements)
	}
	numNodes := dag.NumNodes()
	chunkSize := max(1, maxElements/int64(numChunks))
	capacity := maxElements / chunkSize
	chunks := make([]int64, numNodes)
	for idx, c := range dag.NodeCosts {
		chunks[idx] = c / chunkSize
		if c%chunkSize != 0 {
			chunks[idx]++
		}
	}
	fail := func() error {
		return errors.WithStack(&CannotFitInMemoryError{MaxElements: maxElements, NumChunks: numChunks, NodeCosts: dag.NodeCosts})
	}

	pendingChildren := make([]int, numNodes)
	pendingParents := make([]int, numNodes)
	var ready []int
	for idx := range numNodes {
		pendingChildren[idx] = len(dag.Children[idx])
		pendingParents[idx] = len(dag.Parents[idx])
		if pendingChildren[idx] == 0 {
			ready = append(ready, idx)
		}
	}

	var live int64
	order := make([]int, 0, numNodes)
	for len(order) < numNodes {
		bestPos, bestGrowth := -1, int64(math.MaxInt64)
		for pos, idx := range ready {
			if chunks[idx] > capacity-live {
				continue
			}
			growth := chunks[idx]
			for _, child := range dag.Children[idx] {
				if pendingParents[child] == 1 {
					growth -= chunks[child]
				}
			}
			if growth < bestGrowth || (growth == bestGrowth && idx < ready[bestPos]) {
				bestPos, bestGrowth = pos, growth
			}
		}
		if bestPos < 0 {
			return nil, fail()
		}
		idx := ready[bestPos]
		ready = append(ready[:bestPos], ready[bestPos+1:]...)
		order = append(order, idx)
		live += chunks[idx]
		for _, child := range dag.Children[idx] {
			pendingParents[child]--
			if pendingParents[child] == 0 {
				live -= chunks[child]
			}
		}
		for _, parent := range dag.Parents[idx] {
			pendingChildren[parent]--
			if pendingChildren[parent] == 0 {
				ready = append(ready, parent)
			}
		}
	}
	return order, nil
}
