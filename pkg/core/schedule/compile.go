// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"time"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options for FromCircuit.
type Options struct {
	// MaxMemory is the ceiling of the live non-constant values, in elements.
	MaxMemory int64

	// NumChunks is the granularity the Oracle reasons with: memory is accounted in units of
	// MaxMemory/NumChunks elements.
	NumChunks int

	// Simplify collapses the entries smaller than one chunk before asking the Oracle, which is much
	// faster for large circuits, at the cost of the ceiling being only approximately respected.
	Simplify bool

	// DType the schedule is planned for.
	DType dtypes.DType

	// Oracle used to order the Dag. If nil, GreedyOracle is used.
	Oracle Oracle
}

// DefaultOptions returns the default Options: a ceiling of 1G elements in 200 chunks, with Simplify
// enabled, for Float32.
func DefaultOptions() Options {
	return Options{
		MaxMemory: 1 << 30,
		NumChunks: 200,
		Simplify:  true,
		DType:     dtypes.Float32,
		Oracle:    GreedyOracle{},
	}
}

// FromCircuit compiles the circuit rooted at n into a Schedule whose live values stay under
// opts.MaxMemory elements. The root is the single output of the schedule.
//
// It returns a *CannotFitInMemoryError (wrapped, test it with errors.As) if the Oracle could not find
// an order that fits.
func FromCircuit(n *circuit.Node, opts Options) (*Schedule, error) {
	start := time.Now()
	oracle := opts.Oracle
	if oracle == nil {
		oracle = GreedyOracle{}
	}
	if opts.NumChunks <= 0 {
		return nil, errors.Errorf("schedule.FromCircuit requires NumChunks > 0, got %d", opts.NumChunks)
	}
	dag := FromCircuits(n)
	orderDag, original := dag, []int(nil)
	if opts.Simplify {
		orderDag, original = SimplifyForScheduling(dag, max(1, opts.MaxMemory/int64(opts.NumChunks)))
	}
	order, err := oracle.Order(orderDag, opts.NumChunks, opts.MaxMemory)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to schedule circuit with %d nodes", dag.NumNodes())
	}
	if opts.Simplify {
		subset := make([]int, len(order))
		for ii, idx := range order {
			subset[ii] = original[idx]
		}
		order = SubsetOrderToFull(dag, subset)
	}
	s, err := OrderToSchedule(dag, order, []*circuit.Node{n})
	if err != nil {
		return nil, errors.WithMessage(err, "oracle returned an invalid order")
	}
	s.DType = opts.DType
	if klog.V(1).Enabled() {
		klog.Infof("schedule: compiled %d nodes into %d instructions in %s: %s",
			dag.NumNodes(), len(s.Instructions), time.Since(start), s.Stats())
	}
	return s, nil
}

// NaiveToposort returns the Schedule that computes the nodes in plain topological order, dropping each
// value after its last use. It ignores any memory ceiling.
func NaiveToposort(n *circuit.Node) *Schedule {
	dag := FromCircuits(n)
	order := make([]int, dag.NumNodes())
	for idx := range order {
		order[idx] = idx
	}
	s, err := OrderToSchedule(dag, order, []*circuit.Node{n})
	if err != nil {
		// Dag indices are topologically sorted by construction.
		panic(errors.WithMessage(err, "NaiveToposort"))
	}
	return s
}
