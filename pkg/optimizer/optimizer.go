// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizer is the circuit optimization pipeline: it canonicalizes and simplifies a circuit,
// optionally applies the cost-guided rewrites (distribute, push down index, pull concat, nest adds),
// and compiles the result into a memory-bounded schedule that can be evaluated.
package optimizer

import (
	"math/big"
	"time"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/cost"
	"github.com/gomlx/circuitopt/pkg/core/execute"
	"github.com/gomlx/circuitopt/pkg/core/rewrite"
	"github.com/gomlx/circuitopt/pkg/core/schedule"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Optimize returns a circuit equivalent to n, with the same shape, that is cheaper to evaluate.
//
// The pipeline is: canonicalize, simplify to a fixed point, distribute (if the largest node is above
// settings.DistributeMinSize, and only kept if it improves the cost report), push down index, pull
// concat, nest adds, and a final canonicalization.
//
// Rewrite bugs (e.g. a rewrite loop that doesn't converge) panic.
func Optimize(n *circuit.Node, settings Settings) (*circuit.Node, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	simplifier := rewrite.NewSimplifier(nil).SetParallelism(settings.SimplifyParallelism)
	settings.logCost("input", n)

	n = simplifier.SimplifyUntilSame(rewrite.Canonicalize(n))
	settings.logCost("simplified", n)

	if settings.DistributeMinSize > 0 {
		minSize := big.NewInt(settings.DistributeMinSize)
		if cost.MaxNonInputSize(n).Cmp(minSize) > 0 {
			distributed := simplifier.SimplifyUntilSame(rewrite.Distribute(n, minSize))
			if cost.Compute(distributed).Improves(cost.Compute(n)) {
				n = distributed
				settings.logCost("distributed", n)
			} else if settings.logEnabled(1) {
				klog.Infof("optimizer: distributed circuit discarded, it doesn't improve the cost: %s", cost.Compute(distributed))
			}
		}
	}
	if settings.PushDownIndex {
		n = simplifier.SimplifyUntilSame(rewrite.PushDownIndex(n, big.NewInt(1)))
		settings.logCost("pushed down index", n)
	}
	if settings.PullConcatMinSize > 0 {
		n = rewrite.PullConcat(n, big.NewInt(settings.PullConcatMinSize), simplifier)
		settings.logCost("pulled concat", n)
	}
	if settings.NestAddsMinSize > 0 {
		n = rewrite.NestAdds(n, big.NewInt(settings.NestAddsMinSize))
		settings.logCost("nested adds", n)
	}
	n = rewrite.Canonicalize(n)
	if settings.logEnabled(1) {
		klog.Infof("optimizer: optimized in %s", time.Since(start))
	}
	return n, nil
}

func (s Settings) logCost(phase string, n *circuit.Node) {
	if s.logEnabled(1) {
		klog.Infof("optimizer: %s: %s", phase, cost.Compute(n))
	}
}

// ScheduleOptions returns the schedule.Options matching the settings. A nil oracle means schedule.GreedyOracle.
func (s Settings) ScheduleOptions(oracle schedule.Oracle) schedule.Options {
	return schedule.Options{
		MaxMemory: s.MaxElements(),
		NumChunks: s.SchedulingNumMemChunks,
		Simplify:  s.SchedulingSimplify,
		DType:     s.DType,
		Oracle:    oracle,
	}
}

// OptimizeToSchedule optimizes n and compiles it into a schedule that fits settings.MaxMemory.
// If oracle is nil, schedule.GreedyOracle is used.
//
// It returns a (wrapped) *schedule.CannotFitInMemoryError if no schedule fits.
func OptimizeToSchedule(n *circuit.Node, settings Settings, oracle schedule.Oracle) (*schedule.Schedule, error) {
	optimized, err := Optimize(n, settings)
	if err != nil {
		return nil, err
	}
	s, err := schedule.FromCircuit(optimized, settings.ScheduleOptions(oracle))
	if err != nil {
		return nil, err
	}
	if settings.logEnabled(2) {
		klog.Infof("optimizer: schedule stats: %s\n%s", s.Stats(), s.Stats().LiveSetString())
	}
	return s, nil
}

// OptimizeAndEvaluate optimizes n, schedules it and evaluates the schedule with evaluator.
func OptimizeAndEvaluate(n *circuit.Node, settings Settings, evaluator execute.Evaluator,
	options ...execute.Option) (*tensors.Tensor, error) {
	s, err := OptimizeToSchedule(n, settings, nil)
	if err != nil {
		return nil, err
	}
	return evaluate(s, settings, evaluator, options)
}

// ScheduledEvaluate schedules n as is, without optimizing it, and evaluates the schedule with evaluator.
func ScheduledEvaluate(n *circuit.Node, settings Settings, evaluator execute.Evaluator,
	options ...execute.Option) (*tensors.Tensor, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s, err := schedule.FromCircuit(n, settings.ScheduleOptions(nil))
	if err != nil {
		return nil, err
	}
	return evaluate(s, settings, evaluator, options)
}

func evaluate(s *schedule.Schedule, settings Settings, evaluator execute.Evaluator, options []execute.Option) (*tensors.Tensor, error) {
	if !settings.AdjustNumericalScale {
		return execute.RunOutput(s, evaluator, options...)
	}
	values, err := execute.RunAdjustNumericalScale(s, evaluator, settings.NumericalScaleMin, settings.NumericalScaleMax, options...)
	if err != nil {
		return nil, err
	}
	value, found := values[s.Outputs[0].Hash()]
	if !found {
		return nil, errors.Errorf("schedule output %s was not computed", s.Outputs[0])
	}
	return value, nil
}
