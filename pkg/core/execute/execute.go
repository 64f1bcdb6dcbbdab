// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package execute interprets schedules: it walks the Compute and Drop instructions, delegating the
// evaluation of each node to an Evaluator, and keeping only the live values in memory.
package execute

import (
	"fmt"
	"strings"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/schedule"
	"github.com/gomlx/circuitopt/pkg/core/shapes"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluator computes the value of one node, given the values of its children (in order).
// Leaf nodes are evaluated with no children.
type Evaluator interface {
	Evaluate(node *circuit.Node, children []*tensors.Tensor) (*tensors.Tensor, error)
}

// EvaluationError is returned when the Evaluator fails on a node.
type EvaluationError struct {
	Node *circuit.Node
	Err  error
}

// Error implements error.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to evaluate %s: %v", e.Node, e.Err)
}

// Unwrap returns the error returned by the Evaluator.
func (e *EvaluationError) Unwrap() error { return e.Err }

// Option for Run and RunAdjustNumericalScale.
type Option func(cfg *config)

type config struct {
	progress func(done, total int)
}

// WithProgress sets a function called after each instruction is executed, with the number of
// instructions done so far and the total.
func WithProgress(fn func(done, total int)) Option {
	return func(cfg *config) {
		cfg.progress = fn
	}
}

// Run interprets the schedule and returns the values live at the end, indexed by node hash. Those
// include the schedule's outputs and its constants.
//
// Errors from the evaluator are returned as *EvaluationError. A schedule that uses a value that is
// not live, or an evaluator result with the wrong shape, are bugs: they panic (with an exceptions
// panic) after logging the offending instructions.
func Run(s *schedule.Schedule, evaluator Evaluator, options ...Option) (map[circuit.Hash]*tensors.Tensor, error) {
	it := newInterpreter(s, (*tensors.Tensor).Shape, options)
	for hash, node := range s.Constants {
		value, err := evaluator.Evaluate(node, nil)
		if err != nil {
			return nil, evaluationError(node, err)
		}
		it.live[hash] = value
	}
	err := it.run(evaluator.Evaluate)
	if err != nil {
		return nil, err
	}
	return it.live, nil
}

// RunOutput runs the schedule and returns the value of its first output.
func RunOutput(s *schedule.Schedule, evaluator Evaluator, options ...Option) (*tensors.Tensor, error) {
	if len(s.Outputs) == 0 {
		return nil, errors.New("schedule has no outputs")
	}
	values, err := Run(s, evaluator, options...)
	if err != nil {
		return nil, err
	}
	return values[s.Outputs[0].Hash()], nil
}

func evaluationError(node *circuit.Node, err error) error {
	klog.Errorf("execute: failed to evaluate node:\n%s", circuit.TreeString(node))
	return errors.WithStack(&EvaluationError{Node: node, Err: err})
}

// interpreter holds the live values, of type V, while walking the instructions.
type interpreter[V any] struct {
	schedule *schedule.Schedule
	live     map[circuit.Hash]V
	shapeOf  func(V) shapes.Shape
	cfg      config
}

func newInterpreter[V any](s *schedule.Schedule, shapeOf func(V) shapes.Shape, options []Option) *interpreter[V] {
	it := &interpreter[V]{
		schedule: s,
		live:     make(map[circuit.Hash]V, len(s.Constants)),
		shapeOf:  shapeOf,
	}
	for _, option := range options {
		option(&it.cfg)
	}
	return it
}

func (it *interpreter[V]) run(compute func(node *circuit.Node, children []V) (V, error)) error {
	total := len(it.schedule.Instructions)
	for ii, inst := range it.schedule.Instructions {
		node := inst.Node
		switch inst.Kind {
		case schedule.Drop:
			if _, found := it.live[node.Hash()]; !found {
				it.fatalf(ii, node, "instruction #%d drops %s, which is not live", ii, node)
			}
			delete(it.live, node.Hash())

		case schedule.Compute:
			children := make([]V, node.NumChildren())
			for jj, child := range node.Children() {
				value, found := it.live[child.Hash()]
				if !found {
					it.fatalf(ii, child, "instruction #%d computes %s, but its child #%d %s is not live", ii, node, jj, child)
				}
				children[jj] = value
			}
			value, err := compute(node, children)
			if err != nil {
				return evaluationError(node, err)
			}
			if shape := it.shapeOf(value); !shape.Equal(node.Shape()) {
				it.fatalf(ii, node, "instruction #%d computed %s with shape %s, expected %s", ii, node, shape, node.Shape())
			}
			it.live[node.Hash()] = value
		}
		if it.cfg.progress != nil {
			it.cfg.progress(ii+1, total)
		}
	}
	return nil
}

// fatalf logs the instructions involving node, and panics.
func (it *interpreter[V]) fatalf(instructionIdx int, node *circuit.Node, format string, args ...any) {
	var sb strings.Builder
	for ii, inst := range it.schedule.Instructions {
		if inst.Node.Hash() == node.Hash() {
			fmt.Fprintf(&sb, "  %5d: %s\n", ii, inst)
		}
	}
	klog.Errorf("execute: schedule failed at instruction #%d, instructions involving %s:\n%s\n%s",
		instructionIdx, node, sb.String(), circuit.TreeString(node))
	exceptions.Panicf(format, args...)
}
