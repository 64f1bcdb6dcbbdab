// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package execute_test

import (
	"math"
	"testing"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/circuit/circuittest"
	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/circuitopt/pkg/core/execute"
	"github.com/gomlx/circuitopt/pkg/core/refeval"
	"github.com/gomlx/circuitopt/pkg/core/schedule"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioSchedule(t *testing.T) (*circuit.Node, *schedule.Schedule) {
	root := circuittest.SigmoidScenario()
	opts := schedule.DefaultOptions()
	opts.MaxMemory = 50
	opts.NumChunks = 50
	s, err := schedule.FromCircuit(root, opts)
	require.NoError(t, err)
	return root, s
}

func TestRun(t *testing.T) {
	root, s := scenarioSchedule(t)
	var calls, lastDone, lastTotal int
	values, err := execute.Run(s, refeval.New(), execute.WithProgress(func(done, total int) {
		calls++
		lastDone, lastTotal = done, total
	}))
	require.NoError(t, err)
	assert.Equal(t, len(s.Instructions), calls)
	assert.Equal(t, lastTotal, lastDone)

	// Only the constants and the output are live at the end.
	assert.Len(t, values, len(s.Constants)+1)
	want := circuittest.Eval(t, root)
	require.Contains(t, values, root.Hash())
	assert.True(t, want.InDelta(values[root.Hash()], 1e-12))

	got, err := execute.RunOutput(s, refeval.New())
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-12))
}

func TestRunNaiveToposort(t *testing.T) {
	a := circuittest.Constant(1, 3, 4)
	b := circuittest.Constant(2, 4, 5)
	prod := must.M1(circuit.EinsumSimple("ab,bc->ac", a, b))
	sig := must.M1(circuit.GeneralFunctionByName("tanh", prod))
	root := must.M1(circuit.Concat(0, prod, sig, must.M1(circuit.Add(prod, sig))))
	got, err := execute.RunOutput(schedule.NaiveToposort(root), refeval.New())
	require.NoError(t, err)
	assert.True(t, circuittest.Eval(t, root).InDelta(got, 1e-12))
}

func TestRunSymbols(t *testing.T) {
	x := must.M1(circuit.NewSymbol(2, 3))
	w := circuittest.Constant(3, 3)
	prod := must.M1(circuit.EinsumSimple("ab,b->a", x, w))
	root := must.M1(circuit.GeneralFunctionByName("sigmoid", prod))
	value := must.M1(tensors.FromValue([][]float64{{1, 2, 3}, {-4, 5e4, -6}}))
	evaluator := refeval.New().WithBinding(x.AsSymbol().ID, value)

	s := schedule.NaiveToposort(root)
	assert.NotContains(t, s.Constants, x.Hash())
	want, err := evaluator.EvalCircuit(root)
	require.NoError(t, err)
	got, err := execute.RunOutput(s, evaluator)
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-12))

	values, err := execute.RunAdjustNumericalScale(s, evaluator, 1e-3, 1e3)
	require.NoError(t, err)
	assert.True(t, want.InDelta(values[root.Hash()], 1e-9))

	// Unbound symbols fail when their instruction runs.
	_, err = execute.RunOutput(s, refeval.New())
	var evalErr *execute.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.True(t, evalErr.Node.Equal(x))
}

func TestRunRandomCircuits(t *testing.T) {
	for seed := range uint64(30) {
		root := circuittest.RandomCircuit(seed, 10, true)
		evaluator := refeval.New()
		for n := range circuit.All(root) {
			if p := n.AsSymbol(); p != nil {
				evaluator = evaluator.WithBinding(p.ID, tensors.Randn(seed, p.Dimensions...))
			}
		}
		want, err := evaluator.EvalCircuit(root)
		require.NoError(t, err)

		dag := schedule.FromCircuits(root)
		opts := schedule.DefaultOptions()
		opts.MaxMemory = dag.TotalCost()
		opts.NumChunks = int(opts.MaxMemory)
		s, err := schedule.FromCircuit(root, opts)
		require.NoError(t, err)
		got, err := execute.RunOutput(s, evaluator)
		require.NoErrorf(t, err, "seed %d", seed)
		assert.Truef(t, want.InDelta(got, 1e-12), "seed %d", seed)
	}
}

func TestRunLivenessFailure(t *testing.T) {
	root, s := scenarioSchedule(t)

	// Computing the root without its child being live.
	broken := *s
	broken.Instructions = []schedule.Instruction{{Kind: schedule.Compute, Node: root}}
	err := exceptions.TryCatch[error](func() { _, _ = execute.Run(&broken, refeval.New()) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not live")

	// Dropping a value twice.
	broken.Instructions = append(append([]schedule.Instruction(nil), s.Instructions...), s.Instructions[len(s.Instructions)-1])
	require.Equal(t, schedule.Drop, broken.Instructions[len(broken.Instructions)-1].Kind)
	err = exceptions.TryCatch[error](func() { _, _ = execute.Run(&broken, refeval.New()) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not live")
}

// failingEvaluator fails on GeneralFunction nodes, and returns values of the wrong shape for Einsum
// if wrongShape is set.
type failingEvaluator struct {
	wrongShape bool
}

func (e failingEvaluator) Evaluate(node *circuit.Node, children []*tensors.Tensor) (*tensors.Tensor, error) {
	switch node.Kind() {
	case circuit.KindGeneralFunction:
		if !e.wrongShape {
			return nil, errors.New("no general functions here")
		}
	case circuit.KindEinsum:
		if e.wrongShape {
			return tensors.Zeros(7), nil
		}
	}
	return refeval.New().Evaluate(node, children)
}

func TestRunEvaluationError(t *testing.T) {
	_, s := scenarioSchedule(t)
	_, err := execute.Run(s, failingEvaluator{})
	require.Error(t, err)
	var evalErr *execute.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, circuit.KindGeneralFunction, evalErr.Node.Kind())
	assert.Contains(t, err.Error(), "no general functions here")

	_, err = execute.RunAdjustNumericalScale(s, failingEvaluator{}, 1e-3, 1e3)
	require.True(t, errors.As(err, &evalErr))

	// Wrong shapes are fatal.
	err = exceptions.TryCatch[error](func() { _, _ = execute.Run(s, failingEvaluator{wrongShape: true}) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "with shape")
}

func TestRunAdjustNumericalScale(t *testing.T) {
	x := circuittest.Scalar(3, 4)
	scale := func(value float64) circuit.EinsumArg {
		return circuit.EinsumArg{Node: circuittest.Scalar(value)}
	}
	up := must.M1(circuit.Einsum([]circuit.EinsumArg{{Node: x, Axes: []int{0}}, scale(1e5)}, []int{0}))
	down := must.M1(circuit.Einsum([]circuit.EinsumArg{{Node: up, Axes: []int{0}}, scale(1e-5)}, []int{0}))
	s := schedule.NaiveToposort(down)
	f16 := refeval.New().WithDType(dtypes.Float16)

	// 3e5 overflows float16.
	plain, err := execute.RunOutput(s, f16)
	require.NoError(t, err)
	assert.True(t, math.IsInf(plain.Flat()[0], 1))

	values, err := execute.RunAdjustNumericalScale(s, f16, 1e-3, 1e3)
	require.NoError(t, err)
	assert.True(t, tensors.Full(3, 4).InDelta(values[down.Hash()], 1e-9))

	// Mixed operations in float64 give the same result as the direct evaluation.
	y := circuittest.Constant(7, 4)
	big := must.M1(circuit.Einsum([]circuit.EinsumArg{{Node: y, Axes: []int{0}}, scale(1e5)}, []int{0}))
	small := must.M1(circuit.Einsum([]circuit.EinsumArg{{Node: y, Axes: []int{0}}, scale(1e-5)}, []int{0}))
	sig := must.M1(circuit.GeneralFunctionByName("sigmoid", big))
	halves := must.M1(circuit.Concat(0,
		must.M1(circuit.Index(small, circuit.TensorIndex{circuit.Slice(0, 2)})),
		must.M1(circuit.Index(small, circuit.TensorIndex{circuit.Slice(2, 4)}))))
	root := must.M1(circuit.Add(sig, halves, big))
	values, err = execute.RunAdjustNumericalScale(schedule.NaiveToposort(root), refeval.New(), 1e-3, 1e3)
	require.NoError(t, err)
	assert.True(t, circuittest.Eval(t, root).InDelta(values[root.Hash()], 1e-6))

	_, err = execute.RunAdjustNumericalScale(s, f16, 0, 1)
	assert.Error(t, err)
}
