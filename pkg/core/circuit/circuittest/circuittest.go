// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package circuittest holds test utilities for packages that depend on the circuit package.
package circuittest

import (
	"testing"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/refeval"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// Constant returns an ArrayConstant with normally distributed values generated from seed.
func Constant(seed uint64, dimensions ...int) *circuit.Node {
	return must.M1(circuit.ArrayConstant(tensors.Randn(seed, dimensions...)))
}

// Scalar returns a ScalarConstant filled with value.
func Scalar(value float64, dimensions ...int) *circuit.Node {
	return must.M1(circuit.ScalarConstant(value, dimensions...))
}

// Eval evaluates the circuit with the reference evaluator, failing the test on error.
func Eval(t *testing.T, n *circuit.Node) *tensors.Tensor {
	t.Helper()
	value, err := refeval.New().EvalCircuit(n)
	require.NoErrorf(t, err, "failed to evaluate %s", n)
	return value
}

// AssertEvalClose checks that both circuits evaluate to the same value, within delta.
// Use it to check that a transformation preserves the value of a circuit.
func AssertEvalClose(t *testing.T, want, got *circuit.Node, delta float64) {
	t.Helper()
	wantValue, gotValue := Eval(t, want), Eval(t, got)
	require.Truef(t, wantValue.InDelta(gotValue, delta),
		"circuits evaluate to different values:\n  want %s\n%s\n  got %s\n%s",
		wantValue, circuit.TreeString(want), gotValue, circuit.TreeString(got))
}

// SigmoidScenario returns the circuit Einsum(Add(A, sigmoid(B)), "abc->ab"), with A and B random [2,3,4]
// constants. Its largest node has 24 elements and all nodes together hold 54.
func SigmoidScenario() *circuit.Node {
	a := Constant(1, 2, 3, 4).Named("A")
	b := Constant(2, 2, 3, 4).Named("B")
	sig := must.M1(circuit.GeneralFunctionByName("sigmoid", b))
	sum := must.M1(circuit.Add(a, sig))
	return must.M1(circuit.Einsum([]circuit.EinsumArg{{Node: sum, Axes: []int{0, 1, 2}}}, []int{0, 1}))
}
