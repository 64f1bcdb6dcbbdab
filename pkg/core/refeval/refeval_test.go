// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refeval_test

import (
	"math"
	"testing"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/circuitopt/pkg/core/refeval"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(value any) *circuit.Node {
	return must.M1(circuit.ArrayConstant(must.M1(tensors.FromValue(value))))
}

func evalTo(t *testing.T, n *circuit.Node, want any) {
	t.Helper()
	got, err := refeval.New().EvalCircuit(n)
	require.NoError(t, err)
	wantT := must.M1(tensors.FromValue(want))
	assert.Truef(t, wantT.InDelta(got, 1e-9), "evaluating %s: want %s, got %s", n, wantT, got)
}

func TestAdd(t *testing.T) {
	x := constant([][]float64{{0, 1, 2}, {3, 4, 5}})
	y := constant([]float64{10, 20, 30})
	one := must.M1(circuit.ScalarConstant(1))
	evalTo(t, must.M1(circuit.Add(x, y, one)), [][]float64{{11, 22, 33}, {14, 25, 36}})

	column := constant([][]float64{{100}, {200}})
	evalTo(t, must.M1(circuit.Add(x, column)), [][]float64{{100, 101, 102}, {203, 204, 205}})
}

func TestEinsum(t *testing.T) {
	a := constant([][]float64{{1, 2}, {3, 4}})
	b := constant([][]float64{{5, 6}, {7, 8}})
	evalTo(t, must.M1(circuit.EinsumSimple("ij,jk->ik", a, b)), [][]float64{{19, 22}, {43, 50}})
	evalTo(t, must.M1(circuit.EinsumSimple("ii->", a)), 5.0)
	evalTo(t, must.M1(circuit.EinsumSimple("ii->i", a)), []float64{1, 4})
	evalTo(t, must.M1(circuit.EinsumSimple("ij->ji", a)), [][]float64{{1, 3}, {2, 4}})
	evalTo(t, must.M1(circuit.EinsumSimple("ij,ij->i", a, b)), []float64{17, 53})
}

func TestRearrange(t *testing.T) {
	x := constant([][]float64{{1, 2, 3}, {4, 5, 6}})
	evalTo(t, must.M1(circuit.Permute(x, 1, 0)), [][]float64{{1, 4}, {2, 5}, {3, 6}})
	evalTo(t, must.M1(circuit.Repeat(constant([]float64{1, 2}), 0, 2)), [][]float64{{1, 2}, {1, 2}})

	flat := constant([]float64{0, 1, 2, 3, 4, 5})
	split := must.M1(circuit.Rearrange(flat, circuit.RearrangeSpec{
		Input:  [][]int{{0, 1}},
		Output: [][]int{{1}, {0}},
		Sizes:  map[int]int{0: 2},
	}))
	evalTo(t, split, [][]float64{{0, 3}, {1, 4}, {2, 5}})

	merged := must.M1(circuit.Rearrange(x, circuit.RearrangeSpec{Input: [][]int{{0}, {1}}, Output: [][]int{{1, 0}}}))
	evalTo(t, merged, []float64{1, 4, 2, 5, 3, 6})
}

func TestIndexScatterConcat(t *testing.T) {
	x := constant([][]float64{{1, 2, 3}, {4, 5, 6}})
	evalTo(t, must.M1(circuit.Index(x, circuit.TensorIndex{circuit.Single(1), circuit.Gather(2, 0)})), []float64{6, 4})
	evalTo(t, must.M1(circuit.Index(x, circuit.TensorIndex{circuit.FullSlice(), circuit.Slice(1, 3)})), [][]float64{{2, 3}, {5, 6}})

	evalTo(t, must.M1(circuit.Scatter(constant([]float64{1, 2}), circuit.TensorIndex{circuit.Slice(1, 3)}, 4)),
		[]float64{0, 1, 2, 0})

	evalTo(t, must.M1(circuit.Concat(0, constant([][]float64{{1, 2}}), constant([][]float64{{3, 4}, {5, 6}}))),
		[][]float64{{1, 2}, {3, 4}, {5, 6}})
	evalTo(t, must.M1(circuit.Concat(1, constant([][]float64{{1}, {2}}), constant([][]float64{{3, 4}, {5, 6}}))),
		[][]float64{{1, 3, 4}, {2, 5, 6}})
}

func TestGeneralFunction(t *testing.T) {
	zeros := must.M1(circuit.ScalarConstant(0, 2, 2))
	evalTo(t, must.M1(circuit.GeneralFunctionByName("sigmoid", zeros)), [][]float64{{0.5, 0.5}, {0.5, 0.5}})
	evalTo(t, must.M1(circuit.GeneralFunctionByName("softmax", zeros)), [][]float64{{0.5, 0.5}, {0.5, 0.5}})
	evalTo(t, must.M1(circuit.GeneralFunctionByName("relu", constant([]float64{-1, 2}))), []float64{0, 2})
}

func TestSymbolsAndDType(t *testing.T) {
	id := uuid.New()
	x := must.M1(circuit.Symbol(id, 2))
	_, err := refeval.New().EvalCircuit(x)
	require.Error(t, err, "unbound symbol")

	e := refeval.New().WithBinding(id, must.M1(tensors.FromValue([]float64{1, 2})))
	got, err := e.EvalCircuit(must.M1(circuit.Add(x, x)))
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, got.Flat())

	_, err = e.EvalCircuit(must.M1(circuit.Add(must.M1(circuit.Symbol(id, 3)))))
	require.Error(t, err, "binding has the wrong shape")

	small := must.M1(circuit.ScalarConstant(1e-4))
	sum := must.M1(circuit.Add(must.M1(circuit.ScalarConstant(1)), small))
	got64 := must.M1(refeval.New().EvalCircuit(sum))
	assert.InDelta(t, 1.0001, got64.Value(), 1e-12)
	got16 := must.M1(refeval.New().WithDType(dtypes.Float16).EvalCircuit(sum))
	assert.Equal(t, 1.0, got16.Value())

	huge := must.M1(circuit.Add(must.M1(circuit.ScalarConstant(math.Pi, 1<<20, 1<<20))))
	_, err = refeval.New().EvalCircuit(huge)
	require.Error(t, err, "too large to evaluate")
}
