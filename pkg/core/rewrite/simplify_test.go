// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite_test

import (
	"testing"

	. "github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/circuit/circuittest"
	"github.com/gomlx/circuitopt/pkg/core/rewrite"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimplifyAddSame(t *testing.T) {
	x := constant(1, 2, 3)
	sum := must.M1(Add(x, x))
	simplified := rewrite.NewSimplifier(nil).Simplify(sum)
	want := must.M1(Einsum([]EinsumArg{{Node: x, Axes: []int{0, 1}}, {Node: scalar(2)}}, []int{0, 1}))
	requireSame(t, want, simplified)
	circuittest.AssertEvalClose(t, sum, simplified, 1e-9)

	// Already simplified.
	requireSame(t, simplified, rewrite.NewSimplifier(nil).Simplify(simplified))
}

// messyCircuit returns a circuit with plenty of simplification opportunities.
func messyCircuit() *Node {
	a, b, c := constant(1, 2, 3), constant(2, 2, 3), constant(3, 2, 3)
	w := constant(4, 3, 4)
	withZero := must.M1(Add(a, scalar(0, 2, 3)))
	selected := must.M1(Index(must.M1(Concat(0, b, c)), TensorIndex{Slice(2, 4)}))
	roundTrip := must.M1(Permute(must.M1(Permute(b, 1, 0)), 1, 0))
	sum := must.M1(Add(must.M1(Add(withZero, selected)), roundTrip, scalar(1), scalar(2, 3)))
	product := must.M1(EinsumSimple("ab,bc->ac", sum, w))
	scaled := must.M1(Einsum([]EinsumArg{{Node: product, Axes: []int{0, 1}}, {Node: scalar(1)}}, []int{0, 1}))
	return must.M1(Add(scaled, must.M1(Scatter(scalar(0, 1, 4), TensorIndex{Slice(1, 2)}, 2, 4))))
}

func TestSimplify(t *testing.T) {
	messy := messyCircuit()
	simplifier := rewrite.NewSimplifier(nil)
	simplified := simplifier.Simplify(messy)
	assert.Less(t, CountNodes(simplified), CountNodes(messy))
	assert.Equal(t, messy.Shape(), simplified.Shape())
	circuittest.AssertEvalClose(t, messy, simplified, 1e-9)
	assert.Positive(t, simplifier.Cache().Len())

	// Memoized results are reused.
	requireSame(t, simplified, simplifier.Simplify(messy))

	untilSame := rewrite.NewSimplifier(nil).SimplifyUntilSame(messy)
	circuittest.AssertEvalClose(t, messy, untilSame, 1e-9)
	requireSame(t, untilSame, rewrite.NewSimplifier(nil).SimplifyUntilSame(untilSame))

	// The scenario circuit has nothing to simplify.
	scenario := circuittest.SigmoidScenario()
	requireSame(t, scenario, rewrite.NewSimplifier(nil).Simplify(scenario))
}

func TestSimplifyIsIdempotent(t *testing.T) {
	x, c := constant(1, 2, 2), constant(2, 2, 2)
	doubled := must.M1(Einsum([]EinsumArg{{Node: x, Axes: []int{0, 1}}, {Node: scalar(2)}}, []int{0, 1}))
	w := constant(3, 2, 3)
	circuits := map[string]*Node{
		"repeated scaled term": must.M1(Add(must.M1(Add(doubled, c)), doubled)),
		"nested sums":          must.M1(Add(must.M1(Add(must.M1(Add(x, c)), x)), must.M1(Add(c, doubled)))),
		"sum under product":    must.M1(EinsumSimple("ab,bc->ac", must.M1(Add(must.M1(Add(doubled, x)), doubled)), w)),
		"messy":                messyCircuit(),
	}
	for name, n := range circuits {
		t.Run(name, func(t *testing.T) {
			simplified := rewrite.NewSimplifier(nil).Simplify(n)
			circuittest.AssertEvalClose(t, n, simplified, 1e-9)
			requireSame(t, simplified, rewrite.NewSimplifier(nil).Simplify(simplified))
			requireSame(t, simplified, rewrite.NewSimplifier(nil).SetParallelism(4).Simplify(simplified))
			for node := range All(simplified) {
				assert.Nilf(t, rewrite.Step(node), "a rule still fires on %s", node)
			}
		})
	}
}

func TestSimplifyParallel(t *testing.T) {
	messy := messyCircuit()
	sequential := rewrite.NewSimplifier(nil).Simplify(messy)
	for _, parallelism := range []int{1, 4, -1} {
		parallel := rewrite.NewSimplifier(rewrite.NewCache()).SetParallelism(parallelism).Simplify(messy)
		requireSame(t, sequential, parallel)
	}
}

func TestSimplifySharedCache(t *testing.T) {
	cache := rewrite.NewCache()
	x := constant(1, 2, 3)
	first := rewrite.NewSimplifier(cache).Simplify(must.M1(Add(x, x)))
	size := cache.Len()
	require.Positive(t, size)
	second := rewrite.NewSimplifier(cache).Simplify(must.M1(Add(x, x)))
	assert.Same(t, first, second)
	assert.Equal(t, size, cache.Len())
	cache.Clear()
	assert.Zero(t, cache.Len())
}
