// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuittest

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
)

// RandomCircuit returns a pseudo-random circuit of shape [2, 3], built from numSteps operations chosen
// from a fixed menu: sums (broadcast and repeated), scalings, products, traces of sums, sigmoids,
// concatenations (along free and contracted labels), scatters, permutations and repeats. The same seed
// always returns the same circuit.
//
// If withSymbols is set, some of the leaves are Symbols, whose ids are also derived from the seed, so
// the circuit can't be evaluated without bindings.
func RandomCircuit(seed uint64, numSteps int, withSymbols bool) *circuit.Node {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	numLeaves := 0
	leaf := func(dims ...int) *circuit.Node {
		numLeaves++
		if withSymbols && rng.IntN(3) == 0 {
			id := uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%d/%d", seed, numLeaves)))
			return must.M1(circuit.Symbol(id, dims...))
		}
		switch rng.IntN(4) {
		case 0:
			return Scalar([]float64{0, 1, 2, -0.5}[rng.IntN(4)], dims...)
		default:
			return Constant(seed*1000+uint64(numLeaves), dims...)
		}
	}
	rowsToMatrix := func(v *circuit.Node) *circuit.Node {
		return must.M1(circuit.Rearrange(v, circuit.RearrangeSpec{
			Input: [][]int{{0}}, Output: [][]int{{0}, {1}}, Sizes: map[int]int{1: 3}}))
	}
	colsToMatrix := func(v *circuit.Node) *circuit.Node {
		return must.M1(circuit.Rearrange(v, circuit.RearrangeSpec{
			Input: [][]int{{0}}, Output: [][]int{{1}, {0}}, Sizes: map[int]int{1: 2}}))
	}
	einsum := func(equation string, nodes ...*circuit.Node) *circuit.Node {
		return must.M1(circuit.EinsumSimple(equation, nodes...))
	}
	index := func(n *circuit.Node, index ...circuit.AxisIndex) *circuit.Node {
		return must.M1(circuit.Index(n, index))
	}

	pool := []*circuit.Node{leaf(2, 3), leaf(2, 3)}
	pick := func() *circuit.Node { return pool[rng.IntN(len(pool))] }
	for range numSteps {
		a, b := pick(), pick()
		var next *circuit.Node
		switch rng.IntN(13) {
		case 0:
			next = must.M1(circuit.Add(a, b))
		case 1:
			next = must.M1(circuit.Add(a, leaf(3)))
		case 2:
			next = must.M1(circuit.Einsum([]circuit.EinsumArg{{Node: a, Axes: []int{0, 1}}, {Node: leaf()}}, []int{0, 1}))
		case 3:
			next = einsum("ab,bc->ac", a, leaf(3, 3))
		case 4:
			next = must.M1(circuit.GeneralFunctionByName("sigmoid", a))
		case 5:
			next = must.M1(circuit.Concat(0, index(a, circuit.Slice(0, 1)), index(b, circuit.Slice(1, 2))))
		case 6:
			corner := index(a, circuit.Slice(0, 1), circuit.Slice(0, 2))
			next = must.M1(circuit.Scatter(corner, circuit.TensorIndex{circuit.Slice(1, 2), circuit.Slice(1, 3)}, 2, 3))
		case 7:
			next = must.M1(circuit.Permute(must.M1(circuit.Permute(a, 1, 0)), 1, 0))
		case 8:
			next = must.M1(circuit.Add(a, b, a))
		case 9:
			next = einsum("ab,ab->ab", a, b)
		case 10:
			square := func(n *circuit.Node) *circuit.Node { return einsum("ab,ac->bc", n, n) }
			trace := einsum("bb->b", must.M1(circuit.Add(square(a), square(b))))
			next = must.M1(circuit.Add(a, colsToMatrix(trace)))
		case 11:
			next = must.M1(circuit.Concat(1, index(a, circuit.FullSlice(), circuit.Slice(0, 1)),
				index(b, circuit.FullSlice(), circuit.Slice(1, 3))))
		default:
			// Concatenation along a contracted label.
			halves := must.M1(circuit.Concat(1, index(a, circuit.FullSlice(), circuit.Slice(0, 1)),
				index(b, circuit.FullSlice(), circuit.Slice(1, 3))))
			next = rowsToMatrix(einsum("ab,b->a", halves, leaf(3)))
		}
		pool = append(pool, next)
	}
	return pool[len(pool)-1]
}
