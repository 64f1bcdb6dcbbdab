// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/refeval"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// attentionCircuit builds a multi-head self-attention layer with a residual connection,
// x + attention(x), where x is a [seq, dModel] symbol.
//
// It returns the circuit and a reference evaluator with x bound to input, or to random values if input is nil.
func attentionCircuit(seq, dModel, numHeads int, seed uint64, input *tensors.Tensor) (*circuit.Node, *refeval.Evaluator, error) {
	if seq <= 0 || dModel <= 0 || numHeads <= 0 {
		return nil, nil, errors.Errorf("invalid attention dimensions seq=%d, dmodel=%d, heads=%d", seq, dModel, numHeads)
	}
	if input == nil {
		input = tensors.Randn(seed, seq, dModel)
	} else if dims := input.Shape().Dimensions; len(dims) != 2 || dims[0] != seq || dims[1] != dModel {
		return nil, nil, errors.Errorf("input x must be shaped [%d, %d] (seq, dmodel), got %s", seq, dModel, input.Shape())
	}
	if dModel%numHeads != 0 {
		return nil, nil, errors.Errorf("dmodel=%d must be divisible by heads=%d", dModel, numHeads)
	}
	headDim := dModel / numHeads
	x := must.M1(circuit.NewSymbol(seq, dModel)).Named("x").WithNamedAxes(map[int]string{0: "seq", 1: "embed"})
	evaluator := refeval.New().WithBinding(x.AsSymbol().ID, input)

	weight := func(offset uint64, name string, dims ...int) *circuit.Node {
		value := tensors.Randn(seed+offset, dims...).Scale(1 / math.Sqrt(float64(dModel)))
		return must.M1(circuit.ArrayConstant(value)).Named(name)
	}
	wq := weight(1, "w_q", numHeads, dModel, headDim)
	wk := weight(2, "w_k", numHeads, dModel, headDim)
	wv := weight(3, "w_v", numHeads, dModel, headDim)
	wo := weight(4, "w_o", numHeads, headDim, dModel)

	q := must.M1(circuit.EinsumSimple("sd,hde->hse", x, wq)).Named("q")
	k := must.M1(circuit.EinsumSimple("sd,hde->hse", x, wk)).Named("k")
	v := must.M1(circuit.EinsumSimple("sd,hde->hse", x, wv)).Named("v")
	scores := must.M1(circuit.EinsumSimple("hse,hte->hst", q, k))
	scale := must.M1(circuit.ScalarConstant(1 / math.Sqrt(float64(headDim))))
	scaled := must.M1(circuit.Einsum([]circuit.EinsumArg{
		{Node: scores, Axes: []int{0, 1, 2}},
		{Node: scale},
	}, []int{0, 1, 2})).Named("scores")
	probs := must.M1(circuit.GeneralFunctionByName("softmax", scaled)).Named("probs")
	heads := must.M1(circuit.EinsumSimple("hst,hte->hse", probs, v)).Named("heads")
	out := must.M1(circuit.EinsumSimple("hse,hed->sd", heads, wo))
	return must.M1(circuit.Add(x, out)).Named("residual"), evaluator, nil
}
