// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package refeval is a straightforward pure Go tensor evaluator for circuits.
//
// It implements the tensor evaluation capability used by the schedule interpreter (see
// execute.Evaluator), and it can also evaluate a circuit directly, which is what tests use to check
// that rewrites and schedules don't change results.
//
// It favors simplicity over speed: every node is computed with plain loops over float64 values.
// Lower precision dtypes are emulated by rounding the result of every node.
package refeval

import (
	"maps"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/circuitopt/pkg/core/shapes"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/gomlx/circuitopt/pkg/support/xslices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluator evaluates circuit nodes on host tensors.
type Evaluator struct {
	bindings map[uuid.UUID]*tensors.Tensor
	dtype    dtypes.DType
}

// New returns an Evaluator with no symbol bindings, computing in Float64.
func New() *Evaluator {
	return &Evaluator{bindings: make(map[uuid.UUID]*tensors.Tensor), dtype: dtypes.Float64}
}

// WithBinding returns a copy of the evaluator with the symbol of the given id bound to value.
func (e *Evaluator) WithBinding(id uuid.UUID, value *tensors.Tensor) *Evaluator {
	e2 := &Evaluator{bindings: maps.Clone(e.bindings), dtype: e.dtype}
	e2.bindings[id] = value
	return e2
}

// WithDType returns a copy of the evaluator that rounds every computed value to dtype.
func (e *Evaluator) WithDType(dtype dtypes.DType) *Evaluator {
	return &Evaluator{bindings: e.bindings, dtype: dtype}
}

// DType used to round computed values.
func (e *Evaluator) DType() dtypes.DType { return e.dtype }

// Evaluate computes node given the values of its children.
func (e *Evaluator) Evaluate(node *circuit.Node, children []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(children) != node.NumChildren() {
		return nil, errors.Errorf("refeval: node %s has %d children, given %d values", node, node.NumChildren(), len(children))
	}
	for ii, child := range node.Children() {
		if !children[ii].Shape().Equal(child.Shape()) {
			return nil, errors.Errorf("refeval: child #%d of %s has shape %s, given value of shape %s",
				ii, node, child.Shape(), children[ii].Shape())
		}
	}
	if numel := node.Info().Numel; !numel.IsInt64() || numel.Int64() > maxElements {
		return nil, errors.Errorf("refeval: node %s is too large to evaluate (%s elements)", node, circuit.OOMFormat(numel))
	}
	var (
		result *tensors.Tensor
		err    error
	)
	switch p := node.Params().(type) {
	case *circuit.ArrayConstantParams:
		result = p.Value
	case *circuit.ScalarConstantParams:
		result = tensors.Full(p.Value, p.Dimensions...)
	case *circuit.SymbolParams:
		value, found := e.bindings[p.ID]
		if !found {
			return nil, errors.Errorf("refeval: symbol %s has no binding", node)
		}
		if !value.Shape().Equal(node.Shape()) {
			return nil, errors.Errorf("refeval: symbol %s bound to value of shape %s", node, value.Shape())
		}
		result = value
	case *circuit.AddParams:
		result = add(node.Shape(), children)
	case *circuit.EinsumParams:
		result = einsum(p, node.Shape(), children)
	case *circuit.RearrangeParams:
		result = rearrange(p, node.Shape(), children[0])
	case *circuit.IndexParams:
		result = index(p.Index, node.Shape(), children[0])
	case *circuit.ScatterParams:
		result = scatter(p, children[0])
	case *circuit.ConcatParams:
		result = concat(p.Axis, node.Shape(), children)
	case *circuit.GeneralFunctionParams:
		result, err = generalFunction(p.Spec, node.Shape(), children)
	default:
		err = errors.Errorf("refeval: unsupported node kind %s", node.Kind())
	}
	if err != nil {
		return nil, err
	}
	if klog.V(3).Enabled() {
		klog.Infof("refeval: evaluated %s", node)
	}
	if node.Kind().IsLeaf() {
		return result, nil
	}
	return result.Round(e.dtype), nil
}

// maxElements limits the size of the values refeval is willing to allocate.
const maxElements = 1 << 28

// EvalCircuit evaluates the whole circuit rooted at root, computing each distinct node once.
func (e *Evaluator) EvalCircuit(root *circuit.Node) (*tensors.Tensor, error) {
	values := make(map[circuit.Hash]*tensors.Tensor)
	for _, node := range circuit.Toposort(root) {
		children := xslices.Map(node.Children(), func(child *circuit.Node) *tensors.Tensor { return values[child.Hash()] })
		value, err := e.Evaluate(node, children)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating %s", node)
		}
		values[node.Hash()] = value
	}
	return values[root.Hash()], nil
}

// flatOffset returns the flat position of indices given the strides.
func flatOffset(indices, strides []int) int {
	offset := 0
	for axis, idx := range indices {
		offset += idx * strides[axis]
	}
	return offset
}

func add(output shapes.Shape, operands []*tensors.Tensor) *tensors.Tensor {
	out := make([]float64, output.Size())
	rank := output.Rank()
	for _, operand := range operands {
		opShape := operand.Shape()
		offset := rank - opShape.Rank()
		strides := opShape.Strides()
		// Broadcast axes (dimension 1) don't move in the operand.
		for axis, dim := range opShape.Dimensions {
			if dim == 1 {
				strides[axis] = 0
			}
		}
		flat := operand.Flat()
		for outIdx, indices := range output.Iter() {
			out[outIdx] += flat[flatOffset(indices[offset:], strides)]
		}
	}
	return tensors.FromFlat(out, output.Dimensions...)
}

func einsum(p *circuit.EinsumParams, output shapes.Shape, operands []*tensors.Tensor) *tensors.Tensor {
	sizes := make(map[int]int)
	for ii, axes := range p.InputAxes {
		for axis, label := range axes {
			sizes[label] = operands[ii].Shape().Dimensions[axis]
		}
	}
	labels := xslices.SortedKeys(sizes)
	labelPos := make(map[int]int, len(labels))
	for ii, label := range labels {
		labelPos[label] = ii
	}
	iterShape := shapes.Make(xslices.Map(labels, func(label int) int { return sizes[label] })...)

	// Strides indexed by position in labels, so repeated labels (diagonals) accumulate their strides.
	labelStrides := func(axes []int, shape shapes.Shape) []int {
		strides := make([]int, len(labels))
		for axis, stride := range shape.Strides() {
			strides[labelPos[axes[axis]]] += stride
		}
		return strides
	}
	operandStrides := make([][]int, len(operands))
	for ii, operand := range operands {
		operandStrides[ii] = labelStrides(p.InputAxes[ii], operand.Shape())
	}
	outStrides := labelStrides(p.OutputAxes, output)

	out := make([]float64, output.Size())
	for _, indices := range iterShape.Iter() {
		prod := 1.0
		for ii, operand := range operands {
			prod *= operand.Flat()[flatOffset(indices, operandStrides[ii])]
		}
		out[flatOffset(indices, outStrides)] += prod
	}
	return tensors.FromFlat(out, output.Dimensions...)
}

func rearrange(p *circuit.RearrangeParams, output shapes.Shape, input *tensors.Tensor) *tensors.Tensor {
	out := make([]float64, output.Size())
	coords := make([]int, len(p.Sizes))
	inStrides := input.Shape().Strides()
	flat := input.Flat()
	for outIdx, indices := range output.Iter() {
		for axis, group := range p.Output {
			v := indices[axis]
			for jj := len(group) - 1; jj >= 0; jj-- {
				size := p.Sizes[group[jj]]
				coords[group[jj]] = v % size
				v /= size
			}
		}
		// Ids dropped from the output have size 1, and their coordinate stays 0.
		inOffset := 0
		for axis, group := range p.Input {
			v := 0
			for _, id := range group {
				v = v*p.Sizes[id] + coords[id]
			}
			inOffset += v * inStrides[axis]
		}
		out[outIdx] = flat[inOffset]
	}
	return tensors.FromFlat(out, output.Dimensions...)
}

// indexPosition returns the input position along an axis for the output coordinate outCoord.
func indexPosition(ai circuit.AxisIndex, outCoord int) int {
	switch ai.Kind {
	case circuit.IndexSingle:
		return ai.Position
	case circuit.IndexSlice:
		return ai.Start + outCoord
	default:
		return ai.Positions[outCoord]
	}
}

func index(idx circuit.TensorIndex, output shapes.Shape, input *tensors.Tensor) *tensors.Tensor {
	out := make([]float64, output.Size())
	inStrides := input.Shape().Strides()
	flat := input.Flat()
	for outIdx, indices := range output.Iter() {
		inOffset, outAxis := 0, 0
		for axis, ai := range idx {
			coord := 0
			if ai.Kind != circuit.IndexSingle {
				coord = indices[outAxis]
				outAxis++
			}
			inOffset += indexPosition(ai, coord) * inStrides[axis]
		}
		out[outIdx] = flat[inOffset]
	}
	return tensors.FromFlat(out, output.Dimensions...)
}

func scatter(p *circuit.ScatterParams, input *tensors.Tensor) *tensors.Tensor {
	output := shapes.Make(p.Dimensions...)
	out := make([]float64, output.Size())
	outStrides := output.Strides()
	flat := input.Flat()
	for inIdx, indices := range input.Shape().Iter() {
		offset := 0
		for axis, ai := range p.Index {
			offset += (ai.Start + indices[axis]) * outStrides[axis]
		}
		out[offset] = flat[inIdx]
	}
	return tensors.FromFlat(out, output.Dimensions...)
}

func concat(axis int, output shapes.Shape, operands []*tensors.Tensor) *tensors.Tensor {
	out := make([]float64, output.Size())
	outStrides := output.Strides()
	start := 0
	for _, operand := range operands {
		flat := operand.Flat()
		for inIdx, indices := range operand.Shape().Iter() {
			out[flatOffset(indices, outStrides)+start*outStrides[axis]] = flat[inIdx]
		}
		start += operand.Shape().Dimensions[axis]
	}
	return tensors.FromFlat(out, output.Dimensions...)
}

func generalFunction(spec *circuit.GeneralFunctionSpec, output shapes.Shape, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(inputs) == 1 && spec.IsElementwise() {
		return inputs[0].Map(spec.ScalarFn), nil
	}
	if len(inputs) == 1 && spec.NumNonBatchable == 1 && spec.RowFn != nil {
		in := inputs[0].Flat()
		out := make([]float64, len(in))
		rowLen := output.Dim(-1)
		if rowLen > 0 {
			for start := 0; start < len(in); start += rowLen {
				spec.RowFn(in[start:start+rowLen], out[start:start+rowLen])
			}
		}
		return tensors.FromFlat(out, output.Dimensions...), nil
	}
	return nil, errors.Errorf("refeval: general function %q has no tensor implementation for %d inputs", spec.Name, len(inputs))
}
