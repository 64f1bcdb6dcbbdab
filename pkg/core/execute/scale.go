// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package execute

import (
	"math"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/schedule"
	"github.com/gomlx/circuitopt/pkg/core/shapes"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/gomlx/circuitopt/pkg/support/xslices"
	"github.com/pkg/errors"
)

// scaled is a value stored multiplied by scale: the represented value is tensor/scale.
type scaled struct {
	tensor *tensors.Tensor
	scale  float64
}

func (v scaled) shape() shapes.Shape { return v.tensor.Shape() }

func (v scaled) mul(factor float64) scaled {
	return scaled{tensor: v.tensor.Scale(factor), scale: v.scale * factor}
}

func (v scaled) withScale(scale float64) scaled {
	if scale == v.scale {
		return v
	}
	return scaled{tensor: v.tensor.Scale(scale / v.scale), scale: scale}
}

type scaleRange struct {
	min, max float64
}

// clamp rescales v so its largest absolute value is 1, if it falls out of the range.
func (r scaleRange) clamp(v scaled) scaled {
	magnitude := v.tensor.MaxAbs()
	if magnitude == 0 || math.IsInf(magnitude, 0) || math.IsNaN(magnitude) {
		return v
	}
	if magnitude > r.max || magnitude < r.min {
		return v.mul(1 / magnitude)
	}
	return v
}

// uniformize brings all values to the largest of their scales.
func uniformize(values []scaled) []scaled {
	if len(values) == 0 {
		return values
	}
	scale := values[0].scale
	for _, v := range values[1:] {
		scale = max(scale, v.scale)
	}
	return xslices.Map(values, func(v scaled) scaled { return v.withScale(scale) })
}

func tensorsOf(values []scaled) []*tensors.Tensor {
	return xslices.Map(values, func(v scaled) *tensors.Tensor { return v.tensor })
}

// RunAdjustNumericalScale is like Run, but it tracks a scale factor for every live value to keep the
// stored tensors within [minScale, maxScale] in magnitude. It avoids overflows and underflows when
// evaluating with low precision dtypes.
//
// Add and Concat operands are brought to a common scale, Einsum multiplies the scales of its operands,
// GeneralFunction operands are restored to their true value, and Index, Rearrange and Scatter keep the
// scale of their operand. Values out of range are renormalized after each Einsum and GeneralFunction,
// and when a Symbol is loaded.
// Scalar constants out of range are stored as their sign, with the magnitude moved to the scale.
//
// The returned values are unscaled.
func RunAdjustNumericalScale(s *schedule.Schedule, evaluator Evaluator, minScale, maxScale float64,
	options ...Option) (map[circuit.Hash]*tensors.Tensor, error) {
	if minScale <= 0 || maxScale < minScale {
		return nil, errors.Errorf("invalid numerical scale range [%g, %g]", minScale, maxScale)
	}
	r := scaleRange{min: minScale, max: maxScale}
	it := newInterpreter(s, scaled.shape, options)
	for hash, node := range s.Constants {
		if p := node.AsScalarConstant(); p != nil {
			magnitude := math.Abs(p.Value)
			if magnitude != 0 && (magnitude > maxScale || magnitude < minScale) {
				sign := math.Copysign(1, p.Value)
				it.live[hash] = scaled{tensor: tensors.Full(sign, p.Dimensions...), scale: 1 / magnitude}
				continue
			}
		}
		value, err := evaluator.Evaluate(node, nil)
		if err != nil {
			return nil, evaluationError(node, err)
		}
		it.live[hash] = r.clamp(scaled{tensor: value, scale: 1})
	}

	err := it.run(func(node *circuit.Node, children []scaled) (scaled, error) {
		var inputs []scaled
		switch node.Kind() {
		case circuit.KindEinsum:
			scale := 1.0
			for _, child := range children {
				scale *= child.scale
			}
			value, err := evaluator.Evaluate(node, tensorsOf(children))
			if err != nil {
				return scaled{}, err
			}
			return r.clamp(scaled{tensor: value, scale: scale}), nil

		case circuit.KindAdd, circuit.KindConcat:
			inputs = uniformize(children)
			value, err := evaluator.Evaluate(node, tensorsOf(inputs))
			if err != nil {
				return scaled{}, err
			}
			scale := 1.0
			if len(inputs) > 0 {
				scale = inputs[0].scale
			}
			return scaled{tensor: value, scale: scale}, nil

		case circuit.KindGeneralFunction:
			inputs = xslices.Map(children, func(v scaled) scaled { return v.withScale(1) })
			value, err := evaluator.Evaluate(node, tensorsOf(inputs))
			if err != nil {
				return scaled{}, err
			}
			return r.clamp(scaled{tensor: value, scale: 1}), nil

		case circuit.KindSymbol:
			value, err := evaluator.Evaluate(node, nil)
			if err != nil {
				return scaled{}, err
			}
			return r.clamp(scaled{tensor: value, scale: 1}), nil

		case circuit.KindIndex, circuit.KindRearrange, circuit.KindScatter:
			value, err := evaluator.Evaluate(node, tensorsOf(children))
			if err != nil {
				return scaled{}, err
			}
			return scaled{tensor: value, scale: children[0].scale}, nil

		default:
			return scaled{}, errors.Errorf("node kind %s can't be computed with numerical scale adjustment", node.Kind())
		}
	})
	if err != nil {
		return nil, err
	}
	values := make(map[circuit.Hash]*tensors.Tensor, len(it.live))
	for hash, v := range it.live {
		values[hash] = v.withScale(1).tensor
	}
	return values, nil
}
