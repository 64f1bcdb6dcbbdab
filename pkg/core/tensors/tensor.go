// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a dense host representation of a multidimensional array.
//
// Tensors are the values of circuit nodes: the payload of ArrayConstant nodes, the inputs bound to
// Symbol nodes and the results produced when interpreting a schedule.
//
// Values are always stored as a flat row-major slice of float64: the dtype a circuit is scheduled
// with only affects memory accounting and, optionally, precision emulation (see Tensor.Round).
//
// There are various ways to construct a Tensor:
//
//   - Zeros(dimensions...): creates a tensor with the given dimensions filled with zeros.
//   - Full(value, dimensions...): creates a tensor filled with the given value.
//   - FromFlat(data, dimensions...): creates a tensor with the flattened values given.
//   - FromValue(value): converts a scalar or a (regular) nested slice of float64 or float32.
//     Example:
//
//     t := FromValue([][]float64{{1,2}, {3, 5}, {7, 11}})
//
//   - Randn(seed, dimensions...): deterministic normally distributed values, used by tests and demos.
package tensors

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"reflect"
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/circuitopt/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array of float64 values, stored flat in row-major order.
//
// A Tensor should be treated as immutable once it is given to a circuit node or returned
// by an evaluator: methods that change values return new tensors.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// Zeros returns a tensor with the given dimensions filled with zeros.
func Zeros(dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	return &Tensor{shape: shape, flat: make([]float64, shape.Size())}
}

// FromShape returns a zero-initialized tensor of the given shape.
func FromShape(shape shapes.Shape) *Tensor {
	return Zeros(shape.Dimensions...)
}

// Full returns a tensor with the given dimensions filled with value.
func Full(value float64, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	for ii := range t.flat {
		t.flat[ii] = value
	}
	return t
}

// FromFlat returns a tensor with the given dimensions and flat (row-major) data.
// The data slice is owned by the tensor after the call.
//
// It panics if the length of data doesn't match the dimensions.
func FromFlat(data []float64, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlat: len(data)=%d does not match dimensions %v (size %d)",
			len(data), dimensions, shape.Size())
	}
	return &Tensor{shape: shape, flat: data}
}

// Scalar returns a rank-0 tensor with the given value.
func Scalar(value float64) *Tensor {
	return &Tensor{flat: []float64{value}}
}

// FromValue converts a float64/float32 scalar or a regular nested slice of them to a Tensor.
func FromValue(value any) (*Tensor, error) {
	if t, ok := value.(*Tensor); ok {
		return t, nil
	}
	v := reflect.ValueOf(value)
	var dims []int
	for elem := v; elem.Kind() == reflect.Slice; {
		dims = append(dims, elem.Len())
		if elem.Len() == 0 {
			break
		}
		elem = elem.Index(0)
	}
	t := Zeros(dims...)
	pos := 0
	var fill func(v reflect.Value, depth int) error
	fill = func(v reflect.Value, depth int) error {
		if depth == len(dims) {
			switch v.Kind() {
			case reflect.Float32, reflect.Float64:
				t.flat[pos] = v.Float()
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				t.flat[pos] = float64(v.Int())
			default:
				return errors.Errorf("tensors.FromValue: unsupported element type %s", v.Type())
			}
			pos++
			return nil
		}
		if v.Kind() != reflect.Slice || v.Len() != dims[depth] {
			return errors.Errorf("tensors.FromValue: irregular nested slice, expected length %d at depth %d", dims[depth], depth)
		}
		for ii := range v.Len() {
			if err := fill(v.Index(ii), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if t.shape.IsZeroSize() {
		return t, nil
	}
	if err := fill(v, 0); err != nil {
		return nil, err
	}
	return t, nil
}

// Randn returns a tensor with normally distributed values generated with a deterministic seed.
func Randn(seed uint64, dimensions ...int) *Tensor {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	t := Zeros(dimensions...)
	for ii := range t.flat {
		t.flat[ii] = rng.NormFloat64()
	}
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.flat) }

// IsScalar returns whether the tensor has rank 0.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Flat returns the underlying flat data. It must not be modified.
func (t *Tensor) Flat() []float64 { return t.flat }

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	if len(indices) != t.Rank() {
		exceptions.Panicf("Tensor.At(%v) on tensor of rank %d", indices, t.Rank())
	}
	return t.flat[t.flatIndex(indices)]
}

func (t *Tensor) flatIndex(indices []int) int {
	idx := 0
	for axis, i := range indices {
		dim := t.shape.Dimensions[axis]
		if i < 0 || i >= dim {
			exceptions.Panicf("index %d out of bounds for axis %d (dim=%d)", i, axis, dim)
		}
		idx = idx*dim + i
	}
	return idx
}

// Value returns the scalar value of a rank-0 tensor.
func (t *Tensor) Value() float64 {
	if !t.IsScalar() {
		exceptions.Panicf("Tensor.Value() called on tensor of shape %s, only valid for scalars", t.shape)
	}
	return t.flat[0]
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Map returns a new tensor with fn applied to each element.
func (t *Tensor) Map(fn func(float64) float64) *Tensor {
	out := &Tensor{shape: t.shape.Clone(), flat: make([]float64, len(t.flat))}
	for ii, v := range t.flat {
		out.flat[ii] = fn(v)
	}
	return out
}

// Scale returns a new tensor with all values multiplied by factor.
func (t *Tensor) Scale(factor float64) *Tensor {
	return t.Map(func(v float64) float64 { return v * factor })
}

// Round returns a copy of the tensor with every value rounded to the given dtype precision.
func (t *Tensor) Round(dtype dtypes.DType) *Tensor {
	if dtype == dtypes.Float64 {
		return t
	}
	return t.Map(dtype.Round)
}

// MaxAbs returns the largest absolute value, or 0 for an empty tensor.
func (t *Tensor) MaxAbs() float64 {
	var m float64
	for _, v := range t.flat {
		m = max(m, math.Abs(v))
	}
	return m
}

// IsAllValue returns whether every element equals value.
func (t *Tensor) IsAllValue(value float64) bool {
	for _, v := range t.flat {
		if v != value {
			return false
		}
	}
	return true
}

// Equal returns whether both tensors have the same shape and exactly the same values.
func (t *Tensor) Equal(other *Tensor) bool {
	return t.shape.Equal(other.shape) && slices.Equal(t.flat, other.flat)
}

// InDelta returns whether both tensors have the same shape and all values are within delta
// (absolute) of each other. NaNs are only considered equal to NaNs.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	for ii, v := range t.flat {
		o := other.flat[ii]
		if math.IsNaN(v) || math.IsNaN(o) {
			if math.IsNaN(v) != math.IsNaN(o) {
				return false
			}
			continue
		}
		if math.IsInf(v, 0) || math.IsInf(o, 0) {
			if v != o {
				return false
			}
			continue
		}
		if math.Abs(v-o) > delta {
			return false
		}
	}
	return true
}

// Bytes returns a canonical byte encoding of the tensor (dimensions then little-endian values),
// used to content-hash constant tensors.
func (t *Tensor) Bytes() []byte {
	buf := make([]byte, 0, 8*(1+t.Rank()+len(t.flat)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.Rank()))
	for _, dim := range t.shape.Dimensions {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(dim))
	}
	for _, v := range t.flat {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}
