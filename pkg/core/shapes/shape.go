// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the ordered list of dimensions of a circuit node's value.
//
// Shapes in circuits carry no element type: the dtype is only chosen when a circuit is scheduled
// (to convert a memory budget in bytes to elements), see package dtypes.
//
// Dimensions can be zero (zero-size shapes are valid, e.g., an empty operand of a Concat), but never
// negative. Element counts of large circuits easily exceed 64 bits, so BigSize should be used whenever
// the product of dimensions is not known to be small.
package shapes

import (
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Shape represents the shape of the value computed by a circuit node.
//
// Use Make to create a new shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is negative.
func Make(dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%v): cannot create a shape with a negative dimension", dimensions)
		}
	}
	return s
}

// Scalar returns the shape of a scalar (rank 0).
func Scalar() Shape {
	return Shape{}
}

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis, err := s.AdjustAxis(axis)
	if err != nil {
		panic(err)
	}
	return s.Dimensions[adjustedAxis]
}

// AdjustAxis converts a possibly negative axis to its positive value, and checks it is in range.
func (s Shape) AdjustAxis(axis int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		return 0, errors.Errorf("axis %d out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjusted, nil
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Size returns the number of elements for this shape. It's the product of all dimensions.
//
// It panics if the product overflows an int: use BigSize for shapes that may be arbitrarily large.
func (s Shape) Size() int {
	big := s.BigSize()
	if !big.IsInt64() || big.Int64() > int64(^uint(0)>>1) {
		exceptions.Panicf("Shape.Size() of %s overflows int (%s elements), use BigSize", s, big)
	}
	return int(big.Int64())
}

// BigSize returns the number of elements for this shape as a big.Int.
func (s Shape) BigSize() *big.Int {
	size := big.NewInt(1)
	var tmp big.Int
	for _, d := range s.Dimensions {
		size.Mul(size, tmp.SetInt64(int64(d)))
	}
	return size
}

// IsZeroSize returns whether any of the dimensions is zero.
func (s Shape) IsZeroSize() bool {
	return slices.Contains(s.Dimensions, 0)
}

// Memory returns the number of bytes needed to store a value of this shape with the given dtype.
func (s Shape) Memory(dtype dtypes.DType) *big.Int {
	return s.BigSize().Mul(s.BigSize(), big.NewInt(int64(dtype.Size())))
}

// Equal compares two shapes for equality of dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// Broadcast returns the shape resulting from numpy-style broadcasting of the given shapes:
// shapes are right-aligned, and each axis must either match or be 1 (or missing).
//
// Broadcasting no shapes returns a scalar.
func Broadcast(shapes ...Shape) (Shape, error) {
	rank := 0
	for _, s := range shapes {
		rank = max(rank, s.Rank())
	}
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	for _, s := range shapes {
		offset := rank - s.Rank()
		for axis, dim := range s.Dimensions {
			current := dims[offset+axis]
			switch {
			case dim == current:
			case current == 1:
				dims[offset+axis] = dim
			case dim == 1:
			default:
				return Shape{}, errors.Errorf("shapes %v cannot be broadcast together: axis %d (from the right) has dimensions %d and %d",
					shapes, rank-offset-axis, current, dim)
			}
		}
	}
	return Shape{Dimensions: dims}, nil
}

// BroadcastsTo returns whether s can be broadcast to target without changing target.
func (s Shape) BroadcastsTo(target Shape) bool {
	got, err := Broadcast(s, target)
	return err == nil && got.Equal(target)
}
