// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"iter"
)

// Strides returns, for each axis, how many flat positions one step along the axis moves, for the
// row-major layout used by all tensors. A zero-size shape has all strides 0, and a scalar has none.
func (s Shape) Strides() []int {
	rank := s.Rank()
	if rank == 0 {
		return nil
	}
	strides := make([]int, rank)
	if s.IsZeroSize() {
		return strides
	}
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// Iter yields every position of the shape in row-major order: the flat index and the per-axis
// coordinates. A scalar yields once, a zero-size shape never.
//
// The coordinates slice is reused between iterations: clone it if it must outlive the step.
func (s Shape) Iter() iter.Seq2[int, []int] {
	return func(yield func(int, []int) bool) {
		if s.IsZeroSize() {
			return
		}
		coords := make([]int, s.Rank())
		for flatIdx := 0; ; flatIdx++ {
			if !yield(flatIdx, coords) {
				return
			}
			// Increment like an odometer, last axis fastest.
			axis := len(coords) - 1
			for ; axis >= 0; axis-- {
				coords[axis]++
				if coords[axis] < s.Dimensions[axis] {
					break
				}
				coords[axis] = 0
			}
			if axis < 0 {
				return
			}
		}
	}
}
