// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provides generic slice helpers missing from the standard slices package.
package xslices

import (
	"cmp"
	"maps"
	"math/big"
	"slices"

	"golang.org/x/exp/constraints"
)

// Map returns fn applied to every element of in, in order.
func Map[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return out
}

// Iota returns n consecutive values starting at start: Iota(3, 2) -> [3, 4].
func Iota[T constraints.Integer | constraints.Float](start T, n int) []T {
	out := make([]T, n)
	for ii := range out {
		out[ii] = start + T(ii)
	}
	return out
}

// SortedKeys returns the keys of m in increasing order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

// BigProduct returns the product of the values as a big.Int, so it never overflows. It is 1 for an
// empty slice.
func BigProduct[T constraints.Integer](values []T) *big.Int {
	product := big.NewInt(1)
	var factor big.Int
	for _, v := range values {
		product.Mul(product, factor.SetInt64(int64(v)))
	}
	return product
}
