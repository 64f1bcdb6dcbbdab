// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"math/big"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHelpers(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5}, Iota(3, 3))
	assert.Equal(t, []float64{0.5, 1.5}, Iota(0.5, 2))
	assert.Empty(t, Iota(7, 0))

	assert.Equal(t, []string{"1", "2", "3"}, Map([]int{1, 2, 3}, strconv.Itoa))
	assert.Empty(t, Map([]int(nil), strconv.Itoa))

	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]int{"c": 0, "b": 1, "a": 2}))

	assert.Zero(t, big.NewInt(1).Cmp(BigProduct([]int(nil))))
	assert.Zero(t, big.NewInt(24).Cmp(BigProduct([]int{2, 3, 4})))
	want := new(big.Int).Lsh(big.NewInt(1), 93)
	assert.Zero(t, want.Cmp(BigProduct([]int{1 << 31, 1 << 31, 1 << 31})))
}
