// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]
	_, found := m.Load("a")
	assert.False(t, found)

	var wg sync.WaitGroup
	winners := make([]int, 10)
	for ii := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			winners[ii], _ = m.LoadOrStore("a", ii)
		}()
	}
	wg.Wait()
	for _, w := range winners {
		assert.Equal(t, winners[0], w, "all goroutines must see the same stored value")
	}
	m.Store("b", 7)
	assert.Equal(t, 2, m.Len())
	m.Delete("a")
	v, found := m.Load("b")
	require.True(t, found)
	assert.Equal(t, 7, v)
	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[string]()
	assert.False(t, l.Test())
	done := make(chan string)
	go func() { done <- l.Wait() }()
	l.Trigger("first")
	l.Trigger("second")
	assert.Equal(t, "first", <-done)
	assert.True(t, l.Test())
	assert.Equal(t, "first", l.Wait())
}
