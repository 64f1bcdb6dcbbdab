// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/circuitopt/pkg/support/xsync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGo(t *testing.T) {
	pool := New(1)
	assert.Equal(t, 1, pool.Parallelism())

	// goroutinesPerSlot tasks fit, the next one doesn't.
	release := xsync.NewLatch()
	var wg sync.WaitGroup
	for range goroutinesPerSlot {
		wg.Add(1)
		require.True(t, pool.Go(func() {
			defer wg.Done()
			release.Wait()
		}))
	}
	assert.False(t, pool.Go(func() {}))

	// A sleeping worker frees one slot.
	pool.Sleep(func() {
		wg.Add(1)
		require.True(t, pool.Go(func() { wg.Done() }))
	})

	release.Trigger()
	wg.Wait()
	started, _ := pool.Stats()
	assert.Equal(t, int64(goroutinesPerSlot+1), started)

	assert.Equal(t, -1, New(-3).Parallelism())
	assert.Positive(t, New(0).Parallelism())
}

func TestPoolRun(t *testing.T) {
	for _, parallelism := range []int{1, 4, -1} {
		pool := New(parallelism)
		var count atomic.Int32
		tasks := make([]func(), 50)
		for ii := range tasks {
			tasks[ii] = func() {
				// Nested runs, as in the recursion over a circuit's children.
				pool.Run(func() { count.Add(1) }, func() { count.Add(1) })
			}
		}
		pool.Run(tasks...)
		assert.Equal(t, int32(100), count.Load(), "parallelism=%d", parallelism)
		started, inline := pool.Stats()
		assert.Equal(t, int64(50-1+50), started+inline)
	}
	New(1).Run()
}

func TestPoolRunPanics(t *testing.T) {
	pool := New(2)
	var finished atomic.Int32
	err := errors.New("task 2 failed")
	recovered := func() (e any) {
		defer func() { e = recover() }()
		pool.Run(
			func() { finished.Add(1) },
			func() { finished.Add(1) },
			func() { panic(err) },
			func() { finished.Add(1) },
		)
		return nil
	}()
	require.NotNil(t, recovered)
	assert.ErrorIs(t, recovered.(error), err)
	assert.Equal(t, int32(3), finished.Load())
}
