// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-bounded pool of goroutines to process independent subgraphs
// of a circuit.
//
// Work on a DAG blocks often: a worker may need the result of a shared subgraph that another worker is
// still processing. Such waits go through Pool.Sleep, which temporarily frees the worker's slot, so the
// pool never deadlocks on the DAG dependencies.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// goroutinesPerSlot is how many goroutines can run per unit of parallelism. Workers spend part of their
// time waiting on shared subgraphs, so the pool oversubscribes the CPUs.
const goroutinesPerSlot = 2

// Pool of workers. The zero value is not usable, create it with New.
type Pool struct {
	// parallelism is a soft target: < 0 means unlimited.
	parallelism int

	mu      sync.Mutex
	running int

	// sleeping workers don't count against the limit.
	sleeping atomic.Int32

	started, inline atomic.Int64
}

// New returns a Pool for the given parallelism: 0 uses runtime.NumCPU(), and a negative value means
// no limit.
func New(parallelism int) *Pool {
	if parallelism == 0 {
		parallelism = runtime.NumCPU()
	}
	return &Pool{parallelism: parallelism}
}

// Parallelism returns the soft target on the number of concurrent workers, or -1 if unlimited.
func (p *Pool) Parallelism() int {
	if p.parallelism < 0 {
		return -1
	}
	return p.parallelism
}

// lockedIsFull must be called with p.mu locked.
func (p *Pool) lockedIsFull() bool {
	if p.parallelism < 0 {
		return false
	}
	return p.running >= goroutinesPerSlot*p.parallelism+int(p.sleeping.Load())
}

// Go runs task in a new goroutine if a slot is available, and returns whether it did.
// It's up to the caller to synchronize the end of the task.
func (p *Pool) Go(task func()) bool {
	p.mu.Lock()
	if p.lockedIsFull() {
		p.mu.Unlock()
		return false
	}
	p.running++
	p.mu.Unlock()
	p.started.Add(1)
	go func() {
		defer func() {
			p.mu.Lock()
			p.running--
			p.mu.Unlock()
		}()
		task()
	}()
	return true
}

// Sleep calls wait, a blocking function, with the calling worker's slot released for its duration.
func (p *Pool) Sleep(wait func()) {
	p.sleeping.Add(1)
	defer p.sleeping.Add(-1)
	wait()
}

// Run executes all tasks and returns when they are finished. The first task runs in the calling
// goroutine, the others in new goroutines when slots are available, or inline otherwise.
//
// A panic in any task is re-raised in the caller after all tasks finish; if several tasks panic, the
// one with the lowest index wins.
func (p *Pool) Run(tasks ...func()) {
	if len(tasks) == 0 {
		return
	}
	panics := make([]any, len(tasks))
	var wg sync.WaitGroup
	for ii := 1; ii < len(tasks); ii++ {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			panics[ii] = exceptions.Try(tasks[ii])
		}
		if !p.Go(task) {
			p.inline.Add(1)
			task()
		}
	}
	panics[0] = exceptions.Try(tasks[0])
	p.Sleep(wg.Wait)
	for _, e := range panics {
		if e != nil {
			panic(e)
		}
	}
}

// Stats returns how many tasks were started in their own goroutine, and how many had to run inline
// because the pool was full.
func (p *Pool) Stats() (started, inline int64) {
	return p.started.Load(), p.inline.Load()
}
