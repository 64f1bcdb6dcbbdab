// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"time"

	"github.com/gomlx/circuitopt/internal/workerspool"
	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/support/xsync"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// DefaultMaxIterations is the default bound on the number of rewrites of a single node. Reaching it
// means the rules are cycling, which is a bug.
const DefaultMaxIterations = 50

// Cache memoizes simplification results by the hash of the input node.
//
// Since nodes are content addressed and rules are pure, entries never go stale: the cache can be shared
// by any number of Simplifiers (and goroutines) for the lifetime of the process. It grows unbounded,
// drop it (or call Clear) to release memory.
type Cache struct {
	results xsync.SyncMap[circuit.Hash, *xsync.LatchWithValue[*circuit.Node]]
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{}
}

// Len returns the number of cached results.
func (c *Cache) Len() int {
	return c.results.Len()
}

// Clear removes all cached results.
func (c *Cache) Clear() {
	c.results.Clear()
}

// lookup returns the simplified version of the node with the given hash, if it is already known.
// It never waits for a simplification in progress.
func (c *Cache) lookup(hash circuit.Hash) (*circuit.Node, bool) {
	latch, found := c.results.Load(hash)
	if !found || !latch.Test() {
		return nil, false
	}
	result := latch.Wait()
	return result, result != nil
}

// markStable records n as its own simplification.
func (c *Cache) markStable(n *circuit.Node) {
	latch := xsync.NewLatchWithValue[*circuit.Node]()
	latch.Trigger(n)
	c.results.LoadOrStore(n.Hash(), latch)
}

// Simplifier applies the rewrite rules to whole circuits.
//
// Simplify works bottom-up: children are simplified first, and then rules are applied to the node until
// none fires. Each time a rule fires, the new node is re-stabilized top-down, descending only into nodes
// not known to be stable: the cache records every result as its own fixed point, so the existing
// subgraphs a rule reuses are skipped, and only the few levels the rule created are revisited. The result
// is a fixed point: simplifying it again returns it unchanged.
type Simplifier struct {
	cache         *Cache
	pool          *workerspool.Pool
	maxIterations int
}

// NewSimplifier returns a sequential Simplifier using the given cache. If cache is nil a new one is
// created.
func NewSimplifier(cache *Cache) *Simplifier {
	if cache == nil {
		cache = NewCache()
	}
	return &Simplifier{cache: cache, maxIterations: DefaultMaxIterations}
}

// SetParallelism sets how many goroutines (a soft target) can be used to simplify independent
// subgraphs concurrently. 0 (the default) simplifies sequentially, and -1 means no limit.
//
// It returns the Simplifier itself, so calls can be chained. It must not be called while simplifying.
func (s *Simplifier) SetParallelism(parallelism int) *Simplifier {
	if parallelism == 0 {
		s.pool = nil
		return s
	}
	s.pool = workerspool.New(parallelism)
	return s
}

// SetMaxIterations sets the bound on the number of rewrites of a single node. It returns the
// Simplifier itself.
func (s *Simplifier) SetMaxIterations(maxIterations int) *Simplifier {
	s.maxIterations = maxIterations
	return s
}

// Cache used by the Simplifier.
func (s *Simplifier) Cache() *Cache {
	return s.cache
}

// Simplify returns the simplified version of n. Shared subgraphs are simplified only once.
//
// It panics if the rules cycle on some node (see SetMaxIterations).
func (s *Simplifier) Simplify(n *circuit.Node) *circuit.Node {
	var start time.Time
	if klog.V(2).Enabled() {
		start = time.Now()
	}
	result := s.simplify(n)
	if klog.V(2).Enabled() {
		klog.Infof("rewrite: simplified %d nodes into %d nodes in %s",
			circuit.CountNodes(n), circuit.CountNodes(result), time.Since(start))
		if s.pool != nil {
			started, inline := s.pool.Stats()
			klog.Infof("rewrite: %d subgraphs simplified in parallel, %d inline (parallelism %d)",
				started, inline, s.pool.Parallelism())
		}
	}
	return result
}

// SimplifyUntilSame repeats Simplify until the result no longer changes.
func (s *Simplifier) SimplifyUntilSame(n *circuit.Node) *circuit.Node {
	for pass := 0; ; pass++ {
		next := s.Simplify(n)
		if next.Hash() == n.Hash() {
			return next
		}
		if pass >= s.maxIterations {
			klog.Errorf("rewrite: circuit still changing after %d simplification passes:\n%s", pass, circuit.TreeString(next))
			exceptions.Panicf("rewrite: circuit still changing after %d simplification passes", pass)
		}
		n = next
	}
}

func (s *Simplifier) simplify(n *circuit.Node) (result *circuit.Node) {
	latch := xsync.NewLatchWithValue[*circuit.Node]()
	if existing, loaded := s.cache.results.LoadOrStore(n.Hash(), latch); loaded {
		if s.pool != nil && !existing.Test() {
			s.pool.Sleep(func() { result = existing.Wait() })
		} else {
			result = existing.Wait()
		}
		if result == nil {
			exceptions.Panicf("rewrite: simplification of %s failed in another goroutine", n)
		}
		return result
	}
	defer func() {
		if result == nil {
			// Panicking: release the waiters and let a future call retry.
			s.cache.results.Delete(n.Hash())
		}
		latch.Trigger(result)
		if result != nil {
			s.cache.markStable(result)
		}
	}()
	result = s.stabilize(s.simplifyChildren(n))
	return result
}

// simplifyChildren returns n with its children simplified, in parallel if a pool is configured.
func (s *Simplifier) simplifyChildren(n *circuit.Node) *circuit.Node {
	children := n.Children()
	if len(children) == 0 {
		return n
	}
	results := make([]*circuit.Node, len(children))
	if s.pool == nil || len(children) == 1 {
		for ii, child := range children {
			results[ii] = s.simplify(child)
		}
		return build(n.WithChildren(results))
	}

	tasks := make([]func(), len(children))
	for ii, child := range children {
		tasks[ii] = func() { results[ii] = s.simplify(child) }
	}
	s.pool.Run(tasks...)
	return build(n.WithChildren(results))
}

// budget counts the rewrites of one node.
type budget struct {
	node      *circuit.Node
	remaining int
}

func (b *budget) consume() {
	b.remaining--
	if b.remaining < 0 {
		klog.Errorf("rewrite: rules are cycling while simplifying:\n%s", circuit.TreeString(b.node))
		exceptions.Panicf("rewrite: node %s was rewritten too many times, rules are cycling", b.node)
	}
}

// stabilize applies rules to n until none fires. Children of n must already be simplified.
func (s *Simplifier) stabilize(n *circuit.Node) *circuit.Node {
	return s.settle(n, &budget{node: n, remaining: s.maxIterations})
}

// settle applies rules to n until none fires, and then settles its children. If any child changes,
// the rebuilt node is settled again. Nodes already in the cache are replaced by their cached result,
// without descending into them. Each node settled gets its own rewrite budget.
//
// Simplifications in progress (in this or other goroutines) are never waited on: such nodes are settled
// locally, so a rule that reintroduces a node being simplified can't deadlock, and ends at the rewrite
// budget if it cycles.
func (s *Simplifier) settle(n *circuit.Node, b *budget) *circuit.Node {
	for {
		if result, found := s.cache.lookup(n.Hash()); found {
			return result
		}
		if next := Step(n); next != nil {
			b.consume()
			n = next
			continue
		}
		settled := build(n.MapChildren(func(child *circuit.Node) (*circuit.Node, error) {
			return s.stabilize(child), nil
		}))
		if settled.Hash() == n.Hash() {
			s.cache.markStable(n)
			return n
		}
		n = settled
	}
}
