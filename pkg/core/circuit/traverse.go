// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"iter"

	"github.com/gomlx/circuitopt/pkg/support/sets"
)

// Visit calls fn once for each distinct (by hash) node reachable from the roots, in post-order:
// children are always visited before their parents.
func Visit(fn func(n *Node), roots ...*Node) {
	for n := range All(roots...) {
		fn(n)
	}
}

// All iterates over each distinct (by hash) node reachable from the roots, children before parents.
// The order is deterministic: depth-first, following children in order.
func All(roots ...*Node) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		visited := sets.Make[Hash]()
		var recurse func(n *Node) bool
		recurse = func(n *Node) bool {
			if !visited.Visit(n.hash) {
				return true
			}
			for _, child := range n.children {
				if !recurse(child) {
					return false
				}
			}
			return yield(n)
		}
		for _, root := range roots {
			if !recurse(root) {
				return
			}
		}
	}
}

// Toposort returns the distinct nodes reachable from roots, children before parents.
// It's the order used both by the expression dump and to build scheduling DAGs.
func Toposort(roots ...*Node) []*Node {
	var nodes []*Node
	for n := range All(roots...) {
		nodes = append(nodes, n)
	}
	return nodes
}

// HashToNode maps the hash of each node reachable from roots to the node.
// If equal nodes with different names are reachable, the first visited one is kept.
func HashToNode(roots ...*Node) map[Hash]*Node {
	m := make(map[Hash]*Node)
	for n := range All(roots...) {
		m[n.hash] = n
	}
	return m
}

// CountNodes returns the number of distinct nodes reachable from the roots.
func CountNodes(roots ...*Node) int {
	count := 0
	for range All(roots...) {
		count++
	}
	return count
}

// DeepMap rebuilds the circuit bottom-up: each node is rebuilt with its mapped children, and then fn
// is applied to the rebuilt node. Results are memoized by hash, so shared subgraphs are mapped once.
func DeepMap(root *Node, fn func(n *Node) (*Node, error)) (*Node, error) {
	memo := make(map[Hash]*Node)
	var recurse func(n *Node) (*Node, error)
	recurse = func(n *Node) (*Node, error) {
		if result, found := memo[n.hash]; found {
			return result, nil
		}
		rebuilt, err := n.MapChildren(recurse)
		if err != nil {
			return nil, err
		}
		result, err := fn(rebuilt)
		if err != nil {
			return nil, err
		}
		memo[n.hash] = result
		return result, nil
	}
	return recurse(root)
}

// DeepMapPreorder applies fn to each node before its children, and then maps the children of the result.
// Results are memoized by hash.
func DeepMapPreorder(root *Node, fn func(n *Node) (*Node, error)) (*Node, error) {
	memo := make(map[Hash]*Node)
	var recurse func(n *Node) (*Node, error)
	recurse = func(n *Node) (*Node, error) {
		if result, found := memo[n.hash]; found {
			return result, nil
		}
		mapped, err := fn(n)
		if err != nil {
			return nil, err
		}
		result, err := mapped.MapChildren(recurse)
		if err != nil {
			return nil, err
		}
		memo[n.hash] = result
		return result, nil
	}
	return recurse(root)
}
