// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"
)

// internKey identifies interchangeable nodes: same content, same metadata and the very same
// children handles (so the metadata of the whole subgraph matches too).
type internKey struct {
	hash      Hash
	name      string
	namedAxes string
	children  string
}

// nextNodeID is the source of the unique ids given to interned nodes.
var nextNodeID atomic.Uint64

func makeInternKey(n *Node) internKey {
	children := make([]byte, 0, 8*len(n.children))
	for _, child := range n.children {
		children = binary.LittleEndian.AppendUint64(children, child.id)
	}
	return internKey{hash: n.hash, name: n.name, namedAxes: namedAxesString(n.namedAxes), children: string(children)}
}

// interner maps content to the live *Node holding it. Entries only hold weak pointers, so a node
// lives as long as its longest holder, and the entry is removed once it is collected.
var interner = struct {
	mu    sync.Mutex
	nodes map[internKey]weak.Pointer[Node]
}{nodes: make(map[internKey]weak.Pointer[Node])}

// intern returns the live node interchangeable with n if there is one, otherwise it registers n
// and returns it.
func intern(n *Node) *Node {
	key := makeInternKey(n)
	interner.mu.Lock()
	defer interner.mu.Unlock()
	if wp, found := interner.nodes[key]; found {
		if existing := wp.Value(); existing != nil {
			return existing
		}
	}
	n.id = nextNodeID.Add(1)
	interner.nodes[key] = weak.Make(n)
	runtime.AddCleanup(n, removeInterned, key)
	return n
}

// removeInterned is called once a node is collected. The entry may have been replaced already
// by a newer node with the same key, in which case it is kept.
func removeInterned(key internKey) {
	interner.mu.Lock()
	defer interner.mu.Unlock()
	if wp, found := interner.nodes[key]; found && wp.Value() == nil {
		delete(interner.nodes, key)
	}
}

// NumInterned returns the number of entries currently in the interner, live or waiting for cleanup.
func NumInterned() int {
	interner.mu.Lock()
	defer interner.mu.Unlock()
	return len(interner.nodes)
}
