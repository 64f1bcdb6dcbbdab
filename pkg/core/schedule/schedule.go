// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/circuitopt/pkg/support/sets"
	"github.com/pkg/errors"
)

// InstructionKind is either Compute or Drop.
type InstructionKind int

const (
	// Compute evaluates a node from the live values of its children, and makes it live.
	Compute InstructionKind = iota

	// Drop frees a live value that is no longer needed.
	Drop
)

// String implements fmt.Stringer.
func (k InstructionKind) String() string {
	if k == Drop {
		return "Drop"
	}
	return "Compute"
}

// Instruction of a Schedule.
type Instruction struct {
	Kind InstructionKind
	Node *circuit.Node
}

// String implements fmt.Stringer.
func (inst Instruction) String() string {
	return fmt.Sprintf("%s %s %s", inst.Kind, inst.Node.Hash().Short(), inst.Node)
}

// Schedule is a linear program evaluating a circuit.
type Schedule struct {
	// Instructions in execution order.
	Instructions []Instruction

	// Constants are the array and scalar constants, loaded before the instructions run and never dropped.
	// Symbols are not constants: they are computed by the instructions.
	Constants map[circuit.Hash]*circuit.Node

	// Outputs are the nodes live at the end of the schedule.
	Outputs []*circuit.Node

	// DType the schedule was planned for: it only affects the memory reported in bytes.
	DType dtypes.DType
}

// OrderToSchedule converts a topological order of the dag entries into a Schedule, dropping each value
// right after its last use. Nodes in keep are never dropped: if keep is nil, the outputs of dag are
// kept.
//
// It returns an error if order is not a topological order of all the entries of dag.
func OrderToSchedule(dag *Dag, order []int, keep []*circuit.Node) (*Schedule, error) {
	if err := checkOrder(dag, order); err != nil {
		return nil, err
	}
	if keep == nil {
		for _, idx := range dag.Outputs() {
			keep = append(keep, dag.Node(idx))
		}
	}
	keepSet := sets.Make[circuit.Hash](len(keep))
	for _, n := range keep {
		keepSet.Insert(n.Hash())
	}

	// Walk backwards: the first time a child is seen is its last use going forward.
	used := make([]bool, dag.NumNodes())
	reversed := make([]Instruction, 0, 2*len(order))
	for ii := len(order) - 1; ii >= 0; ii-- {
		idx := order[ii]
		for _, child := range slices.Backward(dag.Children[idx]) {
			if used[child] {
				continue
			}
			used[child] = true
			if !keepSet.Has(dag.NodeHashes[child]) {
				reversed = append(reversed, Instruction{Kind: Drop, Node: dag.Node(child)})
			}
		}
		reversed = append(reversed, Instruction{Kind: Compute, Node: dag.Node(idx)})
	}
	slices.Reverse(reversed)
	return &Schedule{
		Instructions: reversed,
		Constants:    dag.Constants,
		Outputs:      keep,
		DType:        dtypes.Float32,
	}, nil
}

func checkOrder(dag *Dag, order []int) error {
	if len(order) != dag.NumNodes() {
		return errors.Errorf("order has %d entries, dag has %d nodes", len(order), dag.NumNodes())
	}
	done := make([]bool, dag.NumNodes())
	for pos, idx := range order {
		if idx < 0 || idx >= dag.NumNodes() {
			return errors.Errorf("order position %d has invalid node index %d", pos, idx)
		}
		if done[idx] {
			return errors.Errorf("node %d appears more than once in the order", idx)
		}
		for _, child := range dag.Children[idx] {
			if !done[child] {
				return errors.Errorf("node %d is ordered at position %d, before its child %d", idx, pos, child)
			}
		}
		done[idx] = true
	}
	return nil
}

// String returns the instructions, one per line.
func (s *Schedule) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Schedule (%s): %d constants, %d instructions\n", s.DType, len(s.Constants), len(s.Instructions))
	for ii, inst := range s.Instructions {
		fmt.Fprintf(&sb, "%5d: %s\n", ii, inst)
	}
	return sb.String()
}

// Stats of a Schedule's memory usage, in elements.
type Stats struct {
	// MaxMemory is the peak of the live non-constant values, reached right after some Compute.
	MaxMemory *big.Int

	// ConstantMemory is the memory of the constants, resident during the whole schedule.
	ConstantMemory *big.Int

	NumComputes, NumDrops int

	// BiggestLiveSet are the live values at the peak.
	BiggestLiveSet []*circuit.Node

	DType dtypes.DType
}

// Stats replays the schedule to measure its memory usage.
func (s *Schedule) Stats() Stats {
	st := Stats{MaxMemory: new(big.Int), ConstantMemory: new(big.Int), DType: s.DType}
	for _, n := range s.Constants {
		st.ConstantMemory.Add(st.ConstantMemory, n.Info().Numel)
	}
	live := make(map[circuit.Hash]*circuit.Node)
	current := new(big.Int)
	for _, inst := range s.Instructions {
		hash := inst.Node.Hash()
		if inst.Kind == Drop {
			st.NumDrops++
			if _, found := live[hash]; found {
				delete(live, hash)
				current.Sub(current, inst.Node.Info().Numel)
			}
			continue
		}
		st.NumComputes++
		if _, found := live[hash]; !found {
			live[hash] = inst.Node
			current.Add(current, inst.Node.Info().Numel)
		}
		if current.Cmp(st.MaxMemory) > 0 {
			st.MaxMemory.Set(current)
			st.BiggestLiveSet = st.BiggestLiveSet[:0]
			for _, n := range live {
				st.BiggestLiveSet = append(st.BiggestLiveSet, n)
			}
		}
	}
	slices.SortFunc(st.BiggestLiveSet, func(a, b *circuit.Node) int {
		return b.Info().Numel.Cmp(a.Info().Numel)
	})
	return st
}

// bytes converts a number of elements to a human-readable size in bytes.
func (st Stats) bytes(elements *big.Int) string {
	size := new(big.Int).Mul(elements, big.NewInt(int64(st.DType.Size())))
	if !size.IsUint64() {
		return circuit.OOMFormat(size) + "B"
	}
	return humanize.Bytes(size.Uint64())
}

// String implements fmt.Stringer.
func (st Stats) String() string {
	return fmt.Sprintf("max memory=%s (%s), constant memory=%s (%s), %d computes, %d drops",
		circuit.OOMFormat(st.MaxMemory), st.bytes(st.MaxMemory),
		circuit.OOMFormat(st.ConstantMemory), st.bytes(st.ConstantMemory),
		st.NumComputes, st.NumDrops)
}

// LiveSetString lists the biggest live set, with the share of the peak memory taken by each value.
func (st Stats) LiveSetString() string {
	var sb strings.Builder
	peak := new(big.Float).SetInt(st.MaxMemory)
	for _, n := range st.BiggestLiveSet {
		share := 0.0
		if st.MaxMemory.Sign() > 0 {
			share, _ = new(big.Float).Quo(new(big.Float).SetInt(n.Info().Numel), peak).Float64()
		}
		fmt.Fprintf(&sb, "%5.1f%% %s %s\n", 100*share, n.Shape(), n)
	}
	return sb.String()
}
