// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/circuitopt/pkg/core/shapes"
)

// RearrangeSpec describes a Rearrange in the einops manner, with integer axis ids:
//
//   - Input has one group of ids per input axis: the axis is split into the ids, row-major.
//     An empty group is only valid for an axis of dimension 1.
//   - Output has one group per output axis: the ids are merged, row-major. An empty group inserts
//     an axis of dimension 1.
//   - Ids only in Output are repeated (broadcast) axes and need an entry in Sizes.
//   - Ids only in Input are dropped, which is only valid for ids of size 1.
//   - Sizes may give the size of any id. Within an input group at most one id can have its size
//     inferred from the dimension of the axis.
//
// For example, Input=[[0,1],[2]], Output=[[2],[0],[1]] with Sizes{0:2} splits the first axis of a
// [6,4] node into 2x3 and permutes to a [4,2,3] output.
type RearrangeSpec struct {
	Input, Output [][]int
	Sizes         map[int]int
}

// RearrangeParams of a Rearrange node: the canonical form of a RearrangeSpec, with ids numbered in
// order of first appearance and every size resolved.
type RearrangeParams struct {
	Input, Output [][]int

	// Sizes indexed by id.
	Sizes []int
}

func (p *RearrangeParams) Kind() Kind { return KindRearrange }

// String returns an einops-like description, e.g. "(a b) c -> c a b [a=2 b=3 c=4]".
func (p *RearrangeParams) String() string {
	side := func(groups [][]int) string {
		parts := make([]string, len(groups))
		for ii, group := range groups {
			if len(group) == 1 {
				parts[ii] = einsumLabelsString(group)
				continue
			}
			names := make([]string, len(group))
			for jj, id := range group {
				names[jj] = einsumLabelsString([]int{id})
			}
			parts[ii] = "(" + strings.Join(names, " ") + ")"
		}
		return strings.Join(parts, " ")
	}
	sizes := make([]string, len(p.Sizes))
	for id, size := range p.Sizes {
		sizes[id] = fmt.Sprintf("%s=%d", einsumLabelsString([]int{id}), size)
	}
	return fmt.Sprintf("%s -> %s [%s]", side(p.Input), side(p.Output), strings.Join(sizes, " "))
}

func (p *RearrangeParams) writeHash(hs *hasher) {
	hs.int(len(p.Input))
	for _, group := range p.Input {
		hs.ints(group)
	}
	hs.int(len(p.Output))
	for _, group := range p.Output {
		hs.ints(group)
	}
	hs.ints(p.Sizes)
}

func (p *RearrangeParams) inferShape(children []*Node) (shapes.Shape, error) {
	if len(children) != 1 {
		return shapes.Shape{}, constructionErrorf(KindRearrange, "requires exactly one child, got %d", len(children))
	}
	input := children[0].Shape()
	if len(p.Input) != input.Rank() {
		return shapes.Shape{}, constructionErrorf(KindRearrange, "spec has %d input groups, child has shape %s", len(p.Input), input)
	}
	for axis, group := range p.Input {
		if got := p.groupSize(group); got != input.Dimensions[axis] {
			return shapes.Shape{}, constructionErrorf(KindRearrange, "input group %v has size %d, child axis %d has dimension %d",
				group, got, axis, input.Dimensions[axis])
		}
	}
	return shapes.Make(p.OutputDimensions()...), nil
}

func (p *RearrangeParams) groupSize(group []int) int {
	size := 1
	for _, id := range group {
		size *= p.Sizes[id]
	}
	return size
}

// OutputDimensions returns the dimensions of the output.
func (p *RearrangeParams) OutputDimensions() []int {
	dims := make([]int, len(p.Output))
	for ii, group := range p.Output {
		dims[ii] = p.groupSize(group)
	}
	return dims
}

// InputIDs returns the set of ids present in the input groups, in order.
func (p *RearrangeParams) InputIDs() []int {
	return slices.Concat(p.Input...)
}

// OutputIDs returns the ids present in the output groups, in order.
func (p *RearrangeParams) OutputIDs() []int {
	return slices.Concat(p.Output...)
}

// HasRepeats returns whether some output id is not in the input (a broadcast axis of size > 1).
func (p *RearrangeParams) HasRepeats() bool {
	inputIDs := p.InputIDs()
	for _, id := range p.OutputIDs() {
		if p.Sizes[id] != 1 && !slices.Contains(inputIDs, id) {
			return true
		}
	}
	return false
}

// IsIdentity returns whether the rearrange doesn't change its input: same shape, no repeats, and
// the non-trivial ids in the same order.
func (p *RearrangeParams) IsIdentity(input shapes.Shape) bool {
	if !slices.Equal(input.Dimensions, p.OutputDimensions()) || p.HasRepeats() {
		return false
	}
	nonTrivial := func(ids []int) []int {
		return slices.DeleteFunc(ids, func(id int) bool { return p.Sizes[id] == 1 })
	}
	return slices.Equal(nonTrivial(p.InputIDs()), nonTrivial(p.OutputIDs()))
}

// Permutation returns the permutation if the rearrange is a pure axes permutation: every group has
// exactly one id and the output has the same ids as the input. perm[j] is the input axis that
// becomes output axis j.
func (p *RearrangeParams) Permutation() (perm []int, ok bool) {
	if len(p.Input) != len(p.Output) {
		return nil, false
	}
	inputPos := make(map[int]int, len(p.Input))
	for axis, group := range p.Input {
		if len(group) != 1 {
			return nil, false
		}
		inputPos[group[0]] = axis
	}
	perm = make([]int, len(p.Output))
	for axis, group := range p.Output {
		if len(group) != 1 {
			return nil, false
		}
		pos, found := inputPos[group[0]]
		if !found {
			return nil, false
		}
		perm[axis] = pos
	}
	return perm, true
}

// Spec returns the parameters as a RearrangeSpec, with all sizes given.
func (p *RearrangeParams) Spec() RearrangeSpec {
	spec := RearrangeSpec{Sizes: make(map[int]int, len(p.Sizes))}
	for _, group := range p.Input {
		spec.Input = append(spec.Input, slices.Clone(group))
	}
	for _, group := range p.Output {
		spec.Output = append(spec.Output, slices.Clone(group))
	}
	for id, size := range p.Sizes {
		spec.Sizes[id] = size
	}
	return spec
}

// canonicalRearrange validates spec against the input shape and returns its canonical parameters.
func canonicalRearrange(input shapes.Shape, spec RearrangeSpec) (*RearrangeParams, error) {
	if len(spec.Input) != input.Rank() {
		return nil, constructionErrorf(KindRearrange, "spec has %d input groups, input has shape %s", len(spec.Input), input)
	}
	seenInput := make(map[int]bool)
	for _, group := range spec.Input {
		for _, id := range group {
			if id < 0 {
				return nil, constructionErrorf(KindRearrange, "negative id %d", id)
			}
			if seenInput[id] {
				return nil, constructionErrorf(KindRearrange, "id %d appears more than once in input %v", id, spec.Input)
			}
			seenInput[id] = true
		}
	}
	seenOutput := make(map[int]bool)
	for _, group := range spec.Output {
		for _, id := range group {
			if id < 0 {
				return nil, constructionErrorf(KindRearrange, "negative id %d", id)
			}
			if seenOutput[id] {
				return nil, constructionErrorf(KindRearrange, "id %d appears more than once in output %v", id, spec.Output)
			}
			seenOutput[id] = true
		}
	}
	for id, size := range spec.Sizes {
		if size < 0 {
			return nil, constructionErrorf(KindRearrange, "negative size %d for id %d", size, id)
		}
	}

	// Resolve sizes of input ids.
	sizes := make(map[int]int)
	for axis, group := range spec.Input {
		dim := input.Dimensions[axis]
		known, unknownID := 1, -1
		for _, id := range group {
			if size, found := spec.Sizes[id]; found {
				known *= size
				sizes[id] = size
			} else if unknownID >= 0 {
				return nil, constructionErrorf(KindRearrange, "input group %v has more than one id of unknown size", group)
			} else {
				unknownID = id
			}
		}
		if unknownID >= 0 {
			if known == 0 || dim%known != 0 {
				return nil, constructionErrorf(KindRearrange, "input axis %d of dimension %d cannot be split by group %v with known sizes %v",
					axis, dim, group, spec.Sizes)
			}
			sizes[unknownID] = dim / known
		} else if known != dim {
			return nil, constructionErrorf(KindRearrange, "input group %v has size %d, but axis %d has dimension %d", group, known, axis, dim)
		}
	}
	for _, group := range spec.Output {
		for _, id := range group {
			if seenInput[id] {
				continue
			}
			size, found := spec.Sizes[id]
			if !found {
				return nil, constructionErrorf(KindRearrange, "repeated output id %d has no size", id)
			}
			sizes[id] = size
		}
	}
	for id := range seenInput {
		if !seenOutput[id] && sizes[id] != 1 {
			return nil, constructionErrorf(KindRearrange, "input id %d of size %d is dropped from the output, only size 1 ids can be dropped",
				id, sizes[id])
		}
	}

	// Renumber in order of first appearance.
	renumber := make(map[int]int)
	canonical := func(id int) int {
		if c, found := renumber[id]; found {
			return c
		}
		c := len(renumber)
		renumber[id] = c
		return c
	}
	mapGroups := func(groups [][]int) [][]int {
		result := make([][]int, len(groups))
		for ii, group := range groups {
			result[ii] = make([]int, len(group))
			for jj, id := range group {
				result[ii][jj] = canonical(id)
			}
		}
		return result
	}
	params := &RearrangeParams{Input: mapGroups(spec.Input), Output: mapGroups(spec.Output)}
	params.Sizes = make([]int, len(renumber))
	for id, c := range renumber {
		params.Sizes[c] = sizes[id]
	}
	return params, nil
}

// Rearrange creates a node that splits, merges, permutes, repeats, squeezes or unsqueezes the axes of
// node, as described by spec. See RearrangeSpec.
func Rearrange(node *Node, spec RearrangeSpec) (*Node, error) {
	if node == nil {
		return nil, constructionErrorf(KindRearrange, "nil child")
	}
	params, err := canonicalRearrange(node.Shape(), spec)
	if err != nil {
		return nil, err
	}
	return newNode(params, []*Node{node}, "", nil)
}

// Permute creates a Rearrange that transposes the axes of node: output axis j is input axis perm[j].
func Permute(node *Node, perm ...int) (*Node, error) {
	if node == nil {
		return nil, constructionErrorf(KindRearrange, "nil child")
	}
	if len(perm) != node.Rank() {
		return nil, constructionErrorf(KindRearrange, "permutation %v for node of rank %d", perm, node.Rank())
	}
	spec := RearrangeSpec{Input: make([][]int, node.Rank()), Output: make([][]int, len(perm))}
	for axis := range spec.Input {
		spec.Input[axis] = []int{axis}
	}
	for axis, from := range perm {
		if from < 0 || from >= node.Rank() {
			return nil, constructionErrorf(KindRearrange, "permutation %v out of range for rank %d", perm, node.Rank())
		}
		spec.Output[axis] = []int{from}
	}
	return Rearrange(node, spec)
}

// Repeat creates a Rearrange that inserts a new axis at position axis (in the output), broadcasting
// node size times along it.
func Repeat(node *Node, axis, size int) (*Node, error) {
	if node == nil {
		return nil, constructionErrorf(KindRearrange, "nil child")
	}
	rank := node.Rank()
	if axis < 0 || axis > rank {
		return nil, constructionErrorf(KindRearrange, "repeat axis %d out of range for rank %d", axis, rank)
	}
	spec := RearrangeSpec{Input: make([][]int, rank), Sizes: map[int]int{rank: size}}
	for ii := range rank {
		spec.Input[ii] = []int{ii}
	}
	spec.Output = slices.Concat(spec.Input[:axis], [][]int{{rank}}, spec.Input[axis:])
	return Rearrange(node, spec)
}

// AsRearrange returns the parameters if n is a Rearrange, nil otherwise.
func (n *Node) AsRearrange() *RearrangeParams {
	p, _ := n.params.(*RearrangeParams)
	return p
}
