// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/circuitopt/pkg/core/shapes"
)

// IndexKind enumerates the kinds of AxisIndex.
type IndexKind int

const (
	// IndexSingle selects one position and removes the axis.
	IndexSingle IndexKind = iota

	// IndexSlice selects the contiguous range [Start, Stop).
	IndexSlice

	// IndexTensor gathers the listed positions, in order (repetitions allowed).
	IndexTensor
)

// SliceEnd can be used as the Stop of a slice to mean "until the end of the axis".
const SliceEnd = math.MaxInt

// AxisIndex selects positions along one axis. Create them with Single, Slice, FullSlice or Gather.
//
// Negative positions count from the end of the axis. Slices are clamped to the axis like Go/Python
// slices would be; single positions and gathered positions must be in range.
type AxisIndex struct {
	Kind        IndexKind
	Position    int
	Start, Stop int
	Positions   []int
}

// Single returns an AxisIndex selecting position (and removing the axis).
func Single(position int) AxisIndex { return AxisIndex{Kind: IndexSingle, Position: position} }

// Slice returns an AxisIndex selecting [start, stop). Use SliceEnd for stop to go until the end.
func Slice(start, stop int) AxisIndex { return AxisIndex{Kind: IndexSlice, Start: start, Stop: stop} }

// FullSlice returns an AxisIndex that selects the whole axis.
func FullSlice() AxisIndex { return Slice(0, SliceEnd) }

// Gather returns an AxisIndex selecting the given positions, in order.
func Gather(positions ...int) AxisIndex {
	return AxisIndex{Kind: IndexTensor, Positions: slices.Clone(positions)}
}

// Len returns the resulting dimension of a normalized AxisIndex (0 for Single, which removes the axis).
func (ai AxisIndex) Len() int {
	switch ai.Kind {
	case IndexSlice:
		return ai.Stop - ai.Start
	case IndexTensor:
		return len(ai.Positions)
	default:
		return 0
	}
}

// IsFull returns whether the normalized index selects the whole axis of the given dimension.
func (ai AxisIndex) IsFull(dim int) bool {
	return ai.Kind == IndexSlice && ai.Start == 0 && ai.Stop == dim
}

// Equal compares two AxisIndex.
func (ai AxisIndex) Equal(other AxisIndex) bool {
	if ai.Kind != other.Kind {
		return false
	}
	switch ai.Kind {
	case IndexSingle:
		return ai.Position == other.Position
	case IndexSlice:
		return ai.Start == other.Start && ai.Stop == other.Stop
	default:
		return slices.Equal(ai.Positions, other.Positions)
	}
}

// String implements fmt.Stringer.
func (ai AxisIndex) String() string {
	switch ai.Kind {
	case IndexSingle:
		return fmt.Sprintf("%d", ai.Position)
	case IndexSlice:
		if ai.Stop == SliceEnd {
			return fmt.Sprintf("%d:", ai.Start)
		}
		return fmt.Sprintf("%d:%d", ai.Start, ai.Stop)
	default:
		if len(ai.Positions) > 8 {
			return fmt.Sprintf("t%v...(%d)", ai.Positions[:8], len(ai.Positions))
		}
		return fmt.Sprintf("t%v", ai.Positions)
	}
}

// normalize resolves negative positions, clamps slices and turns gathers of contiguous increasing
// ranges into slices, so that equivalent indices have the same representation.
func (ai AxisIndex) normalize(kind Kind, axis, dim int) (AxisIndex, error) {
	resolve := func(pos int) int {
		if pos < 0 {
			return pos + dim
		}
		return pos
	}
	switch ai.Kind {
	case IndexSingle:
		pos := resolve(ai.Position)
		if pos < 0 || pos >= dim {
			return ai, constructionErrorf(kind, "position %d out of bounds for axis %d of dimension %d", ai.Position, axis, dim)
		}
		return Single(pos), nil
	case IndexSlice:
		start, stop := resolve(ai.Start), resolve(ai.Stop)
		start = min(max(start, 0), dim)
		stop = min(max(stop, start), dim)
		return Slice(start, stop), nil
	case IndexTensor:
		positions := make([]int, len(ai.Positions))
		for ii, pos := range ai.Positions {
			positions[ii] = resolve(pos)
			if positions[ii] < 0 || positions[ii] >= dim {
				return ai, constructionErrorf(kind, "gather position %d out of bounds for axis %d of dimension %d", pos, axis, dim)
			}
		}
		contiguous := len(positions) > 0
		for ii := 1; ii < len(positions) && contiguous; ii++ {
			contiguous = positions[ii] == positions[ii-1]+1
		}
		if contiguous {
			return Slice(positions[0], positions[len(positions)-1]+1), nil
		}
		if len(positions) == 0 {
			return Slice(0, 0), nil
		}
		return AxisIndex{Kind: IndexTensor, Positions: positions}, nil
	default:
		return ai, constructionErrorf(kind, "invalid index kind %d for axis %d", ai.Kind, axis)
	}
}

// validate checks a normalized AxisIndex against the dimension.
func (ai AxisIndex) validate(kind Kind, axis, dim int) error {
	switch ai.Kind {
	case IndexSingle:
		if ai.Position < 0 || ai.Position >= dim {
			return constructionErrorf(kind, "position %d out of bounds for axis %d of dimension %d", ai.Position, axis, dim)
		}
	case IndexSlice:
		if ai.Start < 0 || ai.Stop < ai.Start || ai.Stop > dim {
			return constructionErrorf(kind, "slice %s invalid for axis %d of dimension %d", ai, axis, dim)
		}
	case IndexTensor:
		for _, pos := range ai.Positions {
			if pos < 0 || pos >= dim {
				return constructionErrorf(kind, "gather position %d out of bounds for axis %d of dimension %d", pos, axis, dim)
			}
		}
	default:
		return constructionErrorf(kind, "invalid index kind %d", ai.Kind)
	}
	return nil
}

// TensorIndex has one AxisIndex per leading axis of the indexed node. Missing trailing entries
// select the whole axis.
//
// Each non-Single entry produces one output axis (outer, or orthogonal, indexing): gathers on two
// axes select the cartesian product of positions.
type TensorIndex []AxisIndex

// String implements fmt.Stringer.
func (ti TensorIndex) String() string {
	parts := make([]string, len(ti))
	for ii, ai := range ti {
		parts[ii] = ai.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Equal compares two TensorIndex.
func (ti TensorIndex) Equal(other TensorIndex) bool {
	return slices.EqualFunc(ti, other, AxisIndex.Equal)
}

// Clone returns a deep copy.
func (ti TensorIndex) Clone() TensorIndex {
	result := make(TensorIndex, len(ti))
	for ii, ai := range ti {
		result[ii] = ai
		result[ii].Positions = slices.Clone(ai.Positions)
	}
	return result
}

// IsIdentity returns whether the (normalized) index selects everything of the given shape.
func (ti TensorIndex) IsIdentity(shape shapes.Shape) bool {
	for axis, ai := range ti {
		if !ai.IsFull(shape.Dimensions[axis]) {
			return false
		}
	}
	return true
}

// OutputDimensions returns the dimensions after indexing with the (normalized) index.
func (ti TensorIndex) OutputDimensions() []int {
	dims := make([]int, 0, len(ti))
	for _, ai := range ti {
		if ai.Kind != IndexSingle {
			dims = append(dims, ai.Len())
		}
	}
	return dims
}

// normalizeIndex pads the index to the full rank of the shape and normalizes each entry.
func normalizeIndex(kind Kind, index TensorIndex, shape shapes.Shape) (TensorIndex, error) {
	if len(index) > shape.Rank() {
		return nil, constructionErrorf(kind, "index %s has more entries than the rank of shape %s", index, shape)
	}
	result := make(TensorIndex, shape.Rank())
	for axis := range shape.Rank() {
		ai := FullSlice()
		if axis < len(index) {
			ai = index[axis]
		}
		var err error
		result[axis], err = ai.normalize(kind, axis, shape.Dimensions[axis])
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func hashIndex(hs *hasher, index TensorIndex) {
	hs.int(len(index))
	for _, ai := range index {
		hs.int(int(ai.Kind))
		switch ai.Kind {
		case IndexSingle:
			hs.int(ai.Position)
		case IndexSlice:
			hs.int(ai.Start)
			hs.int(ai.Stop)
		default:
			hs.ints(ai.Positions)
		}
	}
}

// IndexParams of an Index node. The index is normalized: one entry per axis of the child, positions
// resolved, slices concrete.
type IndexParams struct {
	Index TensorIndex
}

func (p *IndexParams) Kind() Kind           { return KindIndex }
func (p *IndexParams) String() string       { return p.Index.String() }
func (p *IndexParams) writeHash(hs *hasher) { hashIndex(hs, p.Index) }

func (p *IndexParams) inferShape(children []*Node) (shapes.Shape, error) {
	if len(children) != 1 {
		return shapes.Shape{}, constructionErrorf(KindIndex, "requires exactly one child, got %d", len(children))
	}
	input := children[0].Shape()
	if len(p.Index) != input.Rank() {
		return shapes.Shape{}, constructionErrorf(KindIndex, "index %s doesn't match child shape %s", p.Index, input)
	}
	for axis, ai := range p.Index {
		if err := ai.validate(KindIndex, axis, input.Dimensions[axis]); err != nil {
			return shapes.Shape{}, err
		}
	}
	return shapes.Make(p.Index.OutputDimensions()...), nil
}

// Index creates a node selecting positions of node. See TensorIndex.
func Index(node *Node, index TensorIndex) (*Node, error) {
	if node == nil {
		return nil, constructionErrorf(KindIndex, "nil child")
	}
	normalized, err := normalizeIndex(KindIndex, index, node.Shape())
	if err != nil {
		return nil, err
	}
	return newNode(&IndexParams{Index: normalized}, []*Node{node}, "", nil)
}

// AsIndex returns the parameters if n is an Index, nil otherwise.
func (n *Node) AsIndex() *IndexParams {
	p, _ := n.params.(*IndexParams)
	return p
}

// ScatterParams of a Scatter node: the child is written in the region selected by Index of an
// otherwise zero tensor of the given Dimensions. Only slices are allowed, one per output axis.
type ScatterParams struct {
	Index      TensorIndex
	Dimensions []int
}

func (p *ScatterParams) Kind() Kind { return KindScatter }

func (p *ScatterParams) String() string {
	return fmt.Sprintf("%s into %v", p.Index, p.Dimensions)
}

func (p *ScatterParams) writeHash(hs *hasher) {
	hashIndex(hs, p.Index)
	hs.ints(p.Dimensions)
}

func (p *ScatterParams) inferShape(children []*Node) (shapes.Shape, error) {
	if len(children) != 1 {
		return shapes.Shape{}, constructionErrorf(KindScatter, "requires exactly one child, got %d", len(children))
	}
	output := shapes.Make(p.Dimensions...)
	if len(p.Index) != output.Rank() {
		return shapes.Shape{}, constructionErrorf(KindScatter, "index %s doesn't match output dimensions %v", p.Index, p.Dimensions)
	}
	for axis, ai := range p.Index {
		if ai.Kind != IndexSlice {
			return shapes.Shape{}, constructionErrorf(KindScatter, "only slices are supported, got %s for axis %d", ai, axis)
		}
		if err := ai.validate(KindScatter, axis, p.Dimensions[axis]); err != nil {
			return shapes.Shape{}, err
		}
	}
	if want := p.Index.OutputDimensions(); !slices.Equal(want, children[0].Shape().Dimensions) {
		return shapes.Shape{}, constructionErrorf(KindScatter, "child shape %s doesn't match the scattered region %v",
			children[0].Shape(), want)
	}
	return output, nil
}

// Scatter creates a node of the given dimensions, zero everywhere except in the region selected by
// index (slices only), where it holds node.
func Scatter(node *Node, index TensorIndex, dimensions ...int) (*Node, error) {
	if node == nil {
		return nil, constructionErrorf(KindScatter, "nil child")
	}
	for _, dim := range dimensions {
		if dim < 0 {
			return nil, constructionErrorf(KindScatter, "negative dimension in %v", dimensions)
		}
	}
	normalized, err := normalizeIndex(KindScatter, index, shapes.Make(dimensions...))
	if err != nil {
		return nil, err
	}
	return newNode(&ScatterParams{Index: normalized, Dimensions: slices.Clone(dimensions)}, []*Node{node}, "", nil)
}

// AsScatter returns the parameters if n is a Scatter, nil otherwise.
func (n *Node) AsScatter() *ScatterParams {
	p, _ := n.params.(*ScatterParams)
	return p
}
