// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"fmt"
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/shapes"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/google/uuid"
)

// ArrayConstantParams holds the value of an ArrayConstant node.
type ArrayConstantParams struct {
	Value *tensors.Tensor
}

func (p *ArrayConstantParams) Kind() Kind     { return KindArrayConstant }
func (p *ArrayConstantParams) String() string { return "" }

func (p *ArrayConstantParams) inferShape([]*Node) (shapes.Shape, error) {
	return p.Value.Shape().Clone(), nil
}

func (p *ArrayConstantParams) writeHash(hs *hasher) {
	hs.bytes(p.Value.Bytes())
}

// ArrayConstant creates a constant node holding the given tensor. The tensor must not be modified afterwards.
func ArrayConstant(value *tensors.Tensor) (*Node, error) {
	if value == nil {
		return nil, constructionErrorf(KindArrayConstant, "nil tensor")
	}
	return newNode(&ArrayConstantParams{Value: value}, nil, "", nil)
}

// AsArrayConstant returns the parameters if n is an ArrayConstant, nil otherwise.
func (n *Node) AsArrayConstant() *ArrayConstantParams {
	p, _ := n.params.(*ArrayConstantParams)
	return p
}

// ScalarConstantParams holds the value of a ScalarConstant node: a tensor of any shape filled with
// the same value.
type ScalarConstantParams struct {
	Value      float64
	Dimensions []int
}

func (p *ScalarConstantParams) Kind() Kind { return KindScalarConstant }

func (p *ScalarConstantParams) String() string {
	return fmt.Sprintf("%10.5e", p.Value)
}

func (p *ScalarConstantParams) inferShape([]*Node) (shapes.Shape, error) {
	for _, dim := range p.Dimensions {
		if dim < 0 {
			return shapes.Shape{}, constructionErrorf(KindScalarConstant, "negative dimension in %v", p.Dimensions)
		}
	}
	return shapes.Make(p.Dimensions...), nil
}

func (p *ScalarConstantParams) writeHash(hs *hasher) {
	hs.float(p.Value)
	hs.ints(p.Dimensions)
}

// ScalarConstant creates a constant node of the given dimensions, where every element equals value.
func ScalarConstant(value float64, dimensions ...int) (*Node, error) {
	return newNode(&ScalarConstantParams{Value: value, Dimensions: slices.Clone(dimensions)}, nil, "", nil)
}

// AsScalarConstant returns the parameters if n is a ScalarConstant, nil otherwise.
func (n *Node) AsScalarConstant() *ScalarConstantParams {
	p, _ := n.params.(*ScalarConstantParams)
	return p
}

// IsScalarConstantValue returns whether n is a ScalarConstant with the given value.
func (n *Node) IsScalarConstantValue(value float64) bool {
	p := n.AsScalarConstant()
	return p != nil && p.Value == value
}

// SymbolParams identifies a Symbol: a named input whose value is only bound at evaluation time.
type SymbolParams struct {
	ID         uuid.UUID
	Dimensions []int
}

func (p *SymbolParams) Kind() Kind     { return KindSymbol }
func (p *SymbolParams) String() string { return p.ID.String() }

func (p *SymbolParams) inferShape([]*Node) (shapes.Shape, error) {
	for _, dim := range p.Dimensions {
		if dim < 0 {
			return shapes.Shape{}, constructionErrorf(KindSymbol, "negative dimension in %v", p.Dimensions)
		}
	}
	return shapes.Make(p.Dimensions...), nil
}

func (p *SymbolParams) writeHash(hs *hasher) {
	hs.bytes(p.ID[:])
	hs.ints(p.Dimensions)
}

// Symbol creates an input node with the given identity and shape. Two symbols with the same id and
// shape are the same node.
func Symbol(id uuid.UUID, dimensions ...int) (*Node, error) {
	return newNode(&SymbolParams{ID: id, Dimensions: slices.Clone(dimensions)}, nil, "", nil)
}

// NewSymbol creates an input node with a fresh random identity.
func NewSymbol(dimensions ...int) (*Node, error) {
	return Symbol(uuid.New(), dimensions...)
}

// AsSymbol returns the parameters if n is a Symbol, nil otherwise.
func (n *Node) AsSymbol() *SymbolParams {
	p, _ := n.params.(*SymbolParams)
	return p
}
