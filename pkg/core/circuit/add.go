// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/shapes"
	"github.com/gomlx/circuitopt/pkg/support/xslices"
)

// AddParams of an Add node. Add has no parameters: it sums its children with numpy broadcasting.
type AddParams struct{}

func (p *AddParams) Kind() Kind               { return KindAdd }
func (p *AddParams) String() string           { return "" }
func (p *AddParams) writeHash(hs *hasher) {}

func (p *AddParams) inferShape(children []*Node) (shapes.Shape, error) {
	shape, err := shapes.Broadcast(xslices.Map(children, (*Node).Shape)...)
	if err != nil {
		return shapes.Shape{}, constructionErrorf(KindAdd, "%v", err)
	}
	return shape, nil
}

// Add creates the elementwise sum of the given nodes, broadcasting them numpy style (right-aligned).
// An Add of no nodes is a scalar zero.
func Add(nodes ...*Node) (*Node, error) {
	return newNode(&AddParams{}, slices.Clone(nodes), "", nil)
}
