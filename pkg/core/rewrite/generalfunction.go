// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"github.com/gomlx/circuitopt/pkg/core/circuit"
)

// GeneralFunctionEvaluateSimple folds an elementwise GeneralFunction of a ScalarConstant into a
// ScalarConstant.
func GeneralFunctionEvaluateSimple(n *circuit.Node) *circuit.Node {
	spec := n.AsGeneralFunction().Spec
	if n.NumChildren() != 1 || !spec.IsElementwise() {
		return nil
	}
	c := n.Children()[0].AsScalarConstant()
	if c == nil {
		return nil
	}
	return scalar(spec.ScalarFn(c.Value), n.Shape().Dimensions)
}
