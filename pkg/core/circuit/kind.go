// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

// Kind of circuit Node.
type Kind int

const (
	KindInvalid Kind = iota
	KindArrayConstant
	KindScalarConstant
	KindSymbol
	KindAdd
	KindEinsum
	KindRearrange
	KindIndex
	KindScatter
	KindConcat
	KindGeneralFunction
)

var kindNames = []string{
	KindInvalid:         "Invalid",
	KindArrayConstant:   "ArrayConstant",
	KindScalarConstant:  "ScalarConstant",
	KindSymbol:          "Symbol",
	KindAdd:             "Add",
	KindEinsum:          "Einsum",
	KindRearrange:       "Rearrange",
	KindIndex:           "Index",
	KindScatter:         "Scatter",
	KindConcat:          "Concat",
	KindGeneralFunction: "GeneralFunction",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindInvalid]
	}
	return kindNames[k]
}

// IsConstant returns whether nodes of this kind hold values known before evaluation
// (ArrayConstant and ScalarConstant). Constants are pre-resident when a schedule runs.
func (k Kind) IsConstant() bool {
	return k == KindArrayConstant || k == KindScalarConstant
}

// IsLeaf returns whether nodes of this kind have no children.
func (k Kind) IsLeaf() bool {
	return k == KindArrayConstant || k == KindScalarConstant || k == KindSymbol
}
