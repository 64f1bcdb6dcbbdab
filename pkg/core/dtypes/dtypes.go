// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the floating point element types a circuit can be
// scheduled and evaluated with.
//
// Circuits themselves are dtype agnostic: the dtype only matters to convert a memory budget in bytes
// to a budget in elements, and to emulate the precision of the target device when evaluating with the
// reference evaluator.
package dtypes

import (
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum of the supported element types.
type DType int32

const (
	// InvalidDType is the zero value, it's not a valid element type.
	InvalidDType DType = iota

	// Float16 is the IEEE 754 half precision format.
	Float16

	// BFloat16 is the "brain floating point" 16 bits format: float32 range with a truncated mantissa.
	BFloat16

	// Float32 is the IEEE 754 single precision format.
	Float32

	// Float64 is the IEEE 754 double precision format.
	Float64
)

// Aliases.
const (
	F16  = Float16
	BF16 = BFloat16
	F32  = Float32
	F64  = Float64
)

// MapOfNames maps the (lower-case) names to the DType.
var MapOfNames = map[string]DType{
	"invaliddtype": InvalidDType,
	"float16":      Float16,
	"f16":          Float16,
	"bfloat16":     BFloat16,
	"bf16":         BFloat16,
	"float32":      Float32,
	"f32":          Float32,
	"float64":      Float64,
	"f64":          Float64,
}

// FromName returns the DType for the given name (case-insensitive), or an error if it's not known.
func FromName(name string) (DType, error) {
	dtype, found := MapOfNames[strings.ToLower(name)]
	if !found || dtype == InvalidDType {
		return InvalidDType, errors.Errorf("unknown dtype %q", name)
	}
	return dtype, nil
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Float16:
		return "Float16"
	case BFloat16:
		return "BFloat16"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	default:
		return "InvalidDType"
	}
}

// IsValid returns whether dtype is one of the supported element types.
func (dtype DType) IsValid() bool {
	return dtype >= Float16 && dtype <= Float64
}

// Size returns the number of bytes used by one element of the given DType.
// It returns 0 for InvalidDType.
func (dtype DType) Size() int {
	switch dtype {
	case Float16, BFloat16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// Memory returns the number of bytes for the given DType.
// It's an alias to Size, converted to uintptr.
func (dtype DType) Memory() uintptr {
	return uintptr(dtype.Size())
}

// HighestValue returns the largest finite value representable by the dtype.
func (dtype DType) HighestValue() float64 {
	switch dtype {
	case Float16:
		return 65504
	case BFloat16:
		return float64(bfloat16.FromBits(0x7f7f).Float32())
	case Float32:
		return math.MaxFloat32
	default:
		return math.MaxFloat64
	}
}

// SmallestNonZeroValue returns the smallest positive value representable by the dtype.
func (dtype DType) SmallestNonZeroValue() float64 {
	switch dtype {
	case Float16:
		return float64(float16.Frombits(0x0001).Float32())
	case BFloat16:
		return float64(bfloat16.SmallestNonzero.Float32())
	case Float32:
		return math.SmallestNonzeroFloat32
	default:
		return math.SmallestNonzeroFloat64
	}
}

// Round converts v to the dtype and back to float64, emulating the precision (and overflow) of
// storing the value in a buffer of the dtype.
func (dtype DType) Round(v float64) float64 {
	switch dtype {
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case BFloat16:
		return float64(bfloat16.FromFloat64(v).Float32())
	case Float32:
		return float64(float32(v))
	default:
		return v
	}
}
