// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConstructionError is returned when a node cannot be built from the given parameters and children:
// incompatible shapes, out-of-bound indices, malformed specs, or a GeneralFunction whose shape
// inference rejects its inputs.
//
// Use errors.As to test for it.
type ConstructionError struct {
	Kind   Kind
	Reason string
}

// Error implements error.
func (e *ConstructionError) Error() string {
	return fmt.Sprintf("circuit: cannot construct %s: %s", e.Kind, e.Reason)
}

// constructionErrorf returns a *ConstructionError wrapped with a stack trace.
func constructionErrorf(kind Kind, format string, args ...any) error {
	return errors.WithStack(&ConstructionError{Kind: kind, Reason: fmt.Sprintf(format, args...)})
}
