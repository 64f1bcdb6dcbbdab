// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
	"strings"
)

// String implements fmt.Stringer with a compact summary.
func (t *Tensor) String() string {
	return t.Summary(4)
}

// Summary returns a multi-line summary of the Tensor's content.
// Inspired by numpy output: rows and outer axes with more than 6 entries are elided.
func (t *Tensor) Summary(precision int) string {
	if t.Shape().IsZeroSize() {
		return t.Shape().String()
	}

	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	wValue := func(idx int) { w("%.*g", precision, t.flat[idx]) }

	dims := t.Shape().Dimensions
	for _, dim := range dims {
		w("[%d]", dim)
	}
	if len(dims) == 0 {
		w("(")
		wValue(0)
		w(")")
		return buf.String()
	}

	var printElements func(int, int, []int)
	printElements = func(index, indent int, currentShape []int) {
		if len(currentShape) == 1 {
			w("{")
			if currentShape[0] > 6 {
				for i := range 3 {
					if i > 0 {
						w(", ")
					}
					wValue(index + i)
				}
				w(", ..., ")
				for i := currentShape[0] - 3; i < currentShape[0]; i++ {
					if i > currentShape[0]-3 {
						w(", ")
					}
					wValue(index + i)
				}
			} else {
				for i := range currentShape[0] {
					if i > 0 {
						w(", ")
					}
					wValue(index + i)
				}
			}
			w("}")
			return
		}

		stride := 1
		for _, dim := range currentShape[1:] {
			stride *= dim
		}
		w("{")
		if indent == -1 {
			if currentShape[0] > 1 {
				w("\n ")
			}
			indent = 1
		}
		indentStr := strings.Repeat(" ", indent)

		rows := currentShape[0]
		first, last := rows, 0
		if rows > 6 {
			first, last = 3, 3
		}
		for ii := range first {
			if ii > 0 {
				w(",\n%s", indentStr)
			}
			printElements(index+ii*stride, indent+1, currentShape[1:])
		}
		if last > 0 {
			w(",\n%s...", indentStr)
			for ii := rows - last; ii < rows; ii++ {
				w(",\n%s", indentStr)
				printElements(index+ii*stride, indent+1, currentShape[1:])
			}
		}
		w("}")
	}
	printElements(0, -1, dims)
	return buf.String()
}
