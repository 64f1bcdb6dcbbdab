// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// HugeNodeNumel is the element count above which non-constant nodes are highlighted in TreeString.
const HugeNodeNumel = 400_000_000

var hugeNodeStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"})

// TreeString returns a depth-indented dump of the circuit, one node per line.
//
// Each distinct node is printed once, prefixed by a serial number; later occurrences print only
// "<serial> <name or kind>" as a back-reference. Non-constant nodes larger than HugeNodeNumel elements
// have their size highlighted in red, and named axes are listed as a NA[...] suffix.
func TreeString(root *Node) string {
	var sb strings.Builder
	seen := make(map[Hash]string)
	hugeNumel := big.NewInt(HugeNodeNumel)
	var recurse func(n *Node, depth int)
	recurse = func(n *Node, depth int) {
		sb.WriteString(strings.Repeat(" ", depth*2))
		if ref, found := seen[n.hash]; found {
			sb.WriteString(ref)
			sb.WriteString("\n")
			return
		}
		serial := len(seen)
		label := n.name
		if label == "" {
			label = n.Kind().String()
		}
		seen[n.hash] = fmt.Sprintf("%d %s", serial, label)

		fmt.Fprintf(&sb, "%d ", serial)
		if n.name != "" {
			fmt.Fprintf(&sb, "%s ", n.name)
		}
		sb.WriteString(n.shape.String())
		sb.WriteString(" ")
		if n.Kind() != KindArrayConstant && n.Info().Numel.Cmp(hugeNumel) > 0 {
			sb.WriteString(hugeNodeStyle.Render(OOMFormat(n.Info().Numel)))
			sb.WriteString(" ")
		}
		sb.WriteString(n.Kind().String())
		if p := n.params.String(); p != "" {
			sb.WriteString(" ")
			sb.WriteString(p)
		}
		if len(n.namedAxes) > 0 {
			fmt.Fprintf(&sb, " NA[%s]", namedAxesString(n.namedAxes))
		}
		sb.WriteString("\n")
		for _, child := range n.children {
			recurse(child, depth+1)
		}
	}
	recurse(root, 0)
	return sb.String()
}

// OOMFormat formats a (possibly huge) count with its order of magnitude, truncating to a whole number
// of the largest unit of 1000 that keeps it below 1000: 999 -> "999", 12345 -> "12K", 3e9 -> "3G".
func OOMFormat(count *big.Int) string {
	num := new(big.Int).Set(count)
	thousand := big.NewInt(1000)
	for _, unit := range []string{"", "K", "M", "G", "T", "P", "E", "Z"} {
		if num.Cmp(thousand) < 0 {
			return num.String() + unit
		}
		num.Quo(num, thousand)
	}
	return num.String() + "Y"
}
