// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"math/big"
	"slices"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/support/sets"
	"k8s.io/klog/v2"
)

// maxNestRounds bounds the greedy search of NestAdds.
const maxNestRounds = 10_000

// nestTerm is an operand of a nested Add: either a node of the original circuit, or a group of other
// terms summed together.
type nestTerm struct {
	node  *circuit.Node
	group *nestCandidate
}

// nestCandidate is an Add (original or a group) whose operands can still be shared.
type nestCandidate struct {
	term  int
	terms []int // Sorted term ids.
}

// NestAdds finds operands shared by several Add nodes (with at least minSize elements) and nests them
// into a common sub-Add, so that their partial sum is computed only once.
//
// The search is greedy: at each round the pair of Adds sharing the most operands (at least 2) is
// picked, and the shared operands are replaced by their sum in every Add that contains all of them.
// Adds with repeated operands are not considered.
func NestAdds(root *circuit.Node, minSize *big.Int) *circuit.Node {
	var terms []nestTerm
	termOf := make(map[circuit.Hash]int)
	termFor := func(n *circuit.Node) int {
		if id, found := termOf[n.Hash()]; found {
			return id
		}
		id := len(terms)
		terms = append(terms, nestTerm{node: n})
		termOf[n.Hash()] = id
		return id
	}

	var candidates []*nestCandidate
	planned := make(map[circuit.Hash]*nestCandidate)
	for n := range circuit.All(root) {
		if n.Kind() != circuit.KindAdd || n.NumChildren() < 3 || n.Info().Numel.Cmp(minSize) < 0 {
			continue
		}
		candidate := &nestCandidate{term: termFor(n)}
		for _, operand := range n.Children() {
			candidate.terms = append(candidate.terms, termFor(operand))
		}
		slices.Sort(candidate.terms)
		if len(slices.Compact(slices.Clone(candidate.terms))) != len(candidate.terms) {
			continue
		}
		candidates = append(candidates, candidate)
		planned[n.Hash()] = candidate
	}
	if len(candidates) < 2 {
		return root
	}

	for round := 0; ; round++ {
		if round >= maxNestRounds {
			klog.Warningf("rewrite: NestAdds stopped after %d rounds", round)
			break
		}
		var best []int
		var bestA, bestB *nestCandidate
		for ii, a := range candidates {
			for _, b := range candidates[ii+1:] {
				if shared := intersectSorted(a.terms, b.terms); len(shared) >= 2 && len(shared) > len(best) {
					best, bestA, bestB = shared, a, b
				}
			}
		}
		if best == nil {
			break
		}
		var groupTerm int
		var group *nestCandidate
		switch {
		case len(best) == len(bestA.terms):
			groupTerm = bestA.term
		case len(best) == len(bestB.terms):
			groupTerm = bestB.term
		default:
			groupTerm = len(terms)
			group = &nestCandidate{term: groupTerm, terms: slices.Clone(best)}
			terms = append(terms, nestTerm{group: group})
		}
		bestSet := sets.MakeWith(best...)
		for _, c := range candidates {
			if c.term == groupTerm || len(intersectSorted(c.terms, best)) != len(best) {
				continue
			}
			c.terms = slices.DeleteFunc(c.terms, bestSet.Has)
			c.terms = append(c.terms, groupTerm)
			slices.Sort(c.terms)
		}
		if group != nil {
			candidates = append(candidates, group)
		}
	}

	// Rebuild bottom-up, following the original circuit.
	memo := make(map[circuit.Hash]*circuit.Node)
	builtTerms := make(map[int]*circuit.Node)
	var rebuild func(n *circuit.Node) *circuit.Node
	var buildTerm func(id int) *circuit.Node
	sumOf := func(ids []int) *circuit.Node {
		operands := make([]*circuit.Node, len(ids))
		for ii, id := range ids {
			operands[ii] = buildTerm(id)
		}
		if len(operands) == 1 {
			return operands[0]
		}
		slices.SortStableFunc(operands, func(a, b *circuit.Node) int { return a.Hash().Compare(b.Hash()) })
		return build(circuit.Add(operands...))
	}
	buildTerm = func(id int) *circuit.Node {
		if built, found := builtTerms[id]; found {
			return built
		}
		var built *circuit.Node
		if terms[id].node != nil {
			built = rebuild(terms[id].node)
		} else {
			built = sumOf(terms[id].group.terms)
		}
		builtTerms[id] = built
		return built
	}
	rebuild = func(n *circuit.Node) *circuit.Node {
		if result, found := memo[n.Hash()]; found {
			return result
		}
		var result *circuit.Node
		if candidate, found := planned[n.Hash()]; found {
			result = withMetadataOf(sumOf(candidate.terms), n)
		} else {
			result = build(n.MapChildren(func(child *circuit.Node) (*circuit.Node, error) {
				return rebuild(child), nil
			}))
		}
		memo[n.Hash()] = result
		return result
	}
	return rebuild(root)
}

// intersectSorted returns the elements present in both sorted slices.
func intersectSorted(a, b []int) []int {
	var result []int
	for ii, jj := 0, 0; ii < len(a) && jj < len(b); {
		switch {
		case a[ii] < b[jj]:
			ii++
		case a[ii] > b[jj]:
			jj++
		default:
			result = append(result, a[ii])
			ii++
			jj++
		}
	}
	return result
}

// AddNestLTR nests every Add with more than two operands and at least minSize elements into a chain of
// binary Adds, left to right: Add(a, b, c) becomes Add(Add(a, b), c).
func AddNestLTR(root *circuit.Node, minSize *big.Int) *circuit.Node {
	return build(circuit.DeepMap(root, func(n *circuit.Node) (*circuit.Node, error) {
		if n.Kind() != circuit.KindAdd || n.NumChildren() <= 2 || n.Info().Numel.Cmp(minSize) < 0 {
			return n, nil
		}
		operands := n.Children()
		sum := build(circuit.Add(operands[0], operands[1]))
		for _, operand := range operands[2:] {
			sum = build(circuit.Add(sum, operand))
		}
		return withMetadataOf(sum, n), nil
	}))
}
