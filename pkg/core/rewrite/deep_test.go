// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite_test

import (
	"math/big"
	"testing"

	. "github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/circuit/circuittest"
	"github.com/gomlx/circuitopt/pkg/core/cost"
	"github.com/gomlx/circuitopt/pkg/core/rewrite"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	minSizeAll  = big.NewInt(1)
	minSizeNone = big.NewInt(1 << 40)
)

func TestCanonicalize(t *testing.T) {
	a, b := constant(1, 2, 3), constant(2, 3, 4)
	c := constant(3, 2, 3)

	requireSame(t, rewrite.Canonicalize(must.M1(Add(a, c))), rewrite.Canonicalize(must.M1(Add(c, a))))

	ab := must.M1(EinsumSimple("ab,bc->ac", a, b))
	ba := must.M1(EinsumSimple("bc,ab->ac", b, a))
	assert.False(t, ab.Equal(ba))
	requireSame(t, rewrite.Canonicalize(ab), rewrite.Canonicalize(ba))
	circuittest.AssertEvalClose(t, ab, rewrite.Canonicalize(ba), 1e-9)

	// Identities are removed, but Adds are not flattened.
	nested := must.M1(Add(must.M1(Add(a, c)), must.M1(Permute(a, 0, 1))))
	canonical := rewrite.Canonicalize(nested)
	assert.Equal(t, KindAdd, canonical.Kind())
	assert.Equal(t, 2, canonical.NumChildren())
	circuittest.AssertEvalClose(t, nested, canonical, 1e-9)

	named := must.M1(Add(c, a)).Named("sum")
	assert.Equal(t, "sum", rewrite.Canonicalize(named).Name())
}

func TestPushDownIndex(t *testing.T) {
	a, b := constant(1, 4, 3), constant(2, 3)
	sum := must.M1(Add(a, b))

	indexed := must.M1(Index(sum, TensorIndex{Single(1)}))
	pushed := rewrite.PushDownIndex(indexed, minSizeAll)
	assert.Equal(t, KindAdd, pushed.Kind())
	assert.True(t, b.Equal(pushed.Children()[1]), "broadcast operand should not be indexed")
	circuittest.AssertEvalClose(t, indexed, pushed, 1e-9)
	requireSame(t, indexed, rewrite.PushDownIndex(indexed, minSizeNone))

	// Broadcast axes of size 1.
	column := constant(3, 4, 1)
	broadcast := must.M1(Index(must.M1(Add(a, column)), TensorIndex{Slice(1, 3), Single(2)}))
	pushed = rewrite.PushDownIndex(broadcast, minSizeAll)
	assert.Equal(t, KindAdd, pushed.Kind())
	circuittest.AssertEvalClose(t, broadcast, pushed, 1e-9)

	w := constant(4, 3, 5)
	product := must.M1(Index(must.M1(EinsumSimple("ab,bc->ac", a, w)), TensorIndex{Slice(1, 3), Single(4)}))
	pushed = rewrite.PushDownIndex(product, minSizeAll)
	require.Equal(t, KindEinsum, pushed.Kind())
	assert.Equal(t, []int{2, 3}, pushed.Children()[0].Shape().Dimensions)
	assert.Equal(t, []int{3}, pushed.Children()[1].Shape().Dimensions)
	circuittest.AssertEvalClose(t, product, pushed, 1e-9)

	x := constant(5, 2, 3)
	concat := must.M1(Concat(0, a, x))
	selected := must.M1(Index(concat, TensorIndex{Single(4)}))
	pushed = rewrite.PushDownIndex(selected, minSizeAll)
	requireSame(t, must.M1(Index(x, TensorIndex{Single(0)})), pushed)
	circuittest.AssertEvalClose(t, selected, pushed, 0)

	selected = must.M1(Index(concat, TensorIndex{Slice(1, 2), Single(0)}))
	pushed = rewrite.PushDownIndex(selected, minSizeAll)
	requireSame(t, must.M1(Index(a, TensorIndex{Slice(1, 2), Single(0)})), pushed)

	selected = must.M1(Index(concat, TensorIndex{Slice(3, 6)}))
	pushed = rewrite.PushDownIndex(selected, minSizeAll)
	require.Equal(t, KindConcat, pushed.Kind())
	assert.True(t, x.Equal(pushed.Children()[1]))
	circuittest.AssertEvalClose(t, selected, pushed, 0)
	gathered := must.M1(Index(concat, TensorIndex{Gather(5, 0)}))
	requireSame(t, gathered, rewrite.PushDownIndex(gathered, minSizeAll))

	sigmoid := must.M1(GeneralFunctionByName("sigmoid", a))
	element := must.M1(Index(sigmoid, TensorIndex{Single(2), Single(1)}))
	pushed = rewrite.PushDownIndex(element, minSizeAll)
	require.Equal(t, KindGeneralFunction, pushed.Kind())
	assert.Equal(t, 0, pushed.Rank())
	circuittest.AssertEvalClose(t, element, pushed, 1e-9)

	// The softmax axis can't be split.
	softmax := must.M1(GeneralFunctionByName("softmax", a))
	row := must.M1(Index(softmax, TensorIndex{Single(2)}))
	require.Equal(t, KindGeneralFunction, rewrite.PushDownIndex(row, minSizeAll).Kind())
	partial := must.M1(Index(softmax, TensorIndex{FullSlice(), Slice(0, 2)}))
	requireSame(t, partial, rewrite.PushDownIndex(partial, minSizeAll))

	requireSame(t, scalar(2, 3), rewrite.PushDownIndex(must.M1(Index(scalar(2, 4, 3), TensorIndex{Single(0)})), minSizeAll))
}

func TestPullConcat(t *testing.T) {
	simplifier := rewrite.NewSimplifier(nil)
	a, b, c := constant(1, 2, 3), constant(2, 2, 3), constant(3, 4, 3)

	sum := must.M1(Add(must.M1(Concat(0, a, b)), c))
	pulled := rewrite.PullConcat(sum, minSizeAll, simplifier)
	require.Equal(t, KindConcat, pulled.Kind())
	assert.Equal(t, KindAdd, pulled.Children()[0].Kind())
	circuittest.AssertEvalClose(t, sum, pulled, 1e-9)
	requireSame(t, simplifier.Simplify(sum), rewrite.PullConcat(sum, minSizeNone, simplifier))

	sigmoid := must.M1(GeneralFunctionByName("sigmoid", must.M1(Concat(0, a, b))))
	pulled = rewrite.PullConcat(sigmoid, minSizeAll, simplifier)
	require.Equal(t, KindConcat, pulled.Kind())
	assert.Equal(t, KindGeneralFunction, pulled.Children()[1].Kind())
	circuittest.AssertEvalClose(t, sigmoid, pulled, 1e-9)

	// Along a contracted label the concatenation becomes a sum.
	w := constant(4, 4, 5)
	contracted := must.M1(EinsumSimple("ab,bc->ac", must.M1(Concat(1, a, constant(5, 2, 1))), w))
	pulled = rewrite.PullConcat(contracted, minSizeAll, simplifier)
	require.Equal(t, KindAdd, pulled.Kind())
	circuittest.AssertEvalClose(t, contracted, pulled, 1e-9)

	// Contraction against a vector, with pieces of different widths.
	vector := must.M1(EinsumSimple("ab,b->a", must.M1(Concat(1, constant(7, 2, 1), constant(8, 2, 2))), constant(9, 3)))
	pulled = rewrite.PullConcat(vector, minSizeAll, simplifier)
	assert.Equal(t, []int{2}, pulled.Shape().Dimensions)
	circuittest.AssertEvalClose(t, vector, pulled, 1e-9)
	assert.Nil(t, rewrite.ConcatFuse(vector))

	// Along an output label it stays a concatenation.
	kept := must.M1(EinsumSimple("ab,bc->ac", must.M1(Concat(0, a, b)), constant(6, 3, 2)))
	pulled = rewrite.PullConcat(kept, minSizeAll, simplifier)
	require.Equal(t, KindConcat, pulled.Kind())
	circuittest.AssertEvalClose(t, kept, pulled, 1e-9)
}

// addNodes returns the number of operands of each distinct Add reachable from root.
func addNodes(root *Node) (numOperands []int) {
	for n := range All(root) {
		if n.Kind() == KindAdd {
			numOperands = append(numOperands, n.NumChildren())
		}
	}
	return
}

func TestNestAdds(t *testing.T) {
	a, b, c, d, e := constant(1, 2, 3), constant(2, 2, 3), constant(3, 2, 3), constant(4, 2, 3), constant(5, 2, 3)
	root := must.M1(Concat(0, must.M1(Add(a, b, c, d)), must.M1(Add(e, c, b, a))))
	nested := rewrite.NestAdds(root, minSizeAll)
	assert.ElementsMatch(t, []int{3, 2, 2}, addNodes(nested))
	circuittest.AssertEvalClose(t, root, nested, 1e-9)
	requireSame(t, root, rewrite.NestAdds(root, minSizeNone))

	// One Add contained in another is reused as is.
	inner := must.M1(Add(a, b, c))
	contained := must.M1(Concat(0, inner, must.M1(Add(d, c, b, a))))
	nested = rewrite.NestAdds(contained, minSizeAll)
	assert.ElementsMatch(t, []int{3, 2}, addNodes(nested))
	circuittest.AssertEvalClose(t, contained, nested, 1e-9)
}

func TestAddNestLTR(t *testing.T) {
	a, b, c, d := constant(1, 2, 3), constant(2, 2, 3), constant(3, 3), constant(4, 2, 3)
	sum := must.M1(Add(a, b, c, d)).Named("sum")
	nested := rewrite.AddNestLTR(sum, minSizeAll)
	requireSame(t, must.M1(Add(must.M1(Add(must.M1(Add(a, b)), c)), d)), nested)
	assert.Equal(t, "sum", nested.Name())
	requireSame(t, sum, rewrite.AddNestLTR(sum, minSizeNone))
}

func TestDistribute(t *testing.T) {
	a, b, w := constant(1, 2, 3), constant(2, 3), constant(3, 3, 4)

	// b is broadcast along "a", which is not contracted with anything else.
	product := must.M1(EinsumSimple("ab,bc->ac", must.M1(Add(a, b)), w))
	distributed := rewrite.Distribute(product, minSizeAll)
	require.Equal(t, KindAdd, distributed.Kind())
	assert.Equal(t, 2, distributed.NumChildren())
	circuittest.AssertEvalClose(t, product, distributed, 1e-9)
	requireSame(t, product, rewrite.Distribute(product, minSizeNone))

	// Broadcast axis of dimension 1, and a summed label only the Add has.
	row := constant(4, 1, 3)
	total := must.M1(EinsumSimple("ab->", must.M1(Add(a, row))))
	distributed = rewrite.Distribute(total, minSizeAll)
	require.Equal(t, KindAdd, distributed.Kind())
	circuittest.AssertEvalClose(t, total, distributed, 1e-9)

	// In the scenario circuit distributing avoids materializing the sum.
	scenario := circuittest.SigmoidScenario()
	distributed = rewrite.Distribute(scenario, minSizeAll)
	circuittest.AssertEvalClose(t, scenario, distributed, 1e-9)
	assert.True(t, cost.Compute(distributed).Improves(cost.Compute(scenario)))
}
