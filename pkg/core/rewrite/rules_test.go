// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite_test

import (
	"testing"

	. "github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/circuit/circuittest"
	"github.com/gomlx/circuitopt/pkg/core/rewrite"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	constant = circuittest.Constant
	scalar   = circuittest.Scalar
)

// requireSame checks that got is not nil and has the same hash as want.
func requireSame(t *testing.T, want, got *Node) {
	t.Helper()
	require.NotNil(t, got, "rule didn't fire")
	require.Truef(t, want.Equal(got), "want:\n%s\ngot:\n%s", TreeString(want), TreeString(got))
}

func TestAddRules(t *testing.T) {
	x, y, z := constant(1, 2, 3), constant(2, 2, 3), constant(3, 3)

	requireSame(t, x, rewrite.AddElimFewInput(must.M1(Add(x))))
	assert.Nil(t, rewrite.AddElimFewInput(must.M1(Add(x, y))))

	requireSame(t, must.M1(Add(x, y, z)), rewrite.AddFlattenOnce(must.M1(Add(must.M1(Add(x, y)), z))))
	assert.Nil(t, rewrite.AddFlattenOnce(must.M1(Add(x, y))))

	// Zeros that don't affect the shape are dropped.
	requireSame(t, must.M1(Add(x)), rewrite.AddElimZeros(must.M1(Add(x, scalar(0, 2, 3)))))
	requireSame(t, scalar(0, 2, 3), rewrite.AddElimZeros(must.M1(Add(scalar(0), scalar(0, 2, 3)))))
	// A single zero needed for the broadcast shape is kept.
	assert.Nil(t, rewrite.AddElimZeros(must.M1(Add(z, scalar(0, 2, 3)))))
	requireSame(t, must.M1(Add(z, scalar(0, 2, 3))), rewrite.AddElimZeros(must.M1(Add(scalar(0, 2, 1), z, scalar(0, 2, 3)))))

	requireSame(t, must.M1(Add(x, scalar(3, 2, 3))),
		rewrite.AddCollapseScalarInputs(must.M1(Add(x, scalar(1), scalar(2, 2, 3)))))
	assert.Nil(t, rewrite.AddCollapseScalarInputs(must.M1(Add(x, scalar(1)))))

	requireSame(t, must.M1(Add(x, scalar(2))), rewrite.AddPullRemovableAxes(must.M1(Add(x, scalar(2, 2, 3)))))
	broadcast := must.M1(Add(z, scalar(2, 2, 3)))
	pulled := rewrite.AddPullRemovableAxes(broadcast)
	require.NotNil(t, pulled)
	require.Equal(t, KindRearrange, pulled.Kind())
	requireSame(t, must.M1(Add(z, scalar(2, 3))), pulled.Children()[0])
	circuittest.AssertEvalClose(t, broadcast, pulled, 0)
	assert.Nil(t, rewrite.AddPullRemovableAxes(must.M1(Add(x, y))))

	// Add(x, y, x) -> Add(2*x, y).
	repeated := must.M1(Add(x, y, x))
	deduplicated := rewrite.AddDeduplicate(repeated)
	require.NotNil(t, deduplicated)
	doubleX := must.M1(Einsum([]EinsumArg{{Node: x, Axes: []int{0, 1}}, {Node: scalar(2)}}, []int{0, 1}))
	requireSame(t, must.M1(Add(doubleX, y)), deduplicated)
	circuittest.AssertEvalClose(t, repeated, deduplicated, 1e-9)
	assert.Nil(t, rewrite.AddDeduplicate(must.M1(Add(x, y))))
}

func TestAddPullScatter(t *testing.T) {
	s1 := must.M1(Scatter(constant(3, 1, 2), TensorIndex{Slice(0, 1), Slice(0, 2)}, 4, 4))
	s2 := must.M1(Scatter(constant(4, 2, 1), TensorIndex{Slice(1, 3), Slice(1, 2)}, 4, 4))
	sum := must.M1(Add(s1, s2))
	pulled := rewrite.AddPullScatter(sum)
	require.NotNil(t, pulled)
	require.Equal(t, KindScatter, pulled.Kind())
	assert.Equal(t, []int{3, 2}, pulled.Children()[0].Shape().Dimensions)
	circuittest.AssertEvalClose(t, sum, pulled, 1e-9)

	// Scatters covering everything are left alone.
	s3 := must.M1(Scatter(constant(5, 1, 1), TensorIndex{Slice(3, 4), Slice(3, 4)}, 4, 4))
	assert.Nil(t, rewrite.AddPullScatter(must.M1(Add(s1, s3))))
}

func TestEinsumRules(t *testing.T) {
	a, b, c := constant(1, 2, 3), constant(2, 3, 4), constant(3, 4, 5)

	requireSame(t, scalar(0, 2, 4), rewrite.EinsumElimZero(must.M1(EinsumSimple("ab,bc->ac", a, scalar(0, 3, 4)))))
	assert.Nil(t, rewrite.EinsumElimZero(must.M1(EinsumSimple("ab,bc->ac", a, b))))

	requireSame(t, a, rewrite.EinsumElimIdentity(must.M1(EinsumSimple("ab->ab", a))))
	assert.Nil(t, rewrite.EinsumElimIdentity(must.M1(EinsumSimple("ab->ba", a))))

	nested := must.M1(EinsumSimple("ac,cd->ad", must.M1(EinsumSimple("ab,bc->ac", a, b)), c))
	flattened := rewrite.EinsumFlattenOnce(nested)
	require.NotNil(t, flattened)
	assert.Equal(t, 3, flattened.NumChildren())
	requireSame(t, must.M1(EinsumSimple("ab,bc,cd->ad", a, b, c)), flattened)
	circuittest.AssertEvalClose(t, nested, flattened, 1e-9)

	permuted := must.M1(EinsumSimple("ab,bc->ac", must.M1(Permute(constant(4, 3, 2), 1, 0)), b))
	merged := rewrite.EinsumOfPermuteMerge(permuted)
	requireSame(t, must.M1(EinsumSimple("ba,bc->ac", constant(4, 3, 2), b)), merged)
	circuittest.AssertEvalClose(t, permuted, merged, 1e-9)

	scaled := must.M1(Einsum([]EinsumArg{{Node: a, Axes: []int{0, 1}}, {Node: scalar(2)}, {Node: scalar(3)}}, []int{0, 1}))
	requireSame(t, must.M1(Einsum([]EinsumArg{{Node: a, Axes: []int{0, 1}}, {Node: scalar(6)}}, []int{0, 1})),
		rewrite.EinsumMergeScalars(scaled))
	byOne := must.M1(Einsum([]EinsumArg{{Node: a, Axes: []int{0, 1}}, {Node: scalar(1)}}, []int{0, 1}))
	requireSame(t, must.M1(EinsumSimple("ab->ab", a)), rewrite.EinsumMergeScalars(byOne))
	assert.Nil(t, rewrite.EinsumMergeScalars(must.M1(Einsum([]EinsumArg{{Node: a, Axes: []int{0, 1}}, {Node: scalar(2)}}, []int{0, 1}))))
}

func TestIndexRules(t *testing.T) {
	x := constant(1, 4, 5)

	requireSame(t, x, rewrite.IndexElimIdentity(must.M1(Index(x, TensorIndex{FullSlice()}))))
	assert.Nil(t, rewrite.IndexElimIdentity(must.M1(Index(x, TensorIndex{Slice(1, 3)}))))

	inner := must.M1(Index(x, TensorIndex{Slice(1, 4)}))
	outer := must.M1(Index(inner, TensorIndex{Single(1), Slice(2, 5)}))
	fused := rewrite.IndexFuse(outer)
	requireSame(t, must.M1(Index(x, TensorIndex{Single(2), Slice(2, 5)})), fused)
	circuittest.AssertEvalClose(t, outer, fused, 0)

	gathered := must.M1(Index(must.M1(Index(x, TensorIndex{Gather(3, 0, 2)})), TensorIndex{Slice(1, 3)}))
	requireSame(t, must.M1(Index(x, TensorIndex{Gather(0, 2)})), rewrite.IndexFuse(gathered))

	requireSame(t, scalar(3, 5), rewrite.IndexMergeScalar(must.M1(Index(scalar(3, 4, 5), TensorIndex{Single(1)}))))

	a, b, c := constant(2, 2, 3), constant(3, 3, 3), constant(4, 1, 3)
	concat := must.M1(Concat(0, a, b, c))
	slice := must.M1(Index(concat, TensorIndex{Slice(2, 5)}))
	requireSame(t, must.M1(Index(b, TensorIndex{Slice(0, 3)})), rewrite.IndexConcatDropUnreached(slice))
	single := must.M1(Index(concat, TensorIndex{Single(5)}))
	requireSame(t, must.M1(Index(c, TensorIndex{Single(0)})), rewrite.IndexConcatDropUnreached(single))
	gather := must.M1(Index(concat, TensorIndex{Gather(5, 0)}))
	dropped := rewrite.IndexConcatDropUnreached(gather)
	requireSame(t, must.M1(Index(must.M1(Concat(0, a, c)), TensorIndex{Gather(2, 0)})), dropped)
	circuittest.AssertEvalClose(t, gather, dropped, 0)
	assert.Nil(t, rewrite.IndexConcatDropUnreached(must.M1(Index(concat, TensorIndex{Slice(1, 6)}))))
}

func TestRearrangeRules(t *testing.T) {
	x := constant(1, 2, 3, 4)

	requireSame(t, x, rewrite.RearrangeElimIdentity(must.M1(Permute(x, 0, 1, 2))))
	assert.Nil(t, rewrite.RearrangeElimIdentity(must.M1(Permute(x, 1, 0, 2))))

	twice := must.M1(Permute(must.M1(Permute(x, 1, 2, 0)), 2, 1, 0))
	fused := rewrite.RearrangeFusePermutes(twice)
	require.NotNil(t, fused)
	assert.True(t, x.Equal(fused.Children()[0]))
	assert.Equal(t, twice.Shape(), fused.Shape())
	circuittest.AssertEvalClose(t, twice, fused, 0)

	requireSame(t, scalar(1, 3, 2), rewrite.RearrangeMergeScalar(must.M1(Permute(scalar(1, 2, 3), 1, 0))))

	a, b := constant(2, 2, 3), constant(3, 3, 4)
	transposed := must.M1(Permute(must.M1(EinsumSimple("ab,bc->ac", a, b)), 1, 0))
	merged := rewrite.PermuteOfEinsumMerge(transposed)
	requireSame(t, must.M1(EinsumSimple("ab,bc->ca", a, b)), merged)
	circuittest.AssertEvalClose(t, transposed, merged, 1e-9)
}

func TestConcatRules(t *testing.T) {
	a, b, c := constant(1, 2, 3), constant(2, 1, 3), constant(3, 3, 3)

	requireSame(t, a, rewrite.ConcatElimIdentity(must.M1(Concat(0, a))))

	requireSame(t, scalar(1, 3, 3), rewrite.ConcatMergeUniform(must.M1(Concat(0, scalar(1, 2, 3), scalar(1, 1, 3)))))
	assert.Nil(t, rewrite.ConcatMergeUniform(must.M1(Concat(0, scalar(1, 2, 3), scalar(2, 1, 3)))))

	requireSame(t, must.M1(Concat(0, a, b)), rewrite.ConcatDropSizeZero(must.M1(Concat(0, a, scalar(5, 0, 3), b))))
	assert.Nil(t, rewrite.ConcatDropSizeZero(must.M1(Concat(0, a, b))))

	requireSame(t, must.M1(Concat(0, a, b, c)), rewrite.ConcatFuse(must.M1(Concat(0, must.M1(Concat(0, a, b)), c))))
	assert.Nil(t, rewrite.ConcatFuse(must.M1(Concat(0, must.M1(Concat(1, a, a)), constant(4, 1, 6)))))

	repeated := must.M1(Concat(1, a, a, a))
	rearranged := rewrite.ConcatRepeatToRearrange(repeated)
	require.NotNil(t, rearranged)
	assert.Equal(t, KindRearrange, rearranged.Kind())
	circuittest.AssertEvalClose(t, repeated, rearranged, 0)
	assert.Nil(t, rewrite.ConcatRepeatToRearrange(must.M1(Concat(0, a, b))))
}

func TestScatterRules(t *testing.T) {
	x, y := constant(1, 2, 3), constant(2, 1, 2)

	requireSame(t, x, rewrite.ScatterElimIdentity(must.M1(Scatter(x, TensorIndex{Slice(0, 2), Slice(0, 3)}, 2, 3))))

	inner := must.M1(Scatter(y, TensorIndex{Slice(1, 2), Slice(0, 2)}, 3, 2))
	outer := must.M1(Scatter(inner, TensorIndex{Slice(1, 4), Slice(2, 4)}, 5, 5))
	fused := rewrite.ScatterFuse(outer)
	requireSame(t, must.M1(Scatter(y, TensorIndex{Slice(2, 3), Slice(2, 4)}, 5, 5)), fused)
	circuittest.AssertEvalClose(t, outer, fused, 0)

	requireSame(t, scalar(0, 3, 2),
		rewrite.ScatterMergeZero(must.M1(Scatter(scalar(0, 1, 2), TensorIndex{Slice(1, 2), Slice(0, 2)}, 3, 2))))
}

func TestGeneralFunctionEvaluateSimple(t *testing.T) {
	sigmoid := must.M1(GeneralFunctionByName("sigmoid", scalar(0, 2, 3)))
	requireSame(t, scalar(0.5, 2, 3), rewrite.GeneralFunctionEvaluateSimple(sigmoid))
	assert.Nil(t, rewrite.GeneralFunctionEvaluateSimple(must.M1(GeneralFunctionByName("sigmoid", constant(1, 2, 3)))))
	assert.Nil(t, rewrite.GeneralFunctionEvaluateSimple(must.M1(GeneralFunctionByName("softmax", scalar(0, 2, 3)))))
}

// repeated returns x[3] repeated along a new leading axis of dimension 4.
func repeated(x *Node) *Node {
	return must.M1(Rearrange(x, RearrangeSpec{Input: [][]int{{0}}, Output: [][]int{{1}, {0}}, Sizes: map[int]int{1: 4}}))
}

func TestPullRemovableAxes(t *testing.T) {
	z, w := constant(1, 3), constant(2, 3, 5)
	rz := repeated(z)

	sum := must.M1(Add(rz, scalar(1, 4, 3)))
	pulled := rewrite.AddPullRemovableAxes(sum)
	require.NotNil(t, pulled)
	require.Equal(t, KindRearrange, pulled.Kind())
	requireSame(t, must.M1(Add(z, scalar(1, 3))), pulled.Children()[0])
	circuittest.AssertEvalClose(t, sum, pulled, 1e-12)

	// Einsum: repeated output labels, and contracted labels that become a factor.
	outer := must.M1(EinsumSimple("ab,b->ab", scalar(2, 4, 3), z))
	pulled = rewrite.EinsumPullRemovableAxes(outer)
	require.NotNil(t, pulled)
	require.Equal(t, KindRearrange, pulled.Kind())
	circuittest.AssertEvalClose(t, outer, pulled, 1e-12)
	summed := must.M1(EinsumSimple("ab,b->b", scalar(2, 4, 3), z))
	pulled = rewrite.EinsumPullRemovableAxes(summed)
	require.NotNil(t, pulled)
	require.Equal(t, KindEinsum, pulled.Kind())
	circuittest.AssertEvalClose(t, summed, pulled, 1e-12)
	product := must.M1(EinsumSimple("ab,bc->ac", rz, w))
	pulled = rewrite.EinsumPullRemovableAxes(product)
	require.NotNil(t, pulled)
	require.Equal(t, KindRearrange, pulled.Kind())
	requireSame(t, must.M1(EinsumSimple("b,bc->c", z, w)), pulled.Children()[0])
	circuittest.AssertEvalClose(t, product, pulled, 1e-12)
	assert.Nil(t, rewrite.EinsumPullRemovableAxes(must.M1(EinsumSimple("b,bc->c", z, w))))

	concat := must.M1(Concat(0, scalar(1, 2, 3), scalar(2, 1, 3)))
	pulled = rewrite.ConcatPullRemovableAxes(concat)
	require.NotNil(t, pulled)
	requireSame(t, must.M1(Concat(0, scalar(1, 2), scalar(2, 1))), pulled.Children()[0])
	circuittest.AssertEvalClose(t, concat, pulled, 0)
	assert.Nil(t, rewrite.ConcatPullRemovableAxes(must.M1(Concat(0, scalar(1, 2, 3), constant(3, 1, 3)))))

	sigmoid := must.M1(GeneralFunctionByName("sigmoid", rz))
	pulled = rewrite.GeneralFunctionPullRemovableAxes(sigmoid)
	require.NotNil(t, pulled)
	requireSame(t, must.M1(GeneralFunctionByName("sigmoid", z)), pulled.Children()[0])
	circuittest.AssertEvalClose(t, sigmoid, pulled, 1e-12)
	softmax := must.M1(GeneralFunctionByName("softmax", rz))
	pulled = rewrite.GeneralFunctionPullRemovableAxes(softmax)
	require.NotNil(t, pulled)
	circuittest.AssertEvalClose(t, softmax, pulled, 1e-12)
	// The softmax axis itself can't be pulled.
	columns := must.M1(Rearrange(z, RearrangeSpec{Input: [][]int{{0}}, Output: [][]int{{0}, {1}}, Sizes: map[int]int{1: 4}}))
	assert.Nil(t, rewrite.GeneralFunctionPullRemovableAxes(must.M1(GeneralFunctionByName("softmax", columns))))

	scatter := must.M1(Scatter(rz, TensorIndex{Slice(0, 4), Slice(1, 4)}, 4, 5))
	pulled = rewrite.ScatterPullRemovableAxes(scatter)
	require.NotNil(t, pulled)
	requireSame(t, must.M1(Scatter(z, TensorIndex{Slice(1, 4)}, 5)), pulled.Children()[0])
	circuittest.AssertEvalClose(t, scatter, pulled, 0)
	assert.Nil(t, rewrite.ScatterPullRemovableAxes(must.M1(Scatter(rz, TensorIndex{Slice(1, 5), Slice(0, 3)}, 6, 3))))
}

func TestEinsumPullScatter(t *testing.T) {
	s := must.M1(Scatter(constant(1, 2, 3), TensorIndex{Slice(1, 3), Slice(0, 3)}, 4, 3))
	w := constant(2, 3, 5)
	product := must.M1(EinsumSimple("ab,bc->ac", s, w))
	pulled := rewrite.EinsumPullScatter(product)
	require.NotNil(t, pulled)
	require.Equal(t, KindScatter, pulled.Kind())
	assert.Equal(t, []int{2, 5}, pulled.Children()[0].Shape().Dimensions)
	circuittest.AssertEvalClose(t, product, pulled, 1e-12)

	// Restricted contracted labels slice the other operands.
	dot := must.M1(EinsumSimple("ab,ab->", s, constant(3, 4, 3)))
	pulled = rewrite.EinsumPullScatter(dot)
	require.NotNil(t, pulled)
	require.Equal(t, KindEinsum, pulled.Kind())
	assert.Equal(t, []int{2, 3}, pulled.Children()[1].Shape().Dimensions)
	circuittest.AssertEvalClose(t, dot, pulled, 1e-12)

	assert.Nil(t, rewrite.EinsumPullScatter(must.M1(EinsumSimple("ab,bc->ac", constant(4, 4, 3), w))))
}

func TestEinsumPushDownTrace(t *testing.T) {
	x, y := constant(1, 3, 3), constant(2, 3, 3)
	trace := must.M1(EinsumSimple("aa->a", must.M1(Add(x, y))))
	pushed := rewrite.EinsumPushDownTrace(trace)
	require.NotNil(t, pushed)
	sum := pushed.Children()[0]
	require.Equal(t, KindAdd, sum.Kind())
	assert.Equal(t, []int{3}, sum.Shape().Dimensions)
	requireSame(t, must.M1(EinsumSimple("aa->a", x)), sum.Children()[0])
	circuittest.AssertEvalClose(t, trace, pushed, 1e-12)

	// Broadcast addends are left alone.
	assert.Nil(t, rewrite.EinsumPushDownTrace(must.M1(EinsumSimple("aa->a", must.M1(Add(x, constant(3, 3)))))))
	assert.Nil(t, rewrite.EinsumPushDownTrace(must.M1(EinsumSimple("ab->a", must.M1(Add(x, y))))))
}

func TestStep(t *testing.T) {
	x, y, z := constant(1, 2, 3), constant(2, 2, 3), constant(3, 2, 3)
	assert.Equal(t, "AddElimFewInput", rewrite.RuleNames(KindAdd)[0])
	assert.Empty(t, rewrite.RuleNames(KindSymbol))

	nested := must.M1(Add(must.M1(Add(x, y)), z)).Named("sum")
	flattened := rewrite.Step(nested)
	requireSame(t, must.M1(Add(x, y, z)), flattened)
	assert.Equal(t, "sum", flattened.Name())
	assert.Nil(t, rewrite.Step(flattened))
	assert.Nil(t, rewrite.Step(x))
}
