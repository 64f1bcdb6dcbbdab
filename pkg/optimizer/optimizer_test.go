// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer_test

import (
	"testing"

	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/circuit/circuittest"
	"github.com/gomlx/circuitopt/pkg/core/cost"
	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/circuitopt/pkg/core/execute"
	"github.com/gomlx/circuitopt/pkg/core/refeval"
	"github.com/gomlx/circuitopt/pkg/core/schedule"
	"github.com/gomlx/circuitopt/pkg/optimizer"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	defaults := optimizer.DefaultSettings()
	assert.Equal(t, int64(1<<30), defaults.MaxElements())
	require.NoError(t, defaults.Validate())

	s, err := optimizer.ParseSettings("")
	require.NoError(t, err)
	assert.Equal(t, defaults, s)

	s, err = optimizer.ParseSettings("max_memory=1MB, dtype=f16,chunks=10,schedule_simplify=false," +
		"distribute_min_size=1k,nest_adds_min_size=2M,push_down_index=false,adjust_numerical_scale," +
		"numerical_scale_min=1e-3,parallelism=-1,verbose=2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), s.MaxMemory)
	assert.Equal(t, dtypes.Float16, s.DType)
	assert.Equal(t, int64(500_000), s.MaxElements())
	assert.Equal(t, 10, s.SchedulingNumMemChunks)
	assert.False(t, s.SchedulingSimplify)
	assert.Equal(t, int64(1000), s.DistributeMinSize)
	assert.Equal(t, int64(2_000_000), s.NestAddsMinSize)
	assert.False(t, s.PushDownIndex)
	assert.True(t, s.AdjustNumericalScale)
	assert.Equal(t, 1e-3, s.NumericalScaleMin)
	assert.Equal(t, -1, s.SimplifyParallelism)
	assert.Equal(t, 2, s.Verbose)

	for _, config := range []string{"unknown=1", "chunks=abc", "chunks=0", "dtype=int8", "max_memory=2",
		"distribute_min_size=3 bytes", "adjust_numerical_scale,numerical_scale_min=0"} {
		_, err = optimizer.ParseSettings(config)
		assert.Errorf(t, err, "config %q should have failed", config)
	}
}

func TestOptimize(t *testing.T) {
	x := circuittest.Constant(1, 4, 5)
	w := circuittest.Constant(2, 5, 3)
	sum := must.M1(circuit.Add(x, x, circuittest.Scalar(0, 4, 5)))
	selected := must.M1(circuit.Index(must.M1(circuit.Concat(0, sum, x)), circuit.TensorIndex{circuit.Slice(0, 4)}))
	root := must.M1(circuit.EinsumSimple("ab,bc->ac", selected, w))

	settings := optimizer.DefaultSettings()
	settings.DistributeMinSize = 0
	optimized, err := optimizer.Optimize(root, settings)
	require.NoError(t, err)
	assert.Equal(t, root.Shape(), optimized.Shape())
	assert.Less(t, circuit.CountNodes(optimized), circuit.CountNodes(root))
	circuittest.AssertEvalClose(t, root, optimized, 1e-9)

	settings.SimplifyParallelism = -1
	settings.PullConcatMinSize = 1
	settings.NestAddsMinSize = 1
	parallel, err := optimizer.Optimize(root, settings)
	require.NoError(t, err)
	circuittest.AssertEvalClose(t, root, parallel, 1e-9)

	settings.SchedulingNumMemChunks = 0
	_, err = optimizer.Optimize(root, settings)
	assert.Error(t, err)
}

func TestOptimizeDistribute(t *testing.T) {
	scenario := circuittest.SigmoidScenario()
	settings := optimizer.DefaultSettings()
	settings.DistributeMinSize = 0
	plain, err := optimizer.Optimize(scenario, settings)
	require.NoError(t, err)
	assert.Equal(t, circuit.KindEinsum, plain.Kind())

	settings.DistributeMinSize = 1
	distributed, err := optimizer.Optimize(scenario, settings)
	require.NoError(t, err)
	assert.Equal(t, circuit.KindAdd, distributed.Kind())
	assert.True(t, cost.Compute(distributed).Improves(cost.Compute(plain)))
	circuittest.AssertEvalClose(t, scenario, distributed, 1e-9)

	// Above the threshold nothing is distributed.
	settings.DistributeMinSize = 1000
	notDistributed, err := optimizer.Optimize(scenario, settings)
	require.NoError(t, err)
	assert.True(t, plain.Equal(notDistributed))
}

func TestOptimizeAndEvaluate(t *testing.T) {
	scenario := circuittest.SigmoidScenario()
	want := circuittest.Eval(t, scenario)
	settings := optimizer.DefaultSettings()
	settings.MaxMemory = 50 * 4
	settings.SchedulingNumMemChunks = 50

	var progressCalls int
	got, err := optimizer.OptimizeAndEvaluate(scenario, settings, refeval.New(),
		execute.WithProgress(func(done, total int) { progressCalls++ }))
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-9))
	assert.Positive(t, progressCalls)

	got, err = optimizer.ScheduledEvaluate(scenario, settings, refeval.New())
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-12))

	settings.AdjustNumericalScale = true
	got, err = optimizer.OptimizeAndEvaluate(scenario, settings, refeval.New())
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-9))

	s, err := optimizer.OptimizeToSchedule(scenario, settings, schedule.GreedyOracle{})
	require.NoError(t, err)
	assert.LessOrEqual(t, s.Stats().MaxMemory.Int64(), int64(50))

	// Too little memory.
	settings.MaxMemory = 20 * 4
	_, err = optimizer.ScheduledEvaluate(scenario, settings, refeval.New())
	var fitErr *schedule.CannotFitInMemoryError
	require.True(t, errors.As(err, &fitErr))
}
