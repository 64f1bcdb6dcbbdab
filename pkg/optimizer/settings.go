// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Settings of the optimization pipeline. Start from DefaultSettings and change what is needed.
type Settings struct {
	// MaxMemory available for the live values of a schedule, in bytes. Constants are not accounted.
	MaxMemory uint64

	// DType of the values: it converts MaxMemory to a number of elements.
	DType dtypes.DType

	// SchedulingNumMemChunks is the number of chunks MaxMemory is divided into by the scheduler.
	SchedulingNumMemChunks int

	// SchedulingSimplify collapses the nodes smaller than one chunk before scheduling.
	SchedulingSimplify bool

	// DistributeMinSize is the number of elements above which the largest node triggers the distribute
	// heuristic, applied to Adds of at least this size. 0 disables it.
	DistributeMinSize int64

	// PushDownIndex pushes Index nodes towards the leaves.
	PushDownIndex bool

	// PullConcatMinSize is the minimum size of the nodes Concat is pulled through. 0 disables it.
	PullConcatMinSize int64

	// NestAddsMinSize is the minimum size of the Adds whose common operands are grouped. 0 disables it.
	NestAddsMinSize int64

	// AdjustNumericalScale evaluates schedules keeping the values within [NumericalScaleMin,
	// NumericalScaleMax] in magnitude, see execute.RunAdjustNumericalScale.
	AdjustNumericalScale                 bool
	NumericalScaleMin, NumericalScaleMax float64

	// SimplifyParallelism is the number of goroutines used to simplify sub-circuits. 0 simplifies
	// sequentially, and -1 doesn't limit it.
	SimplifyParallelism int

	// Verbose logs the pipeline progress: 1 logs per-phase summaries, 2 adds scheduling details. klog's
	// -v flag enables the same logs.
	Verbose int
}

// DefaultSettings returns the default Settings: 4GiB of Float32 values, in 200 chunks.
func DefaultSettings() Settings {
	return Settings{
		MaxMemory:              4 << 30,
		DType:                  dtypes.Float32,
		SchedulingNumMemChunks: 200,
		SchedulingSimplify:     true,
		DistributeMinSize:      1 << 26,
		PushDownIndex:          true,
		NumericalScaleMin:      1e-4,
		NumericalScaleMax:      1e4,
		SimplifyParallelism:    0,
	}
}

// MaxElements returns MaxMemory in number of elements of DType.
func (s Settings) MaxElements() int64 {
	return int64(s.MaxMemory / uint64(s.DType.Size()))
}

// Validate returns an error if the settings are inconsistent.
func (s Settings) Validate() error {
	if !s.DType.IsValid() {
		return errors.Errorf("invalid dtype %s", s.DType)
	}
	if s.SchedulingNumMemChunks <= 0 {
		return errors.Errorf("SchedulingNumMemChunks must be > 0, got %d", s.SchedulingNumMemChunks)
	}
	if s.MaxElements() <= 0 {
		return errors.Errorf("MaxMemory of %s doesn't fit one %s element", humanize.IBytes(s.MaxMemory), s.DType)
	}
	if s.AdjustNumericalScale && (s.NumericalScaleMin <= 0 || s.NumericalScaleMax < s.NumericalScaleMin) {
		return errors.Errorf("invalid numerical scale range [%g, %g]", s.NumericalScaleMin, s.NumericalScaleMax)
	}
	return nil
}

func (s Settings) logEnabled(level int) bool {
	return s.Verbose >= level || bool(klog.V(klog.Level(level)).Enabled())
}

// ParseSettings parses a comma-separated list of key=value options, applied on top of DefaultSettings.
// Boolean options can be given without a value, meaning true.
//
// Options:
//   - max_memory: memory size, e.g. "4GiB" or "500MB".
//   - dtype: f16, bf16, f32 or f64.
//   - chunks: number of memory chunks used by the scheduler.
//   - schedule_simplify: bool.
//   - distribute_min_size, pull_concat_min_size, nest_adds_min_size: number of elements, SI suffixes
//     accepted, e.g. "64M".
//   - push_down_index, adjust_numerical_scale: bool.
//   - numerical_scale_min, numerical_scale_max: float.
//   - parallelism: number of goroutines to simplify with.
//   - verbose: int.
//
// Example: "max_memory=2GiB,dtype=bf16,chunks=400,nest_adds_min_size=1M".
func ParseSettings(config string) (Settings, error) {
	s := DefaultSettings()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !hasValue {
			value = "true"
		}
		var err error
		switch key {
		case "max_memory":
			s.MaxMemory, err = humanize.ParseBytes(value)
		case "dtype":
			s.DType, err = dtypes.FromName(value)
		case "chunks":
			s.SchedulingNumMemChunks, err = strconv.Atoi(value)
		case "schedule_simplify":
			s.SchedulingSimplify, err = strconv.ParseBool(value)
		case "distribute_min_size":
			s.DistributeMinSize, err = parseElements(value)
		case "pull_concat_min_size":
			s.PullConcatMinSize, err = parseElements(value)
		case "nest_adds_min_size":
			s.NestAddsMinSize, err = parseElements(value)
		case "push_down_index":
			s.PushDownIndex, err = strconv.ParseBool(value)
		case "adjust_numerical_scale":
			s.AdjustNumericalScale, err = strconv.ParseBool(value)
		case "numerical_scale_min":
			s.NumericalScaleMin, err = strconv.ParseFloat(value, 64)
		case "numerical_scale_max":
			s.NumericalScaleMax, err = strconv.ParseFloat(value, 64)
		case "parallelism":
			s.SimplifyParallelism, err = strconv.Atoi(value)
		case "verbose":
			s.Verbose, err = strconv.Atoi(value)
		default:
			return s, errors.Errorf("unknown optimizer option %q in %q", key, config)
		}
		if err != nil {
			return s, errors.Wrapf(err, "failed to parse optimizer option %q", part)
		}
	}
	return s, s.Validate()
}

// parseElements parses a count of elements, accepting SI suffixes ("64M").
func parseElements(value string) (int64, error) {
	count, unit, err := humanize.ParseSI(value)
	if err != nil {
		return 0, err
	}
	if unit != "" {
		return 0, errors.Errorf("unexpected unit %q in number of elements %q", unit, value)
	}
	return int64(count), nil
}
