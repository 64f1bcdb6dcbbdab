// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// circuitopt builds a multi-head self-attention circuit, optimizes it, compiles it into a schedule that
// fits the given memory, and interprets the schedule, checking the result against a direct evaluation.
//
// Example:
//
//	circuitopt -seq=128 -dmodel=256 -heads=8 -config="max_memory=4MiB,chunks=100" -v=1
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/circuitopt/pkg/core/cost"
	"github.com/gomlx/circuitopt/pkg/core/dtypes"
	"github.com/gomlx/circuitopt/pkg/core/execute"
	"github.com/gomlx/circuitopt/pkg/core/schedule"
	"github.com/gomlx/circuitopt/pkg/core/tensors"
	"github.com/gomlx/circuitopt/pkg/core/tensors/numpy"
	"github.com/gomlx/circuitopt/pkg/optimizer"
	"github.com/gomlx/circuitopt/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagSeq    = flag.Int("seq", 64, "Sequence length of the attention circuit.")
	flagDModel = flag.Int("dmodel", 64, "Embedding size of the attention circuit.")
	flagHeads  = flag.Int("heads", 4, "Number of attention heads, it must divide -dmodel.")
	flagSeed   = flag.Uint64("seed", 42, "Seed for the random inputs and weights.")
	flagInput  = flag.String("input", "", "If set, a .npy file with the [seq, dmodel] input x, instead of random values.")
	flagOutput = flag.String("output", "", "If set, write the scheduled and the direct results to this .npz file.")

	flagConfig = flag.String("config", "", "Optimizer settings as a comma-separated list of key=value pairs, "+
		"e.g. \"max_memory=4MiB,chunks=100,dtype=bf16\". See optimizer.ParseSettings for the options.")
	flagMaxMemory = flag.String("max_memory", "", "If set, overrides the max_memory of -config, e.g. \"64MiB\".")
	flagDType     = flag.String("dtype", "", "If set, overrides the dtype of -config: f16, bf16, f32 or f64.")
	flagChunks    = flag.Int("chunks", 0, "If > 0, overrides the number of memory chunks of -config.")

	flagPrint      = flag.Bool("print", false, "Print the circuit tree before and after optimization.")
	flagExpression = flag.Bool("expression", false, "Print the optimized circuit as Go code.")
	flagSchedule   = flag.Bool("schedule", false, "Print the schedule instructions.")
	flagDump       = flag.String("dump", "", "If set, write the optimized circuit and its schedule to this file.")
	flagForce      = flag.Bool("force", false, "Overwrite the -dump and -output files if they exist.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("circuitopt failed: %+v", err)
		os.Exit(1)
	}
}

// settingsFromFlags parses -config and applies the individual flags on top of it.
func settingsFromFlags() (optimizer.Settings, error) {
	settings, err := optimizer.ParseSettings(*flagConfig)
	if err != nil {
		return settings, err
	}
	if *flagMaxMemory != "" {
		settings.MaxMemory, err = humanize.ParseBytes(*flagMaxMemory)
		if err != nil {
			return settings, errors.Wrapf(err, "invalid -max_memory=%q", *flagMaxMemory)
		}
	}
	if *flagDType != "" {
		settings.DType, err = dtypes.FromName(*flagDType)
		if err != nil {
			return settings, err
		}
	}
	if *flagChunks > 0 {
		settings.SchedulingNumMemChunks = *flagChunks
	}
	return settings, settings.Validate()
}

func run() error {
	settings, err := settingsFromFlags()
	if err != nil {
		return err
	}
	var input *tensors.Tensor
	if *flagInput != "" {
		inputPath, err := fsutil.ReplaceTildeInDir(*flagInput)
		if err != nil {
			return err
		}
		input, err = numpy.FromNpyFile(inputPath)
		if err != nil {
			return err
		}
	}
	root, evaluator, err := attentionCircuit(*flagSeq, *flagDModel, *flagHeads, *flagSeed, input)
	if err != nil {
		return err
	}
	if *flagPrint {
		fmt.Println(titleStyle.Render("Circuit:"))
		fmt.Print(circuit.TreeString(root))
	}

	optimized, err := optimizer.Optimize(root, settings)
	if err != nil {
		return err
	}
	if *flagPrint {
		fmt.Println(titleStyle.Render("Optimized circuit:"))
		fmt.Print(circuit.TreeString(optimized))
	}
	if *flagExpression {
		fmt.Println(titleStyle.Render("Optimized circuit expression:"))
		fmt.Print(circuit.ExpressionNotation(optimized))
	}
	printCosts(cost.Compute(root), cost.Compute(optimized))

	s, err := schedule.FromCircuit(optimized, settings.ScheduleOptions(nil))
	if err != nil {
		return err
	}
	stats := s.Stats()
	printStats(settings, s, stats)
	if *flagSchedule {
		fmt.Println(titleStyle.Render("Schedule:"))
		fmt.Print(s.String())
	}
	if *flagDump != "" {
		dumpPath, err := fsutil.WriteText(*flagDump, circuit.TreeString(optimized)+"\n"+s.String(), *flagForce)
		if err != nil {
			return err
		}
		fmt.Printf("Circuit and schedule written to %q\n", dumpPath)
	}

	got, err := interpret(s, settings, evaluator.WithDType(settings.DType))
	if err != nil {
		return err
	}
	want, err := evaluator.EvalCircuit(root)
	if err != nil {
		return err
	}
	var maxDiff float64
	for ii, v := range want.Flat() {
		maxDiff = max(maxDiff, math.Abs(got.Flat()[ii]-v))
	}
	fmt.Printf("\nScheduled %s result vs. direct float64 evaluation: max abs difference %g (max abs value %g)\n",
		settings.DType, maxDiff, want.MaxAbs())
	if *flagOutput != "" {
		outputPath, err := fsutil.ReplaceTildeInDir(*flagOutput)
		if err != nil {
			return err
		}
		exists, err := fsutil.FileExists(outputPath)
		if err != nil {
			return err
		}
		if exists && !*flagForce {
			return errors.Errorf("output file %q already exists, use -force to overwrite it", outputPath)
		}
		results := map[string]*tensors.Tensor{"scheduled": got, "direct": want}
		if err = numpy.ToNpzFile(results, dtypes.Float64, outputPath); err != nil {
			return err
		}
		fmt.Printf("Results written to %q\n", outputPath)
	}
	return nil
}

// interpret runs the schedule, displaying a progress bar.
func interpret(s *schedule.Schedule, settings optimizer.Settings, evaluator execute.Evaluator) (*tensors.Tensor, error) {
	bar := progressbar.NewOptions(len(s.Instructions),
		progressbar.OptionSetDescription("Interpreting schedule"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetItsString("instructions"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	progress := execute.WithProgress(func(done, _ int) { _ = bar.Set(done) })
	defer func() { _ = bar.Finish() }()
	if !settings.AdjustNumericalScale {
		return execute.RunOutput(s, evaluator, progress)
	}
	values, err := execute.RunAdjustNumericalScale(s, evaluator, settings.NumericalScaleMin, settings.NumericalScaleMax, progress)
	if err != nil {
		return nil, err
	}
	return values[s.Outputs[0].Hash()], nil
}

func printCosts(before, after cost.Report) {
	fmt.Println(titleStyle.Render("Cost:"))
	table := newTable("", "Nodes", "Max size", "Flops", "Total size")
	for _, row := range []struct {
		name   string
		report cost.Report
	}{{"original", before}, {"optimized", after}} {
		table.Row(row.name, humanize.Comma(int64(row.report.NumNodes)), circuit.OOMFormat(row.report.MaxSize),
			circuit.OOMFormat(row.report.Flops), circuit.OOMFormat(row.report.TotalSize))
	}
	fmt.Println(table.Render())
}

func printStats(settings optimizer.Settings, s *schedule.Schedule, stats schedule.Stats) {
	fmt.Println(titleStyle.Render("Schedule:"))
	table := newTable("", "Value")
	table.Row("Memory limit", fmt.Sprintf("%s (%s elements)", humanize.IBytes(settings.MaxMemory), humanize.Comma(settings.MaxElements())))
	table.Row("Instructions", fmt.Sprintf("%s computes, %s drops", humanize.Comma(int64(stats.NumComputes)), humanize.Comma(int64(stats.NumDrops))))
	table.Row("Constants", fmt.Sprintf("%s (%s elements)", humanize.Comma(int64(len(s.Constants))), circuit.OOMFormat(stats.ConstantMemory)))
	table.Row("Peak memory", fmt.Sprintf("%s elements", circuit.OOMFormat(stats.MaxMemory)))
	fmt.Println(table.Render())
	if klog.V(1).Enabled() {
		klog.Infof("Biggest live set:\n%s", stats.LiveSetString())
	}
}
