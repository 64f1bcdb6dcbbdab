// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rewrite implements the local simplification rules of circuits, and the engine that applies
// them to a fixed point.
//
// A Rule takes a node of a specific kind and returns a different node with the same value, or nil if it
// doesn't apply. Rules are grouped per kind in priority order, and Step applies the first one that
// fires. Rules never return a node with the same hash as their input: that would make the engine loop
// forever, and it is treated as a fatal bug.
//
// On top of Step, a Simplifier drives a whole circuit to its simplified form (see Simplifier.Simplify),
// and the deep passes (Canonicalize, PushDownIndex, PullConcat, NestAdds and Distribute) implement the
// larger structural heuristics used by the optimizer.
package rewrite

import (
	"github.com/gomlx/circuitopt/pkg/core/circuit"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Rule is a local simplification: it returns a node with the same value as n, or nil if it
// doesn't apply.
type Rule func(n *circuit.Node) *circuit.Node

type namedRule struct {
	name  string
	apply Rule
}

// rulesByKind lists the rules for each kind, in priority order: the first that applies wins.
var rulesByKind = map[circuit.Kind][]namedRule{
	circuit.KindAdd: {
		{"AddElimFewInput", AddElimFewInput},
		{"AddFlattenOnce", AddFlattenOnce},
		{"AddElimZeros", AddElimZeros},
		{"AddCollapseScalarInputs", AddCollapseScalarInputs},
		{"AddDeduplicate", AddDeduplicate},
		{"AddPullRemovableAxes", AddPullRemovableAxes},
		{"AddPullScatter", AddPullScatter},
	},
	circuit.KindEinsum: {
		{"EinsumElimZero", EinsumElimZero},
		{"EinsumElimIdentity", EinsumElimIdentity},
		{"EinsumFlattenOnce", EinsumFlattenOnce},
		{"EinsumOfPermuteMerge", EinsumOfPermuteMerge},
		{"EinsumMergeScalars", EinsumMergeScalars},
		{"EinsumPullRemovableAxes", EinsumPullRemovableAxes},
		{"EinsumPullScatter", EinsumPullScatter},
		{"EinsumPushDownTrace", EinsumPushDownTrace},
	},
	circuit.KindIndex: {
		{"IndexElimIdentity", IndexElimIdentity},
		{"IndexFuse", IndexFuse},
		{"IndexMergeScalar", IndexMergeScalar},
		{"IndexConcatDropUnreached", IndexConcatDropUnreached},
	},
	circuit.KindRearrange: {
		{"RearrangeElimIdentity", RearrangeElimIdentity},
		{"RearrangeFusePermutes", RearrangeFusePermutes},
		{"RearrangeMergeScalar", RearrangeMergeScalar},
		{"PermuteOfEinsumMerge", PermuteOfEinsumMerge},
	},
	circuit.KindConcat: {
		{"ConcatElimIdentity", ConcatElimIdentity},
		{"ConcatMergeUniform", ConcatMergeUniform},
		{"ConcatDropSizeZero", ConcatDropSizeZero},
		{"ConcatPullRemovableAxes", ConcatPullRemovableAxes},
		{"ConcatFuse", ConcatFuse},
		{"ConcatRepeatToRearrange", ConcatRepeatToRearrange},
	},
	circuit.KindScatter: {
		{"ScatterElimIdentity", ScatterElimIdentity},
		{"ScatterFuse", ScatterFuse},
		{"ScatterMergeZero", ScatterMergeZero},
		{"ScatterPullRemovableAxes", ScatterPullRemovableAxes},
	},
	circuit.KindGeneralFunction: {
		{"GeneralFunctionEvaluateSimple", GeneralFunctionEvaluateSimple},
		{"GeneralFunctionPullRemovableAxes", GeneralFunctionPullRemovableAxes},
	},
}

// RuleNames returns the names of the rules for the kind, in priority order.
func RuleNames(kind circuit.Kind) []string {
	rules := rulesByKind[kind]
	names := make([]string, len(rules))
	for ii, r := range rules {
		names[ii] = r.name
	}
	return names
}

// Step applies the first rule (for the kind of n) that fires, and returns its result, or nil if none
// applies. The name of n is carried to the result.
//
// It panics if a rule returns a node with the same hash as n.
func Step(n *circuit.Node) *circuit.Node {
	return applyFirst(n, rulesByKind[n.Kind()])
}

func applyFirst(n *circuit.Node, rules []namedRule) *circuit.Node {
	for _, rule := range rules {
		result := rule.apply(n)
		if result == nil {
			continue
		}
		if result.Hash() == n.Hash() {
			klog.Errorf("rewrite rule %s returned a node equal to its input:\ninput:\n%s\nresult:\n%s",
				rule.name, circuit.TreeString(n), circuit.TreeString(result))
			exceptions.Panicf("rewrite rule %s returned a node equal to its input %s", rule.name, n)
		}
		if !result.Shape().Equal(n.Shape()) {
			klog.Errorf("rewrite rule %s changed the shape:\ninput:\n%s\nresult:\n%s",
				rule.name, circuit.TreeString(n), circuit.TreeString(result))
			exceptions.Panicf("rewrite rule %s changed the shape of %s to %s", rule.name, n, result.Shape())
		}
		if klog.V(3).Enabled() {
			klog.Infof("rewrite: %s: %s -> %s", rule.name, n, result)
		}
		if n.Name() != "" && result.Name() == "" {
			result = result.Named(n.Name())
		}
		return result
	}
	return nil
}

// build returns n, and panics if err is not nil: rules only build nodes whose validity follows from
// their input, so a construction error is a bug in the rule.
func build(n *circuit.Node, err error) *circuit.Node {
	if err != nil {
		exceptions.Panicf("rewrite: failed to build rewritten node: %+v", err)
	}
	return n
}

// scalar returns a ScalarConstant with the given value and dimensions.
func scalar(value float64, dimensions []int) *circuit.Node {
	return build(circuit.ScalarConstant(value, dimensions...))
}
