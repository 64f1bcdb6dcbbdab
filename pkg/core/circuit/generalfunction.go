// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/circuitopt/pkg/core/shapes"
	"github.com/gomlx/circuitopt/pkg/support/xslices"
	"github.com/pkg/errors"
)

// GeneralFunctionSpec describes an opaque function applied by a GeneralFunction node.
//
// Specs are identified by Name: two specs with the same name are assumed to be the same function.
type GeneralFunctionSpec struct {
	Name string

	// NumNonBatchable is the number of trailing output axes the function operates on as a whole
	// (e.g. 1 for softmax over the last axis). The leading axes are batch axes.
	NumNonBatchable int

	// InputBatchability flags which inputs share the output's batch axes. nil means all of them.
	InputBatchability []bool

	// InferShape is the shape-inference capability: it returns the output shape for the given input
	// shapes, or false if the inputs are not valid. If nil, the function takes exactly one input of rank
	// at least NumNonBatchable and returns the same shape.
	InferShape func(inputs []shapes.Shape) (shapes.Shape, bool)

	// ScalarFn, if set, is the elementwise function of a single-input spec with NumNonBatchable == 0.
	// It allows folding constants.
	ScalarFn func(x float64) float64

	// RowFn, if set, is the function of a single-input spec with NumNonBatchable == 1, applied to each
	// row (last axis) of the input, writing to out (same length).
	RowFn func(in, out []float64)
}

// IsElementwise returns whether the spec applies ScalarFn to each element independently.
func (spec *GeneralFunctionSpec) IsElementwise() bool {
	return spec.ScalarFn != nil && spec.NumNonBatchable == 0
}

// IsBatchable returns whether input #i shares the batch axes of the output.
func (spec *GeneralFunctionSpec) IsBatchable(i int) bool {
	if spec.InputBatchability == nil {
		return true
	}
	return i < len(spec.InputBatchability) && spec.InputBatchability[i]
}

func (spec *GeneralFunctionSpec) inferShape(inputs []shapes.Shape) (shapes.Shape, bool) {
	if spec.InferShape != nil {
		return spec.InferShape(inputs)
	}
	if len(inputs) != 1 || inputs[0].Rank() < spec.NumNonBatchable {
		return shapes.Shape{}, false
	}
	return inputs[0].Clone(), true
}

// GeneralFunctionParams of a GeneralFunction node.
type GeneralFunctionParams struct {
	Spec *GeneralFunctionSpec
}

func (p *GeneralFunctionParams) Kind() Kind     { return KindGeneralFunction }
func (p *GeneralFunctionParams) String() string { return p.Spec.Name }

func (p *GeneralFunctionParams) writeHash(hs *hasher) {
	hs.string(p.Spec.Name)
	hs.int(p.Spec.NumNonBatchable)
	hs.int(len(p.Spec.InputBatchability))
	for _, b := range p.Spec.InputBatchability {
		if b {
			hs.int(1)
		} else {
			hs.int(0)
		}
	}
}

func (p *GeneralFunctionParams) inferShape(children []*Node) (shapes.Shape, error) {
	inputs := xslices.Map(children, (*Node).Shape)
	shape, ok := p.Spec.inferShape(inputs)
	if !ok {
		return shapes.Shape{}, constructionErrorf(KindGeneralFunction, "%q rejected input shapes %v", p.Spec.Name, inputs)
	}
	if shape.Rank() < p.Spec.NumNonBatchable {
		return shapes.Shape{}, constructionErrorf(KindGeneralFunction, "%q returned shape %s with less than %d non-batchable axes",
			p.Spec.Name, shape, p.Spec.NumNonBatchable)
	}
	return shape, nil
}

// GeneralFunction creates a node applying spec to the nodes.
//
// If any of the nodes is named, the node is automatically named "<spec> <names joined by ' , '>".
func GeneralFunction(spec *GeneralFunctionSpec, nodes ...*Node) (*Node, error) {
	if spec == nil {
		return nil, constructionErrorf(KindGeneralFunction, "nil spec")
	}
	var names []string
	for _, node := range nodes {
		if node != nil && node.Name() != "" {
			names = append(names, node.Name())
		}
	}
	var name string
	if len(names) > 0 {
		name = spec.Name + " " + strings.Join(names, " , ")
	}
	return newNode(&GeneralFunctionParams{Spec: spec}, slices.Clone(nodes), name, nil)
}

// GeneralFunctionByName creates a GeneralFunction with a registered spec.
func GeneralFunctionByName(specName string, nodes ...*Node) (*Node, error) {
	spec, found := LookupGeneralFunction(specName)
	if !found {
		return nil, constructionErrorf(KindGeneralFunction, "unknown general function %q", specName)
	}
	return GeneralFunction(spec, nodes...)
}

// AsGeneralFunction returns the parameters if n is a GeneralFunction, nil otherwise.
func (n *Node) AsGeneralFunction() *GeneralFunctionParams {
	p, _ := n.params.(*GeneralFunctionParams)
	return p
}

var (
	muRegistry sync.RWMutex
	registry   = make(map[string]*GeneralFunctionSpec)
)

// RegisterGeneralFunction registers a custom spec, so it can be used with GeneralFunctionByName.
// It returns an error if a spec with the same name is already registered.
func RegisterGeneralFunction(spec *GeneralFunctionSpec) error {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if spec == nil || spec.Name == "" {
		return errors.New("RegisterGeneralFunction: spec must be non-nil and named")
	}
	if _, found := registry[spec.Name]; found {
		return errors.Errorf("RegisterGeneralFunction: a spec named %q is already registered", spec.Name)
	}
	registry[spec.Name] = spec
	return nil
}

// LookupGeneralFunction returns the registered spec with the given name.
func LookupGeneralFunction(name string) (*GeneralFunctionSpec, bool) {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	spec, found := registry[name]
	return spec, found
}

// RegisteredGeneralFunctions returns the sorted names of the registered specs.
func RegisteredGeneralFunctions() []string {
	muRegistry.RLock()
	defer muRegistry.RUnlock()
	return xslices.SortedKeys(registry)
}

func init() {
	elementwise := map[string]func(float64) float64{
		"sigmoid": func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		"tanh":    math.Tanh,
		"rsqrt":   func(x float64) float64 { return 1 / math.Sqrt(x) },
		"gelu":    func(x float64) float64 { return 0.5 * x * (1 + math.Erf(x/math.Sqrt2)) },
		"relu":    func(x float64) float64 { return max(x, 0) },
		"log_exp_p_1": func(x float64) float64 {
			if x > 30 {
				return x + math.Log1p(math.Exp(-x))
			}
			return math.Log1p(math.Exp(x))
		},
		"gaussian_pdf": func(x float64) float64 { return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi) },
		"gaussian_cdf": func(x float64) float64 { return 0.5 * (1 + math.Erf(x/math.Sqrt2)) },
	}
	for name, fn := range elementwise {
		registry[name] = &GeneralFunctionSpec{Name: name, ScalarFn: fn}
	}
	registry["softmax"] = &GeneralFunctionSpec{Name: "softmax", NumNonBatchable: 1, RowFn: softmaxRow}
	registry["log_softmax"] = &GeneralFunctionSpec{Name: "log_softmax", NumNonBatchable: 1, RowFn: logSoftmaxRow}
}

func rowMax(in []float64) float64 {
	m := math.Inf(-1)
	for _, v := range in {
		m = max(m, v)
	}
	return m
}

func softmaxRow(in, out []float64) {
	m := rowMax(in)
	var sum float64
	for ii, v := range in {
		out[ii] = math.Exp(v - m)
		sum += out[ii]
	}
	for ii := range out {
		out[ii] /= sum
	}
}

func logSoftmaxRow(in, out []float64) {
	m := rowMax(in)
	var sum float64
	for _, v := range in {
		sum += math.Exp(v - m)
	}
	logSum := m + math.Log(sum)
	for ii, v := range in {
		out[ii] = v - logSum
	}
}
