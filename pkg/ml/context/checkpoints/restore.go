// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"slices"
	"strings"

	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/flowcast/flowcast/pkg/support/sets"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RestoreReport describes what happened to each parameter in a restore.
type RestoreReport struct {
	// Applied parameters were overwritten with the checkpoint values.
	Applied sets.Set[string]

	// SkippedShapeMismatch parameters exist in the checkpoint with different dimensions: they keep their value.
	SkippedShapeMismatch sets.Set[string]

	// SkippedExcluded parameters were excluded by the caller: they keep their value.
	SkippedExcluded sets.Set[string]

	// MissingInCheckpoint parameters of the model have no value in the checkpoint: they keep their value.
	MissingInCheckpoint sets.Set[string]

	// Unused are the checkpoint parameters that the model doesn't have.
	Unused sets.Set[string]
}

// String implements fmt.Stringer.
func (r *RestoreReport) String() string {
	return fmt.Sprintf("applied=%d, skipped_shape_mismatch=%v, skipped_excluded=%v, missing_in_checkpoint=%v, unused=%v",
		len(r.Applied), sets.Sorted(r.SkippedShapeMismatch), sets.Sorted(r.SkippedExcluded),
		sets.Sorted(r.MissingInCheckpoint), sets.Sorted(r.Unused))
}

// IsExcluded returns whether the parameter name is excluded: it is in exclude, or one of its enclosing
// scopes is (e.g. "last_layer" excludes "last_layer.dense.weights" and "last_layer.dense.biases").
func IsExcluded(name string, exclude sets.Set[string]) bool {
	if len(exclude) == 0 {
		return false
	}
	for {
		if exclude.Has(name) {
			return true
		}
		idx := strings.LastIndex(name, ScopeSeparator)
		if idx < 0 {
			return false
		}
		name = name[:idx]
	}
}

// PlanRestore computes the RestoreReport of restoring parameters with the stored dimensions into a model
// with the current dimensions, both keyed by parameter name. It doesn't change anything.
//
// Every current parameter ends up in exactly one of Applied, SkippedExcluded, MissingInCheckpoint or
// SkippedShapeMismatch, checked in this order.
func PlanRestore(current, stored map[string][]int, exclude sets.Set[string]) *RestoreReport {
	r := &RestoreReport{
		Applied:              sets.Make[string](),
		SkippedShapeMismatch: sets.Make[string](),
		SkippedExcluded:      sets.Make[string](),
		MissingInCheckpoint:  sets.Make[string](),
		Unused:               sets.Make[string](),
	}
	for name, dims := range current {
		storedDims, found := stored[name]
		switch {
		case IsExcluded(name, exclude):
			r.SkippedExcluded.Insert(name)
		case !found:
			r.MissingInCheckpoint.Insert(name)
		case !slices.Equal(dims, storedDims):
			r.SkippedShapeMismatch.Insert(name)
		default:
			r.Applied.Insert(name)
		}
	}
	for name := range stored {
		if _, found := current[name]; !found {
			r.Unused.Insert(name)
		}
	}
	return r
}

// MappingDimensions returns the dimensions of each parameter of the mapping.
func MappingDimensions(params *ParameterMapping) map[string][]int {
	dims := make(map[string][]int, params.Len())
	for name, value := range params.All() {
		dims[name] = value.Shape().Dimensions
	}
	return dims
}

// ContextDimensions returns the dimensions of each trainable variable of the context, keyed by ParameterName.
func ContextDimensions(ctx *context.Context) map[string][]int {
	dims := make(map[string][]int)
	for name, v := range trainableVariables(ctx) {
		dims[name] = v.Shape().Dimensions
	}
	return dims
}

// RestoreInto overwrites the trainable variables of ctx with the values in params, for the parameters that are
// present, not excluded and with the same dimensions. All the others keep their current (typically freshly
// initialized) values. Values are converted to the dtype of the variables.
//
// Exclusions match full parameter names or enclosing scopes, see IsExcluded.
//
// Shape mismatches are not errors, unless the option Strict(true) is given: then a *model.ShapeMismatchError
// naming the first mismatched parameter is returned, and nothing is changed.
func RestoreInto(ctx *context.Context, params *ParameterMapping, exclude sets.Set[string],
	options ...RestoreOption) (*RestoreReport, error) {
	opts := &restoreOptions{}
	for _, option := range options {
		option(opts)
	}
	byName := variablesByName(ctx)
	report := PlanRestore(ContextDimensions(ctx), MappingDimensions(params), exclude)
	if opts.strict && len(report.SkippedShapeMismatch) > 0 {
		name := sets.Sorted(report.SkippedShapeMismatch)[0]
		stored, _ := params.Get(name)
		return report, &model.ShapeMismatchError{
			Batch:    -1,
			Layer:    name,
			Expected: byName[name].Shape().Dimensions,
			Actual:   stored.Shape().Dimensions,
		}
	}
	for _, name := range sets.Sorted(report.Applied) {
		value, _ := params.Get(name)
		if err := setVariable(byName[name], value); err != nil {
			return report, errors.WithMessagef(err, "restoring parameter %q", name)
		}
	}
	for _, name := range sets.Sorted(report.SkippedShapeMismatch) {
		stored, _ := params.Get(name)
		klog.Warningf("restore: keeping initialized value of %q: checkpoint has shape %s, model has %s",
			name, stored.Shape(), byName[name].Shape())
	}
	if klog.V(1).Enabled() {
		klog.Infof("restore: %s", report)
	}
	return report, nil
}
