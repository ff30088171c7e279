// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"iter"
	"slices"
	"strings"

	"github.com/flowcast/flowcast/pkg/support/sets"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// ScopeSeparator joins the scopes of a variable into its parameter name, e.g. "last_layer.dense.weights".
const ScopeSeparator = "."

// ParameterName returns the name under which the variable is stored: its scope and name, without the
// root scope, joined by ScopeSeparator.
func ParameterName(v *context.Variable) string {
	return strings.ReplaceAll(strings.TrimPrefix(v.ScopeAndName(), context.ScopeSeparator), context.ScopeSeparator,
		ScopeSeparator)
}

// ParameterMapping is an ordered mapping from a layer-qualified parameter name (e.g. "last_layer.dense.weights")
// to its value. It is what checkpoints store and what is restored into a model.
//
// Setting an existing name with a value of different dimensions is an error: a mapping never silently
// changes the shape of a parameter.
type ParameterMapping struct {
	names  []string
	values map[string]*tensors.Tensor
}

// NewParameterMapping returns an empty mapping.
func NewParameterMapping() *ParameterMapping {
	return &ParameterMapping{values: make(map[string]*tensors.Tensor)}
}

// Parameters returns a snapshot of the trainable variables of ctx, in the order they were created.
// The values are copied: later training steps don't change the snapshot.
func Parameters(ctx *context.Context) *ParameterMapping {
	params := NewParameterMapping()
	for name, v := range trainableVariables(ctx) {
		params.names = append(params.names, name)
		params.values[name] = v.Value().LocalClone()
	}
	return params
}

// trainableVariables iterates over the trainable variables of ctx keyed by ParameterName. Optimizer
// state and random number generator state are not trainable, so they are not part of a checkpoint.
func trainableVariables(ctx *context.Context) iter.Seq2[string, *context.Variable] {
	return func(yield func(string, *context.Variable) bool) {
		var variables []*context.Variable
		ctx.EnumerateVariables(func(v *context.Variable) {
			if v.Trainable {
				variables = append(variables, v)
			}
		})
		for _, v := range variables {
			if !yield(ParameterName(v), v) {
				return
			}
		}
	}
}

// variablesByName returns the trainable variables of ctx keyed by ParameterName.
func variablesByName(ctx *context.Context) map[string]*context.Variable {
	byName := make(map[string]*context.Variable)
	for name, v := range trainableVariables(ctx) {
		byName[name] = v
	}
	return byName
}

// Set the value of a parameter. New names are appended at the end of the order.
func (m *ParameterMapping) Set(name string, value *tensors.Tensor) error {
	if name == "" {
		return errors.New("ParameterMapping.Set(): empty parameter name")
	}
	if value == nil {
		return errors.Errorf("ParameterMapping.Set(%q): nil value", name)
	}
	if current, found := m.values[name]; found {
		if !current.Shape().EqualDimensions(value.Shape()) {
			return errors.Errorf("ParameterMapping.Set(%q): parameter has shape %s, cannot set to a value shaped %s",
				name, current.Shape(), value.Shape())
		}
	} else {
		m.names = append(m.names, name)
	}
	m.values[name] = value
	return nil
}

// Get returns the value of the parameter and whether it was found.
func (m *ParameterMapping) Get(name string) (*tensors.Tensor, bool) {
	value, found := m.values[name]
	return value, found
}

// Has returns whether the parameter is in the mapping.
func (m *ParameterMapping) Has(name string) bool {
	_, found := m.values[name]
	return found
}

// Delete removes the parameter, if present.
func (m *ParameterMapping) Delete(name string) {
	if _, found := m.values[name]; !found {
		return
	}
	delete(m.values, name)
	m.names = slices.DeleteFunc(m.names, func(n string) bool { return n == name })
}

// Len returns the number of parameters.
func (m *ParameterMapping) Len() int { return len(m.names) }

// Names returns the parameter names, in insertion order.
func (m *ParameterMapping) Names() []string { return slices.Clone(m.names) }

// NameSet returns the parameter names as a set.
func (m *ParameterMapping) NameSet() sets.Set[string] { return sets.MakeWith(m.names...) }

// All iterates over the parameters in insertion order.
func (m *ParameterMapping) All() iter.Seq2[string, *tensors.Tensor] {
	return func(yield func(string, *tensors.Tensor) bool) {
		for _, name := range m.names {
			if !yield(name, m.values[name]) {
				return
			}
		}
	}
}

// Clone returns a deep copy of the mapping.
func (m *ParameterMapping) Clone() *ParameterMapping {
	c := NewParameterMapping()
	for name, value := range m.All() {
		c.names = append(c.names, name)
		c.values[name] = value.LocalClone()
	}
	return c
}

// Equal returns whether both mappings hold the same names, in the same order, with equal values.
func (m *ParameterMapping) Equal(other *ParameterMapping) bool {
	if !slices.Equal(m.names, other.names) {
		return false
	}
	for name, value := range m.All() {
		if !value.Equal(other.values[name]) {
			return false
		}
	}
	return true
}

// Memory returns the number of bytes needed to store all values in their dtypes.
func (m *ParameterMapping) Memory() uintptr {
	var total uintptr
	for _, value := range m.values {
		total += value.Shape().Memory()
	}
	return total
}

// LoadInto sets the values of the context's trainable variables from the mapping, for every name that exists
// in both. It returns an error, before changing anything, if any of them has different dimensions. Parameters
// that don't exist in the context are ignored.
func (m *ParameterMapping) LoadInto(ctx *context.Context) error {
	byName := variablesByName(ctx)
	for name, value := range m.All() {
		v := byName[name]
		if v != nil && !v.Shape().EqualDimensions(value.Shape()) {
			return errors.Errorf("parameter %q has shape %s, but the variable has shape %s", name, value.Shape(), v.Shape())
		}
	}
	for name, value := range m.All() {
		if v := byName[name]; v != nil {
			if err := setVariable(v, value); err != nil {
				return errors.WithMessagef(err, "parameter %q", name)
			}
		}
	}
	return nil
}

// setVariable sets a copy of value, converted to the dtype of the variable, as its value.
func setVariable(v *context.Variable, value *tensors.Tensor) error {
	converted, err := convertDType(value, v.Shape().DType)
	if err != nil {
		return err
	}
	if converted == value {
		converted = value.LocalClone()
	}
	v.SetValue(converted)
	return nil
}
