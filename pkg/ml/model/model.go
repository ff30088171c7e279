// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the capabilities shared by all forecasting models, independent of their
// architecture: a direct forward pass over a history window and, for encoder-decoder models, a
// forward pass that also consumes the target sequence.
//
// Histories are shaped [batchSize, historyLength, numFeatures] and forecasts [batchSize, horizon].
package model

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DType of the values fed to and returned by the models.
const DType = dtypes.Float32

var (
	backendOnce sync.Once
	backend     backends.Backend
	backendErr  error
)

// Backend returns the backend shared by all models. It is the pure Go backend (simplego), unless
// overridden by the environment variable $GOMLX_BACKEND.
func Backend() (backends.Backend, error) {
	backendOnce.Do(func() {
		if config, found := os.LookupEnv(backends.ConfigEnvVar); found && config != "" {
			backend, backendErr = backends.NewWithConfig(config)
		} else {
			backend, backendErr = backends.NewWithConfig(simplego.BackendName)
		}
		if backendErr != nil {
			backendErr = errors.WithMessage(backendErr, "creating backend")
			return
		}
		klog.V(1).Infof("model: using backend %s", backend.Name())
	})
	return backend, backendErr
}

// Model is implemented by every forecasting architecture.
type Model interface {
	// Name of the architecture, as used in configuration.
	Name() string

	// Context holding the model's variables. Variable names are the checkpoint keys.
	Context() *context.Context

	// InputDimensions returns the dimensions of one example (without the batch axis), with -1 for axes
	// of any size.
	InputDimensions() []int

	// Forward returns the forecast for the history batch. It creates the variables in ctx the first
	// time it is called, and reuses them afterward.
	Forward(ctx *context.Context, history *Node) *Node
}

// StepMode selects how DecoderModel.ForwardWithTarget feeds the decoder.
type StepMode int

const (
	// TeacherForcing feeds the decoder the target shifted by one step: all steps are computed in one call.
	TeacherForcing StepMode = iota

	// Greedy feeds the decoder with its own previous prediction, one step at a time. Only the exogenous
	// features of the target are used.
	Greedy
)

// String implements fmt.Stringer.
func (m StepMode) String() string {
	switch m {
	case TeacherForcing:
		return "TeacherForcing"
	case Greedy:
		return "Greedy"
	default:
		return fmt.Sprintf("StepMode(%d)", int(m))
	}
}

// DecoderModel is implemented by encoder-decoder architectures, which need the target sequence as a
// second input. The target is shaped [batchSize, horizon, numFeatures], with the forecast feature first.
type DecoderModel interface {
	Model

	// ForwardWithTarget returns the forecast [batchSize, horizon] for the history batch, stepping the
	// decoder over target according to mode.
	ForwardWithTarget(ctx *context.Context, history, target *Node, mode StepMode) *Node
}

// IsDecoder returns whether the model supports the decoder-stepping protocol.
func IsDecoder(m Model) bool {
	_, ok := m.(DecoderModel)
	return ok
}

// CheckInput returns a *ShapeMismatchError if the batch shape doesn't match the model's input dimensions.
func CheckInput(m Model, batch int, shape shapes.Shape) error {
	expected := append([]int{-1}, m.InputDimensions()...)
	if !matchDims(shape.Dimensions, expected) {
		return &ShapeMismatchError{Batch: batch, Expected: expected, Actual: shape.Dimensions}
	}
	return nil
}

// matchDims returns whether dims matches pattern, where -1 in pattern matches any dimension.
func matchDims(dims, pattern []int) bool {
	if len(dims) != len(pattern) {
		return false
	}
	for ii, dim := range pattern {
		if dim != -1 && dims[ii] != dim {
			return false
		}
	}
	return true
}

// Initialize creates and initializes the variables of the model, by running its forward pass in evaluation
// mode on an all-zeros batch of one example, with size 1 for the axes of any size.
func Initialize(m Model) error {
	b, err := Backend()
	if err != nil {
		return err
	}
	dims := append([]int{1}, m.InputDimensions()...)
	for ii, dim := range dims {
		if dim < 0 {
			dims[ii] = 1
		}
	}
	return exceptions.TryCatch[error](func() {
		exec, err := context.NewExecAny(b, m.Context(), func(ctx *context.Context, history *Node) *Node {
			ctx.SetTraining(history.Graph(), false)
			return m.Forward(ctx, history)
		})
		if err != nil {
			panic(err)
		}
		defer exec.Finalize()
		exec.Call(tensors.FromShape(shapes.Make(DType, dims...)))
	})
}

// ShapeMismatchError is returned when a batch or a restored parameter doesn't have the expected shape.
// -1 in Expected means any size.
type ShapeMismatchError struct {
	// Batch index in the epoch, or -1 if not about a batch.
	Batch int

	// Layer (parameter name), if about a parameter.
	Layer string

	Expected, Actual []int
}

// Error implements error.
func (e *ShapeMismatchError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("shape mismatch for layer %q: expected dimensions %v, got %v", e.Layer, e.Expected, e.Actual)
	}
	return fmt.Sprintf("shape mismatch in batch #%d: expected dimensions %v, got %v", e.Batch, e.Expected, e.Actual)
}

// InvalidConfigurationError is returned when a configuration key is missing, malformed, or incompatible
// with the model.
type InvalidConfigurationError struct {
	// Architecture being configured, if known.
	Architecture string

	// Key of the offending configuration entry, e.g. "seq_len" or "use_decoder".
	Key string

	// Reason describes what is wrong with it.
	Reason string
}

// Error implements error.
func (e *InvalidConfigurationError) Error() string {
	if e.Architecture != "" {
		return fmt.Sprintf("invalid configuration for %s: key %q: %s", e.Architecture, e.Key, e.Reason)
	}
	return fmt.Sprintf("invalid configuration: key %q: %s", e.Key, e.Reason)
}
