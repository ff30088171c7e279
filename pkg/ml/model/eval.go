// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Evaluator runs a model in evaluation mode (no dropout) over its current variables.
//
// Graphs are built on the first call for each input shape and then cached, so repeated calls with the
// same batch size are cheap. Evaluator is not safe for concurrent use.
type Evaluator struct {
	m       Model
	forward *context.Exec
	decode  map[StepMode]*context.Exec
}

// NewEvaluator returns an Evaluator for m, whose variables must already be initialized.
func NewEvaluator(m Model) *Evaluator {
	return &Evaluator{m: m, decode: make(map[StepMode]*context.Exec)}
}

// Model being evaluated.
func (e *Evaluator) Model() Model { return e.m }

// Forward returns the forecast [batchSize, horizon] for the history [batchSize, historyLength, numFeatures].
func (e *Evaluator) Forward(history *tensors.Tensor) (*tensors.Tensor, error) {
	if e.forward == nil {
		exec, err := e.newExec(func(ctx *context.Context, history *Node) *Node {
			ctx.SetTraining(history.Graph(), false)
			return e.m.Forward(ctx, history)
		})
		if err != nil {
			return nil, err
		}
		e.forward = exec
	}
	return call(e.forward, history)
}

// ForwardWithTarget runs DecoderModel.ForwardWithTarget. It returns an *InvalidConfigurationError if the
// model has no decoder.
func (e *Evaluator) ForwardWithTarget(history, target *tensors.Tensor, mode StepMode) (*tensors.Tensor, error) {
	decoder, ok := e.m.(DecoderModel)
	if !ok {
		return nil, &InvalidConfigurationError{Architecture: e.m.Name(), Key: "use_decoder",
			Reason: "model has no decoder"}
	}
	exec, found := e.decode[mode]
	if !found {
		var err error
		exec, err = e.newExec(func(ctx *context.Context, history, target *Node) *Node {
			ctx.SetTraining(history.Graph(), false)
			return decoder.ForwardWithTarget(ctx, history, target, mode)
		})
		if err != nil {
			return nil, err
		}
		e.decode[mode] = exec
	}
	return call(exec, history, target)
}

// Finalize frees the compiled graphs. The Evaluator can still be used, it rebuilds them as needed.
func (e *Evaluator) Finalize() {
	if e.forward != nil {
		e.forward.Finalize()
		e.forward = nil
	}
	for mode, exec := range e.decode {
		exec.Finalize()
		delete(e.decode, mode)
	}
}

func (e *Evaluator) newExec(fn any) (*context.Exec, error) {
	b, err := Backend()
	if err != nil {
		return nil, err
	}
	exec, err := context.NewExecAny(b, e.m.Context().Reuse(), fn)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %s evaluation graph", e.m.Name())
	}
	return exec, nil
}

// call executes exec, converting panics while building or running the graph to errors.
func call(exec *context.Exec, args ...any) (out *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		out = exec.Call(args...)[0]
	})
	return
}
