// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package forecast manages the lifecycle of a forecasting model: it constructs the model from a ModelSpec,
// optionally restores (part of) its parameters from a checkpoint, trains it and saves it.
//
// A Forecaster goes through the states Uninitialized, Constructed, Restored (only if the spec has a
// weight_path) and Ready. Any error during construction is returned by New, so a Forecaster is always Ready.
package forecast

import (
	"fmt"
	"slices"

	"github.com/flowcast/flowcast/pkg/data"
	"github.com/flowcast/flowcast/pkg/forecast/models"
	"github.com/flowcast/flowcast/pkg/ml/context/checkpoints"
	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/flowcast/flowcast/pkg/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of a Forecaster.
type State int

const (
	Uninitialized State = iota
	Constructed
	Restored
	Ready
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Constructed:
		return "Constructed"
	case Restored:
		return "Restored"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Annotation keys of the checkpoints saved by Forecaster.SaveModel.
const (
	SpecAnnotation = "model_spec"
	RunAnnotation  = "training_run"
)

// Forecaster owns one model and its training, validation and test data.
// It implements train.Handle.
type Forecaster struct {
	spec        ModelSpec
	model       model.Model
	state       State
	transitions []State

	train, validation, test data.Handle

	restoreReport *checkpoints.RestoreReport
	restoredFrom  string
	lastRun       *train.Run

	eval *model.Evaluator
}

var _ train.Handle = (*Forecaster)(nil)

type options struct {
	seed    uint64
	hasSeed bool
}

// Option of New.
type Option func(*options)

// WithSeed overrides the seed of the spec.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed, o.hasSeed = seed, true
	}
}

// New constructs the model of spec and, if spec.WeightPath is set, restores it from the checkpoint.
// The data handles may be nil.
//
// Errors are the ones of models.Construct, checkpoints.LoadPath and, in strict mode, a *model.ShapeMismatchError
// from the restore.
func New(spec *ModelSpec, trainData, validationData, testData data.Handle, opts ...Option) (*Forecaster, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if !o.hasSeed && spec.Seed != nil {
		o.seed, o.hasSeed = *spec.Seed, true
	}
	f := &Forecaster{spec: *spec, state: Uninitialized, train: trainData, validation: validationData, test: testData}

	var constructOpts []models.Option
	if o.hasSeed {
		constructOpts = append(constructOpts, models.WithSeed(o.seed))
	}
	m, err := models.Construct(spec.ModelName, spec.ModelParams, constructOpts...)
	if err != nil {
		return nil, err
	}
	f.model = m
	f.transition(Constructed)
	if spec.WeightPath != "" {
		if err = f.restore(); err != nil {
			return nil, err
		}
		f.transition(Restored)
	}
	f.transition(Ready)
	return f, nil
}

func (f *Forecaster) transition(to State) {
	klog.V(1).Infof("forecast: %s %s -> %s", f.spec.ModelName, f.state, to)
	f.transitions = append(f.transitions, to)
	f.state = to
}

func (f *Forecaster) restore() error {
	ckpt, err := checkpoints.LoadPath(f.spec.WeightPath)
	if err != nil {
		return err
	}
	var restoreOpts []checkpoints.RestoreOption
	if f.spec.WeightPathAdd.Strict {
		restoreOpts = append(restoreOpts, checkpoints.Strict(true))
	}
	report, err := checkpoints.RestoreInto(f.model.Context(), ckpt.Params, f.spec.WeightPathAdd.Excluded(), restoreOpts...)
	if err != nil {
		return errors.WithMessagef(err, "restoring %s from %q", f.model.Name(), f.spec.WeightPath)
	}
	f.restoreReport = report
	f.restoredFrom = ckpt.ID
	klog.Infof("forecast: %s restored from %q (epoch %d): %d parameters applied", f.model.Name(), ckpt.ID,
		ckpt.Epoch, len(report.Applied))
	return nil
}

// Model implements train.Handle.
func (f *Forecaster) Model() model.Model { return f.model }

// Spec returns a copy of the spec the Forecaster was created with.
func (f *Forecaster) Spec() ModelSpec { return f.spec }

// State of the Forecaster.
func (f *Forecaster) State() State { return f.state }

// Transitions returns the states the Forecaster went through since Uninitialized.
func (f *Forecaster) Transitions() []State { return slices.Clone(f.transitions) }

// RestoreReport of the restore from spec.WeightPath, nil if there was none.
func (f *Forecaster) RestoreReport() *checkpoints.RestoreReport { return f.restoreReport }

// RestoredFrom is the id of the checkpoint restored, "" if none.
func (f *Forecaster) RestoredFrom() string { return f.restoredFrom }

// TrainingData handle, may be nil.
func (f *Forecaster) TrainingData() data.Handle { return f.train }

// ValidationData handle, may be nil.
func (f *Forecaster) ValidationData() data.Handle { return f.validation }

// TestData handle, may be nil.
func (f *Forecaster) TestData() data.Handle { return f.test }

// LastRun returns the last training run of Train, nil if none.
func (f *Forecaster) LastRun() *train.Run { return f.lastRun }

// SaveModel implements train.Handle: it saves the model parameters into the checkpoint directory destination,
// annotated with the spec and, if the model was trained, the last training run. It returns the checkpoint id.
func (f *Forecaster) SaveModel(destination string, epoch int) (string, error) {
	if f.state != Ready {
		return "", errors.Errorf("can't save model in state %s", f.state)
	}
	store, err := checkpoints.Build().Dir(destination).ModelID(f.model.Name()).Done()
	if err != nil {
		return "", err
	}
	saveOpts := []checkpoints.SaveOption{checkpoints.WithAnnotation(SpecAnnotation, f.spec)}
	if f.lastRun != nil {
		saveOpts = append(saveOpts, checkpoints.WithAnnotation(RunAnnotation, f.lastRun))
	}
	id, err := store.Save(checkpoints.Parameters(f.model.Context()), epoch, saveOpts...)
	if err != nil {
		return "", errors.WithMessagef(err, "saving %s", f.model.Name())
	}
	klog.Infof("forecast: saved %s at epoch %d as %q in %q", f.model.Name(), epoch, id, destination)
	return id, nil
}

// Predict runs the model in evaluation mode on history, shaped [historyLength, numFeatures] for a single
// window (the result is then shaped [forecastLength]) or [batchSize, historyLength, numFeatures].
func (f *Forecaster) Predict(history *tensors.Tensor) (*tensors.Tensor, error) {
	return f.run(history, nil)
}

// Decode runs a decoder model greedily in evaluation mode: each forecast step is fed back as the target
// column of the next one, with the exogenous features of target. history and target are shaped as in
// Predict, with the target holding forecastLength steps.
func (f *Forecaster) Decode(history, target *tensors.Tensor) (*tensors.Tensor, error) {
	if !model.IsDecoder(f.model) {
		return nil, &models.InvalidConfigurationError{Architecture: f.model.Name(), Key: "use_decoder",
			Reason: "the model doesn't support the decoder-stepping protocol"}
	}
	if target.Rank() == 2 {
		var err error
		if target, err = withDims(target, append([]int{1}, target.Shape().Dimensions...)...); err != nil {
			return nil, err
		}
	}
	return f.run(history, target)
}

// run the evaluator on history, decoding greedily if target is given.
func (f *Forecaster) run(history, target *tensors.Tensor) (*tensors.Tensor, error) {
	single := history.Rank() == 2
	if single {
		var err error
		if history, err = withDims(history, append([]int{1}, history.Shape().Dimensions...)...); err != nil {
			return nil, err
		}
	}
	if err := model.CheckInput(f.model, 0, history.Shape()); err != nil {
		return nil, err
	}
	if f.eval == nil {
		f.eval = model.NewEvaluator(f.model)
	}
	var output *tensors.Tensor
	var err error
	if target == nil {
		output, err = f.eval.Forward(history)
	} else {
		output, err = f.eval.ForwardWithTarget(history, target, model.Greedy)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "running %s", f.model.Name())
	}
	if single {
		return withDims(output, output.Shape().Dimensions[1:]...)
	}
	return output, nil
}

// withDims returns a copy of the float32 tensor t with the given dimensions, of the same size.
func withDims(t *tensors.Tensor, dims ...int) (*tensors.Tensor, error) {
	if t.DType() != model.DType {
		return nil, errors.Errorf("expected a tensor of %s, got %s", model.DType, t.DType())
	}
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	if size != t.Size() {
		return nil, errors.Errorf("can't reshape %s to %v", t.Shape(), dims)
	}
	return tensors.FromFlatDataAndDimensions(tensors.CopyFlatData[float32](t), dims...), nil
}
