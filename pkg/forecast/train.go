// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package forecast

import (
	"strings"

	"github.com/flowcast/flowcast/pkg/data"
	"github.com/flowcast/flowcast/pkg/forecast/models"
	"github.com/flowcast/flowcast/pkg/ml/train"
	"github.com/flowcast/flowcast/pkg/ml/train/commandline"
	"github.com/flowcast/flowcast/pkg/ml/train/losses"
	"github.com/flowcast/flowcast/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Defaults of TrainingParams.
const (
	DefaultOptimizer    = "adam"
	DefaultLearningRate = 0.001
	DefaultCriterion    = "MSE"
	DefaultBatchSize    = 32
	DefaultModelSave    = "model_save"
)

type trainOptions struct {
	progressBar bool
	hooks       []func(loop *train.Loop)
}

// TrainOption of Train.
type TrainOption func(*trainOptions)

// WithProgressBar displays a progress bar with the losses on the command line.
func WithProgressBar() TrainOption {
	return func(o *trainOptions) { o.progressBar = true }
}

// WithLoopHook calls fn with the training loop before it runs, e.g. to attach hooks to it.
func WithLoopHook(fn func(loop *train.Loop)) TrainOption {
	return func(o *trainOptions) { o.hooks = append(o.hooks, fn) }
}

// Train runs the training configured by the spec TrainingParams and EarlyStopping: batches of the training
// data, evaluation of the validation data every epoch, checkpoints per the checkpoint policy, evaluation of
// the test data (batch size 1) at the end, and a final checkpoint annotated with the run.
//
// The run is returned also on error, if the training loop started.
func Train(f *Forecaster, opts ...TrainOption) (*train.Run, error) {
	var o trainOptions
	for _, opt := range opts {
		opt(&o)
	}
	if f.train == nil || f.train.Len() == 0 {
		return nil, errors.New("no training data")
	}
	tp := f.spec.TrainingParams
	optimizerName := defaultTo(tp.Optimizer, DefaultOptimizer)
	learningRate := tp.LR
	if learningRate == 0 {
		learningRate = DefaultLearningRate
	}
	optimParams, err := optimizers.DecodeOptimParams(tp.OptimParams)
	if err != nil {
		return nil, configError("training_params.optim_params", err)
	}
	optimizer, err := optimizers.ByName(optimizerName, learningRate, optimParams)
	if err != nil {
		return nil, configError("training_params.optimizer", err)
	}
	lossFn, err := losses.ByName(defaultTo(tp.Criterion, DefaultCriterion))
	if err != nil {
		return nil, configError("training_params.criterion", err)
	}
	cfg := train.Config{
		UseDecoder:    f.spec.UseDecoder,
		MaxEpochs:     max(tp.Epochs, 1),
		CheckpointDir: defaultTo(tp.ModelSave, DefaultModelSave),
	}
	switch strings.ToLower(tp.CheckpointPolicy) {
	case "", "final":
		cfg.CheckpointPolicy = train.Never
	case "every_epoch":
		cfg.CheckpointPolicy = train.EveryEpoch
	case "on_improvement":
		cfg.CheckpointPolicy = train.OnImprovement
	default:
		return nil, &models.InvalidConfigurationError{Key: "training_params.checkpoint_policy",
			Reason: "must be one of final, every_epoch or on_improvement, got " + tp.CheckpointPolicy}
	}
	switch strings.ToLower(tp.Reduction) {
	case "", "mean":
		cfg.Reduction = train.Mean
	case "sum":
		cfg.Reduction = train.Sum
	default:
		return nil, &models.InvalidConfigurationError{Key: "training_params.reduction",
			Reason: "must be mean or sum, got " + tp.Reduction}
	}
	if es := f.spec.EarlyStopping; es != nil {
		cfg.EarlyStopping = &train.EarlyStopping{Patience: es.Patience, MinDelta: es.MinDelta, RestoreBest: es.RestoreBest}
	}

	batchSize := tp.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	seed, _ := models.Seed(f.model)
	trainDS, err := data.NewBatcher(f.train, batchSize, tp.Shuffle, seed)
	if err != nil {
		return nil, err
	}
	if f.validation != nil && f.validation.Len() > 0 {
		if cfg.Validation, err = data.NewBatcher(f.validation, batchSize, false, seed); err != nil {
			return nil, err
		}
	}

	loop := train.NewLoop(f, optimizer, lossFn, cfg)
	// Checkpoints saved during the run are annotated with it.
	loop.OnStart("forecast_run", -100, func(l *train.Loop, _ train.Dataset) error {
		f.lastRun = l.Current
		return nil
	})
	if o.progressBar {
		commandline.AttachProgressBar(loop)
	}
	for _, hook := range o.hooks {
		hook(loop)
	}
	klog.Infof("forecast: training %s for up to %d epochs with %s (lr=%g) and %s, batch size %d",
		f.model.Name(), cfg.MaxEpochs, optimizer.Name(), learningRate, defaultTo(tp.Criterion, DefaultCriterion),
		batchSize)
	run, err := loop.Run(trainDS)
	if err != nil {
		return run, err
	}

	if f.test != nil && f.test.Len() > 0 {
		testDS, err := data.NewBatcher(f.test, 1, false, seed)
		if err != nil {
			return run, err
		}
		testLoss, err := loop.Evaluate(testDS)
		if err != nil {
			return run, errors.WithMessage(err, "evaluating test data")
		}
		run.TestLoss = &testLoss
		klog.Infof("forecast: test loss %g", testLoss)
	}
	if _, err = f.SaveModel(cfg.CheckpointDir, run.EpochCount); err != nil {
		return run, err
	}
	return run, nil
}

func defaultTo(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func configError(key string, err error) error {
	return &models.InvalidConfigurationError{Key: key, Reason: err.Error()}
}
