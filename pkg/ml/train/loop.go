// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train holds the training loop of the forecasting models: it runs epochs over a Dataset, dispatching
// each batch to the model's direct forward pass or to its decoder, evaluates on a validation dataset,
// checkpoints and early-stops.
//
// Each step runs in a computation graph built by github.com/gomlx/gomlx: the forward pass, the loss and the
// optimizer update are compiled once per batch shape and then executed for every batch of that shape.
//
// By itself the Loop doesn't display anything, but one can attach functionality to it with hooks, like
// the progress bar in package commandline.
package train

import (
	"io"
	"iter"
	"math"
	"sort"
	"time"

	"github.com/flowcast/flowcast/pkg/ml/context/checkpoints"
	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/flowcast/flowcast/pkg/ml/train/losses"
	"github.com/flowcast/flowcast/pkg/ml/train/optimizers"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Handle gives the Loop access to the model being trained and a way to checkpoint it.
type Handle interface {
	// Model being trained. The Loop has exclusive mutation rights over its variables during a run.
	Model() model.Model

	// SaveModel saves a checkpoint of the model in the destination directory, returning its id.
	SaveModel(destination string, epoch int) (string, error)
}

// CheckpointPolicy defines when the Loop saves checkpoints.
type CheckpointPolicy int

const (
	// Never saves checkpoints during the run.
	Never CheckpointPolicy = iota

	// EveryEpoch saves a checkpoint at the end of every epoch.
	EveryEpoch

	// OnImprovement saves a checkpoint at the end of epochs where the monitored loss improved.
	OnImprovement
)

// String implements fmt.Stringer.
func (p CheckpointPolicy) String() string {
	switch p {
	case Never:
		return "never"
	case EveryEpoch:
		return "every_epoch"
	case OnImprovement:
		return "on_improvement"
	default:
		return "unknown"
	}
}

// Reduction of the batch losses into the epoch loss.
type Reduction int

const (
	// Mean of the batch losses.
	Mean Reduction = iota

	// Sum of the batch losses.
	Sum
)

// EarlyStopping configuration: the run stops when the monitored loss doesn't improve by more than MinDelta
// for Patience epochs.
type EarlyStopping struct {
	Patience int
	MinDelta float64

	// RestoreBest restores the variables of the best epoch when stopping early.
	RestoreBest bool
}

// DefaultHighLossThreshold above which an epoch loss is logged as a warning.
const DefaultHighLossThreshold = 100.0

// Config of a Loop.
type Config struct {
	// UseDecoder selects the decoder-stepping protocol: the model must implement model.DecoderModel.
	UseDecoder bool

	// MaxEpochs to run. Defaults to 1.
	MaxEpochs int

	// EarlyStopping, if not nil, stops the run when the monitored loss stops improving.
	EarlyStopping *EarlyStopping

	// Validation dataset evaluated at the end of every epoch, optional. If set, its loss is the monitored loss
	// (for early stopping and OnImprovement checkpoints), otherwise the training loss is.
	Validation Dataset

	// CheckpointDir passed to Handle.SaveModel.
	CheckpointDir string

	CheckpointPolicy CheckpointPolicy
	Reduction        Reduction

	// HighLossThreshold for warnings. 0 uses DefaultHighLossThreshold, negative disables the warnings.
	HighLossThreshold float64
}

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks, called after each training batch with its loss.
type OnStepFn func(loop *Loop, batchLoss float64) error

// OnEpochFn is the type of OnEpoch hooks, called at the end of each completed epoch.
type OnEpochFn func(loop *Loop, stats EpochStats) error

// OnEndFn is the type of OnEnd hooks. They are called at the end of every run, also when it fails.
type OnEndFn func(loop *Loop, run *Run) error

// Loop runs the training of the model of a Handle, calling the registered hooks.
//
// It also converts graph building errors thrown with `panic` and returns them instead as normal errors.
//
// The public attributes are meant for reading only, don't change them during a run.
type Loop struct {
	Handle Handle

	// Optimizer state is kept in the model's context, and it is reset at the start of every run.
	Optimizer *optimizers.Optimizer
	LossFn    losses.LossFn
	Config    Config

	// Epoch (1-based) and Batch (0-based) currently being executed.
	Epoch, Batch int

	// LoopStep counts the training batches run so far, across epochs.
	LoopStep int

	// EndStep is one-past the last step to be executed, or -1 if not known.
	EndStep int

	// Current is the run in progress, nil outside Run.
	Current *Run

	// SharedData allows for cross-tools to publish and consume information.
	SharedData map[string]any

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]

	// trainExec and evalExec are created on demand, and finalized at the end of Run.
	trainExec, evalExec *context.Exec
}

// NewLoop creates a new training loop.
func NewLoop(handle Handle, optimizer *optimizers.Optimizer, lossFn losses.LossFn, config Config) *Loop {
	if config.MaxEpochs <= 0 {
		config.MaxEpochs = 1
	}
	if config.HighLossThreshold == 0 {
		config.HighLossThreshold = DefaultHighLossThreshold
	}
	return &Loop{
		Handle:     handle,
		Optimizer:  optimizer,
		LossFn:     lossFn,
		Config:     config,
		EndStep:    -1,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpoch:    newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// Run trains the model for up to Config.MaxEpochs epochs over ds.
//
// The returned Run describes what happened; it is returned also when the training diverges (with a
// *DivergedTrainingError), so the caller can report the last valid epoch.
func (loop *Loop) Run(ds Dataset) (*Run, error) {
	m := loop.Handle.Model()
	if loop.Config.UseDecoder && !model.IsDecoder(m) {
		return nil, &model.InvalidConfigurationError{Architecture: m.Name(), Key: "use_decoder",
			Reason: "the model doesn't support the decoder-stepping protocol"}
	}
	run := &Run{
		ID:            uuid.NewString(),
		Model:         m.Name(),
		Dataset:       ds.Name(),
		OptimizerName: loop.Optimizer.Name(),
		Optimizer:     loop.Optimizer,
		StartedAt:     time.Now(),
	}
	loop.Current = run
	loop.LoopStep = 0
	loop.EndStep = -1
	if sized, ok := ds.(SizedDataset); ok {
		loop.EndStep = sized.NumBatches() * loop.Config.MaxEpochs
	}
	klog.V(1).Infof("train: run %s of %s on %q (use_decoder=%v, max_epochs=%d)",
		run.ID, m.Name(), ds.Name(), loop.Config.UseDecoder, loop.Config.MaxEpochs)

	loop.Optimizer.Reset(m.Context())
	err := loop.runEpochs(ds, run)
	loop.finalizeExecs()
	run.EndedAt = time.Now()
	if err != nil {
		var diverged *DivergedTrainingError
		if errors.As(err, &diverged) {
			run.Status = StatusDiverged
		} else {
			run.Status = StatusFailed
		}
	}
	if endErr := loop.end(run); err == nil {
		err = endErr
	}
	loop.Current = nil
	return run, err
}

func (loop *Loop) runEpochs(ds Dataset, run *Run) error {
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop, ds); err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStart(hook %q)", hook.name)
		}
	}
	ctx := loop.Handle.Model().Context()
	var bestParams *checkpoints.ParameterMapping
	early := loop.Config.EarlyStopping
	for epoch := 1; epoch <= loop.Config.MaxEpochs; epoch++ {
		loop.Epoch = epoch
		start := time.Now()
		stats, err := loop.trainEpoch(ds, epoch)
		if err != nil {
			return err
		}
		monitored := stats.TrainLoss
		if loop.Config.Validation != nil {
			stats.ValidationLoss, err = loop.Evaluate(loop.Config.Validation)
			if err != nil {
				return errors.WithMessagef(err, "epoch %d: validation", epoch)
			}
			if !isFinite(stats.ValidationLoss) {
				return &DivergedTrainingError{Epoch: epoch, Batch: -1, Loss: stats.ValidationLoss,
					LastValidEpoch: run.LastValidEpoch}
			}
			stats.HasValidation = true
			monitored = stats.ValidationLoss
		}

		improved := run.BestEpoch == 0 || monitored < run.BestLoss-minDelta(early)
		if improved {
			run.BestEpoch, run.BestLoss = epoch, monitored
			if early != nil && early.RestoreBest {
				bestParams = checkpoints.Parameters(ctx)
			}
		}
		stats.Improved = improved
		if loop.Config.CheckpointPolicy == EveryEpoch || (loop.Config.CheckpointPolicy == OnImprovement && improved) {
			stats.CheckpointID, err = loop.Handle.SaveModel(loop.Config.CheckpointDir, epoch)
			if err != nil {
				return errors.WithMessagef(err, "epoch %d: saving checkpoint", epoch)
			}
		}
		if loop.Config.HighLossThreshold > 0 && stats.TrainLoss > loop.Config.HighLossThreshold {
			klog.Warningf("train: high loss at epoch %d: %g", epoch, stats.TrainLoss)
		}
		stats.Duration = time.Since(start)
		run.Epochs = append(run.Epochs, stats)
		run.EpochCount = epoch
		run.LastValidEpoch = epoch
		klog.V(1).Infof("train: epoch %d: %s", epoch, stats)
		for hook := range loop.onEpoch.All() {
			if err := hook.fn(loop, stats); err != nil {
				return errors.WithMessagef(err, "train.Loop.OnEpoch(hook %q)", hook.name)
			}
		}

		if early != nil && early.Patience > 0 && epoch-run.BestEpoch >= early.Patience {
			run.Status = StatusStoppedEarly
			run.StoppedEarly = true
			klog.Infof("train: stopping early at epoch %d, no improvement since epoch %d (best loss %g)",
				epoch, run.BestEpoch, run.BestLoss)
			if bestParams != nil {
				if err := bestParams.LoadInto(ctx); err != nil {
					return errors.WithMessagef(err, "restoring the variables of epoch %d", run.BestEpoch)
				}
			}
			return nil
		}
	}
	run.Status = StatusCompleted
	return nil
}

func minDelta(early *EarlyStopping) float64 {
	if early == nil {
		return 0
	}
	return early.MinDelta
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// trainEpoch runs one epoch over ds, returning its stats.
func (loop *Loop) trainEpoch(ds Dataset, epoch int) (EpochStats, error) {
	stats := EpochStats{Epoch: epoch}
	ds.Reset()
	var total float64
	for batch := 0; ; batch++ {
		loop.Batch = batch
		history, target, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, errors.WithMessagef(err, "epoch %d: reading batch #%d of %q", epoch, batch, ds.Name())
		}
		batchLoss, err := loop.trainStep(batch, history, target)
		if err != nil {
			return stats, err
		}
		total += batchLoss
		stats.NumBatches++
		loop.LoopStep++
		for hook := range loop.onStep.All() {
			if err := hook.fn(loop, batchLoss); err != nil {
				return stats, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
			}
		}
	}
	if stats.NumBatches == 0 {
		return stats, errors.Errorf("epoch %d: dataset %q yielded no batches", epoch, ds.Name())
	}
	stats.TrainLoss = loop.reduce(total, stats.NumBatches)
	return stats, nil
}

func (loop *Loop) reduce(total float64, count int) float64 {
	if loop.Config.Reduction == Sum {
		return total
	}
	return total / float64(count)
}

// trainStep runs the forward pass of one batch, its loss, and the optimizer update. A non-finite loss aborts
// the run with the variables (model and optimizer state) unchanged.
func (loop *Loop) trainStep(batch int, history, target *tensors.Tensor) (float64, error) {
	if loop.trainExec == nil {
		exec, err := loop.newExec(true)
		if err != nil {
			return 0, err
		}
		loop.trainExec = exec
	}
	value, err := loop.runBatch(loop.trainExec, batch, history, target)
	if err != nil {
		return 0, errors.WithMessagef(err, "epoch %d", loop.Epoch)
	}
	if !isFinite(value) {
		run := loop.Current
		return value, &DivergedTrainingError{Epoch: loop.Epoch, Batch: batch, Loss: value,
			LastValidEpoch: run.LastValidEpoch}
	}
	return value, nil
}

// runBatch checks the shapes of the batch and executes exec over it, returning the loss.
func (loop *Loop) runBatch(exec *context.Exec, batch int, history, target *tensors.Tensor) (loss float64, err error) {
	m := loop.Handle.Model()
	if err = model.CheckInput(m, batch, history.Shape()); err != nil {
		return 0, err
	}
	labels, err := Labels(target)
	if err != nil {
		return 0, errors.WithMessagef(err, "batch #%d", batch)
	}
	args := []any{history, labels}
	if loop.Config.UseDecoder {
		args = append(args, target)
	}
	err = exceptions.TryCatch[error](func() {
		loss = scalarValue(exec.Call(args...)[0])
	})
	if err != nil {
		var mismatch *model.ShapeMismatchError
		if errors.As(err, &mismatch) {
			mismatch.Batch = batch
			return 0, mismatch
		}
		return 0, errors.WithMessagef(err, "batch #%d: running %s", batch, m.Name())
	}
	return loss, nil
}

// newExec creates the executor of a training step (if training) or of an evaluation step. Both take as
// inputs the history, the labels and, for decoders, the target; and return the loss.
func (loop *Loop) newExec(training bool) (*context.Exec, error) {
	b, err := model.Backend()
	if err != nil {
		return nil, err
	}
	m := loop.Handle.Model()
	mode := model.Greedy
	if training {
		mode = model.TeacherForcing
	}
	exec, err := context.NewExecAny(b, m.Context().Reuse(), func(ctx *context.Context, inputs []*Node) *Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, training)
		loss := loop.lossGraph(ctx, inputs, mode)
		if training {
			loop.Optimizer.UpdateGraph(ctx, g, loss)
			keepIfFinite(ctx, g, loss)
		}
		return loss
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "creating %s graph", m.Name())
	}
	return exec, nil
}

// lossGraph builds the forward pass, with the protocol selected by Config.UseDecoder, and its loss. It panics
// with a *model.ShapeMismatchError if the prediction and the labels have different shapes.
func (loop *Loop) lossGraph(ctx *context.Context, inputs []*Node, mode model.StepMode) *Node {
	m := loop.Handle.Model()
	history, labels := inputs[0], inputs[1]
	var prediction *Node
	if loop.Config.UseDecoder {
		prediction = m.(model.DecoderModel).ForwardWithTarget(ctx, history, inputs[2], mode)
	} else {
		prediction = m.Forward(ctx, history)
	}
	if !prediction.Shape().EqualDimensions(labels.Shape()) {
		panic(&model.ShapeMismatchError{Batch: -1, Expected: labels.Shape().Dimensions,
			Actual: prediction.Shape().Dimensions})
	}
	return loop.LossFn(labels, prediction)
}

// keepIfFinite makes every variable updated in g keep its original value if the loss is not finite.
func keepIfFinite(ctx *context.Context, g *Graph, loss *Node) {
	finite := IsFinite(loss)
	for v := range ctx.IterVariables() {
		if !v.ChangedInGraph(g) {
			continue
		}
		cond := finite
		if !v.Shape().IsScalar() {
			cond = BroadcastToDims(finite, v.Shape().Dimensions...)
		}
		v.SetValueGraph(Where(cond, v.ValueGraph(g), v.ParamNode(g)))
	}
}

// scalarValue returns the value of a float scalar tensor.
func scalarValue(t *tensors.Tensor) float64 {
	switch t.DType() {
	case dtypes.Float32:
		return float64(tensors.ToScalar[float32](t))
	case dtypes.Float64:
		return tensors.ToScalar[float64](t)
	default:
		exceptions.Panicf("loss must be a float32 or float64 scalar, got %s", t.Shape())
		return 0
	}
}

// Evaluate returns the loss of the model over ds, reduced with Config.Reduction, without updating any variable
// and with the model in evaluation mode (no dropout). Decoder models step greedily over their own predictions.
func (loop *Loop) Evaluate(ds Dataset) (float64, error) {
	if loop.evalExec == nil {
		exec, err := loop.newExec(false)
		if err != nil {
			return 0, err
		}
		loop.evalExec = exec
		if loop.Current == nil {
			defer loop.finalizeExecs()
		}
	}
	ds.Reset()
	var total float64
	count := 0
	for batch := 0; ; batch++ {
		history, target, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "reading batch #%d of %q", batch, ds.Name())
		}
		loss, err := loop.runBatch(loop.evalExec, batch, history, target)
		if err != nil {
			return 0, errors.WithMessagef(err, "evaluating %q", ds.Name())
		}
		total += loss
		count++
	}
	if count == 0 {
		return 0, errors.Errorf("dataset %q yielded no batches", ds.Name())
	}
	return loop.reduce(total, count), nil
}

func (loop *Loop) finalizeExecs() {
	for _, exec := range []**context.Exec{&loop.trainExec, &loop.evalExec} {
		if *exec != nil {
			(*exec).Finalize()
			*exec = nil
		}
	}
}

// end of loop: it calls the OnEnd hooks, all of them, returning the first error.
func (loop *Loop) end(run *Run) (firstErr error) {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, run); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "train.Loop.OnEnd(hook %q)", hook.name)
		}
	}
	return
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) called after each training batch.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name (for error reporting) called after each completed epoch.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
