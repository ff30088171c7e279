// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math"
	"os"
	"testing"

	"github.com/flowcast/flowcast/pkg/ml/context/checkpoints"
	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/flowcast/flowcast/pkg/ml/train/losses"
	"github.com/flowcast/flowcast/pkg/ml/train/optimizers"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	stubHistory  = 3
	stubFeatures = 2
	stubHorizon  = 2
)

// stubModel flattens the history and applies one dense layer, recording how many graphs were built with it.
type stubModel struct {
	ctx *context.Context

	// scale multiplies the prediction: 0 makes the prediction constant.
	scale float64

	directCalls, decoderCalls int
	modes                     []model.StepMode
}

func newStubModel(t *testing.T, scale float64) *stubModel {
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	m := &stubModel{ctx: ctx, scale: scale}
	require.NoError(t, model.Initialize(m))
	m.directCalls = 0
	return m
}

func (m *stubModel) Name() string              { return "stub" }
func (m *stubModel) Context() *context.Context { return m.ctx }
func (m *stubModel) InputDimensions() []int    { return []int{stubHistory, stubFeatures} }

func (m *stubModel) forward(ctx *context.Context, history *Node) *Node {
	batchSize := history.Shape().Dim(0)
	flat := Reshape(history, batchSize, stubHistory*stubFeatures)
	return MulScalar(layers.Dense(ctx.In("out"), flat, true, stubHorizon), m.scale)
}

func (m *stubModel) Forward(ctx *context.Context, history *Node) *Node {
	m.directCalls++
	return m.forward(ctx, history)
}

type decoderStubModel struct {
	*stubModel
}

func (m *decoderStubModel) ForwardWithTarget(ctx *context.Context, history, target *Node, mode model.StepMode) *Node {
	m.decoderCalls++
	m.modes = append(m.modes, mode)
	if target == nil {
		panic(errors.New("decoder called without target"))
	}
	return m.forward(ctx, history)
}

// testHandle saves checkpoints of the model into the given destination.
type testHandle struct {
	m     model.Model
	saved []int
}

func (h *testHandle) Model() model.Model { return h.m }

func (h *testHandle) SaveModel(destination string, epoch int) (string, error) {
	store, err := checkpoints.Build().Dir(destination).ModelID(h.m.Name()).Done()
	if err != nil {
		return "", err
	}
	h.saved = append(h.saved, epoch)
	return store.Save(checkpoints.Parameters(h.m.Context()), epoch)
}

func batchOf(batchSize int, value float64) (history, target *tensors.Tensor) {
	return historyOf(batchSize, value, -1), filled(value, batchSize, stubHorizon, stubFeatures)
}

// historyOf returns a history batch, with a NaN at position nanAt of the flat values if nanAt >= 0.
func historyOf(batchSize int, value float64, nanAt int) *tensors.Tensor {
	hist := make([]float32, batchSize*stubHistory*stubFeatures)
	for ii := range hist {
		hist[ii] = float32(value + float64(ii%5)*0.1)
	}
	if nanAt >= 0 {
		hist[nanAt] = float32(math.NaN())
	}
	return tensors.FromFlatDataAndDimensions(hist, batchSize, stubHistory, stubFeatures)
}

func filled(value float64, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(value)
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

// scriptedDataset yields a different list of batches at each Reset, repeating the last list once exhausted.
type scriptedDataset struct {
	name               string
	histories, targets [][]*tensors.Tensor
	epoch, next        int
}

func newScriptedDataset(name string) *scriptedDataset {
	return &scriptedDataset{name: name, epoch: -1}
}

func (ds *scriptedDataset) add(histories, targets []*tensors.Tensor) *scriptedDataset {
	ds.histories = append(ds.histories, histories)
	ds.targets = append(ds.targets, targets)
	return ds
}

func (ds *scriptedDataset) Name() string { return ds.name }

func (ds *scriptedDataset) Reset() {
	if ds.epoch < len(ds.histories)-1 {
		ds.epoch++
	}
	ds.next = 0
}

func (ds *scriptedDataset) Yield() (history, target *tensors.Tensor, err error) {
	epoch := max(ds.epoch, 0)
	if ds.next >= len(ds.histories[epoch]) {
		return nil, nil, io.EOF
	}
	history, target = ds.histories[epoch][ds.next], ds.targets[epoch][ds.next]
	ds.next++
	return
}

func fixedDataset(t *testing.T, numBatches int) *InMemoryDataset {
	var histories, targets []*tensors.Tensor
	for ii := range numBatches {
		h, tgt := batchOf(4, 0.5+float64(ii))
		histories = append(histories, h)
		targets = append(targets, tgt)
	}
	ds, err := NewInMemoryDataset("fixed", histories, targets)
	require.NoError(t, err)
	return ds
}

func newTestLoop(t *testing.T, m model.Model, cfg Config) (*Loop, *testHandle) {
	handle := &testHandle{m: m}
	sgd, err := optimizers.ByName("sgd", 0.01, optimizers.OptimParams{})
	require.NoError(t, err)
	return NewLoop(handle, sgd, losses.MeanSquaredError, cfg), handle
}

// allFinite returns whether all the values of the float variables of ctx are finite.
func allFinite(ctx *context.Context) bool {
	for v := range ctx.IterVariables() {
		if v.DType() != dtypes.Float32 {
			continue
		}
		for _, value := range tensors.CopyFlatData[float32](v.Value()) {
			if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
				return false
			}
		}
	}
	return true
}

func TestModeDispatch(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		stub := newStubModel(t, 1)
		loop, _ := newTestLoop(t, stub, Config{MaxEpochs: 2})
		run, err := loop.Run(fixedDataset(t, 3))
		require.NoError(t, err)
		// One training graph, reused by all batches of the same shape.
		assert.Equal(t, 1, stub.directCalls)
		assert.Equal(t, 0, stub.decoderCalls)
		assert.Equal(t, StatusCompleted, run.Status)
		assert.Equal(t, 2, run.EpochCount)
	})

	t.Run("decoder", func(t *testing.T) {
		stub := &decoderStubModel{newStubModel(t, 1)}
		loop, _ := newTestLoop(t, stub, Config{MaxEpochs: 2, UseDecoder: true, Validation: fixedDataset(t, 1)})
		run, err := loop.Run(fixedDataset(t, 3))
		require.NoError(t, err)
		assert.Equal(t, 0, stub.directCalls)
		// The training graph uses teacher forcing, and the validation graph steps greedily.
		assert.Equal(t, 2, stub.decoderCalls)
		assert.Equal(t, []model.StepMode{model.TeacherForcing, model.Greedy}, stub.modes)
		assert.True(t, run.Epochs[1].HasValidation)
	})

	t.Run("decoder model used directly", func(t *testing.T) {
		stub := &decoderStubModel{newStubModel(t, 1)}
		loop, _ := newTestLoop(t, stub, Config{MaxEpochs: 1})
		_, err := loop.Run(fixedDataset(t, 2))
		require.NoError(t, err)
		assert.Equal(t, 1, stub.directCalls)
		assert.Equal(t, 0, stub.decoderCalls)
	})

	t.Run("use_decoder without decoder", func(t *testing.T) {
		stub := newStubModel(t, 1)
		loop, _ := newTestLoop(t, stub, Config{UseDecoder: true})
		_, err := loop.Run(fixedDataset(t, 2))
		var configErr *model.InvalidConfigurationError
		require.ErrorAs(t, err, &configErr)
		assert.Equal(t, "use_decoder", configErr.Key)
		assert.Equal(t, 0, stub.directCalls)
	})
}

func TestTrainingReducesLoss(t *testing.T) {
	stub := newStubModel(t, 1)
	loop, _ := newTestLoop(t, stub, Config{MaxEpochs: 20})
	run, err := loop.Run(fixedDataset(t, 2))
	require.NoError(t, err)
	require.Len(t, run.Epochs, 20)
	assert.Less(t, run.Epochs[19].TrainLoss, run.Epochs[0].TrainLoss)
	assert.Equal(t, "sgd", run.OptimizerName)
	assert.NotEmpty(t, run.ID)
	final, ok := run.FinalLoss()
	assert.True(t, ok)
	assert.Equal(t, run.Epochs[19].TrainLoss, final)
}

func TestReduction(t *testing.T) {
	// With a constant zero prediction the batch losses are the mean of the squared targets: 0.25 and 2.25.
	meanLoop, _ := newTestLoop(t, newStubModel(t, 0), Config{})
	run, err := meanLoop.Run(fixedDataset(t, 2))
	require.NoError(t, err)
	assert.InDelta(t, 1.25, run.Epochs[0].TrainLoss, 1e-6)

	sumLoop, _ := newTestLoop(t, newStubModel(t, 0), Config{Reduction: Sum})
	run, err = sumLoop.Run(fixedDataset(t, 2))
	require.NoError(t, err)
	assert.InDelta(t, 2.5, run.Epochs[0].TrainLoss, 1e-6)

	loss, err := sumLoop.Evaluate(fixedDataset(t, 2))
	require.NoError(t, err)
	assert.InDelta(t, 2.5, loss, 1e-6)
}

func TestDivergence(t *testing.T) {
	dir := t.TempDir()
	good0, goodTarget0 := batchOf(4, 0.5)
	good1, goodTarget1 := batchOf(4, 1.5)
	_, nanTarget := batchOf(4, 1.0)
	nanHistory := historyOf(4, 1.0, 0)
	ds := newScriptedDataset("nan").
		add([]*tensors.Tensor{good0, good1}, []*tensors.Tensor{goodTarget0, goodTarget1}).
		add([]*tensors.Tensor{good0, nanHistory}, []*tensors.Tensor{goodTarget0, nanTarget})

	stub := newStubModel(t, 1)
	loop, handle := newTestLoop(t, stub, Config{MaxEpochs: 5, CheckpointDir: dir, CheckpointPolicy: EveryEpoch})
	var lastParams *checkpoints.ParameterMapping
	loop.OnStep("snapshot", 0, func(_ *Loop, _ float64) error {
		lastParams = checkpoints.Parameters(stub.ctx)
		return nil
	})
	var endCalled bool
	loop.OnEnd("end", 0, func(_ *Loop, run *Run) error {
		endCalled = true
		assert.Equal(t, StatusDiverged, run.Status)
		return nil
	})

	run, err := loop.Run(ds)
	require.Error(t, err)
	var diverged *DivergedTrainingError
	require.ErrorAs(t, err, &diverged)
	assert.Equal(t, 2, diverged.Epoch)
	assert.Equal(t, 1, diverged.Batch)
	assert.Equal(t, 1, diverged.LastValidEpoch)
	assert.True(t, math.IsNaN(diverged.Loss))
	assert.Contains(t, err.Error(), "epoch 2, batch #1")
	assert.True(t, endCalled)

	require.NotNil(t, run)
	assert.Equal(t, StatusDiverged, run.Status)
	assert.Equal(t, 1, run.EpochCount)
	assert.False(t, run.StoppedEarly)

	// Only the checkpoint of epoch 1 exists: nothing was saved during the diverging epoch.
	assert.Equal(t, []int{1}, handle.saved)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2) // .json and .bin
	store, err := checkpoints.Build().Dir(dir).Done()
	require.NoError(t, err)
	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Epoch)

	// The diverging batch didn't change the variables: they are those after the last good batch.
	assert.True(t, allFinite(stub.ctx))
	require.NotNil(t, lastParams)
	assert.True(t, lastParams.Equal(checkpoints.Parameters(stub.ctx)))
}

// validationWithLosses returns a dataset that, for a model predicting constant zero under MSE, evaluates to
// each of the given losses on successive resets.
func validationWithLosses(losses ...float64) *scriptedDataset {
	ds := newScriptedDataset("validation")
	for _, loss := range losses {
		history, target := batchOf(2, math.Sqrt(loss))
		ds.add([]*tensors.Tensor{history}, []*tensors.Tensor{target})
	}
	return ds
}

func TestEarlyStopping(t *testing.T) {
	dir := t.TempDir()
	stub := newStubModel(t, 0)
	loop, handle := newTestLoop(t, stub, Config{
		MaxEpochs:        10,
		Validation:       validationWithLosses(5, 4, 3, 3.5, 3.2, 3.1, 1, 1, 1, 1),
		EarlyStopping:    &EarlyStopping{Patience: 2},
		CheckpointDir:    dir,
		CheckpointPolicy: OnImprovement,
	})
	var epochsSeen []int
	loop.OnEpoch("record", 0, func(_ *Loop, stats EpochStats) error {
		epochsSeen = append(epochsSeen, stats.Epoch)
		return nil
	})
	run, err := loop.Run(fixedDataset(t, 2))
	require.NoError(t, err)
	assert.Equal(t, StatusStoppedEarly, run.Status)
	assert.True(t, run.StoppedEarly)
	assert.Equal(t, 5, run.EpochCount)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, epochsSeen)
	assert.Equal(t, 3, run.BestEpoch)
	assert.InDelta(t, 3.0, run.BestLoss, 1e-5)
	assert.Equal(t, []int{1, 2, 3}, handle.saved)
	assert.True(t, run.Epochs[2].Improved)
	assert.False(t, run.Epochs[3].Improved)
	assert.InDelta(t, 3.5, run.Epochs[3].ValidationLoss, 1e-5)

	text, err := run.Status.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "stopped_early", string(text))
}

func TestEarlyStoppingMinDelta(t *testing.T) {
	// Improvements smaller than MinDelta don't count.
	loop, _ := newTestLoop(t, newStubModel(t, 0), Config{
		MaxEpochs:     10,
		Validation:    validationWithLosses(5, 4.95, 4.93, 4.91),
		EarlyStopping: &EarlyStopping{Patience: 2, MinDelta: 0.1},
	})
	run, err := loop.Run(fixedDataset(t, 1))
	require.NoError(t, err)
	assert.True(t, run.StoppedEarly)
	assert.Equal(t, 3, run.EpochCount)
	assert.Equal(t, 1, run.BestEpoch)
}

func TestEarlyStoppingRestoreBest(t *testing.T) {
	// Validation histories are zero, so the prediction is the bias: a far away target on the second
	// evaluation makes epoch 2 worse than epoch 1.
	zeros := filled(0, 2, stubHistory, stubFeatures)
	near := filled(0, 2, stubHorizon)
	far := filled(100, 2, stubHorizon)
	validation := newScriptedDataset("validation").
		add([]*tensors.Tensor{zeros}, []*tensors.Tensor{near}).
		add([]*tensors.Tensor{zeros}, []*tensors.Tensor{far})

	stub := newStubModel(t, 1)
	loop, _ := newTestLoop(t, stub, Config{
		MaxEpochs:     10,
		Validation:    validation,
		EarlyStopping: &EarlyStopping{Patience: 1, RestoreBest: true},
	})
	var snapshots []*checkpoints.ParameterMapping
	loop.OnEpoch("snapshot", 0, func(_ *Loop, _ EpochStats) error {
		snapshots = append(snapshots, checkpoints.Parameters(stub.ctx))
		return nil
	})
	run, err := loop.Run(fixedDataset(t, 2))
	require.NoError(t, err)
	require.True(t, run.StoppedEarly)
	assert.Equal(t, 2, run.EpochCount)
	assert.Equal(t, 1, run.BestEpoch)
	require.Len(t, snapshots, 2)
	assert.False(t, snapshots[0].Equal(snapshots[1]))
	assert.True(t, snapshots[0].Equal(checkpoints.Parameters(stub.ctx)))
}

func TestShapeMismatch(t *testing.T) {
	stub := newStubModel(t, 1)
	loop, _ := newTestLoop(t, stub, Config{})
	good, goodTarget := batchOf(2, 1)
	bad := filled(0, 2, 4, stubFeatures)
	ds, err := NewInMemoryDataset("bad", []*tensors.Tensor{good, bad}, []*tensors.Tensor{goodTarget, goodTarget})
	require.NoError(t, err)
	run, err := loop.Run(ds)
	var mismatch *model.ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Batch)
	assert.Equal(t, []int{-1, stubHistory, stubFeatures}, mismatch.Expected)
	assert.Equal(t, []int{2, 4, stubFeatures}, mismatch.Actual)
	assert.Equal(t, StatusFailed, run.Status)

	// Labels disagreeing with the prediction.
	longTarget := filled(0, 2, 5)
	ds, err = NewInMemoryDataset("bad-target", []*tensors.Tensor{good}, []*tensors.Tensor{longTarget})
	require.NoError(t, err)
	_, err = loop.Run(ds)
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 0, mismatch.Batch)
	assert.Equal(t, []int{2, 5}, mismatch.Expected)
	assert.Equal(t, []int{2, stubHorizon}, mismatch.Actual)
}

func TestHooksOrder(t *testing.T) {
	loop, _ := newTestLoop(t, newStubModel(t, 1), Config{MaxEpochs: 2})
	var calls []string
	loop.OnStart("second", 1, func(_ *Loop, _ Dataset) error { calls = append(calls, "start:second"); return nil })
	loop.OnStart("first", -1, func(_ *Loop, _ Dataset) error { calls = append(calls, "start:first"); return nil })
	loop.OnStep("step", 0, func(_ *Loop, _ float64) error { calls = append(calls, "step"); return nil })
	loop.OnEpoch("epoch", 0, func(_ *Loop, _ EpochStats) error { calls = append(calls, "epoch"); return nil })
	loop.OnEnd("end", 0, func(_ *Loop, _ *Run) error { calls = append(calls, "end"); return nil })
	_, err := loop.Run(fixedDataset(t, 2))
	require.NoError(t, err)
	assert.Equal(t, []string{"start:first", "start:second", "step", "step", "epoch", "step", "step", "epoch", "end"},
		calls)
	assert.Equal(t, 4, loop.EndStep)
	assert.Equal(t, 4, loop.LoopStep)

	loop.OnStep("failing", 0, func(_ *Loop, _ float64) error { return errors.New("boom") })
	_, err = loop.Run(fixedDataset(t, 2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `OnStep(hook "failing")`)
}

func TestLabels(t *testing.T) {
	target := tensors.FromFlatDataAndDimensions([]float64{1, 10, 2, 20, 3, 30, 4, 40}, 2, 2, 2)
	labels, err := Labels(target)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, labels.Shape().Dimensions)
	assert.Equal(t, []float64{1, 2, 3, 4}, tensors.CopyFlatData[float64](labels))

	labels, err = Labels(filled(3, 2, 4, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3, 3, 3, 3, 3, 3, 3}, tensors.CopyFlatData[float32](labels))

	_, err = Labels(tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2))
	require.Error(t, err)
}
