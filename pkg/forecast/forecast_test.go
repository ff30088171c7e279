// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package forecast

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flowcast/flowcast/pkg/data"
	"github.com/flowcast/flowcast/pkg/forecast/models"
	"github.com/flowcast/flowcast/pkg/ml/context/checkpoints"
	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/flowcast/flowcast/pkg/ml/train"
	"github.com/flowcast/flowcast/pkg/support/sets"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multiAttnSpecJSON = `{
	"model_name": "MultiAttnHeadSimple",
	"model_params": {"number_time_series": 3, "seq_len": 20, "d_model": 16, "num_heads": 4},
	"dataset_params": {"forecast_history": 20, "class": "default", "forecast_length": 20,
		"relevant_cols": ["cfs", "temp", "precip"], "target_col": ["cfs"], "interpolate": false},
	"training_params": {"optimizer": "Adam", "lr": 0.1, "criterion": "MSE", "epochs": 1, "batch_size": 2,
		"optim_params": {}},
	"wandb": false,
	"inference_params": {"hours_to_forecast": 10}
}`

func parseSpec(t *testing.T, raw string) *ModelSpec {
	spec, err := ParseSpec([]byte(raw))
	require.NoError(t, err)
	return spec
}

func randomHistory(seed uint64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0))
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float32, size)
	for ii := range values {
		values[ii] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}

func TestParseSpec(t *testing.T) {
	spec := parseSpec(t, multiAttnSpecJSON)
	assert.Equal(t, "MultiAttnHeadSimple", spec.ModelName)
	assert.False(t, spec.UseDecoder)
	assert.EqualValues(t, 20, spec.ModelParams["seq_len"])
	assert.Equal(t, "Adam", spec.TrainingParams.Optimizer)
	assert.Equal(t, 0.1, spec.TrainingParams.LR)
	assert.Equal(t, 2, spec.TrainingParams.BatchSize)
	assert.Empty(t, spec.WeightPath)
	assert.Nil(t, spec.Seed)

	yamlSpec := parseSpec(t, `
model_name: SimpleTransformer
use_decoder: true
seed: 7
model_params:
  number_time_series: 3
  seq_length: 20
weight_path: model_save/SimpleTransformer_20240101-000000.000000
weight_path_add:
  exclude_layers: [final_layer]
  excluded_layers: [last_layer.dense.weights]
  strict: true
early_stopping:
  patience: 2
unknown_key: 1
`)
	assert.True(t, yamlSpec.UseDecoder)
	require.NotNil(t, yamlSpec.Seed)
	assert.Equal(t, uint64(7), *yamlSpec.Seed)
	assert.True(t, yamlSpec.WeightPathAdd.Strict)
	assert.Equal(t, sets.MakeWith("final_layer", "last_layer.dense.weights"), yamlSpec.WeightPathAdd.Excluded())
	assert.Equal(t, 2, yamlSpec.EarlyStopping.Patience)

	// Environment overrides.
	t.Setenv("FLOWCAST_TRAINING_PARAMS__LR", "0.5")
	t.Setenv("FLOWCAST_MODEL_NAME", "LSTM")
	spec = parseSpec(t, multiAttnSpecJSON)
	assert.Equal(t, 0.5, spec.TrainingParams.LR)
	assert.Equal(t, "LSTM", spec.ModelName)
}

func TestSpecValidation(t *testing.T) {
	_, err := ParseSpec([]byte(`{"model_params": {"seq_len": 3}}`))
	var configErr *models.InvalidConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "model_name", configErr.Key)

	_, err = ParseSpec([]byte(`{"model_name": "LSTM"}`))
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "model_params", configErr.Key)

	_, err = ParseSpec([]byte(`{"model_name": "LSTM", "model_params": {"seq_length": 3}, "early_stopping": {"patience": 0}}`))
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "early_stopping.patience", configErr.Key)

	_, err = ParseSpec([]byte(`{"model_name": [`))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(multiAttnSpecJSON), 0644))
	spec, err := LoadSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "MultiAttnHeadSimple", spec.ModelName)
	_, err = LoadSpec(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	spec := parseSpec(t, multiAttnSpecJSON)
	spec.ModelName = "Prophet"
	_, err := New(spec, nil, nil, nil)
	var unknown *models.UnknownArchitectureError
	require.ErrorAs(t, err, &unknown)

	spec = parseSpec(t, multiAttnSpecJSON)
	delete(spec.ModelParams, "seq_len")
	_, err = New(spec, nil, nil, nil)
	var configErr *models.InvalidConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "seq_len", configErr.Key)

	spec = parseSpec(t, multiAttnSpecJSON)
	spec.WeightPath = filepath.Join(t.TempDir(), "MultiAttnHeadSimple_20240101-000000.000000")
	_, err = New(spec, nil, nil, nil)
	var notFound *checkpoints.CheckpointNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.True(t, checkpoints.IsUnavailable(err))
}

func TestSaveAndResume(t *testing.T) {
	dir := t.TempDir()
	spec := parseSpec(t, multiAttnSpecJSON)
	f1, err := New(spec, nil, nil, nil, WithSeed(1))
	require.NoError(t, err)
	assert.Equal(t, Ready, f1.State())
	assert.Equal(t, []State{Constructed, Ready}, f1.Transitions())
	assert.Nil(t, f1.RestoreReport())
	id, err := f1.SaveModel(dir, 2)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "MultiAttnHeadSimple_"))

	// A fresh model with another seed differs.
	f2, err := New(spec, nil, nil, nil, WithSeed(2))
	require.NoError(t, err)
	input := randomHistory(3, 2, 20, 3)
	out1, err := f1.Predict(input)
	require.NoError(t, err)
	out2, err := f2.Predict(input)
	require.NoError(t, err)
	assert.False(t, out1.InDelta(out2, 1e-6))

	// Restored from the checkpoint it matches the saved model.
	resumeSpec := *spec
	resumeSpec.WeightPath = filepath.Join(dir, id)
	f3, err := New(&resumeSpec, nil, nil, nil, WithSeed(2))
	require.NoError(t, err)
	assert.Equal(t, []State{Constructed, Restored, Ready}, f3.Transitions())
	assert.Equal(t, id, f3.RestoredFrom())
	report := f3.RestoreReport()
	assert.Equal(t, checkpoints.Parameters(f1.Model().Context()).Len(), len(report.Applied))
	assert.Empty(t, report.SkippedShapeMismatch)
	out3, err := f3.Predict(input)
	require.NoError(t, err)
	assert.True(t, out1.Equal(out3))

	// Restoring is idempotent.
	f4, err := New(&resumeSpec, nil, nil, nil, WithSeed(3))
	require.NoError(t, err)
	assert.True(t, checkpoints.Parameters(f3.Model().Context()).Equal(checkpoints.Parameters(f4.Model().Context())))

	// The checkpoint is annotated with the spec.
	ckpt, err := checkpoints.LoadPath(filepath.Join(dir, id+checkpoints.JsonNameSuffix))
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Epoch)
	var savedSpec ModelSpec
	found, err := ckpt.Annotation(SpecAnnotation, &savedSpec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "MultiAttnHeadSimple", savedSpec.ModelName)
}

func TestTransferAcrossArchitectureChanges(t *testing.T) {
	dir := t.TempDir()
	spec := parseSpec(t, multiAttnSpecJSON)
	spec.ModelParams["output_seq_len"] = 5
	saved, err := New(spec, nil, nil, nil, WithSeed(1))
	require.NoError(t, err)
	id, err := saved.SaveModel(dir, 1)
	require.NoError(t, err)

	// The last layer has a different shape: lenient restore keeps its initialized value.
	transfer := parseSpec(t, multiAttnSpecJSON)
	transfer.ModelParams["output_seq_len"] = 6
	fresh, err := New(transfer, nil, nil, nil, WithSeed(9))
	require.NoError(t, err)
	transfer.WeightPath = filepath.Join(dir, id)
	f, err := New(transfer, nil, nil, nil, WithSeed(9))
	require.NoError(t, err)
	report := f.RestoreReport()
	assert.Equal(t, sets.MakeWith("last_layer.dense.weights", "last_layer.dense.biases"), report.SkippedShapeMismatch)
	assert.True(t, report.Applied.Has("multi_attn.MultiHeadAttention.query.dense.weights"))
	lastWeight, _ := checkpoints.Parameters(f.Model().Context()).Get("last_layer.dense.weights")
	freshWeight, _ := checkpoints.Parameters(fresh.Model().Context()).Get("last_layer.dense.weights")
	assert.True(t, lastWeight.Equal(freshWeight))
	out, err := f.Predict(randomHistory(1, 1, 20, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6}, out.Shape().Dimensions)

	// Excluding the last layer.
	transfer.ModelParams["output_seq_len"] = 7
	transfer.WeightPathAdd.ExcludedLayers = []string{"last_layer.dense.weights", "last_layer.dense.biases"}
	f, err = New(transfer, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, sets.MakeWith("last_layer.dense.weights", "last_layer.dense.biases"), f.RestoreReport().SkippedExcluded)
	assert.Empty(t, f.RestoreReport().SkippedShapeMismatch)
	out, err = f.Predict(randomHistory(1, 20, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{7}, out.Shape().Dimensions)

	// Strict restore fails naming the layer.
	transfer.WeightPathAdd = WeightPathAdd{Strict: true}
	_, err = New(transfer, nil, nil, nil)
	var mismatch *model.ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "last_layer.dense.biases", mismatch.Layer)
	assert.Equal(t, []int{7}, mismatch.Expected)
	assert.Equal(t, []int{5}, mismatch.Actual)

	// No last layer in the checkpoint at all.
	noLast := parseSpec(t, multiAttnSpecJSON)
	base, err := New(noLast, nil, nil, nil, WithSeed(1))
	require.NoError(t, err)
	id, err = base.SaveModel(dir, 1)
	require.NoError(t, err)
	noLast.ModelParams["output_seq_len"] = 6
	noLast.WeightPath = filepath.Join(dir, id)
	f, err = New(noLast, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, sets.MakeWith("last_layer.dense.weights", "last_layer.dense.biases"), f.RestoreReport().MissingInCheckpoint)
}

func TestPredictAndDecode(t *testing.T) {
	spec := parseSpec(t, multiAttnSpecJSON)
	f, err := New(spec, nil, nil, nil, WithSeed(1))
	require.NoError(t, err)
	_, err = f.Predict(randomHistory(1, 2, 10, 3))
	var mismatch *model.ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []int{2, 10, 3}, mismatch.Actual)

	_, err = f.Decode(randomHistory(1, 20, 3), randomHistory(2, 20, 3))
	var configErr *models.InvalidConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "use_decoder", configErr.Key)

	transformer := parseSpec(t, `{"model_name": "SimpleTransformer", "use_decoder": true,
		"model_params": {"number_time_series": 3, "seq_length": 8, "output_seq_len": 4, "d_model": 8, "n_heads": 2}}`)
	f, err = New(transformer, nil, nil, nil, WithSeed(1))
	require.NoError(t, err)
	out, err := f.Decode(randomHistory(1, 8, 3), randomHistory(2, 4, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{4}, out.Shape().Dimensions)
}

// sineHandle returns a handle over a sine wave with a cosine exogenous feature.
func sineHandle(t *testing.T, name string, numRows, history, horizon int) data.Handle {
	rows := make([][]float64, numRows)
	for ii := range rows {
		x := float64(ii) / 4
		rows[ii] = []float64{math.Sin(x), math.Cos(x)}
	}
	h, err := data.NewInMemory(name, []string{"y", "x"}, rows, nil, history, horizon)
	require.NoError(t, err)
	return h
}

func TestTrain(t *testing.T) {
	dir := t.TempDir()
	spec := parseSpec(t, fmt.Sprintf(`{
		"model_name": "SimpleLinearModel",
		"model_params": {"seq_length": 6, "n_time_series": 2, "output_seq_len": 2},
		"training_params": {"optimizer": "adam", "lr": 0.01, "criterion": "MSE", "epochs": 3, "batch_size": 4,
			"shuffle": true, "checkpoint_policy": "every_epoch", "model_save": %q},
		"seed": 11
	}`, dir))
	f, err := New(spec, sineHandle(t, "train", 40, 6, 2), sineHandle(t, "validation", 20, 6, 2),
		sineHandle(t, "test", 12, 6, 2))
	require.NoError(t, err)
	var epochs []int
	run, err := Train(f, WithLoopHook(func(loop *train.Loop) {
		loop.OnEpoch("record", 0, func(_ *train.Loop, stats train.EpochStats) error {
			epochs = append(epochs, stats.Epoch)
			return nil
		})
	}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, epochs)
	assert.Equal(t, train.StatusCompleted, run.Status)
	assert.Equal(t, "adam", run.OptimizerName)
	require.NotNil(t, run.TestLoss)
	assert.False(t, math.IsNaN(*run.TestLoss))
	assert.Same(t, run, f.LastRun())
	for _, stats := range run.Epochs {
		assert.True(t, stats.HasValidation)
		assert.NotEmpty(t, stats.CheckpointID)
	}

	// 3 epoch checkpoints plus the final one, annotated with the run.
	store, err := checkpoints.Build().Dir(dir).Done()
	require.NoError(t, err)
	ids, err := store.List()
	require.NoError(t, err)
	assert.Len(t, ids, 4)
	final, err := store.Latest()
	require.NoError(t, err)
	assert.Equal(t, 3, final.Epoch)
	var savedRun train.Run
	found, err := final.Annotation(RunAnnotation, &savedRun)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, run.ID, savedRun.ID)
	assert.Equal(t, train.StatusCompleted, savedRun.Status)
	assert.Len(t, savedRun.Epochs, 3)

	// Same seed, same losses.
	f2, err := New(spec, sineHandle(t, "train", 40, 6, 2), sineHandle(t, "validation", 20, 6, 2), nil)
	require.NoError(t, err)
	spec2 := f2.Spec()
	assert.Equal(t, spec.ModelName, spec2.ModelName)
	run2, err := Train(f2)
	require.NoError(t, err)
	for ii := range run.Epochs {
		assert.Equal(t, run.Epochs[ii].TrainLoss, run2.Epochs[ii].TrainLoss)
	}
	assert.Nil(t, run2.TestLoss)
}

func TestTrainAnnotatesEpochCheckpoints(t *testing.T) {
	dir := t.TempDir()
	spec := parseSpec(t, fmt.Sprintf(`{
		"model_name": "DummyTorchModel",
		"model_params": {"forecast_length": 2},
		"training_params": {"optimizer": "sgd", "lr": 0.01, "epochs": 2, "batch_size": 4,
			"checkpoint_policy": "every_epoch", "model_save": %q},
		"seed": 3
	}`, dir))
	f, err := New(spec, sineHandle(t, "train", 20, 4, 2), nil, nil)
	require.NoError(t, err)
	first, err := Train(f)
	require.NoError(t, err)
	second, err := Train(f)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// Every epoch checkpoint is annotated with the run that saved it, not the previous one.
	for _, run := range []*train.Run{first, second} {
		require.Len(t, run.Epochs, 2)
		for _, stats := range run.Epochs {
			ckpt, err := checkpoints.LoadPath(filepath.Join(dir, stats.CheckpointID+checkpoints.JsonNameSuffix))
			require.NoError(t, err)
			var savedRun train.Run
			found, err := ckpt.Annotation(RunAnnotation, &savedRun)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, run.ID, savedRun.ID, "checkpoint %s of epoch %d", stats.CheckpointID, stats.Epoch)
		}
	}
}

func TestTrainConfigurationErrors(t *testing.T) {
	spec := parseSpec(t, `{"model_name": "DummyTorchModel", "model_params": {"forecast_length": 3},
		"training_params": {"optimizer": "rmsprop"}}`)
	f, err := New(spec, sineHandle(t, "train", 10, 3, 3), nil, nil)
	require.NoError(t, err)
	_, err = Train(f)
	var configErr *models.InvalidConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "training_params.optimizer", configErr.Key)

	spec.TrainingParams.Optimizer = "sgd"
	spec.UseDecoder = true
	f, err = New(spec, sineHandle(t, "train", 10, 3, 3), nil, nil)
	require.NoError(t, err)
	_, err = Train(f)
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "use_decoder", configErr.Key)

	f, err = New(spec, nil, nil, nil)
	require.NoError(t, err)
	_, err = Train(f)
	require.Error(t, err)
}
