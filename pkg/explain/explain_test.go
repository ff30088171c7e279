// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package explain

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowcast/flowcast/pkg/data"
	"github.com/flowcast/flowcast/pkg/forecast"
	"github.com/flowcast/flowcast/pkg/forecast/models"
	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(seed uint64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0))
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float64, size)
	for ii := range values {
		values[ii] = rng.NormFloat64()
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}

func dummyModel(t *testing.T, forecastLength int) model.Model {
	m, err := models.Construct("DummyTorchModel", map[string]any{"forecast_length": forecastLength}, models.WithSeed(1))
	require.NoError(t, err)
	return m
}

func TestAttributionsLinear(t *testing.T) {
	m := dummyModel(t, 3)
	background := randomTensor(1, 8, 3, 2)
	inputs := randomTensor(2, 4, 3, 2)
	r, err := Attributions(m, background, inputs, []string{"cfs", "temp"})
	require.NoError(t, err)
	assert.Equal(t, 3, r.NumSteps)
	assert.Equal(t, 4, r.NumSamples)
	assert.Equal(t, 3, r.HistoryLength)

	// Only the target column is used by the model.
	importance := r.Importance()
	assert.Greater(t, importance[0], 0.0)
	assert.Equal(t, 0.0, importance[1])
	ranking := Ranking(r.Features, importance)
	assert.Equal(t, "cfs", ranking[0].Feature)
	assert.Equal(t, "temp", ranking[1].Feature)

	// For a linear model the attributions sum up to the difference from the prediction of the baseline.
	baseline, err := backgroundMean(background)
	require.NoError(t, err)
	baselineInput := tensors.FromFlatDataAndDimensions(baseline, 1, 3, 2)
	br, err := Attributions(m, background, baselineInput, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"feature_0", "feature_1"}, br.Features)
	for step := range r.NumSteps {
		for n := range r.NumSamples {
			var sum float64
			for _, row := range r.Values[step][n] {
				for _, v := range row {
					sum += v
				}
			}
			assert.InDelta(t, r.Predictions[n][step]-br.Predictions[0][step], sum, 1e-4)
		}
		// The baseline itself has zero attributions.
		for _, v := range br.StepImportance(step) {
			assert.InDelta(t, 0.0, v, 1e-12)
		}
	}
	sample := r.SampleAttributions(0)
	require.Len(t, sample, 3)
	assert.Equal(t, 0.0, sample[1][1])
}

func TestAttributionsErrors(t *testing.T) {
	m := dummyModel(t, 3)
	_, err := Attributions(m, randomTensor(1, 8, 3, 2), randomTensor(2, 4, 5, 2), nil)
	var mismatch *model.ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)

	_, err = Attributions(m, randomTensor(1, 8, 3, 1), randomTensor(2, 4, 3, 2), nil)
	require.Error(t, err)

	_, err = Attributions(m, randomTensor(1, 8, 3, 2), randomTensor(2, 4, 3, 2), []string{"cfs"})
	require.Error(t, err)

	ints := tensors.FromFlatDataAndDimensions(make([]int32, 4*3*2), 4, 3, 2)
	_, err = Attributions(m, randomTensor(1, 8, 3, 2), ints, nil)
	require.Error(t, err)
}

func TestRanking(t *testing.T) {
	ranking := Ranking([]string{"a", "b", "c", "d"}, []float64{0.5, 2, 0.5, 1})
	assert.Equal(t, []FeatureScore{{"b", 2}, {"d", 1}, {"a", 0.5}, {"c", 0.5}}, ranking)
	assert.Equal(t, "b=2", ranking[0].String())
}

func TestSummaryPlots(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	numRows := 30
	rows := make([][]float64, numRows)
	times := make([]time.Time, numRows)
	for ii := range rows {
		x := float64(ii) / 3
		rows[ii] = []float64{math.Sin(x), math.Cos(x), float64(ii % 2)}
		times[ii] = start.Add(time.Duration(ii) * time.Hour)
	}
	handle, err := data.NewInMemory("river", []string{"cfs", "temp", "precip"}, rows, times, 4, 4)
	require.NoError(t, err)
	spec, err := forecast.ParseSpec([]byte(`{"model_name": "DummyTorchModel", "model_params": {"forecast_length": 4}}`))
	require.NoError(t, err)
	f, err := forecast.New(spec, handle, nil, nil, forecast.WithSeed(1))
	require.NoError(t, err)

	outDir := filepath.Join(t.TempDir(), "plots")
	forecastStart := start.Add(10 * time.Hour)
	summary, err := SummaryPlots(f, forecastStart, outDir)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.ForecastRow)
	assert.Equal(t, "cfs", summary.Ranking[0].Feature)
	assert.Equal(t, 1, summary.Prediction.NumSamples)
	assert.Equal(t, 4, summary.Overall.NumSteps)
	require.Len(t, summary.Files, 3)
	assert.Equal(t, filepath.Join(outDir, "prediction_20240101-100000.png"), summary.Files[2])
	for _, path := range summary.Files {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	_, err = SummaryPlots(f, start.Add(-time.Hour), outDir)
	require.Error(t, err)

	noData, err := forecast.New(spec, nil, nil, nil)
	require.NoError(t, err)
	_, err = SummaryPlots(noData, forecastStart, outDir)
	require.Error(t, err)
}
