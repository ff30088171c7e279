// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package explain computes feature attributions of forecasting models and plots them.
//
// Attributions are "gradient × input" relative to a background: for every forecast step s, sample n, history
// step h and feature f, the attribution is
//
//	∂output[n, s] / ∂input[n, h, f] × (input[n, h, f] - mean(background[:, h, f]))
//
// computed in evaluation mode (no dropout).
package explain

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Result of Attributions.
type Result struct {
	// Features names, one per input feature.
	Features []string

	// NumSamples, HistoryLength and NumSteps (forecast steps) of the explained inputs.
	NumSamples, HistoryLength, NumSteps int

	// Values of the attributions, indexed [step][sample][history step][feature].
	Values [][][][]float64

	// Predictions of the model for the inputs, indexed [sample][step].
	Predictions [][]float64
}

// Attributions explains the predictions of m for inputs, shaped [numSamples, historyLength, numFeatures],
// against the mean of background, shaped [numBackground, historyLength, numFeatures]. Both can be float32
// or float64.
//
// features names the input features; if nil they are named "feature_<i>".
func Attributions(m model.Model, background, inputs *tensors.Tensor, features []string) (*Result, error) {
	if err := model.CheckInput(m, -1, inputs.Shape()); err != nil {
		return nil, err
	}
	if err := model.CheckInput(m, -1, background.Shape()); err != nil {
		return nil, err
	}
	dims := inputs.Shape().Dimensions
	if background.Shape().Dimensions[1] != dims[1] || background.Shape().Dimensions[2] != dims[2] {
		return nil, errors.Errorf("background shaped %v doesn't match inputs shaped %v",
			background.Shape().Dimensions, dims)
	}
	numSamples, historyLength, numFeatures := dims[0], dims[1], dims[2]
	if features == nil {
		for ii := range numFeatures {
			features = append(features, fmt.Sprintf("feature_%d", ii))
		}
	} else if len(features) != numFeatures {
		return nil, errors.Errorf("%d feature names given for %d features", len(features), numFeatures)
	}
	inputValues, err := flatValues(inputs)
	if err != nil {
		return nil, err
	}
	baseline, err := backgroundMean(background)
	if err != nil {
		return nil, err
	}
	r := &Result{
		Features:      slices.Clone(features),
		NumSamples:    numSamples,
		HistoryLength: historyLength,
	}

	// A single graph returns the predictions followed by the gradient of each forecast step.
	outputs, err := gradients(m, fromFloat64(inputValues, dims...))
	if err != nil {
		return nil, errors.WithMessagef(err, "computing gradients of %s", m.Name())
	}
	predictions, err := flatValues(outputs[0])
	if err != nil {
		return nil, err
	}
	r.NumSteps = len(outputs) - 1
	r.Predictions = make([][]float64, numSamples)
	for n := range numSamples {
		r.Predictions[n] = predictions[n*r.NumSteps : (n+1)*r.NumSteps]
	}

	r.Values = make([][][][]float64, r.NumSteps)
	for step := range r.NumSteps {
		grad, err := flatValues(outputs[step+1])
		if err != nil {
			return nil, err
		}
		stepValues := make([][][]float64, numSamples)
		for n := range numSamples {
			stepValues[n] = make([][]float64, historyLength)
			for h := range historyLength {
				row := make([]float64, numFeatures)
				for f := range numFeatures {
					idx := (n*historyLength+h)*numFeatures + f
					row[f] = grad[idx] * (inputValues[idx] - baseline[h*numFeatures+f])
				}
				stepValues[n][h] = row
			}
		}
		r.Values[step] = stepValues
	}
	klog.V(1).Infof("explain: %s attributions for %d samples and %d steps", m.Name(), numSamples, r.NumSteps)
	return r, nil
}

// gradients runs m in evaluation mode on inputs, and returns its output reshaped to [numSamples, numSteps],
// followed by the gradient of each step (summed over the samples) with respect to inputs.
func gradients(m model.Model, inputs *tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	backend, err := model.Backend()
	if err != nil {
		return nil, err
	}
	numSamples := inputs.Shape().Dim(0)
	exec, err := context.NewExecAny(backend, m.Context().Reuse(), func(ctx *context.Context, x *Node) []*Node {
		ctx.SetTraining(x.Graph(), false)
		output := flatOutput(m.Forward(ctx, x), numSamples)
		results := []*Node{output}
		for step := range output.Shape().Dim(1) {
			stepSum := ReduceAllSum(SliceAxis(output, 1, AxisElem(step)))
			results = append(results, Gradient(stepSum, x)[0])
		}
		return results
	})
	if err != nil {
		return nil, err
	}
	defer exec.Finalize()
	err = exceptions.TryCatch[error](func() {
		outputs = exec.Call(inputs)
	})
	return
}

// flatOutput reshapes the model output to [numSamples, numSteps].
func flatOutput(output *Node, numSamples int) *Node {
	if output.Rank() == 2 {
		return output
	}
	return Reshape(output, numSamples, output.Shape().Size()/numSamples)
}

// flatValues returns the values of a float32 or float64 tensor as float64.
func flatValues(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t), nil
	case dtypes.Float32:
		values := tensors.CopyFlatData[float32](t)
		out := make([]float64, len(values))
		for ii, v := range values {
			out[ii] = float64(v)
		}
		return out, nil
	}
	return nil, errors.Errorf("attributions need float32 or float64 values, got %s", t.DType())
}

// fromFloat64 returns a tensor of the model dtype.
func fromFloat64(values []float64, dims ...int) *tensors.Tensor {
	converted := make([]float32, len(values))
	for ii, v := range values {
		converted[ii] = float32(v)
	}
	return tensors.FromFlatDataAndDimensions(converted, dims...)
}

// backgroundMean returns the mean of background over its first axis, flat as [historyLength*numFeatures].
func backgroundMean(background *tensors.Tensor) ([]float64, error) {
	dims := background.Shape().Dimensions
	numBackground, size := dims[0], dims[1]*dims[2]
	values, err := flatValues(background)
	if err != nil {
		return nil, err
	}
	mean := make([]float64, size)
	column := make([]float64, numBackground)
	for ii := range size {
		for b := range numBackground {
			column[b] = values[b*size+ii]
		}
		mean[ii] = stat.Mean(column, nil)
	}
	return mean, nil
}

// StepImportance returns the importance of each feature for the forecast step: the mean over samples of the
// absolute value of the attributions summed over the history.
func (r *Result) StepImportance(step int) []float64 {
	importance := make([]float64, len(r.Features))
	if r.NumSamples == 0 {
		return importance
	}
	for _, sample := range r.Values[step] {
		sums := make([]float64, len(r.Features))
		for _, row := range sample {
			for f, v := range row {
				sums[f] += v
			}
		}
		for f, sum := range sums {
			importance[f] += math.Abs(sum) / float64(r.NumSamples)
		}
	}
	return importance
}

// Importance returns the importance of each feature averaged over all forecast steps.
func (r *Result) Importance() []float64 {
	importance := make([]float64, len(r.Features))
	for step := range r.NumSteps {
		for f, v := range r.StepImportance(step) {
			importance[f] += v / float64(r.NumSteps)
		}
	}
	return importance
}

// SampleAttributions returns the attributions of one sample summed over the forecast steps, indexed
// [history step][feature].
func (r *Result) SampleAttributions(sample int) [][]float64 {
	out := make([][]float64, r.HistoryLength)
	for h := range out {
		out[h] = make([]float64, len(r.Features))
	}
	for step := range r.NumSteps {
		for h, row := range r.Values[step][sample] {
			for f, v := range row {
				out[h][f] += v
			}
		}
	}
	return out
}

// FeatureScore is a feature name with its importance.
type FeatureScore struct {
	Feature string
	Score   float64
}

// String implements fmt.Stringer.
func (s FeatureScore) String() string { return fmt.Sprintf("%s=%.4g", s.Feature, s.Score) }

// Ranking returns the features sorted by decreasing score. Ties keep the features order.
func Ranking(features []string, scores []float64) []FeatureScore {
	ranking := make([]FeatureScore, len(features))
	for ii, feature := range features {
		ranking[ii] = FeatureScore{Feature: feature, Score: scores[ii]}
	}
	slices.SortStableFunc(ranking, func(a, b FeatureScore) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return ranking
}
