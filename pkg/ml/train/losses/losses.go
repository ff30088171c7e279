// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses maps the criterion names used in configurations to the losses of
// github.com/gomlx/gomlx/ml/train/losses, adapted to the single labels/predictions pair used by train.Loop.
//
// Labels and predictions must have the same shape, typically [batchSize, horizon]. All losses return
// a scalar, the mean over all elements.
package losses

import (
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/pkg/errors"
)

// LossFn is the interface used by train.Loop to train models. It takes as inputs the labels and
// predictions and returns a scalar loss.
type LossFn func(labels, predictions *Node) (loss *Node)

// adapt a gomlx loss, checking that labels and predictions have the same shape.
func adapt(name string, fn losses.LossFn) LossFn {
	return func(labels, predictions *Node) *Node {
		if !labels.Shape().EqualDimensions(predictions.Shape()) {
			exceptions.Panicf("%s: labels (%s) and predictions (%s) have different shapes",
				name, labels.Shape(), predictions.Shape())
		}
		return fn([]*Node{labels}, []*Node{predictions})
	}
}

var (
	// MeanSquaredError returns the mean squared error between labels and predictions.
	MeanSquaredError = adapt("MeanSquaredError", losses.MeanSquaredError)

	// MeanAbsoluteError returns the mean absolute error between labels and predictions.
	MeanAbsoluteError = adapt("MeanAbsoluteError", losses.MeanAbsoluteError)
)

// RootMeanSquaredError returns the square root of the MeanSquaredError.
func RootMeanSquaredError(labels, predictions *Node) (loss *Node) {
	return Sqrt(MeanSquaredError(labels, predictions))
}

// KnownLosses maps (lower-case) criterion names to the loss function.
var KnownLosses = map[string]LossFn{
	"mse":  MeanSquaredError,
	"l1":   MeanAbsoluteError,
	"mae":  MeanAbsoluteError,
	"rmse": RootMeanSquaredError,
}

// ByName returns the loss for the criterion name, case-insensitive: e.g. "MSE", "L1" or "RMSE".
func ByName(name string) (LossFn, error) {
	fn, found := KnownLosses[strings.ToLower(name)]
	if !found {
		return nil, errors.Errorf("unknown criterion %q, valid values are %q",
			name, slices.Sorted(maps.Keys(KnownLosses)))
	}
	return fn, nil
}
