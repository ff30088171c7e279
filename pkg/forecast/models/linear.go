// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/flowcast/flowcast/pkg/ml/model"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// SimpleLinearModelConfig holds the parameters of SimpleLinearModel.
type SimpleLinearModelConfig struct {
	SeqLength    int `koanf:"seq_length"`
	NTimeSeries  int `koanf:"n_time_series"`
	OutputSeqLen int `koanf:"output_seq_len"`
}

// SimpleLinearModel combines the features of each time step linearly into one value ("initial_layer") and
// then the SeqLength values into the OutputSeqLen forecast ("output_layer").
type SimpleLinearModel struct {
	base
	Config SimpleLinearModelConfig
}

func newSimpleLinearModel(ctx *context.Context, params map[string]any) (model.Model, error) {
	arch := SimpleLinearModelArchitecture
	cfg := SimpleLinearModelConfig{OutputSeqLen: 1}
	if err := decodeConfig(arch, params, &cfg, "seq_length", "n_time_series"); err != nil {
		return nil, err
	}
	for _, check := range []error{
		positive(arch, "seq_length", cfg.SeqLength),
		positive(arch, "n_time_series", cfg.NTimeSeries),
		positive(arch, "output_seq_len", cfg.OutputSeqLen),
	} {
		if check != nil {
			return nil, check
		}
	}
	return &SimpleLinearModel{
		base:   base{arch: arch, ctx: ctx, inputDims: []int{cfg.SeqLength, cfg.NTimeSeries}},
		Config: cfg,
	}, nil
}

// Forward implements model.Model.
func (m *SimpleLinearModel) Forward(ctx *context.Context, history *Node) *Node {
	batchSize := history.Shape().Dim(0)
	x := layers.Dense(ctx.In("initial_layer"), history, true, 1)
	x = Reshape(x, batchSize, m.Config.SeqLength)
	return layers.Dense(ctx.In("output_layer"), x, true, m.Config.OutputSeqLen)
}

// DummyTorchModelConfig holds the parameters of DummyTorchModel.
type DummyTorchModelConfig struct {
	ForecastLength int `koanf:"forecast_length"`
}

// DummyTorchModel maps the history of the target column (the first feature) linearly to the forecast. The
// history length must be ForecastLength, any number of features is accepted.
type DummyTorchModel struct {
	base
	Config DummyTorchModelConfig
}

func newDummyTorchModel(ctx *context.Context, params map[string]any) (model.Model, error) {
	arch := DummyTorchModelArchitecture
	var cfg DummyTorchModelConfig
	if err := decodeConfig(arch, params, &cfg, "forecast_length"); err != nil {
		return nil, err
	}
	if err := positive(arch, "forecast_length", cfg.ForecastLength); err != nil {
		return nil, err
	}
	return &DummyTorchModel{
		base:   base{arch: arch, ctx: ctx, inputDims: []int{cfg.ForecastLength, -1}},
		Config: cfg,
	}, nil
}

// Forward implements model.Model.
func (m *DummyTorchModel) Forward(ctx *context.Context, history *Node) *Node {
	batchSize := history.Shape().Dim(0)
	target := Reshape(SliceAxis(history, -1, AxisElem(0)), batchSize, m.Config.ForecastLength)
	return layers.Dense(ctx.In("out_layer"), target, true, m.Config.ForecastLength)
}
