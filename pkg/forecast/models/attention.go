// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"github.com/flowcast/flowcast/pkg/ml/model"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
)

// MultiAttnHeadSimpleConfig holds the parameters of MultiAttnHeadSimple.
type MultiAttnHeadSimpleConfig struct {
	// NumberTimeSeries is the number of features per time step. Required.
	NumberTimeSeries int `koanf:"number_time_series"`

	// SeqLen is the history length. Required.
	SeqLen int `koanf:"seq_len"`

	// OutputSeqLen is the forecast length. If 0 the model forecasts SeqLen steps, without a "last_layer".
	OutputSeqLen int `koanf:"output_seq_len"`

	DModel   int     `koanf:"d_model"`
	NumHeads int     `koanf:"num_heads"`
	Dropout  float64 `koanf:"dropout"`
}

// MultiAttnHeadSimple embeds each time step in DModel dimensions, applies one multi-head self-attention layer
// and projects each step to one value. If OutputSeqLen is set, the SeqLen values are projected to
// OutputSeqLen.
type MultiAttnHeadSimple struct {
	base
	Config MultiAttnHeadSimpleConfig
}

func newMultiAttnHeadSimple(ctx *context.Context, params map[string]any) (model.Model, error) {
	arch := MultiAttnHeadSimpleArchitecture
	cfg := MultiAttnHeadSimpleConfig{DModel: 128, NumHeads: 8, Dropout: 0.1}
	if err := decodeConfig(arch, params, &cfg, "number_time_series", "seq_len"); err != nil {
		return nil, err
	}
	for _, check := range []error{
		positive(arch, "number_time_series", cfg.NumberTimeSeries),
		positive(arch, "seq_len", cfg.SeqLen),
		positive(arch, "d_model", cfg.DModel),
		positive(arch, "num_heads", cfg.NumHeads),
		checkDropout(arch, "dropout", cfg.Dropout),
	} {
		if check != nil {
			return nil, check
		}
	}
	if cfg.OutputSeqLen < 0 {
		return nil, &InvalidConfigurationError{Architecture: arch.String(), Key: "output_seq_len",
			Reason: "must not be negative"}
	}
	if cfg.DModel%cfg.NumHeads != 0 {
		return nil, &InvalidConfigurationError{Architecture: arch.String(), Key: "num_heads",
			Reason: "d_model must be divisible by num_heads"}
	}
	return &MultiAttnHeadSimple{
		base:   base{arch: arch, ctx: ctx, inputDims: []int{cfg.SeqLen, cfg.NumberTimeSeries}},
		Config: cfg,
	}, nil
}

// Forward implements model.Model: history [batchSize, SeqLen, NumberTimeSeries] is mapped to the forecast
// [batchSize, OutputSeqLen] (or [batchSize, SeqLen]).
func (m *MultiAttnHeadSimple) Forward(ctx *context.Context, history *Node) *Node {
	cfg := m.Config
	batchSize := history.Shape().Dim(0)
	x := layers.Dense(ctx.In("dense_shape"), history, true, cfg.DModel)
	x = layers.MultiHeadAttention(ctx.In("multi_attn"), x, x, x, cfg.NumHeads, cfg.DModel/cfg.NumHeads).
		Dropout(cfg.Dropout).
		Done()
	x = Reshape(layers.Dense(ctx.In("final_layer"), x, true, 1), batchSize, cfg.SeqLen)
	if cfg.OutputSeqLen > 0 {
		x = layers.Dense(ctx.In("last_layer"), x, true, cfg.OutputSeqLen)
	}
	return x
}
