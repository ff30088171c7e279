// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"fmt"

	"github.com/flowcast/flowcast/pkg/ml/model"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/lstm"
)

// LSTMConfig holds the parameters of LSTMForecast.
type LSTMConfig struct {
	SeqLength    int `koanf:"seq_length"`
	NTimeSeries  int `koanf:"n_time_series"`
	OutputSeqLen int `koanf:"output_seq_len"`
	HiddenStates int `koanf:"hidden_states"`
	NumLayers    int `koanf:"num_layers"`
}

// LSTMForecast runs a stacked LSTM over the history and projects all its hidden states to the forecast.
type LSTMForecast struct {
	base
	Config LSTMConfig
}

func newLSTMForecast(ctx *context.Context, params map[string]any) (model.Model, error) {
	arch := LSTMArchitecture
	cfg := LSTMConfig{OutputSeqLen: 1, HiddenStates: 20, NumLayers: 2}
	if err := decodeConfig(arch, params, &cfg, "seq_length", "n_time_series"); err != nil {
		return nil, err
	}
	for _, check := range []error{
		positive(arch, "seq_length", cfg.SeqLength),
		positive(arch, "n_time_series", cfg.NTimeSeries),
		positive(arch, "output_seq_len", cfg.OutputSeqLen),
		positive(arch, "hidden_states", cfg.HiddenStates),
		positive(arch, "num_layers", cfg.NumLayers),
	} {
		if check != nil {
			return nil, check
		}
	}
	return &LSTMForecast{
		base:   base{arch: arch, ctx: ctx, inputDims: []int{cfg.SeqLength, cfg.NTimeSeries}},
		Config: cfg,
	}, nil
}

// Forward implements model.Model. Each layer of the stack is in the scope "lstm/layer_<i>".
func (m *LSTMForecast) Forward(ctx *context.Context, history *Node) *Node {
	batchSize := history.Shape().Dim(0)
	x := history
	for layer := range m.Config.NumLayers {
		allHidden, _, _ := lstm.New(ctx.In("lstm").In(fmt.Sprintf("layer_%d", layer)), x, m.Config.HiddenStates).Done()
		// [seq, 1, batch, hidden] -> [batch, seq, hidden]
		x = Transpose(Reshape(allHidden, m.Config.SeqLength, batchSize, m.Config.HiddenStates), 0, 1)
	}
	x = Reshape(x, batchSize, m.Config.SeqLength*m.Config.HiddenStates)
	return layers.Dense(ctx.In("final_layer"), x, true, m.Config.OutputSeqLen)
}
