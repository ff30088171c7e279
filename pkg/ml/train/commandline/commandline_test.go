// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"

	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/flowcast/flowcast/pkg/ml/train"
	"github.com/flowcast/flowcast/pkg/ml/train/losses"
	"github.com/flowcast/flowcast/pkg/ml/train/optimizers"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestParams() map[string]any {
	return map[string]any{
		"seq_length":    10,
		"dropout":       0.1,
		"use_bias":      false,
		"name":          "foo",
		"layers":        []any{1, 2},
		"relevant_cols": []string{},
	}
}

func TestParseSettings(t *testing.T) {
	params := createTestParams()
	require.NoError(t, ParseSettings(params, "seq_length=1_000;dropout=0.25;use_bias=true;name=bar;layers=3,5,7;relevant_cols=a,b;"))
	assert.Equal(t, 1000, params["seq_length"])
	assert.Equal(t, 0.25, params["dropout"])
	assert.Equal(t, true, params["use_bias"])
	assert.Equal(t, "bar", params["name"])
	assert.Equal(t, []any{3, 5, 7}, params["layers"])
	assert.Equal(t, []string{"a", "b"}, params["relevant_cols"])

	// Parameter "q" is unknown.
	err := ParseSettings(params, "q=3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"q"`)

	// Cannot set the wrong type of value.
	require.Error(t, ParseSettings(params, "seq_length=1.5"))
	require.Error(t, ParseSettings(params, "use_bias=maybe"))
	require.Error(t, ParseSettings(params, "seq_length"))

	assert.Contains(t, SprintSettings(params), `"seq_length": (int) 1000`)
}

type linearModel struct {
	ctx *context.Context
}

func (m *linearModel) Name() string              { return "linear" }
func (m *linearModel) Context() *context.Context { return m.ctx }
func (m *linearModel) InputDimensions() []int    { return []int{2, 1} }

func (m *linearModel) Forward(ctx *context.Context, history *Node) *Node {
	return layers.Dense(ctx.In("out"), Reshape(history, history.Shape().Dim(0), 2), true, 1)
}

type handle struct{ m model.Model }

func (h handle) Model() model.Model                    { return h.m }
func (h handle) SaveModel(string, int) (string, error) { return "", nil }

func TestProgressBarPlain(t *testing.T) {
	ctx := context.New()
	ctx.RngStateFromSeed(1)
	m := &linearModel{ctx: ctx}
	require.NoError(t, model.Initialize(m))
	var histories, targets []*tensors.Tensor
	for ii := range 3 {
		v := float32(ii)
		histories = append(histories, tensors.FromFlatDataAndDimensions([]float32{v, v + 1, v + 2, v + 3}, 2, 2, 1))
		targets = append(targets, tensors.FromFlatDataAndDimensions([]float32{v, v + 1}, 2, 1))
	}
	ds, err := train.NewInMemoryDataset("toy", histories, targets)
	require.NoError(t, err)

	adam, err := optimizers.ByName("adam", 0, optimizers.OptimParams{})
	require.NoError(t, err)
	loop := train.NewLoop(handle{m}, adam, losses.MeanSquaredError, train.Config{MaxEpochs: 2})
	var buf bytes.Buffer
	AttachProgressBarTo(loop, &buf)
	run, err := loop.Run(ds)
	require.NoError(t, err)
	assert.Equal(t, train.StatusCompleted, run.Status)

	output := buf.String()
	assert.Contains(t, output, "Training toy (6 steps)")
	assert.Contains(t, output, "[step=6]")
	assert.Contains(t, output, "completed after 2 epochs")

	buf.Reset()
	ReportRun(&buf, run)
	report := buf.String()
	assert.Contains(t, report, "Train Loss")
	assert.Contains(t, report, "completed after 2 epochs")
	assert.NotContains(t, report, "Test loss")
}
