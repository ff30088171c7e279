// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"

	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/tensors"
)

// SimpleTransformerConfig holds the parameters of SimpleTransformer.
type SimpleTransformerConfig struct {
	NumberTimeSeries int `koanf:"number_time_series"`
	SeqLength        int `koanf:"seq_length"`

	// OutputSeqLen is the number of steps decoded by Forward. Defaults to SeqLength.
	OutputSeqLen int `koanf:"output_seq_len"`

	DModel  int     `koanf:"d_model"`
	NHeads  int     `koanf:"n_heads"`
	Dropout float64 `koanf:"dropout"`
}

// SimpleTransformer is an encoder-decoder model: the encoder attends over the embedded history, and the
// decoder attends from each embedded decoder input over the encoded history.
//
// The decoder input for forecast step h is the time step before it: the last history step for h=0, and
// target step h-1 after that. With model.TeacherForcing the real targets are used and all steps are decoded
// at once; with model.Greedy the target column (the first feature) of each input is replaced by the previous
// prediction, keeping the real exogenous features, and steps are decoded one at a time.
//
// The same layers are applied once per decoded step, so the model works on an unchecked context.
type SimpleTransformer struct {
	base
	Config SimpleTransformerConfig
}

var _ model.DecoderModel = (*SimpleTransformer)(nil)

func newSimpleTransformer(ctx *context.Context, params map[string]any) (model.Model, error) {
	arch := SimpleTransformerArchitecture
	cfg := SimpleTransformerConfig{DModel: 128, NHeads: 8, Dropout: 0.1}
	if err := decodeConfig(arch, params, &cfg, "number_time_series", "seq_length"); err != nil {
		return nil, err
	}
	if cfg.OutputSeqLen == 0 {
		cfg.OutputSeqLen = cfg.SeqLength
	}
	for _, check := range []error{
		positive(arch, "number_time_series", cfg.NumberTimeSeries),
		positive(arch, "seq_length", cfg.SeqLength),
		positive(arch, "output_seq_len", cfg.OutputSeqLen),
		positive(arch, "d_model", cfg.DModel),
		positive(arch, "n_heads", cfg.NHeads),
		checkDropout(arch, "dropout", cfg.Dropout),
	} {
		if check != nil {
			return nil, check
		}
	}
	if cfg.DModel%cfg.NHeads != 0 {
		return nil, &InvalidConfigurationError{Architecture: arch.String(), Key: "n_heads",
			Reason: "d_model must be divisible by n_heads"}
	}
	return &SimpleTransformer{
		base:   base{arch: arch, ctx: ctx, inputDims: []int{cfg.SeqLength, cfg.NumberTimeSeries}},
		Config: cfg,
	}, nil
}

func (m *SimpleTransformer) attention(ctx *context.Context, query, keyValue *Node) *Node {
	cfg := m.Config
	return layers.MultiHeadAttention(ctx, query, keyValue, keyValue, cfg.NHeads, cfg.DModel/cfg.NHeads).
		Dropout(cfg.Dropout).
		Done()
}

// encode the history [batchSize, SeqLength, NumberTimeSeries] to [batchSize, SeqLength, DModel].
func (m *SimpleTransformer) encode(ctx *context.Context, history *Node) *Node {
	x := positionalEncoding(layers.Dense(ctx.In("dense_shape"), history, true, m.Config.DModel), 0)
	return Add(x, m.attention(ctx.In("encoder_attn"), x, x))
}

// decode the inputs [batchSize, steps, NumberTimeSeries], the first at position offset, to [batchSize, steps].
func (m *SimpleTransformer) decode(ctx *context.Context, memory, inputs *Node, offset int) *Node {
	batchSize, steps := inputs.Shape().Dim(0), inputs.Shape().Dim(1)
	y := positionalEncoding(layers.Dense(ctx.In("dense_shape"), inputs, true, m.Config.DModel), offset)
	y = Add(y, m.attention(ctx.In("decoder_attn"), y, memory))
	return Reshape(layers.Dense(ctx.In("final_layer"), y, true, 1), batchSize, steps)
}

// Forward implements model.Model: it decodes OutputSeqLen steps greedily, with the exogenous features of the
// last history step.
func (m *SimpleTransformer) Forward(ctx *context.Context, history *Node) *Node {
	return m.greedy(ctx.Checked(false), history, nil, m.Config.OutputSeqLen)
}

// ForwardWithTarget implements model.DecoderModel. The target is shaped [batchSize, horizon, NumberTimeSeries],
// and the forecast [batchSize, horizon].
func (m *SimpleTransformer) ForwardWithTarget(ctx *context.Context, history, target *Node, mode model.StepMode) *Node {
	if target.Rank() != 3 || target.Shape().Dim(0) != history.Shape().Dim(0) ||
		target.Shape().Dim(2) != m.Config.NumberTimeSeries {
		exceptions.Panicf("%s: target must be shaped [%d, horizon, %d], got %s",
			m.Name(), history.Shape().Dim(0), m.Config.NumberTimeSeries, target.Shape())
	}
	ctx = ctx.Checked(false)
	horizon := target.Shape().Dim(1)
	if mode == model.Greedy {
		return m.greedy(ctx, history, target, horizon)
	}
	memory := m.encode(ctx, history)
	inputs := lastStep(history)
	if horizon > 1 {
		inputs = Concatenate([]*Node{inputs, SliceAxis(target, 1, AxisRange(0, horizon-1))}, 1)
	}
	return m.decode(ctx, memory, inputs, 0)
}

func lastStep(x *Node) *Node {
	return SliceAxis(x, 1, AxisElem(-1))
}

// greedy decodes horizon steps one at a time, feeding back each prediction as the target column of the next
// input. The exogenous features come from target, if given, or from the last history step.
func (m *SimpleTransformer) greedy(ctx *context.Context, history, target *Node, horizon int) *Node {
	batchSize := history.Shape().Dim(0)
	numFeatures := m.Config.NumberTimeSeries
	memory := m.encode(ctx, history)
	input := lastStep(history)
	predictions := make([]*Node, horizon)
	for step := range horizon {
		predictions[step] = m.decode(ctx, memory, input, step)
		if step == horizon-1 {
			break
		}
		next := input
		if target != nil {
			next = SliceAxis(target, 1, AxisElem(step))
		}
		fedBack := Reshape(predictions[step], batchSize, 1, 1)
		if numFeatures > 1 {
			fedBack = Concatenate([]*Node{fedBack, SliceAxis(next, 2, AxisRange(1))}, 2)
		}
		input = fedBack
	}
	if horizon == 1 {
		return predictions[0]
	}
	return Concatenate(predictions, 1)
}

// positionalEncoding adds the sinusoidal position encoding of "Attention Is All You Need" to x, shaped
// [batchSize, sequenceLength, embedDim]. offset is the position of the first element of the sequence.
func positionalEncoding(x *Node, offset int) *Node {
	seqLen, embedDim := x.Shape().Dim(1), x.Shape().Dim(2)
	flat := make([]float64, seqLen*embedDim)
	for pos := range seqLen {
		for ii := 0; ii < embedDim; ii += 2 {
			angle := float64(pos+offset) / math.Pow(10000, float64(ii)/float64(embedDim))
			flat[pos*embedDim+ii] = math.Sin(angle)
			if ii+1 < embedDim {
				flat[pos*embedDim+ii+1] = math.Cos(angle)
			}
		}
	}
	encoding := ConvertDType(Const(x.Graph(), tensors.FromFlatDataAndDimensions(flat, 1, seqLen, embedDim)), x.DType())
	return Add(x, BroadcastToDims(encoding, x.Shape().Dimensions...))
}
