// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers configures the optimizers of github.com/gomlx/gomlx/ml/train/optimizers from the
// "optimizer" and "optim_params" entries of a training configuration.
//
// The optimizers keep their state (moments, step counters, learning rate) as non-trainable variables in the
// model's context.Context, so it is not part of the model parameters saved in checkpoints.
package optimizers

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OptimParams are the optional parameters accepted by ByName, typically from the "optim_params"
// configuration. Unset values use the optimizer defaults.
type OptimParams struct {
	Betas       []float64 `koanf:"betas"`
	Eps         *float64  `koanf:"eps"`
	WeightDecay *float64  `koanf:"weight_decay"`
	Momentum    float64   `koanf:"momentum"`
}

// DecodeOptimParams decodes a loosely typed mapping (e.g. parsed from JSON or YAML) into OptimParams.
// Unknown keys are logged and ignored.
func DecodeOptimParams(raw map[string]any) (OptimParams, error) {
	var params OptimParams
	if len(raw) == 0 {
		return params, nil
	}
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &params,
		TagName:          "koanf",
		Metadata:         &md,
	})
	if err != nil {
		return params, errors.Wrap(err, "creating optim_params decoder")
	}
	if err = decoder.Decode(raw); err != nil {
		return params, errors.Wrap(err, "decoding optim_params")
	}
	if len(md.Unused) > 0 {
		klog.V(1).Infof("optimizers: ignoring unknown optim_params %q", md.Unused)
	}
	if params.Betas != nil && len(params.Betas) != 2 {
		return params, errors.Errorf("optim_params.betas must have 2 values, got %v", params.Betas)
	}
	return params, nil
}

// Optimizer is a gomlx optimizer together with the name and learning rate it was configured with.
type Optimizer struct {
	optimizers.Interface

	name         string
	learningRate float64
}

// Name of the optimizer, as given to ByName but lower-cased, e.g. "adam".
func (o *Optimizer) Name() string { return o.name }

// LearningRate configured, 0 if the optimizer's default is used.
func (o *Optimizer) LearningRate() float64 { return o.learningRate }

// String implements fmt.Stringer.
func (o *Optimizer) String() string {
	return fmt.Sprintf("%s(lr=%g)", o.name, o.learningRate)
}

// Reset removes the optimizer state from ctx: moments, step counters and the learning rate variable.
// The next training graph recreates them, with the configured learning rate.
func (o *Optimizer) Reset(ctx *context.Context) {
	o.Interface.Clear(ctx)
	optimizers.DeleteGlobalStep(ctx)
	ctx.DeleteVariable(ctx.In(optimizers.Scope).Scope(), optimizers.ParamLearningRate)
}

func adam(learningRate float64, params OptimParams, weightDecay float64) optimizers.Interface {
	cfg := optimizers.Adam()
	if learningRate > 0 {
		cfg.LearningRate(learningRate)
	}
	if len(params.Betas) == 2 {
		cfg.Betas(params.Betas[0], params.Betas[1])
	}
	if params.Eps != nil {
		cfg.Epsilon(*params.Eps)
	}
	if params.WeightDecay != nil {
		weightDecay = *params.WeightDecay
	}
	if weightDecay > 0 {
		cfg.WeightDecay(weightDecay)
	}
	return cfg.Done()
}

// KnownOptimizers is a map of known optimizers by name to their constructors.
var KnownOptimizers = map[string]func(learningRate float64, params OptimParams) optimizers.Interface{
	"adam": func(learningRate float64, params OptimParams) optimizers.Interface {
		return adam(learningRate, params, 0)
	},
	"adamw": func(learningRate float64, params OptimParams) optimizers.Interface {
		return adam(learningRate, params, 0.01)
	},
	"sgd": func(learningRate float64, params OptimParams) optimizers.Interface {
		if params.Momentum != 0 {
			klog.Warningf("optimizers: sgd ignores momentum=%g", params.Momentum)
		}
		sgd := optimizers.StochasticGradientDescent().WithDecay(false)
		if learningRate > 0 {
			sgd.WithLearningRate(learningRate)
		}
		return sgd.Done()
	},
}

// ByName returns the optimizer with the given name (case-insensitive), one of KnownOptimizers, configured
// with the learning rate (if > 0) and the optional params.
func ByName(name string, learningRate float64, params OptimParams) (*Optimizer, error) {
	lower := strings.ToLower(name)
	builder, found := KnownOptimizers[lower]
	if !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q", name,
			slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return &Optimizer{Interface: builder(learningRate, params), name: lower, learningRate: max(learningRate, 0)}, nil
}
