// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models is the factory of the forecasting models: Construct maps an architecture name and its
// parameters (typically the "model_params" of a configuration file) to a model with all its variables
// created and initialized.
//
// The set of architectures is closed: adding one means adding an Architecture constant and a row in the
// constructors table.
package models

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/flowcast/flowcast/pkg/ml/model"
	"github.com/go-viper/mapstructure/v2"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Architecture of a forecasting model.
type Architecture int

const (
	ArchitectureInvalid Architecture = iota
	MultiAttnHeadSimpleArchitecture
	SimpleTransformerArchitecture
	SimpleLinearModelArchitecture
	DummyTorchModelArchitecture
	LSTMArchitecture
)

var architectureNames = map[Architecture]string{
	MultiAttnHeadSimpleArchitecture: "MultiAttnHeadSimple",
	SimpleTransformerArchitecture:   "SimpleTransformer",
	SimpleLinearModelArchitecture:   "SimpleLinearModel",
	DummyTorchModelArchitecture:     "DummyTorchModel",
	LSTMArchitecture:                "LSTM",
}

// String returns the name used in configurations.
func (a Architecture) String() string {
	if name, found := architectureNames[a]; found {
		return name
	}
	return fmt.Sprintf("Architecture(%d)", int(a))
}

// KnownArchitectures returns the names of all architectures, sorted.
func KnownArchitectures() []string {
	return slices.Sorted(maps.Values(architectureNames))
}

// ParseArchitecture returns the Architecture for the given name, or an *UnknownArchitectureError.
func ParseArchitecture(name string) (Architecture, error) {
	for arch, archName := range architectureNames {
		if archName == name {
			return arch, nil
		}
	}
	return ArchitectureInvalid, &UnknownArchitectureError{Name: name}
}

// UnknownArchitectureError is returned by Construct for names not in the closed set of architectures.
type UnknownArchitectureError struct {
	Name string
}

// Error implements error.
func (e *UnknownArchitectureError) Error() string {
	return fmt.Sprintf("unknown model architecture %q, known architectures: %s",
		e.Name, strings.Join(KnownArchitectures(), ", "))
}

// InvalidConfigurationError is returned when a model parameter is missing, malformed or incompatible.
type InvalidConfigurationError = model.InvalidConfigurationError

// constructor validates the parameters and returns the model using ctx. Variables are created by
// model.Initialize, on the first Forward.
type constructor func(ctx *context.Context, params map[string]any) (model.Model, error)

var constructors = map[Architecture]constructor{
	MultiAttnHeadSimpleArchitecture: newMultiAttnHeadSimple,
	SimpleTransformerArchitecture:   newSimpleTransformer,
	SimpleLinearModelArchitecture:   newSimpleLinearModel,
	DummyTorchModelArchitecture:     newDummyTorchModel,
	LSTMArchitecture:                newLSTMForecast,
}

type options struct {
	seed    uint64
	hasSeed bool
}

// Option of Construct.
type Option func(*options)

// WithSeed makes the initialization of the model variables deterministic.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed, o.hasSeed = seed, true
	}
}

// Construct the model of the given architecture, with all its variables created and initialized.
//
// WithSeed makes the initialization deterministic. Without it the seed is drawn at random; Seed returns
// the seed used either way.
//
// It returns an *UnknownArchitectureError if the name is not known, and an *InvalidConfigurationError, naming
// the offending key, if a required parameter is missing, malformed or the parameters are incompatible.
// Unknown parameters are logged and ignored.
func Construct(name string, params map[string]any, opts ...Option) (model.Model, error) {
	arch, err := ParseArchitecture(name)
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if !o.hasSeed {
		o.seed = rand.Uint64()
	}
	ctx := context.New()
	ctx.RngStateFromSeed(int64(o.seed))
	var m model.Model
	err = exceptions.TryCatch[error](func() {
		var constructErr error
		m, constructErr = constructors[arch](ctx, params)
		if constructErr != nil {
			panic(constructErr)
		}
	})
	if err != nil {
		var configErr *InvalidConfigurationError
		if errors.As(err, &configErr) {
			return nil, configErr
		}
		return nil, errors.WithMessagef(err, "constructing %s", arch)
	}
	m.(seeded).setSeed(o.seed)
	if err = model.Initialize(m); err != nil {
		return nil, errors.WithMessagef(err, "initializing %s", arch)
	}
	klog.V(1).Infof("models: constructed %s with %d variables (%d parameters), seed %d",
		arch, ctx.NumVariables(), ctx.NumParameters(), o.seed)
	return m, nil
}

type seeded interface {
	setSeed(seed uint64)
}

// Seed returns the seed used to initialize the model, if it was created by Construct.
func Seed(m model.Model) (seed uint64, found bool) {
	if s, ok := m.(interface{ initSeed() uint64 }); ok {
		return s.initSeed(), true
	}
	return 0, false
}

// base implements the common methods of model.Model.
type base struct {
	arch      Architecture
	ctx       *context.Context
	inputDims []int
	seed      uint64
}

func (b *base) setSeed(seed uint64) { b.seed = seed }

func (b *base) initSeed() uint64 { return b.seed }

// Name implements model.Model.
func (b *base) Name() string { return b.arch.String() }

// Context implements model.Model.
func (b *base) Context() *context.Context { return b.ctx }

// InputDimensions implements model.Model.
func (b *base) InputDimensions() []int { return slices.Clone(b.inputDims) }

// decodeConfig decodes params into cfg, which must be pre-filled with the defaults. The required keys must be
// present. Unknown keys are logged and ignored.
func decodeConfig(arch Architecture, params map[string]any, cfg any, required ...string) error {
	for _, key := range required {
		if _, found := params[key]; !found {
			return &InvalidConfigurationError{Architecture: arch.String(), Key: key, Reason: "missing required key"}
		}
	}
	var md mapstructure.Metadata
	if err := newDecoder(cfg, &md).Decode(params); err != nil {
		// Find the offending key by decoding one at a time.
		for _, key := range slices.Sorted(maps.Keys(params)) {
			if keyErr := newDecoder(cfg, nil).Decode(map[string]any{key: params[key]}); keyErr != nil {
				return &InvalidConfigurationError{Architecture: arch.String(), Key: key,
					Reason: fmt.Sprintf("malformed value %#v", params[key])}
			}
		}
		return errors.Wrapf(err, "decoding %s model parameters", arch)
	}
	if len(md.Unused) > 0 {
		slices.Sort(md.Unused)
		klog.V(1).Infof("models: %s ignoring unknown model parameters %q", arch, md.Unused)
	}
	return nil
}

func newDecoder(cfg any, md *mapstructure.Metadata) *mapstructure.Decoder {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           cfg,
		TagName:          "koanf",
		Metadata:         md,
	})
	if err != nil {
		// Only happens if cfg is not a pointer.
		panic(errors.Wrap(err, "creating model parameters decoder"))
	}
	return decoder
}

// positive returns an *InvalidConfigurationError if value <= 0.
func positive(arch Architecture, key string, value int) error {
	if value <= 0 {
		return &InvalidConfigurationError{Architecture: arch.String(), Key: key,
			Reason: fmt.Sprintf("must be positive, got %d", value)}
	}
	return nil
}

func checkDropout(arch Architecture, key string, rate float64) error {
	if rate < 0 || rate >= 1 {
		return &InvalidConfigurationError{Architecture: arch.String(), Key: key,
			Reason: fmt.Sprintf("must be in [0, 1), got %g", rate)}
	}
	return nil
}
