// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package forecast

import (
	"strings"

	"github.com/flowcast/flowcast/pkg/forecast/models"
	"github.com/flowcast/flowcast/pkg/support/fsutil"
	"github.com/flowcast/flowcast/pkg/support/sets"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// EnvPrefix of the environment variables that override configuration values: nested keys are separated by
// "__", e.g. FLOWCAST_TRAINING_PARAMS__LR=0.01 sets training_params.lr.
const EnvPrefix = "FLOWCAST_"

// ModelSpec is the declarative configuration of a forecasting model: it fully determines a reproducible
// model instance, modulo the random initialization seed.
type ModelSpec struct {
	// ModelName is the architecture, see models.KnownArchitectures.
	ModelName string `koanf:"model_name" json:"model_name"`

	// UseDecoder selects the decoder-stepping training protocol.
	UseDecoder bool `koanf:"use_decoder" json:"use_decoder"`

	// ModelParams are passed to models.Construct.
	ModelParams map[string]any `koanf:"model_params" json:"model_params"`

	// DatasetParams are decoded by data.DecodeCSVConfig.
	DatasetParams map[string]any `koanf:"dataset_params" json:"dataset_params,omitempty"`

	TrainingParams  TrainingParams `koanf:"training_params" json:"training_params"`
	InferenceParams map[string]any `koanf:"inference_params" json:"inference_params,omitempty"`
	EarlyStopping   *EarlyStopping `koanf:"early_stopping" json:"early_stopping,omitempty"`

	// Wandb is accepted and ignored.
	Wandb any `koanf:"wandb" json:"-"`

	// WeightPath of a checkpoint to restore after construction.
	WeightPath    string        `koanf:"weight_path" json:"weight_path,omitempty"`
	WeightPathAdd WeightPathAdd `koanf:"weight_path_add" json:"weight_path_add"`

	// Seed of the initialization of the variables and of the shuffling of the data. If nil, a random one is used.
	Seed *uint64 `koanf:"seed" json:"seed,omitempty"`
}

// TrainingParams configure Train.
type TrainingParams struct {
	// Optimizer name, see optimizers.KnownOptimizers. Defaults to "adam".
	Optimizer string `koanf:"optimizer" json:"optimizer"`

	// LR is the learning rate, defaults to 0.001.
	LR          float64        `koanf:"lr" json:"lr"`
	OptimParams map[string]any `koanf:"optim_params" json:"optim_params,omitempty"`

	// Criterion is the loss name, see losses.KnownLosses. Defaults to "MSE".
	Criterion string `koanf:"criterion" json:"criterion"`

	// Epochs defaults to 1.
	Epochs int `koanf:"epochs" json:"epochs"`

	// BatchSize defaults to 32.
	BatchSize int  `koanf:"batch_size" json:"batch_size"`
	Shuffle   bool `koanf:"shuffle" json:"shuffle"`

	// Reduction of the batch losses of an epoch: "mean" (default) or "sum".
	Reduction string `koanf:"reduction" json:"reduction,omitempty"`

	// CheckpointPolicy is "final" (default: only the final save), "every_epoch" or "on_improvement".
	CheckpointPolicy string `koanf:"checkpoint_policy" json:"checkpoint_policy,omitempty"`

	// ModelSave is the checkpoint directory, defaults to "model_save".
	ModelSave string `koanf:"model_save" json:"model_save,omitempty"`
}

// EarlyStopping configuration.
type EarlyStopping struct {
	Patience    int     `koanf:"patience" json:"patience"`
	MinDelta    float64 `koanf:"min_delta" json:"min_delta"`
	RestoreBest bool    `koanf:"restore_best" json:"restore_best"`
}

// WeightPathAdd configures the restore of WeightPath.
type WeightPathAdd struct {
	// ExcludedLayers are parameter names (or enclosing scopes) that are not restored.
	ExcludedLayers []string `koanf:"excluded_layers" json:"excluded_layers,omitempty"`

	// ExcludeLayers is an alias of ExcludedLayers.
	ExcludeLayers []string `koanf:"exclude_layers" json:"exclude_layers,omitempty"`

	// Strict makes a shape mismatch of a non-excluded layer an error.
	Strict bool `koanf:"strict" json:"strict,omitempty"`
}

// Excluded returns the union of ExcludedLayers and ExcludeLayers.
func (w WeightPathAdd) Excluded() sets.Set[string] {
	return sets.MakeWith(append(append([]string{}, w.ExcludedLayers...), w.ExcludeLayers...)...)
}

// Validate checks the required keys, returning a *models.InvalidConfigurationError naming the offending one.
func (s *ModelSpec) Validate() error {
	if s.ModelName == "" {
		return &models.InvalidConfigurationError{Key: "model_name", Reason: "missing required key"}
	}
	if s.ModelParams == nil {
		return &models.InvalidConfigurationError{Architecture: s.ModelName, Key: "model_params",
			Reason: "missing required key"}
	}
	if s.EarlyStopping != nil && s.EarlyStopping.Patience <= 0 {
		return &models.InvalidConfigurationError{Key: "early_stopping.patience",
			Reason: "must be positive"}
	}
	return nil
}

// LoadSpec reads the ModelSpec from a JSON or YAML file, with overrides from EnvPrefix environment variables.
func LoadSpec(path string) (*ModelSpec, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	spec, err := loadSpec(file.Provider(path))
	if err != nil {
		return nil, errors.WithMessagef(err, "loading configuration %q", path)
	}
	return spec, nil
}

// ParseSpec parses the ModelSpec from JSON or YAML contents, with overrides from EnvPrefix environment
// variables.
func ParseSpec(raw []byte) (*ModelSpec, error) {
	return loadSpec(rawbytes.Provider(raw))
}

func loadSpec(provider koanf.Provider) (*ModelSpec, error) {
	k := koanf.New(".")
	if err := k.Load(provider, yaml.Parser()); err != nil {
		return nil, errors.Wrap(err, "parsing configuration")
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "loading environment overrides")
	}
	spec := &ModelSpec{}
	if err = k.Unmarshal("", spec); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err = spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
