// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/flowcast/flowcast/pkg/forecast"
	"github.com/flowcast/flowcast/pkg/ml/train/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newTrainCommand() *cobra.Command {
	var (
		configPath, settings, modelSave string
		epochs                          int
		progress                        bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model configured in --config on its CSV data, saving the checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpecWithSettings(configPath, settings)
			if err != nil {
				return err
			}
			if epochs > 0 {
				spec.TrainingParams.Epochs = epochs
			}
			if modelSave != "" {
				spec.TrainingParams.ModelSave = modelSave
			}
			f, err := forecast.Open(spec)
			if err != nil {
				return err
			}
			var opts []forecast.TrainOption
			if progress {
				opts = append(opts, forecast.WithProgressBar())
			}
			run, err := forecast.Train(f, opts...)
			if run != nil {
				commandline.ReportRun(cmd.OutOrStdout(), run)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Model configuration file, in JSON or YAML.")
	cmd.Flags().StringVar(&settings, "set", "",
		"Overrides of model_params, formatted as \"key1=value1;key2=value2\". Only keys present in the "+
			"configuration can be set: the type of their value is used to parse the new one.")
	cmd.Flags().IntVar(&epochs, "epochs", 0, "If > 0, overrides training_params.epochs.")
	cmd.Flags().StringVar(&modelSave, "model_save", "", "If set, overrides the checkpoints directory training_params.model_save.")
	cmd.Flags().BoolVar(&progress, "progress", true, "Display a progress bar while training.")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// loadSpecWithSettings loads the spec and applies the model_params settings, see commandline.ParseSettings.
func loadSpecWithSettings(configPath, settings string) (*forecast.ModelSpec, error) {
	spec, err := forecast.LoadSpec(configPath)
	if err != nil {
		return nil, err
	}
	if settings != "" {
		if err = commandline.ParseSettings(spec.ModelParams, settings); err != nil {
			return nil, errors.WithMessage(err, "--set")
		}
	}
	if klog.V(1).Enabled() {
		klog.Info(commandline.SprintSettings(spec.ModelParams))
	}
	return spec, nil
}
