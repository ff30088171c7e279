// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/flowcast/flowcast/pkg/explain"
	"github.com/flowcast/flowcast/pkg/forecast"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newExplainCommand() *cobra.Command {
	var configPath, settings, start, outDir string
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Plot the feature attributions of the model configured in --config (typically restored with weight_path)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			startTime, err := time.Parse(time.RFC3339, start)
			if err != nil {
				return errors.Wrapf(err, "parsing --start=%q", start)
			}
			spec, err := loadSpecWithSettings(configPath, settings)
			if err != nil {
				return err
			}
			f, err := forecast.Open(spec)
			if err != nil {
				return err
			}
			summary, err := explain.SummaryPlots(f, startTime, outDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render("Feature importance"))
			table := newPlainTable()
			table.Headers("Rank", "Feature", "Importance")
			for ii, score := range summary.Ranking {
				table.Row(fmt.Sprintf("%d", ii+1), score.Feature, fmt.Sprintf("%.4g", score.Score))
			}
			fmt.Fprintln(out, table.Render())
			for _, path := range summary.Files {
				fmt.Fprintf(out, "Saved %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Model configuration file, in JSON or YAML.")
	cmd.Flags().StringVar(&settings, "set", "", "Overrides of model_params, see \"flowcast train --help\".")
	cmd.Flags().StringVar(&start, "start", "", "Forecast start of the single prediction explained, in RFC3339 format.")
	cmd.Flags().StringVar(&outDir, "out", "explain", "Directory where to save the plots.")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}
