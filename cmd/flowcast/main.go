// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// flowcast trains, inspects and explains forecasting models.
//
//	flowcast train --config=model.yaml --set="d_model=64;dropout=0.2"
//	flowcast checkpoints model_save --vars
//	flowcast explain --config=model.yaml --start=2024-01-01T00:00:00Z --out=plots
//
// The configuration values can be overridden by FLOWCAST_ environment variables, see forecast.EnvPrefix.
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("Error:\n%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowcast",
		Short:         "Train, inspect and explain time series forecasting models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	root.AddCommand(newTrainCommand(), newCheckpointsCommand(), newExplainCommand())
	return root
}
