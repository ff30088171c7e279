// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/flowcast/flowcast/pkg/forecast"
	"github.com/flowcast/flowcast/pkg/ml/context/checkpoints"
	"github.com/flowcast/flowcast/pkg/ml/train"
	"github.com/flowcast/flowcast/pkg/ml/train/commandline"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

type checkpointsFlags struct {
	model, ckpt string
	vars, run   bool
}

func newCheckpointsCommand() *cobra.Command {
	var flags checkpointsFlags
	cmd := &cobra.Command{
		Use:   "checkpoints <dir>",
		Short: "List the checkpoints in a directory and report on their variables and training runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exceptions.TryCatch[error](func() {
				reportCheckpoints(cmd.OutOrStdout(), args[0], &flags)
			})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func (f *checkpointsFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.model, "model", "", "Only list the checkpoints of this model (architecture) name.")
	fs.StringVar(&f.ckpt, "id", "", "Checkpoint reported by --vars and --run. Defaults to the latest one.")
	fs.BoolVar(&f.vars, "vars", false, "List the variables of the checkpoint.")
	fs.BoolVar(&f.run, "run", false, "Report the training run annotated in the checkpoint, if any.")
}

func reportCheckpoints(out io.Writer, dir string, flags *checkpointsFlags) {
	// Reporting is read-only: the store would otherwise create a missing directory.
	info, err := os.Stat(dir)
	if err != nil {
		exceptions.Panicf("checkpoint directory %q: %v", dir, err)
	}
	if !info.IsDir() {
		exceptions.Panicf("checkpoint directory %q is not a directory", dir)
	}
	store := must.M1(checkpoints.Build().Dir(dir).ModelID(flags.model).Done())
	ids := must.M1(store.List())
	if len(ids) == 0 {
		klog.Errorf("No checkpoints found in %q", dir)
		return
	}

	fmt.Fprintln(out, titleStyle.Render("Checkpoints"))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("ID", "Model", "Epoch", "Created", "# parameters", "# bytes")
	var selected *checkpoints.Checkpoint
	for _, id := range ids {
		ckpt := must.M1(store.Metadata(id))
		if flags.ckpt == "" || flags.ckpt == id {
			selected = ckpt
		}
		var numParams int
		var memory uintptr
		for _, v := range ckpt.Variables {
			shape := shapes.Make(v.DType, v.Dimensions...)
			numParams += shape.Size()
			memory += shape.Memory()
		}
		table.Row(id, ckpt.ModelID, formatEpoch(ckpt.Epoch), humanize.Time(ckpt.CreatedAt),
			humanize.Comma(int64(numParams)), humanize.Bytes(uint64(memory)))
	}
	fmt.Fprintln(out, table.Render())
	if !flags.vars && !flags.run {
		return
	}
	if selected == nil {
		exceptions.Panicf("checkpoint %q not found in %q", flags.ckpt, dir)
	}

	if flags.vars {
		fmt.Fprintln(out, titleStyle.Render("Variables of "+selected.ID))
		table = newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
		table.Headers("Name", "DType", "Shape", "Size", "Bytes")
		for _, v := range selected.Variables {
			shape := shapes.Make(v.DType, v.Dimensions...)
			table.Row(v.ParameterName, v.DType.String(), fmt.Sprintf("%v", v.Dimensions),
				humanize.Comma(int64(shape.Size())), humanize.Bytes(uint64(shape.Memory())))
		}
		fmt.Fprintln(out, table.Render())
	}

	if flags.run {
		var spec forecast.ModelSpec
		if must.M1(selected.Annotation(forecast.SpecAnnotation, &spec)) {
			fmt.Fprintf(out, "Model %s, use_decoder=%v\n%s\n", spec.ModelName, spec.UseDecoder,
				commandline.SprintSettings(spec.ModelParams))
		}
		var run train.Run
		if !must.M1(selected.Annotation(forecast.RunAnnotation, &run)) {
			fmt.Fprintf(out, "Checkpoint %s has no training run.\n", selected.ID)
			return
		}
		commandline.ReportRun(out, &run)
	}
}

func formatEpoch(epoch int) string {
	if epoch == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", epoch)
}
