// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/flowcast/flowcast/pkg/ml/train"
	"github.com/pkg/errors"
)

// ReportRun prints a table with the per-epoch losses of run, followed by its outcome.
func ReportRun(out io.Writer, run *train.Run) {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		Headers("Epoch", "Train Loss", "Validation Loss", "Checkpoint", "Duration").
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 || col == 1 || col == 2 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, stats := range run.Epochs {
		validation := "-"
		if stats.HasValidation {
			validation = fmt.Sprintf("%.6g", stats.ValidationLoss)
		}
		epoch := fmt.Sprintf("%d", stats.Epoch)
		if stats.Epoch == run.BestEpoch {
			epoch = "*" + epoch
		}
		table.Row(epoch, fmt.Sprintf("%.6g", stats.TrainLoss), validation, stats.CheckpointID,
			stats.Duration.Round(time.Millisecond).String())
	}
	_, _ = fmt.Fprintln(out, table.String())
	_, _ = fmt.Fprintf(out, "Run %s (%s on %s): %s after %d epochs, best epoch %d\n",
		run.ID, run.Model, run.Dataset, run.Status, run.EpochCount, run.BestEpoch)
	if run.TestLoss != nil {
		_, _ = fmt.Fprintf(out, "Test loss: %.6g\n", *run.TestLoss)
	}
}

// ParseSettings from for example a flag definition.
//
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in params. The default values are also used to set the type to which the
// string values will be parsed to. Lists are given separated by ",".
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
func ParseSettings(params map[string]any, settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		if setting == "" {
			continue
		}
		parts := strings.Split(setting, "=")
		if len(parts) != 2 {
			return errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
				settings, setting)
		}
		key, valueStr := parts[0], parts[1]
		value, found := params[key]
		if !found {
			return errors.Errorf("can't set parameter %q because it is not known, known parameters: %v",
				key, knownKeys(params))
		}
		newValue, err := parseValue(value, valueStr)
		if err != nil {
			return errors.Wrapf(err, "failed to parse value %q for parameter %q (current value is %#v)",
				valueStr, key, value)
		}
		params[key] = newValue
	}
	return nil
}

func knownKeys(params map[string]any) []string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// parseValue parses valueStr to the type of value.
func parseValue(value any, valueStr string) (any, error) {
	var err error
	switch v := value.(type) {
	case int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		return v, err
	case int64:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		return v, err
	case float64:
		err = json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case bool:
		err = json.Unmarshal([]byte(valueStr), &v)
		return v, err
	case string:
		return valueStr, nil
	case []any:
		// Lists take the type of their first element, strings if empty.
		var elem any = ""
		if len(v) > 0 {
			elem = v[0]
		}
		var list []any
		if valueStr == "" {
			return list, nil
		}
		for _, part := range strings.Split(valueStr, ",") {
			parsed, err := parseValue(elem, part)
			if err != nil {
				return nil, err
			}
			list = append(list, parsed)
		}
		return list, nil
	case []string:
		if valueStr == "" {
			return []string{}, nil
		}
		return strings.Split(valueStr, ","), nil
	default:
		return nil, errors.Errorf("don't know how to parse type %T", value)
	}
}

// SprintSettings pretty-prints the parameters into a string, sorted by key.
func SprintSettings(params map[string]any) string {
	parts := []string{"Model parameters:"}
	for _, key := range knownKeys(params) {
		parts = append(parts, fmt.Sprintf("%q: (%T) %v", key, params[key], params[key]))
	}
	return strings.Join(parts, "\n\t")
}
