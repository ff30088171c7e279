// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math"
	"os"
	"slices"
	"time"

	"github.com/flowcast/flowcast/pkg/support/fsutil"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split of the table: the rows used for training, validation or test.
type Split int

const (
	TrainSplit Split = iota
	ValidationSplit
	TestSplit
)

// String implements fmt.Stringer.
func (s Split) String() string {
	switch s {
	case TrainSplit:
		return "train"
	case ValidationSplit:
		return "validation"
	case TestSplit:
		return "test"
	default:
		return "unknown"
	}
}

// CSVConfig holds the "dataset_params" of a configuration.
type CSVConfig struct {
	// Paths of the CSV files of each split. They can be the same file, with different row bounds.
	TrainingPath   string `koanf:"training_path"`
	ValidationPath string `koanf:"validation_path"`
	TestPath       string `koanf:"test_path"`

	ForecastHistory int `koanf:"forecast_history"`
	ForecastLength  int `koanf:"forecast_length"`

	// RelevantCols are the feature columns. TargetCol is moved to the front, if not there already.
	RelevantCols []string `koanf:"relevant_cols"`
	TargetCol    []string `koanf:"target_col"`

	// DatetimeCol is parsed for GetFromStartDate. Optional, defaults to "datetime".
	DatetimeCol string `koanf:"datetime_col"`

	// Interpolate missing values linearly.
	Interpolate bool `koanf:"interpolate"`

	// Row bounds of the splits: train is [0, TrainEnd), validation [TrainEnd, ValidEnd) and test
	// [ValidEnd, TestEnd). An end of 0 means the end of the file.
	TrainEnd int `koanf:"train_end"`
	ValidEnd int `koanf:"valid_end"`
	TestEnd  int `koanf:"test_end"`

	// Class of loader, only "default" is supported.
	Class string `koanf:"class"`
}

// DecodeCSVConfig decodes the loosely typed "dataset_params". Unknown keys are logged and ignored.
func DecodeCSVConfig(params map[string]any) (CSVConfig, error) {
	cfg := CSVConfig{DatetimeCol: "datetime"}
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
		TagName:          "koanf",
		Metadata:         &md,
	})
	if err != nil {
		return cfg, errors.Wrap(err, "creating dataset_params decoder")
	}
	if err = decoder.Decode(params); err != nil {
		return cfg, errors.Wrap(err, "decoding dataset_params")
	}
	if len(md.Unused) > 0 {
		slices.Sort(md.Unused)
		klog.V(1).Infof("data: ignoring unknown dataset_params %q", md.Unused)
	}
	return cfg, nil
}

// Columns returns the feature columns, with the target first.
func (c CSVConfig) Columns() []string {
	if len(c.TargetCol) == 0 {
		return slices.Clone(c.RelevantCols)
	}
	target := c.TargetCol[0]
	columns := []string{target}
	for _, col := range c.RelevantCols {
		if col != target {
			columns = append(columns, col)
		}
	}
	return columns
}

// Path of the file of the split.
func (c CSVConfig) Path(split Split) string {
	switch split {
	case ValidationSplit:
		return c.ValidationPath
	case TestSplit:
		return c.TestPath
	default:
		return c.TrainingPath
	}
}

// Bounds returns the rows [start, end) of the split, end is 0 for the end of the file.
func (c CSVConfig) Bounds(split Split) (start, end int) {
	switch split {
	case ValidationSplit:
		return c.TrainEnd, c.ValidEnd
	case TestSplit:
		return c.ValidEnd, c.TestEnd
	default:
		return 0, c.TrainEnd
	}
}

// CSVLoader is a Handle over the rows of a CSV file.
type CSVLoader struct {
	*InMemory
	Config CSVConfig
	Split  Split

	// frame holds the selected rows, with all the columns of the file.
	frame dataframe.DataFrame
}

// datetimeLayouts accepted in the datetime column.
var datetimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

// NewCSVLoader reads the rows of the split, bounded by Config.Bounds, from its CSV file.
func NewCSVLoader(cfg CSVConfig, split Split) (*CSVLoader, error) {
	if cfg.Path(split) == "" {
		return nil, errors.Errorf("no path configured for the %s data", split)
	}
	path, err := fsutil.ReplaceTildeInDir(cfg.Path(split))
	if err != nil {
		return nil, err
	}
	if cfg.Class != "" && cfg.Class != "default" {
		return nil, errors.Errorf("dataset_params.class %q is not supported, only \"default\"", cfg.Class)
	}
	columns := cfg.Columns()
	if len(columns) == 0 {
		return nil, errors.New("dataset_params.relevant_cols is empty")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s data", split)
	}
	defer func() { _ = f.Close() }()
	types := make(map[string]series.Type, len(columns)+1)
	for _, col := range columns {
		types[col] = series.Float
	}
	types[cfg.DatetimeCol] = series.String
	df := dataframe.ReadCSV(f, dataframe.WithTypes(types))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "reading %s", path)
	}

	start, end := cfg.Bounds(split)
	start = min(start, df.Nrow())
	if end <= 0 || end > df.Nrow() {
		end = df.Nrow()
	}
	if start >= end {
		return nil, errors.Errorf("%s data in %s: empty row range [%d, %d) of %d rows",
			split, path, start, end, df.Nrow())
	}
	indexes := make([]int, end-start)
	for ii := range indexes {
		indexes[ii] = start + ii
	}
	df = df.Subset(indexes)
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "selecting rows [%d, %d) of %s", start, end, path)
	}

	numRows := df.Nrow()
	rows := make([][]float64, numRows)
	for ii := range rows {
		rows[ii] = make([]float64, len(columns))
	}
	names := df.Names()
	for col, name := range columns {
		if !slices.Contains(names, name) {
			return nil, errors.Errorf("column %q not found in %s, columns are %v", name, path, names)
		}
		values := df.Col(name).Float()
		if cfg.Interpolate {
			InterpolateMissing(values)
		} else if slices.ContainsFunc(values, math.IsNaN) {
			klog.Warningf("data: column %q of %s has missing values, and interpolation is disabled", name, path)
		}
		for row, value := range values {
			rows[row][col] = value
		}
	}

	var times []time.Time
	if slices.Contains(names, cfg.DatetimeCol) {
		times, err = parseTimes(df.Col(cfg.DatetimeCol).Records())
		if err != nil {
			return nil, errors.WithMessagef(err, "column %q of %s", cfg.DatetimeCol, path)
		}
	}
	inMemory, err := NewInMemory(split.String(), columns, rows, times, cfg.ForecastHistory, cfg.ForecastLength)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("data: loaded %s", inMemory)
	return &CSVLoader{InMemory: inMemory, Config: cfg, Split: split, frame: df}, nil
}

// OriginalFrame implements Handle: it returns the selected rows with all the columns of the file, before
// interpolation.
func (l *CSVLoader) OriginalFrame() dataframe.DataFrame { return l.frame }

func parseTimes(records []string) ([]time.Time, error) {
	times := make([]time.Time, len(records))
	for ii, record := range records {
		var err error
		for _, layout := range datetimeLayouts {
			times[ii], err = time.Parse(layout, record)
			if err == nil {
				break
			}
		}
		if err != nil {
			return nil, errors.Errorf("row %d: can't parse datetime %q", ii, record)
		}
	}
	return times, nil
}

// InterpolateMissing replaces NaN values in place, linearly interpolating between the closest valid
// values. Leading and trailing NaNs take the closest valid value. A column with no valid values is left
// untouched.
func InterpolateMissing(values []float64) {
	prev := -1
	for ii, v := range values {
		if math.IsNaN(v) {
			continue
		}
		switch {
		case prev < 0:
			for jj := 0; jj < ii; jj++ {
				values[jj] = v
			}
		case ii-prev > 1:
			step := (v - values[prev]) / float64(ii-prev)
			for jj := prev + 1; jj < ii; jj++ {
				values[jj] = values[prev] + step*float64(jj-prev)
			}
		}
		prev = ii
	}
	if prev >= 0 {
		for jj := prev + 1; jj < len(values); jj++ {
			values[jj] = values[prev]
		}
	}
}
