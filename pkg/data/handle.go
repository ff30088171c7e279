// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data provides the data handles of the forecasting models: sliding windows of history and
// forecast over a table of time series, read from CSV files, and their batching into train.Dataset.
package data

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Handle gives access to the windows of a time series table. The target column (the one forecast) is the
// first column.
type Handle interface {
	// Name of the handle, for logging and plots.
	Name() string

	// Len is the number of windows.
	Len() int

	// Item returns the window i: the history shaped [historyLength, numFeatures] and the target shaped
	// [forecastLength, numFeatures], the time steps right after the history.
	Item(i int) (history, target *tensors.Tensor, err error)

	// GetFromStartDate returns the window whose forecast starts at the given time: target is nil if the
	// table ends before the forecast does. forecastStart is the row index of the first forecast step.
	GetFromStartDate(start time.Time) (history, target *tensors.Tensor, forecastStart int, err error)

	// OriginalFrame returns the table as a dataframe.
	OriginalFrame() dataframe.DataFrame

	// Columns returns the feature names, the target first.
	Columns() []string
}

// InMemory implements Handle over a table held in memory.
type InMemory struct {
	name                          string
	columns                       []string
	values                        []float64 // Row-major, [numRows, len(columns)].
	times                         []time.Time
	historyLength, forecastLength int
}

var _ Handle = (*InMemory)(nil)

// NewInMemory creates a handle over rows (each with one value per column). times is optional, if given it
// must have one entry per row.
func NewInMemory(name string, columns []string, rows [][]float64, times []time.Time,
	historyLength, forecastLength int) (*InMemory, error) {
	if historyLength <= 0 || forecastLength <= 0 {
		return nil, errors.Errorf("data %q: history (%d) and forecast (%d) lengths must be positive",
			name, historyLength, forecastLength)
	}
	if len(columns) == 0 {
		return nil, errors.Errorf("data %q: no columns", name)
	}
	if times != nil && len(times) != len(rows) {
		return nil, errors.Errorf("data %q: %d rows but %d times", name, len(rows), len(times))
	}
	values := make([]float64, 0, len(rows)*len(columns))
	for ii, row := range rows {
		if len(row) != len(columns) {
			return nil, errors.Errorf("data %q: row %d has %d values, expected %d", name, ii, len(row), len(columns))
		}
		values = append(values, row...)
	}
	return &InMemory{
		name:           name,
		columns:        slices.Clone(columns),
		values:         values,
		times:          slices.Clone(times),
		historyLength:  historyLength,
		forecastLength: forecastLength,
	}, nil
}

// Name implements Handle.
func (h *InMemory) Name() string { return h.name }

// NumRows in the table.
func (h *InMemory) NumRows() int { return len(h.values) / len(h.columns) }

// Len implements Handle.
func (h *InMemory) Len() int {
	return max(h.NumRows()-h.historyLength-h.forecastLength+1, 0)
}

// HistoryLength is the number of time steps of the history of each window.
func (h *InMemory) HistoryLength() int { return h.historyLength }

// ForecastLength is the number of time steps of the target of each window.
func (h *InMemory) ForecastLength() int { return h.forecastLength }

// Columns implements Handle.
func (h *InMemory) Columns() []string { return slices.Clone(h.columns) }

// rows returns the rows [start, end) as a float32 tensor shaped [end-start, numFeatures], the dtype
// fed to the models.
func (h *InMemory) rows(start, end int) *tensors.Tensor {
	numFeatures := len(h.columns)
	data := make([]float32, 0, (end-start)*numFeatures)
	for _, v := range h.values[start*numFeatures : end*numFeatures] {
		data = append(data, float32(v))
	}
	return tensors.FromFlatDataAndDimensions(data, end-start, numFeatures)
}

// Item implements Handle.
func (h *InMemory) Item(i int) (history, target *tensors.Tensor, err error) {
	if i < 0 || i >= h.Len() {
		return nil, nil, errors.Errorf("data %q: window %d out of range, there are %d windows", h.name, i, h.Len())
	}
	split := i + h.historyLength
	return h.rows(i, split), h.rows(split, split+h.forecastLength), nil
}

// GetFromStartDate implements Handle.
func (h *InMemory) GetFromStartDate(start time.Time) (history, target *tensors.Tensor, forecastStart int, err error) {
	if h.times == nil {
		return nil, nil, 0, errors.Errorf("data %q has no datetime column", h.name)
	}
	forecastStart = slices.IndexFunc(h.times, start.Equal)
	if forecastStart < 0 {
		return nil, nil, 0, errors.Errorf("data %q: date %s not found", h.name, start.Format(time.RFC3339))
	}
	if forecastStart < h.historyLength {
		return nil, nil, 0, errors.Errorf("data %q: date %s has only %d rows of history, %d needed",
			h.name, start.Format(time.RFC3339), forecastStart, h.historyLength)
	}
	history = h.rows(forecastStart-h.historyLength, forecastStart)
	if end := forecastStart + h.forecastLength; end <= h.NumRows() {
		target = h.rows(forecastStart, end)
	}
	return
}

// OriginalFrame implements Handle. If the handle has times, they are in the first column, "datetime".
func (h *InMemory) OriginalFrame() dataframe.DataFrame {
	numRows, numFeatures := h.NumRows(), len(h.columns)
	cols := make([]series.Series, 0, numFeatures+1)
	if h.times != nil {
		stamps := make([]string, numRows)
		for ii, t := range h.times {
			stamps[ii] = t.Format(time.RFC3339)
		}
		cols = append(cols, series.New(stamps, series.String, "datetime"))
	}
	for col, name := range h.columns {
		values := make([]float64, numRows)
		for row := range numRows {
			values[row] = h.values[row*numFeatures+col]
		}
		cols = append(cols, series.New(values, series.Float, name))
	}
	return dataframe.New(cols...)
}

// String implements fmt.Stringer.
func (h *InMemory) String() string {
	return fmt.Sprintf("%s: %d rows x %v, %d windows of %d+%d steps",
		h.name, h.NumRows(), h.columns, h.Len(), h.historyLength, h.forecastLength)
}
