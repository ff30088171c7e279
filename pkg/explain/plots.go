// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package explain

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowcast/flowcast/pkg/data"
	"github.com/flowcast/flowcast/pkg/forecast"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// MaxSummarySamples is the maximum number of windows used as background, and as explained inputs, by SummaryPlots.
var MaxSummarySamples = 50

// PlotRanking saves a bar chart of the ranking as a PNG (or any format supported by gonum/plot, by the
// extension) to path.
func PlotRanking(ranking []FeatureScore, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = "mean |attribution|"
	values := make(plotter.Values, len(ranking))
	names := make([]string, len(ranking))
	for ii, score := range ranking {
		values[ii] = score.Score
		names[ii] = score.Feature
	}
	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return errors.Wrapf(err, "plotting %q", title)
	}
	bars.Color = plotutil.Color(0)
	p.Add(bars)
	p.NominalX(names...)
	if err = p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}

// PlotStepImportance saves a line chart of the importance of each feature per forecast step to path.
func PlotStepImportance(r *Result, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "forecast step"
	p.Y.Label.Text = "mean |attribution|"
	p.Add(plotter.NewGrid())
	lines := make([]plotter.XYs, len(r.Features))
	for f := range lines {
		lines[f] = make(plotter.XYs, r.NumSteps)
	}
	for step := range r.NumSteps {
		for f, v := range r.StepImportance(step) {
			lines[f][step] = plotter.XY{X: float64(step), Y: v}
		}
	}
	for f, xys := range lines {
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %q", title)
		}
		line.Color = plotutil.Color(f)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(r.Features[f], line)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}

// Summary lists the results and the files created by SummaryPlots.
type Summary struct {
	Overall     *Result
	Prediction  *Result
	Ranking     []FeatureScore
	Files       []string
	ForecastRow int
}

// SummaryPlots explains the model of f and saves to outDir:
//
//   - feature_importance.png: the ranking of the features over the test data (or validation, or training, the
//     first available), against a background of training windows.
//   - importance_per_step.png: the importance of each feature per forecast step.
//   - prediction_<start>.png: the ranking for the single prediction whose forecast starts at start, using
//     the test data (or the first available).
func SummaryPlots(f *forecast.Forecaster, start time.Time, outDir string) (*Summary, error) {
	backgroundData := f.TrainingData()
	if backgroundData == nil || backgroundData.Len() == 0 {
		return nil, errors.New("explain: no training data for the background")
	}
	explained := firstAvailable(f.TestData(), f.ValidationData(), f.TrainingData())
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %q", outDir)
	}
	background, err := stackHistories(backgroundData)
	if err != nil {
		return nil, err
	}
	inputs, err := stackHistories(explained)
	if err != nil {
		return nil, err
	}
	features := explained.Columns()
	s := &Summary{}
	if s.Overall, err = Attributions(f.Model(), background, inputs, features); err != nil {
		return nil, err
	}
	s.Ranking = Ranking(features, s.Overall.Importance())
	klog.Infof("explain: %s feature ranking on %q: %v", f.Model().Name(), explained.Name(), s.Ranking)

	path := filepath.Join(outDir, "feature_importance.png")
	if err = PlotRanking(s.Ranking, fmt.Sprintf("%s: feature importance", f.Model().Name()), path); err != nil {
		return nil, err
	}
	s.Files = append(s.Files, path)
	path = filepath.Join(outDir, "importance_per_step.png")
	if err = PlotStepImportance(s.Overall, fmt.Sprintf("%s: importance per forecast step", f.Model().Name()),
		path); err != nil {
		return nil, err
	}
	s.Files = append(s.Files, path)

	history, _, forecastRow, err := explained.GetFromStartDate(start)
	if err != nil {
		return nil, err
	}
	s.ForecastRow = forecastRow
	if history, err = data.Stack([]*tensors.Tensor{history}); err != nil {
		return nil, err
	}
	if s.Prediction, err = Attributions(f.Model(), background, history, features); err != nil {
		return nil, err
	}
	path = filepath.Join(outDir, fmt.Sprintf("prediction_%s.png", start.Format("20060102-150405")))
	title := fmt.Sprintf("%s: forecast from %s", f.Model().Name(), start.Format(time.DateTime))
	if err = PlotRanking(Ranking(features, s.Prediction.Importance()), title, path); err != nil {
		return nil, err
	}
	s.Files = append(s.Files, path)
	return s, nil
}

func firstAvailable(handles ...data.Handle) data.Handle {
	for _, h := range handles {
		if h != nil && h.Len() > 0 {
			return h
		}
	}
	return nil
}

// stackHistories returns the histories of up to MaxSummarySamples windows of h, evenly spaced.
func stackHistories(h data.Handle) (*tensors.Tensor, error) {
	n := min(h.Len(), MaxSummarySamples)
	histories := make([]*tensors.Tensor, n)
	for ii := range n {
		history, _, err := h.Item(ii * h.Len() / n)
		if err != nil {
			return nil, err
		}
		histories[ii] = history
	}
	return data.Stack(histories)
}
