// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/flowcast/flowcast/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	numSteps         int
	lastStepReported int
	lastUpdate       time.Time
	bar              *progressbar.ProgressBar
	suffix           string
	plain            bool

	// Last stats reported, used to fill the table.
	batchLoss float64
	lastEpoch *train.EpochStats

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup
}

// Write implements io.Writer, and appends the current suffix with the stats to each
// line. It is meant to be used as the writer for the enclosed progressbar.ProgressBar, so the
// progress bar and its suffix are written in the same write operation.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	newData := append(data, []byte(pBar.suffix)...)
	n, err = pBar.out.Write(newData)
	if err == nil {
		n = len(data)
	}
	return
}

func (pBar *progressBar) onStart(loop *train.Loop, ds train.Dataset) error {
	pBar.lastStepReported = 0
	pBar.lastEpoch = nil
	var stepsMsg string
	if loop.EndStep < 0 {
		pBar.numSteps = -1 // Unknown length: progressbar shows a spinner.
	} else {
		pBar.numSteps = loop.EndStep
		stepsMsg = fmt.Sprintf(" (%d steps)", pBar.numSteps)
	}
	pBar.bar = progressbar.NewOptions(pBar.numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training %s%s: ", ds.Name(), stepsMsg)),
		progressbar.OptionUseANSICodes(!pBar.plain),
		progressbar.OptionEnableColorCodes(!pBar.plain),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(pBar),
	)
	if !pBar.plain {
		pBar.isFirstOutput = true
		pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
		pBar.asyncUpdatesDone.Add(1)
		go pBar.render(loop)
	}
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, batchLoss float64) error {
	pBar.batchLoss = batchLoss
	final := loop.EndStep >= 0 && loop.LoopStep >= loop.EndStep
	if !final && time.Since(pBar.lastUpdate) < maxUpdateFrequency {
		return nil
	}
	pBar.report(loop)
	return nil
}

func (pBar *progressBar) onEpoch(loop *train.Loop, stats train.EpochStats) error {
	pBar.lastEpoch = &stats
	pBar.report(loop)
	return nil
}

// report the steps run since last time.
func (pBar *progressBar) report(loop *train.Loop) {
	amount := loop.LoopStep - pBar.lastStepReported
	pBar.lastUpdate = time.Now()
	if pBar.plain {
		parts := []string{fmt.Sprintf(" [step=%d]", loop.LoopStep), fmt.Sprintf(" [loss=%.4g]", pBar.batchLoss)}
		if pBar.lastEpoch != nil {
			parts = append(parts, fmt.Sprintf(" [epoch %d: %s]", pBar.lastEpoch.Epoch, pBar.lastEpoch))
		}
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(amount) // Triggers print, see [progressBar.Write] method.
	} else {
		pBar.updates <- progressBarUpdate{amount: amount, rows: pBar.statsRows(loop)}
	}
	pBar.lastStepReported = loop.LoopStep
}

func (pBar *progressBar) statsRows(loop *train.Loop) [][2]string {
	steps := fmt.Sprintf("%d", loop.LoopStep)
	if loop.EndStep >= 0 {
		steps = fmt.Sprintf("%d / %d", loop.LoopStep, loop.EndStep)
	}
	rows := [][2]string{
		{"Global Step", steps},
		{"Epoch", fmt.Sprintf("%d / %d", loop.Epoch, loop.Config.MaxEpochs)},
		{"Batch Loss", fmt.Sprintf("%.6g", pBar.batchLoss)},
	}
	if pBar.lastEpoch != nil {
		rows = append(rows, [2]string{"Train Loss", fmt.Sprintf("%.6g", pBar.lastEpoch.TrainLoss)})
		if pBar.lastEpoch.HasValidation {
			rows = append(rows, [2]string{"Validation Loss", fmt.Sprintf("%.6g", pBar.lastEpoch.ValidationLoss)})
		}
	}
	return rows
}

// render asynchronously draws updates: this is handy if the training is faster than the terminal, in
// particular if running remotely, with a relatively slow connection.
func (pBar *progressBar) render(loop *train.Loop) {
	defer pBar.asyncUpdatesDone.Done()
	numLines := 0
	for update := range pBar.updates {
		// Exhaust the updates in buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Clear the previous lines that will be overwritten.
		if !pBar.isFirstOutput {
			pBar.termenv.ClearLines(numLines)
		}
		pBar.isFirstOutput = false

		_ = pBar.bar.Add(amount) // Prints progress bar line.
		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		table := pBar.statsStyle.Render(pBar.statsTable.String())
		_, _ = fmt.Fprintf(pBar.out, "\n%s\n", table)
		numLines = len(update.rows) + 1 + 2 + 1 // rows + progress bar line + borders + blank line.
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onEnd(loop *train.Loop, run *train.Run) error {
	if amount := loop.LoopStep - pBar.lastStepReported; amount > 0 {
		pBar.report(loop)
	}
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.asyncUpdatesDone.Wait()
		pBar.updates = nil
	}
	_, _ = fmt.Fprintf(pBar.out, "\nRun %s: %s after %d epochs\n", run.ID, run.Status, run.EpochCount)
	return nil
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "flowcast.ml.train.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run it will display a progress bar with progression and losses.
//
// The associated data will be attached to the train.Loop, so nothing is returned.
func AttachProgressBar(loop *train.Loop) {
	AttachProgressBarTo(loop, os.Stdout)
}

// AttachProgressBarTo is like AttachProgressBar, but writes to out. If out is not a terminal the stats are
// printed as a suffix of the progress bar line, without a table.
func AttachProgressBarTo(loop *train.Loop, out io.Writer) {
	pBar := &progressBar{out: out}
	pBar.termenv = termenv.NewOutput(out)
	pBar.plain = pBar.termenv.Profile == termenv.Ascii
	if !pBar.plain {
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEpoch(ProgressBarName, 0, pBar.onEpoch)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
