// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"time"

	"github.com/flowcast/flowcast/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Status of a training run.
type Status int

const (
	// StatusRunning while the run is in progress.
	StatusRunning Status = iota

	// StatusCompleted when all epochs were run.
	StatusCompleted

	// StatusStoppedEarly when early stopping triggered.
	StatusStoppedEarly

	// StatusDiverged when a loss became non-finite.
	StatusDiverged

	// StatusFailed for any other error.
	StatusFailed
)

var statusNames = []string{"running", "completed", "stopped_early", "diverged", "failed"}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText implements encoding.TextMarshaler, so Status is serialized by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for ii, name := range statusNames {
		if name == string(text) {
			*s = Status(ii)
			return nil
		}
	}
	return errors.Errorf("unknown training status %q", string(text))
}

// EpochStats are the statistics of one completed epoch.
type EpochStats struct {
	// Epoch number, 1-based.
	Epoch int `json:"epoch"`

	NumBatches int     `json:"num_batches"`
	TrainLoss  float64 `json:"train_loss"`

	// ValidationLoss is only set if HasValidation.
	ValidationLoss float64 `json:"validation_loss,omitempty"`
	HasValidation  bool    `json:"has_validation"`

	// Improved is true if the monitored loss improved over the best so far.
	Improved bool `json:"improved"`

	// CheckpointID saved at the end of the epoch, if any.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	Duration time.Duration `json:"duration"`
}

// String implements fmt.Stringer.
func (s EpochStats) String() string {
	str := fmt.Sprintf("train_loss=%.6g", s.TrainLoss)
	if s.HasValidation {
		str += fmt.Sprintf(" validation_loss=%.6g", s.ValidationLoss)
	}
	if s.CheckpointID != "" {
		str += fmt.Sprintf(" checkpoint=%s", s.CheckpointID)
	}
	return str
}

// Run describes a training run, also when it failed.
type Run struct {
	// ID is a unique identifier of the run.
	ID      string `json:"id"`
	Model   string `json:"model"`
	Dataset string `json:"dataset"`

	Status       Status `json:"status"`
	StoppedEarly bool   `json:"stopped_early"`

	// EpochCount is the number of completed epochs.
	EpochCount int `json:"epoch_count"`

	// LastValidEpoch is the last epoch completed with finite losses, 0 if none.
	LastValidEpoch int `json:"last_valid_epoch"`

	// BestEpoch is the epoch with the lowest monitored loss, 0 if none completed. BestLoss is its value.
	BestEpoch int     `json:"best_epoch"`
	BestLoss  float64 `json:"best_loss"`

	Epochs []EpochStats `json:"epochs"`

	// TestLoss is set by callers that evaluate the trained model on a test dataset.
	TestLoss *float64 `json:"test_loss,omitempty"`

	// Optimizer used. Its state lives in the model context until the next run resets it.
	Optimizer     *optimizers.Optimizer `json:"-"`
	OptimizerName string                `json:"optimizer"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// FinalLoss returns the monitored loss of the last completed epoch: the validation loss if present, otherwise
// the training loss. ok is false if no epoch completed.
func (r *Run) FinalLoss() (loss float64, ok bool) {
	if len(r.Epochs) == 0 {
		return 0, false
	}
	last := r.Epochs[len(r.Epochs)-1]
	if last.HasValidation {
		return last.ValidationLoss, true
	}
	return last.TrainLoss, true
}
