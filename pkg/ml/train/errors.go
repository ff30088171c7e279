// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import "fmt"

// DivergedTrainingError is returned when a batch or validation loss is not finite (NaN or infinity). The run
// is aborted before the gradients of the batch are applied or any checkpoint of the epoch is saved.
type DivergedTrainingError struct {
	// Epoch (1-based) where the loss diverged.
	Epoch int

	// Batch index in the epoch, or -1 if it was the validation loss.
	Batch int

	// Loss is the non-finite value.
	Loss float64

	// LastValidEpoch is the last epoch completed with finite losses, 0 if none.
	LastValidEpoch int
}

// Error implements error.
func (e *DivergedTrainingError) Error() string {
	where := fmt.Sprintf("batch #%d", e.Batch)
	if e.Batch < 0 {
		where = "validation"
	}
	return fmt.Sprintf("training diverged at epoch %d, %s: loss is %g (last valid epoch %d)",
		e.Epoch, where, e.Loss, e.LastValidEpoch)
}
