// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"

	"github.com/pkg/errors"
)

// CheckpointNotFoundError is returned when the requested checkpoint doesn't exist.
type CheckpointNotFoundError struct {
	Dir, ID string
}

// Error implements error.
func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint %s not found in %q", e.ID, e.Dir)
}

// CheckpointCorruptError is returned when a checkpoint exists but its files can't be read or decoded.
type CheckpointCorruptError struct {
	Dir, ID string
	Err     error
}

// Error implements error.
func (e *CheckpointCorruptError) Error() string {
	return fmt.Sprintf("checkpoint %s in %q is corrupt: %v", e.ID, e.Dir, e.Err)
}

// Unwrap returns the underlying error.
func (e *CheckpointCorruptError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is (or wraps) a *CheckpointNotFoundError or a *CheckpointCorruptError.
func IsUnavailable(err error) bool {
	var notFound *CheckpointNotFoundError
	var corrupt *CheckpointCorruptError
	return errors.As(err, &notFound) || errors.As(err, &corrupt)
}
