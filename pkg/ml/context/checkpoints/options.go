// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed
)

// String implements fmt.Stringer.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

type saveOptions struct {
	annotations map[string]json.RawMessage
	err         error
}

// SaveOption configures Store.Save.
type SaveOption func(opts *saveOptions)

func collectSaveOptions(options ...SaveOption) (*saveOptions, error) {
	opts := &saveOptions{}
	for _, option := range options {
		option(opts)
	}
	return opts, opts.err
}

// WithAnnotation saves value, encoded as JSON, in the checkpoint metadata under key.
// Read it back with Checkpoint.Annotation.
func WithAnnotation(key string, value any) SaveOption {
	return func(opts *saveOptions) {
		raw, err := json.Marshal(value)
		if err != nil {
			if opts.err == nil {
				opts.err = errors.Wrapf(err, "annotation %q", key)
			}
			return
		}
		if opts.annotations == nil {
			opts.annotations = make(map[string]json.RawMessage)
		}
		opts.annotations[key] = raw
	}
}

type restoreOptions struct {
	strict bool
}

// RestoreOption configures RestoreInto.
type RestoreOption func(opts *restoreOptions)

// Strict makes RestoreInto fail, without changing anything, if any non-excluded parameter has a different
// shape in the checkpoint. By default (lenient) such parameters keep their current values and are reported
// in RestoreReport.SkippedShapeMismatch.
func Strict(strict bool) RestoreOption {
	return func(opts *restoreOptions) {
		opts.strict = strict
	}
}
