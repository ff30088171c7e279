// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package forecast

import (
	"github.com/flowcast/flowcast/pkg/data"
	"github.com/pkg/errors"
)

// Open creates a Forecaster with the data handles read from the CSV files of spec.DatasetParams. Splits
// without a path are left nil.
func Open(spec *ModelSpec, opts ...Option) (*Forecaster, error) {
	cfg, err := data.DecodeCSVConfig(spec.DatasetParams)
	if err != nil {
		return nil, err
	}
	handles := make([]data.Handle, 3)
	for ii, split := range []data.Split{data.TrainSplit, data.ValidationSplit, data.TestSplit} {
		if cfg.Path(split) == "" {
			continue
		}
		loader, err := data.NewCSVLoader(cfg, split)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading %s data", split)
		}
		handles[ii] = loader
	}
	return New(spec, handles[0], handles[1], handles[2], opts...)
}
