// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"slices"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Dataset provides the data for a train.Loop, one batch at a time.
//
// Batches must arrive in a stable order for a given configuration: any shuffling must be seeded.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. It is called at the start of every epoch and
	// evaluation.
	Reset()

	// Yield one batch: the history shaped [batchSize, historyLength, numFeatures] and the target shaped
	// [batchSize, horizon, numFeatures] (the forecast feature first) or [batchSize, horizon].
	//
	// If the error is io.EOF the epoch (or evaluation) terminates normally.
	Yield() (history, target *tensors.Tensor, err error)
}

// SizedDataset is optionally implemented by datasets that know their number of batches per epoch.
// It is used for progress reporting.
type SizedDataset interface {
	Dataset
	NumBatches() int
}

// Labels extracts the values to be forecast from the target: for a target shaped
// [batchSize, horizon, numFeatures] it returns the first feature, shaped [batchSize, horizon].
// Rank-2 targets are returned as is.
func Labels(target *tensors.Tensor) (*tensors.Tensor, error) {
	switch target.Rank() {
	case 2:
		return target, nil
	case 3:
		switch target.DType() {
		case dtypes.Float32:
			return firstFeature[float32](target), nil
		case dtypes.Float64:
			return firstFeature[float64](target), nil
		default:
			return nil, errors.Errorf("target must be float32 or float64, got shape %s", target.Shape())
		}
	default:
		return nil, errors.Errorf("target must be rank 2 or 3, got shape %s", target.Shape())
	}
}

// InMemoryDataset yields a fixed list of batches, in order. Mostly useful for tests.
type InMemoryDataset struct {
	name               string
	histories, targets []*tensors.Tensor
	next               int
}

// NewInMemoryDataset creates a dataset yielding the given histories and targets, in order.
func NewInMemoryDataset(name string, histories, targets []*tensors.Tensor) (*InMemoryDataset, error) {
	if len(histories) != len(targets) {
		return nil, errors.Errorf("dataset %q: %d histories but %d targets", name, len(histories), len(targets))
	}
	return &InMemoryDataset{name: name, histories: slices.Clone(histories), targets: slices.Clone(targets)}, nil
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() { ds.next = 0 }

// NumBatches implements SizedDataset.
func (ds *InMemoryDataset) NumBatches() int { return len(ds.histories) }

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (history, target *tensors.Tensor, err error) {
	if ds.next >= len(ds.histories) {
		return nil, nil, io.EOF
	}
	history, target = ds.histories[ds.next], ds.targets[ds.next]
	ds.next++
	return
}

func firstFeature[T float32 | float64](target *tensors.Tensor) *tensors.Tensor {
	dims := target.Shape().Dimensions
	batchSize, horizon, numFeatures := dims[0], dims[1], dims[2]
	labels := make([]T, 0, batchSize*horizon)
	flat := tensors.CopyFlatData[T](target)
	for ii := 0; ii < len(flat); ii += numFeatures {
		labels = append(labels, flat[ii])
	}
	return tensors.FromFlatDataAndDimensions(labels, batchSize, horizon)
}
