// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"io"
	"math/rand/v2"
	"slices"

	"github.com/flowcast/flowcast/pkg/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Batcher yields the windows of a Handle in batches. It implements train.SizedDataset.
//
// Without shuffling the windows are yielded in order. With shuffling each epoch (each Reset) uses a different
// permutation, derived from the seed and the epoch number, so runs are reproducible.
type Batcher struct {
	handle    Handle
	batchSize int
	shuffle   bool
	seed      uint64

	epoch int
	order []int
	next  int
}

var _ train.SizedDataset = (*Batcher)(nil)

// NewBatcher creates a Batcher over handle. The last batch of an epoch may be smaller than batchSize.
func NewBatcher(handle Handle, batchSize int, shuffle bool, seed uint64) (*Batcher, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if handle.Len() == 0 {
		return nil, errors.Errorf("data %q has no windows", handle.Name())
	}
	b := &Batcher{handle: handle, batchSize: batchSize, shuffle: shuffle, seed: seed, epoch: -1}
	b.Reset()
	return b, nil
}

// Name implements train.Dataset.
func (b *Batcher) Name() string { return b.handle.Name() }

// String implements fmt.Stringer.
func (b *Batcher) String() string {
	return fmt.Sprintf("%s (batch size %d, shuffle=%v)", b.handle.Name(), b.batchSize, b.shuffle)
}

// NumBatches implements train.SizedDataset.
func (b *Batcher) NumBatches() int {
	return (b.handle.Len() + b.batchSize - 1) / b.batchSize
}

// Reset implements train.Dataset: it starts a new epoch.
func (b *Batcher) Reset() {
	b.epoch++
	b.next = 0
	n := b.handle.Len()
	if b.order == nil || len(b.order) != n {
		b.order = make([]int, n)
	}
	for ii := range b.order {
		b.order[ii] = ii
	}
	if b.shuffle {
		rng := rand.New(rand.NewPCG(b.seed, uint64(b.epoch)))
		rng.Shuffle(n, func(i, j int) { b.order[i], b.order[j] = b.order[j], b.order[i] })
	}
}

// Order returns the order of the windows in the current epoch.
func (b *Batcher) Order() []int {
	return slices.Clone(b.order)
}

// Yield implements train.Dataset: histories are stacked to [batchSize, historyLength, numFeatures] and targets
// to [batchSize, forecastLength, numFeatures].
func (b *Batcher) Yield() (history, target *tensors.Tensor, err error) {
	if b.next >= len(b.order) {
		return nil, nil, io.EOF
	}
	end := min(b.next+b.batchSize, len(b.order))
	histories := make([]*tensors.Tensor, 0, end-b.next)
	targets := make([]*tensors.Tensor, 0, end-b.next)
	for _, idx := range b.order[b.next:end] {
		h, t, err := b.handle.Item(idx)
		if err != nil {
			return nil, nil, err
		}
		histories = append(histories, h)
		targets = append(targets, t)
	}
	b.next = end
	if history, err = Stack(histories); err != nil {
		return nil, nil, errors.WithMessagef(err, "batching histories of %q", b.handle.Name())
	}
	if target, err = Stack(targets); err != nil {
		return nil, nil, errors.WithMessagef(err, "batching targets of %q", b.handle.Name())
	}
	return history, target, nil
}

// Stack float32 tensors of the same shape into one with a new leading axis.
func Stack(values []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(values) == 0 {
		return nil, errors.New("nothing to stack")
	}
	shape := values[0].Shape()
	data := make([]float32, 0, len(values)*shape.Size())
	for ii, value := range values {
		if !value.Shape().Equal(shape) {
			return nil, errors.Errorf("tensor #%d is shaped %s, but tensor #0 is shaped %s", ii, value.Shape(), shape)
		}
		data = append(data, tensors.CopyFlatData[float32](value)...)
	}
	return tensors.FromFlatDataAndDimensions(data, append([]int{len(values)}, shape.Dimensions...)...), nil
}
