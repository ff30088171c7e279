// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// isSupportedDType returns whether parameters can be stored in dtype: only float types are.
func isSupportedDType(dtype dtypes.DType) bool {
	return dtype.IsFloat()
}

// convertDType returns value converted to dtype, on the host. If value already has the dtype it is returned
// as is.
func convertDType(value *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	if value.DType() == dtype {
		return value, nil
	}
	if !isSupportedDType(value.DType()) || !isSupportedDType(dtype) {
		return nil, errors.Errorf("can't convert %s to %s", value.DType(), dtype)
	}
	flat := toFloat64s(value)
	dims := value.Shape().Dimensions
	switch dtype {
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(flat, dims...), nil
	case dtypes.Float32:
		converted := make([]float32, len(flat))
		for ii, v := range flat {
			converted[ii] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...), nil
	case dtypes.Float16:
		converted := make([]float16.Float16, len(flat))
		for ii, v := range flat {
			converted[ii] = float16.Fromfloat32(float32(v))
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...), nil
	default:
		converted := make([]bfloat16.BFloat16, len(flat))
		for ii, v := range flat {
			converted[ii] = bfloat16.FromFloat64(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dims...), nil
	}
}

// toFloat64s returns a copy of the values of a float tensor.
func toFloat64s(value *tensors.Tensor) []float64 {
	flat := make([]float64, 0, value.Size())
	switch value.DType() {
	case dtypes.Float64:
		flat = append(flat, tensors.CopyFlatData[float64](value)...)
	case dtypes.Float32:
		for _, v := range tensors.CopyFlatData[float32](value) {
			flat = append(flat, float64(v))
		}
	case dtypes.Float16:
		for _, v := range tensors.CopyFlatData[float16.Float16](value) {
			flat = append(flat, float64(v.Float32()))
		}
	case dtypes.BFloat16:
		for _, v := range tensors.CopyFlatData[bfloat16.BFloat16](value) {
			flat = append(flat, float64(v.Float32()))
		}
	}
	return flat
}

// tensorBytes returns a copy of the raw values of the tensor.
func tensorBytes(value *tensors.Tensor) []byte {
	data := make([]byte, 0, value.Memory())
	if value.Size() == 0 {
		return data
	}
	value.ConstBytes(func(raw []byte) {
		data = append(data, raw...)
	})
	return data
}

// tensorFromBytes creates a tensor with the shape and the raw values in data, which must have exactly
// shape.Memory() bytes.
func tensorFromBytes(shape shapes.Shape, data []byte) (*tensors.Tensor, error) {
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("%s needs %d bytes, got %d", shape, shape.Memory(), len(data))
	}
	value := tensors.FromShape(shape)
	if shape.Size() > 0 {
		value.MutableBytes(func(raw []byte) {
			copy(raw, data)
		})
	}
	return value, nil
}
