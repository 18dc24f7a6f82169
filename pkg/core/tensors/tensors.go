// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a Tensor, a representation of a multi-dimensional array, held locally in Go memory.
//
// Tensors are the values fed to and fetched from a session.Session: graph constants are built from them, and
// every fetched node is returned as one. A Tensor remembers the device (backends.DeviceNum) whose buffer it was
// copied from.
//
// Tensors are not safe for concurrent mutation, but they can be read concurrently.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor represents a multidimensional array of one of the supported dtypes.
type Tensor struct {
	shape     shapes.Shape
	deviceNum backends.DeviceNum

	// flat holds the array with actual data, a slice of the Go type for shape.DType.
	// It is set to nil when the tensor is finalized.
	flat any
}

// FromValue returns a scalar Tensor holding value.
//
// value must be one of the supported Go numeric types (float16.Float16, float32, float64, int32, int64, ...),
// otherwise it panics.
func FromValue(value any) *Tensor {
	valueT := reflect.TypeOf(value)
	if valueT == nil {
		exceptions.Panicf("tensors.FromValue(nil): a value is required")
	}
	dtype := dtypes.FromGoType(valueT)
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("tensors.FromValue(%v): type %s is not a supported dtype", value, valueT)
	}
	// Types like int are stored as the Go type of their dtype (int64).
	goT := dtype.GoType()
	valueV := reflect.ValueOf(value)
	if valueT != goT {
		valueV = valueV.Convert(goT)
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(goT), 1, 1)
	flatV.Index(0).Set(valueV)
	return &Tensor{shape: shapes.Make(dtype), flat: flatV.Interface()}
}

// FromScalar returns a scalar Tensor with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{shape: shapes.Scalar[T](), flat: []T{value}}
}

// FromFlatAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in flat.
// The data is copied, and it panics if len(flat) doesn't match the product of the dimensions.
func FromFlatAndDimensions[T dtypes.Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatAndDimensions: len(flat)=%d doesn't match shape %s (size %d)",
			len(flat), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: append([]T(nil), flat...)}
}

// FromAnyFlat creates a tensor of the given shape that takes ownership of flat, which must be a slice of the Go
// type of shape.DType, with shape.Size() elements.
func FromAnyFlat(shape shapes.Shape, flat any) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromAnyFlat: invalid shape %s", shape)
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("tensors.FromAnyFlat: flat data must be a slice, got %T", flat)
	}
	if flatV.Type().Elem() != shape.DType.GoType() {
		return nil, errors.Errorf("tensors.FromAnyFlat: flat data is %T, but shape %s requires []%s",
			flat, shape, shape.DType.GoType())
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("tensors.FromAnyFlat: flat data has %d elements, but shape %s requires %d",
			flatV.Len(), shape, shape.Size())
	}
	return &Tensor{shape: shape.Clone(), flat: flat}, nil
}

// OnDevice sets the device the tensor value was transferred from, and returns the tensor itself.
func (t *Tensor) OnDevice(deviceNum backends.DeviceNum) *Tensor {
	t.deviceNum = deviceNum
	return t
}

// DeviceNum returns the device the tensor value was transferred from. It defaults to 0.
func (t *Tensor) DeviceNum() backends.DeviceNum { return t.deviceNum }

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// IsScalar returns whether the tensor holds a single value with no axes.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// IsFinalized returns true if the tensor has already been finalized and its data freed.
func (t *Tensor) IsFinalized() bool { return t == nil || t.flat == nil }

// Finalize releases the memory associated with the tensor. The tensor can no longer be used after that.
// It is idempotent.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.flat = nil
}

// Clone returns a copy of the tensor, with its own flat data.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	flatV := reflect.ValueOf(t.flat)
	cloneV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloneV, flatV)
	return &Tensor{shape: t.shape.Clone(), deviceNum: t.deviceNum, flat: cloneV.Interface()}
}

// AssertValid panics if the tensor is nil or has been finalized.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensor is nil")
	}
	if t.flat == nil {
		exceptions.Panicf("tensor %s has been finalized", t.shape)
	}
}

// ConstFlatData calls accessFn with the flat data of the tensor, a slice of the Go type for the tensor's dtype.
// accessFn must not modify or keep a reference to the slice.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	accessFn(t.flat)
}

// CopyFlatData returns a copy of the flat data as a typed slice. It returns an error if T doesn't match the
// tensor's dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	t.AssertValid()
	flat, ok := t.flat.([]T)
	if !ok {
		var zero T
		return nil, errors.Errorf("tensor is of dtype %s, cannot read it as %T", t.shape.DType, zero)
	}
	return append([]T(nil), flat...), nil
}

// ToScalar returns the scalar value of the tensor. It returns an error if the tensor is not a scalar or if its
// dtype is not the one of T.
func ToScalar[T dtypes.Supported](t *Tensor) (T, error) {
	var zero T
	t.AssertValid()
	if !t.shape.IsScalar() {
		return zero, errors.Errorf("tensor of shape %s is not a scalar", t.shape)
	}
	flat, ok := t.flat.([]T)
	if !ok {
		return zero, errors.Errorf("tensor is of dtype %s, cannot read it as %T", t.shape.DType, zero)
	}
	return flat[0], nil
}

// Value returns the Go value of the tensor: a scalar of the tensor's Go type for rank-0 tensors, or a copy
// of the flat slice otherwise.
func (t *Tensor) Value() any {
	t.AssertValid()
	flatV := reflect.ValueOf(t.flat)
	if t.shape.IsScalar() {
		return flatV.Index(0).Interface()
	}
	clone := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(clone, flatV)
	return clone.Interface()
}

// String implements fmt.Stringer. A scalar prints as its value alone, other tensors are prefixed by their shape.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	if t.flat == nil {
		return fmt.Sprintf("%s: <finalized>", t.shape)
	}
	if t.shape.IsScalar() {
		return formatValue(reflect.ValueOf(t.flat).Index(0).Interface())
	}
	return fmt.Sprintf("%s: %v", t.shape, formatFlat(t.flat))
}

func formatValue(v any) string {
	if f16, ok := v.(float16.Float16); ok {
		return fmt.Sprintf("%v", f16.Float32())
	}
	return fmt.Sprintf("%v", v)
}

func formatFlat(flat any) any {
	if f16s, ok := flat.([]float16.Float16); ok {
		values := make([]float32, len(f16s))
		for ii, v := range f16s {
			values[ii] = v.Float32()
		}
		return values
	}
	return flat
}
