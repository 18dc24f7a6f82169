package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue(float32(30))
	require.True(t, tensor.IsScalar())
	require.Equal(t, dtypes.Float32, tensor.DType())
	require.Equal(t, float32(30), tensor.Value())
	require.Equal(t, "30", tensor.String())

	tensor = FromValue(int64(7))
	require.Equal(t, dtypes.Int64, tensor.DType())
	v, err := ToScalar[int64](tensor)
	require.NoError(t, err)
	require.Equal(t, int64(7), v)

	_, err = ToScalar[float32](tensor)
	require.Error(t, err)

	// Plain Go ints are stored with the Go type of their dtype.
	tensor = FromValue(5)
	require.Equal(t, dtypes.Int64, tensor.DType())
	require.Equal(t, int64(5), tensor.Value())
	_, err = FromAnyFlat(tensor.Shape(), []int64{0})
	require.NoError(t, err)
	tensor.ConstFlatData(func(flat any) { require.IsType(t, []int64{}, flat) })

	require.Panics(t, func() { _ = FromValue("not a number") })
	require.Panics(t, func() { _ = FromValue(nil) })
}

func TestFromFlatAndDimensions(t *testing.T) {
	flat := []float64{1, 2, 3, 4, 5, 6}
	tensor := FromFlatAndDimensions(flat, 2, 3)
	flat[0] = 100 // Must have been copied.
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float64, 2, 3)))
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Value())
	require.Equal(t, "(Float64)[2 3]: [1 2 3 4 5 6]", tensor.String())

	_, err := ToScalar[float64](tensor)
	require.ErrorContains(t, err, "not a scalar")

	require.Panics(t, func() { _ = FromFlatAndDimensions([]int32{1, 2, 3}, 2, 2) })
}

func TestFromAnyFlat(t *testing.T) {
	shape := shapes.Make(dtypes.Int32, 3)
	tensor, err := FromAnyFlat(shape, []int32{1, 2, 3})
	require.NoError(t, err)
	got, err := CopyFlatData[int32](tensor)
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2, 3}, got)

	_, err = FromAnyFlat(shape, []float32{1, 2, 3})
	require.Error(t, err)
	_, err = FromAnyFlat(shape, []int32{1, 2})
	require.Error(t, err)
	_, err = FromAnyFlat(shape, int32(1))
	require.Error(t, err)
	_, err = FromAnyFlat(shapes.Invalid(), []int32{1})
	require.Error(t, err)
}

func TestFloat16(t *testing.T) {
	tensor := FromScalar(float16.Fromfloat32(1.5))
	require.Equal(t, dtypes.Float16, tensor.DType())
	require.Equal(t, "1.5", tensor.String())
}

func TestFinalize(t *testing.T) {
	tensor := FromScalar(float32(1)).OnDevice(2)
	assert.EqualValues(t, 2, tensor.DeviceNum())
	require.False(t, tensor.IsFinalized())
	tensor.Finalize()
	require.True(t, tensor.IsFinalized())
	tensor.Finalize() // Idempotent.
	require.Panics(t, func() { _ = tensor.Value() })
	require.Equal(t, "(Float32): <finalized>", tensor.String())
}

func TestClone(t *testing.T) {
	tensor := FromFlatAndDimensions([]int64{1, 2, 3}, 3)
	clone := tensor.Clone()
	tensor.Finalize()
	got, err := CopyFlatData[int64](clone)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, got)
}
