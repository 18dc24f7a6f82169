// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, 0) })
	require.True(t, Scalar[float32]().Equal(Make(dtypes.Float32)))
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestBinaryOpShape(t *testing.T) {
	scalar := Make(dtypes.Float32)
	matrix := Make(dtypes.Float32, 2, 3)

	got, err := BinaryOpShape(scalar, scalar)
	require.NoError(t, err)
	require.True(t, got.IsScalar())

	got, err = BinaryOpShape(scalar, matrix)
	require.NoError(t, err)
	require.True(t, got.Equal(matrix))

	got, err = BinaryOpShape(matrix, scalar)
	require.NoError(t, err)
	require.True(t, got.Equal(matrix))

	_, err = BinaryOpShape(matrix, Make(dtypes.Float32, 3, 2))
	require.Error(t, err)

	_, err = BinaryOpShape(scalar, Make(dtypes.Float64))
	require.ErrorContains(t, err, "same dtype")

	_, err = BinaryOpShape(Invalid(), scalar)
	require.Error(t, err)
}
