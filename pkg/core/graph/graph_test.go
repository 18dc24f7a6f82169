package graph

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/gomlx/gosession/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestNewGraph(t *testing.T) {
	g0 := NewGraph("")
	g1 := NewGraph("named")
	assert.Equal(t, g0.Id()+1, g1.Id())
	assert.Equal(t, fmt.Sprintf("graph_#%d", g0.Id()), g0.Name())
	assert.Equal(t, "named", g1.Name())
	assert.Zero(t, g1.NumNodes())
	require.NoError(t, g1.CheckValid())
}

func TestFiveTimesSix(t *testing.T) {
	g := NewGraph("walkthrough")
	a := Const(g, float32(5))
	b := Const(g, float32(6))
	c := Mul(a, b)
	fmt.Printf("%s\n", g)

	assert.Equal(t, "Const", a.Name())
	assert.Equal(t, "Const_1", b.Name())
	assert.Equal(t, "mul", c.Name())
	assert.Equal(t, backends.OpTypeMul, c.Type())
	assert.True(t, c.IsScalar())
	assert.Equal(t, dtypes.Float32, c.DType())
	assert.Equal(t, []*Node{a, b}, c.Inputs())
	assert.Equal(t, 3, g.NumNodes())
	assert.Equal(t, []*Node{a, b, c}, g.Nodes())
	assert.Same(t, c, g.NodeByName("mul"))
	assert.Same(t, b, g.NodeById(1))

	// Nodes are deferred: only constants hold values.
	assert.Nil(t, c.ConstantValue())
	assert.Equal(t, float32(5), a.ConstantValue().Value())
	assert.Equal(t, "mul: Mul(Const, Const_1) -> (Float32) - mem: 4 B", c.String())
}

func TestUniqueNames(t *testing.T) {
	g := NewGraph("names")
	x := Const(g, 1.0)
	y := Const(g, 2.0).WithName("Const_2")
	z := Const(g, 3.0)
	assert.Equal(t, "Const", x.Name())
	assert.Equal(t, "Const_2", y.Name())
	assert.Equal(t, "Const_3", z.Name(), "Const_2 is taken, so the counter must skip it")

	c := Add(x, y).WithName("c")
	assert.Equal(t, "c", c.Name())
	assert.Nil(t, g.NodeByName("add"))
	assert.Equal(t, "add", Add(c, z).Name(), "the default name is free after renaming")
	assert.Equal(t, "add_1", Add(c, z).Name())

	require.Panics(t, func() { Add(x, z).WithName("c") })
	require.Panics(t, func() { x.WithName("") })

	p := Placeholder(g, "x", shapes.Make(dtypes.Float64, 2))
	assert.Equal(t, "x", p.Name())
	assert.True(t, p.IsPlaceholder())
	assert.Equal(t, "x_1", Placeholder(g, "x", shapes.Make(dtypes.Float64)).Name())
	assert.Equal(t, PlaceholderName, Placeholder(g, "", shapes.Make(dtypes.Float64)).Name())
}

func TestOps(t *testing.T) {
	g := NewGraph("ops")
	x := Placeholder(g, "x", shapes.Make(dtypes.Int32, 2, 3))
	two := Const(g, int32(2))
	for _, node := range []*Node{Add(x, two), Sub(two, x), Mul(x, x), Div(x, two), Neg(x)} {
		assert.Equal(t, []int{2, 3}, node.Shape().Dimensions)
		assert.Equal(t, dtypes.Int32, node.DType())
		assert.Equal(t, 2, node.Rank())
	}

	vector := ConstTensor(g, tensors.FromFlatAndDimensions([]int32{1, 2, 3}, 3))
	assert.Equal(t, []int{3}, vector.Shape().Dimensions)

	// Build-time errors.
	err := exceptions.TryCatch[error](func() { Add(x, vector) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Add(x, Const_1)")
	require.Panics(t, func() { Mul(x, Const(g, float32(2))) }, "dtypes mismatch")
	require.Panics(t, func() { Mul(x, Const(NewGraph("other"), int32(2))) }, "nodes from different graphs")
	require.Panics(t, func() { Neg(nil) })
	require.Panics(t, func() { Const(g, "five") })
	require.Panics(t, func() { Placeholder(g, "invalid", shapes.Invalid()) })
}

func TestConstTensorCopies(t *testing.T) {
	g := NewGraph("copies")
	tensor := tensors.FromFlatAndDimensions([]float64{1, 2}, 2)
	c := Const(g, tensor)
	tensor.Finalize()
	require.False(t, c.ConstantValue().IsFinalized())
	assert.Equal(t, []float64{1, 2}, c.ConstantValue().Value())
}

func TestWithDevice(t *testing.T) {
	g := NewGraph("devices")
	a := Const(g, float32(5))
	var b, c, d *Node
	g.WithDevice("/job:localhost/device:GPU:1", func() {
		b = Const(g, float32(6))
		g.WithDevice("/device:CPU", func() {
			c = Mul(a, b)
		})
		d = Neg(c)
	})
	assert.True(t, a.RequestedDevice().IsEmpty())
	assert.Equal(t, "/job:localhost/device:GPU:1", b.RequestedDevice().String())
	assert.Equal(t, "/job:localhost/device:CPU:1", c.RequestedDevice().String())
	assert.Equal(t, "/job:localhost/device:GPU:1", d.RequestedDevice().String())
	assert.True(t, g.DeviceScope().IsEmpty())
	assert.Contains(t, c.String(), "@ /job:localhost/device:CPU:1")

	// The scope is restored after a panic.
	require.Panics(t, func() {
		g.WithDevice("/gpu:0", func() { panic("boom") })
	})
	assert.True(t, g.DeviceScope().IsEmpty())
	assert.True(t, Const(g, 1.0).RequestedDevice().IsEmpty())

	require.Panics(t, func() { g.WithDevice("/device:GPU:x", func() {}) })
}

func TestFinalize(t *testing.T) {
	g := NewGraph("finalize")
	a := Const(g, float32(5))
	value := a.ConstantValue()
	g.Finalize()
	require.Error(t, g.CheckValid())
	assert.True(t, value.IsFinalized())
	assert.Zero(t, g.NumNodes())
	require.Panics(t, func() { Const(g, float32(1)) })
	require.Panics(t, func() { Neg(a) })
	g.Finalize() // Idempotent.
	assert.Contains(t, g.String(), "invalid")
}

func TestConstSlice(t *testing.T) {
	g := NewGraph("slices")
	flat := []int64{1, 2, 3}
	c := Const(g, flat)
	flat[0] = 100
	assert.Equal(t, []int{3}, c.Shape().Dimensions)
	assert.Equal(t, []int64{1, 2, 3}, c.ConstantValue().Value())
	require.Panics(t, func() { Const(g, []int64{}) })
	require.Panics(t, func() { Const(g, []string{"a"}) })
}
