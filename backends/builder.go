package backends

import (
	"github.com/gomlx/gosession/pkg/core/shapes"
)

// Op represents the output of an operation, during the computation graph building time.
//
// It is opaque from the gosession perspective: it passes Op as input to the other methods.
type Op any

// Builder defines the set of ops to support building a computation.
// It is the sub-interface of Backend.
//
// A Builder is not safe for concurrent use.
type Builder interface {
	// Compile the computation built. This immediately invalidates the Builder and returns an Executable that
	// can now be used to run the computation.
	//
	// It is given the list of outputs.
	Compile(outputs ...Op) (Executable, error)

	// Name of the computation being built.
	Name() string

	// SetDevice sets the device assigned to the ops created from now on.
	// It defaults to device 0.
	SetDevice(deviceNum DeviceNum) error

	// OpShape returns the shape of a computation Op.
	// Notice this is not an operation and doesn't change the graph being built.
	OpShape(op Op) (shapes.Shape, error)

	// Parameter creates an input parameter for the computation.
	// During execution of a compiled computation (returned by Builder.Compile) this value will need to be fed
	// in the same order it is created.
	Parameter(name string, shape shapes.Shape) (Op, error)

	// Constant creates a constant in the graph with the given flat values, and the shape defined by dims.
	//
	// The flat value must be a slice of a basic type supported -- that can be converted to a DType.
	// The value is copied into the graph.
	Constant(flat any, dims ...int) (Op, error)

	// Add returns the element-wise sum of the two values. One of them can be a scalar.
	Add(lhs, rhs Op) (Op, error)

	// Sub returns the element-wise subtraction of the two values. One of them can be a scalar.
	Sub(lhs, rhs Op) (Op, error)

	// Mul returns the element-wise multiplication of the two values. One of them can be a scalar.
	Mul(lhs, rhs Op) (Op, error)

	// Div returns the element-wise division of the two values. One of them can be a scalar.
	Div(lhs, rhs Op) (Op, error)

	// Neg returns the element-wise negation of the value.
	Neg(x Op) (Op, error)
}
