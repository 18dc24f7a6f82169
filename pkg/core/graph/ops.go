package graph

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/gomlx/gosession/pkg/core/tensors"
)

// Default names of the nodes created by the ops.
const (
	ConstName       = "Const"
	PlaceholderName = "Placeholder"
)

// validateBuildingGraphFromInputs checks that all inputs are valid and from the same graph, and returns the Graph.
func validateBuildingGraphFromInputs(opType backends.OpType, inputs ...*Node) *Graph {
	var g *Graph
	for ii, input := range inputs {
		if input == nil {
			exceptions.Panicf("%s: input #%d is nil", opType, ii)
		}
		input.AssertValid()
		if g == nil {
			g = input.graph
		} else if input.graph != g {
			exceptions.Panicf("%s: nodes from different graphs (%q and %q) cannot be combined", opType,
				g.name, input.graph.name)
		}
	}
	return g
}

// Const creates a constant node with the given value.
// The value can be a *tensors.Tensor (see ConstTensor), a non-empty slice (a constant of rank 1),
// or a scalar accepted by tensors.FromValue.
func Const(g *Graph, value any) *Node {
	g.AssertValid()
	if t, ok := value.(*tensors.Tensor); ok {
		return ConstTensor(g, t)
	}
	if valueV := reflect.ValueOf(value); valueV.Kind() == reflect.Slice {
		dtype := dtypes.FromGoType(valueV.Type().Elem())
		if dtype == dtypes.InvalidDType || valueV.Len() == 0 {
			exceptions.Panicf("Const(%T): only non-empty slices of supported dtypes can be used as constants", value)
		}
		t, err := tensors.FromAnyFlat(shapes.Make(dtype, valueV.Len()), value)
		if err != nil {
			panic(err)
		}
		// FromAnyFlat doesn't copy: the constant can't share the caller's slice.
		return constNode(g, t.Clone())
	}
	return constNode(g, tensors.FromValue(value))
}

// ConstTensor creates a constant node holding a copy of the tensor t. The caller keeps ownership of t.
func ConstTensor(g *Graph, t *tensors.Tensor) *Node {
	g.AssertValid()
	return constNode(g, t.Clone())
}

// constNode creates the constant node owning t.
func constNode(g *Graph, t *tensors.Tensor) *Node {
	node := &Node{
		opType:   backends.OpTypeConstant,
		shape:    t.Shape().Clone(),
		constant: t,
	}
	return g.registerNode(node, ConstName)
}

// Placeholder creates a node whose value is fed at execution time. See FeedMap.
// The name is made unique within the graph, check Node.Name for the final name.
func Placeholder(g *Graph, name string, shape shapes.Shape) *Node {
	g.AssertValid()
	if !shape.Ok() {
		exceptions.Panicf("Placeholder(%q): invalid shape %s", name, shape)
	}
	if name == "" {
		name = PlaceholderName
	}
	node := &Node{
		opType: backends.OpTypeParameter,
		shape:  shape.Clone(),
	}
	return g.registerNode(node, name)
}

// binaryOp creates the node for an element-wise binary op.
func binaryOp(opType backends.OpType, baseName string, lhs, rhs *Node) *Node {
	g := validateBuildingGraphFromInputs(opType, lhs, rhs)
	shape, err := shapes.BinaryOpShape(lhs.shape, rhs.shape)
	if err != nil {
		exceptions.Panicf("%s(%s, %s): %v", opType, lhs.name, rhs.name, err)
	}
	node := &Node{
		opType: opType,
		shape:  shape,
		inputs: []*Node{lhs, rhs},
	}
	return g.registerNode(node, baseName)
}

// Add returns the element-wise sum lhs+rhs. One of the operands may be a scalar.
func Add(lhs, rhs *Node) *Node {
	return binaryOp(backends.OpTypeAdd, "add", lhs, rhs)
}

// Sub returns the element-wise difference lhs-rhs. One of the operands may be a scalar.
func Sub(lhs, rhs *Node) *Node {
	return binaryOp(backends.OpTypeSub, "sub", lhs, rhs)
}

// Mul returns the element-wise product lhs*rhs. One of the operands may be a scalar.
func Mul(lhs, rhs *Node) *Node {
	return binaryOp(backends.OpTypeMul, "mul", lhs, rhs)
}

// Div returns the element-wise quotient lhs/rhs. One of the operands may be a scalar.
//
// For integer dtypes, a division by zero is reported as an error when the graph is evaluated.
func Div(lhs, rhs *Node) *Node {
	return binaryOp(backends.OpTypeDiv, "div", lhs, rhs)
}

// Neg returns -x.
func Neg(x *Node) *Node {
	g := validateBuildingGraphFromInputs(backends.OpTypeNeg, x)
	node := &Node{
		opType: backends.OpTypeNeg,
		shape:  x.shape.Clone(),
		inputs: []*Node{x},
	}
	return g.registerNode(node, "neg")
}
