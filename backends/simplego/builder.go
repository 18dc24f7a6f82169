package simplego

import (
	"reflect"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Builder keeps track of the computation graph being defined.
type Builder struct {
	name     string
	backend  *Backend
	compiled bool

	// deviceNum assigned to new nodes.
	deviceNum backends.DeviceNum

	// nodes are only created when their inputs have already been created. So this is a natural DAG (Directed Acyclic Graph)
	// ordering of the graph. The executor rely on this invariance.
	nodes []*Node

	// inputs will have nodeParameter as data.
	inputs []*Node

	// outputs can be any type of node.
	outputs []*Node
}

// Compile-time check.
var _ backends.Builder = (*Builder)(nil)

// Name implements backends.Builder.
func (b *Builder) Name() string {
	return b.name
}

// Node in the SimpleGo computation graph.
type Node struct {
	// builderIdx in Builder.nodes
	builderIdx int
	inputs     []*Node

	opType    backends.OpType
	shape     shapes.Shape
	deviceNum backends.DeviceNum
	builder   *Builder

	// data for the specific node type: *Buffer for constants, *nodeParameter for parameters.
	data any
}

// nodeParameter data.
type nodeParameter struct {
	name     string
	inputIdx int
}

// newNode adds a new node of the given opType and shape to the Builder graph.
// It's used by the other ops when creating new nodes.
func (b *Builder) newNode(opType backends.OpType, shape shapes.Shape, inputs ...*Node) *Node {
	n := &Node{
		builder:    b,
		opType:     opType,
		builderIdx: len(b.nodes),
		shape:      shape,
		deviceNum:  b.deviceNum,
		inputs:     slices.Clone(inputs),
	}
	b.nodes = append(b.nodes, n)
	return n
}

// checkOps validates that the ops are from SimpleGo and from this builder.
// It also checks whether the Builder is not yet compiled.
func (b *Builder) checkOps(opType string, ops ...backends.Op) ([]*Node, error) {
	if b == nil {
		return nil, errors.Errorf("%s: Builder is nil (!?), cannot build a graph", opType)
	}
	if b.compiled {
		return nil, errors.Errorf("cannot add new op (%s) to Builder %q, it has already been compiled", opType, b.name)
	}
	if b.backend.IsFinalized() {
		return nil, errors.Errorf("cannot add new op (%s) to Builder %q, backend has been finalized", opType, b.name)
	}
	nodes := make([]*Node, len(ops))
	var ok bool
	for idx, op := range ops {
		if op == nil {
			return nil, errors.Errorf("%s: input op #%d is nil!?", opType, idx)
		}
		nodes[idx], ok = op.(*Node)
		if !ok {
			return nil, errors.Errorf("cannot use input op #%d in backend %q that was created on a different backend for %s",
				idx, b.backend.Name(), opType)
		}
		if nodes[idx].builder != b {
			return nil, errors.Errorf("%s: input op #%d was created with a different builder (%q), cannot use it with builder %q",
				opType, idx, nodes[idx].builder.name, b.name)
		}
	}
	return nodes, nil
}

// SetDevice implements backends.Builder.
func (b *Builder) SetDevice(deviceNum backends.DeviceNum) error {
	if err := b.backend.checkDevice(deviceNum); err != nil {
		return errors.WithMessagef(err, "Builder(%q).SetDevice", b.name)
	}
	b.deviceNum = deviceNum
	return nil
}

// OpShape returns the shape of a computation Op.
func (b *Builder) OpShape(op backends.Op) (shapes.Shape, error) {
	inputs, err := b.checkOps("OpShape", op)
	if err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].shape, nil
}

// Parameter implements backends.Builder.
func (b *Builder) Parameter(name string, shape shapes.Shape) (backends.Op, error) {
	if _, err := b.checkOps("Parameter"); err != nil {
		return nil, err
	}
	if !isSupportedDType(shape.DType) {
		return nil, errors.Errorf("Parameter %q: dtype %s not supported by backend %q", name, shape.DType, BackendName)
	}
	n := b.newNode(backends.OpTypeParameter, shape)
	n.data = &nodeParameter{name: name, inputIdx: len(b.inputs)}
	b.inputs = append(b.inputs, n)
	return n, nil
}

// Constant implements backends.Builder.
func (b *Builder) Constant(flat any, dims ...int) (backends.Op, error) {
	if _, err := b.checkOps("Constant"); err != nil {
		return nil, err
	}
	flatType := reflect.TypeOf(flat)
	if flatType == nil || flatType.Kind() != reflect.Slice {
		return nil, errors.Errorf("Constant: flat data should be a slice, not %T", flat)
	}
	dtype := dtypes.FromGoType(flatType.Elem())
	if !isSupportedDType(dtype) {
		return nil, errors.Errorf("Constant: flat is a slice of %s, not supported by backend %q", flatType.Elem(), BackendName)
	}
	for _, dim := range dims {
		if dim <= 0 {
			return nil, errors.Errorf("Constant: invalid dimensions %v", dims)
		}
	}
	shape := shapes.Make(dtype, dims...)
	buffer, err := b.backend.BufferFromFlatData(b.deviceNum, flat, shape)
	if err != nil {
		return nil, errors.WithMessage(err, "Constant")
	}
	n := b.newNode(backends.OpTypeConstant, shape)
	n.data = buffer
	return n, nil
}

// addBinaryOp adds a generic binary op.
func (b *Builder) addBinaryOp(opType backends.OpType, lhsOp, rhsOp backends.Op) (*Node, error) {
	inputs, err := b.checkOps(opType.String(), lhsOp, rhsOp)
	if err != nil {
		return nil, err
	}
	lhs, rhs := inputs[0], inputs[1]
	shape, err := shapes.BinaryOpShape(lhs.shape, rhs.shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "op %s", opType)
	}
	return b.newNode(opType, shape, lhs, rhs), nil
}

// Add implements backends.Builder.
func (b *Builder) Add(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeAdd, lhs, rhs)
}

// Sub implements backends.Builder.
func (b *Builder) Sub(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeSub, lhs, rhs)
}

// Mul implements backends.Builder.
func (b *Builder) Mul(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeMul, lhs, rhs)
}

// Div implements backends.Builder.
func (b *Builder) Div(lhs, rhs backends.Op) (backends.Op, error) {
	return b.addBinaryOp(backends.OpTypeDiv, lhs, rhs)
}

// Neg implements backends.Builder.
func (b *Builder) Neg(x backends.Op) (backends.Op, error) {
	inputs, err := b.checkOps(backends.OpTypeNeg.String(), x)
	if err != nil {
		return nil, err
	}
	return b.newNode(backends.OpTypeNeg, inputs[0].shape.Clone(), inputs[0]), nil
}

// Compile implements backends.Builder.
func (b *Builder) Compile(outputs ...backends.Op) (backends.Executable, error) {
	nodes, err := b.checkOps("Compile", outputs...)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, errors.Errorf("Compile(%q): no outputs given", b.name)
	}
	seen := make(map[*Node]bool, len(nodes))
	for _, node := range nodes {
		if seen[node] {
			return nil, errors.Errorf("Compile(%q): repeated outputs, node #%d (%s) used more than once",
				b.name, node.builderIdx, node.opType)
		}
		seen[node] = true
	}
	b.outputs = nodes
	b.compiled = true
	return newExecutable(b), nil
}

// Finalize immediately release the resources associated with the Builder.
func (b *Builder) Finalize() {
	for _, node := range b.nodes {
		if node.opType == backends.OpTypeConstant {
			b.backend.putBuffer(node.data.(*Buffer))
			node.data = nil
		}
	}
	b.inputs = nil
	b.outputs = nil
	b.nodes = nil
}
