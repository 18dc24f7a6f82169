package graph

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/gomlx/gosession/pkg/core/tensors"
)

// Node implements Node and reflects a node in the computation graph.
//
// Nodes are created by the ops (Const, Placeholder, Add, Mul, etc.), and they are only computed when
// the Graph is evaluated by a session.
type Node struct {
	graph  *Graph
	id     NodeId
	name   string
	opType backends.OpType
	shape  shapes.Shape

	// inputs are the edges of the computation graph.
	inputs []*Node

	// device requested when the node was created.
	device backends.DeviceSpec

	// constant value, for Constant nodes.
	constant *tensors.Tensor
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Id is the unique id of this node within the Graph.
func (n *Node) Id() NodeId {
	return n.id
}

// Name of the node, unique within the Graph.
func (n *Node) Name() string {
	return n.name
}

// WithName renames the node and returns it, so it can be chained with the op that created it.
// It panics if the name is empty or already used by another node of the Graph.
func (n *Node) WithName(name string) *Node {
	n.AssertValid()
	if name == "" {
		exceptions.Panicf("Node.WithName(%q): node names can't be empty", name)
	}
	if name == n.name {
		return n
	}
	g := n.graph
	if _, found := g.nameToNode[name]; found {
		exceptions.Panicf("Node.WithName(%q): name already used by another node in Graph %q", name, g.name)
	}
	delete(g.nameToNode, n.name)
	n.name = name
	g.nameToNode[name] = n
	return n
}

// Type of the op that created the node.
func (n *Node) Type() backends.OpType {
	return n.opType
}

// Shape of the Node's output.
func (n *Node) Shape() shapes.Shape {
	if n == nil {
		return shapes.Invalid()
	}
	return n.shape
}

// DType returns the DType of the node's shape.
func (n *Node) DType() dtypes.DType {
	return n.Shape().DType
}

// Rank returns the rank of the node's shape.
func (n *Node) Rank() int {
	return n.Shape().Rank()
}

// IsScalar returns whether the node's shape is a scalar.
func (n *Node) IsScalar() bool {
	return n.Shape().IsScalar()
}

// Inputs are the other nodes that are direct inputs to the node.
func (n *Node) Inputs() []*Node { return n.inputs }

// RequestedDevice returns the device spec that was in scope when the node was created.
// It may be unconstrained (see backends.DeviceSpec.IsEmpty).
func (n *Node) RequestedDevice() backends.DeviceSpec {
	return n.device
}

// ConstantValue returns the value of a Constant node, or nil for any other node.
// The tensor is owned by the Graph and shouldn't be finalized or changed.
func (n *Node) ConstantValue() *tensors.Tensor {
	return n.constant
}

// IsPlaceholder returns whether the node must be fed at execution time.
func (n *Node) IsPlaceholder() bool {
	return n.opType == backends.OpTypeParameter
}

// AssertValid panics if n is nil, or if its graph is invalid.
func (n *Node) AssertValid() {
	if n == nil {
		exceptions.Panicf("Node is nil")
	}
	if n.graph == nil {
		exceptions.Panicf("Node in an invalid state")
	}
	n.graph.AssertValid()
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	if !n.graph.IsValid() {
		return "Node(invalid graph)"
	}
	var inputs []string
	for _, input := range n.inputs {
		inputs = append(inputs, input.name)
	}
	str := fmt.Sprintf("%s: %s(%s) -> %s - mem: %s", n.name, n.opType, strings.Join(inputs, ", "), n.shape,
		humanize.Bytes(uint64(n.shape.Memory())))
	if n.constant != nil && n.constant.IsScalar() {
		str = fmt.Sprintf("%s [value=%s]", str, n.constant)
	}
	if !n.device.IsEmpty() {
		str = fmt.Sprintf("%s @ %s", str, n.device)
	}
	return str
}
