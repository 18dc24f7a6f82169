// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is used to describe deferred computations: a Graph holds constants, placeholders and the
// arithmetic ops combining them, and nothing is computed while it is built.
//
// A Graph is evaluated by a session (see package pkg/session), which binds it to a backend and its devices.
//
// The main elements in the package are:
//
//   - Graph is the blueprint of the computation. Node names are unique within a Graph, and ops
//     can be assigned to devices with Graph.WithDevice.
//
//   - Node represents a symbolic value in the computation: a constant, a placeholder to be fed at
//     execution time, or the result of an op (Add, Sub, Mul, Div, Neg).
//     Each node has a fixed shape known in "graph building time".
//
// # Error Handling
//
// Graph and Node methods "throw" errors with panic(), with a stack-trace, using github.com/gomlx/exceptions.
// This prevents having to manage error returning for every operation (Add, Sub, Mul, etc.) and makes the
// code much more readable. Use exceptions.TryCatch to convert them back to errors.
//
// A Graph is not safe for concurrent building. Once built, it can be evaluated concurrently by any number of
// sessions.
package graph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gosession/backends"
	"github.com/pkg/errors"
)

// Graph with the nodes and dependencies of a deferred computation.
type Graph struct {
	id   GraphId
	name string

	// nodes include all nodes known to Graph, in creation order.
	nodes []*Node

	// nameToNode and nameCount implement unique node names.
	nameToNode map[string]*Node
	nameCount  map[string]int

	// deviceScope is the device requested for nodes created now. See WithDevice.
	deviceScope backends.DeviceSpec

	finalized bool
}

// GraphId is globally unique.
type GraphId int

// NodeId is a unique NodeId within a Graph.
type NodeId int

var (
	muGraphCount sync.Mutex
	graphCount   GraphId
)

// FeedMap maps placeholders to the values fed to them at execution time.
// The values can be *tensors.Tensor or anything accepted by tensors.FromValue.
type FeedMap map[*Node]any

// NewGraph constructs an empty Graph. If name is empty, a unique one is generated.
func NewGraph(name string) *Graph {
	muGraphCount.Lock()
	defer muGraphCount.Unlock()

	if name == "" {
		name = fmt.Sprintf("graph_#%d", graphCount)
	}
	g := &Graph{
		id:          graphCount,
		name:        name,
		nameToNode:  make(map[string]*Node),
		nameCount:   make(map[string]int),
		deviceScope: backends.AnyDevice(),
	}
	graphCount++
	return g
}

// Id is a globally unique id of the graph. It's a counter that starts with 0.
func (g *Graph) Id() GraphId {
	return g.id
}

// Name of the graph, set during its construction.
func (g *Graph) Name() string { return g.name }

// IsValid returns whether the Graph is not nil and has not been finalized.
func (g *Graph) IsValid() bool {
	return g != nil && !g.finalized
}

// CheckValid returns an error if the graph is nil or if it has already been finalized.
func (g *Graph) CheckValid() error {
	if g == nil {
		return errors.Errorf("the Graph is nil")
	}
	if g.finalized {
		return errors.Errorf("Graph %q has been finalized already", g.name)
	}
	return nil
}

// AssertValid panics if the graph is nil or if it has already been finalized.
func (g *Graph) AssertValid() {
	if err := g.CheckValid(); err != nil {
		panic(err)
	}
}

// Finalize releases the constant values held by the graph and all the nodes.
// The graph is left in an unusable state.
// It is safe to call it more than once.
func (g *Graph) Finalize() {
	if g == nil || g.finalized {
		return
	}
	for _, node := range g.nodes {
		if node.constant != nil {
			node.constant.Finalize()
			node.constant = nil
		}
	}
	g.nodes = nil
	g.nameToNode = nil
	g.nameCount = nil
	g.finalized = true
}

// NumNodes returns the number of nodes created so far.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// Nodes return a slice of all nodes, in creation order: inputs of a node always come before the node.
// The slice is owned by Graph and shouldn't be changed.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// NodeById returns the node for the given id.
func (g *Graph) NodeById(id NodeId) *Node {
	g.AssertValid()
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("invalid request Graph.NodeById(id=%d): there are only %d nodes", id, len(g.nodes))
	}
	return g.nodes[id]
}

// NodeByName returns the node with the given name, or nil if there is none.
func (g *Graph) NodeByName(name string) *Node {
	g.AssertValid()
	return g.nameToNode[name]
}

// uniqueName returns base if it is not used yet, otherwise base_1, base_2, etc.
func (g *Graph) uniqueName(base string) string {
	if _, found := g.nameToNode[base]; !found {
		return base
	}
	for {
		g.nameCount[base]++
		name := fmt.Sprintf("%s_%d", base, g.nameCount[base])
		if _, found := g.nameToNode[name]; !found {
			return name
		}
	}
}

// registerNode assigns the node an id, a unique name derived from baseName and the current device scope.
func (g *Graph) registerNode(node *Node, baseName string) *Node {
	g.AssertValid()
	node.graph = g
	node.id = NodeId(len(g.nodes))
	node.name = g.uniqueName(baseName)
	node.device = g.deviceScope
	g.nodes = append(g.nodes, node)
	g.nameToNode[node.name] = node
	return node
}

// WithDevice requests the device given by name for every node created while fn runs.
// The name is parsed with backends.ParseDeviceSpec, e.g. "/device:GPU:0", "/cpu:0" or "" (unconstrained).
//
// Device scopes nest: components set by the inner scope override the outer ones, and the outer
// scope is restored when fn returns or panics.
func (g *Graph) WithDevice(name string, fn func()) {
	spec, err := backends.ParseDeviceSpec(name)
	if err != nil {
		panic(errors.WithMessagef(err, "Graph(%q).WithDevice", g.name))
	}
	g.WithDeviceSpec(spec, fn)
}

// WithDeviceSpec is like WithDevice, but takes an already parsed spec.
func (g *Graph) WithDeviceSpec(spec backends.DeviceSpec, fn func()) {
	g.AssertValid()
	outer := g.deviceScope
	g.deviceScope = outer.Merge(spec)
	defer func() { g.deviceScope = outer }()
	fn()
}

// DeviceScope returns the device spec that will be requested for nodes created now.
func (g *Graph) DeviceScope() backends.DeviceSpec {
	return g.deviceScope
}

// String lists the nodes of the graph, one per line.
func (g *Graph) String() string {
	if err := g.CheckValid(); err != nil {
		return fmt.Sprintf("Graph(invalid: %v)", err)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q (#%d): %d nodes\n", g.name, g.id, len(g.nodes))
	for _, node := range g.nodes {
		fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}
