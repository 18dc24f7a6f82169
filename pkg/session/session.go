// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package session evaluates graphs (see package pkg/core/graph) on a backend.
//
// A Session binds a graph.Graph to the devices of a backend: it places each node on a device, compiles the
// nodes needed by the fetched values into an executable, and runs it. Compiled executables are cached, so
// running the same fetches again is cheap.
//
// A Session owns runtime resources until it is closed, either explicitly:
//
//	g := graph.NewGraph("walkthrough")
//	c := graph.Mul(graph.Const(g, float32(5)), graph.Const(g, float32(6)))
//	sess, err := session.New(g)
//	...
//	defer sess.Close()
//	results, err := sess.Run(c)
//	fmt.Println(results[0]) // 30
//
// Or with a scoped acquisition, that always closes the session:
//
//	err := session.With(g, func(sess *session.Session) error {
//		_, err := sess.Run(c)
//		return err
//	})
package session

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/core/graph"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/gomlx/gosession/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Session evaluates nodes of a Graph.
//
// It is safe for concurrent use: multiple Run calls can be in flight at the same time.
// The Graph shouldn't be changed while a Run is executing.
type Session struct {
	handle      string
	graph       *graph.Graph
	config      *SessionConfig
	backend     backends.Backend
	ownsBackend bool
	devices     []backends.DeviceDescription

	// runs in flight, waited by Close.
	runs sync.WaitGroup

	// mu protects the fields below.
	mu         sync.Mutex
	closed     bool
	placements map[graph.NodeId]backends.DeviceDescription
	cache      map[string]*compiledFetches
	stats      Stats
}

// Option configures a Session created with New or With.
type Option func(s *Session)

// WithConfig sets the configuration of the Session. The config is copied.
func WithConfig(config *SessionConfig) Option {
	return func(s *Session) {
		if config != nil {
			s.config = config.Clone()
		}
	}
}

// WithBackend makes the Session use the given backend, instead of creating one.
// The backend is not finalized when the Session is closed.
func WithBackend(backend backends.Backend) Option {
	return func(s *Session) {
		s.backend = backend
	}
}

// New creates a Session to evaluate nodes of g.
//
// If no backend is given (see WithBackend), one is created from SessionConfig.BackendConfig,
// or from $GOSESSION_BACKEND if that is empty. A backend created by the Session is finalized
// when the Session is closed.
func New(g *graph.Graph, options ...Option) (*Session, error) {
	if err := g.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "session.New")
	}
	s := &Session{
		handle:     uuid.NewString(),
		graph:      g,
		config:     NewSessionConfig(),
		placements: make(map[graph.NodeId]backends.DeviceDescription),
		cache:      make(map[string]*compiledFetches),
	}
	for _, option := range options {
		option(s)
	}
	if s.backend == nil {
		config := s.config.BackendConfig()
		if config == "" {
			config = backends.ConfigFromEnv()
		}
		if threads := s.config.IntraOpParallelismThreads(); threads != 0 {
			config = withBackendOption(config, fmt.Sprintf("parallelism=%d", threads))
		}
		backend, err := backends.NewWithConfig(config)
		if err != nil {
			return nil, errors.WithMessagef(err, "session.New(graph=%q) failed to create backend", g.Name())
		}
		s.backend = backend
		s.ownsBackend = true
	} else if s.config.IntraOpParallelismThreads() != 0 {
		klog.Warningf("session %s: intra_op_parallelism_threads=%d ignored, since the backend was given",
			s.handle, s.config.IntraOpParallelismThreads())
	}
	s.devices = s.backend.Devices()
	if len(s.devices) == 0 {
		if s.ownsBackend {
			s.backend.Finalize()
		}
		return nil, errors.Errorf("session.New: backend %q has no devices", s.backend.Name())
	}
	if s.config.LogDevicePlacement() {
		klog.Infof("Device mapping for session %s (backend %q):\n%s", s.handle, s.backend.Name(),
			s.deviceMapping())
	}
	klog.V(1).Infof("created session %s for graph %q, config {%s}", s.handle, g.Name(), s.config)
	return s, nil
}

// withBackendOption appends option to the backend specific part of the "<backend_name>:<backend_configuration>"
// config.
func withBackendOption(config, option string) string {
	name, backendConfig, _ := strings.Cut(config, ":")
	if backendConfig == "" {
		return name + ":" + option
	}
	return name + ":" + backendConfig + "," + option
}

// deviceMapping lists the devices of the backend, one per line.
func (s *Session) deviceMapping() string {
	lines := make([]string, len(s.devices))
	for ii, device := range s.devices {
		lines[ii] = fmt.Sprintf("%s -> device: %d, %s", device.FullName(), device.Num, device.Description)
	}
	return strings.Join(lines, "\n")
}

// Handle is a unique identifier of the Session.
func (s *Session) Handle() string { return s.handle }

// Graph evaluated by the Session.
func (s *Session) Graph() *graph.Graph { return s.graph }

// Config returns a copy of the Session configuration.
func (s *Session) Config() *SessionConfig { return s.config.Clone() }

// Backend used by the Session.
func (s *Session) Backend() backends.Backend { return s.backend }

// Devices available to the Session, indexed by their backends.DeviceNum.
func (s *Session) Devices() []backends.DeviceDescription { return slices.Clone(s.devices) }

// IsClosed returns whether Close has been called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// String implements fmt.Stringer.
func (s *Session) String() string {
	return fmt.Sprintf("Session(%s, graph=%q, backend=%q)", s.handle, s.graph.Name(), s.backend.Name())
}

// compiledFetches is an executable compiled for a set of fetches and placeholders.
type compiledFetches struct {
	exec backends.Executable

	// placeholders in the order of the executable inputs.
	placeholders []*graph.Node

	// outputs in the order of the executable outputs: fetches with duplicates removed.
	outputs []*graph.Node
}

// Run evaluates the fetched nodes and returns their values, in the same order.
// Fetches depending on placeholders must use RunWithFeeds instead.
func (s *Session) Run(fetches ...*graph.Node) ([]*tensors.Tensor, error) {
	return s.RunWithContext(context.Background(), nil, fetches...)
}

// RunWithFeeds evaluates the fetched nodes, with the placeholders they depend on set to the values in feeds.
func (s *Session) RunWithFeeds(feeds graph.FeedMap, fetches ...*graph.Node) ([]*tensors.Tensor, error) {
	return s.RunWithContext(context.Background(), feeds, fetches...)
}

type runResult struct {
	outputs []*tensors.Tensor
	err     error
}

// RunWithContext is like RunWithFeeds, but it returns early with ctx.Err() if the context is done before
// the computation finishes. The computation itself is not interrupted, and its results are discarded.
func (s *Session) RunWithContext(ctx context.Context, feeds graph.FeedMap, fetches ...*graph.Node) (
	[]*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.startRun(); err != nil {
		return nil, err
	}
	if ctx.Done() == nil {
		// Context can't be cancelled.
		defer s.runs.Done()
		return s.timedRun(feeds, fetches)
	}

	done := make(chan runResult, 1)
	go func() {
		defer s.runs.Done()
		outputs, err := s.timedRun(feeds, fetches)
		done <- runResult{outputs, err}
	}()
	select {
	case result := <-done:
		return result.outputs, result.err
	case <-ctx.Done():
		go func() {
			// Discard results of the abandoned run.
			result := <-done
			for _, t := range result.outputs {
				t.Finalize()
			}
		}()
		return nil, ctx.Err()
	}
}

// RunWithTimeout is like RunWithFeeds, with a timeout.
func (s *Session) RunWithTimeout(timeout time.Duration, feeds graph.FeedMap, fetches ...*graph.Node) (
	[]*tensors.Tensor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.RunWithContext(ctx, feeds, fetches...)
}

// startRun registers a run in flight, or returns ErrSessionClosed.
func (s *Session) startRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.runs.Add(1)
	return nil
}

// timedRun executes run and updates the Session statistics. Panics during the run are returned as errors.
func (s *Session) timedRun(feeds graph.FeedMap, fetches []*graph.Node) (outputs []*tensors.Tensor, err error) {
	start := time.Now()
	if exception := exceptions.Try(func() { outputs, err = s.run(feeds, fetches) }); exception != nil {
		outputs, err = nil, exceptionToError(exception, "session %s: Run panicked", s.handle)
	}
	s.recordRun(time.Since(start), err)
	return outputs, err
}

func (s *Session) run(feeds graph.FeedMap, fetches []*graph.Node) ([]*tensors.Tensor, error) {
	if err := s.graph.CheckValid(); err != nil {
		return nil, errors.WithMessagef(err, "session %s", s.handle)
	}
	if len(fetches) == 0 {
		return nil, errors.Errorf("session.Run: no fetches given")
	}
	outputs, err := s.dedupFetches(fetches)
	if err != nil {
		return nil, err
	}
	feedTensors, err := s.feedTensors(feeds)
	if err != nil {
		return nil, err
	}
	placeholders, err := requiredPlaceholders(outputs, feedTensors)
	if err != nil {
		return nil, err
	}
	compiled, err := s.compiledFor(outputs, placeholders)
	if err != nil {
		return nil, err
	}

	// Transfer the fed values to the devices where the placeholders were placed.
	inputs := make([]backends.Buffer, len(compiled.placeholders))
	defer func() {
		for _, input := range inputs {
			if input != nil {
				_ = s.backend.BufferFinalize(input)
			}
		}
	}()
	for ii, placeholder := range compiled.placeholders {
		device, err := s.placement(placeholder)
		if err != nil {
			return nil, err
		}
		t := feedTensors[placeholder]
		t.ConstFlatData(func(flat any) {
			inputs[ii], err = s.backend.BufferFromFlatData(device.Num, flat, t.Shape())
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "session.Run: feeding placeholder %q", placeholder.Name())
		}
	}

	buffers, err := compiled.exec.Execute(inputs...)
	if err != nil {
		return nil, errors.WithMessagef(err, "session.Run: executing graph %q", s.graph.Name())
	}
	values := make(map[*graph.Node]*tensors.Tensor, len(buffers))
	for ii, buffer := range buffers {
		t, err := s.bufferToTensor(buffer)
		if err != nil {
			for _, v := range values {
				v.Finalize()
			}
			for _, b := range buffers[ii+1:] {
				_ = s.backend.BufferFinalize(b)
			}
			return nil, errors.WithMessagef(err, "session.Run: output %q", compiled.outputs[ii].Name())
		}
		values[compiled.outputs[ii]] = t
	}

	// Each repeated fetch gets its own copy of the value.
	results := make([]*tensors.Tensor, len(fetches))
	used := make(map[*graph.Node]bool, len(values))
	for ii, fetch := range fetches {
		if used[fetch] {
			results[ii] = values[fetch].Clone()
		} else {
			results[ii] = values[fetch]
			used[fetch] = true
		}
	}
	return results, nil
}

// dedupFetches validates the fetches and returns them without duplicates.
func (s *Session) dedupFetches(fetches []*graph.Node) ([]*graph.Node, error) {
	outputs := make([]*graph.Node, 0, len(fetches))
	for ii, fetch := range fetches {
		if fetch == nil {
			return nil, errors.Errorf("session.Run: fetch #%d is nil", ii)
		}
		if fetch.Graph() != s.graph {
			return nil, errors.Errorf("session.Run: fetch #%d (%q) is not from the session graph %q",
				ii, fetch.Name(), s.graph.Name())
		}
		if !slices.Contains(outputs, fetch) {
			outputs = append(outputs, fetch)
		}
	}
	return outputs, nil
}

// feedTensors converts the fed values to tensors, checking them against the placeholders shapes.
func (s *Session) feedTensors(feeds graph.FeedMap) (map[*graph.Node]*tensors.Tensor, error) {
	feedTensors := make(map[*graph.Node]*tensors.Tensor, len(feeds))
	for node, value := range feeds {
		if node == nil || node.Graph() != s.graph {
			return nil, errors.Errorf("session.Run: fed node %v is not from the session graph %q", node, s.graph.Name())
		}
		if !node.IsPlaceholder() {
			return nil, errors.Errorf("session.Run: only placeholders can be fed, %q is a %s", node.Name(), node.Type())
		}
		t, err := toTensor(value, node.Shape())
		if err != nil {
			return nil, errors.WithMessagef(err, "session.Run: feeding placeholder %q", node.Name())
		}
		if !t.Shape().Equal(node.Shape()) {
			return nil, errors.Errorf("session.Run: placeholder %q has shape %s, but was fed a value with shape %s",
				node.Name(), node.Shape(), t.Shape())
		}
		feedTensors[node] = t
	}
	return feedTensors, nil
}

// toTensor converts a fed value: a *tensors.Tensor, a Go scalar or a flat slice with the placeholder's shape.
func toTensor(value any, shape shapes.Shape) (*tensors.Tensor, error) {
	switch v := value.(type) {
	case *tensors.Tensor:
		if v.IsFinalized() {
			return nil, errors.New("fed tensor has been finalized")
		}
		return v, nil
	case nil:
		return nil, errors.New("fed value is nil")
	}
	if reflect.TypeOf(value).Kind() == reflect.Slice {
		return tensors.FromAnyFlat(shape, value)
	}
	var t *tensors.Tensor
	err := exceptions.TryCatch[error](func() { t = tensors.FromValue(value) })
	if err != nil {
		return nil, err
	}
	return t, nil
}

// requiredPlaceholders returns the placeholders the outputs depend on, sorted by node id.
// It returns an error if any of them is not fed.
func requiredPlaceholders(outputs []*graph.Node, feeds map[*graph.Node]*tensors.Tensor) ([]*graph.Node, error) {
	var placeholders []*graph.Node
	visited := make(map[*graph.Node]bool)
	var visit func(node *graph.Node) error
	visit = func(node *graph.Node) error {
		if visited[node] {
			return nil
		}
		visited[node] = true
		if node.IsPlaceholder() {
			if _, found := feeds[node]; !found {
				return errors.Errorf("session.Run: placeholder %q (shape %s) must be fed a value", node.Name(),
					node.Shape())
			}
			placeholders = append(placeholders, node)
			return nil
		}
		for _, input := range node.Inputs() {
			if err := visit(input); err != nil {
				return err
			}
		}
		return nil
	}
	for _, output := range outputs {
		if err := visit(output); err != nil {
			return nil, err
		}
	}
	slices.SortFunc(placeholders, func(a, b *graph.Node) int { return int(a.Id()) - int(b.Id()) })
	return placeholders, nil
}

// cacheKey of the executable for the given outputs and placeholders.
func cacheKey(outputs, placeholders []*graph.Node) string {
	var sb strings.Builder
	sb.WriteString("fetch:")
	for _, node := range outputs {
		fmt.Fprintf(&sb, "%d,", node.Id())
	}
	sb.WriteString("feed:")
	for _, node := range placeholders {
		fmt.Fprintf(&sb, "%d,", node.Id())
	}
	return sb.String()
}

// compiledFor returns the cached executable for outputs and placeholders, compiling it if needed.
func (s *Session) compiledFor(outputs, placeholders []*graph.Node) (*compiledFetches, error) {
	key := cacheKey(outputs, placeholders)
	s.mu.Lock()
	defer s.mu.Unlock()
	if compiled, found := s.cache[key]; found {
		return compiled, nil
	}
	var compiled *compiledFetches
	var err error
	if exception := exceptions.TryCatch[error](func() { compiled, err = s.lockedCompile(key, outputs) }); exception != nil {
		err = exception
	}
	if err != nil {
		return nil, err
	}
	s.cache[key] = compiled
	s.stats.NumCompiled++
	klog.V(1).Infof("session %s: compiled %q with %d outputs and %d inputs", s.handle, key,
		len(compiled.outputs), len(compiled.placeholders))
	return compiled, nil
}

// lockedCompile places and converts to backend ops every node the outputs depend on, and compiles them.
//
// It must be called with Session.mu acquired.
func (s *Session) lockedCompile(key string, outputs []*graph.Node) (*compiledFetches, error) {
	needed := make([]bool, s.graph.NumNodes())
	var markNeeded func(node *graph.Node)
	markNeeded = func(node *graph.Node) {
		if needed[node.Id()] {
			return
		}
		needed[node.Id()] = true
		for _, input := range node.Inputs() {
			markNeeded(input)
		}
	}
	for _, output := range outputs {
		markNeeded(output)
	}

	builder := s.backend.Builder(fmt.Sprintf("%s[%s]", s.graph.Name(), key))
	compiled := &compiledFetches{outputs: outputs}
	ops := make(map[*graph.Node]backends.Op)
	// Nodes are in creation order, so inputs are always converted before the nodes using them.
	for _, node := range s.graph.Nodes() {
		if int(node.Id()) >= len(needed) || !needed[node.Id()] {
			continue
		}
		device, err := s.lockedPlacement(node)
		if err != nil {
			return nil, err
		}
		if err = builder.SetDevice(device.Num); err != nil {
			return nil, err
		}
		op, err := convertNode(builder, node, ops)
		if err != nil {
			return nil, errors.WithMessagef(err, "session: building node %s", node)
		}
		ops[node] = op
		if node.IsPlaceholder() {
			compiled.placeholders = append(compiled.placeholders, node)
		}
	}

	outputOps := make([]backends.Op, len(outputs))
	for ii, output := range outputs {
		outputOps[ii] = ops[output]
	}
	exec, err := builder.Compile(outputOps...)
	if err != nil {
		return nil, errors.WithMessagef(err, "session: compiling graph %q", s.graph.Name())
	}
	compiled.exec = exec
	return compiled, nil
}

// convertNode creates the backend op for node, given the ops of its inputs.
func convertNode(builder backends.Builder, node *graph.Node, ops map[*graph.Node]backends.Op) (backends.Op, error) {
	inputs := make([]backends.Op, len(node.Inputs()))
	for ii, input := range node.Inputs() {
		inputs[ii] = ops[input]
	}
	switch node.Type() {
	case backends.OpTypeConstant:
		var op backends.Op
		var err error
		node.ConstantValue().ConstFlatData(func(flat any) {
			op, err = builder.Constant(flat, node.Shape().Dimensions...)
		})
		return op, err
	case backends.OpTypeParameter:
		return builder.Parameter(node.Name(), node.Shape())
	case backends.OpTypeAdd:
		return builder.Add(inputs[0], inputs[1])
	case backends.OpTypeSub:
		return builder.Sub(inputs[0], inputs[1])
	case backends.OpTypeMul:
		return builder.Mul(inputs[0], inputs[1])
	case backends.OpTypeDiv:
		return builder.Div(inputs[0], inputs[1])
	case backends.OpTypeNeg:
		return builder.Neg(inputs[0])
	}
	return nil, errors.Errorf("op type %s not supported", node.Type())
}

// bufferToTensor transfers the buffer to a new tensor, and finalizes the buffer.
func (s *Session) bufferToTensor(buffer backends.Buffer) (*tensors.Tensor, error) {
	defer func() { _ = s.backend.BufferFinalize(buffer) }()
	shape, err := s.backend.BufferShape(buffer)
	if err != nil {
		return nil, err
	}
	deviceNum, err := s.backend.BufferDeviceNum(buffer)
	if err != nil {
		return nil, err
	}
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size()).Interface()
	if err = s.backend.BufferToFlatData(buffer, flat); err != nil {
		return nil, err
	}
	t, err := tensors.FromAnyFlat(shape, flat)
	if err != nil {
		return nil, err
	}
	return t.OnDevice(deviceNum), nil
}

// Close releases the compiled executables and, if the Session created it, the backend.
//
// It waits for the runs in flight to finish. Calls to Run after Close return ErrSessionClosed.
// It is safe to call Close more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.runs.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, compiled := range s.cache {
		compiled.exec.Finalize()
	}
	s.cache = nil
	s.placements = nil
	if s.ownsBackend {
		s.backend.Finalize()
	}
	klog.V(1).Infof("closed session %s: %s", s.handle, s.stats)
	return nil
}
