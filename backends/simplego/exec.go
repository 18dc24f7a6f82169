package simplego

import (
	"sync"

	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Executable holds a frozen Builder. It assumes the graph in Builder is valid and has been properly
// checked that all the shapes and data types are valid.
//
// If any inconsistencies are found, please fix in the Builder, so Executable can be written without the need
// of any duplicate checks.
type Executable struct {
	backend *Backend

	// builder must have Builder.compiled set to true, so it is no longer active.
	// It is set to nil when the Executable is finalized.
	builder *Builder

	// mu protects builder from being finalized during an execution.
	mu sync.RWMutex

	// numNodesToProcess is the max(outputs)+1: we don't need to look or store information above that.
	numNodesToProcess int

	// numUses is the number of times each Node is used during the calculation.
	// It has the length of numNodesToProcess.
	numUses []int

	// executionBuffersPool allow for re-use of executionBuffers.
	executionBuffersPool sync.Pool

	// dependents maps each node to the list of nodes that depend on it -- only count nodes that are used
	// by this executable.
	dependents [][]int
}

// Compile time check.
var _ backends.Executable = (*Executable)(nil)

// executionBuffers holds the intermediate results during the execution of the graph.
// One is created per execution of Executable.
type executionBuffers struct {
	// results hold the calculated computations at each step.
	results []*Buffer

	// numUsed hold the number of times each node has been used already. Once they match numUses, the results buffer can
	// be released or re-used.
	numUsed []int

	// owned indicates whether the corresponding buffer in results is owned by the executor,
	// in which case it's a temporary buffer that can be returned to the pool after its last use.
	owned []bool

	// remainingDeps is the number of remaining dependencies for each node.
	remainingDeps []int

	opsExecutionType opsExecutionType

	// mu protects numUsed and results during parallel execution.
	mu sync.Mutex
}

type opsExecutionType int

const (
	opsExecutionDynamic opsExecutionType = iota
	opsExecutionParallel
	opsExecutionSequential
)

// newExecutable creates an Executable ready to run the graph built with builder.
func newExecutable(builder *Builder) *Executable {
	var numNodesToProcess int
	for _, output := range builder.outputs {
		numNodesToProcess = max(numNodesToProcess, output.builderIdx+1)
	}
	e := &Executable{
		backend:           builder.backend,
		builder:           builder,
		numNodesToProcess: numNodesToProcess,
		numUses:           make([]int, numNodesToProcess),
		dependents:        make([][]int, numNodesToProcess),
	}
	e.executionBuffersPool.New = func() any {
		return &executionBuffers{
			results:       make([]*Buffer, numNodesToProcess),
			numUsed:       make([]int, numNodesToProcess),
			owned:         make([]bool, numNodesToProcess),
			remainingDeps: make([]int, numNodesToProcess),
		}
	}

	// Count uses for each node starting from outputs: nodes not reachable from the outputs are pruned.
	for _, output := range builder.outputs {
		e.countNodeUsesAndDependants(output)
	}
	return e
}

// countNodeUsesAndDependants recursively counts how many times a node is used.
func (e *Executable) countNodeUsesAndDependants(node *Node) {
	thisNodeIdx := node.builderIdx
	e.numUses[thisNodeIdx]++
	if e.numUses[thisNodeIdx] == 1 {
		// On the first visit, recursively, traverse inputs of the node.
		for _, input := range node.inputs {
			e.dependents[input.builderIdx] = append(e.dependents[input.builderIdx], thisNodeIdx)
			e.countNodeUsesAndDependants(input)
		}
	}
}

// Finalize immediately frees resources associated with the executable.
// It waits for any executions in progress to finish.
func (e *Executable) Finalize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.builder == nil {
		return
	}
	e.builder.Finalize()
	e.builder = nil
}

// Inputs returns the list of parameters names and shapes, in order created by the Builder.Parameter calls.
func (e *Executable) Inputs() (names []string, inputShapes []shapes.Shape) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.builder == nil {
		return
	}
	numInputs := len(e.builder.inputs)
	if numInputs == 0 {
		return
	}
	names = make([]string, numInputs)
	inputShapes = make([]shapes.Shape, numInputs)
	for ii, node := range e.builder.inputs {
		names[ii] = node.data.(*nodeParameter).name
		inputShapes[ii] = node.shape
	}
	return
}

// Outputs returns the output shapes of the computation, in order given to the Builder.Compile call.
func (e *Executable) Outputs() (outputShapes []shapes.Shape) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.builder == nil {
		return
	}
	outputShapes = make([]shapes.Shape, len(e.builder.outputs))
	for ii, node := range e.builder.outputs {
		outputShapes[ii] = node.shape
	}
	return outputShapes
}

// nodeExecutor for the given operation type.
//
// It is given the buffers for its inputs, and returns a new buffer with the result, already
// assigned to node.deviceNum.
type nodeExecutor func(backend *Backend, node *Node, inputs []*Buffer) (*Buffer, error)

// nodeExecutors should be populated during initialization (`init` functions) for the ops implemented.
// For the nodes not implemented, leave it as nil, and it will return an error.
var nodeExecutors [backends.OpTypeLast]nodeExecutor

// Execute the executable. The number and shapes of the inputs must match those returned by Inputs.
func (e *Executable) Execute(inputs ...backends.Buffer) ([]backends.Buffer, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.builder == nil {
		return nil, errors.New("Execute: executable has been finalized")
	}
	if e.backend.IsFinalized() {
		return nil, errors.Errorf("Execute(%q): backend has been finalized", e.builder.name)
	}

	// Keep the live executions count.
	e.backend.numLiveExecutions.Add(1)
	defer e.backend.numLiveExecutions.Add(-1)

	// Check inputs.
	if len(inputs) != len(e.builder.inputs) {
		return nil, errors.Errorf("Execute(%q): expected %d inputs, got %d", e.builder.name, len(e.builder.inputs), len(inputs))
	}
	for ii, input := range inputs {
		inputBuffer, err := checkBuffer(input)
		if err != nil {
			return nil, errors.WithMessagef(err, "Execute(%q): input #%d", e.builder.name, ii)
		}
		nodeInput := e.builder.inputs[ii]
		if !inputBuffer.shape.Equal(nodeInput.shape) {
			paramName := nodeInput.data.(*nodeParameter).name
			return nil, errors.Errorf("Execute: parameter %q (input #%d) for %q: expected shape %s, got %s",
				paramName, ii, e.builder.name, nodeInput.shape, inputBuffer.shape)
		}
	}

	// Get execution buffers from pool and reset them.
	execBuf := e.executionBuffersPool.Get().(*executionBuffers)
	defer e.executionBuffersPool.Put(execBuf)
	for ii := range e.numNodesToProcess {
		execBuf.numUsed[ii] = 0
		execBuf.owned[ii] = false
		execBuf.results[ii] = nil
		execBuf.remainingDeps[ii] = 0
	}

	// Initialize "parameters" results with input buffers: they are not owned by the executor.
	for ii, input := range inputs {
		inputNodeIdx := e.builder.inputs[ii].builderIdx
		if inputNodeIdx < e.numNodesToProcess {
			execBuf.results[inputNodeIdx] = input.(*Buffer)
		}
	}

	// Decide if we are going to execute ops in parallel or sequentially:
	executionMode := e.backend.opsExecutionType
	if executionMode == opsExecutionDynamic {
		if e.backend.numLiveExecutions.Load() == 1 && e.backend.workers.IsEnabled() {
			// Current computation graph execution is the only one, so execute ops in parallel.
			executionMode = opsExecutionParallel
		} else {
			// Leave one worker (goroutine) per graph being executed.
			executionMode = opsExecutionSequential
		}
	}
	if !e.backend.workers.IsEnabled() {
		executionMode = opsExecutionSequential
	}
	execBuf.opsExecutionType = executionMode

	var err error
	if executionMode == opsExecutionSequential {
		err = e.executeSequentially(execBuf)
	} else {
		err = e.executeParallel(execBuf)
	}
	if err != nil {
		e.releaseResults(execBuf)
		return nil, err
	}

	// Return outputs, copying them if not owned by the executor.
	outputs := make([]backends.Buffer, len(e.builder.outputs))
	for ii, outputNode := range e.builder.outputs {
		outNodeIdx := outputNode.builderIdx
		outBuf := execBuf.results[outNodeIdx]
		if outBuf == nil {
			e.releaseResults(execBuf)
			return nil, errors.Errorf("Execute: output #%d (%s, nodeIdx=%d) is not calculated yet (!?) -- "+
				"this is a bug, it should never have happened", ii, outputNode.opType, outNodeIdx)
		}
		execBuf.results[outNodeIdx] = nil // Make sure we don't return the same buffer twice.
		if !execBuf.owned[outNodeIdx] {
			// Constants and parameters: make a copy, since we don't own them.
			outBuf = e.backend.cloneBuffer(outBuf)
			outBuf.deviceNum = outputNode.deviceNum
		}
		outputs[ii] = outBuf
	}
	e.releaseResults(execBuf)
	return outputs, nil
}

// releaseResults returns to the pool the intermediary buffers that haven't been freed yet.
func (e *Executable) releaseResults(execBuf *executionBuffers) {
	for nodeIdx, buf := range execBuf.results {
		if buf != nil && execBuf.owned[nodeIdx] {
			e.backend.putBuffer(buf)
		}
		execBuf.results[nodeIdx] = nil
	}
}

// executeSequentially executes operations one after another. It uses execBuf to store the results.
func (e *Executable) executeSequentially(execBuf *executionBuffers) error {
	// Loop over nodes sequentially: they are already sorted by their dependencies,
	// so nodes should always be ready to execute.
	for nodeIdx := range e.numNodesToProcess {
		if execBuf.results[nodeIdx] != nil || e.numUses[nodeIdx] == 0 {
			// Parameters are pre-filled, and unused nodes are skipped.
			continue
		}
		if err := e.executeNode(e.builder.nodes[nodeIdx], execBuf); err != nil {
			return err
		}
	}
	return nil
}

// executeNode executes the given node using execBuf as the context where to read pre-generated
// results of other ops, and where to store the result, for the current execution.
func (e *Executable) executeNode(node *Node, execBuf *executionBuffers) error {
	nodeIdx := node.builderIdx

	// Constants have a special treatment, since they have no inputs and their outputs are not owned by
	// the execBuf.
	if node.opType == backends.OpTypeConstant {
		e.lockIfParallel(execBuf)
		execBuf.owned[nodeIdx] = false
		execBuf.results[nodeIdx] = node.data.(*Buffer)
		e.unlockIfParallel(execBuf)
		return nil
	}

	inputBuffers := make([]*Buffer, len(node.inputs))
	e.lockIfParallel(execBuf)
	for ii, input := range node.inputs {
		inputBuffers[ii] = execBuf.results[input.builderIdx]
	}
	e.unlockIfParallel(execBuf)
	for ii, inputBuffer := range inputBuffers {
		if inputBuffer == nil {
			return errors.Errorf("SimpleGo execute: input #%d of node #%d is not calculated yet (!?) -- "+
				"this is a bug, it should never have happened", ii, nodeIdx)
		}
	}

	executor := nodeExecutors[node.opType]
	if executor == nil {
		return errors.Errorf("Execute: node executor for op type %s not implemented!?", node.opType)
	}
	result, err := executor(e.backend, node, inputBuffers)
	if err != nil {
		return errors.WithMessagef(err, "while executing %q (node #%d)", node.opType, nodeIdx)
	}

	e.lockIfParallel(execBuf)
	defer e.unlockIfParallel(execBuf)
	execBuf.results[nodeIdx] = result
	execBuf.owned[nodeIdx] = true

	// Release inputs after their last use.
	for ii, input := range node.inputs {
		inputNodeIdx := input.builderIdx
		execBuf.numUsed[inputNodeIdx]++
		if execBuf.numUsed[inputNodeIdx] == e.numUses[inputNodeIdx] && execBuf.owned[inputNodeIdx] &&
			!e.isOutput(inputNodeIdx) {
			e.backend.putBuffer(inputBuffers[ii])
			execBuf.results[inputNodeIdx] = nil
		}
	}
	return nil
}

// isOutput returns whether the node is one of the outputs: its result is kept until the end of the execution.
func (e *Executable) isOutput(nodeIdx int) bool {
	for _, output := range e.builder.outputs {
		if output.builderIdx == nodeIdx {
			return true
		}
	}
	return false
}

func (e *Executable) lockIfParallel(execBuf *executionBuffers) {
	if execBuf.opsExecutionType == opsExecutionParallel {
		execBuf.mu.Lock()
	}
}

func (e *Executable) unlockIfParallel(execBuf *executionBuffers) {
	if execBuf.opsExecutionType == opsExecutionParallel {
		execBuf.mu.Unlock()
	}
}

// executeParallel executes ops as soon as their inputs are ready, using the backend workers.
// It uses execBuf to store the results.
func (e *Executable) executeParallel(execBuf *executionBuffers) error {
	var (
		readyToExecute chan int // protected by execMu
		collectErrors  []error  // protected by execMu
		execMu         sync.Mutex
		inFlight       sync.WaitGroup
	)
	readyToExecute = make(chan int, e.numNodesToProcess+10)
	stopExecutionFn := sync.OnceFunc(func() { close(readyToExecute) })

	// expected is the number of nodes that needs executing to complete the computation.
	expected := 0
	// completed is the number of required nodes that have been executed.
	completed := 0

	// Count expected nodes and initialize dependencies.
	for nodeIdx := range e.numNodesToProcess {
		if e.numUses[nodeIdx] > 0 {
			expected++
			execBuf.remainingDeps[nodeIdx] = len(e.builder.nodes[nodeIdx].inputs)
			if execBuf.remainingDeps[nodeIdx] == 0 {
				readyToExecute <- nodeIdx
			}
		}
	}

	appendErrorFn := func(err error) {
		execMu.Lock()
		defer execMu.Unlock()
		collectErrors = append(collectErrors, err)
		stopExecutionFn()
	}

	for nodeIdx := range readyToExecute {
		nodeExecFn := func() {
			defer inFlight.Done()
			node := e.builder.nodes[nodeIdx]
			if execBuf.results[nodeIdx] == nil {
				// Parameters have their results pre-filled.
				if err := e.executeNode(node, execBuf); err != nil {
					appendErrorFn(err)
					return
				}
			}

			// Update dependencies and schedule ready nodes.
			execMu.Lock()
			defer execMu.Unlock()
			if len(collectErrors) > 0 {
				return
			}
			completed++
			if completed == expected {
				stopExecutionFn()
				return
			}
			for _, depIdx := range e.dependents[nodeIdx] {
				execBuf.remainingDeps[depIdx]--
				if execBuf.remainingDeps[depIdx] == 0 {
					readyToExecute <- depIdx
				}
			}
		}
		inFlight.Add(1)
		e.backend.workers.WaitToStart(nodeExecFn)
	}
	inFlight.Wait()

	// If there were errors, return the first.
	execMu.Lock()
	defer execMu.Unlock()
	if len(collectErrors) > 0 {
		return collectErrors[0]
	}
	return nil
}
