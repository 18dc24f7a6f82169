package backends

import (
	"github.com/gomlx/gosession/pkg/core/shapes"
)

// Executable is the API for compiled programs ready to execute.
type Executable interface {
	// Finalize immediately frees resources associated to the executable.
	Finalize()

	// Inputs returns the list of parameters names and shapes, in order created by the Builder.Parameter calls.
	Inputs() (names []string, inputShapes []shapes.Shape)

	// Outputs returns the list of the shapes of the outputs of the computation, in order given to the Builder.Compile call.
	Outputs() (outputShapes []shapes.Shape)

	// Execute the executable. The number and shapes of the inputs must match those returned by Inputs.
	// Each output Buffer lives on the device assigned to the op that produced it.
	//
	// Input buffers are not modified, and they remain owned by the caller.
	Execute(inputs ...Buffer) ([]Buffer, error)
}
