package simplego

import (
	"slices"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gosession/backends"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// This file implements the element-wise ops.
// Binary ops take either operands of the same shape, or one of the operands is a scalar, in which case it
// becomes almost a unary operation with a constant value.

func init() {
	nodeExecutors[backends.OpTypeAdd] = execBinary
	nodeExecutors[backends.OpTypeSub] = execBinary
	nodeExecutors[backends.OpTypeMul] = execBinary
	nodeExecutors[backends.OpTypeDiv] = execBinary
	nodeExecutors[backends.OpTypeNeg] = execNeg
}

// ErrIntegerDivisionByZero is returned by the execution of Div on integer operands, if any of the divisors is 0.
var ErrIntegerDivisionByZero = errors.New("integer division by zero")

// minParallelChunkSize is the minimum number of elements processed by each parallel chunk of an element-wise op.
// Ops with fewer than twice this number of elements are executed inline.
const minParallelChunkSize = 16 * 1024

// parallelChunks calls fn over the ranges [start, end) covering [0, n), using the available workers
// for large enough n. It returns when all chunks are done.
//
// Workers started with workerspool.Pool.Saturate pull chunks until none is left.
func (b *Backend) parallelChunks(n int, fn func(start, end int)) {
	if n < 2*minParallelChunkSize || !b.workers.IsEnabled() {
		fn(0, n)
		return
	}
	numChunks := (n + minParallelChunkSize - 1) / minParallelChunkSize
	var nextChunk atomic.Int64
	b.workers.Saturate(func() {
		for {
			chunk := int(nextChunk.Add(1) - 1)
			if chunk >= numChunks {
				return
			}
			start := chunk * minParallelChunkSize
			fn(start, min(start+minParallelChunkSize, n))
		}
	})
}

// applyBinary fills output with opFn(lhs, rhs), broadcasting a scalar lhs or rhs.
func applyBinary[T supportedTypesConstraints](backend *Backend, opFn func(a, b T) T, lhs, rhs, output []T) {
	switch {
	case len(rhs) == 1 && len(lhs) != 1:
		c := rhs[0]
		backend.parallelChunks(len(output), func(start, end int) {
			for ii := start; ii < end; ii++ {
				output[ii] = opFn(lhs[ii], c)
			}
		})
	case len(lhs) == 1 && len(rhs) != 1:
		// Needed for the non-commutative ops, like Sub and Div.
		c := lhs[0]
		backend.parallelChunks(len(output), func(start, end int) {
			for ii := start; ii < end; ii++ {
				output[ii] = opFn(c, rhs[ii])
			}
		})
	default:
		backend.parallelChunks(len(output), func(start, end int) {
			for ii := start; ii < end; ii++ {
				output[ii] = opFn(lhs[ii], rhs[ii])
			}
		})
	}
}

// binaryFloatFn returns the scalar function for a float op.
func binaryFloatFn[T floatConstraints](opType backends.OpType) func(a, b T) T {
	switch opType {
	case backends.OpTypeAdd:
		return func(a, b T) T { return a + b }
	case backends.OpTypeSub:
		return func(a, b T) T { return a - b }
	case backends.OpTypeMul:
		return func(a, b T) T { return a * b }
	case backends.OpTypeDiv:
		return func(a, b T) T { return a / b }
	}
	return nil
}

// binaryIntFn returns the scalar function for an integer op.
func binaryIntFn[T intConstraints](opType backends.OpType) func(a, b T) T {
	switch opType {
	case backends.OpTypeAdd:
		return func(a, b T) T { return a + b }
	case backends.OpTypeSub:
		return func(a, b T) T { return a - b }
	case backends.OpTypeMul:
		return func(a, b T) T { return a * b }
	case backends.OpTypeDiv:
		return func(a, b T) T { return a / b }
	}
	return nil
}

func execBinaryFloat[T floatConstraints](backend *Backend, opType backends.OpType, lhs, rhs, output any) {
	applyBinary(backend, binaryFloatFn[T](opType), lhs.([]T), rhs.([]T), output.([]T))
}

func execBinaryInt[T intConstraints](backend *Backend, opType backends.OpType, lhs, rhs, output any) error {
	if opType == backends.OpTypeDiv && slices.Contains(rhs.([]T), 0) {
		return ErrIntegerDivisionByZero
	}
	applyBinary(backend, binaryIntFn[T](opType), lhs.([]T), rhs.([]T), output.([]T))
	return nil
}

// execBinaryFloat16 computes the op in float32 and rounds the result back to float16.
func execBinaryFloat16(backend *Backend, opType backends.OpType, lhs, rhs, output any) {
	opFn32 := binaryFloatFn[float32](opType)
	opFn := func(a, b float16.Float16) float16.Float16 {
		return float16.Fromfloat32(opFn32(a.Float32(), b.Float32()))
	}
	applyBinary(backend, opFn, lhs.([]float16.Float16), rhs.([]float16.Float16), output.([]float16.Float16))
}

// execBinary executes Add, Sub, Mul and Div.
func execBinary(backend *Backend, node *Node, inputs []*Buffer) (*Buffer, error) {
	lhs, rhs := inputs[0], inputs[1]
	output := backend.newBuffer(node.shape, node.deviceNum)
	var err error
	switch node.shape.DType {
	case dtypes.Float32:
		execBinaryFloat[float32](backend, node.opType, lhs.flat, rhs.flat, output.flat)
	case dtypes.Float64:
		execBinaryFloat[float64](backend, node.opType, lhs.flat, rhs.flat, output.flat)
	case dtypes.Float16:
		execBinaryFloat16(backend, node.opType, lhs.flat, rhs.flat, output.flat)
	case dtypes.Int32:
		err = execBinaryInt[int32](backend, node.opType, lhs.flat, rhs.flat, output.flat)
	case dtypes.Int64:
		err = execBinaryInt[int64](backend, node.opType, lhs.flat, rhs.flat, output.flat)
	default:
		err = errors.Errorf("dtype %s not supported by op %s", node.shape.DType, node.opType)
	}
	if err != nil {
		backend.putBuffer(output)
		return nil, err
	}
	return output, nil
}

func applyNeg[T floatConstraints | intConstraints](backend *Backend, input, output []T) {
	backend.parallelChunks(len(output), func(start, end int) {
		for ii := start; ii < end; ii++ {
			output[ii] = -input[ii]
		}
	})
}

// execNeg executes the unary Neg op.
func execNeg(backend *Backend, node *Node, inputs []*Buffer) (*Buffer, error) {
	input := inputs[0]
	output := backend.newBuffer(node.shape, node.deviceNum)
	switch node.shape.DType {
	case dtypes.Float32:
		applyNeg(backend, input.flat.([]float32), output.flat.([]float32))
	case dtypes.Float64:
		applyNeg(backend, input.flat.([]float64), output.flat.([]float64))
	case dtypes.Int32:
		applyNeg(backend, input.flat.([]int32), output.flat.([]int32))
	case dtypes.Int64:
		applyNeg(backend, input.flat.([]int64), output.flat.([]int64))
	case dtypes.Float16:
		inputFlat, outputFlat := input.flat.([]float16.Float16), output.flat.([]float16.Float16)
		backend.parallelChunks(len(outputFlat), func(start, end int) {
			for ii := start; ii < end; ii++ {
				outputFlat[ii] = float16.Fromfloat32(-inputFlat[ii].Float32())
			}
		})
	default:
		backend.putBuffer(output)
		return nil, errors.Errorf("dtype %s not supported by op %s", node.shape.DType, node.opType)
	}
	return output, nil
}
