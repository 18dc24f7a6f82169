package simplego

import (
	"reflect"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for SimpleGo backend holds a shape, the device it was assigned to and a reference to the flat data.
type Buffer struct {
	shape     shapes.Shape
	deviceNum backends.DeviceNum
	valid     bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat: reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getBuffer from backend pool of buffers.
func (b *Backend) getBuffer(dtype dtypes.DType, length int) *Buffer {
	pool := b.getBufferPool(dtype, length)
	buf := pool.Get().(*Buffer)
	buf.valid = true
	return buf
}

// putBuffer back into the backend pool of buffers.
// After this any references to buffer should be dropped.
func (b *Backend) putBuffer(buffer *Buffer) {
	if buffer == nil || !buffer.shape.Ok() || !buffer.valid {
		return
	}
	buffer.valid = false
	pool := b.getBufferPool(buffer.shape.DType, buffer.shape.Size())
	pool.Put(buffer)
}

// newBuffer creates the buffer for the given shape and device, with a flat space taken from the pool.
// The contents of the flat space are undefined.
func (b *Backend) newBuffer(shape shapes.Shape, deviceNum backends.DeviceNum) *Buffer {
	buffer := b.getBuffer(shape.DType, shape.Size())
	buffer.shape = shape.Clone()
	buffer.deviceNum = deviceNum
	return buffer
}

// cloneBuffer using the pool to allocate a new one.
func (b *Backend) cloneBuffer(buffer *Buffer) *Buffer {
	newBuffer := b.newBuffer(buffer.shape, buffer.deviceNum)
	copyFlat(newBuffer.flat, buffer.flat)
	return newBuffer
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// checkBuffer returns the *Buffer, or an error if it is not a valid SimpleGo buffer.
func checkBuffer(backendBuffer backends.Buffer) (*Buffer, error) {
	buffer, ok := backendBuffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer (%T) is not a %q backend buffer", backendBuffer, BackendName)
	}
	if buffer == nil || buffer.flat == nil || !buffer.shape.Ok() || !buffer.valid {
		var issues []string
		if buffer == nil {
			issues = append(issues, "buffer was nil")
		} else {
			if buffer.flat == nil {
				issues = append(issues, "buffer.flat was nil")
			}
			if !buffer.shape.Ok() {
				issues = append(issues, "buffer.shape was invalid")
			}
			if !buffer.valid {
				issues = append(issues, "buffer was marked as invalid")
			}
		}
		return nil, errors.Errorf("buffer (%p): %s -- buffer was already finalized!?", buffer, strings.Join(issues, ", "))
	}
	return buffer, nil
}

// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
// freed immediately.
//
// A finalized buffer should never be used again. Preferably, the caller should set its references to it to nil.
func (b *Backend) BufferFinalize(backendBuffer backends.Buffer) error {
	buffer, err := checkBuffer(backendBuffer)
	if err != nil {
		return errors.WithMessage(err, "BufferFinalize")
	}
	b.putBuffer(buffer)
	return nil
}

// BufferShape returns the shape for the buffer.
func (b *Backend) BufferShape(backendBuffer backends.Buffer) (shapes.Shape, error) {
	buffer, err := checkBuffer(backendBuffer)
	if err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "BufferShape")
	}
	return buffer.shape, nil
}

// BufferDeviceNum returns the deviceNum for the buffer.
func (b *Backend) BufferDeviceNum(backendBuffer backends.Buffer) (backends.DeviceNum, error) {
	buffer, err := checkBuffer(backendBuffer)
	if err != nil {
		return 0, errors.WithMessage(err, "BufferDeviceNum")
	}
	return buffer.deviceNum, nil
}

// BufferToFlatData transfers the flat values of the buffer to the Go flat array.
// The slice flat must have the exact number of elements required to store the backends.Buffer shape.
func (b *Backend) BufferToFlatData(backendBuffer backends.Buffer, flat any) error {
	buffer, err := checkBuffer(backendBuffer)
	if err != nil {
		return errors.WithMessage(err, "BufferToFlatData")
	}
	if err := checkFlat(flat, buffer.shape); err != nil {
		return errors.WithMessage(err, "BufferToFlatData")
	}
	copyFlat(flat, buffer.flat)
	return nil
}

// BufferFromFlatData transfers data from Go given as a flat slice (of the type corresponding to the shape DType)
// to the deviceNum, and returns the corresponding backends.Buffer.
func (b *Backend) BufferFromFlatData(deviceNum backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, errors.WithMessagef(err, "BufferFromFlatData(shape=%s)", shape)
	}
	if err := checkFlat(flat, shape); err != nil {
		return nil, errors.WithMessage(err, "BufferFromFlatData")
	}
	buffer := b.newBuffer(shape, deviceNum)
	copyFlat(buffer.flat, flat)
	return buffer, nil
}

// checkFlat returns an error if flat is not a slice of the shape's dtype, with the shape's size.
func checkFlat(flat any, shape shapes.Shape) error {
	flatType := reflect.TypeOf(flat)
	if flatType == nil || flatType.Kind() != reflect.Slice {
		return errors.Errorf("flat data should be a slice, not %T", flat)
	}
	if dtype := dtypes.FromGoType(flatType.Elem()); dtype != shape.DType {
		return errors.Errorf("flat data type (%s) does not match shape DType (%s)", flatType.Elem(), shape.DType)
	}
	if flatLen := reflect.ValueOf(flat).Len(); flatLen != shape.Size() {
		return errors.Errorf("flat data has %d elements, but shape %s requires %d", flatLen, shape, shape.Size())
	}
	return nil
}
