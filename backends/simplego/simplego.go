// Package simplego implements a simple, and not very fast, but very portable backend for gosession.
//
// It runs every op on the host CPU with plain Go code, and it advertises one or more CPU devices
// (never a GPU). Ops assigned to different CPU devices produce buffers tagged with the respective
// device number, but they all share the host memory.
//
// It only implements the most popular dtypes (Float16, Float32, Float64, Int32, Int64) and the
// element-wise arithmetic ops.
package simplego

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GOSESSION_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend.
//
// The config is a comma-separated list of options:
//
//   - "cpus=N": number of CPU devices advertised, defaults to 1.
//   - "parallelism=N": max number of ops executed in parallel. 0 executes ops inline, -1 is unlimited.
//     It defaults to runtime.NumCPU().
//   - "sequential" or "parallel": force one execution mode, instead of deciding dynamically.
func New(config string) (backends.Backend, error) {
	b := newBackend()
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "cpus":
			numCPUs, err := strconv.Atoi(value)
			if err != nil || numCPUs <= 0 {
				return nil, errors.Errorf("backend %q: invalid number of cpus in option %q", BackendName, option)
			}
			b.numCPUs = numCPUs
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil || parallelism < -1 {
				return nil, errors.Errorf("backend %q: invalid parallelism in option %q", BackendName, option)
			}
			b.workers.SetMaxParallelism(parallelism)
		case "sequential":
			b.opsExecutionType = opsExecutionSequential
		case "parallel":
			b.opsExecutionType = opsExecutionParallel
		default:
			return nil, errors.Errorf("backend %q: unknown configuration option %q", BackendName, option)
		}
	}
	klog.V(1).Infof("created backend %q with %d CPU device(s), max parallelism %d",
		BackendName, b.numCPUs, b.workers.MaxParallelism())
	return b, nil
}

func newBackend() *Backend {
	return &Backend{
		numCPUs: 1,
		workers: workerspool.New(),
	}
}

// Backend implements the backends.Backend interface.
type Backend struct {
	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map

	numCPUs int

	// workers used by the parallel execution of ops.
	workers *workerspool.Pool

	// opsExecutionType can be fixed by the configuration, or left dynamic.
	opsExecutionType opsExecutionType

	// numLiveExecutions is the number of executions currently running, used to decide the execution mode.
	numLiveExecutions atomic.Int32

	isFinalized atomic.Bool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return "SimpleGo (go)"
}

// String implement fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simple Go Portable Backend with %d CPU device(s)", b.numCPUs)
}

// NumDevices return the number of devices available for this Backend.
func (b *Backend) NumDevices() backends.DeviceNum {
	return backends.DeviceNum(b.numCPUs)
}

// Devices lists the CPU devices: their index is the same as their device number.
func (b *Backend) Devices() []backends.DeviceDescription {
	devices := make([]backends.DeviceDescription, b.numCPUs)
	for ii := range devices {
		devices[ii] = backends.DeviceDescription{
			Num:         backends.DeviceNum(ii),
			Type:        backends.CPU,
			Index:       ii,
			Description: "host memory, pure Go",
		}
	}
	return devices
}

// Builder creates a new builder used to define a new named computation.
func (b *Backend) Builder(name string) backends.Builder {
	return &Builder{
		backend: b,
		name:    name,
	}
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.isFinalized.Store(true)
	b.bufferPools.Clear()
}

// IsFinalized returns whether Finalize has been called.
func (b *Backend) IsFinalized() bool {
	return b.isFinalized.Load()
}

// checkDevice returns an error if deviceNum is not one of the backend devices.
func (b *Backend) checkDevice(deviceNum backends.DeviceNum) error {
	if deviceNum < 0 || int(deviceNum) >= b.numCPUs {
		return errors.Errorf("backend %q has %d device(s), device #%d doesn't exist", BackendName, b.numCPUs, deviceNum)
	}
	return nil
}
