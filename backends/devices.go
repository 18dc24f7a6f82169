package backends

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DeviceType is the kind of device, e.g.: CPU or GPU. It is always upper case.
type DeviceType string

const (
	CPU DeviceType = "CPU"
	GPU DeviceType = "GPU"
)

// AnyIndex is used in a DeviceSpec to match any device index, or any replica/task.
const AnyIndex = -1

// LocalJob is the only job name served by the backends: all devices are local to the process.
const LocalJob = "localhost"

// DeviceDescription describes one device of a Backend.
type DeviceDescription struct {
	// Num is the device number used in the backends API.
	Num DeviceNum

	// Type of the device.
	Type DeviceType

	// Index of the device among the devices of the same type, starting from 0.
	Index int

	// Description is a free-form, human-readable description.
	Description string
}

// FullName returns the fully qualified device name, e.g. "/job:localhost/replica:0/task:0/device:CPU:0".
func (d DeviceDescription) FullName() string {
	return fmt.Sprintf("/job:%s/replica:0/task:0/device:%s:%d", LocalJob, d.Type, d.Index)
}

// String implements fmt.Stringer.
func (d DeviceDescription) String() string {
	if d.Description == "" {
		return d.FullName()
	}
	return fmt.Sprintf("%s (%s)", d.FullName(), d.Description)
}

// DeviceSpec is a (possibly partial) device specification, requested for ops in a graph.
//
// Create it with ParseDeviceSpec or AnyDevice: indices set to AnyIndex are unconstrained, so
// the zero value is not the same as AnyDevice.
type DeviceSpec struct {
	Job     string
	Replica int
	Task    int
	Type    DeviceType
	Index   int
}

// AnyDevice returns an unconstrained DeviceSpec.
func AnyDevice() DeviceSpec {
	return DeviceSpec{Replica: AnyIndex, Task: AnyIndex, Index: AnyIndex}
}

// ParseDeviceSpec parses a device name in one of the accepted formats:
//
//   - "" (unconstrained)
//   - "/job:localhost/replica:0/task:0/device:CPU:0" or any subset of its components, e.g. "/device:GPU:1".
//   - "/device:GPU:*" or "/device:GPU" for any GPU.
//   - legacy short names: "/cpu:0", "/gpu:1", "CPU:0", "gpu".
//
// Device types are case-insensitive and normalized to upper case.
func ParseDeviceSpec(name string) (DeviceSpec, error) {
	spec := AnyDevice()
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return spec, nil
	}
	for _, part := range strings.Split(strings.TrimPrefix(trimmed, "/"), "/") {
		if part == "" {
			return spec, errors.Errorf("invalid device name %q: empty component", name)
		}
		key, value, hasValue := strings.Cut(part, ":")
		var err error
		switch strings.ToLower(key) {
		case "job":
			if !hasValue || value == "" {
				return spec, errors.Errorf("invalid device name %q: missing job name", name)
			}
			spec.Job = value
		case "replica":
			spec.Replica, err = parseIndex(value, hasValue)
		case "task":
			spec.Task, err = parseIndex(value, hasValue)
		case "device":
			if !hasValue {
				return spec, errors.Errorf("invalid device name %q: missing device type", name)
			}
			err = spec.parseTypeAndIndex(value)
		default:
			// Legacy forms: "cpu:0", "GPU".
			err = spec.parseTypeAndIndex(part)
		}
		if err != nil {
			return spec, errors.WithMessagef(err, "invalid device name %q", name)
		}
	}
	return spec, nil
}

// MustParseDeviceSpec is like ParseDeviceSpec, but panics on error.
func MustParseDeviceSpec(name string) DeviceSpec {
	spec, err := ParseDeviceSpec(name)
	if err != nil {
		panic(err)
	}
	return spec
}

func (s *DeviceSpec) parseTypeAndIndex(value string) error {
	typeName, indexStr, hasIndex := strings.Cut(value, ":")
	if typeName == "" {
		return errors.New("empty device type")
	}
	for _, r := range typeName {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return errors.Errorf("invalid device type %q", typeName)
		}
	}
	if s.Type != "" {
		return errors.Errorf("device type given more than once")
	}
	s.Type = DeviceType(strings.ToUpper(typeName))
	var err error
	s.Index, err = parseIndex(indexStr, hasIndex)
	return err
}

func parseIndex(value string, hasValue bool) (int, error) {
	if !hasValue || value == "*" {
		return AnyIndex, nil
	}
	idx, err := strconv.Atoi(value)
	if err != nil || idx < 0 {
		return AnyIndex, errors.Errorf("invalid index %q", value)
	}
	return idx, nil
}

// IsEmpty returns whether the spec is unconstrained.
func (s DeviceSpec) IsEmpty() bool {
	return s.Job == "" && s.Replica == AnyIndex && s.Task == AnyIndex && s.Type == "" && s.Index == AnyIndex
}

// Matches returns whether the device satisfies the spec.
func (s DeviceSpec) Matches(d DeviceDescription) bool {
	if s.Job != "" && s.Job != LocalJob {
		return false
	}
	if s.Replica > 0 || s.Task > 0 {
		return false
	}
	if s.Type != "" && s.Type != d.Type {
		return false
	}
	if s.Index != AnyIndex && s.Index != d.Index {
		return false
	}
	return true
}

// String returns the spec in the "/job:.../device:TYPE:INDEX" format, with only the components that are set.
func (s DeviceSpec) String() string {
	var sb strings.Builder
	if s.Job != "" {
		fmt.Fprintf(&sb, "/job:%s", s.Job)
	}
	if s.Replica != AnyIndex {
		fmt.Fprintf(&sb, "/replica:%d", s.Replica)
	}
	if s.Task != AnyIndex {
		fmt.Fprintf(&sb, "/task:%d", s.Task)
	}
	if s.Type != "" {
		if s.Index == AnyIndex {
			fmt.Fprintf(&sb, "/device:%s:*", s.Type)
		} else {
			fmt.Fprintf(&sb, "/device:%s:%d", s.Type, s.Index)
		}
	}
	return sb.String()
}

// Merge returns s with the components set in inner overriding the ones in s.
// It is used for nested device scopes.
func (s DeviceSpec) Merge(inner DeviceSpec) DeviceSpec {
	if inner.Job != "" {
		s.Job = inner.Job
	}
	if inner.Replica != AnyIndex {
		s.Replica = inner.Replica
	}
	if inner.Task != AnyIndex {
		s.Task = inner.Task
	}
	if inner.Type != "" {
		s.Type = inner.Type
	}
	if inner.Index != AnyIndex {
		s.Index = inner.Index
	}
	return s
}
