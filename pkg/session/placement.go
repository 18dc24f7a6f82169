package session

import (
	"fmt"
	"strings"

	"github.com/gomlx/gosession/backends"
	"github.com/gomlx/gosession/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Placement returns the full name of the device the node is placed on, e.g.
// "/job:localhost/replica:0/task:0/device:CPU:0".
//
// Nodes are placed the first time they are needed, and the decision is kept for the lifetime of the Session.
// It returns an error wrapping ErrInvalidPlacement if the requested device doesn't exist, and soft
// placement is not allowed.
func (s *Session) Placement(node *graph.Node) (string, error) {
	if node == nil || node.Graph() != s.graph {
		return "", errors.Errorf("Session.Placement: node %v is not from the session graph %q", node, s.graph.Name())
	}
	device, err := s.placement(node)
	if err != nil {
		return "", err
	}
	return device.FullName(), nil
}

// placement returns the device the node is placed on.
func (s *Session) placement(node *graph.Node) (backends.DeviceDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return backends.DeviceDescription{}, ErrSessionClosed
	}
	return s.lockedPlacement(node)
}

// lockedPlacement implements placement.
//
// It must be called with Session.mu acquired.
func (s *Session) lockedPlacement(node *graph.Node) (backends.DeviceDescription, error) {
	if device, found := s.placements[node.Id()]; found {
		return device, nil
	}
	device, err := s.place(node)
	if err != nil {
		return device, err
	}
	s.placements[node.Id()] = device
	if s.config.LogDevicePlacement() {
		klog.Infof("%s: (%s): %s", node.Name(), node.Type(), device.FullName())
	}
	return device, nil
}

// defaultDevice is the first CPU device, or the first device if the backend has no CPUs.
func (s *Session) defaultDevice() backends.DeviceDescription {
	for _, device := range s.devices {
		if device.Type == backends.CPU {
			return device
		}
	}
	return s.devices[0]
}

// place matches the device requested by the node with the devices of the backend.
func (s *Session) place(node *graph.Node) (backends.DeviceDescription, error) {
	spec := node.RequestedDevice()
	if spec.IsEmpty() {
		return s.defaultDevice(), nil
	}
	for _, device := range s.devices {
		if spec.Matches(device) {
			return device, nil
		}
	}
	if !s.config.AllowSoftPlacement() {
		return backends.DeviceDescription{}, errors.Wrapf(ErrInvalidPlacement,
			"cannot assign a device for operation %q (%s): requested device %q, but the available devices are [%s]",
			node.Name(), node.Type(), spec, s.deviceNames())
	}
	device := s.defaultDevice()
	klog.V(1).Infof("session %s: soft placement of %q on %s, requested device %q is not available",
		s.handle, node.Name(), device.FullName(), spec)
	return device, nil
}

func (s *Session) deviceNames() string {
	names := make([]string, len(s.devices))
	for ii, device := range s.devices {
		names[ii] = device.FullName()
	}
	return strings.Join(names, ", ")
}

// PlacementReport lists the placement of every node placed so far, formatted as the device placement log.
func (s *Session) PlacementReport() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines []string
	for _, node := range s.graph.Nodes() {
		if device, found := s.placements[node.Id()]; found {
			lines = append(lines, fmt.Sprintf("%s: (%s): %s", node.Name(), node.Type(), device.FullName()))
		}
	}
	return lines
}
