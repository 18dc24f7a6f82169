// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a computation building and execution system needs to implement to be
// used by gosession, and a registry of the available implementations.
//
// A Backend advertises a list of devices (see DeviceDescription), builds computations with a Builder, compiles
// them into an Executable, and transfers data in and out of Buffer objects.
//
// Builder methods return errors instead of panicking: the graph package validates shapes and dtypes at
// graph building time, so an error from a backend is usually a sign of an unsupported op or dtype.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DeviceNum represents which device holds a buffer, or should execute an op.
// It's up to the backend to interpret it, but it should be between 0 and Backend.NumDevices.
type DeviceNum int

// Backend is the API that needs to be implemented by a gosession backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the SimpleGo backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices return the number of devices available for this Backend.
	NumDevices() DeviceNum

	// Devices describes each of the devices available, indexed by DeviceNum.
	Devices() []DeviceDescription

	// Builder creates a new builder used to define a new named computation.
	Builder(name string) Builder

	// DataInterface is the sub-interface that defines the API to transfer Buffer to/from devices for the backend.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GOSESSION_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific (e.g.: for the "go" backend, "cpus=2").
const GOSESSION_BACKEND = "GOSESSION_BACKEND"

// ConfigFromEnv returns the backend configuration used by New: the environment GOSESSION_BACKEND
// if defined, or otherwise DefaultConfig.
func ConfigFromEnv() string {
	config, found := os.LookupEnv(GOSESSION_BACKEND)
	if !found {
		config = DefaultConfig
	}
	return config
}

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment GOSESSION_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered, or if the backend fails to be created.
func New() Backend {
	backend, err := NewWithConfig(ConfigFromEnv())
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
//
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific.
// If there is no ":" the whole string is taken as the backend name, and if the name is empty the first
// registered backend is used.
func NewWithConfig(config string) (Backend, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.New(`no registered backends for gosession -- maybe import the SimpleGo one with import _ "github.com/gomlx/gosession/backends/simplego"?`)
	}
	backendName := firstRegistered
	var backendConfig string
	if idx := strings.Index(config, ":"); idx != -1 {
		if idx > 0 {
			backendName = config[:idx]
		}
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	return constructor(backendConfig)
}
