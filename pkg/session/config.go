package session

import (
	"flag"
	"fmt"
	"strings"
)

// SessionConfig holds the options of a Session, in a builder style API. It mirrors the subset of
// TensorFlow's ConfigProto that applies to gosession.
//
// Setters return the config itself, so they can be chained:
//
//	cfg := session.NewSessionConfig().SetAllowSoftPlacement(true).SetLogDevicePlacement(true)
type SessionConfig struct {
	allowSoftPlacement        bool
	logDevicePlacement        bool
	intraOpParallelismThreads int
	backendConfig             string
}

// NewSessionConfig creates a new SessionConfig with default settings: strict placement, no
// placement logging and the default backend.
func NewSessionConfig() *SessionConfig {
	return &SessionConfig{}
}

// SetAllowSoftPlacement enables or disables soft device placement.
// When enabled, ops requesting a device not available in the backend are placed on the default device
// (the first CPU), instead of failing with ErrInvalidPlacement.
func (sc *SessionConfig) SetAllowSoftPlacement(allow bool) *SessionConfig {
	sc.allowSoftPlacement = allow
	return sc
}

// SetLogDevicePlacement enables or disables logging of device placement decisions.
func (sc *SessionConfig) SetLogDevicePlacement(log bool) *SessionConfig {
	sc.logDevicePlacement = log
	return sc
}

// SetIntraOpParallelismThreads sets the number of workers used to execute ops in parallel.
// It's passed to backends created by the Session as the "parallelism=N" option.
// A value of 0 lets the backend pick an appropriate default.
func (sc *SessionConfig) SetIntraOpParallelismThreads(threads int) *SessionConfig {
	sc.intraOpParallelismThreads = threads
	return sc
}

// SetBackendConfig sets the configuration of the backend created by the Session,
// in the format "<backend_name>:<backend_configuration>", see backends.NewWithConfig.
// If empty, the value of $GOSESSION_BACKEND is used.
func (sc *SessionConfig) SetBackendConfig(config string) *SessionConfig {
	sc.backendConfig = config
	return sc
}

func (sc *SessionConfig) AllowSoftPlacement() bool { return sc.allowSoftPlacement }

func (sc *SessionConfig) LogDevicePlacement() bool { return sc.logDevicePlacement }

func (sc *SessionConfig) IntraOpParallelismThreads() int { return sc.intraOpParallelismThreads }

func (sc *SessionConfig) BackendConfig() string { return sc.backendConfig }

// Clone returns a copy of the config.
func (sc *SessionConfig) Clone() *SessionConfig {
	clone := *sc
	return &clone
}

// String implements fmt.Stringer, in the text format of ConfigProto: only fields set to a non-default
// value are included.
func (sc *SessionConfig) String() string {
	var parts []string
	if sc.intraOpParallelismThreads != 0 {
		parts = append(parts, fmt.Sprintf("intra_op_parallelism_threads:%d", sc.intraOpParallelismThreads))
	}
	if sc.allowSoftPlacement {
		parts = append(parts, "allow_soft_placement:true")
	}
	if sc.logDevicePlacement {
		parts = append(parts, "log_device_placement:true")
	}
	if sc.backendConfig != "" {
		parts = append(parts, fmt.Sprintf("backend_config:%q", sc.backendConfig))
	}
	return strings.Join(parts, " ")
}

// ConfigFlags holds the values of the flags registered by RegisterFlags.
type ConfigFlags struct {
	allowSoftPlacement, logDevicePlacement *bool
	intraOpParallelismThreads              *int
	backendConfig                          *string
}

// RegisterFlags registers in fs the command-line flags -allow_soft_placement, -log_device_placement,
// -intra_op_parallelism_threads and -backend, with the values of defaults as their default values.
// If fs is nil, flag.CommandLine is used, and if defaults is nil, NewSessionConfig() is used.
//
// After parsing the flags, call ConfigFlags.ConfigFromFlags to get the corresponding SessionConfig.
func RegisterFlags(fs *flag.FlagSet, defaults *SessionConfig) *ConfigFlags {
	if fs == nil {
		fs = flag.CommandLine
	}
	if defaults == nil {
		defaults = NewSessionConfig()
	}
	return &ConfigFlags{
		allowSoftPlacement: fs.Bool("allow_soft_placement", defaults.AllowSoftPlacement(),
			"Place ops on the default device if the requested device is not available."),
		logDevicePlacement: fs.Bool("log_device_placement", defaults.LogDevicePlacement(),
			"Log the device each op is placed on."),
		intraOpParallelismThreads: fs.Int("intra_op_parallelism_threads", defaults.IntraOpParallelismThreads(),
			"Number of workers used to execute ops in parallel. 0 lets the backend decide."),
		backendConfig: fs.String("backend", defaults.BackendConfig(),
			"Backend configuration, formatted as \"<backend_name>:<backend_configuration>\". "+
				"If empty, $GOSESSION_BACKEND is used."),
	}
}

// ConfigFromFlags returns a new SessionConfig with the values of the registered flags.
func (f *ConfigFlags) ConfigFromFlags() *SessionConfig {
	return NewSessionConfig().
		SetAllowSoftPlacement(*f.allowSoftPlacement).
		SetLogDevicePlacement(*f.logDevicePlacement).
		SetIntraOpParallelismThreads(*f.intraOpParallelismThreads).
		SetBackendConfig(*f.backendConfig)
}
