// Package engines defines the interface a tensor-computation engine needs to
// implement to back the mx binding layer.
//
// An engine owns every native-side object -- arrays, symbolic graph nodes,
// bound executors, operator descriptors -- and hands out opaque handles to
// them. The binding layer never dereferences a handle; it only passes it back
// to engine calls. An engine is free to run array operations asynchronously
// on worker threads of its own: mutating calls may return having only
// enqueued the work, and the Wait* calls are the synchronization points.
//
// Engines report failures as ordinary Go errors returned from each call.
// There is no shared "last error" slot to fetch or to race on: the error
// value carries the message.
package engines

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceKind enumerates the kinds of compute device an engine can place an
// array on.
type DeviceKind int32

const (
	// CPU is the default device kind, always available.
	CPU DeviceKind = 1

	// GPU devices are numbered independently from CPU devices.
	GPU DeviceKind = 2

	// CPUPinned is page-locked host memory, used by engines that stage
	// transfers to GPU devices.
	CPUPinned DeviceKind = 3
)

// String implements fmt.Stringer.
func (k DeviceKind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	case CPUPinned:
		return "cpu_pinned"
	}
	return "unknown"
}

// Device identifies one compute device of an engine: a device kind plus the
// index of the device among those of its kind. It should be between 0 and
// Engine.NumDevices for that kind.
//
// The mx package exposes this type as mx.Context.
type Device struct {
	Kind  DeviceKind
	Index int
}

// String implements fmt.Stringer, e.g. "cpu(0)".
func (d Device) String() string {
	return fmt.Sprintf("%s(%d)", d.Kind, d.Index)
}

// Engine is the API a tensor-computation engine implements to be used by the
// mx binding layer.
type Engine interface {
	// Name returns the short name of the engine, e.g. "go" for the pure Go
	// reference engine.
	Name() string

	// Description is a longer description of the engine that can be used to
	// pretty-print.
	Description() string

	// Version returns the engine's version string, e.g. "0.2.1".
	Version() string

	// NumDevices returns the number of devices of the given kind available
	// to this engine.
	NumDevices(kind DeviceKind) int

	// ArrayInterface creates, frees, transfers and synchronizes NDArrays.
	ArrayInterface

	// OperatorInterface enumerates operator descriptors and dispatches
	// imperative operator calls.
	OperatorInterface

	// SymbolInterface builds and inspects symbolic graph nodes.
	SymbolInterface

	// ExecutorInterface binds symbolic graphs to arrays and runs them.
	ExecutorInterface

	// NotifyShutdown tells the engine to stop accepting new work and drain
	// whatever is in flight. It narrows the window in which engine worker
	// threads can race process teardown. Idempotent.
	NotifyShutdown()
}

// Constructor takes a config string (optionally empty) and returns an Engine.
type Constructor func(config string) Engine

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register an engine with the given name and a constructor that takes a
// configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the engine configuration to use if GOMX_ENGINE is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GOMX_ENGINE is the environment variable with the default engine
// configuration to use.
//
// The format of config is "<engine_name>:<engine_configuration>".
// The "<engine_name>" is the name of a registered engine (e.g.: "go") and
// "<engine_configuration>" is engine specific.
const GOMX_ENGINE = "GOMX_ENGINE"

// New returns a new default Engine.
//
// The default is:
//
// 1. The environment GOMX_ENGINE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered engine is used with an empty configuration.
//
// It panics if no engine was registered.
func New() Engine {
	config, found := os.LookupEnv(GOMX_ENGINE)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates an Engine from a configuration string formatted as
// "<engine_name>:<engine_configuration>".
//
// The "<engine_name>" is the name of a registered engine (e.g.: "go") and
// "<engine_configuration>" is engine specific. A config without a ":" that
// names a registered engine selects it with an empty configuration; any
// other config without a ":" goes whole to the first registered engine.
func NewWithConfig(config string) Engine {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered engines for gomx -- maybe import the default one with import _ "github.com/gomlx/gomx/engines/goengine"?`)
	}
	engineName := firstRegistered
	engineConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		engineName = config[:idx]
		engineConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		engineName = config
		engineConfig = ""
	}
	constructor, found := registeredConstructors[engineName]
	if !found {
		exceptions.Panicf("can't find engine %q for configuration %q given", engineName, config)
	}
	return constructor(engineConfig)
}
