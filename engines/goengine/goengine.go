// Package goengine implements a simple, and not very fast, but very portable
// pure Go tensor engine for gomx.
//
// It only implements the most popular dtypes and operators. Array operations
// run asynchronously on a bounded set of goroutines, ordered by a per-array
// read/write dependency queue; the engines.Engine Wait* calls are the
// synchronization points.
package goengine

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomx/engines"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EngineName to be used in GOMX_ENGINE to specify this engine.
const EngineName = "go"

// EngineVersion reported by Engine.Version.
const EngineVersion = "0.4.0"

// Registers New() as the constructor for the "go" engine.
func init() {
	engines.Register(EngineName, New)
}

// New constructs a new goengine Engine.
//
// The configuration accepts a comma-separated list of options. The only
// option is "parallelism=<n>", bounding the number of array operations run
// concurrently; it defaults to 0, meaning one per available CPU.
func New(config string) engines.Engine {
	parallelism := 0
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "parallelism":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				exceptions.Panicf("engine %q: invalid parallelism %q in configuration %q", EngineName, value, config)
			}
			parallelism = n
		default:
			exceptions.Panicf("engine %q: unknown option %q in configuration %q", EngineName, option, config)
		}
	}
	return newEngine(parallelism)
}

func newEngine(parallelism int) *Engine {
	e := &Engine{
		id:         uuid.New(),
		sched:      newScheduler(parallelism),
		nextHandle: 1,
		arrays:     make(map[engines.ArrayHandle]*array),
		symbols:    make(map[engines.SymbolHandle]*node),
		executors:  make(map[engines.ExecutorHandle]*executor),
	}
	if klog.V(1).Enabled() {
		klog.Infof("engine %q created: instance %s, parallelism %d", EngineName, e.id, e.sched.parallelism)
	}
	return e
}

// Engine implements the engines.Engine interface in pure Go.
type Engine struct {
	id    uuid.UUID
	sched *scheduler

	mu         sync.Mutex
	shutdown   bool
	nextHandle uintptr
	autoName   int
	arrays     map[engines.ArrayHandle]*array
	symbols    map[engines.SymbolHandle]*node
	executors  map[engines.ExecutorHandle]*executor

	// bufferPools is a map to pools of flat slices that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map
}

// Compile-time check that goengine.Engine implements engines.Engine.
var _ engines.Engine = &Engine{}

// Name returns the short name of the engine.
func (e *Engine) Name() string { return EngineName }

// String implements fmt.Stringer.
func (e *Engine) String() string { return EngineName }

// Description is a longer description of the engine that can be used to
// pretty-print. It includes the instance id, which tells engine instances
// apart in logs.
func (e *Engine) Description() string {
	return "Portable pure Go engine (instance " + e.id.String() + ")"
}

// Version returns the engine's version string.
func (e *Engine) Version() string { return EngineVersion }

// NumDevices returns the number of devices of the given kind: goengine
// provides exactly one CPU device.
func (e *Engine) NumDevices(kind engines.DeviceKind) int {
	if kind == engines.CPU {
		return 1
	}
	return 0
}

// checkDevice validates that the device is the one CPU device the engine has.
func (e *Engine) checkDevice(dev engines.Device) error {
	if dev.Kind != engines.CPU || dev.Index != 0 {
		return errors.Errorf("engine (%s) only supports cpu(0), cannot use device %s", EngineName, dev)
	}
	return nil
}

// NotifyShutdown stops accepting new work and drains whatever is in flight.
// Idempotent.
func (e *Engine) NotifyShutdown() {
	e.mu.Lock()
	alreadyDown := e.shutdown
	e.shutdown = true
	e.mu.Unlock()
	if alreadyDown {
		return
	}
	e.sched.waitAll()
	if klog.V(1).Enabled() {
		klog.Infof("engine %q shut down: instance %s", EngineName, e.id)
	}
}

// newHandleLocked returns a fresh non-null handle value. Handles are never
// reused. e.mu must be held.
func (e *Engine) newHandleLocked() uintptr {
	h := e.nextHandle
	e.nextHandle++
	return h
}
