package mx

import (
	"runtime"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// liveHandles counts, process wide, the engine handles currently owned by
// wrappers not yet freed.
var liveHandles atomic.Int64

// LiveHandleCount returns the number of engine handles currently owned by
// live (not yet freed) NDArray, Symbol and Executor wrappers, across all
// Managers. A non-zero count at process shutdown signals a leak.
func LiveHandleCount() int64 {
	return liveHandles.Load()
}

// resource owns exactly one engine handle and frees it exactly once. Every
// handle-backed type (NDArray, Symbol, Executor) embeds a *resource.
//
// free is idempotent: the first call releases the handle, later calls are
// no-ops. If the engine fails the free call, or the live-handle counter
// would go negative, the process aborts: both mean the lifecycle
// bookkeeping is corrupted, and continuing could corrupt the engine's own
// accounting too.
//
// A finalizer backs up callers that forget to free: it releases the handle
// when the wrapper is collected, reporting the late free at klog verbosity
// level 1. Freeing explicitly and promptly remains the contract; the
// finalizer is only the safety net.
type resource[H ~uintptr] struct {
	kind    string // "NDArray", "Symbol" or "Executor", for diagnostics
	handle  H
	release func(H) error
	freed   atomic.Bool
}

// newResource wraps a handle freshly returned by the engine, incrementing
// the live-handle counter. h must not be the null handle.
func newResource[H ~uintptr](kind string, h H, release func(H) error) *resource[H] {
	r := &resource[H]{kind: kind, handle: h, release: release}
	liveHandles.Add(1)
	runtime.SetFinalizer(r, (*resource[H]).finalize)
	return r
}

func (r *resource[H]) finalize() {
	if r.freed.Load() {
		return
	}
	klog.V(1).Infof("mx: %s handle %#x was never freed, releasing it from its finalizer", r.kind, uintptr(r.handle))
	r.free()
}

// valid reports whether the handle was not yet freed. A nil resource -- the
// state of a zero wrapper -- is not valid.
func (r *resource[H]) valid() bool {
	return r != nil && !r.freed.Load()
}

// get returns the owned handle, or ErrHandleInvalid after free or on a nil
// resource.
func (r *resource[H]) get() (H, error) {
	if r == nil || r.freed.Load() {
		var null H
		return null, ErrHandleInvalid
	}
	return r.handle, nil
}

// free releases the handle through the engine. Only the first call acts: it
// decrements the live-handle counter -- before the engine call -- and then
// frees. A failure to free aborts the process; see the type doc.
func (r *resource[H]) free() {
	if r == nil || !r.freed.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(r, nil)
	if n := liveHandles.Add(-1); n < 0 {
		klog.Fatalf("mx: live-handle counter went negative (%d) freeing a %s handle: more frees than creations", n, r.kind)
	}
	if err := r.release(r.handle); err != nil {
		klog.Fatalf("mx: engine failed to free %s handle %#x: %+v", r.kind, uintptr(r.handle), err)
	}
}
