package goengine

import (
	"runtime"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/gomx/types/xsync"
)

// scheduler runs enqueued operations on goroutines, at most parallelism of
// them at a time, and can block until everything in flight drained.
//
// The per-array ordering itself is not here: Engine.enqueue encodes it as
// latch dependencies between operations.
type scheduler struct {
	parallelism int
	slots       *xsync.Semaphore
	inflight    *xsync.DynamicWaitGroup
}

func newScheduler(parallelism int) *scheduler {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	return &scheduler{
		parallelism: parallelism,
		slots:       xsync.NewSemaphore(parallelism),
		inflight:    xsync.NewDynamicWaitGroup(),
	}
}

func (s *scheduler) start() {
	s.inflight.Add(1)
}

func (s *scheduler) finish() {
	s.inflight.Done()
}

// waitAll blocks until every operation in flight at some point of the call
// completed.
func (s *scheduler) waitAll() {
	s.inflight.Wait()
}

// run executes fn within a parallelism slot, converting panics that carry an
// error -- runtime errors included -- into a returned error.
func (s *scheduler) run(fn func() error) error {
	s.slots.Acquire()
	defer s.slots.Release()
	var err error
	if panicErr := exceptions.TryCatch[error](func() { err = fn() }); panicErr != nil {
		return panicErr
	}
	return err
}

// enqueue registers one asynchronous operation that reads the reads storages
// and writes the writes storages, and starts it once every operation it
// depends on completed.
//
// Ordering is write→read and read→write per storage: the operation waits for
// the pending write of everything it touches, and additionally for the
// pending reads of everything it writes. A storage listed in writes does not
// need to be repeated in reads.
//
// If the operation fails, the error sticks to every written storage and
// surfaces on its next synchronization. A later write that completes
// successfully supersedes it: writers of one storage run in enqueue order,
// and the storage carries the outcome of the latest one.
func (e *Engine) enqueue(reads, writes []*storage, run func() error) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return errors.Errorf("engine (%s) is shut down, no new work accepted", EngineName)
	}
	done := xsync.NewLatch()
	var deps []*xsync.Latch
	registered := make([]*storage, 0, len(writes)+len(reads))
	for _, st := range writes {
		if slices.Contains(registered, st) {
			continue
		}
		registered = append(registered, st)
		if st.lastWrite != nil {
			deps = append(deps, st.lastWrite)
		}
		deps = append(deps, st.readers...)
		st.lastWrite = done
		st.readers = nil
	}
	written := slices.Clone(registered)
	for _, st := range reads {
		if slices.Contains(registered, st) {
			continue
		}
		registered = append(registered, st)
		if st.lastWrite != nil {
			deps = append(deps, st.lastWrite)
		}
		st.readers = append(st.readers, done)
	}
	e.sched.start()
	e.mu.Unlock()

	go func() {
		for _, dep := range deps {
			dep.Wait()
		}
		err := e.sched.run(run)
		e.mu.Lock()
		for _, st := range written {
			st.err = err
		}
		e.mu.Unlock()
		done.Trigger()
		e.sched.finish()
	}()
	return nil
}

// waitRead blocks until every pending write to the storage completed. It
// returns the storage's sticky error if an operation writing it failed.
func (e *Engine) waitRead(st *storage) error {
	e.mu.Lock()
	last := st.lastWrite
	e.mu.Unlock()
	if last != nil {
		last.Wait()
	}
	e.mu.Lock()
	err := st.err
	e.mu.Unlock()
	return err
}

// waitWrite blocks until every pending read and write of the storage
// completed, so the caller may mutate it.
func (e *Engine) waitWrite(st *storage) error {
	e.mu.Lock()
	deps := make([]*xsync.Latch, 0, len(st.readers)+1)
	if st.lastWrite != nil {
		deps = append(deps, st.lastWrite)
	}
	deps = append(deps, st.readers...)
	e.mu.Unlock()
	for _, dep := range deps {
		dep.Wait()
	}
	e.mu.Lock()
	err := st.err
	e.mu.Unlock()
	return err
}
