// Package xsync implements some extra synchronization tools.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// Latch is a signal that can be waited for until it is triggered. Once
// triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger the latch. Triggering more than once is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel one can use on a `select` to check when the
// latch triggers. The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// DynamicWaitGroup is a WaitGroup-like synchronization primitive that allows
// the count to be changed (new values added) while someone is waiting for it.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	wg := &DynamicWaitGroup{}
	wg.cond = sync.NewCond(&wg.mu)
	return wg
}

// Add changes the counter by the given delta. If the counter becomes zero, it
// wakes all waiting goroutines. If the counter would go negative, it panics.
func (wg *DynamicWaitGroup) Add(delta int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	wg.count += int64(delta)
	if wg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter"))
	}
	if wg.count == 0 {
		wg.cond.Broadcast()
	}
}

// Done decrements the counter by one.
func (wg *DynamicWaitGroup) Done() {
	wg.Add(-1)
}

// Wait blocks until the counter is zero.
func (wg *DynamicWaitGroup) Wait() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	for wg.count > 0 {
		wg.cond.Wait()
	}
}

// Semaphore that allows dynamic resizing.
//
// It uses a sync.Cond to allow dynamic resizing, so it will be slower than a
// pure channel version of a semaphore with a fixed capacity. This shouldn't
// matter for coarse resource control.
type Semaphore struct {
	cond              sync.Cond
	capacity, current int
}

// NewSemaphore returns a Semaphore that allows at most capacity simultaneous
// acquisitions. If capacity <= 0, there is no limit on acquisitions.
//
// FIFO ordering may be lost during resizes (Semaphore.Resize) to larger
// capacity, but otherwise it is respected.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{
		cond:     sync.Cond{L: &sync.Mutex{}},
		capacity: capacity,
	}
}

// Acquire a resource observing the current semaphore capacity. It must be
// matched by exactly one call to Semaphore.Release after the reservation is
// no longer needed.
func (s *Semaphore) Acquire() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for {
		if s.capacity <= 0 || s.current < s.capacity {
			s.current++
			return
		}
		s.cond.Wait()
	}
}

// Release a resource previously allocated with Semaphore.Acquire.
func (s *Semaphore) Release() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.current--
	if s.capacity == 0 || s.current < s.capacity-1 {
		return
	}
	s.cond.Signal()
}

// Resize the number of available resources in the Semaphore.
//
// If newCapacity is larger than the previous one, this may immediately allow
// pending Semaphore.Acquire calls to proceed, and since all of them are
// awoken (broadcast), the queue order may be lost.
//
// If newCapacity is smaller than the previous one, it doesn't have any effect
// on current acquisitions: workers currently holding a slot are not stopped.
func (s *Semaphore) Resize(newCapacity int) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if newCapacity == s.capacity {
		return
	}
	if (newCapacity > 0 && newCapacity < s.capacity) || s.capacity == 0 {
		// Shrinking: no pending Acquire gets released.
		s.capacity = newCapacity
		return
	}
	s.capacity = newCapacity
	s.cond.Broadcast()
}
