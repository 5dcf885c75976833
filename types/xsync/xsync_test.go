package xsync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	l.Trigger()
	<-done
	require.True(t, l.Test())

	// Triggering again is a no-op.
	l.Trigger()
	require.True(t, l.Test())
	<-l.WaitChan()
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Zero counter doesn't block.

	// Hold one slot while spawning, so the waiter covers the spawn phase.
	const numWorkers = 10
	var completed atomic.Int32
	wg.Add(1)
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	for range numWorkers {
		wg.Add(1)
		go func() {
			completed.Add(1)
			wg.Done()
		}()
	}
	wg.Done()
	<-waitDone
	require.EqualValues(t, numWorkers, completed.Load())

	require.Panics(t, func() { wg.Done() })
}

func TestSemaphore(t *testing.T) {
	const capacity = 2
	s := NewSemaphore(capacity)
	var held, violations atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Acquire()
			defer s.Release()
			if held.Add(1) > capacity {
				violations.Add(1)
			}
			defer held.Add(-1)
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()
	require.Zero(t, violations.Load())
}

func TestSemaphoreResize(t *testing.T) {
	s := NewSemaphore(1)
	s.Acquire()
	acquired := make(chan struct{})
	go func() {
		s.Acquire()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second Acquire should block at capacity 1")
	case <-time.After(50 * time.Millisecond):
	}
	s.Resize(2)
	<-acquired
	s.Release()
	s.Release()
}

func TestSemaphoreUnlimited(t *testing.T) {
	s := NewSemaphore(0)
	for range 100 {
		s.Acquire()
	}
	for range 100 {
		s.Release()
	}
}
