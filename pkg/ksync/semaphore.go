// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package ksync

import (
	"container/list"
	"time"

	"github.com/cockroachdb/vkernel/pkg/sched"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

// Semaphore is a counting semaphore. Up hands permits directly to the
// oldest sleeper instead of bumping the shared count, so a waiter cannot
// be starved by a fast Down/Up loop racing past the queue.
type Semaphore struct {
	k  *sched.Kernel
	mu struct {
		syncutil.Mutex
		count   int
		waiters *list.List // of *semWaiter
	}
}

type semWaiter struct {
	task *sched.Task
	// granted is set by Up under the semaphore lock when this waiter
	// receives a permit directly.
	granted bool
}

// NewSemaphore returns a semaphore bound to k with the given initial count.
func NewSemaphore(k *sched.Kernel, count int) *Semaphore {
	s := &Semaphore{k: k}
	s.mu.count = count
	s.mu.waiters = list.New()
	return s
}

// TryDown takes a permit without blocking, reporting whether one was
// available.
func (s *Semaphore) TryDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.count > 0 {
		s.mu.count--
		return true
	}
	return false
}

// Down takes a permit, sleeping uninterruptibly until one is available.
func (s *Semaphore) Down() {
	_, _ = s.down(sched.TaskUninterruptible, 0)
}

// DownInterruptible is Down, aborted by a signal with
// sched.ErrInterrupted.
func (s *Semaphore) DownInterruptible() error {
	_, err := s.down(sched.TaskInterruptible, 0)
	return err
}

// DownTimeout is Down bounded by d; ErrTimedOut means no permit arrived in
// time.
func (s *Semaphore) DownTimeout(d time.Duration) (time.Duration, error) {
	return s.down(sched.TaskUninterruptible, d)
}

func (s *Semaphore) down(state sched.TaskState, timeout time.Duration) (time.Duration, error) {
	s.mu.Lock()
	if s.mu.count > 0 {
		s.mu.count--
		s.mu.Unlock()
		return timeout, nil
	}

	curr := s.k.Current()
	w := &semWaiter{task: curr}
	elem := s.mu.waiters.PushBack(w)
	remaining := timeout

	for {
		curr.PrepareSleep(state)
		if state == sched.TaskInterruptible && curr.ClearSignal() {
			s.mu.waiters.Remove(elem)
			s.mu.Unlock()
			curr.FinishSleep()
			return 0, sched.ErrInterrupted
		}
		s.mu.Unlock()

		if timeout > 0 {
			remaining = s.k.ScheduleTimeout(remaining)
		} else {
			s.k.Schedule()
		}
		curr.FinishSleep()

		s.mu.Lock()
		if w.granted {
			s.mu.Unlock()
			if timeout > 0 && remaining < 1 {
				remaining = 1
			}
			return remaining, nil
		}
		if timeout > 0 && remaining == 0 {
			s.mu.waiters.Remove(elem)
			s.mu.Unlock()
			return 0, ErrTimedOut
		}
	}
}

// Up releases a permit, waking the oldest sleeper if there is one.
func (s *Semaphore) Up() {
	s.mu.Lock()
	if e := s.mu.waiters.Front(); e != nil {
		w := e.Value.(*semWaiter)
		s.mu.waiters.Remove(e)
		// The permit is w's even if it is already awake from a racing
		// timeout; granted is checked before the timeout verdict.
		w.granted = true
		s.mu.Unlock()
		s.k.WakeUpTask(w.task)
		return
	}
	s.mu.count++
	s.mu.Unlock()
}
