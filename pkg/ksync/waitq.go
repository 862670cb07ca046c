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

// WaitQueue is a FIFO of tasks sleeping on a condition. Wakers wake from
// the front; a successfully woken entry is removed by the waker, so a
// wake-one wakes exactly one sleeper even if the sleeper is slow to resume.
type WaitQueue struct {
	k  *sched.Kernel
	mu syncutil.Mutex
	l  *list.List // of *Waiter
}

// Waiter is one task's entry in a WaitQueue. A Waiter may be re-used across
// successive waits on the same queue, never concurrently.
type Waiter struct {
	task *sched.Task
	elem *list.Element
}

// NewWaitQueue returns an empty wait queue bound to k.
func NewWaitQueue(k *sched.Kernel) *WaitQueue {
	return &WaitQueue{k: k, l: list.New()}
}

// NewWaiter returns an entry for the calling task.
func (q *WaitQueue) NewWaiter() *Waiter {
	return &Waiter{task: q.k.Current()}
}

// Len returns the number of queued waiters.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

// PrepareToWait queues w (if not already queued) and publishes the sleep
// state. The caller must re-check its condition after this returns and
// before calling Schedule; that ordering is the entire lost-wakeup defense.
func (q *WaitQueue) PrepareToWait(w *Waiter, state sched.TaskState) {
	q.mu.Lock()
	if w.elem == nil {
		w.elem = q.l.PushBack(w)
	}
	q.mu.Unlock()
	w.task.PrepareSleep(state)
}

// FinishWait removes w from the queue if a waker has not already, and
// resets the task to runnable.
func (q *WaitQueue) FinishWait(w *Waiter) {
	q.mu.Lock()
	if w.elem != nil {
		q.l.Remove(w.elem)
		w.elem = nil
	}
	q.mu.Unlock()
	w.task.FinishSleep()
}

// WakeUpN wakes up to n sleepers from the front of the queue, removing each
// one it actually wakes. Entries whose task is already runnable (a racing
// wake or a finished wait) are skipped and left for FinishWait to unlink.
// Returns the number woken.
func (q *WaitQueue) WakeUpN(n int) int {
	q.mu.Lock()
	woken := 0
	for e := q.l.Front(); e != nil && woken < n; {
		next := e.Next()
		w := e.Value.(*Waiter)
		if q.k.WakeUpTask(w.task) {
			q.l.Remove(e)
			w.elem = nil
			woken++
		}
		e = next
	}
	q.mu.Unlock()
	return woken
}

// WakeUp wakes one sleeper.
func (q *WaitQueue) WakeUp() int { return q.WakeUpN(1) }

// WakeUpAll wakes every sleeper.
func (q *WaitQueue) WakeUpAll() int { return q.WakeUpN(int(^uint(0) >> 1)) }

// WaitEvent sleeps uninterruptibly until cond returns true. cond is
// evaluated with no locks held and may be called multiple times.
func (q *WaitQueue) WaitEvent(cond func() bool) {
	w := q.NewWaiter()
	for {
		q.PrepareToWait(w, sched.TaskUninterruptible)
		if cond() {
			break
		}
		q.k.Schedule()
	}
	q.FinishWait(w)
}

// WaitEventInterruptible sleeps until cond returns true or a signal is
// posted to the calling task, returning sched.ErrInterrupted in the latter
// case.
func (q *WaitQueue) WaitEventInterruptible(cond func() bool) error {
	w := q.NewWaiter()
	defer q.FinishWait(w)
	for {
		q.PrepareToWait(w, sched.TaskInterruptible)
		if cond() {
			return nil
		}
		if w.task.ClearSignal() {
			return sched.ErrInterrupted
		}
		q.k.Schedule()
	}
}

// WaitEventTimeout sleeps uninterruptibly until cond returns true or d
// elapses. A satisfied condition always reports success, even if it raced
// the timer; ErrTimedOut means the condition was still false when the
// timer fired.
func (q *WaitQueue) WaitEventTimeout(cond func() bool, d time.Duration) (time.Duration, error) {
	w := q.NewWaiter()
	defer q.FinishWait(w)
	remaining := d
	for {
		q.PrepareToWait(w, sched.TaskUninterruptible)
		if cond() {
			if remaining < 1 {
				remaining = 1
			}
			return remaining, nil
		}
		remaining = q.k.ScheduleTimeout(remaining)
		if remaining == 0 {
			if cond() {
				return 1, nil
			}
			return 0, ErrTimedOut
		}
	}
}
