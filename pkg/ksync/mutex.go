// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package ksync

import (
	"context"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/vkernel/pkg/sched"
	"github.com/cockroachdb/vkernel/pkg/util/log"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

// bootOwner stands in for "the boot context" when the mutex is taken before
// any task exists. Boot-time acquisition spins instead of sleeping; there
// is no scheduler to sleep into yet.
var bootOwner = new(sched.Task)

// Mutex is a sleeping mutual-exclusion lock with priority inheritance:
// while a higher-priority task is blocked on it, the owner runs at that
// task's priority, so a medium-priority task cannot keep the lock held
// hostage by starving a low-priority owner.
//
// Ownership is handed off directly: Unlock picks the highest-priority
// waiter (FIFO within a priority) and makes it the owner before waking it,
// so the lock cannot be stolen past a better-ranked sleeper.
//
// Mutexes are not recursive. Double locking, unlocking a mutex the caller
// does not own, and unlocking an unlocked mutex are fatal errors.
type Mutex struct {
	k *sched.Kernel

	// owner is the task holding the lock, nil when free. It is atomic so
	// the priority-inheritance chain walk can follow it locklessly.
	owner atomic.Pointer[sched.Task]

	mu struct {
		syncutil.Mutex
		// waiters is sorted by effective priority, FIFO within a level.
		waiters []*sched.Task
	}
}

var _ sched.PIBlocker = (*Mutex)(nil)

// NewMutex returns an unlocked mutex bound to k.
func NewMutex(k *sched.Kernel) *Mutex {
	return &Mutex{k: k}
}

// PIOwner returns the current owner for the boosting chain walk.
func (m *Mutex) PIOwner() *sched.Task {
	if o := m.owner.Load(); o != bootOwner {
		return o
	}
	return nil
}

// Owner returns the task currently holding the mutex, or nil.
func (m *Mutex) Owner() *sched.Task { return m.PIOwner() }

func (m *Mutex) insertWaiter(t *sched.Task) {
	w := m.mu.waiters
	i := sort.Search(len(w), func(i int) bool {
		return w[i].Prio() > t.Prio()
	})
	w = append(w, nil)
	copy(w[i+1:], w[i:])
	w[i] = t
	m.mu.waiters = w
}

func (m *Mutex) removeWaiter(t *sched.Task) {
	w := m.mu.waiters
	for i, e := range w {
		if e == t {
			m.mu.waiters = append(w[:i:i], w[i+1:]...)
			return
		}
	}
}

// TryLock acquires the mutex if it is free, without blocking.
func (m *Mutex) TryLock() bool {
	curr := m.k.Current()
	if curr == nil {
		return m.owner.CompareAndSwap(nil, bootOwner)
	}
	return m.owner.CompareAndSwap(nil, curr)
}

// Lock acquires the mutex, sleeping if it is held. From outside task
// context (early bring-up) it spins instead.
func (m *Mutex) Lock() {
	curr := m.k.Current()
	if curr == nil {
		for !m.owner.CompareAndSwap(nil, bootOwner) {
			runtime.Gosched()
		}
		return
	}
	if m.owner.CompareAndSwap(nil, curr) {
		return
	}
	_ = m.lockSlow(curr, sched.TaskUninterruptible)
}

// LockInterruptible is Lock, abandoned with sched.ErrInterrupted if a
// signal is posted to the caller before it acquires ownership. From
// outside task context it degenerates to Lock.
func (m *Mutex) LockInterruptible() error {
	curr := m.k.Current()
	if curr == nil {
		m.Lock()
		return nil
	}
	if m.owner.CompareAndSwap(nil, curr) {
		return nil
	}
	return m.lockSlow(curr, sched.TaskInterruptible)
}

func (m *Mutex) lockSlow(curr *sched.Task, state sched.TaskState) error {
	k := m.k
	for {
		k.PreemptDisable()
		m.mu.Lock()

		if m.owner.Load() == curr {
			// Granted by a handoff, or (first iteration) a recursive
			// attempt.
			if curr.PIBlockedOn() != m {
				m.mu.Unlock()
				k.PreemptEnable()
				log.Fatalf(m.k.AnnotateCtx(context.Background()), "task %s locking mutex it already owns", curr.Name())
			}
			m.mu.Unlock()
			break
		}
		if m.owner.CompareAndSwap(nil, curr) {
			m.removeWaiter(curr)
			m.mu.Unlock()
			break
		}

		owner := m.owner.Load()
		m.removeWaiter(curr) // re-sort under a possibly boosted priority
		m.insertWaiter(curr)
		curr.PrepareSleep(state)
		if state == sched.TaskInterruptible && curr.ClearSignal() {
			// Abandon the wait: leave the waiter list and shed any boost a
			// prior iteration handed the owner.
			m.removeWaiter(curr)
			curr.SetPIBlockedOn(nil)
			if owner != nil && owner != bootOwner {
				k.PIRemoveWaiter(owner, curr)
			}
			m.mu.Unlock()
			curr.FinishSleep()
			k.PreemptEnable()
			return sched.ErrInterrupted
		}
		curr.SetPIBlockedOn(m)
		// Boost while still holding the mutex's lock: a handoff cannot
		// change the owner under us, so the boost cannot land on a task
		// that has already released. Lock order is mutex, then pi, then
		// runqueue, everywhere.
		if owner != nil && owner != bootOwner {
			k.PIBoost(owner, curr)
		}
		m.mu.Unlock()

		k.PreemptEnable()
		k.Schedule()
	}

	curr.SetPIBlockedOn(nil)
	curr.FinishSleep()
	k.PreemptEnable()
	return nil
}

// Unlock releases the mutex. If tasks are sleeping on it, ownership passes
// to the best-ranked waiter, the caller sheds any priority it inherited
// from this mutex's waiters, and the new owner is woken.
func (m *Mutex) Unlock() {
	k := m.k
	curr := k.Current()
	expect := curr
	if curr == nil {
		expect = bootOwner
	}
	if o := m.owner.Load(); o != expect {
		name := "<none>"
		if o != nil && o != bootOwner {
			name = o.Name()
		}
		log.Fatalf(m.k.AnnotateCtx(context.Background()), "unlock of mutex owned by %q", name)
	}

	k.PreemptDisable()
	m.mu.Lock()

	if curr != nil {
		// Drop boosts inherited from this mutex before the handoff, so the
		// old owner's priority is correct by the time the new owner runs.
		k.PIRelease(curr, m)
	}

	if len(m.mu.waiters) == 0 {
		m.owner.Store(nil)
		m.mu.Unlock()
		k.PreemptEnable()
		return
	}

	next := m.mu.waiters[0]
	m.mu.waiters = m.mu.waiters[1:]
	m.owner.Store(next)
	// The remaining waiters now boost the new owner.
	for _, w := range m.mu.waiters {
		k.PIBoost(next, w)
	}
	m.mu.Unlock()

	k.WakeUpTask(next)
	k.PreemptEnable()
}
