// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/vkernel/pkg/util/log"
)

// Priority inheritance. A task's effective priority is the minimum (best)
// of its own normal priority and the priorities of the tasks blocked behind
// primitives it owns. Boosts propagate along chains of blocked owners:
// waiter W blocks on a mutex owned by A, A is itself blocked on a mutex
// owned by B, so B inherits too. The walk is bounded and keeps a visited
// set, so ownership cycles (a deadlock bug in the caller) terminate instead
// of looping.

// piMaxChainDepth bounds boost propagation. Chains longer than this are
// almost certainly bugs; the walk logs and stops.
const piMaxChainDepth = 4

// Boosts can happen on every contended acquisition, so a buggy chain would
// warn in a tight loop.
var piWarnEvery = log.Every(time.Second)

// topWaiterPrio returns the best waiter priority, or MaxInt with no
// waiters. pi lock held.
func (t *Task) topWaiterPrio() int {
	if len(t.pi.waiters) == 0 {
		return math.MaxInt
	}
	return t.pi.waiters[0].Prio()
}

func (t *Task) insertWaiter(w *Task) {
	t.removeWaiter(w)
	i := sort.Search(len(t.pi.waiters), func(i int) bool {
		return t.pi.waiters[i].Prio() > w.Prio()
	})
	t.pi.waiters = append(t.pi.waiters, nil)
	copy(t.pi.waiters[i+1:], t.pi.waiters[i:])
	t.pi.waiters[i] = w
}

func (t *Task) removeWaiter(w *Task) bool {
	for i, e := range t.pi.waiters {
		if e == w {
			t.pi.waiters = append(t.pi.waiters[:i:i], t.pi.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// refreshPrioLocked recomputes t's effective priority from its normal
// priority and waiter list, applying any change to the runqueue. Returns
// whether the priority changed. t's pi lock held; the runqueue lock is
// taken inside (pi nests outside runqueue locks).
func (k *Kernel) refreshPrioLocked(t *Task) bool {
	newPrio := t.normalPrio
	if w := t.topWaiterPrio(); w < newPrio {
		newPrio = w
	}
	if newPrio == t.Prio() {
		return false
	}
	k.applyPrio(t, newPrio)
	return true
}

// applyPrio installs a new effective priority, requeueing the task and
// switching scheduling classes if the priority crosses a class boundary
// (a fair task boosted into the realtime range, or back).
func (k *Kernel) applyPrio(t *Task, newPrio int) {
	oldPrio := t.Prio()
	oldClass := t.classID()
	newClass := classOfPrio(newPrio, t.isIdle)

	rq := k.lockTaskRQ(t)
	rq.updateClock(k.clock.Now())

	queued := taskOnRQ(t)
	running := t == rq.curr

	if newClass != oldClass {
		if queued {
			deactivate(k, rq, t, 0)
		}
		t.setPrio(newPrio)
		if queued {
			activate(k, rq, t, 0)
		}
		if running {
			classes[newClass].setNext(k, rq, t)
		}
		// Class transitions always warrant a second look at the pick.
		k.reschedLocked(rq)
	} else {
		t.setPrio(newPrio)
		classes[newClass].prioChanged(k, rq, t, oldPrio)
	}
	rq.mu.Unlock()
}

// PIBoost records waiter as blocked behind owner and propagates the
// resulting priority along the ownership chain. Called by sleeping
// primitives after appending the waiter to their own queue, before the
// waiter suspends.
func (k *Kernel) PIBoost(owner, waiter *Task) {
	var visited [piMaxChainDepth]int64
	for depth := 0; owner != nil; depth++ {
		if depth >= piMaxChainDepth {
			if piWarnEvery.ShouldLog() {
				log.Warningf(k.ctx, "priority inheritance chain exceeds depth %d at task %s; stopping",
					piMaxChainDepth, owner.name)
			}
			return
		}
		for _, id := range visited[:depth] {
			if id == owner.id {
				// Ownership cycle: the callers have deadlocked among
				// themselves. Boosting around the loop again achieves
				// nothing.
				if piWarnEvery.ShouldLog() {
					log.Warningf(k.ctx, "priority inheritance cycle at task %s", owner.name)
				}
				return
			}
		}
		visited[depth] = owner.id

		owner.pi.Lock()
		owner.insertWaiter(waiter)
		changed := k.refreshPrioLocked(owner)
		var next *Task
		if changed {
			if b := owner.PIBlockedOn(); b != nil {
				next = b.PIOwner()
			}
		}
		owner.pi.Unlock()

		if !changed {
			return
		}
		// The owner's priority rose; if it is itself blocked, its own
		// position in the next owner's waiter list must be re-sorted.
		waiter = owner
		owner = next
	}
}

// PIRemoveWaiter unlinks waiter from owner's inheritance list, deboosting
// the owner if the waiter was what held its priority up. Called when a wait
// is abandoned (timeout, signal) without the waiter acquiring ownership.
func (k *Kernel) PIRemoveWaiter(owner, waiter *Task) {
	owner.pi.Lock()
	if owner.removeWaiter(waiter) {
		k.refreshPrioLocked(owner)
	}
	owner.pi.Unlock()
}

// PIRelease drops every boost owner received from waiters blocked on b and
// restores its priority. Called by the primitive on ownership release,
// before the next owner is woken.
func (k *Kernel) PIRelease(owner *Task, b PIBlocker) {
	owner.pi.Lock()
	filtered := owner.pi.waiters[:0]
	for _, w := range owner.pi.waiters {
		if w.PIBlockedOn() != b {
			filtered = append(filtered, w)
		}
	}
	for i := len(filtered); i < len(owner.pi.waiters); i++ {
		owner.pi.waiters[i] = nil
	}
	owner.pi.waiters = filtered
	k.refreshPrioLocked(owner)
	owner.pi.Unlock()
}
