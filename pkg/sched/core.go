// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"math"
	"runtime"
	"time"

	"github.com/cockroachdb/vkernel/pkg/ktime"
	"github.com/cockroachdb/vkernel/pkg/util/log"
)

// taskOnRQ reports whether t is in its class's runnable set. Runqueue lock
// held.
func taskOnRQ(t *Task) bool {
	switch t.classID() {
	case classDeadlineID:
		return t.dl.onRQ
	case classRTID:
		return t.rt.onRQ
	case classFairID:
		return t.se.onRQ
	default:
		return false
	}
}

// lockTaskRQ locks the runqueue owning t, retrying if t migrates between
// the lockless read of its CPU and the acquisition.
func (k *Kernel) lockTaskRQ(t *Task) *runQueue {
	for {
		rq := k.rqs[t.CPU()]
		rq.mu.Lock()
		if k.rqs[t.CPU()] == rq {
			return rq
		}
		rq.mu.Unlock()
	}
}

// Schedule suspends the calling task until it is next picked to run. It is
// the only suspension point in the kernel: the caller has already published
// its sleep state (or is still runnable and merely offering the CPU), and by
// the time Schedule returns the task is running again, possibly on a
// different CPU.
func (k *Kernel) Schedule() {
	prev := k.Current()
	if prev == nil {
		log.Fatalf(k.ctx, "Schedule called from outside task context")
	}
	cpu := k.cpus[prev.CPU()]
	if n := cpu.preemptCount.Load(); n > 0 {
		log.Fatalf(cpu.ctx, "schedule while non-preemptible (count %d, task %s)", n, prev.name)
	}
	k.scheduleOn(cpu, prev)
}

func (k *Kernel) scheduleOn(cpu *cpuState, prev *Task) {
	rq := k.rqs[cpu.id]

	cpu.irqSave()
	rq.mu.Lock()
	rq.updateClock(k.clock.Now())
	cpu.needResched.Store(false)
	if rq.curr != prev {
		log.Fatalf(cpu.ctx, "runqueue current is %s, scheduling task is %s",
			rq.curr.name, prev.name)
	}

	classOf(prev).updateCurr(k, rq, prev)

	// A task that lost its CPU to an affinity change migrates itself: it
	// leaves this queue now and is re-enqueued elsewhere after the handoff.
	migrating := prev.State() == TaskRunnable && !prev.isIdle &&
		!prev.Affinity().Test(rq.cpu)

	switch {
	case migrating:
		deactivate(k, rq, prev, deqMove)
		prev.se.vruntime = rebaseOut(prev.se.vruntime, rq.cfs.minVruntime)
	case prev.State() == TaskRunnable:
		classOf(prev).putPrev(k, rq, prev)
	default:
		// Going to sleep, stopping, or exiting.
		deactivate(k, rq, prev, deqSleep)
	}

	next := k.pickNext(rq)
	classOf(next).setNext(k, rq, next)
	if next == prev {
		rq.mu.Unlock()
		cpu.irqRestore()
		return
	}

	rq.curr = next
	rq.stats.switches++
	prev.lastRan = rq.clock
	rq.mu.Unlock()
	cpu.irqRestore()

	k.switchTo(prev, next, migrating)
}

// pickNext selects the highest-class runnable task, falling through to the
// idle task. When nothing is runnable it first tries to pull work from a
// busier CPU; the lock is dropped for the pull, which is safe because the
// caller re-examines nothing but the pick. Runqueue lock held on entry and
// exit.
func (k *Kernel) pickNext(rq *runQueue) *Task {
	if rq.nrRunning == 0 {
		rq.mu.Unlock()
		k.idleBalance(rq)
		rq.mu.Lock()
		rq.updateClock(k.clock.Now())
	}
	for cid := classDeadlineID; cid < numClasses; cid++ {
		if t := classes[cid].pick(k, rq); t != nil {
			return t
		}
	}
	// Unreachable: the idle class never declines.
	return rq.idle
}

// switchTo hands the CPU from prev to next and parks prev. The buffered
// send grants next its run permit before prev parks, and the channel pair
// orders all of prev's writes before next's reads. An exiting prev is not
// parked: its goroutine unwinds in taskExit. A migrating prev enqueues
// itself on its new runqueue after the handoff, then parks.
func (k *Kernel) switchTo(prev, next *Task, migrating bool) {
	next.gate <- struct{}{}
	if prev.State() == TaskZombie {
		return
	}
	if migrating {
		k.enqueueRemote(prev)
	}
	k.waitGate(prev)
}

// waitGate parks the calling goroutine until t's run permit is granted.
// During shutdown parked tasks are abandoned here.
func (k *Kernel) waitGate(t *Task) {
	select {
	case <-t.gate:
	case <-k.stopper.ShouldQuiesce():
		runtime.Goexit()
	}
}

// enqueueRemote places a runnable task displaced by an affinity change onto
// an allowed CPU.
func (k *Kernel) enqueueRemote(t *Task) {
	dest := k.selectCPU(t)
	rq := k.rqs[dest]
	k.lockRQ(rq)
	rq.updateClock(k.clock.Now())
	t.se.vruntime += rq.cfs.minVruntime
	t.cpu.Store(int32(dest))
	activate(k, rq, t, enqMove)
	if rq.curr != nil {
		classOf(rq.curr).checkPreempt(k, rq, t)
	}
	kick := k.cpus[dest].needResched.Load()
	rq.stats.migrations++
	k.unlockRQ(rq)
	if kick {
		k.ipi.SendIPI(dest, VectorResched)
	}
}

// rebaseOut makes a vruntime relative by subtracting the source queue's
// floor, saturating at zero.
func rebaseOut(v, minVruntime uint64) uint64 {
	if v < minVruntime {
		return 0
	}
	return v - minVruntime
}

// selectCPU picks a CPU allowed by t's affinity: an idle CPU in the
// previous CPU's core if there is one, otherwise the least-loaded allowed
// CPU, preferring the previous on ties. Reads are lockless snapshots; the
// placement is a heuristic, not an invariant.
func (k *Kernel) selectCPU(t *Task) int {
	mask := t.Affinity()
	prev := t.CPU()
	if c := k.idleSibling(prev, mask); c >= 0 {
		return c
	}
	best := -1
	bestLoad := uint64(math.MaxUint64)
	for c := range k.rqs {
		if !mask.Test(c) {
			continue
		}
		load := k.rqs[c].peek.load.Load()
		if load < bestLoad || (load == bestLoad && c == prev) {
			best, bestLoad = c, load
		}
	}
	if best < 0 {
		// Affinity validation keeps masks non-empty; fall back defensively.
		return prev
	}
	return best
}

// WakeUpTask transitions a sleeping task to runnable, enqueues it on a CPU
// its affinity allows, and requests preemption if it outranks what runs
// there. Returns false if the task was not sleeping.
func (k *Kernel) WakeUpTask(t *Task) bool {
	return k.wake(t, false)
}

func (k *Kernel) wake(t *Task, interruptibleOnly bool) bool {
	k.PreemptDisable()
	woken := k.wakeLocked(t, interruptibleOnly)
	// PreemptEnable is a preemption point: a waker that just queued a
	// higher-priority task onto its own CPU yields here.
	k.PreemptEnable()
	return woken
}

func (k *Kernel) wakeLocked(t *Task, interruptibleOnly bool) bool {
	rq := k.lockTaskRQ(t)

	switch s := t.State(); {
	case s == TaskRunnable || s == TaskZombie:
		rq.mu.Unlock()
		return false
	case interruptibleOnly && s != TaskInterruptible:
		rq.mu.Unlock()
		return false
	}

	if t == rq.curr {
		// The task is still on its CPU, racing with its own suspension:
		// flipping the state is enough, its Schedule call will keep it
		// enqueued.
		t.setState(TaskRunnable)
		rq.mu.Unlock()
		return true
	}

	dest := k.selectCPU(t)
	if dest != rq.cpu {
		t.se.vruntime = rebaseOut(t.se.vruntime, rq.cfs.minVruntime)
		t.cpu.Store(int32(dest))
		rq.mu.Unlock()
		rq = k.rqs[dest]
		rq.mu.Lock()
		if t.State() == TaskRunnable {
			// A concurrent waker got here first.
			rq.mu.Unlock()
			return false
		}
		t.se.vruntime += rq.cfs.minVruntime
	}

	rq.updateClock(k.clock.Now())
	t.setState(TaskRunnable)
	activate(k, rq, t, enqWakeup)
	if rq.curr != nil {
		classOf(rq.curr).checkPreempt(k, rq, t)
	}
	kick := k.cpus[rq.cpu].needResched.Load()
	target := rq.cpu
	rq.mu.Unlock()

	self := -1
	if curr := k.Current(); curr != nil {
		self = curr.CPU()
	}
	if kick && target != self {
		k.ipi.SendIPI(target, VectorResched)
	}
	return true
}

// Yield moves the calling task behind its peers and reschedules.
func (k *Kernel) Yield() {
	t := k.Current()
	if t == nil {
		runtime.Gosched()
		return
	}
	rq := k.rqs[t.CPU()]
	rq.mu.Lock()
	rq.updateClock(k.clock.Now())
	classOf(t).yield(k, rq)
	rq.mu.Unlock()
	k.Schedule()
}

// SetNeedResched flags the calling task's CPU for rescheduling at its next
// preemption point.
func (k *Kernel) SetNeedResched() {
	if t := k.Current(); t != nil {
		k.cpus[t.CPU()].needResched.Store(true)
	}
}

// CheckPreempt is the voluntary preemption point: compute loops call it
// periodically. It services pending interrupt work on the calling task's
// CPU, then reschedules if asked and allowed.
func (k *Kernel) CheckPreempt() {
	t := k.Current()
	if t == nil {
		return
	}
	cpu := k.cpus[t.CPU()]
	k.serviceCPU(cpu)
	if cpu.preemptCount.Load() > 0 || cpu.irqDepth.Load() > 0 {
		return
	}
	if cpu.needResched.Load() {
		k.Schedule()
	}
}

// ScheduleTimeout suspends the calling task like Schedule, but arms a timer
// that wakes it after d. It returns 0 if the timeout expired, and otherwise
// the time remaining when something else woke the task (at least 1ns, so
// success is always distinguishable from a timeout).
func (k *Kernel) ScheduleTimeout(d time.Duration) time.Duration {
	curr := k.Current()
	if curr == nil {
		log.Fatalf(k.ctx, "ScheduleTimeout called from outside task context")
	}
	if d <= 0 {
		k.Schedule()
		return 0
	}

	cpu := k.cpus[curr.CPU()]
	expires := k.clock.Now() + d.Nanoseconds()
	curr.timedOut.Store(false)
	tm := &ktime.Timer{
		Fn: func(*ktime.Timer) {
			// Set before waking so the task observes it on resume; cleared
			// if the wake lost the race to a real wakeup.
			curr.timedOut.Store(true)
			if !k.wake(curr, false) {
				curr.timedOut.Store(false)
			}
		},
	}
	cpu.timers.Add(tm, expires)

	k.Schedule()

	cpu.timers.Del(tm)
	if curr.timedOut.Swap(false) {
		return 0
	}
	remaining := expires - k.clock.Now()
	if remaining < 1 {
		remaining = 1
	}
	return time.Duration(remaining)
}
