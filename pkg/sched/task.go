// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"math/bits"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/redact"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

var (
	_ redact.SafeValue = TaskState(0)
	_ redact.SafeValue = Policy(0)
)

// TaskState is the lifecycle state of a task. Transitions into Runnable
// happen only under the runqueue lock of the task's CPU; transitions out of
// Runnable are made by the task itself before it suspends.
type TaskState int32

const (
	// TaskRunnable means the task is running or ready to run.
	TaskRunnable TaskState = iota
	// TaskInterruptible means the task is asleep and wakeable by both
	// events and signals.
	TaskInterruptible
	// TaskUninterruptible means the task is asleep and wakeable only by the
	// event it is waiting for.
	TaskUninterruptible
	// TaskZombie means the task has exited but has not been reaped.
	TaskZombie
	// TaskStopped means the task has been stopped by a signal.
	TaskStopped
)

// SafeValue marks the state as safe to log unredacted.
func (TaskState) SafeValue() {}

func (s TaskState) String() string {
	switch s {
	case TaskRunnable:
		return "runnable"
	case TaskInterruptible:
		return "interruptible"
	case TaskUninterruptible:
		return "uninterruptible"
	case TaskZombie:
		return "zombie"
	case TaskStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Policy selects the scheduling class and intra-class behavior of a task.
type Policy int8

const (
	// PolicyNormal is the weighted fair policy.
	PolicyNormal Policy = iota
	// PolicyBatch is fair scheduling without wakeup preemption.
	PolicyBatch
	// PolicyIdle runs only when nothing else is runnable.
	PolicyIdle
	// PolicyFIFO is fixed-priority realtime, run-to-block.
	PolicyFIFO
	// PolicyRR is fixed-priority realtime with round-robin timeslicing.
	PolicyRR
	// PolicyDeadline is earliest-deadline-first, above all other classes.
	PolicyDeadline
)

// SafeValue marks the policy as safe to log unredacted.
func (Policy) SafeValue() {}

func (p Policy) String() string {
	switch p {
	case PolicyNormal:
		return "normal"
	case PolicyBatch:
		return "batch"
	case PolicyIdle:
		return "idle"
	case PolicyFIFO:
		return "fifo"
	case PolicyRR:
		return "rr"
	case PolicyDeadline:
		return "deadline"
	default:
		return "unknown"
	}
}

func (p Policy) realtime() bool { return p == PolicyFIFO || p == PolicyRR }

// CPUMask is a bitmask of allowed CPUs.
type CPUMask uint64

// MaskAll returns a mask covering CPUs [0, n).
func MaskAll(n int) CPUMask { return CPUMask(1)<<uint(n) - 1 }

// MaskOf returns a mask containing exactly the given CPUs.
func MaskOf(cpus ...int) CPUMask {
	var m CPUMask
	for _, c := range cpus {
		m |= 1 << uint(c)
	}
	return m
}

// Test reports whether cpu is in the mask.
func (m CPUMask) Test(cpu int) bool { return m&(1<<uint(cpu)) != 0 }

// Count returns the number of CPUs in the mask.
func (m CPUMask) Count() int { return bits.OnesCount64(uint64(m)) }

// First returns the lowest CPU in the mask, or -1 if the mask is empty.
func (m CPUMask) First() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// PIBlocker is implemented by sleeping synchronization primitives that
// participate in priority inheritance. The priority boosting chain walk uses
// it to follow a blocked task to the owner currently holding it up.
type PIBlocker interface {
	// PIOwner returns the task currently owning the primitive, or nil. The
	// result may be stale by the time the caller uses it; the chain walk
	// tolerates that.
	PIOwner() *Task
}

// A Task is a schedulable thread of control backed by a goroutine.
//
// Fields in the se/rt/dl entities and the queueing state are protected by
// the runqueue lock of the CPU the task is assigned to. Priority-inheritance
// state is protected by piMu, which nests outside runqueue locks.
type Task struct {
	id   int64
	name string
	k    *Kernel

	// gate is the task's run permit. A buffered send grants the CPU to the
	// task; the receive in waitGate blocks until granted. Capacity 1 lets
	// the switching-out goroutine grant before parking itself.
	gate chan struct{}

	// done is closed when the task exits. It exists for observers outside
	// the task world; in-kernel waiters use WaitTask.
	done chan struct{}

	state atomic.Int32 // TaskState

	policy Policy
	isIdle bool // per-CPU idle task

	// cpu is the CPU whose runqueue owns this task. Changed only while
	// holding the relevant runqueue locks; read locklessly by wakers to
	// find the lock to take (and rechecked after taking it).
	cpu atomic.Int32

	// affinity is the set of CPUs the task may run on.
	affinity atomic.Uint64

	// sigPending is set by SignalTask and consumed by interruptible waits.
	sigPending atomic.Bool

	// Static priority inputs; immutable except under the task's runqueue
	// lock (SetTaskNice, setscheduler paths).
	nice       int
	staticPrio int
	rtPriority int
	normalPrio int

	// prio is the effective priority including any inheritance boost.
	prio atomic.Int32

	// class caches classOfPrio(prio). Changed under piMu plus the runqueue
	// lock when a boost crosses a class boundary.
	class atomic.Int32

	se schedEntity
	rt rtEntity
	dl dlEntity

	// lastRan is the runqueue clock at which the task last stopped running,
	// used by the balancer as a cache-hotness estimate.
	lastRan int64

	// timedOut is set by expiry callbacks of timed sleeps and read back by
	// ScheduleTimeout after resuming.
	timedOut atomic.Bool

	pi struct {
		syncutil.Mutex
		// waiters holds the tasks blocked on primitives this task owns,
		// sorted by effective priority (highest first).
		waiters []*Task
	}

	// piBlockedOn holds a piRef naming the primitive this task is blocked
	// on. It is atomic because the boosting chain walk follows it without
	// taking the blocked task's pi lock.
	piBlockedOn atomic.Value

	parent   *Task
	exitCode int
}

// ID returns the task's identifier.
func (t *Task) ID() int64 { return t.id }

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

func (t *Task) setState(s TaskState) { t.state.Store(int32(s)) }

// CPU returns the CPU whose runqueue currently owns the task.
func (t *Task) CPU() int { return int(t.cpu.Load()) }

// Affinity returns the task's allowed-CPU mask.
func (t *Task) Affinity() CPUMask { return CPUMask(t.affinity.Load()) }

// Nice returns the task's nice level.
func (t *Task) Nice() int { return t.nice }

// Policy returns the task's scheduling policy.
func (t *Task) Policy() Policy { return t.policy }

// Prio returns the task's effective priority, including any priority
// inheritance boost. Lower values are higher priority.
func (t *Task) Prio() int { return int(t.prio.Load()) }

func (t *Task) setPrio(p int) {
	t.prio.Store(int32(p))
	t.class.Store(int32(classOfPrio(p, t.isIdle)))
}

func (t *Task) classID() classID { return classID(t.class.Load()) }

// SignalPending reports whether a signal has been posted to the task and not
// yet consumed.
func (t *Task) SignalPending() bool { return t.sigPending.Load() }

// ClearSignal consumes a pending signal, returning whether one was pending.
func (t *Task) ClearSignal() bool { return t.sigPending.Swap(false) }

// Runtime returns the CPU time the task has consumed so far.
func (t *Task) Runtime() time.Duration {
	rq := t.k.lockTaskRQ(t)
	ns := t.se.sumExec
	rq.mu.Unlock()
	return time.Duration(ns)
}

// LoadAvg returns the task's tracked load and utilization averages. A task
// that is continuously runnable converges to (weight, 1024).
func (t *Task) LoadAvg() (load, util uint64) {
	rq := t.k.lockTaskRQ(t)
	load, util = t.se.avg.loadAvg, t.se.avg.utilAvg
	rq.mu.Unlock()
	return load, util
}

// Done returns a channel closed when the task exits. It is intended for
// callers outside the scheduled world; tasks waiting on other tasks should
// use Kernel.WaitTask.
func (t *Task) Done() <-chan struct{} { return t.done }

// ExitCode returns the task's exit code. Valid only after Done is closed or
// WaitTask has returned.
func (t *Task) ExitCode() int { return t.exitCode }

// PrepareSleep publishes the task's intent to sleep in the given state. It
// must be called by the task itself, before re-checking the wait condition;
// a wakeup arriving after this point flips the task back to runnable and the
// subsequent Schedule call becomes a no-op switch.
func (t *Task) PrepareSleep(s TaskState) {
	t.setState(s)
}

// FinishSleep resets the task to runnable after a wait completes, covering
// the case where the task observed its condition before actually suspending.
func (t *Task) FinishSleep() {
	t.setState(TaskRunnable)
}

// piRef wraps a PIBlocker so a nil one can round-trip through atomic.Value.
type piRef struct {
	b PIBlocker
}

// SetPIBlockedOn records the primitive the task is about to block on, or
// clears it with nil. Callers hold the primitive's own lock, which orders
// the store against the owner's chain walk.
func (t *Task) SetPIBlockedOn(b PIBlocker) {
	t.piBlockedOn.Store(piRef{b: b})
}

// PIBlockedOn returns the primitive the task is blocked on, or nil.
func (t *Task) PIBlockedOn() PIBlocker {
	ref, _ := t.piBlockedOn.Load().(piRef)
	return ref.b
}

// TaskFunc is a task entry point. Its return value becomes the task's exit
// code. The context is the kernel's base context and is canceled when the
// kernel shuts down.
type TaskFunc func(ctx context.Context, arg interface{}) int
