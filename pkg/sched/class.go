// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

// classID identifies a scheduling class, in strict priority order: the pick
// loop offers the CPU to each class in turn and the idle class never
// declines.
type classID int32

const (
	classDeadlineID classID = iota
	classRTID
	classFairID
	classIdleID
	numClasses
)

func (c classID) String() string {
	switch c {
	case classDeadlineID:
		return "deadline"
	case classRTID:
		return "rt"
	case classFairID:
		return "fair"
	case classIdleID:
		return "idle"
	default:
		return "unknown"
	}
}

// Enqueue/dequeue flags.
const (
	// enqWakeup marks an enqueue caused by a wakeup, which grants the fair
	// placement bonus.
	enqWakeup = 1 << iota
	// enqMove marks a migration enqueue; placement rebases against the
	// destination but gets no bonus.
	enqMove
	// deqSleep marks a dequeue because the task is going to sleep.
	deqSleep
	// deqMove marks a migration dequeue.
	deqMove
)

// schedClass is the per-class operations table. Every function is called
// with the runqueue lock held. Dispatch is a fixed table indexed by classID
// rather than anything dynamic: the class set is closed and the scheduler's
// hot paths should not chase pointers.
type schedClass struct {
	// enqueue makes t runnable on rq.
	enqueue func(k *Kernel, rq *runQueue, t *Task, flags int)
	// dequeue removes t from rq's runnable set.
	dequeue func(k *Kernel, rq *runQueue, t *Task, flags int)
	// yield asks the running task to move behind its peers.
	yield func(k *Kernel, rq *runQueue)
	// checkPreempt decides whether waking t should preempt rq.curr, which
	// belongs to this class.
	checkPreempt func(k *Kernel, rq *runQueue, t *Task)
	// pick selects the next task of this class, removing it from the
	// class's queued structure, or returns nil to pass to the next class.
	pick func(k *Kernel, rq *runQueue) *Task
	// putPrev returns the previously-running, still-runnable task to the
	// class's queued structure.
	putPrev func(k *Kernel, rq *runQueue, t *Task)
	// setNext establishes t as the running task of this class.
	setNext func(k *Kernel, rq *runQueue, t *Task)
	// tick charges a scheduler tick to the running task t.
	tick func(k *Kernel, rq *runQueue, t *Task)
	// updateCurr folds elapsed runtime into t's accounting.
	updateCurr func(k *Kernel, rq *runQueue, t *Task)
	// prioChanged reacts to an effective-priority change of queued or
	// running task t.
	prioChanged func(k *Kernel, rq *runQueue, t *Task, oldPrio int)
}

var classes [numClasses]schedClass

func init() {
	classes[classDeadlineID] = schedClass{
		enqueue:      enqueueTaskDL,
		dequeue:      dequeueTaskDL,
		yield:        yieldTaskDL,
		checkPreempt: checkPreemptDL,
		pick:         pickNextTaskDL,
		putPrev:      putPrevTaskDL,
		setNext:      setNextTaskDL,
		tick:         taskTickDL,
		updateCurr:   updateCurrDL,
		prioChanged:  prioChangedDL,
	}
	classes[classRTID] = schedClass{
		enqueue:      enqueueTaskRT,
		dequeue:      dequeueTaskRT,
		yield:        yieldTaskRT,
		checkPreempt: checkPreemptRT,
		pick:         pickNextTaskRT,
		putPrev:      putPrevTaskRT,
		setNext:      setNextTaskRT,
		tick:         taskTickRT,
		updateCurr:   updateCurrRT,
		prioChanged:  prioChangedRT,
	}
	classes[classFairID] = schedClass{
		enqueue:      enqueueTaskFair,
		dequeue:      dequeueTaskFair,
		yield:        yieldTaskFair,
		checkPreempt: checkPreemptFair,
		pick:         pickNextTaskFair,
		putPrev:      putPrevTaskFair,
		setNext:      setNextTaskFair,
		tick:         taskTickFair,
		updateCurr:   updateCurrFair,
		prioChanged:  prioChangedFair,
	}
	classes[classIdleID] = schedClass{
		enqueue:      enqueueTaskIdle,
		dequeue:      dequeueTaskIdle,
		yield:        func(*Kernel, *runQueue) {},
		checkPreempt: checkPreemptIdle,
		pick:         pickNextTaskIdle,
		putPrev:      putPrevTaskIdle,
		setNext:      setNextTaskIdle,
		tick:         taskTickIdle,
		updateCurr:   func(*Kernel, *runQueue, *Task) {},
		prioChanged:  func(*Kernel, *runQueue, *Task, int) {},
	}
}

func classOf(t *Task) *schedClass {
	return &classes[t.classID()]
}

// activate enqueues t through its class and bumps the runqueue counters.
func activate(k *Kernel, rq *runQueue, t *Task, flags int) {
	classOf(t).enqueue(k, rq, t, flags)
	rq.nrRunning++
	rq.refreshPeek()
}

// deactivate removes t from the runnable set through its class.
func deactivate(k *Kernel, rq *runQueue, t *Task, flags int) {
	classOf(t).dequeue(k, rq, t, flags)
	rq.nrRunning--
	rq.refreshPeek()
}
