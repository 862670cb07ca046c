// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import "sort"

// The deadline class runs above everything else and picks the task with the
// earliest absolute deadline. Deadlines replenish by one period whenever
// they fall behind the runqueue clock, giving a minimal constant-bandwidth
// flavor without full admission control.

func (d *dlRQ) insert(t *Task) {
	i := sort.Search(len(d.tasks), func(i int) bool {
		return d.tasks[i].dl.deadline > t.dl.deadline
	})
	d.tasks = append(d.tasks, nil)
	copy(d.tasks[i+1:], d.tasks[i:])
	d.tasks[i] = t
	t.dl.inQueue = true
}

func (d *dlRQ) remove(t *Task) {
	for i, e := range d.tasks {
		if e == t {
			d.tasks = append(d.tasks[:i:i], d.tasks[i+1:]...)
			break
		}
	}
	t.dl.inQueue = false
}

// replenish pushes the deadline forward until it is in the future.
func replenishDL(rq *runQueue, t *Task) {
	if t.dl.period <= 0 {
		return
	}
	for t.dl.deadline <= rq.clock {
		t.dl.deadline += t.dl.period
	}
}

func enqueueTaskDL(k *Kernel, rq *runQueue, t *Task, flags int) {
	if t.dl.onRQ {
		return
	}
	if flags&enqWakeup != 0 {
		replenishDL(rq, t)
	}
	t.dl.onRQ = true
	rq.dl.nrRunning++
	if t != rq.curr {
		rq.dl.insert(t)
	}
}

func dequeueTaskDL(k *Kernel, rq *runQueue, t *Task, flags int) {
	if !t.dl.onRQ {
		return
	}
	if t == rq.curr {
		updateCurrDL(k, rq, t)
	}
	if t.dl.inQueue {
		rq.dl.remove(t)
	}
	t.dl.onRQ = false
	rq.dl.nrRunning--
}

// yieldTaskDL gives up the rest of the current period.
func yieldTaskDL(k *Kernel, rq *runQueue) {
	if t := rq.curr; t != nil {
		replenishDL(rq, t)
		t.dl.deadline += t.dl.period
	}
}

func checkPreemptDL(k *Kernel, rq *runQueue, t *Task) {
	curr := rq.curr
	if curr == nil || t.classID() != classDeadlineID {
		return
	}
	if curr.classID() != classDeadlineID || t.dl.deadline < curr.dl.deadline {
		k.reschedLocked(rq)
	}
}

func pickNextTaskDL(k *Kernel, rq *runQueue) *Task {
	if len(rq.dl.tasks) == 0 {
		return nil
	}
	t := rq.dl.tasks[0]
	rq.dl.remove(t)
	return t
}

func putPrevTaskDL(k *Kernel, rq *runQueue, t *Task) {
	if t.dl.onRQ && !t.dl.inQueue {
		rq.dl.insert(t)
	}
}

func setNextTaskDL(k *Kernel, rq *runQueue, t *Task) {
	t.se.execStart = rq.clock
	t.se.prevSumExec = t.se.sumExec
}

func updateCurrDL(k *Kernel, rq *runQueue, t *Task) {
	delta := rq.clock - t.se.execStart
	if delta <= 0 {
		return
	}
	t.se.execStart = rq.clock
	t.se.sumExec += uint64(delta)
	t.se.avg.update(rq.clock, t.se.weight, true, true)
}

func taskTickDL(k *Kernel, rq *runQueue, t *Task) {
	updateCurrDL(k, rq, t)
	// Past its deadline the task replenishes and requeues so an earlier
	// deadline, if any, gets the CPU.
	if t.dl.period > 0 && t.dl.deadline <= rq.clock {
		replenishDL(rq, t)
		if len(rq.dl.tasks) > 0 && rq.dl.tasks[0].dl.deadline < t.dl.deadline {
			k.reschedLocked(rq)
		}
	}
}

func prioChangedDL(k *Kernel, rq *runQueue, t *Task, oldPrio int) {}
