// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

// The idle class owns exactly the per-CPU idle task. It never declines a
// pick and contributes nothing to load, and anything waking on an idle CPU
// preempts it.

func enqueueTaskIdle(k *Kernel, rq *runQueue, t *Task, flags int) {}

func dequeueTaskIdle(k *Kernel, rq *runQueue, t *Task, flags int) {}

func checkPreemptIdle(k *Kernel, rq *runQueue, t *Task) {
	k.reschedLocked(rq)
}

func pickNextTaskIdle(k *Kernel, rq *runQueue) *Task {
	return rq.idle
}

func putPrevTaskIdle(k *Kernel, rq *runQueue, t *Task) {}

func setNextTaskIdle(k *Kernel, rq *runQueue, t *Task) {
	t.se.execStart = rq.clock
}

func taskTickIdle(k *Kernel, rq *runQueue, t *Task) {}
