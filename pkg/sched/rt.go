// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

// The realtime class runs strictly by priority: the highest populated level
// wins, FIFO within a level, with optional round-robin slicing. A bandwidth
// budget caps the class's share of each CPU so runaway realtime load cannot
// starve fair tasks forever.

// rtBandwidth is a token bucket in units of nanoseconds of execution.
// Tokens accrue at runtime/period per elapsed nanosecond up to a burst of
// one full runtime; execution drains them. The class throttles at zero.
type rtBandwidth struct {
	rate   float64
	burst  float64
	tokens float64
	last   int64
}

func (b *rtBandwidth) init(runtime, period int64, now int64) {
	b.rate = float64(runtime) / float64(period)
	b.burst = float64(runtime)
	b.tokens = b.burst
	b.last = now
}

func (b *rtBandwidth) refill(now int64) {
	if now <= b.last {
		return
	}
	b.tokens += float64(now-b.last) * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
}

// charge drains delta from the bucket and reports whether the class is out
// of budget.
func (b *rtBandwidth) charge(now, delta int64) bool {
	b.refill(now)
	b.tokens -= float64(delta)
	return b.tokens <= 0
}

func (rt *rtRQ) pushLevel(t *Task, level int, head bool) {
	if head {
		rt.queues[level] = append([]*Task{t}, rt.queues[level]...)
	} else {
		rt.queues[level] = append(rt.queues[level], t)
	}
	rt.setBit(level)
	t.rt.queuedLevel = level
	t.rt.inQueue = true
}

func (rt *rtRQ) removeLevel(t *Task) {
	level := t.rt.queuedLevel
	q := rt.queues[level]
	for i, e := range q {
		if e == t {
			rt.queues[level] = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(rt.queues[level]) == 0 {
		rt.clearBit(level)
	}
	t.rt.inQueue = false
}

func enqueueTaskRT(k *Kernel, rq *runQueue, t *Task, flags int) {
	if t.rt.onRQ {
		return
	}
	t.rt.onRQ = true
	rq.rt.nrRunning++
	if t != rq.curr {
		rq.rt.pushLevel(t, t.Prio(), false)
	}
}

func dequeueTaskRT(k *Kernel, rq *runQueue, t *Task, flags int) {
	if !t.rt.onRQ {
		return
	}
	if t == rq.curr {
		updateCurrRT(k, rq, t)
	}
	if t.rt.inQueue {
		rq.rt.removeLevel(t)
	}
	t.rt.onRQ = false
	rq.rt.nrRunning--
}

// yieldTaskRT sends the running task to the tail of its level.
func yieldTaskRT(k *Kernel, rq *runQueue) {
	if t := rq.curr; t != nil {
		t.rt.tailOnPut = true
	}
}

func checkPreemptRT(k *Kernel, rq *runQueue, t *Task) {
	if rq.curr != nil && t.Prio() < rq.curr.Prio() {
		k.reschedLocked(rq)
	}
}

func pickNextTaskRT(k *Kernel, rq *runQueue) *Task {
	if rq.rt.throttled {
		return nil
	}
	level := rq.rt.highestPrio()
	if level < 0 {
		return nil
	}
	t := rq.rt.queues[level][0]
	rq.rt.removeLevel(t)
	return t
}

func putPrevTaskRT(k *Kernel, rq *runQueue, t *Task) {
	if !t.rt.onRQ || t.rt.inQueue {
		return
	}
	// A preempted task resumes ahead of its equals; one that exhausted its
	// round-robin slice or yielded goes behind them.
	head := !t.rt.tailOnPut
	t.rt.tailOnPut = false
	rq.rt.pushLevel(t, t.Prio(), head)
}

func setNextTaskRT(k *Kernel, rq *runQueue, t *Task) {
	t.se.execStart = rq.clock
	t.se.prevSumExec = t.se.sumExec
	if t.policy == PolicyRR && t.rt.timeSlice <= 0 {
		t.rt.timeSlice = k.rrTimesliceNS
	}
}

// updateCurrRT charges elapsed runtime against the task and the class's
// bandwidth budget.
func updateCurrRT(k *Kernel, rq *runQueue, t *Task) {
	delta := rq.clock - t.se.execStart
	if delta <= 0 {
		return
	}
	t.se.execStart = rq.clock
	t.se.sumExec += uint64(delta)
	t.se.avg.update(rq.clock, t.se.weight, true, true)

	if t.policy.realtime() {
		t.rt.timeSlice -= delta
		if rq.rt.bw.charge(rq.clock, delta) && !rq.rt.throttled {
			rq.rt.throttled = true
			k.reschedLocked(rq)
		}
	}
}

func taskTickRT(k *Kernel, rq *runQueue, t *Task) {
	updateCurrRT(k, rq, t)

	if t.policy != PolicyRR {
		return
	}
	if t.rt.timeSlice > 0 {
		return
	}
	t.rt.timeSlice = k.rrTimesliceNS
	// Round-robin only matters with a peer at the same level.
	if len(rq.rt.queues[t.Prio()]) > 0 {
		t.rt.tailOnPut = true
		k.reschedLocked(rq)
	}
}

func prioChangedRT(k *Kernel, rq *runQueue, t *Task, oldPrio int) {
	if t.rt.inQueue && t.rt.queuedLevel != t.Prio() {
		rq.rt.removeLevel(t)
		rq.rt.pushLevel(t, t.Prio(), false)
	}
	if t == rq.curr {
		if level := rq.rt.highestPrio(); level >= 0 && level < t.Prio() {
			k.reschedLocked(rq)
		}
	} else if t.rt.onRQ && rq.curr != nil && t.Prio() < rq.curr.Prio() {
		k.reschedLocked(rq)
	}
}
