// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

// The fair class divides CPU time in proportion to task weight by running
// the task with the smallest virtual runtime. Virtual runtime advances at
// wall speed for a nice-0 task and inversely proportional to weight
// otherwise, so heavier tasks accumulate it more slowly and get picked more
// often.

// calcDeltaFair converts an execution delta to virtual time for a task of
// the given weight.
func calcDeltaFair(delta int64, weight uint64) uint64 {
	return uint64(delta) * nice0Load / weight
}

// schedPeriod returns the interval over which every runnable task should get
// one turn. It stretches beyond the target latency once there are enough
// tasks that each turn would drop below the minimum granularity.
func (k *Kernel) schedPeriod(nrRunning int) int64 {
	if period := k.minGranularityNS * int64(nrRunning); period > k.schedLatencyNS {
		return period
	}
	return k.schedLatencyNS
}

// timesliceOf returns t's share of the period on rq, proportional to its
// weight within the queue's total load.
func (k *Kernel) timesliceOf(rq *runQueue, t *Task) int64 {
	load := rq.cfs.load
	if load == 0 {
		load = t.se.weight
	}
	return k.schedPeriod(rq.cfs.nrRunning) * int64(t.se.weight) / int64(load)
}

// insert places t into the fair timeline and refreshes the leftmost cache.
func (c *cfsRQ) insert(t *Task, seq uint64) {
	t.se.key = timelineKey{vruntime: t.se.vruntime, seq: seq, task: t}
	c.timeline.ReplaceOrInsert(&t.se.key)
	t.se.inTree = true
	if c.leftmost == nil || t.se.key.Less(&c.leftmost.se.key) {
		c.leftmost = t
	}
}

// remove takes t out of the fair timeline.
func (c *cfsRQ) remove(t *Task) {
	c.timeline.Delete(&t.se.key)
	t.se.inTree = false
	if c.leftmost == t {
		c.leftmost = nil
		if min := c.timeline.Min(); min != nil {
			c.leftmost = min.(*timelineKey).task
		}
	}
}

// updateMinVruntime ratchets the queue's virtual-time floor forward to track
// the minimum of the running task and the timeline's leftmost entry.
func updateMinVruntime(rq *runQueue) {
	c := &rq.cfs
	var vruntime uint64
	have := false
	if rq.curr != nil && rq.curr.classID() == classFairID && rq.curr.se.onRQ {
		vruntime = rq.curr.se.vruntime
		have = true
	}
	if c.leftmost != nil {
		if v := c.leftmost.se.vruntime; !have || v < vruntime {
			vruntime = v
			have = true
		}
	}
	if have && vruntime > c.minVruntime {
		c.minVruntime = vruntime
	}
}

// updateEntityAvg folds the window since the last update into t's load
// tracking, then into the queue-level aggregate.
func updateEntityAvg(rq *runQueue, t *Task) {
	var load uint64
	if t.se.onRQ {
		load = t.se.weight
	}
	t.se.avg.update(rq.clock, load, t.se.onRQ, rq.curr == t)
	rq.cfs.avg.update(rq.clock, rq.cfs.load, rq.cfs.nrRunning > 0,
		rq.curr != nil && rq.curr.classID() == classFairID)
}

// updateCurrFair charges the running task for time elapsed since its last
// accounting update and advances its virtual runtime.
func updateCurrFair(k *Kernel, rq *runQueue, t *Task) {
	delta := rq.clock - t.se.execStart
	if delta <= 0 {
		return
	}
	t.se.execStart = rq.clock
	t.se.sumExec += uint64(delta)
	t.se.vruntime += calcDeltaFair(delta, t.se.weight)
	updateMinVruntime(rq)
	updateEntityAvg(rq, t)
}

// placeEntity sets a waking task's virtual runtime. Sleepers are credited at
// most half a latency period below the floor, enough to preempt promptly
// without letting a long sleep hoard unbounded credit; the floor also stops
// vruntime from ever moving backwards on short sleeps.
func (k *Kernel) placeEntity(rq *runQueue, t *Task, wakeup bool) {
	v := rq.cfs.minVruntime
	if wakeup {
		bonus := uint64(k.schedLatencyNS / 2)
		if v > bonus {
			v -= bonus
		} else {
			v = 0
		}
	}
	if t.se.vruntime < v {
		t.se.vruntime = v
	}
}

func enqueueTaskFair(k *Kernel, rq *runQueue, t *Task, flags int) {
	if t.se.onRQ {
		return
	}
	if flags&enqWakeup != 0 {
		k.placeEntity(rq, t, true)
	}
	t.se.onRQ = true
	rq.cfs.load += t.se.weight
	rq.cfs.nrRunning++
	updateEntityAvg(rq, t)
	if t != rq.curr {
		rq.seq++
		rq.cfs.insert(t, rq.seq)
	}
	updateMinVruntime(rq)
}

func dequeueTaskFair(k *Kernel, rq *runQueue, t *Task, flags int) {
	if !t.se.onRQ {
		return
	}
	if t == rq.curr {
		updateCurrFair(k, rq, t)
	} else {
		updateEntityAvg(rq, t)
	}
	if t.se.inTree {
		rq.cfs.remove(t)
	}
	t.se.onRQ = false
	rq.cfs.load -= t.se.weight
	rq.cfs.nrRunning--
	updateMinVruntime(rq)
}

// yieldTaskFair charges the running task a full timeslice of virtual time so
// that it re-enters the timeline behind its current peers.
func yieldTaskFair(k *Kernel, rq *runQueue) {
	t := rq.curr
	if t == nil || rq.cfs.nrRunning <= 1 {
		return
	}
	updateCurrFair(k, rq, t)
	t.se.vruntime += calcDeltaFair(k.timesliceOf(rq, t), t.se.weight)
}

// checkPreemptFair decides whether waking t should preempt the fair task
// currently running on rq.
func checkPreemptFair(k *Kernel, rq *runQueue, t *Task) {
	curr := rq.curr
	if curr == nil || curr == t {
		return
	}
	// Cross-class wakes resolve on class rank alone.
	if t.classID() < curr.classID() {
		k.reschedLocked(rq)
		return
	}
	if t.classID() > curr.classID() {
		return
	}
	if curr.policy == PolicyIdle && t.policy != PolicyIdle {
		k.reschedLocked(rq)
		return
	}
	if t.policy == PolicyIdle || t.policy == PolicyBatch || curr.policy == PolicyBatch {
		return
	}
	updateCurrFair(k, rq, curr)
	// Preempt only when the waker's lag exceeds the wakeup granularity in
	// its own virtual time, to bound ping-pong between near-equals.
	if t.se.vruntime >= curr.se.vruntime {
		return
	}
	vdiff := curr.se.vruntime - t.se.vruntime
	if vdiff > calcDeltaFair(k.wakeupGranularityNS, t.se.weight) {
		k.reschedLocked(rq)
	}
}

func pickNextTaskFair(k *Kernel, rq *runQueue) *Task {
	left := rq.cfs.leftmost
	if left == nil {
		return nil
	}
	rq.cfs.remove(left)
	return left
}

func putPrevTaskFair(k *Kernel, rq *runQueue, t *Task) {
	if t.se.onRQ && !t.se.inTree {
		rq.seq++
		rq.cfs.insert(t, rq.seq)
	}
}

func setNextTaskFair(k *Kernel, rq *runQueue, t *Task) {
	if t.se.inTree {
		rq.cfs.remove(t)
	}
	t.se.execStart = rq.clock
	t.se.prevSumExec = t.se.sumExec
}

// taskTickFair does periodic preemption checks for the running fair task.
func taskTickFair(k *Kernel, rq *runQueue, t *Task) {
	updateCurrFair(k, rq, t)
	if rq.cfs.nrRunning <= 1 {
		return
	}
	slice := k.timesliceOf(rq, t)
	ran := int64(t.se.sumExec - t.se.prevSumExec)
	if ran > slice {
		k.reschedLocked(rq)
		return
	}
	// Below the minimum granularity the task keeps the CPU even if it has
	// drifted ahead, so context switches stay amortized.
	if ran < k.minGranularityNS {
		return
	}
	if left := rq.cfs.leftmost; left != nil &&
		t.se.vruntime > left.se.vruntime+uint64(slice) {
		k.reschedLocked(rq)
	}
}

func prioChangedFair(k *Kernel, rq *runQueue, t *Task, oldPrio int) {
	// Fair picks ignore priority, but a deboost of the running task should
	// offer the CPU back promptly.
	if t == rq.curr && t.Prio() > oldPrio {
		k.reschedLocked(rq)
	}
}
