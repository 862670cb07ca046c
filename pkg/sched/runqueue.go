// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"math/bits"
	"sync/atomic"

	"github.com/VividCortex/ewma"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
	"github.com/google/btree"
)

// timelineDegree sizes the btree nodes of the fair timeline.
const timelineDegree = 8

// cfsRQ is the fair-class runqueue: a timeline of runnable entities ordered
// by virtual runtime.
type cfsRQ struct {
	timeline *btree.BTree

	// leftmost caches the minimum timeline entry.
	leftmost *Task

	// minVruntime is the monotonic floor used to place newcomers and
	// migrants. It never decreases.
	minVruntime uint64

	load      uint64 // sum of queued weights, including the running task
	nrRunning int

	avg schedAvg
}

// rtRQ is the realtime-class runqueue: one FIFO per priority level with a
// bitmap for O(1) highest-level lookup.
type rtRQ struct {
	queues    [numRTPrioLevels][]*Task
	bitmap    [2]uint64
	nrRunning int

	bw        rtBandwidth
	throttled bool
}

func (rt *rtRQ) setBit(prio int)   { rt.bitmap[prio/64] |= 1 << uint(prio%64) }
func (rt *rtRQ) clearBit(prio int) { rt.bitmap[prio/64] &^= 1 << uint(prio%64) }

// highestPrio returns the highest populated priority level, or -1.
func (rt *rtRQ) highestPrio() int {
	if rt.bitmap[0] != 0 {
		return bits.TrailingZeros64(rt.bitmap[0])
	}
	if rt.bitmap[1] != 0 {
		return 64 + bits.TrailingZeros64(rt.bitmap[1])
	}
	return -1
}

// dlRQ is the deadline-class runqueue, ordered by absolute deadline.
type dlRQ struct {
	tasks     []*Task // sorted by dl.deadline ascending
	nrRunning int
}

// rqStats counts scheduling events on one runqueue.
type rqStats struct {
	switches    uint64
	migrations  uint64
	ticks       uint64
	balanceRuns uint64
	ipisSent    uint64
}

// runQueue is the per-CPU scheduling state. All fields below mu are
// protected by it. The lock is acquired with preemption disabled (the
// spinlock_irqsave analogue) and is never held across a context switch.
type runQueue struct {
	cpu int

	mu syncutil.Mutex

	// clock is the runqueue's view of kernel time in ns, advanced from the
	// kernel clock at accounting points. Monotonic.
	clock int64

	// tick counts scheduler ticks processed on this runqueue.
	tick uint64

	curr *Task
	idle *Task

	cfs cfsRQ
	rt  rtRQ
	dl  dlRQ

	// nrRunning counts runnable tasks owned by this runqueue, including
	// the running task, excluding the idle task.
	nrRunning int

	// seq provides enqueue-order tiebreaks for the fair timeline.
	seq uint64

	// loadEWMA smooths the instantaneous fair load for the balancer's
	// busiest-queue selection.
	loadEWMA ewma.MovingAverage

	stats rqStats

	// peek mirrors hot fields for lockless inspection by wake placement
	// and the balancer. Writers hold mu; readers treat the values as
	// heuristics.
	peek struct {
		nrRunning atomic.Int32
		load      atomic.Uint64
		smoothed  atomic.Uint64
	}
}

func newRunQueue(cpu int) *runQueue {
	return &runQueue{
		cpu: cpu,
		cfs: cfsRQ{timeline: btree.New(timelineDegree)},
		loadEWMA: ewma.NewMovingAverage(),
	}
}

// updateClock advances the runqueue clock to the kernel clock. Called with
// the runqueue lock held.
func (rq *runQueue) updateClock(now int64) {
	if now > rq.clock {
		rq.clock = now
	}
}

// lockRQ acquires a runqueue lock with preemption disabled, so the holder
// cannot be switched out at a preemption point while inside.
func (k *Kernel) lockRQ(rq *runQueue) {
	k.PreemptDisable()
	rq.mu.Lock()
}

func (k *Kernel) unlockRQ(rq *runQueue) {
	rq.mu.Unlock()
	k.PreemptEnable()
}

// lockRQPair acquires two runqueue locks in CPU-id order so concurrent
// balancers cannot deadlock. The queues may be the same.
func (k *Kernel) lockRQPair(a, b *runQueue) {
	k.PreemptDisable()
	switch {
	case a == b:
		a.mu.Lock()
	case a.cpu < b.cpu:
		a.mu.Lock()
		b.mu.Lock()
	default:
		b.mu.Lock()
		a.mu.Lock()
	}
}

func (k *Kernel) unlockRQPair(a, b *runQueue) {
	a.mu.Unlock()
	if b != a {
		b.mu.Unlock()
	}
	k.PreemptEnable()
}

// fairLoad returns the instantaneous fair-class load. Lock held.
func (rq *runQueue) fairLoad() uint64 {
	return rq.cfs.load
}

// refreshPeek republishes the lockless mirrors. Lock held.
func (rq *runQueue) refreshPeek() {
	rq.peek.nrRunning.Store(int32(rq.nrRunning))
	rq.peek.load.Store(rq.cfs.load)
}
