// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"sort"

	"github.com/google/btree"
)

// Load balancing equalizes fair-class load across CPUs. Two triggers: the
// designated CPU's tick compares the smoothed loads of all queues and moves
// tasks from the busiest toward the idlest when the gap is worth it, and a
// CPU about to go idle pulls work for itself. Realtime and deadline tasks
// are placed at wakeup and never migrated behind their backs.

// balanceMaxMove caps tasks moved per balancing pass.
const balanceMaxMove = 16

// worthBalancing applies the imbalance threshold: the busy queue must carry
// at least 25% more than the target, and at least half a nice-0 task's
// worth in absolute terms.
func worthBalancing(busiest, target uint64) bool {
	return busiest > target+target/4+nice0Load/2
}

// rebalance runs one periodic balancing pass, from the designated CPU's
// tick. Cores are leveled internally before the package-wide pass, so a
// task that can stay near its cache does.
func (k *Kernel) rebalance() {
	for _, span := range k.topo.cores {
		if span.Count() > 1 {
			k.rebalanceWithin(span)
		}
	}
	if len(k.topo.cores) > 1 {
		k.rebalanceWithin(k.topo.all)
	}
}

func (k *Kernel) rebalanceWithin(span CPUMask) {
	var busiest, idlest *runQueue
	var busiestLoad, idlestLoad uint64
	for _, rq := range k.rqs {
		if !span.Test(rq.cpu) {
			continue
		}
		load := rq.peek.smoothed.Load()
		if inst := rq.peek.load.Load(); inst > load {
			// A queue that just got loaded should not hide behind a
			// not-yet-caught-up average.
			load = inst
		}
		if rq.peek.nrRunning.Load() >= 2 && (busiest == nil || load > busiestLoad) {
			busiest, busiestLoad = rq, load
		}
		if idlest == nil || load < idlestLoad {
			idlest, idlestLoad = rq, load
		}
	}
	if busiest == nil || busiest == idlest || !worthBalancing(busiestLoad, idlestLoad) {
		return
	}
	k.balanceBetween(busiest, idlest, (busiestLoad-idlestLoad)/2, false)
}

// idleBalance pulls work for a CPU that found nothing to run, trying its
// own core's siblings before the rest of the package. Called from pickNext
// with this's lock dropped.
func (k *Kernel) idleBalance(this *runQueue) {
	if k.idleBalanceWithin(this, k.topo.cores[k.topo.coreOf[this.cpu]]) {
		return
	}
	k.idleBalanceWithin(this, k.topo.all)
}

func (k *Kernel) idleBalanceWithin(this *runQueue, span CPUMask) bool {
	var busiest *runQueue
	var busiestLoad uint64
	for _, rq := range k.rqs {
		if rq == this || !span.Test(rq.cpu) || rq.peek.nrRunning.Load() < 2 {
			continue
		}
		if load := rq.peek.load.Load(); busiest == nil || load > busiestLoad {
			busiest, busiestLoad = rq, load
		}
	}
	if busiest == nil {
		return false
	}
	this.stats.balanceRuns++
	// An idling CPU takes anything it can get, cache heat notwithstanding.
	return k.balanceBetween(busiest, this, busiestLoad/2, true) > 0
}

// canMigrate decides whether t may move from src to dst.cpu right now.
// Locks on both queues held.
func (k *Kernel) canMigrate(t *Task, src *runQueue, dst *runQueue, force bool) bool {
	if !t.Affinity().Test(dst.cpu) {
		return false
	}
	if t == src.curr {
		return false
	}
	if !force && src.clock-t.lastRan < k.cacheHotNS {
		return false
	}
	return true
}

// balanceBetween moves up to amount of fair load from src to dst,
// preferring the least-recently-run candidates: they have the least cache
// state to lose. force relaxes the cache-hotness filter, and guarantees at
// least one migration if any task is movable at all.
func (k *Kernel) balanceBetween(src, dst *runQueue, amount uint64, force bool) int {
	k.lockRQPair(src, dst)
	defer k.unlockRQPair(src, dst)

	now := k.clock.Now()
	src.updateClock(now)
	dst.updateClock(now)
	src.stats.balanceRuns++

	var candidates []*Task
	src.cfs.timeline.Ascend(func(it btree.Item) bool {
		candidates = append(candidates, it.(*timelineKey).task)
		return true
	})
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastRan < candidates[j].lastRan
	})

	movePass := func(relax bool) int {
		moved := 0
		var movedLoad uint64
		for _, t := range candidates {
			if moved >= balanceMaxMove || (moved > 0 && movedLoad >= amount) {
				break
			}
			if !t.se.inTree || !k.canMigrate(t, src, dst, relax) {
				continue
			}
			k.migrateLocked(t, src, dst)
			moved++
			movedLoad += t.se.weight
		}
		return moved
	}
	moved := movePass(false)
	if moved == 0 && force {
		moved = movePass(true)
	}

	if moved > 0 {
		if dst.curr != nil {
			classOf(dst.curr).checkPreempt(k, dst, candidates[0])
		}
		if dst.curr == dst.idle {
			k.cpus[dst.cpu].needResched.Store(true)
			k.cpus[dst.cpu].kick(VectorResched)
		}
	}
	return moved
}

// migrateLocked moves one queued fair task between two locked runqueues,
// rebasing its virtual runtime into the destination's timeline.
func (k *Kernel) migrateLocked(t *Task, src, dst *runQueue) {
	deactivate(k, src, t, deqMove)
	t.se.vruntime = rebaseOut(t.se.vruntime, src.cfs.minVruntime) + dst.cfs.minVruntime
	t.cpu.Store(int32(dst.cpu))
	activate(k, dst, t, enqMove)
	dst.stats.migrations++
}

// moveTask migrates a queued task to dest, taking both runqueue locks. It
// returns false if the task ran, slept, or moved before the locks were
// taken.
func (k *Kernel) moveTask(t *Task, dest int) bool {
	for {
		src := k.rqs[t.CPU()]
		dst := k.rqs[dest]
		if src == dst {
			return true
		}
		k.lockRQPair(src, dst)
		if k.rqs[t.CPU()] != src {
			k.unlockRQPair(src, dst)
			continue
		}
		if t == src.curr || !taskOnRQ(t) || !t.Affinity().Test(dest) ||
			t.classID() != classFairID {
			k.unlockRQPair(src, dst)
			return false
		}
		now := k.clock.Now()
		src.updateClock(now)
		dst.updateClock(now)
		k.migrateLocked(t, src, dst)
		if dst.curr != nil {
			classOf(dst.curr).checkPreempt(k, dst, t)
		}
		kick := k.cpus[dest].needResched.Load()
		k.unlockRQPair(src, dst)
		if kick {
			k.ipi.SendIPI(dest, VectorResched)
		}
		return true
	}
}
