// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/vkernel/pkg/ktime"
	"github.com/cockroachdb/vkernel/pkg/util/log"
)

// cpuState is the per-CPU hardware analogue: the interrupt line, the pending
// cross-call queue, the local timer queue, and the preemption/interrupt
// nesting counters of whatever runs there.
type cpuState struct {
	id  int
	ctx context.Context

	// idle is the CPU's idle task; curr mirrors rq.curr for logging and is
	// maintained under the runqueue lock.
	idle *Task

	// needResched asks the CPU to re-run task selection at its next
	// preemption point. Set under the runqueue lock or by a remote kick;
	// cleared by Schedule.
	needResched atomic.Bool

	// preemptCount counts nested sections that must not reschedule.
	// Entering Schedule with it nonzero is a bug.
	preemptCount atomic.Int32

	// irqDepth counts nested interrupt-disable sections; savedFlags is the
	// interrupt-flag save slot of the outermost one. Interrupt work
	// (cross-calls, timers) is deferred while nonzero.
	irqDepth   atomic.Int32
	savedFlags atomic.Bool

	// line is the interrupt line. A buffered, non-blocking send models an
	// edge-triggered IPI: sends coalesce when one is already pending, and
	// the halted idle loop blocks on the receive.
	line chan IPIVector

	calls callQueue

	// timers is the CPU-local one-shot timer queue, fired from tick and
	// service points.
	timers ktime.Queue

	ipis atomic.Uint64
}

// kick pulses the CPU's interrupt line, waking it from halt if needed.
// Coalesces with an already-pending interrupt.
func (c *cpuState) kick(vec IPIVector) {
	select {
	case c.line <- vec:
	default:
	}
}

// irqSave disables interrupt servicing on the CPU, recording the previous
// state in the save slot on the outermost call.
func (c *cpuState) irqSave() {
	c.preemptCount.Add(1)
	if c.irqDepth.Add(1) == 1 {
		c.savedFlags.Store(true)
	}
}

// irqRestore undoes irqSave.
func (c *cpuState) irqRestore() {
	c.irqDepth.Add(-1)
	c.preemptCount.Add(-1)
}

// PreemptDisable marks the calling task's CPU non-preemptible. Calls nest.
// No-op outside task context.
func (k *Kernel) PreemptDisable() {
	if t := k.Current(); t != nil {
		k.cpus[t.CPU()].preemptCount.Add(1)
	}
}

// PreemptEnable reverts PreemptDisable and, on the outermost call, consumes
// a pending reschedule request.
func (k *Kernel) PreemptEnable() {
	t := k.Current()
	if t == nil {
		return
	}
	cpu := k.cpus[t.CPU()]
	if cpu.preemptCount.Add(-1) == 0 && cpu.needResched.Load() {
		k.Schedule()
	}
}

// reschedLocked flags rq's CPU for rescheduling. Runqueue lock held.
func (k *Kernel) reschedLocked(rq *runQueue) {
	k.cpus[rq.cpu].needResched.Store(true)
}

// serviceCPU runs the CPU's pending interrupt work: queued cross-calls and
// expired timers. Called from the idle loop, tick processing, and
// preemption checkpoints, never with interrupts disabled.
func (k *Kernel) serviceCPU(cpu *cpuState) {
	if cpu.irqDepth.Load() > 0 {
		return
	}
	// Drain a pending line pulse so the next sender re-arms it.
	select {
	case <-cpu.line:
	default:
	}
	cpu.calls.run()
	cpu.timers.Fire(k.clock.Now())
}

// tickCPU charges one scheduler tick to the given CPU: expired timers fire,
// the running task is charged, and periodic balancing runs on the
// designated CPU. Callable from any goroutine; all touched state is under
// the runqueue lock.
func (k *Kernel) tickCPU(cpuID int) {
	cpu := k.cpus[cpuID]
	rq := k.rqs[cpuID]

	k.serviceCPU(cpu)

	rq.mu.Lock()
	rq.updateClock(k.clock.Now())
	rq.tick++
	rq.stats.ticks++
	if curr := rq.curr; curr != nil {
		classOf(curr).tick(k, rq, curr)
	}
	// Realtime bandwidth recovers regardless of which class is current;
	// while the rt queue is throttled a fair task holds the CPU and the rt
	// tick hook never runs.
	rq.rt.bw.refill(rq.clock)
	if rq.rt.throttled && rq.rt.bw.tokens > 0 {
		rq.rt.throttled = false
		if rq.rt.highestPrio() >= 0 {
			k.reschedLocked(rq)
		}
	}
	rq.loadEWMA.Add(float64(rq.fairLoad()))
	rq.peek.smoothed.Store(uint64(rq.loadEWMA.Value()))
	tick := rq.tick
	rq.mu.Unlock()

	if cpu.needResched.Load() && rq.curr == cpu.idle {
		cpu.kick(VectorResched)
	}

	// Periodic balancing runs from the designated CPU's tick so idle
	// siblings need no tick of their own to receive load.
	if cpuID == k.balanceCPU && tick%uint64(k.cfg.BalanceInterval) == 0 {
		k.rebalance()
	}
}

// TickAll charges one tick to every CPU. Test harnesses driving a manual
// clock call this after each advance; with a real clock the kernel's tick
// driver does.
func (k *Kernel) TickAll() {
	for i := range k.cpus {
		k.tickCPU(i)
	}
}

// idleLoop is the body of a per-CPU idle task: halt until an interrupt,
// service it, reschedule if asked.
func (k *Kernel) idleLoop(ctx context.Context, arg interface{}) int {
	idle := k.Current()
	cpu := k.cpus[idle.CPU()]
	for {
		select {
		case <-cpu.line:
		case <-k.stopper.ShouldQuiesce():
			return 0
		}
		k.serviceCPU(cpu)
		if cpu.needResched.Load() {
			k.Schedule()
			cpu = k.cpus[idle.CPU()]
		}
	}
}

// Burn consumes d of CPU time in the calling task, advancing the manual
// clock tick by tick and honoring preemption at each tick boundary. It is
// the compute-loop primitive for deterministic tests and requires the
// kernel to have been configured with a manual time source.
func (k *Kernel) Burn(d time.Duration) {
	if k.manual == nil {
		log.Fatalf(k.ctx, "Burn requires a manual time source")
	}
	remaining := d.Nanoseconds()
	step := k.cfg.TickPeriod.Nanoseconds()
	for remaining > 0 {
		n := step
		if n > remaining {
			n = remaining
		}
		remaining -= n
		k.manual.Advance(time.Duration(n))
		k.TickAll()
		k.CheckPreempt()
	}
}
