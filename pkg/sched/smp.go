// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"runtime"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

// IPIVector identifies the purpose of an inter-processor interrupt.
type IPIVector uint8

const (
	// VectorResched asks the target CPU to re-run task selection.
	VectorResched IPIVector = iota + 1
	// VectorCall asks the target CPU to drain its cross-call queue.
	VectorCall
)

// IPISender delivers inter-processor interrupts. The kernel installs an
// in-memory implementation by default; tests substitute their own to count
// or interpose on deliveries.
type IPISender interface {
	SendIPI(cpu int, vec IPIVector)
}

// memIPI is the default transport: flag the target and pulse its line.
type memIPI struct {
	k *Kernel
}

func (s *memIPI) SendIPI(cpu int, vec IPIVector) {
	c := s.k.cpus[cpu]
	if vec == VectorResched {
		c.needResched.Store(true)
	}
	c.ipis.Add(1)
	c.kick(vec)
}

// smpCall is one queued cross-CPU function invocation. done, when non-nil,
// is decremented after fn returns; synchronous callers spin on it reaching
// zero. Asynchronous calls simply have no counter, so the descriptor's
// lifetime is handed to the target.
type smpCall struct {
	fn   func(arg interface{})
	arg  interface{}
	done *atomic.Int32
}

// callQueue is a CPU's pending cross-call FIFO.
type callQueue struct {
	mu      syncutil.Mutex
	pending []*smpCall
}

func (q *callQueue) push(c *smpCall) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()
}

// run drains the queue in order, executing each call and signaling its
// waiter. Callbacks run outside the queue lock and may queue further calls.
func (q *callQueue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		c := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		c.fn(c.arg)
		if c.done != nil {
			c.done.Add(-1)
		}
	}
}

// OnCPU runs fn(arg) on the given CPU. On the calling CPU it runs inline.
// With wait set, OnCPU returns only after fn has completed on the target;
// the caller must not hold any lock fn needs, and must not target its own
// CPU's queue through another CPU's waiting call, or the two spins deadlock.
// Without wait the call is fire-and-forget.
func (k *Kernel) OnCPU(cpu int, fn func(arg interface{}), arg interface{}, wait bool) error {
	if cpu < 0 || cpu >= len(k.cpus) {
		return errors.Newf("no such CPU %d", cpu)
	}
	if t := k.Current(); t != nil && t.CPU() == cpu {
		fn(arg)
		return nil
	}

	call := &smpCall{fn: fn, arg: arg}
	var done *atomic.Int32
	if wait {
		done = new(atomic.Int32)
		done.Store(1)
		call.done = done
	}
	k.cpus[cpu].calls.push(call)
	k.ipi.SendIPI(cpu, VectorCall)

	if wait {
		for done.Load() != 0 {
			runtime.Gosched()
		}
	}
	return nil
}

// OnEachCPU runs fn(arg) on every CPU, inline on the caller's own. With
// wait set it returns after all CPUs have completed.
func (k *Kernel) OnEachCPU(fn func(arg interface{}), arg interface{}, wait bool) {
	self := -1
	if t := k.Current(); t != nil {
		self = t.CPU()
	}

	var done *atomic.Int32
	if wait {
		done = new(atomic.Int32)
	}
	for i, c := range k.cpus {
		if i == self {
			continue
		}
		call := &smpCall{fn: fn, arg: arg}
		if wait {
			done.Add(1)
			call.done = done
		}
		c.calls.push(call)
		k.ipi.SendIPI(i, VectorCall)
	}
	if self >= 0 {
		fn(arg)
	}
	if wait {
		for done.Load() != 0 {
			runtime.Gosched()
		}
	}
}
