// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package sched implements the process scheduling core of the virtual
// kernel: per-CPU runqueues with a weighted fair scheduler, per-entity load
// tracking, cross-CPU reschedule and function-call signaling, and periodic
// load balancing.
//
// Tasks are goroutines multiplexed over a configurable number of virtual
// CPUs. At most one task runs per CPU at a time. A task runs until it blocks,
// yields, exits, or is preempted at a preemption point; control transfers
// through per-task permit channels, whose send/receive pairs provide the
// memory barriers required of a context switch.
//
// Asynchronous preemption of a running goroutine is not possible, so the
// reschedule-needed flag raised by ticks, wakeups and remote kicks is
// consumed at preemption points: scheduler entry/exit paths and the
// CheckPreempt checkpoint that long-running compute loops are expected to
// call. This is the moral equivalent of checking the flag on return from
// interrupt.
//
// The suspension point is Schedule. Any path that may block goes through the
// prepare/recheck/schedule/finish idiom provided by package ksync. Holders of
// the internal spinlocks must not reach Schedule; this is enforced with a
// per-CPU preemption counter.
package sched
