// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package ksync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/vkernel/pkg/sched"
	"github.com/cockroachdb/vkernel/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestMutexExclusion(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k := newTestKernel(t, 2)
	mu := NewMutex(k)

	// counter is deliberately unsynchronized; the mutex must serialize the
	// read-modify-write even across CPUs, or the race detector (and the
	// final count) will say otherwise.
	var counter int
	const tasks, rounds = 4, 50
	done := make([]*sched.Task, tasks)
	for i := range done {
		done[i] = spawn(t, k, "incr", sched.TaskConfig{}, func(ctx context.Context) int {
			for r := 0; r < rounds; r++ {
				mu.Lock()
				v := counter
				k.Burn(10 * time.Microsecond)
				counter = v + 1
				mu.Unlock()
			}
			return 0
		})
	}
	for _, task := range done {
		<-task.Done()
	}

	mu.Lock()
	require.Equal(t, tasks*rounds, counter)
	mu.Unlock()
}

func TestMutexTryLock(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k := newTestKernel(t, 1)
	mu := NewMutex(k)

	// TryLock from outside the task world uses the boot-owner path.
	require.True(t, mu.TryLock())
	require.False(t, mu.TryLock())
	mu.Unlock()
	require.True(t, mu.TryLock())
	mu.Unlock()
}

func TestMutexHandoffOrder(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k := newTestKernel(t, 1)
	mu := NewMutex(k)

	// With a fair waiter and a realtime waiter queued behind the same
	// holder, unlock hands the mutex to the higher-priority waiter first.
	var holderIn atomic.Bool
	release := make(chan struct{})
	holder := spawn(t, k, "holder", sched.TaskConfig{}, func(ctx context.Context) int {
		mu.Lock()
		holderIn.Store(true)
		for {
			select {
			case <-release:
				mu.Unlock()
				return 0
			default:
			}
			k.Burn(time.Millisecond)
		}
	})
	require.Eventually(t, func() bool { return holderIn.Load() },
		5*time.Second, time.Millisecond)

	var order []string
	orderMu := NewMutex(k)
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}
	low := spawn(t, k, "low", sched.TaskConfig{}, func(ctx context.Context) int {
		mu.Lock()
		record("low")
		mu.Unlock()
		return 0
	})
	require.Eventually(t, func() bool { return low.State() == sched.TaskUninterruptible },
		5*time.Second, time.Millisecond)
	high := spawn(t, k, "high", sched.TaskConfig{Policy: sched.PolicyFIFO, RTPriority: 30},
		func(ctx context.Context) int {
			mu.Lock()
			record("high")
			mu.Unlock()
			return 0
		})
	require.Eventually(t, func() bool { return high.State() == sched.TaskUninterruptible },
		5*time.Second, time.Millisecond)

	close(release)
	<-holder.Done()
	<-low.Done()
	<-high.Done()

	require.Equal(t, []string{"high", "low"}, order)
}

func TestMutexPriorityInheritance(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k := newTestKernel(t, 1)
	mu := NewMutex(k)

	// Classic inversion: a fair holder, a realtime contender, and a medium
	// fair task that would otherwise starve the holder. With inheritance
	// the holder runs at the contender's priority, so the medium task gets
	// nothing until the handoff.
	var lHolds atomic.Bool
	release := make(chan struct{})
	var mTask atomic.Pointer[sched.Task]
	var mRuntimeAtAcquire atomic.Int64
	var lPrioWhileBoosted atomic.Int64

	l := spawn(t, k, "l", sched.TaskConfig{Nice: 5}, func(ctx context.Context) int {
		mu.Lock()
		lHolds.Store(true)
		for {
			select {
			case <-release:
				lPrioWhileBoosted.Store(int64(k.Current().Prio()))
				mu.Unlock()
				return 0
			default:
			}
			k.Burn(2 * time.Millisecond)
		}
	})
	require.Eventually(t, func() bool { return lHolds.Load() },
		5*time.Second, time.Millisecond)

	h := spawn(t, k, "h", sched.TaskConfig{Policy: sched.PolicyFIFO, RTPriority: 50},
		func(ctx context.Context) int {
			mu.Lock()
			if m := mTask.Load(); m != nil {
				mRuntimeAtAcquire.Store(int64(m.Runtime()))
			}
			mu.Unlock()
			return 0
		})

	// H is queued on the mutex once L is boosted into the realtime class.
	require.Eventually(t, func() bool { return l.Prio() == h.Prio() },
		5*time.Second, time.Millisecond)

	m := spawn(t, k, "m", sched.TaskConfig{Nice: -10}, func(ctx context.Context) int {
		k.Burn(20 * time.Millisecond)
		return 0
	})
	mTask.Store(m)

	// Give the boosted holder plenty of virtual time with M runnable.
	c0 := k.Clock().Now()
	require.Eventually(t, func() bool { return k.Clock().Now() > c0+(30*time.Millisecond).Nanoseconds() },
		5*time.Second, time.Millisecond)
	close(release)

	<-h.Done()
	<-l.Done()
	<-m.Done()

	// The boost was still in force at unlock time, and M was frozen out
	// while it was.
	require.Equal(t, int64(h.Prio()), lPrioWhileBoosted.Load())
	require.Less(t, mRuntimeAtAcquire.Load(), (2 * time.Millisecond).Nanoseconds())
	// Deboost took effect once the mutex changed hands.
	require.Equal(t, 125, l.Prio())
}

func TestMutexOwnerTracking(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k := newTestKernel(t, 1)
	mu := NewMutex(k)

	task := spawn(t, k, "owner", sched.TaskConfig{}, func(ctx context.Context) int {
		mu.Lock()
		if mu.Owner() != k.Current() {
			return 1
		}
		mu.Unlock()
		return 0
	})
	<-task.Done()
	require.Equal(t, 0, task.ExitCode())
	require.Nil(t, mu.Owner())
}

func TestMutexLockInterruptible(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k := newTestKernel(t, 1)
	mu := NewMutex(k)

	var holderIn atomic.Bool
	release := make(chan struct{})
	holder := spawn(t, k, "holder", sched.TaskConfig{}, func(ctx context.Context) int {
		mu.Lock()
		holderIn.Store(true)
		for {
			select {
			case <-release:
				mu.Unlock()
				return 0
			default:
			}
			k.Burn(time.Millisecond)
		}
	})
	require.Eventually(t, func() bool { return holderIn.Load() },
		5*time.Second, time.Millisecond)
	basePrio := holder.Prio()

	var werr atomic.Value
	waiter := spawn(t, k, "waiter",
		sched.TaskConfig{Policy: sched.PolicyFIFO, RTPriority: 30},
		func(ctx context.Context) int {
			if err := mu.LockInterruptible(); err != nil {
				werr.Store(err)
				return 1
			}
			mu.Unlock()
			return 0
		})

	// The realtime waiter blocks and boosts the holder.
	require.Eventually(t, func() bool {
		return waiter.State() == sched.TaskInterruptible && holder.Prio() == waiter.Prio()
	}, 5*time.Second, time.Millisecond)

	// Interrupt the wait: the waiter bails out and the boost is shed
	// without the mutex ever changing hands.
	k.SignalTask(waiter)
	<-waiter.Done()
	require.Equal(t, 1, waiter.ExitCode())
	require.ErrorIs(t, werr.Load().(error), sched.ErrInterrupted)
	require.Eventually(t, func() bool { return holder.Prio() == basePrio },
		5*time.Second, time.Millisecond)
	require.Same(t, holder, mu.Owner())

	close(release)
	<-holder.Done()
	require.Nil(t, mu.Owner())
}
