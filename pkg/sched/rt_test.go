// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/vkernel/pkg/util/leaktest"
	"github.com/stretchr/testify/require"
)

func TestFIFOPreemptsFair(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	// Release a fair burner and a FIFO task together; the FIFO task runs to
	// completion first regardless of creation order.
	start := make(chan struct{})
	end := k.Clock().Now() + (60 * time.Millisecond).Nanoseconds()
	fair, err := k.TaskCreate(TaskConfig{Name: "fair", Affinity: MaskOf(0)},
		func(ctx context.Context, arg interface{}) int {
			<-start
			for k.Clock().Now() < end {
				k.Burn(time.Millisecond)
			}
			return 0
		})
	require.NoError(t, err)
	rt, err := k.TaskCreate(TaskConfig{
		Name: "rt", Policy: PolicyFIFO, RTPriority: 10, Affinity: MaskOf(0),
	}, func(ctx context.Context, arg interface{}) int {
		<-start
		k.Burn(10 * time.Millisecond)
		return 0
	})
	require.NoError(t, err)
	close(start)

	select {
	case <-rt.Done():
	case <-fair.Done():
		t.Fatal("fair burner outran a runnable FIFO task")
	}
	<-fair.Done()
	require.Greater(t, rt.Runtime(), 9*time.Millisecond)
}

func TestFIFOPriorityOrder(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	// Two FIFO tasks at different priorities, released together: the higher
	// priority (larger RTPriority) one finishes first.
	start := make(chan struct{})
	mk := func(name string, prio int) *Task {
		task, err := k.TaskCreate(TaskConfig{
			Name: name, Policy: PolicyFIFO, RTPriority: prio, Affinity: MaskOf(0),
		}, func(ctx context.Context, arg interface{}) int {
			<-start
			k.Burn(10 * time.Millisecond)
			return 0
		})
		require.NoError(t, err)
		return task
	}
	low := mk("low", 5)
	high := mk("high", 40)
	close(start)

	select {
	case <-high.Done():
	case <-low.Done():
		t.Fatal("low-priority FIFO task finished before the high one")
	}
	<-low.Done()
}

func TestRoundRobinShares(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, func(c *Config) {
		c.RRTimeslice = 4 * time.Millisecond
	})

	tasks := startBurners(t, k, MaskOf(0), 80*time.Millisecond, []TaskConfig{
		{Name: "rr-a", Policy: PolicyRR, RTPriority: 10},
		{Name: "rr-b", Policy: PolicyRR, RTPriority: 10},
	})
	waitAll(tasks)

	// Equal-priority RR peers alternate on timeslice expiry; neither can
	// monopolize the CPU as a FIFO task would.
	for _, task := range tasks {
		require.Greater(t, task.Runtime(), 25*time.Millisecond,
			"task %s starved: %s", task.Name(), task.Runtime())
	}
}

func TestRTBandwidthThrottling(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, func(c *Config) {
		c.RTRuntime = 6 * time.Millisecond
		c.RTPeriod = 10 * time.Millisecond
	})

	// With the realtime class capped at 60%, a fair task makes progress
	// under a FIFO burner that never yields.
	tasks := startBurners(t, k, MaskOf(0), 100*time.Millisecond, []TaskConfig{
		{Name: "rt-hog", Policy: PolicyFIFO, RTPriority: 50},
		{Name: "fair"},
	})
	waitAll(tasks)

	require.Greater(t, tasks[1].Runtime(), 25*time.Millisecond,
		"fair task starved under throttled rt: %s", tasks[1].Runtime())
	require.Greater(t, tasks[0].Runtime(), 45*time.Millisecond,
		"rt task underran its budget: %s", tasks[0].Runtime())
}

func TestSetSchedulerPromotesToRT(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	tasks := holdBurners(t, k, MaskOf(0), 100*time.Millisecond, []TaskConfig{
		{Name: "a"}, {Name: "b"},
	})

	// Promote one of two equal burners to FIFO before releasing them; from
	// then on it owns the CPU, so it must finish with the lion's share.
	require.NoError(t, k.SetScheduler(tasks.tasks[0], PolicyFIFO, 20))
	tasks.release()
	waitAll(tasks.tasks)

	require.Equal(t, PolicyFIFO, tasks.tasks[0].Policy())
	require.Greater(t, tasks.tasks[0].Runtime(), 2*tasks.tasks[1].Runtime())
}

func TestSetTaskNiceRebalancesShares(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	tasks := holdBurners(t, k, MaskOf(0), 400*time.Millisecond, []TaskConfig{
		{Name: "a"}, {Name: "b"},
	})
	require.NoError(t, k.SetTaskNice(tasks.tasks[0], -10))
	require.Error(t, k.SetTaskNice(tasks.tasks[0], 99))
	tasks.release()
	waitAll(tasks.tasks)

	// weight(-10)=9548 vs 1024: task a ends up far ahead.
	require.Equal(t, -10, tasks.tasks[0].Nice())
	require.Greater(t, tasks.tasks[0].Runtime(), 2*tasks.tasks[1].Runtime())
}
