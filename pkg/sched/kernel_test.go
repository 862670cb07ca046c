// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/vkernel/pkg/util/leaktest"
	"github.com/cockroachdb/vkernel/pkg/util/timeutil"
	"github.com/stretchr/testify/require"
)

// newTestKernel builds a started kernel on a manual clock. The caller's
// cleanup stops it; tests must let their tasks exit or park them in sleeps
// before returning.
func newTestKernel(t *testing.T, cpus int, mut func(*Config)) (*Kernel, *timeutil.ManualTime) {
	t.Helper()
	mt := timeutil.NewManualTime(time.Unix(10, 0))
	cfg := Config{NumCPUs: cpus, TimeSource: mt}
	if mut != nil {
		mut(&cfg)
	}
	k, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { k.Stop(context.Background()) })
	return k, mt
}

func TestTaskLifecycle(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	var ran atomic.Bool
	task, err := k.TaskCreate(TaskConfig{Name: "worker"}, func(ctx context.Context, arg interface{}) int {
		ran.Store(true)
		return 7
	})
	require.NoError(t, err)

	<-task.Done()
	require.True(t, ran.Load())
	require.Equal(t, 7, task.ExitCode())
	require.Equal(t, TaskZombie, task.State())

	// Parentless tasks self-reap.
	require.Eventually(t, func() bool { return k.NumTasks() == 0 },
		5*time.Second, time.Millisecond)
}

func TestTaskCreateValidation(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 2, func(c *Config) { c.MaxTasks = 1 })

	_, err := k.TaskCreate(TaskConfig{Name: "bad", Nice: 40}, exitImmediately)
	require.Error(t, err)
	_, err = k.TaskCreate(TaskConfig{Name: "bad", Policy: PolicyFIFO, RTPriority: 100}, exitImmediately)
	require.Error(t, err)
	_, err = k.TaskCreate(TaskConfig{Name: "bad", Affinity: MaskOf(63)}, exitImmediately)
	require.Error(t, err)

	ok, err := k.TaskCreate(TaskConfig{Name: "ok"}, exitImmediately)
	require.NoError(t, err)
	// The table is full until the first task exits and is reaped.
	if _, err := k.TaskCreate(TaskConfig{Name: "overflow"}, exitImmediately); err != nil {
		require.ErrorIs(t, err, ErrTaskLimit)
	}
	<-ok.Done()
}

func exitImmediately(ctx context.Context, arg interface{}) int { return 0 }

func TestWaitTaskReapsChild(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	var childCode atomic.Int32
	parent, err := k.TaskCreate(TaskConfig{Name: "parent"}, func(ctx context.Context, arg interface{}) int {
		child, err := k.TaskCreate(TaskConfig{Name: "child"}, func(ctx context.Context, arg interface{}) int {
			return 42
		})
		require.NoError(t, err)
		code, err := k.WaitTask(child)
		require.NoError(t, err)
		childCode.Store(int32(code))
		return 0
	})
	require.NoError(t, err)

	<-parent.Done()
	require.Equal(t, int32(42), childCode.Load())
	require.Eventually(t, func() bool { return k.NumTasks() == 0 },
		5*time.Second, time.Millisecond)
}

func TestTaskArgAndPayload(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	task, err := k.TaskCreate(TaskConfig{Name: "echo", Arg: "payload"}, func(ctx context.Context, arg interface{}) int {
		if arg == "payload" {
			return 1
		}
		return 0
	})
	require.NoError(t, err)
	<-task.Done()
	require.Equal(t, 1, task.ExitCode())
}

func TestScheduleTimeoutExpires(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, mt := newTestKernel(t, 1, nil)

	var remaining atomic.Int64
	task, err := k.TaskCreate(TaskConfig{Name: "sleeper"}, func(ctx context.Context, arg interface{}) int {
		curr := k.Current()
		curr.PrepareSleep(TaskUninterruptible)
		rem := k.ScheduleTimeout(50 * time.Millisecond)
		curr.FinishSleep()
		remaining.Store(int64(rem))
		return 0
	})
	require.NoError(t, err)

	// Wait until the task is actually asleep, then run the clock out.
	require.Eventually(t, func() bool { return task.State() == TaskUninterruptible },
		5*time.Second, time.Millisecond)
	k.Advance(60 * time.Millisecond)
	<-task.Done()
	require.Equal(t, int64(0), remaining.Load())
	_ = mt
}

func TestScheduleTimeoutWoken(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	var remaining atomic.Int64
	task, err := k.TaskCreate(TaskConfig{Name: "sleeper"}, func(ctx context.Context, arg interface{}) int {
		curr := k.Current()
		curr.PrepareSleep(TaskUninterruptible)
		remaining.Store(int64(k.ScheduleTimeout(time.Hour)))
		curr.FinishSleep()
		return 0
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return task.State() == TaskUninterruptible },
		5*time.Second, time.Millisecond)
	k.Advance(10 * time.Millisecond)
	require.True(t, k.WakeUpTask(task))
	<-task.Done()
	// Woken before expiry: a nonzero remainder distinguishes success from
	// timeout.
	require.Greater(t, remaining.Load(), int64(0))
}

func TestSignalInterruptsSleep(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	task, err := k.TaskCreate(TaskConfig{Name: "sleeper"}, func(ctx context.Context, arg interface{}) int {
		curr := k.Current()
		for {
			curr.PrepareSleep(TaskInterruptible)
			if curr.ClearSignal() {
				curr.FinishSleep()
				return 1
			}
			k.Schedule()
		}
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return task.State() == TaskInterruptible },
		5*time.Second, time.Millisecond)
	k.SignalTask(task)
	<-task.Done()
	require.Equal(t, 1, task.ExitCode())
}

func TestCrossCPUWake(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 2, nil)

	// The sleeper is pinned to CPU 1; the waker runs on CPU 0. The payload
	// written before the wake must be visible to the sleeper after it.
	var payload atomic.Int64
	var observed atomic.Int64
	sleeper, err := k.TaskCreate(TaskConfig{Name: "sleeper", Affinity: MaskOf(1)},
		func(ctx context.Context, arg interface{}) int {
			curr := k.Current()
			curr.PrepareSleep(TaskUninterruptible)
			if payload.Load() == 0 {
				k.Schedule()
			}
			curr.FinishSleep()
			observed.Store(payload.Load())
			require.Equal(t, 1, curr.CPU())
			return 0
		})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sleeper.State() == TaskUninterruptible },
		5*time.Second, time.Millisecond)

	waker, err := k.TaskCreate(TaskConfig{Name: "waker", Affinity: MaskOf(0)},
		func(ctx context.Context, arg interface{}) int {
			payload.Store(99)
			k.WakeUpTask(sleeper)
			return 0
		})
	require.NoError(t, err)

	<-waker.Done()
	<-sleeper.Done()
	require.Equal(t, int64(99), observed.Load())
}

func TestOnCPU(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 4, nil)

	var ran atomic.Int32
	require.NoError(t, k.OnCPU(2, func(arg interface{}) {
		require.Equal(t, "x", arg)
		ran.Add(1)
	}, "x", true))
	require.Equal(t, int32(1), ran.Load())

	require.Error(t, k.OnCPU(17, func(interface{}) {}, nil, false))

	// Fire-and-forget delivery.
	var async atomic.Int32
	require.NoError(t, k.OnCPU(3, func(interface{}) { async.Add(1) }, nil, false))
	require.Eventually(t, func() bool { return async.Load() == 1 },
		5*time.Second, time.Millisecond)
}

func TestOnEachCPU(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 4, nil)

	var ran atomic.Int32
	k.OnEachCPU(func(interface{}) { ran.Add(1) }, nil, true)
	require.Equal(t, int32(4), ran.Load())
}

func TestStatsSnapshot(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 2, nil)

	task, err := k.TaskCreate(TaskConfig{Name: "hog", Affinity: MaskOf(0)},
		func(ctx context.Context, arg interface{}) int {
			k.Burn(20 * time.Millisecond)
			return 0
		})
	require.NoError(t, err)
	<-task.Done()

	stats := k.Stats()
	require.Len(t, stats, 2)
	require.Greater(t, stats[0].Ticks, uint64(0))
	require.Greater(t, stats[0].Switches, uint64(0))
	require.NotEmpty(t, stats[0].String())
	k.LogStats(context.Background())
}

func TestConfigValidation(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	_, err := New(Config{NumCPUs: 0})
	require.Error(t, err)
	_, err = New(Config{NumCPUs: 65})
	require.Error(t, err)
	_, err = New(Config{NumCPUs: 1, MinGranularity: time.Second, SchedLatency: time.Millisecond})
	require.Error(t, err)
	_, err = New(Config{NumCPUs: 1, RTRuntime: 2 * time.Second, RTPeriod: time.Second})
	require.Error(t, err)
	_, err = New(Config{NumCPUs: 1, CPUsPerCore: -1})
	require.Error(t, err)
}
