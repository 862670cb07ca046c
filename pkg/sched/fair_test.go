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
	"github.com/stretchr/testify/require"
)

// burnerSet is a group of burner tasks held at a start barrier so that none
// of them advances the clock before the harness releases them. Each burner
// runs until the manual clock reaches the deadline and then exits.
type burnerSet struct {
	tasks   []*Task
	release func()
}

func holdBurners(t *testing.T, k *Kernel, mask CPUMask, deadline time.Duration,
	cfgs []TaskConfig) *burnerSet {
	t.Helper()
	start := make(chan struct{})
	end := k.Clock().Now() + deadline.Nanoseconds()
	tasks := make([]*Task, len(cfgs))
	for i, cfg := range cfgs {
		cfg.Affinity = mask
		task, err := k.TaskCreate(cfg, func(ctx context.Context, arg interface{}) int {
			<-start
			for k.Clock().Now() < end {
				k.Burn(time.Millisecond)
			}
			return 0
		})
		require.NoError(t, err)
		tasks[i] = task
	}
	return &burnerSet{tasks: tasks, release: func() { close(start) }}
}

// startBurners is holdBurners with an immediate release.
func startBurners(t *testing.T, k *Kernel, mask CPUMask, deadline time.Duration,
	cfgs []TaskConfig) []*Task {
	t.Helper()
	b := holdBurners(t, k, mask, deadline, cfgs)
	b.release()
	return b.tasks
}

func waitAll(tasks []*Task) {
	for _, task := range tasks {
		<-task.Done()
	}
}

func TestFairShareEqualWeights(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	tasks := startBurners(t, k, MaskOf(0), time.Second, []TaskConfig{
		{Name: "a"}, {Name: "b"}, {Name: "c"},
	})
	waitAll(tasks)

	// Three equal-weight tasks on one CPU split the second three ways, to
	// within a couple of timeslices.
	for _, task := range tasks {
		got := task.Runtime()
		require.InDelta(t, (time.Second / 3).Nanoseconds(), got.Nanoseconds(),
			float64(20*time.Millisecond), "task %s ran %s", task.Name(), got)
	}
}

func TestFairShareNiceRatio(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	tasks := startBurners(t, k, MaskOf(0), time.Second, []TaskConfig{
		{Name: "nice0"}, {Name: "nice5", Nice: 5},
	})
	waitAll(tasks)

	// weight(0)=1024, weight(5)=335: the nice-0 task gets ~75% of the CPU.
	total := float64(tasks[0].Runtime() + tasks[1].Runtime())
	share := float64(tasks[0].Runtime()) / total
	require.InDelta(t, 1024.0/(1024+335), share, 0.04,
		"nice0=%s nice5=%s", tasks[0].Runtime(), tasks[1].Runtime())
}

func TestBatchYieldsToNormal(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	tasks := startBurners(t, k, MaskOf(0), 500*time.Millisecond, []TaskConfig{
		{Name: "normal"}, {Name: "batch", Policy: PolicyBatch},
	})
	waitAll(tasks)

	// Batch tasks carry fair weight but never wakeup-preempt; over a run of
	// pure burners both still get their weight-proportional share.
	require.InDelta(t, tasks[0].Runtime().Nanoseconds(), tasks[1].Runtime().Nanoseconds(),
		float64(30*time.Millisecond))
}

func TestIdlePolicyStarvedByNormal(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	tasks := startBurners(t, k, MaskOf(0), 300*time.Millisecond, []TaskConfig{
		{Name: "normal"}, {Name: "bg", Policy: PolicyIdle},
	})
	waitAll(tasks)

	// The idle-policy task has weight 15 against 1024 and should see only
	// slivers of CPU.
	require.Less(t, tasks[1].Runtime(), 30*time.Millisecond)
	require.Greater(t, tasks[0].Runtime(), 250*time.Millisecond)
}

func TestWakeupPreemptsLongRunner(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	// The hog burns only the quanta the harness feeds it, so virtual time is
	// frozen whenever the harness is measuring.
	burn := make(chan time.Duration)
	hog, err := k.TaskCreate(TaskConfig{Name: "hog", Affinity: MaskOf(0)},
		func(ctx context.Context, arg interface{}) int {
			for d := range burn {
				k.Burn(d)
			}
			return 0
		})
	require.NoError(t, err)
	burn <- 60 * time.Millisecond

	var firstRun atomic.Int64
	sleeper, err := k.TaskCreate(TaskConfig{Name: "sleeper", Affinity: MaskOf(0)},
		func(ctx context.Context, arg interface{}) int {
			curr := k.Current()
			curr.PrepareSleep(TaskUninterruptible)
			k.Schedule()
			curr.FinishSleep()
			firstRun.Store(k.Clock().Now())
			return 0
		})
	require.NoError(t, err)
	// One quantum lets the fresh sleeper preempt the hog and park itself.
	burn <- 5 * time.Millisecond
	require.Eventually(t, func() bool { return sleeper.State() == TaskUninterruptible },
		5*time.Second, time.Millisecond)

	// Wake the sleeper while the hog sits mid-run. Its placement bonus puts
	// it left of the hog, so the hog's next tick hands over the CPU.
	preWake := k.Clock().Now()
	require.True(t, k.WakeUpTask(sleeper))
	burn <- 10 * time.Millisecond
	<-sleeper.Done()
	close(burn)
	<-hog.Done()

	require.Less(t, firstRun.Load()-preWake, (3 * time.Millisecond).Nanoseconds())
}

func TestYieldRotatesPeers(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	start := make(chan struct{})
	var order []string
	done := make(chan struct{})
	mk := func(name string, peer **Task) {
		task, err := k.TaskCreate(TaskConfig{Name: name, Affinity: MaskOf(0)},
			func(ctx context.Context, arg interface{}) int {
				<-start
				for i := 0; i < 3; i++ {
					order = append(order, name)
					k.Yield()
				}
				return 0
			})
		require.NoError(t, err)
		*peer = task
	}
	var a, b *Task
	mk("a", &a)
	mk("b", &b)
	close(start)
	go func() {
		<-a.Done()
		<-b.Done()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("yield loop wedged")
	}

	// Yield charges a full slice of vtime, so the two peers interleave
	// rather than one running all three rounds back to back.
	require.Len(t, order, 6)
	require.NotEqual(t, order[0], order[1])
}
