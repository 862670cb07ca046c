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

func TestDecayLoadHalving(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))

	// y^32 == 1/2, to within fixed-point rounding.
	require.InDelta(t, 1<<19, decayLoad(1<<20, peltHalfLife), 2)
	require.InDelta(t, 1<<18, decayLoad(1<<20, 2*peltHalfLife), 2)
	// y^0 loses at most one ulp to the 0.32 representation.
	require.InDelta(t, 1<<20, decayLoad(1<<20, 0), 1)
	// Everything decays to nothing eventually.
	require.Zero(t, decayLoad(1<<62, 64*peltHalfLife))
	require.Zero(t, decayLoad(1, 40))
}

func TestSchedAvgConvergence(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))

	// A task that is always runnable and running converges to loadAvg ==
	// weight and utilAvg == full capacity.
	var sa schedAvg
	const weight = 1024
	now := int64(0)
	for now < (300 * time.Millisecond).Nanoseconds() {
		now += time.Millisecond.Nanoseconds()
		sa.update(now, weight, true, true)
	}
	require.InEpsilon(t, uint64(weight), sa.loadAvg, 0.02)
	require.InEpsilon(t, uint64(1024), sa.utilAvg, 0.02)
	require.InEpsilon(t, uint64(1024), sa.runnableAvg, 0.02)

	// Three half-lives of idleness decay the averages to ~12%.
	for i := 0; i < 96; i++ {
		now += time.Millisecond.Nanoseconds()
		sa.update(now, 0, false, false)
	}
	require.Less(t, sa.loadAvg, uint64(200))
	require.Greater(t, sa.loadAvg, uint64(50))
	require.Less(t, sa.utilAvg, uint64(200))
}

func TestSchedAvgHeavyWeight(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))

	// Load scales with weight; utilization does not.
	var sa schedAvg
	weight := weightOfNice(-5) // 3121
	now := int64(0)
	for now < (300 * time.Millisecond).Nanoseconds() {
		now += time.Millisecond.Nanoseconds()
		sa.update(now, weight, true, true)
	}
	require.InEpsilon(t, weight, sa.loadAvg, 0.02)
	require.InEpsilon(t, uint64(1024), sa.utilAvg, 0.02)
}

func TestSchedAvgClockRewind(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))

	var sa schedAvg
	sa.update(time.Millisecond.Nanoseconds(), 1024, true, true)
	before := sa.loadSum
	// A rebase (migration) can move the entity's reference clock backwards;
	// the window restarts instead of accumulating a negative delta.
	sa.update(0, 1024, true, true)
	require.Equal(t, before, sa.loadSum)
	require.Equal(t, int64(0), sa.lastUpdate)
}

func TestTaskLoadTracking(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))
	k, _ := newTestKernel(t, 1, nil)

	var preSleep, postSleep atomic.Uint64
	task, err := k.TaskCreate(TaskConfig{Name: "tracked"}, func(ctx context.Context, arg interface{}) int {
		k.Burn(300 * time.Millisecond)
		load, util := k.Current().LoadAvg()
		preSleep.Store(load)
		_ = util

		curr := k.Current()
		curr.PrepareSleep(TaskUninterruptible)
		k.ScheduleTimeout(96 * time.Millisecond)
		curr.FinishSleep()
		k.Burn(time.Millisecond)
		load, _ = k.Current().LoadAvg()
		postSleep.Store(load)
		return 0
	})
	require.NoError(t, err)

	// The sleep is on the manual clock; drive it from outside.
	require.Eventually(t, func() bool { return task.State() == TaskUninterruptible },
		5*time.Second, time.Millisecond)
	k.Advance(100 * time.Millisecond)
	<-task.Done()

	// A lone burner saturates at its weight; three half-lives asleep cost
	// most of it.
	require.InEpsilon(t, uint64(1024), preSleep.Load(), 0.05)
	require.Less(t, postSleep.Load(), preSleep.Load()/2)
}
