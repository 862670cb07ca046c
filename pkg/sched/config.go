// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/vkernel/pkg/util/timeutil"
)

// Config parameterizes a Kernel. The zero value plus NumCPUs is usable;
// withDefaults fills in the rest.
type Config struct {
	// NumCPUs is the number of virtual CPUs, in [1, 64].
	NumCPUs int

	// CPUsPerCore groups CPUs into cores of this many cache-sharing
	// siblings for placement and balancing.
	CPUsPerCore int

	// TimeSource supplies kernel time. Tests pass a timeutil.ManualTime to
	// drive ticks deterministically; nil means the wall clock.
	TimeSource timeutil.TimeSource

	// TickPeriod is the scheduler tick interval.
	TickPeriod time.Duration

	// SchedLatency is the target period within which every runnable fair
	// task runs once.
	SchedLatency time.Duration

	// MinGranularity is the smallest timeslice a fair task is given before
	// it can be tick-preempted; SchedLatency stretches once
	// SchedLatency/MinGranularity tasks are runnable.
	MinGranularity time.Duration

	// WakeupGranularity damps wakeup preemption between near-equal fair
	// tasks.
	WakeupGranularity time.Duration

	// RRTimeslice is the round-robin quantum for PolicyRR tasks.
	RRTimeslice time.Duration

	// RTRuntime of every RTPeriod is the most CPU the realtime class may
	// consume per CPU before being throttled.
	RTRuntime time.Duration
	RTPeriod  time.Duration

	// BalanceInterval is the number of ticks between periodic load
	// balancing runs.
	BalanceInterval int

	// CacheHot is how recently a task must have run for the balancer to
	// consider it cache-hot and prefer leaving it in place.
	CacheHot time.Duration

	// MaxTasks bounds the number of live tasks.
	MaxTasks int

	// AutoTick, when set, drives scheduler ticks from a background
	// goroutine using TimeSource. Leave unset when a test harness calls
	// TickAll itself.
	AutoTick bool

	// IPI overrides the inter-processor interrupt transport.
	IPI IPISender
}

func (c Config) withDefaults() Config {
	if c.TimeSource == nil {
		c.TimeSource = timeutil.DefaultTimeSource{}
	}
	if c.CPUsPerCore == 0 {
		c.CPUsPerCore = 2
	}
	if c.TickPeriod == 0 {
		c.TickPeriod = time.Millisecond
	}
	if c.SchedLatency == 0 {
		c.SchedLatency = 6 * time.Millisecond
	}
	if c.MinGranularity == 0 {
		c.MinGranularity = 750 * time.Microsecond
	}
	if c.WakeupGranularity == 0 {
		c.WakeupGranularity = time.Millisecond
	}
	if c.RRTimeslice == 0 {
		c.RRTimeslice = 100 * time.Millisecond
	}
	if c.RTRuntime == 0 {
		c.RTRuntime = 950 * time.Millisecond
	}
	if c.RTPeriod == 0 {
		c.RTPeriod = time.Second
	}
	if c.BalanceInterval == 0 {
		c.BalanceInterval = 10
	}
	if c.CacheHot == 0 {
		c.CacheHot = 2 * time.Millisecond
	}
	if c.MaxTasks == 0 {
		c.MaxTasks = 32768
	}
	return c
}

func (c Config) validate() error {
	if c.NumCPUs < 1 || c.NumCPUs > 64 {
		return errors.Newf("NumCPUs must be in [1, 64], got %d", c.NumCPUs)
	}
	if c.CPUsPerCore < 1 {
		return errors.Newf("CPUsPerCore must be positive, got %d", c.CPUsPerCore)
	}
	if c.MinGranularity > c.SchedLatency {
		return errors.Newf("MinGranularity %s exceeds SchedLatency %s",
			c.MinGranularity, c.SchedLatency)
	}
	if c.RTRuntime > c.RTPeriod {
		return errors.Newf("RTRuntime %s exceeds RTPeriod %s", c.RTRuntime, c.RTPeriod)
	}
	if c.BalanceInterval < 0 || c.MaxTasks < 0 {
		return errors.Newf("negative limits")
	}
	return nil
}
