// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package ktime provides the kernel's monotonic nanosecond time source and
// per-CPU one-shot timers.
package ktime

import (
	"time"

	"github.com/cockroachdb/vkernel/pkg/util/timeutil"
)

// Clock is the kernel's monotonic time source. Readings are nanoseconds since
// the clock was created and never go backwards.
//
// The underlying TimeSource decides how time advances: the default source
// follows the host clock, while a timeutil.ManualTime source advances only
// when a test tells it to, making scheduling decisions reproducible.
type Clock struct {
	src  timeutil.TimeSource
	base time.Time
}

// NewClock returns a Clock reading from src, starting at zero.
func NewClock(src timeutil.TimeSource) *Clock {
	return &Clock{src: src, base: src.Now()}
}

// Now returns the current monotonic time in nanoseconds.
func (c *Clock) Now() int64 {
	return c.src.Now().Sub(c.base).Nanoseconds()
}

// Source returns the underlying TimeSource.
func (c *Clock) Source() timeutil.TimeSource {
	return c.src
}
