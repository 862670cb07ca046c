// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package timeutil

import "time"

// Now returns the current time with the monotonic clock reading stripped. The
// monotonic component is carried separately by callers that need it; keeping
// wall values canonical makes them comparable after round-trips through
// formatting.
func Now() time.Time {
	return time.Now().Round(0)
}

// Since returns the time elapsed since t.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// TimeSource is used to interact with clocks and timers. Generally exposed for
// testing.
type TimeSource interface {
	// Now returns the current time.
	Now() time.Time
	// NewTimer returns a TimerI.
	NewTimer() TimerI
}

// TimerI is an interface wrapping Timer.
type TimerI interface {
	// Reset changes the timer to expire after duration d.
	Reset(d time.Duration)
	// Stop prevents the Timer from firing.
	Stop() bool
	// Ch returns the channel which will be notified when the timer fires.
	Ch() <-chan time.Time
	// MarkRead should be called when a value is read from the Ch() channel.
	MarkRead()
}

// DefaultTimeSource is a TimeSource using the system clock.
type DefaultTimeSource struct{}

var _ TimeSource = DefaultTimeSource{}

// Now implements TimeSource.
func (DefaultTimeSource) Now() time.Time {
	return Now()
}

// NewTimer implements TimeSource.
func (DefaultTimeSource) NewTimer() TimerI {
	return (&Timer{}).AsTimerI()
}
