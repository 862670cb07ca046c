// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package ksync

import (
	"time"

	"github.com/cockroachdb/vkernel/pkg/sched"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

// completionAll is the saturated count meaning "complete forever".
const completionAll = ^uint32(0)

// Completion is a one-way synchronization point: waiters sleep until a
// completer signals. Each Complete releases exactly one waiter (or banks
// one count if none is sleeping); CompleteAll releases everyone, current
// and future.
type Completion struct {
	k  *sched.Kernel
	mu struct {
		syncutil.Mutex
		count   uint32
		waiters []*sched.Task // FIFO
	}
}

// NewCompletion returns an unfired completion bound to k.
func NewCompletion(k *sched.Kernel) *Completion {
	return &Completion{k: k}
}

// Reinit rearms a completion for re-use. The caller must ensure no waiters
// are pending.
func (c *Completion) Reinit() {
	c.mu.Lock()
	c.mu.count = 0
	c.mu.waiters = c.mu.waiters[:0]
	c.mu.Unlock()
}

func (c *Completion) removeWaiter(t *sched.Task) {
	for i, e := range c.mu.waiters {
		if e == t {
			c.mu.waiters = append(c.mu.waiters[:i:i], c.mu.waiters[i+1:]...)
			return
		}
	}
}

// Complete banks one completion and wakes the oldest sleeper, if any.
func (c *Completion) Complete() {
	c.mu.Lock()
	if c.mu.count != completionAll {
		c.mu.count++
	}
	c.wakeLocked(1)
	c.mu.Unlock()
}

// CompleteAll fires the completion permanently: every current and future
// waiter proceeds without sleeping.
func (c *Completion) CompleteAll() {
	c.mu.Lock()
	c.mu.count = completionAll
	c.wakeLocked(len(c.mu.waiters))
	c.mu.Unlock()
}

func (c *Completion) wakeLocked(n int) {
	for n > 0 && len(c.mu.waiters) > 0 {
		t := c.mu.waiters[0]
		c.mu.waiters = c.mu.waiters[1:]
		if c.k.WakeUpTask(t) {
			n--
		}
	}
}

// tryConsumeLocked consumes a banked completion if one is available.
func (c *Completion) tryConsumeLocked() bool {
	if c.mu.count == 0 {
		return false
	}
	if c.mu.count != completionAll {
		c.mu.count--
	}
	return true
}

// TryWait consumes a completion without blocking, reporting whether one was
// available.
func (c *Completion) TryWait() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tryConsumeLocked()
}

// Done reports whether a wait would succeed immediately, without consuming.
func (c *Completion) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.count > 0
}

// Wait sleeps uninterruptibly until a completion is available, then
// consumes it.
func (c *Completion) Wait() {
	curr := c.k.Current()
	for {
		c.mu.Lock()
		if c.tryConsumeLocked() {
			c.mu.Unlock()
			return
		}
		c.mu.waiters = append(c.mu.waiters, curr)
		curr.PrepareSleep(sched.TaskUninterruptible)
		c.mu.Unlock()
		c.k.Schedule()
		curr.FinishSleep()
		c.mu.Lock()
		c.removeWaiter(curr)
		c.mu.Unlock()
	}
}

// WaitInterruptible is Wait, but a posted signal aborts it with
// sched.ErrInterrupted.
func (c *Completion) WaitInterruptible() error {
	curr := c.k.Current()
	for {
		c.mu.Lock()
		if c.tryConsumeLocked() {
			c.mu.Unlock()
			return nil
		}
		c.mu.waiters = append(c.mu.waiters, curr)
		curr.PrepareSleep(sched.TaskInterruptible)
		if curr.ClearSignal() {
			c.removeWaiter(curr)
			c.mu.Unlock()
			curr.FinishSleep()
			return sched.ErrInterrupted
		}
		c.mu.Unlock()
		c.k.Schedule()
		curr.FinishSleep()
		c.mu.Lock()
		c.removeWaiter(curr)
		c.mu.Unlock()
	}
}

// WaitTimeout is Wait bounded by d. A completion that arrives before the
// timer fires always wins; ErrTimedOut means no completion was available
// when the timer expired.
func (c *Completion) WaitTimeout(d time.Duration) (time.Duration, error) {
	curr := c.k.Current()
	remaining := d
	for {
		c.mu.Lock()
		if c.tryConsumeLocked() {
			c.mu.Unlock()
			if remaining < 1 {
				remaining = 1
			}
			return remaining, nil
		}
		c.mu.waiters = append(c.mu.waiters, curr)
		curr.PrepareSleep(sched.TaskUninterruptible)
		c.mu.Unlock()

		remaining = c.k.ScheduleTimeout(remaining)
		curr.FinishSleep()
		c.mu.Lock()
		c.removeWaiter(curr)
		if remaining == 0 {
			// Last chance: the completion may have fired while the timer
			// was winning the wakeup race.
			ok := c.tryConsumeLocked()
			c.mu.Unlock()
			if ok {
				return 1, nil
			}
			return 0, ErrTimedOut
		}
		c.mu.Unlock()
	}
}
