// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package ksync provides the sleeping synchronization primitives of the
// virtual kernel: wait queues, a priority-inheriting mutex, completions,
// counting semaphores, and a reader-writer semaphore.
//
// All primitives follow the same suspension discipline: publish the sleep
// state, re-check the condition, then hand the CPU back through
// sched.Kernel.Schedule. A wakeup arriving anywhere in that window flips
// the task back to runnable and the suspension degenerates to a no-op, so
// wakeups cannot be lost.
package ksync

import "github.com/cockroachdb/errors"

// ErrTimedOut is returned by timed waits that expired before the awaited
// event arrived. Waits that complete successfully never return it, even if
// the event and the timeout race.
var ErrTimedOut = errors.New("wait timed out")
