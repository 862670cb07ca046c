// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package ktime

import (
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

// TimerFunc is invoked when a one-shot timer expires. It runs in interrupt
// context: it must not block.
type TimerFunc func(t *Timer)

// Timer is a one-shot timer. It is armed with Queue.Add and fires at most
// once, from the tick path of the CPU whose queue it was added to. A Timer
// may be re-armed after it has fired or been deleted.
type Timer struct {
	// Fn is called when the timer expires.
	Fn TimerFunc
	// Arg is opaque payload for Fn.
	Arg interface{}

	expires int64
	queued  bool
}

// Expires returns the expiry deadline the timer was armed with.
func (t *Timer) Expires() int64 { return t.expires }

// Queue is an ordered set of pending one-shot timers, one per CPU. Expiry
// order is maintained on insert, as lists stay short.
type Queue struct {
	mu     syncutil.Mutex
	timers []*Timer
}

// Add arms t to fire at the given monotonic deadline. Arming an already
// queued timer is a contract violation.
func (q *Queue) Add(t *Timer, expires int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.queued {
		panic("ktime: timer added twice")
	}
	t.expires = expires
	t.queued = true
	i := 0
	for ; i < len(q.timers); i++ {
		if q.timers[i].expires > expires {
			break
		}
	}
	q.timers = append(q.timers, nil)
	copy(q.timers[i+1:], q.timers[i:])
	q.timers[i] = t
}

// Del disarms t. It returns true if the timer was still pending, false if it
// had already fired or was never armed.
func (q *Queue) Del(t *Timer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !t.queued {
		return false
	}
	for i, qt := range q.timers {
		if qt == t {
			q.timers = append(q.timers[:i], q.timers[i+1:]...)
			t.queued = false
			return true
		}
	}
	return false
}

// NextExpiry returns the deadline of the earliest pending timer.
func (q *Queue) NextExpiry() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.timers) == 0 {
		return 0, false
	}
	return q.timers[0].expires, true
}

// Fire runs the callbacks of every timer whose deadline is at or before now.
// Callbacks run without the queue lock so they may re-arm timers. Returns the
// number of timers fired.
func (q *Queue) Fire(now int64) int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.timers) == 0 || q.timers[0].expires > now {
			q.mu.Unlock()
			return n
		}
		t := q.timers[0]
		q.timers = q.timers[1:]
		t.queued = false
		q.mu.Unlock()

		if t.Fn != nil {
			t.Fn(t)
		}
		n++
	}
}
