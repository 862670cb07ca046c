// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package timeutil

import (
	"container/heap"
	"time"

	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

// ManualTime is a testing implementation of TimeSource. Time advances only
// through explicit Advance or AdvanceTo calls, which makes schedules built on
// it deterministic.
type ManualTime struct {
	mu struct {
		syncutil.Mutex
		now    time.Time
		timers manualTimerQueue
	}
}

// NewManualTime constructs a new ManualTime.
func NewManualTime(initial time.Time) *ManualTime {
	mt := ManualTime{}
	mt.mu.now = initial
	mt.mu.timers = manualTimerQueue{}
	return &mt
}

var _ TimeSource = (*ManualTime)(nil)

// Now returns the current time.
func (m *ManualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.now
}

// NewTimer constructs a new timer.
func (m *ManualTime) NewTimer() TimerI {
	return &manualTimer{m: m}
}

// Advance advances the current time by d, firing any timers whose deadline
// passes.
func (m *ManualTime) Advance(d time.Duration) {
	m.AdvanceTo(m.Now().Add(d))
}

// AdvanceTo advances the current time to t. If t is earlier than the current
// time then the current time is not changed.
func (m *ManualTime) AdvanceTo(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceToLocked(now)
}

func (m *ManualTime) advanceToLocked(now time.Time) {
	if !now.After(m.mu.now) {
		return
	}
	m.mu.now = now
	for m.mu.timers.Len() > 0 {
		next := m.mu.timers.heap[0]
		if next.at.After(now) {
			break
		}
		next.ch <- next.at
		heap.Pop(&m.mu.timers)
	}
}

func (m *ManualTime) add(mt *manualTimer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !mt.at.After(m.mu.now) {
		mt.ch <- mt.at
	} else {
		heap.Push(&m.mu.timers, mt)
	}
}

func (m *ManualTime) removeTimer(mt *manualTimer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt.index >= 0 {
		heap.Remove(&m.mu.timers, mt.index)
		return true
	}
	return false
}

type manualTimerQueue struct {
	heap []*manualTimer
}

var _ heap.Interface = (*manualTimerQueue)(nil)

func (m *manualTimerQueue) Len() int {
	return len(m.heap)
}

func (m *manualTimerQueue) Less(i, j int) bool {
	return m.heap[i].at.Before(m.heap[j].at)
}

func (m *manualTimerQueue) Swap(i, j int) {
	m.heap[i], m.heap[j] = m.heap[j], m.heap[i]
	m.heap[i].index = i
	m.heap[j].index = j
}

func (m *manualTimerQueue) Push(x interface{}) {
	mt := x.(*manualTimer)
	mt.index = len(m.heap)
	m.heap = append(m.heap, mt)
}

func (m *manualTimerQueue) Pop() interface{} {
	lastIdx := len(m.heap) - 1
	ret := m.heap[lastIdx]
	ret.index = -1
	m.heap = m.heap[:lastIdx]
	return ret
}

type manualTimer struct {
	m     *ManualTime
	at    time.Time
	ch    chan time.Time
	index int
}

var _ TimerI = (*manualTimer)(nil)

func (m *manualTimer) Reset(d time.Duration) {
	m.Stop()
	m.at = m.m.Now().Add(d)
	m.ch = make(chan time.Time, 1)
	m.index = -1
	m.m.add(m)
}

func (m *manualTimer) Stop() bool {
	if m.ch == nil {
		return false
	}
	stopped := m.m.removeTimer(m)
	m.ch = nil
	m.at = time.Time{}
	return stopped
}

func (m *manualTimer) Ch() <-chan time.Time {
	return m.ch
}

func (m *manualTimer) MarkRead() {}
