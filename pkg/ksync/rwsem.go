// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package ksync

import (
	"container/list"

	"github.com/cockroachdb/vkernel/pkg/sched"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

// RWSem is a reader-writer semaphore: any number of concurrent readers or
// one writer. Contenders queue FIFO, so a waiting writer blocks later
// readers from joining the current read side (no writer starvation), and a
// release grants either the front writer or the whole front run of readers.
type RWSem struct {
	k  *sched.Kernel
	mu struct {
		syncutil.Mutex
		// active counts the read holders; -1 means a writer holds it.
		active  int
		waiters *list.List // of *rwWaiter, FIFO
	}
}

type rwWaiter struct {
	task    *sched.Task
	write   bool
	granted bool
}

// NewRWSem returns an unheld reader-writer semaphore bound to k.
func NewRWSem(k *sched.Kernel) *RWSem {
	s := &RWSem{k: k}
	s.mu.waiters = list.New()
	return s
}

// TryDownRead takes the read side without blocking.
func (s *RWSem) TryDownRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.active >= 0 && s.mu.waiters.Len() == 0 {
		s.mu.active++
		return true
	}
	return false
}

// TryDownWrite takes the write side without blocking.
func (s *RWSem) TryDownWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.active == 0 && s.mu.waiters.Len() == 0 {
		s.mu.active = -1
		return true
	}
	return false
}

// DownRead acquires the read side, sleeping while a writer holds the
// semaphore or waits ahead in line.
func (s *RWSem) DownRead() {
	s.mu.Lock()
	if s.mu.active >= 0 && s.mu.waiters.Len() == 0 {
		s.mu.active++
		s.mu.Unlock()
		return
	}
	s.sleep(&rwWaiter{task: s.k.Current()})
}

// DownWrite acquires the write side, sleeping until it holds the semaphore
// exclusively.
func (s *RWSem) DownWrite() {
	s.mu.Lock()
	if s.mu.active == 0 && s.mu.waiters.Len() == 0 {
		s.mu.active = -1
		s.mu.Unlock()
		return
	}
	s.sleep(&rwWaiter{task: s.k.Current(), write: true})
}

// sleep queues w and suspends until a release grants it. Called with the
// semaphore lock held; returns without it.
func (s *RWSem) sleep(w *rwWaiter) {
	s.mu.waiters.PushBack(w)
	for {
		w.task.PrepareSleep(sched.TaskUninterruptible)
		if w.granted {
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		s.k.Schedule()
		s.mu.Lock()
	}
	w.task.FinishSleep()
}

// UpRead releases the read side; the last reader out hands over to the
// front writer, if any.
func (s *RWSem) UpRead() {
	s.mu.Lock()
	s.mu.active--
	if s.mu.active == 0 {
		s.grantLocked()
	}
	s.mu.Unlock()
}

// UpWrite releases the write side and grants the next batch.
func (s *RWSem) UpWrite() {
	s.mu.Lock()
	s.mu.active = 0
	s.grantLocked()
	s.mu.Unlock()
}

// DowngradeWrite converts a held write side into a read side without a
// window where the semaphore is free, and admits the front run of waiting
// readers to share it. Queued writers keep waiting until the readers
// drain.
func (s *RWSem) DowngradeWrite() {
	s.mu.Lock()
	s.mu.active = 1
	for e := s.mu.waiters.Front(); e != nil; {
		w := e.Value.(*rwWaiter)
		if w.write {
			break
		}
		next := e.Next()
		s.mu.waiters.Remove(e)
		s.mu.active++
		w.granted = true
		s.k.WakeUpTask(w.task)
		e = next
	}
	s.mu.Unlock()
}

// grantLocked hands the semaphore to the front of the queue: one writer, or
// every reader up to the next writer.
func (s *RWSem) grantLocked() {
	e := s.mu.waiters.Front()
	if e == nil {
		return
	}
	if w := e.Value.(*rwWaiter); w.write {
		s.mu.waiters.Remove(e)
		s.mu.active = -1
		w.granted = true
		s.k.WakeUpTask(w.task)
		return
	}
	for e != nil {
		w := e.Value.(*rwWaiter)
		if w.write {
			break
		}
		next := e.Next()
		s.mu.waiters.Remove(e)
		s.mu.active++
		w.granted = true
		s.k.WakeUpTask(w.task)
		e = next
	}
}
