// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package stop provides a facility to coordinate the graceful shutdown of a
// group of long-running background tasks.
package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
)

// ErrUnavailable indicates that the stopper is quiescing and is unable to
// accept new work.
var ErrUnavailable = errors.New("stopper is quiescing")

// A Stopper provides control over the lifecycle of goroutines started through
// it via its RunAsyncTask method.
//
// When Stop is invoked, the Stopper:
//
//   - it invokes Quiesce, which causes the Stopper to refuse new work, and
//     closes the channel returned by ShouldQuiesce to signal running tasks to
//     terminate;
//   - it then blocks until all running tasks have returned;
//   - and finally it runs all registered closers.
type Stopper struct {
	quiescer chan struct{}
	tasks    sync.WaitGroup

	mu struct {
		syncutil.Mutex
		quiescing bool
		closers   []func()
	}
}

// NewStopper returns an instance of Stopper.
func NewStopper() *Stopper {
	return &Stopper{quiescer: make(chan struct{})}
}

// AddCloser adds a function to close, run after all tasks have completed.
func (s *Stopper) AddCloser(c func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mu.quiescing {
		c()
		return
	}
	s.mu.closers = append(s.mu.closers, c)
}

// RunAsyncTask runs function f in a goroutine. It returns ErrUnavailable if
// the Stopper is quiescing, in which case the function is not executed.
func (s *Stopper) RunAsyncTask(
	ctx context.Context, taskName string, f func(context.Context),
) error {
	s.mu.Lock()
	if s.mu.quiescing {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		f(ctx)
	}()
	return nil
}

// ShouldQuiesce returns a channel which will be closed when Stop has been
// invoked. Tasks can select on this channel to learn that they should wind
// down.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	if s == nil {
		// A nil stopper is never quiescing.
		return nil
	}
	return s.quiescer
}

// Quiesce moves the stopper to the quiescing state, rejecting new work.
func (s *Stopper) Quiesce(ctx context.Context) {
	s.mu.Lock()
	if !s.mu.quiescing {
		s.mu.quiescing = true
		close(s.quiescer)
	}
	s.mu.Unlock()
}

// Stop quiesces, waits for all outstanding tasks, then runs the closers.
func (s *Stopper) Stop(ctx context.Context) {
	s.Quiesce(ctx)
	s.tasks.Wait()
	s.mu.Lock()
	closers := s.mu.closers
	s.mu.closers = nil
	s.mu.Unlock()
	for _, c := range closers {
		c()
	}
}
