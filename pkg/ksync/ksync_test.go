// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package ksync

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/vkernel/pkg/sched"
	"github.com/cockroachdb/vkernel/pkg/util/timeutil"
	"github.com/stretchr/testify/require"
)

func newTestKernel(t *testing.T, cpus int) *sched.Kernel {
	t.Helper()
	k, err := sched.New(sched.Config{
		NumCPUs:    cpus,
		TimeSource: timeutil.NewManualTime(time.Unix(10, 0)),
	})
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { k.Stop(context.Background()) })
	return k
}

// spawn creates a task and fails the test on creation errors.
func spawn(t *testing.T, k *sched.Kernel, name string, cfg sched.TaskConfig,
	fn func(ctx context.Context) int) *sched.Task {
	t.Helper()
	cfg.Name = name
	task, err := k.TaskCreate(cfg, func(ctx context.Context, _ interface{}) int {
		return fn(ctx)
	})
	require.NoError(t, err)
	return task
}
