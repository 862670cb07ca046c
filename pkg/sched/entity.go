// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import "github.com/google/btree"

// schedEntity carries the fair-class bookkeeping of a task. All fields are
// protected by the runqueue lock of the owning CPU.
type schedEntity struct {
	weight uint64

	// vruntime is the task's weight-normalized runtime in nanoseconds. It
	// only ever grows; cross-CPU comparability is maintained by re-basing
	// against the destination's minVruntime on migration.
	vruntime uint64

	sumExec     uint64 // total ns executed
	prevSumExec uint64 // sumExec when last picked, for timeslice accounting
	execStart   int64  // runqueue clock at last accounting update

	// onRQ is true while the task is enqueued or running; inTree is true
	// only while the task sits in the timeline. The running task is onRQ
	// but off the tree.
	onRQ   bool
	inTree bool

	avg schedAvg

	key timelineKey
}

// timelineKey is the fair timeline's btree item, embedded in the entity so
// enqueue does not allocate. Ties on vruntime break by enqueue sequence, so
// equal keys never alias distinct tasks.
type timelineKey struct {
	vruntime uint64
	seq      uint64
	task     *Task
}

var _ btree.Item = (*timelineKey)(nil)

// Less orders the timeline by (vruntime, seq).
func (k *timelineKey) Less(than btree.Item) bool {
	o := than.(*timelineKey)
	if k.vruntime != o.vruntime {
		return k.vruntime < o.vruntime
	}
	return k.seq < o.seq
}

// rtEntity carries the realtime-class bookkeeping of a task.
type rtEntity struct {
	// timeSlice is the remaining round-robin slice in ns; unused for FIFO.
	timeSlice int64
	onRQ      bool

	// inQueue and queuedLevel track membership in the per-level FIFOs; the
	// running task is onRQ but out of the FIFOs.
	inQueue     bool
	queuedLevel int

	// tailOnPut makes the next putPrev append at the tail of the level
	// instead of the head, after a yield or an expired round-robin slice.
	tailOnPut bool
}

// dlEntity carries the deadline-class bookkeeping of a task.
type dlEntity struct {
	// runtime/deadline/period are the task's declared reservation. deadline
	// is the current absolute scheduling deadline on the runqueue clock.
	runtime  int64
	period   int64
	deadline int64
	onRQ     bool
	inQueue  bool
}
