// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/vkernel/pkg/util/log"
)

var (
	// ErrTaskLimit is returned by TaskCreate when MaxTasks live tasks
	// already exist.
	ErrTaskLimit = errors.New("task table full")
	// ErrInterrupted is returned by interruptible waits cut short by a
	// signal.
	ErrInterrupted = errors.New("interrupted by signal")
)

// TaskConfig describes a task to create.
type TaskConfig struct {
	Name string
	// Arg is passed through to the entry function.
	Arg interface{}

	// Nice applies to fair-class policies; must be in [NiceMin, NiceMax].
	Nice int

	Policy Policy
	// RTPriority is required for PolicyFIFO/PolicyRR, in [0, 100).
	RTPriority int

	// DLRuntime/DLPeriod declare a PolicyDeadline reservation.
	DLRuntime time.Duration
	DLPeriod  time.Duration

	// Affinity restricts the task's CPUs; zero means all.
	Affinity CPUMask
}

func (c *TaskConfig) validate(k *Kernel) error {
	if c.Nice < NiceMin || c.Nice > NiceMax {
		return errors.Newf("nice %d out of range [%d, %d]", c.Nice, NiceMin, NiceMax)
	}
	switch c.Policy {
	case PolicyFIFO, PolicyRR:
		if c.RTPriority < 0 || c.RTPriority >= numRTPrioLevels {
			return errors.Newf("realtime priority %d out of range [0, %d)",
				c.RTPriority, numRTPrioLevels)
		}
	case PolicyDeadline:
		if c.DLPeriod <= 0 || c.DLRuntime <= 0 || c.DLRuntime > c.DLPeriod {
			return errors.Newf("invalid deadline reservation %s/%s", c.DLRuntime, c.DLPeriod)
		}
	case PolicyNormal, PolicyBatch, PolicyIdle:
	default:
		return errors.Newf("unknown policy %d", c.Policy)
	}
	if c.Affinity != 0 && c.Affinity&MaskAll(len(k.cpus)) == 0 {
		return errors.Newf("affinity %#x selects no online CPU", uint64(c.Affinity))
	}
	return nil
}

// TaskCreate builds a task, binds a goroutine to it, and makes it runnable.
// The creating task (if any) becomes the parent and must eventually reap it
// with WaitTask; tasks created from outside the task world are reaped
// automatically on exit.
func (k *Kernel) TaskCreate(cfg TaskConfig, fn TaskFunc) (*Task, error) {
	if !k.started.Load() {
		return nil, errors.New("kernel not started")
	}
	if err := cfg.validate(k); err != nil {
		return nil, err
	}
	if int(k.nrTasks.Load()) >= k.cfg.MaxTasks {
		return nil, ErrTaskLimit
	}

	mask := cfg.Affinity & MaskAll(len(k.cpus))
	if mask == 0 {
		mask = MaskAll(len(k.cpus))
	}

	t := &Task{
		id:     k.nextID.Add(1),
		name:   cfg.Name,
		k:      k,
		gate:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		policy: cfg.Policy,
		nice:   cfg.Nice,
		parent: k.Current(),
	}
	t.affinity.Store(uint64(mask))
	t.se.weight = fairWeightOf(cfg.Policy, cfg.Nice)
	t.staticPrio = staticPrioOf(cfg.Nice)
	t.rtPriority = cfg.RTPriority
	t.normalPrio = normalPrioOf(cfg.Policy, t.staticPrio, cfg.RTPriority)
	t.setPrio(t.normalPrio)
	t.dl.runtime = cfg.DLRuntime.Nanoseconds()
	t.dl.period = cfg.DLPeriod.Nanoseconds()
	t.setState(TaskRunnable)

	k.tasks.Lock()
	k.tasks.m[t.id] = t
	k.tasks.Unlock()
	k.nrTasks.Add(1)

	err := k.stopper.RunAsyncTask(k.ctx, "task-"+cfg.Name, func(ctx context.Context) {
		k.bindCurrent(t)
		k.waitGate(t)
		code := fn(ctx, cfg.Arg)
		k.taskExit(t, code)
	})
	if err != nil {
		k.tasks.Lock()
		delete(k.tasks.m, t.id)
		k.tasks.Unlock()
		k.nrTasks.Add(-1)
		return nil, errors.Wrap(err, "spawning task")
	}

	k.wakeUpNewTask(t)
	return t, nil
}

// wakeUpNewTask gives a fresh task its first enqueue. Fair tasks start at
// the destination's virtual-time floor: no credit for time not yet lived.
func (k *Kernel) wakeUpNewTask(t *Task) {
	k.PreemptDisable()
	dest := k.selectCPU(t)
	rq := k.rqs[dest]
	rq.mu.Lock()
	rq.updateClock(k.clock.Now())
	t.cpu.Store(int32(dest))
	switch t.classID() {
	case classFairID:
		k.placeEntity(rq, t, false)
	case classDeadlineID:
		t.dl.deadline = rq.clock + t.dl.period
	}
	activate(k, rq, t, 0)
	if rq.curr != nil {
		classOf(rq.curr).checkPreempt(k, rq, t)
	}
	kick := k.cpus[dest].needResched.Load()
	rq.mu.Unlock()

	self := -1
	if curr := k.Current(); curr != nil {
		self = curr.CPU()
	}
	if kick && dest != self {
		k.ipi.SendIPI(dest, VectorResched)
	}
	k.PreemptEnable()
}

// taskExit finishes the calling goroutine's task: it becomes a zombie,
// gives up its CPU for the last time, and notifies its parent (or reaps
// itself when it has none).
func (k *Kernel) taskExit(t *Task, code int) {
	t.pi.Lock()
	if len(t.pi.waiters) != 0 {
		log.Errorf(k.ctx, "task %s exiting with %d priority-inheritance waiters",
			t.name, len(t.pi.waiters))
	}
	t.pi.Unlock()

	t.exitCode = code
	t.setState(TaskZombie)
	k.Schedule()
	// Off-CPU now; this goroutine just unwinds.

	close(t.done)
	// Unbind before waking the parent: the wake path treats the caller as
	// a scheduling context, and this goroutine no longer is one.
	k.unbindCurrent()
	if t.parent == nil {
		k.reapTask(t)
	} else {
		k.wake(t.parent, false)
	}
}

// Exit terminates the calling task with the given exit code. It does not
// return.
func (k *Kernel) Exit(code int) {
	t := k.Current()
	if t == nil {
		log.Fatalf(k.ctx, "Exit called from outside task context")
	}
	k.taskExit(t, code)
	runtime.Goexit()
}

func (k *Kernel) reapTask(t *Task) {
	k.tasks.Lock()
	delete(k.tasks.m, t.id)
	k.tasks.Unlock()
	k.nrTasks.Add(-1)
}

// WaitTask blocks the calling task until child exits, reaps it, and returns
// its exit code. Only the parent may wait. A signal interrupts the wait
// with ErrInterrupted, leaving the child unreaped.
func (k *Kernel) WaitTask(child *Task) (int, error) {
	curr := k.Current()
	if curr == nil {
		return 0, errors.New("WaitTask called from outside task context")
	}
	if child.parent != curr {
		return 0, errors.Newf("task %s is not a child of %s", child.name, curr.name)
	}
	for {
		if child.State() == TaskZombie {
			// The child may still be finishing its exit path; its done
			// channel closes once its bookkeeping is complete.
			<-child.done
			k.reapTask(child)
			return child.exitCode, nil
		}
		curr.PrepareSleep(TaskInterruptible)
		if child.State() == TaskZombie {
			curr.FinishSleep()
			continue
		}
		if curr.ClearSignal() {
			curr.FinishSleep()
			return 0, ErrInterrupted
		}
		k.Schedule()
		curr.FinishSleep()
	}
}

// SignalTask posts a signal to t, waking it from an interruptible sleep. A
// running target is asked to reschedule so it reaches a point where it can
// observe the signal.
func (k *Kernel) SignalTask(t *Task) {
	t.sigPending.Store(true)
	if k.wake(t, true) {
		return
	}
	if t.State() != TaskRunnable {
		return
	}
	rq := k.lockTaskRQ(t)
	running := t == rq.curr
	cpu := rq.cpu
	if running {
		k.reschedLocked(rq)
	}
	rq.mu.Unlock()
	if running {
		k.ipi.SendIPI(cpu, VectorResched)
	}
}

// SetTaskNice changes the nice level, and hence the weight, of a fair-class
// task.
func (k *Kernel) SetTaskNice(t *Task, nice int) error {
	if nice < NiceMin || nice > NiceMax {
		return errors.Newf("nice %d out of range [%d, %d]", nice, NiceMin, NiceMax)
	}
	if t.policy.realtime() || t.policy == PolicyDeadline {
		return errors.Newf("cannot renice %s task %s", t.policy, t.name)
	}

	t.pi.Lock()
	rq := k.lockTaskRQ(t)
	rq.updateClock(k.clock.Now())

	queued := taskOnRQ(t)
	if queued {
		deactivate(k, rq, t, 0)
	}
	t.nice = nice
	t.staticPrio = staticPrioOf(nice)
	t.normalPrio = normalPrioOf(t.policy, t.staticPrio, t.rtPriority)
	t.se.weight = fairWeightOf(t.policy, nice)
	newPrio := t.normalPrio
	if w := t.topWaiterPrio(); w < newPrio {
		newPrio = w
	}
	t.setPrio(newPrio)
	if queued {
		activate(k, rq, t, 0)
	}
	if t == rq.curr {
		// The weight change shifts timeslices; re-evaluate the pick.
		k.reschedLocked(rq)
	}
	rq.mu.Unlock()
	t.pi.Unlock()
	return nil
}

// SetScheduler changes t's policy and realtime priority.
func (k *Kernel) SetScheduler(t *Task, policy Policy, rtPriority int) error {
	switch policy {
	case PolicyFIFO, PolicyRR:
		if rtPriority < 0 || rtPriority >= numRTPrioLevels {
			return errors.Newf("realtime priority %d out of range [0, %d)",
				rtPriority, numRTPrioLevels)
		}
	case PolicyNormal, PolicyBatch, PolicyIdle:
		if rtPriority != 0 {
			return errors.Newf("policy %s takes no realtime priority", policy)
		}
	default:
		return errors.Newf("cannot switch to policy %d", policy)
	}

	t.pi.Lock()
	rq := k.lockTaskRQ(t)
	rq.updateClock(k.clock.Now())

	queued := taskOnRQ(t)
	running := t == rq.curr
	if queued {
		deactivate(k, rq, t, 0)
	}
	t.policy = policy
	t.rtPriority = rtPriority
	t.normalPrio = normalPrioOf(policy, t.staticPrio, rtPriority)
	t.se.weight = fairWeightOf(policy, t.nice)
	newPrio := t.normalPrio
	if w := t.topWaiterPrio(); w < newPrio {
		newPrio = w
	}
	t.setPrio(newPrio)
	if queued {
		if t.classID() == classFairID {
			k.placeEntity(rq, t, false)
		}
		activate(k, rq, t, 0)
	}
	if running {
		classes[t.classID()].setNext(k, rq, t)
		k.reschedLocked(rq)
	}
	rq.mu.Unlock()
	t.pi.Unlock()
	return nil
}

// SetCPUAffinity restricts t to the CPUs in mask. A queued task moves
// immediately; a running one migrates itself at its next preemption point;
// a sleeping one is placed correctly on wakeup.
func (k *Kernel) SetCPUAffinity(t *Task, mask CPUMask) error {
	mask &= MaskAll(len(k.cpus))
	if mask == 0 {
		return errors.New("affinity mask selects no online CPU")
	}
	t.affinity.Store(uint64(mask))

	rq := k.lockTaskRQ(t)
	if mask.Test(rq.cpu) {
		rq.mu.Unlock()
		return nil
	}
	if t == rq.curr {
		k.reschedLocked(rq)
		cpu := rq.cpu
		rq.mu.Unlock()
		k.ipi.SendIPI(cpu, VectorResched)
		return nil
	}
	if !taskOnRQ(t) {
		// Sleeping; wake placement honors the new mask.
		rq.mu.Unlock()
		return nil
	}
	rq.mu.Unlock()

	k.moveTask(t, k.selectCPU(t))
	return nil
}
