// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/vkernel/pkg/ktime"
	"github.com/cockroachdb/vkernel/pkg/util/log"
	"github.com/cockroachdb/vkernel/pkg/util/stop"
	"github.com/cockroachdb/vkernel/pkg/util/syncutil"
	"github.com/cockroachdb/vkernel/pkg/util/timeutil"
	"github.com/petermattis/goid"
)

// Kernel is the scheduling core: a fixed set of virtual CPUs, their
// runqueues, the task table, and the clock everything is accounted against.
type Kernel struct {
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	stopper *stop.Stopper

	clock *ktime.Clock
	// manual is non-nil when the configured time source is a
	// timeutil.ManualTime, enabling Burn.
	manual *timeutil.ManualTime

	ipi IPISender

	cpus []*cpuState
	rqs  []*runQueue
	topo topology

	// balanceCPU is the CPU whose tick drives periodic balancing.
	balanceCPU int

	// Tunables from cfg, cached as plain nanosecond values for the hot
	// paths.
	schedLatencyNS      int64
	minGranularityNS    int64
	wakeupGranularityNS int64
	rrTimesliceNS       int64
	cacheHotNS          int64

	nextID  atomic.Int64
	nrTasks atomic.Int64

	// tasks is the task table, keyed by task id.
	tasks struct {
		syncutil.RWMutex
		m map[int64]*Task
	}

	// curr maps goroutine ids to the tasks they are executing, resolving
	// Current() for code that does not thread a task through its call
	// chain.
	curr struct {
		syncutil.RWMutex
		m map[int64]*Task
	}

	started atomic.Bool
}

// New constructs a Kernel from cfg. Start must be called before tasks are
// created.
func New(cfg Config) (*Kernel, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:                 cfg,
		topo:                newTopology(cfg.NumCPUs, cfg.CPUsPerCore),
		stopper:             stop.NewStopper(),
		clock:               ktime.NewClock(cfg.TimeSource),
		schedLatencyNS:      cfg.SchedLatency.Nanoseconds(),
		minGranularityNS:    cfg.MinGranularity.Nanoseconds(),
		wakeupGranularityNS: cfg.WakeupGranularity.Nanoseconds(),
		rrTimesliceNS:       cfg.RRTimeslice.Nanoseconds(),
		cacheHotNS:          cfg.CacheHot.Nanoseconds(),
	}
	k.manual, _ = cfg.TimeSource.(*timeutil.ManualTime)
	k.ipi = cfg.IPI
	if k.ipi == nil {
		k.ipi = &memIPI{k: k}
	}
	k.tasks.m = make(map[int64]*Task)
	k.curr.m = make(map[int64]*Task)

	ctx, cancel := context.WithCancel(context.Background())
	k.ctx = logtags.AddTag(ctx, "vkernel", nil)
	k.cancel = cancel

	for i := 0; i < cfg.NumCPUs; i++ {
		cpu := &cpuState{
			id:   i,
			ctx:  logtags.AddTag(k.ctx, "cpu", i),
			line: make(chan IPIVector, 1),
		}
		k.cpus = append(k.cpus, cpu)
		rq := newRunQueue(i)
		rq.rt.bw.init(cfg.RTRuntime.Nanoseconds(), cfg.RTPeriod.Nanoseconds(), 0)
		k.rqs = append(k.rqs, rq)
	}
	return k, nil
}

// Clock returns the kernel clock.
func (k *Kernel) Clock() *ktime.Clock { return k.clock }

// AnnotateCtx adds the kernel's log tags to ctx.
func (k *Kernel) AnnotateCtx(ctx context.Context) context.Context {
	return logtags.AddTags(ctx, logtags.FromContext(k.ctx))
}

// NumCPUs returns the number of virtual CPUs.
func (k *Kernel) NumCPUs() int { return len(k.cpus) }

// Stopper returns the kernel's stopper, for callers that tie background
// work to the kernel's lifetime.
func (k *Kernel) Stopper() *stop.Stopper { return k.stopper }

// Start brings the CPUs online: each gets an idle task parked on its
// interrupt line, and the tick driver starts if configured.
func (k *Kernel) Start(ctx context.Context) error {
	if k.started.Swap(true) {
		log.Fatalf(k.ctx, "kernel started twice")
	}
	for i := range k.cpus {
		if err := k.startIdle(i); err != nil {
			return err
		}
	}
	if k.cfg.AutoTick {
		if err := k.stopper.RunAsyncTask(k.ctx, "tick-driver", k.runTicks); err != nil {
			return err
		}
	}
	log.Infof(k.ctx, "kernel started: %d CPUs, tick %s", len(k.cpus), k.cfg.TickPeriod)
	return nil
}

// startIdle creates and installs the idle task of one CPU. Idle tasks are
// current from birth: their goroutines run the idle loop directly without
// waiting for a first grant.
func (k *Kernel) startIdle(cpu int) error {
	t := &Task{
		id:     -int64(cpu) - 1,
		name:   "idle",
		k:      k,
		gate:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		policy: PolicyIdle,
		isIdle: true,
		nice:   NiceMax,
	}
	t.cpu.Store(int32(cpu))
	t.affinity.Store(uint64(MaskOf(cpu)))
	t.se.weight = weightOfNice(NiceMax)
	t.staticPrio = staticPrioOf(NiceMax)
	t.normalPrio = t.staticPrio
	t.setPrio(t.staticPrio)
	t.setState(TaskRunnable)

	rq := k.rqs[cpu]
	rq.idle = t
	rq.curr = t
	k.cpus[cpu].idle = t

	return k.stopper.RunAsyncTask(k.cpus[cpu].ctx, "idle", func(ctx context.Context) {
		k.bindCurrent(t)
		defer k.unbindCurrent()
		k.idleLoop(ctx, nil)
	})
}

// runTicks drives periodic ticks from the configured time source.
func (k *Kernel) runTicks(ctx context.Context) {
	timer := k.cfg.TimeSource.NewTimer()
	defer timer.Stop()
	for {
		timer.Reset(k.cfg.TickPeriod)
		select {
		case <-timer.Ch():
			timer.MarkRead()
			k.TickAll()
		case <-k.stopper.ShouldQuiesce():
			return
		}
	}
}

// Stop shuts the kernel down. All tasks must have exited or be parked in
// interruptible sleeps; parked tasks are abandoned at their suspension
// point. Stop blocks until every task goroutine has returned.
func (k *Kernel) Stop(ctx context.Context) {
	k.cancel()
	k.stopper.Quiesce(ctx)
	for _, cpu := range k.cpus {
		cpu.kick(VectorResched)
	}
	k.stopper.Stop(ctx)
	log.Infof(k.ctx, "kernel stopped")
}

// Current returns the task executing on the calling goroutine, or nil when
// called from outside any task. Early bring-up code and test harnesses run
// with a nil current task.
func (k *Kernel) Current() *Task {
	gid := goid.Get()
	k.curr.RLock()
	t := k.curr.m[gid]
	k.curr.RUnlock()
	return t
}

func (k *Kernel) bindCurrent(t *Task) {
	gid := goid.Get()
	k.curr.Lock()
	k.curr.m[gid] = t
	k.curr.Unlock()
}

func (k *Kernel) unbindCurrent() {
	gid := goid.Get()
	k.curr.Lock()
	delete(k.curr.m, gid)
	k.curr.Unlock()
}

// LookupTask returns the live task with the given id, or nil.
func (k *Kernel) LookupTask(id int64) *Task {
	k.tasks.RLock()
	t := k.tasks.m[id]
	k.tasks.RUnlock()
	return t
}

// NumTasks returns the number of live (unreaped) tasks.
func (k *Kernel) NumTasks() int {
	return int(k.nrTasks.Load())
}

// Advance moves a manual time source forward and delivers the elapsed ticks
// to every CPU, one tick period at a time. It is the test harness
// equivalent of Burn for goroutines that are not tasks.
func (k *Kernel) Advance(d time.Duration) {
	if k.manual == nil {
		log.Fatalf(k.ctx, "Advance requires a manual time source")
	}
	remaining := d.Nanoseconds()
	step := k.cfg.TickPeriod.Nanoseconds()
	for remaining > 0 {
		n := step
		if n > remaining {
			n = remaining
		}
		remaining -= n
		k.manual.Advance(time.Duration(n))
		k.TickAll()
	}
}
