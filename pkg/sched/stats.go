// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/vkernel/pkg/util/log"
	"github.com/dustin/go-humanize"
)

// CPUStats is a snapshot of one CPU's scheduling counters.
type CPUStats struct {
	CPU         int
	NrRunning   int
	FairLoad    uint64
	UtilAvg     uint64
	Switches    uint64
	Migrations  uint64
	Ticks       uint64
	BalanceRuns uint64
	IPIs        uint64
}

func (s CPUStats) String() string {
	return fmt.Sprintf("cpu%d: running=%d load=%s util=%d switches=%s migrations=%s ticks=%s balance=%s ipis=%s",
		s.CPU, s.NrRunning,
		humanize.Comma(int64(s.FairLoad)),
		s.UtilAvg,
		humanize.Comma(int64(s.Switches)),
		humanize.Comma(int64(s.Migrations)),
		humanize.Comma(int64(s.Ticks)),
		humanize.Comma(int64(s.BalanceRuns)),
		humanize.Comma(int64(s.IPIs)),
	)
}

// CPUStatsAt snapshots the counters of one CPU.
func (k *Kernel) CPUStatsAt(cpu int) CPUStats {
	rq := k.rqs[cpu]
	rq.mu.Lock()
	s := CPUStats{
		CPU:         cpu,
		NrRunning:   rq.nrRunning,
		FairLoad:    rq.cfs.load,
		UtilAvg:     rq.cfs.avg.utilAvg,
		Switches:    rq.stats.switches,
		Migrations:  rq.stats.migrations,
		Ticks:       rq.stats.ticks,
		BalanceRuns: rq.stats.balanceRuns,
	}
	rq.mu.Unlock()
	s.IPIs = k.cpus[cpu].ipis.Load()
	return s
}

// Stats snapshots every CPU.
func (k *Kernel) Stats() []CPUStats {
	out := make([]CPUStats, len(k.cpus))
	for i := range k.cpus {
		out[i] = k.CPUStatsAt(i)
	}
	return out
}

// LogStats logs a one-line-per-CPU summary of scheduling activity.
func (k *Kernel) LogStats(ctx context.Context) {
	var sb strings.Builder
	for i, s := range k.Stats() {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(s.String())
	}
	log.Infof(ctx, "scheduler stats: %s", sb.String())
}
