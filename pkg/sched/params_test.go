// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

import (
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/datadriven"
	"github.com/cockroachdb/vkernel/pkg/util/leaktest"
	"github.com/cockroachdb/vkernel/pkg/util/timeutil"
	"github.com/stretchr/testify/require"
)

// TestSchedParams exercises the weight, priority, and period arithmetic
// against golden values.
func TestSchedParams(t *testing.T) {
	t.Cleanup(leaktest.AfterTest(t))

	k, err := New(Config{NumCPUs: 1, TimeSource: timeutil.NewManualTime(time.Unix(0, 0))})
	require.NoError(t, err)

	datadriven.RunTest(t, "testdata/params", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "weight":
			var nice int
			d.ScanArgs(t, "nice", &nice)
			return fmt.Sprintf("%d", weightOfNice(nice))

		case "prio":
			var policyName string
			d.ScanArgs(t, "policy", &policyName)
			var policy Policy
			switch policyName {
			case "normal":
				policy = PolicyNormal
			case "batch":
				policy = PolicyBatch
			case "idle":
				policy = PolicyIdle
			case "fifo":
				policy = PolicyFIFO
			case "rr":
				policy = PolicyRR
			case "deadline":
				policy = PolicyDeadline
			default:
				d.Fatalf(t, "unknown policy %q", policyName)
			}
			nice, rt := 0, 0
			if d.HasArg("nice") {
				d.ScanArgs(t, "nice", &nice)
			}
			if d.HasArg("rt") {
				d.ScanArgs(t, "rt", &rt)
			}
			prio := normalPrioOf(policy, staticPrioOf(nice), rt)
			return fmt.Sprintf("prio=%d class=%s", prio, classOfPrio(prio, false))

		case "period":
			var nr int
			d.ScanArgs(t, "nr", &nr)
			return time.Duration(k.schedPeriod(nr)).String()

		case "vdelta":
			var ms int
			var weight int
			d.ScanArgs(t, "ms", &ms)
			d.ScanArgs(t, "weight", &weight)
			delta := time.Duration(ms) * time.Millisecond
			return time.Duration(calcDeltaFair(delta.Nanoseconds(), uint64(weight))).String()

		default:
			d.Fatalf(t, "unknown command %q", d.Cmd)
			return ""
		}
	})
}
