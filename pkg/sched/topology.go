// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

// CPU topology. CPUs are grouped into cores of CPUsPerCore siblings, with
// the whole package above. Siblings share cache, so placement and
// balancing prefer moves within a core before spilling across the
// package.

type topology struct {
	// cores holds one span per core, in CPU order.
	cores []CPUMask
	// coreOf maps a CPU id to its index in cores.
	coreOf []int
	// all spans the whole package.
	all CPUMask
}

func newTopology(numCPUs, cpusPerCore int) topology {
	topo := topology{
		all:    MaskAll(numCPUs),
		coreOf: make([]int, numCPUs),
	}
	for base := 0; base < numCPUs; base += cpusPerCore {
		var span CPUMask
		for c := base; c < base+cpusPerCore && c < numCPUs; c++ {
			span |= MaskOf(c)
			topo.coreOf[c] = len(topo.cores)
		}
		topo.cores = append(topo.cores, span)
	}
	return topo
}

// idleSibling returns an idle CPU sharing prev's core that mask allows, or
// -1. prev itself wins when idle; it has the warmest cache on offer.
func (k *Kernel) idleSibling(prev int, mask CPUMask) int {
	span := k.topo.cores[k.topo.coreOf[prev]] & mask
	if span.Test(prev) && k.rqs[prev].peek.nrRunning.Load() == 0 {
		return prev
	}
	for c := range k.rqs {
		if c != prev && span.Test(c) && k.rqs[c].peek.nrRunning.Load() == 0 {
			return c
		}
	}
	return -1
}
