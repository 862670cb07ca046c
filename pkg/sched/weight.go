// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

// Nice values map to weights such that each step of one nice level changes
// the CPU share by ~10% relative to its neighbor. Nice 0 is the reference
// weight of 1024 ("one CPU's worth" of load).
const (
	// NiceMin and NiceMax bound the accepted nice range.
	NiceMin = -20
	NiceMax = 19

	// nice0Load is the weight of a nice-0 task and the fixed-point unit of
	// the load tracking machinery.
	nice0Load = 1024

	// idleWeight is the fair weight of PolicyIdle tasks, low enough that
	// they see only scraps of CPU under any competition.
	idleWeight = 3
)

// niceToWeight translates nice levels [-20, 19] to load weights. The table
// is multiplicatively spaced at ~1.25 per step so that one nice level is
// worth about 10% of CPU when two tasks compete.
var niceToWeight = [40]uint64{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	/* -15 */ 29154, 23254, 18705, 14949, 11916,
	/* -10 */ 9548, 7620, 6100, 4904, 3906,
	/*  -5 */ 3121, 2501, 1991, 1586, 1277,
	/*   0 */ 1024, 820, 655, 526, 423,
	/*   5 */ 335, 272, 215, 172, 137,
	/*  10 */ 110, 87, 70, 56, 45,
	/*  15 */ 36, 29, 23, 18, 15,
}

func weightOfNice(nice int) uint64 {
	if nice < NiceMin {
		nice = NiceMin
	} else if nice > NiceMax {
		nice = NiceMax
	}
	return niceToWeight[nice-NiceMin]
}

// fairWeightOf returns the fair-class weight for a policy and nice level.
func fairWeightOf(policy Policy, nice int) uint64 {
	if policy == PolicyIdle {
		return idleWeight
	}
	return weightOfNice(nice)
}

// Priority numbering follows the classic kernel convention: lower numeric
// value means higher priority. Realtime priorities occupy [0, 100) and
// fair-class priorities [100, 140), with nice 0 at 120. Deadline tasks sit
// below everything at -1.
const (
	numRTPrioLevels = 100

	prioDeadline = -1
	prioDefault  = 120 // static priority of a nice-0 task
)

// staticPrioOf returns the static priority for a nice level.
func staticPrioOf(nice int) int {
	return prioDefault + nice
}

// normalPrioOf computes the priority a task would have absent priority
// inheritance, from its policy and static/realtime priority.
func normalPrioOf(policy Policy, staticPrio, rtPriority int) int {
	switch policy {
	case PolicyDeadline:
		return prioDeadline
	case PolicyFIFO, PolicyRR:
		return numRTPrioLevels - 1 - rtPriority
	default:
		return staticPrio
	}
}

// classOfPrio maps an effective priority to a scheduling class. A fair task
// boosted into the realtime range by priority inheritance is dispatched
// through the realtime class until deboosted.
func classOfPrio(prio int, idle bool) classID {
	switch {
	case idle:
		return classIdleID
	case prio < 0:
		return classDeadlineID
	case prio < numRTPrioLevels:
		return classRTID
	default:
		return classFairID
	}
}
