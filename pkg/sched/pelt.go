// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package sched

// Per-entity load tracking. Runtime is carved into 1024µs periods and summed
// as a geometric series with ratio y, where y^32 = 1/2, so contributions
// halve every ~32ms. The series converges to maxLoadAvg, which normalizes
// the averages: a task that is always runnable converges to loadAvg ==
// weight and utilAvg == 1024.

const (
	// peltPeriodShift converts nanoseconds to the 1024µs accounting period
	// in two shifts: ns>>10 gives µs, µs/1024 gives periods.
	peltPeriodShift = 10

	// maxLoadAvg is the limit of sum_{n>=0} 1024*y^n.
	maxLoadAvg = 47742

	// capacityShift scales the unit-less runnable/running contributions so
	// that a fully-utilized entity reads 1024.
	capacityShift = 10

	peltHalfLife = 32 // periods until a contribution halves
)

// decayInv[n] is y^n in 0.32 fixed point, for n in [0, 32).
var decayInv = [peltHalfLife]uint64{
	0xffffffff, 0xfa83b2da, 0xf5257d14, 0xefe4b99a,
	0xeac0c6e7, 0xe5b906e6, 0xe0ccdeeb, 0xdbfbb796,
	0xd744fcc9, 0xd2a81d91, 0xce248c14, 0xc9b9bd85,
	0xc5672a10, 0xc12c4cc9, 0xbd08a39e, 0xb8fbaf46,
	0xb504f333, 0xb123f581, 0xad583ee9, 0xa9a15ab4,
	0xa5fed6a9, 0xa2704302, 0x9ef5325f, 0x9b8d39b9,
	0x9837f050, 0x94f4efa8, 0x91c3d373, 0x8ea4398a,
	0x8b95c1e3, 0x8898067c, 0x85aac367, 0x82cd8698,
}

// decayLoad computes val * y^n. Halvings are applied as shifts; the partial
// period uses the fixed-point table.
func decayLoad(val uint64, n uint64) uint64 {
	if n > 63*peltHalfLife {
		return 0
	}
	if n >= peltHalfLife {
		val >>= n / peltHalfLife
		n %= peltHalfLife
	}
	return (val * decayInv[n]) >> 32
}

// schedAvg is the decayed load/runnable/utilization state of an entity or
// runqueue, protected by the owning runqueue lock.
type schedAvg struct {
	lastUpdate    int64 // runqueue clock at last accumulation, ns
	periodContrib uint32

	loadSum     uint64
	runnableSum uint64
	utilSum     uint64

	loadAvg     uint64
	runnableAvg uint64
	utilAvg     uint64
}

// accumulateSegments sums the contribution of a delta that crosses period
// boundaries: the decayed remainder of the period the window opened in, the
// full periods in between (a closed-form tail difference), and the fresh
// partial period.
func accumulateSegments(periods uint64, d1, d3 uint64) uint64 {
	c1 := decayLoad(d1, periods)
	// Sum of 1024*y^p for p in [1, periods-1], via the difference of the
	// full series against its decayed self.
	c2 := maxLoadAvg - decayLoad(maxLoadAvg, periods) - 1024
	return c1 + c2 + d3
}

// accumulate folds delta (µs) into the sums. It returns true when at least
// one period boundary was crossed, meaning the averages should be
// recomputed.
func (sa *schedAvg) accumulate(delta uint64, load uint64, runnable, running bool) bool {
	contrib := delta

	delta += uint64(sa.periodContrib)
	periods := delta / 1024
	if periods > 0 {
		sa.loadSum = decayLoad(sa.loadSum, periods)
		sa.runnableSum = decayLoad(sa.runnableSum, periods)
		sa.utilSum = decayLoad(sa.utilSum, periods)

		delta %= 1024
		if load != 0 {
			contrib = accumulateSegments(periods, 1024-uint64(sa.periodContrib), delta)
		}
	}
	sa.periodContrib = uint32(delta)

	if load != 0 {
		sa.loadSum += load * contrib
	}
	if runnable {
		sa.runnableSum += contrib << capacityShift
	}
	if running {
		sa.utilSum += contrib << capacityShift
	}
	return periods > 0
}

// update advances the averages to now. load is the weight contributed while
// runnable (zero when not on a runqueue), runnable/running describe the
// entity's state over the elapsed window. Returns whether the averages
// changed.
func (sa *schedAvg) update(now int64, load uint64, runnable, running bool) bool {
	delta := now - sa.lastUpdate
	if delta < 0 {
		// Clock moved backwards across a migration rebase; restart the
		// window.
		sa.lastUpdate = now
		return false
	}
	delta >>= peltPeriodShift
	if delta == 0 {
		return false
	}
	sa.lastUpdate += delta << peltPeriodShift

	if !sa.accumulate(uint64(delta), load, runnable, running) {
		return false
	}

	// The divider is the series limit adjusted for the open period, so a
	// saturated entity reads exactly its weight.
	divider := uint64(maxLoadAvg - 1024 + uint64(sa.periodContrib))
	sa.loadAvg = sa.loadSum / divider
	sa.runnableAvg = sa.runnableSum / divider
	sa.utilAvg = sa.utilSum / divider
	return true
}
