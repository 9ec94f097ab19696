// Package vtime implements per-VCPU time virtualization (spec §2 Time,
// §4.7): a virtual TSC offset and a guest timer list advanced by the exit
// dispatcher on every entry.
//
// Grounded on spec.md §4.7 ("Per-VCPU virtual TSC offset. Guest-visible
// TSC = host_tsc + offset...") and the §9 Open Question on TSC-scaling
// absence, which this package treats as unavailable unless the host
// reports a scaling factor (see SPEC_FULL.md Domain Stack / Open
// Question decisions in DESIGN.md).
package vtime

import (
	"math/bits"
	"sort"
	"sync"
	"sync/atomic"
)

// HostTSC reads the host's raw, unvirtualized TSC (or an equivalent
// monotonic cycle counter on a non-x86 test host). Supplied by the host
// environment; kept as an injected function so this package never embeds
// the RDTSC intrinsic itself (spec §9 Redesign Flag on inline assembly).
type HostTSC func() uint64

// Clock is a per-VCPU virtual time source.
type Clock struct {
	hostTSC HostTSC

	offset        atomic.Int64
	scalingFactor atomic.Uint64 // 0 means "no scaling" (fixed-point 32.32); see SetScalingFactor

	mu     sync.Mutex
	timers []*Timer
	nextID uint64
}

// NewClock creates a Clock with offset zero, reading raw cycles from read.
func NewClock(read HostTSC) *Clock {
	return &Clock{hostTSC: read}
}

// SetScalingFactor records a host-reported TSC-scaling factor (fixed-point
// 32.32, scaled_cycles = raw_cycles * factor >> 32). A zero factor means
// scaling is absent and RDTSC passes host cycles through 1:1 before the
// offset is applied (spec.md §9 Open Question).
func (c *Clock) SetScalingFactor(factor uint64) {
	c.scalingFactor.Store(factor)
}

func (c *Clock) scaledHostCycles() uint64 {
	raw := c.hostTSC()
	factor := c.scalingFactor.Load()
	if factor == 0 {
		return raw
	}
	hi, lo := bits.Mul64(raw, factor)
	return (hi << 32) | (lo >> 32)
}

// RDTSC returns the guest-visible TSC value (spec §4.7 "guest-visible TSC
// = host_tsc + offset").
func (c *Clock) RDTSC() uint64 {
	return c.scaledHostCycles() + uint64(c.offset.Load())
}

// RDTSCP behaves like RDTSC; aux is left to the caller (MSR TSC_AUX),
// which vtime does not own.
func (c *Clock) RDTSCP() uint64 {
	return c.RDTSC()
}

// WriteTSC adjusts the offset so the next RDTSC returns value (spec §4.7
// "Writes to the TSC MSR adjust the offset so that the next read yields
// the value written").
func (c *Clock) WriteTSC(value uint64) {
	c.offset.Store(int64(value - c.scaledHostCycles()))
}

// Timer is a guest-programmable interval or one-shot event (spec §2 Time
// "guest-programmable timers (interval events, one-shots)").
type Timer struct {
	id       uint64
	deadline uint64
	interval uint64 // 0 for one-shot
	fire     func(deadline uint64) (requeueInterval uint64, requeue bool)
	canceled bool
}

// ID identifies the timer for later Cancel calls.
func (t *Timer) ID() uint64 { return t.id }

// AddTimer schedules fire to run when RDTSC first reaches deadline. The
// callback's return value controls requeuing: (interval, true) re-arms the
// timer at the expired deadline plus interval
// (spec §4.7: "the callback may requeue a periodic timer by adding its
// interval to the just-expired deadline").
func (c *Clock) AddTimer(deadline uint64, fire func(deadline uint64) (uint64, bool)) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &Timer{id: c.nextID, deadline: deadline, fire: fire}
	c.timers = append(c.timers, t)
	return t
}

// Cancel removes a pending timer; a no-op if it already fired or was
// already canceled.
func (c *Clock) Cancel(t *Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.canceled = true
}

// Advance is called by the exit dispatcher on every VM entry (spec §4.7
// "advanced by the Exit dispatcher, which computes elapsed guest cycles
// since last entry and fires due timers in chronological order"). It
// fires every timer whose deadline is <= the current guest TSC value, in
// deadline order, allowing each to requeue.
func (c *Clock) Advance() {
	now := c.RDTSC()

	c.mu.Lock()
	due := make([]*Timer, 0, len(c.timers))
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.canceled {
			continue
		}
		if t.deadline <= now {
			due = append(due, t)
			continue
		}
		live = append(live, t)
	}
	c.timers = live
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })

	for _, t := range due {
		interval, requeue := t.fire(t.deadline)
		if !requeue || t.canceled {
			continue
		}
		t.deadline += interval
		c.mu.Lock()
		c.timers = append(c.timers, t)
		c.mu.Unlock()
	}
}

// PendingTimers reports the number of not-yet-fired timers, for tests and
// diagnostics.
func (c *Clock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.canceled {
			n++
		}
	}
	return n
}
