package paging

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// AllocGate bounds the number of concurrent on-demand page-in host
// allocations in flight across all VCPUs, so a burst of simultaneous
// first-touch faults cannot drive unbounded concurrent host allocator
// calls (spec §4.8 "Host allocation failure during an on-demand page-in:
// surface as a FAIL exit and halt the VM" assumes the allocator itself is
// not overwhelmed before it can even report failure).
type AllocGate struct {
	sem *semaphore.Weighted
}

// NewAllocGate creates a gate admitting up to maxInFlight concurrent
// allocations.
func NewAllocGate(maxInFlight int64) *AllocGate {
	return &AllocGate{sem: semaphore.NewWeighted(maxInFlight)}
}

// Guard wraps an UnhandledFaultFunc-shaped allocator so it runs only while
// holding a gate slot, blocking the calling VCPU (not the VM) if the gate
// is full.
func (g *AllocGate) Guard(ctx context.Context, alloc func() (bool, error)) (bool, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer g.sem.Release(1)
	return alloc()
}
