// Package barrier implements the VM-wide quiescence protocol of spec §5:
// any path that mutates state shared across every VCPU's exit dispatcher
// (Mmap, IOmap, MSRmap, Hcalls) must raise_barrier, wait_at_barrier until
// every running VCPU has parked at its next safe point, perform the
// mutation, then lower_barrier to release them. Mmap/IOmap/MSRmap/Hcalls
// stay free of their own coarse locking on the hot lookup path because
// the barrier is what keeps a mutation from ever running concurrently
// with a lookup.
//
// Grounded on the teacher's vcpusRunning channel (core_engine/virtual_
// machine.go's VirtualMachine.Run), generalized from "wait for every
// VCPU to exit for good" into "wait for every VCPU to reach a safe
// point, let one mutator in, then release them." No example repo in the
// pack ships a reusable barrier/quiescence primitive (golang.org/x/sync
// offers errgroup and a semaphore, neither of which is a barrier), so
// this is built directly on sync.Cond.
package barrier

import "sync"

// Gate is the raise/wait/lower quiescence gate. The zero value is not
// usable; construct with NewGate.
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	n      int // participating VCPUs
	raised bool
	parked int
}

// NewGate creates a Gate expecting participants VCPUs to call WaitAt.
// Pass 0 when VCPUs join dynamically via Join as their run loops start
// (so mutations performed before any VCPU is running never block).
func NewGate(participants int) *Gate {
	g := &Gate{n: participants}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Join adds one participant, for a VCPU whose run loop is starting.
func (g *Gate) Join() {
	g.mu.Lock()
	g.n++
	g.cond.Broadcast()
	g.mu.Unlock()
}

// WaitAt is called by a VCPU at its safe point — after handling one exit,
// before entering the guest for the next. If the barrier is not raised
// it returns immediately; otherwise it parks and announces itself
// quiesced, then blocks until Lower.
func (g *Gate) WaitAt() {
	g.mu.Lock()
	if !g.raised {
		g.mu.Unlock()
		return
	}
	g.parked++
	g.cond.Broadcast()
	for g.raised {
		g.cond.Wait()
	}
	g.parked--
	g.mu.Unlock()
}

// Leave permanently drops one participant, for a VCPU whose run loop has
// exited for good — otherwise a later RaiseAndWait would block forever
// waiting on a VCPU that will never call WaitAt again.
func (g *Gate) Leave() {
	g.mu.Lock()
	if g.n > 0 {
		g.n--
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

// RaiseAndWait implements raise_barrier followed by wait_at_barrier from
// the mutator's side: it raises the barrier, blocks until every
// remaining participant is parked in WaitAt, and returns a release func
// (lower_barrier) the caller must invoke — typically deferred —
// once its mutation of the shared structure is complete.
func (g *Gate) RaiseAndWait() func() {
	g.mu.Lock()
	g.raised = true
	for g.parked < g.n {
		g.cond.Wait()
	}
	g.mu.Unlock()
	return g.lower
}

func (g *Gate) lower() {
	g.mu.Lock()
	g.raised = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Parked reports how many participants are currently parked at the
// barrier, for tests asserting the quiescence invariant.
func (g *Gate) Parked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.parked
}

// Participants reports how many VCPUs the gate currently expects to park.
func (g *Gate) Participants() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
