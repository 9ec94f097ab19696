package intr

import "sync"

// Router claims a VM-wide virtual hardware interrupt line, e.g. a PIC
// model that owns IRQ lines 0-15. Grounded on Palacios' v3_intr_routers /
// intr_router_ops (raise_intr/lower_intr), which is distinct from the
// per-core Controller list: routers decide which device model owns an
// IRQ line; controllers decide what a given VCPU injects.
type Router interface {
	// Raise reports whether it claimed irq and records it as pending on
	// whichever core(s) it routes to.
	Raise(irq int) bool
	// Lower clears irq if this router owns it.
	Lower(irq int) bool
}

// Routers is the VM-wide list of registered interrupt routers, consulted
// in order by RaiseIRQ; the first to claim an IRQ delivers it (spec §4.4
// raise_irq).
type Routers struct {
	mu   sync.RWMutex
	list []Router
}

// NewRouters creates an empty router list.
func NewRouters() *Routers {
	return &Routers{}
}

// Register adds r to the end of the consultation order.
func (rs *Routers) Register(r Router) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.list = append(rs.list, r)
}

// RaiseIRQ routes irq to the virtual hardware line of whichever registered
// router has hooked it, returning false if no router claims it.
func (rs *Routers) RaiseIRQ(irq int) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, r := range rs.list {
		if r.Raise(irq) {
			return true
		}
	}
	return false
}

// LowerIRQ clears irq on whichever registered router owns it.
func (rs *Routers) LowerIRQ(irq int) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for _, r := range rs.list {
		if r.Lower(irq) {
			return true
		}
	}
	return false
}

// Len reports the number of registered routers.
func (rs *Routers) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.list)
}
