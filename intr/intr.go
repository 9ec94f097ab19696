// Package intr implements the interrupt core (spec §2 Intr, §4.4):
// per-VCPU pending-interrupt state, virtual IRQ raise/lower, and routing
// to registered controllers (e.g. a PIC or APIC model).
//
// Grounded on Palacios' vmm_intr.h: v3_intr_core_state (irq_pending,
// irq_started, irq_vector, swintr_posted/vector, virq_map, controller_list)
// and v3_intr_routers/intr_router_ops (VM-wide raise_irq routing) plus
// intr_ctrl_ops (per-core controller consultation: intr_pending,
// get_intr_number, begin_irq).
package intr

import (
	"fmt"
	"sync"
)

// Kind is the category of a pending interrupt/exception, in priority
// order: exception > NMI > maskable external > virtual > software (spec
// §4.4 pending()).
type Kind int

const (
	KindNone Kind = iota
	KindException
	KindNMI
	KindMaskable
	KindVirtual
	KindSoftware
)

func (k Kind) String() string {
	switch k {
	case KindException:
		return "exception"
	case KindNMI:
		return "nmi"
	case KindMaskable:
		return "maskable"
	case KindVirtual:
		return "virtual"
	case KindSoftware:
		return "software"
	default:
		return "none"
	}
}

// DoubleFaultVector and ErrTripleFault are the x86 escalation vectors/signal
// for colliding exception injection (spec §3 invariant, §4.1 "double-
// injection conflict").
const DoubleFaultVector uint8 = 8

// ErrTripleFault is returned by RaiseException when an exception collides
// with an already-pending double fault; the caller must shut the VM down.
var ErrTripleFault = fmt.Errorf("intr: triple fault")

const maxIRQ = 256

// Controller is a per-core interrupt source consulted by Core.Pending for
// the "maskable external" class, e.g. a PIC or (v)APIC model attached to
// this VCPU.
type Controller interface {
	// Pending reports whether this controller currently has a deliverable
	// IRQ for this core.
	Pending() bool
	// Vector returns the vector to inject for the currently pending IRQ.
	Vector() uint8
	// Begin is called once the vector has been injected, moving the
	// source to in-service (EOI semantics are controller-specific).
	Begin(vector uint8)
}

// Core is the per-VCPU pending-interrupt state.
type Core struct {
	mu sync.Mutex

	exceptionPending bool
	exceptionVector  uint8
	exceptionHasErr  bool
	exceptionCode    uint32
	doubleFaulted    bool

	nmiPending bool

	swPending bool
	swVector  uint8

	virqMap [maxIRQ / 8]uint8

	controllers []Controller
}

// NewCore creates an empty per-VCPU interrupt state.
func NewCore() *Core {
	return &Core{}
}

// RegisterController adds ctrl to the list consulted for maskable external
// interrupts. Controllers are consulted in registration order; the first
// to claim an IRQ delivers it (spec §4.4).
func (c *Core) RegisterController(ctrl Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controllers = append(c.controllers, ctrl)
}

// RaiseException raises vector as a hardware exception. If an exception is
// already pending, this is a double-injection conflict (spec §3, §4.1):
// escalate to double fault; if a double fault is already pending,
// escalate to ErrTripleFault (the caller must shut the VM down).
func (c *Core) RaiseException(vector uint8, hasErrorCode bool, errorCode uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.exceptionPending {
		c.exceptionPending = true
		c.exceptionVector = vector
		c.exceptionHasErr = hasErrorCode
		c.exceptionCode = errorCode
		return nil
	}

	if c.doubleFaulted {
		return ErrTripleFault
	}

	c.doubleFaulted = true
	c.exceptionPending = true
	c.exceptionVector = DoubleFaultVector
	c.exceptionHasErr = true
	c.exceptionCode = 0
	return nil
}

// RaiseNMI marks a pending non-maskable interrupt.
func (c *Core) RaiseNMI() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nmiPending = true
}

// RaiseVirq marks irq pending directly on this VCPU, bypassing routers
// (spec §4.4 raise_virq).
func (c *Core) RaiseVirq(irq int) error {
	if irq < 0 || irq >= maxIRQ {
		return fmt.Errorf("intr: virq %d out of range", irq)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.virqMap[irq/8] |= 1 << uint(irq%8)
	return nil
}

// LowerVirq clears a pending virtual IRQ without delivering it.
func (c *Core) LowerVirq(irq int) error {
	if irq < 0 || irq >= maxIRQ {
		return fmt.Errorf("intr: virq %d out of range", irq)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.virqMap[irq/8] &^= 1 << uint(irq%8)
	return nil
}

func (c *Core) firstPendingVirqLocked() (int, bool) {
	for irq := 0; irq < maxIRQ; irq++ {
		if c.virqMap[irq/8]&(1<<uint(irq%8)) != 0 {
			return irq, true
		}
	}
	return 0, false
}

// RaiseSoftwareIntr posts a software-delivered interrupt (from INT n
// emulation); it has lower priority than hardware sources (spec §4.4).
func (c *Core) RaiseSoftwareIntr(vector uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swPending = true
	c.swVector = vector
}

// Pending returns the highest-priority pending interrupt/exception without
// consuming it. ifSet and movSSBlocking gate maskable external delivery
// (spec §4.4: "only if EFLAGS.IF and not blocked by MOV SS/STI shadow").
func (c *Core) Pending(ifSet, movSSBlocking bool) (kind Kind, vector uint8, hasErr bool, code uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked(ifSet, movSSBlocking)
}

func (c *Core) pendingLocked(ifSet, movSSBlocking bool) (Kind, uint8, bool, uint32) {
	if c.exceptionPending {
		return KindException, c.exceptionVector, c.exceptionHasErr, c.exceptionCode
	}
	if c.nmiPending {
		return KindNMI, 0, false, 0
	}
	if ifSet && !movSSBlocking {
		for _, ctrl := range c.controllers {
			if ctrl.Pending() {
				return KindMaskable, ctrl.Vector(), false, 0
			}
		}
	}
	if irq, ok := c.firstPendingVirqLocked(); ok {
		return KindVirtual, uint8(irq), false, 0
	}
	if c.swPending {
		return KindSoftware, c.swVector, false, 0
	}
	return KindNone, 0, false, 0
}

// GetIntr returns the highest-priority pending interrupt and advances its
// state to in-service (for maskable external, via the claiming
// controller's Begin). Must be paired with Injecting once the guest has
// actually been handed the vector (spec §4.4).
func (c *Core) GetIntr(ifSet, movSSBlocking bool) (kind Kind, vector uint8, hasErr bool, code uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind, vector, hasErr, code = c.pendingLocked(ifSet, movSSBlocking)
	if kind == KindNone {
		return KindNone, 0, false, 0, false
	}

	if kind == KindMaskable {
		for _, ctrl := range c.controllers {
			if ctrl.Pending() && ctrl.Vector() == vector {
				ctrl.Begin(vector)
				break
			}
		}
	}

	return kind, vector, hasErr, code, true
}

// Injecting clears the pending state for kind/vector once the dispatcher
// has committed to injecting it into the guest (spec §4.4).
func (c *Core) Injecting(kind Kind, vector uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch kind {
	case KindException:
		c.exceptionPending = false
		c.doubleFaulted = false
	case KindNMI:
		c.nmiPending = false
	case KindVirtual:
		c.virqMap[vector/8] &^= 1 << uint(vector%8)
	case KindSoftware:
		c.swPending = false
	case KindMaskable:
		// Controller-owned in-service state; nothing to clear here.
	}
}

// HasPendingException reports whether an exception is currently latched.
func (c *Core) HasPendingException() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exceptionPending
}
