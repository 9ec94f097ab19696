// Package paging implements the two-level virtual memory strategies of
// spec §4.3: SHADOW and NESTED (EPT-style), sharing a common mmap.Map and
// a common fault-handling contract.
//
// Grounded on the teacher's hypervisor/paging.go (PTE/PDE flag layout and
// 4 MiB/4 KiB entry builders, kept and extended here) and Palacios'
// vmm_shadow_paging.h (v3_shdw_pg_impl: handle_pagefault, handle_invlpg,
// activate_shdw_pt) and vmx_ept.h (PML4/PDPE/PDE/PTE bit layout for the
// nested strategy).
package paging

import "github.com/v3vee-go/vmmcore/mmap"

// Common Page Table / Page Directory Entry flags, 32-bit legacy paging
// (kept from the teacher verbatim; reused by both strategies' 4 KiB/4 MiB
// leaf builders).
const (
	PTEPresent      uint32 = 1 << 0
	PTEReadWrite    uint32 = 1 << 1
	PTEUserSuper    uint32 = 1 << 2
	PTEWriteThrough uint32 = 1 << 3
	PTECacheDisable uint32 = 1 << 4
	PTEAccessed     uint32 = 1 << 5
	PTEDirty        uint32 = 1 << 6
	PDEPageSize     uint32 = 1 << 7
	PTEGlobal       uint32 = 1 << 8
)

// NewPDE4MB builds a PDE mapping a 4 MiB page at physAddr (teacher
// hypervisor/paging.go, identity-map use at boot).
func NewPDE4MB(physAddr uint32, flags uint32) uint32 {
	return (physAddr & 0xFFC00000) | (flags & 0x000001FF) | PDEPageSize
}

// NewPDEtoPT builds a PDE pointing at a 4 KiB-aligned page table.
func NewPDEtoPT(ptPhysAddr uint32, flags uint32) uint32 {
	return (ptPhysAddr & 0xFFFFF000) | (flags & 0x00000FFF)
}

// NewPTE builds a PTE mapping a 4 KiB page frame.
func NewPTE(pagePhysAddr uint32, flags uint32) uint32 {
	return (pagePhysAddr & 0xFFFFF000) | (flags & 0x00000FFF)
}

// FaultClass is the classification step of spec §4.3 shadow-paging fault
// handling ("classifies the fault: not-present, write-protection,
// user/supervisor, reserved-bit, instruction-fetch").
type FaultClass int

const (
	FaultNotPresent FaultClass = iota
	FaultWriteProtect
	FaultUserSupervisor
	FaultReservedBit
	FaultInstructionFetch
)

func (f FaultClass) String() string {
	switch f {
	case FaultWriteProtect:
		return "write-protect"
	case FaultUserSupervisor:
		return "user-supervisor"
	case FaultReservedBit:
		return "reserved-bit"
	case FaultInstructionFetch:
		return "instruction-fetch"
	default:
		return "not-present"
	}
}

// Fault describes a page fault or NP-violation handed to a Strategy.
type Fault struct {
	Addr    uint64 // faulting linear (shadow) or guest-physical (nested) address
	Class   FaultClass
	Write   bool
	User    bool
	Execute bool
}

// Action is the dispatcher-facing outcome of handling a Fault, mirroring
// the Exit state machine's RESUME/INJECT/FAIL terminal states (spec §4.1).
type Action int

const (
	ActionResume Action = iota
	ActionInjectPageFault
	ActionFail
)

// Result carries the outcome plus, for ActionInjectPageFault, the
// architectural error code to hand back to the guest.
type Result struct {
	Action    Action
	ErrorCode uint32
	Addr      uint64
	Err       error // set when Action == ActionFail
}

// GuestTranslate walks the guest's own page tables (rooted at the guest's
// current CR3) to resolve a guest linear address, used only by the
// shadow strategy — nested paging never walks guest tables itself. Returns
// the permissions the guest's own tables grant.
type GuestTranslate func(gva uint64) (gpa uint64, writable, userAccessible, executable bool, err error)

// Strategy is the shared contract of spec §4.3: "two interchangeable
// implementations behind a common contract."
type Strategy interface {
	// HandleFault resolves fault (a #PF for shadow, an NP-violation for
	// nested) against the shared Mmap and decides RESUME/INJECT/FAIL.
	HandleFault(fault Fault) Result
	// InvalidateRange drops cached translations overlapping [start, end)
	// and returns the actual affected range, which may be larger because
	// leaves can span multiple pages (spec §4.3 shared contract).
	InvalidateRange(start, end uint64) (affectedStart, affectedEnd uint64)
	// Activate installs guestCR3 (shadow) or is a no-op acknowledgement
	// (nested, which has no shadow table to swap).
	Activate(guestCR3 uint64) error
}

// Hooks are optional structure-mutating callbacks a Strategy may invoke;
// callers must hold the VM barrier while running them (spec §4.3 "run
// under the barrier when they mutate structure").
type Hooks struct {
	PreFault     func(fault Fault)
	PostFault    func(fault Fault, result Result)
	OnActivate   func(cr3 uint64)
	OnInvalidate func(start, end uint64)
}

func (h *Hooks) preFault(f Fault) {
	if h != nil && h.PreFault != nil {
		h.PreFault(f)
	}
}

func (h *Hooks) postFault(f Fault, r Result) {
	if h != nil && h.PostFault != nil {
		h.PostFault(f, r)
	}
}

func (h *Hooks) onActivate(cr3 uint64) {
	if h != nil && h.OnActivate != nil {
		h.OnActivate(cr3)
	}
}

func (h *Hooks) onInvalidate(start, end uint64) {
	if h != nil && h.OnInvalidate != nil {
		h.OnInvalidate(start, end)
	}
}

var (
	_ Strategy = (*Shadow)(nil)
	_ Strategy = (*Nested)(nil)
)

// regionPerms derives the writable/executable decisions from an
// mmap.Region's flags, shared by both strategies when building a leaf.
func regionPerms(r *mmap.Region) (writable, executable bool) {
	return r.Flags&mmap.FlagWritable != 0 && r.Flags&mmap.FlagCOW == 0,
		r.Flags&mmap.FlagExecutable != 0
}
