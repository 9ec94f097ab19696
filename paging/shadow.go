package paging

import (
	"fmt"
	"sync"

	"github.com/v3vee-go/vmmcore/mmap"
)

// ShadowEntry is a single cached translation the shadow strategy has
// installed, keyed by the guest linear address it covers.
type ShadowEntry struct {
	LinearStart, LinearEnd uint64
	HostPhys               uint64
	Writable, Executable   bool
}

// Shadow implements spec §4.3's shadow-paging strategy: the VMM mirrors
// the guest's own page-table walks into a host-visible shadow table.
//
// Grounded on Palacios' vmm_shadow_paging.h v3_shdw_pg_impl operation set
// (handle_pagefault, handle_invlpg, activate_shdw_pt, invalidate_shdw_pt).
type Shadow struct {
	mem   *mmap.Map
	walk  GuestTranslate
	hooks *Hooks

	mu       sync.Mutex
	guestCR3 uint64
	active   bool
	entries  map[uint64]*ShadowEntry // keyed by page-aligned linear address
}

// NewShadow creates a shadow-paging strategy sharing mem, resolving guest
// linear addresses via walk.
func NewShadow(mem *mmap.Map, walk GuestTranslate, hooks *Hooks) *Shadow {
	return &Shadow{mem: mem, walk: walk, hooks: hooks, entries: make(map[uint64]*ShadowEntry)}
}

const pageSize = 4096

func pageAlign(addr uint64) uint64 { return addr &^ (pageSize - 1) }

// Activate installs guestCR3 as active and drops the prior shadow table
// (spec §4.3 "On CR3 reload: invalidate the active shadow table"; spec §3
// invariant "guest-CR3 and shadow-CR3 are always either both active or
// both uninitialized").
func (s *Shadow) Activate(guestCR3 uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.guestCR3 = guestCR3
	s.active = true
	s.entries = make(map[uint64]*ShadowEntry)

	s.hooks.onActivate(guestCR3)
	return nil
}

// Deactivate clears both halves of the guest-CR3/shadow-CR3 pair,
// restoring the uninitialized state.
func (s *Shadow) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guestCR3 = 0
	s.active = false
	s.entries = make(map[uint64]*ShadowEntry)
}

// HandleFault implements the shadow #PF handler of spec §4.3: classify,
// walk the guest's tables, install or update a shadow entry, or inject
// #PF back into the guest.
func (s *Shadow) HandleFault(fault Fault) Result {
	s.hooks.preFault(fault)
	result := s.handleFault(fault)
	s.hooks.postFault(fault, result)
	return result
}

func (s *Shadow) handleFault(fault Fault) Result {
	gpa, writable, userAccessible, executable, err := s.walk(fault.Addr)
	if err != nil {
		// The guest's own tables reject this access: it would fault for
		// the guest too, so inject #PF with the original address/class.
		return Result{Action: ActionInjectPageFault, ErrorCode: pageFaultErrorCode(fault), Addr: fault.Addr}
	}

	if fault.Write && !writable {
		return Result{Action: ActionInjectPageFault, ErrorCode: pageFaultErrorCode(fault), Addr: fault.Addr}
	}
	if fault.User && !userAccessible {
		return Result{Action: ActionInjectPageFault, ErrorCode: pageFaultErrorCode(fault), Addr: fault.Addr}
	}
	if fault.Execute && !executable {
		return Result{Action: ActionInjectPageFault, ErrorCode: pageFaultErrorCode(fault), Addr: fault.Addr}
	}

	hpa, status, err := s.mem.TranslateGPAToHPA(gpa)
	if err != nil {
		return Result{Action: ActionFail, Err: err}
	}

	switch status {
	case mmap.TranslateUnmapped, mmap.TranslateHooked:
		// Not backed by RAM the VMM owns directly; the guest's own
		// mapping is otherwise valid, so this is a VMM-level condition,
		// not a guest fault.
		return Result{Action: ActionFail, Err: fmt.Errorf("paging: shadow fault at gpa 0x%x has no host backing (status %d)", gpa, status)}
	case mmap.TranslateNeedsAlloc:
		region, _ := s.mem.Lookup(gpa)
		if region == nil || region.UnhandledFault == nil {
			return Result{Action: ActionFail, Err: fmt.Errorf("paging: no on-demand allocator for gpa 0x%x", gpa)}
		}
		resume, err := region.UnhandledFault(gpa, region.Opaque)
		if err != nil {
			return Result{Action: ActionFail, Err: err}
		}
		if !resume {
			return Result{Action: ActionFail, Err: fmt.Errorf("paging: on-demand allocation declined for gpa 0x%x", gpa)}
		}
		hpa, status, err = s.mem.TranslateGPAToHPA(gpa)
		if err != nil || status != mmap.TranslateMapped {
			return Result{Action: ActionFail, Err: fmt.Errorf("paging: allocation did not resolve gpa 0x%x", gpa)}
		}
	}

	region, _ := s.mem.Lookup(gpa)
	regionWritable, regionExecutable := regionPerms(region)

	s.installEntry(fault.Addr, hpa, writable && regionWritable, executable && regionExecutable)
	return Result{Action: ActionResume}
}

func pageFaultErrorCode(f Fault) uint32 {
	var code uint32
	if f.Class != FaultNotPresent {
		code |= 1 << 0
	}
	if f.Write {
		code |= 1 << 1
	}
	if f.User {
		code |= 1 << 2
	}
	if f.Class == FaultReservedBit {
		code |= 1 << 3
	}
	if f.Execute {
		code |= 1 << 4
	}
	return code
}

func (s *Shadow) installEntry(linear, hpa uint64, writable, executable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := pageAlign(linear)
	s.entries[base] = &ShadowEntry{
		LinearStart: base,
		LinearEnd:   base + pageSize,
		HostPhys:    pageAlign(hpa),
		Writable:    writable,
		Executable:  executable,
	}
}

// InvalidateRange drops shadow entries overlapping [start, end) (spec
// §4.3 "On INVLPG: invalidate the one shadow entry"; generalized here to
// a range for bulk invalidation).
func (s *Shadow) InvalidateRange(start, end uint64) (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	affStart, affEnd := start, end
	for base, e := range s.entries {
		if e.LinearStart < end && start < e.LinearEnd {
			delete(s.entries, base)
			if e.LinearStart < affStart {
				affStart = e.LinearStart
			}
			if e.LinearEnd > affEnd {
				affEnd = e.LinearEnd
			}
		}
	}
	s.hooks.onInvalidate(affStart, affEnd)
	return affStart, affEnd
}

// Lookup returns the shadow entry covering linear, if any (test/debug use).
func (s *Shadow) Lookup(linear uint64) (*ShadowEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[pageAlign(linear)]
	return e, ok
}

// Len reports the number of cached shadow entries.
func (s *Shadow) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
