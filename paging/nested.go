package paging

import (
	"fmt"
	"sync"

	"github.com/v3vee-go/vmmcore/mmap"
)

// NestedEntry is a single cached gpa->hpa leaf the nested strategy has
// installed, at whichever granularity it chose (4 KiB/2 MiB/1 GiB,
// tracked only by span here since Go has no MMU to program directly).
type NestedEntry struct {
	GPAStart, GPAEnd     uint64
	HostPhys             uint64
	Writable, Executable bool
}

// Nested implements spec §4.3's nested-paging/EPT strategy: a single
// host-managed second-level table maps gpa->hpa directly; the guest
// manages its own page tables unobserved by the host.
//
// Grounded on Palacios' vmx_ept.h (PML4/PDPE/PDE/PTE bit layout) —
// represented here as a flat leaf cache since the VT-x EPT walker itself
// is a hardware table-walk hook this package does not own.
type Nested struct {
	mem   *mmap.Map
	hooks *Hooks

	mu      sync.Mutex
	entries map[uint64]*NestedEntry // keyed by page-aligned gpa
}

// NewNested creates a nested-paging strategy sharing mem.
func NewNested(mem *mmap.Map, hooks *Hooks) *Nested {
	return &Nested{mem: mem, hooks: hooks, entries: make(map[uint64]*NestedEntry)}
}

// Activate is a no-op acknowledgement: nested paging has no shadow table
// to swap on CR3 reload, since the guest's CR3 only roots its own
// unobserved page tables.
func (n *Nested) Activate(guestCR3 uint64) error {
	n.hooks.onActivate(guestCR3)
	return nil
}

// HandleFault implements the NP-violation handler of spec §4.3: resolve
// the region via Mmap; if present, allocate or set the leaf; if absent,
// call the region's unhandled-fault callback.
func (n *Nested) HandleFault(fault Fault) Result {
	n.hooks.preFault(fault)
	result := n.handleFault(fault)
	n.hooks.postFault(fault, result)
	return result
}

func (n *Nested) handleFault(fault Fault) Result {
	gpa := fault.Addr

	hpa, status, err := n.mem.TranslateGPAToHPA(gpa)
	if err != nil {
		return Result{Action: ActionFail, Err: err}
	}

	region, _ := n.mem.Lookup(gpa)

	switch status {
	case mmap.TranslateUnmapped:
		return Result{Action: ActionFail, Err: fmt.Errorf("paging: NP-violation at unmapped gpa 0x%x", gpa)}
	case mmap.TranslateHooked:
		if region == nil {
			return Result{Action: ActionFail, Err: fmt.Errorf("paging: hooked region vanished at gpa 0x%x", gpa)}
		}
		return n.dispatchHookedAccess(fault, region)
	case mmap.TranslateNeedsAlloc:
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
		hpa, status, err = n.mem.TranslateGPAToHPA(gpa)
		if err != nil || status != mmap.TranslateMapped {
			return Result{Action: ActionFail, Err: fmt.Errorf("paging: allocation did not resolve gpa 0x%x", gpa)}
		}
		region, _ = n.mem.Lookup(gpa)
	}

	writable, executable := regionPerms(region)
	n.installLeaf(gpa, hpa, writable, executable)
	return Result{Action: ActionResume}
}

func (n *Nested) dispatchHookedAccess(fault Fault, region *mmap.Region) Result {
	if fault.Write {
		if region.Write == nil {
			return Result{Action: ActionFail, Err: fmt.Errorf("paging: write to read-only hook at gpa 0x%x", fault.Addr)}
		}
		if _, err := region.Write(fault.Addr, make([]byte, 1), region.Opaque); err != nil {
			return Result{Action: ActionFail, Err: err}
		}
		return Result{Action: ActionResume}
	}

	if region.Read != nil {
		if _, err := region.Read(fault.Addr, make([]byte, 1), region.Opaque); err != nil {
			return Result{Action: ActionFail, Err: err}
		}
		return Result{Action: ActionResume}
	}

	// A write-only hook has no Read callback: per spec §4.2, reads fall
	// through to whatever backed the range before the hook was installed.
	if region.WriteOnly && region.FallbackBacking != mmap.NoHostBacking {
		hpa := region.FallbackBacking + (fault.Addr - region.GuestStart)
		n.installLeaf(fault.Addr, hpa, false, false)
		return Result{Action: ActionResume}
	}

	return Result{Action: ActionFail, Err: fmt.Errorf("paging: read from write-only hook at gpa 0x%x", fault.Addr)}
}

func (n *Nested) installLeaf(gpa, hpa uint64, writable, executable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	base := pageAlign(gpa)
	hpaBase := pageAlign(hpa)
	n.entries[base] = &NestedEntry{
		GPAStart:   base,
		GPAEnd:     base + pageSize,
		HostPhys:   hpaBase,
		Writable:   writable,
		Executable: executable,
	}
}

// InvalidateRange drops nested leaves overlapping [start, end).
func (n *Nested) InvalidateRange(start, end uint64) (uint64, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	affStart, affEnd := start, end
	for base, e := range n.entries {
		if e.GPAStart < end && start < e.GPAEnd {
			delete(n.entries, base)
			if e.GPAStart < affStart {
				affStart = e.GPAStart
			}
			if e.GPAEnd > affEnd {
				affEnd = e.GPAEnd
			}
		}
	}
	n.hooks.onInvalidate(affStart, affEnd)
	return affStart, affEnd
}

// Lookup returns the nested leaf covering gpa, if any (test/debug use).
func (n *Nested) Lookup(gpa uint64) (*NestedEntry, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[pageAlign(gpa)]
	return e, ok
}

// Len reports the number of cached nested leaves.
func (n *Nested) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}
