// Package mmap implements the guest-physical address space: an ordered,
// disjoint set of memory regions supporting O(log n) lookup-by-address and
// O(log n) insert/delete, per spec §2 (Mmap) and §4.2.
//
// Grounded on Palacios' shadow_map/shadow_region (original_source
// palacios/include/palacios/vmm_mem.h); the ordering structure is
// github.com/google/btree, since spec §4.2 explicitly calls for a
// red-black tree and the stdlib has no ordered map/tree type.
package mmap

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/v3vee-go/vmmcore/barrier"
)

// Kind is the region's backing policy, from the guest's point of view.
type Kind int

const (
	KindNothing Kind = iota
	KindRAM
	KindUnallocated
	KindMMIO
	KindRemote
	KindHooked
)

func (k Kind) String() string {
	switch k {
	case KindRAM:
		return "RAM"
	case KindUnallocated:
		return "UNALLOCATED"
	case KindMMIO:
		return "MMIO"
	case KindRemote:
		return "REMOTE"
	case KindHooked:
		return "HOOKED"
	default:
		return "NOTHING"
	}
}

// Flags describe the permissions and lifecycle bits carried on a region.
type Flags uint32

const (
	FlagPresent Flags = 1 << iota
	FlagReadable
	FlagWritable
	FlagExecutable
	FlagCOW
	FlagHookedFlag
	FlagAllocated
	FlagPinned
)

// NoHostBacking marks a region with no direct host_addr mapping.
const NoHostBacking uint64 = ^uint64(0)

// ReadHook and WriteHook are the per-region trap callbacks, used when Kind
// is KindHooked or KindMMIO.
type ReadHook func(gpa uint64, dst []byte, opaque any) (int, error)
type WriteHook func(gpa uint64, src []byte, opaque any) (int, error)

// UnhandledFaultFunc is invoked when a fault targets a region with no host
// backing available; its return dictates whether the caller should resume
// (resume == true) or fail the VM.
type UnhandledFaultFunc func(gpa uint64, opaque any) (resume bool, err error)

// Region is a contiguous span of guest-physical address space with a
// single backing policy. See spec §3 "Memory region".
type Region struct {
	GuestStart, GuestEnd uint64 // [start, end)
	Kind                 Kind
	HostBacking          uint64 // host physical/virtual address, or NoHostBacking
	Flags                Flags

	Read           ReadHook
	Write          WriteHook
	UnhandledFault UnhandledFaultFunc
	Opaque         any

	// WriteOnly marks a hook installed with writeOnly=true: reads against
	// this region are serviced from FallbackBacking (the host backing the
	// hooked range had before the hook was installed) rather than routed
	// through Read, per spec §4.2.
	WriteOnly       bool
	FallbackBacking uint64
}

func (r *Region) contains(gpa uint64) bool {
	return gpa >= r.GuestStart && gpa < r.GuestEnd
}

func (r *Region) overlaps(start, end uint64) bool {
	return r.GuestStart < end && start < r.GuestEnd
}

// ErrOverlap is returned by Add when the new region intersects an existing one.
type ErrOverlap struct {
	New, Existing Region
}

func (e *ErrOverlap) Error() string {
	return fmt.Sprintf("mmap: region [0x%x,0x%x) overlaps existing region [0x%x,0x%x)",
		e.New.GuestStart, e.New.GuestEnd, e.Existing.GuestStart, e.Existing.GuestEnd)
}

// TranslateStatus reports the outcome of TranslateGPAToHPA when there is no
// direct host_addr to report.
type TranslateStatus int

const (
	TranslateMapped TranslateStatus = iota
	TranslateUnmapped
	TranslateHooked
	TranslateNeedsAlloc
)

// Map is the authoritative guest-physical address space description.
// Add/Remove/Hook run inside the VM barrier (see SetBarrier) when one is
// attached; Pin/Unpin only flip the region's FlagPinned bit and take
// neither the barrier nor the lock; lookups and translation may run
// concurrently with each other and are internally synchronized with a
// lock, since the non-mutating path is hit on every page fault from
// every VCPU.
type Map struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Region]

	gate *barrier.Gate
}

func less(a, b *Region) bool { return a.GuestStart < b.GuestStart }

// New creates an empty Map.
func New() *Map {
	return &Map{tree: btree.NewG(32, less)}
}

// SetBarrier attaches the VM-wide quiescence gate every subsequent
// mutation acquires before touching the tree. A nil Map has no gate and
// mutates without quiescing any VCPU, which is fine for standalone tests
// but not for a live multi-VCPU VM.
func (m *Map) SetBarrier(g *barrier.Gate) { m.gate = g }

func (m *Map) withBarrier(fn func() error) error {
	if m.gate == nil {
		return fn()
	}
	release := m.gate.RaiseAndWait()
	defer release()
	return fn()
}

// Add inserts region, failing with *ErrOverlap if it intersects any
// existing region.
func (m *Map) Add(region *Region) error {
	return m.withBarrier(func() error { return m.addLocked(region) })
}

func (m *Map) addLocked(region *Region) error {
	if region.GuestEnd <= region.GuestStart {
		return fmt.Errorf("mmap: invalid region [0x%x,0x%x)", region.GuestStart, region.GuestEnd)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.firstOverlapLocked(region.GuestStart, region.GuestEnd); existing != nil {
		return &ErrOverlap{New: *region, Existing: *existing}
	}

	m.tree.ReplaceOrInsert(region)
	return nil
}

// firstOverlapLocked must be called with mu held.
func (m *Map) firstOverlapLocked(start, end uint64) *Region {
	probe := &Region{GuestStart: start}

	var before *Region
	m.tree.DescendLessOrEqual(probe, func(r *Region) bool {
		before = r
		return false
	})
	if before != nil && before.overlaps(start, end) {
		return before
	}

	var found *Region
	m.tree.AscendGreaterOrEqual(probe, func(r *Region) bool {
		if r.GuestStart >= end {
			return false
		}
		if r.overlaps(start, end) {
			found = r
			return false
		}
		return true
	})
	return found
}

// Remove deletes [start, end) from the map, splitting any partially
// overlapped survivors. Returns the regions that were fully or partially
// removed (pre-split). An empty result is permitted.
func (m *Map) Remove(start, end uint64) ([]*Region, error) {
	if m.gate != nil {
		release := m.gate.RaiseAndWait()
		defer release()
	}
	return m.removeLocked(start, end)
}

func (m *Map) removeLocked(start, end uint64) ([]*Region, error) {
	if end <= start {
		return nil, fmt.Errorf("mmap: invalid removal range [0x%x,0x%x)", start, end)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var affected []*Region
	var toDelete []*Region
	var toInsert []*Region

	m.tree.Ascend(func(r *Region) bool {
		if r.GuestStart >= end {
			return false
		}
		if r.overlaps(start, end) {
			affected = append(affected, r)
		}
		return true
	})

	for _, r := range affected {
		toDelete = append(toDelete, r)

		if r.GuestStart < start {
			left := *r
			left.GuestEnd = start
			toInsert = append(toInsert, &left)
		}
		if r.GuestEnd > end {
			right := *r
			right.GuestStart = end
			toInsert = append(toInsert, &right)
		}
	}

	for _, r := range toDelete {
		m.tree.Delete(r)
	}
	for _, r := range toInsert {
		m.tree.ReplaceOrInsert(r)
	}

	return affected, nil
}

// Lookup returns the region containing gpa, or ok == false.
func (m *Map) Lookup(gpa uint64) (*Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(gpa)
}

func (m *Map) lookupLocked(gpa uint64) (*Region, bool) {
	var found *Region
	m.tree.DescendLessOrEqual(&Region{GuestStart: gpa}, func(r *Region) bool {
		if r.contains(gpa) {
			found = r
		}
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// TranslateGPAToHPA implements spec §4.2 translate_gpa_to_hpa.
func (m *Map) TranslateGPAToHPA(gpa uint64) (hpa uint64, status TranslateStatus, err error) {
	region, ok := m.Lookup(gpa)
	if !ok {
		return 0, TranslateUnmapped, nil
	}
	switch region.Kind {
	case KindHooked:
		return 0, TranslateHooked, nil
	case KindUnallocated:
		return 0, TranslateNeedsAlloc, nil
	}
	if region.HostBacking == NoHostBacking {
		return 0, TranslateNeedsAlloc, nil
	}
	return region.HostBacking + (gpa - region.GuestStart), TranslateMapped, nil
}

// Hook installs a full hook (all reads and writes trap) over [start,end),
// or a write-only hook (reads fall through to the range's existing host
// backing, if any) when writeOnly is true. It replaces any existing
// region(s) in that range.
func (m *Map) Hook(start, end uint64, read ReadHook, write WriteHook, opaque any, writeOnly bool) error {
	if m.gate != nil {
		release := m.gate.RaiseAndWait()
		defer release()
	}

	fallback := NoHostBacking
	if writeOnly {
		if prior, ok := m.Lookup(start); ok && prior.HostBacking != NoHostBacking {
			fallback = prior.HostBacking + (start - prior.GuestStart)
		}
	}

	if _, err := m.removeLocked(start, end); err != nil {
		return err
	}

	var readCB ReadHook
	if !writeOnly {
		readCB = read
	}

	region := &Region{
		GuestStart:      start,
		GuestEnd:        end,
		Kind:            KindHooked,
		HostBacking:     NoHostBacking,
		Flags:           FlagPresent | FlagHookedFlag,
		Read:            readCB,
		Write:           write,
		Opaque:          opaque,
		WriteOnly:       writeOnly,
		FallbackBacking: fallback,
	}
	return m.addLocked(region)
}

// Pin marks region so it is protected from eviction when swapping is enabled.
func (m *Map) Pin(region *Region) { region.Flags |= FlagPinned }

// Unpin clears the pin.
func (m *Map) Unpin(region *Region) { region.Flags &^= FlagPinned }

// Len reports the number of disjoint regions currently tracked.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Regions returns a snapshot slice of all regions in ascending guest_start
// order, for iteration by callers (e.g. checkpointing, debug dumps).
func (m *Map) Regions() []*Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Region, 0, m.tree.Len())
	m.tree.Ascend(func(r *Region) bool {
		out = append(out, r)
		return true
	})
	return out
}
