// Package msrmap implements the MSR hook table (spec §2 MSRmap, §4.5): a
// list from 32-bit MSR index to (read handler, write handler, opaque),
// plus an architecture bitmap mirroring the list.
//
// Grounded on Palacios' vmm_msr.h (v3_msr_map: num_hooks, list_head
// hook_list, update_map/arch_data, v3_refresh_msr_map). The hook list
// stays a plain slice here (small N; a linear refresh scan matches
// v3_refresh_msr_map's own semantics) rather than a tree, matching the
// spec's own wording ("a list from MSR number ...").
package msrmap

import (
	"fmt"

	"github.com/v3vee-go/vmmcore/barrier"
)

// ReadFunc handles an RDMSR.
type ReadFunc func(msr uint32, opaque any) (value uint64, err error)

// WriteFunc handles a WRMSR.
type WriteFunc func(msr uint32, value uint64, opaque any) error

// Hook is one registered MSR handler.
type Hook struct {
	MSR    uint32
	Read   ReadFunc
	Write  WriteFunc
	Opaque any
}

// The two architecturally valid MSR bitmap ranges (spec §4.5).
const (
	LowRangeStart  uint32 = 0x00000000
	LowRangeEnd    uint32 = 0x00001FFF
	HighRangeStart uint32 = 0xC0000000
	HighRangeEnd   uint32 = 0xC0001FFF
)

// InBitmapRange reports whether msr falls in either architecturally valid
// MSR-bitmap range. Outside both ranges, writes always exit per spec §4.5.
func InBitmapRange(msr uint32) bool {
	return (msr >= LowRangeStart && msr <= LowRangeEnd) || (msr >= HighRangeStart && msr <= HighRangeEnd)
}

// Bitmap mirrors the hook list into the architecture's MSR exit bitmap:
// one bit per MSR x {read, write}, for each of the two valid ranges.
type Bitmap struct {
	readLow, writeLow   [LowRangeEnd - LowRangeStart + 1]bool
	readHigh, writeHigh [HighRangeEnd - HighRangeStart + 1]bool
}

func (b *Bitmap) clear() {
	for i := range b.readLow {
		b.readLow[i] = false
		b.writeLow[i] = false
	}
	for i := range b.readHigh {
		b.readHigh[i] = false
		b.writeHigh[i] = false
	}
}

func (b *Bitmap) set(msr uint32, read, write bool) {
	switch {
	case msr >= LowRangeStart && msr <= LowRangeEnd:
		idx := msr - LowRangeStart
		b.readLow[idx] = read
		b.writeLow[idx] = write
	case msr >= HighRangeStart && msr <= HighRangeEnd:
		idx := msr - HighRangeStart
		b.readHigh[idx] = read
		b.writeHigh[idx] = write
	}
	// Outside both ranges: there is no bitmap slot, hardware always exits.
}

// ExitsOnRead reports whether a RDMSR of msr should exit to the VMM
// (always true outside the two valid ranges).
func (b *Bitmap) ExitsOnRead(msr uint32) bool {
	switch {
	case msr >= LowRangeStart && msr <= LowRangeEnd:
		return b.readLow[msr-LowRangeStart]
	case msr >= HighRangeStart && msr <= HighRangeEnd:
		return b.readHigh[msr-HighRangeStart]
	default:
		return true
	}
}

// ExitsOnWrite reports whether a WRMSR of msr should exit to the VMM
// (always true outside the two valid ranges).
func (b *Bitmap) ExitsOnWrite(msr uint32) bool {
	switch {
	case msr >= LowRangeStart && msr <= LowRangeEnd:
		return b.writeLow[msr-LowRangeStart]
	case msr >= HighRangeStart && msr <= HighRangeEnd:
		return b.writeHigh[msr-HighRangeStart]
	default:
		return true
	}
}

// Map is the MSR hook list plus its mirrored bitmap.
type Map struct {
	hooks  []*Hook
	bitmap Bitmap

	gate *barrier.Gate
}

// New creates an empty Map.
func New() *Map {
	return &Map{}
}

// SetBarrier attaches the VM-wide quiescence gate HookMSR/UnhookMSR
// acquire before mutating the hook list.
func (m *Map) SetBarrier(g *barrier.Gate) { m.gate = g }

// ErrAlreadyHooked is returned by HookMSR when msr is already hooked.
type ErrAlreadyHooked struct{ MSR uint32 }

func (e *ErrAlreadyHooked) Error() string {
	return fmt.Sprintf("msrmap: MSR 0x%x already hooked", e.MSR)
}

// HookMSR registers a handler for msr. Insertion/removal run inside the
// VM barrier when one is attached; callers should follow with Refresh
// (or call it once after a batch, per spec §4.5 "refresh_msr_map
// rewrites the bitmap from scratch ... called after bulk changes").
func (m *Map) HookMSR(msr uint32, read ReadFunc, write WriteFunc, opaque any) error {
	if m.gate != nil {
		release := m.gate.RaiseAndWait()
		defer release()
	}

	for _, h := range m.hooks {
		if h.MSR == msr {
			return &ErrAlreadyHooked{MSR: msr}
		}
	}
	m.hooks = append(m.hooks, &Hook{MSR: msr, Read: read, Write: write, Opaque: opaque})
	return nil
}

// UnhookMSR removes the hook for msr, if any.
func (m *Map) UnhookMSR(msr uint32) {
	if m.gate != nil {
		release := m.gate.RaiseAndWait()
		defer release()
	}

	for i, h := range m.hooks {
		if h.MSR == msr {
			m.hooks = append(m.hooks[:i], m.hooks[i+1:]...)
			return
		}
	}
}

// Lookup returns the hook for msr, if registered.
func (m *Map) Lookup(msr uint32) (*Hook, bool) {
	for _, h := range m.hooks {
		if h.MSR == msr {
			return h, true
		}
	}
	return nil, false
}

// Refresh rewrites the bitmap from scratch by iterating the hook list,
// implementing spec §4.5 refresh_msr_map.
func (m *Map) Refresh() {
	m.bitmap.clear()
	for _, h := range m.hooks {
		if !InBitmapRange(h.MSR) {
			continue
		}
		m.bitmap.set(h.MSR, h.Read != nil, h.Write != nil)
	}
}

// Bitmap returns the current mirrored bitmap (read-only view).
func (m *Map) Bitmap() *Bitmap { return &m.bitmap }

// Read performs an RDMSR. Unhooked MSRs return 0 without raising #GP, per
// spec §4.1 ("architecturally permissive, to match existing behaviour").
func (m *Map) Read(msr uint32) (uint64, error) {
	hook, ok := m.Lookup(msr)
	if !ok || hook.Read == nil {
		return 0, nil
	}
	return hook.Read(msr, hook.Opaque)
}

// Write performs a WRMSR. Unhooked MSRs discard the write.
func (m *Map) Write(msr uint32, value uint64) error {
	hook, ok := m.Lookup(msr)
	if !ok || hook.Write == nil {
		return nil
	}
	return hook.Write(msr, value, hook.Opaque)
}

// Len reports the number of hooked MSRs.
func (m *Map) Len() int { return len(m.hooks) }
