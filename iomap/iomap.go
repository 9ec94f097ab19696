// Package iomap implements the port I/O hook table (spec §2 IOmap, §4.5):
// a B-tree (github.com/google/btree, not a red-black tree) from 16-bit
// port to (read handler, write handler,
// opaque). Absent ports default to "reads return all ones, writes are
// discarded" per spec §4.1.
//
// Grounded on Palacios' vmm_io.h (v3_io_map/v3_io_hook, an rb_root keyed
// by port) and the teacher's devices/iobus.go (a flat map predecessor,
// generalized here to the ordered-tree + default-value contract the spec
// requires).
package iomap

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/v3vee-go/vmmcore/barrier"
)

// ReadFunc handles an IN from port into dst (1, 2, or 4 bytes).
type ReadFunc func(port uint16, dst []byte, opaque any) error

// WriteFunc handles an OUT from src to port.
type WriteFunc func(port uint16, src []byte, opaque any) error

// Hook is one registered port handler. Ports always map one port to one
// hook (spec §3 "IO hook").
type Hook struct {
	Port   uint16
	Read   ReadFunc
	Write  WriteFunc
	Opaque any
}

func lessHook(a, b *Hook) bool { return a.Port < b.Port }

// Table is the port -> hook B-tree.
type Table struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Hook]

	gate *barrier.Gate
}

// New creates an empty Table.
func New() *Table {
	return &Table{tree: btree.NewG(32, lessHook)}
}

// SetBarrier attaches the VM-wide quiescence gate HookPort/UnhookPort
// acquire before mutating the tree.
func (t *Table) SetBarrier(g *barrier.Gate) { t.gate = g }

// ErrAlreadyHooked is returned by HookPort when the port is already hooked.
type ErrAlreadyHooked struct{ Port uint16 }

func (e *ErrAlreadyHooked) Error() string {
	return fmt.Sprintf("iomap: port 0x%x already hooked", e.Port)
}

// HookPort installs a hook, insertion/removal run inside the VM barrier
// per spec §5 when one is attached via SetBarrier.
func (t *Table) HookPort(port uint16, read ReadFunc, write WriteFunc, opaque any) error {
	if t.gate != nil {
		release := t.gate.RaiseAndWait()
		defer release()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tree.Get(&Hook{Port: port}); ok {
		return &ErrAlreadyHooked{Port: port}
	}
	t.tree.ReplaceOrInsert(&Hook{Port: port, Read: read, Write: write, Opaque: opaque})
	return nil
}

// UnhookPort removes a hook, if present.
func (t *Table) UnhookPort(port uint16) {
	if t.gate != nil {
		release := t.gate.RaiseAndWait()
		defer release()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Delete(&Hook{Port: port})
}

// Lookup returns the hook registered for port, if any.
func (t *Table) Lookup(port uint16) (*Hook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Get(&Hook{Port: port})
}

// In performs an IN of len(dst) bytes from port. If the port is unhooked,
// dst is filled with all ones per spec §4.1.
func (t *Table) In(port uint16, dst []byte, width int) error {
	hook, ok := t.Lookup(port)
	if !ok || hook.Read == nil {
		for i := range dst[:width] {
			dst[i] = 0xFF
		}
		return nil
	}
	return hook.Read(port, dst[:width], hook.Opaque)
}

// Out performs an OUT of len(src) bytes to port. If the port is unhooked,
// the write is silently discarded per spec §4.1.
func (t *Table) Out(port uint16, src []byte, width int) error {
	hook, ok := t.Lookup(port)
	if !ok || hook.Write == nil {
		return nil
	}
	return hook.Write(port, src[:width], hook.Opaque)
}

// Len reports the number of hooked ports.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}
