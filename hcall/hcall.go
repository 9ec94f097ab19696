// Package hcall implements the hypercall table (spec §2 Hcalls, §4.6): a
// B-tree (github.com/google/btree, not a red-black tree) from 16-bit
// hypercall id to (handler, opaque).
//
// Grounded on Palacios' vmm_hypercall.h (v3_hypercall_map_t is an
// rb_root; v3_register_hypercall/v3_remove_hypercall/v3_handle_hypercall).
package hcall

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/v3vee-go/vmmcore/barrier"
)

// Handler runs a hypercall and returns the value the dispatcher places in
// the guest's result register: 0 on success, a negative sentinel on
// failure.
type Handler func(id uint16, opaque any) int64

type entry struct {
	id      uint16
	handler Handler
	opaque  any
}

func less(a, b *entry) bool { return a.id < b.id }

// NotRegistered is the guest-visible result when VMCALL/VMMCALL names an
// id with no registered handler (spec §4.1 "return -1 in the guest result
// register if absent").
const NotRegistered int64 = -1

// Table is the hypercall-id B-tree.
type Table struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*entry]

	gate *barrier.Gate
}

// New creates an empty Table.
func New() *Table {
	return &Table{tree: btree.NewG(32, less)}
}

// SetBarrier attaches the VM-wide quiescence gate Register/Remove
// acquire before mutating the tree.
func (t *Table) SetBarrier(g *barrier.Gate) { t.gate = g }

// ErrAlreadyRegistered is returned by Register when id already has a handler.
type ErrAlreadyRegistered struct{ ID uint16 }

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("hcall: id 0x%x already registered", e.ID)
}

// Register installs handler for id. Insertion runs inside the VM barrier
// per spec §3 "Inserted under barrier" when one is attached via SetBarrier.
func (t *Table) Register(id uint16, handler Handler, opaque any) error {
	if t.gate != nil {
		release := t.gate.RaiseAndWait()
		defer release()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tree.Get(&entry{id: id}); ok {
		return &ErrAlreadyRegistered{ID: id}
	}
	t.tree.ReplaceOrInsert(&entry{id: id, handler: handler, opaque: opaque})
	return nil
}

// Remove removes the handler for id, if any.
func (t *Table) Remove(id uint16) {
	if t.gate != nil {
		release := t.gate.RaiseAndWait()
		defer release()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree.Delete(&entry{id: id})
}

// Invoke dispatches id, returning NotRegistered if nothing is registered.
func (t *Table) Invoke(id uint16) int64 {
	t.mu.RLock()
	e, ok := t.tree.Get(&entry{id: id})
	t.mu.RUnlock()

	if !ok {
		return NotRegistered
	}
	return e.handler(id, e.opaque)
}

// Len reports the number of registered hypercalls.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}
