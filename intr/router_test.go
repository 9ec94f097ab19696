package intr

import "testing"

type fakeRouter struct {
	owns   map[int]bool
	raised []int
}

func (r *fakeRouter) Raise(irq int) bool {
	if !r.owns[irq] {
		return false
	}
	r.raised = append(r.raised, irq)
	return true
}

func (r *fakeRouter) Lower(irq int) bool { return r.owns[irq] }

func TestRoutersFirstClaimWins(t *testing.T) {
	rs := NewRouters()
	a := &fakeRouter{owns: map[int]bool{0: true, 1: true}}
	b := &fakeRouter{owns: map[int]bool{4: true}}
	rs.Register(a)
	rs.Register(b)

	if !rs.RaiseIRQ(4) {
		t.Fatal("expected router b to claim irq 4")
	}
	if len(a.raised) != 0 || len(b.raised) != 1 {
		t.Fatalf("expected only b to record irq 4, got a=%v b=%v", a.raised, b.raised)
	}
}

func TestRoutersUnclaimedReturnsFalse(t *testing.T) {
	rs := NewRouters()
	rs.Register(&fakeRouter{owns: map[int]bool{0: true}})
	if rs.RaiseIRQ(99) {
		t.Fatal("expected no router to claim irq 99")
	}
}
