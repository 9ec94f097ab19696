package intr

import "testing"

type fakeController struct {
	pending bool
	vector  uint8
	began   uint8
	hasBgn  bool
}

func (f *fakeController) Pending() bool { return f.pending }
func (f *fakeController) Vector() uint8 { return f.vector }
func (f *fakeController) Begin(v uint8) { f.began = v; f.hasBgn = true }

func TestPriorityOrder(t *testing.T) {
	c := NewCore()
	ctrl := &fakeController{pending: true, vector: 0x20}
	c.RegisterController(ctrl)

	c.RaiseSoftwareIntr(0x80)
	c.RaiseVirq(5)
	c.RaiseNMI()
	if err := c.RaiseException(0x0d, true, 0); err != nil {
		t.Fatal(err)
	}

	kind, vector, _, _ := c.Pending(true, false)
	if kind != KindException || vector != 0x0d {
		t.Fatalf("expected exception to win priority, got %s/0x%x", kind, vector)
	}

	c.Injecting(KindException, vector)
	kind, _, _, _ = c.Pending(true, false)
	if kind != KindNMI {
		t.Fatalf("expected NMI next, got %s", kind)
	}

	c.Injecting(KindNMI, 0)
	kind, vector, _, _ = c.Pending(true, false)
	if kind != KindMaskable || vector != 0x20 {
		t.Fatalf("expected maskable external next, got %s/0x%x", kind, vector)
	}

	// Maskable gated on IF: with IF clear, virtual should win instead.
	kind, vector, _, _ = c.Pending(false, false)
	if kind != KindVirtual || vector != 5 {
		t.Fatalf("expected virtual with IF clear, got %s/0x%x", kind, vector)
	}
}

func TestMaskableGatedOnIFAndShadow(t *testing.T) {
	c := NewCore()
	ctrl := &fakeController{pending: true, vector: 0x30}
	c.RegisterController(ctrl)

	if kind, _, _, _ := c.Pending(false, false); kind == KindMaskable {
		t.Fatal("maskable must not be visible with IF clear")
	}
	if kind, _, _, _ := c.Pending(true, true); kind == KindMaskable {
		t.Fatal("maskable must not be visible under MOV SS/STI shadow")
	}
	if kind, _, _, _ := c.Pending(true, false); kind != KindMaskable {
		t.Fatal("maskable must be visible with IF set and no shadow")
	}
}

func TestGetIntrBeginsController(t *testing.T) {
	c := NewCore()
	ctrl := &fakeController{pending: true, vector: 0x41}
	c.RegisterController(ctrl)

	kind, vector, _, _, ok := c.GetIntr(true, false)
	if !ok || kind != KindMaskable || vector != 0x41 {
		t.Fatalf("unexpected GetIntr result: %s 0x%x %v", kind, vector, ok)
	}
	if !ctrl.hasBgn || ctrl.began != 0x41 {
		t.Fatal("expected controller.Begin to be called with the delivered vector")
	}
}

func TestExceptionCollisionEscalatesToDoubleFault(t *testing.T) {
	c := NewCore()
	if err := c.RaiseException(0x0e, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.RaiseException(0x0d, true, 0); err != nil {
		t.Fatal(err)
	}
	kind, vector, _, _ := c.Pending(true, false)
	if kind != KindException || vector != DoubleFaultVector {
		t.Fatalf("expected escalation to double fault, got %s/0x%x", kind, vector)
	}
}

func TestDoubleFaultCollisionEscalatesToTripleFault(t *testing.T) {
	c := NewCore()
	if err := c.RaiseException(0x0e, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.RaiseException(0x0d, true, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.RaiseException(0x0d, true, 0); err != ErrTripleFault {
		t.Fatalf("expected ErrTripleFault, got %v", err)
	}
}

func TestInjectingClearsVirq(t *testing.T) {
	c := NewCore()
	if err := c.RaiseVirq(9); err != nil {
		t.Fatal(err)
	}
	kind, vector, _, _, ok := c.GetIntr(true, false)
	if !ok || kind != KindVirtual || vector != 9 {
		t.Fatalf("unexpected result: %s 0x%x %v", kind, vector, ok)
	}
	c.Injecting(KindVirtual, vector)
	if kind, _, _, _ := c.Pending(true, false); kind != KindNone {
		t.Fatalf("expected no pending interrupt after injecting, got %s", kind)
	}
}
