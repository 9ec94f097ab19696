package hcall

import "testing"

func TestRoundTrip(t *testing.T) {
	tbl := New()
	var gotID uint16
	var resultReg int64

	handler := func(id uint16, opaque any) int64 {
		gotID = id
		resultReg = 0xABCD
		return resultReg
	}

	if err := tbl.Register(0x90, handler, nil); err != nil {
		t.Fatal(err)
	}

	got := tbl.Invoke(0x90)
	if got != 0xABCD {
		t.Fatalf("expected handler return to reach caller, got %d", got)
	}
	if gotID != 0x90 {
		t.Fatalf("expected handler to observe id 0x90, got 0x%x", gotID)
	}
	_ = resultReg
}

func TestUnregisteredReturnsNotRegistered(t *testing.T) {
	tbl := New()
	if got := tbl.Invoke(0x1234); got != NotRegistered {
		t.Fatalf("expected NotRegistered sentinel, got %d", got)
	}
}

func TestDoubleRegisterRejected(t *testing.T) {
	tbl := New()
	h := func(id uint16, opaque any) int64 { return 0 }
	if err := tbl.Register(Test, h, nil); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Register(Test, h, nil); err == nil {
		t.Fatal("expected error re-registering the same id")
	}
}
