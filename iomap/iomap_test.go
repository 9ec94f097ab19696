package iomap

import "testing"

func TestUnhookedInReturnsAllOnes(t *testing.T) {
	tbl := New()
	dst := make([]byte, 1)
	if err := tbl.In(0xEDC, dst, 1); err != nil {
		t.Fatal(err)
	}
	if dst[0] != 0xFF {
		t.Fatalf("expected 0xFF for unhooked port, got 0x%x", dst[0])
	}
}

func TestUnhookedOutDiscarded(t *testing.T) {
	tbl := New()
	// Must not panic nor error even though nothing is registered.
	if err := tbl.Out(0x80, []byte{0x42}, 1); err != nil {
		t.Fatal(err)
	}
}

func TestHookCalledExactlyOncePerAccess(t *testing.T) {
	tbl := New()
	var reads, writes int
	read := func(port uint16, dst []byte, opaque any) error { reads++; dst[0] = 0x12; return nil }
	write := func(port uint16, src []byte, opaque any) error { writes++; return nil }

	if err := tbl.HookPort(0x3F8, read, write, nil); err != nil {
		t.Fatal(err)
	}

	dst := make([]byte, 1)
	if err := tbl.In(0x3F8, dst, 1); err != nil {
		t.Fatal(err)
	}
	if dst[0] != 0x12 {
		t.Fatalf("expected hook-provided value, got 0x%x", dst[0])
	}
	if err := tbl.Out(0x3F8, []byte{1}, 1); err != nil {
		t.Fatal(err)
	}
	if reads != 1 || writes != 1 {
		t.Fatalf("expected exactly one call each, got reads=%d writes=%d", reads, writes)
	}

	// Adjacent unhooked ports must not invoke this hook.
	adjacentDst := make([]byte, 1)
	if err := tbl.In(0x3F9, adjacentDst, 1); err != nil {
		t.Fatal(err)
	}
	if reads != 1 {
		t.Fatalf("adjacent port access should not call hook, reads=%d", reads)
	}
}

func TestDoubleHookRejected(t *testing.T) {
	tbl := New()
	noop := func(port uint16, b []byte, o any) error { return nil }
	if err := tbl.HookPort(0x60, noop, noop, nil); err != nil {
		t.Fatal(err)
	}
	if err := tbl.HookPort(0x60, noop, noop, nil); err == nil {
		t.Fatal("expected error hooking an already-hooked port")
	}
}
