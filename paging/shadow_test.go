package paging

import (
	"testing"

	"github.com/v3vee-go/vmmcore/mmap"
)

func identityWalk(gva uint64) (uint64, bool, bool, bool, error) {
	return gva, true, true, true, nil
}

func TestShadowResolvesRAMFault(t *testing.T) {
	mem := mmap.New()
	if err := mem.Add(&mmap.Region{
		GuestStart: 0, GuestEnd: 0x10000, Kind: mmap.KindRAM,
		HostBacking: 0x1000_0000, Flags: mmap.FlagPresent | mmap.FlagReadable | mmap.FlagWritable,
	}); err != nil {
		t.Fatal(err)
	}

	s := NewShadow(mem, identityWalk, nil)
	result := s.HandleFault(Fault{Addr: 0x100, Class: FaultNotPresent})
	if result.Action != ActionResume {
		t.Fatalf("expected resume, got action %d err %v", result.Action, result.Err)
	}

	entry, ok := s.Lookup(0x100)
	if !ok {
		t.Fatal("expected a shadow entry to be installed")
	}
	if entry.HostPhys != 0x1000_0000 {
		t.Fatalf("expected host phys 0x1000_0000, got 0x%x", entry.HostPhys)
	}
}

func TestShadowInjectsPageFaultOnGuestWalkError(t *testing.T) {
	mem := mmap.New()
	s := NewShadow(mem, func(gva uint64) (uint64, bool, bool, bool, error) {
		return 0, false, false, false, errNotMapped
	}, nil)

	result := s.HandleFault(Fault{Addr: 0x100, Class: FaultNotPresent})
	if result.Action != ActionInjectPageFault {
		t.Fatalf("expected inject, got %d", result.Action)
	}
}

func TestShadowInvalidateDropsEntry(t *testing.T) {
	mem := mmap.New()
	mem.Add(&mmap.Region{GuestStart: 0, GuestEnd: 0x10000, Kind: mmap.KindRAM,
		HostBacking: 0x2000_0000, Flags: mmap.FlagPresent | mmap.FlagWritable})
	s := NewShadow(mem, identityWalk, nil)

	s.HandleFault(Fault{Addr: 0x500})
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}

	s.InvalidateRange(0x400, 0x600)
	if s.Len() != 0 {
		t.Fatalf("expected invalidate to drop the entry, got %d", s.Len())
	}
}

func TestShadowActivateClearsEntries(t *testing.T) {
	mem := mmap.New()
	mem.Add(&mmap.Region{GuestStart: 0, GuestEnd: 0x10000, Kind: mmap.KindRAM,
		HostBacking: 0x3000_0000, Flags: mmap.FlagPresent | mmap.FlagWritable})
	s := NewShadow(mem, identityWalk, nil)
	s.HandleFault(Fault{Addr: 0x10})

	if err := s.Activate(0x9000); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected CR3 reload to invalidate the shadow table, got %d entries", s.Len())
	}
}

type stubErr struct{ msg string }

func (e *stubErr) Error() string { return e.msg }

var errNotMapped = &stubErr{"not mapped"}
