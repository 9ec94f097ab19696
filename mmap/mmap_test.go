package mmap

import "testing"

func ramRegion(start, end, backing uint64) *Region {
	return &Region{
		GuestStart:  start,
		GuestEnd:    end,
		Kind:        KindRAM,
		HostBacking: backing,
		Flags:       FlagPresent | FlagReadable | FlagWritable,
	}
}

func TestTranslateIsAffine(t *testing.T) {
	m := New()
	if err := m.Add(ramRegion(0, 0x40000000, 0x1000)); err != nil {
		t.Fatal(err)
	}

	for _, gpa := range []uint64{0, 0x100, 0x12000, 0x3FFFFFFF} {
		hpa, status, err := m.TranslateGPAToHPA(gpa)
		if err != nil {
			t.Fatal(err)
		}
		if status != TranslateMapped {
			t.Fatalf("gpa 0x%x: expected mapped, got status %v", gpa, status)
		}
		if want := 0x1000 + gpa; hpa != want {
			t.Fatalf("gpa 0x%x: hpa = 0x%x, want 0x%x", gpa, hpa, want)
		}
	}

	// Difference property: translate(gpa) - translate(gpa') == gpa - gpa'.
	a, _, _ := m.TranslateGPAToHPA(0x5000)
	b, _, _ := m.TranslateGPAToHPA(0x9000)
	if b-a != 0x4000 {
		t.Fatalf("translation not affine: b-a = 0x%x", b-a)
	}
}

func TestLookupBoundaries(t *testing.T) {
	m := New()
	r := ramRegion(0x1000, 0x2000, 0)
	if err := m.Add(r); err != nil {
		t.Fatal(err)
	}

	for _, gpa := range []uint64{0x1000, 0x1500, 0x1FFF} {
		got, ok := m.Lookup(gpa)
		if !ok || got != r {
			t.Fatalf("expected lookup(0x%x) to return inserted region", gpa)
		}
	}
	for _, gpa := range []uint64{0x0FFF, 0x2000, 0x3000} {
		if _, ok := m.Lookup(gpa); ok {
			t.Fatalf("expected lookup(0x%x) to miss", gpa)
		}
	}
}

func TestAddRejectsOverlap(t *testing.T) {
	m := New()
	if err := m.Add(ramRegion(0x1000, 0x2000, 0)); err != nil {
		t.Fatal(err)
	}
	err := m.Add(ramRegion(0x1800, 0x2800, 0))
	if err == nil {
		t.Fatal("expected overlap error")
	}
	var overlapErr *ErrOverlap
	if !asErrOverlap(err, &overlapErr) {
		t.Fatalf("expected *ErrOverlap, got %T: %v", err, err)
	}
}

func asErrOverlap(err error, target **ErrOverlap) bool {
	e, ok := err.(*ErrOverlap)
	if ok {
		*target = e
	}
	return ok
}

func TestRemoveSplitsOverlappedRegion(t *testing.T) {
	m := New()
	if err := m.Add(ramRegion(0x1000, 0x4000, 0)); err != nil {
		t.Fatal(err)
	}

	removed, err := m.Remove(0x2000, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected 1 affected region, got %d", len(removed))
	}

	if _, ok := m.Lookup(0x1500); !ok {
		t.Fatal("left survivor should remain mapped")
	}
	if _, ok := m.Lookup(0x3500); !ok {
		t.Fatal("right survivor should remain mapped")
	}
	if _, ok := m.Lookup(0x2500); ok {
		t.Fatal("removed hole should not be mapped")
	}
	if got := m.Len(); got != 2 {
		t.Fatalf("expected 2 surviving regions after split, got %d", got)
	}
}

func TestRemoveEmptyResultPermitted(t *testing.T) {
	m := New()
	removed, err := m.Remove(0x1000, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected no regions removed from empty map, got %d", len(removed))
	}
}

func TestHookInstallsTrapRegion(t *testing.T) {
	m := New()
	var reads, writes int
	read := func(gpa uint64, dst []byte, opaque any) (int, error) { reads++; return len(dst), nil }
	write := func(gpa uint64, src []byte, opaque any) (int, error) { writes++; return len(src), nil }

	if err := m.Hook(0xA0000, 0xC0000, read, write, nil, false); err != nil {
		t.Fatal(err)
	}

	region, ok := m.Lookup(0xB0000)
	if !ok {
		t.Fatal("expected hooked region to be present")
	}
	if region.Kind != KindHooked {
		t.Fatalf("expected KindHooked, got %v", region.Kind)
	}
	if _, err := region.Read(0xB0000, make([]byte, 1), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := region.Write(0xB0000, []byte{1}, nil); err != nil {
		t.Fatal(err)
	}
	if reads != 1 || writes != 1 {
		t.Fatalf("expected hook callbacks invoked once each, got reads=%d writes=%d", reads, writes)
	}
}

func TestHookWriteOnlyRemembersFallbackBacking(t *testing.T) {
	m := New()
	if err := m.Add(ramRegion(0xA0000, 0xC0000, 0x1000_0000)); err != nil {
		t.Fatal(err)
	}

	write := func(gpa uint64, src []byte, opaque any) (int, error) { return len(src), nil }
	if err := m.Hook(0xA0000, 0xC0000, nil, write, nil, true); err != nil {
		t.Fatal(err)
	}

	region, ok := m.Lookup(0xB0000)
	if !ok {
		t.Fatal("expected hooked region to be present")
	}
	if !region.WriteOnly {
		t.Fatal("expected region to be marked write-only")
	}
	if region.Read != nil {
		t.Fatal("expected no read hook on a write-only region")
	}
	if want := uint64(0x1000_0000); region.FallbackBacking != want {
		t.Fatalf("expected fallback backing 0x%x, got 0x%x", want, region.FallbackBacking)
	}
}
