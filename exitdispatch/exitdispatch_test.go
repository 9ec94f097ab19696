package exitdispatch

import (
	"testing"

	"github.com/v3vee-go/vmmcore/hcall"
	"github.com/v3vee-go/vmmcore/intr"
	"github.com/v3vee-go/vmmcore/iomap"
	"github.com/v3vee-go/vmmcore/mmap"
	"github.com/v3vee-go/vmmcore/msrmap"
	"github.com/v3vee-go/vmmcore/paging"
	"github.com/v3vee-go/vmmcore/vtime"
)

type fakeRegs struct {
	regs map[Reg]uint64
}

func newFakeRegs() *fakeRegs             { return &fakeRegs{regs: make(map[Reg]uint64)} }
func (f *fakeRegs) Get(r Reg) uint64     { return f.regs[r] }
func (f *fakeRegs) Set(r Reg, v uint64)  { f.regs[r] = v }

func newTestDispatcher() (*Dispatcher, *fakeRegs) {
	mem := mmap.New()
	var host uint64
	clock := vtime.NewClock(func() uint64 { return host })
	d := NewDispatcher(mem, paging.NewNested(mem, nil), intr.NewCore(), iomap.New(), msrmap.New(), hcall.New(), clock)
	return d, newFakeRegs()
}

func TestDispatchCPUIDVendorFingerprint(t *testing.T) {
	d, regs := newTestDispatcher()
	d.Fingerprint = VendorFingerprint{EAX: 1, EBX: 2, ECX: 3, EDX: 4}

	rec := &Record{Kind: KindCPUID, CPUIDLeaf: d.VendorFingerprintLeaf, InstrLen: 2}
	result := d.Dispatch(rec, regs)
	if result.Outcome != OutcomeResume {
		t.Fatalf("expected resume, got %v err=%v", result.Outcome, result.Err)
	}
	if regs.Get(RegRAX) != 1 || regs.Get(RegRDX) != 4 {
		t.Fatalf("expected fingerprint in registers, got rax=%d rdx=%d", regs.Get(RegRAX), regs.Get(RegRDX))
	}
	if regs.Get(RegRIP) != 2 {
		t.Fatalf("expected RIP advanced by instruction length, got %d", regs.Get(RegRIP))
	}
}

func TestDispatchHLT(t *testing.T) {
	d, regs := newTestDispatcher()
	result := d.Dispatch(&Record{Kind: KindHLT}, regs)
	if result.Outcome != OutcomeHalt {
		t.Fatalf("expected halt, got %v", result.Outcome)
	}
}

func TestDispatchUnhookedIOReturnsAllOnes(t *testing.T) {
	d, regs := newTestDispatcher()
	result := d.Dispatch(&Record{Kind: KindIO, Direction: IODirectionIn, Port: 0x3f8, Width: 1, InstrLen: 1}, regs)
	if result.Outcome != OutcomeResume {
		t.Fatalf("expected resume, got %v err=%v", result.Outcome, result.Err)
	}
	if regs.Get(RegRAX) != 0xFF {
		t.Fatalf("expected all-ones for unhooked port, got 0x%x", regs.Get(RegRAX))
	}
}

func TestDispatchHookedIORoundTrip(t *testing.T) {
	d, regs := newTestDispatcher()
	var written byte
	d.IO.HookPort(0x60, func(port uint16, dst []byte, opaque any) error {
		dst[0] = 0x42
		return nil
	}, func(port uint16, src []byte, opaque any) error {
		written = src[0]
		return nil
	}, nil)

	result := d.Dispatch(&Record{Kind: KindIO, Direction: IODirectionIn, Port: 0x60, Width: 1, InstrLen: 1}, regs)
	if result.Outcome != OutcomeResume || regs.Get(RegRAX) != 0x42 {
		t.Fatalf("unexpected in result: %v rax=0x%x", result.Outcome, regs.Get(RegRAX))
	}

	regs.Set(RegRAX, 0x99)
	result = d.Dispatch(&Record{Kind: KindIO, Direction: IODirectionOut, Port: 0x60, Width: 1, InstrLen: 1}, regs)
	if result.Outcome != OutcomeResume || written != 0x99 {
		t.Fatalf("unexpected out result: %v written=0x%x", result.Outcome, written)
	}
}

func TestDispatchMSRDefaultReadZeroWriteDiscarded(t *testing.T) {
	d, regs := newTestDispatcher()
	result := d.Dispatch(&Record{Kind: KindMSRRead, MSRIndex: 0xDEAD, InstrLen: 2}, regs)
	if result.Outcome != OutcomeResume || regs.Get(RegRAX) != 0 {
		t.Fatalf("unexpected MSR read result: %v rax=%d", result.Outcome, regs.Get(RegRAX))
	}

	result = d.Dispatch(&Record{Kind: KindMSRWrite, MSRIndex: 0xDEAD, MSRValue: 0xFFFF, InstrLen: 2}, regs)
	if result.Outcome != OutcomeResume {
		t.Fatalf("expected resume on discarded MSR write, got %v", result.Outcome)
	}
}

func TestDispatchHypercallRoundTrip(t *testing.T) {
	d, regs := newTestDispatcher()
	d.Hcall.Register(0x42, func(id uint16, opaque any) int64 { return 7 }, nil)

	result := d.Dispatch(&Record{Kind: KindHypercall, HypercallID: 0x42, InstrLen: 3}, regs)
	if result.Outcome != OutcomeResume || regs.Get(RegRAX) != 7 {
		t.Fatalf("unexpected hypercall result: %v rax=%d", result.Outcome, regs.Get(RegRAX))
	}
}

func TestDispatchHypercallUnregisteredReturnsNegativeOne(t *testing.T) {
	d, regs := newTestDispatcher()
	result := d.Dispatch(&Record{Kind: KindHypercall, HypercallID: 0x9999, InstrLen: 3}, regs)
	if result.Outcome != OutcomeResume {
		t.Fatalf("expected resume, got %v", result.Outcome)
	}
	if int64(regs.Get(RegRAX)) != hcall.NotRegistered {
		t.Fatalf("expected NotRegistered in RAX, got %d", int64(regs.Get(RegRAX)))
	}
}

func TestDispatchExceptionInjects(t *testing.T) {
	d, regs := newTestDispatcher()
	result := d.Dispatch(&Record{Kind: KindException, Vector: 13, HasErrorCode: true, ErrorCode: 0}, regs)
	if result.Outcome != OutcomeInject {
		t.Fatalf("expected inject, got %v", result.Outcome)
	}
}

func TestDispatchNestedPageFaultUnmappedFails(t *testing.T) {
	d, regs := newTestDispatcher()
	result := d.Dispatch(&Record{Kind: KindNestedPageFault, NPFault: paging.Fault{Addr: 0xBADC0DE}}, regs)
	if result.Outcome != OutcomeFail {
		t.Fatalf("expected fail for unmapped NP fault, got %v", result.Outcome)
	}
}

func TestDispatchCRAccessActivatesPagingOnCR3Write(t *testing.T) {
	d, regs := newTestDispatcher()
	result := d.Dispatch(&Record{Kind: KindCRAccess, CRNum: 3, CRWrite: true, CRValue: 0x9000, InstrLen: 3}, regs)
	if result.Outcome != OutcomeResume {
		t.Fatalf("expected resume, got %v err=%v", result.Outcome, result.Err)
	}
	if regs.Get(RegCR3) != 0x9000 {
		t.Fatalf("expected CR3 register updated, got 0x%x", regs.Get(RegCR3))
	}
}

func TestDispatchUnknownExitFails(t *testing.T) {
	d, regs := newTestDispatcher()
	result := d.Dispatch(&Record{Kind: KindUnknown}, regs)
	if result.Outcome != OutcomeFail {
		t.Fatalf("expected fail, got %v", result.Outcome)
	}
}

func TestDispatchStringIOMasksAddrSizeOnWraparound(t *testing.T) {
	d, regs := newTestDispatcher()
	d.Translate = func(linear uint64, write bool) (uint64, error) { return linear, nil }

	buf := make(map[uint64]byte)
	read := func(gpa uint64, dst []byte, opaque any) (int, error) {
		for i := range dst {
			dst[i] = buf[gpa+uint64(i)]
		}
		return len(dst), nil
	}
	write := func(gpa uint64, src []byte, opaque any) (int, error) {
		for i, b := range src {
			buf[gpa+uint64(i)] = b
		}
		return len(src), nil
	}
	// One region just below the 32-bit boundary, one just above 0, so a
	// REP MOVS that wraps at 32 bits (rather than 64) stays resolvable.
	if err := d.Mem.Add(&mmap.Region{GuestStart: 0xFFFFFFFE, GuestEnd: 0x100000000, Read: read, Write: write}); err != nil {
		t.Fatal(err)
	}
	if err := d.Mem.Add(&mmap.Region{GuestStart: 0, GuestEnd: 0x10, Read: read, Write: write}); err != nil {
		t.Fatal(err)
	}

	regs.Set(RegRDI, 0xFFFFFFFE)
	regs.Set(RegRCX, 4)
	rec := &Record{
		Kind: KindIO, Direction: IODirectionIn, Port: 0x80, Width: 1,
		StringOp: true, Rep: true, AddrSize: 4,
	}
	result := d.Dispatch(rec, regs)
	if result.Outcome != OutcomeResume {
		t.Fatalf("expected resume, got %v err=%v", result.Outcome, result.Err)
	}
	if got := regs.Get(RegRDI); got != 2 {
		t.Fatalf("expected RDI to wrap at the 32-bit boundary to 2, got 0x%x", got)
	}
	if got := regs.Get(RegRCX); got != 0 {
		t.Fatalf("expected RCX exhausted, got %d", got)
	}
}

func TestDeriveMode(t *testing.T) {
	if got := DeriveMode(0, 0, 0); got != ModeReal {
		t.Fatalf("expected real mode, got %v", got)
	}
	if got := DeriveMode(1, 0, 0); got != ModeProtected {
		t.Fatalf("expected protected mode, got %v", got)
	}
	if got := DeriveMode(1, 1<<5, 0); got != ModeProtectedPAE {
		t.Fatalf("expected protected+PAE, got %v", got)
	}
	if got := DeriveMode(1, 1<<5, (1<<8)|(1<<10)); got != ModeLong {
		t.Fatalf("expected long mode, got %v", got)
	}
}
