package exitdispatch

import (
	"github.com/v3vee-go/vmmcore/mmap"
	"github.com/v3vee-go/vmmcore/vmerr"
)

// handleIO implements spec §4.1's I/O port contract: plain IN/OUT go
// straight to IOmap; string forms (INS/OUTS, optionally REP-prefixed)
// iterate count times, honouring the direction flag and address-size
// override, translating the source/destination linear address through
// segmentation then paging on each iteration (which may itself raise
// #PF), and advancing SI/DI and decrementing CX accordingly.
func (d *Dispatcher) handleIO(rec *Record, regs GuestState) Result {
	if !rec.StringOp {
		return d.handlePlainIO(rec, regs)
	}
	return d.handleStringIO(rec, regs)
}

func (d *Dispatcher) handlePlainIO(rec *Record, regs GuestState) Result {
	switch rec.Direction {
	case IODirectionIn:
		buf := make([]byte, rec.Width)
		if err := d.IO.In(rec.Port, buf, rec.Width); err != nil {
			return Result{Outcome: OutcomeFail, Err: err}
		}
		regs.Set(RegRAX, bytesToUint(buf))
	case IODirectionOut:
		buf := uintToBytes(regs.Get(RegRAX), rec.Width)
		if err := d.IO.Out(rec.Port, buf, rec.Width); err != nil {
			return Result{Outcome: OutcomeFail, Err: err}
		}
	}
	return d.advanceAndResume(rec, regs)
}

func (d *Dispatcher) handleStringIO(rec *Record, regs GuestState) Result {
	count := uint64(1)
	if rec.Rep {
		count = regs.Get(RegRCX)
		if count == 0 {
			return d.advanceAndResume(rec, regs)
		}
	}

	df := regs.Get(RegRFLAGS)&rflagsDF != 0
	step := int64(rec.Width)
	if df {
		step = -step
	}

	idxReg := RegRDI
	write := rec.Direction == IODirectionIn // INS writes to memory (dest DI); OUTS reads from memory (src SI)
	if rec.Direction == IODirectionOut {
		idxReg = RegRSI
	}

	idx := regs.Get(idxReg)
	remaining := count
	commit := func() {
		regs.Set(idxReg, idx)
		if rec.Rep {
			regs.Set(RegRCX, remaining)
		}
	}
	for remaining > 0 {
		if d.Translate == nil {
			return Result{Outcome: OutcomeFail, Err: vmerr.Configuration}
		}
		gpa, err := d.Translate(idx, write)
		if err != nil {
			if rerr := d.Intr.RaiseException(14, true, 0); rerr != nil {
				return Result{Outcome: OutcomeFail, Err: rerr}
			}
			commit()
			return Result{Outcome: OutcomeInject}
		}

		if err := d.stringIOStep(rec, gpa); err != nil {
			return Result{Outcome: OutcomeFail, Err: err}
		}

		idx = maskAddrSize(uint64(int64(idx)+step), rec.AddrSize)
		remaining--
	}

	commit()
	return d.advanceAndResume(rec, regs)
}

// maskAddrSize truncates an SI/DI index update to the instruction's
// effective address size (16/32/64-bit), per spec §9: a 32-bit REP MOVS
// wraps at 0xFFFFFFFF, not at the full 64-bit register width, even when
// the register file itself is 64 bits wide.
func maskAddrSize(v uint64, addrSize int) uint64 {
	switch addrSize {
	case 2:
		return v & 0xFFFF
	case 4:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

func (d *Dispatcher) stringIOStep(rec *Record, gpa uint64) error {
	switch rec.Direction {
	case IODirectionIn:
		buf := make([]byte, rec.Width)
		if err := d.IO.In(rec.Port, buf, rec.Width); err != nil {
			return err
		}
		return d.writeGuestBytes(gpa, buf)
	case IODirectionOut:
		buf, err := d.readGuestBytes(gpa, rec.Width)
		if err != nil {
			return err
		}
		return d.IO.Out(rec.Port, buf, rec.Width)
	}
	return nil
}

func (d *Dispatcher) readGuestBytes(gpa uint64, width int) ([]byte, error) {
	region, ok := d.Mem.Lookup(gpa)
	if !ok {
		return nil, vmerr.GuestFault
	}
	buf := make([]byte, width)
	if region.Read != nil {
		_, err := region.Read(gpa, buf, region.Opaque)
		return buf, err
	}
	if d.Raw == nil || region.HostBacking == mmap.NoHostBacking {
		return nil, vmerr.ResourceExhaustion
	}
	err := d.Raw.ReadAt(region.HostBacking+(gpa-region.GuestStart), buf)
	return buf, err
}

func (d *Dispatcher) writeGuestBytes(gpa uint64, buf []byte) error {
	region, ok := d.Mem.Lookup(gpa)
	if !ok {
		return vmerr.GuestFault
	}
	if region.Write != nil {
		_, err := region.Write(gpa, buf, region.Opaque)
		return err
	}
	if d.Raw == nil || region.HostBacking == mmap.NoHostBacking {
		return vmerr.ResourceExhaustion
	}
	return d.Raw.WriteAt(region.HostBacking+(gpa-region.GuestStart), buf)
}

func bytesToUint(b []byte) uint64 {
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * i)
	}
	return v
}

func uintToBytes(v uint64, width int) []byte {
	buf := make([]byte, width)
	for i := 0; i < width; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}
