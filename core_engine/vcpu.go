package core_engine

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/v3vee-go/vmmcore/exitdispatch"
	"github.com/v3vee-go/vmmcore/intr"
	"github.com/v3vee-go/vmmcore/paging"
	"github.com/v3vee-go/vmmcore/telemetry"
	"github.com/v3vee-go/vmmcore/vmerr"
	"github.com/v3vee-go/vmmcore/vtime"

	"github.com/v3vee-go/vmmcore/core_engine/hypervisor"
)

// VCPUState is the per-VCPU run state of spec §4.8: {INIT, RUNNING,
// STOPPED, RESETTING}. A VCPU starts at INIT, moves to RUNNING once its
// loop begins, transiently visits RESETTING while reloading state after
// a guest-triggered reset (KindReset, returning to RUNNING rather than
// tearing the VCPU down), and ends at STOPPED when its loop exits.
type VCPUState int32

const (
	VCPUInit VCPUState = iota
	VCPURunning
	VCPUStopped
	VCPUResetting
)

func (s VCPUState) String() string {
	switch s {
	case VCPURunning:
		return "RUNNING"
	case VCPUStopped:
		return "STOPPED"
	case VCPUResetting:
		return "RESETTING"
	default:
		return "INIT"
	}
}

// VCPU is the exit dispatcher's register-file adapter bolted onto one raw
// KVM vcpu fd: it owns the per-core interrupt state, virtual clock, and
// telemetry recorder the shared Dispatcher subsystems (Mmap, IOmap, MSRmap,
// Hcalls, paging Strategy) are wired against per spec §5 (one Exit
// dispatcher instance per VCPU, sharing VM-wide subsystems).
type VCPU struct {
	id int
	fd uintptr
	vm *VirtualMachine

	run         *hypervisor.RunData
	runMmap     []byte
	runMmapSize int

	intrCore   *intr.Core
	clock      *vtime.Clock
	telemetry  *telemetry.Recorder
	dispatcher *exitdispatch.Dispatcher

	regs  hypervisor.Regs
	sregs hypervisor.Sregs

	ticker *time.Ticker
	state  atomic.Int32
}

// State reports the VCPU's current run state (spec §4.8).
func (vcpu *VCPU) State() VCPUState {
	return VCPUState(vcpu.state.Load())
}

func (vcpu *VCPU) setState(s VCPUState) {
	vcpu.state.Store(int32(s))
}

// NewVCPU creates and initializes a new VCPU for the given VM, wiring a
// private Dispatcher that shares vm's memory map, paging strategy, IO/MSR
// maps, and hypercall table, but owns its own interrupt core and virtual
// clock.
func NewVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	vcpuFD, err := hypervisor.DoKVMCreateVCPU(vm.vmFD, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create VCPU %d: %w", id, err)
	}

	mmapSize, err := hypervisor.GetVCPUMMapSize(vm.kvmFD)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE failed for VCPU %d: %w", id, err)
	}
	if mmapSize == 0 {
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE returned 0 for VCPU %d", id)
	}

	runBuf, err := unix.Mmap(int(vcpuFD), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap kvm_run for VCPU %d: %w", id, err)
	}

	vcpu := &VCPU{
		id:          id,
		fd:          vcpuFD,
		vm:          vm,
		run:         (*hypervisor.RunData)(unsafe.Pointer(&runBuf[0])),
		runMmap:     runBuf,
		runMmapSize: int(mmapSize),
		intrCore:    intr.NewCore(),
		clock:       vtime.NewClock(vm.hostTSC),
		ticker:      time.NewTicker(10 * time.Millisecond),
	}
	vcpu.telemetry = telemetry.NewRecorder(id, vcpu.clock.RDTSC(), vm.telemetryGranularity)

	if id == 0 {
		vcpu.intrCore.RegisterController(vm.picDevice)
	}

	vcpu.dispatcher = exitdispatch.NewDispatcher(vm.mem, vm.strategy, vcpu.intrCore, vm.io, vm.msr, vm.hcallTable, vcpu.clock)
	vcpu.dispatcher.Fingerprint = vm.fingerprint
	vcpu.dispatcher.Translate = identityTranslate
	vcpu.dispatcher.Raw = vm

	if err := vcpu.initRegisters(); err != nil {
		vcpu.Close()
		return nil, fmt.Errorf("failed to initialize registers for VCPU %d: %w", id, err)
	}
	if vm.Debug {
		log.Printf("VCPU %d: created. KVM_RUN mmap size: %d bytes.\n", id, mmapSize)
	}
	return vcpu, nil
}

// identityTranslate treats the guest linear address space as identical to
// guest-physical, valid for the flat, unpaged protected-mode boot stub this
// core loads (CR0.PG stays clear); a guest that enables its own paging
// would need a real page-table walker here, tracked as an open follow-up.
func identityTranslate(linear uint64, write bool) (uint64, error) {
	return linear, nil
}

// initRegisters sets up the initial SREGS/REGS state: a flat 32-bit
// protected-mode segment layout (CS/DS/ES/FS/GS/SS all base 0, limit 4GB),
// entering at the guest's loaded bootstrap code.
func (vcpu *VCPU) initRegisters() error {
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS failed: %w", err)
	}

	sregs.CS = hypervisor.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: 0x08, Type: 11, Present: 1, DB: 1, S: 1, G: 1}
	sregs.DS = hypervisor.Segment{Base: 0, Limit: 0xFFFFFFFF, Selector: 0x10, Type: 3, Present: 1, DB: 1, S: 1, G: 1}
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS
	sregs.CR0 |= 1 // PE: protected mode

	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS failed: %w", err)
	}
	vcpu.sregs = *sregs

	regs := &hypervisor.Regs{RFLAGS: 0x2, RIP: vcpu.vm.entryPoint}
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS failed: %w", err)
	}
	vcpu.regs = *regs

	if vcpu.vm.Debug {
		log.Printf("VCPU %d: registers initialized. RIP=0x%x, RFLAGS=0x%x\n", vcpu.id, regs.RIP, regs.RFLAGS)
	}
	return nil
}

// Get implements exitdispatch.GuestState.
func (vcpu *VCPU) Get(r exitdispatch.Reg) uint64 {
	switch r {
	case exitdispatch.RegRAX:
		return vcpu.regs.RAX
	case exitdispatch.RegRBX:
		return vcpu.regs.RBX
	case exitdispatch.RegRCX:
		return vcpu.regs.RCX
	case exitdispatch.RegRDX:
		return vcpu.regs.RDX
	case exitdispatch.RegRSI:
		return vcpu.regs.RSI
	case exitdispatch.RegRDI:
		return vcpu.regs.RDI
	case exitdispatch.RegRIP:
		return vcpu.regs.RIP
	case exitdispatch.RegRFLAGS:
		return vcpu.regs.RFLAGS
	case exitdispatch.RegCR0:
		return vcpu.sregs.CR0
	case exitdispatch.RegCR2:
		return vcpu.sregs.CR2
	case exitdispatch.RegCR3:
		return vcpu.sregs.CR3
	case exitdispatch.RegCR4:
		return vcpu.sregs.CR4
	case exitdispatch.RegCR8:
		return vcpu.sregs.CR8
	default:
		return 0
	}
}

// Set implements exitdispatch.GuestState. Writes land in vcpu.regs/sregs and
// are flushed to KVM by syncRegsOut once Dispatch returns, so the guest
// register file is never partially synced mid-exit.
func (vcpu *VCPU) Set(r exitdispatch.Reg, v uint64) {
	switch r {
	case exitdispatch.RegRAX:
		vcpu.regs.RAX = v
	case exitdispatch.RegRBX:
		vcpu.regs.RBX = v
	case exitdispatch.RegRCX:
		vcpu.regs.RCX = v
	case exitdispatch.RegRDX:
		vcpu.regs.RDX = v
	case exitdispatch.RegRSI:
		vcpu.regs.RSI = v
	case exitdispatch.RegRDI:
		vcpu.regs.RDI = v
	case exitdispatch.RegRIP:
		vcpu.regs.RIP = v
	case exitdispatch.RegRFLAGS:
		vcpu.regs.RFLAGS = v
	case exitdispatch.RegCR0:
		vcpu.sregs.CR0 = v
	case exitdispatch.RegCR2:
		vcpu.sregs.CR2 = v
	case exitdispatch.RegCR3:
		vcpu.sregs.CR3 = v
	case exitdispatch.RegCR4:
		vcpu.sregs.CR4 = v
	case exitdispatch.RegCR8:
		vcpu.sregs.CR8 = v
	}
}

func (vcpu *VCPU) syncRegsIn() error {
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return err
	}
	vcpu.regs = *regs

	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return err
	}
	vcpu.sregs = *sregs
	return nil
}

func (vcpu *VCPU) syncRegsOut() error {
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, &vcpu.regs); err != nil {
		return err
	}
	return hypervisor.DoKVMSetSregs(vcpu.fd, &vcpu.sregs)
}

// Run is the VCPU's entry/exit loop: KVM_RUN, decode the exit into an
// exitdispatch.Record, hand it to the Dispatcher, act on the outcome,
// repeat until stopChan closes or a terminal outcome ends the loop. It
// joins the VM's quiescence barrier on entry and leaves it on every
// return path, so a VM-wide mutation never waits on a VCPU that is no
// longer running.
func (vcpu *VCPU) Run() error {
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: entering run loop.\n", vcpu.id)
	}
	defer vcpu.ticker.Stop()

	vcpu.vm.barrier.Join()
	defer vcpu.vm.barrier.Leave()
	vcpu.setState(VCPURunning)

	for {
		select {
		case <-vcpu.vm.stopChan:
			vcpu.setState(VCPUStopped)
			return nil
		default:
		}

		// Safe point: between handling the previous exit and entering the
		// guest for the next, this VCPU parks here if a mutation path has
		// raised the barrier (spec §5 wait_at_barrier).
		vcpu.vm.barrier.WaitAt()

		if vcpu.id == 0 {
			vcpu.checkAndInjectPendingInterrupt()
		}

		if err := hypervisor.DoKVMRun(vcpu.fd); err != nil {
			vcpu.setState(VCPUStopped)
			return fmt.Errorf("KVM_RUN failed for VCPU %d: %w", vcpu.id, err)
		}

		if err := vcpu.syncRegsIn(); err != nil {
			vcpu.setState(VCPUStopped)
			return fmt.Errorf("VCPU %d: failed to sync registers after exit: %w", vcpu.id, err)
		}

		rec, err := vcpu.decodeExit()
		if err != nil {
			vcpu.setState(VCPUStopped)
			return fmt.Errorf("VCPU %d: %w", vcpu.id, err)
		}

		result := vcpu.dispatcher.Dispatch(rec, vcpu)
		vcpu.telemetry.RecordExit(rec.Kind, vcpu.clock.RDTSC())
		if vcpu.telemetry.ShouldPrint(vcpu.clock.RDTSC()) && vcpu.vm.Debug {
			log.Print(vcpu.telemetry.Dump())
		}

		switch result.Outcome {
		case exitdispatch.OutcomeResume:
		case exitdispatch.OutcomeInject:
			vcpu.deliverPendingInterrupt()
		case exitdispatch.OutcomeHalt:
			if vcpu.id == 0 {
				vcpu.checkAndInjectPendingInterrupt()
			}
		case exitdispatch.OutcomeReset:
			if err := vcpu.resetToInit(); err != nil {
				vcpu.setState(VCPUStopped)
				return fmt.Errorf("VCPU %d: reset failed: %w", vcpu.id, err)
			}
			continue
		case exitdispatch.OutcomeFail:
			vcpu.setState(VCPUStopped)
			return fmt.Errorf("VCPU %d: exit handling failed: %w", vcpu.id, result.Err)
		}

		if err := vcpu.syncRegsOut(); err != nil {
			vcpu.setState(VCPUStopped)
			return fmt.Errorf("VCPU %d: failed to sync registers before entry: %w", vcpu.id, err)
		}
	}
}

// resetToInit implements spec §4.8's guest-triggered reset: reload the
// VCPU's register state back to INIT (the same flat boot state
// NewVCPU originally set up) and discard any interrupt-core state
// pending from before the reset, rather than tearing the VCPU's run
// loop down. The VM-wide subsystems (Mmap, IOmap, MSRmap, Hcalls) are
// untouched — a reset is scoped to one VCPU, not the whole VM.
func (vcpu *VCPU) resetToInit() error {
	vcpu.setState(VCPUResetting)
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: guest requested reset, reloading to INIT.\n", vcpu.id)
	}

	if err := vcpu.initRegisters(); err != nil {
		return err
	}

	vcpu.intrCore = intr.NewCore()
	if vcpu.id == 0 {
		vcpu.intrCore.RegisterController(vcpu.vm.picDevice)
	}
	vcpu.dispatcher = exitdispatch.NewDispatcher(vcpu.vm.mem, vcpu.vm.strategy, vcpu.intrCore, vcpu.vm.io, vcpu.vm.msr, vcpu.vm.hcallTable, vcpu.clock)
	vcpu.dispatcher.Fingerprint = vcpu.vm.fingerprint
	vcpu.dispatcher.Translate = identityTranslate
	vcpu.dispatcher.Raw = vcpu.vm

	vcpu.setState(VCPURunning)
	return nil
}

// decodeExit translates the raw KVM exit reason and its union payload into
// an exitdispatch.Record, the boundary between KVM's ABI and the spec's
// vendor-neutral exit kinds.
func (vcpu *VCPU) decodeExit() (*exitdispatch.Record, error) {
	rec := &exitdispatch.Record{GuestRIP: vcpu.regs.RIP}

	switch vcpu.run.ExitReason {
	case hypervisor.ExitIO:
		direction, size, port, count, _ := vcpu.run.IO()
		rec.Kind = exitdispatch.KindIO
		rec.Port = uint16(port)
		rec.Width = int(size)
		if direction == hypervisor.ExitIOOut {
			rec.Direction = exitdispatch.IODirectionOut
		} else {
			rec.Direction = exitdispatch.IODirectionIn
		}
		rec.StringOp = count > 1
		rec.Rep = count > 1
		rec.AddrSize = 4
		// OUT's outgoing value and IN's destination both live in AL/AX/EAX
		// (vcpu.regs, already synced by syncRegsIn), not the kvm_run data
		// buffer — the dispatcher reads/writes RegRAX directly for plain
		// IO and walks guest memory itself for the string form.
		return rec, nil

	case hypervisor.ExitHLT:
		rec.Kind = exitdispatch.KindHLT
		return rec, nil

	case hypervisor.ExitShutdown:
		// KVM_EXIT_SHUTDOWN fires on a triple fault: hardware's own reset
		// condition, not a host-initiated teardown, so it maps to KindReset
		// (OutcomeReset, spec §4.8) rather than failing the VM.
		rec.Kind = exitdispatch.KindReset
		return rec, nil

	case hypervisor.ExitFailEntry:
		rec.Kind = exitdispatch.KindEntryFailure
		return rec, nil

	case hypervisor.ExitIRQWindowOpen:
		rec.Kind = exitdispatch.KindExternalInterruptWindow
		return rec, nil

	case hypervisor.ExitMMIO:
		// MMIO is routed through the nested-paging fault path: a
		// guest-physical trap on a hooked region is handled uniformly,
		// whether hardware reported it as KVM_EXIT_MMIO or an EPT
		// violation.
		physAddr, _, isWrite, _ := vcpu.run.MMIO()
		rec.Kind = exitdispatch.KindNestedPageFault
		rec.NPFault = paging.Fault{Addr: physAddr, Class: paging.FaultNotPresent, Write: isWrite}
		return rec, nil

	default:
		return nil, fmt.Errorf("%w: unhandled kvm exit reason %d", vmerr.UnknownExit, vcpu.run.ExitReason)
	}
}

// checkAndInjectPendingInterrupt consults the interrupt core (the PIC is
// only registered as a controller on VCPU0, mirroring a single-core PIC
// model) and, if the guest's EFLAGS.IF permits, injects the
// highest-priority pending vector via KVM_INTERRUPT.
func (vcpu *VCPU) checkAndInjectPendingInterrupt() {
	const rflagsIF = 1 << 9
	ifSet := vcpu.regs.RFLAGS&rflagsIF != 0

	kind, vector, _, _, ok := vcpu.intrCore.GetIntr(ifSet, false)
	if !ok {
		return
	}
	if err := hypervisor.DoKVMInterrupt(vcpu.fd, uint32(vector)); err != nil {
		log.Printf("VCPU %d: failed to inject vector 0x%x: %v\n", vcpu.id, vector, err)
		return
	}
	vcpu.intrCore.Injecting(kind, vector)
}

// deliverPendingInterrupt injects whatever the interrupt core decided to
// deliver for an OutcomeInject result (exceptions and NMIs, resolved by the
// dispatcher before it returns).
func (vcpu *VCPU) deliverPendingInterrupt() {
	kind, vector, _, _, ok := vcpu.intrCore.GetIntr(true, false)
	if !ok {
		return
	}
	if err := hypervisor.DoKVMInterrupt(vcpu.fd, uint32(vector)); err != nil {
		log.Printf("VCPU %d: failed to inject vector 0x%x: %v\n", vcpu.id, vector, err)
		return
	}
	vcpu.intrCore.Injecting(kind, vector)
}

// Close cleans up resources used by the VCPU.
func (vcpu *VCPU) Close() {
	if vcpu.ticker != nil {
		vcpu.ticker.Stop()
	}
	if vcpu.runMmap != nil {
		_ = unix.Munmap(vcpu.runMmap)
		vcpu.runMmap = nil
		vcpu.run = nil
	}
	if vcpu.fd != 0 {
		_ = unix.Close(int(vcpu.fd))
		vcpu.fd = 0
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: closed.\n", vcpu.id)
	}
}
