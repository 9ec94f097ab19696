// Package hypervisor wraps the Linux KVM ioctl surface used to back a
// single guest: VM/VCPU creation, register access, memory-slot
// installation, and the mmap'd kvm_run page VM entry/exit loops through.
//
// The ioctl request numbers below are the real KVM ABI numbers (not
// placeholders) — cross-checked against a second independent Go KVM
// binding in the example pack, since the numbers are fixed kernel ABI
// and do not vary by implementation.
package hypervisor

import (
	"errors"
	"syscall"
	"unsafe"
)

const (
	KVMGetAPIVersion       = 44544
	KVMCreateVM            = 44545
	KVMCreateVCPU          = 44609
	KVMRun                 = 44672
	KVMGetVCPUMMapSize     = 44548
	KVMGetSregs            = 0x8138ae83
	KVMSetSregs            = 0x4138ae84
	KVMGetRegs             = 0x8090ae81
	KVMSetRegs             = 0x4090ae82
	KVMSetUserMemoryRegion = 1075883590
	KVMSetTSSAddr          = 0xae47
	KVMSetIdentityMapAddr  = 0x4008ae48
	KVMCreateIRQChip       = 0xae60
	KVMCreatePIT2          = 0x4040ae77
	KVMGetSupportedCPUID   = 0xc008ae05
	KVMSetCPUID2           = 0x4008ae90
	KVMIRQLine             = 0xc008ae67
	KVMInterrupt           = 0x4004ae86

	// KVM_EXIT_* reason codes, matching <linux/kvm.h>.
	ExitUnknown       = 0
	ExitException     = 1
	ExitIO            = 2
	ExitHypercall     = 3
	ExitDebug         = 4
	ExitHLT           = 5
	ExitMMIO          = 6
	ExitIRQWindowOpen = 7
	ExitShutdown      = 8
	ExitFailEntry     = 9
	ExitIntr          = 10
	ExitSetTPR        = 11
	ExitTPRAccess     = 12
	ExitNMI           = 16
	ExitInternalError = 17

	ExitIOIn  = 0
	ExitIOOut = 1

	numInterrupts = 0x100
)

var ErrUnexpectedExitReason = errors.New("hypervisor: unexpected kvm exit reason")

// Regs mirrors struct kvm_regs.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Sregs mirrors struct kvm_sregs.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Descriptor
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(numInterrupts + 63) / 64]uint64
}

// Segment mirrors struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor mirrors struct kvm_dtable (GDTR/IDTR).
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// RunData mirrors the fixed-size prefix of the mmap'd struct kvm_run;
// per-exit-kind fields live in the trailing union, decoded by IO below
// for KVM_EXIT_IO and left to exitdispatch adapters for the rest.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the union fields valid when ExitReason == ExitIO: direction,
// operand size in bytes, port number, repeat count (string I/O), and the
// byte offset of the data buffer within the kvm_run page.
func (r *RunData) IO() (direction, size, port, count, dataOffset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	dataOffset = r.Data[1]
	return
}

// MMIO decodes the union fields valid when ExitReason == ExitMMIO: the
// faulting guest-physical address, the access width in bytes, whether it
// was a write, and (for a write) the value the guest stored.
func (r *RunData) MMIO() (physAddr uint64, length uint32, isWrite bool, value uint64) {
	physAddr = r.Data[0]
	dataWord := r.Data[1]
	length = uint32(r.Data[2] & 0xFFFFFFFF)
	isWrite = (r.Data[2]>>32)&0xFF != 0
	if length > 8 {
		length = 8
	}
	value = dataWord & widthMask64(length)
	return
}

func widthMask64(size uint32) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * size)) - 1
}

// GDTEntry is one raw 8-byte x86 global descriptor table entry, the
// in-guest-memory format a segment selector indexes into — distinct from
// Segment, which is the live KVM register-file view of a selector
// already loaded into a segment register.
type GDTEntry uint64

// NewGDTEntry packs a segment descriptor's base/limit/access/flags into
// the standard 8-byte GDT encoding (access and flags are the low 8 and
// low 4 bits of their respective fields; the rest is ignored).
func NewGDTEntry(base uint64, limit uint32, access, flags uint8) GDTEntry {
	e := uint64(limit) & 0xFFFF
	e |= (base & 0xFFFFFF) << 16
	e |= uint64(access) << 40
	e |= uint64(limit>>16&0xF) << 48
	e |= uint64(flags&0xF) << 52
	e |= (base >> 24 & 0xFF) << 56
	return GDTEntry(e)
}

// Bytes returns the entry's 8-byte little-endian guest-memory encoding.
func (e GDTEntry) Bytes() [8]byte {
	var b [8]byte
	v := uint64(e)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region, used
// by KVMSetUserMemoryRegion to install a guest-physical memory slot
// backed by a host mmap.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func (r *UserspaceMemoryRegion) SetLogDirtyPages() { r.Flags |= 1 << 0 }
func (r *UserspaceMemoryRegion) SetReadonly()      { r.Flags |= 1 << 1 }

// IRQLevel mirrors struct kvm_irq_level, used by KVM_IRQ_LINE.
type IRQLevel struct {
	IRQ   uint32
	Level uint32
}

// PitConfig mirrors struct kvm_pit_config, used by KVM_CREATE_PIT2.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// CPUID mirrors struct kvm_cpuid2.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

func ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}
	return res, nil
}

func GetAPIVersion(kvmFD uintptr) (uintptr, error) {
	return ioctl(kvmFD, uintptr(KVMGetAPIVersion), 0)
}

func DoKVMCreateVM(kvmFD uintptr) (uintptr, error) {
	return ioctl(kvmFD, uintptr(KVMCreateVM), 0)
}

func DoKVMCreateVCPU(vmFD uintptr, vcpuID int) (uintptr, error) {
	return ioctl(vmFD, uintptr(KVMCreateVCPU), uintptr(vcpuID))
}

// DoKVMRun executes one VM entry, returning to the caller on the next VM
// exit. EAGAIN/EINTR are not real failures — KVM_RUN can be interrupted
// by a pending host signal and must simply be retried by the caller's run
// loop.
func DoKVMRun(vcpuFD uintptr) error {
	_, err := ioctl(vcpuFD, uintptr(KVMRun), 0)
	if err != nil {
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
			return nil
		}
		return err
	}
	return nil
}

func GetVCPUMMapSize(kvmFD uintptr) (uintptr, error) {
	return ioctl(kvmFD, uintptr(KVMGetVCPUMMapSize), 0)
}

func DoKVMGetRegs(vcpuFD uintptr) (*Regs, error) {
	var regs Regs
	_, err := ioctl(vcpuFD, uintptr(KVMGetRegs), uintptr(unsafe.Pointer(&regs)))
	if err != nil {
		return nil, err
	}
	return &regs, nil
}

func DoKVMSetRegs(vcpuFD uintptr, regs *Regs) error {
	_, err := ioctl(vcpuFD, uintptr(KVMSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func DoKVMGetSregs(vcpuFD uintptr) (*Sregs, error) {
	var sregs Sregs
	_, err := ioctl(vcpuFD, uintptr(KVMGetSregs), uintptr(unsafe.Pointer(&sregs)))
	if err != nil {
		return nil, err
	}
	return &sregs, nil
}

func DoKVMSetSregs(vcpuFD uintptr, sregs *Sregs) error {
	_, err := ioctl(vcpuFD, uintptr(KVMSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}

func DoKVMSetUserMemoryRegion(vmFD uintptr, slot uint32, guestPhysAddr, memorySize uint64, userspaceAddr uintptr) error {
	region := UserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: uint64(userspaceAddr),
	}
	_, err := ioctl(vmFD, uintptr(KVMSetUserMemoryRegion), uintptr(unsafe.Pointer(&region)))
	return err
}

func DoKVMSetTSSAddr(vmFD uintptr, addr uint32) error {
	_, err := ioctl(vmFD, uintptr(KVMSetTSSAddr), uintptr(addr))
	return err
}

func DoKVMSetIdentityMapAddr(vmFD uintptr, addr uint64) error {
	_, err := ioctl(vmFD, uintptr(KVMSetIdentityMapAddr), uintptr(unsafe.Pointer(&addr)))
	return err
}

func DoKVMCreateIRQChip(vmFD uintptr) error {
	_, err := ioctl(vmFD, uintptr(KVMCreateIRQChip), 0)
	return err
}

func DoKVMCreatePIT2(vmFD uintptr) error {
	pit := PitConfig{}
	_, err := ioctl(vmFD, uintptr(KVMCreatePIT2), uintptr(unsafe.Pointer(&pit)))
	return err
}

// DoKVMIRQLine raises or lowers gsi in the in-kernel IRQ-chip model
// (level=1 asserted, level=0 deasserted; edge-triggered lines must be
// raised then immediately lowered by the caller).
func DoKVMIRQLine(vmFD uintptr, gsi, level uint32) error {
	irqLevel := IRQLevel{IRQ: gsi, Level: level}
	_, err := ioctl(vmFD, uintptr(KVMIRQLine), uintptr(unsafe.Pointer(&irqLevel)))
	return err
}

// DoKVMInterrupt injects vector as an external (maskable) interrupt
// into the vcpu via KVM_INTERRUPT; the caller must have
// already confirmed the vcpu is ready for interrupt injection (kvm_run.
// ReadyForInterruptInjection) or EFLAGS.IF masking will defer it.
func DoKVMInterrupt(vcpuFD uintptr, vector uint32) error {
	_, err := ioctl(vcpuFD, uintptr(KVMInterrupt), uintptr(unsafe.Pointer(&vector)))
	return err
}

func DoKVMGetSupportedCPUID(kvmFD uintptr, cpuid *CPUID) error {
	_, err := ioctl(kvmFD, uintptr(KVMGetSupportedCPUID), uintptr(unsafe.Pointer(cpuid)))
	return err
}

func DoKVMSetCPUID2(vcpuFD uintptr, cpuid *CPUID) error {
	_, err := ioctl(vcpuFD, uintptr(KVMSetCPUID2), uintptr(unsafe.Pointer(cpuid)))
	return err
}
