package core_engine

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/v3vee-go/vmmcore/barrier"
	"github.com/v3vee-go/vmmcore/core_engine/devices"
	"github.com/v3vee-go/vmmcore/core_engine/hypervisor"
	"github.com/v3vee-go/vmmcore/core_engine/network"
	"github.com/v3vee-go/vmmcore/exitdispatch"
	"github.com/v3vee-go/vmmcore/hcall"
	"github.com/v3vee-go/vmmcore/hostenv"
	"github.com/v3vee-go/vmmcore/hostevents"
	"github.com/v3vee-go/vmmcore/intr"
	"github.com/v3vee-go/vmmcore/iomap"
	"github.com/v3vee-go/vmmcore/mmap"
	"github.com/v3vee-go/vmmcore/msrmap"
	"github.com/v3vee-go/vmmcore/paging"
	"github.com/v3vee-go/vmmcore/vtime"
)

// VMState is the VM-wide run state of spec §3: {INVALID, RUNNING,
// STOPPED, ERROR}. A freshly constructed VM is INVALID until Run is
// called; it becomes RUNNING for the duration of Run, then STOPPED if
// every VCPU exited because Stop was called, or
// ERROR if any VCPU's run loop returned an unhandled-exit failure.
type VMState int

const (
	VMInvalid VMState = iota
	VMRunning
	VMStopped
	VMError
)

func (s VMState) String() string {
	switch s {
	case VMRunning:
		return "RUNNING"
	case VMStopped:
		return "STOPPED"
	case VMError:
		return "ERROR"
	default:
		return "INVALID"
	}
}

// hcallRaiseSerialIRQ is the id a guest uses to request IRQ4 (the
// serial port's line) be raised through the VM-wide router list — a
// debug/self-test hook exercising intr.Routers end to end; real IRQ
// lines are normally raised by a device model calling its
// InterruptRaiser directly rather than going through a hypercall.
// Device-/extension-defined ids live outside hcall's reserved
// core-service range (see hcall/reserved.go).
const hcallRaiseSerialIRQ uint16 = 0x4000

// picIRQRouter adapts PICDevice's InterruptRaiser methods onto
// intr.Router, so the single PIC in this configuration can also be
// reached through the VM-wide intr.Routers consultation list rather
// than only via device models holding a direct reference to it.
type picIRQRouter struct {
	pic *devices.PICDevice
}

func (p *picIRQRouter) Raise(irq int) bool {
	if irq < 0 || irq > 15 {
		return false
	}
	p.pic.RaiseIRQ(uint8(irq))
	return true
}

func (p *picIRQRouter) Lower(irq int) bool {
	if irq < 0 || irq > 15 {
		return false
	}
	p.pic.LowerIRQ(uint8(irq))
	return true
}

// VirtualMachine owns one guest's KVM VM file descriptor, its guest
// memory, and the VM-wide subsystems (Mmap, paging Strategy, IOmap,
// MSRmap, Hcalls, interrupt Routers) every VCPU's exitdispatch.Dispatcher
// shares; each VCPU additionally owns a private interrupt Core and
// virtual Clock (see vcpu.go).
type VirtualMachine struct {
	vmFD        uintptr
	kvmFD       uintptr
	guestMemory []byte
	vcpus       []*VCPU

	mem        *mmap.Map
	strategy   paging.Strategy
	io         *iomap.Table
	msr        *msrmap.Map
	hcallTable *hcall.Table
	routers    *intr.Routers
	barrier    *barrier.Gate

	env     *hostenv.Environment
	hostTSC vtime.HostTSC
	events  *hostevents.Bus

	picDevice      *devices.PICDevice
	pitDevice      *devices.PITDevice
	serialDevice   *devices.SerialPortDevice
	rtcDevice      *devices.RTCDevice
	keyboardDevice *devices.KeyboardDevice
	ne2000Device   *devices.NE2000Device
	tapDevice      *network.TapDevice

	telemetryGranularity uint64
	fingerprint          exitdispatch.VendorFingerprint
	entryPoint           uint64

	MemorySize uint64
	NumVCPUs   int
	stopChan   chan struct{}
	Debug      bool

	stateMu sync.Mutex
	state   VMState
}

// RunState reports the VM's current run state (spec §3).
func (vm *VirtualMachine) RunState() VMState {
	vm.stateMu.Lock()
	defer vm.stateMu.Unlock()
	return vm.state
}

func (vm *VirtualMachine) setRunState(s VMState) {
	vm.stateMu.Lock()
	vm.state = s
	vm.stateMu.Unlock()
}

// ReadAt implements exitdispatch.RawMemory: hostBacking is the offset a
// region's HostBacking field (plus TranslateGPAToHPA's gpa adjustment)
// resolves to within vm.guestMemory, since every RAM region in this VM
// maps host_backing == guest_phys_addr (a flat single-slot guest).
func (vm *VirtualMachine) ReadAt(hostBacking uint64, buf []byte) error {
	if hostBacking+uint64(len(buf)) > uint64(len(vm.guestMemory)) {
		return fmt.Errorf("core_engine: ReadAt out of bounds: 0x%x+%d", hostBacking, len(buf))
	}
	copy(buf, vm.guestMemory[hostBacking:])
	return nil
}

// WriteAt implements exitdispatch.RawMemory, the write-side counterpart
// of ReadAt.
func (vm *VirtualMachine) WriteAt(hostBacking uint64, buf []byte) error {
	if hostBacking+uint64(len(buf)) > uint64(len(vm.guestMemory)) {
		return fmt.Errorf("core_engine: WriteAt out of bounds: 0x%x+%d", hostBacking, len(buf))
	}
	copy(vm.guestMemory[hostBacking:], buf)
	return nil
}

// NewVirtualMachine creates and initializes a new virtual machine: opens
// /dev/kvm, allocates and installs guest memory, wires the VM-wide
// device and dispatch subsystems, and loads the flat protected-mode
// bootstrap (GDT + an identity-mapped page directory, unused until a
// guest chooses to enable its own paging).
func NewVirtualMachine(memSize uint64, numVCPUs int, enableDebug bool) (*VirtualMachine, error) {
	if memSize == 0 {
		memSize = 128 * 1024 * 1024
	}
	if numVCPUs == 0 {
		numVCPUs = 1
	}

	kvmFD, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/kvm: %w", err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(uintptr(kvmFD))
	if err != nil {
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to create KVM VM: %w", err)
	}

	guestMem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		unix.Close(int(vmFD))
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to mmap guest memory: %w", err)
	}

	if err := hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, memSize, uintptr(unsafe.Pointer(&guestMem[0]))); err != nil {
		unix.Munmap(guestMem)
		unix.Close(int(vmFD))
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to set user memory region: %w", err)
	}

	env := hostenv.NewLinuxEnvironment(unix.Getpagesize(), estimateTSCFrequency())

	mem := mmap.New()
	if err := mem.Add(&mmap.Region{
		GuestStart:  0,
		GuestEnd:    memSize,
		Kind:        mmap.KindRAM,
		HostBacking: 0,
		Flags:       mmap.FlagPresent | mmap.FlagReadable | mmap.FlagWritable | mmap.FlagExecutable | mmap.FlagAllocated,
	}); err != nil {
		unix.Munmap(guestMem)
		unix.Close(int(vmFD))
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to register guest RAM region: %w", err)
	}
	strategy := paging.NewNested(mem, nil)

	ioTable := iomap.New()
	pic := devices.NewPICDevice()
	pit := devices.NewPITDevice(pic)
	serial := devices.NewSerialPortDevice(os.Stdout, pic)
	rtc := devices.NewRTCDevice(pic)
	keyboard := devices.NewKeyboardDevice(pic)

	tap, err := network.NewTapDevice("tap0")
	if err != nil {
		unix.Munmap(guestMem)
		unix.Close(int(vmFD))
		unix.Close(kvmFD)
		return nil, fmt.Errorf("failed to create TAP device: %w", err)
	}
	ne2000 := devices.NewNE2000Device([6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}, tap, pic)

	if err := devices.RegisterPioRange(ioTable, devices.PIC_MASTER_CMD_PORT, devices.PIC_MASTER_DATA_PORT, pic); err != nil {
		return nil, fmt.Errorf("failed to register PIC master ports: %w", err)
	}
	if err := devices.RegisterPioRange(ioTable, devices.PIC_SLAVE_CMD_PORT, devices.PIC_SLAVE_DATA_PORT, pic); err != nil {
		return nil, fmt.Errorf("failed to register PIC slave ports: %w", err)
	}
	if err := devices.RegisterPioRange(ioTable, devices.PIT_PORT_COUNTER0, devices.PIT_PORT_COMMAND, pit); err != nil {
		return nil, fmt.Errorf("failed to register PIT counter/command ports: %w", err)
	}
	if err := devices.RegisterPioRange(ioTable, devices.PIT_PORT_STATUS, devices.PIT_PORT_STATUS, pit); err != nil {
		return nil, fmt.Errorf("failed to register PIT status port: %w", err)
	}
	if err := devices.RegisterPioRange(ioTable, devices.COM1_PORT_BASE, devices.COM1_PORT_END, serial); err != nil {
		return nil, fmt.Errorf("failed to register serial ports: %w", err)
	}
	if err := devices.RegisterPioRange(ioTable, devices.RTC_PORT_INDEX, devices.RTC_PORT_DATA, rtc); err != nil {
		return nil, fmt.Errorf("failed to register RTC ports: %w", err)
	}
	if err := devices.RegisterPioRange(ioTable, devices.KEYBOARD_PORT_DATA, devices.KEYBOARD_PORT_DATA, keyboard); err != nil {
		return nil, fmt.Errorf("failed to register keyboard data port: %w", err)
	}
	if err := devices.RegisterPioRange(ioTable, devices.KEYBOARD_PORT_STATUS, devices.KEYBOARD_PORT_STATUS, keyboard); err != nil {
		return nil, fmt.Errorf("failed to register keyboard status port: %w", err)
	}
	if err := devices.RegisterPioRange(ioTable, devices.NE2000_BASE_PORT, devices.NE2000_BASE_PORT+devices.NE2000_PORT_RANGE_SIZE-1, ne2000); err != nil {
		return nil, fmt.Errorf("failed to register NE2000 ports: %w", err)
	}

	routers := intr.NewRouters()
	routers.Register(&picIRQRouter{pic: pic})

	events := hostevents.New()
	events.Subscribe(hostevents.KindKeyboard, func(event any) error {
		ke, ok := event.(hostevents.KeyboardEvent)
		if !ok {
			return fmt.Errorf("core_engine: keyboard event has unexpected type %T", event)
		}
		keyboard.Inject(ke.Scancode)
		return nil
	})

	hcallTable := hcall.New()
	if err := hcallTable.Register(hcallRaiseSerialIRQ, func(id uint16, opaque any) int64 {
		rt := opaque.(*intr.Routers)
		if rt.RaiseIRQ(int(devices.SERIAL_IRQ)) {
			return 0
		}
		return hcall.NotRegistered
	}, routers); err != nil {
		return nil, fmt.Errorf("failed to register raise-irq hypercall: %w", err)
	}

	vm := &VirtualMachine{
		vmFD:        vmFD,
		kvmFD:       uintptr(kvmFD),
		guestMemory: guestMem,

		mem:        mem,
		strategy:   strategy,
		io:         ioTable,
		msr:        msrmap.New(),
		hcallTable: hcallTable,
		routers:    routers,

		env:     env,
		hostTSC: func() uint64 { return uint64(env.MonotonicNow().UnixNano()) },
		events:  events,

		picDevice:      pic,
		pitDevice:      pit,
		serialDevice:   serial,
		rtcDevice:      rtc,
		keyboardDevice: keyboard,
		ne2000Device:   ne2000,
		tapDevice:      tap,

		telemetryGranularity: 1_000_000,
		fingerprint:          exitdispatch.VendorFingerprint{EAX: 0, EBX: 0x33657633, ECX: 0x65656576, EDX: 0x6d6d6376}, // "3ev3" "eevee" "vmmc"
		entryPoint:           0,

		MemorySize: memSize,
		NumVCPUs:   numVCPUs,
		stopChan:   make(chan struct{}),
		Debug:      enableDebug,
		state:      VMInvalid,
	}

	// Every VM-wide mutation path (Mmap, IOmap, MSRmap, Hcalls) acquires
	// this barrier before touching shared state, per spec §5. It starts
	// with zero participants so registrations made here during
	// construction (before any VCPU run loop exists) never block; each
	// VCPU joins when its Run loop starts and leaves when it exits.
	vm.barrier = barrier.NewGate(0)
	vm.mem.SetBarrier(vm.barrier)
	vm.io.SetBarrier(vm.barrier)
	vm.msr.SetBarrier(vm.barrier)
	vm.hcallTable.SetBarrier(vm.barrier)

	for i := 0; i < numVCPUs; i++ {
		vcpu, err := NewVCPU(vm, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("failed to create VCPU %d: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	// The telemetry-dump hypercall reports VCPU 0's recorder: hcall.Table
	// is VM-wide but telemetry.Recorder is per-VCPU (each VCPU advances
	// its own TSC independently), so a guest asking for a snapshot gets
	// its boot VCPU's exit-count history rather than an aggregate.
	if err := hcallTable.Register(hcall.Telemetry, vm.vcpus[0].telemetry.HypercallHandler(func(dump string) {
		if vm.Debug {
			log.Print(dump)
		}
	}), nil); err != nil {
		vm.Close()
		return nil, fmt.Errorf("failed to register telemetry hypercall: %w", err)
	}

	if err := vm.loadBootstrap(); err != nil {
		vm.Close()
		return nil, err
	}

	if enableDebug {
		log.Println("VirtualMachine: KVM VM and VCPU(s) created successfully. GDT and page directory loaded.")
	}
	return vm, nil
}

// loadBootstrap writes the flat-32-bit-protected-mode GDT and an
// identity-mapped page directory into low guest memory. The page
// directory is never activated by this core (the guest's CR0.PG stays
// clear until a loaded guest chooses otherwise) but is provided so a
// guest that does enable paging finds a usable identity map already in
// place, mirroring the teacher's original boot sequence.
func (vm *VirtualMachine) loadBootstrap() error {
	const gdtBase = 0x500
	gdt := []hypervisor.GDTEntry{
		hypervisor.NewGDTEntry(0, 0, 0, 0),            // null descriptor
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x9A, 0xC), // code: present, DPL0, exec/read
		hypervisor.NewGDTEntry(0, 0xFFFFF, 0x92, 0xC), // data: present, DPL0, read/write
	}
	gdtBytes := make([]byte, len(gdt)*8)
	for i, entry := range gdt {
		b := entry.Bytes()
		copy(gdtBytes[i*8:], b[:])
	}
	if gdtBase+uint64(len(gdtBytes)) > vm.MemorySize {
		return fmt.Errorf("GDT too large for guest memory")
	}
	copy(vm.guestMemory[gdtBase:], gdtBytes)
	if vm.Debug {
		log.Printf("VirtualMachine: GDT constructed and loaded at 0x%x (%d entries).", gdtBase, len(gdt))
	}

	const pdBase = 0x1000
	if pdBase+4096 > vm.MemorySize {
		return fmt.Errorf("page directory too large for guest memory")
	}
	pdeFlags := paging.PTEPresent | paging.PTEReadWrite | paging.PTEUserSuper | paging.PDEPageSize
	pde := paging.NewPDE4MB(0x0, pdeFlags)
	binary.LittleEndian.PutUint32(vm.guestMemory[pdBase:], pde)
	if vm.Debug {
		log.Printf("VirtualMachine: page directory set up at 0x%x, first PDE identity-maps 0x0-0x3FFFFF.", pdBase)
	}
	return nil
}

// LoadBinary loads a binary image (e.g. a bootloader or kernel) into
// guest memory at address.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if address+uint64(len(image)) > vm.MemorySize {
		return fmt.Errorf("binary image too large or address out of bounds")
	}
	copy(vm.guestMemory[address:], image)
	if vm.Debug {
		log.Printf("VirtualMachine: loaded %d bytes into guest memory at 0x%x\n", len(image), address)
	}
	return nil
}

// Run starts every VCPU's run loop and blocks until they have all
// returned (either because Stop was called or a VCPU failed; a guest HLT
// or a triple-fault reset does not end a run loop). VCPU goroutines are fanned out and their errors
// collected with errgroup.Group, replacing a hand-rolled done-channel.
func (vm *VirtualMachine) Run() error {
	if vm.Debug {
		log.Println("VirtualMachine: starting VCPU run loops...")
	}
	vm.events.Start()
	vm.setRunState(VMRunning)

	var g errgroup.Group
	for _, vcpu := range vm.vcpus {
		vcpu := vcpu
		g.Go(func() error {
			err := vcpu.Run()
			if err != nil {
				log.Printf("VCPU %d exited with error: %v", vcpu.id, err)
			} else if vm.Debug {
				log.Printf("VCPU %d exited normally.", vcpu.id)
			}
			return err
		})
	}

	err := g.Wait()
	if vm.Debug {
		log.Println("VirtualMachine: all VCPUs have completed their run loops.")
	}
	if err != nil {
		vm.setRunState(VMError)
	} else {
		vm.setRunState(VMStopped)
	}
	return err
}

// Stop signals every VCPU's run loop to exit at its next iteration.
func (vm *VirtualMachine) Stop() {
	if vm.Debug {
		log.Println("VirtualMachine: sending stop signal to VCPUs...")
	}
	vm.events.Stop()
	select {
	case <-vm.stopChan:
		// already closed
	default:
		close(vm.stopChan)
	}
}

// Close tears down every VCPU and host resource the VM owns. Idempotent.
func (vm *VirtualMachine) Close() {
	if vm.Debug {
		log.Println("VirtualMachine: closing...")
	}
	vm.Stop()

	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close()
		}
	}
	if vm.guestMemory != nil {
		unix.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.tapDevice != nil {
		if err := vm.tapDevice.Close(); err != nil {
			log.Printf("VirtualMachine: error closing TAP device: %v", err)
		}
		vm.tapDevice = nil
	}
	if vm.vmFD != 0 {
		unix.Close(int(vm.vmFD))
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		unix.Close(int(vm.kvmFD))
		vm.kvmFD = 0
	}
	if vm.Debug {
		log.Println("VirtualMachine: closed.")
	}
}

// SetSerialOutput redirects the serial device's output to w (e.g. a host
// console bridge), in place of the os.Stdout it's constructed with.
func (vm *VirtualMachine) SetSerialOutput(w io.Writer) {
	vm.serialDevice.SetOutput(w)
}

// EventBus returns the VM's host-event dispatcher, for a host console
// bridge to deliver keyboard/mouse/serial/console/packet events into the
// running guest.
func (vm *VirtualMachine) EventBus() *hostevents.Bus {
	return vm.events
}

// GetVCPU returns a specific VCPU by its ID.
func (vm *VirtualMachine) GetVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("VCPU ID %d out of range", id)
	}
	return vm.vcpus[id], nil
}

// estimateTSCFrequency returns a plausible host TSC frequency for
// Environment.TSCFrequency when the real value isn't probed (e.g. from
// cpuid leaf 0x15/0x16). 2 GHz is a reasonable stand-in for virtualized
// RDTSC-aware guest timing code that only needs a nonzero, stable ratio,
// not true host-matching precision.
func estimateTSCFrequency() uint64 {
	return 2_000_000_000
}
