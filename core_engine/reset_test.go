package core_engine_test

import (
	"testing"
	"time"

	core_engine "github.com/v3vee-go/vmmcore/core_engine"
)

// TestVCPUTripleFaultResetsToInit verifies that a guest triple fault
// (KVM_EXIT_SHUTDOWN) reloads the VCPU back to INIT and resumes its run
// loop, instead of tearing the VM down with an error. The bootloader
// loads IDTR with a zero limit, then raises #DE (divide by zero):
// with no usable IDT the CPU can't vector the exception and escalates
// to a triple fault.
func TestVCPUTripleFaultResetsToInit(t *testing.T) {
	noIDTDivideByZero := []byte{
		0x0F, 0x01, 0x1D, 0x20, 0x00, 0x00, 0x00, // LIDT [0x20] (limit=0, base=0)
		0x31, 0xD2, // XOR EDX, EDX
		0xB8, 0x01, 0x00, 0x00, 0x00, // MOV EAX, 1
		0xF7, 0xF2, // DIV EDX  -> #DE, unvectorable, triple fault
	}

	vm, err := core_engine.NewVirtualMachine(1*1024*1024, 1, false)
	if err != nil {
		t.Fatalf("failed to create VirtualMachine: %v", err)
	}
	defer vm.Close()

	// A 6-byte IDTR (limit uint16, base uint32) with limit 0 at 0x20.
	if err := vm.LoadBinary([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, 0x20); err != nil {
		t.Fatalf("failed to load IDTR: %v", err)
	}
	if err := vm.LoadBinary(noIDTDivideByZero, 0x0); err != nil {
		t.Fatalf("failed to load bootloader: %v", err)
	}

	vcpu, err := vm.GetVCPU(0)
	if err != nil {
		t.Fatalf("failed to get VCPU 0: %v", err)
	}

	runErrChan := make(chan error, 1)
	go func() { runErrChan <- vm.Run() }()

	// Give the VCPU time to triple fault, reset, and re-enter at the same
	// faulting code; it'll keep looping through the reset until Stop.
	time.Sleep(200 * time.Millisecond)
	if got := vcpu.State(); got != core_engine.VCPURunning {
		t.Errorf("expected VCPU to be RUNNING after reset-and-resume, got %s", got)
	}
	if got := vm.RunState(); got != core_engine.VMRunning {
		t.Errorf("expected VM to remain RUNNING across a guest-triggered reset, got %s", got)
	}

	vm.Stop()
	select {
	case err := <-runErrChan:
		if err != nil {
			t.Errorf("expected vm.Run to return nil after Stop, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("vm.Run did not return after Stop")
	}

	if got := vm.RunState(); got != core_engine.VMStopped {
		t.Errorf("expected VM state STOPPED after Run returns following Stop, got %s", got)
	}
}
