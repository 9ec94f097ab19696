package core_engine_test

import (
	"bytes"
	// "fmt" // Not needed for the simplified version
	// "log" // Unused
	"os"
	"strings"
	"testing"
	"time"

	core_engine "github.com/v3vee-go/vmmcore/core_engine"
)

// TestProtectedModeBootEchoAndHalt verifies that the VM can boot the PM bootloader,
// (conceptually) echo 'P' to serial, and then halt.
func TestProtectedModeBootEchoAndHalt(t *testing.T) {
	// VCPU reset in this core lands directly in flat 32-bit protected
	// mode (CS/DS/ES/FS/GS/SS already loaded as flat segments, RIP at
	// the loaded image's base) rather than real mode, so the bootstrap
	// needs no mode-switching preamble:
	//   mov eax, 0x10; mov ds,ax; mov es,ax; mov fs,ax; mov gs,ax; mov ss,ax
	//   mov al,'P'; mov edx,0x3f8; out dx,al; hlt
	protectedModeBootloaderBinary := []byte{
		0xB8, 0x10, 0x00, 0x00, 0x00, // MOV EAX, 0x00000010 (data segment selector)
		0x8E, 0xD8, // MOV DS, AX
		0x8E, 0xC0, // MOV ES, AX
		0x8E, 0xE0, // MOV FS, AX
		0x8E, 0xE8, // MOV GS, AX
		0x8E, 0xD0, // MOV SS, AX
		0xB0, 'P', // MOV AL, 'P'
		0xBA, 0xF8, 0x03, 0x00, 0x00, // MOV EDX, 0x000003F8 (COM1 data port)
		0xEE, // OUT DX, AL
		0xF4, // HLT
	}

	// Redirect os.Stdout to capture serial output for this test
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	defer func() {
		os.Stdout = oldStdout // Restore stdout
		w.Close()
		r.Close()
	}()

	outputCapture := make(chan string)
	go func() {
		var buf bytes.Buffer
		// For some reason, io.Copy blocks here. Reading byte by byte works.
		// This might be due to how os.Pipe() and KVM/serial output interact.
		// A small buffer for read might be better.
		p := make([]byte, 128)
		for {
			n, err := r.Read(p)
			if n > 0 {
				buf.Write(p[:n])
				// Check if expected output is found, to avoid blocking indefinitely if HLT doesn't stop output.
				if strings.Contains(buf.String(), "P") { // Or a more specific marker if HLT also logs
					break
				}
			}
			if err != nil { // Such as io.EOF when w is closed by defer
				break
			}
		}
		outputCapture <- buf.String()
	}()


	vm, err := core_engine.NewVirtualMachine(1*1024*1024, 1, true) // 1MB, 1 VCPU, debug enabled
	if err != nil {
		w.Close() // Close pipe early on VM creation failure
		r.Close()
		// Drain outputCapture to prevent goroutine leak if it wrote something
		// but usually it won't if VM setup fails.
		// However, if NewVirtualMachine logs to stdout, it would be captured.
		// For robustness:
		select {
		case <-outputCapture:
		default:
		}
		t.Fatalf("Failed to create VirtualMachine: %v", err)
	}

	// Load the protected mode bootloader binary
	err = vm.LoadBinary(protectedModeBootloaderBinary, 0x0)
	if err != nil {
		vm.Close() // Ensure VM resources are cleaned up
		w.Close()
		r.Close()
		select {
		case <-outputCapture:
		default:
		}
		t.Fatalf("Failed to load bootloader binary: %v", err)
	}

	runErrChan := make(chan error, 1)
	go func() {
		runErrChan <- vm.Run()
	}()

	var capturedOutput string
	var runErr error

	// HLT does not end Run (the VCPU stays in its run loop), so wait for
	// the serial output, then Stop the VM and wait for Run to return.
	gotOutput := false
	select {
	case capturedOutput = <-outputCapture:
		gotOutput = true
	case <-time.After(3 * time.Second): // Timeout for the test
		t.Error("no serial output after 3 seconds.")
	}

	vm.Stop()
	select {
	case runErr = <-runErrChan:
	case <-time.After(3 * time.Second):
		t.Fatal("VM run did not return within 3 seconds of Stop.")
	}

	w.Close() // Close the writer part of the pipe, so reader goroutine can unblock
	if !gotOutput {
		capturedOutput = <-outputCapture // Wait for the reader goroutine to finish
	}

	if runErr != nil {
		t.Logf("VM run completed with error: %v (Run is expected to return nil after Stop, so this might indicate other issues)", runErr)
	}

	// Check serial output (which is now in capturedOutput)
	expectedChar := "P"
	if !strings.Contains(capturedOutput, expectedChar) {
		// Log the full captured output for diagnostics if it's not too long
		logLimit := 200
		if len(capturedOutput) > logLimit {
			t.Errorf("Expected serial output to contain %q. Got: %q... (truncated)", expectedChar, capturedOutput[:logLimit])
		} else {
			t.Errorf("Expected serial output to contain %q. Got: %q", expectedChar, capturedOutput)
		}
	} else {
		t.Logf("Serial output contained expected character %q. Output: %q", expectedChar, capturedOutput)
	}

	// Check if "VCPU Halted" message is in logs (since debug is true)
	// This is an indirect check. A better way would be for vm.Run() to signal halt status.
	if !strings.Contains(capturedOutput, "VCPU 0: Halted Successfully") {
		t.Logf("VCPU halt message not found in captured output. This might be fine if logging is off or redirected differently during test runs.")
	}

	vm.Close() // Ensure cleanup
}
