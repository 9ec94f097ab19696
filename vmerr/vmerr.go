// Package vmerr defines the core's error taxonomy. Handlers never return
// language-specific panics to the dispatcher; they return one of these
// sentinels (wrapped with context via fmt.Errorf("...: %w", err)) or nil.
package vmerr

import (
	"errors"
	"strconv"
)

// Sentinel errors. Use errors.Is to classify an error returned from a
// handler; use errors.As to recover a *Fault carrying the injection detail.
var (
	// GuestFault means the guest executed something that requires
	// injection of an architectural exception. Recoverable: inject, resume.
	GuestFault = errors.New("guest fault")

	// GuestRequest covers an explicit hypercall or an expected MMIO/IO
	// access. Recoverable: run the handler.
	GuestRequest = errors.New("guest request")

	// UnknownExit is a hardware exit the core does not recognize.
	// Escalates to VMError.
	UnknownExit = errors.New("unknown exit")

	// DecodeFailure means instruction bytes at guest RIP were unreadable
	// or unparseable.
	DecodeFailure = errors.New("decode failure")

	// ResourceExhaustion means the host allocator hook returned nothing.
	// Escalates to VMError.
	ResourceExhaustion = errors.New("resource exhaustion")

	// Configuration means the VM config was bad or inconsistent at init.
	// Aborts VM creation.
	Configuration = errors.New("configuration error")

	// VMError is fatal: the VM's run-state moves to ERROR, all VCPUs stop,
	// events drain, and the host is notified.
	VMError = errors.New("vm error")
)

// Fault carries the architectural detail needed to inject an exception
// into the guest. It wraps GuestFault.
type Fault struct {
	Vector    uint8
	ErrorCode uint32
	HasError  bool
	Addr      uint64 // faulting linear/physical address, when applicable
}

func (f *Fault) Error() string {
	if f.HasError {
		return "guest fault: vector " + strconv.Itoa(int(f.Vector)) + " error-code " + strconv.FormatUint(uint64(f.ErrorCode), 16)
	}
	return "guest fault: vector " + strconv.Itoa(int(f.Vector))
}

func (f *Fault) Unwrap() error { return GuestFault }

// NewFault builds a Fault that injects vector with no error code.
func NewFault(vector uint8) *Fault {
	return &Fault{Vector: vector}
}

// NewFaultWithCode builds a Fault that injects vector with an error code,
// as required for #PF, #GP, #DF, etc.
func NewFaultWithCode(vector uint8, code uint32, addr uint64) *Fault {
	return &Fault{Vector: vector, ErrorCode: code, HasError: true, Addr: addr}
}
