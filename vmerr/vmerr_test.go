package vmerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestFaultWrapsGuestFault(t *testing.T) {
	f := NewFaultWithCode(14, 0x2, 0xdeadbeef)
	wrapped := fmt.Errorf("shadow pagefault: %w", f)

	if !errors.Is(wrapped, GuestFault) {
		t.Fatalf("expected wrapped fault to be GuestFault, got %v", wrapped)
	}

	var got *Fault
	if !errors.As(wrapped, &got) {
		t.Fatalf("expected errors.As to recover *Fault")
	}
	if got.Vector != 14 || got.ErrorCode != 0x2 || got.Addr != 0xdeadbeef {
		t.Fatalf("unexpected fault detail: %+v", got)
	}
}

func TestSentinelsDistinct(t *testing.T) {
	all := []error{GuestFault, GuestRequest, UnknownExit, DecodeFailure, ResourceExhaustion, Configuration, VMError}
	for i, a := range all {
		for j, b := range all {
			if i != j && errors.Is(a, b) {
				t.Fatalf("sentinels %v and %v should be distinct", a, b)
			}
		}
	}
}
