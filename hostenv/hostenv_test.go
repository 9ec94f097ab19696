package hostenv

import (
	"testing"
	"time"
)

func TestLinuxEnvironmentAllocateFreeRoundTrip(t *testing.T) {
	env := NewLinuxEnvironment(4096, 2_000_000_000)

	hpa, err := env.AllocatePages(4, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if hpa == 0 {
		t.Fatal("expected a non-zero host address")
	}
	if err := env.FreePages(hpa, 4); err != nil {
		t.Fatal(err)
	}
	if err := env.FreePages(hpa, 4); err == nil {
		t.Fatal("expected double-free to error")
	}
}

func TestLinuxEnvironmentMutexHandle(t *testing.T) {
	env := NewLinuxEnvironment(4096, 0)
	m := env.MutexAlloc()
	m.Lock()
	done := make(chan struct{})
	go func() {
		m.Lock()
		close(done)
		m.Unlock()
	}()
	select {
	case <-done:
		t.Fatal("expected second Lock to block while held")
	case <-time.After(20 * time.Millisecond):
	}
	m.Unlock()
	<-done
}

func TestLinuxEnvironmentThreadStartJoins(t *testing.T) {
	env := NewLinuxEnvironment(4096, 0)
	ran := false
	th := env.ThreadStart(func() { ran = true }, "test-thread")
	th.Join()
	if !ran {
		t.Fatal("expected thread function to run")
	}
}

func TestLinuxEnvironmentTSCFrequency(t *testing.T) {
	env := NewLinuxEnvironment(4096, 3_000_000_000)
	if env.TSCFrequency() != 3_000_000_000 {
		t.Fatalf("expected configured TSC frequency, got %d", env.TSCFrequency())
	}
}
