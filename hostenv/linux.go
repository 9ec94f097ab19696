package hostenv

import (
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewLinuxEnvironment builds the default host environment backing a real
// KVM-based VM on Linux: anonymous mmap for page allocation, munmap for
// free, goroutines for threads, and a monotonic clock read from the
// runtime (spec §6 "allocate_pages/free_pages/map_hpa_to_hva/... monotonic
// wall-time; host TSC frequency").
//
// hostPageSize is the host's page size (4096 on nearly every Linux x86_64
// host); tscHz is the host's TSC frequency as reported by the platform
// (e.g. parsed from cpuid or /proc/cpuinfo by the caller), since reading
// it is itself an intrinsic this package does not own.
func NewLinuxEnvironment(hostPageSize int, tscHz uint64) *Environment {
	// allocations tracks hva by hpa so FreePages can munmap without
	// the caller having to round-trip the length itself.
	type allocation struct {
		addr   []byte
		length int
	}
	allocations := make(map[uint64]*allocation)
	var mu defaultMutex

	env := &Environment{
		AllocatePages: func(count int, alignment uint64) (uint64, error) {
			length := count * hostPageSize
			if length <= 0 {
				return 0, fmt.Errorf("hostenv: invalid page count %d", count)
			}
			buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
			if err != nil {
				return 0, fmt.Errorf("hostenv: mmap %d bytes: %w", length, err)
			}
			hpa := uint64(uintptr(unsafe.Pointer(&buf[0])))
			mu.Lock()
			allocations[hpa] = &allocation{addr: buf, length: length}
			mu.Unlock()
			return hpa, nil
		},
		FreePages: func(hpa uint64, count int) error {
			mu.Lock()
			a, ok := allocations[hpa]
			if ok {
				delete(allocations, hpa)
			}
			mu.Unlock()
			if !ok {
				return fmt.Errorf("hostenv: free of unknown allocation 0x%x", hpa)
			}
			return unix.Munmap(a.addr)
		},
		MapHPAToHVA: func(hpa uint64, length int) (uintptr, error) {
			// Host allocations here are already host-virtual-addressable
			// (they are ordinary Go-mmap'd slices), so the mapping is
			// the identity function; a host environment backing real
			// discontiguous physical frames would do real work here.
			return uintptr(hpa), nil
		},
		Unmap: func(hva uintptr, length int) error {
			return nil
		},
		ThreadStart: func(fn func(), name string) ThreadHandle {
			t := &goroutineThread{stop: make(chan struct{}), done: make(chan struct{})}
			go func() {
				defer close(t.done)
				fn()
			}()
			return t
		},
		Yield: func(d time.Duration) {
			if d < 0 {
				// untimed: Gosched is the closest userspace equivalent to
				// a kernel scheduler yield with no requested delay.
				runtime.Gosched()
				return
			}
			time.Sleep(d)
		},
		MutexAlloc:   func() MutexHandle { return &defaultMutex{} },
		MonotonicNow: func() time.Time { return time.Now() },
		TSCFrequency: func() uint64 { return tscHz },
		Print:        defaultPrint,
	}
	return env
}
