package paging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAllocGateBoundsConcurrency(t *testing.T) {
	gate := NewAllocGate(2)
	var inFlight, maxSeen int64
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gate.Guard(context.Background(), func() (bool, error) {
				cur := atomic.AddInt64(&inFlight, 1)
				for {
					old := atomic.LoadInt64(&maxSeen)
					if cur <= old || atomic.CompareAndSwapInt64(&maxSeen, old, cur) {
						break
					}
				}
				atomic.AddInt64(&inFlight, -1)
				return true, nil
			})
		}()
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent allocations, saw %d", maxSeen)
	}
}
