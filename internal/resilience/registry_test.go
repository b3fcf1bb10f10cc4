package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ProcureFlow/data_layer/pkg/logger"
)

func TestRegistrySharesInstancePerResource(t *testing.T) {
	reg := NewRegistry(logger.Nop())

	a := reg.GetBreaker("board-sync", nil)
	b := reg.GetBreaker("board-sync", nil)
	if a != b {
		t.Error("GetBreaker returned distinct instances for the same resource")
	}

	c := reg.GetBreaker("ai-backend", nil)
	if c == a {
		t.Error("GetBreaker returned the same instance for different resources")
	}
}

func TestRegistryOptionsApplyOnFirstUseOnly(t *testing.T) {
	reg := NewRegistry(logger.Nop())

	first := reg.GetBreaker("board-sync", &Options{Threshold: 1, Timeout: time.Hour})
	second := reg.GetBreaker("board-sync", &Options{Threshold: 99})

	if first != second {
		t.Fatal("expected the memoized breaker")
	}
	first.Execute(context.Background(), fail)
	if first.State() != StateOpen {
		t.Error("first-use threshold not in effect")
	}
}

func TestRegistryConcurrentGetBreaker(t *testing.T) {
	reg := NewRegistry(logger.Nop())

	var wg sync.WaitGroup
	results := make([]*CircuitBreaker, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = reg.GetBreaker("board-sync", nil)
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent GetBreaker produced distinct instances")
		}
	}
}

func TestRegistryGetAllStats(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	reg.GetBreaker("board-sync", nil).Execute(context.Background(), fail)
	reg.GetBreaker("ai-backend", nil)

	stats := reg.GetAllStats()
	if len(stats) != 2 {
		t.Fatalf("GetAllStats() returned %d entries, want 2", len(stats))
	}
	if stats["board-sync"].TotalFailures != 1 {
		t.Errorf("board-sync TotalFailures = %d, want 1", stats["board-sync"].TotalFailures)
	}
	if stats["ai-backend"].TotalRequests != 0 {
		t.Errorf("ai-backend TotalRequests = %d, want 0", stats["ai-backend"].TotalRequests)
	}
}

func TestRegistryResetAll(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	cb := reg.GetBreaker("board-sync", &Options{Threshold: 1, Timeout: time.Hour})
	cb.Execute(context.Background(), fail)
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open before ResetAll")
	}

	reg.ResetAll()
	if cb.State() != StateClosed {
		t.Error("breaker still open after ResetAll")
	}
}

func TestRegistryNames(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	reg.GetBreaker("board-sync", nil)
	reg.GetBreaker("ai-backend", nil)

	names := reg.Names()
	if len(names) != 2 || names[0] != "ai-backend" || names[1] != "board-sync" {
		t.Errorf("Names() = %v, want sorted [ai-backend board-sync]", names)
	}
}
