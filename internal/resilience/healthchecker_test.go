package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ProcureFlow/data_layer/pkg/logger"
)

func TestHealthCheckerReportsProbeOutcomes(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	hc := NewHealthChecker(reg, logger.Nop(), time.Hour, time.Second)

	down := errors.New("connection refused")
	var failing = true
	hc.Register("postgres", func(ctx context.Context) error {
		if failing {
			return down
		}
		return nil
	})

	hc.runChecks(context.Background())
	if hc.Healthy()["postgres"] {
		t.Error("postgres reported healthy while probe fails")
	}

	failing = false
	hc.runChecks(context.Background())
	if !hc.Healthy()["postgres"] {
		t.Error("postgres reported unhealthy after probe recovery")
	}
}

func TestHealthCheckerRespectsOpenBreaker(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	cb := reg.GetBreaker("board-sync", &Options{Threshold: 1, Timeout: time.Hour})
	hc := NewHealthChecker(reg, logger.Nop(), time.Hour, time.Second)

	probeCalls := 0
	hc.Register("board-sync", func(ctx context.Context) error {
		probeCalls++
		return errors.New("still down")
	})

	// First probe fails and trips the breaker.
	hc.runChecks(context.Background())
	if cb.State() != StateOpen {
		t.Fatalf("breaker state = %v, want %v", cb.State(), StateOpen)
	}
	if probeCalls != 1 {
		t.Fatalf("probeCalls = %d, want 1", probeCalls)
	}

	// Second round is rejected by the open breaker without probing.
	hc.runChecks(context.Background())
	if probeCalls != 1 {
		t.Errorf("probeCalls = %d, want 1 (open breaker must block the probe)", probeCalls)
	}
	if hc.Healthy()["board-sync"] {
		t.Error("board-sync reported healthy while breaker open")
	}
}

func TestHealthCheckerStartStop(t *testing.T) {
	reg := NewRegistry(logger.Nop())
	hc := NewHealthChecker(reg, logger.Nop(), 10*time.Millisecond, time.Second)

	probed := make(chan struct{}, 1)
	hc.Register("postgres", func(ctx context.Context) error {
		select {
		case probed <- struct{}{}:
		default:
		}
		return nil
	})

	hc.Start()
	defer hc.Stop()

	select {
	case <-probed:
	case <-time.After(2 * time.Second):
		t.Fatal("probe loop never ran")
	}

	hc.Stop()
	// Stop twice must not panic.
	hc.Stop()
}
