package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ProcureFlow/data_layer/pkg/logger"
)

// Probe checks one resource; a nil return means healthy.
type Probe func(ctx context.Context) error

// HealthChecker periodically probes named external resources through their
// circuit breakers, so probe traffic obeys the same open/half-open
// admission rules as real traffic and a recovered resource closes its
// breaker naturally.
type HealthChecker struct {
	registry     *Registry
	log          *logger.Logger
	interval     time.Duration
	probeTimeout time.Duration

	mu      sync.RWMutex
	probes  map[string]Probe
	healthy map[string]bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewHealthChecker builds a checker ticking at interval, with probeTimeout
// bounding each individual probe.
func NewHealthChecker(registry *Registry, log *logger.Logger, interval, probeTimeout time.Duration) *HealthChecker {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &HealthChecker{
		registry:     registry,
		log:          log.With("component", "health_checker"),
		interval:     interval,
		probeTimeout: probeTimeout,
		probes:       make(map[string]Probe),
		healthy:      make(map[string]bool),
	}
}

// Register adds a resource to probe. The resource's breaker is created in
// the registry if it does not exist yet.
func (hc *HealthChecker) Register(name string, probe Probe) {
	hc.registry.GetBreaker(name, nil)

	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.probes[name] = probe
	hc.log.Info("registered health probe", "resource", name)
}

// Start begins the probe loop. Idempotent while running.
func (hc *HealthChecker) Start() {
	hc.mu.Lock()
	if hc.started {
		hc.mu.Unlock()
		return
	}
	hc.started = true
	hc.stopCh = make(chan struct{})
	stop := hc.stopCh
	hc.mu.Unlock()

	hc.wg.Add(1)
	go hc.loop(stop)
	hc.log.Info("health checker started", "interval", hc.interval)
}

// Stop halts the probe loop and waits for it to exit.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.started {
		hc.mu.Unlock()
		return
	}
	hc.started = false
	close(hc.stopCh)
	hc.mu.Unlock()

	hc.wg.Wait()
	hc.log.Info("health checker stopped")
}

// Healthy returns the last observed health per registered resource.
func (hc *HealthChecker) Healthy() map[string]bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := make(map[string]bool, len(hc.healthy))
	for name, ok := range hc.healthy {
		out[name] = ok
	}
	return out
}

func (hc *HealthChecker) loop(stop chan struct{}) {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hc.runChecks(context.Background())
		}
	}
}

// runChecks probes every registered resource once. A rejection by an open
// breaker marks the resource unhealthy without generating probe traffic.
func (hc *HealthChecker) runChecks(ctx context.Context) {
	hc.mu.RLock()
	probes := make(map[string]Probe, len(hc.probes))
	for name, probe := range hc.probes {
		probes[name] = probe
	}
	hc.mu.RUnlock()

	for name, probe := range probes {
		cb := hc.registry.GetBreaker(name, nil)

		probeCtx, cancel := context.WithTimeout(ctx, hc.probeTimeout)
		_, err := cb.Execute(probeCtx, func(ctx context.Context) (any, error) {
			return nil, probe(ctx)
		})
		cancel()

		healthy := err == nil
		hc.mu.Lock()
		hc.healthy[name] = healthy
		hc.mu.Unlock()

		if err == nil {
			continue
		}

		var openErr *OpenError
		var probeErr *ProbeError
		switch {
		case errors.As(err, &openErr):
			hc.log.Debug("probe skipped, breaker open", "resource", name, "retry_at", openErr.RetryAt)
		case errors.As(err, &probeErr):
			hc.log.Debug("probe skipped, recovery check already in flight", "resource", name)
		default:
			hc.log.Warn("health probe failed", "resource", name, "error", err)
		}
	}
}
