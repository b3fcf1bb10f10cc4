package resilience

import (
	"sort"
	"sync"

	"github.com/ProcureFlow/data_layer/pkg/logger"
)

// Registry maps resource names to shared circuit breakers so independent
// call sites track failures for the same resource together. Construct one at
// the composition root and thread it through; there is no package-level
// instance.
type Registry struct {
	log *logger.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry builds an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		log:      log,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetBreaker returns the breaker for the named resource, creating and
// memoizing it on first use. Options apply only at creation; later callers
// share the existing instance unchanged.
func (r *Registry) GetBreaker(name string, opts *Options) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb = New(name, opts, r.log)
	r.breakers[name] = cb
	r.log.Info("created circuit breaker", "resource", name)
	return cb
}

// GetAllStats returns a snapshot of every registered breaker.
func (r *Registry) GetAllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}

// ResetAll resets every registered breaker to closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// Names returns the registered resource names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
