// Package resilience guards calls to remote resources with per-resource
// circuit breakers so repeated failures stop hammering a resource that is
// already down, and recovery is probed automatically.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ProcureFlow/data_layer/internal/app/metrics"
	"github.com/ProcureFlow/data_layer/pkg/logger"
)

// State is the breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Options configure a breaker guarding one named resource.
type Options struct {
	// Threshold is the number of failures within ErrorWindow that trip the
	// breaker.
	Threshold int

	// Timeout is the open-state cooldown before a recovery probe is admitted.
	Timeout time.Duration

	// ErrorWindow is the trailing window failures are counted in.
	ErrorWindow time.Duration

	// Hooks receive state transitions.
	Hooks *Hooks
}

func (o *Options) withDefaults() Options {
	opts := Options{
		Threshold:   5,
		Timeout:     30 * time.Second,
		ErrorWindow: 60 * time.Second,
	}
	if o == nil {
		return opts
	}
	if o.Threshold > 0 {
		opts.Threshold = o.Threshold
	}
	if o.Timeout > 0 {
		opts.Timeout = o.Timeout
	}
	if o.ErrorWindow > 0 {
		opts.ErrorWindow = o.ErrorWindow
	}
	opts.Hooks = o.Hooks
	return opts
}

// Hooks observe breaker transitions. They run synchronously on the
// transitioning call and must be fast; they must not call back into the
// breaker. A panicking hook is recovered and logged.
type Hooks struct {
	OnOpen     func(resource string)
	OnClose    func(resource string)
	OnHalfOpen func(resource string)
}

// OpenError rejects calls while the breaker cooldown has not elapsed. The
// wrapped function is never invoked.
type OpenError struct {
	Resource string
	RetryAt  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %q is open; retry after %s",
		e.Resource, e.RetryAt.Format(time.RFC3339))
}

// ProbeError rejects a second caller while a half-open recovery probe is in
// flight.
type ProbeError struct {
	Resource string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("recovery check in progress for %q", e.Resource)
}

// Stats is a read-only snapshot of one breaker.
type Stats struct {
	Resource             string    `json:"resource"`
	State                string    `json:"state"`
	TotalRequests        int64     `json:"total_requests"`
	TotalSuccesses       int64     `json:"total_successes"`
	TotalFailures        int64     `json:"total_failures"`
	TotalRejected        int64     `json:"total_rejected"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	WindowFailures       int       `json:"window_failures"`
	LastFailure          time.Time `json:"last_failure"`
	LastSuccess          time.Time `json:"last_success"`
}

// CircuitBreaker is one state machine guarding a single named remote
// resource.
type CircuitBreaker struct {
	resource string
	opts     Options
	log      *logger.Logger

	// now is a test seam.
	now func() time.Time

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int64
	totalSuccesses       int64
	totalFailures        int64
	totalRejected        int64
	lastFailure          time.Time
	lastSuccess          time.Time
	window               []time.Time
	probeInFlight        bool
}

// New builds a breaker for the named resource. opts may be nil for the
// defaults.
func New(resource string, opts *Options, log *logger.Logger) *CircuitBreaker {
	if log == nil {
		log = logger.Nop()
	}
	return &CircuitBreaker{
		resource: resource,
		opts:     opts.withDefaults(),
		log:      log.With("resource", resource),
		now:      time.Now,
		state:    StateClosed,
	}
}

// Execute invokes fn unless the breaker rejects the call. The total-request
// counter increments unconditionally; rejection errors are returned without
// invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	isProbe, err := cb.admit()
	if err != nil {
		return nil, err
	}

	// A panic in fn must still settle, or a half-open probe slot would stay
	// claimed forever. The panic is recorded as a failure and rethrown.
	defer func() {
		if r := recover(); r != nil {
			cb.settle(fmt.Errorf("panic: %v", r), isProbe)
			panic(r)
		}
	}()

	result, err := fn(ctx)
	cb.settle(err, isProbe)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// admit decides whether a call may proceed, transitioning open → half-open
// lazily when the cooldown has elapsed. It reports whether the admitted call
// holds the single half-open probe slot.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		retryAt := cb.lastFailure.Add(cb.opts.Timeout)
		if cb.now().After(retryAt) {
			cb.transition(StateHalfOpen)
			cb.probeInFlight = true
			return true, nil
		}
		cb.totalRejected++
		metrics.BreakerRejected(cb.resource)
		return false, &OpenError{Resource: cb.resource, RetryAt: retryAt}

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.totalRejected++
			metrics.BreakerRejected(cb.resource)
			return false, &ProbeError{Resource: cb.resource}
		}
		cb.probeInFlight = true
		return true, nil

	default:
		return false, fmt.Errorf("unknown breaker state %d", cb.state)
	}
}

// settle updates counters and performs the post-call transition.
func (cb *CircuitBreaker) settle(err error, isProbe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if isProbe {
		cb.probeInFlight = false
	}

	now := cb.now()
	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
		cb.lastSuccess = now

		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}

	cb.totalFailures++
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailure = now
	cb.window = append(cb.window, now)
	cb.pruneWindow(now)

	switch cb.state {
	case StateClosed:
		if len(cb.window) >= cb.opts.Threshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// pruneWindow drops failure timestamps older than the trailing error window.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.opts.ErrorWindow)
	kept := cb.window[:0]
	for _, ts := range cb.window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cb.window = kept
}

// transition moves the state machine and fires the matching hook. Caller
// must hold cb.mu.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	switch to {
	case StateOpen:
		cb.probeInFlight = false
	case StateHalfOpen:
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	case StateClosed:
		cb.consecutiveFailures = 0
		cb.window = cb.window[:0]
		cb.probeInFlight = false
	}

	cb.log.Info("circuit breaker state changed", "from", from.String(), "to", to.String())
	metrics.SetBreakerState(cb.resource, int(to))
	cb.fireHook(to)
}

func (cb *CircuitBreaker) fireHook(to State) {
	if cb.opts.Hooks == nil {
		return
	}

	var hook func(string)
	switch to {
	case StateOpen:
		hook = cb.opts.Hooks.OnOpen
	case StateClosed:
		hook = cb.opts.Hooks.OnClose
	case StateHalfOpen:
		hook = cb.opts.Hooks.OnHalfOpen
	}
	if hook == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			cb.log.Error("breaker hook panicked", "state", to.String(), "panic", r)
		}
	}()
	hook(cb.resource)
}

// State returns the current state without evaluating the lazy open →
// half-open transition.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneWindow(cb.now())
	return Stats{
		Resource:             cb.resource,
		State:                cb.state.String(),
		TotalRequests:        cb.totalRequests,
		TotalSuccesses:       cb.totalSuccesses,
		TotalFailures:        cb.totalFailures,
		TotalRejected:        cb.totalRejected,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		WindowFailures:       len(cb.window),
		LastFailure:          cb.lastFailure,
		LastSuccess:          cb.lastSuccess,
	}
}

// Reset returns the breaker to closed with all counters cleared. Operational
// override; normal recovery goes through half-open.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.totalRequests = 0
	cb.totalSuccesses = 0
	cb.totalFailures = 0
	cb.totalRejected = 0
	cb.window = nil
	cb.probeInFlight = false
	cb.log.Info("circuit breaker reset")
}

// ForceOpen trips the breaker regardless of recent outcomes. The cooldown
// restarts from now.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	cb.transition(StateOpen)
}

// ForceClose closes the breaker regardless of recent outcomes.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
}
