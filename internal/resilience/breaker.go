// Package resilience implements the per-endpoint circuit breaker and the
// validated client/central lifecycle state machines.
package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hausnet/linkguard/internal/bus"
	"github.com/hausnet/linkguard/internal/core/domain"
	"github.com/hausnet/linkguard/internal/gateway"
	"github.com/hausnet/linkguard/internal/metrics"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// DefaultBreakerConfig returns the stock tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker gates requests to one endpoint. Three states:
//
//	CLOSED    - normal operation; FailureThreshold consecutive failures open it
//	OPEN      - unavailable; after RecoveryTimeout the next availability
//	            check moves it to HALF_OPEN
//	HALF_OPEN - probing; SuccessThreshold consecutive successes close it,
//	            any failure reopens it immediately
//
// Counts reset to zero on every transition. Events are published after
// the internal lock is released, so handlers may call back into the
// breaker; issue-tracker updates run on their own goroutine.
type CircuitBreaker struct {
	mu sync.Mutex

	id  domain.EndpointID
	cfg BreakerConfig

	state           domain.BreakerState
	failureCount    int
	successCount    int // meaningful only in HALF_OPEN
	lastFailureTime time.Time
	totalRequests   int64

	bus     *bus.Bus
	tracker gateway.ConnectionIssueTracker // optional
	log     *slog.Logger
}

// NewCircuitBreaker creates a closed breaker for the given endpoint.
// tracker may be nil.
func NewCircuitBreaker(
	id domain.EndpointID,
	cfg BreakerConfig,
	b *bus.Bus,
	tracker gateway.ConnectionIssueTracker,
	log *slog.Logger,
) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	cb := &CircuitBreaker{
		id:      id,
		cfg:     cfg,
		state:   domain.BreakerClosed,
		bus:     b,
		tracker: tracker,
		log:     log.With("endpoint", id),
	}
	metrics.BreakerState.WithLabelValues(string(id)).Set(0)
	return cb
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() domain.BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Counts returns the current failure and success counters.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.successCount
}

// TotalRequests returns the number of recorded calls, rejections included.
func (cb *CircuitBreaker) TotalRequests() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.totalRequests
}

// RecordSuccess registers a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var pending []bus.Event
	var notify func()

	cb.totalRequests++

	switch cb.state {
	case domain.BreakerClosed:
		cb.failureCount = 0
	case domain.BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			pending, notify = cb.transitionLocked(domain.BreakerClosed)
		}
	}

	cb.mu.Unlock()
	cb.publish(pending, notify)
}

// RecordFailure registers a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var pending []bus.Event
	var notify func()

	cb.totalRequests++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case domain.BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			tripped := cb.failureCount
			pending, notify = cb.transitionLocked(domain.BreakerOpen)
			pending = append(pending, domain.CircuitBreakerTripped{
				EndpointID:   cb.id,
				FailureCount: tripped,
				Cooldown:     cb.cfg.RecoveryTimeout,
				At:           time.Now(),
			})
		}
	case domain.BreakerHalfOpen:
		// A probe failed: reopen immediately.
		pending, notify = cb.transitionLocked(domain.BreakerOpen)
		cb.failureCount = 1
	}

	cb.mu.Unlock()
	cb.publish(pending, notify)
}

// RecordRejection registers a call that was blocked because the circuit
// was already open. It counts toward total requests but not failures.
func (cb *CircuitBreaker) RecordRejection() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.totalRequests++
}

// IsAvailable reports whether calls may go through. Checking an OPEN
// breaker whose recovery timeout has elapsed moves it to HALF_OPEN as a
// side effect; the state-changed event fires from the caller's stack.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	var pending []bus.Event
	var notify func()
	available := false

	switch cb.state {
	case domain.BreakerClosed, domain.BreakerHalfOpen:
		available = true
	case domain.BreakerOpen:
		if time.Since(cb.lastFailureTime) >= cb.cfg.RecoveryTimeout {
			pending, notify = cb.transitionLocked(domain.BreakerHalfOpen)
			available = true
		}
	}

	cb.mu.Unlock()
	cb.publish(pending, notify)
	return available
}

// Reset forces the breaker back to CLOSED with zeroed counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var pending []bus.Event
	var notify func()
	if cb.state != domain.BreakerClosed {
		pending, notify = cb.transitionLocked(domain.BreakerClosed)
	}
	cb.failureCount = 0
	cb.successCount = 0
	cb.mu.Unlock()
	cb.publish(pending, notify)
}

// transitionLocked moves to a new state, resets counters and returns the
// state-changed event and the issue-tracker update for execution after
// the lock is released. Caller holds cb.mu.
func (cb *CircuitBreaker) transitionLocked(to domain.BreakerState) ([]bus.Event, func()) {
	from := cb.state
	if from == to {
		return nil, nil
	}

	ev := domain.CircuitBreakerStateChanged{
		EndpointID:      cb.id,
		OldState:        from,
		NewState:        to,
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		At:              time.Now(),
	}

	cb.state = to
	cb.failureCount = 0
	cb.successCount = 0

	cb.log.Info("circuit breaker transition", "from", from, "to", to)
	metrics.BreakerState.WithLabelValues(string(cb.id)).Set(breakerStateValue(to))
	metrics.BreakerTransitions.WithLabelValues(string(cb.id), string(to)).Inc()

	return []bus.Event{ev}, cb.trackerUpdate(from, to)
}

// trackerUpdate returns the tracker call for a transition, nil when there
// is nothing to report. The tracker is a network round-trip and must
// never run under cb.mu; publish fires it on its own goroutine so slow
// trackers cannot stall breaker callers either.
func (cb *CircuitBreaker) trackerUpdate(from, to domain.BreakerState) func() {
	if cb.tracker == nil {
		return nil
	}

	var call func(ctx context.Context) error
	switch {
	case to == domain.BreakerOpen:
		call = func(ctx context.Context) error {
			return cb.tracker.MarkImpaired(ctx, cb.id, "circuit breaker open")
		}
	case to == domain.BreakerClosed && from != domain.BreakerClosed:
		call = func(ctx context.Context) error {
			return cb.tracker.ClearImpaired(ctx, cb.id)
		}
	default:
		return nil
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := call(ctx); err != nil {
			cb.log.Warn("connection issue tracker update failed", "error", err)
		}
	}
}

func (cb *CircuitBreaker) publish(events []bus.Event, notify func()) {
	if notify != nil {
		go notify()
	}
	if cb.bus == nil {
		return
	}
	for _, e := range events {
		cb.bus.Publish(e)
	}
}

func breakerStateValue(s domain.BreakerState) float64 {
	switch s {
	case domain.BreakerHalfOpen:
		return 1
	case domain.BreakerOpen:
		return 2
	default:
		return 0
	}
}
