package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hausnet/linkguard/internal/bus"
	"github.com/hausnet/linkguard/internal/core/domain"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  50 * time.Millisecond,
		SuccessThreshold: 2,
	}
}

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil, nil, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	if s := cb.State(); s != domain.BreakerClosed {
		t.Fatalf("expected closed below threshold, got %s", s)
	}

	cb.RecordFailure()
	if s := cb.State(); s != domain.BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %s", s)
	}

	// Counters reset on every transition
	if f, s := cb.Counts(); f != 0 || s != 0 {
		t.Errorf("expected zeroed counters after transition, got failures=%d successes=%d", f, s)
	}
	if cb.IsAvailable() {
		t.Error("open breaker must not be available before the recovery timeout")
	}
}

func TestCircuitBreaker_SuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil, nil, nil)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	// Non-consecutive failures never trip the breaker
	if s := cb.State(); s != domain.BreakerClosed {
		t.Fatalf("expected closed, got %s", s)
	}
	if f, _ := cb.Counts(); f != 2 {
		t.Errorf("expected failure count 2, got %d", f)
	}
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil, nil, nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.IsAvailable() {
		t.Fatal("breaker should reject right after opening")
	}

	time.Sleep(60 * time.Millisecond)

	// The availability check itself performs the OPEN -> HALF_OPEN move
	if !cb.IsAvailable() {
		t.Fatal("breaker should allow probing after the recovery timeout")
	}
	if s := cb.State(); s != domain.BreakerHalfOpen {
		t.Fatalf("expected half_open, got %s", s)
	}
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil, nil, nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	cb.IsAvailable()

	cb.RecordSuccess()
	if s := cb.State(); s != domain.BreakerHalfOpen {
		t.Fatalf("one success must not close the breaker, got %s", s)
	}
	cb.RecordSuccess()
	if s := cb.State(); s != domain.BreakerClosed {
		t.Fatalf("expected closed after 2 probe successes, got %s", s)
	}
	if !cb.IsAvailable() {
		t.Error("closed breaker must be available")
	}
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil, nil, nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	cb.IsAvailable()
	cb.RecordSuccess()

	cb.RecordFailure()
	if s := cb.State(); s != domain.BreakerOpen {
		t.Fatalf("expected reopen on probe failure, got %s", s)
	}
	// A probe failure counts as the first failure of the new open period
	if f, _ := cb.Counts(); f != 1 {
		t.Errorf("expected failure count 1 after reopen, got %d", f)
	}
}

func TestCircuitBreaker_RejectionsCountTotalOnly(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil, nil, nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.RecordRejection()
	cb.RecordRejection()

	if total := cb.TotalRequests(); total != 5 {
		t.Errorf("expected 5 total requests, got %d", total)
	}
	if s := cb.State(); s != domain.BreakerOpen {
		t.Errorf("rejections must not change state, got %s", s)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil, nil, nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()

	if s := cb.State(); s != domain.BreakerClosed {
		t.Fatalf("expected closed after reset, got %s", s)
	}
	if f, s := cb.Counts(); f != 0 || s != 0 {
		t.Errorf("expected zeroed counters after reset, got failures=%d successes=%d", f, s)
	}
}

func TestCircuitBreaker_PublishesEvents(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	var changes []domain.CircuitBreakerStateChanged
	var tripped []domain.CircuitBreakerTripped
	b.Subscribe(domain.EventCircuitBreakerStateChange, "", func(e bus.Event) {
		changes = append(changes, e.(domain.CircuitBreakerStateChanged))
	})
	b.Subscribe(domain.EventCircuitBreakerTripped, "", func(e bus.Event) {
		tripped = append(tripped, e.(domain.CircuitBreakerTripped))
	})

	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), b, nil, nil)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	if len(changes) != 1 {
		t.Fatalf("expected 1 state change event, got %d", len(changes))
	}
	if changes[0].OldState != domain.BreakerClosed || changes[0].NewState != domain.BreakerOpen {
		t.Errorf("unexpected transition %s -> %s", changes[0].OldState, changes[0].NewState)
	}
	// The state change event carries the count that caused the trip
	if changes[0].FailureCount != 3 {
		t.Errorf("expected failure count 3 in event, got %d", changes[0].FailureCount)
	}
	if len(tripped) != 1 || tripped[0].FailureCount != 3 {
		t.Fatalf("expected 1 tripped event with count 3, got %+v", tripped)
	}
}

// mockIssueTracker records impairment marks for assertion.
type mockIssueTracker struct {
	mu       sync.Mutex
	impaired map[domain.EndpointID]bool
}

func (m *mockIssueTracker) MarkImpaired(_ context.Context, id domain.EndpointID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.impaired == nil {
		m.impaired = make(map[domain.EndpointID]bool)
	}
	m.impaired[id] = true
	return nil
}

func (m *mockIssueTracker) ClearImpaired(_ context.Context, id domain.EndpointID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.impaired, id)
	return nil
}

func (m *mockIssueTracker) IsImpaired(_ context.Context, id domain.EndpointID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.impaired[id], nil
}

// waitImpaired polls the tracker; breaker notifications land on their
// own goroutine.
func waitImpaired(t *testing.T, tracker *mockIssueTracker, id domain.EndpointID, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if impaired, _ := tracker.IsImpaired(context.Background(), id); impaired == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for impaired=%v", want)
}

func TestCircuitBreaker_MarksConnectionIssues(t *testing.T) {
	tracker := &mockIssueTracker{}
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil, tracker, nil)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	waitImpaired(t, tracker, "ep-1", true)

	time.Sleep(60 * time.Millisecond)
	cb.IsAvailable()
	cb.RecordSuccess()
	cb.RecordSuccess()

	waitImpaired(t, tracker, "ep-1", false)
}

// slowTracker stalls impairment marks to emulate an unreachable redis.
type slowTracker struct {
	mockIssueTracker
	delay time.Duration
}

func (s *slowTracker) MarkImpaired(ctx context.Context, id domain.EndpointID, reason string) error {
	time.Sleep(s.delay)
	return s.mockIssueTracker.MarkImpaired(ctx, id, reason)
}

func TestCircuitBreaker_SlowTrackerDoesNotStallOperations(t *testing.T) {
	tracker := &slowTracker{delay: 300 * time.Millisecond}
	cb := NewCircuitBreaker("ep-1", testBreakerConfig(), nil, tracker, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		cb.RecordFailure() // the trip schedules the tracker mark
	}
	if s := cb.State(); s != domain.BreakerOpen {
		t.Fatalf("expected open, got %s", s)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("breaker operations blocked %v behind the tracker", elapsed)
	}

	// The mark still lands once the tracker catches up.
	waitImpaired(t, &tracker.mockIssueTracker, "ep-1", true)
}
