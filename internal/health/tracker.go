// Package health maintains per-endpoint and aggregate connection health.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hausnet/linkguard/internal/core/domain"
	"github.com/hausnet/linkguard/internal/metrics"
)

// Score weighting. Connected state carries the largest share; an open
// breaker nulls availability regardless of state; a half-open breaker and
// stale activity apply partial penalties.
const (
	stateWeight   = 0.5
	breakerWeight = 0.3
	recencyWeight = 0.2

	// staleAfter is how long without any successful request or inbound
	// event before the recency component starts to decay.
	staleAfter = 5 * time.Minute

	// healthyScore is the minimum score at which an available endpoint
	// counts as healthy for the aggregate decision predicates.
	healthyScore = 0.6
)

// ConnectionHealth is the per-endpoint health record, derived from the
// client state machine and circuit breaker. Predicates and the score are
// always computed, never independently mutated.
type ConnectionHealth struct {
	EndpointID          domain.EndpointID   `json:"endpoint_id"`
	Kind                domain.EndpointKind `json:"kind"`
	State               domain.ClientState  `json:"state"`
	Breaker             domain.BreakerState `json:"breaker"`
	LastSuccessfulReq   time.Time           `json:"last_successful_request,omitempty"`
	LastFailedReq       time.Time           `json:"last_failed_request,omitempty"`
	LastEventReceived   time.Time           `json:"last_event_received,omitempty"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	ReconnectAttempts   int                 `json:"reconnect_attempts"`
}

// Score computes the health score in [0,1].
func (h ConnectionHealth) Score() float64 {
	return stateWeight*h.stateScore() +
		breakerWeight*h.breakerScore() +
		recencyWeight*h.recencyScore()
}

func (h ConnectionHealth) stateScore() float64 {
	switch h.State {
	case domain.ClientConnected:
		return 1.0
	case domain.ClientInitialized:
		return 0.7
	case domain.ClientConnecting, domain.ClientReconnecting:
		return 0.4
	case domain.ClientInitializing, domain.ClientCreated:
		return 0.3
	case domain.ClientDisconnected:
		return 0.2
	default: // stopping, stopped, failed
		return 0.0
	}
}

func (h ConnectionHealth) breakerScore() float64 {
	switch h.Breaker {
	case domain.BreakerHalfOpen:
		return 0.5
	case domain.BreakerOpen:
		return 0.0
	default:
		return 1.0
	}
}

func (h ConnectionHealth) recencyScore() float64 {
	last := h.LastSuccessfulReq
	if h.LastEventReceived.After(last) {
		last = h.LastEventReceived
	}
	switch {
	case last.IsZero():
		// No traffic recorded yet: neutral, not penalized.
		return 0.5
	case time.Since(last) < staleAfter:
		return 1.0
	default:
		return 0.3
	}
}

// IsAvailable reports whether the endpoint can serve requests. An open
// breaker nulls availability regardless of connection state.
func (h ConnectionHealth) IsAvailable() bool {
	if h.Breaker == domain.BreakerOpen {
		return false
	}
	return h.State == domain.ClientConnected || h.State == domain.ClientInitialized
}

// IsFailed reports whether the endpoint is in a terminal failure state.
func (h ConnectionHealth) IsFailed() bool {
	return h.State == domain.ClientFailed
}

// IsDegraded reports whether the endpoint is neither failed nor fully
// healthy.
func (h ConnectionHealth) IsDegraded() bool {
	return !h.IsFailed() && !h.isHealthy()
}

// CanReceiveEvents reports whether inbound events are expected to arrive.
func (h ConnectionHealth) CanReceiveEvents() bool {
	return h.Kind.SupportsCallbacks() &&
		h.State == domain.ClientConnected &&
		h.Breaker != domain.BreakerOpen
}

func (h ConnectionHealth) isHealthy() bool {
	return h.IsAvailable() && h.Score() >= healthyScore
}

// Tracker owns the aggregate health record: one ConnectionHealth per
// registered endpoint plus the optional primary endpoint id.
type Tracker struct {
	mu      sync.RWMutex
	clients map[domain.EndpointID]*ConnectionHealth
	primary domain.EndpointID
	log     *slog.Logger
}

// NewTracker creates an empty tracker. primary may be empty.
func NewTracker(primary domain.EndpointID, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		clients: make(map[domain.EndpointID]*ConnectionHealth),
		primary: primary,
		log:     log,
	}
}

// RegisterClient creates the per-endpoint entry.
func (t *Tracker) RegisterClient(id domain.EndpointID, kind domain.EndpointKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[id] = &ConnectionHealth{
		EndpointID: id,
		Kind:       kind,
		State:      domain.ClientCreated,
		Breaker:    domain.BreakerClosed,
	}
}

// UnregisterClient removes the per-endpoint entry.
func (t *Tracker) UnregisterClient(id domain.EndpointID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, id)
	metrics.HealthScore.DeleteLabelValues(string(id))
}

// UpdateClientHealth records a client state transition. Entering
// CONNECTED resets the reconnect counter; entering RECONNECTING
// increments it.
func (t *Tracker) UpdateClientHealth(id domain.EndpointID, old, new domain.ClientState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.clients[id]
	if !ok {
		t.log.Warn("state update for unregistered endpoint", "endpoint", id)
		return
	}
	h.State = new
	switch new {
	case domain.ClientConnected:
		h.ReconnectAttempts = 0
	case domain.ClientReconnecting:
		h.ReconnectAttempts++
	}
	t.publishScoreLocked(h)
}

// UpdateBreakerState records a circuit breaker transition.
func (t *Tracker) UpdateBreakerState(id domain.EndpointID, state domain.BreakerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.clients[id]; ok {
		h.Breaker = state
		t.publishScoreLocked(h)
	}
}

// RecordSuccessfulRequest updates recency and clears the consecutive
// failure count.
func (t *Tracker) RecordSuccessfulRequest(id domain.EndpointID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.clients[id]; ok {
		h.LastSuccessfulReq = time.Now()
		h.ConsecutiveFailures = 0
		t.publishScoreLocked(h)
	}
}

// RecordFailedRequest updates recency and the consecutive failure count.
func (t *Tracker) RecordFailedRequest(id domain.EndpointID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.clients[id]; ok {
		h.LastFailedReq = time.Now()
		h.ConsecutiveFailures++
		t.publishScoreLocked(h)
	}
}

// RecordEventReceived marks inbound event activity.
func (t *Tracker) RecordEventReceived(id domain.EndpointID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.clients[id]; ok {
		h.LastEventReceived = time.Now()
		t.publishScoreLocked(h)
	}
}

func (t *Tracker) publishScoreLocked(h *ConnectionHealth) {
	metrics.HealthScore.WithLabelValues(string(h.EndpointID)).Set(h.Score())
}

// Snapshot returns a copy of one endpoint's health record.
func (t *Tracker) Snapshot(id domain.EndpointID) (ConnectionHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.clients[id]
	if !ok {
		return ConnectionHealth{}, false
	}
	return *h, true
}

// Snapshots returns copies of every registered health record.
func (t *Tracker) Snapshots() map[domain.EndpointID]ConnectionHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[domain.EndpointID]ConnectionHealth, len(t.clients))
	for id, h := range t.clients {
		out[id] = *h
	}
	return out
}

// Primary returns the configured primary endpoint id, if any.
func (t *Tracker) Primary() domain.EndpointID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.primary
}

// AllClientsHealthy reports whether every registered endpoint is healthy.
func (t *Tracker) AllClientsHealthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, h := range t.clients {
		if !h.isHealthy() {
			return false
		}
	}
	return len(t.clients) > 0
}

// AnyClientHealthy reports whether at least one endpoint is healthy.
func (t *Tracker) AnyClientHealthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, h := range t.clients {
		if h.isHealthy() {
			return true
		}
	}
	return false
}

// HealthyClientIDs lists endpoints currently healthy.
func (t *Tracker) HealthyClientIDs() []domain.EndpointID {
	return t.filter(func(h *ConnectionHealth) bool { return h.isHealthy() })
}

// DegradedClientIDs lists endpoints currently degraded.
func (t *Tracker) DegradedClientIDs() []domain.EndpointID {
	return t.filter(func(h *ConnectionHealth) bool { return h.IsDegraded() })
}

// FailedClientIDs lists endpoints currently failed.
func (t *Tracker) FailedClientIDs() []domain.EndpointID {
	return t.filter(func(h *ConnectionHealth) bool { return h.IsFailed() })
}

func (t *Tracker) filter(pred func(*ConnectionHealth) bool) []domain.EndpointID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []domain.EndpointID
	for id, h := range t.clients {
		if pred(h) {
			out = append(out, id)
		}
	}
	return out
}

// OverallScore is the mean of per-endpoint scores, 0 with no endpoints.
func (t *Tracker) OverallScore() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.clients) == 0 {
		return 0
	}
	var sum float64
	for _, h := range t.clients {
		sum += h.Score()
	}
	return sum / float64(len(t.clients))
}

// ShouldBeDegraded reports whether the central state should be DEGRADED:
// at least one endpoint unhealthy, but not all of them.
func (t *Tracker) ShouldBeDegraded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.clients) == 0 {
		return false
	}
	unhealthy := 0
	for _, h := range t.clients {
		if !h.isHealthy() {
			unhealthy++
		}
	}
	return unhealthy > 0 && unhealthy < len(t.clients)
}

// ShouldBeRunning reports whether the central state should be RUNNING:
// the configured primary endpoint is healthy, or, absent a primary, any
// endpoint is.
func (t *Tracker) ShouldBeRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.primary != "" {
		h, ok := t.clients[t.primary]
		return ok && h.isHealthy()
	}
	for _, h := range t.clients {
		if h.isHealthy() {
			return true
		}
	}
	return false
}
