package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hausnet/linkguard/internal/bus"
	"github.com/hausnet/linkguard/internal/core/domain"
)

// ErrInvalidTransition is returned when a state machine transition is not
// in the transition table. The wrapped message carries current state,
// target state and endpoint id.
var ErrInvalidTransition = errors.New("invalid state transition")

// clientTransitions is the validated transition table for endpoint clients.
var clientTransitions = map[domain.ClientState][]domain.ClientState{
	domain.ClientCreated:      {domain.ClientInitializing},
	domain.ClientInitializing: {domain.ClientInitialized, domain.ClientFailed},
	domain.ClientInitialized:  {domain.ClientConnecting},
	domain.ClientConnecting:   {domain.ClientConnected, domain.ClientFailed},
	domain.ClientConnected: {
		domain.ClientDisconnected, domain.ClientReconnecting, domain.ClientStopping,
	},
	domain.ClientDisconnected: {
		domain.ClientConnecting, domain.ClientDisconnected,
		domain.ClientReconnecting, domain.ClientStopping,
	},
	domain.ClientReconnecting: {
		domain.ClientConnected, domain.ClientDisconnected,
		domain.ClientFailed, domain.ClientConnecting,
	},
	domain.ClientStopping: {domain.ClientStopped},
	domain.ClientStopped:  {}, // terminal
	domain.ClientFailed:   {domain.ClientInitializing, domain.ClientConnecting},
}

// StateCallback is invoked synchronously on every transition. Panics are
// isolated and logged, never propagated.
type StateCallback func(old, new domain.ClientState)

// ClientStateMachine tracks the connection lifecycle of one endpoint.
type ClientStateMachine struct {
	mu sync.Mutex

	id      domain.EndpointID
	state   domain.ClientState
	reason  domain.FailureReason
	message string

	bus      *bus.Bus
	callback StateCallback // optional
	log      *slog.Logger
}

// NewClientStateMachine creates a machine in CREATED.
func NewClientStateMachine(
	id domain.EndpointID,
	b *bus.Bus,
	callback StateCallback,
	log *slog.Logger,
) *ClientStateMachine {
	if log == nil {
		log = slog.Default()
	}
	return &ClientStateMachine{
		id:       id,
		state:    domain.ClientCreated,
		reason:   domain.FailureNone,
		bus:      b,
		callback: callback,
		log:      log.With("endpoint", id),
	}
}

// State returns the current state.
func (m *ClientStateMachine) State() domain.ClientState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failure returns the failure reason and message carried by the current
// state.
func (m *ClientStateMachine) Failure() (domain.FailureReason, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason, m.message
}

// Transition moves to the target state if the transition table allows it.
func (m *ClientStateMachine) Transition(target domain.ClientState) error {
	return m.transition(target, domain.FailureNone, "", false)
}

// TransitionWithReason moves to the target state carrying a failure
// reason and a human-readable message.
func (m *ClientStateMachine) TransitionWithReason(
	target domain.ClientState,
	reason domain.FailureReason,
	message string,
) error {
	return m.transition(target, reason, message, false)
}

// ForceTransition bypasses table validation. Test and administrative use.
func (m *ClientStateMachine) ForceTransition(target domain.ClientState) {
	_ = m.transition(target, domain.FailureNone, "", true)
}

func (m *ClientStateMachine) transition(
	target domain.ClientState,
	reason domain.FailureReason,
	message string,
	force bool,
) error {
	m.mu.Lock()
	old := m.state

	if !force && !clientTransitionAllowed(old, target) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (endpoint %s)", ErrInvalidTransition, old, target, m.id)
	}

	m.state = target
	if reason != domain.FailureNone {
		m.reason = reason
		m.message = message
	}
	// Reaching a working state clears any carried failure.
	if target == domain.ClientConnected || target == domain.ClientInitialized {
		m.reason = domain.FailureNone
		m.message = ""
	}
	evReason, evMessage := m.reason, m.message
	m.mu.Unlock()

	m.log.Debug("client state transition", "from", old, "to", target)

	m.invokeCallback(old, target)

	if m.bus != nil {
		m.bus.Publish(domain.ClientStateChanged{
			EndpointID: m.id,
			OldState:   old,
			NewState:   target,
			Reason:     evReason,
			Message:    evMessage,
			At:         time.Now(),
		})
	}
	return nil
}

func (m *ClientStateMachine) invokeCallback(old, new domain.ClientState) {
	if m.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("state callback panicked", "from", old, "to", new, "panic", r)
		}
	}()
	m.callback(old, new)
}

func clientTransitionAllowed(from, to domain.ClientState) bool {
	for _, s := range clientTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
