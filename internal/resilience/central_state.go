package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hausnet/linkguard/internal/bus"
	"github.com/hausnet/linkguard/internal/core/domain"
)

// centralTransitions is the validated transition table for the aggregate
// runtime lifecycle.
var centralTransitions = map[domain.CentralState][]domain.CentralState{
	domain.CentralStarting: {domain.CentralInitializing},
	domain.CentralInitializing: {
		domain.CentralRunning, domain.CentralDegraded, domain.CentralFailed,
	},
	domain.CentralRunning: {
		domain.CentralDegraded, domain.CentralRecovering, domain.CentralStopping,
	},
	domain.CentralDegraded: {
		domain.CentralRunning, domain.CentralRecovering,
		domain.CentralFailed, domain.CentralStopping,
	},
	domain.CentralRecovering: {
		domain.CentralRunning, domain.CentralDegraded,
		domain.CentralFailed, domain.CentralStopping,
	},
	domain.CentralFailed:   {domain.CentralRecovering, domain.CentralStopping},
	domain.CentralStopping: {domain.CentralStopped},
	domain.CentralStopped:  {}, // terminal
}

// historySize bounds the retained state history ring.
const historySize = 64

// StateChange is one entry of the central state history.
type StateChange struct {
	From       domain.CentralState  `json:"from"`
	To         domain.CentralState  `json:"to"`
	Reason     string               `json:"reason,omitempty"`
	Failure    domain.FailureReason `json:"failure,omitempty"`
	EndpointID domain.EndpointID    `json:"endpoint_id,omitempty"`
	At         time.Time            `json:"at"`
}

// CentralStateMachine tracks the aggregate system lifecycle. One instance
// per runtime.
type CentralStateMachine struct {
	mu sync.Mutex

	state      domain.CentralState
	reason     domain.FailureReason
	message    string
	endpointID domain.EndpointID // endpoint that caused a FAILED transition
	history    []StateChange

	bus *bus.Bus
	log *slog.Logger
}

// NewCentralStateMachine creates a machine in STARTING.
func NewCentralStateMachine(b *bus.Bus, log *slog.Logger) *CentralStateMachine {
	if log == nil {
		log = slog.Default()
	}
	return &CentralStateMachine{
		state:  domain.CentralStarting,
		reason: domain.FailureNone,
		bus:    b,
		log:    log,
	}
}

// State returns the current state.
func (m *CentralStateMachine) State() domain.CentralState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failure returns the failure reason, message and originating endpoint
// carried by the current state.
func (m *CentralStateMachine) Failure() (domain.FailureReason, string, domain.EndpointID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason, m.message, m.endpointID
}

// History returns a copy of the bounded state change history, oldest first.
func (m *CentralStateMachine) History() []StateChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StateChange, len(m.history))
	copy(out, m.history)
	return out
}

// Transition moves to the target state with a diagnostic reason string.
func (m *CentralStateMachine) Transition(target domain.CentralState, reason string) error {
	return m.transition(target, reason, domain.FailureNone, "")
}

// TransitionFailed moves to FAILED naming the endpoint that exhausted
// recovery and the failure classification.
func (m *CentralStateMachine) TransitionFailed(
	endpoint domain.EndpointID,
	failure domain.FailureReason,
	message string,
) error {
	return m.transition(domain.CentralFailed, message, failure, endpoint)
}

func (m *CentralStateMachine) transition(
	target domain.CentralState,
	reason string,
	failure domain.FailureReason,
	endpoint domain.EndpointID,
) error {
	m.mu.Lock()
	old := m.state

	if !centralTransitionAllowed(old, target) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, target)
	}

	m.state = target
	if failure != domain.FailureNone {
		m.reason = failure
		m.message = reason
		m.endpointID = endpoint
	}
	if target == domain.CentralRunning {
		m.reason = domain.FailureNone
		m.message = ""
		m.endpointID = ""
	}

	change := StateChange{
		From:       old,
		To:         target,
		Reason:     reason,
		Failure:    m.reason,
		EndpointID: m.endpointID,
		At:         time.Now(),
	}
	m.history = append(m.history, change)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
	evFailure, evEndpoint := m.reason, m.endpointID
	m.mu.Unlock()

	m.log.Info("system state transition", "from", old, "to", target, "reason", reason)

	if m.bus != nil {
		m.bus.Publish(domain.SystemStatusChanged{
			OldState:   old,
			NewState:   target,
			Reason:     reason,
			Failure:    evFailure,
			EndpointID: evEndpoint,
			At:         change.At,
		})
	}
	return nil
}

func centralTransitionAllowed(from, to domain.CentralState) bool {
	for _, s := range centralTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
