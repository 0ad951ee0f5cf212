package domain

import "time"

// Event type names published on the bus.
const (
	EventConnectionLost            = "connection_lost"
	EventCircuitBreakerTripped     = "circuit_breaker_tripped"
	EventCircuitBreakerStateChange = "circuit_breaker_state_changed"
	EventRecoveryStageChanged      = "recovery_stage_changed"
	EventRecoveryAttempted         = "recovery_attempted"
	EventRecoveryCompleted         = "recovery_completed"
	EventRecoveryFailed            = "recovery_failed"
	EventHeartbeatTimerFired       = "heartbeat_timer_fired"
	EventClientStateChanged        = "client_state_changed"
	EventSystemStatusChanged       = "system_status_changed"
)

// ConnectionLost signals that an endpoint's connection dropped.
type ConnectionLost struct {
	EndpointID EndpointID
	Reason     FailureReason
	Message    string
	At         time.Time
}

func (e ConnectionLost) Type() string    { return EventConnectionLost }
func (e ConnectionLost) Key() string     { return string(e.EndpointID) }
func (e ConnectionLost) Time() time.Time { return e.At }

// CircuitBreakerTripped is published on the CLOSED -> OPEN transition.
type CircuitBreakerTripped struct {
	EndpointID   EndpointID
	FailureCount int
	Cooldown     time.Duration // estimate until the breaker probes again
	At           time.Time
}

func (e CircuitBreakerTripped) Type() string    { return EventCircuitBreakerTripped }
func (e CircuitBreakerTripped) Key() string     { return string(e.EndpointID) }
func (e CircuitBreakerTripped) Time() time.Time { return e.At }

// CircuitBreakerStateChanged is published on every breaker transition.
type CircuitBreakerStateChanged struct {
	EndpointID      EndpointID
	OldState        BreakerState
	NewState        BreakerState
	FailureCount    int
	SuccessCount    int
	LastFailureTime time.Time
	At              time.Time
}

func (e CircuitBreakerStateChanged) Type() string    { return EventCircuitBreakerStateChange }
func (e CircuitBreakerStateChanged) Key() string     { return string(e.EndpointID) }
func (e CircuitBreakerStateChanged) Time() time.Time { return e.At }

// RecoveryStageChanged is published on every stage transition of a
// recovery cycle.
type RecoveryStageChanged struct {
	EndpointID     EndpointID
	OldStage       RecoveryStage
	NewStage       RecoveryStage
	ElapsedInStage time.Duration // time spent in the previous stage
	AttemptCount   int
	At             time.Time
}

func (e RecoveryStageChanged) Type() string    { return EventRecoveryStageChanged }
func (e RecoveryStageChanged) Key() string     { return string(e.EndpointID) }
func (e RecoveryStageChanged) Time() time.Time { return e.At }

// RecoveryAttempted records the outcome of one recovery cycle.
type RecoveryAttempted struct {
	EndpointID EndpointID
	Success    bool
	Stage      RecoveryStage // stage the cycle ended in
	Error      string
	Attempt    int
	At         time.Time
}

func (e RecoveryAttempted) Type() string    { return EventRecoveryAttempted }
func (e RecoveryAttempted) Key() string     { return string(e.EndpointID) }
func (e RecoveryAttempted) Time() time.Time { return e.At }

// RecoveryCompleted is published once a full pipeline succeeds.
type RecoveryCompleted struct {
	EndpointID EndpointID
	Duration   time.Duration
	Attempts   int
	At         time.Time
}

func (e RecoveryCompleted) Type() string    { return EventRecoveryCompleted }
func (e RecoveryCompleted) Key() string     { return string(e.EndpointID) }
func (e RecoveryCompleted) Time() time.Time { return e.At }

// RecoveryFailed is published when the attempt budget is exhausted and
// the endpoint needs manual intervention.
type RecoveryFailed struct {
	EndpointID               EndpointID
	Reason                   FailureReason
	Attempts                 int
	ManualInterventionNeeded bool
	At                       time.Time
}

func (e RecoveryFailed) Type() string    { return EventRecoveryFailed }
func (e RecoveryFailed) Key() string     { return string(e.EndpointID) }
func (e RecoveryFailed) Time() time.Time { return e.At }

// HeartbeatTimerFired is published on every tick of the slow fallback
// retry loop.
type HeartbeatTimerFired struct {
	Tick int
	At   time.Time
}

func (e HeartbeatTimerFired) Type() string    { return EventHeartbeatTimerFired }
func (e HeartbeatTimerFired) Key() string     { return "" }
func (e HeartbeatTimerFired) Time() time.Time { return e.At }

// ClientStateChanged is published on every client state machine transition.
type ClientStateChanged struct {
	EndpointID EndpointID
	OldState   ClientState
	NewState   ClientState
	Reason     FailureReason
	Message    string
	At         time.Time
}

func (e ClientStateChanged) Type() string    { return EventClientStateChanged }
func (e ClientStateChanged) Key() string     { return string(e.EndpointID) }
func (e ClientStateChanged) Time() time.Time { return e.At }

// SystemStatusChanged is published on every central state machine transition.
type SystemStatusChanged struct {
	OldState   CentralState
	NewState   CentralState
	Reason     string
	Failure    FailureReason
	EndpointID EndpointID // endpoint that caused a FAILED transition
	At         time.Time
}

func (e SystemStatusChanged) Type() string    { return EventSystemStatusChanged }
func (e SystemStatusChanged) Key() string     { return string(e.EndpointID) }
func (e SystemStatusChanged) Time() time.Time { return e.At }
