package recovery

import (
	"time"

	"github.com/hausnet/linkguard/internal/core/domain"
)

// State tracks recovery progress for one endpoint. Created lazily on the
// first recovery attempt, reset on success, retained across failed cycles
// so backoff and the attempt budget persist. Owned by the coordinator;
// all access goes through its lock.
type State struct {
	EndpointID          domain.EndpointID      `json:"endpoint_id"`
	AttemptCount        int                    `json:"attempt_count"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	LastAttempt         time.Time              `json:"last_attempt,omitempty"`
	LastSuccess         time.Time              `json:"last_success,omitempty"`
	Stage               domain.RecoveryStage   `json:"stage"`
	CompletedStages     []domain.RecoveryStage `json:"completed_stages,omitempty"`
	StartedAt           time.Time              `json:"started_at,omitempty"`

	stageEnteredAt time.Time
}

func newState(id domain.EndpointID) *State {
	return &State{EndpointID: id, Stage: domain.StageIdle}
}

// snapshot returns a detached copy. CompletedStages must not share its
// backing array with the live state, which the coordinator keeps
// truncating and appending to across cycles.
func (s *State) snapshot() State {
	out := *s
	out.CompletedStages = append([]domain.RecoveryStage(nil), s.CompletedStages...)
	return out
}

// beginCycle prepares the state for a fresh recovery cycle. Counters are
// kept so backoff and attempt tracking survive across cycles.
func (s *State) beginCycle(now time.Time) {
	s.StartedAt = now
	s.LastAttempt = now
	s.Stage = domain.StageIdle
	s.CompletedStages = s.CompletedStages[:0]
	s.stageEnteredAt = now
}

// enterStage moves to the next stage and returns the time spent in the
// previous one.
func (s *State) enterStage(stage domain.RecoveryStage, now time.Time) (prev domain.RecoveryStage, elapsed time.Duration) {
	prev = s.Stage
	elapsed = now.Sub(s.stageEnteredAt)
	if prev != domain.StageIdle {
		s.CompletedStages = append(s.CompletedStages, prev)
	}
	s.Stage = stage
	s.stageEnteredAt = now
	return prev, elapsed
}

// recordSuccess zeroes the counters after a full pipeline success.
func (s *State) recordSuccess(now time.Time) {
	s.AttemptCount = 0
	s.ConsecutiveFailures = 0
	s.LastSuccess = now
}

// recordFailure bumps the counters after an aborted cycle.
func (s *State) recordFailure(now time.Time) {
	s.AttemptCount++
	s.ConsecutiveFailures++
	s.LastAttempt = now
}

// canRetry reports whether the attempt budget allows another cycle.
func (s *State) canRetry(maxAttempts int) bool {
	return s.AttemptCount < maxAttempts
}

// resetBudget grants a fresh attempt budget. The heartbeat loop calls
// this before re-triggering recovery for a stuck endpoint.
func (s *State) resetBudget() {
	s.AttemptCount = 0
}
