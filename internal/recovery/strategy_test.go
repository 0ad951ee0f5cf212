package recovery

import (
	"testing"
	"time"

	"github.com/hausnet/linkguard/internal/core/domain"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // 64s capped
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.failures); got != tc.want {
			t.Errorf("Delay(%d): expected %v, got %v", tc.failures, tc.want, got)
		}
	}
}

func TestBackoff_Default(t *testing.T) {
	b := DefaultBackoff()
	if b.BaseDelay != 2*time.Second || b.MaxDelay != 60*time.Second {
		t.Errorf("unexpected default policy: %+v", b)
	}
}

func TestState_CycleLifecycle(t *testing.T) {
	st := newState("ep-1")
	now := time.Now()

	st.beginCycle(now)
	if st.Stage != domain.StageIdle {
		t.Errorf("expected idle stage after beginCycle, got %s", st.Stage)
	}

	st.enterStage(domain.StageCooldown, now)
	st.enterStage(domain.StageTCPChecking, now.Add(time.Second))
	if len(st.CompletedStages) != 1 || st.CompletedStages[0] != domain.StageCooldown {
		t.Errorf("expected cooldown recorded as completed, got %v", st.CompletedStages)
	}

	st.recordFailure(now)
	st.recordFailure(now)
	if st.AttemptCount != 2 || st.ConsecutiveFailures != 2 {
		t.Errorf("expected counters 2/2, got %d/%d", st.AttemptCount, st.ConsecutiveFailures)
	}
	if st.canRetry(2) {
		t.Error("budget of 2 must be exhausted after 2 failures")
	}

	st.resetBudget()
	if !st.canRetry(2) {
		t.Error("expected retry allowed after budget reset")
	}

	st.recordSuccess(now)
	if st.AttemptCount != 0 || st.ConsecutiveFailures != 0 {
		t.Errorf("expected zeroed counters after success, got %d/%d", st.AttemptCount, st.ConsecutiveFailures)
	}
}
