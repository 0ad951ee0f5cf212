package recovery

import (
	"math"
	"time"
)

// Backoff computes retry delays for failed recovery cycles.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultBackoff returns the stock policy: 2s, 4s, 8s, ... capped at 60s.
func DefaultBackoff() Backoff {
	return Backoff{BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
}

// Delay returns the wait before the next cycle given the number of
// consecutive failures so far: BaseDelay doubled per extra failure,
// capped at MaxDelay. One failure waits BaseDelay.
func (b Backoff) Delay(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 1 {
		return b.BaseDelay
	}
	d := float64(b.BaseDelay) * math.Pow(2, float64(consecutiveFailures-1))
	if d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(d)
}
