package health

import (
	"context"
	"time"
)

// Result is the outcome of one reachability check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes the reachability of a pool's remote endpoint
type Checker interface {
	Check(ctx context.Context) Result
}

// Tracker smooths flapping checks: an endpoint is only reported
// unhealthy after Threshold consecutive failures.
type Tracker struct {
	Threshold int

	failures int
	healthy  bool
	started  bool
}

// NewTracker creates a tracker requiring threshold consecutive failures
func NewTracker(threshold int) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{Threshold: threshold}
}

// Observe folds a check result into the tracked state and returns the
// smoothed health.
func (t *Tracker) Observe(result Result) bool {
	if result.Healthy {
		t.failures = 0
		t.healthy = true
	} else {
		t.failures++
		if t.failures >= t.Threshold || !t.started {
			t.healthy = false
		}
	}
	t.started = true
	return t.healthy
}

// Healthy returns the current smoothed state
func (t *Tracker) Healthy() bool { return t.healthy }
