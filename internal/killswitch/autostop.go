package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AutoStop trips the gate after a run of consecutive chain failures inside
// a sliding window. Any success resets the run.
type AutoStop struct {
	gate      *Gate
	threshold int
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures []time.Time
}

// NewAutoStop returns nil when threshold is not positive.
func NewAutoStop(gate *Gate, threshold int, window time.Duration) *AutoStop {
	if gate == nil || threshold <= 0 {
		return nil
	}
	return &AutoStop{gate: gate, threshold: threshold, window: window, now: time.Now}
}

// RecordSuccess clears the failure run.
func (a *AutoStop) RecordSuccess() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.failures = a.failures[:0]
	a.mu.Unlock()
}

// RecordFailure notes a chain failure and trips the gate once the run
// reaches the threshold. It reports whether this call tripped it.
func (a *AutoStop) RecordFailure(ctx context.Context, code string) bool {
	if a == nil {
		return false
	}
	now := a.now()
	a.mu.Lock()
	kept := a.failures[:0]
	for _, at := range a.failures {
		if a.window <= 0 || now.Sub(at) <= a.window {
			kept = append(kept, at)
		}
	}
	a.failures = append(kept, now)
	count := len(a.failures)
	if count >= a.threshold {
		a.failures = a.failures[:0]
	}
	a.mu.Unlock()

	if count < a.threshold || !a.gate.Snapshot().Operational() {
		return false
	}
	reason := fmt.Sprintf("%d consecutive chain failures within %s (last %s)", count, a.window, code)
	if _, err := a.gate.Trip(ctx, "auto-stop", reason); err != nil {
		a.gate.logger.Error("auto-stop trip failed", slog.Any("error", err))
		return false
	}
	return true
}
