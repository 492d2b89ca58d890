// Package reconcile bridges the gap between a completed checkout and the
// webhook-driven grant: a client polls the access-check endpoint for a
// bounded number of attempts until access appears.
package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// DefaultDelay is the pause between polling attempts.
const DefaultDelay = 5 * time.Second

// AccessChecker answers whether a user currently has access.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID, assessmentID string) (bool, error)
}

// CheckerFunc adapts a function to AccessChecker.
type CheckerFunc func(ctx context.Context, userID, assessmentID string) (bool, error)

func (f CheckerFunc) HasAccess(ctx context.Context, userID, assessmentID string) (bool, error) {
	return f(ctx, userID, assessmentID)
}

// Result summarizes a polling run.
type Result struct {
	Granted  bool
	Attempts int
	Failures int
}

// Poller repeatedly checks for access with a fixed delay.
type Poller struct {
	Checker AccessChecker
	Delay   time.Duration
	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// NewPoller creates a poller with DefaultDelay.
func NewPoller(checker AccessChecker) *Poller {
	return &Poller{Checker: checker, Delay: DefaultDelay}
}

// Poll reports whether access was observed within maxAttempts checks.
func (p *Poller) Poll(ctx context.Context, userID, assessmentID string, maxAttempts int) bool {
	return p.Wait(ctx, userID, assessmentID, maxAttempts).Granted
}

// Wait runs up to maxAttempts checks and stops at the first one that sees
// access. A failed check counts as an attempt and the loop continues. There
// is no delay after the final attempt. Cancelling ctx ends the run early
// without access.
func (p *Poller) Wait(ctx context.Context, userID, assessmentID string, maxAttempts int) Result {
	var res Result
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := p.Delay
	if delay < 0 {
		delay = 0
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return res
		}
		res.Attempts = attempt

		ok, err := p.Checker.HasAccess(ctx, userID, assessmentID)
		switch {
		case err != nil:
			res.Failures++
			logger.Debug("access check failed", "attempt", attempt, "user_id", userID,
				"assessment_id", assessmentID, "error", err)
		case ok:
			res.Granted = true
			return res
		}

		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return res
		}
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
