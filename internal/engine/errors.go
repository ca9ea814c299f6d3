package engine

import (
	"errors"
	"fmt"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// Sentinel errors returned by the scheduler.
var (
	ErrNotStarted     = errors.New("engine not started")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrStopped        = errors.New("engine stopped")
	ErrUnknownRule    = errors.New("unknown or disabled rule")
	ErrRuleBusy       = errors.New("rule evaluation already in progress")
)

// QueryError reports a cost or baseline query that failed after retries.
// The target is skipped for this evaluation.
type QueryError struct {
	Rule     string
	Target   models.TargetResource
	Op       string // "actual", "forecast" or "baseline"
	Attempts int
	Err      error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("rule %q: %s cost query for %s failed after %d attempt(s): %v",
		e.Rule, e.Op, e.Target.Identity(), e.Attempts, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// UnsupportedForecastError reports a Forecast rule whose target has no
// forecast window, or whose provider cannot forecast it.
type UnsupportedForecastError struct {
	Rule   string
	Target models.TargetResource
	Err    error
}

func (e *UnsupportedForecastError) Error() string {
	return fmt.Sprintf("rule %q: forecast unavailable for %s: %v", e.Rule, e.Target.Identity(), e.Err)
}

func (e *UnsupportedForecastError) Unwrap() error { return e.Err }

// UnsupportedThresholdError reports a Percentage rule whose target has no
// resolvable baseline.
type UnsupportedThresholdError struct {
	Rule   string
	Target models.TargetResource
	Err    error
}

func (e *UnsupportedThresholdError) Error() string {
	return fmt.Sprintf("rule %q: percentage threshold unresolvable for %s: %v", e.Rule, e.Target.Identity(), e.Err)
}

func (e *UnsupportedThresholdError) Unwrap() error { return e.Err }

// NotifyError reports a notification that could not be delivered after
// retries.
type NotifyError struct {
	Rule     string
	Resource string
	Channel  models.ChannelKind
	Forced   bool
	Attempts int
	Err      error
}

func (e *NotifyError) Error() string {
	kind := "notification"
	if e.Forced {
		kind = "forced notification"
	}
	return fmt.Sprintf("rule %q: %s for %s via %s failed after %d attempt(s): %v",
		e.Rule, kind, e.Resource, e.Channel, e.Attempts, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// StopError reports a stop action that failed after retries.
type StopError struct {
	Rule     string
	Target   models.TargetResource
	Attempts int
	Err      error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("rule %q: stop %s failed after %d attempt(s): %v",
		e.Rule, e.Target.Identity(), e.Attempts, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// isSkip reports whether err means the target was skipped rather than failed.
func isSkip(err error) bool {
	var uf *UnsupportedForecastError
	var ut *UnsupportedThresholdError
	return errors.As(err, &uf) || errors.As(err, &ut)
}
