// Package engine schedules rate-limit rules, evaluates target cost against
// thresholds, and dispatches stop and notify actions on breach.
package engine

import (
	"context"
	"time"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/notify"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
	"github.com/thaitype/serverless-rate-limiter/internal/store"
)

// Options tunes the engine. Zero values fall back to the config defaults.
type Options struct {
	QueryTimeout  time.Duration
	NotifyTimeout time.Duration
	StopTimeout   time.Duration
	Retry         Backoff

	// SweepInterval is how often elapsed notification records are removed.
	// Zero disables the sweep.
	SweepInterval time.Duration
}

// OptionsFromConfig builds Options from the app config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		QueryTimeout:  cfg.Timeouts.Query,
		NotifyTimeout: cfg.Timeouts.Notify,
		StopTimeout:   cfg.Timeouts.Stop,
		Retry:         BackoffFromConfig(cfg.Retry),
		SweepInterval: cfg.Store.SweepInterval,
	}
}

// DrainTimeout is how long one firing can legitimately run: a cost query and
// a baseline query, then a stop and a notification, each exhausting its
// retries.
func (o Options) DrainTimeout() time.Duration {
	o = o.withDefaults()
	return 2*o.Retry.Budget(o.QueryTimeout) + o.Retry.Budget(o.StopTimeout) + o.Retry.Budget(o.NotifyTimeout)
}

func (o Options) withDefaults() Options {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = config.DefaultQueryTimeout
	}
	if o.NotifyTimeout <= 0 {
		o.NotifyTimeout = config.DefaultNotifyTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = config.DefaultStopTimeout
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = Backoff{
			MaxAttempts: config.DefaultMaxAttempts,
			BaseDelay:   config.DefaultBaseDelay,
			MaxDelay:    config.DefaultMaxDelay,
		}
	}
	return o
}

// Dependencies are the collaborators the engine drives.
type Dependencies struct {
	Costs      providers.CostQueryClient
	Controller providers.ResourceController
	Notifier   notify.Notifier
	Store      store.RecordStore

	// Observer receives engine events. Nil logs them through logrus.
	Observer Observer

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// CheckResult is one target's outcome of a one-shot check.
type CheckResult struct {
	Rule     string               `json:"rule"`
	Resource string               `json:"resource"`
	Result   *models.BreachResult `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
	Skipped  bool                 `json:"skipped,omitempty"`

	// Dispatch is set when the check ran with enforcement.
	Dispatch *DispatchOutcome `json:"dispatch,omitempty"`
}

// Engine is the control loop of the rate limiter.
//
// Engine must not call cloud SDKs directly; it delegates to the
// CostQueryClient, ResourceController and Notifier it was built with.
type Engine interface {
	// Start begins scheduling the rules of snap.
	Start(ctx context.Context, snap *policy.Snapshot) error

	// StartOptions compiles opts and starts. Validation failures are
	// returned as *policy.ConfigError.
	StartOptions(ctx context.Context, opts *models.ServerlessRateLimiterOptions) error

	// Reload swaps in snap and garbage-collects state of removed rules.
	Reload(ctx context.Context, snap *policy.Snapshot) error

	// ReloadOptions compiles opts and reloads. On *policy.ConfigError the
	// previous snapshot stays active.
	ReloadOptions(ctx context.Context, opts *models.ServerlessRateLimiterOptions) error

	// Trigger fires the named rule out of band.
	Trigger(name string) error

	// Snapshot returns the active snapshot.
	Snapshot() *policy.Snapshot

	// Status returns the scheduling state of every active rule.
	Status() []RuleStatus

	// Check evaluates every enabled rule of snap once. With enforce set,
	// breaches are dispatched exactly as a scheduled firing would.
	Check(ctx context.Context, snap *policy.Snapshot, enforce bool) ([]CheckResult, error)

	// Stop cancels pending fires. Wait drains in-flight firings.
	Stop()
	Wait(ctx context.Context) error
}
