// Package providers defines the cloud-facing contracts used by the engine:
// CostQueryClient answers cost questions about a TargetResource and
// ResourceController suspends one. Per-cloud adapters live in the
// aws, azure, and kubernetes subpackages and are combined here by
// resource type.
package providers

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// Sentinel errors returned by adapters. The engine maps them to its typed
// error kinds; wrap them with fmt.Errorf("...: %w", err) to add context.
var (
	// ErrBaselineUnavailable means no baseline amount exists for a target,
	// so a percentage threshold cannot be resolved.
	ErrBaselineUnavailable = errors.New("baseline unavailable")

	// ErrForecastUnsupported means the provider cannot forecast this target.
	ErrForecastUnsupported = errors.New("forecast not supported for resource")

	// ErrUnsupportedResource means no adapter is registered for the
	// target's resource type.
	ErrUnsupportedResource = errors.New("unsupported resource type")
)

// CostQueryClient answers cost questions for a single target. now anchors
// every window: actual cost covers [now-span, now), forecast [now, now+span).
// Implementations must be safe for concurrent use.
type CostQueryClient interface {
	// QueryActualCost returns the incurred cost over the target's actualCost window.
	QueryActualCost(ctx context.Context, target models.TargetResource, now time.Time) (decimal.Decimal, error)

	// QueryForecastCost returns the predicted cost over the target's
	// forecastCost window. Returns ErrForecastUnsupported when the target
	// has no forecast window or the provider cannot forecast it.
	QueryForecastCost(ctx context.Context, target models.TargetResource, now time.Time) (decimal.Decimal, error)

	// QueryBaseline returns the reference amount for percentage thresholds.
	// Returns ErrBaselineUnavailable when the target has none.
	QueryBaseline(ctx context.Context, target models.TargetResource, now time.Time) (decimal.Decimal, error)
}

// ResourceController suspends resources.
type ResourceController interface {
	// Stop suspends target. It must be idempotent: stopping an already
	// stopped resource returns nil.
	Stop(ctx context.Context, target models.TargetResource) error
}

// CostSource is the per-cloud half of a CostQueryClient: it answers
// explicit time windows and knows nothing about rules or baselines.
type CostSource interface {
	// ActualCost returns the incurred cost of target in [start, end).
	ActualCost(ctx context.Context, target models.TargetResource, start, end time.Time) (decimal.Decimal, error)

	// ForecastCost returns the predicted cost of target in [start, end).
	ForecastCost(ctx context.Context, target models.TargetResource, start, end time.Time) (decimal.Decimal, error)
}
