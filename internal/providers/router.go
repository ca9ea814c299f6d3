package providers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// ---------------------------------------------------------------------------
// CostRouter
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ CostQueryClient = (*CostRouter)(nil)

// CostRouter is the production CostQueryClient. It converts a target's
// CostTimeRange into an absolute window, resolves baselines, and delegates
// the window query to the CostSource registered for the target's type.
//
// Register panics on duplicate resource types to catch wiring mistakes at
// startup. Registration must complete before the router is used.
type CostRouter struct {
	sources map[models.ResourceType]CostSource
}

// NewCostRouter returns an empty router.
func NewCostRouter() *CostRouter {
	return &CostRouter{sources: make(map[models.ResourceType]CostSource)}
}

// Register routes every type in types to source.
func (r *CostRouter) Register(source CostSource, types ...models.ResourceType) {
	for _, t := range types {
		if _, exists := r.sources[t]; exists {
			panic(fmt.Sprintf("duplicate cost source for resource type %q", t))
		}
		r.sources[t] = source
	}
}

// Types returns the registered resource types, sorted.
func (r *CostRouter) Types() []models.ResourceType {
	return sortedTypes(r.sources)
}

// QueryActualCost implements CostQueryClient.
func (r *CostRouter) QueryActualCost(ctx context.Context, target models.TargetResource, now time.Time) (decimal.Decimal, error) {
	src, err := r.source(target)
	if err != nil {
		return decimal.Zero, err
	}
	start, end := target.ActualCost.Lookback(now)
	return src.ActualCost(ctx, target, start, end)
}

// QueryForecastCost implements CostQueryClient.
func (r *CostRouter) QueryForecastCost(ctx context.Context, target models.TargetResource, now time.Time) (decimal.Decimal, error) {
	if target.ForecastCost == nil {
		return decimal.Zero, fmt.Errorf("%s has no forecastCost window: %w", target.Identity(), ErrForecastUnsupported)
	}
	src, err := r.source(target)
	if err != nil {
		return decimal.Zero, err
	}
	start, end := target.ForecastCost.Lookahead(now)
	return src.ForecastCost(ctx, target, start, end)
}

// QueryBaseline implements CostQueryClient.
//
// Static baselines return the configured amount. PreviousPeriod baselines
// query the actual cost of the window of equal length immediately preceding
// the target's actualCost window; a zero result means there is no history to
// compare against and is reported as ErrBaselineUnavailable.
func (r *CostRouter) QueryBaseline(ctx context.Context, target models.TargetResource, now time.Time) (decimal.Decimal, error) {
	if target.Baseline == nil {
		return decimal.Zero, fmt.Errorf("%s has no baseline: %w", target.Identity(), ErrBaselineUnavailable)
	}

	switch target.Baseline.Source {
	case models.BaselineStatic:
		amount := decimal.NewFromFloat(target.Baseline.Amount)
		if !amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("%s static baseline is not positive: %w", target.Identity(), ErrBaselineUnavailable)
		}
		return amount, nil

	case models.BaselinePreviousPeriod:
		src, err := r.source(target)
		if err != nil {
			return decimal.Zero, err
		}
		start, _ := target.ActualCost.Lookback(now)
		prevStart := start.Add(-target.ActualCost.Span())
		amount, err := src.ActualCost(ctx, target, prevStart, start)
		if err != nil {
			return decimal.Zero, fmt.Errorf("previous-period baseline: %w", err)
		}
		if !amount.IsPositive() {
			return decimal.Zero, fmt.Errorf("%s previous period cost is zero: %w", target.Identity(), ErrBaselineUnavailable)
		}
		return amount, nil

	default:
		return decimal.Zero, fmt.Errorf("%s baseline source %q: %w", target.Identity(), target.Baseline.Source, ErrBaselineUnavailable)
	}
}

func (r *CostRouter) source(target models.TargetResource) (CostSource, error) {
	src, ok := r.sources[target.Type]
	if !ok {
		return nil, fmt.Errorf("cost query for %q: %w", target.Type, ErrUnsupportedResource)
	}
	return src, nil
}

// ---------------------------------------------------------------------------
// ControllerRouter
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ ResourceController = (*ControllerRouter)(nil)

// ControllerRouter dispatches Stop to the controller registered for the
// target's resource type. Register panics on duplicates.
type ControllerRouter struct {
	controllers map[models.ResourceType]ResourceController
}

// NewControllerRouter returns an empty router.
func NewControllerRouter() *ControllerRouter {
	return &ControllerRouter{controllers: make(map[models.ResourceType]ResourceController)}
}

// Register routes every type in types to c.
func (r *ControllerRouter) Register(c ResourceController, types ...models.ResourceType) {
	for _, t := range types {
		if _, exists := r.controllers[t]; exists {
			panic(fmt.Sprintf("duplicate resource controller for resource type %q", t))
		}
		r.controllers[t] = c
	}
}

// Types returns the registered resource types, sorted.
func (r *ControllerRouter) Types() []models.ResourceType {
	return sortedTypes(r.controllers)
}

// Stop implements ResourceController.
func (r *ControllerRouter) Stop(ctx context.Context, target models.TargetResource) error {
	c, ok := r.controllers[target.Type]
	if !ok {
		return fmt.Errorf("stop %q: %w", target.Type, ErrUnsupportedResource)
	}
	return c.Stop(ctx, target)
}

func sortedTypes[V any](m map[models.ResourceType]V) []models.ResourceType {
	out := make([]models.ResourceType, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
