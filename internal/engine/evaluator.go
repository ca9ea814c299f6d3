package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
)

var hundred = decimal.NewFromInt(100)

// TargetOutcome is the evaluation of one target. Exactly one of Result and
// Err is set.
type TargetOutcome struct {
	Target models.TargetResource
	Result *models.BreachResult
	Err    error
}

// Skipped reports whether the target was skipped as unsupported rather than
// failed.
func (o TargetOutcome) Skipped() bool {
	return o.Err != nil && isSkip(o.Err)
}

// Evaluation is the outcome of one rule firing, one entry per target in
// document order.
type Evaluation struct {
	Rule     string
	At       time.Time
	Outcomes []TargetOutcome
}

// Breaches returns the results that breached.
func (e Evaluation) Breaches() []models.BreachResult {
	var out []models.BreachResult
	for _, o := range e.Outcomes {
		if o.Result != nil && o.Result.Breached {
			out = append(out, *o.Result)
		}
	}
	return out
}

// Evaluator compares each target's cost against a rule's threshold. Targets
// are evaluated concurrently; a failing target never aborts its siblings.
type Evaluator struct {
	costs    providers.CostQueryClient
	observer Observer
	timeout  time.Duration
	backoff  Backoff
	newID    func() string
}

// NewEvaluator returns an Evaluator. timeout bounds each provider call.
func NewEvaluator(costs providers.CostQueryClient, observer Observer, timeout time.Duration, backoff Backoff) *Evaluator {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Evaluator{
		costs:    costs,
		observer: observer,
		timeout:  timeout,
		backoff:  backoff,
		newID:    uuid.NewString,
	}
}

// Evaluate runs rule against every target at now.
func (e *Evaluator) Evaluate(ctx context.Context, rule *policy.Rule, now time.Time) Evaluation {
	eval := Evaluation{
		Rule:     rule.Name,
		At:       now,
		Outcomes: make([]TargetOutcome, len(rule.TargetResources)),
	}

	var g errgroup.Group
	for i, target := range rule.TargetResources {
		i, target := i, target
		g.Go(func() error {
			res, err := e.safeEvaluateTarget(ctx, rule, target, now)
			eval.Outcomes[i] = TargetOutcome{Target: target, Result: res, Err: err}
			e.report(rule, target, res, err, now)
			return nil
		})
	}
	_ = g.Wait()
	return eval
}

// safeEvaluateTarget turns a panic in a provider or in decimal conversion
// into a target error. A panic in an errgroup goroutine would otherwise end
// the process.
func (e *Evaluator) safeEvaluateTarget(ctx context.Context, rule *policy.Rule, target models.TargetResource, now time.Time) (res *models.BreachResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("rule %q: evaluate %s: panic: %v", rule.Name, target.Identity(), p)
		}
	}()
	return e.evaluateTarget(ctx, rule, target, now)
}

func (e *Evaluator) evaluateTarget(ctx context.Context, rule *policy.Rule, target models.TargetResource, now time.Time) (*models.BreachResult, error) {
	measured, err := e.measure(ctx, rule, target, now)
	if err != nil {
		return nil, err
	}

	threshold, err := e.threshold(ctx, rule, target, now)
	if err != nil {
		return nil, err
	}

	return &models.BreachResult{
		ID:          e.newID(),
		RuleName:    rule.Name,
		Target:      target,
		CostType:    rule.CostType,
		Measured:    measured,
		Threshold:   threshold,
		Breached:    measured.GreaterThanOrEqual(threshold),
		EvaluatedAt: now,
	}, nil
}

// measure queries the cost window selected by the rule's cost type.
func (e *Evaluator) measure(ctx context.Context, rule *policy.Rule, target models.TargetResource, now time.Time) (decimal.Decimal, error) {
	var (
		op    string
		query func(ctx context.Context, t models.TargetResource, now time.Time) (decimal.Decimal, error)
	)
	switch rule.CostType {
	case models.CostTypeActual:
		op, query = "actual", e.costs.QueryActualCost
	case models.CostTypeForecast:
		if target.ForecastCost == nil {
			return decimal.Zero, &UnsupportedForecastError{Rule: rule.Name, Target: target, Err: providers.ErrForecastUnsupported}
		}
		op, query = "forecast", e.costs.QueryForecastCost
	default:
		return decimal.Zero, fmt.Errorf("rule %q: unknown cost type %q", rule.Name, rule.CostType)
	}

	var amount decimal.Decimal
	attempts, err := e.backoff.Do(ctx, e.timeout, func(ctx context.Context) error {
		var qerr error
		amount, qerr = query(ctx, target, now)
		return qerr
	})
	switch {
	case err == nil:
		return amount, nil
	case errors.Is(err, providers.ErrForecastUnsupported):
		return decimal.Zero, &UnsupportedForecastError{Rule: rule.Name, Target: target, Err: err}
	default:
		return decimal.Zero, &QueryError{Rule: rule.Name, Target: target, Op: op, Attempts: attempts, Err: err}
	}
}

// threshold resolves the rule threshold to absolute cost units.
func (e *Evaluator) threshold(ctx context.Context, rule *policy.Rule, target models.TargetResource, now time.Time) (decimal.Decimal, error) {
	if math.IsNaN(rule.Threshold) || math.IsInf(rule.Threshold, 0) {
		return decimal.Zero, fmt.Errorf("rule %q: threshold %v is not a finite number", rule.Name, rule.Threshold)
	}
	threshold := decimal.NewFromFloat(rule.Threshold)

	switch rule.ThresholdType {
	case models.ThresholdTypeActual:
		return threshold, nil
	case models.ThresholdTypePercentage:
	default:
		return decimal.Zero, fmt.Errorf("rule %q: unknown threshold type %q", rule.Name, rule.ThresholdType)
	}

	var baseline decimal.Decimal
	attempts, err := e.backoff.Do(ctx, e.timeout, func(ctx context.Context) error {
		var berr error
		baseline, berr = e.costs.QueryBaseline(ctx, target, now)
		return berr
	})
	switch {
	case err == nil:
		return threshold.Div(hundred).Mul(baseline), nil
	case errors.Is(err, providers.ErrBaselineUnavailable):
		return decimal.Zero, &UnsupportedThresholdError{Rule: rule.Name, Target: target, Err: err}
	default:
		return decimal.Zero, &QueryError{Rule: rule.Name, Target: target, Op: "baseline", Attempts: attempts, Err: err}
	}
}

func (e *Evaluator) report(rule *policy.Rule, target models.TargetResource, res *models.BreachResult, err error, now time.Time) {
	ev := Event{Rule: rule.Name, Resource: target.Identity(), At: now, Err: err}

	var qerr *QueryError
	switch {
	case err == nil:
		if !res.Breached {
			return
		}
		ev.Type = EventBreachDetected
		ev.BreachID = res.ID
		ev.Measured = res.Measured
		ev.Threshold = res.Threshold
	case isSkip(err):
		ev.Type = EventTargetSkipped
	case errors.As(err, &qerr):
		ev.Type = EventQueryFailed
		ev.Attempts = qerr.Attempts
	default:
		ev.Type = EventEvaluationFailed
	}
	e.observer.Observe(ev)
}
