package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
)

// Compile-time interface check.
var _ Engine = (*DefaultEngine)(nil)

// DefaultEngine is the production implementation of Engine. It wires the
// Scheduler, Evaluator, Dispatcher and Deduper together and owns the active
// snapshot.
type DefaultEngine struct {
	evaluator  *Evaluator
	dispatcher *Dispatcher
	dedup      *Deduper
	scheduler  *Scheduler
	observer   Observer
	now        func() time.Time
	opts       Options

	mu   sync.RWMutex
	snap *policy.Snapshot

	// reloadMu serialises Reload calls from the watcher and the admin API.
	reloadMu sync.Mutex

	sweeping  bool
	stopped   bool
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewDefaultEngine constructs a DefaultEngine from deps and opts.
func NewDefaultEngine(deps Dependencies, opts Options) *DefaultEngine {
	opts = opts.withDefaults()

	observer := deps.Observer
	if observer == nil {
		observer = NewLogObserver(nil)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	dedup := NewDeduper(deps.Store)
	e := &DefaultEngine{
		evaluator:  NewEvaluator(deps.Costs, observer, opts.QueryTimeout, opts.Retry),
		dispatcher: NewDispatcher(deps.Controller, deps.Notifier, dedup, observer, opts.StopTimeout, opts.NotifyTimeout, opts.Retry),
		dedup:      dedup,
		observer:   observer,
		now:        now,
		opts:       opts,
		sweepStop:  make(chan struct{}),
		sweepDone:  make(chan struct{}),
	}
	e.scheduler = NewScheduler(e.runRule, observer, now)
	return e
}

// ---------------------------------------------------------------------------
// Engine implementation
// ---------------------------------------------------------------------------

// Start implements Engine.
func (e *DefaultEngine) Start(ctx context.Context, snap *policy.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("start engine: nil snapshot")
	}
	if _, err := e.dedup.Retain(ctx, snap.RuleNames()); err != nil {
		log.WithError(err).Warn("prune notification records of unknown rules")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	prev := e.snap
	e.snap = snap
	if err := e.scheduler.Start(ctx, snap); err != nil {
		e.snap = prev
		return err
	}
	e.sweeping = true
	go e.sweepLoop(ctx)

	log.WithFields(log.Fields{
		"rules":   len(snap.Enabled()),
		"hash":    shortHash(snap.Hash),
		"targets": countTargets(snap),
	}).Info("engine started")
	return nil
}

// StartOptions implements Engine.
func (e *DefaultEngine) StartOptions(ctx context.Context, opts *models.ServerlessRateLimiterOptions) error {
	snap, err := policy.Compile(opts)
	if err != nil {
		return err
	}
	return e.Start(ctx, snap)
}

// Reload implements Engine.
func (e *DefaultEngine) Reload(ctx context.Context, snap *policy.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("reload engine: nil snapshot")
	}
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	prev := e.Snapshot()
	if prev != nil && prev.Hash == snap.Hash {
		log.WithField("hash", shortHash(snap.Hash)).Debug("rules unchanged; reload skipped")
		return nil
	}

	removed, err := e.scheduler.Reload(snap)
	if err != nil {
		return err
	}
	e.setSnapshot(snap)

	if len(removed) > 0 {
		if _, err := e.dedup.Retain(ctx, snap.RuleNames()); err != nil {
			log.WithError(err).Warn("garbage-collect notification records")
		}
	}

	log.WithFields(log.Fields{
		"rules":   len(snap.Enabled()),
		"removed": removed,
		"hash":    shortHash(snap.Hash),
	}).Info("rules reloaded")
	return nil
}

// ReloadOptions implements Engine.
func (e *DefaultEngine) ReloadOptions(ctx context.Context, opts *models.ServerlessRateLimiterOptions) error {
	snap, err := policy.Compile(opts)
	if err != nil {
		return err
	}
	return e.Reload(ctx, snap)
}

// Trigger implements Engine.
func (e *DefaultEngine) Trigger(name string) error {
	return e.scheduler.Trigger(name)
}

// Snapshot implements Engine.
func (e *DefaultEngine) Snapshot() *policy.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// Status implements Engine.
func (e *DefaultEngine) Status() []RuleStatus {
	return e.scheduler.Status()
}

// Stop implements Engine.
func (e *DefaultEngine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	sweeping := e.sweeping
	e.mu.Unlock()

	e.scheduler.Stop()
	close(e.sweepStop)
	if !sweeping {
		close(e.sweepDone)
	}
}

// Wait implements Engine.
func (e *DefaultEngine) Wait(ctx context.Context) error {
	if err := e.scheduler.Wait(ctx); err != nil {
		return err
	}
	select {
	case <-e.sweepDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check implements Engine. Rules are evaluated concurrently; results are
// ordered by rule then target as they appear in the document.
func (e *DefaultEngine) Check(ctx context.Context, snap *policy.Snapshot, enforce bool) ([]CheckResult, error) {
	if snap == nil {
		return nil, fmt.Errorf("check: nil snapshot")
	}
	now := e.now()
	rules := snap.Enabled()
	perRule := make([][]CheckResult, len(rules))

	var g errgroup.Group
	for i, rule := range rules {
		i, rule := i, rule
		g.Go(func() error {
			eval := e.evaluator.Evaluate(ctx, rule, now)
			results := make([]CheckResult, 0, len(eval.Outcomes))
			for _, o := range eval.Outcomes {
				cr := CheckResult{Rule: rule.Name, Resource: o.Target.Identity(), Result: o.Result}
				if o.Err != nil {
					cr.Error = o.Err.Error()
					cr.Skipped = o.Skipped()
				}
				if enforce && o.Result != nil && o.Result.Breached {
					out := e.dispatcher.Dispatch(ctx, rule, snap.Escalation, *o.Result, now)
					cr.Dispatch = &out
				}
				results = append(results, cr)
			}
			perRule[i] = results
			return nil
		})
	}
	_ = g.Wait()

	var out []CheckResult
	for _, rs := range perRule {
		out = append(out, rs...)
	}
	return out, ctx.Err()
}

// ---------------------------------------------------------------------------
// Rule firing
// ---------------------------------------------------------------------------

// runRule is the Scheduler's RunFunc: evaluate every target, then dispatch
// each breach concurrently unless the rule was removed meanwhile.
func (e *DefaultEngine) runRule(ctx context.Context, rule *policy.Rule, abandoned func() bool) RunSummary {
	now := e.now()
	e.observer.Observe(Event{Type: EventRuleFired, Rule: rule.Name, At: now})

	eval := e.evaluator.Evaluate(ctx, rule, now)
	summary := summarize(eval)

	breaches := eval.Breaches()
	if len(breaches) == 0 {
		return summary
	}
	if abandoned() {
		log.WithFields(log.Fields{"rule": rule.Name, "breaches": len(breaches)}).
			Info("rule removed during evaluation; dispatch skipped")
		return summary
	}

	var escalation *models.NotifyChannelType
	if snap := e.Snapshot(); snap != nil {
		escalation = snap.Escalation
	}

	var g errgroup.Group
	for _, res := range breaches {
		res := res
		g.Go(func() error {
			e.dispatcher.Dispatch(ctx, rule, escalation, res, now)
			return nil
		})
	}
	_ = g.Wait()
	return summary
}

func summarize(eval Evaluation) RunSummary {
	s := RunSummary{Targets: len(eval.Outcomes)}
	for _, o := range eval.Outcomes {
		switch {
		case o.Err == nil:
			if o.Result.Breached {
				s.Breaches++
			}
		case o.Skipped():
			s.Skipped++
		default:
			s.Errors++
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *DefaultEngine) setSnapshot(snap *policy.Snapshot) {
	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
}

// sweepLoop periodically removes notification records whose cool-down has
// elapsed, so stores do not grow without bound.
func (e *DefaultEngine) sweepLoop(ctx context.Context) {
	defer close(e.sweepDone)
	if e.opts.SweepInterval <= 0 {
		select {
		case <-e.sweepStop:
		case <-ctx.Done():
		}
		return
	}

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.dedup.Sweep(ctx, e.Snapshot(), e.now())
			if err != nil {
				log.WithError(err).Warn("sweep notification records")
				continue
			}
			if n > 0 {
				log.WithField("removed", n).Debug("notification records swept")
			}
		}
	}
}

func countTargets(snap *policy.Snapshot) int {
	n := 0
	for _, r := range snap.Enabled() {
		n += len(r.TargetResources)
	}
	return n
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
