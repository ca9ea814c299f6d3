package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/notify"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
	"github.com/thaitype/serverless-rate-limiter/internal/store"
)

type engineFixture struct {
	costs *fakeCosts
	ctrl  *fakeController
	notif *fakeNotifier
	store *store.MemoryStore
	rec   *recorder
	e     *DefaultEngine
}

func newEngineFixture(opts Options) *engineFixture {
	f := &engineFixture{
		costs: newFakeCosts(),
		ctrl:  newFakeController(),
		notif: &fakeNotifier{},
		store: store.NewMemoryStore(),
		rec:   &recorder{},
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = noRetry
	}
	f.e = NewDefaultEngine(Dependencies{
		Costs:      f.costs,
		Controller: f.ctrl,
		Notifier:   f.notif,
		Store:      f.store,
		Observer:   f.rec,
	}, opts)
	return f
}

func (f *engineFixture) shutdown(t *testing.T) {
	t.Helper()
	f.e.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.e.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

// ── end-to-end scenarios ──────────────────────────────────────────────────────

func TestEngine_BreachAtThresholdStopsAndNotifies(t *testing.T) {
	f := newEngineFixture(Options{})
	f.costs.setActual("i-1", 100)

	if err := f.e.StartOptions(context.Background(), testOptions(stopRule("r", 100, ec2("i-1")))); err != nil {
		t.Fatal(err)
	}
	defer f.shutdown(t)

	eventually(t, "notification", func() bool { return len(f.notif.messages()) == 1 })
	if f.ctrl.stops("i-1") != 1 {
		t.Errorf("expected one stop; got %d", f.ctrl.stops("i-1"))
	}
	msg := f.notif.messages()[0].msg
	if !strings.Contains(msg.Subject(), "breached") || !strings.Contains(msg.Text(), "stopped=success") {
		t.Errorf("unexpected message: %q / %q", msg.Subject(), msg.Text())
	}
	if f.rec.count(EventRuleFired) != 1 {
		t.Errorf("expected one rule-fired event; got %d", f.rec.count(EventRuleFired))
	}
}

func TestEngine_BelowThresholdDoesNothing(t *testing.T) {
	f := newEngineFixture(Options{})
	f.costs.setActual("i-1", 99.99)
	snap := compile(t, testOptions(stopRule("r", 100, ec2("i-1"))))

	results, err := f.e.Check(context.Background(), snap, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Result == nil || results[0].Result.Breached {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Dispatch != nil {
		t.Error("no dispatch expected for a non-breach")
	}
	if f.ctrl.stops("i-1") != 0 || len(f.notif.messages()) != 0 {
		t.Error("expected no stop and no notification")
	}
}

func TestEngine_PercentageBoundaryBreaches(t *testing.T) {
	target := ec2("i-1")
	target.Baseline = &models.BaselineSpec{Source: models.BaselineStatic, Amount: 200}
	r := stopRule("pct", 50, target)
	r.ThresholdType = models.ThresholdTypePercentage

	f := newEngineFixture(Options{})
	f.costs.setActual("i-1", 100)
	f.costs.baseline["i-1"] = decimal.NewFromInt(200)

	results, err := f.e.Check(context.Background(), compile(t, testOptions(r)), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Result == nil || !results[0].Result.Breached {
		t.Fatalf("expected breach at 50%% of 200 with measured 100; got %+v", results)
	}
	if f.ctrl.stops("i-1") != 0 {
		t.Error("Check without enforce must not stop")
	}
}

func TestEngine_FailingTargetDoesNotBlockHealthyOne(t *testing.T) {
	f := newEngineFixture(Options{})
	f.costs.errs["i-bad"] = errBoom
	f.costs.setActual("i-good", 500)
	snap := compile(t, testOptions(stopRule("r", 100, ec2("i-bad"), ec2("i-good"))))

	results, err := f.e.Check(context.Background(), snap, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results; got %d", len(results))
	}
	if results[0].Error == "" || results[0].Skipped || results[0].Dispatch != nil {
		t.Errorf("failing target: %+v", results[0])
	}
	if results[1].Dispatch == nil || results[1].Dispatch.Stopped != notify.StopSucceeded {
		t.Errorf("healthy target should be stopped: %+v", results[1])
	}
	if f.ctrl.stops("i-bad") != 0 || f.ctrl.stops("i-good") != 1 {
		t.Errorf("stops: bad=%d good=%d", f.ctrl.stops("i-bad"), f.ctrl.stops("i-good"))
	}
	if f.rec.count(EventQueryFailed) != 1 {
		t.Error("expected query-failed event for the failing target")
	}
}

// ── dedup and idempotence across firings ──────────────────────────────────────

func TestEngine_RepeatedBreachInsideCoolDown(t *testing.T) {
	f := newEngineFixture(Options{})
	f.costs.setActual("i-1", 150)
	r := stopRule("r", 100, ec2("i-1"))
	r.CoolDown = 24
	snap := compile(t, testOptions(r))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.e.Check(ctx, snap, true); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(f.notif.messages()); got != 1 {
		t.Errorf("expected 1 notification inside cool-down; got %d", got)
	}
	if f.ctrl.stops("i-1") != 3 {
		t.Errorf("stop is re-issued every firing; got %d", f.ctrl.stops("i-1"))
	}
	if f.rec.count(EventNotifySuppressed) != 2 {
		t.Errorf("expected 2 suppressed; got %d", f.rec.count(EventNotifySuppressed))
	}
}

func TestEngine_NotifiesAgainAfterCoolDown(t *testing.T) {
	clock := &fakeClock{t: testNow}
	f := newEngineFixture(Options{})
	f.e = NewDefaultEngine(Dependencies{
		Costs: f.costs, Controller: f.ctrl, Notifier: f.notif, Store: f.store, Observer: f.rec, Now: clock.now,
	}, Options{Retry: noRetry})
	f.costs.setActual("i-1", 150)
	snap := compile(t, testOptions(stopRule("r", 100, ec2("i-1"))))
	ctx := context.Background()

	_, _ = f.e.Check(ctx, snap, true)
	clock.advance(30 * time.Minute)
	_, _ = f.e.Check(ctx, snap, true)
	clock.advance(30 * time.Minute)
	_, _ = f.e.Check(ctx, snap, true)

	if got := len(f.notif.messages()); got != 2 {
		t.Errorf("expected 2 notifications (t0 and t0+1h); got %d", got)
	}
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func TestEngine_ReloadInvalidKeepsSnapshot(t *testing.T) {
	f := newEngineFixture(Options{})
	ctx := context.Background()
	if err := f.e.StartOptions(ctx, testOptions(stopRule("r", 100, ec2("i-1")))); err != nil {
		t.Fatal(err)
	}
	defer f.shutdown(t)
	before := f.e.Snapshot()

	bad := testOptions(stopRule("r", 100, ec2("i-1")))
	bad.RateLimitRules[0].Interval = 0
	err := f.e.ReloadOptions(ctx, bad)
	var cfgErr *policy.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError; got %v", err)
	}
	if f.e.Snapshot() != before {
		t.Error("invalid reload must keep the previous snapshot")
	}
}

func TestEngine_ReloadRemovesRuleState(t *testing.T) {
	f := newEngineFixture(Options{})
	f.costs.setActual("i-1", 150)
	f.costs.setActual("i-2", 150)
	ctx := context.Background()

	if err := f.e.StartOptions(ctx, testOptions(stopRule("a", 100, ec2("i-1")), stopRule("b", 100, ec2("i-2")))); err != nil {
		t.Fatal(err)
	}
	defer f.shutdown(t)
	eventually(t, "both notifications", func() bool { return len(f.notif.messages()) == 2 })
	eventually(t, "both records", func() bool {
		recs, _ := f.store.List(ctx)
		return len(recs) == 2
	})

	if err := f.e.ReloadOptions(ctx, testOptions(stopRule("b", 100, ec2("i-2")))); err != nil {
		t.Fatal(err)
	}
	recs, _ := f.store.List(ctx)
	if len(recs) != 1 || recs[0].RuleName != "b" {
		t.Errorf("records of removed rule should be gone; got %+v", recs)
	}
	if st := f.e.Status(); len(st) != 1 || st[0].Name != "b" {
		t.Errorf("unexpected status: %+v", st)
	}
	if _, ok := f.e.Snapshot().Rule("a"); ok {
		t.Error("snapshot still has rule a")
	}
}

func TestEngine_ReloadSameDocumentIsNoop(t *testing.T) {
	f := newEngineFixture(Options{})
	ctx := context.Background()
	opts := testOptions(stopRule("r", 100, ec2("i-1")))
	if err := f.e.StartOptions(ctx, opts); err != nil {
		t.Fatal(err)
	}
	defer f.shutdown(t)
	before := f.e.Snapshot()

	if err := f.e.ReloadOptions(ctx, testOptions(stopRule("r", 100, ec2("i-1")))); err != nil {
		t.Fatal(err)
	}
	if f.e.Snapshot() != before {
		t.Error("identical document should not swap the snapshot")
	}
}

func TestEngine_TriggerAndStop(t *testing.T) {
	f := newEngineFixture(Options{})
	f.costs.setActual("i-1", 1)
	ctx := context.Background()
	if err := f.e.StartOptions(ctx, testOptions(stopRule("r", 100, ec2("i-1")))); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first firing", func() bool {
		st := f.e.Status()
		return len(st) == 1 && st[0].Runs == 1
	})

	if err := f.e.Trigger("r"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	eventually(t, "triggered firing", func() bool { return f.e.Status()[0].Runs == 2 })
	if err := f.e.Trigger("missing"); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("expected ErrUnknownRule; got %v", err)
	}

	f.shutdown(t)
	f.e.Stop()
	if err := f.e.Trigger("r"); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after shutdown; got %v", err)
	}
}

func TestEngine_SweepRemovesElapsedRecords(t *testing.T) {
	f := newEngineFixture(Options{SweepInterval: 10 * time.Millisecond})
	ctx := context.Background()
	r := stopRule("r", 100, ec2("i-1"))
	r.Action = models.ActionNotifyOnly
	if err := f.e.StartOptions(ctx, testOptions(r)); err != nil {
		t.Fatal(err)
	}
	defer f.shutdown(t)

	_ = f.store.Put(ctx, models.NotificationRecord{RuleName: "r", ResourceID: "old", LastNotifiedAt: time.Now().Add(-2 * time.Hour)})
	eventually(t, "stale record to be swept", func() bool {
		_, ok, _ := f.store.Get(ctx, "r", "old")
		return !ok
	})
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	o := OptionsFromConfig(cfg)
	if o.QueryTimeout != config.DefaultQueryTimeout || o.SweepInterval != config.DefaultSweepInterval {
		t.Errorf("unexpected options: %+v", o)
	}
	if o.Retry.MaxAttempts != config.DefaultMaxAttempts {
		t.Errorf("retry = %+v", o.Retry)
	}

	o.Retry = Backoff{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Second}
	// queries 2×(2×30s+1s), stop 2×60s+1s, notify 2×10s+1s
	if got, want := o.DrainTimeout(), 122*time.Second+121*time.Second+21*time.Second; got != want {
		t.Errorf("DrainTimeout = %s; want %s", got, want)
	}
	if o.DrainTimeout() <= o.StopTimeout+o.NotifyTimeout {
		t.Error("drain must outlast a stop and a notification retried to exhaustion")
	}

	d := Options{}.withDefaults()
	if d.StopTimeout != config.DefaultStopTimeout || d.Retry.MaxAttempts != config.DefaultMaxAttempts {
		t.Errorf("withDefaults = %+v", d)
	}
}
