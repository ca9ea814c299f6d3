package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/notify"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

// fakeCosts answers cost queries from per-target-ID tables.
type fakeCosts struct {
	mu       sync.Mutex
	actual   map[string]decimal.Decimal
	forecast map[string]decimal.Decimal
	baseline map[string]decimal.Decimal
	errs     map[string]error
	delay    map[string]time.Duration
	calls    map[string]int
}

func newFakeCosts() *fakeCosts {
	return &fakeCosts{
		actual:   make(map[string]decimal.Decimal),
		forecast: make(map[string]decimal.Decimal),
		baseline: make(map[string]decimal.Decimal),
		errs:     make(map[string]error),
		delay:    make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

func (f *fakeCosts) setActual(id string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actual[id] = decimal.NewFromFloat(v)
}

func (f *fakeCosts) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeCosts) wait(ctx context.Context, id string) error {
	f.mu.Lock()
	f.calls[id]++
	d := f.delay[id]
	err := f.errs[id]
	f.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (f *fakeCosts) QueryActualCost(ctx context.Context, target models.TargetResource, _ time.Time) (decimal.Decimal, error) {
	if err := f.wait(ctx, target.ID); err != nil {
		return decimal.Zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actual[target.ID], nil
}

func (f *fakeCosts) QueryForecastCost(ctx context.Context, target models.TargetResource, _ time.Time) (decimal.Decimal, error) {
	if err := f.wait(ctx, target.ID); err != nil {
		return decimal.Zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.forecast[target.ID]
	if !ok {
		return decimal.Zero, providers.ErrForecastUnsupported
	}
	return v, nil
}

func (f *fakeCosts) QueryBaseline(_ context.Context, target models.TargetResource, _ time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.baseline[target.ID]
	if !ok {
		return decimal.Zero, providers.ErrBaselineUnavailable
	}
	return v, nil
}

// fakeController records stops. An already-stopped target stays a success,
// mirroring the idempotence the real adapters guarantee.
type fakeController struct {
	mu      sync.Mutex
	stopped map[string]int
	err     error
	order   *orderLog
}

func newFakeController() *fakeController {
	return &fakeController{stopped: make(map[string]int)}
}

func (f *fakeController) Stop(_ context.Context, target models.TargetResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order.add("stop:" + target.ID)
	if f.err != nil {
		return f.err
	}
	f.stopped[target.ID]++
	return nil
}

func (f *fakeController) stops(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[id]
}

// orderLog records the interleaving of stop and notify calls.
type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (o *orderLog) add(step string) {
	if o == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step)
}

func (o *orderLog) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.steps...)
}

type sentMessage struct {
	channel models.NotifyChannelType
	msg     notify.Message
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []sentMessage
	err   error
	order *orderLog
}

func (f *fakeNotifier) Send(_ context.Context, channel models.NotifyChannelType, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order.add("notify:" + msg.Resource)
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{channel: channel, msg: msg})
	return nil
}

func (f *fakeNotifier) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeNotifier) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// recorder is an Observer that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) first(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return e, true
		}
	}
	return Event{}, false
}

// ── fixtures ──────────────────────────────────────────────────────────────────

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

var noRetry = Backoff{MaxAttempts: 1}

var errBoom = errors.New("boom")

func ec2(id string) models.TargetResource {
	return models.TargetResource{
		Type:       models.ResourceAWSEC2Instance,
		ID:         id,
		Region:     "us-east-1",
		ActualCost: models.CostTimeRange{TimeUntilNow: 1, Unit: models.TimeUnitDays},
	}
}

func stopRule(name string, threshold float64, targets ...models.TargetResource) models.RateLimitRule {
	return models.RateLimitRule{
		Name:            name,
		CostType:        models.CostTypeActual,
		Threshold:       threshold,
		ThresholdType:   models.ThresholdTypeActual,
		IsNotify:        true,
		NotifyChannelID: "ops",
		Interval:        1,
		Action:          models.ActionStop,
		TargetResources: targets,
	}
}

func testOptions(rules ...models.RateLimitRule) *models.ServerlessRateLimiterOptions {
	return &models.ServerlessRateLimiterOptions{
		ProvisionType: models.ProvisionAzureContainerApp,
		NotifyChannel: map[models.NotifyID]models.NotifyChannelType{
			"ops": {Type: models.ChannelWebhook, URL: "https://example.com/ops"},
			"esc": {Type: models.ChannelSlack, URL: "https://hooks.slack.example/esc"},
		},
		RateLimitRules: rules,
	}
}

func compile(t *testing.T, opts *models.ServerlessRateLimiterOptions) *policy.Snapshot {
	t.Helper()
	snap, err := policy.Compile(opts)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return snap
}

func mustRule(t *testing.T, snap *policy.Snapshot, name string) *policy.Rule {
	t.Helper()
	r, ok := snap.Rule(name)
	if !ok {
		t.Fatalf("rule %q not in snapshot", name)
	}
	return r
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
