package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/thaitype/serverless-rate-limiter/internal/policy"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// gatedRun is a RunFunc whose firings block until released.
type gatedRun struct {
	mu        sync.Mutex
	runs      map[string]int
	running   map[string]int
	abandoned map[string]bool
	gates     map[string]chan struct{}
}

func newGatedRun() *gatedRun {
	return &gatedRun{
		runs:      make(map[string]int),
		running:   make(map[string]int),
		abandoned: make(map[string]bool),
		gates:     make(map[string]chan struct{}),
	}
}

// block makes firings of name wait for release.
func (g *gatedRun) block(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gates[name] = make(chan struct{})
}

func (g *gatedRun) release(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.gates[name]; ok {
		close(ch)
		delete(g.gates, name)
	}
}

func (g *gatedRun) run(_ context.Context, rule *policy.Rule, abandoned func() bool) RunSummary {
	g.mu.Lock()
	g.running[rule.Name]++
	gate := g.gates[rule.Name]
	g.mu.Unlock()

	if gate != nil {
		<-gate
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.running[rule.Name]--
	g.runs[rule.Name]++
	g.abandoned[rule.Name] = abandoned()
	return RunSummary{Targets: len(rule.TargetResources)}
}

func (g *gatedRun) isRunning(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[name] > 0
}

func (g *gatedRun) runCount(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runs[name]
}

func (g *gatedRun) wasAbandoned(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abandoned[name]
}

func twoRuleSnap(t *testing.T) *policy.Snapshot {
	return compile(t, testOptions(stopRule("a", 1, ec2("i-a")), stopRule("b", 1, ec2("i-b"))))
}

func drain(t *testing.T, s *Scheduler) {
	t.Helper()
	s.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

// ── nextFire ──────────────────────────────────────────────────────────────────

func TestNextFire(t *testing.T) {
	base := testNow
	cases := []struct {
		name    string
		planned time.Time
		now     time.Time
		want    time.Time
	}{
		{"on time", base, base.Add(time.Second), base.Add(time.Hour)},
		{"late but within interval", base, base.Add(59 * time.Minute), base.Add(time.Hour)},
		{"fell behind", base, base.Add(3 * time.Hour), base.Add(4 * time.Hour)},
		{"exactly one interval late", base, base.Add(time.Hour), base.Add(2 * time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextFire(tc.planned, time.Hour, tc.now); !got.Equal(tc.want) {
				t.Errorf("nextFire = %s; want %s", got, tc.want)
			}
		})
	}
}

func TestNextFire_DegenerateIntervalIsClamped(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Hour, time.Nanosecond} {
		if got := nextFire(testNow, interval, testNow); !got.Equal(testNow.Add(minFirePeriod)) {
			t.Errorf("nextFire(%s) = %s; want now+%s", interval, got, minFirePeriod)
		}
	}
}

// ── lifecycle ─────────────────────────────────────────────────────────────────

func TestScheduler_FiresEveryRuleImmediately(t *testing.T) {
	g := newGatedRun()
	s := NewScheduler(g.run, nil, nil)
	if err := s.Start(context.Background(), twoRuleSnap(t)); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)

	eventually(t, "both rules to fire", func() bool {
		return g.runCount("a") == 1 && g.runCount("b") == 1
	})

	st := s.Status()
	if len(st) != 2 || st[0].Name != "a" || st[1].Name != "b" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st[0].Interval != time.Hour {
		t.Errorf("interval = %s; want 1h", st[0].Interval)
	}
	eventually(t, "status to record the run", func() bool {
		st := s.Status()
		return st[0].Runs == 1 && st[0].Last != nil && st[0].Last.Targets == 1
	})
}

func TestScheduler_ZeroIntervalDoesNotWedgeLoop(t *testing.T) {
	snap := twoRuleSnap(t)
	mustRule(t, snap, "a").Interval = 0

	g := newGatedRun()
	s := NewScheduler(g.run, nil, nil)
	if err := s.Start(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)

	done := make(chan []RuleStatus, 1)
	go func() { done <- s.Status() }()
	select {
	case st := <-done:
		if len(st) != 2 {
			t.Errorf("unexpected status: %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked behind the scheduler loop")
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	s := NewScheduler(newGatedRun().run, nil, nil)
	snap := twoRuleSnap(t)
	if err := s.Start(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)
	if err := s.Start(context.Background(), snap); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted; got %v", err)
	}
}

func TestScheduler_NotStarted(t *testing.T) {
	s := NewScheduler(newGatedRun().run, nil, nil)
	if _, err := s.Reload(twoRuleSnap(t)); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Reload: expected ErrNotStarted; got %v", err)
	}
	if err := s.Trigger("a"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Trigger: expected ErrNotStarted; got %v", err)
	}
	drain(t, s)
}

func TestScheduler_DisabledRulesNotScheduled(t *testing.T) {
	off := stopRule("off", 1, ec2("i-off"))
	off.Disabled = true
	snap := compile(t, testOptions(stopRule("on", 1, ec2("i-on")), off))

	g := newGatedRun()
	s := NewScheduler(g.run, nil, nil)
	if err := s.Start(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)

	eventually(t, "enabled rule to fire", func() bool { return g.runCount("on") == 1 })
	if g.runCount("off") != 0 {
		t.Error("disabled rule fired")
	}
	if err := s.Trigger("off"); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("expected ErrUnknownRule; got %v", err)
	}
}

// ── overlap and isolation ─────────────────────────────────────────────────────

func TestScheduler_OverlappingFireIsSkipped(t *testing.T) {
	clock := &fakeClock{t: testNow}
	g := newGatedRun()
	g.block("a")
	rec := &recorder{}
	s := NewScheduler(g.run, rec, clock.now)

	snap := compile(t, testOptions(stopRule("a", 1, ec2("i-a"))))
	if err := s.Start(context.Background(), snap); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)

	eventually(t, "first firing", func() bool { return g.isRunning("a") })

	clock.advance(time.Hour)
	if _, err := s.Reload(snap); err != nil { // wakes the loop
		t.Fatal(err)
	}
	eventually(t, "overlap event", func() bool { return rec.count(EventRuleOverlapSkipped) == 1 })

	g.release("a")
	eventually(t, "first firing to finish", func() bool { return g.runCount("a") == 1 })
	if g.runCount("a") != 1 {
		t.Errorf("overlapping fire must not run; runs = %d", g.runCount("a"))
	}
	if next := s.Status()[0].NextFire; !next.Equal(testNow.Add(2 * time.Hour)) {
		t.Errorf("next fire = %s; want %s", next, testNow.Add(2*time.Hour))
	}
}

func TestScheduler_SlowRuleDoesNotDelayOthers(t *testing.T) {
	g := newGatedRun()
	g.block("a")
	s := NewScheduler(g.run, nil, nil)
	if err := s.Start(context.Background(), twoRuleSnap(t)); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)
	defer g.release("a")

	eventually(t, "rule b to complete", func() bool { return g.runCount("b") == 1 })
	if !g.isRunning("a") {
		t.Error("rule a should still be running")
	}
	eventually(t, "only rule a in flight", func() bool { return s.InFlight() == 1 })
}

// ── reload ────────────────────────────────────────────────────────────────────

func TestScheduler_ReloadDiff(t *testing.T) {
	clock := &fakeClock{t: testNow}
	g := newGatedRun()
	s := NewScheduler(g.run, nil, clock.now)
	if err := s.Start(context.Background(), twoRuleSnap(t)); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)
	eventually(t, "initial firings", func() bool { return g.runCount("a") == 1 && g.runCount("b") == 1 })

	clock.advance(10 * time.Minute)
	b := stopRule("b", 1, ec2("i-b"))
	b.Interval = 2
	next := compile(t, testOptions(b, stopRule("c", 1, ec2("i-c"))))

	removed, err := s.Reload(next)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "a" {
		t.Errorf("removed = %v; want [a]", removed)
	}

	eventually(t, "new rule to fire", func() bool { return g.runCount("c") == 1 })

	st := s.Status()
	if len(st) != 2 || st[0].Name != "b" || st[1].Name != "c" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if want := testNow.Add(10*time.Minute + 2*time.Hour); !st[0].NextFire.Equal(want) {
		t.Errorf("b next fire = %s; want %s", st[0].NextFire, want)
	}
	if err := s.Trigger("a"); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("removed rule should be unknown; got %v", err)
	}
}

func TestScheduler_ReloadUnchangedIntervalKeepsSchedule(t *testing.T) {
	clock := &fakeClock{t: testNow}
	g := newGatedRun()
	s := NewScheduler(g.run, nil, clock.now)
	if err := s.Start(context.Background(), twoRuleSnap(t)); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)
	eventually(t, "initial firings", func() bool { return g.runCount("a") == 1 })

	clock.advance(10 * time.Minute)
	edited := compile(t, testOptions(stopRule("a", 500, ec2("i-a")), stopRule("b", 1, ec2("i-b"))))
	if _, err := s.Reload(edited); err != nil {
		t.Fatal(err)
	}
	if next := s.Status()[0].NextFire; !next.Equal(testNow.Add(time.Hour)) {
		t.Errorf("next fire moved to %s", next)
	}
}

func TestScheduler_RemovedRuleIsAbandonedMidFlight(t *testing.T) {
	g := newGatedRun()
	g.block("a")
	s := NewScheduler(g.run, nil, nil)
	if err := s.Start(context.Background(), twoRuleSnap(t)); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)
	eventually(t, "rule a running", func() bool { return g.isRunning("a") })

	if _, err := s.Reload(compile(t, testOptions(stopRule("b", 1, ec2("i-b"))))); err != nil {
		t.Fatal(err)
	}
	g.release("a")
	eventually(t, "rule a to finish", func() bool { return g.runCount("a") == 1 })
	if !g.wasAbandoned("a") {
		t.Error("firing of a removed rule should observe abandoned() == true")
	}
	if g.wasAbandoned("b") {
		t.Error("kept rule must not be abandoned")
	}
}

// ── trigger ───────────────────────────────────────────────────────────────────

func TestScheduler_Trigger(t *testing.T) {
	g := newGatedRun()
	s := NewScheduler(g.run, nil, nil)
	if err := s.Start(context.Background(), twoRuleSnap(t)); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)
	eventually(t, "initial firing", func() bool { return g.runCount("a") == 1 })

	if err := s.Trigger("nope"); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("expected ErrUnknownRule; got %v", err)
	}

	g.block("a")
	if err := s.Trigger("a"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	eventually(t, "triggered firing", func() bool { return g.isRunning("a") })
	if err := s.Trigger("a"); !errors.Is(err, ErrRuleBusy) {
		t.Errorf("expected ErrRuleBusy; got %v", err)
	}
	g.release("a")
	eventually(t, "second run", func() bool { return g.runCount("a") == 2 })
}

// ── failure handling ──────────────────────────────────────────────────────────

func TestScheduler_PanicIsRecovered(t *testing.T) {
	rec := &recorder{}
	run := func(_ context.Context, rule *policy.Rule, _ func() bool) RunSummary {
		if rule.Name == "a" {
			panic("kaboom")
		}
		return RunSummary{Targets: 1}
	}
	s := NewScheduler(run, rec, nil)
	if err := s.Start(context.Background(), twoRuleSnap(t)); err != nil {
		t.Fatal(err)
	}
	defer drain(t, s)

	eventually(t, "evaluation-failed event", func() bool { return rec.count(EventEvaluationFailed) == 1 })
	eventually(t, "status to record the panic", func() bool {
		st := s.Status()
		return st[0].Last != nil && st[0].Last.Errors == 1 && !st[0].Running
	})
	if err := s.Trigger("a"); err != nil {
		t.Errorf("rule should remain schedulable after a panic; got %v", err)
	}
}

// ── shutdown ──────────────────────────────────────────────────────────────────

func TestScheduler_StopDrainsInFlight(t *testing.T) {
	g := newGatedRun()
	g.block("a")
	s := NewScheduler(g.run, nil, nil)
	if err := s.Start(context.Background(), twoRuleSnap(t)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "rule a running", func() bool { return g.isRunning("a") })

	s.Stop()
	s.Stop()

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait should block on the running firing; got %v", err)
	}
	if err := s.Trigger("b"); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped; got %v", err)
	}

	g.release("a")
	ctx, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := s.Wait(ctx); err != nil {
		t.Errorf("wait after release: %v", err)
	}
	if g.runCount("a") != 1 {
		t.Error("in-flight firing should complete")
	}
}

func TestScheduler_StopBeforeStart(t *testing.T) {
	s := NewScheduler(newGatedRun().run, nil, nil)
	s.Stop()
	if err := s.Start(context.Background(), twoRuleSnap(t)); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped; got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Errorf("wait: %v", err)
	}
}
