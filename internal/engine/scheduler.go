package engine

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thaitype/serverless-rate-limiter/internal/policy"
)

// RunSummary is what one rule firing reports back to the scheduler.
type RunSummary struct {
	Targets  int
	Breaches int
	Errors   int
	Skipped  int
	Duration time.Duration
}

// RunFunc evaluates and acts on one rule firing. abandoned reports whether
// the rule was removed by a reload after the firing started; a RunFunc must
// check it before acting.
type RunFunc func(ctx context.Context, rule *policy.Rule, abandoned func() bool) RunSummary

// RuleStatus is the scheduling state of one rule.
type RuleStatus struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	NextFire time.Time     `json:"next_fire"`
	LastFire time.Time     `json:"last_fire,omitempty"`
	Running  bool          `json:"running"`
	Runs     int           `json:"runs"`
	Last     *RunSummary   `json:"last,omitempty"`
}

// ---------------------------------------------------------------------------
// Fire queue
// ---------------------------------------------------------------------------

// entry is the scheduling state of one enabled rule. Entries are replaced,
// never reused, when a rule is removed and added back.
type entry struct {
	rule  *policy.Rule
	next  time.Time
	index int

	running   bool
	abandoned atomic.Bool

	lastFire time.Time
	runs     int
	last     *RunSummary
}

// fireQueue is a min-heap of entries ordered by next fire time.
type fireQueue []*entry

func (q fireQueue) Len() int { return len(q) }

func (q fireQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].rule.Name < q[j].rule.Name
	}
	return q[i].next.Before(q[j].next)
}

func (q fireQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *fireQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *fireQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Scheduler fires every enabled rule immediately and then every Interval,
// from one goroutine driving one timer over a priority queue. Each firing
// runs in its own goroutine; firings of the same rule never overlap, and a
// firing that comes due while the previous one is still running is skipped.
//
// Next fire times are computed from the planned fire time, not the actual
// one, so schedules do not drift. A schedule that fell behind (for example
// after a long GC pause or a suspended host) resumes at now+Interval
// instead of firing a catch-up burst.
type Scheduler struct {
	run      RunFunc
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
	queue   fireQueue
	started bool
	stopped bool

	wake     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
	inflight *inFlight
}

// NewScheduler returns a Scheduler that calls run for every firing.
func NewScheduler(run RunFunc, observer Observer, now func() time.Time) *Scheduler {
	if observer == nil {
		observer = nopObserver{}
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		run:      run,
		observer: observer,
		now:      now,
		entries:  make(map[string]*entry),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		inflight: newInFlight(),
	}
}

// Start schedules every enabled rule of snap for an immediate first fire.
// Firings run with ctx; cancelling it aborts in-flight provider calls.
func (s *Scheduler) Start(ctx context.Context, snap *policy.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("start scheduler: nil snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrStopped
	case s.started:
		return ErrAlreadyStarted
	}
	s.started = true
	s.ctx = ctx

	now := s.now()
	for _, r := range snap.Enabled() {
		e := &entry{rule: r, next: now}
		s.entries[r.Name] = e
		heap.Push(&s.queue, e)
	}

	go s.loop()
	return nil
}

// Reload swaps in snap. Rules missing from snap (or disabled in it) are
// unscheduled and their in-flight firings abandoned; new rules fire
// immediately; rules whose interval changed next fire at now+new interval;
// unchanged rules keep their schedule and use the new definition at their
// next fire. It returns the names of the removed rules.
func (s *Scheduler) Reload(snap *policy.Snapshot) ([]string, error) {
	if snap == nil {
		return nil, fmt.Errorf("reload scheduler: nil snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return nil, ErrStopped
	case !s.started:
		return nil, ErrNotStarted
	}

	now := s.now()
	enabled := make(map[string]*policy.Rule)
	for _, r := range snap.Enabled() {
		enabled[r.Name] = r
	}

	var removed []string
	for name, e := range s.entries {
		if _, ok := enabled[name]; ok {
			continue
		}
		e.abandoned.Store(true)
		if e.index >= 0 {
			heap.Remove(&s.queue, e.index)
		}
		delete(s.entries, name)
		removed = append(removed, name)
	}
	sort.Strings(removed)

	for name, r := range enabled {
		e, ok := s.entries[name]
		if !ok {
			e = &entry{rule: r, next: now}
			s.entries[name] = e
			heap.Push(&s.queue, e)
			continue
		}
		intervalChanged := e.rule.Interval != r.Interval
		e.rule = r
		if intervalChanged {
			e.next = now.Add(firePeriod(r.Interval))
			heap.Fix(&s.queue, e.index)
		}
	}

	s.poke()
	return removed, nil
}

// Trigger fires the named rule now without changing its schedule. It
// returns ErrRuleBusy when the rule is already running.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrStopped
	case !s.started:
		return ErrNotStarted
	}
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrUnknownRule)
	}
	if e.running {
		return fmt.Errorf("%q: %w", name, ErrRuleBusy)
	}
	if !s.launchLocked(e, s.now()) {
		return ErrStopped
	}
	return nil
}

// Stop cancels every pending fire. In-flight firings keep running; use Wait
// to drain them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.quit)
	s.inflight.close()
	if !started {
		close(s.loopDone)
	}
}

// Wait blocks until Stop has been called and every in-flight firing has
// returned, or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.inflight.wait(ctx)
}

// InFlight returns the number of running firings.
func (s *Scheduler) InFlight() int {
	return int(s.inflight.count())
}

// Status returns the state of every scheduled rule, sorted by name.
func (s *Scheduler) Status() []RuleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RuleStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := RuleStatus{
			Name:     e.rule.Name,
			Interval: e.rule.Interval,
			NextFire: e.next,
			LastFire: e.lastFire,
			Running:  e.running,
			Runs:     e.runs,
		}
		if e.last != nil {
			last := *e.last
			st.Last = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		now := s.now()
		for len(s.queue) > 0 && !s.queue[0].next.After(now) {
			e := s.queue[0]
			planned := e.next
			e.next = nextFire(planned, e.rule.Interval, now)
			heap.Fix(&s.queue, 0)
			s.fireLocked(e, now)
		}
		wait := time.Hour
		if len(s.queue) > 0 {
			wait = s.queue[0].next.Sub(now)
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.quit:
			return
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// minFirePeriod is the shortest gap between two firings of one rule.
const minFirePeriod = time.Second

// firePeriod clamps interval to minFirePeriod so a degenerate rule can never
// make the loop spin.
func firePeriod(interval time.Duration) time.Duration {
	return max(interval, minFirePeriod)
}

// nextFire returns planned+interval, or now+interval when that is already
// in the past. interval is clamped by firePeriod.
func nextFire(planned time.Time, interval time.Duration, now time.Time) time.Time {
	interval = firePeriod(interval)
	next := planned.Add(interval)
	if next.After(now) {
		return next
	}
	return now.Add(interval)
}

func (s *Scheduler) fireLocked(e *entry, now time.Time) {
	if e.running {
		s.observer.Observe(Event{Type: EventRuleOverlapSkipped, Rule: e.rule.Name, At: now})
		return
	}
	s.launchLocked(e, now)
}

// launchLocked starts one firing of e. It returns false once stopped.
func (s *Scheduler) launchLocked(e *entry, now time.Time) bool {
	if !s.inflight.begin() {
		return false
	}
	e.running = true
	e.lastFire = now
	rule := e.rule
	go s.execute(e, rule)
	return true
}

func (s *Scheduler) execute(e *entry, rule *policy.Rule) {
	start := time.Now()
	var summary RunSummary

	defer s.inflight.end()
	defer func() {
		if p := recover(); p != nil {
			summary = RunSummary{Targets: len(rule.TargetResources), Errors: 1}
			s.observer.Observe(Event{
				Type: EventEvaluationFailed,
				Rule: rule.Name,
				Err:  fmt.Errorf("panic: %v", p),
				At:   s.now(),
			})
		}
		summary.Duration = time.Since(start)

		s.mu.Lock()
		e.running = false
		e.runs++
		e.last = &summary
		s.mu.Unlock()
	}()

	summary = s.run(s.ctx, rule, e.abandoned.Load)
}

// poke wakes the loop to recompute its timer.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
