package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// inFlight counts running rule evaluations so shutdown can drain them.
// After close, begin refuses new work and wait returns once the count
// reaches zero.
type inFlight struct {
	n      atomic.Int64
	closed atomic.Bool
	once   sync.Once
	ch     chan struct{}
}

func newInFlight() *inFlight {
	return &inFlight{ch: make(chan struct{})}
}

// begin registers one evaluation. It returns false once closed.
func (f *inFlight) begin() bool {
	if f.closed.Load() {
		return false
	}
	f.n.Add(1)
	if f.closed.Load() {
		f.end()
		return false
	}
	return true
}

// end marks one evaluation complete.
func (f *inFlight) end() {
	if f.n.Add(-1) == 0 && f.closed.Load() {
		f.drained()
	}
}

// close refuses new evaluations.
func (f *inFlight) close() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	if f.n.Load() == 0 {
		f.drained()
	}
}

func (f *inFlight) drained() {
	f.once.Do(func() { close(f.ch) })
}

// count returns the number of running evaluations.
func (f *inFlight) count() int64 {
	return f.n.Load()
}

// wait blocks until closed and drained, or ctx is done.
func (f *inFlight) wait(ctx context.Context) error {
	select {
	case <-f.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
