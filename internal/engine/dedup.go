package engine

import (
	"context"
	"sync"
	"time"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
	"github.com/thaitype/serverless-rate-limiter/internal/store"
)

// Deduper suppresses repeated notifications for the same (rule, resource)
// inside the rule's cool-down. Read-modify-write sequences are serialised by
// a mutex so concurrent targets of one rule cannot both pass.
type Deduper struct {
	mu    sync.Mutex
	store store.RecordStore
}

// NewDeduper returns a Deduper over s.
func NewDeduper(s store.RecordStore) *Deduper {
	return &Deduper{store: s}
}

// ShouldNotify reports whether a notification may be sent now and, if so,
// records now as the last notification time. A store failure fails open:
// it returns true together with the error so the caller can log it.
func (d *Deduper) ShouldNotify(ctx context.Context, rule *policy.Rule, resource string, now time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok, err := d.store.Get(ctx, rule.Name, resource)
	if err != nil {
		return true, err
	}
	if ok && now.Sub(rec.LastNotifiedAt) < rule.CoolDown {
		return false, nil
	}
	return true, d.store.Put(ctx, models.NotificationRecord{
		RuleName:       rule.Name,
		ResourceID:     resource,
		LastNotifiedAt: stamp(now),
	})
}

// Record sets the last notification time unconditionally. It is used by the
// forced stop-failure path, which bypasses ShouldNotify.
func (d *Deduper) Record(ctx context.Context, rule, resource string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.store.Put(ctx, models.NotificationRecord{RuleName: rule, ResourceID: resource, LastNotifiedAt: stamp(at)})
}

// Release removes the record written by ShouldNotify at time at, so the next
// evaluation retries a failed delivery. A newer record is left alone.
func (d *Deduper) Release(ctx context.Context, rule, resource string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok, err := d.store.Get(ctx, rule, resource)
	if err != nil || !ok {
		return err
	}
	if !stamp(rec.LastNotifiedAt).Equal(stamp(at)) {
		return nil
	}
	return d.store.Delete(ctx, rule, resource)
}

// stamp rounds t down to the precision every store round-trips, so a record
// read back compares equal to the time it was written with.
func stamp(t time.Time) time.Time {
	return t.Truncate(store.TimestampPrecision)
}

// Retain deletes the records of every rule not in keep.
func (d *Deduper) Retain(ctx context.Context, keep []string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	live := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		live[name] = struct{}{}
	}

	recs, err := d.store.List(ctx)
	if err != nil {
		return 0, err
	}
	dropped := make(map[string]struct{})
	for _, rec := range recs {
		if _, ok := live[rec.RuleName]; ok {
			continue
		}
		if _, done := dropped[rec.RuleName]; done {
			continue
		}
		if err := d.store.DeleteRule(ctx, rec.RuleName); err != nil {
			return len(dropped), err
		}
		dropped[rec.RuleName] = struct{}{}
	}
	return len(dropped), nil
}

// Sweep deletes records whose cool-down has elapsed at now, and records of
// rules no longer in snap. It returns the number of records removed.
func (d *Deduper) Sweep(ctx context.Context, snap *policy.Snapshot, now time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	recs, err := d.store.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, rec := range recs {
		rule, ok := snap.Rule(rec.RuleName)
		if ok && now.Sub(rec.LastNotifiedAt) < rule.CoolDown {
			continue
		}
		if err := d.store.Delete(ctx, rec.RuleName, rec.ResourceID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
