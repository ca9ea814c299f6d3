package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/notify"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
	"github.com/thaitype/serverless-rate-limiter/internal/providers"
)

// DispatchOutcome summarises the actions taken for one breach.
type DispatchOutcome struct {
	Stopped    notify.StopOutcome
	Notified   bool
	Suppressed bool
	Forced     bool

	StopErr   error
	NotifyErr error
}

// Dispatcher acts on breach results: it stops the resource when the rule
// says so, then notifies with the stop outcome.
type Dispatcher struct {
	controller providers.ResourceController
	notifier   notify.Notifier
	dedup      *Deduper
	observer   Observer

	stopTimeout   time.Duration
	notifyTimeout time.Duration
	backoff       Backoff
}

// NewDispatcher returns a Dispatcher.
func NewDispatcher(
	controller providers.ResourceController,
	notifier notify.Notifier,
	dedup *Deduper,
	observer Observer,
	stopTimeout, notifyTimeout time.Duration,
	backoff Backoff,
) *Dispatcher {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Dispatcher{
		controller:    controller,
		notifier:      notifier,
		dedup:         dedup,
		observer:      observer,
		stopTimeout:   stopTimeout,
		notifyTimeout: notifyTimeout,
		backoff:       backoff,
	}
}

// Dispatch acts on res. Non-breaching results are ignored. escalation is the
// snapshot's escalation channel and may be nil.
//
// A failed stop always produces a notification that bypasses deduplication:
// to the rule's channel when the rule notifies, otherwise to escalation.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *policy.Rule, escalation *models.NotifyChannelType, res models.BreachResult, now time.Time) DispatchOutcome {
	out := DispatchOutcome{Stopped: notify.StopNotApplicable}
	if !res.Breached {
		return out
	}
	resource := res.Target.Identity()

	switch rule.Action {
	case models.ActionStop:
		out.StopErr = d.stop(ctx, rule, res)
		if out.StopErr != nil {
			out.Stopped = notify.StopFailed
		} else {
			out.Stopped = notify.StopSucceeded
		}
	case models.ActionNotifyOnly:
	}

	msg := notify.Message{
		BreachID:  res.ID,
		RuleName:  rule.Name,
		Resource:  resource,
		CostType:  res.CostType,
		Measured:  res.Measured,
		Threshold: res.Threshold,
		Stopped:   out.Stopped,
		At:        now,
	}

	if out.StopErr != nil {
		out.Forced = true
		msg.Forced = true
		msg.StopError = out.StopErr.Error()

		channel := escalation
		if rule.Notifies() {
			channel = rule.Channel
		}
		if channel == nil {
			log.WithFields(log.Fields{"rule": rule.Name, "resource": resource}).
				Warn("stop failed and no channel is available for the forced notification")
			return out
		}
		out.NotifyErr = d.send(ctx, rule, *channel, msg)
		out.Notified = out.NotifyErr == nil
		if out.Notified && rule.Notifies() {
			if err := d.dedup.Record(ctx, rule.Name, resource, now); err != nil {
				log.WithError(err).WithField("rule", rule.Name).Warn("record forced notification")
			}
		}
		return out
	}

	if !rule.Notifies() {
		return out
	}

	ok, err := d.dedup.ShouldNotify(ctx, rule, resource, now)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"rule": rule.Name, "resource": resource}).
			Warn("notification store unavailable; sending without deduplication")
	}
	if !ok {
		out.Suppressed = true
		d.observer.Observe(Event{
			Type: EventNotifySuppressed, Rule: rule.Name, Resource: resource, BreachID: res.ID,
			Measured: res.Measured, Threshold: res.Threshold, Stopped: out.Stopped, At: now,
		})
		return out
	}

	out.NotifyErr = d.send(ctx, rule, *rule.Channel, msg)
	out.Notified = out.NotifyErr == nil
	if out.NotifyErr != nil {
		if err := d.dedup.Release(ctx, rule.Name, resource, now); err != nil {
			log.WithError(err).WithField("rule", rule.Name).Warn("release notification record")
		}
	}
	return out
}

func (d *Dispatcher) stop(ctx context.Context, rule *policy.Rule, res models.BreachResult) error {
	resource := res.Target.Identity()
	d.observer.Observe(Event{Type: EventStopAttempted, Rule: rule.Name, Resource: resource, BreachID: res.ID})

	attempts, err := d.backoff.Do(ctx, d.stopTimeout, func(ctx context.Context) error {
		return d.controller.Stop(ctx, res.Target)
	})
	if err != nil {
		serr := &StopError{Rule: rule.Name, Target: res.Target, Attempts: attempts, Err: err}
		d.observer.Observe(Event{
			Type: EventStopFailed, Rule: rule.Name, Resource: resource, BreachID: res.ID,
			Stopped: notify.StopFailed, Attempts: attempts, Err: serr,
		})
		return serr
	}
	d.observer.Observe(Event{
		Type: EventStopSucceeded, Rule: rule.Name, Resource: resource, BreachID: res.ID,
		Stopped: notify.StopSucceeded, Attempts: attempts,
	})
	return nil
}

func (d *Dispatcher) send(ctx context.Context, rule *policy.Rule, channel models.NotifyChannelType, msg notify.Message) error {
	attempts, err := d.backoff.Do(ctx, d.notifyTimeout, func(ctx context.Context) error {
		return d.notifier.Send(ctx, channel, msg)
	})
	ev := Event{
		Rule: rule.Name, Resource: msg.Resource, BreachID: msg.BreachID,
		Measured: msg.Measured, Threshold: msg.Threshold, Stopped: msg.Stopped,
		Forced: msg.Forced, Attempts: attempts, At: msg.At,
	}
	if err != nil {
		nerr := &NotifyError{
			Rule: rule.Name, Resource: msg.Resource, Channel: channel.Type,
			Forced: msg.Forced, Attempts: attempts, Err: err,
		}
		ev.Type, ev.Err = EventNotifyFailed, nerr
		d.observer.Observe(ev)
		return nerr
	}
	ev.Type = EventNotifySent
	d.observer.Observe(ev)
	return nil
}
