package engine

import (
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/thaitype/serverless-rate-limiter/internal/notify"
)

// EventType names an observable engine event.
type EventType string

const (
	EventRuleFired          EventType = "rule-fired"
	EventBreachDetected     EventType = "breach-detected"
	EventNotifySent         EventType = "notify-sent"
	EventNotifySuppressed   EventType = "notify-suppressed"
	EventNotifyFailed       EventType = "notify-failed"
	EventStopAttempted      EventType = "stop-attempted"
	EventStopSucceeded      EventType = "stop-succeeded"
	EventStopFailed         EventType = "stop-failed"
	EventQueryFailed        EventType = "query-failed"
	EventTargetSkipped      EventType = "target-skipped"
	EventEvaluationFailed   EventType = "evaluation-failed"
	EventRuleOverlapSkipped EventType = "rule-overlap-skipped"
)

// Event is one structured observation. Fields that do not apply to Type are
// left zero.
type Event struct {
	Type     EventType
	Rule     string
	Resource string
	BreachID string

	Measured  decimal.Decimal
	Threshold decimal.Decimal
	Stopped   notify.StopOutcome
	Forced    bool
	Attempts  int

	Err error
	At  time.Time
}

// Observer receives engine events. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// LogObserver writes every event as a logrus entry with an "event" field.
type LogObserver struct {
	logger log.FieldLogger
}

// NewLogObserver returns an observer writing to logger. A nil logger uses the
// logrus standard logger.
func NewLogObserver(logger log.FieldLogger) *LogObserver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogObserver{logger: logger}
}

// Observe implements Observer.
func (o *LogObserver) Observe(e Event) {
	fields := log.Fields{"event": string(e.Type)}
	if e.Rule != "" {
		fields["rule"] = e.Rule
	}
	if e.Resource != "" {
		fields["resource"] = e.Resource
	}
	if e.BreachID != "" {
		fields["breach_id"] = e.BreachID
	}
	switch e.Type {
	case EventBreachDetected, EventNotifySent, EventNotifySuppressed:
		fields["measured"] = e.Measured.String()
		fields["threshold"] = e.Threshold.String()
	}
	if e.Stopped != "" {
		fields["stopped"] = string(e.Stopped)
	}
	if e.Forced {
		fields["forced"] = true
	}
	if e.Attempts > 0 {
		fields["attempts"] = e.Attempts
	}

	entry := o.logger.WithFields(fields)
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}

	switch e.Type {
	case EventNotifyFailed, EventStopFailed, EventEvaluationFailed:
		entry.Error(string(e.Type))
	case EventQueryFailed, EventRuleOverlapSkipped:
		entry.Warn(string(e.Type))
	case EventRuleFired, EventNotifySuppressed, EventTargetSkipped, EventStopAttempted:
		entry.Debug(string(e.Type))
	default:
		entry.Info(string(e.Type))
	}
}

// nopObserver discards events.
type nopObserver struct{}

func (nopObserver) Observe(Event) {}
