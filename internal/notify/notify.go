// Package notify delivers breach notifications to Webhook, Slack, and Email
// channels.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// StopOutcome is the result of the stop action reported in a notification.
type StopOutcome string

const (
	StopSucceeded     StopOutcome = "success"
	StopFailed        StopOutcome = "failed"
	StopNotApplicable StopOutcome = "n/a"
)

// Message is one breach notification.
type Message struct {
	BreachID  string          `json:"breachId"`
	RuleName  string          `json:"ruleName"`
	Resource  string          `json:"resource"`
	CostType  models.CostType `json:"costType"`
	Measured  decimal.Decimal `json:"measured"`
	Threshold decimal.Decimal `json:"threshold"`
	Stopped   StopOutcome     `json:"stopped"`

	// StopError is the final stop failure, when Stopped is StopFailed.
	StopError string `json:"stopError,omitempty"`

	// Forced is set on stop-failure notifications that bypass deduplication.
	Forced bool `json:"forced,omitempty"`

	At time.Time `json:"at"`
}

// Subject is a one-line summary used as email subject.
func (m Message) Subject() string {
	prefix := "[srl]"
	if m.Forced {
		prefix = "[srl][stop failed]"
	}
	return fmt.Sprintf("%s %s breached on %s", prefix, m.RuleName, m.Resource)
}

// Text renders the message body. It always carries the
// "stopped=success|failed|n/a" marker.
func (m Message) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule=%s resource=%s cost=%s measured=%s threshold=%s stopped=%s",
		m.RuleName, m.Resource, strings.ToLower(string(m.CostType)),
		m.Measured.StringFixed(2), m.Threshold.StringFixed(2), m.Stopped)
	if m.StopError != "" {
		fmt.Fprintf(&b, " stop_error=%q", m.StopError)
	}
	if !m.At.IsZero() {
		fmt.Fprintf(&b, " at=%s", m.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// Notifier sends a message to a channel.
type Notifier interface {
	Send(ctx context.Context, channel models.NotifyChannelType, msg Message) error
}
