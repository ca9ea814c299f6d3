package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BreachResult is the outcome of comparing one target's cost against one
// rule's threshold. It is produced once per target per evaluation and never
// persisted.
type BreachResult struct {
	ID          string          `json:"id"`
	RuleName    string          `json:"rule_name"`
	Target      TargetResource  `json:"target"`
	CostType    CostType        `json:"cost_type"`
	Measured    decimal.Decimal `json:"measured_cost"`
	Threshold   decimal.Decimal `json:"effective_threshold"`
	Breached    bool            `json:"breached"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// NotificationRecord remembers when a (rule, resource) pair was last notified.
// The deduper uses it to suppress repeated notifications inside a cool-down.
type NotificationRecord struct {
	RuleName       string    `json:"rule_name"`
	ResourceID     string    `json:"resource_id"`
	LastNotifiedAt time.Time `json:"last_notified_at"`
}
