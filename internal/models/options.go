package models

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Enumerations
//
// Every sum type in the rules document is a string enum. Consumers switch on
// the constants below exhaustively; unknown values are rejected by
// policy.Validate before anything is scheduled.
// ---------------------------------------------------------------------------

// ProvisionType identifies the hosting model of the limiter deployment.
type ProvisionType string

const (
	ProvisionAzureContainerApp ProvisionType = "AzureContainerApp"
)

// CostType selects whether a rule compares incurred or predicted cost.
type CostType string

const (
	CostTypeActual   CostType = "Actual"
	CostTypeForecast CostType = "Forecast"
)

// ThresholdType selects how RateLimitRule.Threshold is interpreted.
type ThresholdType string

const (
	// ThresholdTypeActual means Threshold is expressed in raw cost units.
	ThresholdTypeActual ThresholdType = "Actual"
	// ThresholdTypePercentage means Threshold is a percentage of the target's
	// baseline (see BaselineSpec).
	ThresholdTypePercentage ThresholdType = "Percentage"
)

// Action is what the engine does when a rule is breached.
type Action string

const (
	ActionNotifyOnly Action = "NotifyOnly"
	ActionStop       Action = "Stop"
)

// ResourceType identifies the kind of cloud resource a target refers to.
type ResourceType string

const (
	// Azure resource types
	ResourceAzureContainerApp ResourceType = "AzureContainerApp"
	ResourceAzureFunctionsApp ResourceType = "AzureFunctionsApp"

	// AWS resource types
	ResourceAWSEC2Instance ResourceType = "AwsEC2Instance"
	ResourceAWSRDSInstance ResourceType = "AwsRDSInstance"

	// Kubernetes resource types
	ResourceKubernetesDeployment ResourceType = "KubernetesDeployment"
)

// TimeUnit is the unit of CostTimeRange.TimeUntilNow.
type TimeUnit string

const (
	TimeUnitHours TimeUnit = "Hours"
	TimeUnitDays  TimeUnit = "Days"
)

// ChannelKind is the discriminator of NotifyChannelType.
type ChannelKind string

const (
	ChannelWebhook ChannelKind = "Webhook"
	ChannelEmail   ChannelKind = "Email"
	ChannelSlack   ChannelKind = "Slack"
)

// BaselineSource selects where a percentage threshold's reference amount
// comes from.
type BaselineSource string

const (
	// BaselineStatic uses BaselineSpec.Amount verbatim (typically a budget).
	BaselineStatic BaselineSource = "Static"
	// BaselinePreviousPeriod uses the actual cost of the window of equal
	// length immediately preceding the target's actual-cost window.
	BaselinePreviousPeriod BaselineSource = "PreviousPeriod"
)

// ---------------------------------------------------------------------------
// Rules document
// ---------------------------------------------------------------------------

// NotifyID is the key of a channel in ServerlessRateLimiterOptions.NotifyChannel.
type NotifyID = string

// NotifyChannelType is a notification destination. Exactly one payload field
// is meaningful, selected by Type: URL for Webhook and Slack, Email for Email.
type NotifyChannelType struct {
	Type  ChannelKind `yaml:"type"            json:"type"`
	URL   string      `yaml:"url,omitempty"   json:"url,omitempty"`
	Email string      `yaml:"email,omitempty" json:"email,omitempty"`
}

// Target returns the channel's destination address for logs and messages.
func (c NotifyChannelType) Target() string {
	if c.Type == ChannelEmail {
		return c.Email
	}
	return c.URL
}

// CostTimeRange is a span of time measured from now: into the past for actual
// cost and into the future for forecast cost.
type CostTimeRange struct {
	TimeUntilNow float64  `yaml:"timeUntilNow" json:"timeUntilNow"`
	Unit         TimeUnit `yaml:"unit"         json:"unit"`
}

// Span converts the range to a time.Duration. Unknown units yield zero.
func (r CostTimeRange) Span() time.Duration {
	switch r.Unit {
	case TimeUnitHours:
		return time.Duration(r.TimeUntilNow * float64(time.Hour))
	case TimeUnitDays:
		return time.Duration(r.TimeUntilNow * float64(24*time.Hour))
	default:
		return 0
	}
}

// Lookback returns the half-open window [now-span, now).
func (r CostTimeRange) Lookback(now time.Time) (start, end time.Time) {
	return now.Add(-r.Span()), now
}

// Lookahead returns the half-open window [now, now+span).
func (r CostTimeRange) Lookahead(now time.Time) (start, end time.Time) {
	return now, now.Add(r.Span())
}

// BaselineSpec configures the reference amount used by percentage thresholds.
type BaselineSpec struct {
	Source BaselineSource `yaml:"source"           json:"source"`
	Amount float64        `yaml:"amount,omitempty" json:"amount,omitempty"`
}

// TargetResource is a cloud resource monitored (and possibly stopped) by a rule.
type TargetResource struct {
	Type ResourceType `yaml:"type" json:"type"`

	// ID is the provider identity of the resource: a full Azure resource ID,
	// an EC2 instance ID, an RDS DB instance identifier, or "namespace/name"
	// for Kubernetes deployments.
	ID string `yaml:"id" json:"id"`

	// Region is the AWS region of AWS targets.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// Cluster is the kubeconfig context (and EKS cluster name for cost
	// allocation) of Kubernetes targets.
	Cluster string `yaml:"cluster,omitempty" json:"cluster,omitempty"`

	// Scope overrides the Azure Cost Management scope. When empty the scope
	// is the resource group derived from ID.
	Scope string `yaml:"scope,omitempty" json:"scope,omitempty"`

	// ActualCost is how far back actual cost is summed.
	ActualCost CostTimeRange `yaml:"actualCost" json:"actualCost"`

	// ForecastCost is how far ahead cost is forecast. Some providers cannot
	// forecast a single resource; Forecast rules skip such targets.
	ForecastCost *CostTimeRange `yaml:"forecastCost,omitempty" json:"forecastCost,omitempty"`

	// Baseline is required by Percentage rules.
	Baseline *BaselineSpec `yaml:"baseline,omitempty" json:"baseline,omitempty"`
}

// Identity is the stable key of the target across evaluations:
// "<type>:<id>".
func (t TargetResource) Identity() string {
	return fmt.Sprintf("%s:%s", t.Type, t.ID)
}

// RateLimitRule is a cost threshold check with an action.
type RateLimitRule struct {
	Name            string           `yaml:"name"                      json:"name"`
	CostType        CostType         `yaml:"costType"                  json:"costType"`
	Threshold       float64          `yaml:"threshold"                 json:"threshold"`
	ThresholdType   ThresholdType    `yaml:"thresholdType"             json:"thresholdType"`
	IsNotify        bool             `yaml:"isNotify"                  json:"isNotify"`
	NotifyChannelID string           `yaml:"notifyChannelId,omitempty" json:"notifyChannelId,omitempty"`
	Interval        float64          `yaml:"interval"                  json:"interval"`
	Action          Action           `yaml:"action"                    json:"action"`
	TargetResources []TargetResource `yaml:"targetResources"           json:"targetResources"`

	// CoolDown is the minimum number of hours between two notifications for
	// the same target. Zero means "same as Interval".
	CoolDown float64 `yaml:"coolDown,omitempty" json:"coolDown,omitempty"`

	// Disabled rules are validated but never scheduled.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// ServerlessRateLimiterOptions is the root of the rules document.
type ServerlessRateLimiterOptions struct {
	ProvisionType  ProvisionType                  `yaml:"provisionType"  json:"provisionType"`
	NotifyChannel  map[NotifyID]NotifyChannelType `yaml:"notifyChannel"  json:"notifyChannel"`
	RateLimitRules []RateLimitRule                `yaml:"rateLimitRules" json:"rateLimitRules"`

	// EscalationChannelID receives forced stop-failure notifications for
	// rules that do not notify on their own.
	EscalationChannelID string `yaml:"escalationChannelId,omitempty" json:"escalationChannelId,omitempty"`
}

// HoursToDuration converts a fractional hour count from the rules document.
func HoursToDuration(hours float64) time.Duration {
	return time.Duration(hours * float64(time.Hour))
}
