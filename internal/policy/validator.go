package policy

import (
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// Rule durations (interval, coolDown, cost windows) must fall inside these
// bounds once converted to a time.Duration.
const (
	MinRuleDuration = time.Second
	MaxRuleDuration = 10 * 365 * 24 * time.Hour
)

// validResourceTypes is the set of target types an adapter exists for.
var validResourceTypes = map[models.ResourceType]struct{}{
	models.ResourceAzureContainerApp:    {},
	models.ResourceAzureFunctionsApp:    {},
	models.ResourceAWSEC2Instance:       {},
	models.ResourceAWSRDSInstance:       {},
	models.ResourceKubernetesDeployment: {},
}

// Validate checks opts for semantic correctness and returns all validation
// errors found. An empty slice means the document is valid.
//
// Checks performed:
//   - provisionType must be AzureContainerApp
//   - every channel must carry the payload its type requires
//   - rule names must be non-empty, unique, free of control characters and
//     of surrounding whitespace
//   - costType, thresholdType, and action must be known values
//   - numbers must be finite; threshold must be >= 0
//   - interval, coolDown (if set) and cost windows must lie between
//     MinRuleDuration and MaxRuleDuration
//   - action=Stop requires at least one target resource
//   - isNotify=true requires notifyChannelId; any notifyChannelId must resolve
//   - targets need a known type, an id, and valid cost time ranges
//   - escalationChannelId, if set, must resolve
//
// All errors are collected before returning; Validate never stops at the first error.
func Validate(opts *models.ServerlessRateLimiterOptions) []error {
	if opts == nil {
		return []error{fmt.Errorf("rules document is nil")}
	}

	var errs []error

	if opts.ProvisionType != models.ProvisionAzureContainerApp {
		errs = append(errs, fmt.Errorf("provisionType: unsupported value %q; must be %s", opts.ProvisionType, models.ProvisionAzureContainerApp))
	}

	for id, ch := range opts.NotifyChannel {
		errs = append(errs, validateChannel(id, ch)...)
	}

	if opts.EscalationChannelID != "" {
		if _, ok := opts.NotifyChannel[opts.EscalationChannelID]; !ok {
			errs = append(errs, fmt.Errorf("escalationChannelId: unknown channel %q", opts.EscalationChannelID))
		}
	}

	seen := make(map[string]int, len(opts.RateLimitRules))
	for i, rule := range opts.RateLimitRules {
		path := fmt.Sprintf("rateLimitRules[%d]", i)
		name := rule.Name
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("%s.name: must not be empty", path))
		} else if err := validateName(name); err != nil {
			errs = append(errs, fmt.Errorf("%s.name: %w", path, err))
		} else if prev, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate rule name %q (also rateLimitRules[%d])", path, name, prev))
		} else {
			seen[name] = i
		}
		errs = append(errs, validateRule(path, rule, opts.NotifyChannel)...)
	}

	return errs
}

func validateChannel(id string, ch models.NotifyChannelType) []error {
	path := fmt.Sprintf("notifyChannel.%s", id)
	var errs []error
	if strings.TrimSpace(id) == "" {
		errs = append(errs, fmt.Errorf("notifyChannel: channel id must not be empty"))
	}
	switch ch.Type {
	case models.ChannelWebhook, models.ChannelSlack:
		if err := validateHTTPURL(ch.URL); err != nil {
			errs = append(errs, fmt.Errorf("%s.url: %w", path, err))
		}
	case models.ChannelEmail:
		if _, err := mail.ParseAddress(ch.Email); err != nil {
			errs = append(errs, fmt.Errorf("%s.email: invalid address %q", path, ch.Email))
		}
	default:
		errs = append(errs, fmt.Errorf("%s.type: unknown channel type %q; valid values: Webhook, Email, Slack", path, ch.Type))
	}
	return errs
}

func validateHTTPURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return nil
}

func validateRule(path string, rule models.RateLimitRule, channels map[models.NotifyID]models.NotifyChannelType) []error {
	var errs []error

	switch rule.CostType {
	case models.CostTypeActual, models.CostTypeForecast:
	default:
		errs = append(errs, fmt.Errorf("%s.costType: invalid value %q; valid values: Actual, Forecast", path, rule.CostType))
	}

	switch rule.ThresholdType {
	case models.ThresholdTypeActual, models.ThresholdTypePercentage:
	default:
		errs = append(errs, fmt.Errorf("%s.thresholdType: invalid value %q; valid values: Actual, Percentage", path, rule.ThresholdType))
	}

	switch rule.Action {
	case models.ActionNotifyOnly, models.ActionStop:
	default:
		errs = append(errs, fmt.Errorf("%s.action: invalid value %q; valid values: NotifyOnly, Stop", path, rule.Action))
	}

	if err := validateHours(rule.Interval); err != nil {
		errs = append(errs, fmt.Errorf("%s.interval: %w", path, err))
	}
	if !finite(rule.Threshold) {
		errs = append(errs, fmt.Errorf("%s.threshold: must be a finite number; got %v", path, rule.Threshold))
	} else if rule.Threshold < 0 {
		errs = append(errs, fmt.Errorf("%s.threshold: must be >= 0; got %v", path, rule.Threshold))
	}
	if rule.CoolDown != 0 {
		if err := validateHours(rule.CoolDown); err != nil {
			errs = append(errs, fmt.Errorf("%s.coolDown: %w", path, err))
		}
	}

	if rule.Action == models.ActionStop && len(rule.TargetResources) == 0 {
		errs = append(errs, fmt.Errorf("%s.targetResources: must not be empty when action is Stop", path))
	}

	if rule.IsNotify && rule.NotifyChannelID == "" {
		errs = append(errs, fmt.Errorf("%s.notifyChannelId: required when isNotify is true", path))
	}
	if rule.NotifyChannelID != "" {
		if _, ok := channels[rule.NotifyChannelID]; !ok {
			errs = append(errs, fmt.Errorf("%s.notifyChannelId: unknown channel %q", path, rule.NotifyChannelID))
		}
	}

	seenTargets := make(map[string]struct{}, len(rule.TargetResources))
	for j, target := range rule.TargetResources {
		tpath := fmt.Sprintf("%s.targetResources[%d]", path, j)
		errs = append(errs, validateTarget(tpath, target)...)
		if target.ID == "" {
			continue
		}
		identity := target.Identity()
		if _, dup := seenTargets[identity]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate target %q", tpath, identity))
		}
		seenTargets[identity] = struct{}{}
	}

	return errs
}

// validateTarget checks one target in isolation. A missing forecastCost or
// baseline is not an error here: the evaluator skips such targets at runtime
// with UnsupportedForecastError / UnsupportedThresholdError.
func validateTarget(path string, target models.TargetResource) []error {
	var errs []error

	if _, ok := validResourceTypes[target.Type]; !ok {
		errs = append(errs, fmt.Errorf("%s.type: unknown resource type %q", path, target.Type))
	}
	if strings.TrimSpace(target.ID) == "" {
		errs = append(errs, fmt.Errorf("%s.id: must not be empty", path))
	}

	switch target.Type {
	case models.ResourceAzureContainerApp, models.ResourceAzureFunctionsApp:
		if target.ID != "" && !strings.HasPrefix(strings.ToLower(target.ID), "/subscriptions/") {
			errs = append(errs, fmt.Errorf("%s.id: Azure targets need a full resource ID starting with /subscriptions/", path))
		}
	case models.ResourceAWSEC2Instance, models.ResourceAWSRDSInstance:
		if target.Region == "" {
			errs = append(errs, fmt.Errorf("%s.region: required for %s targets", path, target.Type))
		}
	case models.ResourceKubernetesDeployment:
		if ns, name, ok := strings.Cut(target.ID, "/"); target.ID != "" && (!ok || ns == "" || name == "") {
			errs = append(errs, fmt.Errorf("%s.id: Kubernetes targets use namespace/name; got %q", path, target.ID))
		}
	}

	if err := validateTimeRange(target.ActualCost); err != nil {
		errs = append(errs, fmt.Errorf("%s.actualCost: %w", path, err))
	}
	if target.ForecastCost != nil {
		if err := validateTimeRange(*target.ForecastCost); err != nil {
			errs = append(errs, fmt.Errorf("%s.forecastCost: %w", path, err))
		}
	}

	if target.Baseline != nil {
		switch target.Baseline.Source {
		case models.BaselineStatic:
			if !finite(target.Baseline.Amount) || target.Baseline.Amount <= 0 {
				errs = append(errs, fmt.Errorf("%s.baseline.amount: must be a finite number > 0 for Static baselines; got %v", path, target.Baseline.Amount))
			}
		case models.BaselinePreviousPeriod:
		default:
			errs = append(errs, fmt.Errorf("%s.baseline.source: invalid value %q; valid values: Static, PreviousPeriod", path, target.Baseline.Source))
		}
	}

	return errs
}

func validateTimeRange(r models.CostTimeRange) error {
	hours := r.TimeUntilNow
	switch r.Unit {
	case models.TimeUnitHours:
	case models.TimeUnitDays:
		hours *= 24
	default:
		return fmt.Errorf("unit: invalid value %q; valid values: Hours, Days", r.Unit)
	}
	if !finite(r.TimeUntilNow) || r.TimeUntilNow <= 0 {
		return fmt.Errorf("timeUntilNow: must be > 0; got %v", r.TimeUntilNow)
	}
	if err := validateHours(hours); err != nil {
		return fmt.Errorf("timeUntilNow: %w", err)
	}
	return nil
}

// validateHours checks that hours converts to a usable rule duration.
func validateHours(hours float64) error {
	if !finite(hours) {
		return fmt.Errorf("must be a finite number; got %v", hours)
	}
	if hours <= 0 {
		return fmt.Errorf("must be > 0 hours; got %v", hours)
	}
	// Compare before converting: time.Duration overflows above ~292 years.
	if ns := hours * float64(time.Hour); ns < float64(MinRuleDuration) {
		return fmt.Errorf("must be at least %s; got %v hours", MinRuleDuration, hours)
	} else if ns > float64(MaxRuleDuration) {
		return fmt.Errorf("must be at most %s; got %v hours", MaxRuleDuration, hours)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// validateName rejects names that cannot be used verbatim as a lookup key or
// in a mail header.
func validateName(name string) error {
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("must not have leading or trailing whitespace; got %q", name)
	}
	if strings.ContainsFunc(name, unicode.IsControl) {
		return fmt.Errorf("must not contain control characters; got %q", name)
	}
	return nil
}
