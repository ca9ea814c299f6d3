package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// Rule is a validated RateLimitRule with its soft references resolved.
// Channel points into the owning Snapshot's channel map copy and is nil when
// the rule has no notifyChannelId.
type Rule struct {
	models.RateLimitRule

	Channel  *models.NotifyChannelType
	Interval time.Duration
	CoolDown time.Duration
}

// Notifies reports whether breaches of r produce notifications.
func (r *Rule) Notifies() bool {
	return r.IsNotify && r.Channel != nil
}

// Snapshot is an immutable, validated view of a rules document. The
// scheduler swaps whole snapshots; nothing mutates one after Compile.
type Snapshot struct {
	Options    models.ServerlessRateLimiterOptions
	Rules      []*Rule
	Escalation *models.NotifyChannelType
	Hash       string

	byName   map[string]*Rule
	channels map[models.NotifyID]*models.NotifyChannelType
}

// Compile validates opts and builds a Snapshot. Validation failures are
// returned as *ConfigError carrying every problem found.
func Compile(opts *models.ServerlessRateLimiterOptions) (*Snapshot, error) {
	if errs := Validate(opts); len(errs) > 0 {
		return nil, &ConfigError{Errs: errs}
	}

	snap := &Snapshot{
		Options:  *opts,
		byName:   make(map[string]*Rule, len(opts.RateLimitRules)),
		channels: make(map[models.NotifyID]*models.NotifyChannelType, len(opts.NotifyChannel)),
	}
	snap.Options.NotifyChannel = make(map[models.NotifyID]models.NotifyChannelType, len(opts.NotifyChannel))
	snap.Options.RateLimitRules = make([]models.RateLimitRule, len(opts.RateLimitRules))

	for id, ch := range opts.NotifyChannel {
		snap.Options.NotifyChannel[id] = ch
		ch := ch
		snap.channels[id] = &ch
	}
	if opts.EscalationChannelID != "" {
		snap.Escalation = snap.channels[opts.EscalationChannelID]
	}

	for i, spec := range opts.RateLimitRules {
		spec.TargetResources = append([]models.TargetResource(nil), spec.TargetResources...)
		snap.Options.RateLimitRules[i] = spec

		r := &Rule{
			RateLimitRule: spec,
			Interval:      models.HoursToDuration(spec.Interval),
			CoolDown:      models.HoursToDuration(spec.CoolDown),
		}
		if r.CoolDown <= 0 {
			r.CoolDown = r.Interval
		}
		if spec.NotifyChannelID != "" {
			r.Channel = snap.channels[spec.NotifyChannelID]
		}
		snap.Rules = append(snap.Rules, r)
		snap.byName[r.Name] = r
	}

	snap.Hash = hashOptions(opts)
	return snap, nil
}

// Rule returns the named rule.
func (s *Snapshot) Rule(name string) (*Rule, bool) {
	if s == nil {
		return nil, false
	}
	r, ok := s.byName[name]
	return r, ok
}

// Enabled returns the rules that should be scheduled, in document order.
func (s *Snapshot) Enabled() []*Rule {
	if s == nil {
		return nil
	}
	out := make([]*Rule, 0, len(s.Rules))
	for _, r := range s.Rules {
		if !r.Disabled {
			out = append(out, r)
		}
	}
	return out
}

// RuleNames returns the names of every rule in the snapshot, including
// disabled ones.
func (s *Snapshot) RuleNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Rules))
	for _, r := range s.Rules {
		names = append(names, r.Name)
	}
	return names
}

// hashOptions fingerprints the document. encoding/json sorts map keys, so
// equal documents hash equally regardless of channel order.
func hashOptions(opts *models.ServerlessRateLimiterOptions) string {
	data, err := json.Marshal(opts)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
