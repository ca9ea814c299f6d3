package policy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/policy"
)

func TestCompile_ResolvesChannelsAndDurations(t *testing.T) {
	opts := validOptions()
	opts.RateLimitRules[0].Interval = 0.5
	opts.RateLimitRules[0].CoolDown = 3

	snap, err := policy.Compile(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, ok := snap.Rule("r1")
	if !ok {
		t.Fatal("rule r1 not found")
	}
	if r.Interval != 30*time.Minute {
		t.Errorf("expected interval 30m; got %s", r.Interval)
	}
	if r.CoolDown != 3*time.Hour {
		t.Errorf("expected coolDown 3h; got %s", r.CoolDown)
	}
	if r.Channel == nil || r.Channel.URL != "https://example.com/hook" {
		t.Errorf("channel not resolved: %+v", r.Channel)
	}
	if !r.Notifies() {
		t.Error("expected Notifies() true")
	}
}

func TestCompile_CoolDownDefaultsToInterval(t *testing.T) {
	opts := validOptions()
	opts.RateLimitRules[0].Interval = 2

	snap, err := policy.Compile(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ := snap.Rule("r1")
	if r.CoolDown != 2*time.Hour {
		t.Errorf("expected coolDown to default to interval (2h); got %s", r.CoolDown)
	}
}

func TestCompile_InvalidReturnsConfigError(t *testing.T) {
	opts := validOptions()
	opts.RateLimitRules[0].Interval = 0

	snap, err := policy.Compile(opts)
	if snap != nil {
		t.Error("expected nil snapshot on error")
	}
	var cfgErr *policy.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError; got %T", err)
	}
	if len(cfgErr.Errs) != 1 {
		t.Errorf("expected 1 problem; got %v", cfgErr.Errs)
	}
}

func TestCompile_EnabledSkipsDisabledRules(t *testing.T) {
	opts := validOptions()
	off := validRule("r2")
	off.Disabled = true
	opts.RateLimitRules = append(opts.RateLimitRules, off, validRule("r3"))

	snap, err := policy.Compile(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	enabled := snap.Enabled()
	if len(enabled) != 2 || enabled[0].Name != "r1" || enabled[1].Name != "r3" {
		t.Errorf("expected enabled [r1 r3] in order; got %v", ruleNames(enabled))
	}
	if names := snap.RuleNames(); len(names) != 3 {
		t.Errorf("RuleNames should include disabled rules; got %v", names)
	}
}

func TestCompile_DoesNotAliasInput(t *testing.T) {
	opts := validOptions()
	snap, err := policy.Compile(opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	opts.RateLimitRules[0].TargetResources[0].ID = "mutated"
	opts.NotifyChannel["ops"] = models.NotifyChannelType{Type: models.ChannelWebhook, URL: "https://evil.example.com"}

	r, _ := snap.Rule("r1")
	if r.TargetResources[0].ID != containerAppID {
		t.Errorf("snapshot target aliased caller slice: %q", r.TargetResources[0].ID)
	}
	if r.Channel.URL != "https://example.com/hook" {
		t.Errorf("snapshot channel aliased caller map: %q", r.Channel.URL)
	}
}

func TestCompile_HashStableAndSensitive(t *testing.T) {
	a, err := policy.Compile(validOptions())
	if err != nil {
		t.Fatal(err)
	}
	b, err := policy.Compile(validOptions())
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash == "" || a.Hash != b.Hash {
		t.Errorf("equal documents must hash equally; got %q vs %q", a.Hash, b.Hash)
	}

	changed := validOptions()
	changed.RateLimitRules[0].Threshold = 101
	c, err := policy.Compile(changed)
	if err != nil {
		t.Fatal(err)
	}
	if c.Hash == a.Hash {
		t.Error("changed document must change hash")
	}
}

func TestCompile_EscalationResolved(t *testing.T) {
	opts := validOptions()
	opts.NotifyChannel["pager"] = models.NotifyChannelType{Type: models.ChannelEmail, Email: "oncall@example.com"}
	opts.EscalationChannelID = "pager"

	snap, err := policy.Compile(opts)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Escalation == nil || snap.Escalation.Email != "oncall@example.com" {
		t.Errorf("escalation not resolved: %+v", snap.Escalation)
	}
}

func TestSnapshot_NilSafe(t *testing.T) {
	var snap *policy.Snapshot
	if _, ok := snap.Rule("x"); ok {
		t.Error("nil snapshot should not find rules")
	}
	if snap.Enabled() != nil || snap.RuleNames() != nil {
		t.Error("nil snapshot should return nil slices")
	}
}

func ruleNames(rules []*policy.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Name)
	}
	return out
}
