package notify

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
	"github.com/thaitype/serverless-rate-limiter/internal/models"
)

// Compile-time interface check.
var _ Notifier = (*Router)(nil)

// Router is the production Notifier. It dispatches on the channel type and
// throttles each destination with its own token bucket.
type Router struct {
	webhook Notifier
	slack   Notifier
	email   Notifier

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRouter returns a Router. ratePerMinute <= 0 disables throttling.
func NewRouter(webhook, slack, email Notifier, ratePerMinute float64, burst int) *Router {
	limit := rate.Inf
	if ratePerMinute > 0 {
		limit = rate.Limit(ratePerMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &Router{
		webhook:  webhook,
		slack:    slack,
		email:    email,
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// NewDefaultRouter wires the HTTP and SMTP senders from app config.
func NewDefaultRouter(cfg *config.Config) *Router {
	return NewRouter(
		NewWebhookSender(nil),
		NewSlackSender(nil),
		NewEmailSender(cfg.SMTP),
		cfg.Notify.RatePerMinute,
		cfg.Notify.Burst,
	)
}

// Send implements Notifier. It blocks while the destination is throttled,
// up to the context deadline.
func (r *Router) Send(ctx context.Context, channel models.NotifyChannelType, msg Message) error {
	var sender Notifier
	switch channel.Type {
	case models.ChannelWebhook:
		sender = r.webhook
	case models.ChannelSlack:
		sender = r.slack
	case models.ChannelEmail:
		sender = r.email
	default:
		return fmt.Errorf("unknown notify channel type %q", channel.Type)
	}

	if err := r.limiter(channel).Wait(ctx); err != nil {
		return fmt.Errorf("notify rate limit for %s: %w", channel.Type, err)
	}
	return sender.Send(ctx, channel, msg)
}

func (r *Router) limiter(channel models.NotifyChannelType) *rate.Limiter {
	key := string(channel.Type) + "|" + channel.Target()

	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l
}
