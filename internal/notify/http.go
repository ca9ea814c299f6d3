package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/thaitype/serverless-rate-limiter/internal/models"
	"github.com/thaitype/serverless-rate-limiter/internal/version"
)

// maxResponseBody bounds how much of a failed response is kept in errors.
const maxResponseBody = 256

// WebhookSender POSTs the Message as JSON to the channel URL.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender returns a WebhookSender. A nil client uses a client with
// a 30s timeout; per-send deadlines come from the context.
func NewWebhookSender(client *http.Client) *WebhookSender {
	return &WebhookSender{client: orDefaultClient(client)}
}

// Send implements Notifier.
func (s *WebhookSender) Send(ctx context.Context, channel models.NotifyChannelType, msg Message) error {
	return postJSON(ctx, s.client, channel.URL, msg)
}

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	client *http.Client
}

// NewSlackSender returns a SlackSender. A nil client uses the default.
func NewSlackSender(client *http.Client) *SlackSender {
	return &SlackSender{client: orDefaultClient(client)}
}

type slackPayload struct {
	Text string `json:"text"`
}

// Send implements Notifier.
func (s *SlackSender) Send(ctx context.Context, channel models.NotifyChannelType, msg Message) error {
	text := fmt.Sprintf("*%s*\n```%s```", msg.Subject(), msg.Text())
	return postJSON(ctx, s.client, channel.URL, slackPayload{Text: text})
}

func orDefaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func postJSON(ctx context.Context, client *http.Client, target string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("POST %s: %w", redact(target), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return fmt.Errorf("POST %s: HTTP %d: %s", redact(target), resp.StatusCode, bytes.TrimSpace(data))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// redact drops the path of webhook URLs, which often embeds a secret token.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Scheme + "://" + u.Host + "/..."
}
