// Package azure talks to Azure Resource Manager over REST: Cost Management
// queries and forecasts for cost, and the stop actions of Container Apps and
// Function Apps (sites).
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
	"github.com/thaitype/serverless-rate-limiter/internal/version"
)

// managementScope is the OAuth2 scope of Azure Resource Manager.
const managementScope = "https://management.azure.com/.default"

// maxErrorBody bounds how much of a failed response is copied into errors.
const maxErrorBody = 512

// Client is an authenticated Azure Resource Manager client.
type Client struct {
	http     *http.Client
	tokens   oauth2.TokenSource
	endpoint string
}

// NewClient returns a Client that authenticates as the service principal in
// cfg using the client-credentials flow.
func NewClient(ctx context.Context, cfg config.AzureConfig) *Client {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(cfg.LoginEndpoint, "/"), cfg.TenantID),
		Scopes:       []string{managementScope},
	}
	return &Client{
		http:     cc.Client(ctx),
		tokens:   cc.TokenSource(ctx),
		endpoint: strings.TrimRight(cfg.ManagementEndpoint, "/"),
	}
}

// NewClientWithHTTP returns a Client that sends requests through httpClient
// unchanged. Use it in tests with an httptest server.
func NewClientWithHTTP(httpClient *http.Client, managementEndpoint string) *Client {
	return &Client{http: httpClient, endpoint: strings.TrimRight(managementEndpoint, "/")}
}

// CheckToken acquires an access token without calling ARM.
func (c *Client) CheckToken(ctx context.Context) error {
	if c.tokens == nil {
		return nil
	}
	if _, err := c.tokens.Token(); err != nil {
		return fmt.Errorf("acquire azure token: %w", err)
	}
	return nil
}

// APIError is a non-2xx ARM response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("azure: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("azure: HTTP %d: %s", e.StatusCode, e.Message)
}

// post sends body as JSON to path (an ARM path or an absolute URL such as a
// nextLink) and returns the response body of a 2xx reply.
func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// get reads the resource at path.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.endpoint + "/" + strings.TrimLeft(path, "/")
}

func newAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	e := &APIError{StatusCode: status}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Code != "" {
		e.Code = envelope.Error.Code
		e.Message = envelope.Error.Message
		return e
	}
	msg := string(body)
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	e.Message = msg
	return e
}
