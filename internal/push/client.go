// Package push sends alert notifications through the FCM HTTP v1 API.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/credential"
	"github.com/ratepulse/ratepulse/internal/provider/resilience"
)

const (
	// ProviderName identifies the push provider in the health registry.
	ProviderName = "fcm"

	// DefaultBaseURL is the FCM API host.
	DefaultBaseURL = "https://fcm.googleapis.com"
)

// TokenSource supplies bearer tokens for the push API.
type TokenSource interface {
	AccessToken(ctx context.Context) (credential.Token, error)
}

// SendError is returned when the push service rejects a message.
type SendError struct {
	StatusCode int
	Body       string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("push send failed: status %d: %s", e.StatusCode, e.Body)
}

// HTTPClientConfig returns the resilient client settings for FCM sends: no
// retries and a breaker that never opens. Sends within a pass go to
// different devices, and a failure on one must not stop delivery to the next.
func HTTPClientConfig(timeout time.Duration) resilience.ClientConfig {
	cfg := resilience.NoRetryClientConfig(ProviderName, timeout)
	cfg.CircuitBreaker.ReadyToTrip = resilience.NeverTrip
	return cfg
}

// ClientConfig holds configuration for the FCM client.
type ClientConfig struct {
	// ProjectID is the Firebase project messages are sent through (required).
	ProjectID string

	// BaseURL is the API host (optional, defaults to FCM).
	BaseURL string

	// Tokens supplies bearer tokens (required).
	Tokens TokenSource

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client without retries.
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client sends messages to single device tokens.
type Client struct {
	projectID  string
	baseURL    string
	tokens     TokenSource
	httpClient *resilience.Client
	logger     zerolog.Logger
}

// NewClient creates a new FCM client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(HTTPClientConfig(10 * time.Second))
	}

	return &Client{
		projectID:  cfg.ProjectID,
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

type sendRequest struct {
	Message message `json:"message"`
}

type message struct {
	Token        string            `json:"token"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send delivers one notification. Credential errors are returned unchanged;
// a rejected message yields *SendError.
func (c *Client) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	if c.projectID == "" {
		return fmt.Errorf("%w: push project id is not configured", credential.ErrConfig)
	}

	tok, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sendRequest{Message: message{
		Token:        token,
		Notification: notification{Title: title, Body: body},
		Data:         data,
	}})
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/projects/%s/messages:send", c.baseURL, c.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SendError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	c.logger.Debug().Int("status", resp.StatusCode).Msg("push sent")
	return nil
}
