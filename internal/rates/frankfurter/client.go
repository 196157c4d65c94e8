// Package frankfurter implements rates.Provider against a Frankfurter-compatible
// exchange-rate API.
package frankfurter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/provider/resilience"
	"github.com/ratepulse/ratepulse/internal/rates"
)

const (
	// ProviderName identifies this rate provider.
	ProviderName = "frankfurter"

	// DefaultBaseURL is the public Frankfurter API.
	DefaultBaseURL = "https://api.frankfurter.app"
)

// HTTPClientConfig returns the resilient client settings for the rate feed:
// no retries, and one circuit breaker per base currency so a base the feed
// keeps failing on cannot cut off the others.
func HTTPClientConfig(timeout time.Duration) resilience.ClientConfig {
	cfg := resilience.NoRetryClientConfig(ProviderName, timeout)
	cfg.BreakerKey = BreakerKey
	return cfg
}

// BreakerKey keys a rate request by its base currency.
func BreakerKey(req *http.Request) string {
	return req.URL.Query().Get("from")
}

// ClientConfig holds configuration for the Frankfurter client.
type ClientConfig struct {
	// BaseURL is the API base URL (optional, defaults to the public API).
	BaseURL string

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client without retries.
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is a Frankfurter API client.
type Client struct {
	baseURL    string
	httpClient *resilience.Client
	logger     zerolog.Logger
}

// NewClient creates a new Frankfurter client.
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
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// Latest fetches the most recent published rates.
func (c *Client) Latest(ctx context.Context, base string, quotes []string) (map[string]float64, error) {
	return c.fetch(ctx, "latest", base, quotes)
}

// Historical fetches the rates published for day.
func (c *Client) Historical(ctx context.Context, day time.Time, base string, quotes []string) (map[string]float64, error) {
	return c.fetch(ctx, day.Format(rates.DateLayout), base, quotes)
}

type ratesResponse struct {
	Amount float64            `json:"amount"`
	Base   string             `json:"base"`
	Date   string             `json:"date"`
	Rates  map[string]float64 `json:"rates"`
}

func (c *Client) fetch(ctx context.Context, path, base string, quotes []string) (map[string]float64, error) {
	q := url.Values{}
	q.Set("from", base)
	q.Set("to", strings.Join(quotes, ","))
	endpoint := fmt.Sprintf("%s/%s?%s", c.baseURL, path, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var fr ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	c.logger.Debug().
		Str("base", base).
		Str("requested", path).
		Str("published", fr.Date).
		Int("rates", len(fr.Rates)).
		Msg("fetched rates")

	return fr.Rates, nil
}
