package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned when the upstream's breaker rejects the call.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// ClientConfig holds configuration for an upstream client.
type ClientConfig struct {
	// Name identifies the upstream.
	Name string

	// Timeout bounds each HTTP attempt.
	// Default: 10 seconds
	Timeout time.Duration

	// MaxRetries is the number of extra attempts after a transient failure.
	// Zero makes a single attempt.
	MaxRetries uint64

	// InitialInterval is the first retry delay.
	// Default: 100ms
	InitialInterval time.Duration

	// MaxInterval caps the retry delay.
	// Default: 5 seconds
	MaxInterval time.Duration

	// CircuitBreaker overrides DefaultBreakerConfig.
	CircuitBreaker *BreakerConfig

	// Registry, when set, receives the client on construction and the
	// outcome of every call.
	Registry *Registry

	// Logger receives breaker transitions. Default: disabled.
	Logger *zerolog.Logger

	// BreakerKey, when set, gives each distinct key its own breaker so one
	// failing partition of the upstream cannot open the circuit for the
	// others. Requests mapped to "" use the shared breaker.
	BreakerKey func(req *http.Request) string
}

// DefaultClientConfig returns a retrying configuration.
func DefaultClientConfig(name string) ClientConfig {
	cb := DefaultBreakerConfig(name)
	return ClientConfig{
		Name:            name,
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		CircuitBreaker:  &cb,
	}
}

// NoRetryClientConfig returns a config that fails fast: one attempt per call,
// guarded by the request timeout and circuit breaker.
func NoRetryClientConfig(name string, timeout time.Duration) ClientConfig {
	cfg := DefaultClientConfig(name)
	cfg.MaxRetries = 0
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return cfg
}

// Client is an HTTP client for one upstream.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	breakerCfg BreakerConfig
	config     ClientConfig

	stateChanges atomic.Uint64

	mu    sync.Mutex
	keyed map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// NewClient creates an upstream client and registers it when a Registry is
// configured.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	cb := DefaultBreakerConfig(cfg.Name)
	if cfg.CircuitBreaker != nil {
		cb = *cfg.CircuitBreaker
	}
	if cb.Name == "" {
		cb.Name = cfg.Name
	}
	client := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		keyed:      make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}

	// The hook runs under the breaker's lock, so it must not take locks that
	// are held while reading breaker state.
	userHook := cb.OnStateChange
	cb.OnStateChange = func(name string, from, to gobreaker.State) {
		client.stateChanges.Add(1)
		logger.Warn().
			Str("upstream", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state changed")
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	client.breakerCfg = cb
	client.breaker = newBreaker[*http.Response](cb) //nolint:bodyclose // type param, not response

	if cfg.Registry != nil {
		cfg.Registry.Register(cfg.Name, client)
	}
	return client
}

// Name returns the upstream name.
func (c *Client) Name() string {
	return c.config.Name
}

// Do executes req through the breaker. Transient failures (network errors
// and 5xx) are retried with exponential backoff when MaxRetries > 0. When
// the last attempt was a 5xx, that response is returned with a nil error so
// the caller can read the upstream's body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWithContext(req.Context(), req)
}

// DoWithContext executes req under ctx.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialInterval
	bo.MaxInterval = c.config.MaxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.config.MaxRetries), ctx)

	breaker := c.breakerFor(req)

	var lastResp *http.Response
	discard := func() {
		if lastResp != nil {
			_, _ = io.Copy(io.Discard, lastResp.Body)
			_ = lastResp.Body.Close()
			lastResp = nil
		}
	}

	attempt := func() error {
		discard()
		resp, err := breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // caller closes
			r, err := c.httpClient.Do(req.Clone(ctx))
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 {
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(ErrCircuitOpen)
		}
		lastResp = resp
		return err
	}

	err := backoff.Retry(attempt, policy)
	c.record(err, lastResp)
	if err != nil && lastResp == nil {
		return nil, err
	}
	return lastResp, nil
}

// breakerFor returns the breaker guarding req, creating a keyed breaker on
// first use.
func (c *Client) breakerFor(req *http.Request) *gobreaker.CircuitBreaker[*http.Response] {
	if c.config.BreakerKey == nil {
		return c.breaker
	}
	key := c.config.BreakerKey(req)
	if key == "" {
		return c.breaker
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.keyed[key]
	if !ok {
		cfg := c.breakerCfg
		cfg.Name = c.breakerCfg.Name + "/" + key
		b = newBreaker[*http.Response](cfg) //nolint:bodyclose // type param, not response
		c.keyed[key] = b
	}
	return b
}

func (c *Client) record(err error, resp *http.Response) {
	if c.config.Registry == nil {
		return
	}
	switch {
	case err != nil:
		c.config.Registry.RecordFailure(c.config.Name, err)
	case resp != nil && resp.StatusCode >= 400:
		c.config.Registry.RecordFailure(c.config.Name, &StatusError{StatusCode: resp.StatusCode})
	default:
		c.config.Registry.RecordSuccess(c.config.Name)
	}
}

// StatusError records a non-2xx response that was handed back to the caller.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "unexpected status: " + http.StatusText(e.StatusCode)
}

// ServerError is a 5xx answer from the upstream.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// CircuitBreakerState returns the worst state across the shared breaker and
// any keyed breakers: open over half-open over closed.
func (c *Client) CircuitBreakerState() gobreaker.State {
	state := c.breaker.State()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.keyed {
		if s := b.State(); stateValue(s) > stateValue(state) {
			state = s
		}
	}
	return state
}

// BreakerState returns the state of the breaker for key. An unused key
// reports closed; "" is the shared breaker.
func (c *Client) BreakerState(key string) gobreaker.State {
	if key == "" {
		return c.breaker.State()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.keyed[key]; ok {
		return b.State()
	}
	return gobreaker.StateClosed
}

// StateChanges returns the number of breaker transitions since construction.
func (c *Client) StateChanges() uint64 {
	return c.stateChanges.Load()
}

// CircuitBreakerCounts returns the counts summed over all breakers.
// Consecutive counts report the largest run of any single breaker.
func (c *Client) CircuitBreakerCounts() gobreaker.Counts {
	total := c.breaker.Counts()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.keyed {
		n := b.Counts()
		total.Requests += n.Requests
		total.TotalSuccesses += n.TotalSuccesses
		total.TotalFailures += n.TotalFailures
		total.ConsecutiveSuccesses = max(total.ConsecutiveSuccesses, n.ConsecutiveSuccesses)
		total.ConsecutiveFailures = max(total.ConsecutiveFailures, n.ConsecutiveFailures)
	}
	return total
}
