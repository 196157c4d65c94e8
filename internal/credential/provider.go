package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ratepulse/ratepulse/internal/kv"
	"github.com/ratepulse/ratepulse/internal/provider/resilience"
)

// Doer executes HTTP requests. *resilience.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds configuration for the credential provider.
type Config struct {
	// Account is the service account used to sign assertions.
	// A nil account makes every AccessToken call fail with ErrConfig.
	Account *ServiceAccount

	// Scope is the OAuth2 scope requested. Default: FirebaseMessagingScope.
	Scope string

	// Service names the cache entry ("credential:<service>"). Default: "fcm".
	Service string

	// Store persists the token across processes. Optional.
	Store kv.Store

	// HTTPClient performs the token exchange.
	// Default: a resilient client without retries.
	HTTPClient Doer

	// Clock is the time source. Default: wall clock.
	Clock clock.Clock

	Logger zerolog.Logger
}

// Provider mints and caches access tokens.
type Provider struct {
	account    *ServiceAccount
	scope      string
	cacheKey   string
	store      kv.Store
	httpClient Doer
	clock      clock.Clock
	logger     zerolog.Logger

	mu     sync.Mutex
	cached *Token
	group  singleflight.Group
}

// NewProvider creates a credential provider.
func NewProvider(cfg Config) *Provider {
	if cfg.Scope == "" {
		cfg.Scope = FirebaseMessagingScope
	}
	if cfg.Service == "" {
		cfg.Service = "fcm"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = resilience.NewClient(resilience.NoRetryClientConfig("oauth2", 10*time.Second))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Account != nil && cfg.Account.TokenURI == "" {
		account := *cfg.Account
		account.TokenURI = DefaultTokenURI
		cfg.Account = &account
	}

	return &Provider{
		account:    cfg.Account,
		scope:      cfg.Scope,
		cacheKey:   cacheKeyBase + cfg.Service,
		store:      cfg.Store,
		httpClient: cfg.HTTPClient,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
}

// ProjectID returns the project of the configured service account, if any.
func (p *Provider) ProjectID() string {
	if p.account == nil {
		return ""
	}
	return p.account.ProjectID
}

// AccessToken returns a valid access token, exchanging a new assertion when
// neither the in-process cache nor the store holds one.
func (p *Provider) AccessToken(ctx context.Context) (Token, error) {
	if tok, ok := p.memoryToken(); ok {
		return tok, nil
	}

	v, err, _ := p.group.Do(p.cacheKey, func() (interface{}, error) {
		if tok, ok := p.memoryToken(); ok {
			return tok, nil
		}
		if tok, ok := p.storedToken(ctx); ok {
			p.remember(tok)
			return tok, nil
		}
		return p.refresh(ctx)
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (p *Provider) memoryToken() (Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached.Valid(p.clock.Now()) {
		return *p.cached, true
	}
	return Token{}, false
}

func (p *Provider) remember(tok Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = &tok
}

func (p *Provider) storedToken(ctx context.Context) (Token, bool) {
	if p.store == nil {
		return Token{}, false
	}

	data, err := p.store.Get(ctx, p.cacheKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			p.logger.Warn().Err(err).Str("key", p.cacheKey).Msg("failed to read cached credential")
		}
		return Token{}, false
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		p.logger.Warn().Err(err).Str("key", p.cacheKey).Msg("discarding unreadable cached credential")
		return Token{}, false
	}
	if !tok.Valid(p.clock.Now()) {
		return Token{}, false
	}
	return tok, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (p *Provider) refresh(ctx context.Context) (Token, error) {
	if p.account == nil {
		return Token{}, fmt.Errorf("%w: no service account configured", ErrConfig)
	}

	start := p.clock.Now()
	assertion, err := p.signAssertion(start)
	if err != nil {
		return Token{}, err
	}

	form := url.Values{}
	form.Set("grant_type", JWTBearerGrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("%w: build token request: %v", ErrConfig, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Token{}, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Token{}, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read token response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Token{}, &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return Token{}, &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	ttl := cacheTTL(tr.ExpiresIn)
	tok := Token{
		AccessToken: tr.AccessToken,
		ExpiresAt:   p.clock.Now().Add(ttl),
	}
	p.remember(tok)

	if p.store != nil {
		data, err := json.Marshal(tok)
		if err == nil {
			err = p.store.Set(ctx, p.cacheKey, data, ttl)
		}
		if err != nil {
			p.logger.Warn().Err(err).Str("key", p.cacheKey).Msg("failed to persist credential")
		}
	}

	p.logger.Info().
		Str("service_account", p.account.ClientEmail).
		Dur("ttl", ttl).
		Dur("duration", p.clock.Now().Sub(start)).
		Msg("access token refreshed")

	return tok, nil
}

func (p *Provider) signAssertion(now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(p.account.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("%w: parse private key: %v", ErrConfig, err)
	}

	claims := jwt.MapClaims{
		"iss":   p.account.ClientEmail,
		"scope": p.scope,
		"aud":   p.account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(AssertionLifetime).Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: sign assertion: %v", ErrConfig, err)
	}
	return signed, nil
}
