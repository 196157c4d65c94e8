// Package credential obtains short-lived OAuth2 access tokens for the push
// service from a Google service account.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// Scopes and endpoints.
const (
	// FirebaseMessagingScope is the scope required by the FCM HTTP v1 API.
	FirebaseMessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

	// DefaultTokenURI is used when the service account omits token_uri.
	DefaultTokenURI = "https://oauth2.googleapis.com/token"

	// JWTBearerGrantType is the OAuth2 grant type for signed assertions.
	JWTBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// AssertionLifetime is the validity window of a signed assertion.
	AssertionLifetime = time.Hour
)

// Cache bounds for exchanged tokens.
const (
	minCacheTTL  = 60 * time.Second
	maxCacheTTL  = 3300 * time.Second
	expirySkew   = 300 * time.Second
	cacheKeyBase = "credential:"
)

// ErrConfig is returned when the service account material is missing or malformed.
var ErrConfig = errors.New("invalid credential configuration")

// AuthError is returned when the token exchange does not yield a token:
// the endpoint rejected the assertion (StatusCode and Body set) or could not
// be reached or read (Err set).
type AuthError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		if e.StatusCode != 0 {
			return fmt.Sprintf("token exchange failed: status %d: %v", e.StatusCode, e.Err)
		}
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	}
	return fmt.Sprintf("token exchange failed: status %d: %s", e.StatusCode, e.Body)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ServiceAccount holds the fields of a Google service account key file
// needed to mint access tokens.
type ServiceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
	ProjectID   string `json:"project_id"`
}

// ParseServiceAccount decodes a service account key from JSON.
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("%w: decode service account: %v", ErrConfig, err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("%w: service account requires client_email and private_key", ErrConfig)
	}
	if sa.TokenURI == "" {
		sa.TokenURI = DefaultTokenURI
	}
	return &sa, nil
}

// LoadServiceAccountFile reads and decodes a service account key file.
func LoadServiceAccountFile(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("%w: read service account: %v", ErrConfig, err)
	}
	return ParseServiceAccount(data)
}

// Token is a bearer access token and the instant it stops being served from cache.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Valid reports whether the token can still be used at now.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt)
}

// cacheTTL derives how long an exchanged token is reused from the lifetime
// reported by the token endpoint.
func cacheTTL(expiresIn int64) time.Duration {
	ttl := time.Duration(expiresIn)*time.Second - expirySkew
	if ttl < minCacheTTL {
		return minCacheTTL
	}
	if ttl > maxCacheTTL {
		return maxCacheTTL
	}
	return ttl
}
