package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/juju/clock"

	"github.com/ratepulse/ratepulse/internal/kv"
)

// Storage keys.
const (
	recordKeyPrefix = "device:"
	indexKey        = "devices:index"
)

// Repository defines the interface for preference persistence.
type Repository interface {
	// Load retrieves the preferences for a token.
	Load(ctx context.Context, token string) (*Preferences, error)

	// Save writes prefs, incrementing Version and stamping UpdatedAt.
	Save(ctx context.Context, prefs *Preferences) error

	// Delete removes the preferences for a token.
	Delete(ctx context.Context, token string) error

	// LoadIndex returns every known device token.
	LoadIndex(ctx context.Context) ([]string, error)

	// SaveIndex replaces the token index.
	SaveIndex(ctx context.Context, tokens []string) error
}

// StoreRepository is a Repository backed by a kv.Store. Each device is one
// JSON record under "device:<token>"; the token index is one JSON array.
type StoreRepository struct {
	store kv.Store
	clock clock.Clock
}

// NewStoreRepository creates a repository over store. A nil clock uses the wall clock.
func NewStoreRepository(store kv.Store, clk clock.Clock) *StoreRepository {
	if clk == nil {
		clk = clock.WallClock
	}
	return &StoreRepository{store: store, clock: clk}
}

// Load retrieves the preferences for a token.
func (r *StoreRepository) Load(ctx context.Context, token string) (*Preferences, error) {
	data, err := r.store.Get(ctx, recordKeyPrefix+token)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("load device: %w", err)
	}

	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("decode device %s: %w", token, err)
	}
	if prefs.Token == "" {
		prefs.Token = token
	}
	if prefs.Favorites == nil {
		prefs.Favorites = []string{}
	}
	if prefs.Rules == nil {
		prefs.Rules = []Rule{}
	}
	return &prefs, nil
}

// Save writes prefs, incrementing Version and stamping UpdatedAt.
func (r *StoreRepository) Save(ctx context.Context, prefs *Preferences) error {
	prefs.Version++
	prefs.UpdatedAt = r.clock.Now().UTC()

	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode device: %w", err)
	}
	if err := r.store.Set(ctx, recordKeyPrefix+prefs.Token, data, 0); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// Delete removes the preferences for a token.
func (r *StoreRepository) Delete(ctx context.Context, token string) error {
	if err := r.store.Delete(ctx, recordKeyPrefix+token); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

// LoadIndex returns every known device token. A missing index is empty.
func (r *StoreRepository) LoadIndex(ctx context.Context) ([]string, error) {
	data, err := r.store.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("load device index: %w", err)
	}

	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("decode device index: %w", err)
	}
	return tokens, nil
}

// SaveIndex replaces the token index. Duplicates are dropped.
func (r *StoreRepository) SaveIndex(ctx context.Context, tokens []string) error {
	seen := make(map[string]bool, len(tokens))
	unique := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		unique = append(unique, t)
	}
	sort.Strings(unique)

	data, err := json.Marshal(unique)
	if err != nil {
		return fmt.Errorf("encode device index: %w", err)
	}
	if err := r.store.Set(ctx, indexKey, data, 0); err != nil {
		return fmt.Errorf("save device index: %w", err)
	}
	return nil
}
