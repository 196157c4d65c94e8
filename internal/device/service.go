package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// ServiceConfig holds configuration for the device service.
type ServiceConfig struct {
	Repository Repository
	Clock      clock.Clock
	Logger     zerolog.Logger
}

// Service provides device registration and preference operations.
// Read-modify-write operations are serialized within the process.
type Service struct {
	repo   Repository
	clock  clock.Clock
	logger zerolog.Logger

	mu sync.Mutex
}

// NewService creates a new device service.
func NewService(cfg ServiceConfig) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{
		repo:   cfg.Repository,
		clock:  clk,
		logger: cfg.Logger,
	}
}

// Register creates the device or, when it exists, updates only its user id.
// Returns the stored preferences and whether the device was newly created.
func (s *Service) Register(ctx context.Context, token string, userID *string) (*Preferences, bool, error) {
	if token == "" {
		return nil, false, ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.repo.Load(ctx, token)
	created := false
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		created = true
		prefs = &Preferences{
			Token:     token,
			Favorites: []string{},
			Rules:     []Rule{},
		}
	case err != nil:
		return nil, false, err
	}

	if userID != nil {
		prefs.UserID = *userID
	}
	if err := s.repo.Save(ctx, prefs); err != nil {
		return nil, false, err
	}
	if err := s.addToIndex(ctx, token); err != nil {
		return nil, false, err
	}

	s.logger.Info().
		Str("token_last4", last4(token)).
		Bool("created", created).
		Msg("device registered")

	return prefs, created, nil
}

// Unregister deletes the device record and removes it from the index.
// Unknown tokens are not an error.
func (s *Service) Unregister(ctx context.Context, token string) error {
	if token == "" {
		return ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.Delete(ctx, token); err != nil {
		return err
	}

	tokens, err := s.repo.LoadIndex(ctx)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != token {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(tokens) {
		return nil
	}
	if err := s.repo.SaveIndex(ctx, kept); err != nil {
		return err
	}

	s.logger.Info().Str("token_last4", last4(token)).Msg("device unregistered")
	return nil
}

// Get returns the preferences for a token.
func (s *Service) Get(ctx context.Context, token string) (*Preferences, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	return s.repo.Load(ctx, token)
}

// Tokens returns every indexed device token.
func (s *Service) Tokens(ctx context.Context) ([]string, error) {
	return s.repo.LoadIndex(ctx)
}

// ReplaceRules replaces the full rule set of a device. Rules without an id
// get a new one; createdAt and lastNotifiedDay carry over from the stored
// rule with the same id when the input omits them.
func (s *Service) ReplaceRules(ctx context.Context, token string, inputs []RuleInput) (*Preferences, error) {
	return s.mutate(ctx, token, func(prefs *Preferences) error {
		now := s.clock.Now().UTC()
		existing := make(map[string]Rule, len(prefs.Rules))
		for _, r := range prefs.Rules {
			existing[r.ID] = r
		}

		rules := make([]Rule, 0, len(inputs))
		seen := make(map[string]bool, len(inputs))
		for i, in := range inputs {
			if in.Threshold == nil {
				return fmt.Errorf("%w: rule %d: threshold is required", ErrInvalidRule, i)
			}
			r := Rule{
				ID:        in.ID,
				Pair:      in.Pair,
				Mode:      in.Mode,
				Dir:       in.Dir,
				Threshold: *in.Threshold,
				Enabled:   true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if r.ID == "" {
				r.ID = uuid.NewString()
			}
			if seen[r.ID] {
				return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidRule, r.ID)
			}
			seen[r.ID] = true

			if prev, ok := existing[r.ID]; ok {
				r.CreatedAt = prev.CreatedAt
				r.LastNotifiedDay = prev.LastNotifiedDay
			}
			if in.Enabled != nil {
				r.Enabled = *in.Enabled
			}
			if in.CreatedAt != nil {
				r.CreatedAt = in.CreatedAt.UTC()
			}
			if in.LastNotifiedDay != nil {
				r.LastNotifiedDay = *in.LastNotifiedDay
			}

			if err := r.Validate(); err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			rules = append(rules, r)
		}

		prefs.Rules = rules
		return nil
	})
}

// PatchRule updates the set fields of one rule.
func (s *Service) PatchRule(ctx context.Context, token, id string, patch RulePatch) (*Preferences, error) {
	return s.mutate(ctx, token, func(prefs *Preferences) error {
		i := prefs.FindRule(id)
		if i < 0 {
			return ErrRuleNotFound
		}

		r := prefs.Rules[i]
		patch.Apply(&r)
		if err := r.Validate(); err != nil {
			return err
		}
		r.UpdatedAt = s.clock.Now().UTC()
		prefs.Rules[i] = r
		return nil
	})
}

// DeleteRule removes one rule. Unknown rule ids are a no-op.
func (s *Service) DeleteRule(ctx context.Context, token, id string) (*Preferences, error) {
	return s.mutate(ctx, token, func(prefs *Preferences) error {
		i := prefs.FindRule(id)
		if i < 0 {
			return errNoChange
		}
		prefs.Rules = append(prefs.Rules[:i], prefs.Rules[i+1:]...)
		return nil
	})
}

// ReplaceFavorites replaces the favorite pairs of a device. Order is kept.
func (s *Service) ReplaceFavorites(ctx context.Context, token string, favorites []string) (*Preferences, error) {
	return s.mutate(ctx, token, func(prefs *Preferences) error {
		if favorites == nil {
			favorites = []string{}
		}
		prefs.Favorites = favorites
		return nil
	})
}

// MarkNotified stamps lastNotifiedDay on the given rules. The current record
// is reloaded so edits made since it was read are kept; rules that no longer
// exist are ignored.
func (s *Service) MarkNotified(ctx context.Context, token string, ruleIDs []string, day string) error {
	if len(ruleIDs) == 0 {
		return nil
	}
	ids := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		ids[id] = true
	}

	_, err := s.mutate(ctx, token, func(prefs *Preferences) error {
		now := s.clock.Now().UTC()
		changed := false
		for i := range prefs.Rules {
			if ids[prefs.Rules[i].ID] {
				prefs.Rules[i].LastNotifiedDay = day
				prefs.Rules[i].UpdatedAt = now
				changed = true
			}
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	return err
}

var errNoChange = errors.New("no change")

// mutate loads the record for token, applies fn and saves the result.
// fn returning errNoChange skips the write.
func (s *Service) mutate(ctx context.Context, token string, fn func(*Preferences) error) (*Preferences, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, err := s.repo.Load(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := fn(prefs); err != nil {
		if errors.Is(err, errNoChange) {
			return prefs, nil
		}
		return nil, err
	}

	if err := s.repo.Save(ctx, prefs); err != nil {
		return nil, err
	}
	return prefs, nil
}

func (s *Service) addToIndex(ctx context.Context, token string) error {
	tokens, err := s.repo.LoadIndex(ctx)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t == token {
			return nil
		}
	}
	return s.repo.SaveIndex(ctx, append(tokens, token))
}

func last4(token string) string {
	if len(token) < 4 {
		return token
	}
	return token[len(token)-4:]
}
