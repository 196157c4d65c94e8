package rates

import (
	"context"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Provider defines the interface for exchange-rate data providers.
type Provider interface {
	// Latest returns the current rates from base to each quote.
	Latest(ctx context.Context, base string, quotes []string) (map[string]float64, error)

	// Historical returns the rates from base to each quote published for day.
	Historical(ctx context.Context, day time.Time, base string, quotes []string) (map[string]float64, error)

	// Name returns the provider name for logging.
	Name() string
}

// ServiceConfig holds configuration for the rate service.
type ServiceConfig struct {
	// Provider is the exchange-rate data provider.
	Provider Provider

	// Clock is the time source used for the previous business day.
	Clock clock.Clock

	// Logger for service operations.
	Logger zerolog.Logger
}

// Service fetches rates for sets of pairs, batching upstream calls by base currency.
type Service struct {
	provider Provider
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewService creates a new rate service.
func NewService(cfg ServiceConfig) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Service{
		provider: cfg.Provider,
		clock:    clk,
		logger:   cfg.Logger,
	}
}

// GetRates returns spot and previous-business-day rates for pairs.
// Each distinct base currency costs one latest and one historical request
// against every quote currency in the set. Failed requests are logged and
// recorded in Rates.Failures; the affected pairs are simply absent.
func (s *Service) GetRates(ctx context.Context, pairs []Pair) (*Rates, error) {
	day := PreviousBusinessDay(s.clock.Now())
	result := &Rates{
		Spot: make(map[string]float64),
		Yday: make(map[string]float64),
		Day:  day.Format(DateLayout),
	}

	requested := make(map[string]bool, len(pairs))
	baseSet := make(map[string]bool)
	quoteSet := make(map[string]bool)
	for _, p := range pairs {
		key := p.String()
		if p.IsIdentity() {
			result.Spot[key] = 1
			result.Yday[key] = 1
			continue
		}
		requested[key] = true
		baseSet[p.Base] = true
		quoteSet[p.Quote] = true
	}

	for _, base := range sortedKeys(baseSet) {
		quotes := make([]string, 0, len(quoteSet))
		for _, q := range sortedKeys(quoteSet) {
			if q != base {
				quotes = append(quotes, q)
			}
		}
		if len(quotes) == 0 {
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		latest, err := s.provider.Latest(ctx, base, quotes)
		if err != nil {
			s.recordFailure(result, &FetchError{Base: base, Date: "latest", Err: err})
		} else {
			fill(result.Spot, requested, base, latest)
		}

		prev, err := s.provider.Historical(ctx, day, base, quotes)
		if err != nil {
			s.recordFailure(result, &FetchError{Base: base, Date: result.Day, Err: err})
		} else {
			fill(result.Yday, requested, base, prev)
		}
	}

	return result, nil
}

func (s *Service) recordFailure(result *Rates, fe *FetchError) {
	s.logger.Warn().
		Err(fe.Err).
		Str("provider", s.provider.Name()).
		Str("base", fe.Base).
		Str("date", fe.Date).
		Msg("rate fetch failed")
	result.Failures = append(result.Failures, fe)
}

// fill copies upstream rates into dst for requested pairs only.
func fill(dst map[string]float64, requested map[string]bool, base string, rates map[string]float64) {
	for quote, v := range rates {
		key := Pair{Base: base, Quote: quote}.String()
		if requested[key] {
			dst[key] = v
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
