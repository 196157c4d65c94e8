// Package rates provides spot and prior-business-day exchange rates for
// currency pairs.
package rates

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPair is returned when a pair is not of the form "BASE/QUOTE".
var ErrInvalidPair = errors.New("invalid currency pair")

// Pair is an ordered currency pair: 1 Base = rate Quote.
type Pair struct {
	Base  string
	Quote string
}

// String returns the pair key, e.g. "USD/EUR".
func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// IsIdentity reports whether base and quote are the same currency.
func (p Pair) IsIdentity() bool {
	return p.Base == p.Quote
}

// ParsePair parses "BASE/QUOTE" where both sides are three-letter currency
// codes. Codes are upper-cased.
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidPair, s)
	}
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if !isCurrencyCode(base) || !isCurrencyCode(quote) {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidPair, s)
	}
	return Pair{Base: base, Quote: quote}, nil
}

// ParsePairs parses a comma separated pair list, ignoring empty entries.
func ParsePairs(s string) ([]Pair, error) {
	var pairs []Pair
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		p, err := ParsePair(part)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Rates holds spot and previous-business-day rates keyed by pair string.
// A missing key means the rate is unknown.
type Rates struct {
	Spot map[string]float64 `json:"spot"`
	Yday map[string]float64 `json:"yday"`

	// Day is the previous business day used for Yday.
	Day string `json:"yday_date"`

	// Failures lists the upstream fetches that failed during this lookup.
	Failures []*FetchError `json:"-"`
}

// SpotFor returns the spot rate for a pair, or nil when unknown.
func (r *Rates) SpotFor(pair string) *float64 {
	return lookup(r.Spot, pair)
}

// YdayFor returns the previous-business-day rate for a pair, or nil when unknown.
func (r *Rates) YdayFor(pair string) *float64 {
	return lookup(r.Yday, pair)
}

func lookup(m map[string]float64, key string) *float64 {
	if v, ok := m[key]; ok {
		return &v
	}
	return nil
}

// FetchError is a failed upstream rate request for one base currency.
type FetchError struct {
	Base string
	Date string // "latest" or YYYY-MM-DD
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s rates for %s: %v", e.Date, e.Base, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DateLayout is the calendar-date format used for historical lookups.
const DateLayout = "2006-01-02"

// PreviousBusinessDay returns the UTC calendar day before now, skipping
// Saturdays and Sundays. Public holidays are not considered.
func PreviousBusinessDay(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for {
		day = day.AddDate(0, 0, -1)
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			return day
		}
	}
}
