// Package harvest implements the concurrent harvesting-and-ranking pipeline:
// a wave-based paginated sweep over the catalog, first-wins deduplication,
// a composite relevance predicate and a bounded top-N ranking.
//
//	Harvester.Harvest
//	  └─ WaveScheduler.Sweep ── PageFetcher.Fetch (retry + backoff) × workers per wave
//	  └─ Deduplicator.Add     (single goroutine, after each wave barrier)
//	  └─ Validator.Filter     (parallel, read-only)
//	  └─ Rank                 (stable, descending, truncated)
package harvest

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"

	"marketplace-harvest/adapters"
)

var (
	// ErrInvalidSpec wraps every QuerySpec validation failure.
	ErrInvalidSpec = errors.New("invalid query spec")

	// ErrCatalogUnreachable means no page of the sweep got a 2xx answer.
	ErrCatalogUnreachable = errors.New("catalog unreachable")
)

// RetryPolicy bounds the attempts made for one page.
type RetryPolicy struct {
	// MaxAttempts counts every attempt, the first one included.
	MaxAttempts int
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// Delay returns the wait before retry n (0-based): BaseDelay * 2^n, raised to
// the server hint when larger, then capped by MaxDelay.
func (p RetryPolicy) Delay(n int, hint time.Duration) time.Duration {
	f := float64(p.BaseDelay) * math.Pow(2, float64(max(0, n)))
	d := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	if hint > d {
		d = hint
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// QuerySpec is the immutable configuration of one harvest. Build it once and
// pass it by value.
type QuerySpec struct {
	Filter adapters.Filter
	// Fallback is the broader strategy tried when the primary one fails.
	Fallback *adapters.Filter
	// FallbackOnEmpty also triggers the fallback when the primary sweep
	// reached the catalog but fetched nothing.
	FallbackOnEmpty bool

	Workers        int
	PageSize       int
	Retry          RetryPolicy
	WaveDelay      time.Duration
	RequestTimeout time.Duration
	// RequestRPS limits page requests per second across workers; 0 disables.
	RequestRPS float64
	// MaxWaves stops the sweep early; 0 sweeps until exhaustion.
	MaxWaves int

	Limit      int
	Rules      ValidatorRules
	RankFields []string
}

// DefaultRankFields is the ranking key chain used when none is configured.
var DefaultRankFields = []string{"volumeNum", "volume"}

// DefaultQuerySpec returns the settings the harvester ships with.
func DefaultQuerySpec() QuerySpec {
	return QuerySpec{
		Workers:  8,
		PageSize: 100,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
		WaveDelay:      500 * time.Millisecond,
		RequestTimeout: 25 * time.Second,
		Limit:          10,
		Rules:          ElectionRules(),
		RankFields:     DefaultRankFields,
	}
}

// Validate reports the first unusable setting.
func (s QuerySpec) Validate() error {
	switch {
	case s.Workers < 1:
		return errors.Wrapf(ErrInvalidSpec, "workers must be >= 1, got %d", s.Workers)
	case s.PageSize < 1:
		return errors.Wrapf(ErrInvalidSpec, "page size must be >= 1, got %d", s.PageSize)
	case s.Limit < 0:
		return errors.Wrapf(ErrInvalidSpec, "limit must be >= 0, got %d", s.Limit)
	case s.Retry.MaxAttempts < 1:
		return errors.Wrapf(ErrInvalidSpec, "retry attempts must be >= 1, got %d", s.Retry.MaxAttempts)
	case s.Retry.BaseDelay < 0 || s.Retry.MaxDelay < 0:
		return errors.Wrap(ErrInvalidSpec, "retry delays must not be negative")
	case s.WaveDelay < 0:
		return errors.Wrap(ErrInvalidSpec, "wave delay must not be negative")
	case s.RequestTimeout <= 0:
		return errors.Wrap(ErrInvalidSpec, "request timeout must be positive")
	case s.RequestRPS < 0:
		return errors.Wrap(ErrInvalidSpec, "request rps must not be negative")
	case s.MaxWaves < 0:
		return errors.Wrap(ErrInvalidSpec, "max waves must not be negative")
	}
	return nil
}

func (s QuerySpec) rankFields() []string {
	if len(s.RankFields) == 0 {
		return DefaultRankFields
	}
	return s.RankFields
}
