package harvest

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketplace-harvest/adapters"
	"marketplace-harvest/record"
)

const (
	StrategyPrimary  = "primary"
	StrategyFallback = "fallback"
)

// Stats is the per-run accounting reported in the summary line.
type Stats struct {
	Sweep       SweepStats
	Fetched     int
	Unique      int
	Duplicates  int
	DroppedNoID int
	Matched     int
	Ranked      int
	Duration    time.Duration
}

// Result is the outcome of one harvest.
type Result struct {
	RunID    string
	Strategy string
	Ranked   []Ranked
	// Merged is the deduplicated working set before validation, kept for raw
	// snapshots.
	Merged  []record.Record
	Matched []record.Record
	Stats   Stats
	// PrimaryErr is why the primary strategy was abandoned, when it was.
	PrimaryErr error
}

// Harvester runs the sweep, merge, filter and rank pipeline against one
// catalog adapter.
type Harvester struct {
	adapter adapters.CatalogAdapter
	log     *zap.SugaredLogger
	metrics *Metrics
	sleep   func(context.Context, time.Duration) error
}

type Option func(*Harvester)

func WithLogger(log *zap.SugaredLogger) Option {
	return func(h *Harvester) {
		if log != nil {
			h.log = log
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(h *Harvester) { h.metrics = m }
}

func New(adapter adapters.CatalogAdapter, opts ...Option) *Harvester {
	h := &Harvester{
		adapter: adapter,
		log:     zap.NewNop().Sugar(),
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Harvest sweeps the catalog with spec.Filter and returns the top spec.Limit
// relevant records. It fails with ErrCatalogUnreachable only when no page got
// a 2xx answer; in that case, or when the primary sweep fetched nothing and
// FallbackOnEmpty is set, spec.Fallback is tried through the same machinery.
func (h *Harvester) Harvest(ctx context.Context, spec QuerySpec) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	v, err := NewValidator(spec.Rules)
	if err != nil {
		return Result{}, err
	}
	runID := uuid.NewString()

	res, err := h.run(ctx, spec, spec.Filter, v)
	res.RunID, res.Strategy = runID, StrategyPrimary
	if spec.Fallback == nil || ctx.Err() != nil {
		return res, err
	}
	switch {
	case errors.Is(err, ErrCatalogUnreachable):
	case err == nil && spec.FallbackOnEmpty && res.Stats.Fetched == 0:
		err = errors.New("primary strategy fetched no records")
	default:
		return res, err
	}

	h.log.Warnw("primary strategy failed; running fallback",
		"run_id", runID, "error", err, "fallback_tag", spec.Fallback.Tag, "fallback_search", spec.Fallback.Search)
	fres, ferr := h.run(ctx, spec, *spec.Fallback, v)
	fres.RunID, fres.Strategy, fres.PrimaryErr = runID, StrategyFallback, err
	if ferr != nil {
		return fres, errors.WithSecondaryError(errors.Wrap(ferr, "fallback strategy"), err)
	}
	return fres, nil
}

func (h *Harvester) run(ctx context.Context, spec QuerySpec, filter adapters.Filter, v *Validator) (Result, error) {
	start := time.Now()
	fetcher := NewPageFetcher(h.adapter, spec, filter, h.log, h.metrics)
	fetcher.sleep = h.sleep
	sched := NewWaveScheduler(fetcher, spec, h.log, h.metrics)
	sched.sleep = h.sleep

	dedup := NewDeduplicator()
	sweep, err := sched.Sweep(ctx, func(w Wave) {
		for _, p := range w.Pages {
			dedup.Add(p.Records...)
		}
	})
	res := Result{
		Merged: dedup.Records(),
		Stats: Stats{
			Sweep:       sweep,
			Fetched:     sweep.Records,
			Unique:      dedup.Len(),
			Duplicates:  dedup.Duplicates(),
			DroppedNoID: dedup.Dropped(),
		},
	}
	if err != nil {
		return res, errors.Wrap(err, "sweep")
	}
	if sweep.PagesReached == 0 {
		return res, errors.WithHintf(ErrCatalogUnreachable,
			"%d pages over %d waves, none answered with 2xx", sweep.Pages, sweep.Waves)
	}
	h.metrics.addRecords("fetched", res.Stats.Fetched)
	h.metrics.addRecords("unique", res.Stats.Unique)
	h.metrics.addRecords("duplicate", res.Stats.Duplicates)
	h.metrics.addRecords("dropped", res.Stats.DroppedNoID)

	matched, err := v.Filter(ctx, res.Merged, spec.Workers)
	if err != nil {
		return res, errors.Wrap(err, "validate")
	}
	res.Matched = matched
	res.Ranked = Rank(matched, spec.Limit, spec.rankFields()...)
	res.Stats.Matched = len(matched)
	res.Stats.Ranked = len(res.Ranked)
	res.Stats.Duration = time.Since(start)
	h.metrics.addRecords("matched", res.Stats.Matched)
	h.metrics.addRecords("ranked", res.Stats.Ranked)

	h.log.Infow("harvest complete",
		"waves", sweep.Waves, "pages", sweep.Pages, "exhausted", sweep.PagesExhausted,
		"malformed", sweep.PagesMalformed, "fetched", res.Stats.Fetched, "unique", res.Stats.Unique,
		"matched", res.Stats.Matched, "ranked", res.Stats.Ranked, "elapsed", res.Stats.Duration)
	return res, nil
}
