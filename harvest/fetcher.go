package harvest

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketplace-harvest/adapters"
	"marketplace-harvest/record"
)

// PageStatus classifies a page outcome. Every status but PageOK carries zero
// records, and the scheduler treats them alike.
type PageStatus string

const (
	PageOK        PageStatus = "ok"
	PageEmpty     PageStatus = "empty"
	PageMalformed PageStatus = "malformed"
	PageExhausted PageStatus = "exhausted"
)

// PageOutcome is the result of fetching one page.
type PageOutcome struct {
	Offset   int
	Records  []record.Record
	Status   PageStatus
	Attempts int
	// Reached is true when the catalog answered with a 2xx status.
	Reached bool
	// Err is the last error seen, for logs only.
	Err error
}

// Fetcher fetches the page starting at offset. It never fails: errors degrade
// to an outcome with zero records.
type Fetcher interface {
	Fetch(ctx context.Context, offset int) PageOutcome
}

// PageFetcher issues page requests with bounded retries and exponential backoff.
type PageFetcher struct {
	adapter  adapters.CatalogAdapter
	filter   adapters.Filter
	pageSize int
	retry    RetryPolicy
	timeout  time.Duration
	limiter  *rate.Limiter

	log     *zap.SugaredLogger
	metrics *Metrics
	sleep   func(context.Context, time.Duration) error
}

// NewPageFetcher binds the page size, filter and retry policy of spec to adapter.
func NewPageFetcher(adapter adapters.CatalogAdapter, spec QuerySpec, filter adapters.Filter, log *zap.SugaredLogger, m *Metrics) *PageFetcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	f := &PageFetcher{
		adapter:  adapter,
		filter:   filter,
		pageSize: spec.PageSize,
		retry:    spec.Retry,
		timeout:  spec.RequestTimeout,
		log:      log,
		metrics:  m,
		sleep:    sleepCtx,
	}
	if spec.RequestRPS > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(spec.RequestRPS), max(1, int(spec.RequestRPS)))
	}
	return f
}

// Fetch requests one page with retries and backoff. It never fails: a page
// that cannot be read comes back with a non-OK status and no records.
func (f *PageFetcher) Fetch(ctx context.Context, offset int) PageOutcome {
	out := PageOutcome{Offset: offset}
	params := adapters.PageParams{Limit: f.pageSize, Offset: offset, Filter: f.filter}
	attempts := max(1, f.retry.MaxAttempts)

	for attempt := 0; attempt < attempts; attempt++ {
		out.Attempts = attempt + 1
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				out.Err = err
				break
			}
		}

		recs, meta, err := f.attempt(ctx, params)
		f.metrics.observeRequest(meta)
		if err == nil {
			out.Records, out.Reached, out.Err = recs, true, nil
			out.Status = PageOK
			if len(recs) == 0 {
				out.Status = PageEmpty
			}
			f.metrics.observePage(out.Status)
			return out
		}
		out.Err = err

		if errors.Is(err, adapters.ErrMalformedPayload) {
			out.Status, out.Reached = PageMalformed, true
			f.metrics.observePage(out.Status)
			f.log.Warnw("malformed page payload; treating as empty",
				"offset", offset, "status", meta.StatusCode, "error", err)
			return out
		}
		if ctx.Err() != nil || attempt == attempts-1 {
			break
		}

		delay := f.retry.Delay(attempt, meta.RetryAfter)
		f.metrics.observeRetry()
		f.log.Debugw("page fetch failed; backing off",
			"offset", offset, "attempt", attempt+1, "status", meta.StatusCode, "delay", delay, "error", err)
		if err := f.sleep(ctx, delay); err != nil {
			break
		}
	}

	out.Status = PageExhausted
	f.metrics.observePage(out.Status)
	if ctx.Err() == nil {
		f.log.Warnw("page fetch exhausted retries; treating as empty",
			"offset", offset, "attempts", out.Attempts, "error", out.Err)
	}
	return out
}

func (f *PageFetcher) attempt(ctx context.Context, params adapters.PageParams) ([]record.Record, adapters.FetchMeta, error) {
	actx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	f.metrics.inflightAdd(1)
	defer f.metrics.inflightAdd(-1)
	return f.adapter.ListMarkets(actx, params)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
