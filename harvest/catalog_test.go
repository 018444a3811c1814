package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marketplace-harvest/adapters"
	"marketplace-harvest/record"
)

// memCatalog is an in-memory CatalogAdapter with scripted failures.
type memCatalog struct {
	recs []record.Record

	// fail maps an offset to the number of failing calls before it succeeds;
	// a negative count fails forever.
	fail      map[int]int
	malformed map[int]bool
	down      bool
	failTag   string
	retryHint time.Duration
	block     bool

	mu       sync.Mutex
	calls    map[int]int
	inflight atomic.Int64
	peak     atomic.Int64
}

func newMemCatalog(recs []record.Record) *memCatalog {
	return &memCatalog{recs: recs, calls: map[int]int{}}
}

func (c *memCatalog) callsAt(offset int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[offset]
}

func (c *memCatalog) ListMarkets(ctx context.Context, p adapters.PageParams) ([]record.Record, adapters.FetchMeta, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	c.mu.Lock()
	c.calls[p.Offset]++
	call := c.calls[p.Offset]
	c.mu.Unlock()

	if c.block {
		<-ctx.Done()
		return nil, adapters.FetchMeta{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, adapters.FetchMeta{}, err
	}
	if c.down || (c.failTag != "" && p.Filter.Tag == c.failTag) {
		return nil, adapters.FetchMeta{StatusCode: 503, RetryAfter: c.retryHint}, errors.New("http status 503")
	}
	if f, ok := c.fail[p.Offset]; ok && (f < 0 || call <= f) {
		return nil, adapters.FetchMeta{StatusCode: 500, RetryAfter: c.retryHint}, errors.New("http status 500")
	}
	if c.malformed[p.Offset] {
		return nil, adapters.FetchMeta{StatusCode: 200}, errors.Wrap(adapters.ErrMalformedPayload, "unexpected payload")
	}

	src := c.recs
	if tag := strings.ToLower(p.Filter.Tag); tag != "" {
		src = nil
		for _, r := range c.recs {
			if strings.ToLower(r.Text(record.FieldCategory)) == tag {
				src = append(src, r)
			}
		}
	}
	lo, hi := min(p.Offset, len(src)), min(p.Offset+p.Limit, len(src))
	out := make([]record.Record, hi-lo)
	copy(out, src[lo:hi])
	return out, adapters.FetchMeta{StatusCode: 200}, nil
}

func (c *memCatalog) LookupMarket(context.Context, adapters.LookupKind, string) (record.Record, adapters.FetchMeta, error) {
	return record.Record{}, adapters.FetchMeta{StatusCode: 404}, adapters.ErrNotFound
}

// synthStore builds n records; every matchEvery-th one is election related.
// Volumes are distinct so rankings are unambiguous.
func synthStore(n, matchEvery int) []record.Record {
	out := make([]record.Record, n)
	for i := range out {
		q, cat := fmt.Sprintf("Will team %d win the cup?", i), "sports"
		if matchEvery > 0 && i%matchEvery == 0 {
			q, cat = fmt.Sprintf("Will candidate %d win the presidential election?", i), "elections"
		}
		vol := (i*7919)%100003 + i
		out[i] = record.Record{
			ID:       fmt.Sprintf("m-%05d", i),
			Question: record.String(q),
			Category: record.String(cat),
			Extra: map[string]json.RawMessage{
				"volumeNum": json.RawMessage(strconv.Itoa(vol)),
			},
		}
	}
	return out
}

func mustRecords(t *testing.T, js string) []record.Record {
	t.Helper()
	var out []record.Record
	require.NoError(t, json.Unmarshal([]byte(js), &out))
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testSpec() QuerySpec {
	spec := DefaultQuerySpec()
	spec.Workers = 4
	spec.PageSize = 10
	spec.WaveDelay = 0
	spec.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	spec.RequestTimeout = time.Second
	return spec
}

func newTestFetcher(t *testing.T, c *memCatalog, spec QuerySpec) (*PageFetcher, *sleepRecorder) {
	t.Helper()
	f := NewPageFetcher(c, spec, spec.Filter, zaptest.NewLogger(t).Sugar(), nil)
	rec := &sleepRecorder{}
	f.sleep = rec.sleep
	return f, rec
}
