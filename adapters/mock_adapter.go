package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"marketplace-harvest/record"
)

// MockAdapter serves a synthetic catalog. It is deterministic for a given
// seed and size and never touches the network.
type MockAdapter struct {
	markets []record.Record
	overlap int
	latency time.Duration
}

type MockAdapterOptions struct {
	Size int   // catalog size; 0 uses 1500
	Seed int64 // 0 uses a fixed seed so repeated runs agree
	// Overlap re-serves the last N records of the previous page at the head
	// of each page, mimicking unstable page boundaries.
	Overlap int
	// Latency is a synthetic per-request delay.
	Latency time.Duration
}

func NewMockAdapter(opts MockAdapterOptions) *MockAdapter {
	n := opts.Size
	if n <= 0 {
		n = 1500
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 20241105
	}
	r := rand.New(rand.NewSource(seed))
	markets := make([]record.Record, 0, n)
	for i := 0; i < n; i++ {
		markets = append(markets, synthMarket(i, r))
	}
	return &MockAdapter{markets: markets, overlap: max(0, opts.Overlap), latency: opts.Latency}
}

var (
	mockElection = []string{
		"Will %s win the presidential election?",
		"Will %s be the VP nominee?",
		"Will %s win the popular vote?",
		"Will %s win the senate election in %s?",
	}
	mockOther = []string{
		"Will %s release a new album before %s?",
		"Will %s reach a new all-time high by %s?",
		"Will %s win the championship in %s?",
	}
	mockNames  = []string{"Alvarez", "Brook", "Chen", "Dubois", "Eklund", "Fischer", "Garcia", "Haddad"}
	mockPlaces = []string{"Ohio", "Georgia", "Arizona", "Nevada", "Maine", "2025", "2026"}
)

func synthMarket(i int, r *rand.Rand) record.Record {
	name := mockNames[r.Intn(len(mockNames))]
	place := mockPlaces[r.Intn(len(mockPlaces))]
	election := i%7 == 0
	var question, category, etype string
	if election {
		question = fmt.Sprintf(mockElection[r.Intn(len(mockElection))], name, place)
		category, etype = "elections", "presidential"
	} else {
		question = fmt.Sprintf(mockOther[r.Intn(len(mockOther))], name, place)
		category, etype = "sports", ""
	}
	id := strconv.Itoa(100000 + i)
	vol := float64(r.Intn(5_000_000)) + r.Float64()
	closed := i%3 == 0
	active := !closed
	event := record.Record{
		ID:          "ev-" + id,
		Title:       record.String(question),
		Description: record.String("Synthetic event."),
		Extra:       map[string]json.RawMessage{},
	}
	if etype != "" {
		event.Extra["electionType"] = json.RawMessage(strconv.Quote(etype))
	}
	return record.Record{
		ID:             id,
		Question:       record.String(question),
		Description:    record.String("Synthetic market (offline mock adapter)."),
		Category:       record.String(category),
		Slug:           record.String("mock-market-" + id),
		ConditionID:    record.String(fmt.Sprintf("0x%064x", i)),
		GroupItemTitle: record.String(name),
		Active:         &active,
		Closed:         &closed,
		Events:         []record.Record{event},
		Extra: map[string]json.RawMessage{
			"volumeNum":    json.RawMessage(strconv.FormatFloat(vol, 'f', 4, 64)),
			"volume":       json.RawMessage(strconv.Quote(strconv.FormatFloat(vol, 'f', 4, 64))),
			"liquidityNum": json.RawMessage(strconv.Itoa(r.Intn(100_000))),
			"endDate":      json.RawMessage(`"2026-11-03T00:00:00Z"`),
		},
	}
}

func (m *MockAdapter) filtered(f Filter) []record.Record {
	if f.Tag == "" && f.Search == "" && f.Closed == nil {
		return m.markets
	}
	tag := strings.ToLower(strings.TrimSpace(f.Tag))
	search := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]record.Record, 0, len(m.markets))
	for _, rec := range m.markets {
		if tag != "" && strings.ToLower(rec.Text(record.FieldCategory)) != tag {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(rec.Headline()), search) {
			continue
		}
		if f.Closed != nil && (rec.Closed == nil || *rec.Closed != *f.Closed) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (m *MockAdapter) ListMarkets(ctx context.Context, params PageParams) ([]record.Record, FetchMeta, error) {
	start := time.Now()
	if err := m.wait(ctx); err != nil {
		return nil, FetchMeta{Latency: time.Since(start)}, err
	}
	all := m.filtered(params.Filter)
	lo := max(0, params.Offset)
	if params.Offset > 0 {
		lo = max(0, lo-m.overlap)
	}
	hi := params.Offset + params.Limit
	if params.Limit <= 0 {
		hi = len(all)
	}
	lo, hi = min(lo, len(all)), min(hi, len(all))
	out := make([]record.Record, hi-lo)
	copy(out, all[lo:hi])
	if params.Offset >= len(all) {
		out = out[:0]
	}
	return out, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *MockAdapter) LookupMarket(ctx context.Context, kind LookupKind, identifier string) (record.Record, FetchMeta, error) {
	start := time.Now()
	if err := m.wait(ctx); err != nil {
		return record.Record{}, FetchMeta{Latency: time.Since(start)}, err
	}
	id := strings.TrimSpace(identifier)
	for _, rec := range m.markets {
		var hit bool
		switch kind {
		case LookupByID:
			hit = rec.ID == id
		case LookupBySlug:
			hit = rec.Text(record.FieldSlug) == id
		case LookupByConditionID:
			hit = rec.Text(record.FieldConditionID) == id
		}
		if hit {
			return rec, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
		}
	}
	return record.Record{}, FetchMeta{StatusCode: 404, Latency: time.Since(start)}, errors.Wrapf(ErrNotFound, "%s %s", kind, id)
}

func (m *MockAdapter) wait(ctx context.Context) error {
	if m.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.latency):
		return nil
	}
}
