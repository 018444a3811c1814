package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *HTTPJSONAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a, err := NewHTTPJSONAdapter(HTTPJSONAdapterOptions{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return a
}

func TestListMarkets_SendsQueryParams(t *testing.T) {
	var got map[string]string
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		got = map[string]string{}
		for k := range r.URL.Query() {
			got[k] = r.URL.Query().Get(k)
		}
		_, _ = w.Write([]byte(`[]`))
	})

	closed, asc := true, false
	_, meta, err := a.ListMarkets(context.Background(), PageParams{
		Limit:  100,
		Offset: 300,
		Filter: Filter{Tag: "elections", Order: "volume", Closed: &closed, Ascending: &asc},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, meta.StatusCode)
	assert.Equal(t, map[string]string{
		"limit": "100", "offset": "300", "tag": "elections", "order": "volume",
		"closed": "true", "ascending": "false",
	}, got)
}

func TestListMarkets_AcceptsBothShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantIDs []string
	}{
		{name: "bare array", body: `[{"id":"1"},{"id":2}]`, wantIDs: []string{"1", "2"}},
		{name: "wrapped", body: `{"markets":[{"id":"3"}],"next_cursor":"x"}`, wantIDs: []string{"3"}},
		{name: "wrapped null", body: `{"markets":null}`, wantIDs: nil},
		{name: "non object items skipped", body: `[{"id":"4"}, 5, "x", {"id":"6"}]`, wantIDs: []string{"4", "6"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			recs, _, err := a.ListMarkets(context.Background(), PageParams{Limit: 10})
			require.NoError(t, err)
			var ids []string
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestListMarkets_MalformedPayload(t *testing.T) {
	for _, body := range []string{`{"data":[]}`, `"hello"`, `{not json`, ``, `42`} {
		a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		recs, meta, err := a.ListMarkets(context.Background(), PageParams{Limit: 10})
		assert.Empty(t, recs, body)
		assert.Equal(t, 200, meta.StatusCode, body)
		assert.True(t, errors.Is(err, ErrMalformedPayload), "body %q: %v", body, err)
	}
}

func TestListMarkets_OversizedBodyIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"1","description":"` + strings.Repeat("x", 2048) + `"}]`))
	}))
	t.Cleanup(srv.Close)
	a, err := NewHTTPJSONAdapter(HTTPJSONAdapterOptions{BaseURL: srv.URL, MaxBodyBytes: 1024})
	require.NoError(t, err)

	recs, meta, err := a.ListMarkets(context.Background(), PageParams{Limit: 10})
	assert.Empty(t, recs)
	assert.Equal(t, 200, meta.StatusCode)
	assert.True(t, errors.Is(err, ErrMalformedPayload), "got %v", err)

	roomy, err := NewHTTPJSONAdapter(HTTPJSONAdapterOptions{BaseURL: srv.URL, MaxBodyBytes: 4096})
	require.NoError(t, err)
	recs, _, err = roomy.ListMarkets(context.Background(), PageParams{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestListMarkets_Non2xxCarriesRetryAfter(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, meta, err := a.ListMarkets(context.Background(), PageParams{Limit: 10})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedPayload))
	assert.Equal(t, http.StatusTooManyRequests, meta.StatusCode)
	assert.Equal(t, 3*time.Second, meta.RetryAfter)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := http.Header{}
	assert.Zero(t, parseRetryAfter(h, now))
	h.Set("Retry-After", "-4")
	assert.Zero(t, parseRetryAfter(h, now))
	h.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 90*time.Second, parseRetryAfter(h, now))
	h.Set("Retry-After", "soon")
	assert.Zero(t, parseRetryAfter(h, now))
}

func TestLookupMarket_Shapes(t *testing.T) {
	tests := []struct {
		name   string
		kind   LookupKind
		body   string
		status int
		wantID string
		wantNF bool
	}{
		{name: "by id bare object", kind: LookupByID, body: `{"id":"12","question":"q"}`, wantID: "12"},
		{name: "wrapped market", kind: LookupByID, body: `{"market":{"id":"13"}}`, wantID: "13"},
		{name: "slug list", kind: LookupBySlug, body: `[{"id":"14"},{"id":"15"}]`, wantID: "14"},
		{name: "condition wrapped list", kind: LookupByConditionID, body: `{"markets":[{"id":"16"}]}`, wantID: "16"},
		{name: "empty list", kind: LookupBySlug, body: `[]`, wantNF: true},
		{name: "404", kind: LookupByID, status: http.StatusNotFound, wantNF: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				switch tt.kind {
				case LookupByID:
					assert.Equal(t, "/markets/abc", r.URL.Path)
				case LookupBySlug:
					assert.Equal(t, "abc", r.URL.Query().Get("slug"))
				case LookupByConditionID:
					assert.Equal(t, "abc", r.URL.Query().Get("condition_ids"))
				}
				if tt.status != 0 {
					w.WriteHeader(tt.status)
					return
				}
				_, _ = w.Write([]byte(tt.body))
			})
			rec, _, err := a.LookupMarket(context.Background(), tt.kind, "abc")
			if tt.wantNF {
				assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, rec.ID)
		})
	}
}

func TestParseLookupKind(t *testing.T) {
	k, err := ParseLookupKind(" Slug ")
	require.NoError(t, err)
	assert.Equal(t, LookupBySlug, k)
	_, err = ParseLookupKind("ticker")
	assert.Error(t, err)
}

func TestNewHTTPJSONAdapter_Validation(t *testing.T) {
	_, err := NewHTTPJSONAdapter(HTTPJSONAdapterOptions{})
	assert.Error(t, err)
	_, err = NewHTTPJSONAdapter(HTTPJSONAdapterOptions{BaseURL: "ftp://example.invalid"})
	assert.Error(t, err)
}

func TestMockAdapter_PagesAndFilters(t *testing.T) {
	m := NewMockAdapter(MockAdapterOptions{Size: 25})
	ctx := context.Background()

	var total int
	for off := 0; ; off += 10 {
		recs, meta, err := m.ListMarkets(ctx, PageParams{Limit: 10, Offset: off})
		require.NoError(t, err)
		assert.Equal(t, 200, meta.StatusCode)
		if len(recs) == 0 {
			break
		}
		total += len(recs)
	}
	assert.Equal(t, 25, total)

	closed := true
	recs, _, err := m.ListMarkets(ctx, PageParams{Limit: 100, Filter: Filter{Closed: &closed}})
	require.NoError(t, err)
	for _, r := range recs {
		require.NotNil(t, r.Closed)
		assert.True(t, *r.Closed)
	}

	elections, _, err := m.ListMarkets(ctx, PageParams{Limit: 100, Filter: Filter{Tag: "Elections"}})
	require.NoError(t, err)
	assert.Len(t, elections, 4) // ids 0, 7, 14, 21
}

func TestMockAdapter_OverlapRepeatsBoundary(t *testing.T) {
	m := NewMockAdapter(MockAdapterOptions{Size: 20, Overlap: 2})
	first, _, err := m.ListMarkets(context.Background(), PageParams{Limit: 5, Offset: 0})
	require.NoError(t, err)
	second, _, err := m.ListMarkets(context.Background(), PageParams{Limit: 5, Offset: 5})
	require.NoError(t, err)
	require.Len(t, second, 7)
	assert.Equal(t, first[3].ID, second[0].ID)
	assert.Equal(t, first[4].ID, second[1].ID)

	past, _, err := m.ListMarkets(context.Background(), PageParams{Limit: 5, Offset: 20})
	require.NoError(t, err)
	assert.Empty(t, past)
}

func TestMockAdapter_Lookup(t *testing.T) {
	m := NewMockAdapter(MockAdapterOptions{Size: 5})
	rec, _, err := m.LookupMarket(context.Background(), LookupBySlug, "mock-market-100003")
	require.NoError(t, err)
	assert.Equal(t, "100003", rec.ID)

	_, meta, err := m.LookupMarket(context.Background(), LookupByID, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, 404, meta.StatusCode)
}
