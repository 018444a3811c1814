// Package adapters contains pluggable catalog connectors.
//
// The harvester only ever talks to a CatalogAdapter. The HTTP JSON adapter
// speaks the public listing API (GET {base}/markets); the mock adapter serves a
// deterministic synthetic catalog for offline runs and tests.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"marketplace-harvest/record"
)

const (
	connectTimeout  = 3 * time.Second
	headerTimeout   = 12 * time.Second
	idleConnTimeout = 90 * time.Second

	defaultUserAgent = "marketplace-harvest/1.0"

	// DefaultMaxBodyBytes caps a single response body.
	DefaultMaxBodyBytes int64 = 32 << 20
)

var (
	// ErrMalformedPayload marks a 2xx response whose body is not a market list.
	// It is never worth retrying.
	ErrMalformedPayload = errors.New("malformed listing payload")

	// ErrNotFound is returned by LookupMarket when no market matches.
	ErrNotFound = errors.New("market not found")
)

// Filter holds the listing query parameters shared by every page of a sweep.
// Zero values are omitted from the request.
type Filter struct {
	Tag       string
	Search    string
	Order     string
	Closed    *bool
	Ascending *bool
}

// PageParams addresses one page of the catalog.
type PageParams struct {
	Limit  int
	Offset int
	Filter Filter
}

// LookupKind selects how LookupMarket interprets its identifier.
type LookupKind string

const (
	LookupByID          LookupKind = "id"
	LookupBySlug        LookupKind = "slug"
	LookupByConditionID LookupKind = "condition_id"
)

// ParseLookupKind validates a user-supplied lookup kind.
func ParseLookupKind(s string) (LookupKind, error) {
	switch k := LookupKind(strings.ToLower(strings.TrimSpace(s))); k {
	case LookupByID, LookupBySlug, LookupByConditionID:
		return k, nil
	}
	return "", errors.WithHint(errors.Newf("invalid lookup kind %q", s), "use one of: id, slug, condition_id")
}

// FetchMeta provides request-level telemetry.
type FetchMeta struct {
	StatusCode int
	Latency    time.Duration
	// RetryAfter is the server's backoff hint on 429/503, zero otherwise.
	RetryAfter time.Duration
}

// CatalogAdapter abstracts the remote catalog.
type CatalogAdapter interface {
	// ListMarkets returns one page of markets. A 2xx response with an
	// unrecognized body returns an error wrapping ErrMalformedPayload.
	ListMarkets(ctx context.Context, params PageParams) ([]record.Record, FetchMeta, error)

	// LookupMarket fetches a single market by id, slug or condition id.
	LookupMarket(ctx context.Context, kind LookupKind, identifier string) (record.Record, FetchMeta, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP JSON adapter
// ─────────────────────────────────────────────────────────────────────────────

// HTTPClient is satisfied by *http.Client; tests inject their own.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPJSONAdapter talks to the listing API under BaseURL.
//
//	GET {base}/markets?limit=&offset=&closed=&tag=&search=&order=&ascending=
//	  -> either {"markets":[...]} or [...]
//	GET {base}/markets/{id}
//	GET {base}/markets?slug=...  /  ?condition_ids=...
//	  -> a list, {"markets":[...]}, {"market":{...}} or a bare object
type HTTPJSONAdapter struct {
	baseURL   string
	client    HTTPClient
	userAgent string
	maxBody   int64
}

type HTTPJSONAdapterOptions struct {
	BaseURL   string
	UserAgent string
	// Client overrides the default transport (tests, proxies).
	Client HTTPClient
	// MaxBodyBytes caps response bodies; a larger 2xx body is malformed.
	// 0 uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

func NewHTTPJSONAdapter(opts HTTPJSONAdapterOptions) (*HTTPJSONAdapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, "invalid BaseURL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Newf("invalid BaseURL scheme %q", u.Scheme)
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	client := opts.Client
	if client == nil {
		client = newHTTPClient()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &HTTPJSONAdapter{
		baseURL:   strings.TrimRight(base, "/"),
		client:    client,
		userAgent: ua,
		maxBody:   maxBody,
	}, nil
}

// newHTTPClient has no overall timeout: every call is bounded by its context.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			ResponseHeaderTimeout: headerTimeout,
			IdleConnTimeout:       idleConnTimeout,
			MaxIdleConnsPerHost:   32,
		},
	}
}

func (a *HTTPJSONAdapter) ListMarkets(ctx context.Context, params PageParams) ([]record.Record, FetchMeta, error) {
	start := time.Now()
	q := url.Values{}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	q.Set("offset", strconv.Itoa(max(0, params.Offset)))
	params.Filter.encode(q)

	body, meta, err := a.doGET(ctx, a.baseURL+"/markets?"+q.Encode())
	meta.Latency = time.Since(start)
	if err != nil {
		return nil, meta, err
	}
	recs, err := DecodeMarkets(body)
	return recs, meta, err
}

func (a *HTTPJSONAdapter) LookupMarket(ctx context.Context, kind LookupKind, identifier string) (record.Record, FetchMeta, error) {
	start := time.Now()
	id := strings.TrimSpace(identifier)
	if id == "" {
		return record.Record{}, FetchMeta{Latency: time.Since(start)}, errors.New("identifier is required")
	}

	var u string
	switch kind {
	case LookupByID:
		u = a.baseURL + "/markets/" + url.PathEscape(id)
	case LookupBySlug:
		u = a.baseURL + "/markets?" + url.Values{"slug": {id}}.Encode()
	case LookupByConditionID:
		u = a.baseURL + "/markets?" + url.Values{"condition_ids": {id}}.Encode()
	default:
		return record.Record{}, FetchMeta{}, errors.Newf("invalid lookup kind %q", kind)
	}

	body, meta, err := a.doGET(ctx, u)
	meta.Latency = time.Since(start)
	if err != nil {
		if meta.StatusCode == http.StatusNotFound {
			return record.Record{}, meta, errors.Wrapf(ErrNotFound, "%s %s", kind, id)
		}
		return record.Record{}, meta, err
	}
	rec, err := DecodeMarket(body)
	if err != nil {
		return record.Record{}, meta, errors.Wrapf(err, "%s %s", kind, id)
	}
	return rec, meta, nil
}

func (a *HTTPJSONAdapter) doGET(ctx context.Context, u string) ([]byte, FetchMeta, error) {
	var meta FetchMeta
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, meta, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, meta, errors.Wrap(err, "GET "+req.URL.Path)
	}
	defer resp.Body.Close()
	meta.StatusCode = resp.StatusCode
	b, readErr := io.ReadAll(io.LimitReader(resp.Body, a.maxBody+1))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			meta.RetryAfter = parseRetryAfter(resp.Header, time.Now())
		}
		return nil, meta, errors.Newf("http status %d", resp.StatusCode)
	}
	if readErr != nil {
		return nil, meta, errors.Wrap(readErr, "read body")
	}
	if int64(len(b)) > a.maxBody {
		return nil, meta, errors.Wrapf(ErrMalformedPayload, "body exceeds %d bytes", a.maxBody)
	}
	return b, meta, nil
}

func (f Filter) encode(q url.Values) {
	if s := strings.TrimSpace(f.Tag); s != "" {
		q.Set("tag", s)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		q.Set("search", s)
	}
	if s := strings.TrimSpace(f.Order); s != "" {
		q.Set("order", s)
	}
	if f.Closed != nil {
		q.Set("closed", strconv.FormatBool(*f.Closed))
	}
	if f.Ascending != nil {
		q.Set("ascending", strconv.FormatBool(*f.Ascending))
	}
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// ───────── payload decoding ─────────

// DecodeMarkets accepts a bare array of markets or an object with a "markets"
// array. Array items that are not objects are skipped. Any other shape wraps
// ErrMalformedPayload.
func DecodeMarkets(body []byte) ([]record.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.Wrap(ErrMalformedPayload, "empty body")
	}
	switch trimmed[0] {
	case '[':
		return decodeArray(trimmed)
	case '{':
		var wrapped struct {
			Markets json.RawMessage `json:"markets"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, errors.Wrap(ErrMalformedPayload, err.Error())
		}
		m := bytes.TrimSpace(wrapped.Markets)
		if len(m) == 0 {
			return nil, errors.Wrap(ErrMalformedPayload, `object without "markets"`)
		}
		if bytes.Equal(m, []byte("null")) {
			return nil, nil
		}
		return decodeArray(m)
	}
	return nil, errors.Wrapf(ErrMalformedPayload, "unexpected payload starting with %q", trimmed[0])
}

func decodeArray(b []byte) ([]record.Record, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}
	out := make([]record.Record, 0, len(items))
	for _, it := range items {
		var r record.Record
		if err := json.Unmarshal(it, &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// DecodeMarket accepts every single-market shape the API produces and returns
// the first market found.
func DecodeMarket(body []byte) (record.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return record.Record{}, errors.Wrap(ErrMalformedPayload, err.Error())
		}
		if one, ok := wrapped["market"]; ok {
			var r record.Record
			if err := json.Unmarshal(one, &r); err != nil {
				return record.Record{}, errors.Wrap(ErrMalformedPayload, err.Error())
			}
			return r, nil
		}
		if _, ok := wrapped["markets"]; !ok {
			var r record.Record
			if err := json.Unmarshal(trimmed, &r); err != nil {
				return record.Record{}, errors.Wrap(ErrMalformedPayload, err.Error())
			}
			return r, nil
		}
	}
	recs, err := DecodeMarkets(trimmed)
	if err != nil {
		return record.Record{}, err
	}
	if len(recs) == 0 {
		return record.Record{}, ErrNotFound
	}
	return recs[0], nil
}
