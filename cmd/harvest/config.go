package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"marketplace-harvest/adapters"
	"marketplace-harvest/harvest"
)

// setting ties one config key to its flag, environment variable and default.
// Precedence: flag > env > config file > default.
type setting struct {
	key   string
	flag  string
	env   string
	def   any
	usage string
}

var globalSettings = []setting{
	{"config", "config", "HARVEST_CONFIG", "", "Config file (yaml/toml/json) with keyword sets and exclusions"},
	{"adapter", "marketplace-adapter", "MARKETPLACE_ADAPTER", "mock", "Adapter: mock|http-json"},
	{"base_url", "marketplace-base-url", "MARKETPLACE_BASE_URL", "https://gamma-api.polymarket.com", "Catalog base URL (http-json adapter)"},
	{"user_agent", "user-agent", "HTTP_USER_AGENT", "marketplace-harvest/1.0", "User-Agent header"},
	{"request_timeout", "request-timeout", "REQUEST_TIMEOUT", 25 * time.Second, "Per-request timeout"},
	{"mock_size", "mock-size", "MOCK_SIZE", 1500, "Mock adapter catalog size"},
	{"mock_overlap", "mock-overlap", "MOCK_OVERLAP", 0, "Mock adapter page overlap (duplicates across pages)"},
	{"out_dir", "out-dir", "OUT_DIR", "election_data", "Snapshot output directory"},
	{"json_logs", "json-logs", "JSON_LOGS", false, "JSON logs plus a JSON summary line"},
	{"verbose", "verbose", "VERBOSE", false, "Debug logging"},
}

var runSettings = []setting{
	{"tag", "tag", "MARKET_TAG", "elections", "Primary strategy tag filter"},
	{"search", "search", "SEARCH_QUERY", "", "Primary strategy search filter"},
	{"closed", "closed", "MARKET_CLOSED", "true", "Closed filter: true|false|any"},
	{"order", "order", "MARKET_ORDER", "volume_num", "Server-side order field"},
	{"ascending", "ascending", "MARKET_ASCENDING", false, "Server-side ascending order"},
	{"fallback", "fallback", "FALLBACK", true, "Retry with the broader fallback strategy when the primary one fails"},
	{"fallback_tag", "fallback-tag", "FALLBACK_TAG", "", "Fallback strategy tag filter"},
	{"fallback_search", "fallback-search", "FALLBACK_SEARCH", "", "Fallback strategy search filter"},
	{"fallback_on_empty", "fallback-on-empty", "FALLBACK_ON_EMPTY", true, "Also fall back when the primary sweep fetches nothing"},

	{"workers", "workers", "WORKERS", 8, "Concurrent page fetches per wave"},
	{"page_size", "page-size", "PAGE_SIZE", 100, "Records per page"},
	{"max_waves", "max-waves", "MAX_WAVES", 0, "Stop after this many waves (0 = until exhausted)"},
	{"limit", "limit", "LIMIT", 10, "Top-N size"},
	{"retry_attempts", "retry-attempts", "RETRY_ATTEMPTS", 3, "Attempts per page, first one included"},
	{"retry_base", "retry-base", "RETRY_BASE", 500 * time.Millisecond, "Backoff before the first retry"},
	{"retry_max", "retry-max", "RETRY_MAX", 30 * time.Second, "Backoff cap"},
	{"wave_delay", "wave-delay", "WAVE_DELAY", 500 * time.Millisecond, "Pause between waves"},
	{"rps", "rps", "REQUEST_RPS", 0.0, "Page requests per second across workers (0 = unlimited)"},

	{"keywords", "keywords", "KEYWORDS", []string{}, "Keyword set as comma-separated terms; repeat for more sets (env: sets separated by ';')"},
	{"exclude", "exclude", "EXCLUDE_PATTERNS", []string{}, "Case-insensitive exclusion regexp; repeatable (env: separated by ';')"},
	{"group_field", "group-field", "GROUP_FIELD", "", "Field that must be non-blank and digit-free"},
	{"include_category", "include-category", "INCLUDE_CATEGORY", false, "Match keywords against category too"},
	{"require_nested", "require-nested", "REQUIRE_NESTED", false, "Require a keyword hit in events/tokens when present"},
	{"nested_type_field", "nested-type-field", "NESTED_TYPE_FIELD", harvest.DefaultNestedTypeField, "Sub-record type field for the nested check"},
	{"rank_fields", "rank-fields", "RANK_FIELDS", []string{"volumeNum", "volume"}, "Ranking key fallback chain"},

	{"label", "label", "OUT_LABEL", "election_markets", "Snapshot file label"},
	{"raw_snapshot", "raw-snapshot", "RAW_SNAPSHOT", false, "Also export the deduplicated working set"},
	{"out_csv", "out", "OUT_CSV", "", "Append-only ledger CSV (enables the ledger)"},
	{"lock_ttl", "lock-ttl", "LOCK_TTL", 10 * time.Minute, "Ledger lock staleness threshold"},
	{"pg_dsn", "pg-dsn", "PG_DSN", "", "Postgres DSN (enables the Postgres sink)"},
	{"pg_schema", "pg-schema", "PG_SCHEMA", "public", "Postgres schema"},
	{"pg_batch", "pg-batch", "PG_BATCH", 200, "Postgres batch size"},
	{"pg_max_conns", "pg-max-conns", "PG_MAX_CONNS", 2, "Postgres max connections"},
	{"pg_via_bouncer", "pg-via-bouncer", "PG_VIA_BOUNCER", true, "Simple protocol for PgBouncer transaction pooling"},

	{"metrics_addr", "metrics", "METRICS_ADDR", "", "Serve /metrics and /debug/pprof/* on this address, e.g. :6060"},
	{"daemon", "daemon", "DAEMON", false, "Run forever with a random sleep between runs"},
	{"daemon_min_sec", "daemon-min-sec", "DAEMON_MIN_SEC", 20, "Daemon: minimum seconds between runs"},
	{"daemon_max_sec", "daemon-max-sec", "DAEMON_MAX_SEC", 180, "Daemon: maximum seconds between runs"},
	{"healthcheck", "healthcheck", "HEALTHCHECK", false, "Check sinks, print healthcheck=ok and exit"},
}

var shorthands = map[string]string{"verbose": "v", "limit": "n", "config": "c"}

func registerFlags(cmd *cobra.Command, persistent bool, settings []setting) {
	fs := cmd.Flags()
	if persistent {
		fs = cmd.PersistentFlags()
	}
	for _, s := range settings {
		usage := s.usage + ". Env: " + s.env
		short := shorthands[s.flag]
		switch d := s.def.(type) {
		case string:
			fs.StringP(s.flag, short, d, usage)
		case int:
			fs.IntP(s.flag, short, d, usage)
		case bool:
			fs.BoolP(s.flag, short, d, usage)
		case float64:
			fs.Float64P(s.flag, short, d, usage)
		case time.Duration:
			fs.DurationP(s.flag, short, d, usage)
		case []string:
			fs.StringArrayP(s.flag, short, d, usage)
		default:
			panic(fmt.Sprintf("setting %s: unsupported default %T", s.key, d))
		}
	}
}

// newViper binds every known setting for cmd and reads the config file if
// one is named.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	for _, group := range [][]setting{globalSettings, runSettings} {
		for _, s := range group {
			v.SetDefault(s.key, s.def)
			if err := v.BindEnv(s.key, s.env); err != nil {
				return nil, errors.Wrapf(err, "bind env %s", s.env)
			}
			if f := cmd.Flags().Lookup(s.flag); f != nil {
				if err := v.BindPFlag(s.key, f); err != nil {
					return nil, errors.Wrapf(err, "bind flag --%s", s.flag)
				}
			}
		}
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return v, nil
}

// Config is the resolved configuration of one command invocation.
type Config struct {
	Adapter        string
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	MockSize       int
	MockOverlap    int
	OutDir         string
	JSONLogs       bool
	Verbose        bool

	Spec harvest.QuerySpec

	Label       string
	RawSnapshot bool
	OutCSV      string
	LockTTL     time.Duration
	PGDSN       string
	PGSchema    string
	PGBatch     int
	PGMaxConns  int
	PGBouncer   bool

	MetricsAddr  string
	Daemon       bool
	DaemonMinSec int
	DaemonMaxSec int
	Healthcheck  bool
}

func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		Adapter:        strings.ToLower(strings.TrimSpace(v.GetString("adapter"))),
		BaseURL:        v.GetString("base_url"),
		UserAgent:      v.GetString("user_agent"),
		RequestTimeout: v.GetDuration("request_timeout"),
		MockSize:       v.GetInt("mock_size"),
		MockOverlap:    v.GetInt("mock_overlap"),
		OutDir:         v.GetString("out_dir"),
		JSONLogs:       v.GetBool("json_logs"),
		Verbose:        v.GetBool("verbose"),

		Label:       v.GetString("label"),
		RawSnapshot: v.GetBool("raw_snapshot"),
		OutCSV:      v.GetString("out_csv"),
		LockTTL:     v.GetDuration("lock_ttl"),
		PGDSN:       v.GetString("pg_dsn"),
		PGSchema:    v.GetString("pg_schema"),
		PGBatch:     v.GetInt("pg_batch"),
		PGMaxConns:  v.GetInt("pg_max_conns"),
		PGBouncer:   v.GetBool("pg_via_bouncer"),

		MetricsAddr:  v.GetString("metrics_addr"),
		Daemon:       v.GetBool("daemon"),
		DaemonMinSec: max(1, v.GetInt("daemon_min_sec")),
		DaemonMaxSec: v.GetInt("daemon_max_sec"),
		Healthcheck:  v.GetBool("healthcheck"),
	}
	if cfg.DaemonMaxSec < cfg.DaemonMinSec {
		cfg.DaemonMaxSec = cfg.DaemonMinSec
	}
	switch cfg.Adapter {
	case "mock", "http-json":
	case "httpjson", "http":
		cfg.Adapter = "http-json"
	default:
		return cfg, errors.Newf("unknown adapter %q (want mock or http-json)", cfg.Adapter)
	}

	spec, err := querySpec(v)
	if err != nil {
		return cfg, err
	}
	cfg.Spec = spec
	return cfg, nil
}

func querySpec(v *viper.Viper) (harvest.QuerySpec, error) {
	closed, err := triState(v.GetString("closed"))
	if err != nil {
		return harvest.QuerySpec{}, errors.Wrap(err, "closed")
	}
	asc := v.GetBool("ascending")
	spec := harvest.QuerySpec{
		Filter: adapters.Filter{
			Tag:       strings.TrimSpace(v.GetString("tag")),
			Search:    strings.TrimSpace(v.GetString("search")),
			Order:     strings.TrimSpace(v.GetString("order")),
			Closed:    closed,
			Ascending: &asc,
		},
		FallbackOnEmpty: v.GetBool("fallback_on_empty"),
		Workers:         v.GetInt("workers"),
		PageSize:        v.GetInt("page_size"),
		Retry: harvest.RetryPolicy{
			MaxAttempts: v.GetInt("retry_attempts"),
			BaseDelay:   v.GetDuration("retry_base"),
			MaxDelay:    v.GetDuration("retry_max"),
		},
		WaveDelay:      v.GetDuration("wave_delay"),
		RequestTimeout: v.GetDuration("request_timeout"),
		RequestRPS:     v.GetFloat64("rps"),
		MaxWaves:       v.GetInt("max_waves"),
		Limit:          v.GetInt("limit"),
		RankFields:     stringList(v.Get("rank_fields"), ","),
	}
	if v.GetBool("fallback") {
		// Broader sweep: same closed filter, no tag, keyword post-filtering
		// does the narrowing.
		spec.Fallback = &adapters.Filter{
			Tag:       strings.TrimSpace(v.GetString("fallback_tag")),
			Search:    strings.TrimSpace(v.GetString("fallback_search")),
			Order:     spec.Filter.Order,
			Closed:    closed,
			Ascending: &asc,
		}
	}

	sets, err := keywordSets(v)
	if err != nil {
		return harvest.QuerySpec{}, err
	}
	spec.Rules = harvest.ValidatorRules{
		Exclude:         stringList(v.Get("exclude"), ";"),
		GroupField:      strings.TrimSpace(v.GetString("group_field")),
		KeywordSets:     sets,
		IncludeCategory: v.GetBool("include_category"),
		RequireNested:   v.GetBool("require_nested"),
		NestedTypeField: strings.TrimSpace(v.GetString("nested_type_field")),
	}
	if err := spec.Validate(); err != nil {
		return harvest.QuerySpec{}, err
	}
	return spec, nil
}

// keywordSets reads keyword_sets from the config file, else --keywords /
// KEYWORDS, else the default election profile.
func keywordSets(v *viper.Viper) ([]harvest.KeywordSet, error) {
	if v.InConfig("keyword_sets") {
		var sets []harvest.KeywordSet
		if err := v.UnmarshalKey("keyword_sets", &sets); err != nil {
			return nil, errors.Wrap(err, "keyword_sets")
		}
		return sets, nil
	}
	raw := stringList(v.Get("keywords"), ";")
	if len(raw) == 0 {
		return harvest.ElectionRules().KeywordSets, nil
	}
	sets := make([]harvest.KeywordSet, 0, len(raw))
	for i, r := range raw {
		sets = append(sets, harvest.KeywordSet{
			Name:  "set" + strconv.Itoa(i+1),
			Terms: stringList(r, ","),
		})
	}
	return sets, nil
}

// stringList normalizes a viper value that may be a slice (flags, config
// file) or a single string (environment). Every item is split on sep, so
// "--rank-fields a,b" and RANK_FIELDS=a,b agree.
func stringList(val any, sep string) []string {
	var raw []string
	switch t := val.(type) {
	case nil:
	case string:
		raw = []string{t}
	case []string:
		raw = t
	case []any:
		for _, x := range t {
			raw = append(raw, fmt.Sprint(x))
		}
	default:
		raw = []string{fmt.Sprint(t)}
	}
	var out []string
	for _, item := range raw {
		for _, s := range strings.Split(item, sep) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func triState(s string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "all":
		return nil, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Newf("want true, false or any, got %q", s)
	}
	return &b, nil
}
