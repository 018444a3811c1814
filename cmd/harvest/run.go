package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"marketplace-harvest/adapters"
	"marketplace-harvest/harvest"
	"marketplace-harvest/logger"
	"marketplace-harvest/sink"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sweep the catalog, keep relevant markets and export the top N",
		Long: `Sweeps the whole catalog in waves of concurrent page requests, deduplicates
markets by id, keeps the ones matching every keyword set, ranks them by volume
and writes timestamped CSV/JSON snapshots. Optional sinks: an append-only
ledger CSV (--out) and Postgres (--pg-dsn).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runHarvest(cmd.Context(), cfg, cmd.OutOrStdout(), logger.Logger)
		},
	}
	registerFlags(cmd, false, runSettings)
	return cmd
}

// app holds what outlives a single run in daemon mode.
type app struct {
	cfg      Config
	log      *zap.SugaredLogger
	out      io.Writer
	adapter  adapters.CatalogAdapter
	metrics  *harvest.Metrics
	exporter *sink.Exporter
	ledger   *sink.Ledger
	pg       *sink.Postgres
	now      func() time.Time
}

func runHarvest(ctx context.Context, cfg Config, out io.Writer, log *zap.SugaredLogger) error {
	adapter, err := buildAdapter(cfg)
	if err != nil {
		return err
	}
	m := harvest.NewMetrics()
	registerRuntimeCollectors(m.Registry)
	stopMetrics, err := startMetrics(cfg.MetricsAddr, m.Registry, log)
	if err != nil {
		return err
	}
	defer stopMetrics()

	a := &app{
		cfg:      cfg,
		log:      log,
		out:      out,
		adapter:  adapter,
		metrics:  m,
		exporter: sink.NewExporter(cfg.OutDir, cfg.Label, log),
		now:      time.Now,
	}
	if err := a.openSinks(ctx); err != nil {
		return err
	}
	defer a.close()

	if cfg.Healthcheck {
		return a.healthcheck(ctx)
	}
	if !cfg.Daemon {
		_, err := a.runOnce(ctx)
		return err
	}
	return a.daemon(ctx)
}

func buildAdapter(cfg Config) (adapters.CatalogAdapter, error) {
	switch cfg.Adapter {
	case "http-json":
		a, err := adapters.NewHTTPJSONAdapter(adapters.HTTPJSONAdapterOptions{
			BaseURL:   cfg.BaseURL,
			UserAgent: cfg.UserAgent,
		})
		if err != nil {
			return nil, errors.Wrap(err, "http-json adapter")
		}
		return a, nil
	default:
		return adapters.NewMockAdapter(adapters.MockAdapterOptions{
			Size:    cfg.MockSize,
			Overlap: cfg.MockOverlap,
		}), nil
	}
}

func (a *app) openSinks(ctx context.Context) error {
	if a.cfg.OutCSV != "" {
		l, err := sink.OpenLedger(a.cfg.OutCSV, a.cfg.LockTTL, a.log)
		if err != nil {
			return err
		}
		a.ledger = l
	}
	if a.cfg.PGDSN != "" {
		pg, err := sink.OpenPostgres(ctx, sink.PGOptions{
			DSN:        a.cfg.PGDSN,
			Schema:     a.cfg.PGSchema,
			MaxConns:   a.cfg.PGMaxConns,
			Batch:      a.cfg.PGBatch,
			ViaBouncer: a.cfg.PGBouncer,
		})
		if err != nil {
			return err
		}
		a.pg = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) close() {
	if a.pg != nil {
		a.pg.Close()
	}
}

// healthcheck verifies the configured sinks without touching the catalog.
func (a *app) healthcheck(ctx context.Context) error {
	if a.pg != nil {
		if err := a.pg.Ping(ctx); err != nil {
			return errors.Wrap(err, "postgres ping")
		}
	}
	fmt.Fprintln(a.out, "healthcheck=ok")
	return nil
}

type runSummary struct {
	Result   harvest.Result
	Top      sink.Snapshot
	Raw      *sink.Snapshot
	Appended int
	Upserted int
}

// runOnce performs one harvest and feeds every configured sink. Sink failures
// are combined so one broken sink does not starve the others.
func (a *app) runOnce(ctx context.Context) (runSummary, error) {
	h := harvest.New(a.adapter, harvest.WithLogger(a.log), harvest.WithMetrics(a.metrics))
	res, err := h.Harvest(ctx, a.cfg.Spec)
	sum := runSummary{Result: res}
	if err != nil {
		return sum, errors.Wrap(err, "harvest")
	}

	var sinkErr error
	top, err := a.exporter.ExportTop(harvest.Records(res.Ranked))
	sum.Top = top
	sinkErr = errors.CombineErrors(sinkErr, err)
	if a.cfg.RawSnapshot {
		raw, err := a.exporter.ExportRaw(res.Merged)
		sum.Raw = &raw
		sinkErr = errors.CombineErrors(sinkErr, err)
	}

	entries := sink.Entries(res, a.now())
	if a.ledger != nil {
		n, err := a.appendLedger(entries)
		sum.Appended = n
		sinkErr = errors.CombineErrors(sinkErr, err)
	}
	if a.pg != nil {
		n, err := a.pg.Upsert(ctx, entries)
		sum.Upserted = n
		sinkErr = errors.CombineErrors(sinkErr, err)
	}

	a.report(sum)
	return sum, sinkErr
}

// appendLedger holds the ledger lock only for the append itself.
func (a *app) appendLedger(entries []sink.Entry) (int, error) {
	if err := a.ledger.Lock(); err != nil {
		return 0, err
	}
	defer a.ledger.Unlock()
	fresh, err := a.ledger.Append(entries)
	return len(fresh), err
}

func (a *app) report(sum runSummary) {
	res, st := sum.Result, sum.Result.Stats
	total := 0.0
	for _, r := range res.Ranked {
		total += r.Key
	}
	avg := 0.0
	if len(res.Ranked) > 0 {
		avg = total / float64(len(res.Ranked))
	}

	fmt.Fprintf(a.out,
		"run_id=%s strategy=%s adapter=%s waves=%d pages=%d pages_reached=%d fetched=%d unique=%d duplicates=%d matched=%d ranked=%d appended=%d upserted=%d truncated=%t total_rank_key=%.2f avg_rank_key=%.2f duration=%0.2f\n",
		res.RunID, res.Strategy, a.cfg.Adapter, st.Sweep.Waves, st.Sweep.Pages, st.Sweep.PagesReached,
		st.Fetched, st.Unique, st.Duplicates, st.Matched, st.Ranked, sum.Appended, sum.Upserted,
		st.Sweep.Truncated, total, avg, st.Duration.Seconds(),
	)

	if a.cfg.JSONLogs {
		type js struct {
			Event        string  `json:"event"`
			RunID        string  `json:"run_id"`
			Strategy     string  `json:"strategy"`
			Adapter      string  `json:"adapter"`
			Tag          string  `json:"tag"`
			Waves        int     `json:"waves"`
			Pages        int     `json:"pages"`
			PagesReached int     `json:"pages_reached"`
			PagesFailed  int     `json:"pages_failed"`
			Fetched      int     `json:"fetched"`
			Unique       int     `json:"unique"`
			Duplicates   int     `json:"duplicates"`
			DroppedNoID  int     `json:"dropped_no_id"`
			Matched      int     `json:"matched"`
			Ranked       int     `json:"ranked"`
			Appended     int     `json:"appended"`
			Upserted     int     `json:"upserted"`
			Truncated    bool    `json:"truncated"`
			TotalRankKey float64 `json:"total_rank_key"`
			AvgRankKey   float64 `json:"avg_rank_key"`
			TopCSV       string  `json:"top_csv"`
			TopJSON      string  `json:"top_json"`
			DurationSec  float64 `json:"duration_sec"`
			GoMaxProcs   int     `json:"gomaxprocs"`
			Daemon       bool    `json:"daemon"`
			PrimaryErr   string  `json:"primary_error,omitempty"`
		}
		j := js{
			Event:        "summary",
			RunID:        res.RunID,
			Strategy:     res.Strategy,
			Adapter:      a.cfg.Adapter,
			Tag:          a.cfg.Spec.Filter.Tag,
			Waves:        st.Sweep.Waves,
			Pages:        st.Sweep.Pages,
			PagesReached: st.Sweep.PagesReached,
			PagesFailed:  st.Sweep.Pages - st.Sweep.PagesReached,
			Fetched:      st.Fetched,
			Unique:       st.Unique,
			Duplicates:   st.Duplicates,
			DroppedNoID:  st.DroppedNoID,
			Matched:      st.Matched,
			Ranked:       st.Ranked,
			Appended:     sum.Appended,
			Upserted:     sum.Upserted,
			Truncated:    st.Sweep.Truncated,
			TotalRankKey: round2(total),
			AvgRankKey:   round2(avg),
			TopCSV:       sum.Top.CSVPath,
			TopJSON:      sum.Top.JSONPath,
			DurationSec:  round2(st.Duration.Seconds()),
			GoMaxProcs:   runtime.GOMAXPROCS(0),
			Daemon:       a.cfg.Daemon,
		}
		if res.PrimaryErr != nil {
			j.PrimaryErr = res.PrimaryErr.Error()
		}
		b, _ := json.Marshal(j)
		fmt.Fprintln(a.out, string(b))
	}

	for i, r := range res.Ranked {
		fmt.Fprintf(a.out, "%2d. %s :: %s  rank_key=%.2f\n", i+1, r.Record.ID, r.Record.Headline(), r.Key)
	}
}

// daemon repeats runOnce with a random pause between runs until ctx ends.
// A failed run is logged and the loop carries on.
func (a *app) daemon(ctx context.Context) error {
	minSleep := time.Duration(a.cfg.DaemonMinSec) * time.Second
	maxSleep := time.Duration(a.cfg.DaemonMaxSec) * time.Second
	for {
		if _, err := a.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Errorw("harvest run failed", "error", err)
		}
		sleep := minSleep
		if span := maxSleep - minSleep; span > 0 {
			sleep += time.Duration(rand.Int64N(int64(span)))
		}
		a.log.Infow("sleeping until next run", "sleep", sleep.Round(time.Second))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil
		}
	}
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }
