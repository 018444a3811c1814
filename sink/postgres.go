package sink

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-harvest/record"
)

const marketsTable = "harvested_markets"

// PGOptions configures the Postgres sink.
type PGOptions struct {
	DSN      string
	Schema   string
	MaxConns int
	Batch    int
	// ViaBouncer switches to the simple protocol for PgBouncer transaction pooling.
	ViaBouncer bool
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres upserts ranked markets into "<schema>".harvested_markets.
type Postgres struct {
	db     batchSender
	pool   *pgxpool.Pool
	table  string
	schema string
	batch  int
}

// OpenPostgres connects a small pool; it does not touch the schema.
func OpenPostgres(ctx context.Context, opts PGOptions) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse PG_DSN")
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 2
	}
	cfg.MaxConns = int32(opts.MaxConns)
	if opts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	p := newPostgres(pool, opts)
	p.pool = pool
	return p, nil
}

func newPostgres(db batchSender, opts PGOptions) *Postgres {
	schema := strings.TrimSpace(opts.Schema)
	if schema == "" {
		schema = "public"
	}
	if opts.Batch <= 0 {
		opts.Batch = 200
	}
	return &Postgres{
		db:     db,
		schema: schema,
		table:  pgx.Identifier{schema, marketsTable}.Sanitize(),
		batch:  opts.Batch,
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// EnsureSchema creates the target table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{p.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + p.table + ` (
			market_id     text PRIMARY KEY,
			question      text,
			slug          text,
			condition_id  text,
			category      text,
			rank          integer,
			rank_key      double precision,
			closed        boolean,
			end_date      timestamptz,
			payload       jsonb NOT NULL,
			run_id        text,
			strategy      text,
			first_seen    timestamptz NOT NULL,
			last_seen     timestamptz NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.Exec(ctx, s); err != nil {
			return errors.Wrapf(err, "ensure %s", p.table)
		}
	}
	return nil
}

// Upsert writes entries in batches. Known markets keep first_seen and get
// their rank, payload and last_seen refreshed. It returns the affected rows.
func (p *Postgres) Upsert(ctx context.Context, entries []Entry) (int, error) {
	total := 0
	for i := 0; i < len(entries); i += p.batch {
		b, err := p.buildBatch(entries[i:min(i+p.batch, len(entries))])
		if err != nil {
			return total, err
		}
		if b.Len() == 0 {
			continue
		}
		br := p.db.SendBatch(ctx, b)
		for k := 0; k < b.Len(); k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, errors.Wrap(err, "upsert market")
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, errors.Wrap(err, "close batch")
		}
	}
	return total, nil
}

func (p *Postgres) buildBatch(entries []Entry) (*pgx.Batch, error) {
	sql := `INSERT INTO ` + p.table + `
		(market_id, question, slug, condition_id, category, rank, rank_key, closed, end_date,
		 payload, run_id, strategy, first_seen, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11,$12,$13,$13)
		ON CONFLICT (market_id) DO UPDATE SET
			rank = EXCLUDED.rank,
			rank_key = EXCLUDED.rank_key,
			closed = EXCLUDED.closed,
			payload = EXCLUDED.payload,
			run_id = EXCLUDED.run_id,
			strategy = EXCLUDED.strategy,
			last_seen = EXCLUDED.last_seen`

	b := &pgx.Batch{}
	for _, e := range entries {
		r := e.Record
		if strings.TrimSpace(r.ID) == "" {
			continue
		}
		payload, err := json.Marshal(r)
		if err != nil {
			return nil, errors.Wrapf(err, "encode market %s", r.ID)
		}
		b.Queue(sql,
			r.ID, nullable(r.Headline()), nullable(r.Text(record.FieldSlug)),
			nullable(r.Text(record.FieldConditionID)), nullable(r.Text(record.FieldCategory)),
			e.Rank, e.RankKey, r.Closed, e.endDate(),
			string(payload), e.RunID, e.Strategy, e.SeenAt,
		)
	}
	return b, nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
