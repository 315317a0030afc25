package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/billrecon/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS bills (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	fingerprint TEXT NOT NULL UNIQUE,
	document    TEXT NOT NULL,
	provider    TEXT NOT NULL DEFAULT '',
	mprn        TEXT NOT NULL DEFAULT '',
	verdict     TEXT NOT NULL,
	score       DOUBLE PRECISION NOT NULL,
	record      JSONB NOT NULL,
	report      JSONB NOT NULL,
	path        TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_bills_mprn ON bills(mprn);
CREATE INDEX IF NOT EXISTS idx_bills_verdict ON bills(verdict);

CREATE TABLE IF NOT EXISTS meter_series (
	mprn        TEXT PRIMARY KEY,
	id          TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	series      JSONB NOT NULL,
	seq         BIGINT NOT NULL DEFAULT 0,
	uploaded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) PutBill(ctx context.Context, e *BillEntry) (bool, error) {
	if e == nil || e.Fingerprint == "" {
		return false, eris.New("postgres: bill entry needs a fingerprint")
	}
	record, err := json.Marshal(e.Record)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal record")
	}
	report, err := json.Marshal(e.Report)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal report")
	}
	stamp(&e.ID, &e.CreatedAt)
	path := e.Path
	if path == nil {
		path = []string{}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO bills (id, fingerprint, document, provider, mprn, verdict, score, record, report, path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (fingerprint) DO NOTHING`,
		e.ID, e.Fingerprint, e.Document, e.Provider, mprnOf(e), string(e.Report.Verdict), e.Report.Score,
		record, report, path, e.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert bill %s", e.Fingerprint)
	}
	return tag.RowsAffected() > 0, nil
}

const postgresBillColumns = `id, fingerprint, document, provider, record, report, path, created_at`

func (s *PostgresStore) GetBill(ctx context.Context, fingerprint string) (*BillEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+postgresBillColumns+` FROM bills WHERE fingerprint = $1`, fingerprint)
	e, err := scanPostgresBill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: bill %s", fingerprint)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get bill %s", fingerprint)
	}
	return e, nil
}

func (s *PostgresStore) ListBills(ctx context.Context, filter BillFilter) ([]BillEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+postgresBillColumns+` FROM bills
		 WHERE ($1 = '' OR mprn = $1) AND ($2 = '' OR verdict = $2)
		 ORDER BY created_at, id LIMIT $3 OFFSET $4`,
		model.NormalizeMPRN(filter.MPRN), string(filter.Verdict), filter.limit(), filter.Offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bills")
	}
	defer rows.Close()

	var out []BillEntry
	for rows.Next() {
		e, err := scanPostgresBill(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan bill")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list bills iterate")
}

func (s *PostgresStore) PutMeter(ctx context.Context, e *MeterEntry) error {
	if e == nil || e.Series == nil {
		return eris.New("postgres: meter entry needs a series")
	}
	series, err := json.Marshal(e.Series)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal series")
	}
	e.MPRN = model.NormalizeMPRN(e.Series.MPRN)
	e.ID = ""
	stamp(&e.ID, &e.UploadedAt)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO meter_series (mprn, id, source, series, seq, uploaded_at)
		 VALUES ($1, $2, $3, $4, (SELECT COALESCE(MAX(seq), 0) + 1 FROM meter_series), $5)
		 ON CONFLICT (mprn) DO UPDATE SET id = EXCLUDED.id, source = EXCLUDED.source,
		 series = EXCLUDED.series, seq = EXCLUDED.seq, uploaded_at = EXCLUDED.uploaded_at`,
		e.MPRN, e.ID, e.Source, series, e.UploadedAt,
	)
	return eris.Wrapf(err, "postgres: upsert meter %s", e.MPRN)
}

func (s *PostgresStore) GetMeter(ctx context.Context, mprn string) (*MeterEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT mprn, id, source, series, uploaded_at FROM meter_series WHERE mprn = $1`,
		model.NormalizeMPRN(mprn))
	e, err := scanPostgresMeter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: meter %s", mprn)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get meter %s", mprn)
	}
	return e, nil
}

func (s *PostgresStore) LatestMeter(ctx context.Context) (*MeterEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT mprn, id, source, series, uploaded_at FROM meter_series ORDER BY seq DESC LIMIT 1`)
	e, err := scanPostgresMeter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "postgres: latest meter")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest meter")
	}
	return e, nil
}

func (s *PostgresStore) ListMeters(ctx context.Context) ([]MeterEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT mprn, id, source, series, uploaded_at FROM meter_series ORDER BY mprn`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list meters")
	}
	defer rows.Close()

	var out []MeterEntry
	for rows.Next() {
		e, err := scanPostgresMeter(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan meter")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list meters iterate")
}

func scanPostgresBill(row pgx.Row) (*BillEntry, error) {
	var e BillEntry
	var record, report []byte
	var path []string
	if err := row.Scan(&e.ID, &e.Fingerprint, &e.Document, &e.Provider, &record, &report, &path, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeBill(&e, record, report, ""); err != nil {
		return nil, err
	}
	e.Path = path
	return &e, nil
}

func scanPostgresMeter(row pgx.Row) (*MeterEntry, error) {
	var e MeterEntry
	var series []byte
	if err := row.Scan(&e.MPRN, &e.ID, &e.Source, &series, &e.UploadedAt); err != nil {
		return nil, err
	}
	e.Series = &model.MeterSeries{}
	if err := json.Unmarshal(series, e.Series); err != nil {
		return nil, eris.Wrap(err, "unmarshal series")
	}
	return &e, nil
}
