package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/billrecon/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS bills (
	id          TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL UNIQUE,
	document    TEXT NOT NULL,
	provider    TEXT NOT NULL DEFAULT '',
	mprn        TEXT NOT NULL DEFAULT '',
	verdict     TEXT NOT NULL,
	score       REAL NOT NULL,
	record      TEXT NOT NULL,
	report      TEXT NOT NULL,
	path        TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS meter_series (
	mprn        TEXT PRIMARY KEY,
	id          TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT '',
	series      TEXT NOT NULL,
	seq         INTEGER NOT NULL DEFAULT 0,
	uploaded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bills_mprn ON bills(mprn);
CREATE INDEX IF NOT EXISTS idx_bills_verdict ON bills(verdict);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutBill(ctx context.Context, e *BillEntry) (bool, error) {
	if e == nil || e.Fingerprint == "" {
		return false, eris.New("sqlite: bill entry needs a fingerprint")
	}
	cols, err := encodeBill(e)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: encode bill")
	}
	stamp(&e.ID, &e.CreatedAt)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bills (id, fingerprint, document, provider, mprn, verdict, score, record, report, path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		e.ID, e.Fingerprint, e.Document, e.Provider, mprnOf(e), string(e.Report.Verdict), e.Report.Score,
		cols.record, cols.report, cols.path, e.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert bill %s", e.Fingerprint)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

const sqliteBillColumns = `id, fingerprint, document, provider, record, report, path, created_at`

func (s *SQLiteStore) GetBill(ctx context.Context, fingerprint string) (*BillEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBillColumns+` FROM bills WHERE fingerprint = ?`, fingerprint)
	e, err := scanBill(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: bill %s", fingerprint)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get bill %s", fingerprint)
	}
	return e, nil
}

func (s *SQLiteStore) ListBills(ctx context.Context, filter BillFilter) ([]BillEntry, error) {
	query := `SELECT ` + sqliteBillColumns + ` FROM bills WHERE 1=1`
	var args []any

	if filter.MPRN != "" {
		query += ` AND mprn = ?`
		args = append(args, model.NormalizeMPRN(filter.MPRN))
	}
	if filter.Verdict != "" {
		query += ` AND verdict = ?`
		args = append(args, string(filter.Verdict))
	}
	query += ` ORDER BY created_at, rowid LIMIT ?`
	args = append(args, filter.limit())
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bills")
	}
	defer rows.Close() //nolint:errcheck

	var out []BillEntry
	for rows.Next() {
		e, err := scanBill(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan bill")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list bills iterate")
}

func (s *SQLiteStore) PutMeter(ctx context.Context, e *MeterEntry) error {
	if e == nil || e.Series == nil {
		return eris.New("sqlite: meter entry needs a series")
	}
	seriesJSON, err := json.Marshal(e.Series)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal series")
	}
	e.MPRN = model.NormalizeMPRN(e.Series.MPRN)
	e.ID = ""
	stamp(&e.ID, &e.UploadedAt)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO meter_series (mprn, id, source, series, seq, uploaded_at)
		 VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM meter_series), ?)
		 ON CONFLICT(mprn) DO UPDATE SET id = excluded.id, source = excluded.source,
		 series = excluded.series, seq = excluded.seq, uploaded_at = excluded.uploaded_at`,
		e.MPRN, e.ID, e.Source, string(seriesJSON), e.UploadedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert meter %s", e.MPRN)
}

func (s *SQLiteStore) GetMeter(ctx context.Context, mprn string) (*MeterEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mprn, id, source, series, uploaded_at FROM meter_series WHERE mprn = ?`,
		model.NormalizeMPRN(mprn))
	e, err := scanMeter(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: meter %s", mprn)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get meter %s", mprn)
	}
	return e, nil
}

func (s *SQLiteStore) LatestMeter(ctx context.Context) (*MeterEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mprn, id, source, series, uploaded_at FROM meter_series ORDER BY seq DESC LIMIT 1`)
	e, err := scanMeter(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "sqlite: latest meter")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest meter")
	}
	return e, nil
}

func (s *SQLiteStore) ListMeters(ctx context.Context) ([]MeterEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mprn, id, source, series, uploaded_at FROM meter_series ORDER BY mprn`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list meters")
	}
	defer rows.Close() //nolint:errcheck

	var out []MeterEntry
	for rows.Next() {
		e, err := scanMeter(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan meter")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list meters iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

// billColumns are the JSON-encoded columns of a bill row.
type billColumns struct {
	record, report, path string
}

func encodeBill(e *BillEntry) (billColumns, error) {
	var c billColumns
	record, err := json.Marshal(e.Record)
	if err != nil {
		return c, err
	}
	report, err := json.Marshal(e.Report)
	if err != nil {
		return c, err
	}
	c.record, c.report, c.path = string(record), string(report), strings.Join(e.Path, ",")
	return c, nil
}

func scanBill(row scannable) (*BillEntry, error) {
	var e BillEntry
	var record, report, path string
	if err := row.Scan(&e.ID, &e.Fingerprint, &e.Document, &e.Provider, &record, &report, &path, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeBill(&e, []byte(record), []byte(report), path); err != nil {
		return nil, err
	}
	return &e, nil
}

func decodeBill(e *BillEntry, record, report []byte, path string) error {
	e.Record = model.NewBillingRecord()
	if err := json.Unmarshal(record, e.Record); err != nil {
		return eris.Wrap(err, "unmarshal record")
	}
	if err := json.Unmarshal(report, &e.Report); err != nil {
		return eris.Wrap(err, "unmarshal report")
	}
	if path != "" {
		e.Path = strings.Split(path, ",")
	}
	return nil
}

func scanMeter(row scannable) (*MeterEntry, error) {
	var e MeterEntry
	var series string
	if err := row.Scan(&e.MPRN, &e.ID, &e.Source, &series, &e.UploadedAt); err != nil {
		return nil, err
	}
	e.Series = &model.MeterSeries{}
	if err := json.Unmarshal([]byte(series), e.Series); err != nil {
		return nil, eris.Wrap(err, "unmarshal series")
	}
	return &e, nil
}
