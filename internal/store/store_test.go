package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/billrecon/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testBill(fp, mprn string, verdict model.Verdict) *BillEntry {
	rec := model.NewBillingRecord()
	rec.Set(model.FieldMPRN, mprn, model.TierPattern)
	rec.Set(model.FieldTotal, decimal.RequireFromString("113.50"), model.TierProviderPattern)
	rec.Set(model.FieldStartDate, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), model.TierPattern)
	return &BillEntry{
		Fingerprint: fp,
		Document:    fp + ".pdf",
		Provider:    "Energia",
		Record:      rec,
		Report:      model.ConfidenceReport{Score: 0.91, Verdict: verdict},
		Path:        []string{"TIER0_TEXT", "TIER1_PROVIDER", "TIER2_OR_3_PATTERN", "DONE"},
	}
}

func testSeries(mprn string, kwh string) *model.MeterSeries {
	return &model.MeterSeries{
		MPRN: mprn,
		Readings: []model.MeterReading{{
			MPRN:            mprn,
			Timestamp:       time.Date(2025, 1, 1, 0, 30, 0, 0, time.UTC),
			IntervalMinutes: 30,
			Direction:       model.DirectionImport,
			KWh:             decimal.RequireFromString(kwh),
		}},
		Flags: model.QualityFlags{CorruptRowsSkipped: 1},
	}
}

// contract runs the behaviour every Store implementation must share.
func contract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("bill append only", func(t *testing.T) {
		st := newStore(t)

		inserted, err := st.PutBill(ctx, testBill("fp1", "10006002900", model.VerdictPass))
		require.NoError(t, err)
		assert.True(t, inserted)

		dup := testBill("fp1", "10006002999", model.VerdictEscalate)
		inserted, err = st.PutBill(ctx, dup)
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := st.GetBill(ctx, "fp1")
		require.NoError(t, err)
		assert.NotEmpty(t, got.ID)
		assert.Equal(t, "10006002900", got.Record.MPRN, "first write is kept")
		assert.Equal(t, model.VerdictPass, got.Report.Verdict)
		assert.Equal(t, "113.50", got.Record.Total.StringFixed(2))
		assert.Equal(t, model.TierProviderPattern, got.Record.Provenance[model.FieldTotal])
		assert.Len(t, got.Path, 4)
	})

	t.Run("bill not found", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetBill(ctx, "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("bill needs fingerprint", func(t *testing.T) {
		st := newStore(t)
		_, err := st.PutBill(ctx, &BillEntry{})
		require.Error(t, err)
	})

	t.Run("list bills filters", func(t *testing.T) {
		st := newStore(t)
		for _, b := range []*BillEntry{
			testBill("a", "10006002900", model.VerdictPass),
			testBill("b", "10006002901", model.VerdictWarn),
			testBill("c", "10006002900", model.VerdictEscalate),
		} {
			_, err := st.PutBill(ctx, b)
			require.NoError(t, err)
		}

		all, err := st.ListBills(ctx, BillFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		byMPRN, err := st.ListBills(ctx, BillFilter{MPRN: "100 0600 2900"})
		require.NoError(t, err)
		assert.Len(t, byMPRN, 2)

		warn, err := st.ListBills(ctx, BillFilter{Verdict: model.VerdictWarn})
		require.NoError(t, err)
		require.Len(t, warn, 1)
		assert.Equal(t, "b", warn[0].Fingerprint)

		page, err := st.ListBills(ctx, BillFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})

	t.Run("meter last write wins", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.PutMeter(ctx, &MeterEntry{Source: "old.csv", Series: testSeries("10006002900", "1.5")}))
		require.NoError(t, st.PutMeter(ctx, &MeterEntry{Source: "new.csv", Series: testSeries("10006002900", "2.5")}))
		require.NoError(t, st.PutMeter(ctx, &MeterEntry{Source: "other.csv", Series: testSeries("10006002901", "9")}))

		got, err := st.GetMeter(ctx, "100 0600 2900")
		require.NoError(t, err)
		assert.Equal(t, "new.csv", got.Source)
		require.Len(t, got.Series.Readings, 1)
		assert.Equal(t, "2.5", got.Series.Readings[0].KWh.String())
		assert.Equal(t, 1, got.Series.Flags.CorruptRowsSkipped)

		all, err := st.ListMeters(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "10006002900", all[0].MPRN)
	})

	t.Run("meter not found", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetMeter(ctx, "10006002900")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("latest meter follows uploads", func(t *testing.T) {
		st := newStore(t)
		_, err := st.LatestMeter(ctx)
		assert.True(t, errors.Is(err, ErrNotFound))

		require.NoError(t, st.PutMeter(ctx, &MeterEntry{Source: "a.csv", Series: testSeries("10006002900", "1")}))
		require.NoError(t, st.PutMeter(ctx, &MeterEntry{Source: "b.csv", Series: testSeries("10006002901", "1")}))
		got, err := st.LatestMeter(ctx)
		require.NoError(t, err)
		assert.Equal(t, "10006002901", got.MPRN)

		require.NoError(t, st.PutMeter(ctx, &MeterEntry{Source: "c.csv", Series: testSeries("10006002900", "2")}))
		got, err = st.LatestMeter(ctx)
		require.NoError(t, err)
		assert.Equal(t, "10006002900", got.MPRN)
		assert.Equal(t, "c.csv", got.Source)
	})
}

func TestMemoryStore(t *testing.T) {
	contract(t, func(*testing.T) Store { return NewMemory() })
}

func TestSQLiteStore(t *testing.T) {
	contract(t, func(t *testing.T) Store { return newTestSQLiteStore(t) })
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "bills.db")

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	_, err = st.PutBill(ctx, testBill("fp", "10006002900", model.VerdictPass))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	got, err := st.GetBill(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, "fp.pdf", got.Document)
}
