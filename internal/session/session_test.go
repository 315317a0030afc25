package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/ocr"
	"github.com/sells-group/billrecon/internal/reconcile"
	"github.com/sells-group/billrecon/internal/store"
	"github.com/sells-group/billrecon/internal/waterfall"
)

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Run(ctx context.Context, dec waterfall.Decoder, name string, data []byte) (*waterfall.Result, error) {
	args := m.Called(ctx, dec, name, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*waterfall.Result), args.Error(1)
}

func day(d int) time.Time { return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC) }

func billResult(name string, totalKWh string) *waterfall.Result {
	rec := model.NewBillingRecord()
	rec.Set(model.FieldMPRN, "10006002900", model.TierProviderPattern)
	rec.Set(model.FieldStartDate, day(1), model.TierPattern)
	rec.Set(model.FieldEndDate, day(2), model.TierPattern)
	rec.Set(model.FieldTotalKWh, decimal.RequireFromString(totalKWh), model.TierPattern)
	return &waterfall.Result{
		Document: name,
		Record:   rec,
		Report:   model.ConfidenceReport{Score: 0.9, Verdict: model.VerdictPass},
		Provider: "Energia",
		Path:     []waterfall.State{waterfall.StateText, waterfall.StateProvider, waterfall.StatePattern, waterfall.StateDone},
	}
}

const meterHeader = "MPRN,Meter Serial Number,Read Value,Read Type,Read Date and End Time\n"

func meterCSV(value string) []byte {
	return meterCSVFor("10006002900", value)
}

func meterCSVFor(mprn, value string) []byte {
	row := func(ts string) string {
		return mprn + ",SN1," + value + ",Active Import Interval (kWh)," + ts + "\n"
	}
	return []byte(meterHeader +
		row("01-01-2025 00:30") + row("01-01-2025 12:00") +
		row("02-01-2025 00:30") + row("02-01-2025 12:00"))
}

func newSession(t *testing.T) (*Session, *mockExtractor) {
	t.Helper()
	ex := &mockExtractor{}
	return New(store.NewMemory(), ex, nil, reconcile.NewEngine(reconcile.DefaultConfig())), ex
}

func TestAddBill_DeduplicatesByFingerprint(t *testing.T) {
	s, ex := newSession(t)
	ctx := context.Background()
	data := []byte("%PDF-1.4 bill")

	ex.On("Run", mock.Anything, mock.Anything, "bill.pdf", data).Return(billResult("bill.pdf", "2"), nil).Once()

	first, err := s.AddBill(ctx, "bill.pdf", data)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, ocr.Fingerprint(data), first.Entry.Fingerprint)
	assert.Equal(t, []string{"TIER0_TEXT", "TIER1_PROVIDER", "TIER2_OR_3_PATTERN", "DONE"}, first.Entry.Path)

	second, err := s.AddBill(ctx, "copy.pdf", data)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, "bill.pdf", second.Entry.Document)

	ex.AssertNumberOfCalls(t, "Run", 1)

	bills, err := s.Store().ListBills(ctx, store.BillFilter{})
	require.NoError(t, err)
	assert.Len(t, bills, 1)
}

func TestAddBill_UnreadableIsReturned(t *testing.T) {
	s, ex := newSession(t)
	ctx := context.Background()

	ex.On("Run", mock.Anything, mock.Anything, "junk.bin", mock.Anything).
		Return(nil, eris.Wrap(ocr.ErrUnreadableDocument, "ocr: junk.bin has unsupported type"))

	_, err := s.AddBill(ctx, "junk.bin", []byte("junk"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ocr.ErrUnreadableDocument))

	bills, err := s.Store().ListBills(ctx, store.BillFilter{})
	require.NoError(t, err)
	assert.Empty(t, bills)
}

func TestReconcile_MatchesStoredMeter(t *testing.T) {
	s, ex := newSession(t)
	ctx := context.Background()
	data := []byte("bill-1")
	ex.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(billResult("bill.pdf", "2"), nil)

	added, err := s.AddBill(ctx, "bill.pdf", data)
	require.NoError(t, err)

	meters, err := s.AddMeter(ctx, "hdf.csv", meterCSV("0.5"))
	require.NoError(t, err)
	require.Len(t, meters, 1)
	assert.Equal(t, "10006002900", meters[0].MPRN)

	rec, err := s.Reconcile(ctx, added.Entry.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, rec.Meter)
	assert.True(t, rec.Result.MPRNMatch)
	assert.Empty(t, rec.Result.BlockingErrors)
	assert.Empty(t, rec.Result.Warnings)
	assert.Equal(t, 2, rec.Result.OverlapDaysPresent)
	assert.InDelta(t, 1.0, rec.Result.CoveragePct, 1e-9)
	assert.Equal(t, "2", rec.Result.MeterKWhByBand[model.BandTotal].String())
}

func TestAddMeter_LastWriteWins(t *testing.T) {
	s, ex := newSession(t)
	ctx := context.Background()
	ex.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(billResult("bill.pdf", "2"), nil)

	added, err := s.AddBill(ctx, "bill.pdf", []byte("bill-1"))
	require.NoError(t, err)

	_, err = s.AddMeter(ctx, "old.csv", meterCSV("0.5"))
	require.NoError(t, err)
	_, err = s.AddMeter(ctx, "new.csv", meterCSV("1"))
	require.NoError(t, err)

	rec, err := s.Reconcile(ctx, added.Entry.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "new.csv", rec.Meter.Source)
	assert.Equal(t, "4", rec.Result.MeterKWhByBand[model.BandTotal].String())
	require.NotNil(t, rec.Result.VariancePctByBand[model.BandTotal])
	assert.InDelta(t, 1.0, *rec.Result.VariancePctByBand[model.BandTotal], 1e-9)
	assert.True(t, rec.Result.HasWarning(model.CodeVarianceHigh))

	meters, err := s.Store().ListMeters(ctx)
	require.NoError(t, err)
	assert.Len(t, meters, 1)
}

func TestReconcile_NoMeterIsBlocking(t *testing.T) {
	s, ex := newSession(t)
	ctx := context.Background()
	ex.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(billResult("bill.pdf", "2"), nil)

	added, err := s.AddBill(ctx, "bill.pdf", []byte("bill-1"))
	require.NoError(t, err)

	rec, err := s.Reconcile(ctx, added.Entry.Fingerprint)
	require.NoError(t, err)
	assert.Nil(t, rec.Meter)
	assert.True(t, rec.Result.HasBlocking(model.CodeMeterNotFound))
	assert.False(t, rec.Result.HasBlocking(model.CodeMeterEmpty))
	assert.Nil(t, rec.Result.MeterKWhByBand)
}

func TestReconcile_OtherMeterUploadIsMismatch(t *testing.T) {
	s, ex := newSession(t)
	ctx := context.Background()
	ex.On("Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(billResult("bill.pdf", "2"), nil)

	added, err := s.AddBill(ctx, "bill.pdf", []byte("bill-1"))
	require.NoError(t, err)
	_, err = s.AddMeter(ctx, "other.csv", meterCSVFor("10006002901", "0.5"))
	require.NoError(t, err)

	rec, err := s.Reconcile(ctx, added.Entry.Fingerprint)
	require.NoError(t, err)
	require.NotNil(t, rec.Meter)
	assert.Equal(t, "10006002901", rec.Meter.MPRN)
	assert.False(t, rec.Result.MPRNMatch)
	require.Len(t, rec.Result.BlockingErrors, 1)
	assert.Equal(t, model.CodeMPRNMismatch, rec.Result.BlockingErrors[0].Code)
	assert.Contains(t, rec.Result.BlockingErrors[0].Message, "10006002900")
	assert.Contains(t, rec.Result.BlockingErrors[0].Message, "10006002901")
	assert.Nil(t, rec.Result.MeterKWhByBand, "consumption is not compared across meters")
	assert.InDelta(t, 1.0, rec.Result.CoveragePct, 1e-9)

	// A matching upload takes precedence over a later one for another MPRN.
	_, err = s.AddMeter(ctx, "own.csv", meterCSV("0.5"))
	require.NoError(t, err)
	_, err = s.AddMeter(ctx, "other2.csv", meterCSVFor("10006002901", "0.5"))
	require.NoError(t, err)

	rec, err = s.Reconcile(ctx, added.Entry.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "own.csv", rec.Meter.Source)
	assert.True(t, rec.Result.MPRNMatch)
	assert.Empty(t, rec.Result.BlockingErrors)
}

func TestReconcile_UnknownFingerprint(t *testing.T) {
	s, _ := newSession(t)
	_, err := s.Reconcile(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestReconcileAll(t *testing.T) {
	s, ex := newSession(t)
	ctx := context.Background()
	ex.On("Run", mock.Anything, mock.Anything, "a.pdf", mock.Anything).Return(billResult("a.pdf", "2"), nil)
	ex.On("Run", mock.Anything, mock.Anything, "b.pdf", mock.Anything).Return(billResult("b.pdf", "2.2"), nil)

	_, err := s.AddBill(ctx, "a.pdf", []byte("a"))
	require.NoError(t, err)
	_, err = s.AddBill(ctx, "b.pdf", []byte("b"))
	require.NoError(t, err)
	_, err = s.AddMeter(ctx, "hdf.csv", meterCSV("0.5"))
	require.NoError(t, err)

	all, err := s.ReconcileAll(ctx, store.BillFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Empty(t, all[0].Result.Warnings)
	assert.True(t, all[1].Result.HasWarning(model.CodeVariance))
}

func TestAddMeter_NoValidRows(t *testing.T) {
	s, _ := newSession(t)
	_, err := s.AddMeter(context.Background(), "empty.csv", []byte(meterHeader))
	require.Error(t, err)
}
