// Package session ties extraction, meter normalization and reconciliation to
// a caller-owned store: bills are kept append-only by content fingerprint,
// meter series are replaced per MPRN.
package session

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/billrecon/internal/meter"
	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/ocr"
	"github.com/sells-group/billrecon/internal/reconcile"
	"github.com/sells-group/billrecon/internal/store"
	"github.com/sells-group/billrecon/internal/waterfall"
)

// Extractor runs the extraction state machine over raw document bytes.
type Extractor interface {
	Run(ctx context.Context, dec waterfall.Decoder, name string, data []byte) (*waterfall.Result, error)
}

// Session owns one store and the components that feed it.
type Session struct {
	store     store.Store
	extractor Extractor
	decoder   waterfall.Decoder
	engine    *reconcile.Engine
}

// New creates a Session with all dependencies.
func New(st store.Store, ex Extractor, dec waterfall.Decoder, eng *reconcile.Engine) *Session {
	if eng == nil {
		eng = reconcile.NewEngine(reconcile.DefaultConfig())
	}
	return &Session{store: st, extractor: ex, decoder: dec, engine: eng}
}

// Store returns the backing store.
func (s *Session) Store() store.Store { return s.store }

// BillResult is the outcome of adding one document.
type BillResult struct {
	Entry  *store.BillEntry  `json:"entry"`
	Cached bool              `json:"cached"`
	Run    *waterfall.Result `json:"run,omitempty"`
}

// AddBill extracts a document unless byte-identical content was already
// stored, in which case the stored entry is returned with Cached set.
// Unreadable documents return an error wrapping ocr.ErrUnreadableDocument.
func (s *Session) AddBill(ctx context.Context, name string, data []byte) (*BillResult, error) {
	fp := ocr.Fingerprint(data)
	log := zap.L().With(zap.String("document", name), zap.String("fingerprint", fp))

	existing, err := s.store.GetBill(ctx, fp)
	switch {
	case err == nil:
		log.Debug("session: fingerprint hit, skipping extraction")
		return &BillResult{Entry: existing, Cached: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, eris.Wrap(err, "session: lookup bill")
	}

	res, err := s.extractor.Run(ctx, s.decoder, name, data)
	if err != nil {
		return nil, err
	}

	entry := EntryFromResult(fp, res)
	inserted, err := s.store.PutBill(ctx, entry)
	if err != nil {
		return nil, eris.Wrap(err, "session: store bill")
	}
	if !inserted {
		// A concurrent add won; hand back what it stored.
		stored, err := s.store.GetBill(ctx, fp)
		if err != nil {
			return nil, eris.Wrap(err, "session: reload bill")
		}
		return &BillResult{Entry: stored, Cached: true, Run: res}, nil
	}

	log.Info("session: bill added",
		zap.String("provider", entry.Provider),
		zap.String("verdict", string(entry.Report.Verdict)),
	)
	return &BillResult{Entry: entry, Run: res}, nil
}

// EntryFromResult converts an extraction result into a storable entry.
func EntryFromResult(fingerprint string, res *waterfall.Result) *store.BillEntry {
	path := make([]string, 0, len(res.Path))
	for _, st := range res.Path {
		path = append(path, string(st))
	}
	return &store.BillEntry{
		Fingerprint: fingerprint,
		Document:    res.Document,
		Provider:    res.Provider,
		Record:      res.Record,
		Report:      res.Report,
		Path:        path,
	}
}

// AddMeter normalizes an export and stores one series per MPRN it contains,
// replacing any series previously stored for the same MPRN.
func (s *Session) AddMeter(ctx context.Context, name string, data []byte) ([]store.MeterEntry, error) {
	series, err := meter.Load(ctx, name, data)
	if err != nil {
		return nil, err
	}

	out := make([]store.MeterEntry, 0, len(series))
	for _, sr := range series {
		e := &store.MeterEntry{Source: name, Series: sr}
		if err := s.store.PutMeter(ctx, e); err != nil {
			return nil, eris.Wrap(err, "session: store meter")
		}
		zap.L().Info("session: meter series stored",
			zap.String("source", name),
			zap.String("mprn", e.MPRN),
			zap.Int("readings", len(sr.Readings)),
		)
		out = append(out, *e)
	}
	return out, nil
}

// Reconciliation pairs a bill with the meter series it was checked against.
// Meter is nil when no meter data is stored.
type Reconciliation struct {
	Bill   *store.BillEntry           `json:"bill"`
	Meter  *store.MeterEntry          `json:"meter,omitempty"`
	Result model.CrossReferenceResult `json:"result"`
}

// Reconcile checks the stored bill against the meter series stored under its
// MPRN, falling back to the latest upload. The result is derived fresh on
// every call.
func (s *Session) Reconcile(ctx context.Context, fingerprint string) (*Reconciliation, error) {
	bill, err := s.store.GetBill(ctx, fingerprint)
	if err != nil {
		return nil, eris.Wrap(err, "session: get bill")
	}
	return s.reconcileBill(ctx, bill)
}

// ReconcileAll reconciles every stored bill matching filter.
func (s *Session) ReconcileAll(ctx context.Context, filter store.BillFilter) ([]Reconciliation, error) {
	bills, err := s.store.ListBills(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "session: list bills")
	}
	out := make([]Reconciliation, 0, len(bills))
	for i := range bills {
		r, err := s.reconcileBill(ctx, &bills[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *Session) reconcileBill(ctx context.Context, bill *store.BillEntry) (*Reconciliation, error) {
	rec := &Reconciliation{Bill: bill}

	if bill.Record == nil {
		bill.Record = model.NewBillingRecord()
	}

	m, err := s.meterFor(ctx, bill.Record.MPRN)
	if err != nil {
		return nil, err
	}
	var series *model.MeterSeries
	if m != nil {
		rec.Meter = m
		series = m.Series
	}

	rec.Result = s.engine.Reconcile(bill.Record, series)
	return rec, nil
}

// meterFor returns the series stored under mprn, or else the most recent
// upload so that a wrong-meter file is reported as a mismatch. It returns
// nil when no meter data is stored at all.
func (s *Session) meterFor(ctx context.Context, mprn string) (*store.MeterEntry, error) {
	if key := model.NormalizeMPRN(mprn); key != "" {
		m, err := s.store.GetMeter(ctx, key)
		switch {
		case err == nil:
			return m, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, eris.Wrap(err, "session: get meter")
		}
	}

	m, err := s.store.LatestMeter(ctx)
	switch {
	case err == nil:
		zap.L().Debug("session: no series for bill MPRN, using latest upload",
			zap.String("bill_mprn", mprn),
			zap.String("meter_mprn", m.MPRN),
		)
		return m, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	default:
		return nil, eris.Wrap(err, "session: latest meter")
	}
}
