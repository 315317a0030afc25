// Package reconcile cross-references an extracted billing record against a
// normalized smart-meter series: identity, period overlap, coverage and
// per-band consumption variance.
package reconcile

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/model"
)

// DefaultConfig returns the variance severity cutoffs.
func DefaultConfig() config.ReconcileConfig {
	return config.ReconcileConfig{VarianceWarn: 0.05, VarianceHigh: 0.25}
}

// Engine reconciles bills against meter data. It holds only policy and is
// safe for concurrent use.
type Engine struct {
	cfg config.ReconcileConfig
}

// NewEngine creates an engine with the given variance cutoffs.
func NewEngine(cfg config.ReconcileConfig) *Engine {
	return &Engine{cfg: cfg}
}

type window struct {
	start, end time.Time
}

func (w window) days() int { return int(w.end.Sub(w.start).Hours()/24) + 1 }

func (w window) contains(t time.Time) bool {
	d := model.DateOf(t)
	return !d.Before(w.start) && !d.After(w.end)
}

// Reconcile derives a fresh result from record and series. A nil series
// means no meter data exists. Neither input is modified. Blocking errors suppress only the consumption comparison.
func (e *Engine) Reconcile(record *model.BillingRecord, series *model.MeterSeries) model.CrossReferenceResult {
	if record == nil {
		record = model.NewBillingRecord()
	}
	res := model.CrossReferenceResult{
		BlockingErrors: []model.Finding{},
		Warnings:       []model.Finding{},
		Notes:          []string{},
	}

	e.checkIdentity(&res, record, series)

	overlap, ok := e.overlap(&res, record, series)
	if ok {
		e.coverage(&res, overlap, series)
	}

	if ok && !res.Blocked() {
		e.compare(&res, record, series, overlap)
	}

	if series != nil {
		res.Notes = append(res.Notes, qualityNotes(series.Flags)...)
	}

	zap.L().Info("reconcile: complete",
		zap.String("mprn", record.MPRN),
		zap.Bool("mprn_match", res.MPRNMatch),
		zap.Float64("coverage_pct", res.CoveragePct),
		zap.Int("blocking", len(res.BlockingErrors)),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res
}

// checkIdentity compares whitespace-stripped MPRNs.
func (e *Engine) checkIdentity(res *model.CrossReferenceResult, record *model.BillingRecord, series *model.MeterSeries) {
	bill := model.NormalizeMPRN(record.MPRN)
	if bill == "" {
		res.BlockingErrors = append(res.BlockingErrors, model.Finding{
			Code:     model.CodeMPRNMissing,
			Severity: model.SeverityBlocking,
			Message:  "bill has no MPRN; meter data cannot be verified against it",
		})
		return
	}
	if series == nil || len(series.Readings) == 0 {
		return
	}
	meter := model.NormalizeMPRN(series.MPRN)
	if meter != "" && meter != bill {
		res.BlockingErrors = append(res.BlockingErrors, model.Finding{
			Code:     model.CodeMPRNMismatch,
			Severity: model.SeverityBlocking,
			Message:  fmt.Sprintf("bill MPRN %s does not match meter MPRN %s", record.MPRN, series.MPRN),
		})
		return
	}
	res.MPRNMatch = true
}

// overlap intersects the billing period with the meter span.
func (e *Engine) overlap(res *model.CrossReferenceResult, record *model.BillingRecord, series *model.MeterSeries) (window, bool) {
	if series == nil {
		res.BlockingErrors = append(res.BlockingErrors, model.Finding{
			Code:     model.CodeMeterNotFound,
			Severity: model.SeverityBlocking,
			Message:  "no meter data has been uploaded",
		})
		return window{}, false
	}
	if len(series.Readings) == 0 {
		res.BlockingErrors = append(res.BlockingErrors, model.Finding{
			Code:     model.CodeMeterEmpty,
			Severity: model.SeverityBlocking,
			Message:  "meter series has no readings",
		})
		return window{}, false
	}
	if record.StartDate == nil || record.EndDate == nil {
		res.BlockingErrors = append(res.BlockingErrors, model.Finding{
			Code:     model.CodePeriodMissing,
			Severity: model.SeverityBlocking,
			Message:  "bill has no complete billing period",
		})
		return window{}, false
	}
	bill := window{model.DateOf(*record.StartDate), model.DateOf(*record.EndDate)}
	if bill.end.Before(bill.start) {
		res.BlockingErrors = append(res.BlockingErrors, model.Finding{
			Code:     model.CodePeriodMissing,
			Severity: model.SeverityBlocking,
			Message:  fmt.Sprintf("billing period is inverted: %s to %s", isoDate(bill.start), isoDate(bill.end)),
		})
		return window{}, false
	}
	res.BillingDaysTotal = bill.days()

	first, last, _ := series.Span()
	w := window{start: maxTime(bill.start, first), end: minTime(bill.end, last)}
	if w.end.Before(w.start) {
		res.BlockingErrors = append(res.BlockingErrors, model.Finding{
			Code:     model.CodeZeroOverlap,
			Severity: model.SeverityBlocking,
			Message: fmt.Sprintf("billing period %s to %s does not overlap meter data %s to %s",
				isoDate(bill.start), isoDate(bill.end), isoDate(first), isoDate(last)),
		})
		return window{}, false
	}
	return w, true
}

// coverage counts overlap days that are not gap days against the full
// billing period.
func (e *Engine) coverage(res *model.CrossReferenceResult, w window, series *model.MeterSeries) {
	present := 0
	for d := w.start; !d.After(w.end); d = d.AddDate(0, 0, 1) {
		if !series.Flags.IsGapDay(d) {
			present++
		}
	}
	res.OverlapDaysPresent = present
	res.CoveragePct = float64(present) / float64(res.BillingDaysTotal)

	if present < res.BillingDaysTotal {
		res.Warnings = append(res.Warnings, model.Finding{
			Code:     model.CodePartialCoverage,
			Severity: model.SeverityWarning,
			Message: fmt.Sprintf("meter data covers %.1f%% of the billing period (%d of %d days)",
				res.CoveragePct*100, present, res.BillingDaysTotal),
		})
	}
}

// compare totals meter readings per band inside the overlap and grades the
// variance against the bill for every band both sources report.
func (e *Engine) compare(res *model.CrossReferenceResult, record *model.BillingRecord, series *model.MeterSeries, w window) {
	meter := make(map[model.Band]decimal.Decimal)
	for _, r := range series.Readings {
		if !w.contains(r.Timestamp) {
			continue
		}
		b := r.Band()
		meter[b] = meter[b].Add(r.KWh)
		if b != model.BandExport {
			meter[model.BandTotal] = meter[model.BandTotal].Add(r.KWh)
		}
	}

	res.MeterKWhByBand = meter
	res.ConsumptionDeltaByBand = make(map[model.Band]decimal.Decimal)
	res.VariancePctByBand = make(map[model.Band]*float64)
	res.ExpectedCostByBand = make(map[model.Band]decimal.Decimal)

	for _, band := range model.Bands {
		got, inMeter := meter[band]
		billed, inBill := record.Decimal(model.BandFields[band])
		if !inMeter || !inBill {
			continue
		}
		delta := got.Sub(billed)
		res.ConsumptionDeltaByBand[band] = delta

		if rateField, ok := model.BandRates[band]; ok {
			if rate, ok := record.Decimal(rateField); ok {
				res.ExpectedCostByBand[band] = got.Mul(rate).Round(2)
			}
		}

		if billed.IsZero() {
			res.VariancePctByBand[band] = nil
			res.Warnings = append(res.Warnings, model.Finding{
				Code:     model.CodeVarianceUndefined,
				Severity: model.SeverityInfo,
				Band:     band,
				Message:  fmt.Sprintf("%s variance not computable: bill reports 0 kWh, meter shows %s kWh", band, got.StringFixed(2)),
			})
			continue
		}

		v := delta.Div(billed).InexactFloat64()
		res.VariancePctByBand[band] = &v
		if f, ok := e.grade(band, v, billed, got); ok {
			res.Warnings = append(res.Warnings, f)
		}
	}
}

// grade applies the severity cutoffs to one band's variance.
func (e *Engine) grade(band model.Band, v float64, billed, got decimal.Decimal) (model.Finding, bool) {
	abs := math.Abs(v)
	msg := fmt.Sprintf("%s consumption differs by %+.1f%%: bill %s kWh, meter %s kWh",
		band, v*100, billed.StringFixed(2), got.StringFixed(2))
	switch {
	case abs >= e.cfg.VarianceHigh:
		return model.Finding{Code: model.CodeVarianceHigh, Severity: model.SeverityHigh, Band: band, Message: msg}, true
	case abs >= e.cfg.VarianceWarn:
		return model.Finding{Code: model.CodeVariance, Severity: model.SeverityWarning, Band: band, Message: msg}, true
	}
	return model.Finding{}, false
}

func qualityNotes(f model.QualityFlags) []string {
	var notes []string
	if f.CorruptRowsSkipped > 0 {
		notes = append(notes, fmt.Sprintf("meter data: %d corrupt rows skipped", f.CorruptRowsSkipped))
	}
	if f.DuplicateTimestampsResolved > 0 {
		notes = append(notes, fmt.Sprintf("meter data: %d duplicate timestamps resolved (first kept)", f.DuplicateTimestampsResolved))
	}
	if f.NegativeValuesClipped > 0 {
		notes = append(notes, fmt.Sprintf("meter data: %d negative values clipped to zero", f.NegativeValuesClipped))
	}
	if n := len(f.GapDays); n > 0 {
		days := make([]string, 0, n)
		for _, d := range f.GapDays {
			days = append(days, isoDate(d))
		}
		notes = append(notes, fmt.Sprintf("meter data: %d gap days (%s)", n, strings.Join(days, ", ")))
	}
	return notes
}

func isoDate(t time.Time) string { return t.Format("2006-01-02") }

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
