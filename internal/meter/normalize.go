package meter

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/billrecon/internal/model"
)

var two = decimal.NewFromInt(2)

type readingKey struct {
	mprn string
	ts   time.Time
	dir  model.Direction
}

// Normalize validates raw rows into a series. Rules run in order: rows
// missing an MPRN, timestamp or read value are skipped as corrupt; repeated
// (mprn, timestamp, direction) keys keep their first occurrence; negative
// values are clipped to zero; calendar days in the span with no reading are
// recorded as gap days. It fails only when no row survives.
//
// Normalizing the RawRows of a normalized series yields the same series.
func Normalize(rows []model.RawRow) (*model.MeterSeries, error) {
	var flags model.QualityFlags
	seen := make(map[readingKey]struct{}, len(rows))
	readings := make([]model.MeterReading, 0, len(rows))

	for _, row := range rows {
		r, ok := parseRow(row)
		if !ok {
			flags.CorruptRowsSkipped++
			continue
		}
		k := readingKey{r.MPRN, r.Timestamp, r.Direction}
		if _, dup := seen[k]; dup {
			flags.DuplicateTimestampsResolved++
			continue
		}
		seen[k] = struct{}{}
		readings = append(readings, r)
	}

	if len(readings) == 0 {
		return nil, eris.Wrapf(ErrNoValidRows, "meter: %d rows, %d corrupt", len(rows), flags.CorruptRowsSkipped)
	}

	for i := range readings {
		if readings[i].KWh.IsNegative() {
			readings[i].KWh = decimal.Zero
			flags.NegativeValuesClipped++
		}
	}

	sort.SliceStable(readings, func(i, j int) bool {
		a, b := readings[i], readings[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Direction < b.Direction
	})

	flags.GapDays = gapDays(readings)

	s := &model.MeterSeries{MPRN: readings[0].MPRN, Readings: readings, Flags: flags}
	if !flags.Empty() {
		zap.L().Info("meter: quality conditions found",
			zap.String("mprn", s.MPRN),
			zap.Int("readings", len(readings)),
			zap.Int("corrupt_rows_skipped", flags.CorruptRowsSkipped),
			zap.Int("duplicate_timestamps_resolved", flags.DuplicateTimestampsResolved),
			zap.Int("negative_values_clipped", flags.NegativeValuesClipped),
			zap.Int("gap_days", len(flags.GapDays)),
		)
	}
	return s, nil
}

// parseRow validates one raw row. Demand readings in kW are converted to
// energy for the half-hour interval.
func parseRow(row model.RawRow) (model.MeterReading, bool) {
	mprn := model.NormalizeMPRN(row.MPRN)
	if mprn == "" {
		return model.MeterReading{}, false
	}
	ts, ok := parseTimestamp(row.Timestamp)
	if !ok {
		return model.MeterReading{}, false
	}
	v, ok := parseReadValue(row.ReadValue)
	if !ok {
		return model.MeterReading{}, false
	}
	dir, demand := parseReadType(row.ReadType)
	if demand {
		v = v.Div(two)
	}
	return model.MeterReading{
		MPRN:            mprn,
		MeterSerial:     row.MeterSerial,
		Timestamp:       ts,
		IntervalMinutes: model.DefaultIntervalMinutes,
		Direction:       dir,
		KWh:             v,
	}, true
}

// gapDays lists the calendar days between the first and last reading that
// have no reading at all. readings must be sorted.
func gapDays(readings []model.MeterReading) []time.Time {
	present := make(map[time.Time]struct{})
	for _, r := range readings {
		present[model.DateOf(r.Timestamp)] = struct{}{}
	}
	first := model.DateOf(readings[0].Timestamp)
	last := model.DateOf(readings[len(readings)-1].Timestamp)

	var gaps []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if _, ok := present[d]; !ok {
			gaps = append(gaps, d)
		}
	}
	return gaps
}

// GroupByMPRN splits rows by normalized MPRN and returns the groups with
// their keys in order of first appearance. Rows with no MPRN join the first
// group so they are still counted as corrupt.
func GroupByMPRN(rows []model.RawRow) (map[string][]model.RawRow, []string) {
	groups := make(map[string][]model.RawRow)
	var order []string
	var orphans []model.RawRow
	for _, r := range rows {
		k := model.NormalizeMPRN(r.MPRN)
		if k == "" {
			orphans = append(orphans, r)
			continue
		}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}
	if len(orphans) > 0 {
		if len(order) == 0 {
			order = append(order, "")
		}
		groups[order[0]] = append(groups[order[0]], orphans...)
	}
	return groups, order
}
