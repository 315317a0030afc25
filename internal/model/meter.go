package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultIntervalMinutes is the smart-meter read interval.
const DefaultIntervalMinutes = 30

// Direction distinguishes consumed from exported energy.
type Direction string

// Reading directions.
const (
	DirectionImport Direction = "import"
	DirectionExport Direction = "export"
)

// Band is a time-of-use consumption category.
type Band string

// Tariff bands. BandTotal is all import; BandExport is all export.
const (
	BandDay    Band = "day"
	BandNight  Band = "night"
	BandPeak   Band = "peak"
	BandTotal  Band = "total"
	BandExport Band = "export"
)

// Bands lists the bands in comparison order.
var Bands = []Band{BandDay, BandNight, BandPeak, BandTotal, BandExport}

// BandFields maps each band to the billing-record consumption field.
var BandFields = map[Band]Field{
	BandDay:    FieldDayKWh,
	BandNight:  FieldNightKWh,
	BandPeak:   FieldPeakKWh,
	BandTotal:  FieldTotalKWh,
	BandExport: FieldExportKWh,
}

// BandRates maps bands to the unit-rate field used for expected cost.
var BandRates = map[Band]Field{
	BandDay:   FieldDayRate,
	BandNight: FieldNightRate,
	BandPeak:  FieldPeakRate,
}

// RawRow is one unvalidated row of a meter export, keyed by the fixed
// column set.
type RawRow struct {
	Line        int    `json:"line"`
	MPRN        string `json:"mprn"`
	MeterSerial string `json:"meter_serial"`
	ReadValue   string `json:"read_value"`
	ReadType    string `json:"read_type"`
	Timestamp   string `json:"timestamp"`
}

// MeterReading is one validated interval reading. Timestamp is the interval
// end in the meter's wall-clock time.
type MeterReading struct {
	MPRN            string          `json:"mprn"`
	MeterSerial     string          `json:"meter_serial,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	IntervalMinutes int             `json:"interval_minutes"`
	Direction       Direction       `json:"direction"`
	KWh             decimal.Decimal `json:"value_kwh"`
}

// Band classifies an import reading by the hour its interval started:
// night 23:00-08:00, peak 17:00-19:00, day otherwise. Export readings are
// always BandExport.
func (r MeterReading) Band() Band {
	if r.Direction == DirectionExport {
		return BandExport
	}
	interval := r.IntervalMinutes
	if interval <= 0 {
		interval = DefaultIntervalMinutes
	}
	h := r.Timestamp.Add(-time.Duration(interval) * time.Minute).Hour()
	switch {
	case h >= 23 || h < 8:
		return BandNight
	case h >= 17 && h < 19:
		return BandPeak
	default:
		return BandDay
	}
}

// QualityFlags summarise what the normalizer changed or noticed.
type QualityFlags struct {
	CorruptRowsSkipped          int         `json:"corrupt_rows_skipped"`
	NegativeValuesClipped       int         `json:"negative_values_clipped"`
	DuplicateTimestampsResolved int         `json:"duplicate_timestamps_resolved"`
	GapDays                     []time.Time `json:"gap_days"`
}

// Empty reports whether no quality condition was recorded.
func (q QualityFlags) Empty() bool {
	return q.CorruptRowsSkipped == 0 && q.NegativeValuesClipped == 0 &&
		q.DuplicateTimestampsResolved == 0 && len(q.GapDays) == 0
}

// IsGapDay reports whether day is a recorded gap day.
func (q QualityFlags) IsGapDay(day time.Time) bool {
	day = DateOf(day)
	for _, g := range q.GapDays {
		if g.Equal(day) {
			return true
		}
	}
	return false
}

// MeterSeries is an ordered, deduplicated set of readings for one MPRN.
type MeterSeries struct {
	MPRN     string         `json:"mprn"`
	Readings []MeterReading `json:"readings"`
	Flags    QualityFlags   `json:"quality_flags"`
}

// Span returns the first and last calendar dates covered by the series.
func (s *MeterSeries) Span() (time.Time, time.Time, bool) {
	if s == nil || len(s.Readings) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return DateOf(s.Readings[0].Timestamp), DateOf(s.Readings[len(s.Readings)-1].Timestamp), true
}

// RawRows converts the series back into raw rows, in order.
func (s *MeterSeries) RawRows() []RawRow {
	rows := make([]RawRow, 0, len(s.Readings))
	for i, r := range s.Readings {
		readType := "Import"
		if r.Direction == DirectionExport {
			readType = "Export"
		}
		rows = append(rows, RawRow{
			Line:        i + 1,
			MPRN:        r.MPRN,
			MeterSerial: r.MeterSerial,
			ReadValue:   r.KWh.String(),
			ReadType:    readType,
			Timestamp:   r.Timestamp.Format(MeterTimestampLayout),
		})
	}
	return rows
}

// MeterTimestampLayout is the canonical meter export timestamp form. It keeps
// seconds so readings inside the same minute stay distinct.
const MeterTimestampLayout = "02-01-2006 15:04:05"
