// Package meter reads smart-meter interval exports and normalizes them into
// ordered, deduplicated series with data-quality flags.
package meter

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/billrecon/internal/model"
)

// Required export columns. Header names match case-sensitively.
const (
	ColMPRN        = "MPRN"
	ColMeterSerial = "Meter Serial Number"
	ColReadValue   = "Read Value"
	ColReadType    = "Read Type"
	ColTimestamp   = "Read Date and End Time"
)

// RequiredColumns lists the columns every export must carry.
var RequiredColumns = []string{ColMPRN, ColMeterSerial, ColReadValue, ColReadType, ColTimestamp}

var (
	// ErrNoValidRows is returned when an export yields no usable reading.
	ErrNoValidRows = eris.New("meter: no valid rows")
	// ErrMissingColumns is returned when the header lacks a required column.
	ErrMissingColumns = eris.New("meter: missing required columns")
)

// timestampLayouts are the forms seen in ESB and supplier exports.
var timestampLayouts = []string{
	"02-01-2006 15:04",
	"02/01/2006 15:04",
	"02-01-2006 15:04:05",
	"02/01/2006 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// Read parses an export by file extension: .xlsx as a workbook, anything
// else as CSV.
func Read(ctx context.Context, name string, data []byte) ([]model.RawRow, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx":
		return ReadXLSX(data)
	default:
		return ReadCSV(ctx, bytes.NewReader(data))
	}
}

// Load reads and normalizes an export into one series per MPRN, in order of
// first appearance.
func Load(ctx context.Context, name string, data []byte) ([]*model.MeterSeries, error) {
	rows, err := Read(ctx, name, data)
	if err != nil {
		return nil, err
	}
	groups, order := GroupByMPRN(rows)
	out := make([]*model.MeterSeries, 0, len(order))
	for _, mprn := range order {
		s, err := Normalize(groups[mprn])
		if err != nil {
			if errors.Is(err, ErrNoValidRows) && len(order) > 1 {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, eris.Wrapf(ErrNoValidRows, "meter: read %s", name)
	}
	return out, nil
}

// rowsFromTable maps a header plus records onto raw rows. Blank records are
// ignored; short records leave the missing columns empty.
func rowsFromTable(header []string, records [][]string, firstLine int) ([]model.RawRow, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}
	var missing []string
	for _, c := range RequiredColumns {
		if _, ok := idx[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, eris.Wrapf(ErrMissingColumns, "meter: header lacks %s", strings.Join(missing, ", "))
	}

	cell := func(rec []string, col string) string {
		if i := idx[col]; i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	rows := make([]model.RawRow, 0, len(records))
	for i, rec := range records {
		if blank(rec) {
			continue
		}
		rows = append(rows, model.RawRow{
			Line:        firstLine + i,
			MPRN:        cell(rec, ColMPRN),
			MeterSerial: cell(rec, ColMeterSerial),
			ReadValue:   cell(rec, ColReadValue),
			ReadType:    cell(rec, ColReadType),
			Timestamp:   cell(rec, ColTimestamp),
		})
	}
	return rows, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// parseTimestamp reads an interval-end timestamp as wall-clock UTC.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseReadType returns the direction and whether the value is a 30-minute
// average demand in kW rather than energy in kWh.
func parseReadType(s string) (model.Direction, bool) {
	dir := model.DirectionImport
	if strings.Contains(strings.ToLower(s), "export") {
		dir = model.DirectionExport
	}
	demand := strings.Contains(s, "kW)") && !strings.Contains(s, "kWh")
	return dir, demand
}

func parseReadValue(s string) (decimal.Decimal, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
