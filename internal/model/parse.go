package model

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// dateLayouts are the printed date forms seen on Irish utility bills.
var dateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"02/01/06",
	"2/1/06",
	"2 Jan 2006",
	"2 January 2006",
	"2 Jan 06",
	"2 January 06",
	"02.01.2006",
	"2006-01-02",
	"02-01-2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

var (
	periodTo      = regexp.MustCompile(`(?i)\s+(?:to|until)\s+`)
	periodDash    = regexp.MustCompile(`\s+[-–]\s+`)
	periodSlashes = regexp.MustCompile(`^(\d{1,2}[/.]\d{1,2}[/.]\d{2,4})\s*[-–]\s*(\d{1,2}[/.]\d{1,2}[/.]\d{2,4})$`)
	spaceRun      = regexp.MustCompile(`\s+`)
)

// ParseValue converts raw text into the typed value for the field's kind:
// decimal.Decimal for money, energy and rates, time.Time for dates and a
// trimmed string for text.
func ParseValue(f Field, raw string) (any, error) {
	switch f.Kind() {
	case KindMoney, KindEnergy, KindRate:
		return ParseAmount(raw)
	case KindDate:
		return ParseDate(raw)
	default:
		s := strings.TrimSpace(raw)
		if f == FieldMPRN {
			s = NormalizeMPRN(s)
		}
		if s == "" {
			return nil, eris.Errorf("model: empty value for %s", f)
		}
		return s, nil
	}
}

// ParseAmount parses a printed number, tolerating currency symbols,
// thousands separators, a trailing percent or unit and surrounding space.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "kWh"), "KWH")
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '€' || r == '£' || r == '$' || r == ',' || unicode.IsSpace(r):
			return -1
		}
		return r
	}, s)
	if s == "" {
		return decimal.Zero, eris.Errorf("model: empty amount %q", raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "model: parse amount %q", raw)
	}
	return d, nil
}

// ParseDate parses a printed calendar date and returns it at UTC midnight.
func ParseDate(raw string) (time.Time, error) {
	s := spaceRun.ReplaceAllString(strings.TrimSpace(raw), " ")
	s = strings.TrimRight(s, ".,")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return time.Time{}, eris.Errorf("model: unrecognised date %q", raw)
}

// ParsePeriod splits a billing-period string such as "1 Jan 2025 to 31 Jan
// 2025" or "01/01/2025 - 31/01/2025" into its start and end dates.
func ParsePeriod(raw string) (time.Time, time.Time, error) {
	s := strings.TrimSpace(raw)

	var parts []string
	if m := periodSlashes.FindStringSubmatch(s); m != nil {
		parts = m[1:]
	} else if p := periodTo.Split(s, 2); len(p) == 2 {
		parts = p
	} else if p := periodDash.Split(s, 2); len(p) == 2 {
		parts = p
	} else {
		return time.Time{}, time.Time{}, eris.Errorf("model: unrecognised period %q", raw)
	}

	start, err := ParseDate(parts[0])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := ParseDate(parts[1])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

// NormalizeMPRN strips all whitespace from an MPRN.
func NormalizeMPRN(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// DateOf truncates t to its calendar date at UTC midnight, keeping the wall
// clock date rather than converting zones.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
