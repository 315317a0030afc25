package producer

import (
	"regexp"
	"strings"

	"github.com/sells-group/billrecon/internal/model"
)

// Value shapes accepted after an anchor label.
const (
	ValueMonetary     = "monetary"
	ValueInteger      = "integer"
	ValuePercentage   = "percentage"
	ValueDate         = "date"
	ValueAlphanumeric = "alphanumeric"
	ValueMPRN         = "mprn"
	ValueEnergy       = "energy"
)

var (
	monetaryRe     = regexp.MustCompile(`^(?:[€£$]\s?-?\d[\d,]*(?:\.\d{1,2})?|-?\d[\d,]*\.\d{2})$`)
	integerRe      = regexp.MustCompile(`^\d+$`)
	percentageRe   = regexp.MustCompile(`^\d{1,2}(?:\.\d+)?\s?%$`)
	alphanumericRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9/-]{3,}$`)
	mprnRe         = regexp.MustCompile(`^10\d{9}$`)
	energyRe       = regexp.MustCompile(`(?i)^\d[\d,]*(?:\.\d+)?\s?(?:kwh)?$`)
	digitRe        = regexp.MustCompile(`\d`)
)

// matchesValue reports whether s has the given shape and returns the value
// in the form the field parser expects.
func matchesValue(shape, s string) (string, bool) {
	s = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ":;,"))
	if s == "" {
		return "", false
	}
	switch shape {
	case ValueMonetary:
		return s, monetaryRe.MatchString(s)
	case ValueInteger:
		return s, integerRe.MatchString(s)
	case ValuePercentage:
		return s, percentageRe.MatchString(s)
	case ValueDate:
		if _, err := model.ParseDate(s); err == nil {
			return s, true
		}
		return "", false
	case ValueAlphanumeric:
		return s, alphanumericRe.MatchString(s) && digitRe.MatchString(s)
	case ValueMPRN:
		n := model.NormalizeMPRN(s)
		return n, mprnRe.MatchString(n)
	case ValueEnergy:
		return s, energyRe.MatchString(s)
	}
	return "", false
}

// firstShape returns the first shape in shapes that s matches.
func firstShape(shapes []string, s string) (string, bool) {
	for _, shape := range shapes {
		if v, ok := matchesValue(shape, s); ok {
			return v, true
		}
	}
	return "", false
}
