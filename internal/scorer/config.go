// Package scorer grades a merged billing record: critical-field presence,
// cross-field arithmetic and date sanity, combined into a score and verdict.
package scorer

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/model"
)

// Bill types named by provider rule tables.
const (
	BillElectricity = "electricity"
	BillGas         = "gas"
	BillFuel        = "fuel"
)

// DefaultConfig returns the scoring policy used when none is configured.
func DefaultConfig() config.ScoringConfig {
	return config.ScoringConfig{
		// Verdict bands.
		PassThreshold: 0.85,
		WarnThreshold: 0.5,

		// Tolerances.
		CurrencyTolerance: 0.01,
		KWhTolerance:      0.1,
		MaxFutureDays:     31,

		// Weights and penalties.
		PresenceWeight: 0.8,
		HardPenalty:    0.25,
		SoftPenalty:    0.1,

		CriticalFields: []string{
			"mprn", "account_number", "start_date", "end_date",
			"total_kwh", "subtotal", "vat_amount", "total",
		},
		Profiles: map[string][]string{
			BillElectricity: {
				"mprn", "account_number", "start_date", "end_date",
				"total_kwh", "subtotal", "vat_amount", "total",
			},
			BillGas: {
				"account_number", "start_date", "end_date",
				"subtotal", "vat_rate", "vat_amount", "total",
			},
			BillFuel: {
				"invoice_number", "invoice_date",
				"subtotal", "vat_rate", "vat_amount", "total",
			},
		},
	}
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	if c.WarnThreshold < 0 || c.PassThreshold > 1 || c.WarnThreshold > c.PassThreshold {
		errs = append(errs, "thresholds must satisfy 0 <= warn <= pass <= 1")
	}
	if c.PresenceWeight < 0 || c.PresenceWeight > 1 {
		errs = append(errs, "presence_weight must be within [0,1]")
	}
	if c.HardPenalty < 0 || c.SoftPenalty < 0 {
		errs = append(errs, "penalties must be >= 0")
	}
	if c.CurrencyTolerance < 0 || c.KWhTolerance < 0 {
		errs = append(errs, "tolerances must be >= 0")
	}
	if len(c.CriticalFields) == 0 {
		errs = append(errs, "critical_fields must not be empty")
	}
	for _, f := range c.CriticalFields {
		if !model.Field(f).Known() {
			errs = append(errs, fmt.Sprintf("unknown critical field %q", f))
		}
	}
	for bt, fields := range c.Profiles {
		if len(fields) == 0 {
			errs = append(errs, fmt.Sprintf("profile %q must not be empty", bt))
		}
		for _, f := range fields {
			if !model.Field(f).Known() {
				errs = append(errs, fmt.Sprintf("unknown field %q in profile %q", f, bt))
			}
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
