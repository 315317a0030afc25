package model

import "github.com/shopspring/decimal"

// Severity grades a reconciliation finding.
type Severity string

// Finding severities.
const (
	SeverityBlocking Severity = "blocking"
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Finding codes.
const (
	CodeMPRNMissing       = "mprn_missing"
	CodeMPRNMismatch      = "mprn_mismatch"
	CodePeriodMissing     = "period_missing"
	CodeMeterEmpty        = "meter_empty"
	CodeMeterNotFound     = "meter_not_found"
	CodeZeroOverlap       = "zero_overlap"
	CodePartialCoverage   = "partial_coverage"
	CodeVariance          = "consumption_variance"
	CodeVarianceHigh      = "consumption_variance_high"
	CodeVarianceUndefined = "variance_not_computable"
)

// Finding is a named reconciliation outcome.
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Band     Band     `json:"band,omitempty"`
	Message  string   `json:"message"`
}

// CrossReferenceResult is the derived comparison of one billing record
// against one meter series. It is rebuilt whenever either input changes.
type CrossReferenceResult struct {
	MPRNMatch          bool    `json:"mprn_match"`
	OverlapDaysPresent int     `json:"overlap_days_present"`
	BillingDaysTotal   int     `json:"billing_days_total"`
	CoveragePct        float64 `json:"coverage_pct"`

	MeterKWhByBand         map[Band]decimal.Decimal `json:"meter_kwh_by_band,omitempty"`
	ConsumptionDeltaByBand map[Band]decimal.Decimal `json:"consumption_delta_by_band,omitempty"`
	// VariancePctByBand holds nil for bands whose bill value is zero.
	VariancePctByBand  map[Band]*float64        `json:"variance_pct_by_band,omitempty"`
	ExpectedCostByBand map[Band]decimal.Decimal `json:"expected_cost_by_band,omitempty"`

	BlockingErrors []Finding `json:"blocking_errors"`
	Warnings       []Finding `json:"warnings"`
	Notes          []string  `json:"notes"`
}

// Blocked reports whether any blocking error was raised.
func (r *CrossReferenceResult) Blocked() bool {
	return len(r.BlockingErrors) > 0
}

// HasWarning reports whether a warning with the given code is present.
func (r *CrossReferenceResult) HasWarning(code string) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// HasBlocking reports whether a blocking error with the given code is present.
func (r *CrossReferenceResult) HasBlocking(code string) bool {
	for _, b := range r.BlockingErrors {
		if b.Code == code {
			return true
		}
	}
	return false
}
