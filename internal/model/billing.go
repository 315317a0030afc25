package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnknownProvider is the explicit provider tag for bills that match no entry
// in the provider keyword table.
const UnknownProvider = "unknown"

// BillingRecord is the normalized output of one extraction run.
type BillingRecord struct {
	MPRN          string `json:"mprn,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	Provider      string `json:"provider,omitempty"`

	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	InvoiceDate *time.Time `json:"invoice_date,omitempty"`

	DayKWh    *decimal.Decimal `json:"day_kwh,omitempty"`
	NightKWh  *decimal.Decimal `json:"night_kwh,omitempty"`
	PeakKWh   *decimal.Decimal `json:"peak_kwh,omitempty"`
	TotalKWh  *decimal.Decimal `json:"total_kwh,omitempty"`
	ExportKWh *decimal.Decimal `json:"export_kwh,omitempty"`

	DayRate   *decimal.Decimal `json:"day_rate,omitempty"`
	NightRate *decimal.Decimal `json:"night_rate,omitempty"`
	PeakRate  *decimal.Decimal `json:"peak_rate,omitempty"`

	StandingCharge *decimal.Decimal `json:"standing_charge,omitempty"`
	PSOLevy        *decimal.Decimal `json:"pso_levy,omitempty"`
	Subtotal       *decimal.Decimal `json:"subtotal,omitempty"`
	VATRate        *decimal.Decimal `json:"vat_rate,omitempty"`
	VATAmount      *decimal.Decimal `json:"vat_amount,omitempty"`
	Total          *decimal.Decimal `json:"total,omitempty"`

	// Provenance maps every populated field to the tier that supplied it.
	Provenance map[Field]Tier `json:"provenance"`
}

// NewBillingRecord returns an empty record with an initialized provenance map.
func NewBillingRecord() *BillingRecord {
	return &BillingRecord{Provenance: make(map[Field]Tier)}
}

// Set assigns a typed value to the named field and records its tier. It
// returns false if the value type does not match the field kind.
func (r *BillingRecord) Set(f Field, v any, tier Tier) bool {
	if r.Provenance == nil {
		r.Provenance = make(map[Field]Tier)
	}

	switch f.Kind() {
	case KindText:
		s, ok := v.(string)
		slot := r.textSlot(f)
		if !ok || s == "" || slot == nil {
			return false
		}
		*slot = s
	case KindDate:
		t, ok := v.(time.Time)
		slot := r.dateSlot(f)
		if !ok || slot == nil {
			return false
		}
		d := DateOf(t)
		*slot = &d
	default:
		d, ok := v.(decimal.Decimal)
		if !ok {
			return false
		}
		slot := r.decimalSlot(f)
		if slot == nil {
			return false
		}
		*slot = &d
	}

	r.Provenance[f] = tier
	return true
}

// Has reports whether the field is populated.
func (r *BillingRecord) Has(f Field) bool {
	_, ok := r.Get(f)
	return ok
}

// Get returns the typed value of a populated field.
func (r *BillingRecord) Get(f Field) (any, bool) {
	switch f.Kind() {
	case KindText:
		slot := r.textSlot(f)
		if slot == nil || *slot == "" {
			return nil, false
		}
		return *slot, true
	case KindDate:
		slot := r.dateSlot(f)
		if slot == nil || *slot == nil {
			return nil, false
		}
		return **slot, true
	default:
		slot := r.decimalSlot(f)
		if slot == nil || *slot == nil {
			return nil, false
		}
		return **slot, true
	}
}

// Decimal returns a populated numeric field.
func (r *BillingRecord) Decimal(f Field) (decimal.Decimal, bool) {
	v, ok := r.Get(f)
	if !ok {
		return decimal.Zero, false
	}
	d, ok := v.(decimal.Decimal)
	return d, ok
}

// Populated lists populated fields in display order.
func (r *BillingRecord) Populated() []Field {
	var out []Field
	for _, f := range AllFields {
		if r.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// BillingDays returns the inclusive number of days in the billing period,
// or 0 when either bound is missing or the bounds are inverted.
func (r *BillingRecord) BillingDays() int {
	if r.StartDate == nil || r.EndDate == nil || r.EndDate.Before(*r.StartDate) {
		return 0
	}
	return int(r.EndDate.Sub(*r.StartDate).Hours()/24) + 1
}

func (r *BillingRecord) textSlot(f Field) *string {
	switch f {
	case FieldMPRN:
		return &r.MPRN
	case FieldAccountNumber:
		return &r.AccountNumber
	case FieldInvoiceNumber:
		return &r.InvoiceNumber
	case FieldProvider:
		return &r.Provider
	}
	return nil
}

func (r *BillingRecord) dateSlot(f Field) **time.Time {
	switch f {
	case FieldStartDate:
		return &r.StartDate
	case FieldEndDate:
		return &r.EndDate
	case FieldInvoiceDate:
		return &r.InvoiceDate
	}
	return nil
}

func (r *BillingRecord) decimalSlot(f Field) **decimal.Decimal {
	switch f {
	case FieldDayKWh:
		return &r.DayKWh
	case FieldNightKWh:
		return &r.NightKWh
	case FieldPeakKWh:
		return &r.PeakKWh
	case FieldTotalKWh:
		return &r.TotalKWh
	case FieldExportKWh:
		return &r.ExportKWh
	case FieldDayRate:
		return &r.DayRate
	case FieldNightRate:
		return &r.NightRate
	case FieldPeakRate:
		return &r.PeakRate
	case FieldStandingCharge:
		return &r.StandingCharge
	case FieldPSOLevy:
		return &r.PSOLevy
	case FieldSubtotal:
		return &r.Subtotal
	case FieldVATRate:
		return &r.VATRate
	case FieldVATAmount:
		return &r.VATAmount
	case FieldTotal:
		return &r.Total
	}
	return nil
}
