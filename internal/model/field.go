package model

// Field names a billing-record field. Candidates, provenance and rule tables
// all key on these names.
type Field string

// Billing record fields.
const (
	FieldMPRN           Field = "mprn"
	FieldAccountNumber  Field = "account_number"
	FieldInvoiceNumber  Field = "invoice_number"
	FieldProvider       Field = "provider"
	FieldStartDate      Field = "start_date"
	FieldEndDate        Field = "end_date"
	FieldInvoiceDate    Field = "invoice_date"
	FieldDayKWh         Field = "day_kwh"
	FieldNightKWh       Field = "night_kwh"
	FieldPeakKWh        Field = "peak_kwh"
	FieldTotalKWh       Field = "total_kwh"
	FieldExportKWh      Field = "export_kwh"
	FieldDayRate        Field = "day_rate"
	FieldNightRate      Field = "night_rate"
	FieldPeakRate       Field = "peak_rate"
	FieldStandingCharge Field = "standing_charge"
	FieldPSOLevy        Field = "pso_levy"
	FieldSubtotal       Field = "subtotal"
	FieldVATRate        Field = "vat_rate"
	FieldVATAmount      Field = "vat_amount"
	FieldTotal          Field = "total"
)

// FieldKind determines how a raw string is parsed into a typed value.
type FieldKind int

// Field kinds.
const (
	KindText FieldKind = iota
	KindDate
	KindEnergy
	KindRate
	KindMoney
)

var fieldKinds = map[Field]FieldKind{
	FieldMPRN:           KindText,
	FieldAccountNumber:  KindText,
	FieldInvoiceNumber:  KindText,
	FieldProvider:       KindText,
	FieldStartDate:      KindDate,
	FieldEndDate:        KindDate,
	FieldInvoiceDate:    KindDate,
	FieldDayKWh:         KindEnergy,
	FieldNightKWh:       KindEnergy,
	FieldPeakKWh:        KindEnergy,
	FieldTotalKWh:       KindEnergy,
	FieldExportKWh:      KindEnergy,
	FieldDayRate:        KindRate,
	FieldNightRate:      KindRate,
	FieldPeakRate:       KindRate,
	FieldStandingCharge: KindMoney,
	FieldPSOLevy:        KindMoney,
	FieldSubtotal:       KindMoney,
	FieldVATRate:        KindRate,
	FieldVATAmount:      KindMoney,
	FieldTotal:          KindMoney,
}

// AllFields lists every billing-record field in display order.
var AllFields = []Field{
	FieldMPRN, FieldAccountNumber, FieldInvoiceNumber, FieldProvider,
	FieldStartDate, FieldEndDate, FieldInvoiceDate,
	FieldDayKWh, FieldNightKWh, FieldPeakKWh, FieldTotalKWh, FieldExportKWh,
	FieldDayRate, FieldNightRate, FieldPeakRate,
	FieldStandingCharge, FieldPSOLevy, FieldSubtotal, FieldVATRate, FieldVATAmount, FieldTotal,
}

// Kind returns the parse kind of the field. Unknown fields are text.
func (f Field) Kind() FieldKind {
	return fieldKinds[f]
}

// Known reports whether f is a billing-record field.
func (f Field) Known() bool {
	_, ok := fieldKinds[f]
	return ok
}

// FieldCandidate is one producer's guess at a field value.
type FieldCandidate struct {
	Name       Field   `json:"name"`
	Raw        string  `json:"raw"`
	Parsed     any     `json:"parsed"`
	Tier       Tier    `json:"tier"`
	Confidence float64 `json:"confidence"`
}

// NewCandidate parses raw according to the field kind. It returns false when
// the raw text does not parse, so producers can drop the match silently.
func NewCandidate(name Field, raw string, tier Tier, confidence float64) (FieldCandidate, bool) {
	parsed, err := ParseValue(name, raw)
	if err != nil {
		return FieldCandidate{}, false
	}
	return FieldCandidate{
		Name:       name,
		Raw:        raw,
		Parsed:     parsed,
		Tier:       tier,
		Confidence: confidence,
	}, true
}
