// Package store persists extracted bills and meter series. Bills are
// append-only and keyed by the content fingerprint of the source document;
// meter series are keyed by MPRN and replaced on every upload.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/billrecon/internal/model"
)

// ErrNotFound is returned by getters when no entry matches.
var ErrNotFound = eris.New("store: not found")

// BillEntry is one stored extraction.
type BillEntry struct {
	ID          string                 `json:"id"`
	Fingerprint string                 `json:"fingerprint"`
	Document    string                 `json:"document"`
	Provider    string                 `json:"provider"`
	Record      *model.BillingRecord   `json:"record"`
	Report      model.ConfidenceReport `json:"report"`
	Path        []string               `json:"path"`
	CreatedAt   time.Time              `json:"created_at"`
}

// MeterEntry is the current meter series for one MPRN.
type MeterEntry struct {
	ID         string             `json:"id"`
	MPRN       string             `json:"mprn"`
	Source     string             `json:"source"`
	Series     *model.MeterSeries `json:"series"`
	UploadedAt time.Time          `json:"uploaded_at"`
}

// BillFilter narrows ListBills.
type BillFilter struct {
	MPRN    string        `json:"mprn,omitempty"`
	Verdict model.Verdict `json:"verdict,omitempty"`
	Limit   int           `json:"limit,omitempty"`
	Offset  int           `json:"offset,omitempty"`
}

// Store is the persistence interface for bills and meter series.
type Store interface {
	// Bills
	GetBill(ctx context.Context, fingerprint string) (*BillEntry, error)
	// PutBill inserts e unless its fingerprint is already stored, in which
	// case it reports false and leaves the stored entry untouched.
	PutBill(ctx context.Context, e *BillEntry) (bool, error)
	ListBills(ctx context.Context, filter BillFilter) ([]BillEntry, error)

	// Meter series
	GetMeter(ctx context.Context, mprn string) (*MeterEntry, error)
	// PutMeter replaces any series stored for the same MPRN.
	PutMeter(ctx context.Context, e *MeterEntry) error
	// LatestMeter returns the most recently stored series of any MPRN.
	LatestMeter(ctx context.Context) (*MeterEntry, error)
	ListMeters(ctx context.Context) ([]MeterEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func (f BillFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// matches reports whether e passes the filter's field conditions.
func (f BillFilter) matches(e *BillEntry) bool {
	if f.Verdict != "" && e.Report.Verdict != f.Verdict {
		return false
	}
	if f.MPRN != "" && (e.Record == nil || model.NormalizeMPRN(e.Record.MPRN) != model.NormalizeMPRN(f.MPRN)) {
		return false
	}
	return true
}

// mprnOf returns the record's normalized MPRN for indexing.
func mprnOf(e *BillEntry) string {
	if e.Record == nil {
		return ""
	}
	return model.NormalizeMPRN(e.Record.MPRN)
}
