package waterfall

import (
	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/producer"
)

// State is a node of the extraction state machine.
type State string

// Extraction states in visiting order.
const (
	StateText     State = "TIER0_TEXT"
	StateProvider State = "TIER1_PROVIDER"
	StatePattern  State = "TIER2_OR_3_PATTERN"
	StateVision   State = "TIER4_VISION"
	StateDone     State = "DONE"
)

// FieldResolution is the outcome of candidate selection for one field.
type FieldResolution struct {
	Field    model.Field            `json:"field"`
	Winner   *model.FieldCandidate  `json:"winner,omitempty"`
	Attempts []model.FieldCandidate `json:"attempts"`
}

// Result is the output of one extraction run. It always carries a record
// and a report, even when every tier came back empty.
type Result struct {
	Document    string                 `json:"document"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Record      *model.BillingRecord   `json:"record"`
	Report      model.ConfidenceReport `json:"report"`
	Scanned     bool                   `json:"scanned"`
	Provider    string                 `json:"provider"`
	Path        []State                `json:"path"`
	Diagnostics []producer.Output      `json:"diagnostics"`

	Resolutions    map[model.Field]FieldResolution `json:"resolutions"`
	FieldsResolved int                             `json:"fields_resolved"`
}

// Visited reports whether the run passed through s.
func (r *Result) Visited(s State) bool {
	for _, p := range r.Path {
		if p == s {
			return true
		}
	}
	return false
}

// Diagnostic returns the output recorded for the named producer.
func (r *Result) Diagnostic(name string) (producer.Output, bool) {
	for _, d := range r.Diagnostics {
		if d.Producer == name {
			return d, true
		}
	}
	return producer.Output{}, false
}
