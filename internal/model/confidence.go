package model

// Verdict is the confidence band of an extraction.
type Verdict string

// Verdict bands, best first.
const (
	VerdictPass     Verdict = "pass"
	VerdictWarn     Verdict = "warn"
	VerdictEscalate Verdict = "escalate"
)

// Check is one named validation rule outcome.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Hard    bool   `json:"hard"`
	Message string `json:"message"`
}

// ConfidenceReport is the scorer's assessment of a merged record.
type ConfidenceReport struct {
	Score   float64 `json:"score"`
	Checks  []Check `json:"checks"`
	Verdict Verdict `json:"verdict"`
}

// Failed returns the checks that did not pass.
func (r ConfidenceReport) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// NeedsReview reports whether a person should look at the extraction.
func (r ConfidenceReport) NeedsReview() bool {
	return r.Verdict != VerdictPass
}
