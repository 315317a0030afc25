package scorer

import (
	"math"
	"time"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/model"
)

// Scorer is stateless apart from its policy and clock; Score is a pure
// function of its inputs for a fixed clock.
type Scorer struct {
	cfg      config.ScoringConfig
	critical []model.Field
	profiles map[string][]model.Field
	now      func() time.Time
}

// New creates a Scorer for the given policy.
func New(cfg config.ScoringConfig) *Scorer {
	s := &Scorer{cfg: cfg, now: today, profiles: make(map[string][]model.Field)}
	s.critical = toFields(cfg.CriticalFields)
	for bt, fields := range cfg.Profiles {
		s.profiles[bt] = toFields(fields)
	}
	return s
}

// ForBillType returns a copy of s that measures presence against the
// profile for billType. Unknown or unprofiled types keep the default
// critical fields.
func (s *Scorer) ForBillType(billType string) *Scorer {
	p, ok := s.profiles[billType]
	if !ok || len(p) == 0 {
		return s
	}
	c := *s
	c.critical = p
	return &c
}

func toFields(names []string) []model.Field {
	out := make([]model.Field, 0, len(names))
	for _, f := range names {
		out = append(out, model.Field(f))
	}
	return out
}

// WithClock returns a copy of s that reads the current date from now.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	c := *s
	c.now = now
	return &c
}

// Score grades a merged record. candidates are every candidate the run
// produced; only those that supplied a record field count toward the mean
// confidence.
func (s *Scorer) Score(candidates []model.FieldCandidate, record *model.BillingRecord) model.ConfidenceReport {
	if record == nil || empty(record) {
		return model.ConfidenceReport{
			Score: 0,
			Checks: []model.Check{{
				Name:    CheckFieldsPresent,
				Passed:  false,
				Hard:    true,
				Message: "no extractable fields found",
			}},
			Verdict: model.VerdictEscalate,
		}
	}

	presence := s.presence(record)
	base := s.cfg.PresenceWeight*presence + (1-s.cfg.PresenceWeight)*selectedConfidence(candidates, record)

	var checks []model.Check
	hardFailed, softFailed := 0, 0
	for _, fn := range hardChecks {
		if c, ok := fn(s, record); ok {
			checks = append(checks, c)
			if !c.Passed {
				hardFailed++
			}
		}
	}
	for _, fn := range softChecks {
		if c, ok := fn(s, record); ok {
			checks = append(checks, c)
			if !c.Passed {
				softFailed++
			}
		}
	}

	score := base - s.cfg.HardPenalty*float64(hardFailed) - s.cfg.SoftPenalty*float64(softFailed)
	score = math.Round(clamp(score, 0, 1)*1e4) / 1e4

	return model.ConfidenceReport{
		Score:   score,
		Checks:  checks,
		Verdict: s.verdict(score, hardFailed > 0),
	}
}

// verdict maps a score to its band. A failed hard check caps pass at warn.
func (s *Scorer) verdict(score float64, hardFailed bool) model.Verdict {
	switch {
	case score >= s.cfg.PassThreshold && !hardFailed:
		return model.VerdictPass
	case score >= s.cfg.WarnThreshold:
		return model.VerdictWarn
	default:
		return model.VerdictEscalate
	}
}

func (s *Scorer) presence(r *model.BillingRecord) float64 {
	if len(s.critical) == 0 {
		return 0
	}
	n := 0
	for _, f := range s.critical {
		if r.Has(f) {
			n++
		}
	}
	return float64(n) / float64(len(s.critical))
}

// selectedConfidence averages, per populated field, the best confidence of
// the candidates from the tier that supplied the field.
func selectedConfidence(candidates []model.FieldCandidate, r *model.BillingRecord) float64 {
	best := make(map[model.Field]float64)
	for _, c := range candidates {
		if tier, ok := r.Provenance[c.Name]; ok && tier == c.Tier && r.Has(c.Name) {
			best[c.Name] = math.Max(best[c.Name], c.Confidence)
		}
	}
	if len(best) == 0 {
		return 0
	}
	var sum float64
	for _, f := range model.AllFields {
		sum += best[f]
	}
	return sum / float64(len(best))
}

// empty reports whether the record has nothing beyond the provider tag.
func empty(r *model.BillingRecord) bool {
	for _, f := range r.Populated() {
		if f != model.FieldProvider {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
