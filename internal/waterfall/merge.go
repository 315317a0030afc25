package waterfall

import "github.com/sells-group/billrecon/internal/model"

// better reports whether a should replace b as the selected candidate:
// higher tier priority wins, then higher confidence. Earlier candidates
// keep full ties.
func better(a, b model.FieldCandidate) bool {
	if pa, pb := a.Tier.Priority(), b.Tier.Priority(); pa != pb {
		return pa > pb
	}
	return a.Confidence > b.Confidence
}

// merge builds a record from the deterministic tiers. Vision candidates do
// not compete here; they only fill gaps afterwards.
func merge(candidates []model.FieldCandidate) (*model.BillingRecord, map[model.Field]FieldResolution) {
	rec := model.NewBillingRecord()
	res := make(map[model.Field]FieldResolution)

	for _, c := range candidates {
		r := res[c.Name]
		r.Field = c.Name
		r.Attempts = append(r.Attempts, c)
		res[c.Name] = r
	}

	for _, f := range model.AllFields {
		r, ok := res[f]
		if !ok {
			continue
		}
		var winner *model.FieldCandidate
		for i := range r.Attempts {
			c := r.Attempts[i]
			if c.Tier == model.TierVision {
				continue
			}
			if winner == nil || better(c, *winner) {
				winner = &r.Attempts[i]
			}
		}
		if winner != nil && rec.Set(f, winner.Parsed, winner.Tier) {
			w := *winner
			r.Winner = &w
			res[f] = r
		}
	}
	return rec, res
}

// fillGaps sets fields the record does not have yet from later candidates.
// Populated fields are never overwritten.
func fillGaps(rec *model.BillingRecord, res map[model.Field]FieldResolution, candidates []model.FieldCandidate) int {
	filled := 0
	for _, c := range candidates {
		r := res[c.Name]
		r.Field = c.Name
		r.Attempts = append(r.Attempts, c)
		if !rec.Has(c.Name) && rec.Set(c.Name, c.Parsed, c.Tier) {
			w := c
			r.Winner = &w
			filled++
		}
		res[c.Name] = r
	}
	return filled
}
