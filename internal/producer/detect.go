package producer

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/rules"
)

// unknownConfidence is the confidence attached to an "unknown" provider tag.
const unknownConfidence = 0.5

// ProviderDetector picks the provider whose signature keywords occur most
// often in the document. Within one provider a keyword contained in a longer
// matched keyword is not counted, and ties go to the earlier table entry.
type ProviderDetector struct {
	providers []rules.Provider
	keywords  [][]string // folded, per provider
}

// NewProviderDetector builds a detector over the provider table.
func NewProviderDetector(set *rules.Set) *ProviderDetector {
	d := &ProviderDetector{providers: set.Providers}
	for _, p := range set.Providers {
		kws := make([]string, 0, len(p.Keywords))
		for _, k := range p.Keywords {
			if f := Fold(k); f != "" {
				kws = append(kws, f)
			}
		}
		d.keywords = append(d.keywords, kws)
	}
	return d
}

// Name implements Producer.
func (d *ProviderDetector) Name() string { return NameProvider }

// Produce implements Producer. It never fails: no signature match yields the
// unknown provider.
func (d *ProviderDetector) Produce(_ context.Context, in Input) Output {
	p, score := d.Detect(in.Text)
	out := Output{Producer: NameProvider, Provider: &p}

	conf := unknownConfidence
	if !p.IsUnknown() {
		conf = min(0.95, 0.7+0.05*float64(score))
	}
	out.Candidates = []model.FieldCandidate{{
		Name:       model.FieldProvider,
		Raw:        p.Name,
		Parsed:     p.Name,
		Tier:       model.TierProvider,
		Confidence: conf,
	}}
	if p.IsUnknown() {
		out.Failure = "no provider signature matched"
	}
	return out
}

// Detect returns the best matching provider and its keyword hit count.
func (d *ProviderDetector) Detect(text string) (rules.Provider, int) {
	folded := Fold(text)
	if folded == "" {
		return rules.Unknown, 0
	}

	best, bestScore := -1, 0
	for i, kws := range d.keywords {
		if score := keywordScore(folded, kws); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return rules.Unknown, 0
	}
	return d.providers[best], bestScore
}

// keywordScore counts the occurrences of one provider's matched keywords.
// A matched keyword contained in a longer matched keyword of the same
// provider is dropped; if that drops all of them the longest is kept.
func keywordScore(text string, kws []string) int {
	var matched []string
	for _, k := range kws {
		if strings.Contains(text, k) {
			matched = append(matched, k)
		}
	}
	if len(matched) == 0 {
		return 0
	}

	var kept []string
	for _, k := range matched {
		inner := false
		for _, other := range matched {
			if other != k && strings.Contains(other, k) {
				inner = true
				break
			}
		}
		if !inner {
			kept = append(kept, k)
		}
	}
	if len(kept) == 0 {
		longest := matched[0]
		for _, k := range matched[1:] {
			if len(k) > len(longest) {
				longest = k
			}
		}
		kept = []string{longest}
	}

	score := 0
	for _, k := range kept {
		score += strings.Count(text, k)
	}
	return score
}

// Fold lowercases s, strips diacritics and collapses whitespace so
// "Bord Gáis" and "bord  gais" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(out), " ")
}
