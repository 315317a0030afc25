// Package producer defines the field candidate producers. Each producer reads
// one decoded document and proposes candidate values; none of them returns
// an error for bad input, they report a failure reason instead.
package producer

import (
	"context"

	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/rules"
)

// Producer names used in diagnostics.
const (
	NameText            = "native_text"
	NameProvider        = "provider_detector"
	NameGeneric         = "generic_pattern"
	NameProviderPattern = "provider_pattern"
	NameSpatial         = "spatial_anchor"
	NameVision          = "vision"
)

// Input is what a producer sees: the document plus what earlier tiers
// learned about it.
type Input struct {
	Doc *model.Document
	// Text is the document text for regex producers: the text layer, or the
	// OCR token text for scanned documents.
	Text     string
	Scanned  bool
	Provider rules.Provider
}

// NewInput builds an Input, choosing the text source by scan state.
func NewInput(doc *model.Document, scanned bool) Input {
	in := Input{Doc: doc, Scanned: scanned, Provider: rules.Unknown}
	if scanned {
		in.Text = doc.TokenText()
	} else {
		in.Text = doc.Text()
	}
	return in
}

// Output is the result of one producer run. Failure is set when the
// producer could not contribute; Skipped marks a producer that did not
// apply to this document at all.
type Output struct {
	Producer   string                 `json:"producer"`
	Candidates []model.FieldCandidate `json:"candidates,omitempty"`
	Failure    string                 `json:"failure,omitempty"`
	Skipped    bool                   `json:"skipped,omitempty"`

	// Provider is set by the provider detector.
	Provider *rules.Provider `json:"-"`
}

// Producer proposes field candidates for a document.
type Producer interface {
	Name() string
	Produce(ctx context.Context, in Input) Output
}

func failed(name, reason string) Output {
	return Output{Producer: name, Failure: reason}
}

func skipped(name, reason string) Output {
	return Output{Producer: name, Failure: reason, Skipped: true}
}

// fromMatches turns rule matches into typed candidates. A billing period
// match yields both start and end dates; matches that do not parse are dropped.
func fromMatches(matches []rules.Match, tier model.Tier) []model.FieldCandidate {
	var out []model.FieldCandidate
	for _, m := range matches {
		if m.Key == rules.PeriodKey {
			raw := m.Raw
			if len(m.Groups) == 2 {
				raw = m.Groups[0] + " - " + m.Groups[1]
			}
			out = append(out, periodCandidates(raw, tier, m.Confidence)...)
			continue
		}
		if c, ok := model.NewCandidate(model.Field(m.Key), m.Raw, tier, m.Confidence); ok {
			out = append(out, c)
		}
	}
	return out
}

func periodCandidates(raw string, tier model.Tier, conf float64) []model.FieldCandidate {
	start, end, err := model.ParsePeriod(raw)
	if err != nil {
		return nil
	}
	return []model.FieldCandidate{
		{Name: model.FieldStartDate, Raw: raw, Parsed: start, Tier: tier, Confidence: conf},
		{Name: model.FieldEndDate, Raw: raw, Parsed: end, Tier: tier, Confidence: conf},
	}
}
