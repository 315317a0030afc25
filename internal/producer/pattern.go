package producer

import (
	"context"

	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/rules"
)

// GenericPattern runs the provider-agnostic regex table.
type GenericPattern struct {
	fields map[string]rules.FieldRule
}

// NewGenericPattern builds the producer from the generic rule table.
func NewGenericPattern(set *rules.Set) *GenericPattern {
	return &GenericPattern{fields: set.Generic}
}

// Name implements Producer.
func (p *GenericPattern) Name() string { return NameGeneric }

// Produce implements Producer.
func (p *GenericPattern) Produce(_ context.Context, in Input) Output {
	if in.Text == "" {
		return failed(NameGeneric, "no text to match")
	}
	cands := fromMatches(rules.Apply(p.fields, in.Text), model.TierPattern)
	if len(cands) == 0 {
		return failed(NameGeneric, "no generic pattern matched")
	}
	return Output{Producer: NameGeneric, Candidates: cands}
}

// ProviderPattern runs the rule table of the detected provider. It only
// applies when a provider was detected and that provider has a table.
type ProviderPattern struct{}

// NewProviderPattern returns the provider-specific pattern producer.
func NewProviderPattern() *ProviderPattern { return &ProviderPattern{} }

// Name implements Producer.
func (p *ProviderPattern) Name() string { return NameProviderPattern }

// Produce implements Producer.
func (p *ProviderPattern) Produce(_ context.Context, in Input) Output {
	if in.Provider.IsUnknown() {
		return skipped(NameProviderPattern, "provider unknown")
	}
	if !in.Provider.HasRules() {
		return skipped(NameProviderPattern, "no rule table for "+in.Provider.Name)
	}
	if in.Text == "" {
		return failed(NameProviderPattern, "no text to match")
	}

	text := in.Provider.Normalize(in.Text)
	cands := fromMatches(rules.Apply(in.Provider.Fields, text), model.TierProviderPattern)
	if len(cands) == 0 {
		return failed(NameProviderPattern, in.Provider.Name+" rules matched nothing")
	}
	return Output{Producer: NameProviderPattern, Candidates: cands}
}
