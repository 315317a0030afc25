// Package waterfall runs the tiered extraction state machine: text layer,
// provider detection, pattern tiers and an optional vision fallback, merged
// into one billing record and scored.
package waterfall

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/producer"
	"github.com/sells-group/billrecon/internal/scorer"
)

// Decoder opens raw document bytes. It returns an error wrapping
// ocr.ErrUnreadableDocument when the bytes cannot be opened.
type Decoder interface {
	Decode(ctx context.Context, name string, data []byte) (*model.Document, error)
}

// Executor sequences the producers for one document at a time. It holds no
// per-run state and is safe for concurrent use when its producers are.
type Executor struct {
	producers Producers
	scorer    *scorer.Scorer
	minChars  int
}

// NewExecutor creates an executor. minChars is the average characters per
// page below which a document is routed down the scanned path.
func NewExecutor(p Producers, sc *scorer.Scorer, minChars int) *Executor {
	return &Executor{producers: p, scorer: sc, minChars: minChars}
}

// run is the mutable state of one extraction.
type run struct {
	doc         *model.Document
	in          producer.Input
	scanned     bool
	candidates  []model.FieldCandidate
	record      *model.BillingRecord
	resolutions map[model.Field]FieldResolution
	report      model.ConfidenceReport
	path        []State
	diagnostics []producer.Output
}

// Run decodes data and extracts it. The only error returned is the
// decoder's unreadable-document error.
func (e *Executor) Run(ctx context.Context, dec Decoder, name string, data []byte) (*Result, error) {
	doc, err := dec.Decode(ctx, name, data)
	if err != nil {
		return nil, err
	}
	return e.Extract(ctx, doc), nil
}

// Extract drives the state machine from TIER0_TEXT to DONE. It always
// returns a result.
func (e *Executor) Extract(ctx context.Context, doc *model.Document) *Result {
	if doc == nil {
		doc = &model.Document{}
	}
	r := &run{
		doc:    doc,
		in:     producer.NewInput(doc, false),
		record: model.NewBillingRecord(),
	}

	for state := StateText; ; {
		r.path = append(r.path, state)
		if state == StateDone {
			break
		}
		state = e.step(ctx, state, r)
	}

	res := &Result{
		Document:    doc.Name,
		Fingerprint: doc.Fingerprint,
		Record:      r.record,
		Report:      r.report,
		Scanned:     r.scanned,
		Provider:    r.in.Provider.Name,
		Path:        r.path,
		Diagnostics: r.diagnostics,
		Resolutions: r.resolutions,
	}
	for _, fr := range r.resolutions {
		if fr.Winner != nil {
			res.FieldsResolved++
		}
	}

	zap.L().Info("waterfall: extraction complete",
		zap.String("document", doc.Name),
		zap.Bool("scanned", r.scanned),
		zap.String("provider", res.Provider),
		zap.Float64("score", r.report.Score),
		zap.String("verdict", string(r.report.Verdict)),
		zap.Int("fields_resolved", res.FieldsResolved),
		zap.Any("path", r.path),
	)
	return res
}

// step executes one state and returns the next.
func (e *Executor) step(ctx context.Context, state State, r *run) State {
	switch state {
	case StateText:
		r.collect(e.produce(ctx, e.producers.Text, r.in, model.TierText))
		r.scanned = isScanned(r.doc, e.minChars)
		r.in = producer.NewInput(r.doc, r.scanned)
		return StateProvider

	case StateProvider:
		out := e.produce(ctx, e.producers.Provider, r.in, model.TierProvider)
		if out.Provider != nil {
			r.in.Provider = *out.Provider
		}
		r.collect(out)
		return StatePattern

	case StatePattern:
		if r.scanned {
			r.collect(e.produce(ctx, e.producers.Spatial, r.in, model.TierPattern))
		} else {
			r.collect(e.produce(ctx, e.producers.Generic, r.in, model.TierPattern))
		}
		r.collect(e.produce(ctx, e.producers.ProviderPattern, r.in, model.TierProviderPattern))
		r.record, r.resolutions = merge(r.candidates)
		r.report = e.scorer.ForBillType(r.in.Provider.BillType).Score(r.candidates, r.record)
		if shouldEscalate(r.report, e.producers.Vision) {
			return StateVision
		}
		return StateDone

	case StateVision:
		out := e.produce(ctx, e.producers.Vision, r.in, model.TierVision)
		r.collect(out)
		if n := fillGaps(r.record, r.resolutions, out.Candidates); n > 0 {
			r.report = e.scorer.ForBillType(r.in.Provider.BillType).Score(r.candidates, r.record)
		}
		return StateDone
	}
	return StateDone
}

// isScanned is the TIER0_TEXT guard: a document whose text layer is sparser
// than minChars per page takes the spatial-anchor route.
func isScanned(doc *model.Document, minChars int) bool {
	return doc.AvgCharsPerPage() < float64(minChars)
}

// shouldEscalate is the TIER2_OR_3_PATTERN guard: vision runs only for an
// escalate verdict when a vision credential is configured.
func shouldEscalate(report model.ConfidenceReport, vision VisionProducer) bool {
	return report.Verdict == model.VerdictEscalate && vision != nil && vision.Available()
}

func (r *run) collect(out producer.Output) {
	r.diagnostics = append(r.diagnostics, out)
	r.candidates = append(r.candidates, out.Candidates...)
}

// produce calls p and converts a panic into a failed, empty output so one
// producer can never abort the run.
func (e *Executor) produce(ctx context.Context, p producer.Producer, in producer.Input, tier model.Tier) (out producer.Output) {
	if p == nil {
		return producer.Output{Producer: string(tier), Failure: "producer not configured", Skipped: true}
	}
	name := p.Name()
	defer func() {
		if rec := recover(); rec != nil {
			zap.L().Error("waterfall: producer panicked",
				zap.String("producer", name),
				zap.String("tier", string(tier)),
				zap.String("document", in.Doc.Name),
				zap.Any("panic", rec),
			)
			out = producer.Output{Producer: name, Failure: fmt.Sprintf("producer panicked: %v", rec)}
		}
	}()

	out = p.Produce(ctx, in)
	out.Producer = name
	if out.Failure != "" {
		zap.L().Debug("waterfall: producer returned nothing",
			zap.String("producer", name),
			zap.String("tier", string(tier)),
			zap.Bool("skipped", out.Skipped),
			zap.String("reason", out.Failure),
		)
	}
	return out
}
