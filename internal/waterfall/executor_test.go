package waterfall

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/ocr"
	"github.com/sells-group/billrecon/internal/producer"
	"github.com/sells-group/billrecon/internal/rules"
	"github.com/sells-group/billrecon/internal/scorer"
)

// stubProducer returns a fixed output and records what it was given.
type stubProducer struct {
	name      string
	out       producer.Output
	panicWith any
	available bool
	calls     int
	lastInput producer.Input
}

func (s *stubProducer) Name() string    { return s.name }
func (s *stubProducer) Available() bool { return s.available }

func (s *stubProducer) Produce(_ context.Context, in producer.Input) producer.Output {
	s.calls++
	s.lastInput = in
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.out
}

func cand(t *testing.T, f model.Field, raw string, tier model.Tier, conf float64) model.FieldCandidate {
	t.Helper()
	c, ok := model.NewCandidate(f, raw, tier, conf)
	require.True(t, ok, "candidate %s=%q", f, raw)
	return c
}

type stubs struct {
	text, provider, generic, providerPattern, spatial, vision *stubProducer
}

func newStubs() *stubs {
	return &stubs{
		text:            &stubProducer{name: producer.NameText, out: producer.Output{Failure: "nothing"}},
		provider:        &stubProducer{name: producer.NameProvider, out: producer.Output{Failure: "no provider signature matched"}},
		generic:         &stubProducer{name: producer.NameGeneric, out: producer.Output{Failure: "no generic pattern matched"}},
		providerPattern: &stubProducer{name: producer.NameProviderPattern, out: producer.Output{Failure: "provider unknown", Skipped: true}},
		spatial:         &stubProducer{name: producer.NameSpatial, out: producer.Output{Failure: "no tokens"}},
		vision:          &stubProducer{name: producer.NameVision, out: producer.Output{Failure: "no vision credential configured", Skipped: true}},
	}
}

func (s *stubs) executor() *Executor {
	sc := scorer.New(scorer.DefaultConfig()).WithClock(func() time.Time {
		return time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)
	})
	return NewExecutor(Producers{
		Text:            s.text,
		Provider:        s.provider,
		Generic:         s.generic,
		ProviderPattern: s.providerPattern,
		Spatial:         s.spatial,
		Vision:          s.vision,
	}, sc, 100)
}

func denseDoc() *model.Document {
	return &model.Document{Name: "bill.pdf", Pages: []model.Page{{Number: 1, Text: strings.Repeat("electricity bill text ", 10)}}}
}

func scannedDoc() *model.Document {
	return &model.Document{Name: "scan.png", Pages: []model.Page{{
		Number: 1,
		Image:  []byte{1},
		Tokens: []model.Token{{Text: "Total", Page: 1, Line: 1}},
	}}}
}

// goodCandidates is a consistent bill that scores as pass.
func goodCandidates(t *testing.T, tier model.Tier) []model.FieldCandidate {
	return []model.FieldCandidate{
		cand(t, model.FieldMPRN, "10006002900", tier, 0.9),
		cand(t, model.FieldAccountNumber, "123456789", tier, 0.9),
		cand(t, model.FieldStartDate, "01/01/2025", tier, 0.9),
		cand(t, model.FieldEndDate, "31/01/2025", tier, 0.9),
		cand(t, model.FieldTotalKWh, "1000", tier, 0.9),
		cand(t, model.FieldSubtotal, "100.00", tier, 0.9),
		cand(t, model.FieldVATAmount, "13.50", tier, 0.9),
		cand(t, model.FieldTotal, "113.50", tier, 0.9),
	}
}

func TestExtract_TextPathPass(t *testing.T) {
	s := newStubs()
	s.generic.out = producer.Output{Candidates: goodCandidates(t, model.TierPattern)}
	s.vision.available = true

	res := s.executor().Extract(context.Background(), denseDoc())

	assert.Equal(t, []State{StateText, StateProvider, StatePattern, StateDone}, res.Path)
	assert.False(t, res.Scanned)
	assert.Equal(t, 1, s.generic.calls)
	assert.Zero(t, s.spatial.calls)
	assert.Zero(t, s.vision.calls, "pass verdict never escalates")
	assert.Equal(t, model.VerdictPass, res.Report.Verdict)
	assert.Equal(t, 8, res.FieldsResolved)
	assert.Len(t, res.Diagnostics, 4)
}

func TestExtract_LowDensityTakesSpatialPath(t *testing.T) {
	s := newStubs()
	s.spatial.out = producer.Output{Candidates: goodCandidates(t, model.TierPattern)}

	res := s.executor().Extract(context.Background(), scannedDoc())

	assert.True(t, res.Scanned)
	assert.Equal(t, 1, s.spatial.calls)
	assert.Zero(t, s.generic.calls)
	assert.True(t, s.provider.lastInput.Scanned)
	assert.Equal(t, "Total\n", s.provider.lastInput.Text, "scanned text comes from OCR tokens")
	_, ok := res.Diagnostic(producer.NameSpatial)
	assert.True(t, ok)
}

func TestExtract_EscalatesToVisionWhenAvailable(t *testing.T) {
	s := newStubs()
	s.generic.out = producer.Output{Candidates: []model.FieldCandidate{
		cand(t, model.FieldTotal, "113.50", model.TierPattern, 0.8),
	}}
	s.vision.available = true
	s.vision.out = producer.Output{Candidates: []model.FieldCandidate{
		cand(t, model.FieldTotal, "999.99", model.TierVision, 0.75),
		cand(t, model.FieldMPRN, "10006002900", model.TierVision, 0.75),
	}}

	res := s.executor().Extract(context.Background(), denseDoc())

	assert.Equal(t, []State{StateText, StateProvider, StatePattern, StateVision, StateDone}, res.Path)
	assert.Equal(t, 1, s.vision.calls)

	total, _ := res.Record.Decimal(model.FieldTotal)
	assert.True(t, decimal.RequireFromString("113.50").Equal(total), "vision never overwrites")
	assert.Equal(t, model.TierPattern, res.Record.Provenance[model.FieldTotal])
	assert.Equal(t, "10006002900", res.Record.MPRN, "vision fills gaps")
	assert.Equal(t, model.TierVision, res.Record.Provenance[model.FieldMPRN])
}

func TestExtract_EscalateWithoutVisionGoesToDone(t *testing.T) {
	s := newStubs()
	s.vision.available = false

	res := s.executor().Extract(context.Background(), denseDoc())

	assert.Equal(t, []State{StateText, StateProvider, StatePattern, StateDone}, res.Path)
	assert.Equal(t, model.VerdictEscalate, res.Report.Verdict)
	assert.Zero(t, s.vision.calls)
}

func TestExtract_NilVisionProducer(t *testing.T) {
	s := newStubs()
	exec := s.executor()
	exec.producers.Vision = nil

	res := exec.Extract(context.Background(), denseDoc())
	assert.False(t, res.Visited(StateVision))
}

func TestExtract_ProviderSpecificWinsPerField(t *testing.T) {
	set, err := rules.Default()
	require.NoError(t, err)
	energia := set.Provider("Energia")

	s := newStubs()
	s.provider.out = producer.Output{
		Provider:   &energia,
		Candidates: []model.FieldCandidate{{Name: model.FieldProvider, Raw: "Energia", Parsed: "Energia", Tier: model.TierProvider, Confidence: 0.75}},
	}
	s.generic.out = producer.Output{Candidates: []model.FieldCandidate{
		cand(t, model.FieldTotal, "100.00", model.TierPattern, 0.95),
		cand(t, model.FieldSubtotal, "80.00", model.TierPattern, 0.85),
	}}
	s.providerPattern.out = producer.Output{Candidates: []model.FieldCandidate{
		cand(t, model.FieldTotal, "113.50", model.TierProviderPattern, 0.80),
	}}

	res := s.executor().Extract(context.Background(), denseDoc())

	assert.Equal(t, "Energia", s.providerPattern.lastInput.Provider.Name)
	assert.Equal(t, "Energia", res.Provider)
	assert.Equal(t, "Energia", res.Record.Provider)

	total, _ := res.Record.Decimal(model.FieldTotal)
	assert.True(t, decimal.RequireFromString("113.50").Equal(total))
	assert.Equal(t, model.TierProviderPattern, res.Record.Provenance[model.FieldTotal])

	sub, _ := res.Record.Decimal(model.FieldSubtotal)
	assert.True(t, decimal.RequireFromString("80").Equal(sub), "generic fills fields the provider table lacks")

	fr := res.Resolutions[model.FieldTotal]
	assert.Len(t, fr.Attempts, 2)
	require.NotNil(t, fr.Winner)
	assert.Equal(t, model.TierProviderPattern, fr.Winner.Tier)
}

func TestExtract_ScoresAgainstProviderBillType(t *testing.T) {
	set, err := rules.Default()
	require.NoError(t, err)
	kerry := set.Provider("Kerry Petroleum")
	require.Equal(t, scorer.BillFuel, kerry.BillType)

	s := newStubs()
	s.vision.available = true
	s.provider.out = producer.Output{
		Provider:   &kerry,
		Candidates: []model.FieldCandidate{{Name: model.FieldProvider, Raw: kerry.Name, Parsed: kerry.Name, Tier: model.TierProvider, Confidence: 0.75}},
	}
	s.providerPattern.out = producer.Output{Candidates: []model.FieldCandidate{
		cand(t, model.FieldInvoiceNumber, "204811", model.TierProviderPattern, 0.9),
		cand(t, model.FieldInvoiceDate, "20/01/2025", model.TierProviderPattern, 0.85),
		cand(t, model.FieldSubtotal, "945.00", model.TierProviderPattern, 0.8),
		cand(t, model.FieldVATRate, "13.50", model.TierProviderPattern, 0.75),
		cand(t, model.FieldVATAmount, "127.58", model.TierProviderPattern, 0.75),
		cand(t, model.FieldTotal, "1072.58", model.TierProviderPattern, 0.8),
	}}

	res := s.executor().Extract(context.Background(), denseDoc())

	assert.Equal(t, "Kerry Petroleum", res.Provider)
	assert.Empty(t, res.Report.Failed())
	assert.Equal(t, model.VerdictPass, res.Report.Verdict)
	assert.Zero(t, s.vision.calls, "a complete fuel bill is not escalated for missing electricity fields")
}

func TestExtract_ProducerPanicIsRecovered(t *testing.T) {
	s := newStubs()
	s.generic.panicWith = "regex exploded"
	s.providerPattern.out = producer.Output{Candidates: []model.FieldCandidate{
		cand(t, model.FieldTotal, "50.00", model.TierProviderPattern, 0.8),
	}}

	res := s.executor().Extract(context.Background(), denseDoc())

	out, ok := res.Diagnostic(producer.NameGeneric)
	require.True(t, ok)
	assert.Contains(t, out.Failure, "regex exploded")
	assert.Empty(t, out.Candidates)
	assert.Equal(t, "50.00", res.Record.Total.StringFixed(2))
	assert.Equal(t, StateDone, res.Path[len(res.Path)-1])
}

func TestExtract_EverythingFails(t *testing.T) {
	s := newStubs()

	res := s.executor().Extract(context.Background(), &model.Document{Name: "blank.pdf"})

	require.NotNil(t, res.Record)
	assert.Empty(t, res.Record.Populated())
	assert.Equal(t, model.VerdictEscalate, res.Report.Verdict)
	require.Len(t, res.Report.Checks, 1)
	assert.Equal(t, "no extractable fields found", res.Report.Checks[0].Message)
	assert.Equal(t, model.UnknownProvider, res.Provider)
}

func TestExtract_ProvenanceCoversPopulatedFields(t *testing.T) {
	s := newStubs()
	s.text.out = producer.Output{Candidates: []model.FieldCandidate{cand(t, model.FieldInvoiceNumber, "INV-001", model.TierText, 0.6)}}
	s.generic.out = producer.Output{Candidates: goodCandidates(t, model.TierPattern)}

	res := s.executor().Extract(context.Background(), denseDoc())

	for _, f := range res.Record.Populated() {
		tier, ok := res.Record.Provenance[f]
		require.True(t, ok, "no provenance for %s", f)
		assert.True(t, tier.Valid(), "bad tier %q for %s", tier, f)
	}
	assert.Equal(t, model.TierText, res.Record.Provenance[model.FieldInvoiceNumber])
}

func TestExtract_Idempotent(t *testing.T) {
	s := newStubs()
	s.generic.out = producer.Output{Candidates: goodCandidates(t, model.TierPattern)}
	exec := s.executor()

	first := exec.Extract(context.Background(), denseDoc())
	second := exec.Extract(context.Background(), denseDoc())

	assert.Equal(t, first.Record, second.Record)
	assert.Equal(t, first.Report, second.Report)
	assert.Equal(t, first.Path, second.Path)
}

type stubDecoder struct {
	doc *model.Document
	err error
}

func (d stubDecoder) Decode(context.Context, string, []byte) (*model.Document, error) {
	return d.doc, d.err
}

func TestRun_UnreadableDocumentIsFatal(t *testing.T) {
	s := newStubs()
	dec := stubDecoder{err: eris.Wrap(ocr.ErrUnreadableDocument, "ocr: empty input")}

	res, err := s.executor().Run(context.Background(), dec, "empty.pdf", nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ocr.ErrUnreadableDocument))
	assert.Nil(t, res)
	assert.Zero(t, s.text.calls)
}

func TestRun_DecodesAndExtracts(t *testing.T) {
	s := newStubs()
	s.generic.out = producer.Output{Candidates: goodCandidates(t, model.TierPattern)}
	doc := denseDoc()
	doc.Fingerprint = "abc123"

	res, err := s.executor().Run(context.Background(), stubDecoder{doc: doc}, "bill.pdf", []byte("%PDF"))

	require.NoError(t, err)
	assert.Equal(t, "abc123", res.Fingerprint)
	assert.Equal(t, model.VerdictPass, res.Report.Verdict)
}

func TestIsScanned(t *testing.T) {
	t.Parallel()

	assert.True(t, isScanned(&model.Document{}, 100))
	assert.True(t, isScanned(&model.Document{Pages: []model.Page{{Text: "short"}}}, 100))
	assert.False(t, isScanned(denseDoc(), 100))
}

func TestShouldEscalate(t *testing.T) {
	t.Parallel()

	escalate := model.ConfidenceReport{Verdict: model.VerdictEscalate}
	warn := model.ConfidenceReport{Verdict: model.VerdictWarn}
	on := &stubProducer{available: true}
	off := &stubProducer{}

	assert.True(t, shouldEscalate(escalate, on))
	assert.False(t, shouldEscalate(escalate, off))
	assert.False(t, shouldEscalate(escalate, nil))
	assert.False(t, shouldEscalate(warn, on))
}

const layoutBill = `Energia Energia Energia customer statement for electricity supply
Account Number:   123456789        Invoice Date:  15/02/2025
MPRN:  10006002900
Billing Period:  01/01/2025 - 31/01/2025
Total Units:  1000 kWh
Subtotal:  €100.00
VAT @ 13.5%:  €13.50
Amount Due:  €113.50
`

func TestNewFromConfig_EndToEnd(t *testing.T) {
	set, err := rules.Default()
	require.NoError(t, err)
	cfg := &config.Config{Scoring: scorer.DefaultConfig()}

	exec := NewFromConfig(cfg, set, producer.NewVision(nil, config.VisionConfig{}))
	res := exec.Extract(context.Background(), &model.Document{
		Name:  "energia.pdf",
		Pages: []model.Page{{Number: 1, Text: layoutBill}},
	})

	assert.False(t, res.Scanned)
	assert.Equal(t, "Energia", res.Provider)
	assert.Equal(t, "10006002900", res.Record.MPRN)
	assert.Equal(t, "123456789", res.Record.AccountNumber)
	require.NotNil(t, res.Record.Total)
	assert.Equal(t, "113.50", res.Record.Total.StringFixed(2))
	assert.Equal(t, 31, res.Record.BillingDays())
	assert.NotEqual(t, model.VerdictEscalate, res.Report.Verdict)
	assert.False(t, res.Visited(StateVision))
}
