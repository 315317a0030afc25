package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/resilience"
	"github.com/sells-group/billrecon/pkg/anthropic"
)

// visionConfidence is attached to every field the vision model returns.
const visionConfidence = 0.75

const visionSystemPrompt = `You read Irish electricity bills. Reply with a single JSON object and nothing else.
Use these keys when the value is printed on the bill, omit keys you cannot read:
%s
Dates must be DD/MM/YYYY. Amounts, rates and kWh are plain numbers without currency symbols or units.
vat_rate is a percentage number such as 13.5.`

// VisionClient returns a hosted vision client, or nil when no API key is
// configured.
func VisionClient(cfg config.VisionConfig) anthropic.Client {
	if cfg.APIKey == "" {
		return nil
	}
	return anthropic.NewClient(cfg.APIKey)
}

// Vision sends rendered page images to a vision model and reads its JSON
// answer. Whether it is available is fixed at construction: without a
// client every run is skipped and nothing is sent.
type Vision struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	maxPages  int
	timeout   time.Duration
	retry     resilience.RetryConfig
	limiter   *rate.Limiter
	breaker   *resilience.Breaker
}

// VisionOption customizes a Vision producer.
type VisionOption func(*Vision)

// WithLimiter shares a request rate limiter across producers.
func WithLimiter(l *rate.Limiter) VisionOption {
	return func(v *Vision) { v.limiter = l }
}

// WithBreaker shares a circuit breaker across producers.
func WithBreaker(b *resilience.Breaker) VisionOption {
	return func(v *Vision) { v.breaker = b }
}

// WithRetry overrides the retry policy for vision calls.
func WithRetry(r resilience.RetryConfig) VisionOption {
	return func(v *Vision) { v.retry = r }
}

// NewVision creates the vision producer. A nil client makes it unavailable.
func NewVision(client anthropic.Client, cfg config.VisionConfig, opts ...VisionOption) *Vision {
	v := &Vision{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxPages:  cfg.MaxPages,
		timeout:   time.Duration(cfg.TimeoutSecs) * time.Second,
		retry:     resilience.DefaultRetryConfig().WithAttempts(cfg.MaxRetries),
	}
	v.retry.ShouldRetry = anthropic.IsRetryable
	v.retry.OnRetry = resilience.RetryLogger("anthropic", "vision")
	if cfg.RequestsPerSec > 0 {
		v.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	for _, o := range opts {
		o(v)
	}
	if v.breaker == nil {
		v.breaker = resilience.NewBreaker("vision", 0, 0)
	}
	if v.maxTokens <= 0 {
		v.maxTokens = 2048
	}
	if v.maxPages <= 0 {
		v.maxPages = 3
	}
	if v.timeout <= 0 {
		v.timeout = 60 * time.Second
	}
	return v
}

// Available reports whether a vision credential was configured.
func (v *Vision) Available() bool { return v != nil && v.client != nil }

// Name implements Producer.
func (v *Vision) Name() string { return NameVision }

// Produce implements Producer. Every external failure (timeout, rate limit,
// API error, open breaker, malformed answer) is reported as skipped.
func (v *Vision) Produce(ctx context.Context, in Input) Output {
	if !v.Available() {
		return skipped(NameVision, "no vision credential configured")
	}
	if in.Doc == nil {
		return skipped(NameVision, "no page images")
	}
	pages := in.Doc.Images()
	if len(pages) == 0 {
		return skipped(NameVision, "no page images")
	}
	if len(pages) > v.maxPages {
		pages = pages[:v.maxPages]
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return skipped(NameVision, "vision rate limit: "+err.Error())
		}
	}
	if err := v.breaker.Allow(); err != nil {
		return skipped(NameVision, "vision circuit open")
	}

	req := v.request(pages)
	resp, err := resilience.Do(ctx, v.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return v.client.CreateMessage(ctx, req)
	})
	v.breaker.Record(err)
	if err != nil {
		zap.L().Warn("vision call failed",
			zap.String("tier", string(model.TierVision)),
			zap.String("document", in.Doc.Name),
			zap.Error(err),
		)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return skipped(NameVision, "vision call timed out")
		}
		return skipped(NameVision, "vision call failed: "+err.Error())
	}
	resp.Usage.LogCost(v.model, in.Doc.Name)

	cands, err := parseVision(resp.Text())
	if err != nil {
		zap.L().Warn("malformed vision response", zap.String("document", in.Doc.Name), zap.Error(err))
		return skipped(NameVision, "malformed vision response")
	}
	if len(cands) == 0 {
		return failed(NameVision, "vision model returned no fields")
	}
	return Output{Producer: NameVision, Candidates: cands}
}

func (v *Vision) request(pages []model.Page) anthropic.MessageRequest {
	keys := make([]string, 0, len(model.AllFields))
	for _, f := range model.AllFields {
		keys = append(keys, string(f))
	}
	images := make([]anthropic.Image, 0, len(pages))
	for _, p := range pages {
		mt := p.ImageType
		if mt == "" {
			mt = "image/png"
		}
		images = append(images, anthropic.Image{MediaType: mt, Data: p.Image})
	}
	temp := 0.0
	return anthropic.MessageRequest{
		Model:     v.model,
		MaxTokens: v.maxTokens,
		System: []anthropic.SystemBlock{{
			Text:         fmt.Sprintf(visionSystemPrompt, strings.Join(keys, ", ")),
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Extract the billing fields from these %d page(s).", len(images)),
			Images:  images,
		}},
		Temperature: &temp,
	}
}

// parseVision reads the JSON object in a model reply. Text around the
// object is ignored; keys that are not billing fields, nulls and values that
// do not parse are dropped.
func parseVision(text string) ([]model.FieldCandidate, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("producer: no JSON object in vision reply")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, eris.Wrap(err, "producer: decode vision reply")
	}

	var out []model.FieldCandidate
	for _, f := range model.AllFields {
		v, ok := raw[string(f)]
		if !ok {
			continue
		}
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case float64:
			s = strconv.FormatFloat(x, 'f', -1, 64)
		default:
			continue
		}
		if c, ok := model.NewCandidate(f, s, model.TierVision, visionConfidence); ok {
			out = append(out, c)
		}
	}
	return out, nil
}
