package waterfall

import (
	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/producer"
	"github.com/sells-group/billrecon/internal/rules"
	"github.com/sells-group/billrecon/internal/scorer"
)

// defaultMinChars is the text density below which a document is scanned.
const defaultMinChars = 100

// VisionProducer is a producer whose availability is fixed at construction.
type VisionProducer interface {
	producer.Producer
	Available() bool
}

// Producers is the set of producers the state machine sequences. Nil
// entries are treated as producers that returned nothing.
type Producers struct {
	Text            producer.Producer
	Provider        producer.Producer
	Generic         producer.Producer
	ProviderPattern producer.Producer
	Spatial         producer.Producer
	Vision          VisionProducer
}

// NewProducers builds the standard producer set from the rule tables and
// application config. vision may be nil.
func NewProducers(cfg *config.Config, set *rules.Set, vision VisionProducer) Producers {
	return Producers{
		Text:            producer.NewNativeText(set, minChars(cfg)),
		Provider:        producer.NewProviderDetector(set),
		Generic:         producer.NewGenericPattern(set),
		ProviderPattern: producer.NewProviderPattern(),
		Spatial:         producer.NewSpatialAnchor(set, cfg.Spatial),
		Vision:          vision,
	}
}

// NewFromConfig wires an executor from application config.
func NewFromConfig(cfg *config.Config, set *rules.Set, vision VisionProducer) *Executor {
	return NewExecutor(NewProducers(cfg, set, vision), scorer.New(cfg.Scoring), minChars(cfg))
}

func minChars(cfg *config.Config) int {
	if cfg == nil || cfg.Extraction.MinCharsPerPage <= 0 {
		return defaultMinChars
	}
	return cfg.Extraction.MinCharsPerPage
}
