package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Spatial    SpatialConfig    `yaml:"spatial" mapstructure:"spatial"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Vision     VisionConfig     `yaml:"vision" mapstructure:"vision"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// ExtractionConfig configures text-layer routing.
type ExtractionConfig struct {
	// MinCharsPerPage is the average text-layer density below which a
	// document is treated as a scanned image.
	MinCharsPerPage int    `yaml:"min_chars_per_page" mapstructure:"min_chars_per_page"`
	RulesPath       string `yaml:"rules_path" mapstructure:"rules_path"`
}

// SpatialConfig configures the OCR anchor matcher window.
type SpatialConfig struct {
	RightWindow        float64 `yaml:"right_window" mapstructure:"right_window"`
	BelowWindow        float64 `yaml:"below_window" mapstructure:"below_window"`
	RowTolerance       float64 `yaml:"row_tolerance" mapstructure:"row_tolerance"`
	RightWeight        float64 `yaml:"right_weight" mapstructure:"right_weight"`
	MinTokenConfidence float64 `yaml:"min_token_confidence" mapstructure:"min_token_confidence"`
}

// ScoringConfig holds the confidence policy constants.
type ScoringConfig struct {
	PassThreshold     float64 `yaml:"pass_threshold" mapstructure:"pass_threshold"`
	WarnThreshold     float64 `yaml:"warn_threshold" mapstructure:"warn_threshold"`
	CurrencyTolerance float64 `yaml:"currency_tolerance" mapstructure:"currency_tolerance"`
	KWhTolerance      float64 `yaml:"kwh_tolerance" mapstructure:"kwh_tolerance"`
	MaxFutureDays     int     `yaml:"max_future_days" mapstructure:"max_future_days"`
	PresenceWeight    float64 `yaml:"presence_weight" mapstructure:"presence_weight"`
	HardPenalty       float64 `yaml:"hard_penalty" mapstructure:"hard_penalty"`
	SoftPenalty       float64 `yaml:"soft_penalty" mapstructure:"soft_penalty"`

	// CriticalFields is the presence profile for bills of unknown type.
	CriticalFields []string `yaml:"critical_fields" mapstructure:"critical_fields"`

	// Profiles maps a provider bill type (electricity, gas, fuel) to the
	// fields its bills are expected to carry.
	Profiles map[string][]string `yaml:"profiles" mapstructure:"profiles"`
}

// ReconcileConfig holds the variance severity cutoffs.
type ReconcileConfig struct {
	VarianceWarn float64 `yaml:"variance_warn" mapstructure:"variance_warn"`
	VarianceHigh float64 `yaml:"variance_high" mapstructure:"variance_high"`
}

// VisionConfig configures the hosted vision fallback tier.
type VisionConfig struct {
	APIKey         string  `yaml:"api_key" mapstructure:"api_key"`
	Model          string  `yaml:"model" mapstructure:"model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxPages       int     `yaml:"max_pages" mapstructure:"max_pages"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// OCRConfig configures the document decoding collaborators.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	PdfToPpmPath  string `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	TesseractPath string `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	DPI           int    `yaml:"dpi" mapstructure:"dpi"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// StoreConfig configures the fingerprint store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BILLRECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("extraction.min_chars_per_page", 100)
	v.SetDefault("extraction.rules_path", "")
	v.SetDefault("spatial.right_window", 10.0)
	v.SetDefault("spatial.below_window", 8.0)
	v.SetDefault("spatial.row_tolerance", 1.5)
	v.SetDefault("spatial.right_weight", 0.8)
	v.SetDefault("spatial.min_token_confidence", 30.0)
	v.SetDefault("scoring.pass_threshold", 0.85)
	v.SetDefault("scoring.warn_threshold", 0.5)
	v.SetDefault("scoring.currency_tolerance", 0.01)
	v.SetDefault("scoring.kwh_tolerance", 0.1)
	v.SetDefault("scoring.max_future_days", 31)
	v.SetDefault("scoring.presence_weight", 0.8)
	v.SetDefault("scoring.hard_penalty", 0.25)
	v.SetDefault("scoring.soft_penalty", 0.1)
	v.SetDefault("scoring.critical_fields", []string{
		"mprn", "account_number", "start_date", "end_date",
		"total_kwh", "subtotal", "vat_amount", "total",
	})
	v.SetDefault("scoring.profiles", map[string][]string{
		"electricity": {
			"mprn", "account_number", "start_date", "end_date",
			"total_kwh", "subtotal", "vat_amount", "total",
		},
		"gas": {
			"account_number", "start_date", "end_date",
			"subtotal", "vat_rate", "vat_amount", "total",
		},
		"fuel": {
			"invoice_number", "invoice_date",
			"subtotal", "vat_rate", "vat_amount", "total",
		},
	})
	v.SetDefault("reconcile.variance_warn", 0.05)
	v.SetDefault("reconcile.variance_high", 0.25)
	v.SetDefault("vision.api_key", "")
	v.SetDefault("vision.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("vision.max_tokens", 2048)
	v.SetDefault("vision.max_pages", 3)
	v.SetDefault("vision.timeout_secs", 60)
	v.SetDefault("vision.max_retries", 2)
	v.SetDefault("vision.requests_per_sec", 1.0)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.dpi", 200)
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "billrecon.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("batch.max_concurrent_documents", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_mb", 25)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
