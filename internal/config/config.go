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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" mapstructure:"openai"`
	Gateway   GatewayConfig   `yaml:"gateway" mapstructure:"gateway"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Budget    BudgetConfig    `yaml:"budget" mapstructure:"budget"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Anonymize AnonymizeConfig `yaml:"anonymize" mapstructure:"anonymize"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig holds OpenAI-compatible API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// GatewayConfig configures provider selection and retry behavior.
type GatewayConfig struct {
	DefaultProvider  string  `yaml:"default_provider" mapstructure:"default_provider"`
	FallbackProvider string  `yaml:"fallback_provider" mapstructure:"fallback_provider"`
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBaseMs    int     `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffMaxMs     int     `yaml:"backoff_max_ms" mapstructure:"backoff_max_ms"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BulkThreshold    int     `yaml:"bulk_threshold" mapstructure:"bulk_threshold"`
	RateLimitPerSec  float64 `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
	RateLimitBurst   int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// CacheConfig configures the analysis result cache.
type CacheConfig struct {
	Capacity      int `yaml:"capacity" mapstructure:"capacity"`
	TTLHours      int `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	SweepInterval int `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
}

// BudgetConfig holds spend ceilings. Zero means unlimited.
type BudgetConfig struct {
	DailyUSD   float64 `yaml:"daily_usd" mapstructure:"daily_usd"`
	MonthlyUSD float64 `yaml:"monthly_usd" mapstructure:"monthly_usd"`
}

// BatchConfig configures sub-batch processing.
type BatchConfig struct {
	Size        int `yaml:"size" mapstructure:"size"`
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// QueueConfig configures job dispatch.
type QueueConfig struct {
	Workers           int `yaml:"workers" mapstructure:"workers"`
	VisibilitySecs    int `yaml:"visibility_secs" mapstructure:"visibility_secs"`
	MaxDeliveries     int `yaml:"max_deliveries" mapstructure:"max_deliveries"`
	PollIntervalMs    int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ReaperIntervalSec int `yaml:"reaper_interval_secs" mapstructure:"reaper_interval_secs"`
}

// AnonymizeConfig configures the anonymization engine.
type AnonymizeConfig struct {
	DefaultK            int     `yaml:"default_k" mapstructure:"default_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// NotifyConfig configures progress subscriptions.
type NotifyConfig struct {
	SubscriberTokens []string `yaml:"subscriber_tokens" mapstructure:"subscriber_tokens"`
	BufferSize       int      `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PricingConfig points at the per-provider rates file. Inline overrides
// take precedence over the file.
type PricingConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "insight.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("gateway.default_provider", "anthropic")
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.backoff_base_ms", 500)
	v.SetDefault("gateway.backoff_max_ms", 30000)
	v.SetDefault("gateway.timeout_secs", 60)
	v.SetDefault("gateway.bulk_threshold", 100)
	v.SetDefault("gateway.rate_limit_per_sec", 5)
	v.SetDefault("gateway.rate_limit_burst", 10)
	v.SetDefault("cache.capacity", 1000)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.sweep_interval_secs", 300)
	v.SetDefault("batch.size", 20)
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.visibility_secs", 300)
	v.SetDefault("queue.max_deliveries", 3)
	v.SetDefault("queue.poll_interval_ms", 250)
	v.SetDefault("queue.reaper_interval_secs", 30)
	v.SetDefault("anonymize.default_k", 3)
	v.SetDefault("anonymize.similarity_threshold", 0.3)
	v.SetDefault("notify.buffer_size", 64)

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
