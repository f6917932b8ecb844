package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	NPI        NPIConfig        `yaml:"npi" mapstructure:"npi"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Advisor    AdvisorConfig    `yaml:"advisor" mapstructure:"advisor"`
	Consensus  ConsensusConfig  `yaml:"consensus" mapstructure:"consensus"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Trust      TrustConfig      `yaml:"trust" mapstructure:"trust"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	EventBuffer    int      `yaml:"event_buffer" mapstructure:"event_buffer"`
}

// NPIConfig configures the NPI Registry client.
type NPIConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// GoogleConfig configures the Google Maps client. An empty key disables
// geolocation.
type GoogleConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AdvisorConfig selects the qualitative advisor backend.
type AdvisorConfig struct {
	Provider     string `yaml:"provider" mapstructure:"provider"`
	AnthropicKey string `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	GeminiKey    string `yaml:"gemini_key" mapstructure:"gemini_key"`
	Model        string `yaml:"model" mapstructure:"model"`
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ConsensusConfig points at an optional weight-table override.
type ConsensusConfig struct {
	WeightsFile string `yaml:"weights_file" mapstructure:"weights_file"`
}

// PipelineConfig configures run execution.
type PipelineConfig struct {
	RecordConcurrency int `yaml:"record_concurrency" mapstructure:"record_concurrency"`
}

// NotionConfig holds the review queue credentials.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// TrustConfig configures the trust ledger.
type TrustConfig struct {
	LearningRate float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
}

// MonitoringConfig configures the directory health checker that runs
// alongside serve.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	FlagRateThreshold    float64 `yaml:"flag_rate_threshold" mapstructure:"flag_rate_threshold"`
	MinTrustScore        float64 `yaml:"min_trust_score" mapstructure:"min_trust_score"`
}

// Load reads configuration from .env files, the optional config file, and
// the environment.
func Load() (*Config, error) {
	loadDotEnv(".env", ".env.local")

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".provider-validation"))
	}

	// Environment
	v.SetEnvPrefix("VALIDATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "provider-validation.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.event_buffer", 64)
	v.SetDefault("npi.base_url", "https://npiregistry.cms.hhs.gov/api/")
	v.SetDefault("npi.rate_limit", 5.0)
	v.SetDefault("npi.timeout_secs", 15)
	v.SetDefault("google.key", "")
	v.SetDefault("google.rate_limit", 10.0)
	v.SetDefault("google.timeout_secs", 10)
	v.SetDefault("advisor.provider", "none")
	v.SetDefault("advisor.anthropic_key", "")
	v.SetDefault("advisor.gemini_key", "")
	v.SetDefault("advisor.model", "")
	v.SetDefault("advisor.timeout_secs", 20)
	v.SetDefault("consensus.weights_file", "")
	v.SetDefault("pipeline.record_concurrency", 1)
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.review_db", "")
	v.SetDefault("trust.learning_rate", 0.1)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.flag_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_trust_score", 0.3)

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

// loadDotEnv loads each file that exists. Variables already set win.
func loadDotEnv(files ...string) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			zap.L().Debug("config: skip env file", zap.String("file", f), zap.Error(err))
		}
	}
}

// Validate checks the settings the given mode depends on. Modes are
// "validate" and "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}

	switch c.Advisor.Provider {
	case "", "none":
	case "anthropic":
		if c.Advisor.AnthropicKey == "" {
			problems = append(problems, "advisor.anthropic_key is required")
		}
	case "gemini":
		if c.Advisor.GeminiKey == "" {
			problems = append(problems, "advisor.gemini_key is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("advisor.provider must be anthropic, gemini or none, got %q", c.Advisor.Provider))
	}

	if c.Notion.ReviewDB != "" && c.Notion.Token == "" {
		problems = append(problems, "notion.token is required when notion.review_db is set")
	}
	if c.Pipeline.RecordConcurrency < 1 || c.Pipeline.RecordConcurrency > 32 {
		problems = append(problems, "pipeline.record_concurrency must be between 1 and 32")
	}
	if c.Trust.LearningRate <= 0 || c.Trust.LearningRate > 1 {
		problems = append(problems, "trust.learning_rate must be in (0, 1]")
	}

	switch mode {
	case "validate":
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Server.EventBuffer < 1 {
			problems = append(problems, "server.event_buffer must be > 0")
		}
		if c.Monitoring.Enabled && c.Monitoring.LookbackWindowHours < 1 {
			problems = append(problems, "monitoring.lookback_window_hours must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
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
