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
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Index      IndexConfig      `yaml:"index" mapstructure:"index"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Transform  CommandConfig    `yaml:"transform" mapstructure:"transform"`
	Aggregate  CommandConfig    `yaml:"aggregate" mapstructure:"aggregate"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// IndexConfig selects and configures the metadata index backend.
type IndexConfig struct {
	Backend     string      `yaml:"backend" mapstructure:"backend"` // solr, postgres, sqlite, memory
	SolrURL     string      `yaml:"solr_url" mapstructure:"solr_url"`
	Collection  string      `yaml:"collection" mapstructure:"collection"`
	DatabaseURL string      `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string      `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Rows        int         `yaml:"rows" mapstructure:"rows"`
	TimeoutSecs int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retry       RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures exponential backoff for index and fetch calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// StorageConfig configures archive upload of harvested granules. An empty
// BucketURL keeps granules on local disk only.
type StorageConfig struct {
	BucketURL string `yaml:"bucket_url" mapstructure:"bucket_url"` // s3://, gs://, file://, mem://
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
}

// PipelineConfig configures dataset runs.
type PipelineConfig struct {
	OutputDir          string `yaml:"output_dir" mapstructure:"output_dir"`
	DatasetsDir        string `yaml:"datasets_dir" mapstructure:"datasets_dir"`
	Concurrency        int    `yaml:"concurrency" mapstructure:"concurrency"`
	DatasetParallelism int    `yaml:"dataset_parallelism" mapstructure:"dataset_parallelism"`
	FetchTimeoutSecs   int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// FetchConfig configures byte transfer from sources.
type FetchConfig struct {
	UserAgent               string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries              int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec              float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// CommandConfig configures an external processing command.
type CommandConfig struct {
	Command     string   `yaml:"command" mapstructure:"command"`
	Args        []string `yaml:"args" mapstructure:"args"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// MonitoringConfig configures dataset health checks and alerting.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	StaleAfterHours   int    `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
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
	v.SetEnvPrefix("GRANULE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("index.backend", "sqlite")
	v.SetDefault("index.sqlite_path", "granule-index.db")
	v.SetDefault("index.collection", "ecco_datasets")
	v.SetDefault("index.rows", 300000)
	v.SetDefault("index.timeout_secs", 60)
	v.SetDefault("index.retry.max_attempts", 3)
	v.SetDefault("index.retry.initial_backoff_ms", 500)
	v.SetDefault("index.retry.max_backoff_ms", 30000)
	v.SetDefault("index.retry.multiplier", 2.0)
	v.SetDefault("index.retry.jitter_fraction", 0.25)
	v.SetDefault("pipeline.datasets_dir", "datasets")
	v.SetDefault("pipeline.concurrency", 4)
	v.SetDefault("pipeline.dataset_parallelism", 1)
	v.SetDefault("pipeline.fetch_timeout_secs", 600)
	v.SetDefault("fetch.user_agent", "granule-sync/1.0")
	v.SetDefault("fetch.timeout_secs", 120)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_per_sec", 10.0)
	v.SetDefault("fetch.burst", 10)
	v.SetDefault("fetch.circuit_failure_threshold", 5)
	v.SetDefault("fetch.circuit_reset_secs", 60)
	v.SetDefault("transform.timeout_secs", 3600)
	v.SetDefault("aggregate.timeout_secs", 7200)
	v.SetDefault("metrics.namespace", "granule_sync")
	v.SetDefault("monitoring.stale_after_hours", 48)
	v.SetDefault("monitoring.check_interval_secs", 300)

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

// Validate checks settings every pipeline entry point depends on.
func (c *Config) Validate() error {
	if c.Pipeline.OutputDir == "" {
		return &ValidationError{Field: "pipeline.output_dir", Msg: "is required"}
	}
	if c.Pipeline.DatasetsDir == "" {
		return &ValidationError{Field: "pipeline.datasets_dir", Msg: "is required"}
	}
	switch c.Index.Backend {
	case "solr":
		if c.Index.SolrURL == "" {
			return &ValidationError{Field: "index.solr_url", Msg: "is required for the solr backend"}
		}
	case "postgres":
		if c.Index.DatabaseURL == "" {
			return &ValidationError{Field: "index.database_url", Msg: "is required for the postgres backend"}
		}
	case "sqlite":
		if c.Index.SQLitePath == "" {
			return &ValidationError{Field: "index.sqlite_path", Msg: "is required for the sqlite backend"}
		}
	case "memory":
	default:
		return &ValidationError{Field: "index.backend", Msg: "unknown backend " + c.Index.Backend}
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
