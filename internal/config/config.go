package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the agent configuration, read from the environment.
type Config struct {
	DataStoreDir         string `envconfig:"DATA_STORE_DIR" default:"/var/lib/mender"`
	DBPath               string `envconfig:"DB_PATH" default:"/var/lib/mender/mender-store.db"`
	ModulesPath          string `envconfig:"MODULES_PATH" default:"/usr/share/mender/modules"`
	ModulesWorkPath      string `envconfig:"MODULES_WORK_PATH" default:"/var/lib/mender/modules/v3"`
	ModuleTimeoutSeconds int    `envconfig:"MODULE_TIMEOUT_SECONDS" default:"14400"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	KeepStaleTreesFor time.Duration `envconfig:"KEEP_STALE_TREES_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	WebhookURL        string        `envconfig:"WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"false"`
		ServiceName  string `split_words:"true" default:"update-agent"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads the environment and rejects a non-positive module timeout.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration from environment: %w", err)
	}

	if cfg.ModuleTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("MODULE_TIMEOUT_SECONDS must be positive, got %d", cfg.ModuleTimeoutSeconds)
	}

	return &cfg, nil
}

// ModuleTimeout is the longest an update module may go without making progress.
func (c *Config) ModuleTimeout() time.Duration {
	return time.Duration(c.ModuleTimeoutSeconds) * time.Second
}

// SlogLevel parses LogLevel the way slog does (case-insensitive, "WARN+2"
// style offsets allowed), falling back to INFO.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}

	return level
}
