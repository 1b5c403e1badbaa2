package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"dealpilot"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"dealpilot"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Server
	ServerPort int `envconfig:"SERVER_PORT" default:"8081"`

	// Queue tuning
	WorkersPerQueue     int `envconfig:"WORKERS_PER_QUEUE" default:"4"`
	DefaultMaxAttempts  int `envconfig:"DEFAULT_MAX_ATTEMPTS" default:"5"`
	BackoffBaseMS       int `envconfig:"BACKOFF_BASE_MS" default:"2000"`
	BackoffCapMS        int `envconfig:"BACKOFF_CAP_MS" default:"600000"`
	VisibilityTimeoutS  int `envconfig:"VISIBILITY_TIMEOUT_SECONDS" default:"120"`
	DequeuePollMS       int `envconfig:"DEQUEUE_POLL_MS" default:"500"`
	ModelTimeoutSeconds int `envconfig:"MODEL_TIMEOUT_SECONDS" default:"45"`

	// Scanner cadences (cron expressions)
	SilenceScanSpec  string `envconfig:"SILENCE_SCAN_SPEC" default:"0 * * * *"`
	DeadlineScanSpec string `envconfig:"DEADLINE_SCAN_SPEC" default:"30 * * * *"`
	ClosingScanSpec  string `envconfig:"CLOSING_SCAN_SPEC" default:"15 */3 * * *"`
	DailyRefreshSpec string `envconfig:"DAILY_REFRESH_SPEC" default:"0 6 * * *"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
	StartupInitTimeoutSeconds  int `envconfig:"STARTUP_INIT_TIMEOUT_SECONDS" default:"30"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell; .env files are best effort.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.BackoffBaseMS <= 0 || c.BackoffCapMS < c.BackoffBaseMS {
		return fmt.Errorf("%w: BACKOFF_BASE_MS/BACKOFF_CAP_MS", ErrMissingRequired)
	}
	return nil
}
