package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL string
	HTTPPort    string
	LogLevel    string
	LogJSON     bool

	// Worker tuning
	PollInterval      time.Duration // how often the dispatcher looks for claimable tasks
	WorkerConcurrency int           // max simultaneously running import workers
	WorkerBudget      time.Duration // conservative fraction of the platform execution ceiling
	PageSize          int           // items per source page
	MaxItemsPerBox    int           // hard ceiling on items imported per mailbox
	ItemsPerSecond    int           // fixed inter-item pacing against the upstream quota
	MaxAttempts       int           // queue redeliveries before a task fails its identity
	LeaseDuration     time.Duration // claim lease; expired leases are reclaimed by the reaper
	ShutdownTimeout   time.Duration

	// Upstream request ceiling shared by all workers in this process
	RequestLimit  int
	RequestWindow time.Duration

	GoogleClientID     string
	GoogleClientSecret string
}

// Load reads configuration from environment variables, with a local .env file
// applied first when present.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		DatabaseURL: v.GetString("DATABASE_URL"),
		HTTPPort:    v.GetString("HTTP_PORT"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogJSON:     v.GetBool("LOG_JSON"),

		PollInterval:      v.GetDuration("POLL_INTERVAL"),
		WorkerConcurrency: v.GetInt("WORKER_CONCURRENCY"),
		WorkerBudget:      v.GetDuration("WORKER_BUDGET"),
		PageSize:          v.GetInt("PAGE_SIZE"),
		MaxItemsPerBox:    v.GetInt("MAX_ITEMS_PER_MAILBOX"),
		ItemsPerSecond:    v.GetInt("ITEMS_PER_SECOND"),
		MaxAttempts:       v.GetInt("MAX_ATTEMPTS"),
		LeaseDuration:     v.GetDuration("LEASE_DURATION"),
		ShutdownTimeout:   v.GetDuration("SHUTDOWN_TIMEOUT"),

		RequestLimit:  v.GetInt("REQUEST_LIMIT"),
		RequestWindow: v.GetDuration("REQUEST_WINDOW"),

		GoogleClientID:     v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		logrus.Warn("GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Gmail API will not work")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_JSON", false)

	v.SetDefault("POLL_INTERVAL", "10s")
	v.SetDefault("WORKER_CONCURRENCY", 4)
	// 85% of a 9-minute serverless execution ceiling
	v.SetDefault("WORKER_BUDGET", "459s")
	v.SetDefault("PAGE_SIZE", 100)
	v.SetDefault("MAX_ITEMS_PER_MAILBOX", 10000)
	v.SetDefault("ITEMS_PER_SECOND", 5)
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("LEASE_DURATION", "10m")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")

	v.SetDefault("REQUEST_LIMIT", 200)
	v.SetDefault("REQUEST_WINDOW", "1m")
}
