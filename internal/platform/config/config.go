package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`

	NextDNSAPIKey    string `env:"NEXTDNS_API_KEY"`
	NextDNSBaseURL   string `env:"NEXTDNS_BASE_URL" default:"https://api.nextdns.io"`
	NextDNSProfileID string `env:"NEXTDNS_PROFILE_ID"` // optional, defaults to the account's first profile

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" default:"5s"`
	RemoteCallTimeout     time.Duration `env:"REMOTE_CALL_TIMEOUT" default:"5s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL":    cfg.DatabaseURL,
		"NEXTDNS_API_KEY": cfg.NextDNSAPIKey,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if cfg.SchedulerPollInterval <= 0 {
		return fmt.Errorf("SCHEDULER_POLL_INTERVAL must be positive")
	}
	if cfg.RemoteCallTimeout <= 0 {
		return fmt.Errorf("REMOTE_CALL_TIMEOUT must be positive")
	}

	return nil
}
