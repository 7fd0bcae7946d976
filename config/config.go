package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log" // Use global logger
)

// Config holds all configuration fields for the application.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	DBDriver    string `env:"DB_DRIVER" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL"`

	GatewayBaseURL string        `env:"GATEWAY_BASE_URL"`
	GatewayAPIKey  string        `env:"GATEWAY_API_KEY"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"30s"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`

	ResponderURL    string `env:"RESPONDER_URL"`
	ResponderAPIKey string `env:"RESPONDER_API_KEY"`

	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE" envDefault:"zapdesk.events"`

	Queue   QueueConfig
	Health  HealthConfig
	Handoff HandoffConfig
	S3      S3Config
}

type QueueConfig struct {
	PollInterval   time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"5s"`
	BatchSize      int           `env:"QUEUE_BATCH_SIZE" envDefault:"10"`
	MaxRetries     int           `env:"QUEUE_MAX_RETRIES" envDefault:"3"`
	BaseBackoff    time.Duration `env:"QUEUE_BASE_BACKOFF" envDefault:"30s"`
	Retention      time.Duration `env:"QUEUE_RETENTION" envDefault:"168h"`
	RetentionSweep string        `env:"QUEUE_RETENTION_SWEEP" envDefault:"@hourly"`
}

type HealthConfig struct {
	CheckInterval          time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"60s"`
	AlertThreshold         int           `env:"HEALTH_ALERT_THRESHOLD" envDefault:"3"`
	MaxConsecutiveFailures int           `env:"HEALTH_MAX_CONSECUTIVE_FAILURES" envDefault:"5"`
	AutoReconnect          bool          `env:"HEALTH_AUTO_RECONNECT" envDefault:"true"`
}

type HandoffConfig struct {
	Keywords         []string `env:"HANDOFF_KEYWORDS" envSeparator:"," envDefault:"humano,atendente,pessoa,human,agent"`
	Message          string   `env:"HANDOFF_MESSAGE" envDefault:"Vou transferir você para um atendente humano. Aguarde um momento, por favor."`
	ReplyFragmentMax int      `env:"REPLY_FRAGMENT_MAX" envDefault:"3"`
}

type S3Config struct {
	Enabled       bool   `env:"S3_ENABLED" envDefault:"false"`
	Endpoint      string `env:"S3_ENDPOINT"`
	Region        string `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket        string `env:"S3_BUCKET"`
	AccessKey     string `env:"S3_ACCESS_KEY"`
	SecretKey     string `env:"S3_SECRET_KEY"`
	PathStyle     bool   `env:"S3_PATH_STYLE" envDefault:"true"`
	PublicURL     string `env:"S3_PUBLIC_URL"`
	RetentionDays int    `env:"S3_RETENTION_DAYS" envDefault:"30"`
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present.
func LoadConfig() (*Config, error) {
	// Environment variables take precedence over the .env file.
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Handoff.Keywords = normalizeKeywords(cfg.Handoff.Keywords)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("dbDriver", cfg.DBDriver).Str("port", cfg.Port).Msg("Configuration loaded")
	return cfg, nil
}

// Validate rejects tunables the workers cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER: unsupported driver %q", c.DBDriver))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("QUEUE_POLL_INTERVAL must be positive"))
	}
	if c.Queue.BatchSize <= 0 {
		errs = append(errs, errors.New("QUEUE_BATCH_SIZE must be positive"))
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("QUEUE_MAX_RETRIES must not be negative"))
	}
	if c.Queue.BaseBackoff <= 0 {
		errs = append(errs, errors.New("QUEUE_BASE_BACKOFF must be positive"))
	}
	if c.Queue.Retention <= 0 {
		errs = append(errs, errors.New("QUEUE_RETENTION must be positive"))
	}
	if c.Health.CheckInterval <= 0 {
		errs = append(errs, errors.New("HEALTH_CHECK_INTERVAL must be positive"))
	}
	if c.Health.AlertThreshold <= 0 {
		errs = append(errs, errors.New("HEALTH_ALERT_THRESHOLD must be positive"))
	}
	if c.Health.MaxConsecutiveFailures <= 0 {
		errs = append(errs, errors.New("HEALTH_MAX_CONSECUTIVE_FAILURES must be positive"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET is required when S3_ENABLED is set"))
	}
	return errors.Join(errs...)
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
