// Package config loads gateway settings from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds every gateway setting. Keys match the environment variable
// names; a YAML file uses the same keys in lower case.
type Config struct {
	Port        int    `mapstructure:"port"`
	StoreURL    string `mapstructure:"store_url"`
	EventLogURL string `mapstructure:"event_log_url"`

	HMACSecretKey        string  `mapstructure:"hmac_secret_key"`
	MaxTransactionAmount float64 `mapstructure:"max_transaction_amount"`

	MaxConcurrentPayments    int     `mapstructure:"max_concurrent_payments"`
	ProcessingTimeMinSeconds float64 `mapstructure:"processing_time_min_seconds"`
	ProcessingTimeMaxSeconds float64 `mapstructure:"processing_time_max_seconds"`
	SuccessRate              float64 `mapstructure:"success_rate"`

	IdempotencyWindowHours float64 `mapstructure:"idempotency_window_hours"`

	MaxRetries          int     `mapstructure:"max_retries"`
	RetryBackoffSeconds float64 `mapstructure:"retry_backoff_seconds"`
	AutoRetryEnabled    bool    `mapstructure:"auto_retry_enabled"`

	WebhookTimeoutSeconds float64 `mapstructure:"webhook_timeout_seconds"`
	WebhookMaxRetries     int     `mapstructure:"webhook_max_retries"`
	WebhookBackoffSeconds float64 `mapstructure:"webhook_backoff_seconds"`

	PublicBaseURL string `mapstructure:"public_base_url"`

	IngressRateRPS   float64 `mapstructure:"ingress_rate_rps"`
	IngressRateBurst int     `mapstructure:"ingress_rate_burst"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

var defaults = map[string]any{
	"port":                        8002,
	"store_url":                   "bolt://ap2.db",
	"event_log_url":               "bolt://events.db",
	"hmac_secret_key":             "your-secret-key-change-in-production",
	"max_transaction_amount":      100000.0,
	"max_concurrent_payments":     10,
	"processing_time_min_seconds": 1.0,
	"processing_time_max_seconds": 5.0,
	"success_rate":                0.95,
	"idempotency_window_hours":    24.0,
	"max_retries":                 3,
	"retry_backoff_seconds":       10.0,
	"auto_retry_enabled":          false,
	"webhook_timeout_seconds":     30.0,
	"webhook_max_retries":         5,
	"webhook_backoff_seconds":     2.0,
	"public_base_url":             "http://payment-gateway:8002",
	"ingress_rate_rps":            0.0,
	"ingress_rate_burst":          10,
	"log_level":                   "info",
	"log_format":                  "json",
}

// Load reads the configuration. path may be empty; when set, the YAML file
// is read first and environment variables override it.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.StoreURL == "" {
		errs = append(errs, errors.New("STORE_URL is empty"))
	}
	if c.EventLogURL == "" {
		errs = append(errs, errors.New("EVENT_LOG_URL is empty"))
	}
	if c.HMACSecretKey == "" {
		errs = append(errs, errors.New("HMAC_SECRET_KEY is empty"))
	}
	if c.MaxTransactionAmount <= 0 {
		errs = append(errs, errors.New("MAX_TRANSACTION_AMOUNT must be positive"))
	}
	if c.MaxConcurrentPayments <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_PAYMENTS must be positive"))
	}
	if c.ProcessingTimeMinSeconds < 0 || c.ProcessingTimeMaxSeconds < c.ProcessingTimeMinSeconds {
		errs = append(errs, fmt.Errorf("processing time window [%g, %g] is invalid",
			c.ProcessingTimeMinSeconds, c.ProcessingTimeMaxSeconds))
	}
	if c.SuccessRate < 0 || c.SuccessRate > 1 {
		errs = append(errs, fmt.Errorf("SUCCESS_RATE %g outside [0, 1]", c.SuccessRate))
	}
	if c.IdempotencyWindowHours <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_WINDOW_HOURS must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.RetryBackoffSeconds < 0 {
		errs = append(errs, errors.New("RETRY_BACKOFF_SECONDS must not be negative"))
	}
	if c.WebhookTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("WEBHOOK_TIMEOUT_SECONDS must be positive"))
	}
	if c.WebhookMaxRetries < 0 {
		errs = append(errs, errors.New("WEBHOOK_MAX_RETRIES must not be negative"))
	}
	if c.WebhookBackoffSeconds < 0 {
		errs = append(errs, errors.New("WEBHOOK_BACKOFF_SECONDS must not be negative"))
	}
	if c.IngressRateRPS < 0 {
		errs = append(errs, errors.New("INGRESS_RATE_RPS must not be negative"))
	}
	if c.IngressRateRPS > 0 && c.IngressRateBurst <= 0 {
		errs = append(errs, errors.New("INGRESS_RATE_BURST must be positive when rate limiting is on"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// MaxAmount returns MAX_TRANSACTION_AMOUNT as a decimal.
func (c *Config) MaxAmount() decimal.Decimal {
	return decimal.NewFromFloat(c.MaxTransactionAmount)
}

// ProcessingTimeMin is the shortest simulated settlement delay.
func (c *Config) ProcessingTimeMin() time.Duration {
	return seconds(c.ProcessingTimeMinSeconds)
}

// ProcessingTimeMax is the longest simulated settlement delay.
func (c *Config) ProcessingTimeMax() time.Duration {
	return seconds(c.ProcessingTimeMaxSeconds)
}

// IdempotencyWindow is how long a key can be replayed.
func (c *Config) IdempotencyWindow() time.Duration {
	return time.Duration(c.IdempotencyWindowHours * float64(time.Hour))
}

// RetryBackoff is the wait before an automatic retry.
func (c *Config) RetryBackoff() time.Duration {
	return seconds(c.RetryBackoffSeconds)
}

// WebhookTimeout bounds one callback attempt.
func (c *Config) WebhookTimeout() time.Duration {
	return seconds(c.WebhookTimeoutSeconds)
}

// WebhookBackoff is the unit of the linear backoff between callback attempts.
func (c *Config) WebhookBackoff() time.Duration {
	return seconds(c.WebhookBackoffSeconds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
