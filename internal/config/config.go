/**
 * @description
 * This package handles the configuration management for the settlement
 * service. It uses the Viper library to read configuration from environment
 * variables, providing a centralized and straightforward way to manage
 * application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix    string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	SettlementEventExchange string `mapstructure:"SETTLEMENT_EVENT_EXCHANGE"`
	ProviderAPIBaseURL      string `mapstructure:"PROVIDER_API_BASE_URL"`
	ProviderAPIKey          string `mapstructure:"PROVIDER_API_KEY"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWKSURL            string `mapstructure:"ADMIN_JWKS_URL"`

	// Commission fallback applied when no rule matches at any scope.
	// A negative value means "not configured", which is a fatal startup error.
	DefaultCommissionPercent float64 `mapstructure:"DEFAULT_COMMISSION_PERCENT"`

	// Escrow clearance and payout policy.
	ClearanceWindowHours    int   `mapstructure:"CLEARANCE_WINDOW_HOURS"`
	MinPayoutThresholdCents int64 `mapstructure:"MIN_PAYOUT_THRESHOLD_CENTS"`
	PayoutMaxRetryAttempts  int   `mapstructure:"PAYOUT_MAX_RETRY_ATTEMPTS"`
	PayoutRetryDelayHours   int   `mapstructure:"PAYOUT_RETRY_DELAY_HOURS"`
	RefundToleranceCents    int64 `mapstructure:"REFUND_TOLERANCE_CENTS"`
	RefundConflictRetries   int   `mapstructure:"REFUND_CONFLICT_RETRIES"`

	// Cron schedules for the background sweeps.
	ClearanceSweepSchedule   string `mapstructure:"CLEARANCE_SWEEP_SCHEDULE"`
	PayoutGenerationSchedule string `mapstructure:"PAYOUT_GENERATION_SCHEDULE"`
	PayoutProcessingSchedule string `mapstructure:"PAYOUT_PROCESSING_SCHEDULE"`
	PayoutRetrySchedule      string `mapstructure:"PAYOUT_RETRY_SCHEDULE"`

	// Refund submission rate limiting (per initiator, fixed window).
	RefundRateLimitPerMinute int `mapstructure:"REFUND_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("SETTLEMENT_EVENT_EXCHANGE", "settlement.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "settlement:rate_limit")
	viper.SetDefault("DEFAULT_COMMISSION_PERCENT", -1.0)
	viper.SetDefault("CLEARANCE_WINDOW_HOURS", 168) // 7 days
	viper.SetDefault("MIN_PAYOUT_THRESHOLD_CENTS", 5000)
	viper.SetDefault("PAYOUT_MAX_RETRY_ATTEMPTS", 3)
	viper.SetDefault("PAYOUT_RETRY_DELAY_HOURS", 6)
	viper.SetDefault("REFUND_TOLERANCE_CENTS", 1)
	viper.SetDefault("REFUND_CONFLICT_RETRIES", 3)
	viper.SetDefault("CLEARANCE_SWEEP_SCHEDULE", "0 * * * *")
	viper.SetDefault("PAYOUT_GENERATION_SCHEDULE", "0 2 * * *")
	viper.SetDefault("PAYOUT_PROCESSING_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("PAYOUT_RETRY_SCHEDULE", "*/30 * * * *")
	viper.SetDefault("REFUND_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EVENT_EXCHANGE")
	_ = viper.BindEnv("PROVIDER_API_BASE_URL")
	_ = viper.BindEnv("PROVIDER_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("ADMIN_JWKS_URL")
	_ = viper.BindEnv("DEFAULT_COMMISSION_PERCENT")
	_ = viper.BindEnv("CLEARANCE_WINDOW_HOURS")
	_ = viper.BindEnv("MIN_PAYOUT_THRESHOLD_CENTS")
	_ = viper.BindEnv("PAYOUT_MAX_RETRY_ATTEMPTS")
	_ = viper.BindEnv("PAYOUT_RETRY_DELAY_HOURS")
	_ = viper.BindEnv("REFUND_TOLERANCE_CENTS")
	_ = viper.BindEnv("REFUND_CONFLICT_RETRIES")
	_ = viper.BindEnv("CLEARANCE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_GENERATION_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_PROCESSING_SCHEDULE")
	_ = viper.BindEnv("PAYOUT_RETRY_SCHEDULE")
	_ = viper.BindEnv("REFUND_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "settlement:rate_limit"
	}

	if config.ClearanceWindowHours <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive clearance window; using default\" hours=%d", config.ClearanceWindowHours)
		config.ClearanceWindowHours = 168
	}
	if config.MinPayoutThresholdCents < 0 {
		log.Printf("level=warn component=config msg=\"negative payout threshold; coercing to zero\" cents=%d", config.MinPayoutThresholdCents)
		config.MinPayoutThresholdCents = 0
	}
	if config.PayoutMaxRetryAttempts <= 0 {
		config.PayoutMaxRetryAttempts = 3
	}
	if config.PayoutRetryDelayHours <= 0 {
		config.PayoutRetryDelayHours = 6
	}
	if config.RefundToleranceCents < 0 {
		config.RefundToleranceCents = 0
	}
	if config.RefundConflictRetries <= 0 {
		config.RefundConflictRetries = 3
	}
	if config.RefundRateLimitPerMinute < 0 {
		config.RefundRateLimitPerMinute = 0
	}

	return
}

// ValidateSettlement checks the invariants that must hold before the service
// is allowed to process money. A missing commission default is a fatal
// configuration error: it must fail here at startup, never per-transaction.
func (c *Config) ValidateSettlement() error {
	if c.DefaultCommissionPercent < 0 {
		return errors.New("DEFAULT_COMMISSION_PERCENT must be configured (no commission fallback)")
	}
	if c.DefaultCommissionPercent > 100 {
		return errors.New("DEFAULT_COMMISSION_PERCENT must not exceed 100")
	}
	return nil
}
