/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	ResultEventExchange          string `mapstructure:"RESULT_EVENT_EXCHANGE"`
	ExecutorBaseURL              string `mapstructure:"EXECUTOR_BASE_URL"`
	ExecutorAPIKey               string `mapstructure:"EXECUTOR_API_KEY"`
	ExecutorTimeoutSeconds       int    `mapstructure:"EXECUTOR_TIMEOUT_SECONDS"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	MailRelayBaseURL             string `mapstructure:"MAIL_RELAY_BASE_URL"`
	MailRelayAPIKey              string `mapstructure:"MAIL_RELAY_API_KEY"`
	EmailPollSchedule            string `mapstructure:"EMAIL_POLL_SCHEDULE"`
	RedemptionAlertSchedule      string `mapstructure:"REDEMPTION_ALERT_SCHEDULE"`
	RedemptionStaleAfterMinutes  int    `mapstructure:"REDEMPTION_STALE_AFTER_MINUTES"`
	RedemptionWorkers            int    `mapstructure:"REDEMPTION_WORKERS"`
	RedemptionQueueSize          int    `mapstructure:"REDEMPTION_QUEUE_SIZE"`
	RedemptionRateLimitPerMinute int    `mapstructure:"REDEMPTION_RATE_LIMIT_PER_MINUTE"`
	LedgerHistoryDefaultLimit    int    `mapstructure:"LEDGER_HISTORY_DEFAULT_LIMIT"`
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
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RESULT_EVENT_EXCHANGE", "ledger_service.results")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("EXECUTOR_TIMEOUT_SECONDS", 300)
	viper.SetDefault("EMAIL_POLL_SCHEDULE", "@every 2m")
	viper.SetDefault("REDEMPTION_ALERT_SCHEDULE", "@every 10m")
	viper.SetDefault("REDEMPTION_STALE_AFTER_MINUTES", 30)
	viper.SetDefault("REDEMPTION_WORKERS", 4)
	viper.SetDefault("REDEMPTION_QUEUE_SIZE", 64)
	viper.SetDefault("REDEMPTION_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("LEDGER_HISTORY_DEFAULT_LIMIT", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RESULT_EVENT_EXCHANGE")
	_ = viper.BindEnv("EXECUTOR_BASE_URL")
	_ = viper.BindEnv("EXECUTOR_API_KEY")
	_ = viper.BindEnv("EXECUTOR_TIMEOUT_SECONDS")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("MAIL_RELAY_BASE_URL")
	_ = viper.BindEnv("MAIL_RELAY_API_KEY")
	_ = viper.BindEnv("EMAIL_POLL_SCHEDULE")
	_ = viper.BindEnv("REDEMPTION_ALERT_SCHEDULE")
	_ = viper.BindEnv("REDEMPTION_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("REDEMPTION_WORKERS")
	_ = viper.BindEnv("REDEMPTION_QUEUE_SIZE")
	_ = viper.BindEnv("REDEMPTION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("LEDGER_HISTORY_DEFAULT_LIMIT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "ledger:rate_limit"
	}

	if config.ExecutorTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive executor timeout configured; using default\" seconds=%d", config.ExecutorTimeoutSeconds)
		config.ExecutorTimeoutSeconds = 300
	}
	if config.RedemptionStaleAfterMinutes <= 0 {
		config.RedemptionStaleAfterMinutes = 30
	}
	if config.RedemptionWorkers <= 0 {
		config.RedemptionWorkers = 4
	}
	if config.RedemptionQueueSize <= 0 {
		config.RedemptionQueueSize = 64
	}
	if config.RedemptionRateLimitPerMinute <= 0 {
		config.RedemptionRateLimitPerMinute = 10
	}
	if config.LedgerHistoryDefaultLimit <= 0 {
		config.LedgerHistoryDefaultLimit = 10
	}

	return
}
