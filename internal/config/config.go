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
	JWKSURL                      string `mapstructure:"JWKS_URL"`
	JWTIssuer                    string `mapstructure:"JWT_ISSUER"`
	AccountRegistryURL           string `mapstructure:"ACCOUNT_REGISTRY_URL"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	TransferMaxAttempts          int    `mapstructure:"TRANSFER_MAX_ATTEMPTS"`
	TransferRetryBackoffMillis   int    `mapstructure:"TRANSFER_RETRY_BACKOFF_MILLIS"`
	TransferRatePerMinute        int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	RecoverySweepIntervalSeconds int    `mapstructure:"RECOVERY_SWEEP_INTERVAL_SECONDS"`
	RecoveryMinAgeSeconds        int    `mapstructure:"RECOVERY_MIN_AGE_SECONDS"`
	RecoveryBatchSize            int    `mapstructure:"RECOVERY_BATCH_SIZE"`
	RecoveryWorkers              int    `mapstructure:"RECOVERY_WORKERS"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "ledger:rate_limit")
	viper.SetDefault("TRANSFER_MAX_ATTEMPTS", 5)
	viper.SetDefault("TRANSFER_RETRY_BACKOFF_MILLIS", 25)
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 0)
	viper.SetDefault("RECOVERY_SWEEP_INTERVAL_SECONDS", 60)
	viper.SetDefault("RECOVERY_MIN_AGE_SECONDS", 30)
	viper.SetDefault("RECOVERY_BATCH_SIZE", 100)
	viper.SetDefault("RECOVERY_WORKERS", 4)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("ACCOUNT_REGISTRY_URL", "ACCOUNT_REGISTRY_URL", "USER_SERVICE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("TRANSFER_MAX_ATTEMPTS")
	_ = viper.BindEnv("TRANSFER_RETRY_BACKOFF_MILLIS")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECOVERY_SWEEP_INTERVAL_SECONDS")
	_ = viper.BindEnv("RECOVERY_MIN_AGE_SECONDS")
	_ = viper.BindEnv("RECOVERY_BATCH_SIZE")
	_ = viper.BindEnv("RECOVERY_WORKERS")

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
	config.AccountRegistryURL = strings.TrimSpace(config.AccountRegistryURL)

	if config.TransferMaxAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive transfer max attempts configured; using default\" attempts=%d", config.TransferMaxAttempts)
		config.TransferMaxAttempts = 5
	}
	if config.TransferRetryBackoffMillis <= 0 {
		config.TransferRetryBackoffMillis = 25
	}
	if config.TransferRatePerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative transfer rate limit configured; disabling\" limit=%d", config.TransferRatePerMinute)
		config.TransferRatePerMinute = 0
	}
	if config.RecoverySweepIntervalSeconds <= 0 {
		config.RecoverySweepIntervalSeconds = 60
	}
	if config.RecoveryMinAgeSeconds <= 0 {
		config.RecoveryMinAgeSeconds = 30
	}
	if config.RecoveryBatchSize <= 0 {
		config.RecoveryBatchSize = 100
	}
	if config.RecoveryWorkers <= 0 {
		config.RecoveryWorkers = 4
	}

	return
}
