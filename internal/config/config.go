/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables (with
 * an optional .env file), providing a centralized and straightforward way to
 * manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the custody service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	WalletRPCURL         string `mapstructure:"WALLET_RPC_URL"`
	WalletRPCUsername    string `mapstructure:"WALLET_RPC_USERNAME"`
	WalletRPCPassword    string `mapstructure:"WALLET_RPC_PASSWORD"`
	ChatAPIBaseURL       string `mapstructure:"CHAT_API_BASE_URL"`
	ChatBotToken         string `mapstructure:"CHAT_BOT_TOKEN"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	TransferEventStream  string `mapstructure:"TRANSFER_EVENT_EXCHANGE"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	TipRateLimitPerMinute  int `mapstructure:"TIP_RATE_LIMIT_PER_MINUTE"`
	RainRateLimitPerMinute int `mapstructure:"RAIN_RATE_LIMIT_PER_MINUTE"`

	DepositPollSeconds         int    `mapstructure:"DEPOSIT_POLL_SECONDS"`
	ActivityRetentionHours     int    `mapstructure:"ACTIVITY_RETENTION_HOURS"`
	ActivityPruneSchedule      string `mapstructure:"ACTIVITY_PRUNE_SCHEDULE"`
	WithdrawalConfirmTTLSecond int    `mapstructure:"WITHDRAWAL_CONFIRM_TTL_SECONDS"`
	TransferPriority           uint   `mapstructure:"TRANSFER_PRIORITY"`
}

// DepositPollInterval returns the reconciliation poll interval.
func (c Config) DepositPollInterval() time.Duration {
	return time.Duration(c.DepositPollSeconds) * time.Second
}

// ActivityRetention returns the rain eligibility window.
func (c Config) ActivityRetention() time.Duration {
	return time.Duration(c.ActivityRetentionHours) * time.Hour
}

// WithdrawalConfirmTTL returns how long a prepared withdrawal waits for
// confirmation before it is discarded.
func (c Config) WithdrawalConfirmTTL() time.Duration {
	return time.Duration(c.WithdrawalConfirmTTLSecond) * time.Second
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
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("WALLET_RPC_URL", "http://127.0.0.1:18083")
	viper.SetDefault("CHAT_API_BASE_URL", "https://api.telegram.org")
	viper.SetDefault("TRANSFER_EVENT_EXCHANGE", "custody_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "custody:rate_limit")
	viper.SetDefault("TIP_RATE_LIMIT_PER_MINUTE", 12)
	viper.SetDefault("RAIN_RATE_LIMIT_PER_MINUTE", 3)
	viper.SetDefault("DEPOSIT_POLL_SECONDS", 30)
	viper.SetDefault("ACTIVITY_RETENTION_HOURS", 48)
	viper.SetDefault("ACTIVITY_PRUNE_SCHEDULE", "@hourly")
	viper.SetDefault("WITHDRAWAL_CONFIRM_TTL_SECONDS", 300)
	viper.SetDefault("TRANSFER_PRIORITY", 1)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("WALLET_RPC_URL")
	_ = viper.BindEnv("WALLET_RPC_USERNAME")
	_ = viper.BindEnv("WALLET_RPC_PASSWORD")
	_ = viper.BindEnv("CHAT_API_BASE_URL")
	_ = viper.BindEnv("CHAT_BOT_TOKEN", "CHAT_BOT_TOKEN", "BOT_TOKEN")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_EVENT_EXCHANGE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("TIP_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RAIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("DEPOSIT_POLL_SECONDS")
	_ = viper.BindEnv("ACTIVITY_RETENTION_HOURS")
	_ = viper.BindEnv("ACTIVITY_PRUNE_SCHEDULE")
	_ = viper.BindEnv("WITHDRAWAL_CONFIRM_TTL_SECONDS")
	_ = viper.BindEnv("TRANSFER_PRIORITY")

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
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "custody:rate_limit"
	}
	config.WalletRPCURL = strings.TrimRight(strings.TrimSpace(config.WalletRPCURL), "/")
	config.ChatAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.ChatAPIBaseURL), "/")

	if config.DepositPollSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"invalid deposit poll interval; using default\" seconds=%d", config.DepositPollSeconds)
		config.DepositPollSeconds = 30
	}
	if config.ActivityRetentionHours <= 0 {
		config.ActivityRetentionHours = 48
	}
	if strings.TrimSpace(config.ActivityPruneSchedule) == "" {
		config.ActivityPruneSchedule = "@hourly"
	}
	if config.WithdrawalConfirmTTLSecond <= 0 {
		config.WithdrawalConfirmTTLSecond = 300
	}
	if config.TipRateLimitPerMinute < 0 {
		config.TipRateLimitPerMinute = 0
	}
	if config.RainRateLimitPerMinute < 0 {
		config.RainRateLimitPerMinute = 0
	}

	return
}
