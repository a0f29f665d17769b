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

// Config holds all the configuration variables for the credit-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	LedgerTimezone            string `mapstructure:"LEDGER_TIMEZONE"`
	DailyDecreaseLimit        int64  `mapstructure:"DAILY_DECREASE_LIMIT"`
	InviterBonusCredits       int64  `mapstructure:"INVITER_BONUS_CREDITS"`
	InviteeBonusCredits       int64  `mapstructure:"INVITEE_BONUS_CREDITS"`
	RegistrationBonusCredits  int64  `mapstructure:"REGISTRATION_BONUS_CREDITS"`
	InviteEnabled             bool   `mapstructure:"INVITE_ENABLED"`
	InviteCodeMinLength       int    `mapstructure:"INVITE_CODE_MIN_LENGTH"`
	InviteCodeMaxLength       int    `mapstructure:"INVITE_CODE_MAX_LENGTH"`
	BatchAdjustMaxAccounts    int    `mapstructure:"BATCH_ADJUST_MAX_ACCOUNTS"`
	DecreaseThrottlePerMinute int    `mapstructure:"DECREASE_THROTTLE_PER_MINUTE"`
	ReconcileSchedule         string `mapstructure:"RECONCILE_SCHEDULE"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "credit:rate_limit")
	viper.SetDefault("LEDGER_TIMEZONE", "Asia/Shanghai")
	viper.SetDefault("DAILY_DECREASE_LIMIT", 50)
	viper.SetDefault("INVITER_BONUS_CREDITS", 10)
	viper.SetDefault("INVITEE_BONUS_CREDITS", 10)
	viper.SetDefault("REGISTRATION_BONUS_CREDITS", 10)
	viper.SetDefault("INVITE_ENABLED", true)
	viper.SetDefault("INVITE_CODE_MIN_LENGTH", 4)
	viper.SetDefault("INVITE_CODE_MAX_LENGTH", 20)
	viper.SetDefault("BATCH_ADJUST_MAX_ACCOUNTS", 1000)
	viper.SetDefault("DECREASE_THROTTLE_PER_MINUTE", 30)
	viper.SetDefault("RECONCILE_SCHEDULE", "0 * * * *")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CREDIT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CREDIT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("LEDGER_TIMEZONE")
	_ = viper.BindEnv("DAILY_DECREASE_LIMIT")
	_ = viper.BindEnv("INVITER_BONUS_CREDITS")
	_ = viper.BindEnv("INVITEE_BONUS_CREDITS")
	_ = viper.BindEnv("REGISTRATION_BONUS_CREDITS")
	_ = viper.BindEnv("INVITE_ENABLED")
	_ = viper.BindEnv("INVITE_CODE_MIN_LENGTH")
	_ = viper.BindEnv("INVITE_CODE_MAX_LENGTH")
	_ = viper.BindEnv("BATCH_ADJUST_MAX_ACCOUNTS")
	_ = viper.BindEnv("DECREASE_THROTTLE_PER_MINUTE")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("CREDIT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "credit:rate_limit"
	}
	config.LedgerTimezone = strings.TrimSpace(config.LedgerTimezone)
	if config.LedgerTimezone == "" {
		config.LedgerTimezone = "Asia/Shanghai"
	}
	config.ReconcileSchedule = strings.TrimSpace(config.ReconcileSchedule)
	if config.ReconcileSchedule == "" {
		config.ReconcileSchedule = "0 * * * *"
	}

	if config.DailyDecreaseLimit <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive daily decrease limit configured; using default\" limit=%d", config.DailyDecreaseLimit)
		config.DailyDecreaseLimit = 50
	}
	if config.InviterBonusCredits < 0 {
		log.Printf("level=warn component=config msg=\"negative inviter bonus configured; coercing to zero\" bonus=%d", config.InviterBonusCredits)
		config.InviterBonusCredits = 0
	}
	if config.InviteeBonusCredits < 0 {
		log.Printf("level=warn component=config msg=\"negative invitee bonus configured; coercing to zero\" bonus=%d", config.InviteeBonusCredits)
		config.InviteeBonusCredits = 0
	}
	if config.RegistrationBonusCredits < 0 {
		log.Printf("level=warn component=config msg=\"negative registration bonus configured; coercing to zero\" bonus=%d", config.RegistrationBonusCredits)
		config.RegistrationBonusCredits = 0
	}
	if config.InviteCodeMinLength <= 0 {
		config.InviteCodeMinLength = 4
	}
	if config.InviteCodeMaxLength <= 0 {
		config.InviteCodeMaxLength = 20
	}
	if config.InviteCodeMaxLength < config.InviteCodeMinLength {
		log.Printf("level=warn component=config msg=\"invite code length bounds inverted; using defaults\" min=%d max=%d", config.InviteCodeMinLength, config.InviteCodeMaxLength)
		config.InviteCodeMinLength = 4
		config.InviteCodeMaxLength = 20
	}
	if config.BatchAdjustMaxAccounts <= 0 {
		config.BatchAdjustMaxAccounts = 1000
	}
	if config.DecreaseThrottlePerMinute < 0 {
		config.DecreaseThrottlePerMinute = 0
	}

	return
}
