package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Clinic calendar
	ClinicID       string
	ClinicName     string
	ClinicTimezone string

	// Sweeps
	NoShowSweepInterval   time.Duration
	RefundSweepInterval   time.Duration
	RefundReminderEnabled bool

	// Risk policy
	RiskWarnAtCount       int
	RiskBlockAtCount      int
	RiskAdminAlertAtCount int
	RiskBlockType         string

	// Notification transport
	NotifyQueueDriver   string
	NotifyQueueURL      string
	NotifyQueueName     string
	AMQPURL             string
	NotifyRatePerSecond float64
	NotifyWorkerCount   int
	AdminEmails         []string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Email
	EmailProvider       string
	SESFromEmail        string
	SESConfigurationSet string
	SendGridAPIKey      string
	SendGridFromEmail   string
	SendGridFromName    string

	// SMS
	TelnyxAPIKey     string
	TelnyxFromNumber string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is honoured when present; real environment wins.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		ClinicID:       getEnv("CLINIC_ID", "default"),
		ClinicName:     getEnv("CLINIC_NAME", "Clinic"),
		ClinicTimezone: getEnv("CLINIC_TIMEZONE", "Asia/Manila"),

		NoShowSweepInterval:   getEnvAsDuration("NO_SHOW_SWEEP_INTERVAL", 15*time.Minute),
		RefundSweepInterval:   getEnvAsDuration("REFUND_DEADLINE_SWEEP_INTERVAL", time.Hour),
		RefundReminderEnabled: getEnvAsBool("REFUND_REMINDER_ENABLED", true),

		RiskWarnAtCount:       getEnvAsInt("RISK_WARN_AT_COUNT", 2),
		RiskBlockAtCount:      getEnvAsInt("RISK_BLOCK_AT_COUNT", 3),
		RiskAdminAlertAtCount: getEnvAsInt("RISK_ADMIN_ALERT_AT_COUNT", 2),
		RiskBlockType:         strings.ToLower(getEnv("RISK_BLOCK_TYPE", "account")),

		NotifyQueueDriver:   strings.ToLower(strings.TrimSpace(getEnv("NOTIFY_QUEUE_DRIVER", "memory"))),
		NotifyQueueURL:      getEnv("NOTIFY_QUEUE_URL", ""),
		NotifyQueueName:     getEnv("NOTIFY_QUEUE_NAME", "clinic.notifications"),
		AMQPURL:             getEnv("AMQP_URL", ""),
		NotifyRatePerSecond: getEnvAsFloat("NOTIFY_RATE_PER_SECOND", 5),
		NotifyWorkerCount:   getEnvAsInt("NOTIFY_WORKER_COUNT", 2),
		AdminEmails:         getEnvAsList("ADMIN_EMAILS"),

		AWSRegion:           getEnv("AWS_REGION", "ap-southeast-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		EmailProvider:       strings.ToLower(getEnv("EMAIL_PROVIDER", "stub")),
		SESFromEmail:        getEnv("SES_FROM_EMAIL", ""),
		SESConfigurationSet: getEnv("SES_CONFIGURATION_SET", ""),
		SendGridAPIKey:      getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail:   getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:    getEnv("SENDGRID_FROM_NAME", ""),

		TelnyxAPIKey:     getEnv("TELNYX_API_KEY", ""),
		TelnyxFromNumber: getEnv("TELNYX_FROM_NUMBER", ""),
	}
}

// Location resolves the clinic timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
