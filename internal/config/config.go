package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
	Database    DatabaseConfig
	RabbitMQ    RabbitMQConfig
	Billing     BillingConfig
	Schedule    ScheduleConfig
	Sweep       SweepConfig
	Anomaly     AnomalyConfig
}

// HTTPConfig holds the on-demand endpoint settings
type HTTPConfig struct {
	Port int
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL    string
	Schema string
}

// RabbitMQConfig holds RabbitMQ connection and routing settings
type RabbitMQConfig struct {
	URL                string
	Exchange           string
	ReadingRoutingKey  string
	ConsumerRoutingKey string
	RetryBufferSize    int
	RetryMaxAttempts   int
	DialTimeout        time.Duration
	RetryCooldown      time.Duration
}

// BillingConfig holds tariff policy constants and the bill baseline policy
type BillingConfig struct {
	FixedCharge    decimal.Decimal
	TaxRate        decimal.Decimal
	SubsidyRate    decimal.Decimal
	BootstrapMin   int64
	BootstrapMax   int64
	BaselinePolicy string
	Location       *time.Location
}

// ScheduleConfig holds cron expressions for each trigger
type ScheduleConfig struct {
	Prepaid   []string
	Postpaid  []string
	Reconcile string
}

// SweepConfig holds sweep coordination settings
type SweepConfig struct {
	Lock string
}

// AnomalyConfig holds consumption anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64
	MinDataPointsForDetection int
}

const (
	LockLocal    = "local"
	LockPostgres = "postgres"

	BaselineRandom  = "random"
	BaselineReading = "reading"
)

// Load loads configuration from environment variables
func Load() (*Config, error) {
	location, err := time.LoadLocation(getEnv("BILLING_TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("BILLING_TIMEZONE is invalid: %w", err)
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "cis-meter-worker"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		HTTP: HTTPConfig{
			Port: getEnvAsInt("PORT", 3100),
		},
		Database: DatabaseConfig{
			URL:    getEnv("DATABASE_URL", ""),
			Schema: getEnv("DATABASE_SCHEMA", "cis"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:                getEnv("RABBITMQ_URL", ""),
			Exchange:           getEnv("RABBITMQ_EXCHANGE", "comm.ex.1"),
			ReadingRoutingKey:  getEnv("RABBITMQ_READING_ROUTING_KEY", "meterredingkey"),
			ConsumerRoutingKey: getEnv("RABBITMQ_CONSUMER_ROUTING_KEY", "consumerkey"),
			RetryBufferSize:    getEnvAsInt("RABBITMQ_RETRY_BUFFER", 1000),
			RetryMaxAttempts:   getEnvAsInt("RABBITMQ_RETRY_MAX_ATTEMPTS", 5),
			DialTimeout:        getEnvAsDuration("RABBITMQ_DIAL_TIMEOUT", 5*time.Second),
			RetryCooldown:      getEnvAsDuration("RABBITMQ_RETRY_COOLDOWN", 30*time.Second),
		},
		Billing: BillingConfig{
			FixedCharge:    getEnvAsDecimal("BILLING_FIXED_CHARGE", "150.00"),
			TaxRate:        getEnvAsDecimal("BILLING_TAX_RATE", "0.18"),
			SubsidyRate:    getEnvAsDecimal("BILLING_SUBSIDY_RATE", "0.05"),
			BootstrapMin:   int64(getEnvAsInt("BILLING_BOOTSTRAP_MIN", 100)),
			BootstrapMax:   int64(getEnvAsInt("BILLING_BOOTSTRAP_MAX", 200)),
			BaselinePolicy: getEnv("BILLING_BASELINE_POLICY", BaselineRandom),
			Location:       location,
		},
		Schedule: ScheduleConfig{
			Prepaid:   getEnvAsList("PREPAID_SWEEP_SCHEDULES", "0 1 * * *"),
			Postpaid:  getEnvAsList("POSTPAID_SWEEP_SCHEDULES", "0 14 * * *;0 9 1 * *"),
			Reconcile: getEnv("RECONCILE_SCHEDULE", "*/5 * * * *"),
		},
		Sweep: SweepConfig{
			Lock: getEnv("SWEEP_LOCK", LockLocal),
		},
		Anomaly: AnomalyConfig{
			SpikeThreshold:            getEnvAsFloat("ANOMALY_SPIKE_THRESHOLD", 3.0),
			MinDataPointsForDetection: getEnvAsInt("ANOMALY_MIN_DATA_POINTS", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and cross-field constraints
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}
	if c.Billing.BootstrapMin < 0 || c.Billing.BootstrapMax < c.Billing.BootstrapMin {
		return fmt.Errorf("BILLING_BOOTSTRAP_MIN/MAX must satisfy 0 <= min <= max, got %d..%d",
			c.Billing.BootstrapMin, c.Billing.BootstrapMax)
	}
	switch c.Billing.BaselinePolicy {
	case BaselineRandom, BaselineReading:
	default:
		return fmt.Errorf("BILLING_BASELINE_POLICY must be %q or %q, got %q",
			BaselineRandom, BaselineReading, c.Billing.BaselinePolicy)
	}
	switch c.Sweep.Lock {
	case LockLocal, LockPostgres:
	default:
		return fmt.Errorf("SWEEP_LOCK must be %q or %q, got %q", LockLocal, LockPostgres, c.Sweep.Lock)
	}
	if c.RabbitMQ.DialTimeout <= 0 {
		return fmt.Errorf("RABBITMQ_DIAL_TIMEOUT must be positive")
	}
	if c.RabbitMQ.RetryBufferSize <= 0 {
		return fmt.Errorf("RABBITMQ_RETRY_BUFFER must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key, defaultValue string) decimal.Decimal {
	value, err := decimal.NewFromString(getEnv(key, defaultValue))
	if err != nil {
		return decimal.RequireFromString(defaultValue)
	}
	return value
}

// getEnvAsList splits on ';' since cron expressions contain spaces and commas
func getEnvAsList(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
