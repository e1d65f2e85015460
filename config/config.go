package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Backend string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	ReadyQueue    string
	DelayedQueue  string

	DatabaseURL string

	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool

	GotenbergURL string

	WorkerCount       int
	ConversionTimeout time.Duration
	TimeoutPerMB      time.Duration
	TimeoutMax        time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	PollInterval      time.Duration
	RecoveryInterval  time.Duration
	LeaseTimeout      time.Duration

	MaxInputBytes   int64
	DefaultPriority int
	MaxBatchFiles   int

	QuotaConversionsLimit int
	QuotaStorageLimitMB   int64
	QuotaResetInterval    time.Duration

	WebhookMaxAttempts int
	WebhookBackoffBase time.Duration
	WebhookBackoffMax  time.Duration
	WebhookTimeout     time.Duration
	WebhookWorkers     int
	WebhookRatePerSec  float64
	WebhookSweep       time.Duration

	HTTPAddr      string
	APIRatePerSec float64
	APIRateBurst  int

	SentryDSN         string
	SentryEnvironment string
}

func Load() *Config {
	redisPrefix := getEnv("REDIS_PREFIX", "")
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "fileconvert")
	dbUser := getEnv("DB_USERNAME", "fileconvert")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")
	dbSSLCert := getEnv("DB_SSLCERT", "")
	dbSSLKey := getEnv("DB_SSLKEY", "")
	dbSSLRootCert := getEnv("DB_SSLROOTCERT", "")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	var dbURL string
	if dbPassword != "" {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbPassword, dbSSLMode,
		)
	} else {
		dbURL = fmt.Sprintf(
			"host=%s port=%s dbname=%s user=%s sslmode=%s",
			dbHost, dbPort, dbName, dbUser, dbSSLMode,
		)
	}

	if dbSSLCert != "" {
		dbURL += fmt.Sprintf(" sslcert=%s", dbSSLCert)
	}
	if dbSSLKey != "" {
		dbURL += fmt.Sprintf(" sslkey=%s", dbSSLKey)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}

	return &Config{
		Backend: strings.ToLower(getEnv("CONVERSION_BACKEND", BackendPostgres)),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_CONVERSION_DB", 3),
		RedisPrefix:   redisPrefix,
		ReadyQueue:    applyPrefix(getEnv("CONVERSION_READY_QUEUE", "conversion:ready"), redisPrefix),
		DelayedQueue: applyPrefix(
			getEnv("CONVERSION_DELAYED_QUEUE", "conversion:delayed"),
			redisPrefix,
		),

		DatabaseURL: dbURL,

		S3Bucket: getEnv("AWS_BUCKET", "fileconvert"),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),

		GotenbergURL: getEnv("GOTENBERG_URL", ""),

		WorkerCount:       getEnvInt("CONVERSION_WORKER_COUNT", 3),
		ConversionTimeout: time.Duration(getEnvInt("CONVERSION_TIMEOUT", 120)) * time.Second,
		TimeoutPerMB:      time.Duration(getEnvInt("CONVERSION_TIMEOUT_PER_MB", 2)) * time.Second,
		TimeoutMax:        time.Duration(getEnvInt("CONVERSION_TIMEOUT_MAX", 900)) * time.Second,
		MaxRetries:        getEnvInt("CONVERSION_MAX_RETRIES", 3),
		BackoffBase:       getEnvDuration("CONVERSION_BACKOFF_BASE", 2*time.Second),
		BackoffMax:        getEnvDuration("CONVERSION_BACKOFF_MAX", 30*time.Second),
		PollInterval:      getEnvDuration("CONVERSION_POLL_INTERVAL", time.Second),
		RecoveryInterval:  getEnvDuration("RECOVERY_INTERVAL", 5*time.Minute),
		LeaseTimeout:      getEnvDuration("WORKER_LEASE_TIMEOUT", time.Minute),

		MaxInputBytes:   getEnvInt64("MAX_INPUT_BYTES", 100*1024*1024),
		DefaultPriority: getEnvInt("DEFAULT_PRIORITY", 2),
		MaxBatchFiles:   getEnvInt("MAX_BATCH_FILES", 50),

		QuotaConversionsLimit: getEnvInt("QUOTA_CONVERSIONS_LIMIT", 100),
		QuotaStorageLimitMB:   getEnvInt64("QUOTA_STORAGE_LIMIT_MB", 1000),
		QuotaResetInterval:    getEnvDuration("QUOTA_RESET_INTERVAL", 24*time.Hour),

		WebhookMaxAttempts: getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookBackoffBase: getEnvDuration("WEBHOOK_BACKOFF_BASE", time.Second),
		WebhookBackoffMax:  getEnvDuration("WEBHOOK_BACKOFF_MAX", time.Minute),
		WebhookTimeout:     getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookWorkers:     getEnvInt("WEBHOOK_WORKERS", 2),
		WebhookRatePerSec:  getEnvFloat("WEBHOOK_RATE_PER_SEC", 20),
		WebhookSweep:       getEnvDuration("WEBHOOK_SWEEP_INTERVAL", 30*time.Second),

		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		APIRatePerSec: getEnvFloat("API_RATE_PER_SEC", 100),
		APIRateBurst:  getEnvInt("API_RATE_BURST", 200),

		SentryDSN:         getEnv("SENTRY_DSN", ""),
		SentryEnvironment: getEnv("SENTRY_ENVIRONMENT", "production"),
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend != BackendPostgres && c.Backend != BackendMemory {
		errs = append(errs, fmt.Errorf("CONVERSION_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.Backend))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, errors.New("CONVERSION_WORKER_COUNT must be at least 1"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("CONVERSION_MAX_RETRIES must not be negative"))
	}
	if c.ConversionTimeout <= 0 || c.TimeoutMax < c.ConversionTimeout {
		errs = append(errs, errors.New("CONVERSION_TIMEOUT must be positive and not above CONVERSION_TIMEOUT_MAX"))
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		errs = append(errs, errors.New("CONVERSION_BACKOFF_BASE must be positive and not above CONVERSION_BACKOFF_MAX"))
	}
	if c.PollInterval <= 0 || c.RecoveryInterval <= 0 || c.QuotaResetInterval <= 0 {
		errs = append(errs, errors.New("CONVERSION_POLL_INTERVAL, RECOVERY_INTERVAL and QUOTA_RESET_INTERVAL must be positive"))
	}
	if c.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("WORKER_LEASE_TIMEOUT must be positive"))
	}
	if c.MaxInputBytes <= 0 {
		errs = append(errs, errors.New("MAX_INPUT_BYTES must be positive"))
	}
	if c.QuotaConversionsLimit < 0 || c.QuotaStorageLimitMB < 0 {
		errs = append(errs, errors.New("quota limits must not be negative"))
	}
	if c.WebhookMaxAttempts < 1 {
		errs = append(errs, errors.New("WEBHOOK_MAX_ATTEMPTS must be at least 1"))
	}
	if c.WebhookSweep <= 0 {
		errs = append(errs, errors.New("WEBHOOK_SWEEP_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("1m30s") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
