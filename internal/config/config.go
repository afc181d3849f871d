package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      int
	AdminPort int // scheduler health and metrics
	LogLevel  string
	Env       string

	// Store selects the reminder repository: "postgres" or "memory".
	Store string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBMaxConns int
	DBAppName  string // application_name; each binary sets its own when empty

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Rate limiting per owner
	RateLimit       int
	RateLimitWindow time.Duration

	// Delivery queue: "redis", "sqs" or "none" (trigger only, no workers)
	QueueBackend           string
	QueueVisibilityTimeout time.Duration
	QueueBackoffBase       time.Duration
	QueueBackoffMax        time.Duration

	// SQS config
	SQSRegion   string
	SQSEndpoint string
	SQSQueueURL string
	SQSDLQURL   string

	// Scheduling
	TriggerInterval      time.Duration
	TriggerBatchSize     int
	ClaimTTL             time.Duration
	WorkerConcurrency    int
	CleanupSchedule      string
	CleanupOlderThanDays int

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS)
	SNSSenderID  string

	// Providers: "ses", "sendgrid" or "log" for email; "sns", "twilio" or "log" for SMS
	EmailProvider string
	SMSProvider   string

	SendGridAPIKey   string
	SendGridFrom     string
	SendGridFromName string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	// Outbound throttles, 0 means unlimited
	EmailRatePerSecond float64
	SMSRatePerSecond   float64

	// Usage events topic; empty logs events instead
	EventsTopicARN string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first if present; real
// environment variables win over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:      8080,
		AdminPort: 9090,
		LogLevel:  "info",
		Env:       "development",
		Store:     "postgres",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "chime",
		DBName:     "chime",
		DBSSLMode:  "disable",
		DBMaxConns: 25,

		// Redis defaults
		RedisHost: "localhost",
		RedisPort: 6379,

		RateLimit:       100,
		RateLimitWindow: time.Minute,

		QueueBackend:           "redis",
		QueueVisibilityTimeout: 5 * time.Minute,
		QueueBackoffBase:       30 * time.Second,
		QueueBackoffMax:        time.Hour,

		TriggerInterval:      time.Minute,
		TriggerBatchSize:     100,
		ClaimTTL:             10 * time.Minute,
		WorkerConcurrency:    10,
		CleanupSchedule:      "@hourly",
		CleanupOlderThanDays: 30,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@chime.local",

		EmailProvider: "log",
		SMSProvider:   "log",
	}

	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("ENV", &cfg.Env)
	str("STORE", &cfg.Store)

	str("DB_HOST", &cfg.DBHost)
	str("DB_USER", &cfg.DBUser)
	str("DB_PASSWORD", &cfg.DBPassword)
	str("DB_NAME", &cfg.DBName)
	str("DB_SSLMODE", &cfg.DBSSLMode)
	str("DB_APP_NAME", &cfg.DBAppName)

	str("REDIS_HOST", &cfg.RedisHost)
	str("REDIS_PASSWORD", &cfg.RedisPassword)

	str("QUEUE_BACKEND", &cfg.QueueBackend)
	str("CLEANUP_SCHEDULE", &cfg.CleanupSchedule)

	str("AWS_REGION", &cfg.AWSRegion)
	str("SES_FROM_EMAIL", &cfg.SESFromEmail)
	str("SNS_SENDER_ID", &cfg.SNSSenderID)

	// SQS and SNS follow AWS_REGION unless set
	cfg.SQSRegion = cfg.AWSRegion
	cfg.SNSRegion = cfg.AWSRegion
	str("SQS_REGION", &cfg.SQSRegion)
	str("SQS_ENDPOINT", &cfg.SQSEndpoint)
	str("SQS_QUEUE_URL", &cfg.SQSQueueURL)
	str("SQS_DLQ_URL", &cfg.SQSDLQURL)
	str("SNS_REGION", &cfg.SNSRegion)

	str("EMAIL_PROVIDER", &cfg.EmailProvider)
	str("SMS_PROVIDER", &cfg.SMSProvider)
	str("SENDGRID_API_KEY", &cfg.SendGridAPIKey)
	str("SENDGRID_FROM_NAME", &cfg.SendGridFromName)
	cfg.SendGridFrom = cfg.SESFromEmail
	str("SENDGRID_FROM_EMAIL", &cfg.SendGridFrom)
	str("TWILIO_ACCOUNT_SID", &cfg.TwilioAccountSID)
	str("TWILIO_AUTH_TOKEN", &cfg.TwilioAuthToken)
	str("TWILIO_FROM_NUMBER", &cfg.TwilioFrom)

	str("SNS_EVENTS_TOPIC_ARN", &cfg.EventsTopicARN)

	ints := []struct {
		key string
		dst *int
	}{
		{"PORT", &cfg.Port},
		{"ADMIN_PORT", &cfg.AdminPort},
		{"DB_PORT", &cfg.DBPort},
		{"DB_MAX_CONNS", &cfg.DBMaxConns},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"RATE_LIMIT", &cfg.RateLimit},
		{"TRIGGER_BATCH_SIZE", &cfg.TriggerBatchSize},
		{"WORKER_CONCURRENCY", &cfg.WorkerConcurrency},
		{"CLEANUP_OLDER_THAN_DAYS", &cfg.CleanupOlderThanDays},
	}
	for _, e := range ints {
		if err := envInt(e.key, e.dst); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RATE_LIMIT_WINDOW", &cfg.RateLimitWindow},
		{"QUEUE_VISIBILITY_TIMEOUT", &cfg.QueueVisibilityTimeout},
		{"QUEUE_BACKOFF_BASE", &cfg.QueueBackoffBase},
		{"QUEUE_BACKOFF_MAX", &cfg.QueueBackoffMax},
		{"TRIGGER_INTERVAL", &cfg.TriggerInterval},
		{"CLAIM_TTL", &cfg.ClaimTTL},
	}
	for _, e := range durations {
		if err := envDuration(e.key, e.dst); err != nil {
			return nil, err
		}
	}

	if err := envFloat("EMAIL_RATE_PER_SECOND", &cfg.EmailRatePerSecond); err != nil {
		return nil, err
	}
	if err := envFloat("SMS_RATE_PER_SECOND", &cfg.SMSRatePerSecond); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE %q: want postgres or memory", c.Store)
	}
	switch c.QueueBackend {
	case "redis", "none":
	case "sqs":
		if c.SQSQueueURL == "" {
			return errors.New("SQS_QUEUE_URL is required when QUEUE_BACKEND=sqs")
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q: want redis, sqs or none", c.QueueBackend)
	}
	switch c.EmailProvider {
	case "ses", "log":
	case "sendgrid":
		if c.SendGridAPIKey == "" {
			return errors.New("SENDGRID_API_KEY is required when EMAIL_PROVIDER=sendgrid")
		}
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER %q: want ses, sendgrid or log", c.EmailProvider)
	}
	switch c.SMSProvider {
	case "sns", "log":
	case "twilio":
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFrom == "" {
			return errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required when SMS_PROVIDER=twilio")
		}
	default:
		return fmt.Errorf("invalid SMS_PROVIDER %q: want sns, twilio or log", c.SMSProvider)
	}
	if c.CleanupOlderThanDays < 0 {
		return fmt.Errorf("invalid CLEANUP_OLDER_THAN_DAYS %d: must not be negative", c.CleanupOlderThanDays)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("invalid WORKER_CONCURRENCY %d: must be at least 1", c.WorkerConcurrency)
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = f
	return nil
}

// envDuration accepts Go durations ("90s", "5m").
func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
