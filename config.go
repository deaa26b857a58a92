package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"checkout-service/database"

	aws_pkg "checkout-service/pkg/aws"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AppEnv        string
	StorageDriver string
	Postgres      database.PostgresConfig
	RunMigrations bool
	SeedDemoData  bool

	RedisURL string
	CartTTL  time.Duration

	MongoURI string
	MongoDB  string

	KafkaBrokers     []string
	KafkaEventsTopic string

	OrderEventsTopicArn    string
	ReconciliationQueueURL string

	PaymentGateway       string
	StripeSecretKey      string
	StripeWebhookSecret  string
	PublicBaseURL        string
	PaymentCallbackURL   string
	PaymentCurrency      string
	PaymentExpiryMinutes int
	GatewayTimeout       time.Duration
	CompensationTimeout  time.Duration
	VerificationWindow   time.Duration

	UoWMaxRetries       int
	UoWRetryBackoff     time.Duration
	ExpirySweepInterval time.Duration
	ExpirySweepBatch    int

	JWTSecret          string
	AllowedOrigins     []string
	RateLimitPerMinute int

	CloudWatchEnabled     bool
	CloudWatchLogsEnabled bool
	CloudWatchNamespace   string
	CloudWatchLogGroup    string
}

// LoadConfig reads the environment, after an optional .env file, and
// validates what the selected drivers need.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "8090"),
		AppEnv:        getEnv("APP_ENV", "development"),
		StorageDriver: strings.ToLower(getEnv("STORAGE_DRIVER", "postgres")),
		Postgres:      database.PostgresConfig{
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			User:     os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   os.Getenv("POSTGRES_DB"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
			TimeZone: getEnv("POSTGRES_TIMEZONE", "UTC"),
		},
		RunMigrations: getBool("DB_MIGRATIONS", true),
		SeedDemoData:  getBool("SEED_DEMO_DATA", false),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MongoURI: os.Getenv("MONGO_URI"),
		MongoDB:  getEnv("MONGO_DB", "checkout_audit"),

		KafkaEventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "checkout.events"),

		OrderEventsTopicArn:    os.Getenv("ORDER_EVENTS_SNS_TOPIC_ARN"),
		ReconciliationQueueURL: os.Getenv("RECONCILIATION_QUEUE_URL"),

		PaymentGateway:      strings.ToLower(getEnv("PAYMENT_GATEWAY", "stripe")),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PublicBaseURL:       getEnv("PUBLIC_BASE_URL", "http://localhost:8090"),
		PaymentCurrency:     strings.ToUpper(getEnv("PAYMENT_CURRENCY", "USD")),

		JWTSecret:      strings.TrimSpace(os.Getenv("JWT_SECRET")),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		CloudWatchEnabled:     getBool("CLOUDWATCH_ENABLED", false),
		CloudWatchLogsEnabled: getBool("CLOUDWATCH_LOGS_ENABLED", false),
		CloudWatchNamespace:   getEnv("CLOUDWATCH_NAMESPACE", "ECommerce"),
		CloudWatchLogGroup:    getEnv("CLOUDWATCH_LOG_GROUP", "/ecommerce/services"),
	}
	cfg.PaymentCallbackURL = getEnv("PAYMENT_CALLBACK_URL", strings.TrimRight(cfg.PublicBaseURL, "/")+"/api/v1/payments/callback")
	cfg.KafkaBrokers = splitList(os.Getenv("KAFKA_BROKERS"))

	var err error
	if cfg.CartTTL, err = getDuration("CART_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.GatewayTimeout, err = getDuration("GATEWAY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.CompensationTimeout, err = getDuration("COMPENSATION_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.VerificationWindow, err = getDuration("PAYMENT_VERIFICATION_WINDOW", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.UoWRetryBackoff, err = getDuration("UOW_RETRY_BACKOFF", 50*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ExpirySweepInterval, err = getDuration("EXPIRY_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.PaymentExpiryMinutes, err = getInt("PAYMENT_EXPIRY_MINUTES", 20); err != nil {
		return nil, err
	}
	if cfg.UoWMaxRetries, err = getInt("UOW_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.ExpirySweepBatch, err = getInt("EXPIRY_SWEEP_BATCH", 100); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 100); err != nil {
		return nil, err
	}

	if getBool("AWS_USE_SECRETS", false) {
		applySecrets(cfg)
	}

	return cfg, cfg.validate()
}

// applySecrets overrides credentials from Secrets Manager. Missing secrets
// keep the environment values.
func applySecrets(cfg *Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := aws_pkg.LoadAWSConfig(ctx)
	if err != nil {
		return
	}
	sm := aws_pkg.NewSecretsClient(awsCfg)

	var db map[string]string
	if err := sm.GetJSONSecret(ctx, "checkout/DB_CREDENTIALS", &db); err == nil {
		override(&cfg.Postgres.User, db["POSTGRES_USER"])
		override(&cfg.Postgres.Password, db["POSTGRES_PASSWORD"])
		override(&cfg.Postgres.DBName, db["POSTGRES_DB"])
		override(&cfg.Postgres.Host, db["POSTGRES_HOST"])
		override(&cfg.Postgres.Port, db["POSTGRES_PORT"])
	}

	var stripe map[string]string
	if err := sm.GetJSONSecret(ctx, "checkout/STRIPE", &stripe); err == nil {
		override(&cfg.StripeSecretKey, stripe["STRIPE_SECRET_KEY"])
		override(&cfg.StripeWebhookSecret, stripe["STRIPE_WEBHOOK_SECRET"])
	}

	if jwtSecret, err := sm.GetSecret(ctx, "checkout/JWT_SECRET"); err == nil {
		override(&cfg.JWTSecret, strings.TrimSpace(jwtSecret))
	}
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case "postgres":
		if c.Postgres.User == "" || c.Postgres.Password == "" || c.Postgres.DBName == "" {
			return fmt.Errorf("database config incomplete")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	switch c.PaymentGateway {
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required for the stripe gateway")
		}
	case "sandbox":
	default:
		return fmt.Errorf("unknown PAYMENT_GATEWAY %q", c.PaymentGateway)
	}

	if len(c.PaymentCurrency) != 3 {
		return fmt.Errorf("PAYMENT_CURRENCY must be an ISO 4217 code")
	}
	if c.PaymentExpiryMinutes < 1 || c.PaymentExpiryMinutes > 60 {
		return fmt.Errorf("PAYMENT_EXPIRY_MINUTES must be between 1 and 60")
	}
	if c.VerificationWindow <= c.GatewayTimeout {
		return fmt.Errorf("PAYMENT_VERIFICATION_WINDOW must exceed GATEWAY_TIMEOUT")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 30s: %w", key, err)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
