package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tarotlab/billingsync/pkg/billing"
)

// serviceConfig is the process configuration, read from the environment.
type serviceConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string
	UserIDHeader    string

	DatabaseURL    string
	MigrateOnStart bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StripeSecretKey     string
	StripeWebhookSecret string
	Prices              map[billing.Tier][]string

	KafkaBrokers []string
	KafkaTopic   string

	SentryDSN         string
	SentryEnvironment string

	MetricsNamespace string
}

// loadDotEnv reads the first .env file found into the process environment.
// Variables already set win.
func loadDotEnv() {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func loadConfig(getenv func(string) string) (*serviceConfig, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &serviceConfig{
		HTTPAddr:            get("HTTP_ADDR", ":8080"),
		LogLevel:            get("LOG_LEVEL", "info"),
		UserIDHeader:        get("USER_ID_HEADER", "X-User-ID"),
		DatabaseURL:         get("DATABASE_URL", ""),
		RedisAddr:           get("REDIS_ADDR", ""),
		RedisPassword:       getenv("REDIS_PASSWORD"),
		StripeSecretKey:     get("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET", ""),
		KafkaBrokers:        splitList(getenv("KAFKA_BROKERS")),
		KafkaTopic:          get("KAFKA_TOPIC", ""),
		SentryDSN:           get("SENTRY_DSN", ""),
		SentryEnvironment:   get("SENTRY_ENVIRONMENT", "production"),
		MetricsNamespace:    get("METRICS_NAMESPACE", "tarot"),
		Prices: map[billing.Tier][]string{
			billing.TierBasic: splitList(getenv("STRIPE_PRICE_BASIC")),
			billing.TierPro:   splitList(getenv("STRIPE_PRICE_PRO")),
			billing.TierVIP:   splitList(getenv("STRIPE_PRICE_VIP")),
		},
	}

	var err error
	if cfg.ShutdownTimeout, err = time.ParseDuration(get("SHUTDOWN_TIMEOUT", "15s")); err != nil {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err)
	}
	if cfg.MigrateOnStart, err = strconv.ParseBool(get("DB_MIGRATE", "true")); err != nil {
		return nil, fmt.Errorf("DB_MIGRATE: %w", err)
	}
	if cfg.RedisDB, err = strconv.Atoi(get("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	return cfg, nil
}

func loadConfigFromEnv() (*serviceConfig, error) {
	loadDotEnv()
	return loadConfig(os.Getenv)
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
