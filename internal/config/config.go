package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env  string
	Port int

	DBURL string

	// Redis backs the per-IP rate limiter and the runner kick channel.
	// Empty addr means the in-memory fallbacks are used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Vendor API
	VendorBaseURL      string
	VendorTimeout      time.Duration
	VendorRetries      int
	VendorTokenURL     string
	VendorClientID     string
	VendorClientSecret string

	// Admin surface
	AdminAuthDisabled bool
	AdminRateLimit    int
	AdminRateWindow   time.Duration

	// Tracing
	OTLPEndpoint string

	// Dispatcher
	WorkerBatchSize int
	LeaseTTL        time.Duration
}

func Load() Config {
	return Config{
		Env:   getEnv("APP_ENV", "dev"),
		Port:  getEnvInt("PORT", 8080),
		DBURL: buildDBURL(),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		VendorBaseURL:      getEnv("VENDOR_BASE_URL", ""),
		VendorTimeout:      getEnvDuration("VENDOR_TIMEOUT", 30*time.Second),
		VendorRetries:      getEnvInt("VENDOR_RETRY_ATTEMPTS", 3),
		VendorTokenURL:     getEnv("VENDOR_TOKEN_URL", ""),
		VendorClientID:     getEnv("VENDOR_CLIENT_ID", ""),
		VendorClientSecret: getEnv("VENDOR_CLIENT_SECRET", ""),

		// Incident-mode override only. Bearer auth is the contract.
		AdminAuthDisabled: getEnvBool("ADMIN_AUTH_DISABLED", false),
		AdminRateLimit:    getEnvInt("ADMIN_RATE_LIMIT", 60),
		AdminRateWindow:   getEnvDuration("ADMIN_RATE_WINDOW", time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		WorkerBatchSize: getEnvInt("WORKER_BATCH_SIZE", 50),
		LeaseTTL:        getEnvDuration("WORKER_LEASE_TTL", 2*time.Minute),
	}
}

func buildDBURL() string {
	if url := getEnv("DATABASE_URL", ""); url != "" {
		return url
	}

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "posbridge")
	pass := getEnv("DB_PASSWORD", "posbridge")
	name := getEnv("DB_NAME", "posbridge")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			fmt.Println(err)
			return fallback
		}

		return num
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)

		if err != nil {
			fmt.Println(err)
			return fallback
		}

		return b
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)

		if err != nil {
			fmt.Println(err)
			return fallback
		}

		return d
	}
	return fallback
}
