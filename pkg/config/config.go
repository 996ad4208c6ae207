// Package config loads service settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted in KV_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// DefaultCartKey is the storage key the storefront app has always used.
const DefaultCartKey = "@MarketPlace:products"

type Config struct {
	AppEnv   string
	LogLevel string

	HTTPAddr string
	TLSCert  string
	TLSKey   string

	KVBackend   string
	RedisAddr   string
	DatabaseURL string
	CartKey     string

	OTELHost         string
	TraceProbability float64

	PersistMaxTries       uint
	PersistInitialBackoff time.Duration
	PersistMaxBackoff     time.Duration

	ShutdownTimeout time.Duration
}

func Load() Config {
	return Config{
		AppEnv:   getEnv("APP_ENV", "dev"),
		LogLevel: getEnv("LOG_LEVEL", ""),

		HTTPAddr: getEnv("HTTP_ADDR", ":8443"),
		TLSCert:  getEnv("TLS_CERT", ""),
		TLSKey:   getEnv("TLS_KEY", ""),

		KVBackend:   strings.ToLower(getEnv("KV_BACKEND", BackendMemory)),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		CartKey:     getEnv("CART_KEY", DefaultCartKey),

		OTELHost:         getEnv("OTEL_HOST", ""),
		TraceProbability: getEnvFloat("TRACE_PROBABILITY", 1.0),

		PersistMaxTries:       uint(getEnvInt("PERSIST_MAX_TRIES", 5)),
		PersistInitialBackoff: getEnvDuration("PERSIST_INITIAL_BACKOFF", 100*time.Millisecond),
		PersistMaxBackoff:     getEnvDuration("PERSIST_MAX_BACKOFF", 5*time.Second),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Level is the configured log level. Without LOG_LEVEL, dev logs at
// debug and every other environment at info.
func (c Config) Level() string {
	if c.LogLevel != "" {
		return c.LogLevel
	}
	if strings.EqualFold(c.AppEnv, "dev") {
		return "debug"
	}
	return "info"
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}

	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
