package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Storage
	StorageBackend string // "file" or "postgres", default: file
	DataDir        string // root for file-backed chat/ledger data
	PostgresDSN    string // required when StorageBackend == "postgres"

	// Cache / quota
	RedisAddr string // optional; quota gate degrades to allow-all without it

	// Providers
	OpenAIAPIKey    string
	AnthropicAPIKey string
	ProviderTimeout time.Duration // per-call bound, default: 60s

	// Pricing
	PricingFile string // optional JSON override for the built-in table

	// Identity (file mode): JSON map of token -> user id
	AllowedTokens string

	// Quota / spending
	MaxDailyCalls    int    // default: 50
	SpendingLimitUSD string // optional default per-user ceiling, e.g. "10.00"

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		StorageBackend:       getEnv("STORAGE_BACKEND", "file"),
		DataDir:              getEnv("DATA_DIR", "data"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		PricingFile:          os.Getenv("PRICING_FILE"),
		AllowedTokens:        os.Getenv("ALLOWED_TOKENS"),
		SpendingLimitUSD:     os.Getenv("SPENDING_LIMIT_USD"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	callsStr := getEnv("MAX_DAILY_CALLS", "50")
	calls, err := strconv.Atoi(callsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_DAILY_CALLS: %w", err)
	}
	cfg.MaxDailyCalls = calls

	timeoutStr := getEnv("PROVIDER_TIMEOUT", "60s")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT: %w", err)
	}
	cfg.ProviderTimeout = timeout

	// Validation
	switch cfg.StorageBackend {
	case "file":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("DATA_DIR is required for the file backend")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q (want \"file\" or \"postgres\")", cfg.StorageBackend)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
