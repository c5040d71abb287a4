package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// RPC settings
	RPCUrl       string
	HTTPTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// Basket program
	ProgramID string

	// Quote service
	QuoteServiceURL string
	QuoteAPIKey     string

	// Block builder (bundle) endpoint
	BlockEngineURL   string
	TipFloorLamports uint64
	SwapsPerBundle   int
	PollInterval     time.Duration
	PollTimeout      time.Duration

	// Transaction packing budgets
	MaxInstructionsPerTx int
	MaxAccountsPerTx     int

	// Session token signing
	SessionTokenKey string

	// History (optional)
	RedisAddr          string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string

	// API server
	ListenAddr string
	APIKey     string
	DevMode    bool
}

// Validate checks fields with no usable default.
func (c *Config) Validate() error {
	if c.ProgramID == "" {
		return fmt.Errorf("BASKET_PROGRAM_ID is required")
	}
	if c.QuoteServiceURL == "" {
		return fmt.Errorf("QUOTE_SERVICE_URL is required")
	}
	if len(c.SessionTokenKey) < 16 {
		return fmt.Errorf("SESSION_TOKEN_KEY must be at least 16 bytes")
	}
	return nil
}

func Load() *Config {
	return &Config{
		// RPC
		RPCUrl:       getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		HTTPTimeout:  getDurationEnv("HTTP_TIMEOUT", 30*time.Second),
		MaxRetries:   getIntEnv("MAX_RETRIES", 5),
		RetryBackoff: getDurationEnv("RETRY_BACKOFF", 2*time.Second),

		// Program
		ProgramID: getEnv("BASKET_PROGRAM_ID", ""),

		// Quotes
		QuoteServiceURL: getEnv("QUOTE_SERVICE_URL", ""),
		QuoteAPIKey:     getEnv("QUOTE_API_KEY", ""),

		// Bundles
		BlockEngineURL:   getEnv("BLOCK_ENGINE_URL", "https://mainnet.block-engine.jito.wtf/api/v1"),
		TipFloorLamports: getUint64Env("TIP_FLOOR_LAMPORTS", 10_000),
		SwapsPerBundle:   getIntEnv("SWAPS_PER_BUNDLE", 4),
		PollInterval:     getDurationEnv("BUNDLE_POLL_INTERVAL", 2*time.Second),
		PollTimeout:      getDurationEnv("BUNDLE_POLL_TIMEOUT", 60*time.Second),

		// Packing
		MaxInstructionsPerTx: getIntEnv("MAX_INSTRUCTIONS_PER_TX", 12),
		MaxAccountsPerTx:     getIntEnv("MAX_ACCOUNTS_PER_TX", 64),

		// Sessions
		SessionTokenKey: getEnv("SESSION_TOKEN_KEY", ""),

		// History
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		ClickHouseAddr:     getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", "baskets"),
		ClickHouseUsername: getEnv("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),

		// API
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		APIKey:     getEnv("API_KEY", ""),
		DevMode:    getBoolEnv("DEV_MODE", false),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getUint64Env(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if u, err := strconv.ParseUint(val, 10, 64); err == nil {
			return u
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
