package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Search orderings accepted by SEARCH_ORDER_BY.
const (
	OrderNone      = ""
	OrderByTime    = "time"
	OrderByHash    = "trans_hash"
	defaultRPCURL  = "https://api.devnet.solana.com"
	defaultAddress = "127.0.0.1:3251"
)

// ResponseHeadroom is the minimum gap required between the HTTP write timeout
// and the RPC and acquire deadlines, so a timed out lookup still gets its
// error response written.
const ResponseHeadroom = 2 * time.Second

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr     string
	LogLevel       string
	MetricsEnabled bool
	// HTTPWriteTimeout bounds how long a response may take; zero disables it.
	HTTPWriteTimeout time.Duration

	// Database configuration
	DatabaseURL         string
	DBMaxConns          int
	DBAcquireTimeout    time.Duration
	DBHealthCheckPeriod time.Duration

	// Transaction search configuration
	SearchMaxRows int
	SearchOrderBy string

	// Solana configuration
	SolanaRPCURL    string
	RPCTimeout      time.Duration
	RPCWorkers      int
	AccountCacheTTL time.Duration

	// NATS configuration, empty disables query events
	NATSURL string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", defaultAddress)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	metricsEnabled, err := parseBool("METRICS_ENABLED", true)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MetricsEnabled = metricsEnabled
	}

	writeTimeout, err := parseDuration("HTTP_WRITE_TIMEOUT", "45s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.HTTPWriteTimeout = writeTimeout
	}

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	maxConns, err := parseInt("DB_MAX_CONNS", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DBMaxConns = maxConns
	}

	acquireTimeout, err := parseDuration("DB_ACQUIRE_TIMEOUT", "5s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DBAcquireTimeout = acquireTimeout
	}

	healthCheck, err := parseDuration("DB_HEALTH_CHECK_PERIOD", "1m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DBHealthCheckPeriod = healthCheck
	}

	// Search configuration
	maxRows, err := parseInt("SEARCH_MAX_ROWS", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.SearchMaxRows = maxRows
	}
	cfg.SearchOrderBy = os.Getenv("SEARCH_ORDER_BY")

	// Solana configuration
	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", defaultRPCURL)

	rpcTimeout, err := parseDuration("RPC_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCTimeout = rpcTimeout
	}

	workers, err := parseInt("RPC_WORKERS", 16)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCWorkers = workers
	}

	cacheTTL, err := parseDuration("ACCOUNT_CACHE_TTL", "0s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.AccountCacheTTL = cacheTTL
	}

	// NATS configuration
	cfg.NATSURL = os.Getenv("NATS_URL")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("ServerAddr is required"))
	}

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.DBMaxConns < 1 {
		errs = append(errs, fmt.Errorf("DBMaxConns must be at least 1"))
	}
	if c.DBMaxConns > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("DBMaxConns cannot exceed %d", math.MaxInt32))
	}

	if c.DBAcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DBAcquireTimeout must be positive"))
	}

	if c.SearchMaxRows < 0 {
		errs = append(errs, fmt.Errorf("SearchMaxRows cannot be negative"))
	}

	switch c.SearchOrderBy {
	case OrderNone, OrderByTime, OrderByHash:
	default:
		errs = append(errs, fmt.Errorf("SearchOrderBy must be one of %q, %q or empty, got %q", OrderByTime, OrderByHash, c.SearchOrderBy))
	}

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.RPCTimeout < 0 {
		errs = append(errs, fmt.Errorf("RPCTimeout cannot be negative"))
	}

	if c.RPCWorkers < 1 {
		errs = append(errs, fmt.Errorf("RPCWorkers must be at least 1"))
	}

	if c.AccountCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("AccountCacheTTL cannot be negative"))
	}

	// A response cut off by the write timeout reaches the client as EOF, so
	// every deadline a handler waits on has to expire well before it.
	if c.HTTPWriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("HTTPWriteTimeout cannot be negative"))
	}
	if c.HTTPWriteTimeout > 0 {
		if c.RPCTimeout > 0 && c.RPCTimeout+ResponseHeadroom > c.HTTPWriteTimeout {
			errs = append(errs, fmt.Errorf("HTTPWriteTimeout (%s) must exceed RPCTimeout (%s) by at least %s", c.HTTPWriteTimeout, c.RPCTimeout, ResponseHeadroom))
		}
		if c.DBAcquireTimeout+ResponseHeadroom > c.HTTPWriteTimeout {
			errs = append(errs, fmt.Errorf("HTTPWriteTimeout (%s) must exceed DBAcquireTimeout (%s) by at least %s", c.HTTPWriteTimeout, c.DBAcquireTimeout, ResponseHeadroom))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
