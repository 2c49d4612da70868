package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the full process configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"CHAT_ADDR" envDefault:":3010"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`
	MongoURI    string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017"`
	MongoDB     string `env:"MONGO_DB" envDefault:"chatcore"`
	JWTSecret   string `env:"JWT_SECRET" envDefault:"dev-secret"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Stream caps (approximate MAXLEN per stream class)
	StreamMaxLenWAL    int64 `env:"STREAM_MAXLEN_WAL" envDefault:"10000"`
	StreamMaxLenRetry  int64 `env:"STREAM_MAXLEN_RETRY" envDefault:"5000"`
	StreamMaxLenDLQ    int64 `env:"STREAM_MAXLEN_DLQ" envDefault:"50000"`
	StreamMaxLenEvents int64 `env:"STREAM_MAXLEN_EVENTS" envDefault:"5000"`

	// Pipeline timing
	WALTimeout       time.Duration `env:"WAL_TIMEOUT_MS" envDefault:"30000ms"`
	ClaimIdle        time.Duration `env:"CLAIM_IDLE_MS" envDefault:"60000ms"`
	MaxRetryAttempts int           `env:"MAX_RETRY_ATTEMPTS" envDefault:"5"`

	// Circuit breaker guarding the document store
	CircuitFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitReset            time.Duration `env:"CIRCUIT_RESET_MS" envDefault:"30000ms"`
	CircuitHalfOpenMaxCalls int           `env:"CIRCUIT_HALF_OPEN_MAX_CALLS" envDefault:"3"`
	StoreCallTimeout        time.Duration `env:"STORE_CALL_TIMEOUT_MS" envDefault:"5000ms"`

	// Presence
	PresenceTTL   time.Duration `env:"PRESENCE_TTL_MS" envDefault:"60000ms"`
	PresenceSweep time.Duration `env:"PRESENCE_SWEEP_MS" envDefault:"30000ms"`

	// Sockets
	MaxConnections    int           `env:"CHAT_MAX_CONNECTIONS" envDefault:"5000"`
	SocketPingPeriod  time.Duration `env:"SOCKET_PING_INTERVAL_MS" envDefault:"25000ms"`
	SocketPingTimeout time.Duration `env:"SOCKET_PING_TIMEOUT_MS" envDefault:"60000ms"`
	IngestTimeout     time.Duration `env:"INGEST_TIMEOUT_MS" envDefault:"10000ms"`

	// Per-connection inbound rate limiting (burst, sustained per second)
	InboundBurst   int `env:"CHAT_INBOUND_BURST" envDefault:"100"`
	InboundPerSec  int `env:"CHAT_INBOUND_PER_SEC" envDefault:"10"`
	ConnRateIPRate int `env:"CHAT_CONN_RATE_IP_PER_SEC" envDefault:"5"`
	ConnRateBurst  int `env:"CHAT_CONN_RATE_IP_BURST" envDefault:"10"`

	// Files
	MaxFileSize int64  `env:"MAX_FILE_SIZE_BYTES" envDefault:"104857600"`
	FileDir     string `env:"CHAT_FILE_DIR" envDefault:"./data/files"`

	// Workers
	WorkerBatchSize   int           `env:"WORKER_BATCH_SIZE" envDefault:"32"`
	WorkerBlock       time.Duration `env:"WORKER_BLOCK_MS" envDefault:"5000ms"`
	WALScanInterval   time.Duration `env:"WAL_SCAN_INTERVAL_MS" envDefault:"60000ms"`
	MonitorInterval   time.Duration `env:"MONITOR_INTERVAL_MS" envDefault:"15000ms"`
	DLQAlertThreshold int64         `env:"DLQ_ALERT_THRESHOLD" envDefault:"100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHAT_ADDR is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CHAT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be > 0, got %d", c.MaxRetryAttempts)
	}
	if c.CircuitFailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_FAILURE_THRESHOLD must be > 0, got %d", c.CircuitFailureThreshold)
	}
	if c.CircuitHalfOpenMaxCalls < 1 {
		return fmt.Errorf("CIRCUIT_HALF_OPEN_MAX_CALLS must be > 0, got %d", c.CircuitHalfOpenMaxCalls)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_BYTES must be > 0, got %d", c.MaxFileSize)
	}
	if c.SocketPingPeriod >= c.SocketPingTimeout {
		return fmt.Errorf("SOCKET_PING_INTERVAL_MS (%s) must be < SOCKET_PING_TIMEOUT_MS (%s)",
			c.SocketPingPeriod, c.SocketPingTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("redis_addr", c.RedisAddr).
		Str("mongo_db", c.MongoDB).
		Int("max_connections", c.MaxConnections).
		Int64("maxlen_wal", c.StreamMaxLenWAL).
		Int64("maxlen_retry", c.StreamMaxLenRetry).
		Int64("maxlen_dlq", c.StreamMaxLenDLQ).
		Int64("maxlen_events", c.StreamMaxLenEvents).
		Dur("wal_timeout", c.WALTimeout).
		Dur("claim_idle", c.ClaimIdle).
		Int("max_retry_attempts", c.MaxRetryAttempts).
		Dur("presence_ttl", c.PresenceTTL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
