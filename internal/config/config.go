package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for sourcewatch
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
	RateLimit RateLimitConfig
	Compiler  CompilerConfig
	Monitor   MonitorConfig
	Gateways  []GatewayConfig
	Chains    []ChainConfig
}

// ServerConfig holds ops HTTP server configuration
type ServerConfig struct {
	Port         int
	Host         string
	ReadTimeout  int // seconds
	WriteTimeout int // seconds
	IdleTimeout  int // seconds
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Type     string // "sqlite" or "postgres"
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	URL string
}

// SQLiteConfig holds SQLite settings
type SQLiteConfig struct {
	Path string
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string
	Format string // "text", "json" or "auto"
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool
}

// RateLimitConfig holds rate limiting settings for the ops API
type RateLimitConfig struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
}

// CompilerConfig holds solc settings
type CompilerConfig struct {
	BinDir        string
	DefaultBinary string
	Timeout       time.Duration
}

// MonitorConfig holds chain monitor tunables shared by all chains
type MonitorConfig struct {
	PollLowerLimit         Duration `toml:"poll_lower_limit" yaml:"poll_lower_limit"`
	PollUpperLimit         Duration `toml:"poll_upper_limit" yaml:"poll_upper_limit"`
	PollFactor             float64  `toml:"poll_factor" yaml:"poll_factor"`
	BytecodeRetryInterval  Duration `toml:"bytecode_retry_interval" yaml:"bytecode_retry_interval"`
	BytecodeRetries        int      `toml:"bytecode_retries" yaml:"bytecode_retries"`
	AssemblyTimeout        Duration `toml:"assembly_timeout" yaml:"assembly_timeout"`
	MaxConcurrentContracts int      `toml:"max_concurrent_contracts" yaml:"max_concurrent_contracts"`
}

// GatewayConfig configures one storage gateway
type GatewayConfig struct {
	Origin          string   `toml:"origin" yaml:"origin"`
	BaseURL         string   `toml:"base_url" yaml:"base_url"`
	FallbackURL     string   `toml:"fallback_url" yaml:"fallback_url"`
	Timeout         Duration `toml:"timeout" yaml:"timeout"`
	PollInterval    Duration `toml:"poll_interval" yaml:"poll_interval"`
	TTL             Duration `toml:"ttl" yaml:"ttl"`
	DispatchPause   Duration `toml:"dispatch_pause" yaml:"dispatch_pause"`
	MaxContentBytes int64    `toml:"max_content_bytes" yaml:"max_content_bytes"`
}

// ChainConfig configures one monitored chain
type ChainConfig struct {
	ID         uint64  `toml:"id" yaml:"id"`
	Name       string  `toml:"name" yaml:"name"`
	RPCURL     string  `toml:"rpc_url" yaml:"rpc_url"`
	StartBlock *uint64 `toml:"start_block" yaml:"start_block"`
}

// Duration is a time.Duration read from strings such as "5s" in config files
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultGateways are used when no gateways are configured
func DefaultGateways() []GatewayConfig {
	return []GatewayConfig{
		{Origin: "ipfs", BaseURL: "https://ipfs.io/ipfs/", FallbackURL: "https://dweb.link/ipfs/"},
		{Origin: "bzzr0", BaseURL: "https://swarm-gateways.net/bzz-raw:/"},
		{Origin: "bzzr1", BaseURL: "https://swarm-gateways.net/bzz-raw:/"},
	}
}

// Load loads configuration from environment variables, then merges the
// file named by SOURCEWATCH_CONFIG if set
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnvInt("PORT", 8080),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  getEnvInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getEnvInt("SERVER_WRITE_TIMEOUT", 60),
			IdleTimeout:  getEnvInt("SERVER_IDLE_TIMEOUT", 120),
		},
		Storage: StorageConfig{
			Type: getEnv("STORAGE_TYPE", "sqlite"),
			Postgres: PostgresConfig{
				URL: getEnv("DATABASE_URL", ""),
			},
			SQLite: SQLiteConfig{
				Path: getEnv("SQLITE_PATH", "./data/sourcewatch.db"),
			},
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "auto"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMin: getEnvInt("RATE_LIMIT_RPM", 300),
			BurstSize:      getEnvInt("RATE_LIMIT_BURST", 50),
		},
		Compiler: CompilerConfig{
			BinDir:        getEnv("SOLC_BIN_DIR", "./data/solc"),
			DefaultBinary: getEnv("SOLC_DEFAULT_BINARY", ""),
			Timeout:       getEnvDuration("SOLC_TIMEOUT", 5*time.Minute),
		},
		Monitor: MonitorConfig{
			PollLowerLimit:         Duration{getEnvDuration("BLOCK_POLL_LOWER_LIMIT", 2*time.Second)},
			PollUpperLimit:         Duration{getEnvDuration("BLOCK_POLL_UPPER_LIMIT", 30*time.Second)},
			PollFactor:             getEnvFloat("BLOCK_POLL_FACTOR", 1.1),
			BytecodeRetryInterval:  Duration{getEnvDuration("BYTECODE_RETRY_INTERVAL", 5*time.Second)},
			BytecodeRetries:        getEnvInt("BYTECODE_RETRIES", 3),
			AssemblyTimeout:        Duration{getEnvDuration("ASSEMBLY_TIMEOUT", 30*time.Minute)},
			MaxConcurrentContracts: getEnvInt("MAX_CONCURRENT_CONTRACTS", 16),
		},
	}

	// If DATABASE_URL is set, default to postgres
	if cfg.Storage.Postgres.URL != "" && cfg.Storage.Type == "sqlite" {
		cfg.Storage.Type = "postgres"
	}

	if path := getEnv("SOURCEWATCH_CONFIG", ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if len(cfg.Gateways) == 0 {
		cfg.Gateways = DefaultGateways()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
