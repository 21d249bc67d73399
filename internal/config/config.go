package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverDynamoDB = "dynamodb"
	DriverMemory   = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Block    BlockConfig    `yaml:"block"`
	Storage  StorageConfig  `yaml:"storage"`
	Redis    RedisConfig    `yaml:"redis"`
	Session  SessionConfig  `yaml:"session"`
	Decision DecisionConfig `yaml:"decision"`
	Admin    AdminConfig    `yaml:"admin"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port            int      `yaml:"port"`
	Host            string   `yaml:"host"`
	ShutdownSeconds int      `yaml:"shutdown_seconds"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	return c.Host
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// ShutdownTimeout returns the graceful shutdown window
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// BlockConfig holds the soft-ban policy
type BlockConfig struct {
	DurationSeconds int    `yaml:"duration_seconds"`
	StoreTimeoutMs  int    `yaml:"store_timeout_ms"`
	IdentityHeader  string `yaml:"identity_header"`
	SessionCookie   string `yaml:"session_cookie"`
	SecureCookies   bool   `yaml:"secure_cookies"` // set Secure on the session cookie; enable behind TLS
}

// Duration returns the cooldown applied to a blocked actor
func (c BlockConfig) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// StoreTimeout returns the bound on each durable store call
func (c BlockConfig) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

// StorageConfig selects and configures the durable block store
type StorageConfig struct {
	Driver      string         `yaml:"driver"` // postgres, redis, dynamodb, memory
	DatabaseURL string         `yaml:"database_url"`
	KeyPrefix   string         `yaml:"key_prefix"` // redis driver only
	DynamoDB    DynamoDBConfig `yaml:"dynamodb"`
}

// DynamoDBConfig holds DynamoDB table settings
type DynamoDBConfig struct {
	Table     string `yaml:"table"`
	Region    string `yaml:"region"`
	Profile   string `yaml:"profile"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

// RedisConfig holds the Redis connection shared by the redis driver and the
// session store
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionConfig controls persistence of request caches across requests of
// one session
type SessionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	KeyPrefix  string `yaml:"key_prefix"`
}

// TTL returns the session cache lifetime
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// DecisionConfig configures the relay to the external decision source
type DecisionConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// MaxRetries is the number of extra attempts after the first; 0 disables
	// retries. Omitted means 2.
	MaxRetries int `yaml:"max_retries"`
	// RetryOnStatus also retries 429/5xx answers that carry no rejection
	// code. Leave off unless the decision source deduplicates attempts.
	RetryOnStatus  bool     `yaml:"retry_on_status"`
	RejectionCodes []string `yaml:"rejection_codes"`
}

// Timeout returns the per-attempt HTTP timeout
func (c DecisionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Enabled reports whether the relay endpoint should be mounted
func (c DecisionConfig) Enabled() bool { return c.URL != "" }

// AdminConfig guards the inspection API
type AdminConfig struct {
	Token string `yaml:"token"` // bearer token; empty disables /admin
}

// LogConfig holds logger settings
type LogConfig struct {
	Level          string `yaml:"level"`
	ShowIdentities bool   `yaml:"show_identities"` // disables actor id redaction
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Defaults where zero is a meaningful setting are seeded before parsing.
	cfg := Config{Decision: DecisionConfig{MaxRetries: 2}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ShutdownSeconds == 0 {
		cfg.Server.ShutdownSeconds = 15
	}
	if cfg.Block.DurationSeconds == 0 {
		cfg.Block.DurationSeconds = 600
	}
	if cfg.Block.StoreTimeoutMs == 0 {
		cfg.Block.StoreTimeoutMs = 2000
	}
	if cfg.Block.IdentityHeader == "" {
		cfg.Block.IdentityHeader = "X-Account-ID"
	}
	if cfg.Block.SessionCookie == "" {
		cfg.Block.SessionCookie = "softban_sid"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.DynamoDB.Region == "" {
		cfg.Storage.DynamoDB.Region = "us-west-2"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Session.TTLSeconds == 0 {
		cfg.Session.TTLSeconds = 86400
	}
	if cfg.Session.KeyPrefix == "" {
		cfg.Session.KeyPrefix = "softban:session:"
	}
	if cfg.Decision.TimeoutSeconds == 0 {
		cfg.Decision.TimeoutSeconds = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SOFTBAN_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("SOFTBAN_DURATION: %w", err)
		}
		cfg.Block.DurationSeconds = int(d / time.Second)
	}
	if v := os.Getenv("SOFTBAN_STORE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("SOFTBAN_DECISION_URL"); v != "" {
		cfg.Decision.URL = v
	}
	if v := os.Getenv("SOFTBAN_DECISION_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SOFTBAN_DECISION_MAX_RETRIES: %w", err)
		}
		cfg.Decision.MaxRetries = n
	}
	if v := os.Getenv("SOFTBAN_REJECTION_CODES"); v != "" {
		cfg.Decision.RejectionCodes = splitList(v)
	}
	if v := os.Getenv("SOFTBAN_ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("SOFTBAN_SECURE_COOKIES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("SOFTBAN_SECURE_COOKIES: %w", err)
		}
		cfg.Block.SecureCookies = b
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Database override (ECS deployments keep local defaults in config.yaml)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Storage.DatabaseURL = dbURL
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("SOFTBAN_DYNAMODB_TABLE"); v != "" {
		cfg.Storage.DynamoDB.Table = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.DynamoDB.Region = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.DynamoDB.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.DynamoDB.SecretKey = v
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Block.DurationSeconds <= 0 {
		return fmt.Errorf("block.duration_seconds must be positive")
	}
	if c.Decision.MaxRetries < 0 {
		return fmt.Errorf("decision.max_retries must not be negative")
	}
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage.database_url is required for the postgres driver")
		}
	case DriverDynamoDB:
		if c.Storage.DynamoDB.Table == "" {
			return fmt.Errorf("storage.dynamodb.table is required for the dynamodb driver")
		}
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
