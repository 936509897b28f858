package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTest        Environment = "test"
	EnvProduction  Environment = "production"
)

// Config holds all configuration for Meridian. Every field is driven by the
// environment; there is no config file.
type Config struct {
	Env      Environment
	Server   ServerConfig
	Auth     AuthConfig
	Database DatabaseConfig
	Socket   SocketConfig
	Stream   StreamConfig
	Cache    CacheConfig
	Dev      DevConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	LogLevel    string
	LogJSON     bool
	CORSOrigins []string
}

// AuthConfig configures handshake token verification. At least one of
// JWKSURL and PublicKeys must be set.
type AuthConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	PublicKeys []string // PEM public keys or shared secrets, comma-delimited in env
	LeewaySec  int
}

type DatabaseConfig struct {
	URL                 string
	PoolMin             int
	PoolMax             int
	ConnectionTimeoutMS int
	IdleTimeoutMS       int

	EnableReadReplicas       bool
	ReplicaURL               string
	ReplicaLagPollInterval   time.Duration
	ReplicaLagWarningSec     float64
	ReplicaLagCriticalSec    float64
}

// SocketConfig configures the session gateway and its Redis-backed adapter
// state (presence, replay cache).
type SocketConfig struct {
	AdapterEnabled      bool
	RedisURL            string
	RedisTLS            bool
	RedisKeyPrefix      string
	InstanceID          string
	HeartbeatIntervalMS int
	HeartbeatGraceMS    int
	PresenceTTLMS       int
	ReplayCacheTTLMS    int
	ReplayCacheMaxMsgs  int
	MaxMessageBytes     int
}

type StreamConfig struct {
	Partitions       int
	MaxRetries       int
	PollIntervalMS   int
	BatchSize        int
	PendingHighWater int // 0 disables backpressure throttling
}

type CacheConfig struct {
	EnableRedisCache bool
	Bypass           bool
	RedisURL         string
}

// DevConfig holds knobs that are rejected outright in production.
type DevConfig struct {
	SocketRedisMock  bool
	MockMode         bool
	DisableRateLimit bool
	SeedData         bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Env: EnvDevelopment,
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			LogLevel: "info",
		},
		Auth: AuthConfig{
			LeewaySec: 30,
		},
		Database: DatabaseConfig{
			PoolMin:                2,
			PoolMax:                10,
			ConnectionTimeoutMS:    5000,
			IdleTimeoutMS:          30000,
			ReplicaLagPollInterval: 10 * time.Second,
			ReplicaLagWarningSec:   5,
			ReplicaLagCriticalSec:  10,
		},
		Socket: SocketConfig{
			RedisKeyPrefix:      "meridian",
			HeartbeatIntervalMS: 25000,
			HeartbeatGraceMS:    10000,
			PresenceTTLMS:       60000,
			ReplayCacheTTLMS:    300000,
			ReplayCacheMaxMsgs:  500,
			MaxMessageBytes:     10000,
		},
		Stream: StreamConfig{
			Partitions:     16,
			MaxRetries:     3,
			PollIntervalMS: 5000,
			BatchSize:      10,
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envBool loads a boolean environment variable ("true"/"1"/"false"/"0")
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envDurationSec loads an integer-seconds environment variable as a Duration
func envDurationSec(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = time.Duration(i) * time.Second
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load loads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("NODE_ENV"); v != "" {
		cfg.Env = Environment(v)
	}

	envString("HOST", &cfg.Server.Host)
	envInt("PORT", &cfg.Server.Port)
	envString("LOG_LEVEL", &cfg.Server.LogLevel)
	envBool("LOG_JSON", &cfg.Server.LogJSON)
	envStringSlice("CORS_ORIGINS", &cfg.Server.CORSOrigins)

	envString("JWT_ISSUER", &cfg.Auth.Issuer)
	envString("JWT_AUDIENCE", &cfg.Auth.Audience)
	envString("JWKS_URL", &cfg.Auth.JWKSURL)
	envStringSlice("PUBLIC_KEYS", &cfg.Auth.PublicKeys)
	envInt("TOKEN_LEEWAY_SEC", &cfg.Auth.LeewaySec)

	envString("DATABASE_URL", &cfg.Database.URL)
	envInt("DB_POOL_MIN", &cfg.Database.PoolMin)
	envInt("DB_POOL_MAX", &cfg.Database.PoolMax)
	envInt("DB_CONNECTION_TIMEOUT_MS", &cfg.Database.ConnectionTimeoutMS)
	envInt("DB_IDLE_TIMEOUT_MS", &cfg.Database.IdleTimeoutMS)

	envBool("ENABLE_READ_REPLICAS", &cfg.Database.EnableReadReplicas)
	envString("REPLICA_DATABASE_URL", &cfg.Database.ReplicaURL)
	envDurationSec("REPLICA_LAG_POLL_INTERVAL", &cfg.Database.ReplicaLagPollInterval)
	envFloat("REPLICA_LAG_WARNING_THRESHOLD", &cfg.Database.ReplicaLagWarningSec)
	envFloat("REPLICA_LAG_CRITICAL_THRESHOLD", &cfg.Database.ReplicaLagCriticalSec)

	envBool("SOCKET_ADAPTER_ENABLED", &cfg.Socket.AdapterEnabled)
	envString("SOCKET_REDIS_URL", &cfg.Socket.RedisURL)
	envBool("SOCKET_REDIS_TLS", &cfg.Socket.RedisTLS)
	envString("SOCKET_REDIS_KEY_PREFIX", &cfg.Socket.RedisKeyPrefix)
	envString("SOCKET_INSTANCE_ID", &cfg.Socket.InstanceID)
	envInt("SOCKET_HEARTBEAT_INTERVAL_MS", &cfg.Socket.HeartbeatIntervalMS)
	envInt("SOCKET_HEARTBEAT_GRACE_MS", &cfg.Socket.HeartbeatGraceMS)
	envInt("SOCKET_PRESENCE_TTL_MS", &cfg.Socket.PresenceTTLMS)
	envInt("SOCKET_REPLAY_CACHE_TTL_MS", &cfg.Socket.ReplayCacheTTLMS)
	envInt("SOCKET_REPLAY_CACHE_MAX_MESSAGES", &cfg.Socket.ReplayCacheMaxMsgs)
	envInt("MESSAGE_MAX_BYTES", &cfg.Socket.MaxMessageBytes)

	envInt("STREAM_PARTITIONS", &cfg.Stream.Partitions)
	envInt("STREAM_MAX_RETRIES", &cfg.Stream.MaxRetries)
	envInt("STREAM_POLL_INTERVAL_MS", &cfg.Stream.PollIntervalMS)
	envInt("STREAM_BATCH_SIZE", &cfg.Stream.BatchSize)
	envInt("STREAM_PENDING_HIGH_WATER", &cfg.Stream.PendingHighWater)

	envBool("ENABLE_REDIS_CACHE", &cfg.Cache.EnableRedisCache)
	envBool("CACHE_BYPASS", &cfg.Cache.Bypass)
	envString("REDIS_URL", &cfg.Cache.RedisURL)

	envBool("SOCKET_REDIS_MOCK", &cfg.Dev.SocketRedisMock)
	envBool("MOCK_MODE", &cfg.Dev.MockMode)
	envBool("DISABLE_RATE_LIMIT", &cfg.Dev.DisableRateLimit)
	envBool("DEV_SEED_DATA", &cfg.Dev.SeedData)

	if cfg.Socket.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.Socket.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

var validLogLevels = map[string]bool{
	"fatal": true, "error": true, "warn": true,
	"info": true, "debug": true, "trace": true,
}

// Validate checks the whole configuration and returns every violation at
// once so operators can fix a deployment in one pass.
func (c *Config) Validate() error {
	var errs []string

	switch c.Env {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		errs = append(errs, fmt.Sprintf("NODE_ENV must be development, test or production, got %q", c.Env))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "PORT must be between 1 and 65535")
	}
	if !validLogLevels[c.Server.LogLevel] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL %q is not a recognized level", c.Server.LogLevel))
	}

	if c.Auth.Issuer == "" {
		errs = append(errs, "JWT_ISSUER is required")
	}
	if c.Auth.Audience == "" {
		errs = append(errs, "JWT_AUDIENCE is required")
	}
	if c.Auth.JWKSURL == "" && len(c.Auth.PublicKeys) == 0 {
		errs = append(errs, "at least one of JWKS_URL and PUBLIC_KEYS is required")
	}
	if c.Auth.JWKSURL != "" && !isValidURL(c.Auth.JWKSURL) {
		errs = append(errs, "JWKS_URL must be a valid URL")
	}
	if c.Auth.LeewaySec < 0 || c.Auth.LeewaySec > 120 {
		errs = append(errs, "TOKEN_LEEWAY_SEC must be between 0 and 120")
	}

	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.PoolMin < 0 || c.Database.PoolMax < 1 || c.Database.PoolMin > c.Database.PoolMax {
		errs = append(errs, "DB_POOL_MIN/DB_POOL_MAX must satisfy 0 <= min <= max, max >= 1")
	}
	if c.Database.EnableReadReplicas && c.Database.ReplicaURL == "" {
		errs = append(errs, "REPLICA_DATABASE_URL is required when ENABLE_READ_REPLICAS is set")
	}
	if c.Database.ReplicaLagWarningSec >= c.Database.ReplicaLagCriticalSec {
		errs = append(errs, "REPLICA_LAG_WARNING_THRESHOLD must be below REPLICA_LAG_CRITICAL_THRESHOLD")
	}

	if c.Socket.AdapterEnabled && c.Socket.RedisURL == "" && !c.Dev.SocketRedisMock {
		errs = append(errs, "SOCKET_REDIS_URL is required when SOCKET_ADAPTER_ENABLED is set")
	}
	if c.Socket.HeartbeatIntervalMS < 1000 {
		errs = append(errs, "SOCKET_HEARTBEAT_INTERVAL_MS must be at least 1000")
	}
	if c.Socket.PresenceTTLMS <= c.Socket.HeartbeatIntervalMS {
		errs = append(errs, "SOCKET_PRESENCE_TTL_MS must be greater than SOCKET_HEARTBEAT_INTERVAL_MS")
	}
	if c.Socket.ReplayCacheMaxMsgs < 50 || c.Socket.ReplayCacheMaxMsgs > 2000 {
		errs = append(errs, "SOCKET_REPLAY_CACHE_MAX_MESSAGES must be between 50 and 2000")
	}
	if c.Socket.MaxMessageBytes < 1 {
		errs = append(errs, "MESSAGE_MAX_BYTES must be positive")
	}

	if c.Stream.Partitions < 1 {
		errs = append(errs, "STREAM_PARTITIONS must be at least 1")
	}
	if c.Stream.MaxRetries < 0 {
		errs = append(errs, "STREAM_MAX_RETRIES must not be negative")
	}
	if c.Stream.BatchSize < 1 {
		errs = append(errs, "STREAM_BATCH_SIZE must be at least 1")
	}

	if c.Cache.EnableRedisCache && c.Cache.RedisURL == "" {
		errs = append(errs, "REDIS_URL is required when ENABLE_REDIS_CACHE is set")
	}

	if c.IsProduction() {
		if !c.Socket.AdapterEnabled {
			errs = append(errs, "SOCKET_ADAPTER_ENABLED must be true in production")
		}
		if c.Dev.SocketRedisMock {
			errs = append(errs, "SOCKET_REDIS_MOCK is rejected in production")
		}
		if c.Dev.MockMode {
			errs = append(errs, "MOCK_MODE is rejected in production")
		}
		if c.Dev.DisableRateLimit {
			errs = append(errs, "DISABLE_RATE_LIMIT is rejected in production")
		}
		if c.Dev.SeedData {
			errs = append(errs, "DEV_SEED_DATA is rejected in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// HeartbeatInterval is the transport ping interval.
func (c *SocketConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// HeartbeatTimeout is interval + grace: a session missing a pong for this
// long is classified heartbeat_timeout.
func (c *SocketConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS+c.HeartbeatGraceMS) * time.Millisecond
}

func (c *SocketConfig) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLMS) * time.Millisecond
}

func (c *SocketConfig) ReplayCacheTTL() time.Duration {
	return time.Duration(c.ReplayCacheTTLMS) * time.Millisecond
}

func (c *StreamConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}
