package config

import (
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Limits    LimitsConfig    `yaml:"limits"`
	Streaming StreamingConfig `yaml:"streaming"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + strconv.Itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// CryptoConfig carries the operator master key for credential encryption.
// MasterKey is hex-encoded 32 bytes, normally injected via ${RELAY_MASTER_KEY}.
type CryptoConfig struct {
	MasterKey string `yaml:"master_key"`
}

// LimitsConfig holds ceilings for sensitive credential operations. Export is
// the most restrictive by default.
type LimitsConfig struct {
	Window    time.Duration `yaml:"window"`
	KeyCreate int64         `yaml:"key_create"`
	KeyTest   int64         `yaml:"key_test"`
	KeyRotate int64         `yaml:"key_rotate"`
	KeyExport int64         `yaml:"key_export"`
}

type StreamingConfig struct {
	// CompletionTimeout is the wall-clock ceiling for a single generation.
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	// SnapshotBytes is the content-length cadence between state snapshots.
	SnapshotBytes int `yaml:"snapshot_bytes"`
	// StateTTL bounds how long an incomplete stream stays recoverable.
	StateTTL time.Duration `yaml:"state_ttl"`
	// MaxStatesPerConversation bounds the per-conversation state index;
	// oldest entries are evicted under pressure.
	MaxStatesPerConversation int `yaml:"max_states_per_conversation"`
	// StoreRetries and StoreRetryBackoff govern retry of persistence-store
	// failures before they surface to the caller.
	StoreRetries      int           `yaml:"store_retries"`
	StoreRetryBackoff time.Duration `yaml:"store_retry_backoff"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     300 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "relay",
			User:            "relay",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Limits: LimitsConfig{
			Window:    time.Hour,
			KeyCreate: 10,
			KeyTest:   30,
			KeyRotate: 3,
			KeyExport: 2,
		},
		Streaming: StreamingConfig{
			CompletionTimeout:        5 * time.Minute,
			SnapshotBytes:            256,
			StateTTL:                 24 * time.Hour,
			MaxStatesPerConversation: 8,
			StoreRetries:             2,
			StoreRetryBackoff:        200 * time.Millisecond,
		},
	}
}
