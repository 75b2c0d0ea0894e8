package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for an index node
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Index      IndexConfig      `yaml:"index"`
	Shards     ShardsConfig     `yaml:"shards"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	StateStore StateStoreConfig `yaml:"state_store"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Projection string           `yaml:"projection"`
	Workers    WorkersConfig    `yaml:"workers"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`      // gRPC
	HTTPPort        int           `yaml:"http_port"` // REST, metrics and health
	MaxConnections  int           `yaml:"max_connections"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"` // HTTP requests per second, 0 disables
	RateBurst       int           `yaml:"rate_burst"`
}

// IndexConfig holds the shard lifecycle thresholds
type IndexConfig struct {
	MaxBufferSize          int     `yaml:"max_buffer_size"`
	TreeInsertionThreshold float64 `yaml:"tree_insertion_threshold"`
	SplitThreshold         int     `yaml:"split_threshold"`
	MaxResolution          int     `yaml:"max_resolution"`
	InitialResolution      int     `yaml:"initial_resolution"`
	CoveringRadius         int     `yaml:"covering_radius"`
	RTreeMinChildren       int     `yaml:"rtree_min_children"`
	RTreeMaxChildren       int     `yaml:"rtree_max_children"`
}

// ShardsConfig holds shard activation configuration
type ShardsConfig struct {
	MaxActive        int           `yaml:"max_active"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// ProtocolConfig holds writer and reader retry configuration
type ProtocolConfig struct {
	Deadline            time.Duration `yaml:"deadline"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	MaxTransportRetries int           `yaml:"max_transport_retries"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	RetryRate           float64       `yaml:"retry_rate"`
	RetryBurst          int           `yaml:"retry_burst"`
}

// StateStoreConfig holds persistence configuration
type StateStoreConfig struct {
	Backend  string         `yaml:"backend"` // memory, sqlite, redis or postgres
	Compress bool           `yaml:"compress"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite store configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds Redis store configuration
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL store configuration
type PostgresConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"max_connections"`
	MinConnections int    `yaml:"min_connections"`
}

// ClusterConfig holds placement and membership configuration
type ClusterConfig struct {
	// DirectoryAddress is the gRPC address of the directory host; empty hosts it locally
	DirectoryAddress string       `yaml:"directory_address"`
	VirtualNodes     int          `yaml:"virtual_nodes"`
	Gossip           GossipConfig `yaml:"gossip"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// WorkersConfig holds background worker pool configuration
type WorkersConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueSize  int `yaml:"queue_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file. An empty path yields defaults.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Environment variables take precedence
	applyEnvironmentOverrides(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DefaultConfig returns a validated default configuration
func DefaultConfig() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.NodeID == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			cfg.Server.NodeID = hostname
		} else {
			cfg.Server.NodeID = "misty-1"
		}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50061
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 100
	}

	if cfg.Index.MaxBufferSize == 0 {
		cfg.Index.MaxBufferSize = 10
	}
	if cfg.Index.TreeInsertionThreshold == 0 {
		cfg.Index.TreeInsertionThreshold = 0.5
	}
	if cfg.Index.SplitThreshold == 0 {
		cfg.Index.SplitThreshold = 20
	}
	if cfg.Index.MaxResolution == 0 {
		cfg.Index.MaxResolution = 15
	}
	if cfg.Index.InitialResolution == 0 {
		cfg.Index.InitialResolution = 5
	}
	if cfg.Index.CoveringRadius == 0 {
		cfg.Index.CoveringRadius = 2
	}
	if cfg.Index.RTreeMinChildren == 0 {
		cfg.Index.RTreeMinChildren = 25
	}
	if cfg.Index.RTreeMaxChildren == 0 {
		cfg.Index.RTreeMaxChildren = 50
	}

	if cfg.Shards.MaxActive == 0 {
		cfg.Shards.MaxActive = 10000
	}
	if cfg.Shards.IdleTimeout == 0 {
		cfg.Shards.IdleTimeout = 10 * time.Minute
	}
	if cfg.Shards.EvictionInterval == 0 {
		cfg.Shards.EvictionInterval = time.Minute
	}

	if cfg.Protocol.Deadline == 0 {
		cfg.Protocol.Deadline = 30 * time.Second
	}
	if cfg.Protocol.RPCTimeout == 0 {
		cfg.Protocol.RPCTimeout = 5 * time.Second
	}
	if cfg.Protocol.MaxTransportRetries == 0 {
		cfg.Protocol.MaxTransportRetries = 5
	}
	if cfg.Protocol.InitialBackoff == 0 {
		cfg.Protocol.InitialBackoff = 20 * time.Millisecond
	}
	if cfg.Protocol.MaxBackoff == 0 {
		cfg.Protocol.MaxBackoff = 2 * time.Second
	}
	if cfg.Protocol.RetryRate == 0 {
		cfg.Protocol.RetryRate = 200
	}
	if cfg.Protocol.RetryBurst == 0 {
		cfg.Protocol.RetryBurst = 50
	}

	if cfg.StateStore.Backend == "" {
		cfg.StateStore.Backend = "memory"
	}
	if cfg.StateStore.SQLite.Path == "" {
		cfg.StateStore.SQLite.Path = "/var/lib/misty/state.db"
	}
	if cfg.StateStore.Redis.Host == "" {
		cfg.StateStore.Redis.Host = "localhost"
	}
	if cfg.StateStore.Redis.Port == 0 {
		cfg.StateStore.Redis.Port = 6379
	}
	if cfg.StateStore.Redis.KeyPrefix == "" {
		cfg.StateStore.Redis.KeyPrefix = "misty:"
	}
	if cfg.StateStore.Postgres.Host == "" {
		cfg.StateStore.Postgres.Host = "localhost"
	}
	if cfg.StateStore.Postgres.Port == 0 {
		cfg.StateStore.Postgres.Port = 5432
	}
	if cfg.StateStore.Postgres.Database == "" {
		cfg.StateStore.Postgres.Database = "misty"
	}
	if cfg.StateStore.Postgres.User == "" {
		cfg.StateStore.Postgres.User = "misty"
	}
	if cfg.StateStore.Postgres.MaxConnections == 0 {
		cfg.StateStore.Postgres.MaxConnections = 20
	}
	if cfg.StateStore.Postgres.MinConnections == 0 {
		cfg.StateStore.Postgres.MinConnections = 2
	}

	if cfg.Cluster.VirtualNodes == 0 {
		cfg.Cluster.VirtualNodes = 150
	}
	if cfg.Cluster.Gossip.BindPort == 0 {
		cfg.Cluster.Gossip.BindPort = 7946
	}
	if cfg.Cluster.Gossip.GossipInterval == 0 {
		cfg.Cluster.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Cluster.Gossip.ProbeTimeout == 0 {
		cfg.Cluster.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Cluster.Gossip.ProbeInterval == 0 {
		cfg.Cluster.Gossip.ProbeInterval = time.Second
	}

	if cfg.Projection == "" {
		cfg.Projection = "mercator"
	}

	if cfg.Workers.MaxWorkers == 0 {
		cfg.Workers.MaxWorkers = 4
	}
	if cfg.Workers.QueueSize == 0 {
		cfg.Workers.QueueSize = 256
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvironmentOverrides applies MISTY_* environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	// Server configuration
	if nodeID := os.Getenv("MISTY_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("MISTY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("MISTY_GRPC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if port := os.Getenv("MISTY_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.HTTPPort = p
		}
	}

	// State store configuration
	if backend := os.Getenv("MISTY_STATE_BACKEND"); backend != "" {
		cfg.StateStore.Backend = backend
	}
	if path := os.Getenv("MISTY_SQLITE_PATH"); path != "" {
		cfg.StateStore.SQLite.Path = path
	}
	if redisHost := os.Getenv("MISTY_REDIS_HOST"); redisHost != "" {
		cfg.StateStore.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("MISTY_REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.StateStore.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("MISTY_REDIS_PASSWORD"); redisPassword != "" {
		cfg.StateStore.Redis.Password = redisPassword
	}
	if dbHost := os.Getenv("MISTY_POSTGRES_HOST"); dbHost != "" {
		cfg.StateStore.Postgres.Host = dbHost
	}
	if dbPassword := os.Getenv("MISTY_POSTGRES_PASSWORD"); dbPassword != "" {
		cfg.StateStore.Postgres.Password = dbPassword
	}

	// Cluster configuration
	if addr := os.Getenv("MISTY_DIRECTORY_ADDRESS"); addr != "" {
		cfg.Cluster.DirectoryAddress = addr
	}
	if seeds := os.Getenv("MISTY_SEED_NODES"); seeds != "" {
		cfg.Cluster.Gossip.SeedNodes = strings.Split(seeds, ",")
		cfg.Cluster.Gossip.Enabled = true
	}

	// Logging configuration
	if logLevel := os.Getenv("MISTY_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535")
	}
	if c.Index.MaxBufferSize < 1 {
		return fmt.Errorf("index.max_buffer_size must be positive")
	}
	if c.Index.TreeInsertionThreshold <= 0 {
		return fmt.Errorf("index.tree_insertion_threshold must be positive")
	}
	if c.Index.SplitThreshold < 1 {
		return fmt.Errorf("index.split_threshold must be positive")
	}
	if c.Index.MaxResolution < 1 || c.Index.MaxResolution > 15 {
		return fmt.Errorf("index.max_resolution must be between 1 and 15")
	}
	if c.Index.InitialResolution < 0 || c.Index.InitialResolution > c.Index.MaxResolution {
		return fmt.Errorf("index.initial_resolution must be between 0 and index.max_resolution")
	}
	if c.Index.CoveringRadius < 0 {
		return fmt.Errorf("index.covering_radius must not be negative")
	}
	if c.Index.RTreeMinChildren < 1 || c.Index.RTreeMaxChildren < 2*c.Index.RTreeMinChildren {
		return fmt.Errorf("index.rtree_max_children must be at least twice index.rtree_min_children")
	}
	if c.Protocol.Deadline <= 0 || c.Protocol.RPCTimeout <= 0 {
		return fmt.Errorf("protocol.deadline and protocol.rpc_timeout must be positive")
	}
	switch c.StateStore.Backend {
	case "memory", "sqlite", "redis", "postgres":
	default:
		return fmt.Errorf("state_store.backend must be one of: memory, sqlite, redis, postgres")
	}
	switch c.Projection {
	case "mercator", "identity":
	default:
		return fmt.Errorf("projection must be one of: mercator, identity")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be one of: json, console")
	}
	return nil
}
