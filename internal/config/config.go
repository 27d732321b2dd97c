package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/validation"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Name             string        `yaml:"name"`
	OriginMask       string        `yaml:"origin_mask"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	MaxLinks         int           `yaml:"max_links"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SendQueue        int           `yaml:"send_queue"`
	MaxMalformed     int           `yaml:"max_malformed"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// UplinkConfig holds the hub links this server dials
type UplinkConfig struct {
	Hubs          []string      `yaml:"hubs"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// Config represents the complete configuration for a DDB server
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Uplinks     UplinkConfig      `yaml:"uplinks"`
	Storage     StorageConfig     `yaml:"storage"`
	Tables      []TableConfig     `yaml:"tables"`
	Replication ReplicationConfig `yaml:"replication"`
	Validation  ValidationConfig  `yaml:"validation"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Cache       CacheConfig       `yaml:"cache"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	DataDir      string  `yaml:"data_dir"`
	SyncWrites   bool    `yaml:"sync_writes"`
	MaxDiskUsage float64 `yaml:"max_disk_usage"`
}

// TableConfig declares one table of the layout
type TableConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Resident bool   `yaml:"resident"`
	Buckets  int    `yaml:"buckets"`
}

// ReplicationConfig holds replication configuration
type ReplicationConfig struct {
	BatchLimit    int `yaml:"batch_limit"`
	ReplayWorkers int `yaml:"replay_workers"`
}

// ValidationConfig bounds the records this server accepts. The limits can
// only be lowered: a longer record would not fit a link line.
type ValidationConfig struct {
	MaxKeySize   int `yaml:"max_key_size"`
	MaxValueSize int `yaml:"max_value_size"`
}

// CheckpointConfig holds automatic checkpoint configuration
type CheckpointConfig struct {
	Master   bool          `yaml:"master"`
	Interval time.Duration `yaml:"interval"`
	Ratio    float64       `yaml:"ratio"`
	Slack    uint64        `yaml:"slack"`
}

// CacheConfig holds persistence cache configuration
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	RetransmitMult int           `yaml:"retransmit_mult"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.OriginMask == "" {
		cfg.Server.OriginMask = cfg.Server.Name
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7326
	}
	if cfg.Server.MaxLinks == 0 {
		cfg.Server.MaxLinks = 64
	}
	if cfg.Server.HandshakeTimeout == 0 {
		cfg.Server.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Server.SendQueue == 0 {
		cfg.Server.SendQueue = 65536
	}
	if cfg.Server.MaxMalformed == 0 {
		cfg.Server.MaxMalformed = 16
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Uplinks.RetryInterval == 0 {
		cfg.Uplinks.RetryInterval = 10 * time.Second
	}
	if cfg.Uplinks.DialTimeout == 0 {
		cfg.Uplinks.DialTimeout = 5 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/ddbd"
	}
	if cfg.Storage.MaxDiskUsage == 0 {
		cfg.Storage.MaxDiskUsage = 0.9
	}

	if cfg.Replication.BatchLimit == 0 {
		cfg.Replication.BatchLimit = 1000
	}
	if cfg.Replication.ReplayWorkers == 0 {
		cfg.Replication.ReplayWorkers = 4
	}

	if cfg.Validation.MaxKeySize == 0 {
		cfg.Validation.MaxKeySize = validation.MaxKeySize
	}
	if cfg.Validation.MaxValueSize == 0 {
		cfg.Validation.MaxValueSize = validation.MaxValueSize
	}

	if cfg.Checkpoint.Interval == 0 {
		cfg.Checkpoint.Interval = time.Hour
	}
	if cfg.Checkpoint.Ratio == 0 {
		cfg.Checkpoint.Ratio = 2
	}
	if cfg.Checkpoint.Slack == 0 {
		cfg.Checkpoint.Slack = 1000
	}

	if cfg.Cache.Path == "" {
		cfg.Cache.Path = filepath.Join(cfg.Storage.DataDir, "ddb.cache")
	}
	if cfg.Cache.FlushInterval == 0 {
		cfg.Cache.FlushInterval = 15 * time.Minute
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
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

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.MaxDiskUsage < 0 || c.Storage.MaxDiskUsage > 1 {
		return fmt.Errorf("storage.max_disk_usage must be between 0 and 1")
	}
	if c.Replication.BatchLimit < 1 {
		return fmt.Errorf("replication.batch_limit must be positive")
	}
	if c.Validation.MaxKeySize < 1 || c.Validation.MaxKeySize > validation.MaxKeySize {
		return fmt.Errorf("validation.max_key_size must be between 1 and %d", validation.MaxKeySize)
	}
	if c.Validation.MaxValueSize < 1 || c.Validation.MaxValueSize > validation.MaxValueSize {
		return fmt.Errorf("validation.max_value_size must be between 1 and %d", validation.MaxValueSize)
	}
	if c.Checkpoint.Ratio < 1 {
		return fmt.Errorf("checkpoint.ratio must be at least 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	if _, err := c.Layout(); err != nil {
		return fmt.Errorf("tables: %w", err)
	}
	return nil
}

// Layout returns the configured table layout, or the compiled one when no
// tables are declared
func (c *Config) Layout() (model.Layout, error) {
	if len(c.Tables) == 0 {
		return model.DefaultLayout(), nil
	}

	layout := make(model.Layout, 0, len(c.Tables))
	for _, t := range c.Tables {
		id, err := model.ParseTableID(t.ID)
		if err != nil {
			return nil, err
		}
		name := t.Name
		if name == "" {
			name = t.ID
		}
		layout = append(layout, model.TableSpec{
			ID:       id,
			Name:     name,
			Resident: t.Resident,
			Buckets:  t.Buckets,
		})
	}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return layout, nil
}
