package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Remote       RemoteConfig       `yaml:"remote"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Cache        CacheConfig        `yaml:"cache"`
	Retention    RetentionConfig    `yaml:"retention"`
	AuditStorage AuditStorageConfig `yaml:"audit_storage"`
	Auth         AuthConfig         `yaml:"auth"`
	Log          LogConfig          `yaml:"log"`

	// DevMode uses the in-memory remote and skips required secrets.
	DevMode bool `yaml:"-"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains offline change log settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RemoteConfig contains backend API settings.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// SyncConfig contains sync engine settings.
type SyncConfig struct {
	PeriodicInterval  Duration `yaml:"periodic_interval"`
	MaxRetries        int      `yaml:"max_retries"`
	Concurrency       int      `yaml:"concurrency"`
	PlaceholderPrefix string   `yaml:"placeholder_prefix"`
	ManualEntityTypes []string `yaml:"manual_entity_types"`
	TimestampFields   []string `yaml:"timestamp_fields"`
	PriorityOrdering  bool     `yaml:"priority_ordering"`
	PassTimeout       Duration `yaml:"pass_timeout"`
}

// ConnectivityConfig contains network monitoring settings.
type ConnectivityConfig struct {
	ProbeURL      string   `yaml:"probe_url"`
	ProbeInterval Duration `yaml:"probe_interval"`
	AllowMetered  bool     `yaml:"allow_metered"`
}

// CacheConfig contains cache settings.
type CacheConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	DefaultTTL    Duration `yaml:"default_ttl"`
}

// Retention modes for SYNCED changes.
const (
	RetentionRetain = "retain"
	RetentionDelete = "delete"
)

// RetentionConfig controls what happens to SYNCED changes.
type RetentionConfig struct {
	Mode     string   `yaml:"mode"`
	Period   Duration `yaml:"period"`
	Interval Duration `yaml:"interval"`
	AuditDir string   `yaml:"audit_dir"`
}

// AuditStorageConfig contains S3-compatible storage for retention exports.
// An empty bucket keeps exports local only.
type AuditStorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"-"` // env-only
	SecretKey string `yaml:"-"` // env-only
	UseSSL    *bool  `yaml:"use_ssl"`
}

// AuthConfig contains authentication settings for the local API.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("OFFSYNC_CONFIG_PATH", "config/offsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// It skips the OFFSYNC_CONFIG_PATH lookup but still applies env overrides.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabaseConfig resolves only the change log location. It skips
// validation so offline CLI commands work without remote credentials.
func LoadDatabaseConfig() (*DatabaseConfig, error) {
	cfg := newDefaults()
	if err := loadYAMLFile(cfg, getEnv("OFFSYNC_CONFIG_PATH", "config/offsync.yaml")); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return &cfg.Database, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         "127.0.0.1",
			Port:            8787,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/offsync.db",
		},
		Remote: RemoteConfig{
			Timeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			PeriodicInterval:  Duration(15 * time.Minute),
			MaxRetries:        10,
			Concurrency:       1,
			PlaceholderPrefix: "local-",
			PriorityOrdering:  true,
			PassTimeout:       Duration(10 * time.Minute),
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			SweepInterval: Duration(1 * time.Minute),
			DefaultTTL:    Duration(5 * time.Minute),
		},
		Retention: RetentionConfig{
			Mode:     RetentionRetain,
			Period:   Duration(7 * 24 * time.Hour),
			Interval: Duration(1 * time.Hour),
			AuditDir: "data/audit",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("OFFSYNC_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("OFFSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	envDuration("OFFSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	if v := os.Getenv("OFFSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Remote
	if v := os.Getenv("OFFSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("OFFSYNC_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	envDuration("OFFSYNC_REMOTE_TIMEOUT", &cfg.Remote.Timeout)

	// Sync
	envDuration("OFFSYNC_SYNC_INTERVAL", &cfg.Sync.PeriodicInterval)
	envInt("OFFSYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)
	envInt("OFFSYNC_SYNC_CONCURRENCY", &cfg.Sync.Concurrency)
	if v := os.Getenv("OFFSYNC_MANUAL_ENTITY_TYPES"); v != "" {
		cfg.Sync.ManualEntityTypes = splitList(v)
	}
	if v := os.Getenv("OFFSYNC_PRIORITY_ORDERING"); v != "" {
		cfg.Sync.PriorityOrdering = v == "true" || v == "1"
	}

	// Connectivity
	if v := os.Getenv("OFFSYNC_PROBE_URL"); v != "" {
		cfg.Connectivity.ProbeURL = v
	}
	envDuration("OFFSYNC_PROBE_INTERVAL", &cfg.Connectivity.ProbeInterval)
	if v := os.Getenv("OFFSYNC_ALLOW_METERED"); v != "" {
		cfg.Connectivity.AllowMetered = v == "true" || v == "1"
	}

	// Cache
	envDuration("OFFSYNC_CACHE_SWEEP_INTERVAL", &cfg.Cache.SweepInterval)
	envDuration("OFFSYNC_CACHE_TTL", &cfg.Cache.DefaultTTL)

	// Retention
	if v := os.Getenv("OFFSYNC_RETENTION_MODE"); v != "" {
		cfg.Retention.Mode = v
	}
	envDuration("OFFSYNC_RETENTION_PERIOD", &cfg.Retention.Period)
	if v := os.Getenv("OFFSYNC_AUDIT_DIR"); v != "" {
		cfg.Retention.AuditDir = v
	}

	// Audit storage
	if v := os.Getenv("OFFSYNC_AUDIT_BUCKET"); v != "" {
		cfg.AuditStorage.Bucket = v
	}
	if v := os.Getenv("OFFSYNC_AUDIT_ENDPOINT"); v != "" {
		cfg.AuditStorage.Endpoint = v
	}
	if v := os.Getenv("OFFSYNC_AUDIT_ACCESS_KEY"); v != "" {
		cfg.AuditStorage.AccessKey = v
	}
	if v := os.Getenv("OFFSYNC_AUDIT_SECRET_KEY"); v != "" {
		cfg.AuditStorage.SecretKey = v
	}

	// Auth
	if v := os.Getenv("OFFSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	// Log
	if v := os.Getenv("OFFSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OFFSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	cfg.DevMode = os.Getenv("OFFSYNC_DEV_MODE") == "true"
}

// validate checks settings. In dev mode (OFFSYNC_DEV_MODE=true) the remote
// URL and API key are not required.
func (c *Config) validate() error {
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.PeriodicInterval <= 0 {
		return errors.New("sync.periodic_interval must be positive")
	}
	if c.Connectivity.ProbeInterval <= 0 {
		return errors.New("connectivity.probe_interval must be positive")
	}
	switch c.Retention.Mode {
	case RetentionRetain, RetentionDelete:
	default:
		return fmt.Errorf("retention.mode must be %q or %q, got %q", RetentionRetain, RetentionDelete, c.Retention.Mode)
	}
	if c.Retention.Period < 0 {
		return errors.New("retention.period must not be negative")
	}
	if c.Retention.Mode == RetentionRetain && c.Retention.Interval <= 0 {
		return errors.New("retention.interval must be positive when retention.mode is retain")
	}

	if c.DevMode {
		return nil
	}

	if c.Remote.BaseURL == "" {
		return errors.New("OFFSYNC_REMOTE_URL is required")
	}
	if c.Auth.APIKey == "" {
		return errors.New("OFFSYNC_API_KEY is required")
	}
	return nil
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
