// Package config loads the YAML configuration shared by the usercache CLI,
// the syncer and the sync server.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	cacheerrors "github.com/odvcencio/usercache/pkg/errors"
	"github.com/odvcencio/usercache/pkg/logging"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultStorePath          = "~/.usercache/cache.db"
	DefaultBusyTimeout        = 5 * time.Second
	DefaultServerURL          = "http://127.0.0.1:8420"
	DefaultNATSURL            = "nats://127.0.0.1:4222"
	DefaultSubjectPrefix      = "usercache"
	DefaultSyncInterval       = 5 * time.Minute
	DefaultSyncTimeout        = 30 * time.Second
	DefaultMinTriggerInterval = 10 * time.Second
	DefaultListen             = "127.0.0.1:8420"
	DefaultServerDataDir      = "~/.usercache/server"

	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Config is the top-level configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Sync      SyncConfig      `yaml:"sync"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig configures the on-device cache.
type StoreConfig struct {
	// Path is the SQLite database file, or ":memory:".
	Path string `yaml:"path"`

	// BusyTimeout bounds how long a write waits on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// Plugin is the default tag stamped on entries written by the CLI.
	Plugin string `yaml:"plugin"`
}

// SyncConfig configures the device side of upload/download.
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`

	// Transport is one of: http | nats.
	Transport     string `yaml:"transport"`
	ServerURL     string `yaml:"server_url"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`

	// DeviceID identifies this cache to the server. When empty it is
	// generated once and kept next to the database.
	DeviceID string `yaml:"device_id"`

	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`

	// MinTriggerInterval throttles on-demand syncs.
	MinTriggerInterval time.Duration `yaml:"min_trigger_interval"`
}

// ServerConfig configures the sync server.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	// DataDir holds one inbox and one outbox database per device. Empty
	// keeps everything in memory.
	DataDir       string `yaml:"data_dir"`
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// MetricsAddr serves /metrics when set, e.g. "127.0.0.1:9420".
	MetricsAddr string `yaml:"metrics_addr"`
	Tracing     bool   `yaml:"tracing"`

	// TraceSampleRatio keeps this fraction of sync rounds when tracing.
	// Zero or one keeps all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:        DefaultStorePath,
			BusyTimeout: DefaultBusyTimeout,
		},
		Sync: SyncConfig{
			Transport:          TransportHTTP,
			ServerURL:          DefaultServerURL,
			NATSURL:            DefaultNATSURL,
			SubjectPrefix:      DefaultSubjectPrefix,
			Interval:           DefaultSyncInterval,
			Timeout:            DefaultSyncTimeout,
			MinTriggerInterval: DefaultMinTriggerInterval,
		},
		Server: ServerConfig{
			Listen:        DefaultListen,
			DataDir:       DefaultServerDataDir,
			NATSURL:       DefaultNATSURL,
			SubjectPrefix: DefaultSubjectPrefix,
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatJSON),
		},
	}
}

// DefaultPath returns ~/.usercache/config.yaml.
func DefaultPath() string {
	return expandHomeDir("~/.usercache/config.yaml")
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. A missing file is not an error. An
// empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(expandHomeDir(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeConfigParse, "parse config").
				WithContext("path", path)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, cacheerrors.Wrap(err, cacheerrors.ErrCodeConfigLoad, "read config").
			WithContext("path", path)
	}

	applyEnvOverrides(cfg)
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("USERCACHE_DB_PATH")); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("USERCACHE_SERVER_URL")); v != "" {
		cfg.Sync.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("USERCACHE_NATS_URL")); v != "" {
		cfg.Sync.NATSURL = v
		cfg.Server.NATSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("USERCACHE_DEVICE_ID")); v != "" {
		cfg.Sync.DeviceID = v
	}
	if v := strings.TrimSpace(os.Getenv("USERCACHE_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
	if v, ok := envBool("USERCACHE_SYNC_ENABLED"); ok {
		cfg.Sync.Enabled = v
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func (c *Config) expandPaths() {
	c.Store.Path = expandHomeDir(c.Store.Path)
	c.Server.DataDir = expandHomeDir(c.Server.DataDir)
}

// Validate checks required fields and structural constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return invalid("store.path is required")
	}
	if c.Store.BusyTimeout <= 0 {
		return invalid("store.busy_timeout must be positive")
	}

	switch c.Sync.Transport {
	case TransportHTTP:
		if c.Sync.Enabled {
			if err := validateHTTPURL(c.Sync.ServerURL); err != nil {
				return invalid("sync.server_url: %v", err)
			}
		}
	case TransportNATS:
		if c.Sync.Enabled && strings.TrimSpace(c.Sync.NATSURL) == "" {
			return invalid("sync.nats_url is required for the nats transport")
		}
	default:
		return invalid("sync.transport %q (valid: http, nats)", c.Sync.Transport)
	}
	if c.Sync.Interval <= 0 {
		return invalid("sync.interval must be positive")
	}
	if c.Sync.Timeout <= 0 {
		return invalid("sync.timeout must be positive")
	}
	if c.Sync.MinTriggerInterval < 0 {
		return invalid("sync.min_trigger_interval cannot be negative")
	}
	if strings.TrimSpace(c.Sync.SubjectPrefix) == "" || strings.TrimSpace(c.Server.SubjectPrefix) == "" {
		return invalid("subject_prefix cannot be empty")
	}

	if strings.TrimSpace(c.Server.Listen) == "" {
		return invalid("server.listen is required")
	}

	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		return invalid("telemetry.trace_sample_ratio %v must be between 0 and 1", r)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return invalid("log.format: %v", err)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return cacheerrors.Newf(cacheerrors.ErrCodeConfigInvalid, format, args...)
}

// Logger builds the logger described by the log section, writing to stderr.
func (c *Config) Logger(component string) *logging.Logger {
	return c.LoggerTo(os.Stderr, component)
}

// LoggerTo is Logger with an explicit destination.
func (c *Config) LoggerTo(w io.Writer, component string) *logging.Logger {
	level, _ := logging.ParseLevel(c.Log.Level)
	format, _ := logging.ParseFormat(c.Log.Format)
	return logging.New(w, logging.Options{Level: level, Format: format, Component: component})
}

// EnsureDeviceID returns Sync.DeviceID, generating and persisting one in a
// device_id file beside the database when it is unset. In-memory stores get
// a fresh id per process.
func (c *Config) EnsureDeviceID() (string, error) {
	if id := strings.TrimSpace(c.Sync.DeviceID); id != "" {
		return id, nil
	}
	if c.Store.Path == ":memory:" || strings.HasPrefix(c.Store.Path, "file::memory:") {
		c.Sync.DeviceID = uuid.NewString()
		return c.Sync.DeviceID, nil
	}

	idPath := filepath.Join(filepath.Dir(c.Store.Path), "device_id")
	if data, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			c.Sync.DeviceID = id
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", cacheerrors.Wrap(err, cacheerrors.ErrCodeConfigLoad, "read device id")
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(idPath), 0o700); err != nil {
		return "", cacheerrors.Wrap(err, cacheerrors.ErrCodeConfigLoad, "create device id directory")
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0o600); err != nil {
		return "", cacheerrors.Wrap(err, cacheerrors.ErrCodeConfigLoad, "write device id")
	}
	c.Sync.DeviceID = id
	return id, nil
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
