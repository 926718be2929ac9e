// Package config loads offsync runtime configuration from a YAML file and
// OFFSYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Admin    AdminConfig    `yaml:"admin"`
	Inbox    InboxConfig    `yaml:"inbox"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type QueueConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	DefaultOperationTTL time.Duration `yaml:"default_operation_ttl"`
	SchedulerBatchSize  int           `yaml:"scheduler_batch_size"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	ReapInterval        time.Duration `yaml:"reap_interval"`
	StrictImport        bool          `yaml:"strict_import"`
	MaxSchemaVersion    int           `yaml:"max_schema_version"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

type InboxConfig struct {
	Dir      string        `yaml:"dir"`
	Debounce time.Duration `yaml:"debounce"`
}

type SnapshotConfig struct {
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "offsync.db",
		},
		Queue: QueueConfig{
			MaxRetries:         queue.DefaultMaxRetries,
			SchedulerBatchSize: queue.DefaultBatchSize,
			PollInterval:       queue.DefaultPollInterval,
			ReapInterval:       queue.DefaultReapInterval,
			MaxSchemaVersion:   model.CurrentSchemaVersion,
		},
		Inbox: InboxConfig{Debounce: 500 * time.Millisecond},
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := FromEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decode rejects unknown keys so typos fail loudly.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks ranges and required fields.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: must be sqlite or postgres", c.Store.Driver))
	}

	if c.Queue.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("queue.max_retries must be >= 1, got %d", c.Queue.MaxRetries))
	}
	if c.Queue.DefaultOperationTTL < 0 {
		errs = append(errs, errors.New("queue.default_operation_ttl must not be negative"))
	}
	if c.Queue.SchedulerBatchSize < 1 {
		errs = append(errs, fmt.Errorf("queue.scheduler_batch_size must be >= 1, got %d", c.Queue.SchedulerBatchSize))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, errors.New("queue.poll_interval must be positive"))
	}
	if c.Queue.ReapInterval <= 0 {
		errs = append(errs, errors.New("queue.reap_interval must be positive"))
	}
	if c.Queue.MaxSchemaVersion < 1 {
		errs = append(errs, fmt.Errorf("queue.max_schema_version must be >= 1, got %d", c.Queue.MaxSchemaVersion))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: must be debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: must be json or text", c.Log.Format))
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// QueueOptions converts the queue section to queue options.
func (c Config) QueueOptions() []queue.Option {
	return []queue.Option{
		queue.WithMaxRetries(c.Queue.MaxRetries),
		queue.WithDefaultTTL(c.Queue.DefaultOperationTTL),
		queue.WithBatchSize(c.Queue.SchedulerBatchSize),
		queue.WithPollInterval(c.Queue.PollInterval),
	}
}
