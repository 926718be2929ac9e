package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// FromEnv overlays OFFSYNC_* environment variables onto cfg. Unset
// variables leave cfg unchanged; malformed values are reported together.
func FromEnv(cfg *Config) error {
	e := envReader{}
	e.str("OFFSYNC_STORE_DRIVER", &cfg.Store.Driver)
	e.str("OFFSYNC_STORE_PATH", &cfg.Store.Path)
	e.str("OFFSYNC_STORE_DSN", &cfg.Store.DSN)

	e.int("OFFSYNC_MAX_RETRIES", &cfg.Queue.MaxRetries)
	e.duration("OFFSYNC_DEFAULT_OPERATION_TTL", &cfg.Queue.DefaultOperationTTL)
	e.int("OFFSYNC_SCHEDULER_BATCH_SIZE", &cfg.Queue.SchedulerBatchSize)
	e.duration("OFFSYNC_POLL_INTERVAL", &cfg.Queue.PollInterval)
	e.duration("OFFSYNC_REAP_INTERVAL", &cfg.Queue.ReapInterval)
	e.bool("OFFSYNC_STRICT_IMPORT", &cfg.Queue.StrictImport)
	e.int("OFFSYNC_MAX_SCHEMA_VERSION", &cfg.Queue.MaxSchemaVersion)

	e.str("OFFSYNC_ADMIN_ADDR", &cfg.Admin.Addr)
	e.str("OFFSYNC_INBOX_DIR", &cfg.Inbox.Dir)
	e.duration("OFFSYNC_INBOX_DEBOUNCE", &cfg.Inbox.Debounce)

	e.str("OFFSYNC_S3_REGION", &cfg.Snapshot.S3Region)
	e.str("OFFSYNC_S3_ENDPOINT", &cfg.Snapshot.S3Endpoint)
	e.bool("OFFSYNC_S3_PATH_STYLE", &cfg.Snapshot.S3PathStyle)

	e.str("OFFSYNC_LOG_LEVEL", &cfg.Log.Level)
	e.str("OFFSYNC_LOG_FORMAT", &cfg.Log.Format)

	e.bool("OFFSYNC_TRACING_ENABLED", &cfg.Tracing.Enabled)
	e.str("OFFSYNC_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	e.bool("OFFSYNC_OTLP_INSECURE", &cfg.Tracing.Insecure)

	if err := errors.Join(e.errs...); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

type envReader struct {
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: not a boolean", key, v))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: not a duration", key, v))
		return
	}
	*dst = d
}
