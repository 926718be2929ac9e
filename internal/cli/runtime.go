package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/config"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/logging"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/metrics"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/pgstore"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/reconcile"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/snapshot"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/store"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/versions"
)

// backend is what both the SQLite and Postgres stores provide.
type backend interface {
	queue.Store
	versions.Backend
	Close() error
}

var (
	_ backend = (*store.Store)(nil)
	_ backend = (*pgstore.Store)(nil)
)

// runtime is the set of components one command invocation works with.
type runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	store      backend
	metrics    *metrics.Collector
	notifier   *queue.Notifier
	queue      *queue.Queue
	versions   *versions.Service
	reconciler *reconcile.Reconciler
	locations  snapshot.Locations
}

// openRuntime loads config, applies the --db override, opens the store and
// wires the components. Callers must Close the result.
func openRuntime(opts *RootOptions, cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}
	applyDatabaseFlag(&cfg, opts.Database)
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errConfig, err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errStore, err)
	}
	logger.Debug("store ready", slog.String("driver", cfg.Store.Driver))

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		metrics:  metrics.NewCollector(),
		notifier: queue.NewNotifier(),
		locations: snapshot.Locations{S3: snapshot.S3Config{
			Region:    cfg.Snapshot.S3Region,
			Endpoint:  cfg.Snapshot.S3Endpoint,
			PathStyle: cfg.Snapshot.S3PathStyle,
		}},
	}

	qopts := append(cfg.QueueOptions(),
		queue.WithLogger(logger),
		queue.WithRecorder(rt.metrics),
		queue.WithNotifier(rt.notifier),
	)
	vopts := []versions.Option{
		versions.WithLogger(logger),
		versions.WithRecorder(rt.metrics),
	}
	ropts := []reconcile.Option{
		reconcile.WithLogger(logger),
		reconcile.WithRecorder(rt.metrics),
		reconcile.WithStrict(cfg.Queue.StrictImport),
		reconcile.WithMaxSchemaVersion(cfg.Queue.MaxSchemaVersion),
	}
	if opts.Clock != nil {
		qopts = append(qopts, queue.WithClock(opts.Clock))
		vopts = append(vopts, versions.WithClock(opts.Clock))
		ropts = append(ropts, reconcile.WithClock(opts.Clock))
	}
	if opts.IDs != nil {
		qopts = append(qopts, queue.WithIDGenerator(opts.IDs))
	}

	rt.queue = queue.New(st, qopts...)
	rt.versions = versions.NewService(st, vopts...)
	rt.reconciler = reconcile.New(st, rt.queue.Guard, ropts...)
	return rt, nil
}

// Close releases the store.
func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Error("error closing store", slog.Any("error", err))
	}
}

// applyDatabaseFlag points the store at --db: a postgres:// URL selects the
// Postgres driver, anything else is a SQLite path.
func applyDatabaseFlag(cfg *config.Config, db string) {
	db = strings.TrimSpace(db)
	switch {
	case db == "":
	case strings.HasPrefix(db, "postgres://"), strings.HasPrefix(db, "postgresql://"):
		cfg.Store.Driver = config.DriverPostgres
		cfg.Store.DSN = db
	default:
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = db
	}
}

func openStore(cfg config.StoreConfig) (backend, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return pgstore.Open(cfg.DSN)
	default:
		return store.Open(cfg.Path)
	}
}

// withRuntime opens the runtime, runs fn and reports any error through the
// formatter.
func withRuntime(opts *RootOptions, cmd *cobra.Command, fn func(rt *runtime, f *OutputFormatter) error) error {
	f := newFormatter(opts, cmd)
	rt, err := openRuntime(opts, cmd)
	if err != nil {
		return f.Fail(err)
	}
	defer rt.Close()
	if err := fn(rt, f); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		return f.Fail(err)
	}
	return nil
}
