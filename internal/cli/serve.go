package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/admin"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/snapshot"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/tracing"
)

// shutdownTimeout bounds the admin server drain on exit.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	InboxDir string
	NoWorker bool

	// onListening is called with the admin address once it accepts
	// connections (for testing).
	onListening func(net.Addr)
	// newApplier overrides the built-in registry (for testing).
	newApplier func(*runtime, *RootOptions) (queue.Applier, error)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	return newServeCommand(opts)
}

func newServeCommand(opts *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker, reaper, admin API and snapshot inbox",
		Long: `Run the long-lived offsync process.

The worker drains the queue with the built-in appliers, the reaper
expires overdue operations every reap interval, the admin HTTP API is
served on --addr (or admin.addr) and snapshots dropped into --inbox
(or inbox.dir) are imported. SIGINT or SIGTERM stops everything
gracefully.

Example:
  offsync serve --db ./offsync.db --addr :9090 --inbox ./inbox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts.RootOptions, cmd, func(rt *runtime, f *OutputFormatter) error {
				return runServe(cmd, rt, f, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "admin HTTP listen address (overrides admin.addr)")
	cmd.Flags().StringVar(&opts.InboxDir, "inbox", "", "snapshot inbox directory (overrides inbox.dir)")
	cmd.Flags().BoolVar(&opts.NoWorker, "no-worker", false, "do not apply operations")

	return cmd
}

func runServe(cmd *cobra.Command, rt *runtime, f *OutputFormatter, opts *ServeOptions) error {
	addr := rt.cfg.Admin.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	inboxDir := rt.cfg.Inbox.Dir
	if opts.InboxDir != "" {
		inboxDir = opts.InboxDir
	}

	// The applier is built before anything starts so a failure leaves
	// nothing listening.
	var applier queue.Applier
	if !opts.NoWorker {
		build := opts.newApplier
		if build == nil {
			build = func(rt *runtime, ro *RootOptions) (queue.Applier, error) {
				return newRegistry(rt, ro)
			}
		}
		var err error
		if applier, err = build(rt, opts.RootOptions); err != nil {
			return err
		}
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:  rt.cfg.Tracing.Enabled,
		Endpoint: rt.cfg.Tracing.Endpoint,
		Insecure: rt.cfg.Tracing.Insecure,
	}, func(err error) {
		rt.logger.Warn("tracing export failed", slog.Any("error", err))
	})
	if err != nil {
		return fmt.Errorf("%w: tracing: %w", errConfig, err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			rt.logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	var server *http.Server
	if addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("%w: listen %s: %w", errInvalidInput, addr, err)
		}
		server = &http.Server{
			Handler: admin.New(admin.Config{
				Queue:      rt.queue,
				Versions:   rt.versions,
				Reconciler: rt.reconciler,
				Metrics:    rt.metrics,
				Logger:     rt.logger,
				Tracing:    rt.cfg.Tracing.Enabled,
			}).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("admin server failed", slog.Any("error", err))
				stop()
			}
		}()
		rt.logger.Info("admin listening", slog.String("addr", ln.Addr().String()))
		f.VerboseLog("admin API listening on %s", ln.Addr())
		if opts.onListening != nil {
			opts.onListening(ln.Addr())
		}
	}

	var wg sync.WaitGroup
	if applier != nil {
		worker := rt.queue.NewWorker(applier)
		wg.Go(func() { _ = worker.Run(ctx) })
	}
	wg.Go(func() { _ = rt.queue.Reaper.Run(ctx, rt.cfg.Queue.ReapInterval) })
	if inboxDir != "" {
		inbox := snapshot.NewInbox(inboxDir, rt.reconciler, rt.cfg.Inbox.Debounce, rt.logger)
		wg.Go(func() {
			if err := inbox.Run(ctx); err != nil {
				rt.logger.Error("inbox stopped", slog.Any("error", err))
			}
		})
	}

	rt.logger.Info("offsync serving",
		slog.String("admin_addr", addr),
		slog.String("inbox", inboxDir),
		slog.Bool("worker", !opts.NoWorker),
	)
	<-ctx.Done()
	rt.logger.Info("shutting down")

	rt.notifier.Close()
	if server != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			rt.logger.Warn("admin shutdown failed", slog.Any("error", err))
		}
	}
	wg.Wait()
	rt.logger.Info("stopped gracefully")
	return nil
}
