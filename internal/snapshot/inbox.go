package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// Subdirectories of the inbox that handled snapshots are moved into.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// DefaultDebounce coalesces bursty writes of one file.
const DefaultDebounce = 500 * time.Millisecond

// Importer is satisfied by *reconcile.Reconciler.
type Importer interface {
	Import(ctx context.Context, req model.ImportRequest) (model.ImportResult, error)
}

// Inbox imports *.json snapshots dropped into a directory. A file whose
// import succeeds (even with per-operation errors) moves to processed/;
// a file that cannot be read, decoded or imported moves to failed/.
type Inbox struct {
	dir      string
	importer Importer
	debounce time.Duration
	logger   *slog.Logger
}

// NewInbox creates an inbox over dir. debounce <= 0 uses DefaultDebounce.
func NewInbox(dir string, importer Importer, debounce time.Duration, logger *slog.Logger) *Inbox {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{dir: dir, importer: importer, debounce: debounce, logger: logger}
}

// ProcessPending imports every snapshot already in the inbox, oldest name
// first, and returns how many files it handled.
func (in *Inbox) ProcessPending(ctx context.Context) (int, error) {
	if err := in.ensureDirs(); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return 0, fmt.Errorf("read inbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isSnapshotName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	for _, name := range names {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		in.handle(ctx, filepath.Join(in.dir, name))
	}
	return len(names), nil
}

// Run processes existing files, then watches the inbox until ctx is done.
func (in *Inbox) Run(ctx context.Context) error {
	if err := in.ensureDirs(); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("inbox watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(in.dir); err != nil {
		return fmt.Errorf("inbox watcher: %w", err)
	}
	in.logger.Info("watching inbox", slog.String("dir", in.dir))

	if _, err := in.ProcessPending(ctx); err != nil && ctx.Err() == nil {
		in.logger.Error("inbox scan failed", slog.Any("error", err))
	}

	pending := map[string]bool{}
	timer := time.NewTimer(in.debounce)
	timer.Stop()
	defer timer.Stop()
	var timerCh <-chan time.Time
	schedule := func() {
		timer.Reset(in.debounce)
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("inbox stopping: context cancelled")
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isSnapshotName(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			pending[ev.Name] = true
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("inbox watch error", slog.Any("error", err))
		case <-timerCh:
			timerCh = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)
			for _, p := range paths {
				in.handle(ctx, p)
			}
		}
	}
}

func (in *Inbox) ensureDirs() error {
	for _, sub := range []string{in.dir, filepath.Join(in.dir, ProcessedDir), filepath.Join(in.dir, FailedDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
	}
	return nil
}

func (in *Inbox) handle(ctx context.Context, path string) {
	logger := in.logger.With(slog.String("file", filepath.Base(path)))
	res, err := in.importFile(ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	dest := ProcessedDir
	if err != nil {
		dest = FailedDir
		logger.Error("inbox import failed", slog.Any("error", err))
	} else {
		logger.Info("inbox snapshot imported",
			slog.Int("imported", res.Imported),
			slog.Int("skipped", res.Skipped),
			slog.Int("errors", len(res.Errors)),
		)
	}
	target := filepath.Join(in.dir, dest, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		logger.Warn("inbox move failed", slog.String("to", target), slog.Any("error", err))
	}
}

func (in *Inbox) importFile(ctx context.Context, path string) (model.ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ImportResult{}, err
	}
	s, err := Decode(data)
	if err != nil {
		return model.ImportResult{}, err
	}
	return in.importer.Import(ctx, model.ImportRequestFromSnapshot(s, false))
}

func isSnapshotName(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
