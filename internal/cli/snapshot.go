package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/reconcile"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/snapshot"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Statuses  []string
	Where     string
	Workspace string
	Out       string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a snapshot of the live queue",
		Long: `Write a checksummed snapshot of live operations.

Without --out the canonical snapshot JSON is written to stdout (the
--format flag does not wrap it). --out accepts a file path or an
s3://bucket/key URL.

Example:
  offsync export --status pending,failed --out backup.json
  offsync export --out s3://offsync-backups/device-7.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts.RootOptions, cmd, func(rt *runtime, f *OutputFormatter) error {
				return runExport(cmd, rt, f, opts)
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only these statuses")
	cmd.Flags().StringVar(&opts.Where, "where", "", "CEL filter expression")
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "only this workspace")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "file path or s3://bucket/key")

	return cmd
}

func runExport(cmd *cobra.Command, rt *runtime, f *OutputFormatter, opts *ExportOptions) error {
	where, err := queue.NewFilter(opts.Where)
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidInput, err)
	}
	req := reconcile.ExportRequest{WorkspaceID: opts.Workspace, Where: where}
	for _, s := range opts.Statuses {
		req.Statuses = append(req.Statuses, model.Status(s))
	}

	snap, err := rt.reconciler.Export(cmd.Context(), req)
	if err != nil {
		return err
	}

	if opts.Out == "" {
		data, err := snapshot.Encode(snap)
		if err != nil {
			return err
		}
		_, err = f.Writer.Write(append(data, '\n'))
		return err
	}

	if err := rt.locations.Save(cmd.Context(), opts.Out, snap); err != nil {
		return fmt.Errorf("%w: %w", errSnapshotIO, err)
	}
	return f.Success(exportView{
		Location:   opts.Out,
		Operations: len(snap.Operations),
		Checksum:   snap.Checksum,
	})
}

type exportView struct {
	Location   string `json:"location"`
	Operations int    `json:"operations"`
	Checksum   string `json:"checksum"`
}

func (v exportView) renderText(w io.Writer) {
	fmt.Fprintf(w, "exported %d operation(s) to %s (checksum %s)\n", v.Operations, v.Location, v.Checksum)
}

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	ValidateOnly bool
	Strict       bool
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file|s3://bucket/key>",
		Short: "Merge a snapshot into the live queue",
		Long: `Merge a snapshot into the live queue.

Operations whose idempotency key is already live are skipped. Invalid
operations and dependency cycles are reported per item; the rest are
imported. The command exits 1 if any item was rejected.

--validate-only reports what would happen without writing. --strict
aborts on a checksum mismatch instead of importing anyway.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts.RootOptions, cmd, func(rt *runtime, f *OutputFormatter) error {
				return runImport(cmd, rt, f, opts, args[0])
			})
		},
	}

	cmd.Flags().BoolVar(&opts.ValidateOnly, "validate-only", false, "check the snapshot without importing")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail on checksum mismatch")

	return cmd
}

func runImport(cmd *cobra.Command, rt *runtime, f *OutputFormatter, opts *ImportOptions, location string) error {
	snap, err := rt.locations.Load(cmd.Context(), location)
	if err != nil {
		return fmt.Errorf("%w: %w", errSnapshotIO, err)
	}

	reconciler := rt.reconciler
	if opts.Strict && !rt.cfg.Queue.StrictImport {
		ropts := []reconcile.Option{
			reconcile.WithLogger(rt.logger),
			reconcile.WithRecorder(rt.metrics),
			reconcile.WithStrict(true),
			reconcile.WithMaxSchemaVersion(rt.cfg.Queue.MaxSchemaVersion),
		}
		if opts.Clock != nil {
			ropts = append(ropts, reconcile.WithClock(opts.Clock))
		}
		reconciler = reconcile.New(rt.store, rt.queue.Guard, ropts...)
	}

	res, err := reconciler.Import(cmd.Context(), model.ImportRequestFromSnapshot(snap, opts.ValidateOnly))
	if err != nil {
		return err
	}
	view := importView{ImportResult: res, ValidateOnly: opts.ValidateOnly}
	if len(res.Errors) == 0 {
		return f.Success(view)
	}

	if f.Format == "json" {
		_ = f.Error(ErrCodeInvalid, errImportRejected.Error(), view)
	} else {
		view.renderText(f.Writer)
	}
	return WrapExitError(ExitFailure, "import", errImportRejected)
}

var errImportRejected = errors.New("some operations were rejected")

type importView struct {
	model.ImportResult
	ValidateOnly bool `json:"validateOnly"`
}

func (v importView) renderText(w io.Writer) {
	verb := "imported"
	if v.ValidateOnly {
		verb = "would import"
	}
	fmt.Fprintf(w, "%s %d, skipped %d, rejected %d\n", verb, v.Imported, v.Skipped, len(v.Errors))
	for _, e := range v.Errors {
		if e.OperationIndex < 0 {
			fmt.Fprintf(w, "  snapshot: %s\n", e.Reason)
			continue
		}
		fmt.Fprintf(w, "  operation %d: %s\n", e.OperationIndex, e.Reason)
	}
}
