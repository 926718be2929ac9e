package cli

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string // sqlite path or postgres:// DSN; overrides the config

	// Clock and IDs override time and id generation (for testing).
	Clock func() time.Time
	IDs   queue.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the offsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offsync",
		Short: "offsync - offline operation queue",
		Long: `offsync durably queues mutations made while offline and replays them
against the authoritative store in priority and dependency order, with
idempotent admission, TTL expiry, dead-lettering, versioned document
history and portable queue snapshots.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite path or postgres:// DSN (overrides config)")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewNextCommand(opts))
	cmd.AddCommand(NewCompleteCommand(opts))
	cmd.AddCommand(NewFailCommand(opts))
	cmd.AddCommand(NewReapCommand(opts))
	cmd.AddCommand(NewReviveCommand(opts))
	cmd.AddCommand(NewWorkCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewDocCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}
