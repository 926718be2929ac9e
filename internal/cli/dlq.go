package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and act on dead-lettered operations",
	}
	cmd.AddCommand(newDLQListCommand(rootOpts))
	cmd.AddCommand(newDLQRequeueCommand(rootOpts))
	cmd.AddCommand(newDLQArchiveCommand(rootOpts))
	return cmd
}

func newDLQListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		filter   model.DeadLetterFilter
		archived bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, most recent failure first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				filter.IncludeArchived = archived
				letters, err := rt.queue.Escalator.ListDeadLetters(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return f.Success(deadLetterList(letters))
			})
		},
	}

	cmd.Flags().BoolVar(&archived, "archived", false, "include archived dead letters")
	cmd.Flags().StringVar(&filter.WorkspaceID, "workspace", "", "only this workspace")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum rows (0 = all)")

	return cmd
}

type deadLetterList []model.DeadLetter

func (l deadLetterList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]model.DeadLetter(l))
}

func (l deadLetterList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no dead letters")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTABLE\tKIND\tTARGET\tRETRIES\tFAILED AT\tARCHIVED\tERROR")
	for _, d := range l {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
			d.QueueRef, d.TargetTable, d.Kind, d.TargetID, d.RetryCount,
			d.LastErrorAt.UTC().Format(time.RFC3339), d.Archived, d.ErrorMessage)
	}
	_ = tw.Flush()
}

func newDLQRequeueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <operation-id>",
		Short: "Move a dead letter back into the live queue",
		Long: `Move a dead letter back into the live queue with a fresh retry budget.

If another live operation now holds the same idempotency key, nothing
moves and the command exits 1, reporting that operation's id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				res, err := rt.queue.Escalator.RequeueDeadLetter(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !res.Requeued {
					msg := fmt.Sprintf("idempotency key is held by live operation %s", res.ExistingID)
					_ = f.Error(ErrCodeConflict, msg, res)
					return NewExitError(ExitFailure, msg)
				}
				return f.Success(actionView{Action: "requeued", ID: args[0]})
			})
		},
	}
}

func newDLQArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <operation-id>",
		Short: "Hide a dead letter from default listings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				if err := rt.queue.Escalator.ArchiveDeadLetter(cmd.Context(), args[0]); err != nil {
					return err
				}
				return f.Success(actionView{Action: "archived", ID: args[0]})
			})
		},
	}
}
