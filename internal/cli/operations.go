package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/apply"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Kind          string
	Table         string
	Target        string
	Payload       string
	PayloadFile   string
	Key           string
	Priority      int
	TTL           time.Duration
	DependsOn     []string
	Actor         string
	Workspace     string
	SchemaVersion int
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue one operation",
		Long: `Queue one mutation for replay.

An idempotency key that is already live (queued or dead-lettered) makes
this a no-op that reports the existing operation id.

Example:
  offsync enqueue --kind update --table documents --target doc-1 \
    --key edit-42 --payload '{"panelId":"main","content":"hello"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts.RootOptions, cmd, func(rt *runtime, f *OutputFormatter) error {
				return runEnqueue(cmd, rt, f, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Kind, "kind", "", "operation kind (create|update|delete)")
	cmd.Flags().StringVar(&opts.Table, "table", "", "target table")
	cmd.Flags().StringVar(&opts.Target, "target", "", "target entity id")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "payload as JSON")
	cmd.Flags().StringVar(&opts.PayloadFile, "payload-file", "", "read payload JSON from file")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (higher runs first)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "expire if not applied within this duration")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "operation ids this one waits for")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "originating actor")
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "workspace id")
	cmd.Flags().IntVar(&opts.SchemaVersion, "schema-version", 0, "payload schema version (default current)")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("key")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func runEnqueue(cmd *cobra.Command, rt *runtime, f *OutputFormatter, opts *EnqueueOptions) error {
	payload := []byte(opts.Payload)
	if opts.PayloadFile != "" {
		data, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			return fmt.Errorf("%w: read payload: %w", errInvalidInput, err)
		}
		payload = data
	}
	if opts.TTL < 0 {
		return fmt.Errorf("%w: --ttl must not be negative", errInvalidInput)
	}

	res, err := rt.queue.Guard.Enqueue(cmd.Context(), queue.EnqueueRequest{
		Kind:           model.Kind(opts.Kind),
		TargetTable:    model.TargetTable(opts.Table),
		TargetID:       opts.Target,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: opts.Key,
		Priority:       opts.Priority,
		TTL:            opts.TTL,
		DependsOn:      opts.DependsOn,
		OriginActor:    opts.Actor,
		WorkspaceID:    opts.Workspace,
		SchemaVersion:  opts.SchemaVersion,
	})
	if err != nil {
		return err
	}
	return f.Success(enqueueView(res))
}

type enqueueView queue.EnqueueResult

func (v enqueueView) renderText(w io.Writer) {
	if v.Accepted {
		fmt.Fprintf(w, "accepted %s\n", v.ID)
		return
	}
	fmt.Fprintf(w, "duplicate: key already held by %s\n", v.ExistingID)
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Statuses  []string
	Where     string
	Workspace string
	Table     string
	Limit     int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List live operations in schedule order",
		Long: `List live operations, highest priority first.

--where takes a CEL expression over the operation fields (id, kind,
targetTable, targetId, priority, status, retryCount, originActor,
workspaceId, schemaVersion, dependsOn, payload).

Example:
  offsync list --status pending,failed
  offsync list --where 'targetTable == "documents" && priority >= 5'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts.RootOptions, cmd, func(rt *runtime, f *OutputFormatter) error {
				where, err := queue.NewFilter(opts.Where)
				if err != nil {
					return fmt.Errorf("%w: %w", errInvalidInput, err)
				}
				filter := model.OperationFilter{
					WorkspaceID: opts.Workspace,
					TargetTable: model.TargetTable(opts.Table),
					Limit:       opts.Limit,
				}
				for _, s := range opts.Statuses {
					filter.Statuses = append(filter.Statuses, model.Status(s))
				}
				ops, err := rt.queue.List(cmd.Context(), filter, where)
				if err != nil {
					return err
				}
				return f.Success(operationList(ops))
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only these statuses (pending,processing,failed)")
	cmd.Flags().StringVar(&opts.Where, "where", "", "CEL filter expression")
	cmd.Flags().StringVar(&opts.Workspace, "workspace", "", "only this workspace")
	cmd.Flags().StringVar(&opts.Table, "table", "", "only this target table")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows (0 = all)")

	return cmd
}

// operationList renders as a table in text mode and a JSON array otherwise.
type operationList []model.Operation

func (l operationList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]model.Operation(l))
}

func (l operationList) renderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "no operations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPRIORITY\tTABLE\tKIND\tTARGET\tRETRIES\tEXPIRES")
	for _, op := range l {
		expires := "-"
		if op.ExpiresAt != nil {
			expires = op.ExpiresAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			op.ID, op.Status, op.Priority, op.TargetTable, op.Kind, op.TargetID, op.RetryCount, expires)
	}
	_ = tw.Flush()
}

// NewNextCommand creates the next command.
func NewNextCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next batch of eligible operations",
		Long: `Claim up to --limit eligible operations and mark them processing.

Claimed operations must be finished with "complete" or "fail"; they are
never expired while processing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				ops, err := rt.queue.Scheduler.NextBatch(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return f.Success(operationList(ops))
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "batch size (0 = configured default)")

	return cmd
}

// NewCompleteCommand creates the complete command.
func NewCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <operation-id>",
		Short: "Mark a claimed operation as applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				if err := rt.queue.Escalator.Complete(cmd.Context(), args[0]); err != nil {
					return err
				}
				return f.Success(actionView{Action: "completed", ID: args[0]})
			})
		},
	}
}

// NewFailCommand creates the fail command.
func NewFailCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		reason    string
		permanent bool
	)

	cmd := &cobra.Command{
		Use:   "fail <operation-id>",
		Short: "Record a failed attempt",
		Long: `Record a failed processing attempt.

The operation returns to pending with its retry count incremented, or
moves to the dead-letter store when it is --permanent or the retry budget
is spent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				res, err := rt.queue.Escalator.RecordFailure(cmd.Context(), args[0], reason, permanent)
				if err != nil {
					return err
				}
				return f.Success(failureView{ID: args[0], FailureResult: res})
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	cmd.Flags().BoolVar(&permanent, "permanent", false, "dead-letter immediately")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

type failureView struct {
	ID string `json:"id"`
	queue.FailureResult
}

func (v failureView) renderText(w io.Writer) {
	if v.DeadLettered {
		fmt.Fprintf(w, "%s dead-lettered after %d attempt(s)\n", v.ID, v.RetryCount)
		return
	}
	fmt.Fprintf(w, "%s will retry (retry count %d)\n", v.ID, v.RetryCount)
}

// NewReapCommand creates the reap command.
func NewReapCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Expire pending operations past their deadline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				n, err := rt.queue.Reaper.ExpireOverdue(cmd.Context())
				if err != nil {
					return err
				}
				return f.Success(countView{Label: "expired", Count: n})
			})
		},
	}
}

// NewReviveCommand creates the revive command.
func NewReviveCommand(rootOpts *RootOptions) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "revive <operation-id>",
		Short: "Return an expired operation to the schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				if ttl < 0 {
					return fmt.Errorf("%w: --ttl must not be negative", errInvalidInput)
				}
				if err := rt.queue.Escalator.Revive(cmd.Context(), args[0], ttl); err != nil {
					return err
				}
				return f.Success(actionView{Action: "revived", ID: args[0]})
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "new deadline relative to now (0 = none)")

	return cmd
}

// NewWorkCommand creates the work command.
func NewWorkCommand(rootOpts *RootOptions) *cobra.Command {
	var maxBatches int

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Drain the queue with the built-in appliers",
		Long: `Apply eligible operations until none are left.

Document and panel operations append to the version history; other
tables are recorded in memory. Payloads are validated against the
built-in schemas first and rejected payloads are dead-lettered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				registry, err := newRegistry(rt, rootOpts)
				if err != nil {
					return err
				}
				total, err := drain(cmd, rt.queue.NewWorker(registry), maxBatches, f)
				if err != nil {
					return err
				}
				return f.Success(total)
			})
		},
	}

	cmd.Flags().IntVar(&maxBatches, "max-batches", 0, "stop after this many batches (0 = until empty)")

	return cmd
}

func newRegistry(rt *runtime, opts *RootOptions) (*apply.Registry, error) {
	schemas, err := apply.LoadSchemas()
	if err != nil {
		return nil, err
	}
	sink := apply.NewRecordingApplier(opts.Clock)
	return apply.NewDefaultRegistry(schemas, rt.versions, sink, rt.logger), nil
}

func drain(cmd *cobra.Command, w *queue.Worker, maxBatches int, f *OutputFormatter) (batchView, error) {
	var total batchView
	for batch := 1; maxBatches <= 0 || batch <= maxBatches; batch++ {
		res, err := w.RunOnce(cmd.Context(), 0)
		total.add(res)
		if err != nil {
			return total, err
		}
		if res.Claimed == 0 {
			break
		}
		total.Batches++
		f.VerboseLog("batch %d: claimed=%d succeeded=%d retried=%d dead_lettered=%d",
			batch, res.Claimed, res.Succeeded, res.Retried, res.DeadLettered)
	}
	return total, nil
}

type batchView struct {
	Batches int `json:"batches"`
	queue.BatchResult
}

func (v *batchView) add(r queue.BatchResult) {
	v.Claimed += r.Claimed
	v.Succeeded += r.Succeeded
	v.Retried += r.Retried
	v.DeadLettered += r.DeadLettered
	v.Released += r.Released
}

func (v batchView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%d batch(es): %d applied, %d retried, %d dead-lettered\n",
		v.Batches, v.Succeeded, v.Retried, v.DeadLettered)
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(rootOpts, cmd, func(rt *runtime, f *OutputFormatter) error {
				stats, err := rt.queue.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return f.Success(statsView(stats))
			})
		},
	}
}

type statsView model.QueueStats

func (v statsView) renderText(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range []model.Status{model.StatusPending, model.StatusProcessing, model.StatusFailed} {
		fmt.Fprintf(tw, "%s\t%d\n", s, v.ByStatus[s])
	}
	fmt.Fprintf(tw, "dependency blocked\t%d\n", v.DependencyBlocked)
	fmt.Fprintf(tw, "dead letters\t%d\n", v.DeadLetters)
	fmt.Fprintf(tw, "archived dead letters\t%d\n", v.ArchivedLetters)
	if v.OldestPendingAt != nil {
		fmt.Fprintf(tw, "oldest pending\t%s\n", v.OldestPendingAt.UTC().Format(time.RFC3339))
	}
	_ = tw.Flush()
}

type actionView struct {
	Action string `json:"action"`
	ID     string `json:"id"`
}

func (v actionView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", v.ID, v.Action)
}

type countView struct {
	Label string `json:"-"`
	Count int    `json:"count"`
}

func (v countView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s %d\n", v.Label, v.Count)
}
