package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/store"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/testutil"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/versions"
)

// Flow actions.
const (
	ActionEnqueue  = "queue.enqueue"
	ActionClaim    = "queue.claim"
	ActionComplete = "queue.complete"
	ActionRelease  = "queue.release"
	ActionFail     = "queue.fail"
	ActionReap     = "queue.reap"
	ActionRevive   = "queue.revive"
	ActionRequeue  = "dlq.requeue"
	ActionArchive  = "dlq.archive"
	ActionAdvance  = "clock.advance"
	ActionAppend   = "doc.append"
)

// Output cases.
const (
	CaseAccepted     = "Accepted"
	CaseDuplicate    = "Duplicate"
	CaseRejected     = "Rejected"
	CaseClaimed      = "Claimed"
	CaseCompleted    = "Completed"
	CaseReleased     = "Released"
	CaseRetry        = "Retry"
	CaseDeadLettered = "DeadLettered"
	CaseSwept        = "Swept"
	CaseRevived      = "Revived"
	CaseRequeued     = "Requeued"
	CaseKeyLive      = "KeyLive"
	CaseArchived     = "Archived"
	CaseAdvanced     = "Advanced"
	CaseStored       = "Stored"
	CaseConflict     = "Conflict"
	CaseNotFound     = "NotFound"
	CaseInvalidState = "InvalidState"
)

// Harness is the scenario execution engine. Each Run gets its own.
type Harness struct {
	queue    *queue.Queue
	versions *versions.Service
	clock    *testutil.FakeClock
	logger   *slog.Logger

	// keys maps idempotency keys to the ids the harness generated, so
	// scenarios never spell out ids.
	keys   map[string]string
	panels [][2]string
	seq    int64
}

// Run executes a scenario against a fresh in-memory store and returns
// the result. The returned error is reserved for infrastructure failures;
// unmet expectations are reported in Result.Errors.
//
// Execution flow:
//  1. Open a fresh in-memory store with a fake clock and sequential ids
//  2. Execute flow steps, checking each expect clause
//  3. Evaluate assertions against the trace and final state
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewFakeClock(time.Time{})
	logger := slog.New(slog.DiscardHandler)
	opts := []queue.Option{
		queue.WithClock(clock.Now),
		queue.WithIDGenerator(testutil.NewSequentialIDs("op")),
		queue.WithLogger(logger),
	}
	if scenario.MaxRetries > 0 {
		opts = append(opts, queue.WithMaxRetries(scenario.MaxRetries))
	}

	h := &Harness{
		queue:    queue.New(st, opts...),
		versions: versions.NewService(st, versions.WithClock(clock.Now), versions.WithLogger(logger)),
		clock:    clock,
		logger:   logger,
		keys:     make(map[string]string),
	}

	result := NewResult()
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	for _, msg := range h.evaluateAssertions(ctx, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// executeFlow runs every step, traces it and checks its expect clause.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		h.seq++
		result.AddInvocationTrace(step.Invoke, step.Args, h.seq)

		outputCase, out, err := h.invoke(ctx, step)
		if err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}

		h.seq++
		result.AddCompletionTrace(outputCase, out, h.seq)

		if step.Expect != nil {
			if outputCase != step.Expect.Case {
				result.AddError(fmt.Sprintf("flow[%d] %s: expected case %s, got %s %v",
					i, step.Invoke, step.Expect.Case, outputCase, out))
			} else if field, ok := matchSubset(step.Expect.Result, out); !ok {
				result.AddError(fmt.Sprintf("flow[%d] %s: result field %q: expected %v, got %v",
					i, step.Invoke, field, step.Expect.Result[field], out[field]))
			}
		}

		h.logger.Debug("flow step completed",
			slog.Int("step", i),
			slog.String("action", step.Invoke),
			slog.String("output_case", outputCase),
		)
	}
	return nil
}

// invoke dispatches one step to the queue or version store.
func (h *Harness) invoke(ctx context.Context, step FlowStep) (string, map[string]any, error) {
	a := args(step.Args)
	switch step.Invoke {
	case ActionEnqueue:
		return h.enqueue(ctx, a)
	case ActionClaim:
		return h.claim(ctx, a)
	case ActionComplete:
		id, err := h.idArg(a)
		if err != nil {
			return "", nil, err
		}
		return h.outcome(CaseCompleted, nil, h.queue.Escalator.Complete(ctx, id))
	case ActionRelease:
		id, err := h.idArg(a)
		if err != nil {
			return "", nil, err
		}
		return h.outcome(CaseReleased, nil, h.queue.Escalator.Release(ctx, id))
	case ActionFail:
		return h.fail(ctx, a)
	case ActionReap:
		n, err := h.queue.Reaper.ExpireOverdue(ctx)
		if err != nil {
			return "", nil, err
		}
		return CaseSwept, map[string]any{"expired": n}, nil
	case ActionRevive:
		id, err := h.idArg(a)
		if err != nil {
			return "", nil, err
		}
		ttl, err := a.duration("ttl")
		if err != nil {
			return "", nil, err
		}
		return h.outcome(CaseRevived, nil, h.queue.Escalator.Revive(ctx, id, ttl))
	case ActionRequeue:
		return h.requeue(ctx, a)
	case ActionArchive:
		id, err := h.idArg(a)
		if err != nil {
			return "", nil, err
		}
		return h.outcome(CaseArchived, nil, h.queue.Escalator.ArchiveDeadLetter(ctx, id))
	case ActionAdvance:
		d, err := a.duration("by")
		if err != nil {
			return "", nil, err
		}
		h.clock.Advance(d)
		return CaseAdvanced, nil, nil
	case ActionAppend:
		return h.appendVersion(ctx, a)
	default:
		return "", nil, fmt.Errorf("unknown action %q", step.Invoke)
	}
}

func (h *Harness) enqueue(ctx context.Context, a args) (string, map[string]any, error) {
	key, err := a.str("key")
	if err != nil {
		return "", nil, err
	}
	req := queue.EnqueueRequest{
		Kind:           model.Kind(a.strOr("kind", string(model.KindUpdate))),
		TargetTable:    model.TargetTable(a.strOr("table", string(model.TableNotes))),
		TargetID:       a.strOr("target", "target-"+key),
		IdempotencyKey: key,
		OriginActor:    a.strOr("actor", "harness"),
		WorkspaceID:    a.strOr("workspace", ""),
	}
	if req.Priority, err = a.integer("priority"); err != nil {
		return "", nil, err
	}
	if req.TTL, err = a.duration("ttl"); err != nil {
		return "", nil, err
	}
	deps, err := a.strings("depends_on")
	if err != nil {
		return "", nil, err
	}
	for _, dep := range deps {
		req.DependsOn = append(req.DependsOn, h.idOf(dep))
	}
	if payload, ok := a["payload"]; ok {
		if req.Payload, err = json.Marshal(payload); err != nil {
			return "", nil, fmt.Errorf("payload: %w", err)
		}
	}

	res, err := h.queue.Guard.Enqueue(ctx, req)
	// Keep created_at distinct so FIFO order follows the flow.
	h.clock.Advance(time.Millisecond)
	switch {
	case queue.IsInvalidOperation(err), queue.IsCycleError(err):
		return CaseRejected, map[string]any{"error": err.Error()}, nil
	case err != nil:
		return "", nil, err
	case !res.Accepted:
		return CaseDuplicate, map[string]any{"existing": h.keyOf(res.ExistingID)}, nil
	}
	h.keys[key] = res.ID
	return CaseAccepted, map[string]any{"id": res.ID}, nil
}

func (h *Harness) claim(ctx context.Context, a args) (string, map[string]any, error) {
	limit, err := a.integer("limit")
	if err != nil {
		return "", nil, err
	}
	ops, err := h.queue.Scheduler.NextBatch(ctx, limit)
	if err != nil {
		return "", nil, err
	}
	keys := make([]any, len(ops))
	for i, op := range ops {
		keys[i] = op.IdempotencyKey
	}
	return CaseClaimed, map[string]any{"keys": keys}, nil
}

func (h *Harness) fail(ctx context.Context, a args) (string, map[string]any, error) {
	id, err := h.idArg(a)
	if err != nil {
		return "", nil, err
	}
	permanent, err := a.boolean("permanent")
	if err != nil {
		return "", nil, err
	}
	res, err := h.queue.Escalator.RecordFailure(ctx, id, a.strOr("reason", "failed"), permanent)
	if err != nil {
		return h.outcome("", nil, err)
	}
	out := map[string]any{"retry_count": res.RetryCount}
	if res.DeadLettered {
		return CaseDeadLettered, out, nil
	}
	return CaseRetry, out, nil
}

func (h *Harness) requeue(ctx context.Context, a args) (string, map[string]any, error) {
	id, err := h.idArg(a)
	if err != nil {
		return "", nil, err
	}
	res, err := h.queue.Escalator.RequeueDeadLetter(ctx, id)
	if err != nil {
		return h.outcome("", nil, err)
	}
	if !res.Requeued {
		return CaseKeyLive, map[string]any{"existing": h.keyOf(res.ExistingID)}, nil
	}
	return CaseRequeued, nil, nil
}

func (h *Harness) appendVersion(ctx context.Context, a args) (string, map[string]any, error) {
	doc, err := a.str("document")
	if err != nil {
		return "", nil, err
	}
	panel := a.strOr("panel", "main")
	req := versions.AppendRequest{
		DocumentID: doc,
		PanelID:    panel,
		Content:    paragraph(a.strOr("text", "")),
	}
	if _, ok := a["base_version"]; ok {
		base, err := a.integer("base_version")
		if err != nil {
			return "", nil, err
		}
		req.BaseVersion = &base
	}

	res, err := h.versions.Append(ctx, req)
	if err != nil {
		return "", nil, err
	}
	h.trackPanel(doc, panel)
	out := map[string]any{"version": res.Version, "previous_version": res.PreviousVersion}
	if res.Conflict {
		return CaseConflict, out, nil
	}
	return CaseStored, out, nil
}

// outcome maps domain errors onto output cases; anything else aborts the run.
func (h *Harness) outcome(ok string, out map[string]any, err error) (string, map[string]any, error) {
	switch {
	case err == nil:
		return ok, out, nil
	case errors.Is(err, model.ErrNotFound):
		return CaseNotFound, nil, nil
	case errors.Is(err, model.ErrInvalidState):
		return CaseInvalidState, nil, nil
	default:
		return "", nil, err
	}
}

// idArg resolves the step's target: an explicit id wins over a key, which
// is needed once a key has been reused by a newer operation.
func (h *Harness) idArg(a args) (string, error) {
	if id := a.strOr("id", ""); id != "" {
		return id, nil
	}
	key, err := a.str("key")
	if err != nil {
		return "", err
	}
	return h.idOf(key), nil
}

// idOf resolves an idempotency key; unknown keys pass through as ids.
func (h *Harness) idOf(key string) string {
	if id, ok := h.keys[key]; ok {
		return id
	}
	return key
}

func (h *Harness) keyOf(id string) string {
	for key, known := range h.keys {
		if known == id {
			return key
		}
	}
	return id
}

func (h *Harness) trackPanel(doc, panel string) {
	for _, p := range h.panels {
		if p == [2]string{doc, panel} {
			return
		}
	}
	h.panels = append(h.panels, [2]string{doc, panel})
}

// paragraph wraps text in a one-paragraph rich-text document.
func paragraph(text string) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"type": "doc",
		"content": []any{
			map[string]any{"type": "paragraph", "content": []any{
				map[string]any{"type": "text", "text": text},
			}},
		},
	})
	return b
}

// args reads typed values out of YAML-decoded step arguments.
type args map[string]any

func (a args) str(name string) (string, error) {
	v, ok := a[name]
	if !ok {
		return "", fmt.Errorf("%s is required", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", name)
	}
	return s, nil
}

func (a args) strOr(name, def string) string {
	if s, ok := a[name].(string); ok {
		return s
	}
	return def
}

func (a args) integer(name string) (int, error) {
	switch v := a[name].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", name, v)
	}
}

func (a args) boolean(name string) (bool, error) {
	switch v := a[name].(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("%s must be a boolean, got %T", name, v)
	}
}

func (a args) duration(name string) (time.Duration, error) {
	switch v := a[name].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("%s must be a duration string, got %T", name, v)
	}
}

func (a args) strings(name string) ([]string, error) {
	switch v := a[name].(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]string, len(v))
		for i, elem := range v {
			s, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d] must be a string, got %T", name, i, elem)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list, got %T", name, v)
	}
}
