package apply_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/apply"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/store"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/testutil"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/versions"
)

var discard = slog.New(slog.DiscardHandler)

func newRegistry(t *testing.T) (*apply.Registry, *versions.Service, *apply.RecordingApplier) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "apply.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	schemas, err := apply.LoadSchemas()
	require.NoError(t, err)

	clock := testutil.NewFakeClock(time.Time{})
	svc := versions.NewService(s, versions.WithClock(clock.Now), versions.WithLogger(discard))
	sink := apply.NewRecordingApplier(clock.Now)
	return apply.NewDefaultRegistry(schemas, svc, sink, discard), svc, sink
}

func op(id string, kind model.Kind, table model.TargetTable, target, payload string) model.Operation {
	return model.Operation{
		ID:             id,
		Kind:           kind,
		TargetTable:    table,
		TargetID:       target,
		Payload:        json.RawMessage(payload),
		IdempotencyKey: "key-" + id,
		SchemaVersion:  1,
	}
}

func TestRegistry_DocumentUpdateAppendsVersion(t *testing.T) {
	reg, svc, _ := newRegistry(t)
	ctx := t.Context()

	out := reg.Apply(ctx, op("op-1", model.KindUpdate, model.TableDocuments, "doc-1",
		`{"content":{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"hello"}]}]}}`))
	assert.Equal(t, queue.OutcomeSuccess, out.Kind, out.Reason)

	v, err := svc.Latest(ctx, "doc-1", apply.DefaultPanelID)
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, "hello", v.PlainText)

	// A stale edit from another device still succeeds, flagged as conflict.
	out = reg.Apply(ctx, op("op-2", model.KindUpdate, model.TableDocuments, "doc-1",
		`{"content":"offline","baseVersion":0}`))
	assert.Equal(t, queue.OutcomeSuccess, out.Kind)

	v, err = svc.Latest(ctx, "doc-1", apply.DefaultPanelID)
	require.NoError(t, err)
	assert.Equal(t, 2, v.Version)
	assert.True(t, v.Conflict)
}

func TestRegistry_PanelNeedsDocument(t *testing.T) {
	reg, svc, _ := newRegistry(t)
	ctx := t.Context()

	out := reg.Apply(ctx, op("op-1", model.KindCreate, model.TablePanels, "panel-7", `{"content":"x"}`))
	assert.Equal(t, queue.OutcomePermanent, out.Kind)
	assert.Contains(t, out.Reason, "documentId")

	out = reg.Apply(ctx, op("op-2", model.KindCreate, model.TablePanels, "panel-7", `{"documentId":"doc-9","content":"x"}`))
	require.Equal(t, queue.OutcomeSuccess, out.Kind, out.Reason)

	_, err := svc.Latest(ctx, "doc-9", "panel-7")
	assert.NoError(t, err)
}

func TestRegistry_Permanent(t *testing.T) {
	reg, _, sink := newRegistry(t)
	ctx := t.Context()

	tests := map[string]model.Operation{
		"schema violation": op("a", model.KindUpdate, model.TableNotes, "n1", `{"title":7}`),
		"missing content":  op("b", model.KindUpdate, model.TableDocuments, "d1", `{"title":"no body"}`),
	}
	for name, o := range tests {
		t.Run(name, func(t *testing.T) {
			out := reg.Apply(ctx, o)
			assert.Equal(t, queue.OutcomePermanent, out.Kind)
			assert.NotEmpty(t, out.Reason)
		})
	}

	empty := apply.NewRegistry(nil, discard)
	out := empty.Apply(ctx, op("c", model.KindUpdate, model.TableItems, "i1", `{}`))
	assert.Equal(t, queue.OutcomePermanent, out.Kind)
	assert.Contains(t, out.Reason, "no applier")

	assert.Empty(t, sink.Applied(), "rejected operations never reach the sink")
}

func TestRegistry_SinkTablesAndDeletes(t *testing.T) {
	reg, _, sink := newRegistry(t)
	ctx := t.Context()

	require.Equal(t, queue.OutcomeSuccess, reg.Apply(ctx, op("1", model.KindCreate, model.TableNotes, "n1", `{"title":"a"}`)).Kind)
	require.Equal(t, queue.OutcomeSuccess, reg.Apply(ctx, op("2", model.KindUpdate, model.TableNotes, "n1", `{"title":"b"}`)).Kind)
	require.Equal(t, queue.OutcomeSuccess, reg.Apply(ctx, op("3", model.KindDelete, model.TableItems, "i1", `{}`)).Kind)
	require.Equal(t, queue.OutcomeSuccess, reg.Apply(ctx, op("4", model.KindDelete, model.TableDocuments, "d1", `{}`)).Kind)

	note, ok := sink.Get(model.TableNotes, "n1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"b"}`, string(note.Payload))
	assert.Equal(t, "2", note.LastOpID)

	item, ok := sink.Get(model.TableItems, "i1")
	require.True(t, ok)
	assert.True(t, item.Deleted)

	doc, ok := sink.Get(model.TableDocuments, "d1")
	require.True(t, ok, "document deletes are tombstoned in the sink")
	assert.True(t, doc.Deleted)

	assert.Equal(t, []string{"1", "2", "3", "4"}, sink.Applied())
	entities := sink.Entities()
	require.Len(t, entities, 3)
	assert.Equal(t, model.TableDocuments, entities[0].Table)
}

type failingAppender struct{ err error }

func (f failingAppender) Append(context.Context, versions.AppendRequest) (versions.AppendResult, error) {
	return versions.AppendResult{}, f.err
}

func TestDocumentApplier_StoreErrorsAreRetryable(t *testing.T) {
	ctx := t.Context()
	o := op("1", model.KindUpdate, model.TableDocuments, "d", `{"content":"x"}`)

	busy := apply.NewDocumentApplier(failingAppender{err: errors.New("database is locked")}, nil, discard)
	out := busy.Apply(ctx, o)
	assert.Equal(t, queue.OutcomeRetryable, out.Kind)

	invalid := apply.NewDocumentApplier(failingAppender{err: versions.ErrInvalidRequest}, nil, discard)
	out = invalid.Apply(ctx, o)
	assert.Equal(t, queue.OutcomePermanent, out.Kind)

	noDeletes := apply.NewDocumentApplier(failingAppender{}, nil, discard)
	out = noDeletes.Apply(ctx, op("2", model.KindDelete, model.TableDocuments, "d", `{}`))
	assert.Equal(t, queue.OutcomeSuccess, out.Kind)
}

func TestRegistry_DrivesWorker(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	schemas, err := apply.LoadSchemas()
	require.NoError(t, err)
	svc := versions.NewService(s, versions.WithLogger(discard))
	sink := apply.NewRecordingApplier(nil)
	reg := apply.NewDefaultRegistry(schemas, svc, sink, discard)

	q := queue.New(s, queue.WithLogger(discard))
	ctx := t.Context()
	for _, req := range []queue.EnqueueRequest{
		{Kind: model.KindCreate, TargetTable: model.TableNotes, TargetID: "n1", IdempotencyKey: "good", Payload: json.RawMessage(`{"title":"ok"}`)},
		{Kind: model.KindCreate, TargetTable: model.TableNotes, TargetID: "n2", IdempotencyKey: "bad", Payload: json.RawMessage(`{"title":1}`)},
	} {
		_, err := q.Guard.Enqueue(ctx, req)
		require.NoError(t, err)
	}

	res, err := q.NewWorker(reg).RunOnce(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.DeadLettered)

	letters, err := q.Escalator.ListDeadLetters(ctx, model.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "bad", letters[0].IdempotencyKey)
}
