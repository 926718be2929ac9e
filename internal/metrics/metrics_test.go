package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector()

	c.Enqueued(model.TableNotes)
	c.Enqueued(model.TableNotes)
	c.Enqueued(model.TableDocuments)
	c.Duplicate()
	c.Claimed(3)
	c.Completed()
	c.Retried()
	c.DeadLettered(2)
	c.DeadLettered(0)
	c.Expired(4)
	c.Imported(5)
	c.ImportSkipped(1)
	c.Appended()
	c.Conflict()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.enqueued.WithLabelValues("notes")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.enqueued.WithLabelValues("documents")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.duplicates))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.claimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.completed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.retried))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.deadLettered))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.expired))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.imported))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.importSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.appended))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.conflicts))
}

func TestCollector_ApplyDuration(t *testing.T) {
	c := NewCollector()
	c.ApplyDuration(model.TableNotes, "success", 20*time.Millisecond)
	c.ApplyDuration(model.TableNotes, "retryable", time.Second)

	assert.Equal(t, 2, testutil.CollectAndCount(c.applyDuration))
}

func TestCollector_ObserveStats(t *testing.T) {
	c := NewCollector()
	c.ObserveStats(model.QueueStats{
		ByStatus: map[model.Status]int{
			model.StatusPending:    4,
			model.StatusProcessing: 1,
			model.StatusFailed:     0,
		},
		DeadLetters:       2,
		DependencyBlocked: 3,
	})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.operations.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("processing")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.deadLetters))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.blocked))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.Completed()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offsync_operations_completed_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector()
	b := NewCollector()
	a.Completed()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.completed))
}
