package queue

import (
	"time"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
)

// Recorder receives queue events for metrics. Implemented by
// internal/metrics.Collector.
type Recorder interface {
	Enqueued(table model.TargetTable)
	Duplicate()
	Claimed(n int)
	Completed()
	Retried()
	DeadLettered(n int)
	Expired(n int)
	ApplyDuration(table model.TargetTable, outcome string, d time.Duration)
}

// NopRecorder discards every event.
type NopRecorder struct{}

func (NopRecorder) Enqueued(model.TargetTable) {}
func (NopRecorder) Duplicate() {}
func (NopRecorder) Claimed(int) {}
func (NopRecorder) Completed() {}
func (NopRecorder) Retried() {}
func (NopRecorder) DeadLettered(int) {}
func (NopRecorder) Expired(int) {}
func (NopRecorder) ApplyDuration(model.TargetTable, string, time.Duration) {}
