// Package metrics exposes queue, version and reconcile events as
// Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/model"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/queue"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/reconcile"
	"github.com/dandytbermillo/annotation-backup-sub014/internal/versions"
)

const namespace = "offsync"

// Collector implements the queue, versions and reconcile recorders.
type Collector struct {
	registry *prometheus.Registry

	enqueued      *prometheus.CounterVec
	duplicates    prometheus.Counter
	claimed       prometheus.Counter
	completed     prometheus.Counter
	retried       prometheus.Counter
	deadLettered  prometheus.Counter
	expired       prometheus.Counter
	imported      prometheus.Counter
	importSkipped prometheus.Counter
	appended      prometheus.Counter
	conflicts     prometheus.Counter

	applyDuration *prometheus.HistogramVec

	operations  *prometheus.GaugeVec
	deadLetters prometheus.Gauge
	blocked     prometheus.Gauge
}

var (
	_ queue.Recorder     = (*Collector)(nil)
	_ versions.Recorder  = (*Collector)(nil)
	_ reconcile.Recorder = (*Collector)(nil)
)

// NewCollector creates a Collector with its own registry, including the
// Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_enqueued_total",
			Help:      "Operations accepted into the queue.",
		}, []string{"table"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_duplicates_total",
			Help:      "Enqueues rejected as duplicates of a live idempotency key.",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_claimed_total",
			Help:      "Operations claimed for processing.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_completed_total",
			Help:      "Operations applied successfully.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_retried_total",
			Help:      "Failed attempts scheduled for retry.",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_dead_lettered_total",
			Help:      "Operations moved to the dead-letter store.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_expired_total",
			Help:      "Pending operations failed by the TTL reaper.",
		}),
		imported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_imported_total",
			Help:      "Operations admitted from imported snapshots.",
		}),
		importSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_import_skipped_total",
			Help:      "Imported operations skipped as duplicates.",
		}),
		appended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_versions_appended_total",
			Help:      "Document versions written.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_conflicts_total",
			Help:      "Document versions written against a stale base.",
		}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table", "outcome"}),
		operations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations",
			Help:      "Live operations by status.",
		}, []string{"status"}),
		deadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dead_letters",
			Help:      "Unarchived dead letters.",
		}),
		blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_dependency_blocked",
			Help:      "Pending operations waiting on a dependency.",
		}),
	}

	c.registry.MustRegister(
		c.enqueued, c.duplicates, c.claimed, c.completed, c.retried,
		c.deadLettered, c.expired, c.imported, c.importSkipped,
		c.appended, c.conflicts, c.applyDuration,
		c.operations, c.deadLetters, c.blocked,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Enqueued(table model.TargetTable) {
	c.enqueued.WithLabelValues(string(table)).Inc()
}

func (c *Collector) Duplicate() {
	c.duplicates.Inc()
}

func (c *Collector) Claimed(n int) {
	c.claimed.Add(float64(n))
}

func (c *Collector) Completed() {
	c.completed.Inc()
}

func (c *Collector) Retried() {
	c.retried.Inc()
}

func (c *Collector) DeadLettered(n int) {
	c.deadLettered.Add(float64(n))
}

func (c *Collector) Expired(n int) {
	c.expired.Add(float64(n))
}

func (c *Collector) ApplyDuration(table model.TargetTable, outcome string, d time.Duration) {
	c.applyDuration.WithLabelValues(string(table), outcome).Observe(d.Seconds())
}

func (c *Collector) Appended() {
	c.appended.Inc()
}

func (c *Collector) Conflict() {
	c.conflicts.Inc()
}

func (c *Collector) Imported(n int) {
	c.imported.Add(float64(n))
}

func (c *Collector) ImportSkipped(n int) {
	c.importSkipped.Add(float64(n))
}

// ObserveStats sets the gauges from a queue snapshot.
func (c *Collector) ObserveStats(stats model.QueueStats) {
	for status, n := range stats.ByStatus {
		c.operations.WithLabelValues(string(status)).Set(float64(n))
	}
	c.deadLetters.Set(float64(stats.DeadLetters))
	c.blocked.Set(float64(stats.DependencyBlocked))
}
