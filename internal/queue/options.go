package queue

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
)

const (
	// DefaultMaxRetries is the retry budget before an operation is
	// dead-lettered.
	DefaultMaxRetries = 5

	// DefaultBatchSize is the NextBatch limit used when the caller passes
	// limit <= 0.
	DefaultBatchSize = 50

	// DefaultPollInterval is how often an idle worker polls for work.
	DefaultPollInterval = time.Second

	// DefaultReapInterval is how often Reaper.Run sweeps.
	DefaultReapInterval = 30 * time.Second
)

var tracer = otel.Tracer("github.com/dandytbermillo/annotation-backup-sub014/internal/queue")

// Option configures queue components.
type Option func(*options)

type options struct {
	now          func() time.Time
	logger       *slog.Logger
	recorder     Recorder
	ids          IDGenerator
	notifier     *Notifier
	maxRetries   int
	defaultTTL   time.Duration
	batchSize    int
	pollInterval time.Duration
}

func buildOptions(opts []Option) options {
	o := options{
		now:          time.Now,
		logger:       slog.Default(),
		recorder:     NopRecorder{},
		ids:          UUIDv7Generator{},
		maxRetries:   DefaultMaxRetries,
		batchSize:    DefaultBatchSize,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock sets the wall clock. Tests pass testutil.FakeClock.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithIDGenerator sets the id source for new operations.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithNotifier shares a wakeup channel between Guard and Worker.
func WithNotifier(n *Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithMaxRetries sets the retry budget. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.maxRetries = n
		}
	}
}

// WithDefaultTTL sets the deadline applied to operations enqueued without
// one. Zero means no deadline.
func WithDefaultTTL(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.defaultTTL = d
		}
	}
}

// WithBatchSize sets the default NextBatch limit.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithPollInterval sets how often an idle worker polls.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}
