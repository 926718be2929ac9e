package versions

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/dandytbermillo/annotation-backup-sub014/internal/versions")

// Option configures a Service.
type Option func(*Service)

// WithClock sets the wall clock used for created_at.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithExtractor replaces RichTextExtractor.
func WithExtractor(e Extractor) Option {
	return func(s *Service) {
		if e != nil {
			s.extract = e
		}
	}
}
