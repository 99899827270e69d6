// Package alert defines where detection events go once the engine has
// raised them. Sinks are deliberately dumb: the engine hands over an event
// and does not care how it is rendered or stored.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/havocst/havocst-IDS/pkg/detector"
)

// Sink receives detection events. Emit failures are recoverable by contract:
// the caller counts and logs them, detection state is unaffected.
type Sink interface {
	Emit(ctx context.Context, ev *detector.Event) error
	Close() error
}

// FormatEvent renders the human-readable alert line.
func FormatEvent(ev *detector.Event) string {
	return fmt.Sprintf("Potential port scan from %s: %d ports in %s",
		ev.Source, ev.PortCount, ev.Window)
}

// LogSink writes alerts to the process log and, when configured with a path,
// appends timestamped lines to an alert log file.
type LogSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewLogSink opens the alert log file when path is non-empty. The file is
// opened once and held; alerts append to it for the process lifetime.
func NewLogSink(path string) (*LogSink, error) {
	s := &LogSink{}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open alert log file: %w", err)
		}
		s.file = f
	}
	return s, nil
}

// Emit logs the alert and appends it to the alert file if one is configured.
func (s *LogSink) Emit(_ context.Context, ev *detector.Event) error {
	slog.Warn("port scan detected",
		"source", ev.Source.String(),
		"ports", ev.PortCount,
		"window", ev.Window.String(),
		"detected_at", ev.DetectedAt.Format(time.RFC3339),
		"event_id", ev.ID,
	)

	if s.file == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	line := fmt.Sprintf("[%s] %s\n", ev.DetectedAt.UTC().Format("2006-01-02 15:04:05"), FormatEvent(ev))
	if _, err := s.file.WriteString(line); err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

// Close releases the alert log file.
func (s *LogSink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// MultiSink fans an event out to every configured sink. One sink failing
// does not stop delivery to the others; errors are aggregated.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink bundles sinks into one. Nil sinks are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Emit delivers the event to every sink.
func (m *MultiSink) Emit(ctx context.Context, ev *detector.Event) error {
	var result *multierror.Error
	for _, s := range m.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close closes every sink, aggregating errors.
func (m *MultiSink) Close() error {
	var result *multierror.Error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
