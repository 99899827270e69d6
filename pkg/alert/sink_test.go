package alert

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/havocst/havocst-IDS/pkg/detector"
)

func testEvent() *detector.Event {
	return &detector.Event{
		ID:         "ev-test",
		Source:     netip.MustParseAddr("10.0.0.5"),
		PortCount:  21,
		Window:     time.Minute,
		DetectedAt: time.Date(2024, 3, 1, 12, 0, 19, 0, time.UTC),
	}
}

func TestLogSinkAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.log")

	sink, err := NewLogSink(path)
	if err != nil {
		t.Fatalf("NewLogSink returned error: %v", err)
	}

	if err := sink.Emit(context.Background(), testEvent()); err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}
	if err := sink.Emit(context.Background(), testEvent()); err != nil {
		t.Fatalf("second Emit returned error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read alert file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "Potential port scan from 10.0.0.5: 21 ports in 1m0s") {
		t.Fatalf("unexpected alert file content: %q", content)
	}
	if got := strings.Count(content, "\n"); got != 2 {
		t.Fatalf("expected 2 alert lines, got %d", got)
	}
}

func TestLogSinkWithoutFile(t *testing.T) {
	sink, err := NewLogSink("")
	if err != nil {
		t.Fatalf("NewLogSink returned error: %v", err)
	}
	if err := sink.Emit(context.Background(), testEvent()); err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

type stubSink struct {
	events []*detector.Event
	err    error
}

func (s *stubSink) Emit(_ context.Context, ev *detector.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *stubSink) Close() error { return s.err }

func TestMultiSinkDeliversPastFailures(t *testing.T) {
	failing := &stubSink{err: errors.New("unavailable")}
	working := &stubSink{}
	m := NewMultiSink(failing, working, nil)

	err := m.Emit(context.Background(), testEvent())
	if err == nil {
		t.Fatal("expected aggregated error from failing sink")
	}
	if len(working.events) != 1 {
		t.Fatalf("expected working sink to receive the event, got %d", len(working.events))
	}
}
