package detector

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return d
}

func obs(src string, port uint16, at time.Time) Observation {
	return Observation{Source: netip.MustParseAddr(src), Port: port, SeenAt: at}
}

func TestNewRejectsMeaninglessConfig(t *testing.T) {
	if _, err := New(Config{Threshold: 0, Window: time.Minute}); err == nil {
		t.Fatal("expected error for zero threshold")
	}
	if _, err := New(Config{Threshold: 10, Window: 0}); err == nil {
		t.Fatal("expected error for zero window")
	}
	if _, err := New(Config{Threshold: 10, Window: time.Minute, Suppression: -time.Second}); err == nil {
		t.Fatal("expected error for negative suppression")
	}
}

func TestRecordCountsDistinctPortsInWindow(t *testing.T) {
	d := newTestDetector(t, Config{Threshold: 100, Window: time.Minute})

	count, _ := d.Record(obs("10.0.0.1", 80, testBase))
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}

	// Same port again refreshes, never duplicates.
	count, _ = d.Record(obs("10.0.0.1", 80, testBase.Add(time.Second)))
	if count != 1 {
		t.Fatalf("expected count 1 after re-probe, got %d", count)
	}

	count, _ = d.Record(obs("10.0.0.1", 443, testBase.Add(2*time.Second)))
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	// A probe one window later must only see itself: the earlier ports are
	// outside (T-window, T].
	count, _ = d.Record(obs("10.0.0.1", 8080, testBase.Add(2*time.Second+time.Minute)))
	if count != 1 {
		t.Fatalf("expected count 1 after window rolled, got %d", count)
	}
}

func TestRecordExactWindowBoundary(t *testing.T) {
	d := newTestDetector(t, Config{Threshold: 100, Window: time.Minute})

	d.Record(obs("10.0.0.1", 1, testBase))
	// Exactly window later: port 1 sits on the cutoff and is evicted, the
	// window is the half-open interval (T-window, T].
	count, _ := d.Record(obs("10.0.0.1", 2, testBase.Add(time.Minute)))
	if count != 1 {
		t.Fatalf("expected port on cutoff to be evicted, got count %d", count)
	}
}

func TestThresholdBoundary(t *testing.T) {
	d := newTestDetector(t, Config{Threshold: 5, Window: time.Minute})

	var events int
	for p := uint16(1); p <= 4; p++ {
		if _, ev := d.Record(obs("192.0.2.7", p, testBase.Add(time.Duration(p)*time.Second))); ev != nil {
			events++
		}
	}
	if events != 0 {
		t.Fatalf("expected no alert below threshold, got %d", events)
	}

	_, ev := d.Record(obs("192.0.2.7", 5, testBase.Add(5*time.Second)))
	if ev == nil {
		t.Fatal("expected alert at threshold")
	}
	if ev.PortCount != 5 {
		t.Fatalf("expected port count 5, got %d", ev.PortCount)
	}
	if ev.Window != time.Minute {
		t.Fatalf("expected window 1m, got %s", ev.Window)
	}
	if !ev.DetectedAt.Equal(testBase.Add(5 * time.Second)) {
		t.Fatalf("unexpected detection time %s", ev.DetectedAt)
	}
	if ev.ID == "" {
		t.Fatal("expected a non-empty event ID")
	}
}

func TestSuppressionWithholdsRepeatAlerts(t *testing.T) {
	d := newTestDetector(t, Config{Threshold: 3, Window: time.Hour, Suppression: 30 * time.Second})

	at := testBase
	for p := uint16(1); p <= 3; p++ {
		at = at.Add(time.Second)
		d.Record(obs("10.9.9.9", p, at))
	}

	// Continued scanning inside the cooldown stays quiet.
	_, ev := d.Record(obs("10.9.9.9", 4, at.Add(10*time.Second)))
	if ev != nil {
		t.Fatal("expected alert to be suppressed")
	}

	// Once the cooldown expires and the source is still above threshold,
	// exactly one more alert fires.
	_, ev = d.Record(obs("10.9.9.9", 5, at.Add(31*time.Second)))
	if ev == nil {
		t.Fatal("expected alert after suppression expired")
	}
	_, ev = d.Record(obs("10.9.9.9", 6, at.Add(32*time.Second)))
	if ev != nil {
		t.Fatal("expected second alert to be suppressed again")
	}
}

func TestSuppressionDefaultsToWindow(t *testing.T) {
	d := newTestDetector(t, Config{Threshold: 2, Window: time.Minute})

	d.Record(obs("10.1.1.1", 1, testBase))
	_, ev := d.Record(obs("10.1.1.1", 2, testBase.Add(time.Second)))
	if ev == nil {
		t.Fatal("expected initial alert")
	}

	_, ev = d.Record(obs("10.1.1.1", 3, testBase.Add(30*time.Second)))
	if ev != nil {
		t.Fatal("expected suppression for the length of the window")
	}
}

func TestOutOfOrderObservationsDoNotRewindEviction(t *testing.T) {
	d := newTestDetector(t, Config{Threshold: 100, Window: time.Minute})

	d.Record(obs("10.2.2.2", 1, testBase.Add(2*time.Minute)))
	// A straggler from before the window must not register.
	count, _ := d.Record(obs("10.2.2.2", 2, testBase))
	if count != 1 {
		t.Fatalf("expected stale observation to be dropped, got count %d", count)
	}
}

func TestSweepReclaimsSilentSources(t *testing.T) {
	d := newTestDetector(t, Config{Threshold: 100, Window: time.Minute})

	d.Record(obs("10.3.3.3", 22, testBase))
	d.Record(obs("10.3.3.4", 22, testBase.Add(90*time.Second)))
	if got := d.Sources(); got != 2 {
		t.Fatalf("expected 2 tracked sources, got %d", got)
	}

	reclaimed := d.Sweep(testBase.Add(2 * time.Minute))
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed source, got %d", reclaimed)
	}
	if got := d.Sources(); got != 1 {
		t.Fatalf("expected 1 tracked source after sweep, got %d", got)
	}
}

func TestCapacityEvictsLeastRecentlyActive(t *testing.T) {
	d := newTestDetector(t, Config{Threshold: 100, Window: time.Hour, MaxSources: 4, Shards: 1})

	for i := 0; i < 4; i++ {
		src := fmt.Sprintf("10.4.0.%d", i+1)
		d.Record(obs(src, 80, testBase.Add(time.Duration(i)*time.Second)))
	}
	if got := d.Sources(); got != 4 {
		t.Fatalf("expected 4 tracked sources, got %d", got)
	}

	// A fifth source pushes out 10.4.0.1, the least recently active.
	d.Record(obs("10.4.0.5", 80, testBase.Add(10*time.Second)))
	if got := d.Sources(); got != 4 {
		t.Fatalf("expected cap to hold at 4 sources, got %d", got)
	}

	// The evicted source starts from scratch on its next observation.
	count, _ := d.Record(obs("10.4.0.1", 443, testBase.Add(11*time.Second)))
	if count != 1 {
		t.Fatalf("expected evicted source to restart at count 1, got %d", count)
	}
}

func TestScanScenario(t *testing.T) {
	// threshold=20, window=60s: ports 1..19 at t=0..18s stay quiet, port 20
	// at t=19s raises exactly one alert, port 21 at t=20s is suppressed,
	// and by t=90s the early activity has rolled out of the window.
	d := newTestDetector(t, Config{Threshold: 20, Window: time.Minute})
	src := "10.0.0.5"

	var events []*Event
	for p := uint16(1); p <= 19; p++ {
		_, ev := d.Record(obs(src, p, testBase.Add(time.Duration(p-1)*time.Second)))
		if ev != nil {
			events = append(events, ev)
		}
	}
	if len(events) != 0 {
		t.Fatalf("expected no alerts for 19 ports, got %d", len(events))
	}

	_, ev := d.Record(obs(src, 20, testBase.Add(19*time.Second)))
	if ev == nil {
		t.Fatal("expected alert on the 20th port")
	}
	if ev.Source != netip.MustParseAddr(src) || ev.PortCount != 20 {
		t.Fatalf("unexpected event %+v", ev)
	}

	if _, ev := d.Record(obs(src, 21, testBase.Add(20*time.Second))); ev != nil {
		t.Fatal("expected port 21 to be suppressed")
	}

	// At t=90s only activity after t=30s is still in the window: port 21
	// (t=20s) has rolled out too, leaving just the five new probes.
	count := 0
	for p := uint16(100); p < 105; p++ {
		count, _ = d.Record(obs(src, p, testBase.Add(90*time.Second)))
	}
	if count != 5 {
		t.Fatalf("expected 5 ports in window at t=90s, got %d", count)
	}
}

func TestConcurrentRecordMatchesSerialCounts(t *testing.T) {
	const (
		sources        = 8
		portsPerSource = 200
	)

	run := func(workers int) map[string]int {
		d := newTestDetector(t, Config{Threshold: 100000, Window: time.Hour})

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				// Each worker owns a disjoint set of sources, preserving
				// per-source delivery order.
				for s := w; s < sources; s += workers {
					src := fmt.Sprintf("172.16.0.%d", s+1)
					for p := 0; p < portsPerSource; p++ {
						d.Record(obs(src, uint16(p+1), testBase.Add(time.Duration(p)*time.Millisecond)))
					}
				}
			}(w)
		}
		wg.Wait()

		counts := make(map[string]int)
		for s := 0; s < sources; s++ {
			src := fmt.Sprintf("172.16.0.%d", s+1)
			count, _ := d.Record(obs(src, 1, testBase.Add(time.Duration(portsPerSource)*time.Millisecond)))
			counts[src] = count
		}
		return counts
	}

	serial := run(1)
	concurrent := run(4)
	for src, want := range serial {
		if got := concurrent[src]; got != want {
			t.Fatalf("source %s: concurrent count %d != serial count %d", src, got, want)
		}
	}
}
