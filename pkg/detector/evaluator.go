package detector

import (
	"net/netip"
	"time"

	"github.com/gofrs/uuid"
)

// evaluator applies the threshold and re-alert suppression policy. All state
// it touches lives on the source entry and is mutated under that entry's
// shard lock, so recording and evaluating are atomic per source.
type evaluator struct {
	threshold   int
	window      time.Duration
	suppression time.Duration
}

// evaluate decides whether the post-eviction port count warrants an alert.
// Suppression runs independently of the detection window: once an alert
// fires, the same source stays quiet until the suppression period expires,
// no matter how the window rolls in between.
func (ev evaluator) evaluate(e *entry, source netip.Addr, count int, ts time.Time) *Event {
	if count < ev.threshold {
		return nil
	}
	if !e.alertedUntil.IsZero() && ts.Before(e.alertedUntil) {
		return nil
	}
	e.alertedUntil = ts.Add(ev.suppression)

	return &Event{
		ID:         newEventID(),
		Source:     source,
		PortCount:  count,
		Window:     ev.window,
		DetectedAt: ts,
	}
}

func newEventID() string {
	id, err := uuid.NewV4()
	if err != nil {
		// NewV4 only fails when the platform randomness source does;
		// an empty ID is preferable to dropping the alert.
		return ""
	}
	return id.String()
}
