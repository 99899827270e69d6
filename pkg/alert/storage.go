package alert

import (
	"context"
	"net/netip"

	"github.com/havocst/havocst-IDS/pkg/detector"
)

// Repository defines the minimal contract for persisting alerts. A
// repository keeps the latest alert per source plus a cumulative count, so
// operators can ask "who has scanned us, how often, and when last".
type Repository interface {
	RecordAlert(ctx context.Context, ev *detector.Event) (bool, error)
	Fetch(ctx context.Context, source netip.Addr) (*StoredAlert, error)
	Close() error
}

// StoredAlert is the persisted view of a source's alert history.
type StoredAlert struct {
	Event      detector.Event
	TotalCount int64 // alerts recorded for this source since first seen
}
