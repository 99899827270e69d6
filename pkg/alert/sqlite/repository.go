// Package sqlite persists alerts in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/havocst/havocst-IDS/pkg/alert"
	"github.com/havocst/havocst-IDS/pkg/detector"
)

// Repository stores the latest alert per source address together with a
// cumulative alert counter.
type Repository struct {
	db *sql.DB
}

var (
	_ alert.Repository = (*Repository)(nil)
	_ alert.Sink       = (*Repository)(nil)
)

// New opens (or creates) the SQLite database at the provided path and
// ensures the schema exists.
func New(path string) (*Repository, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path must not be empty")
	}

	if err := ensureDir(path); err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("error setting busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS scan_alerts (
	source TEXT NOT NULL,
	detected_at INTEGER NOT NULL,
	port_count INTEGER NOT NULL,
	window_seconds INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	total_count INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (source)
);
`
	_, err := db.Exec(ddl)
	return err
}

// RecordAlert upserts the alert for its source: the stored row only moves
// forward in time, and every newer alert bumps the cumulative counter. It
// returns true when the stored record changed.
func (r *Repository) RecordAlert(ctx context.Context, ev *detector.Event) (bool, error) {
	if ev == nil {
		return false, fmt.Errorf("event must not be nil")
	}

	detected := ev.DetectedAt.UTC().Unix()
	// `excluded` is sqlite's automatic alias for the row that triggers a
	// conflict.
	query := `
INSERT INTO scan_alerts (source, detected_at, port_count, window_seconds, event_id, total_count)
VALUES (?, ?, ?, ?, ?, 1)
ON CONFLICT(source)
DO UPDATE SET
	detected_at = excluded.detected_at,
	port_count = excluded.port_count,
	window_seconds = excluded.window_seconds,
	event_id = excluded.event_id,
	total_count = scan_alerts.total_count + 1
WHERE excluded.detected_at > scan_alerts.detected_at;
`

	res, err := r.db.ExecContext(ctx, query,
		ev.Source.String(),
		detected,
		ev.PortCount,
		int64(ev.Window/time.Second),
		ev.ID,
	)
	if err != nil {
		return false, fmt.Errorf("error during upsert exec: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error counting rows affected: %w", err)
	}

	return rows > 0, nil
}

// Emit makes the repository usable directly as an alert sink.
func (r *Repository) Emit(ctx context.Context, ev *detector.Event) error {
	_, err := r.RecordAlert(ctx, ev)
	return err
}

// Fetch retrieves the stored alert for a source, or nil when the source has
// never alerted.
func (r *Repository) Fetch(ctx context.Context, source netip.Addr) (*alert.StoredAlert, error) {
	query := `
SELECT source, detected_at, port_count, window_seconds, event_id, total_count
FROM scan_alerts
WHERE source = ?;
`
	row := r.db.QueryRowContext(ctx, query, source.String())

	var (
		stored        alert.StoredAlert
		src           string
		detected      int64
		windowSeconds int64
	)
	err := row.Scan(&src, &detected, &stored.Event.PortCount, &windowSeconds, &stored.Event.ID, &stored.TotalCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error fetching alert: %w", err)
	}

	addr, err := netip.ParseAddr(src)
	if err != nil {
		return nil, fmt.Errorf("error parsing stored source %q: %w", src, err)
	}
	stored.Event.Source = addr
	stored.Event.DetectedAt = time.Unix(detected, 0).UTC()
	stored.Event.Window = time.Duration(windowSeconds) * time.Second
	return &stored, nil
}

// Close releases the underlying database resources.
func (r *Repository) Close() error {
	return r.db.Close()
}
