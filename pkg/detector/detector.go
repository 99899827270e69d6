// Package detector implements the sliding-window port-scan engine: a sharded
// per-source record of recently probed destination ports, with lazy eviction
// of anything older than the window and a threshold/suppression policy that
// raises alert events.
package detector

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

const (
	defaultShards     = 16
	defaultMaxSources = 65536
)

var (
	capacityEvictions = metrics.NewCounter("ids_detector_capacity_evictions_total")
	sweepReclaims     = metrics.NewCounter("ids_detector_sweep_reclaims_total")
)

// Config holds the detection parameters. Threshold and Window are required;
// Suppression defaults to Window, MaxSources and Shards to sane bounds.
type Config struct {
	// Threshold is the number of distinct destination ports within the
	// window that constitutes a scan.
	Threshold int

	// Window is the trailing interval over which distinct ports count.
	Window time.Duration

	// Suppression is the per-source re-alert cooldown after an alert.
	Suppression time.Duration

	// MaxSources caps the number of concurrently tracked source addresses;
	// the least-recently-active source is dropped when the cap is hit.
	MaxSources int

	// Shards sets the lock partition count.
	Shards int
}

// Detector tracks per-source port activity and raises events when a source
// crosses the threshold. Safe for concurrent use.
type Detector struct {
	shards []*shard
	eval   evaluator
	window time.Duration
}

// New validates cfg and builds a detector. A zero threshold or window makes
// detection meaningless and is rejected outright.
func New(cfg Config) (*Detector, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("detector: threshold must be positive, got %d", cfg.Threshold)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("detector: window must be positive, got %s", cfg.Window)
	}
	if cfg.Suppression < 0 {
		return nil, fmt.Errorf("detector: suppression must not be negative, got %s", cfg.Suppression)
	}
	if cfg.Suppression == 0 {
		cfg.Suppression = cfg.Window
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = defaultMaxSources
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}

	perShard := (cfg.MaxSources + cfg.Shards - 1) / cfg.Shards
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = newShard(perShard)
	}

	return &Detector{
		shards: shards,
		window: cfg.Window,
		eval: evaluator{
			threshold:   cfg.Threshold,
			window:      cfg.Window,
			suppression: cfg.Suppression,
		},
	}, nil
}

// Record ingests one observation. It returns the post-eviction distinct-port
// count for the source, and a non-nil event when the observation pushed the
// source over the threshold outside an active suppression period.
//
// The insert, eviction, count and alert decision happen under a single shard
// lock hold, so concurrent callers cannot tear an entry or double-alert.
func (d *Detector) Record(obs Observation) (int, *Event) {
	s := d.shards[shardIndex(obs.Source, len(d.shards))]

	s.mu.Lock()
	defer s.mu.Unlock()

	e, count, evicted := s.record(obs.Source, obs.Port, obs.SeenAt, d.window)
	if evicted {
		capacityEvictions.Inc()
	}
	if e == nil {
		return count, nil
	}
	return count, d.eval.evaluate(e, obs.Source, count, obs.SeenAt)
}

// Sweep reclaims state for sources that have been silent longer than the
// window. Lazy eviction on Record keeps results correct without it; Sweep
// only exists so that memory for permanently silent sources is returned on
// a timer instead of lingering until process exit.
func (d *Detector) Sweep(now time.Time) int {
	reclaimed := 0
	for _, s := range d.shards {
		reclaimed += s.sweep(now, d.window)
	}
	if reclaimed > 0 {
		sweepReclaims.Add(reclaimed)
	}
	return reclaimed
}

// Sources returns the number of source addresses currently tracked.
func (d *Detector) Sources() int {
	n := 0
	for _, s := range d.shards {
		n += s.len()
	}
	return n
}
