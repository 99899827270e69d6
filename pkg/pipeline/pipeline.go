// Package pipeline wires an observation source through the detection engine
// to the alert sink: source → Record → evaluate → emit. Detection never
// blocks on alert delivery; a slow sink costs alerts, not packets.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/tevino/abool"
	"golang.org/x/sync/errgroup"

	"github.com/havocst/havocst-IDS/pkg/alert"
	"github.com/havocst/havocst-IDS/pkg/detector"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256

	// deliverTimeout bounds a single sink call during dispatch and drain.
	deliverTimeout = 5 * time.Second
)

var (
	observationsSeen      = metrics.NewCounter("ids_observations_total")
	observationsMalformed = metrics.NewCounter("ids_observations_malformed_total")
	alertsRaised          = metrics.NewCounter("ids_alerts_total")
	alertsDropped         = metrics.NewCounter("ids_alerts_dropped_total")
	deliveryFailures      = metrics.NewCounter("ids_alert_delivery_failures_total")
)

// Source yields observations until its stream ends or the context is
// canceled. Returning (nil or context.Canceled) signals a clean end of
// stream and shuts the pipeline down.
type Source interface {
	Run(ctx context.Context, out chan<- detector.Observation) error
}

// Options tunes pipeline sizing. Zero values fall back to defaults.
type Options struct {
	Workers        int
	AlertQueueSize int
	SweepInterval  time.Duration // 0 = the detection window
	Window         time.Duration
}

// Pipeline owns the moving parts between a source and a sink.
type Pipeline struct {
	det       *detector.Detector
	sink      alert.Sink
	workers   int
	queueSize int
	sweepEach time.Duration
	running   *abool.AtomicBool
}

// New assembles a pipeline around an engine and a sink.
func New(det *detector.Detector, sink alert.Sink, opts Options) (*Pipeline, error) {
	if det == nil {
		return nil, errors.New("pipeline: detector must not be nil")
	}
	if sink == nil {
		return nil, errors.New("pipeline: sink must not be nil")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.AlertQueueSize <= 0 {
		opts.AlertQueueSize = defaultQueueSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.Window
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	return &Pipeline{
		det:       det,
		sink:      sink,
		workers:   opts.Workers,
		queueSize: opts.AlertQueueSize,
		sweepEach: opts.SweepInterval,
		running:   abool.New(),
	}, nil
}

// Run drives the pipeline until the source ends or ctx is canceled. On
// shutdown, observations already pulled from the source are drained through
// the engine and queued alerts are delivered before Run returns.
func (p *Pipeline) Run(ctx context.Context, src Source) error {
	if !p.running.SetToIf(false, true) {
		return errors.New("pipeline: already running")
	}
	defer p.running.UnSet()

	g, ctx := errgroup.WithContext(ctx)

	observations := make(chan detector.Observation, p.workers*16)
	alerts := make(chan *detector.Event, p.queueSize)

	g.Go(func() error {
		defer close(observations)
		err := src.Run(ctx, observations)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("source: %w", err)
		}
		return nil
	})

	var workersDone sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workersDone.Add(1)
		g.Go(func() error {
			defer workersDone.Done()
			for obs := range observations {
				p.process(obs, alerts)
			}
			return nil
		})
	}
	g.Go(func() error {
		workersDone.Wait()
		close(alerts)
		return nil
	})

	dispatchDone := make(chan struct{})
	g.Go(func() error {
		defer close(dispatchDone)
		for ev := range alerts {
			p.deliver(ev)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(p.sweepEach)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-dispatchDone:
				return nil
			case now := <-ticker.C:
				reclaimed := p.det.Sweep(now)
				slog.Info("sensor running", "tracked_sources", p.det.Sources(), "reclaimed", reclaimed)
			}
		}
	})

	return g.Wait()
}

// Running reports whether Run is currently active.
func (p *Pipeline) Running() bool {
	return p.running.IsSet()
}

// process feeds one observation through the engine and queues any resulting
// alert. A full queue drops the alert and counts the drop; ingestion is
// never the one to wait.
func (p *Pipeline) process(obs detector.Observation, alerts chan<- *detector.Event) {
	if !obs.Valid() {
		observationsMalformed.Inc()
		return
	}
	observationsSeen.Inc()

	_, ev := p.det.Record(obs)
	if ev == nil {
		return
	}
	alertsRaised.Inc()

	select {
	case alerts <- ev:
	default:
		alertsDropped.Inc()
		slog.Warn("alert queue full, dropping event",
			"source", ev.Source.String(), "event_id", ev.ID)
	}
}

// deliver hands one event to the sink. Delivery failures are recoverable:
// counted and logged, detection state untouched. A fresh context is used so
// queued alerts still go out during shutdown drain.
func (p *Pipeline) deliver(ev *detector.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	if err := p.sink.Emit(ctx, ev); err != nil {
		deliveryFailures.Inc()
		slog.Error("alert delivery failed", "event_id", ev.ID, "err", err)
	}
}
