package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"

	"github.com/havocst/havocst-IDS/pkg/alert"
	alertsqlite "github.com/havocst/havocst-IDS/pkg/alert/sqlite"
	"github.com/havocst/havocst-IDS/pkg/capture"
	"github.com/havocst/havocst-IDS/pkg/config"
	"github.com/havocst/havocst-IDS/pkg/detector"
	"github.com/havocst/havocst-IDS/pkg/ingest"
	"github.com/havocst/havocst-IDS/pkg/logging"
	"github.com/havocst/havocst-IDS/pkg/pipeline"
)

func main() {
	logging.Configure(false)

	if err := rootCmd().Execute(); err != nil {
		slog.Error("sensor failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgFile     string
		source      string
		iface       string
		filter      string
		threshold   int
		window      time.Duration
		suppression time.Duration
		maxSources  int
		workers     int
		queueSize   int
		alertLog    string
		dbPath      string
		metricsAddr string
		debug       bool
	)

	cmd := &cobra.Command{
		Use:           "havocst",
		Short:         "Host sensor that flags TCP port scans from live traffic",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cfgFile != "" {
				if err := cfg.ApplyFile(cfgFile); err != nil {
					return fmt.Errorf("config: %w", err)
				}
			}

			// Explicit flags win over environment and file.
			flags := cmd.Flags()
			if flags.Changed("source") {
				cfg.Source = source
			}
			if flags.Changed("interface") {
				cfg.Interface = iface
			}
			if flags.Changed("filter") {
				cfg.Filter = filter
			}
			if flags.Changed("threshold") {
				cfg.Threshold = threshold
			}
			if flags.Changed("window") {
				cfg.Window = window
			}
			if flags.Changed("suppression") {
				cfg.Suppression = suppression
			}
			if flags.Changed("max-sources") {
				cfg.MaxSources = maxSources
			}
			if flags.Changed("workers") {
				cfg.Workers = workers
			}
			if flags.Changed("alert-queue-size") {
				cfg.AlertQueueSize = queueSize
			}
			if flags.Changed("log-file") {
				cfg.AlertLogFile = alertLog
			}
			if flags.Changed("db") {
				cfg.DBPath = dbPath
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("debug") {
				cfg.Debug = debug
			}

			logging.Configure(cfg.Debug)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&source, "source", config.SourceLive, "Observation source (live or pubsub)")
	cmd.Flags().StringVarP(&iface, "interface", "i", "", "Capture interface (empty = auto-select)")
	cmd.Flags().StringVar(&filter, "filter", "", "BPF capture filter override")
	cmd.Flags().IntVarP(&threshold, "threshold", "t", 20, "Distinct ports within the window that trigger an alert")
	cmd.Flags().DurationVarP(&window, "window", "w", 60*time.Second, "Sliding detection window")
	cmd.Flags().DurationVar(&suppression, "suppression", 0, "Re-alert cooldown per source (0 = same as window)")
	cmd.Flags().IntVar(&maxSources, "max-sources", 65536, "Cap on concurrently tracked source addresses")
	cmd.Flags().IntVar(&workers, "workers", 4, "Observation worker count")
	cmd.Flags().IntVar(&queueSize, "alert-queue-size", 256, "Bound on queued undelivered alerts")
	cmd.Flags().StringVarP(&alertLog, "log-file", "l", "", "Append alerts to this file")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite alert database path (empty = no persistence)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	det, err := detector.New(detector.Config{
		Threshold:   cfg.Threshold,
		Window:      cfg.Window,
		Suppression: cfg.Suppression,
		MaxSources:  cfg.MaxSources,
	})
	if err != nil {
		return err
	}

	metrics.NewGauge("ids_tracker_sources", func() float64 {
		return float64(det.Sources())
	})

	logSink, err := alert.NewLogSink(cfg.AlertLogFile)
	if err != nil {
		return err
	}
	sinks := []alert.Sink{logSink}

	if cfg.DBPath != "" {
		repo, err := alertsqlite.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open alert store: %w", err)
		}
		sinks = append(sinks, repo)
	}

	sink := alert.NewMultiSink(sinks...)
	defer func() {
		if err := sink.Close(); err != nil {
			slog.Error("closing sinks", "err", err)
		}
	}()

	src, err := buildSource(cfg)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr)
	}

	p, err := pipeline.New(det, sink, pipeline.Options{
		Workers:        cfg.Workers,
		AlertQueueSize: cfg.AlertQueueSize,
		Window:         cfg.Window,
	})
	if err != nil {
		return err
	}

	slog.Info("sensor starting",
		"source", cfg.Source,
		"threshold", cfg.Threshold,
		"window", cfg.Window.String(),
		"suppression", cfg.Suppression.String(),
		"max_sources", cfg.MaxSources,
	)

	if err := p.Run(ctx, src); err != nil {
		return err
	}

	slog.Info("sensor exiting")
	return nil
}

func buildSource(cfg *config.Config) (pipeline.Source, error) {
	switch cfg.Source {
	case config.SourceLive:
		return capture.NewSource(cfg.Interface, cfg.Filter), nil
	case config.SourcePubSub:
		// The Pub/Sub client reads the emulator host from the environment.
		if cfg.EmulatorHost != "" {
			if err := os.Setenv("PUBSUB_EMULATOR_HOST", cfg.EmulatorHost); err != nil {
				return nil, fmt.Errorf("set emulator host: %w", err)
			}
		}
		return ingest.NewPubSubSource(cfg.ProjectID, cfg.SubscriptionID), nil
	default:
		return nil, fmt.Errorf("unsupported source %q", cfg.Source)
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
		}
	}()
}
