// Package config aggregates runtime settings for the sensor. Values come
// from built-in defaults, then environment variables, then an optional YAML
// file, then command-line flags — later sources win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Source kinds for observation ingestion.
const (
	SourceLive   = "live"   // capture packets on a local interface
	SourcePubSub = "pubsub" // consume observations published by remote agents
)

const (
	defaultThreshold      = 20
	defaultWindow         = 60 * time.Second
	defaultMaxSources     = 65536
	defaultWorkers        = 4
	defaultAlertQueueSize = 256

	// Pub/Sub defaults mirror a local emulator setup.
	defaultProjectID      = "test-project"
	defaultSubscriptionID = "observations-sub"

	defaultDBPath = "data/alerts.db"
)

// Config holds every tunable of the sensor process. Immutable once the
// pipeline starts.
type Config struct {
	Source string `yaml:"source"`

	// Live capture settings.
	Interface string `yaml:"interface"` // empty = auto-select
	Filter    string `yaml:"filter"`    // BPF override, empty = SYN-only default

	// Detection parameters.
	Threshold   int           `yaml:"threshold"`
	Window      time.Duration `yaml:"window"`
	Suppression time.Duration `yaml:"suppression"` // 0 = same as window
	MaxSources  int           `yaml:"max_sources"`

	// Pipeline sizing.
	Workers        int `yaml:"workers"`
	AlertQueueSize int `yaml:"alert_queue_size"`

	// Alert outputs.
	AlertLogFile string `yaml:"alert_log_file"` // empty = console only
	DBPath       string `yaml:"db_path"`        // empty = no persistence

	// Pub/Sub source settings.
	ProjectID      string `yaml:"project_id"`
	SubscriptionID string `yaml:"subscription_id"`
	EmulatorHost   string `yaml:"emulator_host"`

	// Diagnostics.
	MetricsAddr string `yaml:"metrics_addr"` // empty = disabled
	Debug       bool   `yaml:"debug"`
}

// Load reads config from environment variables, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Source:         readEnv("IDS_SOURCE", SourceLive),
		Interface:      readEnv("IDS_INTERFACE", ""),
		Filter:         readEnv("IDS_FILTER", ""),
		AlertQueueSize: defaultAlertQueueSize,
		AlertLogFile:   readEnv("IDS_ALERT_LOG_FILE", ""),
		DBPath:         readEnv("IDS_DB_PATH", defaultDBPath),
		ProjectID:      readEnv("PUBSUB_PROJECT_ID", defaultProjectID),
		SubscriptionID: readEnv("PUBSUB_SUBSCRIPTION_ID", defaultSubscriptionID),
		EmulatorHost:   readEnv("PUBSUB_EMULATOR_HOST", ""),
		MetricsAddr:    readEnv("IDS_METRICS_ADDR", ""),
	}

	var err error
	if cfg.Threshold, err = readEnvInt("IDS_THRESHOLD", defaultThreshold); err != nil {
		return nil, err
	}
	if cfg.Window, err = readEnvDuration("IDS_WINDOW", defaultWindow); err != nil {
		return nil, err
	}
	if cfg.Suppression, err = readEnvDuration("IDS_SUPPRESSION", 0); err != nil {
		return nil, err
	}
	if cfg.MaxSources, err = readEnvInt("IDS_MAX_SOURCES", defaultMaxSources); err != nil {
		return nil, err
	}
	if cfg.Workers, err = readEnvInt("IDS_WORKERS", defaultWorkers); err != nil {
		return nil, err
	}

	return cfg, nil
}

// fileConfig mirrors Config for the YAML overlay. Fields are pointers so
// that keys absent from the file leave the current value alone, and
// durations are strings ("60s", "5m") parsed explicitly.
type fileConfig struct {
	Source         *string `yaml:"source"`
	Interface      *string `yaml:"interface"`
	Filter         *string `yaml:"filter"`
	Threshold      *int    `yaml:"threshold"`
	Window         *string `yaml:"window"`
	Suppression    *string `yaml:"suppression"`
	MaxSources     *int    `yaml:"max_sources"`
	Workers        *int    `yaml:"workers"`
	AlertQueueSize *int    `yaml:"alert_queue_size"`
	AlertLogFile   *string `yaml:"alert_log_file"`
	DBPath         *string `yaml:"db_path"`
	ProjectID      *string `yaml:"project_id"`
	SubscriptionID *string `yaml:"subscription_id"`
	EmulatorHost   *string `yaml:"emulator_host"`
	MetricsAddr    *string `yaml:"metrics_addr"`
	Debug          *bool   `yaml:"debug"`
}

// ApplyFile overlays settings from a YAML file. A missing file is an error:
// the operator named it explicitly.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Source, fc.Source)
	setString(&c.Interface, fc.Interface)
	setString(&c.Filter, fc.Filter)
	setInt(&c.Threshold, fc.Threshold)
	setInt(&c.MaxSources, fc.MaxSources)
	setInt(&c.Workers, fc.Workers)
	setInt(&c.AlertQueueSize, fc.AlertQueueSize)
	setString(&c.AlertLogFile, fc.AlertLogFile)
	setString(&c.DBPath, fc.DBPath)
	setString(&c.ProjectID, fc.ProjectID)
	setString(&c.SubscriptionID, fc.SubscriptionID)
	setString(&c.EmulatorHost, fc.EmulatorHost)
	setString(&c.MetricsAddr, fc.MetricsAddr)
	if fc.Debug != nil {
		c.Debug = *fc.Debug
	}

	if err := setDuration(&c.Window, fc.Window, "window"); err != nil {
		return err
	}
	if err := setDuration(&c.Suppression, fc.Suppression, "suppression"); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string, key string) error {
	if src == nil {
		return nil
	}
	v, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("config file %s: %w", key, err)
	}
	*dst = v
	return nil
}

// Validate rejects settings that make the detector meaningless or the
// pipeline unrunnable. Called once at startup; nothing past this point
// re-checks configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Source != SourceLive && c.Source != SourcePubSub {
		errs = append(errs, fmt.Errorf("unsupported source %q", c.Source))
	}
	if c.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("threshold must be positive, got %d", c.Threshold))
	}
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("window must be positive, got %s", c.Window))
	}
	if c.Suppression < 0 {
		errs = append(errs, fmt.Errorf("suppression must not be negative, got %s", c.Suppression))
	}
	if c.MaxSources <= 0 {
		errs = append(errs, fmt.Errorf("max sources must be positive, got %d", c.MaxSources))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.AlertQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("alert queue size must be positive, got %d", c.AlertQueueSize))
	}
	if c.Source == SourcePubSub && c.SubscriptionID == "" {
		errs = append(errs, errors.New("pubsub source requires a subscription id"))
	}
	return errors.Join(errs...)
}

// readEnv returns a key's value from environment, or fallback.
func readEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func readEnvInt(key string, fallback int) (int, error) {
	raw := readEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func readEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := readEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
