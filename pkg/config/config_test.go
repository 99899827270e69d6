package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Source != SourceLive {
		t.Fatalf("expected default source live, got %q", cfg.Source)
	}
	if cfg.Threshold != 20 {
		t.Fatalf("expected default threshold 20, got %d", cfg.Threshold)
	}
	if cfg.Window != 60*time.Second {
		t.Fatalf("expected default window 60s, got %s", cfg.Window)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("IDS_THRESHOLD", "50")
	t.Setenv("IDS_WINDOW", "5m")
	t.Setenv("IDS_SOURCE", "pubsub")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Threshold != 50 {
		t.Fatalf("expected threshold 50, got %d", cfg.Threshold)
	}
	if cfg.Window != 5*time.Minute {
		t.Fatalf("expected window 5m, got %s", cfg.Window)
	}
	if cfg.Source != SourcePubSub {
		t.Fatalf("expected pubsub source, got %q", cfg.Source)
	}
}

func TestLoadRejectsBadEnvValues(t *testing.T) {
	t.Setenv("IDS_THRESHOLD", "lots")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-numeric threshold")
	}
}

func TestApplyFileOverlay(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "sensor.yaml")
	doc := "threshold: 30\nwindow: 2m\ninterface: eth1\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile returned error: %v", err)
	}
	if cfg.Threshold != 30 {
		t.Fatalf("expected threshold 30, got %d", cfg.Threshold)
	}
	if cfg.Window != 2*time.Minute {
		t.Fatalf("expected window 2m, got %s", cfg.Window)
	}
	if cfg.Interface != "eth1" {
		t.Fatalf("expected interface eth1, got %q", cfg.Interface)
	}
	// Keys absent from the file keep their prior values.
	if cfg.Workers != 4 {
		t.Fatalf("expected workers untouched at 4, got %d", cfg.Workers)
	}
}

func TestApplyFileBadDuration(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "sensor.yaml")
	if err := os.WriteFile(path, []byte("window: soon\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if err := cfg.ApplyFile(path); err == nil {
		t.Fatal("expected error for unparseable window")
	}
}

func TestValidateRejectsMeaninglessSettings(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	cfg.Threshold = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero threshold")
	}

	cfg.Threshold = 20
	cfg.Window = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero window")
	}

	cfg.Window = time.Minute
	cfg.Source = "carrier-pigeon"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported source")
	}
}
