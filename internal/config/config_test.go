package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
bus:
  broker: mqtt://broker.local:1883
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want default 8080", cfg.Listen.Port)
	}
	if cfg.Store.Driver != "sqlite3" || cfg.Store.BatchSize != 128 {
		t.Errorf("store defaults = %+v", cfg.Store)
	}
	if cfg.OTA.DefaultRef != "main" {
		t.Errorf("default ref = %q", cfg.OTA.DefaultRef)
	}
	if cfg.Alerts.OfflineTimeout() != 90*time.Second {
		t.Errorf("offline timeout = %v", cfg.Alerts.OfflineTimeout())
	}
	if cfg.Bus.Broker != "mqtt://broker.local:1883" {
		t.Errorf("broker = %q", cfg.Bus.Broker)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("IRIS_TEST_PASSWORD", "hunter2")
	path := writeConfig(t, `
bus:
  password: "${IRIS_TEST_PASSWORD}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Password != "hunter2" {
		t.Errorf("password = %q, want expanded env", cfg.Bus.Password)
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("missing explicit config accepted")
	}
	path := writeConfig(t, "")
	got, err := FindConfig(path)
	if err != nil || got != path {
		t.Errorf("FindConfig = (%q, %v)", got, err)
	}
}

func TestAlertThresholdOverrides(t *testing.T) {
	path := writeConfig(t, `
alerts:
  offline_timeout_sec: 30
  freezer_temp_high_f: 5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alerts.OfflineTimeout() != 30*time.Second {
		t.Errorf("offline timeout = %v", cfg.Alerts.OfflineTimeout())
	}
	if cfg.Alerts.FreezerTempHighF != 5 {
		t.Errorf("freezer threshold = %v", cfg.Alerts.FreezerTempHighF)
	}
	// Untouched thresholds keep defaults.
	if cfg.Alerts.FreezerAjarSec != 300 {
		t.Errorf("ajar threshold = %d", cfg.Alerts.FreezerAjarSec)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = (%v, %v), want (%v, err=%v)", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
