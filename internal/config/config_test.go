package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/clinicflow/dispatch/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
broker:
  host: "localhost"
  port: 1883
  client_id: "dispatcher-1"
http_addr: ":8081"
db_path: ":memory:"
readiness:
  max_age: 10s
  debounce: 500ms
watchdog_interval: 2s
log_level: debug
`

func TestLoad_Valid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.Host != "localhost" {
		t.Errorf("Broker.Host = %q, want %q", cfg.Broker.Host, "localhost")
	}
	if cfg.Readiness.MaxAge != 10*time.Second {
		t.Errorf("Readiness.MaxAge = %v, want 10s", cfg.Readiness.MaxAge)
	}
	if cfg.Readiness.Debounce != 500*time.Millisecond {
		t.Errorf("Readiness.Debounce = %v, want 500ms", cfg.Readiness.Debounce)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
broker:
  host: "localhost"
  client_id: "dispatcher-1"
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.Port != 1883 {
		t.Errorf("Broker.Port = %d, want 1883", cfg.Broker.Port)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.DBPath != "./dispatch.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "./dispatch.db")
	}
	if cfg.Readiness.MaxAge != 10*time.Second {
		t.Errorf("Readiness.MaxAge default = %v, want 10s", cfg.Readiness.MaxAge)
	}
	if cfg.Readiness.Debounce != 500*time.Millisecond {
		t.Errorf("Readiness.Debounce default = %v, want 500ms", cfg.Readiness.Debounce)
	}
	if cfg.WatchdogInterval != 2*time.Second {
		t.Errorf("WatchdogInterval default = %v, want 2s", cfg.WatchdogInterval)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	path := writeTemp(t, `log_level: info`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "broker.host") {
		t.Errorf("error %q does not mention %q", err.Error(), "broker.host")
	}
}

func TestLoad_GeneratesClientIDWhenOmitted(t *testing.T) {
	path := writeTemp(t, `
broker:
  host: "localhost"
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Broker.ClientID == "" {
		t.Error("expected a generated client id when omitted")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeTemp(t, `
broker:
  host: "localhost"
  client_id: "dispatcher-1"
log_level: verbose
`)
	_, err := config.Load(path)
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level validation error, got %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/path.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}
