package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// Purpose: Verify defaults are applied when sections are omitted.
// Key aspects: Loads minimal YAML and inspects normalized values.
// Upstream: go test.
// Downstream: Load.
func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "device:\n  host: 10.0.0.9\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Device.Host != "10.0.0.9" || cfg.Device.Port != 3083 {
		t.Fatalf("unexpected device %+v", cfg.Device)
	}
	if cfg.Timeouts.Command() != 30*time.Second || cfg.Timeouts.Read() != 5*time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg.Timeouts)
	}
	if cfg.Timeouts.StepDelay() != 500*time.Millisecond {
		t.Fatalf("expected 500ms step delay, got %s", cfg.Timeouts.StepDelay())
	}
	if cfg.Audit.Backend != "jsonl" || cfg.Audit.QueueSize != 1024 {
		t.Fatalf("unexpected audit defaults %+v", cfg.Audit)
	}
	if cfg.Device.StartCTAG != 1 {
		t.Fatalf("expected start ctag 1, got %d", cfg.Device.StartCTAG)
	}
}

func TestNegativeStepDelayDisablesDelay(t *testing.T) {
	cfg, err := Load(writeConfig(t, "timeouts:\n  step_delay_ms: -1\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Timeouts.StepDelay() != 0 {
		t.Fatalf("expected no step delay, got %s", cfg.Timeouts.StepDelay())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("TL1_DEVICE_HOST", "192.0.2.10")
	t.Setenv("TL1_DEVICE_PORT", "4000")
	t.Setenv("TL1_TIMEOUT_READ_MS", "750")
	t.Setenv("TL1_AUDIT_BACKEND", "sqlite")
	cfg, err := Load(writeConfig(t, "device:\n  host: 10.0.0.9\n  port: 3083\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Device.Host != "192.0.2.10" || cfg.Device.Port != 4000 {
		t.Fatalf("env override ignored: %+v", cfg.Device)
	}
	if cfg.Timeouts.Read() != 750*time.Millisecond {
		t.Fatalf("expected 750ms read timeout, got %s", cfg.Timeouts.Read())
	}
	if cfg.Audit.Backend != "sqlite" {
		t.Fatalf("expected sqlite backend, got %q", cfg.Audit.Backend)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	body := strings.Join([]string{
		"device:",
		"  transport: carrier-pigeon",
		"audit:",
		"  backend: tape",
		"playbooks:",
		"  schedules:",
		"    - name: nightly",
		"      cron: \"not a cron\"",
		"      playbook: alarm-sweep",
		"",
	}, "\n")
	_, err := Load(writeConfig(t, body))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"device.transport", "audit.backend", "invalid cron"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in error, got %v", want, err)
		}
	}
}

func TestScheduleAccepted(t *testing.T) {
	body := "playbooks:\n  schedules:\n    - name: nightly\n      cron: \"0 2 * * *\"\n      playbook: alarm-sweep\n      vars:\n        TID: SITE01\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Playbooks.Schedules) != 1 || cfg.Playbooks.Schedules[0].Vars["TID"] != "SITE01" {
		t.Fatalf("unexpected schedules %+v", cfg.Playbooks.Schedules)
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("TL1_CONFIG_PATH", "")
	if Path() != DefaultPath {
		t.Fatalf("expected default path, got %q", Path())
	}
	t.Setenv("TL1_CONFIG_PATH", "/etc/tl1/config.yaml")
	if Path() != "/etc/tl1/config.yaml" {
		t.Fatalf("expected env path, got %q", Path())
	}
}
