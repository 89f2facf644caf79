package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
schedule:
  majorFrame: 200ms
  signalInterval: 25ms
model:
  alpha: 0.05
  beta: 0.92
channels:
  signal:
    name: custom.signal
    capacity: 512
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Schedule.MajorFrame.Std() != 200*time.Millisecond {
		t.Fatalf("majorFrame: %v", cfg.Schedule.MajorFrame.Std())
	}
	if cfg.Schedule.SignalInterval.Std() != 25*time.Millisecond {
		t.Fatalf("signalInterval: %v", cfg.Schedule.SignalInterval.Std())
	}
	if cfg.Model.Alpha != 0.05 || cfg.Model.Beta != 0.92 {
		t.Fatalf("model overrides lost: %+v", cfg.Model)
	}
	if cfg.Channels.Signal.Name != "custom.signal" || cfg.Channels.Signal.Capacity != 512 {
		t.Fatalf("channel overrides lost: %+v", cfg.Channels.Signal)
	}
	// Untouched sections keep their defaults.
	if cfg.Pool.BlockCount != 1024 {
		t.Fatalf("pool default lost: %+v", cfg.Pool)
	}
}

func TestLoadRefusesInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"interval exceeds frame", "schedule:\n  majorFrame: 10ms\n"},
		{"zero interval", "schedule:\n  ingestInterval: 0s\n"},
		{"non power-of-two capacity", "channels:\n  control:\n    name: c\n    capacity: 100\n"},
		{"non-stationary model", "model:\n  alpha: 0.6\n  beta: 0.6\n"},
		{"negative omega", "model:\n  omega: -0.1\n"},
		{"bad priors", "ensemble:\n  priors: [0.5, 0.2, 0.2]\n"},
		{"unknown feed", "feed:\n  kind: carrier-pigeon\n"},
		{"bad duration literal", "schedule:\n  majorFrame: fast\n"},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.body)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected load failure", tc.name)
		}
	}
}
