package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	for _, profile := range []string{ProfileDevice, ProfileSimple} {
		if err := Validate(DefaultConfigFor(profile)); err != nil {
			t.Fatalf("profile %s: %v", profile, err)
		}
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "cfg.yaml", `
log_level: debug
vehicles: [hmv-1, hmv-2]
live:
  transport: mqtt
  mqtt:
    broker_url: tcp://broker:1883
schedule:
  simulated_tick: 5s
alerts:
  co2_warn: 180
  co2_danger: 240
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || len(cfg.Vehicles) != 2 {
		t.Fatalf("top level fields not decoded: %+v", cfg)
	}
	if cfg.Live.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Fatalf("broker url: %s", cfg.Live.MQTT.BrokerURL)
	}
	if cfg.Schedule.SimulatedTick != 5*time.Second {
		t.Fatalf("simulated tick: %s", cfg.Schedule.SimulatedTick)
	}
	if cfg.Schedule.WindowRefresh != 120*time.Second {
		t.Fatalf("window refresh default lost: %s", cfg.Schedule.WindowRefresh)
	}
	if cfg.Alerts.CO2Warn != 180 || cfg.Alerts.COWarn != 70 {
		t.Fatalf("alerts: %+v", cfg.Alerts)
	}
}

func TestLoadSimpleProfile(t *testing.T) {
	path := writeConfig(t, "cfg.yaml", "profile: simple\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alerts.CO2Warn != 150 || cfg.Alerts.CO2Danger != 170 {
		t.Fatalf("simple thresholds not applied: %+v", cfg.Alerts)
	}
	if cfg.Simulation.CO.Floor != 20 || cfg.Simulation.Decimals != 0 {
		t.Fatalf("simple simulation not applied: %+v", cfg.Simulation)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "cfg.json", `{"log_level":"warn","live":{"enabled":false}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" || cfg.Live.Enabled {
		t.Fatalf("json not decoded: %+v", cfg)
	}
}

func TestLoadRejectsEmptyAndInvalid(t *testing.T) {
	if _, err := Load(writeConfig(t, "empty.yaml", "  \n")); err == nil {
		t.Fatalf("expected error for empty file")
	}
	if _, err := Load(writeConfig(t, "bad.yaml", "profile: turbo\n")); err == nil {
		t.Fatalf("expected error for unknown profile")
	}
	if _, err := Load(writeConfig(t, "bad.yaml", "live:\n  transport: carrier-pigeon\n")); err == nil {
		t.Fatalf("expected error for unknown transport")
	}
}

func TestLoadRejectsOversizedCapacity(t *testing.T) {
	if _, err := Load(writeConfig(t, "history.yaml", "history:\n  capacity: 50\n")); err == nil {
		t.Fatalf("expected error for history capacity above 12")
	}
	if _, err := Load(writeConfig(t, "log.yaml", "alerts:\n  log_capacity: 6\n")); err == nil {
		t.Fatalf("expected error for alert log capacity above 5")
	}
	cfg, err := Load(writeConfig(t, "small.yaml", "history:\n  capacity: 6\nalerts:\n  log_capacity: 3\n"))
	if err != nil {
		t.Fatalf("smaller buffers: %v", err)
	}
	if cfg.History.Capacity != 6 || cfg.Alerts.LogCapacity != 3 {
		t.Fatalf("capacities = %d/%d", cfg.History.Capacity, cfg.Alerts.LogCapacity)
	}
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alerts.CODanger = 60
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error when danger below warn")
	}
	cfg = DefaultConfig()
	cfg.Live.TopicTemplate = "vehicles/{vehicle}"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for template without pollutant")
	}
}

func TestManagerReloadAfterUpdate(t *testing.T) {
	path := writeConfig(t, "cfg.yaml", "log_level: info\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	next := *m.Get()
	next.Alerts.COWarn = 65
	if err := m.Update(&next); err != nil {
		t.Fatalf("update: %v", err)
	}
	reloaded, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Alerts.COWarn != 65 {
		t.Fatalf("saved threshold not reloaded: %v", reloaded.Alerts.COWarn)
	}
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	if m.Get() == nil || m.Path() != "" {
		t.Fatalf("static manager should serve defaults")
	}
	needs, err := m.NeedsReload()
	if err != nil || needs {
		t.Fatalf("static manager never needs reload")
	}
}
