package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Transport != "mqtt" || cfg.Store.Driver != "mongo" {
		t.Errorf("Unexpected transport/driver %q/%q", cfg.Transport, cfg.Store.Driver)
	}
	if cfg.Heartbeat.OfflineThreshold != 5*time.Minute {
		t.Errorf("Expected 5m offline threshold, got %v", cfg.Heartbeat.OfflineThreshold)
	}
	if cfg.Heartbeat.SweepInterval != 30*time.Second {
		t.Errorf("Expected 30s sweep interval, got %v", cfg.Heartbeat.SweepInterval)
	}
	if cfg.Alert.Policy != "all" {
		t.Errorf("Expected policy all, got %q", cfg.Alert.Policy)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HEARTBEAT_OFFLINE_THRESHOLD", "120")
	t.Setenv("HEARTBEAT_SWEEP_INTERVAL", "5s")
	t.Setenv("HEARTBEAT_DEVICES", "d1, d2,,d3")
	t.Setenv("ALERT_POLICY", "FIRST_MATCH")
	t.Setenv("NOTIFY_MQTT", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Heartbeat.OfflineThreshold != 2*time.Minute {
		t.Errorf("Expected plain seconds to parse, got %v", cfg.Heartbeat.OfflineThreshold)
	}
	if cfg.Heartbeat.SweepInterval != 5*time.Second {
		t.Errorf("Expected 5s, got %v", cfg.Heartbeat.SweepInterval)
	}
	if strings.Join(cfg.Heartbeat.Devices, ",") != "d1,d2,d3" {
		t.Errorf("Unexpected devices %v", cfg.Heartbeat.Devices)
	}
	if cfg.Alert.Policy != "first_match" {
		t.Errorf("Expected lowercased policy, got %q", cfg.Alert.Policy)
	}
	if cfg.Alert.NotifyMQTT {
		t.Error("Expected NOTIFY_MQTT=false to disable MQTT notifications")
	}
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("Expected DATABASE_URL error, got %v", err)
	}
}

func TestLoad_AMQPRequiresURL(t *testing.T) {
	t.Setenv("TRANSPORT", "amqp")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RABBITMQ_URL") {
		t.Errorf("Expected RABBITMQ_URL error, got %v", err)
	}
}

func TestLoad_UnknownTransport(t *testing.T) {
	t.Setenv("TRANSPORT", "kafka")

	if _, err := Load(); err == nil {
		t.Error("Expected error for unknown transport")
	}
}

func writeRules(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return path
}

func TestLoadRules_YAML(t *testing.T) {
	path := writeRules(t, "rules.yaml", `
sensors:
  temperature:
    min: 15
    max: 35
    rate_threshold: 5
  humidity:
    max: 80
rules:
  - name: high_temperature
    sensor_type: temperature
    condition: value > 35
    severity: critical
    message: "Temperature {value} on {device_id}"
    cooldown: 60s
  - name: any_reading
    condition: "true"
    severity: info
    cooldown: 300
`)

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rules.Rules) != 2 {
		t.Fatalf("Expected 2 rules, got %d", len(rules.Rules))
	}
	if rules.Rules[0].Name != "high_temperature" || rules.Rules[1].Name != "any_reading" {
		t.Errorf("Expected file order to be kept, got %q, %q", rules.Rules[0].Name, rules.Rules[1].Name)
	}
	if d, _ := rules.Rules[0].CooldownDuration(); d != time.Minute {
		t.Errorf("Expected 60s cooldown, got %v", d)
	}
	if d, _ := rules.Rules[1].CooldownDuration(); d != 5*time.Minute {
		t.Errorf("Expected 300s cooldown, got %v", d)
	}

	temp := rules.Sensors["temperature"]
	if temp.Min == nil || *temp.Min != 15 || temp.Max == nil || *temp.Max != 35 {
		t.Errorf("Unexpected temperature band %+v", temp)
	}
	if temp.RateThreshold == nil || *temp.RateThreshold != 5 {
		t.Errorf("Unexpected rate threshold %v", temp.RateThreshold)
	}
	if rules.Sensors["humidity"].Min != nil {
		t.Error("Expected humidity min to stay unset")
	}
}

func TestLoadRules_JSON(t *testing.T) {
	path := writeRules(t, "rules.json", `{
  "rules": [
    {"name": "low_battery", "condition": "value < 10", "severity": "warning"}
  ]
}`)

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules.Rules) != 1 || rules.Rules[0].Severity != "warning" {
		t.Errorf("Unexpected rules %+v", rules.Rules)
	}
}

func TestLoadRules_DuplicateName(t *testing.T) {
	path := writeRules(t, "rules.yaml", `
rules:
  - name: a
    condition: value > 1
    severity: info
  - name: a
    condition: value > 2
    severity: info
`)

	if _, err := LoadRules(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Expected duplicate name error, got %v", err)
	}
}

func TestLoadRules_NegativeCooldown(t *testing.T) {
	path := writeRules(t, "rules.yaml", `
rules:
  - name: a
    condition: value > 1
    severity: info
    cooldown: -5s
`)

	if _, err := LoadRules(path); err == nil {
		t.Error("Expected negative cooldown to be rejected")
	}
}

func TestLoadRules_BadSeverity(t *testing.T) {
	path := writeRules(t, "rules.yaml", `
rules:
  - name: a
    condition: value > 1
    severity: urgent
`)

	if _, err := LoadRules(path); err == nil {
		t.Error("Expected unknown severity to be rejected")
	}
}

func TestLoadRules_MinAboveMax(t *testing.T) {
	path := writeRules(t, "rules.yaml", `
sensors:
  temperature:
    min: 40
    max: 10
`)

	if _, err := LoadRules(path); err == nil {
		t.Error("Expected inverted band to be rejected")
	}
}

func TestLoadRules_MissingFile(t *testing.T) {
	if _, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadRules_BadCondition(t *testing.T) {
	path := writeRules(t, "rules.yaml", `
rules:
  - name: a
    condition: os.system('x')
    severity: info
`)

	if _, err := LoadRules(path); err == nil || !strings.Contains(err.Error(), `rule "a"`) {
		t.Errorf("Expected condition error naming the rule, got %v", err)
	}
}
