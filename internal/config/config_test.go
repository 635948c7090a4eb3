package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points HOME and KAFGENOME_HOME at a fresh directory.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("KAFGENOME_HOME", home)
	t.Setenv("KAFGENOME_CONFIG", "")
	t.Setenv("KAFGENOME_ENV_FILE", "")
	return home
}

func writeConfig(t *testing.T, home, name, body string) string {
	t.Helper()
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	e := cfg.Evaluator
	if e.WeightVolume+e.WeightConfidence+e.WeightConsistency+e.WeightEffect < 0.999 {
		t.Fatalf("default weights should sum to 1, got %+v", e)
	}
	if e.HighThreshold != 0.75 || e.LowThreshold != 0.35 {
		t.Fatalf("unexpected thresholds %+v", e)
	}
	if cfg.Absorption.StabilityWindow() != 72*time.Hour {
		t.Fatalf("expected 72h window, got %s", cfg.Absorption.StabilityWindow())
	}
	if cfg.Kafka.Enabled || cfg.Slack.Enabled || cfg.Scheduler.Enabled {
		t.Fatal("transports and scheduler should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadDefaultsExpandHome(t *testing.T) {
	home := isolate(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Paths.DBPath != filepath.Join(home, ".kafgenome", "genome.db") {
		t.Fatalf("unexpected db path %q", cfg.Paths.DBPath)
	}
	if cfg.Scheduler.LockPath != filepath.Join(home, ".kafgenome", "scheduler.lock") {
		t.Fatalf("unexpected lock path %q", cfg.Scheduler.LockPath)
	}
}

func TestConfigPathRespectsConfigAndHome(t *testing.T) {
	t.Setenv("KAFGENOME_HOME", "/srv/genome")
	t.Setenv("KAFGENOME_CONFIG", "~/.kafgenome/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/genome", ".kafgenome", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}

	t.Setenv("KAFGENOME_CONFIG", "")
	path, _ = ConfigPath()
	if path != filepath.Join("/srv/genome", ConfigDir, ConfigFile) {
		t.Fatalf("unexpected default config path: %q", path)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, ConfigFile, `{
		"evaluator": {"highThreshold": 0.8, "minChildren": 2},
		"kafka": {"enabled": true, "brokers": ["k1:9092"], "ingestTopic": "file.topic"},
		"absorption": {"stabilityWindowHours": 24}
	}`)
	t.Setenv("KAFGENOME_KAFKA_INGEST_TOPIC", "env.topic")
	t.Setenv("KAFGENOME_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("KAFGENOME_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Evaluator.HighThreshold != 0.8 || cfg.Evaluator.MinChildren != 2 {
		t.Fatalf("file values not applied: %+v", cfg.Evaluator)
	}
	if cfg.Evaluator.LowThreshold != 0.35 {
		t.Fatalf("unset file values should keep defaults, got %v", cfg.Evaluator.LowThreshold)
	}
	if cfg.Kafka.IngestTopic != "env.topic" {
		t.Fatalf("env should override file, got %q", cfg.Kafka.IngestTopic)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Absorption.StabilityWindow() != 24*time.Hour {
		t.Fatalf("unexpected window %s", cfg.Absorption.StabilityWindow())
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected log level %q", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"invalid json":        `{"evaluator":`,
		"inverted thresholds": `{"evaluator": {"highThreshold": 0.3, "lowThreshold": 0.5}}`,
		"negative weight":     `{"evaluator": {"weightEffect": -0.1}}`,
		"slack without token": `{"slack": {"enabled": true, "channel": "C1"}}`,
		"negative window":     `{"absorption": {"stabilityWindowHours": -1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := isolate(t)
			writeConfig(t, home, ConfigFile, body)
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadWithIncludeAndEnvSubstitution(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "base.json", `{"slack": {"channel": "C-base", "token": "base"}, "kafka": {"eventsTopic": "base.events"}}`)
	writeConfig(t, home, ConfigFile, `{
		"$include": "base.json",
		"slack": {"enabled": true, "token": "${TEST_SLACK_TOKEN}"}
	}`)
	t.Setenv("TEST_SLACK_TOKEN", "xoxb-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Slack.Token != "xoxb-env" || cfg.Slack.Channel != "C-base" || !cfg.Slack.Enabled {
		t.Fatalf("unexpected slack config %+v", cfg.Slack)
	}
	if cfg.Kafka.EventsTopic != "base.events" {
		t.Fatalf("expected included events topic, got %q", cfg.Kafka.EventsTopic)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	home := isolate(t)
	writeConfig(t, home, "a.json", `{"$include": "config.json"}`)
	writeConfig(t, home, ConfigFile, `{"$include": "a.json"}`)
	if _, err := Load(); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestSubstituteEnvValuesLeavesUnknownToken(t *testing.T) {
	out := substituteEnvValues(map[string]any{"value": "${NOT_SET_VAR}"}).(map[string]any)
	if out["value"] != "${NOT_SET_VAR}" {
		t.Fatalf("expected unknown env token unchanged, got %v", out["value"])
	}
}

func TestSaveAndEnsureDir(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()
	cfg.Slack.Channel = "C-saved"
	if err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load saved: %v", err)
	}
	if loaded.Slack.Channel != "C-saved" {
		t.Fatalf("expected saved channel, got %q", loaded.Slack.Channel)
	}

	newDir := filepath.Join(home, "nested", "dir")
	if err := EnsureDir(newDir); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	if info, err := os.Stat(newDir); err != nil || !info.IsDir() {
		t.Fatalf("expected created directory, err=%v", err)
	}
}
