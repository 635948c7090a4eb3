package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReadEnvFileKeepsEngineKeysOnly(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "env")
	content := `
# slack bot for approvals
export KAFGENOME_SLACK_TOKEN="xoxb-123"
KAFGENOME_SLACK_CHANNEL='C 42'
KAFGENOME_LOG_LEVEL=debug
AWS_SECRET_ACCESS_KEY=nope
INVALID_LINE
=orphan
`
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("KAFGENOME_SLACK_TOKEN", "")
	_ = os.Unsetenv("KAFGENOME_SLACK_TOKEN")

	f, err := ReadEnvFile(envPath)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	want := map[string]string{
		"KAFGENOME_SLACK_TOKEN":   "xoxb-123",
		"KAFGENOME_SLACK_CHANNEL": "C 42",
		"KAFGENOME_LOG_LEVEL":     "debug",
	}
	if diff := cmp.Diff(want, f.Values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"AWS_SECRET_ACCESS_KEY"}, f.Ignored); diff != "" {
		t.Fatalf("ignored mismatch (-want +got):\n%s", diff)
	}
	if _, ok := os.LookupEnv("KAFGENOME_SLACK_TOKEN"); ok {
		t.Fatalf("reading must not apply the file")
	}
}

func TestLoadEnvFileCandidatesRespectsProcessEnv(t *testing.T) {
	isolate(t)
	envPath := filepath.Join(t.TempDir(), "genome.env")
	content := "KAFGENOME_LOG_LEVEL=debug\nKAFGENOME_SLACK_CHANNEL=C-file\nOTHER_TOOL_KEY=1\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("KAFGENOME_ENV_FILE", envPath)
	t.Setenv("KAFGENOME_LOG_LEVEL", "warn")
	t.Setenv("KAFGENOME_SLACK_CHANNEL", "")
	_ = os.Unsetenv("KAFGENOME_SLACK_CHANNEL")
	t.Setenv("OTHER_TOOL_KEY", "")
	_ = os.Unsetenv("OTHER_TOOL_KEY")

	loaded := LoadEnvFileCandidates()

	if len(loaded) != 1 || loaded[0].Path != envPath {
		t.Fatalf("expected only the explicit file loaded, got %+v", loaded)
	}
	if got := os.Getenv("KAFGENOME_LOG_LEVEL"); got != "warn" {
		t.Fatalf("process env must win, got %q", got)
	}
	if got := os.Getenv("KAFGENOME_SLACK_CHANNEL"); got != "C-file" {
		t.Fatalf("expected channel from env file, got %q", got)
	}
	if _, ok := os.LookupEnv("OTHER_TOOL_KEY"); ok {
		t.Fatalf("keys outside the engine scope must not be applied")
	}
}

func TestLoadUsesEnvFileCandidate(t *testing.T) {
	home := isolate(t)
	envDir := filepath.Join(home, ".config", "kafgenome")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatalf("mkdir env dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "env"), []byte("KAFGENOME_SLACK_CHANNEL=C-from-env-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("KAFGENOME_SLACK_CHANNEL", "")
	_ = os.Unsetenv("KAFGENOME_SLACK_CHANNEL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Slack.Channel != "C-from-env-file" {
		t.Fatalf("expected channel from env file, got %q", cfg.Slack.Channel)
	}
}

func TestEnvFileCandidatesOrder(t *testing.T) {
	home := isolate(t)
	explicit := filepath.Join(home, "custom.env")
	t.Setenv("KAFGENOME_ENV_FILE", explicit)

	want := []string{
		explicit,
		filepath.Join(home, ".config", "kafgenome", "env"),
		filepath.Join(home, ".kafgenome", "env"),
		filepath.Join(home, ".kafgenome", ".env"),
	}
	if diff := cmp.Diff(want, EnvFileCandidates()); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}
}
