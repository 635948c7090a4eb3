package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	out, logs := &bytes.Buffer{}, &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(logs)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	if err != nil {
		t.Logf("%v: %s", args, logs.String())
	}
	return strings.TrimSpace(out.String()), err
}

// isolatedHome points config resolution at a temp dir and returns a db path.
func isolatedHome(t *testing.T) string {
	t.Helper()
	color.NoColor = true
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("KAFGENOME_HOME", home)
	t.Setenv("KAFGENOME_CONFIG", "")
	t.Setenv("KAFGENOME_ENV_FILE", "")
	return filepath.Join(home, "genome.db")
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runRootCommand(t, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func decodeJSON(t *testing.T, out string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(out), v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
}

func TestVersionCommand(t *testing.T) {
	isolatedHome(t)
	out := mustRun(t, "version")
	if !strings.Contains(out, version) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestConfigCommands(t *testing.T) {
	isolatedHome(t)
	t.Setenv("KAFGENOME_SLACK_TOKEN", "xoxb-secret")

	out := mustRun(t, "config", "path")
	if !strings.HasSuffix(out, filepath.Join(".kafgenome", "config.json")) {
		t.Fatalf("unexpected path %q", out)
	}
	mustRun(t, "config", "init")
	out = mustRun(t, "config", "show")
	if strings.Contains(out, "xoxb-secret") || !strings.Contains(out, `"token": "***"`) {
		t.Fatalf("token should be masked: %s", out)
	}
}

func TestIngestEvaluateOverrideFlow(t *testing.T) {
	db := isolatedHome(t)
	for i, child := range []string{"child-A", "child-B", "child-C"} {
		conf := []string{"0.7", "0.8", "0.9"}[i]
		mustRun(t, "--db", db, "ingest", "--child", child, "--capability", "cache-tune",
			"--type", "performance_tuning", "--description", "raise cache ttl",
			"--evidence", `{"ttl": 300}`, "--confidence", conf)
	}

	if _, err := runRootCommand(t, "--db", db, "ingest", "--child", "child-A", "--type", "bogus", "--description", "x"); err == nil {
		t.Fatal("expected invalid behavior type error")
	}

	var pending []store.LearnedBehavior
	decodeJSON(t, mustRun(t, "--db", db, "--json", "behaviors"), &pending)
	if len(pending) != 3 {
		t.Fatalf("expected 3 unevaluated behaviors, got %d", len(pending))
	}

	var eval store.CapabilityEvaluation
	decodeJSON(t, mustRun(t, "--db", db, "--json", "evaluate", "cache-tune", "--evaluator", "ops"), &eval)
	if eval.Verdict != "approved" {
		t.Fatalf("expected approved, got %s (score %.3f)", eval.Verdict, eval.Score)
	}

	if _, err := runRootCommand(t, "--db", db, "override", eval.ID, "--verdict", "needs_review", "--evaluator", "isso"); err == nil {
		t.Fatal("needs_review is not an override verdict")
	}
	var over store.CapabilityEvaluation
	decodeJSON(t, mustRun(t, "--db", db, "--json", "override", eval.ID, "--verdict", "rejected",
		"--evaluator", "isso", "--notes", "regressed in canary"), &over)
	if over.SupersedesID != eval.ID || over.Verdict != "rejected" {
		t.Fatalf("unexpected override %+v", over)
	}

	var history []store.CapabilityEvaluation
	decodeJSON(t, mustRun(t, "--db", db, "--json", "history", "cache-tune"), &history)
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}

	var cands []string
	decodeJSON(t, mustRun(t, "--db", db, "--json", "candidates"), &cands)
	if len(cands) != 0 {
		t.Fatalf("rejected capability is not a candidate: %v", cands)
	}

	out := mustRun(t, "--db", db, "absorb", "cache-tune", "--by", "parent")
	if !strings.Contains(out, "not absorbed") || !strings.Contains(out, "not_approved") {
		t.Fatalf("unexpected absorb output %q", out)
	}
}

func TestPollinationFlow(t *testing.T) {
	db := isolatedHome(t)
	for _, c := range []string{"child-A", "child-B", "child-C"} {
		mustRun(t, "--db", db, "child", "register", c, "--template", "edge")
	}
	mustRun(t, "--db", db, "child", "seed", "child-A", "cache-tune", "--version", "2", "--by", "ops")

	var cands []struct {
		CapabilityName string   `json:"capability_name"`
		MissingOn      []string `json:"missing_on"`
	}
	decodeJSON(t, mustRun(t, "--db", db, "--json", "pollinate", "candidates", "child-A"), &cands)
	if len(cands) != 1 || len(cands[0].MissingOn) != 2 {
		t.Fatalf("unexpected candidates %+v", cands)
	}

	var prop store.PollinationProposal
	decodeJSON(t, mustRun(t, "--db", db, "--json", "pollinate", "propose", "--source", "child-A",
		"--capability", "cache-tune", "--targets", "child-B, child-C", "--by", "parent"), &prop)
	if prop.Status != "proposed" || len(prop.TargetChildIDs) != 2 {
		t.Fatalf("unexpected proposal %+v", prop)
	}

	if _, err := runRootCommand(t, "--db", db, "pollinate", "execute", prop.ID, "--by", "parent"); err == nil {
		t.Fatal("execute before approval must fail")
	}
	mustRun(t, "--db", db, "pollinate", "approve", prop.ID, "--approver", "isso")
	out := mustRun(t, "--db", db, "pollinate", "execute", prop.ID, "--by", "parent")
	if !strings.Contains(out, "success=2 failed=0 skipped=0") {
		t.Fatalf("unexpected execute output %q", out)
	}

	var rows []store.PropagationLogEntry
	decodeJSON(t, mustRun(t, "--db", db, "--json", "ledger", "--capability", "cache-tune"), &rows)
	if len(rows) != 3 {
		t.Fatalf("expected seed + 2 propagation rows, got %d", len(rows))
	}
	if _, err := runRootCommand(t, "--db", db, "ledger", "--since", "yesterday"); err == nil {
		t.Fatal("expected invalid --since error")
	}

	grant := rows[1]
	mustRun(t, "--db", db, "pollinate", "rollback", grant.ID, "--by", "isso", "--reason", "latency spike")
	var caps []store.ChildCapability
	decodeJSON(t, mustRun(t, "--db", db, "--json", "child", "capabilities", grant.TargetChildID), &caps)
	if len(caps) != 0 {
		t.Fatalf("rolled back capability should be inactive, got %+v", caps)
	}

	out = mustRun(t, "--db", db, "audit")
	if !strings.Contains(out, "every grant has a terminal ledger row") {
		t.Fatalf("unexpected audit output %q", out)
	}

	var status map[string]any
	decodeJSON(t, mustRun(t, "--db", db, "--json", "status"), &status)
	if status["active_children"].(float64) != 3 {
		t.Fatalf("unexpected status %v", status)
	}
}

func TestGenomeExportEmitsYAML(t *testing.T) {
	db := isolatedHome(t)
	out := mustRun(t, "--db", db, "genome", "export")
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("export is not YAML: %v\n%s", err, out)
	}
	if _, ok := doc["genome"]; !ok {
		t.Fatalf("expected genome key, got %v", doc)
	}
	if _, err := runRootCommand(t, "--db", db, "genome", "show", "missing"); err == nil {
		t.Fatal("expected not found for unknown genome")
	}
}

func TestDoctorReportsDisabledTransports(t *testing.T) {
	db := isolatedHome(t)
	var report DoctorReport
	decodeJSON(t, mustRun(t, "--db", db, "--json", "doctor"), &report)
	byName := map[string]DoctorStatus{}
	for _, c := range report.Checks {
		byName[c.Name] = c.Status
	}
	if byName["database"] != DoctorPass || byName["ledger_audit"] != DoctorPass {
		t.Fatalf("unexpected doctor report %+v", report)
	}
	if byName["kafka"] != DoctorWarn || byName["config_file"] != DoctorWarn {
		t.Fatalf("expected warnings for defaults, got %+v", report)
	}
}

func TestUnknownLogLevelFails(t *testing.T) {
	isolatedHome(t)
	if _, err := runRootCommand(t, "--log-level", "loud", "version"); err == nil {
		t.Fatal("expected unknown log level error")
	}
}
