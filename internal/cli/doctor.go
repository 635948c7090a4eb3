package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/KafClaw/KafGenome/internal/config"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// DoctorStatus grades one diagnostic check.
type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

// DoctorCheck is one diagnostic result.
type DoctorCheck struct {
	Name    string       `json:"name"`
	Status  DoctorStatus `json:"status"`
	Message string       `json:"message"`
}

// DoctorReport collects every check.
type DoctorReport struct {
	Checks []DoctorCheck `json:"checks"`
}

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, database and ledger health",
	RunE: func(cmd *cobra.Command, args []string) error {
		report := runDoctor(cmd)
		if err := output(cmd.OutOrStdout(), report, func() {
			for _, c := range report.Checks {
				mark := color.GreenString("✓")
				switch c.Status {
				case DoctorWarn:
					mark = color.YellowString("!")
				case DoctorFail:
					mark = color.RedString("✗")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-14s %s\n", mark, c.Name, c.Message)
			}
		}); err != nil {
			return err
		}
		if report.HasFailures() {
			return fmt.Errorf("doctor found failing checks")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command) DoctorReport {
	var report DoctorReport

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report
	}
	if _, err := os.Stat(cfgPath); err != nil {
		if os.IsNotExist(err) {
			report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
		} else {
			report.add("config_file", DoctorFail, "cannot access config file: %v", err)
		}
	} else {
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	}

	for _, path := range config.EnvFileCandidates() {
		f, err := config.ReadEnvFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			report.add("env_file", DoctorWarn, "cannot read %s: %v", path, err)
		case len(f.Ignored) > 0:
			report.add("env_file", DoctorWarn, "%s: %d key(s) applied, ignored non-KAFGENOME keys %v", path, len(f.Values), f.Ignored)
		default:
			report.add("env_file", DoctorPass, "%s: %d key(s) applied", path, len(f.Values))
		}
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report
	}
	report.add("config_load", DoctorPass, "config loaded successfully")

	dbPath := cfg.Paths.DBPath
	if flagDBPath != "" {
		dbPath = flagDBPath
	}
	if err := config.EnsureDir(filepath.Dir(dbPath)); err != nil {
		report.add("database", DoctorFail, "cannot create %s: %v", filepath.Dir(dbPath), err)
		return report
	}
	st, err := store.Open(dbPath)
	if err != nil {
		report.add("database", DoctorFail, "open %s: %v", dbPath, err)
		return report
	}
	defer st.Close()
	report.add("database", DoctorPass, "schema ready at %s", dbPath)

	findings, err := st.VerifyAudit(cmd.Context())
	switch {
	case err != nil:
		report.add("ledger_audit", DoctorFail, "audit query failed: %v", err)
	case len(findings) > 0:
		report.add("ledger_audit", DoctorFail, "%d grant(s) without a terminal ledger row", len(findings))
	default:
		report.add("ledger_audit", DoctorPass, "every grant is backed by the ledger")
	}

	if cfg.Kafka.Enabled {
		report.add("kafka", DoctorPass, "intake %s, events %s on %v", cfg.Kafka.IngestTopic, cfg.Kafka.EventsTopic, cfg.Kafka.Brokers)
	} else {
		report.add("kafka", DoctorWarn, "kafka disabled; behaviors arrive only through `kafgenome ingest`")
	}
	if cfg.Slack.Enabled {
		report.add("slack", DoctorPass, "approval notifications go to %s", cfg.Slack.Channel)
	} else {
		report.add("slack", DoctorWarn, "slack disabled; approvers must poll `kafgenome pollinate list`")
	}
	if cfg.Scheduler.Enabled {
		report.add("scheduler", DoctorPass, "tick %s, lock %s", cfg.Scheduler.TickInterval, cfg.Scheduler.LockPath)
	} else {
		report.add("scheduler", DoctorWarn, "scheduler disabled; run `kafgenome absorb --all` periodically")
	}
	return report
}
