package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/KafGenome/internal/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/KafGenome/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _  __       __  ____\n" +
		" | |/ /__ _  / _|/ ___| ___ _ __   ___  _ __ ___   ___\n" +
		" | ' // _` || |_| |  _ / _ \\ '_ \\ / _ \\| '_ ` _ \\ / _ \\\n" +
		" | . \\ (_| ||  _| |_| |  __/ | | | (_) | | | | | |  __/\n" +
		" |_|\\_\\__,_||_|  \\____|\\___|_| |_|\\___/|_| |_| |_|\\___|\n"
)

var (
	flagDBPath   string
	flagLogLevel string
	flagLogJSON  bool
	flagJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "kafgenome",
	Short: "KafGenome - capability evolution for child fleets",
	Long: color.CyanString(logo) + "\nCollects what children learn, evaluates it, absorbs proven capabilities " +
		"into the parent genome and cross-pollinates them between siblings.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDBPath, "db", "", "Genome database path (default from config paths.dbPath)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.BoolVar(&flagLogJSON, "log-json", false, "Emit JSON logs")
	pf.BoolVar(&flagJSON, "json", false, "Output machine-readable JSON")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kafgenome %s\n", version)
	},
}

// setupLogging installs the default slog handler from flags, falling back to
// the log group of the config.
func setupLogging(cmd *cobra.Command) error {
	level := flagLogLevel
	asJSON := flagLogJSON
	if cfg, err := config.Load(); err == nil {
		if level == "" {
			level = cfg.Log.Level
		}
		asJSON = asJSON || cfg.Log.JSON
	}

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if asJSON {
		h = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	} else {
		h = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
