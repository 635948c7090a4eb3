package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/KafClaw/KafGenome/internal/collector"
	"github.com/KafClaw/KafGenome/internal/scheduler"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	daemonScheduler bool
	daemonIntake    bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the Kafka intake, event sinks and periodic engine jobs",
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonScheduler, "scheduler", false, "Run the scheduler even if scheduler.enabled is false")
	daemonCmd.Flags().BoolVar(&daemonIntake, "intake", false, "Run the Kafka intake even if kafka.enabled is false")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	kc := a.cfg.Kafka
	runIntake := kc.Enabled || daemonIntake
	if runIntake && (len(kc.Brokers) == 0 || kc.IngestTopic == "") {
		return fmt.Errorf("kafka intake needs brokers and an ingest topic")
	}

	fmt.Fprint(cmd.OutOrStdout(), color.CyanString(logo))
	fmt.Fprintf(cmd.OutOrStdout(), "kafgenome %s daemon\n", version)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.bus.Dispatch(gctx)
	})

	if runIntake {
		consumer := collector.NewKafkaConsumer(strings.Join(kc.Brokers, ","), kc.ConsumerGroup, kc.IngestTopic)
		intake := collector.NewIntake(a.collector, consumer)
		g.Go(func() error {
			err := intake.Run(gctx)
			st := intake.Stats()
			slog.Info("Intake stopped", "accepted", st.Accepted, "rejected", st.Rejected, "failed", st.Failed)
			return err
		})
		slog.Info("Kafka intake started", "topic", kc.IngestTopic, "group", kc.ConsumerGroup)
	}

	sc := a.cfg.Scheduler
	if sc.Enabled || daemonScheduler {
		sched := scheduler.New(scheduler.Config{
			TickInterval:   sc.TickInterval,
			MaxConcWrite:   sc.MaxConcWrite,
			MaxConcDefault: sc.MaxConcDefault,
			LockPath:       sc.LockPath,
		})
		jobs, err := scheduler.EngineJobs(scheduler.Engine{
			Evaluator:  a.evaluator,
			Absorption: a.absorption,
			Staging:    a.staging,
			Pollinator: a.pollinator,
		}, scheduler.Schedules{
			EvaluatePending:    sc.EvaluatePending,
			AbsorbSweep:        sc.AbsorbSweep,
			StagingExpiry:      sc.StagingExpiry,
			CandidateDiscovery: sc.CandidateDiscovery,
			AbsorbedBy:         a.cfg.Absorption.AbsorbedBy,
		})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			sched.Register(j)
		}
		g.Go(func() error {
			return sched.Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("Daemon stopped")
	return err
}
