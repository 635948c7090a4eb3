package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/KafGenome/internal/absorption"
	"github.com/KafClaw/KafGenome/internal/bus"
	"github.com/KafClaw/KafGenome/internal/collector"
	"github.com/KafClaw/KafGenome/internal/config"
	"github.com/KafClaw/KafGenome/internal/evaluator"
	"github.com/KafClaw/KafGenome/internal/evolution"
	"github.com/KafClaw/KafGenome/internal/notify"
	"github.com/KafClaw/KafGenome/internal/pollination"
	"github.com/KafClaw/KafGenome/internal/staging"
	"github.com/KafClaw/KafGenome/internal/store"
	"github.com/fatih/color"
)

// app wires every engine component against one store.
type app struct {
	cfg        *config.Config
	store      *store.Store
	bus        *bus.EventBus
	collector  *collector.Collector
	staging    *staging.Manager
	evaluator  *evaluator.Evaluator
	absorption *absorption.Engine
	pollinator *pollination.Pollinator
	closers    []func() error
}

// openApp loads config, opens the store and builds the components. Sinks are
// attached when their transport is enabled.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dbPath := cfg.Paths.DBPath
	if strings.TrimSpace(flagDBPath) != "" {
		dbPath = flagDBPath
	}
	if err := config.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: st, bus: bus.NewEventBus(256)}
	a.closers = append(a.closers, st.Close)

	a.collector = collector.New(st, a.bus)
	a.staging = staging.NewManager(st, staging.NewLocalProvisioner(cfg.Paths.StagingRoot), a.bus, cfg.Staging.ProvisionTimeout)

	ec := cfg.Evaluator
	a.evaluator = evaluator.New(st, a.staging, nil, a.bus, evaluator.Config{
		Weights: evaluator.Weights{
			Volume:      ec.WeightVolume,
			Confidence:  ec.WeightConfidence,
			Consistency: ec.WeightConsistency,
			Effect:      ec.WeightEffect,
		},
		HighThreshold:  ec.HighThreshold,
		LowThreshold:   ec.LowThreshold,
		VolumeTarget:   ec.VolumeTarget,
		MinChildren:    ec.MinChildren,
		StagingTimeout: cfg.Staging.ProvisionTimeout,
	})
	a.absorption = absorption.New(st, a.bus, cfg.Absorption.StabilityWindow())
	a.pollinator = pollination.New(st, a.bus, pollination.DefaultParallelism)

	sinks, err := a.buildSinks()
	if err != nil {
		a.Close()
		return nil, err
	}
	notify.Attach(ctx, a.bus, sinks...)
	return a, nil
}

func (a *app) buildSinks() ([]notify.Sink, error) {
	var sinks []notify.Sink
	if a.cfg.Slack.Enabled {
		n, err := notify.NewSlackNotifier(a.cfg.Slack.Token, a.cfg.Slack.Channel, a.cfg.Slack.APIBase)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}
	if a.cfg.Kafka.Enabled && strings.TrimSpace(a.cfg.Kafka.EventsTopic) != "" {
		p, err := notify.NewKafkaPublisher(a.cfg.Kafka.Brokers, a.cfg.Kafka.EventsTopic)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, p)
		a.closers = append(a.closers, p.Close)
	}
	return sinks, nil
}

// Close lets in-flight provisioning settle within the provision timeout,
// stops staging workers, delivers buffered events, then releases resources in
// reverse order.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.staging.Timeout())
	a.staging.Drain(ctx)
	cancel()
	a.staging.Close()
	a.bus.Drain()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("Close failed", "error", err)
		}
	}
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(b))
	return nil
}

// output prints v as JSON when --json is set, otherwise calls text.
func output(w io.Writer, v any, text func()) error {
	if flagJSON {
		return printJSON(w, v)
	}
	text()
	return nil
}

func colorVerdict(v evolution.Verdict) string {
	switch v {
	case evolution.VerdictApproved:
		return color.GreenString(string(v))
	case evolution.VerdictRejected:
		return color.RedString(string(v))
	case evolution.VerdictNeedsReview:
		return color.YellowString(string(v))
	default:
		return color.CyanString(string(v))
	}
}

func colorStatus(ok bool, text string) string {
	if ok {
		return color.GreenString(text)
	}
	return color.RedString(text)
}

// parseDoc reads a JSON object from an inline string or @file.
func parseDoc(raw string) (evolution.Doc, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return evolution.Doc{}, nil
	}
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	var d evolution.Doc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, evolution.Invalid("evidence must be a JSON object: %v", err)
	}
	if d == nil {
		d = evolution.Doc{}
	}
	return d, nil
}
