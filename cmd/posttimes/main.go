package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/downfa11-org/posttimes/pkg/bench"
	"github.com/downfa11-org/posttimes/pkg/config"
	"github.com/downfa11-org/posttimes/pkg/metrics"
	"github.com/downfa11-org/posttimes/pkg/runner"
	"github.com/downfa11-org/posttimes/util"
)

func main() {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		util.Fatal("❌ Failed to load config: %v", err)
	}

	cfgJSON, _ := json.MarshalIndent(cfg.Redacted(), "", "  ")
	util.Info("Configuration loaded:\n%s", cfgJSON)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnableExporter {
		metrics.StartMetricsServer(ctx, cfg.ExporterPort)
	}

	if err := run(ctx, cfg); err != nil {
		util.Error("❌ Run failed: %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.PublisherConfig) error {
	h, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.close()

	r := &runner.Runner{
		Config:    *cfg,
		Source:    h.source,
		Family:    h.family,
		Client:    h.client,
		Ledger:    h.ledger,
		Throttles: throttles(cfg),
		Out:       os.Stdout,
	}
	res, runErr := r.Run(ctx)
	if h.inputErr != nil {
		if err := h.inputErr(); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("input truncated: %w", err))
		}
	}

	bench.PrintSummaryTo(os.Stdout, res, h.target, bench.AckLatencyMean())

	if cfg.StatusDataFile != "" && !res.StartedAt.IsZero() {
		if err := bench.NewStatusData(*cfg, res).Save(cfg.StatusDataFile); err != nil {
			util.Error("Failed to save status data: %v", err)
		}
	}
	return runErr
}
