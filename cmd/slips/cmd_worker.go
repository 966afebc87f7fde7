package main

// ---------------------------------------------------------------------------
// cmd_worker.go: run one detector module against the broker
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/store"
)

func cmdWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	name := fs.String("module", "", "Module to run")
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	fs.Parse(args)

	if *name == "" {
		errorf("-module is required")
	}

	cfg := loadConfig(envConfig(*configPath), true)
	logger := core.NewLogger(cfg.Logging, os.Stderr).With().
		Str("process", "worker").
		Int("pid", os.Getpid()).
		Logger()

	// Ctrl+C reaches the whole process group; the coordinator decides when
	// workers stop.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		errorf("opening store: %v", err)
	}
	mod, err := newModule(*name, st)
	if err != nil {
		closeStore()
		errorf("%v", err)
	}

	busCfg := cfg.Bus
	busCfg.Embedded = false
	busCfg.ClientName = busCfg.ClientName + "-" + *name
	bus, err := core.NewNATSBroker(&busCfg, logger)
	if err != nil {
		closeStore()
		errorf("connecting to broker: %v", err)
	}

	metrics := core.NewMetrics(nil)
	pipeline := core.NewEvidencePipeline(logger, metrics)
	pipeline.AddHandler(core.PublishHandler(bus))

	w := &core.Worker{
		Module:   mod,
		Broker:   bus,
		Pipeline: pipeline,
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
	}
	runErr := w.Run(ctx)

	if err := bus.Close(); err != nil {
		logger.Warn().Err(err).Msg("error closing broker connection")
	}
	if err := closeStore(); err != nil {
		logger.Warn().Err(err).Msg("error closing store")
	}
	if runErr != nil {
		os.Exit(1)
	}
}
