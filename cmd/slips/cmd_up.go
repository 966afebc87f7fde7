package main

// ---------------------------------------------------------------------------
// cmd_up.go: start the coordinator, its workers and the status API
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/api"
	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/store"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	moduleList := fs.String("modules", "", "Comma-separated list of modules to enable (disables all others)")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	inProcess := fs.Bool("inprocess", false, "Run workers as goroutines in this process")
	flowsPath := fs.String("flows", "", "JSON-lines flow file to load and announce")
	settle := fs.Duration("settle", 2*time.Second, "Wait before announcing flows to worker processes")
	quiet := fs.Bool("quiet", false, "Suppress non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress non-essential output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg := loadConfig(*configPath, *quiet)

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *moduleList != "" {
		selectModules(cfg, *moduleList)
	}
	if len(cfg.EnabledModules()) == 0 {
		errorf("no modules enabled")
	}

	opts := upOptions{
		configPath: *configPath,
		inProcess:  *inProcess,
		flowsPath:  *flowsPath,
		settle:     *settle,
		quiet:      *quiet,
	}
	// errorf exits, so runUp returns instead and its deferred closers run.
	if err := runUp(cfg, opts); err != nil {
		errorf("%v", err)
	}
}

type upOptions struct {
	configPath string
	inProcess  bool
	flowsPath  string
	settle     time.Duration
	quiet      bool
}

func runUp(cfg *core.Config, opts upOptions) error {
	logger := core.NewLogger(cfg.Logging, os.Stderr)
	ctx := context.Background()

	var flows []store.Flow
	if opts.flowsPath != "" {
		f, err := os.Open(opts.flowsPath)
		if err != nil {
			return fmt.Errorf("opening flows: %w", err)
		}
		flows, err = store.ReadFlows(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("reading %s: %w", opts.flowsPath, err)
		}
	}

	registry, err := buildRegistry(nil, logger)
	if err != nil {
		return err
	}
	engine := core.NewEngine(cfg, registry, logger)
	engine.ConfigPath = opts.configPath

	if cfg.Evidence.ClickHouse {
		conn, err := store.OpenClickHouse(ctx, cfg.Store.ClickHouse)
		if err != nil {
			return fmt.Errorf("connecting to clickhouse: %w", err)
		}
		defer conn.Close()
		writer, err := store.NewClickHouseEvidenceWriter(ctx, conn, cfg.Evidence.BatchSize, logger)
		if err != nil {
			return fmt.Errorf("preparing evidence table: %w", err)
		}
		engine.AddSink(writer)
	}

	var st store.AggregateStore
	if opts.inProcess || len(flows) > 0 {
		s, closeStore, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer closeStore()
		st = s
		if err := loadFlows(ctx, st, flows); err != nil {
			return fmt.Errorf("loading flows: %w", err)
		}
	}
	if len(flows) > 0 && !opts.inProcess && cfg.Store.Driver != "clickhouse" {
		warnf("worker processes cannot read the memory store of this process; use -inprocess or store.driver clickhouse")
	}

	var ready sync.WaitGroup
	if opts.inProcess {
		launcher := core.NewInProcessLauncher(func(name string) (*core.Worker, error) {
			mod, err := newModule(name, st)
			if err != nil {
				return nil, err
			}
			pipeline := core.NewEvidencePipeline(logger, engine.Metrics)
			pipeline.AddHandler(core.PublishHandler(engine.Broker))
			ready.Add(1)
			var once sync.Once
			return &core.Worker{
				Module:   mod,
				Broker:   engine.Broker,
				Pipeline: pipeline,
				Config:   cfg,
				Logger:   logger,
				Metrics:  engine.Metrics,
				OnReady:  func() { once.Do(ready.Done) },
			}, nil
		}, logger)
		engine.Launcher = launcher
		engine.Killer = launcher
	}

	if err := engine.Start(); err != nil {
		engine.Abort()
		return fmt.Errorf("starting coordinator: %w", err)
	}

	var srv *api.Server
	if cfg.Server.Port != 0 {
		srv = api.NewServer(engine.Coordinator, cfg.Server, engine.Metrics.Registry, logger)
		srv.ServeEvidence(engine.Recent)
		if err := srv.Start(); err != nil {
			engine.Shutdown()
			return fmt.Errorf("starting API server: %w", err)
		}
	}

	if !opts.quiet {
		mode := "processes"
		if opts.inProcess {
			mode = "goroutines"
		}
		fmt.Fprintf(os.Stderr, "%s slips running: %d workers as %s, broker %s\n",
			green("✓"), len(engine.Coordinator.Registrations()), mode, engine.BrokerURL)
		if srv != nil {
			fmt.Fprintf(os.Stderr, "%s API on %s\n", dim("▸"), srv.Addr())
		}
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	if len(flows) > 0 {
		if opts.inProcess {
			waitReady(&ready, 10*time.Second, logger)
		} else {
			time.Sleep(opts.settle)
		}
		announceWindows(engine.Broker, flows, logger)
	}

	report, err := engine.Wait()
	if srv != nil {
		srv.Stop()
	}
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if !opts.quiet {
		printReport(report)
	}
	return nil
}

// selectModules enables exactly the named modules.
func selectModules(cfg *core.Config, list string) {
	selected := make(map[string]bool)
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := moduleConstructors[name]; !ok {
			errorf("unknown module %q (known: %s)", name, strings.Join(moduleNames(), ", "))
		}
		selected[name] = true
	}
	if cfg.Modules == nil {
		cfg.Modules = make(map[string]core.ModuleConfig)
	}
	for _, name := range moduleNames() {
		mod := cfg.Modules[name]
		mod.Enabled = selected[name]
		cfg.Modules[name] = mod
	}
}

type flowLoader interface {
	AddFlows(ctx context.Context, flows []store.Flow) error
}

func loadFlows(ctx context.Context, st store.AggregateStore, flows []store.Flow) error {
	if len(flows) == 0 {
		return nil
	}
	switch s := st.(type) {
	case *store.MemoryStore:
		for _, f := range flows {
			s.AddFlow(f)
		}
		return nil
	case flowLoader:
		return s.AddFlows(ctx, flows)
	default:
		return fmt.Errorf("store %T cannot load flows", st)
	}
}

func waitReady(wg *sync.WaitGroup, timeout time.Duration, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn().Dur("timeout", timeout).Msg("workers not ready, announcing windows anyway")
	}
}

func announceWindows(b core.Broker, flows []store.Flow, logger zerolog.Logger) {
	windows := store.Windows(flows)
	for _, w := range windows {
		if err := b.Publish(core.ChannelTWModified, w); err != nil {
			logger.Error().Err(err).Str("window", w).Msg("failed to announce window")
			return
		}
	}
	logger.Info().Int("flows", len(flows)).Int("windows", len(windows)).Msg("flows announced")
}

func printReport(r *core.ShutdownReport) {
	fmt.Fprintf(os.Stderr, "%s slips stopped in %s after %d polls\n",
		green("✓"), r.Duration.Round(time.Millisecond), r.Polls)
	if len(r.Acknowledged) > 0 {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", "acknowledged:", strings.Join(r.Acknowledged, ", "))
	}
	if len(r.Killed) > 0 {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", "killed:", yellow(strings.Join(r.Killed, ", ")))
	}
	if len(r.AlreadyExited) > 0 {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", "already exited:", strings.Join(r.AlreadyExited, ", "))
	}
	if len(r.KillFailed) > 0 {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", "kill failed:", red(strings.Join(r.KillFailed, ", ")))
	}
}
