package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Engine is the coordinator process: it owns the broker, launches one worker
// process per enabled module and runs the shutdown protocol.
type Engine struct {
	Config      *Config
	ConfigPath  string
	Registry    *ModuleRegistry
	Broker      Broker
	BrokerURL   string
	Launcher    Launcher
	Killer      ProcessKiller
	Coordinator *Coordinator
	Collector   *EvidenceCollector
	Recent      *RecentEvidence
	Metrics     *Metrics
	Logger      zerolog.Logger

	sinks  []EvidenceSink
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates an engine. Broker, Launcher and Killer may be set before
// Start; otherwise Start creates the NATS broker, an ExecLauncher and an
// OSProcessKiller.
func NewEngine(cfg *Config, registry *ModuleRegistry, logger zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		Config:   cfg,
		Registry: registry,
		Recent:   NewRecentEvidence(256),
		Metrics:  NewMetrics(nil),
		Logger:   logger.With().Str("component", "engine").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AddSink adds an evidence sink to the collector. It must be called before
// Start.
func (e *Engine) AddSink(s EvidenceSink) {
	e.sinks = append(e.sinks, s)
}

// Start brings up the broker, the evidence collector and every enabled worker.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting coordinator")

	if e.Broker == nil {
		bus, err := NewNATSBroker(&e.Config.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting broker: %w", err)
		}
		e.Broker = bus
		e.BrokerURL = bus.URL()
	}

	e.Coordinator = NewCoordinator(e.Broker, e.Config.Shutdown, e.Killer, e.Logger, e.Metrics)
	if err := e.Coordinator.Listen(e.ctx); err != nil {
		return err
	}

	sinks := append([]EvidenceSink{e.Recent}, e.sinks...)
	if e.Config.Evidence.Console {
		sinks = append([]EvidenceSink{LogSink{Logger: e.Logger.With().Str("component", "evidence").Logger()}}, sinks...)
	}
	e.Collector = NewEvidenceCollector(e.Broker, e.Config.Evidence.QueueSize, e.Logger, sinks...)
	go func() {
		if err := e.Collector.Run(e.ctx); err != nil {
			e.Logger.Error().Err(err).Msg("evidence collector stopped")
		}
	}()
	select {
	case <-e.Collector.Ready():
	case <-e.Collector.Done():
		return fmt.Errorf("evidence collector failed to start")
	}
	e.Coordinator.AddDirectWorker(e.Collector)

	if e.Launcher == nil {
		l, err := NewExecLauncher(e.ConfigPath, e.BrokerURL, e.Logger)
		if err != nil {
			return err
		}
		e.Launcher = l
	}

	launched := make(map[string]int)
	for _, mod := range e.Registry.Enabled(e.Config) {
		pid, err := e.Launcher.Launch(e.ctx, mod.Name())
		if err != nil {
			e.killLaunched(launched)
			return fmt.Errorf("launching %s: %w", mod.Name(), err)
		}
		launched[mod.Name()] = pid
		if err := e.Coordinator.Register(Registration{
			Module:   mod.Name(),
			PID:      pid,
			Channels: mod.Channels(),
		}); err != nil {
			e.killLaunched(launched)
			return err
		}
	}

	idle := NewIdleWatcher(e.Broker, e.Coordinator,
		e.Config.Shutdown.IdleCheckInterval, e.Config.Shutdown.IdleStopIntervals, e.Logger)
	go func() {
		if err := idle.Run(e.ctx); err != nil {
			e.Logger.Warn().Err(err).Msg("idle watcher stopped")
		}
	}()

	e.Logger.Info().
		Int("workers", len(e.Coordinator.Registrations())).
		Str("broker", e.BrokerURL).
		Msg("coordinator started")
	return nil
}

// killLaunched kills workers started by a Start that then failed, so none of
// them outlives the coordinator.
func (e *Engine) killLaunched(launched map[string]int) {
	killer := e.Killer
	if killer == nil {
		killer = OSProcessKiller{}
	}
	for name, pid := range launched {
		if err := killer.Kill(pid); err != nil && !errors.Is(err, ErrProcessGone) {
			e.Logger.Error().Err(err).Str("module", name).Int("pid", pid).Msg("failed to kill worker after aborted start")
			continue
		}
		e.Logger.Warn().Str("module", name).Int("pid", pid).Msg("killed worker after aborted start")
	}
}

// Run starts the engine and blocks until a signal, a shutdown request or
// context cancellation, then shuts down.
func (e *Engine) Run() (*ShutdownReport, error) {
	if err := e.Start(); err != nil {
		e.Abort()
		return nil, err
	}
	return e.Wait()
}

// Wait blocks a started engine until a signal, a shutdown request or context
// cancellation, then shuts down.
func (e *Engine) Wait() (*ShutdownReport, error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.Coordinator.ShutdownRequested():
		e.Logger.Info().Str("reason", e.Coordinator.ShutdownReason()).Msg("shutdown requested")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}

	return e.Shutdown()
}

// RequestShutdown asks Run to shut down.
func (e *Engine) RequestShutdown(reason string) {
	if e.Coordinator != nil {
		e.Coordinator.RequestShutdown(reason)
		return
	}
	e.cancel()
}

// Shutdown runs the coordinated shutdown and releases the broker.
func (e *Engine) Shutdown() (*ShutdownReport, error) {
	e.Logger.Info().Msg("shutting down")

	// The drain has its own poll budget; this only guards against a broker
	// that never returns.
	ctx, cancel := context.WithTimeout(context.Background(), e.Config.Shutdown.DrainBudget()+10*time.Second)
	defer cancel()

	report, err := e.Coordinator.Shutdown(ctx)
	if err != nil {
		e.cancel()
		e.closeBroker()
		return nil, err
	}

	select {
	case <-e.Collector.Done():
	case <-time.After(5 * time.Second):
		e.Logger.Warn().Msg("evidence collector did not finish in time")
	}

	e.cancel()
	e.closeBroker()
	e.Logger.Info().Msg("coordinator stopped")
	return report, nil
}

// Abort releases what a failed Start left behind: the engine's goroutines and
// the broker.
func (e *Engine) Abort() {
	e.cancel()
	e.closeBroker()
}

func (e *Engine) closeBroker() {
	if e.Broker == nil {
		return
	}
	if err := e.Broker.Close(); err != nil {
		e.Logger.Error().Err(err).Msg("error closing broker")
	}
}

// Context returns the engine's context.
func (e *Engine) Context() context.Context {
	return e.ctx
}
