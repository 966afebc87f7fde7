package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CoordinatorState is the shutdown progress of a Coordinator.
type CoordinatorState int

const (
	StateRunning CoordinatorState = iota
	StateStopping
	StateDraining
	StateForceKill
	StateDone
)

func (s CoordinatorState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDraining:
		return "draining"
	case StateForceKill:
		return "force_kill"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Registration records one worker process.
type Registration struct {
	Module    string    `json:"module"`
	PID       int       `json:"pid"`
	Channels  []string  `json:"channels"`
	StartedAt time.Time `json:"started_at"`
}

// DirectWorker is a worker that is not reachable through the broker and
// receives the stop sentinel through its own queue.
type DirectWorker interface {
	Name() string
	Send(data string) error
}

// ShutdownReport summarizes a completed shutdown.
type ShutdownReport struct {
	Acknowledged  []string      `json:"acknowledged"`
	Killed        []string      `json:"killed"`
	AlreadyExited []string      `json:"already_exited"`
	KillFailed    []string      `json:"kill_failed,omitempty"`
	Polls         int           `json:"polls"`
	Duration      time.Duration `json:"duration"`
}

// Coordinator owns the worker registrations and drives the shutdown protocol:
// broadcast the stop sentinel, wait a bounded number of polls for every
// worker to announce itself on ChannelFinishedModules, then force-kill
// whoever is left.
type Coordinator struct {
	broker      Broker
	killer      ProcessKiller
	logger      zerolog.Logger
	metrics     *Metrics
	maxPolls    int
	pollTimeout time.Duration

	mu      sync.Mutex
	state   CoordinatorState
	regs    map[string]Registration
	order   []string
	stopped map[string]bool
	direct  []DirectWorker

	acks      Subscription
	watchStop chan struct{}
	watchDone chan struct{}

	requested   chan struct{}
	requestOnce sync.Once
	reason      string
}

// NewCoordinator creates a Coordinator. metrics may be nil.
func NewCoordinator(b Broker, cfg ShutdownConfig, killer ProcessKiller, logger zerolog.Logger, metrics *Metrics) *Coordinator {
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 130
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Millisecond
	}
	if killer == nil {
		killer = OSProcessKiller{}
	}
	return &Coordinator{
		broker:      b,
		killer:      killer,
		logger:      logger.With().Str("component", "coordinator").Logger(),
		metrics:     metrics,
		maxPolls:    maxPolls,
		pollTimeout: pollTimeout,
		regs:        make(map[string]Registration),
		stopped:     make(map[string]bool),
		requested:   make(chan struct{}),
	}
}

// Register records a worker. Module names are unique.
func (c *Coordinator) Register(reg Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return fmt.Errorf("cannot register %q while %s", reg.Module, c.state)
	}
	if _, exists := c.regs[reg.Module]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateModule, reg.Module)
	}
	if reg.StartedAt.IsZero() {
		reg.StartedAt = time.Now().UTC()
	}
	c.regs[reg.Module] = reg
	c.order = append(c.order, reg.Module)
	c.metrics.SetPending(len(c.regs) - len(c.stopped))

	c.logger.Info().Str("module", reg.Module).Int("pid", reg.PID).Msg("worker registered")
	return nil
}

// AddDirectWorker adds a worker that is stopped through its own queue at the
// end of the shutdown.
func (c *Coordinator) AddDirectWorker(w DirectWorker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.direct = append(c.direct, w)
}

// Listen subscribes to ChannelFinishedModules. It must be called before any
// worker can announce itself. While running, a StopRequestToken on that
// channel requests a shutdown and early announcements are recorded.
func (c *Coordinator) Listen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acks != nil {
		return nil
	}
	sub, err := c.broker.Subscribe(ChannelFinishedModules)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", ChannelFinishedModules, err)
	}
	c.acks = sub
	c.watchStop = make(chan struct{})
	c.watchDone = make(chan struct{})
	go c.watch(ctx, sub, c.watchStop, c.watchDone)
	return nil
}

func (c *Coordinator) watch(ctx context.Context, sub Subscription, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-sub.Closed():
			return
		case msg := <-sub.C():
			if msg.Data == StopRequestToken {
				c.RequestShutdown("stop request on " + ChannelFinishedModules)
				continue
			}
			c.mu.Lock()
			if _, ok := c.regs[msg.Data]; ok && !c.stopped[msg.Data] {
				c.stopped[msg.Data] = true
				c.metrics.SetPending(len(c.regs) - len(c.stopped))
				c.logger.Warn().Str("module", msg.Data).Msg("worker stopped before shutdown was requested")
			}
			c.mu.Unlock()
		}
	}
}

// RequestShutdown asks the owner of the coordinator to call Shutdown. Only
// the first reason is kept.
func (c *Coordinator) RequestShutdown(reason string) {
	c.requestOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.logger.Info().Str("reason", reason).Msg("shutdown requested")
		close(c.requested)
	})
}

// ShutdownRequested is closed once RequestShutdown has been called.
func (c *Coordinator) ShutdownRequested() <-chan struct{} {
	return c.requested
}

// ShutdownReason returns the reason given to RequestShutdown.
func (c *Coordinator) ShutdownReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// State returns the current state.
func (c *Coordinator) State() CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s CoordinatorState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug().Str("state", s.String()).Msg("coordinator state changed")
}

// Registrations returns every registration in registration order.
func (c *Coordinator) Registrations() []Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Registration, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.regs[name])
	}
	return out
}

// Pending returns the registered modules that have not announced themselves.
func (c *Coordinator) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *Coordinator) pendingLocked() []string {
	var out []string
	for _, name := range c.order {
		if !c.stopped[name] {
			out = append(out, name)
		}
	}
	return out
}

// channelsLocked is the sorted union of every registered worker's channels.
func (c *Coordinator) channelsLocked() []string {
	set := make(map[string]bool)
	for _, reg := range c.regs {
		for _, ch := range reg.Channels {
			set[ch] = true
		}
	}
	out := make([]string, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Shutdown runs the shutdown protocol to completion. Cancelling ctx ends the
// drain early and goes straight to force-kill.
func (c *Coordinator) Shutdown(ctx context.Context) (*ShutdownReport, error) {
	started := time.Now()

	c.mu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("shutdown already in progress (%s)", state)
	}
	c.state = StateStopping
	c.mu.Unlock()

	// Take the acknowledgement subscription over from the watcher.
	if err := c.Listen(ctx); err != nil {
		return nil, err
	}
	close(c.watchStop)
	<-c.watchDone
	defer func() { _ = c.acks.Unsubscribe() }()

	c.mu.Lock()
	channels := c.channelsLocked()
	pending := make(map[string]bool)
	for _, name := range c.pendingLocked() {
		pending[name] = true
	}
	c.mu.Unlock()

	c.logger.Info().Strs("channels", channels).Int("workers", len(pending)).Msg("broadcasting stop")
	for _, ch := range channels {
		if err := c.broker.Publish(ch, StopToken); err != nil {
			c.logger.Error().Err(err).Str("channel", ch).Msg("failed to publish stop sentinel")
		}
	}
	if f, ok := c.broker.(flusher); ok {
		if err := f.Flush(); err != nil {
			c.logger.Warn().Err(err).Msg("flushing stop sentinels")
		}
	}

	c.setState(StateDraining)
	report := &ShutdownReport{}
	polls := c.drain(ctx, pending, report)
	report.Polls = polls
	c.metrics.DrainPolls(polls)

	c.setState(StateForceKill)
	c.forceKill(report)

	c.mu.Lock()
	direct := append([]DirectWorker(nil), c.direct...)
	c.mu.Unlock()
	for _, w := range direct {
		if err := w.Send(StopToken); err != nil {
			c.logger.Error().Err(err).Str("worker", w.Name()).Msg("failed to stop direct worker")
			continue
		}
		c.logger.Info().Str("worker", w.Name()).Msg("direct worker told to stop")
	}

	c.setState(StateDone)
	report.Duration = time.Since(started)
	c.logger.Info().
		Int("acknowledged", len(report.Acknowledged)).
		Int("killed", len(report.Killed)).
		Int("already_exited", len(report.AlreadyExited)).
		Dur("took", report.Duration).
		Msg("shutdown complete")
	return report, nil
}

// drain waits for announcements until pending is empty or the poll budget
// is spent. The budget is decremented on every iteration, message or not.
// It returns the number of polls used.
func (c *Coordinator) drain(ctx context.Context, pending map[string]bool, report *ShutdownReport) int {
	polls := c.maxPolls
	used := 0
	timer := time.NewTimer(c.pollTimeout)
	defer timer.Stop()

	for len(pending) > 0 && polls > 0 {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.pollTimeout)

		select {
		case msg := <-c.acks.C():
			name := msg.Data
			if pending[name] {
				delete(pending, name)
				c.mu.Lock()
				c.stopped[name] = true
				c.mu.Unlock()
				c.metrics.SetPending(len(pending))
				report.Acknowledged = append(report.Acknowledged, name)
				c.logger.Info().Str("module", name).Msgf("%s stopped, %d modules left", name, len(pending))
			}
		case <-timer.C:
		case <-ctx.Done():
			c.logger.Warn().Err(ctx.Err()).Msg("drain interrupted")
			return used + 1
		}
		polls--
		used++
	}
	return used
}

func (c *Coordinator) forceKill(report *ShutdownReport) {
	c.mu.Lock()
	var targets []Registration
	for _, name := range c.pendingLocked() {
		targets = append(targets, c.regs[name])
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	c.logger.Warn().Int("workers", len(targets)).Msg("drain budget exhausted, killing remaining workers")

	for _, reg := range targets {
		logger := c.logger.With().Str("module", reg.Module).Int("pid", reg.PID).Logger()
		err := c.killer.Kill(reg.PID)
		switch {
		case err == nil:
			report.Killed = append(report.Killed, reg.Module)
			c.metrics.ForceKilled(reg.Module, "killed")
			logger.Warn().Msg("killed")
		case errors.Is(err, ErrProcessGone):
			report.AlreadyExited = append(report.AlreadyExited, reg.Module)
			c.metrics.ForceKilled(reg.Module, "already_exited")
			logger.Info().Msg("already exited")
		default:
			report.KillFailed = append(report.KillFailed, reg.Module)
			c.metrics.ForceKilled(reg.Module, "failed")
			logger.Error().Err(err).Msg("failed to kill worker")
		}
		c.mu.Lock()
		c.stopped[reg.Module] = true
		c.mu.Unlock()
	}
	c.metrics.SetPending(0)
}
