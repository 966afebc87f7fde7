package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// EvidenceSink persists evidence outside the broker.
type EvidenceSink interface {
	Name() string
	Write(ctx context.Context, ev *Evidence) error
	Flush(ctx context.Context) error
}

// EvidenceCollector runs in the coordinator process. It forwards evidence
// published on ChannelEvidenceAdded to its sinks through an in-process queue.
// It is not a broker worker: the coordinator stops it by sending StopToken
// into the queue once every broker worker is gone, so evidence published
// during the drain is still written.
type EvidenceCollector struct {
	broker Broker
	sinks  []EvidenceSink
	queue  chan string
	ready  chan struct{}
	done   chan struct{}
	logger zerolog.Logger

	mu      sync.Mutex
	written int
	failed  int
}

// NewEvidenceCollector creates a collector with the given queue size.
func NewEvidenceCollector(b Broker, queueSize int, logger zerolog.Logger, sinks ...EvidenceSink) *EvidenceCollector {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &EvidenceCollector{
		broker: b,
		sinks:  sinks,
		queue:  make(chan string, queueSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "evidence_collector").Logger(),
	}
}

// Name identifies the collector in shutdown logs.
func (c *EvidenceCollector) Name() string { return "evidence_collector" }

// Send enqueues data. It blocks while the queue is full.
func (c *EvidenceCollector) Send(data string) error {
	select {
	case c.queue <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", c.Name(), ErrBrokerClosed)
	}
}

// Ready is closed once Run has subscribed to the broker.
func (c *EvidenceCollector) Ready() <-chan struct{} { return c.ready }

// Done is closed when Run returns.
func (c *EvidenceCollector) Done() <-chan struct{} { return c.done }

// Stats returns how many evidence records were written and how many writes
// failed.
func (c *EvidenceCollector) Stats() (written, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written, c.failed
}

// Run subscribes to ChannelEvidenceAdded and writes evidence until StopToken
// arrives through Send or ctx ends. Sinks are flushed before it returns.
func (c *EvidenceCollector) Run(ctx context.Context) error {
	defer close(c.done)

	sub, err := c.broker.Subscribe(ChannelEvidenceAdded)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", ChannelEvidenceAdded, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	close(c.ready)

	forwardDone := make(chan struct{})
	forwardCtx, stopForward := context.WithCancel(ctx)
	defer func() {
		stopForward()
		<-forwardDone
	}()
	go func() {
		defer close(forwardDone)
		for {
			select {
			case <-forwardCtx.Done():
				return
			case <-sub.Closed():
				return
			case msg := <-sub.C():
				if !IntendedFor(&msg, ChannelEvidenceAdded) {
					continue
				}
				select {
				case c.queue <- msg.Data:
				case <-forwardCtx.Done():
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return c.flush(context.Background())
		case data := <-c.queue:
			if data == StopToken {
				c.drainQueue(ctx)
				return c.flush(ctx)
			}
			c.write(ctx, data)
		}
	}
}

// drainQueue writes what is already queued behind the stop sentinel.
func (c *EvidenceCollector) drainQueue(ctx context.Context) {
	for {
		select {
		case data := <-c.queue:
			if data != StopToken {
				c.write(ctx, data)
			}
		default:
			return
		}
	}
}

func (c *EvidenceCollector) write(ctx context.Context, data string) {
	ev, err := UnmarshalEvidence([]byte(data))
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping undecodable evidence")
		return
	}
	ok := true
	for _, s := range c.sinks {
		if err := s.Write(ctx, ev); err != nil {
			ok = false
			c.logger.Error().Err(err).Str("sink", s.Name()).Str("evidence_id", ev.ID).Msg("failed to write evidence")
		}
	}
	c.mu.Lock()
	if ok {
		c.written++
	} else {
		c.failed++
	}
	c.mu.Unlock()
}

func (c *EvidenceCollector) flush(ctx context.Context) error {
	var errs []error
	for _, s := range c.sinks {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes evidence to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Write(_ context.Context, ev *Evidence) error {
	s.Logger.Info().
		Str("evidence_id", ev.ID).
		Str("type", ev.Type).
		Str("detection_info", ev.DetectionInfo).
		Float64("confidence", ev.Confidence).
		Str("threat_level", ev.ThreatLevel.String()).
		Msg(ev.Description)
	return nil
}

func (s LogSink) Flush(context.Context) error { return nil }
