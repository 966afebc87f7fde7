package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// subscriptionBuffer bounds how many undelivered messages a subscription holds
// before the NATS callback blocks and the server-side pending limits apply.
const subscriptionBuffer = 1024

// NATSBroker implements Broker on core NATS subjects. Each channel maps to one
// subject, which gives at-most-once fan-out to every subscriber.
type NATSBroker struct {
	nc     *nats.Conn
	ns     *server.Server
	logger zerolog.Logger
	mu     sync.Mutex
	subs   []*natsSubscription

	// Metrics
	metrics *BusMetrics
}

// BusMetrics tracks broker counters.
type BusMetrics struct {
	mu                sync.Mutex `json:"-"`
	MessagesPublished int64      `json:"messages_published"`
	PublishFailed     int64      `json:"publish_failed"`
	MessagesDelivered int64      `json:"messages_delivered"`
}

// NewNATSBroker connects to NATS. If cfg.Embedded is true, it starts an
// embedded NATS server first and connects to it.
func NewNATSBroker(cfg *BusConfig, logger zerolog.Logger) (*NATSBroker, error) {
	b := &NATSBroker{
		logger:  logger.With().Str("component", "broker").Logger(),
		subs:    make([]*natsSubscription, 0),
		metrics: &BusMetrics{},
	}

	url := cfg.URL
	if cfg.Embedded {
		opts := &server.Options{
			Host:   cfg.Host,
			Port:   cfg.Port,
			NoLog:  true,
			NoSigs: true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}

		ns.Start()

		if !ns.ReadyForConnections(10 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}

		b.ns = ns
		url = ns.ClientURL()
		b.logger.Info().Str("url", url).Msg("embedded NATS server started")
	}

	nc, err := nats.Connect(url,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			b.logger.Info().Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.closeSubscriptions()
		}),
	)
	if err != nil {
		if b.ns != nil {
			b.ns.Shutdown()
		}
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	b.nc = nc

	b.logger.Info().Str("url", url).Msg("connected to NATS")
	return b, nil
}

// URL returns the address other processes should use to reach this broker.
func (b *NATSBroker) URL() string {
	if b.ns != nil {
		return b.ns.ClientURL()
	}
	return b.nc.ConnectedUrl()
}

// Publish sends data on channel.
func (b *NATSBroker) Publish(channel, data string) error {
	if err := b.nc.Publish(channel, []byte(data)); err != nil {
		b.metrics.mu.Lock()
		b.metrics.PublishFailed++
		b.metrics.mu.Unlock()
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}

	b.metrics.mu.Lock()
	b.metrics.MessagesPublished++
	b.metrics.mu.Unlock()

	b.logger.Debug().Str("channel", channel).Int("bytes", len(data)).Msg("published")
	return nil
}

// Flush blocks until everything published so far has reached the server.
func (b *NATSBroker) Flush() error {
	return b.nc.FlushTimeout(2 * time.Second)
}

// Subscribe registers interest in channel.
func (b *NATSBroker) Subscribe(channel string) (Subscription, error) {
	s := &natsSubscription{
		channel: channel,
		ch:      make(chan Message, subscriptionBuffer),
		closed:  make(chan struct{}),
	}

	sub, err := b.nc.Subscribe(channel, func(m *nats.Msg) {
		msg := Message{Channel: m.Subject, Data: string(m.Data)}
		select {
		case s.ch <- msg:
			b.metrics.mu.Lock()
			b.metrics.MessagesDelivered++
			b.metrics.mu.Unlock()
		case <-s.closed:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	s.sub = sub

	// Make sure the server knows about the interest before anyone publishes.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription to %s: %w", channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	b.logger.Debug().Str("channel", channel).Msg("subscribed")
	return s, nil
}

func (b *NATSBroker) closeSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		s.markClosed()
	}
}

// Close shuts down the broker connection and the embedded server, if any.
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}

	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}

	return nil
}

// IsConnected returns true if the NATS connection is active.
func (b *NATSBroker) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// GetMetrics returns a snapshot of broker counters.
func (b *NATSBroker) GetMetrics() map[string]int64 {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return map[string]int64{
		"messages_published": b.metrics.MessagesPublished,
		"publish_failed":     b.metrics.PublishFailed,
		"messages_delivered": b.metrics.MessagesDelivered,
	}
}

type natsSubscription struct {
	channel string
	sub     *nats.Subscription
	ch      chan Message
	closed  chan struct{}
	once    sync.Once
}

func (s *natsSubscription) Channel() string         { return s.channel }
func (s *natsSubscription) C() <-chan Message       { return s.ch }
func (s *natsSubscription) Closed() <-chan struct{} { return s.closed }

func (s *natsSubscription) markClosed() {
	s.once.Do(func() { close(s.closed) })
}

func (s *natsSubscription) Unsubscribe() error {
	s.markClosed()
	if s.sub == nil || !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}
