package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// IdleWatcher requests a shutdown once no tw_modified traffic has been seen
// for a number of consecutive intervals. It is meant for finite inputs where
// silence means the input is exhausted.
type IdleWatcher struct {
	broker    Broker
	requester interface{ RequestShutdown(reason string) }
	interval  time.Duration
	limit     int
	logger    zerolog.Logger
}

// NewIdleWatcher creates a watcher. A limit of zero disables it.
func NewIdleWatcher(b Broker, requester interface{ RequestShutdown(reason string) }, interval time.Duration, limit int, logger zerolog.Logger) *IdleWatcher {
	return &IdleWatcher{
		broker:    b,
		requester: requester,
		interval:  interval,
		limit:     limit,
		logger:    logger.With().Str("component", "idle_watcher").Logger(),
	}
}

// Run blocks until ctx ends or the shutdown has been requested.
func (w *IdleWatcher) Run(ctx context.Context) error {
	if w.limit <= 0 || w.interval <= 0 {
		return nil
	}
	sub, err := w.broker.Subscribe(ChannelTWModified)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	seen := 0
	idle := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Closed():
			return ErrBrokerClosed
		case msg := <-sub.C():
			if !msg.IsStop() {
				seen++
			}
		case <-ticker.C:
			if seen > 0 {
				idle = 0
				seen = 0
				continue
			}
			idle++
			w.logger.Debug().Int("idle_intervals", idle).Int("limit", w.limit).Msg("no window updates")
			if idle >= w.limit {
				w.requester.RequestShutdown("no window updates for " + (time.Duration(idle) * w.interval).String())
				return nil
			}
		}
	}
}
