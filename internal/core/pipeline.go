package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// EvidenceHandler receives every emitted evidence.
type EvidenceHandler func(ctx context.Context, ev *Evidence) error

// EvidencePipeline hands evidence to its handlers in registration order.
type EvidencePipeline struct {
	mu       sync.RWMutex
	handlers []EvidenceHandler
	logger   zerolog.Logger
	metrics  *Metrics
}

// NewEvidencePipeline creates an empty pipeline. metrics may be nil.
func NewEvidencePipeline(logger zerolog.Logger, metrics *Metrics) *EvidencePipeline {
	return &EvidencePipeline{
		logger:  logger.With().Str("component", "evidence_pipeline").Logger(),
		metrics: metrics,
	}
}

// AddHandler registers h.
func (p *EvidencePipeline) AddHandler(h EvidenceHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Emit passes ev to every handler. Every handler runs even if an earlier one
// fails; the failures are joined.
func (p *EvidencePipeline) Emit(ctx context.Context, ev *Evidence) error {
	if ev == nil {
		return nil
	}

	p.mu.RLock()
	handlers := make([]EvidenceHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	p.metrics.EvidenceEmitted(ev.Module, ev.Type)

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishHandler publishes evidence as JSON on ChannelEvidenceAdded.
func PublishHandler(b Broker) EvidenceHandler {
	return func(_ context.Context, ev *Evidence) error {
		data, err := ev.Marshal()
		if err != nil {
			return fmt.Errorf("marshaling evidence %s: %w", ev.ID, err)
		}
		if err := b.Publish(ChannelEvidenceAdded, string(data)); err != nil {
			return fmt.Errorf("publishing evidence %s: %w", ev.ID, err)
		}
		return nil
	}
}
