package core

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// flusher is implemented by brokers that buffer publishes.
type flusher interface {
	Flush() error
}

// Worker runs a single module against the broker until it is told to stop.
type Worker struct {
	Module      Module
	Broker      Broker
	Pipeline    *EvidencePipeline
	Config      *Config
	Logger      zerolog.Logger
	Metrics     *Metrics
	PollTimeout time.Duration
	// OnReady, if set, is called once the worker is subscribed and the
	// module has started.
	OnReady func()
}

// Run starts the module, subscribes to its channels and dispatches messages
// until a stop sentinel arrives or ctx is cancelled. Both end with the module
// name published once on ChannelFinishedModules and a nil error.
//
// A broker failure, a handler error or a handler panic ends the loop with an
// error and no acknowledgement; the coordinator's force-kill path accounts
// for the worker.
func (w *Worker) Run(ctx context.Context) error {
	mod := w.Module
	name := mod.Name()
	logger := w.Logger.With().Str("module", name).Logger()

	pollTimeout := w.PollTimeout
	if pollTimeout <= 0 && w.Config != nil {
		pollTimeout = w.Config.Worker.PollTimeout
	}

	sub, err := NewSubscriber(w.Broker, mod.Channels(), pollTimeout)
	if err != nil {
		return fmt.Errorf("subscribing %s: %w", name, err)
	}
	defer sub.Close()

	if err := mod.Start(ctx, w.Pipeline, w.Config, logger); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	logger.Info().Strs("channels", sub.Channels()).Msg("worker started")
	if w.OnReady != nil {
		w.OnReady()
	}

	for {
		msg, channel, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("context cancelled, stopping")
				return w.acknowledge(logger)
			}
			w.fail(logger, err)
			return err
		}

		if msg.IsStop() {
			logger.Debug().Str("channel", channel).Msg("stop sentinel received")
			return w.acknowledge(logger)
		}

		if !IntendedFor(&msg, channel) {
			w.Metrics.WastedWakeUp(name, channel)
			continue
		}

		w.Metrics.WakeUp(name, channel)
		if err := safeHandleMessage(ctx, mod, msg); err != nil {
			if errors.Is(err, ErrMalformed) {
				w.Metrics.WastedWakeUp(name, channel)
				logger.Debug().Err(err).Str("channel", channel).Msg("ignoring malformed message")
				continue
			}
			w.fail(logger.With().Str("channel", channel).Logger(), err)
			return err
		}
	}
}

// acknowledge stops the module and announces it on ChannelFinishedModules.
func (w *Worker) acknowledge(logger zerolog.Logger) error {
	name := w.Module.Name()
	if err := w.Module.Stop(); err != nil {
		logger.Error().Err(err).Msg("error stopping module")
	}
	if err := w.Broker.Publish(ChannelFinishedModules, name); err != nil {
		return fmt.Errorf("acknowledging stop of %s: %w", name, err)
	}
	if f, ok := w.Broker.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing stop acknowledgement of %s: %w", name, err)
		}
	}
	logger.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) fail(logger zerolog.Logger, err error) {
	w.Metrics.WorkerFailed(w.Module.Name())
	logger.Error().Err(err).Msg("worker failed, exiting without acknowledgement")
	if stopErr := w.Module.Stop(); stopErr != nil {
		logger.Error().Err(stopErr).Msg("error stopping module")
	}
}

// safeHandleMessage calls mod.HandleMessage inside a recover() so a panicking
// handler ends the worker with an error instead of crashing the process.
func safeHandleMessage(ctx context.Context, mod Module, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic handling %s message: %v\n%s", msg.Channel, rec, debug.Stack())
		}
	}()
	return mod.HandleMessage(ctx, msg)
}
