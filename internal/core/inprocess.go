package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// WorkerFactory builds the worker for a module name.
type WorkerFactory func(module string) (*Worker, error)

// InProcessLauncher runs workers as goroutines instead of processes. It is
// both the Launcher and the ProcessKiller of the coordinator: the ids it
// hands out are negative so they never name a real process, and killing one
// cancels the worker's context.
type InProcessLauncher struct {
	factory WorkerFactory
	logger  zerolog.Logger

	mu      sync.Mutex
	next    int
	workers map[int]*inProcessWorker
	wg      sync.WaitGroup
}

type inProcessWorker struct {
	module string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewInProcessLauncher creates a launcher that builds workers with factory.
func NewInProcessLauncher(factory WorkerFactory, logger zerolog.Logger) *InProcessLauncher {
	return &InProcessLauncher{
		factory: factory,
		logger:  logger.With().Str("component", "inprocess_launcher").Logger(),
		workers: make(map[int]*inProcessWorker),
	}
}

// Launch starts the worker in a goroutine. The worker's context is not
// derived from ctx; it ends through the stop sentinel or Kill.
func (l *InProcessLauncher) Launch(_ context.Context, module string) (int, error) {
	w, err := l.factory(module)
	if err != nil {
		return 0, fmt.Errorf("building worker %s: %w", module, err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	iw := &inProcessWorker{module: module, cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.next++
	id := -l.next
	l.workers[id] = iw
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(iw.done)
		iw.err = w.Run(wctx)
		if iw.err != nil {
			l.logger.Error().Err(iw.err).Str("module", module).Msg("worker exited with error")
		}
	}()
	return id, nil
}

// Kill cancels the worker with the given id.
func (l *InProcessLauncher) Kill(id int) error {
	l.mu.Lock()
	iw, ok := l.workers[id]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: worker %d", ErrProcessGone, id)
	}
	select {
	case <-iw.done:
		return fmt.Errorf("%w: worker %s", ErrProcessGone, iw.module)
	default:
	}
	iw.cancel()
	return nil
}

// Wait blocks until every launched worker has returned.
func (l *InProcessLauncher) Wait() {
	l.wg.Wait()
}

// Exited reports whether the worker with the given id has returned, and the
// error it returned.
func (l *InProcessLauncher) Exited(id int) (bool, error) {
	l.mu.Lock()
	iw, ok := l.workers[id]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	select {
	case <-iw.done:
		return true, iw.err
	default:
		return false, nil
	}
}
