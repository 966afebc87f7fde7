package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrDuplicateModule is returned when a second module with the same name is
// registered. Only one instance of each detector may run.
var ErrDuplicateModule = errors.New("module already registered")

// Module is the interface every detector must implement.
type Module interface {
	// Name returns the unique name of the module. Workers announce it on
	// ChannelFinishedModules when they stop.
	Name() string
	// Description returns a human-readable description.
	Description() string
	// Channels lists the broker channels the module subscribes to, in the
	// order the worker loop polls them in each pass.
	Channels() []string
	// Start initializes the module. Evidence goes to pipeline.
	Start(ctx context.Context, pipeline *EvidencePipeline, cfg *Config, logger zerolog.Logger) error
	// HandleMessage processes one dispatchable message. Errors wrapping
	// ErrMalformed are wasted wake-ups; any other error ends the worker.
	HandleMessage(ctx context.Context, msg Message) error
	// Stop releases resources. It is called once when the worker stops.
	Stop() error
}

// ModuleRegistry holds the modules compiled into the binary, in the order
// they were registered.
type ModuleRegistry struct {
	mu     sync.RWMutex
	mods   []Module
	index  map[string]int
	logger zerolog.Logger
}

func NewModuleRegistry(logger zerolog.Logger) *ModuleRegistry {
	return &ModuleRegistry{
		index:  make(map[string]int),
		logger: logger.With().Str("component", "module_registry").Logger(),
	}
}

// Register adds mod. A second module with the same name is rejected with
// ErrDuplicateModule.
func (r *ModuleRegistry) Register(mod Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.index[mod.Name()]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateModule, mod.Name())
	}
	r.index[mod.Name()] = len(r.mods)
	r.mods = append(r.mods, mod)

	r.logger.Debug().Str("module", mod.Name()).Strs("channels", mod.Channels()).Msg("module registered")
	return nil
}

func (r *ModuleRegistry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.mods[i], true
}

// All returns a copy of the registered modules.
func (r *ModuleRegistry) All() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Module(nil), r.mods...)
}

// Enabled returns the modules cfg enables, in registration order.
func (r *ModuleRegistry) Enabled(cfg *Config) []Module {
	var out []Module
	for _, m := range r.All() {
		if cfg.IsModuleEnabled(m.Name()) {
			out = append(out, m)
		}
	}
	return out
}

func (r *ModuleRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.mods)
}
