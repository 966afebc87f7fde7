package main

// ---------------------------------------------------------------------------
// catalog.go: detector modules compiled into the binary
// ---------------------------------------------------------------------------

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/core"
	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/modules/portscan"
	"github.com/GLP-Technologies-LLC/StratosphereLinuxIPS/internal/store"
)

// moduleConstructors builds a fresh module instance reading from st. Every
// worker gets its own instance so detection caches are never shared.
var moduleConstructors = map[string]func(st store.AggregateStore) core.Module{
	portscan.ModuleName: func(st store.AggregateStore) core.Module {
		return portscan.New(st, portscan.NewDetectionCache())
	},
}

func newModule(name string, st store.AggregateStore) (core.Module, error) {
	ctor, ok := moduleConstructors[name]
	if !ok {
		return nil, fmt.Errorf("unknown module %q (known: %s)", name, strings.Join(moduleNames(), ", "))
	}
	mod := ctor(st)
	if mod == nil {
		return nil, fmt.Errorf("module %q: constructor returned no module", name)
	}
	return mod, nil
}

func moduleNames() []string {
	names := make([]string, 0, len(moduleConstructors))
	for name := range moduleConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildRegistry registers one instance of every module. The coordinator only
// uses it for names and channels, so st may be nil there.
func buildRegistry(st store.AggregateStore, logger zerolog.Logger) (*core.ModuleRegistry, error) {
	reg := core.NewModuleRegistry(logger)
	for _, name := range moduleNames() {
		mod, err := newModule(name, st)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(mod); err != nil {
			return nil, fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return reg, nil
}

type moduleInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Channels    []string `json:"channels"`
	Enabled     bool     `json:"enabled"`
}

func catalog(cfg *core.Config) []moduleInfo {
	reg, err := buildRegistry(nil, zerolog.Nop())
	if err != nil {
		errorf("%v", err)
	}
	var out []moduleInfo
	for _, mod := range reg.All() {
		out = append(out, moduleInfo{
			Name:        mod.Name(),
			Description: mod.Description(),
			Channels:    mod.Channels(),
			Enabled:     cfg.IsModuleEnabled(mod.Name()),
		})
	}
	return out
}
