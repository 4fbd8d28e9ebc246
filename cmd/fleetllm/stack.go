package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fleetllm/internal/common/fsutil"
	"fleetllm/internal/config"
	"fleetllm/internal/engine"
	"fleetllm/internal/managed"
	"fleetllm/internal/modeldir"
	"fleetllm/internal/provider"
	"fleetllm/internal/remote"
	"fleetllm/internal/store"
)

// stack is the wired set of providers behind a selector.
type stack struct {
	layout   modeldir.Layout
	store    *store.Store
	engine   *engine.Engine
	managed  *managed.Provider
	remote   *remote.Provider
	selector *provider.Selector
}

// logPublisher turns runtime events into debug log lines.
type logPublisher struct{ log zerolog.Logger }

func (p logPublisher) Publish(e provider.Event) {
	z := p.log.Debug().Str("event", e.Name).Str("provider", e.Provider)
	if e.Model != "" {
		z = z.Str("model", e.Model)
	}
	if len(e.Fields) > 0 {
		z = z.Fields(e.Fields)
	}
	z.Msg("runtime event")
}

func openLayout(cfg config.Config) (modeldir.Layout, error) {
	return modeldir.New(modeldir.RootFromEnv(cfg.ModelsDir))
}

func newPuller(cfg config.Config, layout modeldir.Layout, log zerolog.Logger) *modeldir.Puller {
	return modeldir.NewPuller(layout, cfg.Pull.Catalog, cfg.Pull.BaseURL, log.With().Str("component", "pull").Logger())
}

// buildStack opens the store, builds every provider and resolves the active
// one. Providers are registered in auto-selection order.
func buildStack(ctx context.Context, cfg config.Config, log zerolog.Logger) (*stack, error) {
	layout, err := openLayout(cfg)
	if err != nil {
		return nil, err
	}
	dbPath, err := fsutil.ExpandHome(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	pub := logPublisher{log: log}

	acc := engine.DetectAccelerator()
	forceCPU := cfg.Engine.ForceCPU || acc.NoAccelerator()
	ev := log.Info()
	if !acc.Known {
		ev = log.Warn()
	}
	ev.Bool("detected", acc.Known).Bool("accelerator", acc.Present).Str("vendor", acc.Vendor).Strs("devices", acc.Names).Bool("force_cpu", forceCPU).Msg("hardware detection")

	defaults := engine.DefaultDefaults()
	if cfg.Engine.ContextSize > 0 {
		defaults.ContextSize = cfg.Engine.ContextSize
	}
	defaults.GPULayers = cfg.Engine.GPULayers
	defaults.Threads = cfg.Engine.Threads
	defaults.BatchSize = cfg.Engine.BatchSize

	eng, err := engine.New(engine.Config{
		Layout:       layout,
		Runtime:      engine.NativeRuntime(),
		Defaults:     defaults,
		Aliases:      cfg.Engine.Aliases,
		DefaultModel: cfg.DefaultModel,
		Configs:      st,
		Puller:       newPuller(cfg, layout, log),
		Publisher:    pub,
		Logger:       log,
		ForceCPU:     forceCPU,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	s := &stack{layout: layout, store: st, engine: eng}
	s.managed = managed.New(managed.Config{
		Enabled:        cfg.Managed.Enabled,
		Binary:         cfg.Managed.Binary,
		Host:           cfg.Managed.Host,
		Port:           cfg.Managed.Port,
		ContextSize:    cfg.Managed.ContextSize,
		GPULayers:      cfg.Managed.GPULayers,
		Threads:        cfg.Managed.Threads,
		StartupTimeout: time.Duration(cfg.Managed.StartupTimeoutSec) * time.Second,
		Layout:         layout,
		Resolver:       eng,
		Publisher:      pub,
		Logger:         log.With().Str("provider", managed.Name).Logger(),
	})
	s.remote = remote.New(remote.Config{
		Enabled:     cfg.Remote.Enabled,
		Host:        cfg.Remote.Host,
		Port:        cfg.Remote.Port,
		AutoDialect: true,
		Layout:      layout,
		Logger:      log.With().Str("provider", remote.Name).Logger(),
	})

	providers := []provider.Provider{s.managed, s.remote}
	if cfg.Engine.Enabled {
		providers = append([]provider.Provider{eng}, providers...)
	}
	sel, err := provider.NewSelector(ctx, provider.SelectorConfig{
		Providers:       providers,
		DefaultProvider: cfg.DefaultProvider,
		Settings:        st,
		Publisher:       pub,
		Logger:          log.With().Str("component", "selector").Logger(),
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("select provider: %w", err)
	}
	s.selector = sel
	return s, nil
}

// Close stops child processes, releases models and closes the store.
func (s *stack) Close() error {
	s.managed.Close()
	s.engine.Close()
	return s.store.Close()
}
