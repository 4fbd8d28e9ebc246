package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"fleetllm/internal/common/fsutil"
	"fleetllm/internal/modeldir"
	"fleetllm/internal/prompt"
	"fleetllm/internal/provider"
)

// Name is the engine's provider name.
const Name = "inprocess"

// Config configures an Engine.
type Config struct {
	Layout   modeldir.Layout
	Runtime  Runtime
	Defaults Defaults
	// Aliases are extra name -> file (relative to the root) mappings.
	Aliases map[string]string
	// DefaultModel is used when a requested name matches nothing.
	DefaultModel string
	Configs      ConfigStore
	// Puller enables PullModel when set.
	Puller    *modeldir.Puller
	Publisher provider.EventPublisher
	Logger    zerolog.Logger
	// ForceCPU confines every load to the CPU, e.g. when no accelerator is present.
	ForceCPU bool
	// SettleStages overrides DefaultSettleStages.
	SettleStages []time.Duration
	// MemAvailable overrides the system memory reading used while settling.
	MemAvailable func() (uint64, error)
}

// Engine is the in-process provider.
type Engine struct {
	layout       modeldir.Layout
	rt           Runtime
	defaults     Defaults
	resolver     *Resolver
	configs      ConfigStore
	puller       *modeldir.Puller
	pub          provider.EventPublisher
	log          zerolog.Logger
	forceCPU     bool
	caps         provider.Capabilities
	tracker      *provider.Tracker
	settleStages []time.Duration
	memAvailable memAvailable

	mu      sync.RWMutex
	handles map[cacheKey]*handle

	locksMu sync.Mutex
	locks   map[cacheKey]*sync.Mutex

	loadMu sync.Mutex
	closed atomic.Bool
}

// New builds an Engine and scans the models directory.
func New(cfg Config) (*Engine, error) {
	if cfg.Runtime == nil {
		cfg.Runtime = NativeRuntime()
	}
	if cfg.Defaults == (Defaults{}) {
		cfg.Defaults = DefaultDefaults()
	}
	r, err := NewResolver(cfg.Layout, cfg.Aliases, cfg.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("scan models: %w", err)
	}
	e := &Engine{
		layout:       cfg.Layout,
		rt:           cfg.Runtime,
		defaults:     cfg.Defaults,
		resolver:     r,
		configs:      cfg.Configs,
		puller:       cfg.Puller,
		pub:          provider.OrNop(cfg.Publisher),
		log:          cfg.Logger.With().Str("provider", Name).Logger(),
		forceCPU:     cfg.ForceCPU,
		tracker:      provider.NewTracker(),
		settleStages: cfg.SettleStages,
		memAvailable: cfg.MemAvailable,
		handles:      make(map[cacheKey]*handle),
		locks:        make(map[cacheKey]*sync.Mutex),
	}
	if e.settleStages == nil {
		e.settleStages = DefaultSettleStages
	}
	if e.memAvailable == nil {
		e.memAvailable = systemMemAvailable
	}
	caps := []provider.Capability{
		provider.CapStreaming, provider.CapBlocking, provider.CapListModels,
		provider.CapDeleteModel, provider.CapModelDetails, provider.CapDynamicContextSize,
	}
	if e.puller != nil {
		caps = append(caps, provider.CapPullModel)
	}
	if !e.forceCPU {
		caps = append(caps, provider.CapGPUAcceleration)
	}
	e.caps = provider.NewCapabilities(caps...)
	return e, nil
}

func (e *Engine) Name() string                        { return Name }
func (e *Engine) Capabilities() provider.Capabilities { return e.caps }

// IsAvailable reports whether the native runtime is compiled in and at least
// one model file exists.
func (e *Engine) IsAvailable() bool {
	return !e.closed.Load() && e.rt.Available() && e.layout.HasModels()
}

// Resolve maps name to a model file. Fallbacks are logged, published as a
// model_fallback event, and counted.
func (e *Engine) Resolve(name string) Resolution {
	res := e.resolver.Resolve(name)
	if res.Fallback {
		resolveFallbackTotal.Inc()
		e.log.Warn().Str("requested", name).Str("path", res.Path).Str("source", res.Source).Msg("model not found, using default")
		e.pub.Publish(provider.Event{
			Name:     "model_fallback",
			Provider: Name,
			Model:    filepath.Base(res.Path),
			Fields:   map[string]any{"requested": name, "path": res.Path, "source": res.Source},
		})
	}
	return res
}

// Aliases returns the current alias table.
func (e *Engine) Aliases() map[string]string { return e.resolver.Aliases() }

// Refresh rescans the models directory and rebuilds aliases.
func (e *Engine) Refresh() error { return e.resolver.Refresh() }

func (e *Engine) savedConfig(ctx context.Context, name string) *ModelConfig {
	if e.configs == nil || name == "" {
		return nil
	}
	cfg, ok, err := e.configs.ModelConfig(ctx, name)
	if err != nil {
		e.log.Warn().Err(err).Str("model", name).Msg("model config lookup failed")
		return nil
	}
	if !ok {
		return nil
	}
	return &cfg
}

func (e *Engine) Chat(ctx context.Context, req provider.ChatRequest) (string, error) {
	var b strings.Builder
	err := e.ChatStream(ctx, req, func(chunk string) error {
		b.WriteString(chunk)
		return nil
	})
	return b.String(), err
}

// ChatStream generates under the key lock for (resolved path, mode) and
// delivers fragments through the stop-marker buffer. A cancelled request
// returns nil after delivering no further chunks.
func (e *Engine) ChatStream(ctx context.Context, req provider.ChatRequest, onChunk provider.ChunkFunc) error {
	if onChunk == nil {
		return provider.ErrInvalidArgument("nil chunk callback")
	}
	if e.closed.Load() {
		return provider.ErrNotAvailable(Name)
	}
	ctx, id, done := e.tracker.Begin(ctx, req.RequestID)
	defer done()

	saved := e.savedConfig(ctx, req.Model)
	target := req.Model
	if saved != nil && saved.BaseModel != "" {
		target = saved.BaseModel
	}
	res := e.Resolve(target)
	if !fsutil.IsFile(res.Path) {
		return provider.ErrModelNotFound(res.Path)
	}
	cpuOnly := req.CPUOnly || e.forceCPU
	st := resolveSettings(req, saved, e.defaults, cpuOnly)
	key := cacheKey{path: res.Path, cpuOnly: cpuOnly}
	log := e.log.With().Str("request_id", id).Str("model", key.String()).Logger()

	h, unlock, err := e.acquire(ctx, key, st.Load)
	if err != nil {
		if !e.tracker.Active(id) {
			return nil
		}
		return err
	}
	defer unlock()
	if !e.tracker.Active(id) {
		generationsTotal.WithLabelValues("cancelled").Inc()
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	text := prompt.Build(filepath.Base(res.Path), st.System, req.Prompt)
	sb := newStopBuffer(prompt.EndOfTurnMarkers)
	var (
		cbErr   error
		marker  bool
		stopped bool
	)
	start := time.Now()
	genErr := h.model.Generate(ctx, text, st.Generate, func(tok string) bool {
		if !e.tracker.Active(id) || ctx.Err() != nil {
			stopped = true
			return false
		}
		out, stop := sb.Feed(tok)
		if out != "" {
			if err := onChunk(out); err != nil {
				cbErr = err
				return false
			}
		}
		if stop {
			marker = true
			return false
		}
		return true
	})

	switch {
	case !e.tracker.Active(id):
		generationsTotal.WithLabelValues("cancelled").Inc()
		log.Info().Msg("generation cancelled")
		return nil
	case cbErr != nil:
		generationsTotal.WithLabelValues("error").Inc()
		return cbErr
	case ctx.Err() != nil:
		generationsTotal.WithLabelValues("cancelled").Inc()
		return ctx.Err()
	case genErr != nil && !stopped:
		generationsTotal.WithLabelValues("error").Inc()
		log.Error().Err(genErr).Msg("generation failed")
		return provider.ErrNative(filepath.Base(res.Path), provider.StageGenerate, genErr)
	}
	if marker {
		generationsTotal.WithLabelValues("marker").Inc()
	} else {
		generationsTotal.WithLabelValues("stop").Inc()
		if rest := sb.Flush(); rest != "" {
			if err := onChunk(rest); err != nil {
				return err
			}
		}
	}
	log.Debug().Dur("took", time.Since(start)).Msg("generation complete")
	return nil
}

func (e *Engine) ChatWithVision(context.Context, provider.ChatRequest, []string) (string, error) {
	return "", provider.ErrUnsupported(Name, provider.CapVision)
}

func (e *Engine) ChatStreamWithVision(context.Context, provider.ChatRequest, []string, provider.ChunkFunc) error {
	return provider.ErrUnsupported(Name, provider.CapVision)
}

// ListModels scans the models directory on every call. Saved configs with a
// base model are listed as custom models backed by that file.
func (e *Engine) ListModels(ctx context.Context) ([]provider.ModelDescriptor, error) {
	entries, err := e.layout.Scan()
	if err != nil {
		return nil, err
	}
	out := make([]provider.ModelDescriptor, 0, len(entries))
	for _, en := range entries {
		d := en.Descriptor(Name)
		d.Loaded = e.isLoaded(en.Path)
		out = append(out, d)
	}
	return append(out, e.configuredModels(ctx, out)...), nil
}

// PullModel downloads into custom/ and refreshes the alias table.
func (e *Engine) PullModel(ctx context.Context, name string, progress provider.ProgressFunc) error {
	if e.puller == nil {
		return provider.ErrUnsupported(Name, provider.CapPullModel)
	}
	dst, err := e.puller.Pull(ctx, name, progress)
	if err != nil {
		return err
	}
	if err := e.resolver.Refresh(); err != nil {
		e.log.Warn().Err(err).Msg("refresh after pull failed")
	}
	e.pub.Publish(provider.Event{Name: "model_pulled", Provider: Name, Model: filepath.Base(dst), Fields: map[string]any{"path": dst}})
	return nil
}

// DeleteModel unloads any handle for the file, then removes it. Only exact
// file names are accepted; aliases and defaults are never deleted.
func (e *Engine) DeleteModel(ctx context.Context, name string) (bool, error) {
	var path string
	if filepath.IsAbs(name) {
		if !fsutil.Within(e.layout.Root, name) {
			return false, provider.ErrInvalidArgument("model path outside models dir: %s", name)
		}
		path = name
	} else if p, ok := e.layout.Find(name); ok {
		path = p
	} else if p, ok := e.layout.Find(name + modeldir.Ext); ok {
		path = p
	}
	if path == "" || !fsutil.IsFile(path) {
		return false, nil
	}
	if n := e.unloadWhere(func(k cacheKey) bool { return k.path == path }, "deleted"); n > 0 {
		e.log.Info().Str("model", filepath.Base(path)).Int("handles", n).Msg("unloaded before delete")
	}
	rel, err := filepath.Rel(e.layout.Root, path)
	if err != nil {
		return false, err
	}
	_, ok, err := e.layout.Delete(filepath.ToSlash(rel))
	if err != nil || !ok {
		return false, err
	}
	if err := e.resolver.Refresh(); err != nil {
		e.log.Warn().Err(err).Msg("refresh after delete failed")
	}
	e.pub.Publish(provider.Event{Name: "model_deleted", Provider: Name, Model: filepath.Base(path)})
	return true, nil
}

// ModelDetails describes the file name resolves to. A fallback resolution is
// reported with fallback=true.
func (e *Engine) ModelDetails(ctx context.Context, name string) (provider.ModelDetails, error) {
	saved := e.savedConfig(ctx, name)
	target := name
	if saved != nil && saved.BaseModel != "" {
		target = saved.BaseModel
	}
	res := e.Resolve(target)
	fi, err := os.Stat(res.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, provider.ErrModelNotFound(name)
		}
		return nil, err
	}
	file := filepath.Base(res.Path)
	d := provider.ModelDetails{
		"name":          name,
		"file":          file,
		"path":          res.Path,
		"size":          fi.Size(),
		"size_human":    humanize.IBytes(uint64(fi.Size())),
		"modified_at":   fi.ModTime(),
		"format":        "GGUF",
		"provider":      Name,
		"runtime":       e.rt.Name(),
		"architecture":  modeldir.Architecture(file),
		"quantization":  modeldir.Quantization(file),
		"dialect":       prompt.DetectDialect(file).String(),
		"vision":        modeldir.FindProjector(res.Path) != "",
		"loaded":        e.isLoaded(res.Path),
		"resolved_by":   res.Source,
		"fallback":      res.Fallback,
		"custom_config": saved != nil,
	}
	if saved != nil && saved.Description != "" {
		d["description"] = saved.Description
	}
	return d, nil
}

// CancelRequest stops an in-flight generation at its next fragment.
func (e *Engine) CancelRequest(requestID string) bool {
	ok := e.tracker.Cancel(requestID)
	if ok {
		e.log.Info().Str("request_id", requestID).Msg("request cancelled")
	}
	return ok
}

// ActiveRequests returns the ids of in-flight generations.
func (e *Engine) ActiveRequests() []string { return e.tracker.IDs() }

// Close unloads every model and rejects further generations.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.UnloadAll()
	return nil
}
