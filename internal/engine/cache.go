package engine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"fleetllm/internal/provider"
)

// cacheKey identifies a loaded handle: the resolved file and acceleration mode.
type cacheKey struct {
	path    string
	cpuOnly bool
}

func (k cacheKey) String() string {
	name := filepath.Base(k.path)
	if k.cpuOnly {
		return name + " (cpu)"
	}
	return name
}

// handle is a resident native model exclusively owned by the cache. It is
// closed and dropped only while its key lock is held.
type handle struct {
	key      cacheKey
	model    Model
	opts     LoadOptions
	size     int64
	loadedAt time.Time
}

func (e *Engine) keyLock(k cacheKey) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	lk, ok := e.locks[k]
	if !ok {
		lk = &sync.Mutex{}
		e.locks[k] = lk
	}
	return lk
}

func (e *Engine) cached(k cacheKey) *handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handles[k]
}

// acquire returns the handle for key with its key lock held. The caller
// generates and then calls the returned unlock func. A miss loads the model
// under the load lock after evicting other handles of the same mode. A ctx
// cancelled while waiting returns before any handle is evicted or loaded.
func (e *Engine) acquire(ctx context.Context, key cacheKey, opts LoadOptions) (*handle, func(), error) {
	lk := e.keyLock(key)
	for {
		lk.Lock()
		if h := e.cached(key); h != nil && h.opts == opts {
			return h, lk.Unlock, nil
		}
		lk.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		e.loadMu.Lock()
		if err := ctx.Err(); err != nil {
			e.loadMu.Unlock()
			return nil, nil, err
		}
		if h := e.cached(key); h != nil && h.opts == opts {
			// Loaded by another caller while we waited.
			e.loadMu.Unlock()
			continue
		}
		h, err := e.loadLocked(ctx, key, opts, lk)
		e.loadMu.Unlock()
		if err != nil {
			return nil, nil, err
		}
		return h, lk.Unlock, nil
	}
}

// loadLocked evicts, settles, and loads key. loadMu must be held. On success
// the key lock is held on return.
func (e *Engine) loadLocked(ctx context.Context, key cacheKey, opts LoadOptions, lk *sync.Mutex) (*handle, error) {
	n, bytes, baseline, err := e.evictOthers(ctx, key)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		e.settle(ctx, baseline, bytes)
	}
	lk.Lock()
	if err := ctx.Err(); err != nil {
		lk.Unlock()
		return nil, err
	}
	if h := e.cached(key); h != nil {
		e.log.Info().Str("model", key.String()).Int("ctx", opts.ContextSize).Int("prev_ctx", h.opts.ContextSize).Msg("reloading with new load options")
		e.release(h, "reload")
	}
	h, err := e.load(key, opts)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	return h, nil
}

// load runs the native load. Callers hold loadMu and the key lock.
func (e *Engine) load(key cacheKey, opts LoadOptions) (*handle, error) {
	start := time.Now()
	e.log.Info().Str("model", key.String()).Str("path", key.path).Int("ctx", opts.ContextSize).Int("gpu_layers", opts.GPULayers).Bool("cpu_only", key.cpuOnly).Msg("loading model")
	m, err := e.rt.Load(key.path, opts)
	if err != nil {
		loadsTotal.WithLabelValues(modeLabel(key.cpuOnly), "error").Inc()
		e.log.Error().Err(err).Str("model", key.String()).Msg("model load failed")
		return nil, provider.ErrNative(filepath.Base(key.path), provider.StageLoad, err)
	}
	h := &handle{key: key, model: m, opts: opts, loadedAt: time.Now()}
	if fi, err := os.Stat(key.path); err == nil {
		h.size = fi.Size()
	}
	e.mu.Lock()
	e.handles[key] = h
	n := len(e.handles)
	e.mu.Unlock()
	loadedModels.Set(float64(n))
	loadsTotal.WithLabelValues(modeLabel(key.cpuOnly), "ok").Inc()
	e.log.Info().Str("model", key.String()).Dur("took", time.Since(start)).Msg("model loaded")
	e.pub.Publish(provider.Event{
		Name:     "model_loaded",
		Provider: Name,
		Model:    filepath.Base(key.path),
		Fields:   map[string]any{"cpu_only": key.cpuOnly, "context_size": opts.ContextSize, "gpu_layers": opts.GPULayers, "duration_ms": time.Since(start).Milliseconds()},
	})
	return h, nil
}

// release closes h and then drops it from the cache. The key lock must be held.
func (e *Engine) release(h *handle, reason string) {
	if err := h.model.Close(); err != nil {
		e.log.Warn().Err(err).Str("model", h.key.String()).Msg("error closing model")
	}
	e.mu.Lock()
	if e.handles[h.key] == h {
		delete(e.handles, h.key)
	}
	n := len(e.handles)
	e.mu.Unlock()
	loadedModels.Set(float64(n))
	e.log.Info().Str("model", h.key.String()).Str("reason", reason).Msg("model unloaded")
	e.pub.Publish(provider.Event{
		Name:     "model_unloaded",
		Provider: Name,
		Model:    filepath.Base(h.key.path),
		Fields:   map[string]any{"reason": reason, "cpu_only": h.key.cpuOnly},
	})
}

// evictOthers releases every handle of keep's acceleration mode except keep.
// It takes every victim's key lock first, so in-flight generations finish,
// and releases nothing if ctx ended during that wait. It returns the number
// released, their file sizes, and the available memory measured beforehand.
// loadMu must be held.
func (e *Engine) evictOthers(ctx context.Context, keep cacheKey) (n int, bytes int64, baseline uint64, err error) {
	var victims []cacheKey
	e.mu.RLock()
	for k := range e.handles {
		if k != keep && k.cpuOnly == keep.cpuOnly {
			victims = append(victims, k)
		}
	}
	e.mu.RUnlock()
	if len(victims) == 0 {
		return 0, 0, 0, nil
	}
	locks := make([]*sync.Mutex, len(victims))
	for i, k := range victims {
		locks[i] = e.keyLock(k)
		locks[i].Lock()
	}
	defer func() {
		for _, lk := range locks {
			lk.Unlock()
		}
	}()
	if err := ctx.Err(); err != nil {
		e.log.Debug().Str("loading", keep.String()).Msg("load abandoned before eviction")
		return 0, 0, 0, err
	}
	if e.memAvailable != nil {
		baseline, _ = e.memAvailable()
	}
	e.log.Info().Int("count", len(victims)).Str("loading", keep.String()).Msg("evicting cached models")
	for _, k := range victims {
		if h := e.cached(k); h != nil {
			e.release(h, "evicted")
			evictionsTotal.WithLabelValues(modeLabel(k.cpuOnly)).Inc()
			bytes += h.size
			n++
		}
	}
	return n, bytes, baseline, nil
}

// unloadWhere releases every handle matching pred and returns the count.
func (e *Engine) unloadWhere(pred func(cacheKey) bool, reason string) int {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	var keys []cacheKey
	e.mu.RLock()
	for k := range e.handles {
		if pred(k) {
			keys = append(keys, k)
		}
	}
	e.mu.RUnlock()
	n := 0
	for _, k := range keys {
		lk := e.keyLock(k)
		lk.Lock()
		if h := e.cached(k); h != nil {
			e.release(h, reason)
			n++
		}
		lk.Unlock()
	}
	if n > 0 {
		runtime.GC()
	}
	return n
}

// UnloadAll releases every resident model, waiting for in-flight generations
// on each key to finish first.
func (e *Engine) UnloadAll() int {
	n := e.unloadWhere(func(cacheKey) bool { return true }, "unload_all")
	if n > 0 {
		e.log.Info().Int("count", n).Msg("unloaded all models")
	}
	return n
}

// LoadedModels lists resident models; CPU-mode handles carry a " (cpu)" suffix.
func (e *Engine) LoadedModels() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.handles))
	for k := range e.handles {
		out = append(out, k.String())
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (e *Engine) isLoaded(path string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for k := range e.handles {
		if k.path == path {
			return true
		}
	}
	return false
}
