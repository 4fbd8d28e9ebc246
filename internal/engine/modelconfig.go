package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"fleetllm/internal/common/fsutil"
	"fleetllm/internal/provider"
)

var errConfigsReadOnly = errors.New("model configs are read-only: no writable store configured")

func (e *Engine) configWriter() (ConfigWriter, error) {
	w, ok := e.configs.(ConfigWriter)
	if !ok {
		return nil, errConfigsReadOnly
	}
	return w, nil
}

// ModelConfig returns the saved configuration for name.
func (e *Engine) ModelConfig(ctx context.Context, name string) (ModelConfig, bool, error) {
	if e.configs == nil {
		return ModelConfig{}, false, nil
	}
	return e.configs.ModelConfig(ctx, strings.TrimSpace(name))
}

// ListModelConfigs returns every saved configuration.
func (e *Engine) ListModelConfigs(ctx context.Context) ([]ModelConfig, error) {
	w, err := e.configWriter()
	if err != nil {
		return nil, err
	}
	return w.ListModelConfigs(ctx)
}

// SaveModelConfig validates and stores cfg. The file it configures (BaseModel,
// or Name itself) must resolve without falling back to a default, so a saved
// config never silently points at another model.
func (e *Engine) SaveModelConfig(ctx context.Context, cfg ModelConfig) error {
	w, err := e.configWriter()
	if err != nil {
		return err
	}
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.BaseModel = strings.TrimSpace(cfg.BaseModel)
	if cfg.Name == "" {
		return provider.ErrInvalidArgument("model config name is required")
	}
	if err := validateModelConfig(cfg); err != nil {
		return err
	}
	target := cfg.BaseModel
	if target == "" {
		target = cfg.Name
	}
	res := e.resolver.Resolve(target)
	if res.Fallback || !fsutil.IsFile(res.Path) {
		return provider.ErrModelNotFound(target)
	}
	if err := w.SaveModelConfig(ctx, cfg); err != nil {
		return err
	}
	e.log.Info().Str("model", cfg.Name).Str("file", filepath.Base(res.Path)).Msg("model config saved")
	e.pub.Publish(provider.Event{Name: "model_config_saved", Provider: Name, Model: cfg.Name, Fields: map[string]any{"path": res.Path}})
	return nil
}

// DeleteModelConfig removes the saved configuration for name. Model files are
// never touched.
func (e *Engine) DeleteModelConfig(ctx context.Context, name string) (bool, error) {
	w, err := e.configWriter()
	if err != nil {
		return false, err
	}
	ok, err := w.DeleteModelConfig(ctx, strings.TrimSpace(name))
	if err != nil || !ok {
		return ok, err
	}
	e.pub.Publish(provider.Event{Name: "model_config_deleted", Provider: Name, Model: name})
	return true, nil
}

func validateModelConfig(c ModelConfig) error {
	switch {
	case c.Temperature != nil && *c.Temperature < 0:
		return provider.ErrInvalidArgument("temperature must be >= 0")
	case c.TopP != nil && (*c.TopP < 0 || *c.TopP > 1):
		return provider.ErrInvalidArgument("top_p must be within [0,1]")
	case c.TopK != nil && *c.TopK < 0:
		return provider.ErrInvalidArgument("top_k must be >= 0")
	case c.ContextSize != nil && *c.ContextSize < 0:
		return provider.ErrInvalidArgument("context_size must be >= 0")
	case c.GPULayers != nil && *c.GPULayers < 0:
		return provider.ErrInvalidArgument("gpu_layers must be >= 0")
	case c.MaxTokens != nil && *c.MaxTokens < 0:
		return provider.ErrInvalidArgument("max_tokens must be >= 0")
	case c.Mirostat != nil && (*c.Mirostat < 0 || *c.Mirostat > 2):
		return provider.ErrInvalidArgument("mirostat must be 0, 1 or 2")
	}
	return nil
}

// configuredModels returns descriptors for saved configs that name a base
// model, so named variants show up next to the files they load.
func (e *Engine) configuredModels(ctx context.Context, files []provider.ModelDescriptor) []provider.ModelDescriptor {
	w, ok := e.configs.(ConfigWriter)
	if !ok {
		return nil
	}
	cfgs, err := w.ListModelConfigs(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("list model configs failed")
		return nil
	}
	byPath := make(map[string]provider.ModelDescriptor, len(files))
	names := make(map[string]bool, len(files))
	for _, d := range files {
		byPath[d.Path] = d
		names[d.Name] = true
	}
	var out []provider.ModelDescriptor
	for _, c := range cfgs {
		if c.BaseModel == "" || names[c.Name] {
			continue
		}
		res := e.resolver.Resolve(c.BaseModel)
		base, ok := byPath[res.Path]
		if res.Fallback || !ok {
			continue
		}
		base.Name = c.Name
		base.Custom = true
		base.Description = c.Description
		out = append(out, base)
	}
	return out
}
