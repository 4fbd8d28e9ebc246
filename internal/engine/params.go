package engine

import (
	"context"
	"strings"

	"fleetllm/internal/prompt"
	"fleetllm/internal/provider"
)

// Defaults are the engine-wide values used when neither the request nor the
// saved model configuration sets a parameter.
type Defaults struct {
	ContextSize   int
	GPULayers     int
	Threads       int
	BatchSize     int
	Temperature   float32
	TopP          float32
	TopK          int
	RepeatPenalty float32
	MaxTokens     int
}

// DefaultDefaults returns the built-in engine defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		ContextSize:   4096,
		GPULayers:     999,
		Temperature:   0.7,
		TopP:          0.9,
		TopK:          40,
		RepeatPenalty: 1.1,
		MaxTokens:     2048,
	}
}

// ModelConfig is a saved per-model configuration. Name is the logical model
// name callers request; BaseModel, when set, names the file to load.
// Nil fields are unset.
type ModelConfig struct {
	Name             string   `json:"name"`
	BaseModel        string   `json:"base_model,omitempty"`
	Description      string   `json:"description,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	ContextSize      *int     `json:"context_size,omitempty"`
	GPULayers        *int     `json:"gpu_layers,omitempty"`
	Threads          *int     `json:"threads,omitempty"`
	BatchSize        *int     `json:"batch_size,omitempty"`
	RopeFreqBase     *float32 `json:"rope_freq_base,omitempty"`
	RopeFreqScale    *float32 `json:"rope_freq_scale,omitempty"`
	Temperature      *float32 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float32 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	RepeatPenalty    *float32 `json:"repeat_penalty,omitempty"`
	TFSZ             *float32 `json:"tfs_z,omitempty"`
	TypicalP         *float32 `json:"typical_p,omitempty"`
	Mirostat         *int     `json:"mirostat,omitempty"`
	MirostatTau      *float32 `json:"mirostat_tau,omitempty"`
	MirostatEta      *float32 `json:"mirostat_eta,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	MinP             *float32 `json:"min_p,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	// StopSequences is comma- or newline-separated.
	StopSequences string `json:"stop_sequences,omitempty"`
}

// StopList splits StopSequences into trimmed, non-empty entries.
func (c ModelConfig) StopList() []string {
	var out []string
	for _, s := range strings.FieldsFunc(c.StopSequences, func(r rune) bool { return r == ',' || r == '\n' }) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ConfigStore looks up saved model configurations.
type ConfigStore interface {
	// ModelConfig returns the saved config for name; ok is false when none exists.
	ModelConfig(ctx context.Context, name string) (cfg ModelConfig, ok bool, err error)
}

// ConfigWriter is a ConfigStore that can also save, list and remove configs.
type ConfigWriter interface {
	ConfigStore
	SaveModelConfig(ctx context.Context, cfg ModelConfig) error
	ListModelConfigs(ctx context.Context) ([]ModelConfig, error)
	DeleteModelConfig(ctx context.Context, name string) (bool, error)
}

// settings is the fully resolved, immutable parameter set for one call.
type settings struct {
	Load     LoadOptions
	Generate GenerateOptions
	System   string
}

// resolveSettings applies request > saved config > defaults. The saved system
// prompt replaces the caller's when set. cpuOnly forces zero GPU layers.
func resolveSettings(req provider.ChatRequest, saved *ModelConfig, d Defaults, cpuOnly bool) settings {
	var c ModelConfig
	if saved != nil {
		c = *saved
	}
	p := req.Params
	s := settings{System: req.SystemPrompt}
	if c.SystemPrompt != "" {
		s.System = c.SystemPrompt
	}

	s.Load = LoadOptions{
		ContextSize:   pickInt(p.ContextSize, c.ContextSize, d.ContextSize),
		GPULayers:     pickInt(nil, c.GPULayers, d.GPULayers),
		Threads:       pickInt(nil, c.Threads, d.Threads),
		BatchSize:     pickInt(nil, c.BatchSize, d.BatchSize),
		RopeFreqBase:  pickFloat(nil, c.RopeFreqBase, 0),
		RopeFreqScale: pickFloat(nil, c.RopeFreqScale, 0),
	}
	if cpuOnly {
		s.Load.GPULayers = 0
	}

	g := GenerateOptions{
		Threads:          s.Load.Threads,
		Temperature:      pickFloat(p.Temperature, c.Temperature, d.Temperature),
		TopP:             pickFloat(p.TopP, c.TopP, d.TopP),
		TopK:             pickInt(p.TopK, c.TopK, d.TopK),
		RepeatPenalty:    pickFloat(p.RepeatPenalty, c.RepeatPenalty, d.RepeatPenalty),
		MaxTokens:        d.MaxTokens,
		TFSZ:             pickFloat(nil, c.TFSZ, 0),
		TypicalP:         pickFloat(nil, c.TypicalP, 0),
		MinP:             pickFloat(p.MinP, c.MinP, 0),
		Mirostat:         pickInt(p.Mirostat, c.Mirostat, 0),
		MirostatTau:      pickFloat(p.MirostatTau, c.MirostatTau, 0),
		MirostatEta:      pickFloat(p.MirostatEta, c.MirostatEta, 0),
		PresencePenalty:  pickFloat(p.PresencePenalty, c.PresencePenalty, 0),
		FrequencyPenalty: pickFloat(p.FrequencyPenalty, c.FrequencyPenalty, 0),
		Seed:             pickInt(p.Seed, c.Seed, 0),
	}
	// A non-positive request value means "unset" for max tokens.
	if p.MaxTokens != nil && *p.MaxTokens > 0 {
		g.MaxTokens = *p.MaxTokens
	} else if c.MaxTokens != nil && *c.MaxTokens > 0 {
		g.MaxTokens = *c.MaxTokens
	}
	if g.Seed < 0 {
		g.Seed = 0
	}
	g.Stop = append(g.Stop, prompt.NativeStopStrings...)
	g.Stop = appendUnique(g.Stop, c.StopList()...)
	g.Stop = appendUnique(g.Stop, p.Stop...)
	s.Generate = g
	return s
}

func pickInt(req, saved *int, def int) int {
	if req != nil {
		return *req
	}
	if saved != nil {
		return *saved
	}
	return def
}

func pickFloat(req, saved *float32, def float32) float32 {
	if req != nil {
		return *req
	}
	if saved != nil {
		return *saved
	}
	return def
}

func appendUnique(dst []string, add ...string) []string {
	for _, a := range add {
		dup := false
		for _, d := range dst {
			if d == a {
				dup = true
				break
			}
		}
		if !dup && a != "" {
			dst = append(dst, a)
		}
	}
	return dst
}
