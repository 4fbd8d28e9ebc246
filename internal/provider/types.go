package provider

import "time"

// Params carries per-request generation parameters. A nil field means the
// caller did not specify it; lower layers (saved per-model config, engine
// defaults) fill it in.
type Params struct {
	Temperature      *float32
	TopP             *float32
	TopK             *int
	RepeatPenalty    *float32
	MaxTokens        *int
	ContextSize      *int
	Stop             []string
	Mirostat         *int
	MirostatTau      *float32
	MirostatEta      *float32
	PresencePenalty  *float32
	FrequencyPenalty *float32
	MinP             *float32
	Seed             *int
}

// Float returns a pointer to v, for filling Params literals.
func Float(v float32) *float32 { return &v }

// Int returns a pointer to v, for filling Params literals.
func Int(v int) *int { return &v }

// ChatRequest is a single-turn generation request.
type ChatRequest struct {
	Model        string
	Prompt       string
	SystemPrompt string
	// RequestID registers the call with the provider's tracker so it can be
	// cancelled. An empty id is replaced with a generated one.
	RequestID string
	Params    Params
	// CPUOnly confines generation to the general-purpose processor.
	CPUOnly bool
}

// ChunkFunc receives generated text in order. Returning an error stops the stream.
type ChunkFunc func(chunk string) error

// ModelDescriptor describes a discoverable model. It is rebuilt on every scan.
type ModelDescriptor struct {
	Name         string    `json:"name"`
	Provider     string    `json:"provider"`
	Path         string    `json:"path,omitempty"`
	Size         int64     `json:"size"`
	Digest       string    `json:"digest,omitempty"`
	ModifiedAt   time.Time `json:"modified_at"`
	Architecture string    `json:"architecture,omitempty"`
	Quantization string    `json:"quantization,omitempty"`
	Custom       bool      `json:"custom"`
	Description  string    `json:"description,omitempty"`
	Loaded       bool      `json:"loaded,omitempty"`
}

// ModelDetails is returned by ModelDetails; keys vary by provider.
type ModelDetails map[string]any

// PullProgress is reported while a model is being pulled.
type PullProgress struct {
	Status    string `json:"status"`
	Model     string `json:"model"`
	Completed int64  `json:"completed,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ProgressFunc receives pull progress updates.
type ProgressFunc func(PullProgress)
