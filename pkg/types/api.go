package types

// Options carries optional generation parameters. Omitted fields fall back
// to the saved per-model configuration, then to engine defaults.
type Options struct {
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature *float32 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP *float32 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK *int `json:"top_k,omitempty" example:"40"`
	// example: 1.1
	RepeatPenalty *float32 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens *int `json:"max_tokens,omitempty" example:"128"`
	// Context window size. A change reloads the model.
	// example: 4096
	NumCtx *int `json:"num_ctx,omitempty" example:"4096"`
	// Optional stop sequences.
	// example: ["\n\n","END"]
	Stop             []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	Mirostat         *int     `json:"mirostat,omitempty"`
	MirostatTau      *float32 `json:"mirostat_tau,omitempty"`
	MirostatEta      *float32 `json:"mirostat_eta,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	MinP             *float32 `json:"min_p,omitempty"`
	// Random seed for reproducibility.
	// example: 42
	Seed *int `json:"seed,omitempty" example:"42"`
}

// ChatRequest is the payload of POST /chat and POST /chat/stream.
type ChatRequest struct {
	// Optional model name, file name, alias or absolute path. If empty, the
	// server default is used.
	// example: llama3.2:1b
	Model string `json:"model,omitempty" example:"llama3.2:1b"`
	// Required prompt text.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// example: You are a helpful assistant.
	SystemPrompt string `json:"system_prompt,omitempty" example:"You are a helpful assistant."`
	// Optional id used with POST /requests/{id}/cancel. Generated when empty.
	// example: req-1
	RequestID string `json:"request_id,omitempty" example:"req-1"`
	// Base64 encoded images for vision models.
	Images []string `json:"images,omitempty"`
	// Confine generation to the CPU.
	CPUOnly bool     `json:"cpu_only,omitempty"`
	Options *Options `json:"options,omitempty"`
}

// ChatResponse is returned by POST /chat.
type ChatResponse struct {
	// example: Llama-3.2-1B-Instruct-Q4_K_M.gguf
	Model string `json:"model"`
	// example: inprocess
	Provider  string `json:"provider"`
	RequestID string `json:"request_id"`
	Content   string `json:"content"`
	// Rough token count of the content (bytes / 4).
	// example: 12
	EstimatedTokens int `json:"estimated_tokens" example:"12"`
}

// StreamChunk is one NDJSON line of POST /chat/stream. The last line has
// Done set; a failed stream ends with Error set.
type StreamChunk struct {
	RequestID string `json:"request_id"`
	Content   string `json:"content,omitempty"`
	Done      bool   `json:"done,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProviderStatus describes one registered provider.
type ProviderStatus struct {
	// example: inprocess
	Name         string   `json:"name" example:"inprocess"`
	Available    bool     `json:"available"`
	Active       bool     `json:"active"`
	Capabilities []string `json:"capabilities"`
}

// ProvidersResponse is returned by GET /providers.
type ProvidersResponse struct {
	// example: inprocess
	Active    string           `json:"active" example:"inprocess"`
	Providers []ProviderStatus `json:"providers"`
}

// SwitchRequest is the payload of POST /providers/switch.
type SwitchRequest struct {
	// example: llamacpp
	Provider string `json:"provider" example:"llamacpp"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// Provider whose models are listed, or "all".
	Provider string  `json:"provider"`
	Models   []Model `json:"models"`
}

// PullRequest is the payload of POST /models/pull.
type PullRequest struct {
	// Catalog name, file name under the pull base URL, or http(s) URL.
	// example: Llama-3.2-1B-Instruct-Q4_K_M.gguf
	Name string `json:"name" example:"Llama-3.2-1B-Instruct-Q4_K_M.gguf"`
}

// PullProgress is one NDJSON line of POST /models/pull.
type PullProgress struct {
	// example: downloading
	Status    string `json:"status" example:"downloading"`
	Model     string `json:"model,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DeleteResponse is returned by DELETE /models/{name}.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// CancelResponse is returned by POST /requests/{id}/cancel.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// UnloadResponse is returned by POST /engine/unload.
type UnloadResponse struct {
	// Number of released model handles.
	// example: 1
	Unloaded int `json:"unloaded" example:"1"`
}

// EmbeddingsRequest is the payload of POST /embeddings.
type EmbeddingsRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

// EmbeddingsResponse is returned by POST /embeddings.
type EmbeddingsResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
