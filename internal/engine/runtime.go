package engine

import "context"

// Runtime loads native models. Builds with the "llama" tag bind go-llama.cpp;
// other builds get a runtime whose Load always fails.
type Runtime interface {
	// Name identifies the binding in logs and details.
	Name() string
	// Available reports whether native inference was compiled in.
	Available() bool
	Load(path string, opts LoadOptions) (Model, error)
}

// Model is a loaded native handle. Generate is not safe for concurrent use;
// the engine serializes calls per cache key.
type Model interface {
	// Generate runs prediction on prompt, calling onToken per fragment until
	// it returns false, ctx is done, or generation completes.
	Generate(ctx context.Context, prompt string, opts GenerateOptions, onToken func(string) bool) error
	Close() error
}

// LoadOptions are fixed for the lifetime of a handle.
type LoadOptions struct {
	ContextSize   int
	GPULayers     int
	BatchSize     int
	Threads       int
	RopeFreqBase  float32
	RopeFreqScale float32
}

// GenerateOptions are resolved per request.
type GenerateOptions struct {
	MaxTokens        int
	Threads          int
	Temperature      float32
	TopP             float32
	TopK             int
	RepeatPenalty    float32
	TFSZ             float32
	TypicalP         float32
	MinP             float32
	Mirostat         int
	MirostatTau      float32
	MirostatEta      float32
	PresencePenalty  float32
	FrequencyPenalty float32
	Seed             int
	Stop             []string
}
