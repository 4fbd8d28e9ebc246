package provider

import "context"

// Provider is the contract every inference backend implements.
//
// Optional operations that a backend does not support fail with an
// UnsupportedCapability error (see ErrUnsupported) rather than silently
// doing nothing.
type Provider interface {
	// Name is the registry key, e.g. "inprocess".
	Name() string
	// Capabilities is fixed at construction.
	Capabilities() Capabilities
	// IsAvailable is a cheap check (files, binary, flags). It is not a liveness guarantee.
	IsAvailable() bool

	// Chat blocks until generation completes and returns the full text.
	Chat(ctx context.Context, req ChatRequest) (string, error)
	// ChatStream blocks on the calling goroutine, delivering ordered chunks to
	// onChunk. It returns nil when generation stops naturally or is cancelled.
	ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) error
	ChatWithVision(ctx context.Context, req ChatRequest, images []string) (string, error)
	ChatStreamWithVision(ctx context.Context, req ChatRequest, images []string, onChunk ChunkFunc) error

	// ListModels never fails for an empty result, only for I/O failure.
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
	PullModel(ctx context.Context, name string, progress ProgressFunc) error
	DeleteModel(ctx context.Context, name string) (bool, error)
	ModelDetails(ctx context.Context, name string) (ModelDetails, error)

	// CancelRequest is idempotent and reports whether an in-flight request was found and stopped.
	CancelRequest(requestID string) bool
}

// Embedder is implemented by providers advertising CapEmbeddings.
type Embedder interface {
	Embeddings(ctx context.Context, model string, input []string) ([][]float32, error)
}

// Unloader is implemented by providers that keep models resident.
type Unloader interface {
	UnloadAll() int
	LoadedModels() []string
}

// EstimateTokens approximates a token count as one token per four bytes.
func EstimateTokens(text string) int { return len(text) / 4 }
