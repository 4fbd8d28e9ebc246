package provider

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider is a configurable in-memory Provider used by selector tests.
type fakeProvider struct {
	name      string
	caps      Capabilities
	available atomic.Bool
	models    []ModelDescriptor
	cancelled []string
	knownReq  map[string]bool
}

func newFake(name string, available bool) *fakeProvider {
	f := &fakeProvider{name: name, caps: NewCapabilities(CapStreaming, CapBlocking), knownReq: map[string]bool{}}
	f.available.Store(available)
	return f
}

func (f *fakeProvider) Name() string               { return f.name }
func (f *fakeProvider) Capabilities() Capabilities { return f.caps }
func (f *fakeProvider) IsAvailable() bool          { return f.available.Load() }

func (f *fakeProvider) Chat(ctx context.Context, req ChatRequest) (string, error) {
	return f.name + ":" + req.Prompt, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) error {
	return onChunk(f.name)
}

func (f *fakeProvider) ChatWithVision(ctx context.Context, req ChatRequest, images []string) (string, error) {
	return "vision:" + f.name, nil
}

func (f *fakeProvider) ChatStreamWithVision(ctx context.Context, req ChatRequest, images []string, onChunk ChunkFunc) error {
	return onChunk("vision:" + f.name)
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	return f.models, nil
}

func (f *fakeProvider) PullModel(ctx context.Context, name string, progress ProgressFunc) error {
	return ErrUnsupported(f.name, CapPullModel)
}

func (f *fakeProvider) DeleteModel(ctx context.Context, name string) (bool, error) {
	return false, ErrUnsupported(f.name, CapDeleteModel)
}

func (f *fakeProvider) ModelDetails(ctx context.Context, name string) (ModelDetails, error) {
	return ModelDetails{"name": name, "provider": f.name}, nil
}

func (f *fakeProvider) CancelRequest(id string) bool {
	if f.knownReq[id] {
		delete(f.knownReq, id)
		f.cancelled = append(f.cancelled, id)
		return true
	}
	return false
}

// testCtx returns a context with a short timeout, canceled on test cleanup.
func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}
