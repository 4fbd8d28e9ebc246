package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetllm/internal/modeldir"
	"fleetllm/internal/provider"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

// createModelFile writes a placeholder model under root/sub.
func createModelFile(t *testing.T, root, sub, name string) string {
	t.Helper()
	dir := filepath.Join(root, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("GGUF"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

// fakeRuntime records loads and hands out scripted models.
type fakeRuntime struct {
	mu      sync.Mutex
	loads   []cacheKeyOpts
	models  []*fakeModel
	failErr error
	// tokens is the fragment script every model replays.
	tokens []string
	// delay is slept before each fragment.
	delay time.Duration
}

type cacheKeyOpts struct {
	path string
	opts LoadOptions
}

func (r *fakeRuntime) Name() string    { return "fake" }
func (r *fakeRuntime) Available() bool { return true }

func (r *fakeRuntime) Load(path string, opts LoadOptions) (Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return nil, r.failErr
	}
	m := &fakeModel{rt: r, path: path, opts: opts}
	r.loads = append(r.loads, cacheKeyOpts{path: path, opts: opts})
	r.models = append(r.models, m)
	return m, nil
}

func (r *fakeRuntime) loadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loads)
}

func (r *fakeRuntime) lastModel() *fakeModel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.models) == 0 {
		return nil
	}
	return r.models[len(r.models)-1]
}

type fakeModel struct {
	rt     *fakeRuntime
	path   string
	opts   LoadOptions
	closed atomic.Bool

	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32

	mu         sync.Mutex
	lastPrompt string
	lastGen    GenerateOptions
}

func (m *fakeModel) Generate(ctx context.Context, prompt string, opts GenerateOptions, onToken func(string) bool) error {
	if m.closed.Load() {
		return errors.New("generate on closed model")
	}
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	m.calls.Add(1)
	m.mu.Lock()
	m.lastPrompt, m.lastGen = prompt, opts
	m.mu.Unlock()
	for _, tok := range m.rt.tokens {
		if m.rt.delay > 0 {
			time.Sleep(m.rt.delay)
		}
		if !onToken(tok) {
			return nil
		}
	}
	return nil
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *fakeModel) prompt() (string, GenerateOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrompt, m.lastGen
}

func newTestEngine(t *testing.T, rt *fakeRuntime, mutate func(*Config)) (*Engine, *provider.MemoryPublisher) {
	t.Helper()
	l, err := modeldir.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	pub := provider.NewMemoryPublisher()
	cfg := Config{
		Layout:       l,
		Runtime:      rt,
		Publisher:    pub,
		Logger:       zerolog.Nop(),
		SettleStages: []time.Duration{time.Millisecond, time.Millisecond},
		MemAvailable: func() (uint64, error) { return 0, errors.New("no telemetry") },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, pub
}

// collect runs ChatStream and returns the delivered chunks.
func collect(t *testing.T, e *Engine, req provider.ChatRequest) ([]string, error) {
	t.Helper()
	var chunks []string
	err := e.ChatStream(testCtx(t), req, func(c string) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}
