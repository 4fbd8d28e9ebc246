package managed

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetllm/internal/modeldir"
	"fleetllm/internal/provider"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// buildFakeServer builds the fake llama-server used for process tests and returns its path.
func buildFakeServer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := filepath.Join(t.TempDir(), "llama-server")
	cmd := exec.Command("go", "build", "-o", bin, "./testdata/fake_llama_server.go")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake server: %v: %s", err, out)
	}
	return bin
}

func createModelFile(t *testing.T, root, sub, name string) string {
	t.Helper()
	dir := filepath.Join(root, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("gguf"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func newTestProvider(t *testing.T, bin string, mutate func(*Config)) (*Provider, *provider.MemoryPublisher, modeldir.Layout) {
	t.Helper()
	l, err := modeldir.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	createModelFile(t, l.Root, "custom", "tiny-Q4_K_M.gguf")
	pub := provider.NewMemoryPublisher()
	cfg := Config{
		Enabled:        true,
		Binary:         bin,
		Host:           "127.0.0.1",
		StartupTimeout: 10 * time.Second,
		Layout:         l,
		Publisher:      pub,
		Logger:         zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p := New(cfg)
	t.Cleanup(func() { _ = p.Close() })
	return p, pub, l
}

func collect(t *testing.T, p *Provider, req provider.ChatRequest) string {
	t.Helper()
	var out string
	if err := p.ChatStream(testCtx(t), req, func(c string) error { out += c; return nil }); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	return out
}
