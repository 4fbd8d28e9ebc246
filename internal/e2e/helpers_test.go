package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetllm/internal/engine"
	"fleetllm/internal/httpapi"
	"fleetllm/internal/managed"
	"fleetllm/internal/modeldir"
	"fleetllm/internal/provider"
	"fleetllm/internal/remote"
	"fleetllm/internal/store"
)

// createModelsDir creates a models root with placeholder files under custom/.
func createModelsDir(t *testing.T, names ...string) modeldir.Layout {
	t.Helper()
	l, err := modeldir.New(t.TempDir())
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if err := os.MkdirAll(l.Custom(), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(l.Custom(), n), []byte("GGUF"), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", n, err)
		}
	}
	return l
}

// echoRuntime stands in for the native binding: every model replays tokens.
type echoRuntime struct{ tokens []string }

func (echoRuntime) Name() string    { return "echo" }
func (echoRuntime) Available() bool { return true }
func (r echoRuntime) Load(path string, opts engine.LoadOptions) (engine.Model, error) {
	return echoModel{tokens: r.tokens}, nil
}

type echoModel struct{ tokens []string }

func (m echoModel) Generate(ctx context.Context, prompt string, opts engine.GenerateOptions, onToken func(string) bool) error {
	for _, tok := range m.tokens {
		if ctx.Err() != nil {
			return nil
		}
		if !onToken(tok) {
			return nil
		}
	}
	return nil
}

func (echoModel) Close() error { return nil }

// fakeLlamaServer imitates the llama.cpp server endpoints the remote provider uses.
type fakeLlamaServer struct {
	mu      sync.Mutex
	prompts []string
	loaded  string
}

func (f *fakeLlamaServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/props", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"model_path": "/srv/" + f.loaded})
	})
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.prompts = append(f.prompts, req.Prompt)
		f.mu.Unlock()
		if !req.Stream {
			_ = json.NewEncoder(w).Encode(map[string]any{"content": "remote answer", "stop": true})
			return
		}
		for _, c := range []string{"re", "mote"} {
			fmt.Fprintf(w, "data: {\"content\":%q,\"stop\":false}\n\n", c)
		}
		fmt.Fprint(w, "data: {\"content\":\"\",\"stop\":true}\n\n")
	})
	return mux
}

func (f *fakeLlamaServer) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

type stackOptions struct {
	engine     bool
	managedBin string
	remoteURL  string
	dbPath     string
}

type testStack struct {
	srv      *httptest.Server
	selector *provider.Selector
	store    *store.Store
	layout   modeldir.Layout
}

// newStack wires the same providers the server binary does and serves them
// through the HTTP API.
func newStack(t *testing.T, l modeldir.Layout, o stackOptions) *testStack {
	t.Helper()
	ctx := context.Background()
	dbPath := o.dbPath
	if dbPath == "" {
		dbPath = store.MemoryPath
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rt := engine.Runtime(engine.NativeRuntime())
	if o.engine {
		rt = echoRuntime{tokens: []string{"ok", " from", " engine"}}
	}
	eng, err := engine.New(engine.Config{
		Layout:       l,
		Runtime:      rt,
		Configs:      st,
		Logger:       zerolog.Nop(),
		SettleStages: []time.Duration{},
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	mp := managed.New(managed.Config{
		Enabled:        o.managedBin != "",
		Binary:         o.managedBin,
		Port:           0,
		StartupTimeout: 15 * time.Second,
		Layout:         l,
		Resolver:       eng,
		Logger:         zerolog.Nop(),
	})
	t.Cleanup(func() { mp.Close() })

	rcfg := remote.Config{Enabled: o.remoteURL != "", Layout: l, Logger: zerolog.Nop()}
	if o.remoteURL != "" {
		host, port := splitHostPort(t, o.remoteURL)
		rcfg.Host, rcfg.Port = host, port
	}
	rp := remote.New(rcfg)

	sel, err := provider.NewSelector(ctx, provider.SelectorConfig{
		Providers: []provider.Provider{eng, mp, rp},
		Settings:  st,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("selector: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(sel, httpapi.WithModelConfigs(eng)))
	t.Cleanup(srv.Close)
	return &testStack{srv: srv, selector: sel, store: st, layout: l}
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port in %q: %v", rawURL, err)
	}
	return u.Hostname(), port
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
