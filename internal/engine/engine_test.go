package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fleetllm/internal/modeldir"
	"fleetllm/internal/provider"
)

func TestNoConcurrentGenerationPerKey(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"a", "b", "c"}, delay: 2 * time.Millisecond}
	e, _ := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "library", "qwen2.5-0.5b-instruct-q8_0.gguf")
	if err := e.Refresh(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "qwen2.5-0.5b-instruct-q8_0.gguf", Prompt: "hi"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
	}
	if rt.loadCount() != 1 {
		t.Fatalf("expected a single load, got %d", rt.loadCount())
	}
	m := rt.lastModel()
	if m.calls.Load() != 8 || m.maxActive.Load() != 1 {
		t.Fatalf("calls=%d maxActive=%d", m.calls.Load(), m.maxActive.Load())
	}
}

func TestLoadEvictsOtherModelsOfSameMode(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"ok"}}
	e, pub := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "library", "a.gguf")
	createModelFile(t, e.layout.Root, "library", "b.gguf")
	_ = e.Refresh()
	ctx := testCtx(t)

	if _, err := e.Chat(ctx, provider.ChatRequest{Model: "a.gguf"}); err != nil {
		t.Fatal(err)
	}
	a := rt.lastModel()
	if _, err := e.Chat(ctx, provider.ChatRequest{Model: "a.gguf", CPUOnly: true}); err != nil {
		t.Fatal(err)
	}
	aCPU := rt.lastModel()
	if got := e.LoadedModels(); len(got) != 2 {
		t.Fatalf("expected accel and cpu variants, got %v", got)
	}
	if aCPU.opts.GPULayers != 0 {
		t.Fatalf("cpu-only load used %d gpu layers", aCPU.opts.GPULayers)
	}

	if _, err := e.Chat(ctx, provider.ChatRequest{Model: "b.gguf"}); err != nil {
		t.Fatal(err)
	}
	got := e.LoadedModels()
	if len(got) != 2 || got[0] != "a.gguf (cpu)" || got[1] != "b.gguf" {
		t.Fatalf("after loading b: %v", got)
	}
	if !a.closed.Load() || aCPU.closed.Load() {
		t.Fatalf("a closed=%v aCPU closed=%v", a.closed.Load(), aCPU.closed.Load())
	}
	var evicted int
	for _, ev := range pub.Named("model_unloaded") {
		if ev.Fields["reason"] == "evicted" {
			evicted++
		}
	}
	if evicted != 1 {
		t.Fatalf("expected one eviction event, got %d", evicted)
	}
}

func TestCachedModelIsReused(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"x"}}
	e, _ := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "custom", "m.gguf")
	_ = e.Refresh()
	for i := 0; i < 3; i++ {
		if _, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	if rt.loadCount() != 1 {
		t.Fatalf("loads=%d", rt.loadCount())
	}
	// a different context size reloads the same key
	if _, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "m", Params: provider.Params{ContextSize: provider.Int(8192)}}); err != nil {
		t.Fatal(err)
	}
	if rt.loadCount() != 2 || rt.lastModel().opts.ContextSize != 8192 {
		t.Fatalf("expected reload with ctx 8192, loads=%d", rt.loadCount())
	}
	if len(e.LoadedModels()) != 1 {
		t.Fatalf("loaded=%v", e.LoadedModels())
	}
}

func TestSplitStopMarkerEndsStream(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"Hello", " wor", "ld<|im_e", "nd|>", "leaked"}}
	e, pub := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "", "qwen.gguf")
	_ = e.Refresh()

	chunks, err := collect(t, e, provider.ChatRequest{Model: "qwen.gguf", Prompt: "hi", SystemPrompt: "be brief"})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	out := strings.Join(chunks, "")
	if out != "Hello world" {
		t.Fatalf("out=%q chunks=%q", out, chunks)
	}
	for _, c := range chunks {
		if strings.Contains(c, "<|") || strings.Contains(c, "leaked") {
			t.Fatalf("marker text delivered: %q", chunks)
		}
	}
	p, gen := rt.lastModel().prompt()
	if !strings.HasPrefix(p, "<|im_start|>system\nbe brief<|im_end|>") {
		t.Fatalf("prompt=%q", p)
	}
	if len(gen.Stop) < 3 || gen.Stop[0] != "<|im_end|>" {
		t.Fatalf("native stop strings not passed: %v", gen.Stop)
	}
	if len(pub.Named("model_fallback")) != 0 {
		t.Fatalf("unexpected fallback")
	}
}

func TestNaturalEndStripsResidualMarkers(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"done", "<|im_sta"}}
	e, _ := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "", "m.gguf")
	_ = e.Refresh()
	out, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "m.gguf"})
	if err != nil || out != "done" {
		t.Fatalf("out=%q err=%v", out, err)
	}
}

func TestCancelRequestMidStream(t *testing.T) {
	tokens := make([]string, 200)
	for i := range tokens {
		tokens[i] = "t"
	}
	rt := &fakeRuntime{tokens: tokens, delay: time.Millisecond}
	e, _ := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "", "m.gguf")
	_ = e.Refresh()

	first := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var afterCancel int
	cancelled := false
	done := make(chan error, 1)
	ctx := testCtx(t)
	go func() {
		done <- e.ChatStream(ctx, provider.ChatRequest{Model: "m.gguf", RequestID: "req-1"}, func(string) error {
			mu.Lock()
			if cancelled {
				afterCancel++
			}
			mu.Unlock()
			once.Do(func() { close(first) })
			return nil
		})
	}()
	<-first
	mu.Lock()
	cancelled = true
	mu.Unlock()
	if !e.CancelRequest("req-1") {
		t.Fatalf("first cancel should find the request")
	}
	if err := <-done; err != nil {
		t.Fatalf("cancelled stream returned %v", err)
	}
	// One chunk may already be in flight when Cancel runs.
	if afterCancel > 1 {
		t.Fatalf("%d chunks delivered after cancel", afterCancel)
	}
	if e.CancelRequest("req-1") {
		t.Fatalf("second cancel should report false")
	}
	if len(e.ActiveRequests()) != 0 {
		t.Fatalf("tracker not cleaned up: %v", e.ActiveRequests())
	}
}

func TestCancelledQueuedLoadKeepsWarmModel(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"a", "b", "c"}}
	e, pub := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "", "a.gguf")
	createModelFile(t, e.layout.Root, "", "b.gguf")
	_ = e.Refresh()
	ctx := testCtx(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	aDone := make(chan error, 1)
	go func() {
		aDone <- e.ChatStream(ctx, provider.ChatRequest{Model: "a.gguf"}, func(string) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		})
	}()
	<-started

	var bChunks int
	bDone := make(chan error, 1)
	go func() {
		bDone <- e.ChatStream(ctx, provider.ChatRequest{Model: "b.gguf", RequestID: "b"}, func(string) error {
			bChunks++
			return nil
		})
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !e.tracker.Active("b") {
		if time.Now().After(deadline) {
			t.Fatalf("request b never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if !e.CancelRequest("b") {
		t.Fatalf("cancel should find queued request b")
	}
	close(release)
	if err := <-aDone; err != nil {
		t.Fatalf("stream a: %v", err)
	}
	if err := <-bDone; err != nil {
		t.Fatalf("cancelled stream b returned %v", err)
	}
	if bChunks != 0 {
		t.Fatalf("cancelled request delivered %d chunks", bChunks)
	}
	if rt.loadCount() != 1 {
		t.Fatalf("cancelled request loaded a model: loads=%d", rt.loadCount())
	}
	if got := e.LoadedModels(); len(got) != 1 || got[0] != "a.gguf" {
		t.Fatalf("warm model evicted: %v", got)
	}
	for _, ev := range pub.Events() {
		if ev.Name == "model_unloaded" {
			t.Fatalf("unexpected unload event: %+v", ev)
		}
	}
}

func TestCancelledWhileQueuedOnSameModelSkipsGeneration(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"a", "b"}}
	e, _ := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "", "m.gguf")
	_ = e.Refresh()
	ctx := testCtx(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	first := make(chan error, 1)
	go func() {
		first <- e.ChatStream(ctx, provider.ChatRequest{Model: "m.gguf"}, func(string) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		})
	}()
	<-started

	queued := make(chan error, 1)
	go func() {
		queued <- e.ChatStream(ctx, provider.ChatRequest{Model: "m.gguf", RequestID: "q"}, func(string) error {
			t.Errorf("cancelled request received a chunk")
			return nil
		})
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !e.tracker.Active("q") {
		if time.Now().After(deadline) {
			t.Fatalf("request q never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if !e.CancelRequest("q") {
		t.Fatalf("cancel should find queued request q")
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first stream: %v", err)
	}
	if err := <-queued; err != nil {
		t.Fatalf("cancelled stream returned %v", err)
	}
	if calls := rt.lastModel().calls.Load(); calls != 1 {
		t.Fatalf("cancelled request reached the model: calls=%d", calls)
	}
}

func TestUnknownModelFallsBackToBuiltinDefault(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"hi"}}
	e, pub := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "custom", "Llama-3.2-1B-Instruct-Q4_K_M.gguf")
	_ = e.Refresh()

	res := e.Resolve("phi")
	want := filepath.Join(e.layout.Root, filepath.FromSlash(BuiltinDefault))
	if res.Path != want || !res.Fallback {
		t.Fatalf("Resolve(phi)=%+v want %s", res, want)
	}
	if _, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "phi"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if rt.lastModel().path != want {
		t.Fatalf("loaded %s", rt.lastModel().path)
	}
	evs := pub.Named("model_fallback")
	if len(evs) != 2 || evs[0].Fields["requested"] != "phi" {
		t.Fatalf("fallback not observable: %+v", evs)
	}
	d, err := e.ModelDetails(testCtx(t), "phi")
	if err != nil || d["fallback"] != true {
		t.Fatalf("details=%v err=%v", d, err)
	}
}

func TestEmptyDirResolvesToMissingBuiltin(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRuntime{}, nil)
	res := e.Resolve("phi")
	if res.Source != SourceBuiltin || !res.Fallback {
		t.Fatalf("res=%+v", res)
	}
	if e.IsAvailable() {
		t.Fatalf("engine without models should be unavailable")
	}
	_, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "phi"})
	if !provider.IsModelNotFound(err) {
		t.Fatalf("expected ModelNotFound, got %v", err)
	}
}

func TestLoadFailureIsNativeError(t *testing.T) {
	rt := &fakeRuntime{failErr: errors.New("unable to allocate buffer")}
	e, _ := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "", "m.gguf")
	_ = e.Refresh()
	_, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "m.gguf"})
	var ne *provider.NativeError
	if !errors.As(err, &ne) || ne.Stage != provider.StageLoad || ne.Model != "m.gguf" {
		t.Fatalf("expected native load error, got %v", err)
	}
	if len(e.LoadedModels()) != 0 {
		t.Fatalf("failed load cached")
	}
}

func TestCallbackErrorStopsGeneration(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"a", "b", "c"}}
	e, _ := newTestEngine(t, rt, nil)
	createModelFile(t, e.layout.Root, "", "m.gguf")
	_ = e.Refresh()
	boom := errors.New("client gone")
	n := 0
	err := e.ChatStream(testCtx(t), provider.ChatRequest{Model: "m.gguf"}, func(string) error {
		n++
		return boom
	})
	if !errors.Is(err, boom) || n != 1 {
		t.Fatalf("err=%v calls=%d", err, n)
	}
}

func TestSavedConfigAppliesBaseModelAndSystemPrompt(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"ok"}}
	store := mapConfigs{"coder": {Name: "coder", BaseModel: "mistral-7b-instruct-q4_k_m.gguf", SystemPrompt: "You write Go.", ContextSize: provider.Int(2048), Temperature: provider.Float(0.2)}}
	e, _ := newTestEngine(t, rt, func(c *Config) { c.Configs = store })
	createModelFile(t, e.layout.Root, "library", "mistral-7b-instruct-q4_k_m.gguf")
	_ = e.Refresh()

	if _, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "coder", SystemPrompt: "ignored", Prompt: "hi"}); err != nil {
		t.Fatal(err)
	}
	m := rt.lastModel()
	if filepath.Base(m.path) != "mistral-7b-instruct-q4_k_m.gguf" || m.opts.ContextSize != 2048 {
		t.Fatalf("loaded %s ctx=%d", m.path, m.opts.ContextSize)
	}
	p, gen := m.prompt()
	if p != "[INST] You write Go.\n\nhi [/INST]" || gen.Temperature != 0.2 {
		t.Fatalf("prompt=%q temp=%v", p, gen.Temperature)
	}
}

type mapConfigs map[string]ModelConfig

func (m mapConfigs) ModelConfig(_ context.Context, name string) (ModelConfig, bool, error) {
	c, ok := m[name]
	return c, ok, nil
}

func (m mapConfigs) SaveModelConfig(_ context.Context, c ModelConfig) error {
	m[c.Name] = c
	return nil
}

func (m mapConfigs) ListModelConfigs(context.Context) ([]ModelConfig, error) {
	out := make([]ModelConfig, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m mapConfigs) DeleteModelConfig(_ context.Context, name string) (bool, error) {
	_, ok := m[name]
	delete(m, name)
	return ok, nil
}

func TestModelConfigLifecycle(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"ok"}}
	store := mapConfigs{}
	e, pub := newTestEngine(t, rt, func(c *Config) { c.Configs = store })
	createModelFile(t, e.layout.Root, "custom", "qwen2.5-0.5b-instruct-q8_0.gguf")
	_ = e.Refresh()
	ctx := testCtx(t)

	if err := e.SaveModelConfig(ctx, ModelConfig{Name: "pirate", BaseModel: "missing.gguf"}); !provider.IsModelNotFound(err) {
		t.Fatalf("unknown base model: %v", err)
	}
	if err := e.SaveModelConfig(ctx, ModelConfig{Name: "pirate", BaseModel: "qwen2.5-0.5b-instruct-q8_0.gguf", TopP: provider.Float(1.5)}); !provider.IsInvalidArgument(err) {
		t.Fatalf("bad top_p: %v", err)
	}
	if err := e.SaveModelConfig(ctx, ModelConfig{Name: " "}); !provider.IsInvalidArgument(err) {
		t.Fatalf("empty name: %v", err)
	}
	if len(store) != 0 {
		t.Fatalf("rejected configs were stored: %v", store)
	}

	cfg := ModelConfig{Name: "pirate", BaseModel: "qwen2.5-0.5b-instruct-q8_0.gguf", Description: "talks like a pirate", SystemPrompt: "Arr.", Temperature: provider.Float(0.3)}
	if err := e.SaveModelConfig(ctx, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(pub.Named("model_config_saved")) != 1 {
		t.Fatalf("save not published")
	}
	models, err := e.ListModels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, m := range models {
		if m.Name == "pirate" {
			found = m.Custom && m.Description == "talks like a pirate" && filepath.Base(m.Path) == "qwen2.5-0.5b-instruct-q8_0.gguf"
		}
	}
	if len(models) != 2 || !found {
		t.Fatalf("configured model not listed: %+v", models)
	}

	if _, err := e.Chat(ctx, provider.ChatRequest{Model: "pirate", Prompt: "hi"}); err != nil {
		t.Fatal(err)
	}
	p, gen := rt.lastModel().prompt()
	if !strings.Contains(p, "Arr.") || gen.Temperature != 0.3 {
		t.Fatalf("saved config not applied: prompt=%q temp=%v", p, gen.Temperature)
	}

	if ok, err := e.DeleteModelConfig(ctx, "pirate"); !ok || err != nil {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, _ := e.DeleteModelConfig(ctx, "pirate"); ok {
		t.Fatalf("second delete should report false")
	}
	if _, ok, _ := e.ModelConfig(ctx, "pirate"); ok {
		t.Fatalf("config still present")
	}
}

func TestModelConfigWithoutWritableStore(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRuntime{}, nil)
	if err := e.SaveModelConfig(testCtx(t), ModelConfig{Name: "x"}); !errors.Is(err, errConfigsReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
	if _, ok, err := e.ModelConfig(testCtx(t), "x"); ok || err != nil {
		t.Fatalf("lookup without store: %v %v", ok, err)
	}
}

func TestPullAndDeleteReflectedInListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("GGUF-model-bytes"))
	}))
	defer srv.Close()

	rt := &fakeRuntime{tokens: []string{"ok"}}
	e, pub := newTestEngine(t, rt, func(c *Config) {
		c.Puller = modeldir.NewPuller(c.Layout, map[string]string{"gemma:2b": srv.URL + "/gemma-2b-instruct-q4_k_m.gguf"}, "", zerolog.Nop())
	})
	if !e.Capabilities().Has(provider.CapPullModel) {
		t.Fatalf("pull capability missing")
	}
	ctx := testCtx(t)
	if err := e.PullModel(ctx, "gemma:2b", nil); err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	models, err := e.ListModels(ctx)
	if err != nil || len(models) != 1 || models[0].Name != "gemma-2b-instruct-q4_k_m.gguf" || !models[0].Custom {
		t.Fatalf("after pull: %+v err=%v", models, err)
	}
	if res := e.Resolve("gemma:2b"); res.Source != SourceAlias {
		t.Fatalf("alias not refreshed after pull: %+v", res)
	}
	if _, err := e.Chat(ctx, provider.ChatRequest{Model: "gemma:2b"}); err != nil {
		t.Fatal(err)
	}
	if models, _ = e.ListModels(ctx); !models[0].Loaded {
		t.Fatalf("loaded flag missing")
	}
	loaded := rt.lastModel()

	ok, err := e.DeleteModel(ctx, "gemma-2b-instruct-q4_k_m.gguf")
	if err != nil || !ok {
		t.Fatalf("DeleteModel=%v %v", ok, err)
	}
	if !loaded.closed.Load() || len(e.LoadedModels()) != 0 {
		t.Fatalf("handle not released before delete")
	}
	if models, _ = e.ListModels(ctx); len(models) != 0 {
		t.Fatalf("after delete: %+v", models)
	}
	if ok, _ := e.DeleteModel(ctx, "gemma-2b-instruct-q4_k_m.gguf"); ok {
		t.Fatalf("second delete reported true")
	}
	if len(pub.Named("model_pulled")) != 1 || len(pub.Named("model_deleted")) != 1 {
		t.Fatalf("events=%+v", pub.Events())
	}
}

func TestUnsupportedOperations(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRuntime{}, func(c *Config) { c.ForceCPU = true })
	if err := e.PullModel(testCtx(t), "x", nil); !provider.IsUnsupported(err) {
		t.Fatalf("pull without puller: %v", err)
	}
	if _, err := e.ChatWithVision(testCtx(t), provider.ChatRequest{}, []string{"img"}); !provider.IsUnsupported(err) {
		t.Fatalf("vision: %v", err)
	}
	if e.Capabilities().Has(provider.CapGPUAcceleration) || e.Capabilities().Has(provider.CapVision) {
		t.Fatalf("caps=%v", e.Capabilities())
	}
}

func TestForceCPUAndClose(t *testing.T) {
	rt := &fakeRuntime{tokens: []string{"x"}}
	e, _ := newTestEngine(t, rt, func(c *Config) { c.ForceCPU = true })
	createModelFile(t, e.layout.Root, "", "m.gguf")
	_ = e.Refresh()
	if _, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "m.gguf"}); err != nil {
		t.Fatal(err)
	}
	if got := e.LoadedModels(); len(got) != 1 || got[0] != "m.gguf (cpu)" {
		t.Fatalf("loaded=%v", got)
	}
	m := rt.lastModel()
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if !m.closed.Load() || e.IsAvailable() {
		t.Fatalf("close did not unload")
	}
	if _, err := e.Chat(testCtx(t), provider.ChatRequest{Model: "m.gguf"}); !provider.IsNotAvailable(err) {
		t.Fatalf("chat after close: %v", err)
	}
}

func TestSettleEndsEarlyWhenMemoryRecovers(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRuntime{}, func(c *Config) {
		c.SettleStages = []time.Duration{2 * time.Second, 2 * time.Second}
		c.MemAvailable = func() (uint64, error) { return 10_000, nil }
	})
	start := time.Now()
	e.settle(testCtx(t), 1_000, 5_000)
	if time.Since(start) > time.Second {
		t.Fatalf("settle did not end early: %v", time.Since(start))
	}

	e.settleStages = []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	e.memAvailable = func() (uint64, error) { return 1_000, nil }
	start = time.Now()
	e.settle(testCtx(t), 1_000, 5_000)
	if el := time.Since(start); el < 25*time.Millisecond {
		t.Fatalf("settle returned after %v, want both stages", el)
	}
}
