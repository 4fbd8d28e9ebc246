// Package managed runs a llama-server child process and talks to it over
// its OpenAI-compatible HTTP API. At most one child runs at a time; a
// request for a different model or context size restarts it.
package managed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"fleetllm/internal/common/fsutil"
	"fleetllm/internal/engine"
	"fleetllm/internal/modeldir"
	"fleetllm/internal/provider"
	"fleetllm/internal/sse"
)

// Name is the registry key of the managed provider.
const Name = "llamacpp"

// DefaultBinary is looked up on PATH when Config.Binary is empty.
const DefaultBinary = "llama-server"

const (
	connectTimeout        = 60 * time.Second
	readTimeout           = 300 * time.Second
	defaultStartupTimeout = 300 * time.Second
)

// Resolver maps a requested model name to a file.
type Resolver interface {
	Resolve(name string) engine.Resolution
}

type Config struct {
	Enabled bool
	Binary  string
	Host    string
	// Port is the listen port for the child; 0 picks a free port per spawn.
	Port           int
	ContextSize    int
	GPULayers      int
	Threads        int
	StartupTimeout time.Duration

	Layout   modeldir.Layout
	Resolver Resolver

	Client    *http.Client
	Publisher provider.EventPublisher
	Logger    zerolog.Logger
}

// Provider is the managed llama-server backend.
type Provider struct {
	cfg     Config
	bin     string
	client  *http.Client
	sup     *supervisor
	tracker *provider.Tracker
	log     zerolog.Logger
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Embedder = (*Provider)(nil)
)

// New builds the provider. It never fails on a missing binary; IsAvailable
// reports that instead.
func New(cfg Config) *Provider {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = engine.DefaultDefaults().ContextSize
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = defaultStartupTimeout
	}
	client := cfg.Client
	if client == nil {
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: readTimeout,
		}
		client = &http.Client{Transport: tr, Timeout: 0}
	}
	log := cfg.Logger.With().Str("provider", Name).Logger()
	bin := lookBinary(cfg.Binary)
	return &Provider{
		cfg:     cfg,
		bin:     bin,
		client:  client,
		tracker: provider.NewTracker(),
		log:     log,
		sup: &supervisor{
			bin:     bin,
			timeout: cfg.StartupTimeout,
			client:  client,
			log:     log,
			pub:     provider.OrNop(cfg.Publisher),
		},
	}
}

func lookBinary(bin string) string {
	if bin == "" {
		bin = DefaultBinary
	}
	if strings.ContainsRune(bin, os.PathSeparator) {
		if p, err := fsutil.ExpandHome(bin); err == nil {
			return p
		}
		return bin
	}
	if p, err := exec.LookPath(bin); err == nil {
		return p
	}
	return ""
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.NewCapabilities(
		provider.CapStreaming,
		provider.CapBlocking,
		provider.CapVision,
		provider.CapListModels,
		provider.CapDeleteModel,
		provider.CapModelDetails,
		provider.CapEmbeddings,
		provider.CapDynamicContextSize,
	)
}

// IsAvailable requires the enabled flag, an executable binary and at least
// one model file.
func (p *Provider) IsAvailable() bool {
	return p.cfg.Enabled && p.bin != "" && fsutil.IsFile(p.bin) && p.cfg.Layout.HasModels()
}

// Status reports the child process state.
func (p *Provider) Status() Status { return p.sup.Status() }

func (p *Provider) resolve(name string) (string, error) {
	var path string
	if p.cfg.Resolver != nil {
		path = p.cfg.Resolver.Resolve(name).Path
	} else if f, ok := p.cfg.Layout.Find(name); ok {
		path = f
	} else if f, ok := p.cfg.Layout.Find(name + modeldir.Ext); ok {
		path = f
	}
	if path == "" || !fsutil.IsFile(path) {
		return "", provider.ErrModelNotFound(name)
	}
	return path, nil
}

// ensureRunning makes sure the child serves name with the request's context
// size and returns its base URL.
func (p *Provider) ensureRunning(ctx context.Context, req provider.ChatRequest) (string, string, error) {
	if !p.IsAvailable() {
		return "", "", provider.ErrNotAvailable(Name)
	}
	path, err := p.resolve(req.Model)
	if err != nil {
		return "", "", err
	}
	o := spawnOptions{
		Model:       path,
		Projector:   modeldir.FindProjector(path),
		Host:        p.cfg.Host,
		Port:        p.cfg.Port,
		GPULayers:   p.cfg.GPULayers,
		ContextSize: p.cfg.ContextSize,
		Threads:     p.cfg.Threads,
	}
	if req.Params.ContextSize != nil && *req.Params.ContextSize > 0 {
		o.ContextSize = *req.Params.ContextSize
	}
	if req.CPUOnly {
		o.GPULayers = 0
	}
	base, err := p.sup.ensure(ctx, o)
	return base, filepath.Base(path), err
}

func (p *Provider) Chat(ctx context.Context, req provider.ChatRequest) (string, error) {
	return p.complete(ctx, req, nil)
}

func (p *Provider) ChatWithVision(ctx context.Context, req provider.ChatRequest, images []string) (string, error) {
	if len(images) == 0 {
		return "", provider.ErrInvalidArgument("no images")
	}
	return p.complete(ctx, req, images)
}

func (p *Provider) ChatStream(ctx context.Context, req provider.ChatRequest, onChunk provider.ChunkFunc) error {
	return p.stream(ctx, req, nil, onChunk)
}

func (p *Provider) ChatStreamWithVision(ctx context.Context, req provider.ChatRequest, images []string, onChunk provider.ChunkFunc) error {
	if len(images) == 0 {
		return provider.ErrInvalidArgument("no images")
	}
	return p.stream(ctx, req, images, onChunk)
}

func (p *Provider) complete(ctx context.Context, req provider.ChatRequest, images []string) (string, error) {
	ctx, id, done := p.tracker.Begin(ctx, req.RequestID)
	defer done()
	base, model, err := p.ensureRunning(ctx, req)
	if err != nil {
		return "", p.cancelled(ctx, id, err)
	}
	resp, err := p.post(ctx, base+"/v1/chat/completions", newChatRequest(req, images, false), model)
	if err != nil {
		return "", p.cancelled(ctx, id, err)
	}
	defer resp.Body.Close()
	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", p.cancelled(ctx, id, provider.ErrTransport(Name, model, provider.StageGenerate, fmt.Errorf("decode response: %w", err)))
	}
	return out.text(), nil
}

func (p *Provider) stream(ctx context.Context, req provider.ChatRequest, images []string, onChunk provider.ChunkFunc) error {
	if onChunk == nil {
		return provider.ErrInvalidArgument("nil chunk callback")
	}
	ctx, id, done := p.tracker.Begin(ctx, req.RequestID)
	defer done()
	base, model, err := p.ensureRunning(ctx, req)
	if err != nil {
		return p.cancelled(ctx, id, err)
	}
	log := p.log.With().Str("request_id", id).Str("model", model).Logger()
	resp, err := p.post(ctx, base+"/v1/chat/completions", newChatRequest(req, images, true), model)
	if err != nil {
		return p.cancelled(ctx, id, err)
	}
	defer resp.Body.Close()

	var cbErr error
	err = sse.Read(resp.Body, func(data string) error {
		var ev chatCompletionResponse
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			log.Warn().Str("line", data).Msg("unknown stream line")
			return nil
		}
		if t := ev.text(); t != "" {
			if err := onChunk(t); err != nil {
				cbErr = err
				return err
			}
		}
		return nil
	})
	switch {
	case cbErr != nil:
		return cbErr
	case err != nil:
		return p.cancelled(ctx, id, provider.ErrTransport(Name, model, provider.StageGenerate, err))
	}
	return nil
}

// cancelled maps errors caused by CancelRequest to nil and errors caused by
// the caller's context to ctx.Err().
func (p *Provider) cancelled(ctx context.Context, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case !p.tracker.Active(id):
		p.log.Info().Str("request_id", id).Msg("request cancelled")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

func (p *Provider) post(ctx context.Context, url string, body any, model string) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.ErrTransport(Name, model, provider.StageRequest, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, provider.ErrTransport(Name, model, provider.StageRequest, fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

// Embeddings starts the child for model if needed and calls /v1/embeddings.
func (p *Provider) Embeddings(ctx context.Context, model string, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, provider.ErrInvalidArgument("empty input")
	}
	base, file, err := p.ensureRunning(ctx, provider.ChatRequest{Model: model})
	if err != nil {
		return nil, err
	}
	resp, err := p.post(ctx, base+"/v1/embeddings", embeddingsRequest{Model: file, Input: input}, file)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.ErrTransport(Name, file, provider.StageGenerate, fmt.Errorf("decode embeddings: %w", err))
	}
	vecs := make([][]float32, len(input))
	for i, d := range out.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vecs) {
			idx = i
		}
		if idx < len(vecs) {
			vecs[idx] = d.Embedding
		}
	}
	return vecs, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelDescriptor, error) {
	entries, err := p.cfg.Layout.Scan()
	if err != nil {
		return nil, err
	}
	var serving string
	if c := p.sup.serving(); c != nil {
		serving = c.want.Model
	}
	out := make([]provider.ModelDescriptor, 0, len(entries))
	for _, e := range entries {
		d := e.Descriptor(Name)
		d.Loaded = e.Path == serving
		out = append(out, d)
	}
	return out, nil
}

func (p *Provider) PullModel(context.Context, string, provider.ProgressFunc) error {
	return provider.ErrUnsupported(Name, provider.CapPullModel)
}

// DeleteModel stops the child when it serves the file, then removes it.
func (p *Provider) DeleteModel(ctx context.Context, name string) (bool, error) {
	path, ok := p.cfg.Layout.Find(name)
	if !ok {
		if path, ok = p.cfg.Layout.Find(name + modeldir.Ext); !ok {
			return false, nil
		}
	}
	if c := p.sup.cur.Load(); c != nil && c.want.Model == path {
		p.sup.stop("deleted")
	}
	rel, err := filepath.Rel(p.cfg.Layout.Root, path)
	if err != nil {
		return false, err
	}
	_, ok, err = p.cfg.Layout.Delete(filepath.ToSlash(rel))
	return ok, err
}

func (p *Provider) ModelDetails(ctx context.Context, name string) (provider.ModelDetails, error) {
	path, err := p.resolve(name)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	file := filepath.Base(path)
	proj := modeldir.FindProjector(path)
	d := provider.ModelDetails{
		"name":         name,
		"file":         file,
		"path":         path,
		"size":         fi.Size(),
		"size_human":   humanize.IBytes(uint64(fi.Size())),
		"modified_at":  fi.ModTime(),
		"format":       "GGUF",
		"provider":     Name,
		"architecture": modeldir.Architecture(file),
		"quantization": modeldir.Quantization(file),
		"vision":       proj != "",
		"status":       p.Status().String(),
	}
	if proj != "" {
		d["projector"] = filepath.Base(proj)
	}
	if c := p.sup.serving(); c != nil && c.want.Model == path {
		d["running"] = true
		d["port"] = c.port
		d["context_size"] = c.want.ContextSize
	}
	return d, nil
}

func (p *Provider) CancelRequest(requestID string) bool { return p.tracker.Cancel(requestID) }

// ActiveRequests returns the ids of in-flight requests.
func (p *Provider) ActiveRequests() []string { return p.tracker.IDs() }

// Close stops the child process.
func (p *Provider) Close() error {
	p.sup.stop("shutdown")
	return nil
}
