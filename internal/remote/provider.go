// Package remote talks to an already running llama-server. The server is
// not owned: liveness is checked, never managed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fleetllm/internal/modeldir"
	"fleetllm/internal/prompt"
	"fleetllm/internal/provider"
	"fleetllm/internal/sse"
)

// Name is the registry key of the remote provider.
const Name = "llama-server"

// DefaultPort is the conventional port of the always-on server.
const DefaultPort = 2026

const (
	connectTimeout   = 30 * time.Second
	readTimeout      = 300 * time.Second
	healthTimeout    = 2 * time.Second
	defaultNPredict  = 2048
	defaultTemp      = 0.7
	imageIDBase      = 10
	loadedDescFormat = "loaded on port %d"
)

type Config struct {
	Enabled bool
	Host    string
	Port    int
	// AutoDialect picks the prompt dialect from the server's loaded model
	// instead of always using ChatML.
	AutoDialect bool

	Layout modeldir.Layout
	Client *http.Client
	Logger zerolog.Logger
}

// Provider is the remote llama-server backend.
type Provider struct {
	cfg     Config
	port    atomic.Int64
	client  *http.Client
	tracker *provider.Tracker
	log     zerolog.Logger
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Embedder = (*Provider)(nil)
)

func New(cfg Config) *Provider {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
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
	p := &Provider{
		cfg:     cfg,
		client:  client,
		tracker: provider.NewTracker(),
		log:     cfg.Logger.With().Str("provider", Name).Logger(),
	}
	p.port.Store(int64(cfg.Port))
	return p
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.NewCapabilities(
		provider.CapStreaming,
		provider.CapBlocking,
		provider.CapVision,
		provider.CapListModels,
		provider.CapModelDetails,
		provider.CapEmbeddings,
	)
}

// IsAvailable reflects configuration only; the server need not be up.
// Use IsRunning for liveness.
func (p *Provider) IsAvailable() bool { return p.cfg.Enabled }

// Port returns the server port.
func (p *Provider) Port() int { return int(p.port.Load()) }

// SetPort points the provider at a different server port.
func (p *Provider) SetPort(port int) {
	p.port.Store(int64(port))
	p.log.Info().Int("port", port).Msg("server port changed")
}

func (p *Provider) baseURL() string {
	return "http://" + net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.Port()))
}

// IsRunning checks the health endpoint.
func (p *Provider) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Msg("server not running")
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type props struct {
	Model     string `json:"model"`
	ModelPath string `json:"model_path"`
}

// loadedModel returns the file name the server reports, or "".
func (p *Provider) loadedModel(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL()+"/props", nil)
	if err != nil {
		return ""
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Msg("props unavailable")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var pr props
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return ""
	}
	switch {
	case pr.Model != "":
		return path.Base(strings.ReplaceAll(pr.Model, "\\", "/"))
	case pr.ModelPath != "":
		return path.Base(strings.ReplaceAll(pr.ModelPath, "\\", "/"))
	}
	return ""
}

// ListModels scans the models directory and marks the file the server has loaded.
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelDescriptor, error) {
	entries, err := p.cfg.Layout.Scan()
	if err != nil {
		return nil, err
	}
	loaded := p.loadedModel(ctx)
	out := make([]provider.ModelDescriptor, 0, len(entries))
	for _, e := range entries {
		d := e.Descriptor(Name)
		if loaded != "" && e.Name == loaded {
			d.Loaded = true
			d.Description = fmt.Sprintf(loadedDescFormat, p.Port())
		}
		out = append(out, d)
	}
	return out, nil
}

type imageData struct {
	Data string `json:"data"`
	ID   int    `json:"id"`
}

type completionRequest struct {
	Prompt           string      `json:"prompt"`
	NPredict         int         `json:"n_predict"`
	Stream           bool        `json:"stream"`
	Temperature      float32     `json:"temperature"`
	TopP             *float32    `json:"top_p,omitempty"`
	TopK             *int        `json:"top_k,omitempty"`
	MinP             *float32    `json:"min_p,omitempty"`
	RepeatPenalty    *float32    `json:"repeat_penalty,omitempty"`
	PresencePenalty  *float32    `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float32    `json:"frequency_penalty,omitempty"`
	Mirostat         *int        `json:"mirostat,omitempty"`
	MirostatTau      *float32    `json:"mirostat_tau,omitempty"`
	MirostatEta      *float32    `json:"mirostat_eta,omitempty"`
	Seed             *int        `json:"seed,omitempty"`
	Stop             []string    `json:"stop,omitempty"`
	ImageData        []imageData `json:"image_data,omitempty"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

func (p *Provider) newRequest(ctx context.Context, req provider.ChatRequest, images []string, stream bool) completionRequest {
	d := prompt.ChatML
	if p.cfg.AutoDialect {
		if m := p.loadedModel(ctx); m != "" {
			d = prompt.DetectDialect(m)
		}
	}
	user := req.Prompt
	var imgs []imageData
	if len(images) > 0 {
		refs := make([]string, len(images))
		for i, img := range images {
			id := imageIDBase + i
			imgs = append(imgs, imageData{Data: img, ID: id})
			refs[i] = fmt.Sprintf("[img-%d]", id)
		}
		user = strings.Join(refs, " ") + "\n" + user
	}
	pp := req.Params
	cr := completionRequest{
		Prompt:           prompt.BuildDialect(d, req.SystemPrompt, user),
		NPredict:         defaultNPredict,
		Stream:           stream,
		Temperature:      defaultTemp,
		TopP:             pp.TopP,
		TopK:             pp.TopK,
		MinP:             pp.MinP,
		RepeatPenalty:    pp.RepeatPenalty,
		PresencePenalty:  pp.PresencePenalty,
		FrequencyPenalty: pp.FrequencyPenalty,
		Mirostat:         pp.Mirostat,
		MirostatTau:      pp.MirostatTau,
		MirostatEta:      pp.MirostatEta,
		Seed:             pp.Seed,
		Stop:             append(append([]string(nil), prompt.NativeStopStrings...), pp.Stop...),
		ImageData:        imgs,
	}
	if pp.MaxTokens != nil && *pp.MaxTokens > 0 {
		cr.NPredict = *pp.MaxTokens
	}
	if pp.Temperature != nil {
		cr.Temperature = *pp.Temperature
	}
	return cr
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

// ChatStreamWithVision runs a blocking vision call and emits the result as one chunk.
func (p *Provider) ChatStreamWithVision(ctx context.Context, req provider.ChatRequest, images []string, onChunk provider.ChunkFunc) error {
	if onChunk == nil {
		return provider.ErrInvalidArgument("nil chunk callback")
	}
	out, err := p.ChatWithVision(ctx, req, images)
	if err != nil || out == "" {
		return err
	}
	return onChunk(out)
}

func (p *Provider) complete(ctx context.Context, req provider.ChatRequest, images []string) (string, error) {
	ctx, id, done := p.tracker.Begin(ctx, req.RequestID)
	defer done()
	resp, err := p.post(ctx, "/completion", p.newRequest(ctx, req, images, false), req.Model)
	if err != nil {
		return "", p.cancelled(ctx, id, err)
	}
	defer resp.Body.Close()
	var out completionChunk
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", p.cancelled(ctx, id, provider.ErrTransport(Name, req.Model, provider.StageGenerate, fmt.Errorf("decode response: %w", err)))
	}
	return out.Content, nil
}

func (p *Provider) ChatStream(ctx context.Context, req provider.ChatRequest, onChunk provider.ChunkFunc) error {
	if onChunk == nil {
		return provider.ErrInvalidArgument("nil chunk callback")
	}
	ctx, id, done := p.tracker.Begin(ctx, req.RequestID)
	defer done()
	log := p.log.With().Str("request_id", id).Logger()
	resp, err := p.post(ctx, "/completion", p.newRequest(ctx, req, nil, true), req.Model)
	if err != nil {
		return p.cancelled(ctx, id, err)
	}
	defer resp.Body.Close()

	var cbErr error
	err = sse.Read(resp.Body, func(data string) error {
		var c completionChunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			log.Warn().Str("line", data).Msg("unknown stream line")
			return nil
		}
		if c.Content != "" {
			if err := onChunk(c.Content); err != nil {
				cbErr = err
				return err
			}
		}
		if c.Stop {
			return sse.ErrStop
		}
		return nil
	})
	switch {
	case cbErr != nil:
		return cbErr
	case err != nil:
		return p.cancelled(ctx, id, provider.ErrTransport(Name, req.Model, provider.StageGenerate, err))
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

func (p *Provider) post(ctx context.Context, endpoint string, body any, model string) (*http.Response, error) {
	if !p.cfg.Enabled {
		return nil, provider.ErrNotAvailable(Name)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL()+endpoint, bytes.NewReader(b))
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

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embeddings calls /v1/embeddings on the running server; model is informational.
func (p *Provider) Embeddings(ctx context.Context, model string, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, provider.ErrInvalidArgument("empty input")
	}
	resp, err := p.post(ctx, "/v1/embeddings", map[string]any{"input": input, "model": model}, model)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.ErrTransport(Name, model, provider.StageGenerate, fmt.Errorf("decode embeddings: %w", err))
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

func (p *Provider) PullModel(context.Context, string, provider.ProgressFunc) error {
	return provider.ErrUnsupported(Name, provider.CapPullModel)
}

func (p *Provider) DeleteModel(context.Context, string) (bool, error) {
	return false, provider.ErrUnsupported(Name, provider.CapDeleteModel)
}

func (p *Provider) ModelDetails(ctx context.Context, name string) (provider.ModelDetails, error) {
	d := provider.ModelDetails{
		"name":     name,
		"provider": Name,
		"port":     p.Port(),
		"running":  p.IsRunning(ctx),
	}
	if f, ok := p.cfg.Layout.Find(name); ok {
		d["path"] = f
		if fi, err := os.Stat(f); err == nil {
			d["size"] = fi.Size()
		}
		d["architecture"] = modeldir.Architecture(f)
		d["quantization"] = modeldir.Quantization(f)
	}
	if loaded := p.loadedModel(ctx); loaded != "" {
		d["loaded_model"] = loaded
		d["loaded"] = loaded == path.Base(name)
	}
	return d, nil
}

func (p *Provider) CancelRequest(requestID string) bool { return p.tracker.Cancel(requestID) }
