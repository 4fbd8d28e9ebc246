package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetllm/internal/engine"
	"fleetllm/internal/provider"
	"fleetllm/pkg/types"
)

// Service defines the methods required by the HTTP API layer. It is
// satisfied by *provider.Selector.
type Service interface {
	ActiveName() string
	Providers() []provider.Provider
	Switch(ctx context.Context, name string) error
	AnyAvailable() bool

	ListModels(ctx context.Context) ([]provider.ModelDescriptor, error)
	AllModels(ctx context.Context) []provider.ModelDescriptor
	DefaultModelWithFallback(ctx context.Context, preferred string) string
	ModelDetails(ctx context.Context, name string) (provider.ModelDetails, error)
	PullModel(ctx context.Context, name string, progress provider.ProgressFunc) error
	DeleteModel(ctx context.Context, name string) (bool, error)

	Chat(ctx context.Context, req provider.ChatRequest) (string, error)
	ChatStream(ctx context.Context, req provider.ChatRequest, onChunk provider.ChunkFunc) error
	ChatWithVision(ctx context.Context, req provider.ChatRequest, images []string) (string, error)
	ChatStreamWithVision(ctx context.Context, req provider.ChatRequest, images []string, onChunk provider.ChunkFunc) error
	Embeddings(ctx context.Context, model string, input []string) ([][]float32, error)

	CancelRequest(requestID string) bool
	UnloadAll() int
}

var _ Service = (*provider.Selector)(nil)

// NewMux builds the HTTP router over svc.
func NewMux(svc Service, opts ...Option) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}
	for _, o := range opts {
		o(h)
	}

	r.Get("/providers", h.providers)
	r.Post("/providers/switch", h.switchProvider)

	r.Get("/models", h.models)
	r.Post("/models/pull", h.pull)
	r.Get("/models/*", h.modelDetails)
	r.Delete("/models/*", h.deleteModel)
	r.Post("/models/*", h.saveModelConfig)
	r.Put("/models/*", h.saveModelConfig)
	r.Get("/model-configs", h.listModelConfigs)

	r.With(inflight).Post("/chat", h.chat)
	r.With(inflight).Post("/chat/stream", h.chatStream)
	r.With(inflight).Post("/embeddings", h.embeddings)

	r.Post("/requests/{id}/cancel", h.cancel)
	r.Post("/engine/unload", h.unload)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.AnyAvailable() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no provider available"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

type handlers struct {
	svc     Service
	configs engine.ConfigWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Debug().Err(err).Msg("encode response")
	}
}

// decodeJSON enforces the content type and body limit. It writes the error
// response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// ndjson streams newline-delimited JSON, flushing after every line.
type ndjson struct {
	w     http.ResponseWriter
	enc   *json.Encoder
	flush func()
	wrote bool
}

func newNDJSON(w http.ResponseWriter, r *http.Request, rid string) *ndjson {
	out := io.Writer(w)
	if requestLogLevel(r) >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{rid: rid})
	}
	n := &ndjson{w: w, enc: json.NewEncoder(out), flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		n.flush = f.Flush
	}
	return n
}

func (n *ndjson) send(v any) error {
	if !n.wrote {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.w.Header().Set("Cache-Control", "no-cache")
		n.w.WriteHeader(http.StatusOK)
		n.wrote = true
	}
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	n.flush()
	return nil
}

func (h *handlers) providers(w http.ResponseWriter, r *http.Request) {
	active := h.svc.ActiveName()
	resp := types.ProvidersResponse{Active: active, Providers: []types.ProviderStatus{}}
	for _, p := range h.svc.Providers() {
		var caps []string
		for _, c := range p.Capabilities().List() {
			caps = append(caps, c.String())
		}
		resp.Providers = append(resp.Providers, types.ProviderStatus{
			Name:         p.Name(),
			Available:    p.IsAvailable(),
			Active:       p.Name() == active,
			Capabilities: caps,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) switchProvider(w http.ResponseWriter, r *http.Request) {
	var req types.SwitchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Provider) == "" {
		writeJSONError(w, http.StatusBadRequest, "provider is required")
		return
	}
	if err := h.svc.Switch(r.Context(), req.Provider); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	h.providers(w, r)
}

func toModel(d provider.ModelDescriptor) types.Model {
	return types.Model{
		Name:         d.Name,
		Provider:     d.Provider,
		Path:         d.Path,
		Size:         d.Size,
		SizeHuman:    humanize.IBytes(uint64(d.Size)),
		Digest:       d.Digest,
		ModifiedAt:   d.ModifiedAt,
		Architecture: d.Architecture,
		Quantization: d.Quantization,
		Custom:       d.Custom,
		Loaded:       d.Loaded,
		Description:  d.Description,
	}
}

func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	var (
		descs []provider.ModelDescriptor
		src   = h.svc.ActiveName()
	)
	if v := r.URL.Query().Get("all"); v == "1" || v == "true" {
		descs, src = h.svc.AllModels(r.Context()), "all"
	} else {
		var err error
		if descs, err = h.svc.ListModels(r.Context()); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
	}
	sort.SliceStable(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	resp := types.ModelsResponse{Provider: src, Models: make([]types.Model, 0, len(descs))}
	for _, d := range descs {
		resp.Models = append(resp.Models, toModel(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

func modelParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "*"))
}

func (h *handlers) modelDetails(w http.ResponseWriter, r *http.Request) {
	name := modelParam(r)
	if cfgName, ok := configParam(name); ok {
		h.getModelConfig(w, r, cfgName)
		return
	}
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "model name is required")
		return
	}
	d, err := h.svc.ModelDetails(r.Context(), name)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handlers) deleteModel(w http.ResponseWriter, r *http.Request) {
	name := modelParam(r)
	if cfgName, ok := configParam(name); ok {
		h.deleteModelConfig(w, r, cfgName)
		return
	}
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "model name is required")
		return
	}
	ok, err := h.svc.DeleteModel(r.Context(), name)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "model not found: "+name)
		return
	}
	writeJSON(w, http.StatusOK, types.DeleteResponse{Deleted: true})
}

func (h *handlers) pull(w http.ResponseWriter, r *http.Request) {
	var req types.PullRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	lg := newReqLog(r, "pull")
	lg.begin(req.Name)
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()

	out := newNDJSON(w, r, lg.rid)
	err := h.svc.PullModel(ctx, req.Name, func(p provider.PullProgress) {
		_ = out.send(types.PullProgress(p))
	})
	if err != nil {
		if ctx.Err() != nil {
			lg.end(499, ctx.Err())
			return
		}
		status := statusFor(err)
		lg.end(status, err)
		if !out.wrote {
			writeJSONError(w, status, err.Error())
			return
		}
		_ = out.send(types.PullProgress{Status: "error", Model: req.Name, Message: err.Error()})
		return
	}
	lg.end(http.StatusOK, nil)
}

func toParams(o *types.Options) provider.Params {
	if o == nil {
		return provider.Params{}
	}
	return provider.Params{
		Temperature:      o.Temperature,
		TopP:             o.TopP,
		TopK:             o.TopK,
		RepeatPenalty:    o.RepeatPenalty,
		MaxTokens:        o.MaxTokens,
		ContextSize:      o.NumCtx,
		Stop:             o.Stop,
		Mirostat:         o.Mirostat,
		MirostatTau:      o.MirostatTau,
		MirostatEta:      o.MirostatEta,
		PresencePenalty:  o.PresencePenalty,
		FrequencyPenalty: o.FrequencyPenalty,
		MinP:             o.MinP,
		Seed:             o.Seed,
	}
}

// chatRequest decodes and validates a chat body and resolves the model and
// request id.
func (h *handlers) chatRequest(w http.ResponseWriter, r *http.Request) (types.ChatRequest, provider.ChatRequest, bool) {
	var req types.ChatRequest
	if !decodeJSON(w, r, &req) {
		return req, provider.ChatRequest{}, false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return req, provider.ChatRequest{}, false
	}
	if req.Model == "" {
		req.Model = h.svc.DefaultModelWithFallback(r.Context(), defaultModel)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return req, provider.ChatRequest{
		Model:        req.Model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		RequestID:    req.RequestID,
		Params:       toParams(req.Options),
		CPUOnly:      req.CPUOnly,
	}, true
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	req, preq, ok := h.chatRequest(w, r)
	if !ok {
		return
	}
	lg := newReqLog(r, "chat")
	lg.begin(req.Model)
	ctx, cancel := chatContext(r.Context())
	defer cancel()

	active := h.svc.ActiveName()
	var (
		content string
		err     error
	)
	if len(req.Images) > 0 {
		content, err = h.svc.ChatWithVision(ctx, preq, req.Images)
	} else {
		content, err = h.svc.Chat(ctx, preq)
	}
	if err != nil {
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			lg.end(499, err)
			return
		}
		status := statusFor(err)
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		lg.end(status, err)
		writeJSONError(w, status, err.Error())
		return
	}
	lg.end(http.StatusOK, nil)
	writeJSON(w, http.StatusOK, types.ChatResponse{
		Model:           req.Model,
		Provider:        active,
		RequestID:       req.RequestID,
		Content:         content,
		EstimatedTokens: provider.EstimateTokens(content),
	})
}

func (h *handlers) chatStream(w http.ResponseWriter, r *http.Request) {
	req, preq, ok := h.chatRequest(w, r)
	if !ok {
		return
	}
	lg := newReqLog(r, "chat_stream")
	lg.begin(req.Model)
	ctx, cancel := chatContext(r.Context())
	defer cancel()

	chunks := chatChunksTotal.WithLabelValues(h.svc.ActiveName())
	out := newNDJSON(w, r, lg.rid)
	onChunk := func(c string) error {
		chunks.Inc()
		return out.send(types.StreamChunk{RequestID: req.RequestID, Content: c})
	}
	var err error
	if len(req.Images) > 0 {
		err = h.svc.ChatStreamWithVision(ctx, preq, req.Images, onChunk)
	} else {
		err = h.svc.ChatStream(ctx, preq, onChunk)
	}
	if err != nil {
		// If the client disconnected, there is nobody to tell.
		if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
			lg.end(499, err)
			return
		}
		status := statusFor(err)
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		lg.end(status, err)
		if !out.wrote {
			writeJSONError(w, status, err.Error())
			return
		}
		_ = out.send(types.StreamChunk{RequestID: req.RequestID, Done: true, Error: err.Error()})
		return
	}
	lg.end(http.StatusOK, nil)
	_ = out.send(types.StreamChunk{RequestID: req.RequestID, Done: true})
}

func (h *handlers) embeddings(w http.ResponseWriter, r *http.Request) {
	var req types.EmbeddingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Input) == 0 {
		writeJSONError(w, http.StatusBadRequest, "input is required")
		return
	}
	if req.Model == "" {
		req.Model = h.svc.DefaultModelWithFallback(r.Context(), defaultModel)
	}
	ctx, cancel := chatContext(r.Context())
	defer cancel()
	vecs, err := h.svc.Embeddings(ctx, req.Model, req.Input)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.EmbeddingsResponse{Embeddings: vecs})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok := h.svc.CancelRequest(id)
	zlog.Info().Str("request_id", id).Bool("cancelled", ok).Msg("cancel request")
	writeJSON(w, http.StatusOK, types.CancelResponse{Cancelled: ok})
}

func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	n := h.svc.UnloadAll()
	zlog.Info().Int("unloaded", n).Msg("unload models")
	writeJSON(w, http.StatusOK, types.UnloadResponse{Unloaded: n})
}
