package httpapi

import (
	"net/http"
	"strings"

	"fleetllm/internal/engine"
	"fleetllm/pkg/types"
)

// Option configures optional parts of the mux.
type Option func(*handlers)

// WithModelConfigs enables the saved per-model configuration routes:
// GET/POST/PUT/DELETE /models/{name}/config and GET /model-configs.
func WithModelConfigs(c engine.ConfigWriter) Option {
	return func(h *handlers) { h.configs = c }
}

const configSuffix = "/config"

// modelConfigsResponse is returned by GET /model-configs.
type modelConfigsResponse struct {
	Configs []engine.ModelConfig `json:"configs"`
}

// configParam reports whether a /models/* path addresses a model's config and
// returns the model name.
func configParam(path string) (string, bool) {
	if !strings.HasSuffix(path, configSuffix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimSuffix(path, configSuffix)), true
}

func (h *handlers) configsEnabled(w http.ResponseWriter) bool {
	if h.configs == nil {
		writeJSONError(w, http.StatusNotImplemented, "model configs are not enabled")
		return false
	}
	return true
}

func (h *handlers) listModelConfigs(w http.ResponseWriter, r *http.Request) {
	if !h.configsEnabled(w) {
		return
	}
	cfgs, err := h.configs.ListModelConfigs(r.Context())
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	if cfgs == nil {
		cfgs = []engine.ModelConfig{}
	}
	writeJSON(w, http.StatusOK, modelConfigsResponse{Configs: cfgs})
}

func (h *handlers) getModelConfig(w http.ResponseWriter, r *http.Request, name string) {
	if !h.configsEnabled(w) {
		return
	}
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "model name is required")
		return
	}
	cfg, ok, err := h.configs.ModelConfig(r.Context(), name)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no saved config for model: "+name)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// saveModelConfig creates or replaces a model's config. The name in the path
// wins over any name in the body.
func (h *handlers) saveModelConfig(w http.ResponseWriter, r *http.Request) {
	name, ok := configParam(modelParam(r))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if !h.configsEnabled(w) {
		return
	}
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "model name is required")
		return
	}
	var cfg engine.ModelConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	cfg.Name = name
	if err := h.configs.SaveModelConfig(r.Context(), cfg); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	saved, _, err := h.configs.ModelConfig(r.Context(), name)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *handlers) deleteModelConfig(w http.ResponseWriter, r *http.Request, name string) {
	if !h.configsEnabled(w) {
		return
	}
	ok, err := h.configs.DeleteModelConfig(r.Context(), name)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no saved config for model: "+name)
		return
	}
	writeJSON(w, http.StatusOK, types.DeleteResponse{Deleted: true})
}
