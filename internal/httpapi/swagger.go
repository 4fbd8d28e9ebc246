//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

type openAPIDoc struct{}

func (openAPIDoc) ReadDoc() string { return apiDoc }

func init() {
	swag.Register(swag.Name, openAPIDoc{})
}

// MountSwagger serves the API description and Swagger UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}

const apiDoc = `{
  "swagger": "2.0",
  "info": {"title": "fleetllm API", "version": "1.0"},
  "basePath": "/",
  "paths": {
    "/providers": {"get": {"summary": "List providers and the active one", "responses": {"200": {"description": "OK"}}}},
    "/providers/switch": {"post": {"summary": "Switch the active provider", "responses": {"200": {"description": "OK"}, "400": {"description": "Unknown provider"}, "503": {"description": "Provider not available"}}}},
    "/models": {"get": {"summary": "List models of the active provider (?all=1 for every provider)", "responses": {"200": {"description": "OK"}}}},
    "/models/pull": {"post": {"summary": "Download a model, streaming NDJSON progress", "produces": ["application/x-ndjson"], "responses": {"200": {"description": "OK"}, "501": {"description": "Provider cannot pull"}}}},
    "/models/{name}": {
      "get": {"summary": "Model details", "parameters": [{"name": "name", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}},
      "delete": {"summary": "Delete a model file", "parameters": [{"name": "name", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not found"}}}
    },
    "/chat": {"post": {"summary": "Blocking chat completion", "responses": {"200": {"description": "OK"}, "400": {"description": "Bad request"}, "404": {"description": "Model not found"}, "502": {"description": "Backend transport error"}}}},
    "/chat/stream": {"post": {"summary": "Streaming chat completion (NDJSON)", "produces": ["application/x-ndjson"], "responses": {"200": {"description": "OK"}}}},
    "/embeddings": {"post": {"summary": "Compute embeddings", "responses": {"200": {"description": "OK"}, "501": {"description": "Provider cannot embed"}}}},
    "/requests/{id}/cancel": {"post": {"summary": "Cancel an in-flight request", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}}}},
    "/models/{name}/config": {
      "get": {"summary": "Saved per-model configuration", "parameters": [{"name": "name", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "404": {"description": "No saved config"}, "501": {"description": "Configs not enabled"}}},
      "put": {"summary": "Create or replace a model configuration", "parameters": [{"name": "name", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid value"}, "404": {"description": "Base model not found"}}},
      "post": {"summary": "Create or replace a model configuration", "parameters": [{"name": "name", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid value"}, "404": {"description": "Base model not found"}}},
      "delete": {"summary": "Remove a model configuration", "parameters": [{"name": "name", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "404": {"description": "No saved config"}}}
    },
    "/model-configs": {"get": {"summary": "List saved model configurations", "responses": {"200": {"description": "OK"}}}},
    "/engine/unload": {"post": {"summary": "Release resident models", "responses": {"200": {"description": "OK"}}}},
    "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "ok"}}}},
    "/readyz": {"get": {"summary": "Readiness", "responses": {"200": {"description": "ready"}, "503": {"description": "no provider available"}}}}
  }
}`
