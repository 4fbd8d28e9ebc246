package provider

import (
	"context"
)

// The routing methods below dispatch to the provider that is active when the
// call starts.

func (s *Selector) Chat(ctx context.Context, req ChatRequest) (string, error) {
	return s.Active().Chat(ctx, req)
}

func (s *Selector) ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) error {
	return s.Active().ChatStream(ctx, req, onChunk)
}

func (s *Selector) ChatWithVision(ctx context.Context, req ChatRequest, images []string) (string, error) {
	p := s.Active()
	if !p.Capabilities().Has(CapVision) {
		return "", ErrUnsupported(p.Name(), CapVision)
	}
	return p.ChatWithVision(ctx, req, images)
}

func (s *Selector) ChatStreamWithVision(ctx context.Context, req ChatRequest, images []string, onChunk ChunkFunc) error {
	p := s.Active()
	if !p.Capabilities().Has(CapVision) {
		return ErrUnsupported(p.Name(), CapVision)
	}
	return p.ChatStreamWithVision(ctx, req, images, onChunk)
}

// Embeddings routes to the active provider when it advertises CapEmbeddings.
func (s *Selector) Embeddings(ctx context.Context, model string, input []string) ([][]float32, error) {
	p := s.Active()
	e, ok := p.(Embedder)
	if !ok || !p.Capabilities().Has(CapEmbeddings) {
		return nil, ErrUnsupported(p.Name(), CapEmbeddings)
	}
	return e.Embeddings(ctx, model, input)
}

func (s *Selector) ListModels(ctx context.Context) ([]ModelDescriptor, error) {
	return s.Active().ListModels(ctx)
}

// AllModels aggregates the models of every available provider. Failing
// providers are logged and skipped.
func (s *Selector) AllModels(ctx context.Context) []ModelDescriptor {
	var all []ModelDescriptor
	for _, p := range s.providers {
		if !p.IsAvailable() {
			continue
		}
		models, err := p.ListModels(ctx)
		if err != nil {
			s.log.Warn().Err(err).Str("provider", p.Name()).Msg("list models")
			continue
		}
		all = append(all, models...)
	}
	return all
}

// DefaultModelWithFallback returns preferred when the active provider lists
// it, otherwise the first listed model. It returns "" when nothing is listed.
func (s *Selector) DefaultModelWithFallback(ctx context.Context, preferred string) string {
	models, err := s.ListModels(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list models for default")
		return ""
	}
	if len(models) == 0 {
		s.log.Warn().Str("provider", s.ActiveName()).Msg("no models available")
		return ""
	}
	if preferred != "" {
		for _, m := range models {
			if m.Name == preferred {
				return preferred
			}
		}
		s.log.Warn().Str("model", preferred).Msg("preferred model not found, using first available")
	}
	return models[0].Name
}

func (s *Selector) PullModel(ctx context.Context, name string, progress ProgressFunc) error {
	return s.Active().PullModel(ctx, name, progress)
}

func (s *Selector) DeleteModel(ctx context.Context, name string) (bool, error) {
	return s.Active().DeleteModel(ctx, name)
}

func (s *Selector) ModelDetails(ctx context.Context, name string) (ModelDetails, error) {
	return s.Active().ModelDetails(ctx, name)
}

// CancelRequest asks every provider to cancel requestID, since a switch may
// have happened after the request was dispatched.
func (s *Selector) CancelRequest(requestID string) bool {
	if s.Active().CancelRequest(requestID) {
		return true
	}
	for _, p := range s.providers {
		if p.CancelRequest(requestID) {
			return true
		}
	}
	return false
}

// UnloadAll releases resident models on the active provider, if it keeps any.
func (s *Selector) UnloadAll() int {
	if u, ok := s.Active().(Unloader); ok {
		return u.UnloadAll()
	}
	return 0
}
