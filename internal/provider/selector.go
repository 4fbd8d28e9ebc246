package provider

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// AutoProvider lets the selector pick the first available provider.
const AutoProvider = "auto"

// DefaultPreference is the auto-selection order tried before falling back to
// declaration order.
var DefaultPreference = []string{"inprocess", "llamacpp"}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	// Providers in declaration order. Names must be unique.
	Providers []Provider
	// DefaultProvider is "auto" (or empty) or an explicit provider name.
	DefaultProvider string
	// Preference overrides DefaultPreference for auto selection.
	Preference []string
	Settings   SettingsStore
	Publisher  EventPublisher
	Logger     zerolog.Logger
}

// Selector owns the process-wide active provider and routes calls to it.
//
// States are UNRESOLVED (before NewSelector returns) and ACTIVE(provider).
// The active reference is swapped atomically so status checks and routing
// never block behind an in-flight generation.
type Selector struct {
	providers   []Provider
	byName      map[string]Provider
	defaultName string
	preference  []string
	settings    SettingsStore
	publisher   EventPublisher
	log         zerolog.Logger

	active atomic.Pointer[activeRef]
}

type activeRef struct{ p Provider }

// NewSelector resolves the active provider through the priority chain:
// persisted choice, configured default, auto preference, declaration order.
// It fails with ErrNoProvider when nothing is available.
func NewSelector(ctx context.Context, cfg SelectorConfig) (*Selector, error) {
	s := &Selector{
		byName:      make(map[string]Provider, len(cfg.Providers)),
		defaultName: strings.ToLower(strings.TrimSpace(cfg.DefaultProvider)),
		preference:  cfg.Preference,
		settings:    cfg.Settings,
		publisher:   OrNop(cfg.Publisher),
		log:         cfg.Logger,
	}
	if s.defaultName == "" {
		s.defaultName = AutoProvider
	}
	if s.preference == nil {
		s.preference = DefaultPreference
	}
	if s.settings == nil {
		s.settings = NewMemorySettings("")
	}
	for _, p := range cfg.Providers {
		if p == nil {
			continue
		}
		name := strings.ToLower(p.Name())
		if _, dup := s.byName[name]; dup {
			return nil, ErrInvalidArgument("duplicate provider %q", name)
		}
		s.providers = append(s.providers, p)
		s.byName[name] = p
	}
	p, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	s.active.Store(&activeRef{p: p})
	return s, nil
}

func (s *Selector) resolve(ctx context.Context) (Provider, error) {
	saved, err := s.settings.ActiveProvider(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("read saved provider")
	}
	if saved = strings.ToLower(strings.TrimSpace(saved)); saved != "" {
		if p := s.byName[saved]; p != nil && p.IsAvailable() {
			s.log.Info().Str("provider", saved).Msg("using saved provider")
			return p, nil
		}
		s.log.Warn().Str("provider", saved).Msg("saved provider not available, falling back")
	}

	if s.defaultName != AutoProvider {
		if p := s.byName[s.defaultName]; p != nil && p.IsAvailable() {
			s.log.Info().Str("provider", s.defaultName).Msg("using configured provider")
			return p, nil
		}
		s.log.Warn().Str("provider", s.defaultName).Msg("configured provider not available, falling back")
	}

	for _, name := range s.preference {
		if p := s.byName[name]; p != nil && p.IsAvailable() {
			s.log.Info().Str("provider", name).Msg("using preferred provider")
			return p, nil
		}
	}
	for _, p := range s.providers {
		if p.IsAvailable() {
			s.log.Info().Str("provider", p.Name()).Msg("using fallback provider")
			return p, nil
		}
	}
	s.log.Error().Msg("no LLM provider available")
	return nil, ErrNoProvider
}

// Active returns the currently selected provider.
func (s *Selector) Active() Provider { return s.active.Load().p }

// ActiveName returns the name of the currently selected provider.
func (s *Selector) ActiveName() string { return s.Active().Name() }

// Provider returns a registered provider by name (case-insensitive), or nil.
func (s *Selector) Provider(name string) Provider {
	return s.byName[strings.ToLower(strings.TrimSpace(name))]
}

// Providers returns the registered providers in declaration order.
func (s *Selector) Providers() []Provider {
	out := make([]Provider, len(s.providers))
	copy(out, s.providers)
	return out
}

// Switch makes name the active provider and persists the choice. Unknown
// names fail with InvalidArgument; unavailable providers fail with
// NotAvailable and leave the active provider unchanged. Requests already
// dispatched keep running on the provider they started on.
func (s *Selector) Switch(ctx context.Context, name string) error {
	key := strings.ToLower(strings.TrimSpace(name))
	p := s.byName[key]
	if p == nil {
		return ErrInvalidArgument("unknown provider: %s", name)
	}
	if !p.IsAvailable() {
		s.log.Warn().Str("provider", key).Str("active", s.ActiveName()).Msg("switch rejected")
		s.recheckActive(ctx)
		return ErrNotAvailable(key)
	}
	prev := s.active.Swap(&activeRef{p: p})
	if err := s.settings.SaveActiveProvider(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("provider", key).Msg("persist active provider")
	}
	s.publisher.Publish(Event{Name: "provider_switched", Provider: key, Fields: map[string]any{"previous": prev.p.Name()}})
	s.log.Info().Str("provider", key).Str("previous", prev.p.Name()).Msg("switched provider")
	return nil
}

// recheckActive re-runs the priority chain after a failed switch, but only
// when the current provider has itself stopped passing its availability check.
func (s *Selector) recheckActive(ctx context.Context) {
	cur := s.active.Load()
	if cur.p.IsAvailable() {
		return
	}
	p, err := s.resolve(ctx)
	if err != nil {
		return
	}
	s.active.CompareAndSwap(cur, &activeRef{p: p})
}

// Status checks every registered provider. The result is best-effort and
// says nothing about subsequent calls.
func (s *Selector) Status() map[string]bool {
	out := make(map[string]bool, len(s.providers))
	for _, p := range s.providers {
		out[p.Name()] = p.IsAvailable()
	}
	return out
}

// AvailableProviders lists the names of providers that pass their availability check.
func (s *Selector) AvailableProviders() []string {
	var out []string
	for _, p := range s.providers {
		if p.IsAvailable() {
			out = append(out, p.Name())
		}
	}
	return out
}

// AnyAvailable reports whether at least one provider passes its availability check.
func (s *Selector) AnyAvailable() bool {
	for _, p := range s.providers {
		if p.IsAvailable() {
			return true
		}
	}
	return false
}
