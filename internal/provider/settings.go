package provider

import (
	"context"
	"sync"
)

// SettingsStore persists the active provider choice across restarts.
type SettingsStore interface {
	// ActiveProvider returns the saved provider name, or "" if none was saved.
	ActiveProvider(ctx context.Context) (string, error)
	SaveActiveProvider(ctx context.Context, name string) error
}

// MemorySettings is an in-process SettingsStore.
type MemorySettings struct {
	mu   sync.Mutex
	name string
}

func NewMemorySettings(initial string) *MemorySettings { return &MemorySettings{name: initial} }

func (m *MemorySettings) ActiveProvider(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name, nil
}

func (m *MemorySettings) SaveActiveProvider(_ context.Context, name string) error {
	m.mu.Lock()
	m.name = name
	m.mu.Unlock()
	return nil
}
