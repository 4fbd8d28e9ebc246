package provider

import "sync"

// Event represents a runtime lifecycle event (model loaded, evicted,
// resolution fallback, process spawned, ...).
type Event struct {
	Name     string
	Provider string
	Model    string
	Fields   map[string]any
}

// EventPublisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests and status pages.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Named returns the recorded events with the given name.
func (p *MemoryPublisher) Named(name string) []Event {
	var out []Event
	for _, e := range p.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// OrNop returns p, or a NopPublisher when p is nil.
func OrNop(p EventPublisher) EventPublisher {
	if p == nil {
		return NopPublisher{}
	}
	return p
}
