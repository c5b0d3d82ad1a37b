package supervisor

import (
	"sync"

	"github.com/497672776/zenow/pkg/types"
)

// Event is a supervisor lifecycle event: spawn_start, spawn_ready, spawn_exit,
// spawn_timeout, spawn_stop, restart or crash_detected.
type Event struct {
	Name   string
	Mode   types.Mode
	Fields map[string]any
}

// EventPublisher receives events from the supervisor. Implementations should
// be lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests.
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

// Names returns the event names for one mode in publish order.
func (p *MemoryPublisher) Names(mode types.Mode) []string {
	var out []string
	for _, e := range p.Events() {
		if e.Mode == mode {
			out = append(out, e.Name)
		}
	}
	return out
}
