package bus

import (
	"log/slog"
	"sync"
)

// Event is a named payload broadcast to subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handler handles a single event. Handlers run synchronously on the
// emitting goroutine; Emit does not return until every handler has.
type Handler func(Event)

// Publisher abstracts event emission + subscription.
// Used by the dashboard server and automation engine to decouple from the
// concrete Bus.
type Publisher interface {
	Emit(name string, payload interface{})
	On(name string, h Handler)
	Subscribe(id string, h Handler)
	Unsubscribe(id string)
}

// Bus is a synchronous in-process event bus. Named handlers (On) receive
// only their event; wildcard subscribers (Subscribe) receive everything.
// The bus owns no persistent state and imports no other goswarm package,
// which keeps catalog → bus → router references acyclic.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	subs     map[string]Handler
}

func New() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		subs:     make(map[string]Handler),
	}
}

// On registers a handler for one event name.
func (b *Bus) On(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Subscribe registers a wildcard handler under an id (e.g. a dashboard
// client id). The same id re-subscribing replaces the previous handler.
func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = h
}

// Unsubscribe removes a wildcard handler.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Emit delivers the event to every named handler, then every wildcard
// subscriber, in registration order. A panicking handler is logged and
// does not stop delivery to the rest.
func (b *Bus) Emit(name string, payload interface{}) {
	b.mu.RLock()
	named := make([]Handler, len(b.handlers[name]))
	copy(named, b.handlers[name])
	wild := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		wild = append(wild, h)
	}
	b.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, h := range named {
		safeCall(name, h, ev)
	}
	for _, h := range wild {
		safeCall(name, h, ev)
	}
}

func safeCall(name string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.handler_panic", "event", name, "panic", r)
		}
	}()
	h(ev)
}
