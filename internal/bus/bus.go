package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is one broadcastable state change. Transient: once fanned out it is
// not retained, consumers rebuild from a snapshot after reconnect.
type Event struct {
	ID         int64
	Type       string
	Scope      string
	DocumentID string
	SectionID  string
	TaskID     string
	Payload    any
	Timestamp  time.Time
}

// Subscriber receives fanned-out events. Deliver must not block; it returns
// false when the event was not enqueued (queue closed).
type Subscriber interface {
	ID() string
	Deliver(Event) bool
}

// Stats contains multiplexer counters.
type Stats struct {
	Scopes        int
	Published     int64
	Delivered     int64
	Undeliverable int64
}

// scopeState holds per-scope subscriptions and the monotonic event counter.
// Fan-out runs under its mutex, which is what guarantees per-scope ordering.
type scopeState struct {
	mu     sync.Mutex
	nextID int64
	subs   map[string]*subscription
}

type subscription struct {
	sub   Subscriber
	types map[string]struct{} // empty = all types
}

func (s *subscription) wants(eventType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

// Bus is the Event Multiplexer.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	scopes map[string]*scopeState

	statsMu       sync.Mutex
	published     int64
	delivered     int64
	undeliverable int64
}

// New creates a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		scopes: make(map[string]*scopeState),
	}
}

// Subscribe registers sub for events on scope, filtered by types (nil or
// empty = all types). Re-subscribing replaces the filter, so resubscription
// after a reconnect is idempotent.
func (b *Bus) Subscribe(sub Subscriber, scope string, types []string) {
	st := b.scope(scope)

	filter := make(map[string]struct{}, len(types))
	for _, t := range types {
		filter[t] = struct{}{}
	}

	st.mu.Lock()
	st.subs[sub.ID()] = &subscription{sub: sub, types: filter}
	st.mu.Unlock()
}

// Unsubscribe removes the subscriber from one scope.
func (b *Bus) Unsubscribe(subID, scope string) {
	b.mu.RLock()
	st, ok := b.scopes[scope]
	b.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	delete(st.subs, subID)
	st.mu.Unlock()
}

// UnsubscribeAll removes the subscriber from every scope. This is part of the
// single session-cleanup path.
func (b *Bus) UnsubscribeAll(subID string) {
	b.mu.RLock()
	states := make([]*scopeState, 0, len(b.scopes))
	for _, st := range b.scopes {
		states = append(states, st)
	}
	b.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		delete(st.subs, subID)
		st.mu.Unlock()
	}
}

// Publish assigns the event a per-scope monotonic ID and fans it out to
// matching subscribers of ev.Scope. Delivery is a non-blocking enqueue; no
// I/O happens under the scope lock.
func (b *Bus) Publish(ev Event) {
	st := b.scope(ev.Scope)

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var delivered, undeliverable int64

	st.mu.Lock()
	st.nextID++
	ev.ID = st.nextID
	for _, s := range st.subs {
		if !s.wants(ev.Type) {
			continue
		}
		if s.sub.Deliver(ev) {
			delivered++
		} else {
			undeliverable++
		}
	}
	st.mu.Unlock()

	b.statsMu.Lock()
	b.published++
	b.delivered += delivered
	b.undeliverable += undeliverable
	b.statsMu.Unlock()
}

// SubscriberCount returns the number of subscribers on a scope.
func (b *Bus) SubscriberCount(scope string) int {
	b.mu.RLock()
	st, ok := b.scopes[scope]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

// Stats returns multiplexer counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	scopes := len(b.scopes)
	b.mu.RUnlock()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{
		Scopes:        scopes,
		Published:     b.published,
		Delivered:     b.delivered,
		Undeliverable: b.undeliverable,
	}
}

// scope returns the state for a scope, creating it if needed.
func (b *Bus) scope(name string) *scopeState {
	b.mu.RLock()
	st, ok := b.scopes[name]
	b.mu.RUnlock()
	if ok {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.scopes[name]; ok {
		return st
	}
	st = &scopeState{subs: make(map[string]*subscription)}
	b.scopes[name] = st
	return st
}

// DocumentScope returns the event scope for a document.
func DocumentScope(documentID string) string {
	return "document:" + documentID
}

// TaskScope returns the event scope for a task.
func TaskScope(taskID string) string {
	return "task:" + taskID
}
