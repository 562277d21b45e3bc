package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/protocol"
)

type captureSub struct {
	id string

	mu     sync.Mutex
	events []bus.Event
}

func (c *captureSub) ID() string { return c.id }

func (c *captureSub) Deliver(ev bus.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *captureSub) Events() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Event, len(c.events))
	copy(out, c.events)
	return out
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	r := NewRegistry(cfg, b, nil)
	return r, b
}

func presencePayload(t *testing.T, ev bus.Event) protocol.PresenceUpdatePayload {
	t.Helper()
	p, ok := ev.Payload.(protocol.PresenceUpdatePayload)
	if !ok {
		t.Fatalf("payload type %T, want PresenceUpdatePayload", ev.Payload)
	}
	return p
}

func TestRegistry_JoinReturnsRoster(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	r.Join("doc-1", "u1", "Ada")
	roster := r.Join("doc-1", "u2", "Grace")

	if len(roster) != 2 {
		t.Fatalf("roster size = %d, want 2", len(roster))
	}
	if roster[0].UserID != "u1" || roster[1].UserID != "u2" {
		t.Errorf("roster order = %s,%s; want u1,u2", roster[0].UserID, roster[1].UserID)
	}
}

func TestRegistry_JoinIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	r.Join("doc-1", "u1", "Ada")
	roster := r.Join("doc-1", "u1", "Ada")

	if len(roster) != 1 {
		t.Errorf("roster size = %d after re-join, want 1", len(roster))
	}
}

func TestRegistry_JoinBroadcasts(t *testing.T) {
	r, b := newTestRegistry(t, DefaultConfig())
	sub := &captureSub{id: "watcher"}
	b.Subscribe(sub, bus.DocumentScope("doc-1"), nil)

	r.Join("doc-1", "u1", "Ada")

	events := sub.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	p := presencePayload(t, events[0])
	if p.Action != "join" {
		t.Errorf("Action = %s, want join", p.Action)
	}
	if p.User == nil || p.User.UserID != "u1" {
		t.Errorf("User = %+v, want u1", p.User)
	}
}

func TestRegistry_LeaveBroadcasts(t *testing.T) {
	r, b := newTestRegistry(t, DefaultConfig())
	sub := &captureSub{id: "watcher"}
	b.Subscribe(sub, bus.DocumentScope("doc-1"), nil)

	r.Join("doc-1", "u1", "Ada")
	if !r.Leave("doc-1", "u1") {
		t.Fatal("Leave returned false")
	}
	if r.Leave("doc-1", "u1") {
		t.Error("second Leave returned true")
	}

	events := sub.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	p := presencePayload(t, events[1])
	if p.Action != "leave" {
		t.Errorf("Action = %s, want leave", p.Action)
	}
	if len(p.Roster) != 0 {
		t.Errorf("roster size = %d after leave, want 0", len(p.Roster))
	}
}

func TestRegistry_NoCrossDocumentEvents(t *testing.T) {
	r, b := newTestRegistry(t, DefaultConfig())
	subY := &captureSub{id: "watcher-y"}
	b.Subscribe(subY, bus.DocumentScope("doc-y"), nil)

	// Joins on doc-x must never produce events on doc-y.
	r.Join("doc-x", "u1", "Ada")
	r.Join("doc-x", "u2", "Grace")
	r.Join("doc-x", "u3", "Edsger")

	if got := len(subY.Events()); got != 0 {
		t.Errorf("doc-y got %d events, want 0", got)
	}
	if got := len(r.Roster("doc-x")); got != 3 {
		t.Errorf("doc-x roster = %d, want 3", got)
	}
}

func TestRegistry_HeartbeatRefreshesWithoutBroadcast(t *testing.T) {
	r, b := newTestRegistry(t, DefaultConfig())
	sub := &captureSub{id: "watcher"}
	b.Subscribe(sub, bus.DocumentScope("doc-1"), nil)

	r.Join("doc-1", "u1", "Ada")
	r.Heartbeat("doc-1", "u1", "Ada")
	r.Heartbeat("doc-1", "u1", "Ada")

	if got := len(sub.Events()); got != 1 {
		t.Errorf("got %d events, want 1 (heartbeats must not broadcast)", got)
	}
}

func TestRegistry_HeartbeatAfterEvictionRejoins(t *testing.T) {
	r, b := newTestRegistry(t, DefaultConfig())
	sub := &captureSub{id: "watcher"}
	b.Subscribe(sub, bus.DocumentScope("doc-1"), nil)

	// Heartbeat with no entry (the missed-TTL window) is a re-join.
	r.Heartbeat("doc-1", "u1", "Ada")

	events := sub.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if p := presencePayload(t, events[0]); p.Action != "join" {
		t.Errorf("Action = %s, want join", p.Action)
	}
}

func TestRegistry_SweepEvictsStaleEntries(t *testing.T) {
	cfg := Config{TTL: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond}
	r, b := newTestRegistry(t, cfg)
	sub := &captureSub{id: "watcher"}
	b.Subscribe(sub, bus.DocumentScope("doc-1"), nil)

	r.Join("doc-1", "u1", "Ada")
	time.Sleep(30 * time.Millisecond)
	r.Sweep()

	if got := len(r.Roster("doc-1")); got != 0 {
		t.Errorf("roster size = %d after TTL, want 0", got)
	}

	events := sub.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (join + expire)", len(events))
	}
	if p := presencePayload(t, events[1]); p.Action != "expire" {
		t.Errorf("Action = %s, want expire", p.Action)
	}
}

func TestRegistry_SweepDropsEmptyRosters(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	r.Join("doc-1", "u1", "Ada")
	r.Join("doc-2", "u2", "Grace")
	r.Leave("doc-1", "u1")

	r.Sweep()

	r.mu.RLock()
	_, emptyKept := r.docs["doc-1"]
	_, liveKept := r.docs["doc-2"]
	r.mu.RUnlock()
	if emptyKept {
		t.Error("empty roster still tracked after sweep")
	}
	if !liveKept {
		t.Error("active roster dropped by sweep")
	}

	// The document comes back on the next join.
	if roster := r.Join("doc-1", "u3", "Edsger"); len(roster) != 1 {
		t.Errorf("roster = %+v after re-join, want u3 only", roster)
	}
}

func TestRegistry_SweepConcurrentWithJoin(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	// Race the sweep's empty-roster cleanup against a fresh join on the
	// same document. Whatever the interleaving, the joiner must be visible
	// afterwards.
	for i := 0; i < 500; i++ {
		r.Join("doc-1", "u1", "Ada")
		r.Leave("doc-1", "u1")

		var wg sync.WaitGroup
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			r.Sweep()
		}()
		go func() {
			defer wg.Done()
			<-start
			r.Join("doc-1", "u2", "Grace")
		}()
		close(start)
		wg.Wait()

		roster := r.Roster("doc-1")
		if len(roster) != 1 || roster[0].UserID != "u2" {
			t.Fatalf("iter %d: roster = %+v, want u2 only", i, roster)
		}
		r.Leave("doc-1", "u2")
		r.Sweep()
	}
}

func TestRegistry_SweepLoop(t *testing.T) {
	cfg := Config{TTL: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond}
	r, _ := newTestRegistry(t, cfg)

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		r.Stop(stopCtx)
	}()

	r.Join("doc-1", "u1", "Ada")

	// Entry must disappear within one sweep interval past the TTL.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(r.Roster("doc-1")) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("entry not evicted by the background sweep")
}

func TestRegistry_CursorBroadcasts(t *testing.T) {
	r, b := newTestRegistry(t, DefaultConfig())
	sub := &captureSub{id: "watcher"}
	b.Subscribe(sub, bus.DocumentScope("doc-1"), []string{protocol.TypeCursorUpdate})

	r.Join("doc-1", "u1", "Ada")

	pos := protocol.CursorPosition{SectionID: "sec-42", Offset: 7}
	if !r.Cursor("doc-1", "u1", pos) {
		t.Fatal("Cursor returned false")
	}
	if r.Cursor("doc-1", "ghost", pos) {
		t.Error("Cursor for unknown user returned true")
	}

	events := sub.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	p, ok := events[0].Payload.(protocol.CursorPayload)
	if !ok {
		t.Fatalf("payload type %T, want CursorPayload", events[0].Payload)
	}
	if p.Position != pos {
		t.Errorf("Position = %+v, want %+v", p.Position, pos)
	}
}

func TestRegistry_Counts(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())

	r.Join("doc-1", "u1", "Ada")
	r.Join("doc-1", "u2", "Grace")
	r.Join("doc-2", "u3", "Edsger")
	r.Leave("doc-2", "u3")

	counts := r.Counts()
	if counts["doc-1"] != 2 {
		t.Errorf("doc-1 count = %d, want 2", counts["doc-1"])
	}
	if _, ok := counts["doc-2"]; ok {
		t.Error("doc-2 should not appear with zero entries")
	}
}

func TestRegistry_RosterPayloadMarshals(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	roster := r.Join("doc-1", "u1", "Ada")

	data, err := json.Marshal(protocol.PresenceUpdatePayload{Action: "snapshot", Roster: roster})
	if err != nil {
		t.Fatalf("marshal roster: %v", err)
	}
	if len(data) == 0 {
		t.Error("empty payload")
	}
}
