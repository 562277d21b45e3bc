package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/protocol"
)

// Config holds Presence Registry settings.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           30 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// Entry is one user's presence on one document.
type Entry struct {
	DocumentID  string
	UserID      string
	DisplayName string
	LastSeenAt  time.Time
	Cursor      *protocol.CursorPosition
}

// docRoster holds one document's entries under its own lock.
type docRoster struct {
	mu sync.Mutex

	// gone marks a roster the sweep has removed from the map. A caller that
	// fetched the pointer before removal must re-fetch instead of populating
	// the orphan.
	gone bool

	entries map[string]*Entry // userID → entry
}

// Registry tracks presence across documents.
type Registry struct {
	cfg    Config
	events *bus.Bus
	logger *slog.Logger

	mu   sync.RWMutex
	docs map[string]*docRoster

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a Presence Registry publishing on the given bus.
func NewRegistry(cfg Config, events *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		events: events,
		logger: logger,
		docs:   make(map[string]*docRoster),
	}
}

// Start begins the TTL sweep loop.
func (r *Registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.sweepLoop()

	r.logger.Info("presence registry started",
		"ttl", r.cfg.TTL,
		"sweep_interval", r.cfg.SweepInterval,
	)
	return nil
}

// Stop shuts down the sweep loop.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("presence registry stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join upserts the user's entry, broadcasts presence_update to the document
// scope, and returns the full roster. Joining twice is idempotent: the entry
// is refreshed, never duplicated.
func (r *Registry) Join(documentID, userID, displayName string) []protocol.PresenceUser {
	doc := r.lockDoc(documentID)
	defer doc.mu.Unlock()

	entry, exists := doc.entries[userID]
	if !exists {
		entry = &Entry{DocumentID: documentID, UserID: userID}
		doc.entries[userID] = entry
	}
	entry.DisplayName = displayName
	entry.LastSeenAt = time.Now()

	roster := rosterLocked(doc)
	r.publishLocked(documentID, "join", entry, roster)
	return roster
}

// Heartbeat refreshes the user's entry. A heartbeat that arrives after the
// entry was TTL-evicted re-creates it and broadcasts, as a re-join would;
// otherwise nothing is broadcast.
func (r *Registry) Heartbeat(documentID, userID, displayName string) {
	doc := r.lockDoc(documentID)
	defer doc.mu.Unlock()

	entry, exists := doc.entries[userID]
	if exists {
		entry.LastSeenAt = time.Now()
		return
	}

	entry = &Entry{
		DocumentID:  documentID,
		UserID:      userID,
		DisplayName: displayName,
		LastSeenAt:  time.Now(),
	}
	doc.entries[userID] = entry
	r.publishLocked(documentID, "join", entry, rosterLocked(doc))
}

// Leave removes the entry and broadcasts. Returns false when the user had no
// entry on the document.
func (r *Registry) Leave(documentID, userID string) bool {
	doc := r.lockDoc(documentID)
	defer doc.mu.Unlock()

	entry, exists := doc.entries[userID]
	if !exists {
		return false
	}
	delete(doc.entries, userID)
	r.publishLocked(documentID, "leave", entry, rosterLocked(doc))
	return true
}

// Cursor updates the user's cursor position, refreshes the entry, and
// broadcasts cursor_update. Returns false when the user is not present.
func (r *Registry) Cursor(documentID, userID string, pos protocol.CursorPosition) bool {
	doc := r.lockDoc(documentID)
	defer doc.mu.Unlock()

	entry, exists := doc.entries[userID]
	if !exists {
		return false
	}
	entry.Cursor = &pos
	entry.LastSeenAt = time.Now()

	r.events.Publish(bus.Event{
		Type:       protocol.TypeCursorUpdate,
		Scope:      bus.DocumentScope(documentID),
		DocumentID: documentID,
		Payload: protocol.CursorPayload{
			UserID:      userID,
			DisplayName: entry.DisplayName,
			Position:    pos,
		},
	})
	return true
}

// Roster returns the current roster for a document.
func (r *Registry) Roster(documentID string) []protocol.PresenceUser {
	doc := r.lockDoc(documentID)
	defer doc.mu.Unlock()
	return rosterLocked(doc)
}

// Counts returns the active presence count per document. Used for alert
// snapshots.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	docs := make(map[string]*docRoster, len(r.docs))
	for id, doc := range r.docs {
		docs[id] = doc
	}
	r.mu.RUnlock()

	counts := make(map[string]int, len(docs))
	for id, doc := range docs {
		doc.mu.Lock()
		if n := len(doc.entries); n > 0 {
			counts[id] = n
		}
		doc.mu.Unlock()
	}
	return counts
}

// sweepLoop evicts entries whose heartbeat lapsed past the TTL.
func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// Sweep runs one eviction pass. Exported for tests; production eviction runs
// on the sweep ticker.
func (r *Registry) Sweep() {
	r.sweep()
}

func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.TTL)

	r.mu.RLock()
	docs := make(map[string]*docRoster, len(r.docs))
	for id, doc := range r.docs {
		docs[id] = doc
	}
	r.mu.RUnlock()

	var emptied []string
	for documentID, doc := range docs {
		doc.mu.Lock()
		for userID, entry := range doc.entries {
			if entry.LastSeenAt.Before(cutoff) {
				delete(doc.entries, userID)
				r.logger.Debug("presence entry expired",
					"document_id", documentID,
					"user_id", userID,
				)
				r.publishLocked(documentID, "expire", entry, rosterLocked(doc))
			}
		}
		if len(doc.entries) == 0 {
			emptied = append(emptied, documentID)
		}
		doc.mu.Unlock()
	}

	// Drop empty rosters so the document map does not grow unboundedly.
	if len(emptied) > 0 {
		r.mu.Lock()
		for _, id := range emptied {
			doc, ok := r.docs[id]
			if !ok {
				continue
			}
			doc.mu.Lock()
			if len(doc.entries) == 0 {
				doc.gone = true
				delete(r.docs, id)
			}
			doc.mu.Unlock()
		}
		r.mu.Unlock()
	}
}

// publishLocked broadcasts a presence_update. Callers hold the document
// lock, which serializes publishes and preserves per-document event order.
func (r *Registry) publishLocked(documentID, action string, entry *Entry, roster []protocol.PresenceUser) {
	user := toUser(entry)
	r.events.Publish(bus.Event{
		Type:       protocol.TypePresenceUpdate,
		Scope:      bus.DocumentScope(documentID),
		DocumentID: documentID,
		Payload: protocol.PresenceUpdatePayload{
			Action: action,
			User:   &user,
			Roster: roster,
		},
	})
}

// doc returns the roster for a document, creating it if needed.
func (r *Registry) doc(documentID string) *docRoster {
	r.mu.RLock()
	doc, ok := r.docs[documentID]
	r.mu.RUnlock()
	if ok {
		return doc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok = r.docs[documentID]; ok {
		return doc
	}
	doc = &docRoster{entries: make(map[string]*Entry)}
	r.docs[documentID] = doc
	return doc
}

// lockDoc returns the roster for a document with its lock held, re-fetching
// past any entry the sweep removed in the meantime.
func (r *Registry) lockDoc(documentID string) *docRoster {
	doc := r.doc(documentID)
	doc.mu.Lock()
	for doc.gone {
		doc.mu.Unlock()
		doc = r.doc(documentID)
		doc.mu.Lock()
	}
	return doc
}

func rosterLocked(doc *docRoster) []protocol.PresenceUser {
	roster := make([]protocol.PresenceUser, 0, len(doc.entries))
	for _, e := range doc.entries {
		roster = append(roster, toUser(e))
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	return roster
}

func toUser(e *Entry) protocol.PresenceUser {
	return protocol.PresenceUser{
		UserID:      e.UserID,
		DisplayName: e.DisplayName,
		LastSeenAt:  e.LastSeenAt.UnixMilli(),
		Cursor:      e.Cursor,
	}
}
