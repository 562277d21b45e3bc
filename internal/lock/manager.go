package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/protocol"
)

// Errors
var (
	// ErrNotHeld is returned when releasing a section that has no holder.
	ErrNotHeld = errors.New("section is not locked")

	// ErrForbidden is returned when a session releases a lock it does not hold.
	ErrForbidden = errors.New("lock held by another session")
)

// ConflictError is returned when acquisition fails because another session
// holds the lock. Callers surface the holder so the client can display
// "currently being edited by X".
type ConflictError struct {
	HolderSessionID string
	HolderUserID    string
	HolderName      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("section locked by %s", e.HolderName)
}

// Config holds Lock Manager settings.
type Config struct {
	DefaultLease  time.Duration
	MaxLease      time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLease:  30 * time.Second,
		MaxLease:      5 * time.Minute,
		SweepInterval: 1 * time.Second,
	}
}

// Info describes a held lock.
type Info struct {
	SectionID       string
	DocumentID      string
	HolderSessionID string
	HolderUserID    string
	HolderName      string
	AcquiredAt      time.Time
	LeaseExpiresAt  time.Time
}

// section is one lock entry. Each section has its own mutex so unrelated
// sections never serialize on a shared lock.
type section struct {
	mu sync.Mutex

	// gone marks an entry the sweep has removed from the map. A caller that
	// fetched the pointer before removal must re-fetch instead of installing
	// a holder on the orphan.
	gone bool

	id         string
	documentID string

	holderSession  string
	holderUser     string
	holderName     string
	acquiredAt     time.Time
	leaseExpiresAt time.Time
}

func (s *section) heldLocked(now time.Time) bool {
	return s.holderSession != "" && now.Before(s.leaseExpiresAt)
}

// Manager owns all section locks.
type Manager struct {
	cfg    Config
	events *bus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	sections map[string]*section

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Lock Manager publishing on the given bus.
func NewManager(cfg Config, events *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		events:   events,
		logger:   logger,
		sections: make(map[string]*section),
	}
}

// Start begins the lease-expiry sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.sweepLoop()

	m.logger.Info("lock manager started",
		"default_lease", m.cfg.DefaultLease,
		"sweep_interval", m.cfg.SweepInterval,
	)
	return nil
}

// Stop shuts down the sweep loop.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("lock manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire claims the section for the session, first-come-first-served.
// A re-acquire by the current holder renews the lease (no broadcast);
// acquisition of a Free section broadcasts lock_acquired. Returns
// renewed=true on the renewal path.
func (m *Manager) Acquire(documentID, sectionID, sessionID, userID, displayName string, lease time.Duration) (Info, bool, error) {
	if lease <= 0 {
		lease = m.cfg.DefaultLease
	}
	if lease > m.cfg.MaxLease {
		lease = m.cfg.MaxLease
	}

	sec := m.section(sectionID, documentID)
	sec.mu.Lock()
	for sec.gone {
		sec.mu.Unlock()
		sec = m.section(sectionID, documentID)
		sec.mu.Lock()
	}
	defer sec.mu.Unlock()

	now := time.Now()

	// An expired lease the sweep has not reached yet is Free; the state
	// machine transition is the arbiter, not the sweep schedule.
	if sec.holderSession != "" && !now.Before(sec.leaseExpiresAt) {
		m.releaseLocked(sec, protocol.ReasonTimeout)
	}

	switch sec.holderSession {
	case "":
		sec.holderSession = sessionID
		sec.holderUser = userID
		sec.holderName = displayName
		sec.acquiredAt = now
		sec.leaseExpiresAt = now.Add(lease)

		m.events.Publish(bus.Event{
			Type:       protocol.TypeLockAcquired,
			Scope:      bus.DocumentScope(sec.documentID),
			DocumentID: sec.documentID,
			SectionID:  sec.id,
			Payload: protocol.LockPayload{
				SectionID:      sec.id,
				HolderSession:  sessionID,
				HolderUserID:   userID,
				HolderName:     displayName,
				LeaseExpiresAt: sec.leaseExpiresAt.UnixMilli(),
			},
		})
		return infoLocked(sec), false, nil

	case sessionID:
		// Explicit renewal via re-acquire.
		sec.leaseExpiresAt = now.Add(lease)
		return infoLocked(sec), true, nil

	default:
		return Info{}, false, &ConflictError{
			HolderSessionID: sec.holderSession,
			HolderUserID:    sec.holderUser,
			HolderName:      sec.holderName,
		}
	}
}

// Release frees the section. Only the current holder may release; anyone
// else gets ErrForbidden, and releasing a Free section gets ErrNotHeld.
func (m *Manager) Release(sectionID, sessionID string) error {
	m.mu.RLock()
	sec, ok := m.sections[sectionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotHeld
	}

	sec.mu.Lock()
	defer sec.mu.Unlock()

	if !sec.heldLocked(time.Now()) {
		return ErrNotHeld
	}
	if sec.holderSession != sessionID {
		return ErrForbidden
	}

	m.releaseLocked(sec, protocol.ReasonExplicit)
	return nil
}

// ReleaseSession frees every lock the session holds, broadcasting
// lock_released with reason=disconnect. Invoked from the session cleanup
// path.
func (m *Manager) ReleaseSession(sessionID string) int {
	released := 0
	for _, sec := range m.snapshot() {
		sec.mu.Lock()
		if sec.holderSession == sessionID {
			m.releaseLocked(sec, protocol.ReasonDisconnect)
			released++
		}
		sec.mu.Unlock()
	}

	if released > 0 {
		m.logger.Debug("released locks on disconnect",
			"session_id", sessionID,
			"count", released,
		)
	}
	return released
}

// Held returns the currently held locks for a document, for clients
// rebuilding state after reconnect.
func (m *Manager) Held(documentID string) []Info {
	now := time.Now()

	var held []Info
	for _, sec := range m.snapshot() {
		sec.mu.Lock()
		if sec.documentID == documentID && sec.heldLocked(now) {
			held = append(held, infoLocked(sec))
		}
		sec.mu.Unlock()
	}

	sort.Slice(held, func(i, j int) bool { return held[i].SectionID < held[j].SectionID })
	return held
}

// HeldCount returns the number of held locks across all documents.
func (m *Manager) HeldCount() int {
	now := time.Now()
	count := 0
	for _, sec := range m.snapshot() {
		sec.mu.Lock()
		if sec.heldLocked(now) {
			count++
		}
		sec.mu.Unlock()
	}
	return count
}

// Sweep runs one lease-expiry pass. Exported for tests; production expiry
// runs on the sweep ticker.
func (m *Manager) Sweep() {
	m.sweep()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	var freed []string

	for _, sec := range m.snapshot() {
		sec.mu.Lock()
		if sec.holderSession != "" && !now.Before(sec.leaseExpiresAt) {
			m.logger.Debug("lock lease expired",
				"section_id", sec.id,
				"holder_session", sec.holderSession,
			)
			m.releaseLocked(sec, protocol.ReasonTimeout)
		}
		if sec.holderSession == "" {
			freed = append(freed, sec.id)
		}
		sec.mu.Unlock()
	}

	// Drop Free entries so the section map does not grow unboundedly.
	if len(freed) > 0 {
		m.mu.Lock()
		for _, id := range freed {
			sec, ok := m.sections[id]
			if !ok {
				continue
			}
			sec.mu.Lock()
			if sec.holderSession == "" {
				sec.gone = true
				delete(m.sections, id)
			}
			sec.mu.Unlock()
		}
		m.mu.Unlock()
	}
}

// releaseLocked clears the holder and broadcasts lock_released. Caller holds
// sec.mu. Lifecycle releases (timeout, disconnect) are ordinary events, not
// error frames.
func (m *Manager) releaseLocked(sec *section, reason string) {
	holderSession := sec.holderSession
	holderUser := sec.holderUser
	holderName := sec.holderName

	sec.holderSession = ""
	sec.holderUser = ""
	sec.holderName = ""
	sec.acquiredAt = time.Time{}
	sec.leaseExpiresAt = time.Time{}

	m.events.Publish(bus.Event{
		Type:       protocol.TypeLockReleased,
		Scope:      bus.DocumentScope(sec.documentID),
		DocumentID: sec.documentID,
		SectionID:  sec.id,
		Payload: protocol.LockPayload{
			SectionID:     sec.id,
			HolderSession: holderSession,
			HolderUserID:  holderUser,
			HolderName:    holderName,
			Reason:        reason,
		},
	})
}

// section returns the entry for a section, creating it if needed.
func (m *Manager) section(sectionID, documentID string) *section {
	m.mu.RLock()
	sec, ok := m.sections[sectionID]
	m.mu.RUnlock()
	if ok {
		return sec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sec, ok = m.sections[sectionID]; ok {
		return sec
	}
	sec = &section{id: sectionID, documentID: documentID}
	m.sections[sectionID] = sec
	return sec
}

func (m *Manager) snapshot() []*section {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*section, 0, len(m.sections))
	for _, sec := range m.sections {
		out = append(out, sec)
	}
	return out
}

func infoLocked(sec *section) Info {
	return Info{
		SectionID:       sec.id,
		DocumentID:      sec.documentID,
		HolderSessionID: sec.holderSession,
		HolderUserID:    sec.holderUser,
		HolderName:      sec.holderName,
		AcquiredAt:      sec.acquiredAt,
		LeaseExpiresAt:  sec.leaseExpiresAt,
	}
}
