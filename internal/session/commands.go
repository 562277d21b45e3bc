package session

import (
	"errors"
	"time"

	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/lock"
	"github.com/proposalforge/collabd/internal/protocol"
)

// handleCommand dispatches one decoded client command. Rejections become
// synchronous error frames on this session only; they are never broadcast.
func (m *Manager) handleCommand(s *Session, cmd protocol.Command) {
	switch c := cmd.(type) {
	case protocol.Ping:
		m.handlePing(s, c)
	case protocol.JoinDocument:
		m.handleJoin(s, c)
	case protocol.LeaveDocument:
		m.handleLeave(s, c)
	case protocol.WatchTask:
		m.handleWatchTask(s, c)
	case protocol.UnwatchTask:
		m.handleUnwatchTask(s, c)
	case protocol.LockSection:
		m.handleLock(s, c)
	case protocol.UnlockSection:
		m.handleUnlock(s, c)
	case protocol.CursorUpdate:
		m.handleCursor(s, c)
	}
}

// handlePing refreshes the heartbeat and presence for every joined document,
// then echoes the nonce.
func (m *Manager) handlePing(s *Session, c protocol.Ping) {
	s.touchHeartbeat()
	for _, doc := range s.docs() {
		m.presence.Heartbeat(doc, s.userID, s.displayName)
	}
	s.send(protocol.NewEnvelope(protocol.TypePong, protocol.PongPayload{Nonce: c.Nonce}))
}

// handleJoin subscribes to the document scope, registers presence, and sends
// the joiner a state snapshot: the current roster plus one lock_acquired
// frame per held lock, so a reconnecting client rebuilds without history.
// Subscribing first means no presence change can fall between the snapshot
// and the event stream; the joiner also sees its own join broadcast and
// reconciles by event ID.
func (m *Manager) handleJoin(s *Session, c protocol.JoinDocument) {
	s.watchDoc(c.DocumentID)
	m.events.Subscribe(s, bus.DocumentScope(c.DocumentID), nil)
	roster := m.presence.Join(c.DocumentID, s.userID, s.displayName)

	snap := protocol.NewEnvelope(protocol.TypePresenceUpdate, protocol.PresenceUpdatePayload{
		Action: "snapshot",
		Roster: roster,
	})
	snap.DocumentID = c.DocumentID
	s.send(snap)

	for _, l := range m.locks.Held(c.DocumentID) {
		env := protocol.NewEnvelope(protocol.TypeLockAcquired, protocol.LockPayload{
			SectionID:      l.SectionID,
			HolderSession:  l.HolderSessionID,
			HolderUserID:   l.HolderUserID,
			HolderName:     l.HolderName,
			LeaseExpiresAt: l.LeaseExpiresAt.UnixMilli(),
		})
		env.DocumentID = c.DocumentID
		env.SectionID = l.SectionID
		s.send(env)
	}
}

func (m *Manager) handleLeave(s *Session, c protocol.LeaveDocument) {
	if !s.unwatchDoc(c.DocumentID) {
		s.send(errorFrame(protocol.CodeNotFound, "not joined to document "+c.DocumentID))
		return
	}
	m.events.Unsubscribe(s.id, bus.DocumentScope(c.DocumentID))
	m.presence.Leave(c.DocumentID, s.userID)
}

func (m *Manager) handleWatchTask(s *Session, c protocol.WatchTask) {
	s.watchTask(c.TaskID)
	m.events.Subscribe(s, bus.TaskScope(c.TaskID), nil)
}

func (m *Manager) handleUnwatchTask(s *Session, c protocol.UnwatchTask) {
	if !s.unwatchTask(c.TaskID) {
		s.send(errorFrame(protocol.CodeNotFound, "not watching task "+c.TaskID))
		return
	}
	m.events.Unsubscribe(s.id, bus.TaskScope(c.TaskID))
}

// handleLock acquires or renews the section lease. The grant broadcast goes
// to the document scope; a requester outside that scope, or a renewal (which
// does not broadcast), gets a direct confirmation frame instead.
func (m *Manager) handleLock(s *Session, c protocol.LockSection) {
	lease := time.Duration(c.LeaseMs) * time.Millisecond
	info, renewed, err := m.locks.Acquire(c.DocumentID, c.SectionID, s.id, s.userID, s.displayName, lease)
	if err != nil {
		var conflict *lock.ConflictError
		if errors.As(err, &conflict) {
			env := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{
				Code:    protocol.CodeConflict,
				Message: "section locked by another user",
				Holder:  conflict.HolderName,
			})
			env.DocumentID = c.DocumentID
			env.SectionID = c.SectionID
			s.send(env)
			return
		}
		s.send(errorFrame(protocol.CodeBadRequest, err.Error()))
		return
	}

	if renewed || !s.watchingDoc(c.DocumentID) {
		env := protocol.NewEnvelope(protocol.TypeLockAcquired, protocol.LockPayload{
			SectionID:      info.SectionID,
			HolderSession:  info.HolderSessionID,
			HolderUserID:   info.HolderUserID,
			HolderName:     info.HolderName,
			LeaseExpiresAt: info.LeaseExpiresAt.UnixMilli(),
		})
		env.DocumentID = c.DocumentID
		env.SectionID = c.SectionID
		s.send(env)
	}
}

func (m *Manager) handleUnlock(s *Session, c protocol.UnlockSection) {
	err := m.locks.Release(c.SectionID, s.id)
	switch {
	case errors.Is(err, lock.ErrForbidden):
		s.send(errorFrame(protocol.CodeForbidden, "lock held by another session"))
	case errors.Is(err, lock.ErrNotHeld):
		s.send(errorFrame(protocol.CodeNotFound, "section is not locked"))
	}
}

func (m *Manager) handleCursor(s *Session, c protocol.CursorUpdate) {
	if !m.presence.Cursor(c.DocumentID, s.userID, c.Position) {
		s.send(errorFrame(protocol.CodeNotFound, "not joined to document "+c.DocumentID))
	}
}

func errorFrame(code, msg string) protocol.Envelope {
	return protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: msg})
}
