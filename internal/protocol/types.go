package protocol

import (
	"encoding/json"
	"time"
)

// Client → server command types.
const (
	TypeWatchTask     = "watch_task"
	TypeUnwatchTask   = "unwatch_task"
	TypeJoinDocument  = "join_document"
	TypeLeaveDocument = "leave_document"
	TypeLockSection   = "lock_section"
	TypeUnlockSection = "unlock_section"
	TypeCursorUpdate  = "cursor_update"
	TypePing          = "ping"
)

// Server → client event types.
const (
	TypeTaskStatus       = "task_status"
	TypePresenceUpdate   = "presence_update"
	TypeLockAcquired     = "lock_acquired"
	TypeLockReleased     = "lock_released"
	TypeConnectionStatus = "connection_status"
	TypePong             = "pong"
	TypeError            = "error"
)

// Error codes carried in error frames and HTTP responses.
const (
	CodeAuthError  = "auth_error"
	CodeConflict   = "conflict"
	CodeForbidden  = "forbidden"
	CodeNotFound   = "not_found"
	CodeBadRequest = "bad_request"
)

// Lock release reasons.
const (
	ReasonExplicit   = "explicit"
	ReasonTimeout    = "timeout"
	ReasonDisconnect = "disconnect"
)

// Envelope is the bidirectional wire frame. Identifier fields are set only
// when the frame type calls for them.
type Envelope struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"document_id,omitempty"`
	SectionID  string          `json:"section_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	EventID    int64           `json:"event_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"` // Unix milliseconds
}

// Command is the closed union of client commands. One variant per inbound
// frame type; Decode rejects everything else.
type Command interface {
	isCommand()
}

// WatchTask subscribes the session to status pushes for one task.
type WatchTask struct {
	TaskID string
}

// UnwatchTask removes a task subscription.
type UnwatchTask struct {
	TaskID string
}

// JoinDocument registers presence on a document and subscribes to its events.
type JoinDocument struct {
	DocumentID string
}

// LeaveDocument removes presence and the document subscription.
type LeaveDocument struct {
	DocumentID string
}

// LockSection requests an exclusive lease on one document section. A request
// by the current holder renews the lease (renewal is explicit, via re-acquire).
type LockSection struct {
	DocumentID string
	SectionID  string
	LeaseMs    int64 // 0 = server default
}

// UnlockSection releases a held section lock.
type UnlockSection struct {
	DocumentID string
	SectionID  string
}

// CursorUpdate reports the user's cursor position within a document.
type CursorUpdate struct {
	DocumentID string
	Position   CursorPosition
}

// Ping is the client heartbeat. Nonce is echoed back in the pong.
type Ping struct {
	Nonce int64
}

func (WatchTask) isCommand()     {}
func (UnwatchTask) isCommand()   {}
func (JoinDocument) isCommand()  {}
func (LeaveDocument) isCommand() {}
func (LockSection) isCommand()   {}
func (UnlockSection) isCommand() {}
func (CursorUpdate) isCommand()  {}
func (Ping) isCommand()          {}

// CursorPosition locates a cursor inside a document.
type CursorPosition struct {
	SectionID string `json:"section_id"`
	Offset    int    `json:"offset"`
}

// PresenceUser is one roster member in a presence_update payload.
type PresenceUser struct {
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	LastSeenAt  int64           `json:"last_seen_at"` // Unix milliseconds
	Cursor      *CursorPosition `json:"cursor,omitempty"`
}

// PresenceUpdatePayload is the payload for presence_update events.
// Action is "join", "leave", "expire", or "snapshot" (direct roster reply).
type PresenceUpdatePayload struct {
	Action string         `json:"action"`
	User   *PresenceUser  `json:"user,omitempty"`
	Roster []PresenceUser `json:"roster"`
}

// LockPayload is the payload for lock_acquired and lock_released events.
type LockPayload struct {
	SectionID      string `json:"section_id"`
	HolderSession  string `json:"holder_session,omitempty"`
	HolderUserID   string `json:"holder_user_id,omitempty"`
	HolderName     string `json:"holder_name,omitempty"`
	LeaseExpiresAt int64  `json:"lease_expires_at,omitempty"` // Unix milliseconds
	Reason         string `json:"reason,omitempty"`           // lock_released only
}

// CursorPayload is the payload for cursor_update events.
type CursorPayload struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Position    CursorPosition `json:"position"`
}

// TaskStatusPayload is the payload for task_status events.
type TaskStatusPayload struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// ConnectionStatusPayload is the payload for connection_status frames.
type ConnectionStatusPayload struct {
	Status      string `json:"status"` // "connected"
	SessionID   string `json:"session_id"`
	Reconnected bool   `json:"reconnected"`
}

// PongPayload echoes the ping nonce.
type PongPayload struct {
	Nonce int64 `json:"nonce"`
}

// ErrorPayload is the synchronous reply for a rejected command. It is sent
// only to the originating session, never broadcast.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Holder  string `json:"holder,omitempty"` // display name, conflict only
}

// NewEnvelope builds an outbound frame with a marshaled payload and the
// current timestamp. Payload marshaling of the types above cannot fail.
func NewEnvelope(frameType string, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{
		Type:      frameType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
}
