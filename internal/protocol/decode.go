package protocol

import (
	"encoding/json"
	"fmt"
)

// ValidationError describes a frame that parsed as JSON but failed command
// validation. It maps to a synchronous error frame, never a broadcast.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

func badRequest(format string, args ...any) *ValidationError {
	return &ValidationError{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// lockParams is the optional payload for lock_section.
type lockParams struct {
	LeaseMs int64 `json:"lease_ms"`
}

// cursorParams is the payload for cursor_update.
type cursorParams struct {
	Position CursorPosition `json:"position"`
}

// pingParams is the optional payload for ping.
type pingParams struct {
	Nonce int64 `json:"nonce"`
}

// Decode parses an inbound frame into its Command variant. Frames that are
// not valid JSON, carry an unknown type, or miss a required identifier return
// a *ValidationError.
func Decode(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, badRequest("malformed frame: %v", err)
	}

	switch env.Type {
	case TypeWatchTask:
		if env.TaskID == "" {
			return nil, badRequest("watch_task requires task_id")
		}
		return WatchTask{TaskID: env.TaskID}, nil

	case TypeUnwatchTask:
		if env.TaskID == "" {
			return nil, badRequest("unwatch_task requires task_id")
		}
		return UnwatchTask{TaskID: env.TaskID}, nil

	case TypeJoinDocument:
		if env.DocumentID == "" {
			return nil, badRequest("join_document requires document_id")
		}
		return JoinDocument{DocumentID: env.DocumentID}, nil

	case TypeLeaveDocument:
		if env.DocumentID == "" {
			return nil, badRequest("leave_document requires document_id")
		}
		return LeaveDocument{DocumentID: env.DocumentID}, nil

	case TypeLockSection:
		if env.DocumentID == "" || env.SectionID == "" {
			return nil, badRequest("lock_section requires document_id and section_id")
		}
		var params lockParams
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &params); err != nil {
				return nil, badRequest("lock_section payload: %v", err)
			}
		}
		if params.LeaseMs < 0 {
			return nil, badRequest("lock_section lease_ms must be >= 0")
		}
		return LockSection{
			DocumentID: env.DocumentID,
			SectionID:  env.SectionID,
			LeaseMs:    params.LeaseMs,
		}, nil

	case TypeUnlockSection:
		if env.DocumentID == "" || env.SectionID == "" {
			return nil, badRequest("unlock_section requires document_id and section_id")
		}
		return UnlockSection{DocumentID: env.DocumentID, SectionID: env.SectionID}, nil

	case TypeCursorUpdate:
		if env.DocumentID == "" {
			return nil, badRequest("cursor_update requires document_id")
		}
		var params cursorParams
		if len(env.Payload) == 0 {
			return nil, badRequest("cursor_update requires a position payload")
		}
		if err := json.Unmarshal(env.Payload, &params); err != nil {
			return nil, badRequest("cursor_update payload: %v", err)
		}
		return CursorUpdate{DocumentID: env.DocumentID, Position: params.Position}, nil

	case TypePing:
		var params pingParams
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &params); err != nil {
				return nil, badRequest("ping payload: %v", err)
			}
		}
		return Ping{Nonce: params.Nonce}, nil

	case "":
		return nil, badRequest("frame missing type")

	default:
		return nil, badRequest("unknown command type %q", env.Type)
	}
}
