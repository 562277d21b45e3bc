package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/proposalforge/collabd/internal/alert"
	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/protocol"
)

// Fallback thresholds for the optional alert rule parameters.
const (
	defaultMaxLatencyMS  = 250.0
	defaultMaxReconnects = 5
)

// handleExport streams the telemetry snapshot as CSV.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="telemetry.csv"`)
	if err := s.metrics.WriteCSV(w); err != nil {
		s.logger.Error("csv export failed", "error", err)
	}
}

type alertsResponse struct {
	EvaluatedAt time.Time        `json:"evaluated_at"`
	Alerts      []alert.Instance `json:"alerts"`
}

// handleAlerts evaluates the built-in rules against a live snapshot.
// min_connections is required; scope narrows the connection rule to named
// documents; max_latency_ms and max_reconnects override the other two
// thresholds.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	minRaw := q.Get("min_connections")
	if minRaw == "" {
		s.writeError(w, http.StatusBadRequest, "min_connections is required")
		return
	}
	minConns, err := strconv.Atoi(minRaw)
	if err != nil || minConns < 0 {
		s.writeError(w, http.StatusBadRequest, "min_connections must be a non-negative integer")
		return
	}

	maxLatency := defaultMaxLatencyMS
	if raw := q.Get("max_latency_ms"); raw != "" {
		maxLatency, err = strconv.ParseFloat(raw, 64)
		if err != nil || maxLatency < 0 {
			s.writeError(w, http.StatusBadRequest, "max_latency_ms must be a non-negative number")
			return
		}
	}

	maxReconnects := defaultMaxReconnects
	if raw := q.Get("max_reconnects"); raw != "" {
		maxReconnects, err = strconv.Atoi(raw)
		if err != nil || maxReconnects < 0 {
			s.writeError(w, http.StatusBadRequest, "max_reconnects must be a non-negative integer")
			return
		}
	}

	snap := alert.Snapshot{
		At:             time.Now(),
		PresenceCounts: s.presence.Counts(),
		Sessions:       s.metrics.Snapshot(),
	}
	rules := []alert.Rule{
		alert.ActiveConnectionsLow(minConns, q["scope"]...),
		alert.SessionLatencyHigh(maxLatency),
		alert.ReconnectStorm(maxReconnects),
	}

	instances := alert.Evaluate(snap, rules)
	if instances == nil {
		instances = []alert.Instance{}
	}
	s.writeJSON(w, http.StatusOK, alertsResponse{EvaluatedAt: snap.At, Alerts: instances})
}

type taskStatusRequest struct {
	Status    string `json:"status"`
	UpdatedBy string `json:"updated_by"`
}

// handleTaskStatus accepts a status change from the dashboard backend and
// fans it out to sessions watching the task. 202: the push is asynchronous.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	var req taskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Status == "" {
		s.writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	s.events.Publish(bus.Event{
		Type:   protocol.TypeTaskStatus,
		Scope:  bus.TaskScope(taskID),
		TaskID: taskID,
		Payload: protocol.TaskStatusPayload{
			TaskID:    taskID,
			Status:    req.Status,
			UpdatedBy: req.UpdatedBy,
		},
	})

	s.logger.Debug("task status published",
		"task_id", taskID,
		"status", req.Status,
		"watchers", s.events.SubscriberCount(bus.TaskScope(taskID)),
	)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type healthResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	Documents int    `json:"documents"`
	LocksHeld int    `json:"locks_held"`
	Archive   string `json:"archive"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Sessions:  s.sessions.Count(),
		Documents: len(s.presence.Counts()),
		LocksHeld: s.locks.HeldCount(),
		Archive:   "disabled",
	}

	status := http.StatusOK
	if s.db != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(pingCtx); err != nil {
			resp.Status = "degraded"
			resp.Archive = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Archive = "ok"
		}
	}

	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, protocol.ErrorPayload{Code: protocol.CodeBadRequest, Message: msg})
}
