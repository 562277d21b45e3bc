package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/proposalforge/collabd/internal/auth"
	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/lock"
	"github.com/proposalforge/collabd/internal/presence"
	"github.com/proposalforge/collabd/internal/protocol"
	"github.com/proposalforge/collabd/internal/telemetry"
)

// Config holds Connection Manager settings.
type Config struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	MaxMessageBytes   int64
	PingInterval      time.Duration // server RTT probe cadence
	AllowedOrigins    []string      // empty = same-origin only
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendQueueSize:     256,
		MaxMessageBytes:   64 * 1024,
		PingInterval:      10 * time.Second,
	}
}

// Manager owns all live sessions and their lifecycle.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	verifier *auth.Verifier
	events   *bus.Bus
	presence *presence.Registry
	locks    *lock.Manager
	metrics  *telemetry.Aggregator

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Connection Manager.
func NewManager(
	cfg Config,
	verifier *auth.Verifier,
	events *bus.Bus,
	reg *presence.Registry,
	locks *lock.Manager,
	metrics *telemetry.Aggregator,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		verifier: verifier,
		events:   events,
		presence: reg,
		locks:    locks,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(cfg.AllowedOrigins) > 0 {
		m.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range cfg.AllowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		}
	}
	return m
}

// Start begins the heartbeat monitor.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.monitorLoop()

	m.logger.Info("connection manager started",
		"heartbeat_interval", m.cfg.HeartbeatInterval,
		"send_queue_size", m.cfg.SendQueueSize,
	)
	return nil
}

// Stop closes every session and waits for their pumps to drain.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, s := range open {
		s := s
		g.Go(func() error {
			m.closeSession(s, "server_shutdown")
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("connection manager stop timed out")
		return ctx.Err()
	}
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HandleUpgrade authenticates the request and promotes it to a WebSocket
// session. Credentials ride the token query parameter or a bearer header;
// a stable client_id parameter lets reconnects keep their telemetry identity.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity, err := m.verifier.Verify(bearerToken(r))
	if err != nil {
		m.logger.Warn("rejected connection", "error", err, "remote", r.RemoteAddr)
		writeJSONError(w, http.StatusUnauthorized, protocol.CodeAuthError, "invalid credentials")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		m.logger.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s := &Session{
		id:            uuid.NewString(),
		clientID:      clientID,
		userID:        identity.UserID,
		displayName:   identity.DisplayName,
		conn:          conn,
		out:           bus.NewRing[protocol.Envelope](m.cfg.SendQueueSize),
		watchedDocs:   make(map[string]struct{}),
		watchedTasks:  make(map[string]struct{}),
		lastHeartbeat: time.Now(),
		done:          make(chan struct{}),
	}

	reconnected := m.metrics.Connected(clientID, s.id, identity.UserID)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Info("session opened",
		"session_id", s.id,
		"client_id", clientID,
		"user_id", identity.UserID,
		"reconnected", reconnected,
	)

	env := protocol.NewEnvelope(protocol.TypeConnectionStatus, protocol.ConnectionStatusPayload{
		Status:      "connected",
		SessionID:   s.id,
		Reconnected: reconnected,
	})
	s.send(env)

	m.wg.Add(2)
	go m.readPump(s)
	go m.writePump(s)
}

// readPump is the session's single reader. Malformed frames get a
// synchronous error frame and the connection survives; a transport error
// tears the session down.
func (m *Manager) readPump(s *Session) {
	defer m.wg.Done()
	defer m.closeSession(s, "disconnect")

	s.conn.SetReadLimit(m.cfg.MaxMessageBytes)
	s.conn.SetPongHandler(func(appData string) error {
		if rtt, ok := pingRTT(appData, time.Now()); ok {
			m.metrics.RecordLatency(s.clientID, rtt)
		}
		s.touchHeartbeat()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn("read failed", "session_id", s.id, "error", err)
			}
			return
		}

		cmd, err := protocol.Decode(data)
		if err != nil {
			var verr *protocol.ValidationError
			if errors.As(err, &verr) {
				m.logger.Debug("rejected frame", "session_id", s.id, "error", verr)
				s.send(protocol.NewEnvelope(protocol.TypeError, protocol.ErrorPayload{
					Code:    verr.Code,
					Message: verr.Message,
				}))
				continue
			}
			return
		}

		m.handleCommand(s, cmd)
	}
}

// writePump is the session's single writer: it drains the outbound ring and
// sends RTT probe pings. No other goroutine writes to the connection.
func (m *Manager) writePump(s *Session) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			m.drain(s)
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = s.conn.Close()
			return

		case <-ticker.C:
			deadline := time.Now().Add(m.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, pingData(time.Now()), deadline); err != nil {
				m.closeSession(s, "write_failed")
			}

		case <-s.out.Notify():
			if !m.drain(s) {
				m.closeSession(s, "write_failed")
			}
		}
	}
}

// drain writes every queued frame. Returns false on a write error.
func (m *Manager) drain(s *Session) bool {
	delivered := 0
	for {
		env, ok := s.out.TryPop()
		if !ok {
			break
		}

		s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		if err := s.conn.WriteJSON(env); err != nil {
			m.logger.Warn("write failed", "session_id", s.id, "error", err)
			return false
		}
		if env.EventID > 0 {
			delivered++
		}
	}
	if delivered > 0 {
		m.metrics.RecordDeliveries(s.clientID, delivered)
	}
	return true
}

// monitorLoop closes sessions whose client stopped heartbeating.
func (m *Manager) monitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	timeout := 3 * m.cfg.HeartbeatInterval

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			stale := make([]*Session, 0)
			for _, s := range m.sessions {
				if s.heartbeatAge(now) > timeout {
					stale = append(stale, s)
				}
			}
			m.mu.Unlock()

			for _, s := range stale {
				m.logger.Info("heartbeat timeout", "session_id", s.id, "client_id", s.clientID)
				m.closeSession(s, "heartbeat_timeout")
			}
		}
	}
}

// closeSession is the single teardown path. Every trigger lands here:
// client disconnect, heartbeat timeout, write failure, server shutdown.
func (m *Manager) closeSession(s *Session, reason string) {
	s.closeOnce.Do(func() {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()

		m.events.UnsubscribeAll(s.id)
		released := m.locks.ReleaseSession(s.id)
		for _, doc := range s.docs() {
			m.presence.Leave(doc, s.userID)
		}
		m.metrics.Disconnected(s.clientID)

		// Wakes the write pump, which flushes and closes the socket.
		s.out.Close()
		close(s.done)

		m.logger.Info("session closed",
			"session_id", s.id,
			"client_id", s.clientID,
			"reason", reason,
			"locks_released", released,
		)
	})
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.ErrorPayload{Code: code, Message: msg})
}
