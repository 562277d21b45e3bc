package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proposalforge/collabd/internal/auth"
	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/lock"
	"github.com/proposalforge/collabd/internal/presence"
	"github.com/proposalforge/collabd/internal/protocol"
	"github.com/proposalforge/collabd/internal/telemetry"
)

type testHarness struct {
	mgr      *Manager
	verifier *auth.Verifier
	srv      *httptest.Server
}

func newTestHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()

	verifier, err := auth.NewVerifier([]byte("test-secret"), "")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	b := bus.New(nil)
	reg := presence.NewRegistry(presence.DefaultConfig(), b, nil)
	locks := lock.NewManager(lock.DefaultConfig(), b, nil)
	metrics := telemetry.NewAggregator(telemetry.DefaultConfig(), nil)

	mgr := NewManager(cfg, verifier, b, reg, locks, metrics, nil)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(mgr.HandleUpgrade))

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Stop(stopCtx)
		srv.Close()
	})

	return &testHarness{mgr: mgr, verifier: verifier, srv: srv}
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = time.Hour // no server probes unless a test wants them
	return cfg
}

func (h *testHarness) dial(t *testing.T, userID, displayName, clientID string) *websocket.Conn {
	t.Helper()

	token, err := h.verifier.Mint(userID, displayName, time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "?token=" + token
	if clientID != "" {
		url += "&client_id=" + clientID
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitFrame reads until a frame of the wanted type arrives.
func awaitFrame(t *testing.T, conn *websocket.Conn, frameType string) protocol.Envelope {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read while waiting for %s: %v", frameType, err)
		}
		if env.Type == frameType {
			return env
		}
	}
	t.Fatalf("no %s frame within deadline", frameType)
	return protocol.Envelope{}
}

// awaitJoined reads the join sync for a document: presence updates up to and
// including the roster snapshot, which is always last.
func awaitJoined(t *testing.T, conn *websocket.Conn) protocol.PresenceUpdatePayload {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env := awaitFrame(t, conn, protocol.TypePresenceUpdate)
		var p protocol.PresenceUpdatePayload
		decodePayload(t, env, &p)
		if p.Action == "snapshot" {
			return p
		}
	}
	t.Fatal("no snapshot frame within deadline")
	return protocol.PresenceUpdatePayload{}
}

func decodePayload(t *testing.T, env protocol.Envelope, out any) {
	t.Helper()
	if err := json.Unmarshal(env.Payload, out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
}

func TestManager_RejectsInvalidToken(t *testing.T) {
	h := newTestHarness(t, quietConfig())

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded with invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestManager_ConnectSendsStatus(t *testing.T) {
	h := newTestHarness(t, quietConfig())
	conn := h.dial(t, "u1", "Ada", "client-1")

	env := awaitFrame(t, conn, protocol.TypeConnectionStatus)
	var p protocol.ConnectionStatusPayload
	decodePayload(t, env, &p)

	if p.Status != "connected" {
		t.Errorf("status = %s, want connected", p.Status)
	}
	if p.SessionID == "" {
		t.Error("session id empty")
	}
	if p.Reconnected {
		t.Error("first connection flagged as reconnect")
	}
}

func TestManager_PingPong(t *testing.T) {
	h := newTestHarness(t, quietConfig())
	conn := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, conn, protocol.TypeConnectionStatus)

	if err := conn.WriteJSON(protocol.Envelope{
		Type:    protocol.TypePing,
		Payload: json.RawMessage(`{"nonce":7}`),
	}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	env := awaitFrame(t, conn, protocol.TypePong)
	var p protocol.PongPayload
	decodePayload(t, env, &p)
	if p.Nonce != 7 {
		t.Errorf("nonce = %d, want 7", p.Nonce)
	}
}

func TestManager_JoinDocumentSnapshot(t *testing.T) {
	h := newTestHarness(t, quietConfig())
	conn := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, conn, protocol.TypeConnectionStatus)

	if err := conn.WriteJSON(protocol.Envelope{
		Type:       protocol.TypeJoinDocument,
		DocumentID: "doc-1",
	}); err != nil {
		t.Fatalf("write join: %v", err)
	}

	// Subscription precedes presence registration, so the joiner's own join
	// broadcast arrives first, then the snapshot. Nothing can land between
	// the two.
	env := awaitFrame(t, conn, protocol.TypePresenceUpdate)
	var p protocol.PresenceUpdatePayload
	decodePayload(t, env, &p)
	if p.Action != "join" || p.User == nil || p.User.UserID != "u1" {
		t.Errorf("first update = %+v, want own join", p)
	}
	if env.EventID == 0 {
		t.Error("join broadcast missing event id")
	}

	env = awaitFrame(t, conn, protocol.TypePresenceUpdate)
	decodePayload(t, env, &p)
	if p.Action != "snapshot" {
		t.Errorf("action = %s, want snapshot", p.Action)
	}
	if len(p.Roster) != 1 || p.Roster[0].UserID != "u1" {
		t.Errorf("roster = %+v, want self only", p.Roster)
	}
}

func TestManager_PeerJoinBroadcast(t *testing.T) {
	h := newTestHarness(t, quietConfig())

	connA := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, connA, protocol.TypeConnectionStatus)
	if err := connA.WriteJSON(protocol.Envelope{Type: protocol.TypeJoinDocument, DocumentID: "doc-1"}); err != nil {
		t.Fatalf("A join: %v", err)
	}
	awaitJoined(t, connA)

	connB := h.dial(t, "u2", "Grace", "")
	awaitFrame(t, connB, protocol.TypeConnectionStatus)
	if err := connB.WriteJSON(protocol.Envelope{Type: protocol.TypeJoinDocument, DocumentID: "doc-1"}); err != nil {
		t.Fatalf("B join: %v", err)
	}

	env := awaitFrame(t, connA, protocol.TypePresenceUpdate)
	var p protocol.PresenceUpdatePayload
	decodePayload(t, env, &p)
	if p.Action != "join" || p.User == nil || p.User.UserID != "u2" {
		t.Errorf("broadcast = %+v, want join by u2", p)
	}
	if env.EventID == 0 {
		t.Error("broadcast frame missing event id")
	}
}

func TestManager_LockConflictCarriesHolder(t *testing.T) {
	h := newTestHarness(t, quietConfig())

	connA := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, connA, protocol.TypeConnectionStatus)
	if err := connA.WriteJSON(protocol.Envelope{Type: protocol.TypeJoinDocument, DocumentID: "doc-1"}); err != nil {
		t.Fatalf("A join: %v", err)
	}
	awaitJoined(t, connA)

	if err := connA.WriteJSON(protocol.Envelope{Type: protocol.TypeLockSection, DocumentID: "doc-1", SectionID: "sec-42"}); err != nil {
		t.Fatalf("A lock: %v", err)
	}
	awaitFrame(t, connA, protocol.TypeLockAcquired)

	connB := h.dial(t, "u2", "Grace", "")
	awaitFrame(t, connB, protocol.TypeConnectionStatus)
	if err := connB.WriteJSON(protocol.Envelope{Type: protocol.TypeLockSection, DocumentID: "doc-1", SectionID: "sec-42"}); err != nil {
		t.Fatalf("B lock: %v", err)
	}

	env := awaitFrame(t, connB, protocol.TypeError)
	var p protocol.ErrorPayload
	decodePayload(t, env, &p)
	if p.Code != protocol.CodeConflict {
		t.Errorf("code = %s, want conflict", p.Code)
	}
	if p.Holder != "Ada" {
		t.Errorf("holder = %s, want Ada", p.Holder)
	}
}

func TestManager_UnlockNotHeld(t *testing.T) {
	h := newTestHarness(t, quietConfig())
	conn := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, conn, protocol.TypeConnectionStatus)

	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeUnlockSection, DocumentID: "doc-1", SectionID: "sec-9"}); err != nil {
		t.Fatalf("write unlock: %v", err)
	}

	env := awaitFrame(t, conn, protocol.TypeError)
	var p protocol.ErrorPayload
	decodePayload(t, env, &p)
	if p.Code != protocol.CodeNotFound {
		t.Errorf("code = %s, want not_found", p.Code)
	}
}

func TestManager_MalformedFrameDoesNotKillSession(t *testing.T) {
	h := newTestHarness(t, quietConfig())
	conn := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, conn, protocol.TypeConnectionStatus)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	env := awaitFrame(t, conn, protocol.TypeError)
	var p protocol.ErrorPayload
	decodePayload(t, env, &p)
	if p.Code != protocol.CodeBadRequest {
		t.Errorf("code = %s, want bad_request", p.Code)
	}

	// Session must still be usable.
	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypePing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	awaitFrame(t, conn, protocol.TypePong)
}

func TestManager_DisconnectReleasesLocks(t *testing.T) {
	h := newTestHarness(t, quietConfig())

	connB := h.dial(t, "u2", "Grace", "")
	awaitFrame(t, connB, protocol.TypeConnectionStatus)
	if err := connB.WriteJSON(protocol.Envelope{Type: protocol.TypeJoinDocument, DocumentID: "doc-1"}); err != nil {
		t.Fatalf("B join: %v", err)
	}
	awaitJoined(t, connB)

	connA := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, connA, protocol.TypeConnectionStatus)
	if err := connA.WriteJSON(protocol.Envelope{Type: protocol.TypeJoinDocument, DocumentID: "doc-1"}); err != nil {
		t.Fatalf("A join: %v", err)
	}
	awaitJoined(t, connA)
	if err := connA.WriteJSON(protocol.Envelope{Type: protocol.TypeLockSection, DocumentID: "doc-1", SectionID: "sec-42"}); err != nil {
		t.Fatalf("A lock: %v", err)
	}
	awaitFrame(t, connB, protocol.TypeLockAcquired)

	connA.Close()

	env := awaitFrame(t, connB, protocol.TypeLockReleased)
	var p protocol.LockPayload
	decodePayload(t, env, &p)
	if p.Reason != protocol.ReasonDisconnect {
		t.Errorf("reason = %s, want disconnect", p.Reason)
	}
	if p.SectionID != "sec-42" {
		t.Errorf("section = %s, want sec-42", p.SectionID)
	}
}

func TestManager_ReconnectFlag(t *testing.T) {
	h := newTestHarness(t, quietConfig())

	conn1 := h.dial(t, "u1", "Ada", "client-stable")
	awaitFrame(t, conn1, protocol.TypeConnectionStatus)
	conn1.Close()

	// Give the server time to observe the disconnect.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.mgr.Count() > 0 {
		time.Sleep(5 * time.Millisecond)
	}

	conn2 := h.dial(t, "u1", "Ada", "client-stable")
	env := awaitFrame(t, conn2, protocol.TypeConnectionStatus)
	var p protocol.ConnectionStatusPayload
	decodePayload(t, env, &p)
	if !p.Reconnected {
		t.Error("same client_id not flagged as reconnect")
	}
}

func TestManager_HeartbeatTimeoutClosesSession(t *testing.T) {
	cfg := quietConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	h := newTestHarness(t, cfg)

	conn := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, conn, protocol.TypeConnectionStatus)

	// No pings from the client; the monitor should close the session after
	// three missed intervals.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.mgr.Count() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("session still open after heartbeat timeout")
}

func TestManager_LeaveUnjoinedDocument(t *testing.T) {
	h := newTestHarness(t, quietConfig())
	conn := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, conn, protocol.TypeConnectionStatus)

	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeLeaveDocument, DocumentID: "doc-x"}); err != nil {
		t.Fatalf("write leave: %v", err)
	}

	env := awaitFrame(t, conn, protocol.TypeError)
	var p protocol.ErrorPayload
	decodePayload(t, env, &p)
	if p.Code != protocol.CodeNotFound {
		t.Errorf("code = %s, want not_found", p.Code)
	}
}

func TestManager_TaskStatusFanout(t *testing.T) {
	h := newTestHarness(t, quietConfig())
	conn := h.dial(t, "u1", "Ada", "")
	awaitFrame(t, conn, protocol.TypeConnectionStatus)

	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeWatchTask, TaskID: "task-7"}); err != nil {
		t.Fatalf("write watch: %v", err)
	}

	// Subscription is applied by the read pump; poll until it lands.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.mgr.events.SubscriberCount(bus.TaskScope("task-7")) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	h.mgr.events.Publish(bus.Event{
		Type:    protocol.TypeTaskStatus,
		Scope:   bus.TaskScope("task-7"),
		TaskID:  "task-7",
		Payload: protocol.TaskStatusPayload{TaskID: "task-7", Status: "approved", UpdatedBy: "u9"},
	})

	env := awaitFrame(t, conn, protocol.TypeTaskStatus)
	var p protocol.TaskStatusPayload
	decodePayload(t, env, &p)
	if p.Status != "approved" || p.TaskID != "task-7" {
		t.Errorf("payload = %+v", p)
	}
	if env.EventID == 0 {
		t.Error("task event missing event id")
	}
}
