package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/proposalforge/collabd/internal/bus"
	"github.com/proposalforge/collabd/internal/protocol"
)

// Session is one live WebSocket connection.
type Session struct {
	id          string
	clientID    string
	userID      string
	displayName string

	conn *websocket.Conn
	out  *bus.Ring[protocol.Envelope]

	mu            sync.Mutex
	watchedDocs   map[string]struct{}
	watchedTasks  map[string]struct{}
	lastHeartbeat time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// ID implements bus.Subscriber.
func (s *Session) ID() string { return s.id }

// Deliver implements bus.Subscriber: a non-blocking enqueue onto the
// session's outbound ring. Events the session itself caused are not
// filtered; clients reconcile by event ID.
func (s *Session) Deliver(ev bus.Event) bool {
	return s.out.Push(envelopeFromEvent(ev))
}

// send enqueues a direct (non-broadcast) frame for this session only.
func (s *Session) send(env protocol.Envelope) {
	s.out.Push(env)
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) heartbeatAge(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastHeartbeat)
}

func (s *Session) watchDoc(documentID string) {
	s.mu.Lock()
	s.watchedDocs[documentID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) unwatchDoc(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchedDocs[documentID]; !ok {
		return false
	}
	delete(s.watchedDocs, documentID)
	return true
}

func (s *Session) watchingDoc(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watchedDocs[documentID]
	return ok
}

func (s *Session) watchTask(taskID string) {
	s.mu.Lock()
	s.watchedTasks[taskID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) unwatchTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchedTasks[taskID]; !ok {
		return false
	}
	delete(s.watchedTasks, taskID)
	return true
}

func (s *Session) docs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.watchedDocs))
	for d := range s.watchedDocs {
		out = append(out, d)
	}
	return out
}

// envelopeFromEvent converts a bus event to its wire frame.
func envelopeFromEvent(ev bus.Event) protocol.Envelope {
	env := protocol.NewEnvelope(ev.Type, ev.Payload)
	env.DocumentID = ev.DocumentID
	env.SectionID = ev.SectionID
	env.TaskID = ev.TaskID
	env.EventID = ev.ID
	env.Timestamp = ev.Timestamp.UnixMilli()
	return env
}

// pingData encodes the probe send time so the pong handler can compute RTT.
func pingData(now time.Time) []byte {
	return []byte(strconv.FormatInt(now.UnixMicro(), 10))
}

func pingRTT(appData string, now time.Time) (time.Duration, bool) {
	sent, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.UnixMicro(sent)), true
}
