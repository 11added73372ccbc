package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lockstep/server/internal/net/proto"
	"lockstep/server/internal/sim"
)

const writeWait = 5 * time.Second

// Session is one connected peer. Writes are serialised; reads happen only on
// the handler goroutine.
type Session struct {
	id      string
	conn    *websocket.Conn
	mu      sync.Mutex
	lastSeq atomic.Uint64
}

func newSession(id string, conn *websocket.Conn) *Session {
	return &Session{id: id, conn: conn}
}

func (s *Session) ID() string { return s.id }

// WriteJSON encodes v and sends it as a text frame.
func (s *Session) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// LastCommandSeq is the highest peer sequence acknowledged on this session.
func (s *Session) LastCommandSeq() uint64 { return s.lastSeq.Load() }

func (s *Session) StoreLastCommandSeq(seq uint64) { s.lastSeq.Store(seq) }

func (s *Session) close(code int, reason string) {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	s.mu.Unlock()
	_ = s.conn.Close()
}

// Hub tracks live sessions so the host can relay commands and resync notices.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	host     string
}

func NewHub() *Hub {
	return &Hub{sessions: make(map[string]*Session)}
}

// add registers s. The first session to join becomes the host.
func (h *Hub) add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
	if h.host == "" {
		h.host = s.id
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
	if h.host == id {
		h.host = ""
	}
}

// IsHost reports whether id may raise the tick ceiling.
func (h *Hub) IsHost(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return id != "" && h.host == id
}

// Len reports the number of connected sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// relay sends a staged command, stamped with its host order, to every
// session including the one that sent it.
func (h *Hub) relay(env sim.Envelope) {
	h.Broadcast(proto.CommandMessage(env), "")
}

// Broadcast sends v to every session except skip. It returns the ids whose
// write failed.
func (h *Hub) Broadcast(v any, skip string) []string {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		if id != skip {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	var failed []string
	for _, s := range targets {
		if err := s.WriteMessage(websocket.TextMessage, data); err != nil {
			failed = append(failed, s.id)
		}
	}
	return failed
}
