package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is one live tail connection.
type Session struct {
	ID        string
	TaskID    string
	Conn      *websocket.Conn
	CreatedAt time.Time
	mu        sync.Mutex
}

// SessionManager tracks open tail connections so shutdown can close them.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
	}
}

// Create registers a tail of taskID on conn.
func (m *SessionManager) Create(conn *websocket.Conn, taskID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := &Session{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	m.sessions[session.ID] = session
	return session
}

// Remove closes and forgets a session.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[id]; ok {
		_ = session.Conn.Close()
		delete(m.sessions, id)
	}
}

// Count returns the number of active sessions
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll sends a going-away close frame to every session.
func (m *SessionManager) CloseAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, session := range m.sessions {
		_ = session.control(msg)
	}
}

// Send writes one text frame.
func (s *Session) Send(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.Conn.WriteMessage(websocket.TextMessage, message)
}

// Close sends a normal close frame with reason.
func (s *Session) Close(reason string) error {
	return s.control(websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}

func (s *Session) control(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
